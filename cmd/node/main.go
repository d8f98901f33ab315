package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/flashbots/go-utils/cli"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/shieldrelay/broadcaster-node/adapters/leveldb"
	redisadapter "github.com/shieldrelay/broadcaster-node/adapters/redis"
	"github.com/shieldrelay/broadcaster-node/jsonrpcserver"
	"github.com/shieldrelay/broadcaster-node/relayer"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"
)

var (
	version = "dev" // is set during build process

	// .env is loaded before the defaults are read
	_ = godotenv.Load()

	// Default values
	defaultDebug             = os.Getenv("DEBUG") == "1"
	defaultLogProd           = os.Getenv("LOG_PROD") == "1"
	defaultLogService        = os.Getenv("LOG_SERVICE")
	defaultPort              = cli.GetEnv("PORT", "8080")
	defaultMetricsPort       = cli.GetEnv("METRICS_PORT", "8088")
	defaultConfig            = cli.GetEnv("NETWORKS_CONFIG", "networks.yaml")
	defaultMnemonic          = os.Getenv("MNEMONIC")
	defaultRedisEndpoint     = cli.GetEnv("REDIS_ENDPOINT", "redis://localhost:6379")
	defaultFeeChannel        = cli.GetEnv("REDIS_FEE_CHANNEL", "relay-fees")
	defaultSettingsStore     = cli.GetEnv("SETTINGS_STORE", "redis")
	defaultSettingsNS        = cli.GetEnv("SETTINGS_NAMESPACE", "broadcaster")
	defaultLevelDBPath       = cli.GetEnv("LEVELDB_PATH", "data/settings")
	defaultPostgresDSN       = os.Getenv("POSTGRES_DSN")
	defaultFeeExtractor      = cli.GetEnv("FEE_EXTRACTOR_ENDPOINT", "http://127.0.0.1:9545")
	defaultSubmitRateLimit   = cli.GetEnv("SUBMIT_RATE_LIMIT", "10")
	defaultCallTimeoutMs     = cli.GetEnv("CALL_TIMEOUT_MS", "10000")
	defaultSettlementTimeout = cli.GetEnv("SETTLEMENT_TIMEOUT_MS", "180000")

	// Flags
	debugPtr             = flag.Bool("debug", defaultDebug, "print debug output")
	logProdPtr           = flag.Bool("log-prod", defaultLogProd, "log in production mode (json)")
	logServicePtr        = flag.String("log-service", defaultLogService, "'service' tag to logs")
	portPtr              = flag.String("port", defaultPort, "port to listen on")
	metricsPortPtr       = flag.String("metrics-port", defaultMetricsPort, "port to serve metrics and pprof on")
	configPtr            = flag.String("config", defaultConfig, "networks config file")
	mnemonicPtr          = flag.String("mnemonic", defaultMnemonic, "wallet seed phrase")
	redisPtr             = flag.String("redis", defaultRedisEndpoint, "redis url string")
	feeChannelPtr        = flag.String("fee-channel", defaultFeeChannel, "redis pub/sub channel for fee quotes")
	settingsStorePtr     = flag.String("settings-store", defaultSettingsStore, "nonce settings store (redis, leveldb, memory)")
	settingsNSPtr        = flag.String("settings-namespace", defaultSettingsNS, "settings store key namespace")
	levelDBPathPtr       = flag.String("leveldb-path", defaultLevelDBPath, "leveldb settings store directory")
	postgresDSNPtr       = flag.String("postgres-dsn", defaultPostgresDSN, "postgres dsn for the transaction audit log (empty disables it)")
	feeExtractorPtr      = flag.String("fee-extractor", defaultFeeExtractor, "packaged fee extraction endpoint")
	submitRateLimitPtr   = flag.String("submit-rate-limit", defaultSubmitRateLimit, "relay submissions rate limit (calls per second)")
	callTimeoutPtr       = flag.String("call-timeout-ms", defaultCallTimeoutMs, "timeout of a single chain rpc call in milliseconds")
	settlementTimeoutPtr = flag.String("settlement-timeout-ms", defaultSettlementTimeout, "time a wallet waits for a receipt when the pending monitor is off")
)

func parseMillis(logger *zap.Logger, name, value string) time.Duration {
	ms, err := strconv.ParseUint(value, 10, 32)
	if err != nil || ms == 0 {
		logger.Fatal("Invalid duration", zap.String("flag", name), zap.String("value", value))
	}
	return time.Duration(ms) * time.Millisecond
}

func main() {
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	if *logProdPtr {
		atom := zap.NewAtomicLevel()
		if *debugPtr {
			atom.SetLevel(zap.DebugLevel)
		}

		encoderCfg := zap.NewProductionEncoderConfig()
		encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		logger = zap.New(zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderCfg),
			zapcore.Lock(os.Stdout),
			atom,
		))
	}
	defer func() { _ = logger.Sync() }()
	if *logServicePtr != "" {
		logger = logger.With(zap.String("service", *logServicePtr))
	}

	ctx, ctxCancel := context.WithCancel(context.Background())

	logger.Info("Starting broadcaster-node", zap.String("version", version))

	config, err := relayer.LoadConfig(*configPtr)
	if err != nil {
		logger.Fatal("Failed to load networks config", zap.Error(err))
	}
	networks, err := config.BuildNetworks()
	if err != nil {
		logger.Fatal("Failed to build networks", zap.Error(err))
	}
	callTimeout := parseMillis(logger, "call-timeout-ms", *callTimeoutPtr)

	providers := make(relayer.Providers, len(networks))
	for chain, url := range config.RPCURLs() {
		client, err := ethclient.Dial(url)
		if err != nil {
			logger.Fatal("Failed to connect to chain endpoint", zap.String("chain", chain.String()), zap.Error(err))
		}
		chainID, err := client.ChainID(ctx)
		if err != nil {
			logger.Fatal("Failed to get chain id", zap.String("chain", chain.String()), zap.Error(err))
		}
		if !chainID.IsUint64() || chainID.Uint64() != chain.ID {
			logger.Fatal("Chain id mismatch", zap.String("chain", chain.String()), zap.String("rpcChainID", chainID.String()))
		}
		providers[chain] = client
	}

	if *mnemonicPtr == "" {
		logger.Fatal("Mnemonic is required")
	}
	wallets, err := relayer.NewWalletPool(*mnemonicPtr, config.Wallets)
	if err != nil {
		logger.Fatal("Failed to derive wallets", zap.Error(err))
	}
	for _, w := range wallets.All() {
		logger.Info("Loaded wallet", zap.String("address", w.Address.Hex()),
			zap.Uint32("index", w.HDIndex), zap.Int("priority", w.Priority))
	}

	redisOpts, err := redis.ParseURL(*redisPtr)
	if err != nil {
		logger.Fatal("Failed to parse redis url", zap.Error(err))
	}
	redisClient := redis.NewClient(redisOpts)

	var settings relayer.SettingsStore
	switch *settingsStorePtr {
	case "redis":
		settings = redisadapter.NewSettingsStore(redisClient, *settingsNSPtr)
	case "leveldb":
		store, err := leveldb.OpenSettingsStore(*levelDBPathPtr, *settingsNSPtr)
		if err != nil {
			logger.Fatal("Failed to open leveldb settings store", zap.Error(err))
		}
		defer func() { _ = store.Close() }()
		settings = store
	case "memory":
		logger.Warn("Using in-memory settings store, nonces are not persisted")
		settings = relayer.NewMemorySettingsStore()
	default:
		logger.Fatal("Unknown settings store", zap.String("store", *settingsStorePtr))
	}

	var recorder relayer.TxRecorder
	if *postgresDSNPtr != "" {
		dbBackend, err := relayer.NewDBBackend(*postgresDSNPtr)
		if err != nil {
			logger.Fatal("Failed to create postgres backend", zap.Error(err))
		}
		defer func() { _ = dbBackend.Close() }()
		recorder = dbBackend
	}

	monitorConfig, err := relayer.PendingMonitorConfigFromEnv()
	if err != nil {
		logger.Fatal("Failed to load pending monitor config", zap.Error(err))
	}
	monitorConfig.CallTimeout = callTimeout

	executionConfig := relayer.DefaultExecutionConfig
	executionConfig.CallTimeout = callTimeout
	executionConfig.SettlementTimeout = parseMillis(logger, "settlement-timeout-ms", *settlementTimeoutPtr)

	rateLimit, err := strconv.ParseFloat(*submitRateLimitPtr, 64)
	if err != nil {
		logger.Fatal("Failed to parse submit rate limit", zap.Error(err))
	}

	prices := relayer.NewTokenPriceCache()
	feeCache := relayer.NewFeeCache(config.FeeExpiration)
	gasEstimator := relayer.NewChainGasEstimator(logger, providers, callTimeout)
	calc := relayer.NewTokenFeeCalculator(logger, prices, gasEstimator, feeCache, config.MinScaledRatio)
	validator := relayer.NewFeeValidator(logger, feeCache, calc)
	balances := relayer.NewBalanceCache(logger, providers, config.BalanceTTL, callTimeout)
	availability := relayer.NewAvailabilityTracker(balances)
	monitor := relayer.NewPendingTransactionMonitor(logger, monitorConfig, providers, recorder)
	selector := relayer.NewBestMatchSelector(logger, wallets, availability, balances, monitor, config.RandomizeWalletSelection)
	nonces := relayer.NewNonceManager(logger, settings, providers, callTimeout)
	engine := relayer.NewExecutionEngine(logger, executionConfig, providers, wallets, selector, availability, balances, nonces, monitor)

	priceSources := make([]relayer.PriceSource, 0, len(config.PriceSources))
	for _, s := range config.PriceSources {
		priceSources = append(priceSources, relayer.NewJSONRPCPriceSource(s.Name, s.URL))
	}
	if len(priceSources) == 0 {
		logger.Warn("No price sources configured, fees are unavailable until prices are stored")
	}
	refresher := relayer.NewPriceRefresher(logger, networks, priceSources, prices, config.PriceRefreshInterval, callTimeout)
	refresherWg := refresher.Start(ctx)

	feeBroadcaster := relayer.NewFeeBroadcaster(logger, networks, calc, wallets, availability,
		relayer.NewRedisFeePublisher(redisClient, *feeChannelPtr), config.FeeBroadcastInterval)
	broadcasterWg := feeBroadcaster.Start(ctx)

	api := relayer.NewAPI(logger, networks, calc, gasEstimator, validator, engine, wallets, availability,
		monitor, relayer.NewJSONRPCFeeExtractor(*feeExtractorPtr), recorder, rate.Limit(rateLimit))

	jsonRPCServer, err := jsonrpcserver.NewHandler(jsonrpcserver.Methods{
		relayer.GetFeesEndpointName:           api.GetFees,
		relayer.SubmitTransactionEndpointName: api.SubmitTransaction,
		relayer.GetStatusEndpointName:         api.GetStatus,
	})
	if err != nil {
		logger.Fatal("Failed to create jsonrpc server", zap.Error(err))
	}

	http.Handle("/", jsonRPCServer)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", *portPtr),
		ReadHeaderTimeout: 5 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w, true)
	})
	go func() {
		metricsMux.Handle("/debug/pprof/", http.HandlerFunc(pprof.Index))
		metricsMux.Handle("/debug/pprof/cmdline", http.HandlerFunc(pprof.Cmdline))
		metricsMux.Handle("/debug/pprof/profile", http.HandlerFunc(pprof.Profile))
		metricsMux.Handle("/debug/pprof/symbol", http.HandlerFunc(pprof.Symbol))
		metricsMux.Handle("/debug/pprof/trace", http.HandlerFunc(pprof.Trace))

		metricsServer := &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%s", *metricsPortPtr),
			ReadHeaderTimeout: 5 * time.Second,
			Handler:           metricsMux,
		}

		err := metricsServer.ListenAndServe()
		if err != nil {
			logger.Fatal("Failed to start metrics server", zap.Error(err))
		}
	}()

	connectionsClosed := make(chan struct{})
	go func() {
		notifier := make(chan os.Signal, 1)
		signal.Notify(notifier, os.Interrupt, syscall.SIGTERM)
		<-notifier
		logger.Info("Shutting down...")
		ctxCancel()
		if err := server.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown server", zap.Error(err))
		}
		close(connectionsClosed)
	}()

	err = server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("ListenAndServe: ", zap.Error(err))
	}

	<-ctx.Done()
	<-connectionsClosed
	// wait for background loops and wallet settlements to finish
	refresherWg.Wait()
	broadcasterWg.Wait()
	engine.Wait()
}
