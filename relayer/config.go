package relayer

import (
	"math/big"
	"os"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

const (
	defaultPriceTTL      = 5 * time.Minute
	defaultFeeExpiration = 2 * time.Minute
	defaultBalanceTTL    = 30 * time.Second

	maxTokenDecimals = 36
)

type Config struct {
	FeeExpiration            time.Duration `yaml:"feeExpiration"`
	MinScaledRatio           int64         `yaml:"minScaledRatio"`
	BalanceTTL               time.Duration `yaml:"balanceTTL"`
	RandomizeWalletSelection bool          `yaml:"randomizeWalletSelection"`
	FeeBroadcastInterval     time.Duration `yaml:"feeBroadcastInterval"`
	PriceRefreshInterval     time.Duration `yaml:"priceRefreshInterval"`

	Networks []struct {
		Name          string        `yaml:"name"`
		ChainType     uint8         `yaml:"chainType"`
		ChainID       uint64        `yaml:"chainID"`
		RPC           string        `yaml:"rpc"`
		GasType       uint8         `yaml:"gasType"`
		ProxyContract string        `yaml:"proxyContract"`
		PriceTTL      time.Duration `yaml:"priceTTL"`
		Fees          struct {
			SlippageBuffer            float64 `yaml:"slippageBuffer"`
			ProfitMargin              float64 `yaml:"profitMargin"`
			GasEstimateVarianceBuffer float64 `yaml:"gasEstimateVarianceBuffer"`
		} `yaml:"fees"`
		GasToken struct {
			Symbol                    string `yaml:"symbol"`
			Decimals                  uint8  `yaml:"decimals"`
			WrappedAddress            string `yaml:"wrappedAddress"`
			MinBalanceForAvailability string `yaml:"minBalanceForAvailability"`
		} `yaml:"gasToken"`
		Tokens []struct {
			Address  string `yaml:"address"`
			Symbol   string `yaml:"symbol"`
			Decimals uint8  `yaml:"decimals"`
		} `yaml:"tokens"`
		Disabled bool `yaml:"disabled"`
	} `yaml:"networks"`

	Wallets []WalletConfig `yaml:"wallets"`

	PriceSources []struct {
		Name string `yaml:"name"`
		URL  string `yaml:"url"`
	} `yaml:"priceSources"`
}

// LoadConfig parses and validates a node config from a file
func LoadConfig(file string) (*Config, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, configErrorf("read %s: %v", file, err)
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, configErrorf("parse: %v", err)
	}
	if config.FeeExpiration == 0 {
		config.FeeExpiration = defaultFeeExpiration
	}
	if config.MinScaledRatio == 0 {
		config.MinScaledRatio = DefaultMinScaledRatio
	}
	if config.BalanceTTL == 0 {
		config.BalanceTTL = defaultBalanceTTL
	}
	if config.FeeBroadcastInterval == 0 {
		config.FeeBroadcastInterval = DefaultFeeBroadcastInterval
	}
	if config.PriceRefreshInterval == 0 {
		config.PriceRefreshInterval = DefaultPriceRefreshInterval
	}
	if _, err := config.BuildNetworks(); err != nil {
		return nil, err
	}
	if len(config.Wallets) == 0 {
		return nil, configErrorf("no wallets configured")
	}
	return &config, nil
}

// RPCURLs returns the RPC endpoint of every enabled network
func (c *Config) RPCURLs() map[Chain]string {
	res := make(map[Chain]string)
	for _, n := range c.Networks {
		if n.Disabled {
			continue
		}
		res[Chain{Type: ChainType(n.ChainType), ID: n.ChainID}] = n.RPC
	}
	return res
}

func (c *Config) BuildNetworks() (Networks, error) {
	networks := make(Networks)
	for _, n := range c.Networks {
		if n.Disabled {
			continue
		}
		chain := Chain{Type: ChainType(n.ChainType), ID: n.ChainID}
		if _, ok := networks[chain]; ok {
			return nil, configErrorf("duplicate network %s", chain)
		}
		if n.RPC == "" {
			return nil, configErrorf("network %s: rpc url is required", chain)
		}

		gasType := GasType(n.GasType)
		if gasType != GasTypeLegacy && gasType != GasTypeEIP1559 {
			return nil, configErrorf("network %s: unsupported gas type %d", chain, n.GasType)
		}
		for name, v := range map[string]float64{
			"slippageBuffer":            n.Fees.SlippageBuffer,
			"profitMargin":              n.Fees.ProfitMargin,
			"gasEstimateVarianceBuffer": n.Fees.GasEstimateVarianceBuffer,
		} {
			if v < 0 || v >= 1 {
				return nil, configErrorf("network %s: %s must be in [0, 1), got %v", chain, name, v)
			}
		}
		if n.GasToken.Symbol == "" {
			return nil, configErrorf("network %s: gas token symbol is required", chain)
		}
		if n.GasToken.Decimals == 0 || n.GasToken.Decimals > maxTokenDecimals {
			return nil, configErrorf("network %s: gas token decimals must be in [1, %d], got %d", chain, maxTokenDecimals, n.GasToken.Decimals)
		}
		if !common.IsHexAddress(n.GasToken.WrappedAddress) {
			return nil, configErrorf("network %s: invalid wrapped gas token address %q", chain, n.GasToken.WrappedAddress)
		}
		if !common.IsHexAddress(n.ProxyContract) {
			return nil, configErrorf("network %s: invalid proxy contract address %q", chain, n.ProxyContract)
		}
		minBalance := new(big.Int)
		if n.GasToken.MinBalanceForAvailability != "" {
			if _, ok := minBalance.SetString(n.GasToken.MinBalanceForAvailability, 10); !ok || minBalance.Sign() < 0 {
				return nil, configErrorf("network %s: invalid minBalanceForAvailability %q", chain, n.GasToken.MinBalanceForAvailability)
			}
		}

		priceTTL := n.PriceTTL
		if priceTTL == 0 {
			priceTTL = defaultPriceTTL
		}

		network := &Network{
			Chain:   chain,
			Name:    n.Name,
			GasType: gasType,
			GasToken: GasToken{
				Symbol:                    n.GasToken.Symbol,
				Decimals:                  n.GasToken.Decimals,
				WrappedAddress:            common.HexToAddress(n.GasToken.WrappedAddress),
				MinBalanceForAvailability: minBalance,
			},
			Fees: FeePolicy{
				SlippageBuffer:            n.Fees.SlippageBuffer,
				ProfitMargin:              n.Fees.ProfitMargin,
				GasEstimateVarianceBuffer: n.Fees.GasEstimateVarianceBuffer,
			},
			PriceTTL:      priceTTL,
			ProxyContract: common.HexToAddress(n.ProxyContract),
			Tokens:        make(map[common.Address]Token, len(n.Tokens)),
		}
		for _, t := range n.Tokens {
			if !common.IsHexAddress(t.Address) {
				return nil, configErrorf("network %s: invalid token address %q", chain, t.Address)
			}
			address := common.HexToAddress(t.Address)
			if t.Decimals > maxTokenDecimals {
				return nil, configErrorf("network %s: token %s decimals must be at most %d, got %d", chain, address.Hex(), maxTokenDecimals, t.Decimals)
			}
			if _, ok := network.Tokens[address]; ok {
				return nil, configErrorf("network %s: duplicate token %s", chain, address.Hex())
			}
			network.Tokens[address] = Token{Address: address, Symbol: t.Symbol, Decimals: t.Decimals}
		}
		networks[chain] = network
	}
	if len(networks) == 0 {
		return nil, configErrorf("no networks configured")
	}
	return networks, nil
}

// PendingMonitorConfigFromEnv loads the pending monitor config from environment.
// - `PENDING_MONITOR_ENABLED` (1 or true)
// - `PENDING_MONITOR_INITIAL_DELAY_MS`
// - `PENDING_MONITOR_POLLING_DELAY_MS`
// - `PENDING_MONITOR_MAX_RETRIES`
// - `PENDING_MONITOR_GAS_BUMP_PERCENT`
func PendingMonitorConfigFromEnv() (PendingMonitorConfig, error) {
	config := DefaultPendingMonitorConfig

	if val := os.Getenv("PENDING_MONITOR_ENABLED"); val != "" {
		enabled, err := strconv.ParseBool(val)
		if err != nil {
			return config, configErrorf("PENDING_MONITOR_ENABLED: %v", err)
		}
		config.Enabled = enabled
	}
	if val := os.Getenv("PENDING_MONITOR_INITIAL_DELAY_MS"); val != "" {
		ms, err := strconv.ParseUint(val, 10, 32)
		if err != nil {
			return config, configErrorf("PENDING_MONITOR_INITIAL_DELAY_MS: %v", err)
		}
		config.InitialDelay = time.Duration(ms) * time.Millisecond
	}
	if val := os.Getenv("PENDING_MONITOR_POLLING_DELAY_MS"); val != "" {
		ms, err := strconv.ParseUint(val, 10, 32)
		if err != nil {
			return config, configErrorf("PENDING_MONITOR_POLLING_DELAY_MS: %v", err)
		}
		if ms == 0 {
			return config, configErrorf("PENDING_MONITOR_POLLING_DELAY_MS must be positive")
		}
		config.PollingDelay = time.Duration(ms) * time.Millisecond
	}
	if val := os.Getenv("PENDING_MONITOR_MAX_RETRIES"); val != "" {
		retries, err := strconv.ParseUint(val, 10, 16)
		if err != nil {
			return config, configErrorf("PENDING_MONITOR_MAX_RETRIES: %v", err)
		}
		config.MaxRetryCount = retries
	}
	if val := os.Getenv("PENDING_MONITOR_GAS_BUMP_PERCENT"); val != "" {
		percent, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return config, configErrorf("PENDING_MONITOR_GAS_BUMP_PERCENT: %v", err)
		}
		if percent < 100 {
			return config, configErrorf("PENDING_MONITOR_GAS_BUMP_PERCENT must be at least 100, got %d", percent)
		}
		config.GasBumpPercent = percent
	}

	return config, nil
}
