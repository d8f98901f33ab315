package relayer

import (
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

const testConfig = `
feeExpiration: 90s
randomizeWalletSelection: true
networks:
  - name: ethereum
    chainType: 0
    chainID: 1
    rpc: http://127.0.0.1:8545
    gasType: 2
    proxyContract: "0x00000000000000000000000000000000000000c0"
    priceTTL: 1m
    fees:
      slippageBuffer: 0.05
      profitMargin: 0.05
      gasEstimateVarianceBuffer: 0.1
    gasToken:
      symbol: ETH
      decimals: 18
      wrappedAddress: "0x00000000000000000000000000000000000000e0"
      minBalanceForAvailability: "100000000000000000"
    tokens:
      - address: "0x00000000000000000000000000000000000000f1"
        symbol: DAI
        decimals: 18
      - address: "0x00000000000000000000000000000000000000f2"
        symbol: USDC
        decimals: 6
  - name: bsc
    chainType: 0
    chainID: 56
    rpc: http://127.0.0.1:8546
    gasType: 0
    proxyContract: "0x00000000000000000000000000000000000000c1"
    gasToken:
      symbol: BNB
      decimals: 18
      wrappedAddress: "0x00000000000000000000000000000000000000e1"
  - name: goerli
    chainID: 5
    rpc: http://127.0.0.1:8547
    disabled: true
wallets:
  - index: 0
    priority: 1
    shieldedReceiver: true
  - index: 1
    priority: 2
    chains:
      - type: 0
        id: 56
priceSources:
  - name: oracle
    url: http://127.0.0.1:9000
`

func TestParseConfig(t *testing.T) {
	config, err := ParseConfig([]byte(testConfig))
	require.NoError(t, err)

	require.Equal(t, 90*time.Second, config.FeeExpiration)
	require.Equal(t, int64(DefaultMinScaledRatio), config.MinScaledRatio)
	require.Equal(t, defaultBalanceTTL, config.BalanceTTL)
	require.Equal(t, DefaultFeeBroadcastInterval, config.FeeBroadcastInterval)
	require.True(t, config.RandomizeWalletSelection)
	require.Len(t, config.Wallets, 2)
	require.Equal(t, []Chain{{Type: ChainTypeEVM, ID: 56}}, config.Wallets[1].Chains)
	require.Len(t, config.PriceSources, 1)

	require.Equal(t, map[Chain]string{
		{ID: 1}:  "http://127.0.0.1:8545",
		{ID: 56}: "http://127.0.0.1:8546",
	}, config.RPCURLs())

	networks, err := config.BuildNetworks()
	require.NoError(t, err)
	require.Len(t, networks, 2)

	eth, err := networks.Get(Chain{ID: 1})
	require.NoError(t, err)
	require.Equal(t, GasTypeEIP1559, eth.GasType)
	require.Equal(t, time.Minute, eth.PriceTTL)
	require.Equal(t, 0.1, eth.Fees.GasEstimateVarianceBuffer)
	require.Equal(t, big.NewInt(1e17), eth.GasToken.MinBalanceForAvailability)
	usdc, ok := eth.Token(common.HexToAddress("0xf2"))
	require.True(t, ok)
	require.Equal(t, uint8(6), usdc.Decimals)

	bsc, err := networks.Get(Chain{ID: 56})
	require.NoError(t, err)
	require.Equal(t, GasTypeLegacy, bsc.GasType)
	require.Equal(t, defaultPriceTTL, bsc.PriceTTL)
	require.Equal(t, 0, bsc.GasToken.MinBalanceForAvailability.Sign())
	require.Empty(t, bsc.Tokens)

	_, err = networks.Get(Chain{ID: 5})
	require.ErrorIs(t, err, ErrUnsupportedChain)
}

func TestParseConfig_Invalid(t *testing.T) {
	tests := map[string]struct {
		old, new string
	}{
		"bad gas type":             {"gasType: 0", "gasType: 1"},
		"fee out of range":         {"profitMargin: 0.05", "profitMargin: 1.5"},
		"negative fee":             {"slippageBuffer: 0.05", "slippageBuffer: -0.1"},
		"no rpc":                   {"rpc: http://127.0.0.1:8546", "rpc: \"\""},
		"bad token address":        {`"0x00000000000000000000000000000000000000f2"`, `"0xzz"`},
		"duplicate token":          {`"0x00000000000000000000000000000000000000f2"`, `"0x00000000000000000000000000000000000000f1"`},
		"duplicate network":        {"chainID: 56", "chainID: 1"},
		"bad proxy":                {`proxyContract: "0x00000000000000000000000000000000000000c1"`, `proxyContract: ""`},
		"bad min balance":          {`minBalanceForAvailability: "100000000000000000"`, `minBalanceForAvailability: "-1"`},
		"missing gas decimals":     {"symbol: ETH\n      decimals: 18\n", "symbol: ETH\n"},
		"gas decimals too large":   {"symbol: BNB\n      decimals: 18\n", "symbol: BNB\n      decimals: 37\n"},
		"missing gas symbol":       {"symbol: ETH\n", "symbol: \"\"\n"},
		"token decimals too large": {"decimals: 6", "decimals: 40"},
		"malformed yaml":           {"networks:", "networks: ["},
		"no wallets":               {"wallets:\n  - index: 0", "unused:\n  - index: 0"},
		"only disabled nets":       {"chainID: 1\n", "chainID: 1\n    disabled: true\n"},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			data := strings.Replace(testConfig, tt.old, tt.new, 1)
			require.NotEqual(t, testConfig, data)
			if name == "only disabled nets" {
				data = strings.Replace(data, "chainID: 56\n", "chainID: 56\n    disabled: true\n", 1)
			}
			_, err := ParseConfig([]byte(data))
			require.ErrorIs(t, err, ErrConfiguration)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	file := filepath.Join(t.TempDir(), "networks.yaml")
	require.NoError(t, os.WriteFile(file, []byte(testConfig), 0o600))

	config, err := LoadConfig(file)
	require.NoError(t, err)
	require.Len(t, config.Networks, 3)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestPendingMonitorConfigFromEnv(t *testing.T) {
	config, err := PendingMonitorConfigFromEnv()
	require.NoError(t, err)
	require.Equal(t, DefaultPendingMonitorConfig, config)
	require.False(t, config.Enabled)

	t.Setenv("PENDING_MONITOR_ENABLED", "1")
	t.Setenv("PENDING_MONITOR_INITIAL_DELAY_MS", "500")
	t.Setenv("PENDING_MONITOR_POLLING_DELAY_MS", "250")
	t.Setenv("PENDING_MONITOR_MAX_RETRIES", "4")
	t.Setenv("PENDING_MONITOR_GAS_BUMP_PERCENT", "120")
	config, err = PendingMonitorConfigFromEnv()
	require.NoError(t, err)
	require.Equal(t, PendingMonitorConfig{
		Enabled:        true,
		InitialDelay:   500 * time.Millisecond,
		PollingDelay:   250 * time.Millisecond,
		MaxRetryCount:  4,
		CallTimeout:    DefaultPendingMonitorConfig.CallTimeout,
		GasBumpPercent: 120,
	}, config)

	t.Setenv("PENDING_MONITOR_GAS_BUMP_PERCENT", "90")
	_, err = PendingMonitorConfigFromEnv()
	require.ErrorIs(t, err, ErrConfiguration)

	t.Setenv("PENDING_MONITOR_GAS_BUMP_PERCENT", "")
	t.Setenv("PENDING_MONITOR_ENABLED", "maybe")
	_, err = PendingMonitorConfigFromEnv()
	require.ErrorIs(t, err, ErrConfiguration)
}
