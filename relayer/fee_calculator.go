package relayer

import (
	"context"
	"encoding/hex"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/crypto/sha3"
)

const (
	// Precision is the fixed point scale applied to price ratios.
	Precision             = 100_000_000
	DefaultMinScaledRatio = 100

	txFeeCacheCleanupInterval = time.Minute
)

var precisionBig = big.NewInt(Precision)

type TransactionFee struct {
	Token   common.Address
	Amount  *big.Int
	UnitFee *big.Int
	Gas     *GasDetails
}

// TokenFeeCalculator converts gas token amounts into fee token amounts.
// All amount arithmetic is integer; floats are only used to derive the scaled price ratio.
type TokenFeeCalculator struct {
	log            *zap.Logger
	prices         *TokenPriceCache
	gas            GasEstimator
	feeCache       *FeeCache
	minScaledRatio int64
	txFees         *gocache.Cache
}

func NewTokenFeeCalculator(log *zap.Logger, prices *TokenPriceCache, gas GasEstimator, feeCache *FeeCache, minScaledRatio int64) *TokenFeeCalculator {
	if minScaledRatio <= 0 {
		minScaledRatio = DefaultMinScaledRatio
	}
	return &TokenFeeCalculator{
		log:            log.Named("fees"),
		prices:         prices,
		gas:            gas,
		feeCache:       feeCache,
		minScaledRatio: minScaledRatio,
		txFees:         gocache.New(feeCache.TTL(), txFeeCacheCleanupInterval),
	}
}

func oneUnit(decimals uint8) *big.Int {
	return pow10(uint(decimals))
}

func (c *TokenFeeCalculator) scaledRatio(network *Network, token Token) (*big.Int, error) {
	tokenPrice, ok := c.prices.Price(network.Chain, token.Address, network.PriceTTL)
	if !ok {
		return nil, fmt.Errorf("%w: token %s on %s", ErrPriceUnavailable, token.Address.Hex(), network.Chain)
	}
	gasTokenPrice, ok := c.prices.Price(network.Chain, network.GasToken.WrappedAddress, network.PriceTTL)
	if !ok {
		return nil, fmt.Errorf("%w: gas token %s on %s", ErrPriceUnavailable, network.GasToken.Symbol, network.Chain)
	}

	ratio := gasTokenPrice / tokenPrice
	totalRatio := ratio + ratio*network.Fees.SlippageBuffer + ratio*network.Fees.ProfitMargin
	scaled := math.Round(totalRatio * Precision)
	if math.IsInf(scaled, 0) || math.IsNaN(scaled) {
		return nil, fmt.Errorf("%w: token %s on %s", ErrPriceUnavailable, token.Address.Hex(), network.Chain)
	}
	if scaled < float64(c.minScaledRatio) {
		return nil, fmt.Errorf("%w: token %s on %s, scaled ratio %.0f", ErrPriceRatioTooImprecise, token.Address.Hex(), network.Chain, scaled)
	}
	res, _ := new(big.Float).SetFloat64(scaled).Int(nil)
	return res, nil
}

// UnitTokenFee is the amount of token, in its smallest unit, worth one whole gas token
// after slippage and profit buffers.
func (c *TokenFeeCalculator) UnitTokenFee(network *Network, tokenAddress common.Address) (*big.Int, error) {
	token, ok := network.Token(tokenAddress)
	if !ok {
		return nil, fmt.Errorf("%w: %s on %s", ErrUnsupportedToken, tokenAddress.Hex(), network.Chain)
	}
	scaled, err := c.scaledRatio(network, token)
	if err != nil {
		return nil, err
	}

	fee := new(big.Int).Mul(oneUnit(network.GasToken.Decimals), scaled)
	diff := int(network.GasToken.Decimals) - int(token.Decimals)
	if diff >= 0 {
		fee.Div(fee, pow10(uint(diff)))
	} else {
		fee.Mul(fee, pow10(uint(-diff)))
	}
	return fee.Div(fee, precisionBig), nil
}

// tokenFeeForGas converts a gas token amount into a token amount at unitFee.
func tokenFeeForGas(network *Network, gasAmount, unitFee *big.Int) *big.Int {
	fee := new(big.Int).Mul(gasAmount, unitFee)
	return fee.Div(fee, oneUnit(network.GasToken.Decimals))
}

// GasPriceForTokenFee is the inverse of the token fee computation: the gas price
// tokenFee pays for when spent on gasEstimate units at unitFee.
func GasPriceForTokenFee(network *Network, tokenFee *big.Int, gasEstimate uint64, unitFee *big.Int) *big.Int {
	if unitFee.Sign() == 0 || gasEstimate == 0 {
		return new(big.Int)
	}
	price := new(big.Int).Mul(tokenFee, oneUnit(network.GasToken.Decimals))
	price.Div(price, unitFee)
	return price.Div(price, new(big.Int).SetUint64(gasEstimate))
}

func txFeeCacheKey(tx TxRequest, token common.Address) string {
	h := sha3.NewLegacyKeccak256()
	h.Write(tx.To.Bytes())
	h.Write(tx.Data)
	if tx.Value != nil {
		h.Write(tx.Value.Bytes())
	}
	return hex.EncodeToString(h.Sum(nil)) + ":" + token.Hex()
}

// TokenFeeForTransaction quotes the token fee for relaying tx.
func (c *TokenFeeCalculator) TokenFeeForTransaction(ctx context.Context, network *Network, tx TxRequest, token common.Address, minGasPrice *big.Int) (*TransactionFee, error) {
	unitFee, err := c.UnitTokenFee(network, token)
	if err != nil {
		return nil, err
	}
	gas, err := c.gas.EstimateGasDetails(ctx, network, tx, minGasPrice)
	if err != nil {
		return nil, err
	}
	fee := &TransactionFee{
		Token:   token,
		Amount:  tokenFeeForGas(network, gas.MaximumGas(), unitFee),
		UnitFee: unitFee,
		Gas:     gas,
	}
	c.txFees.SetDefault(txFeeCacheKey(tx, token), fee)
	return fee, nil
}

func (c *TokenFeeCalculator) CachedTransactionFee(tx TxRequest, token common.Address) (*TransactionFee, bool) {
	v, ok := c.txFees.Get(txFeeCacheKey(tx, token))
	if !ok {
		return nil, false
	}
	//nolint:forcetypeassert
	return v.(*TransactionFee), true
}

// AllUnitFeesForChain quotes every configured token of the network and registers the
// quote in the fee cache. Tokens without a usable price are left out.
func (c *TokenFeeCalculator) AllUnitFeesForChain(network *Network) (map[common.Address]*big.Int, string, error) {
	fees := make(map[common.Address]*big.Int, len(network.Tokens))
	for address := range network.Tokens {
		fee, err := c.UnitTokenFee(network, address)
		if err != nil {
			c.log.Debug("Skipping token fee", zap.String("chain", network.Chain.String()),
				zap.String("token", address.Hex()), zap.Error(err))
			continue
		}
		fees[address] = fee
	}
	id, err := c.feeCache.CacheUnitFees(network.Chain, fees)
	if err != nil {
		return nil, "", err
	}
	return fees, id, nil
}

func (c *TokenFeeCalculator) Reset() {
	c.txFees.Flush()
}
