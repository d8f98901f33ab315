package relayer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

var (
	ErrNoBaseFee = errors.New("latest header has no base fee")

	big2 = big.NewInt(2)
)

// GasDetails is the gas limit and price a transaction will be submitted with.
type GasDetails struct {
	GasType              GasType
	GasEstimate          uint64
	GasPrice             *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// MaximumGas is the upper bound of the gas token spent by the transaction.
func (d *GasDetails) MaximumGas() *big.Int {
	price := d.GasPrice
	if d.GasType == GasTypeEIP1559 {
		price = d.MaxFeePerGas
	}
	if price == nil {
		return new(big.Int)
	}
	return new(big.Int).Mul(new(big.Int).SetUint64(d.GasEstimate), price)
}

type FeeData struct {
	GasPrice             *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// fetchFeeData reads the live price for the given fee model.
// The EIP-1559 fee cap is twice the latest base fee plus the suggested tip.
func fetchFeeData(ctx context.Context, provider ChainProvider, gasType GasType, timeout time.Duration) (FeeData, error) {
	if gasType == GasTypeLegacy {
		gasPrice, err := callWithTimeout(ctx, timeout, "suggest gas price", provider.SuggestGasPrice)
		if err != nil {
			return FeeData{}, err
		}
		return FeeData{GasPrice: gasPrice}, nil
	}

	tip, err := callWithTimeout(ctx, timeout, "suggest gas tip cap", provider.SuggestGasTipCap)
	if err != nil {
		return FeeData{}, err
	}
	header, err := callWithTimeout(ctx, timeout, "latest header", func(ctx context.Context) (*types.Header, error) {
		return provider.HeaderByNumber(ctx, nil)
	})
	if err != nil {
		return FeeData{}, err
	}
	if header.BaseFee == nil {
		return FeeData{}, ErrNoBaseFee
	}
	maxFee := new(big.Int).Mul(header.BaseFee, big2)
	maxFee.Add(maxFee, tip)
	return FeeData{MaxFeePerGas: maxFee, MaxPriorityFeePerGas: tip}, nil
}

type GasEstimator interface {
	EstimateGasDetails(ctx context.Context, network *Network, tx TxRequest, minGasPrice *big.Int) (*GasDetails, error)
}

// ChainGasEstimator estimates gas units and price through the chain provider.
// Failures are not retried.
type ChainGasEstimator struct {
	log       *zap.Logger
	providers Providers
	timeout   time.Duration
}

func NewChainGasEstimator(log *zap.Logger, providers Providers, timeout time.Duration) *ChainGasEstimator {
	return &ChainGasEstimator{
		log:       log.Named("gas"),
		providers: providers,
		timeout:   timeout,
	}
}

func (e *ChainGasEstimator) EstimateGasDetails(ctx context.Context, network *Network, tx TxRequest, minGasPrice *big.Int) (*GasDetails, error) {
	provider, err := e.providers.Get(network.Chain)
	if err != nil {
		return nil, err
	}

	gasEstimate, err := callWithTimeout(ctx, e.timeout, "estimate gas", func(ctx context.Context) (uint64, error) {
		return provider.EstimateGas(ctx, tx.callMsg())
	})
	if err != nil {
		return nil, errors.Join(ErrGasEstimate, fmt.Errorf("chain %s: estimate gas: %w", network.Chain, err))
	}

	details := &GasDetails{
		GasType:     network.GasType,
		GasEstimate: gasEstimate,
	}

	if minGasPrice != nil && minGasPrice.Sign() > 0 {
		if network.GasType == GasTypeLegacy {
			details.GasPrice = new(big.Int).Set(minGasPrice)
		} else {
			details.MaxFeePerGas = new(big.Int).Set(minGasPrice)
			details.MaxPriorityFeePerGas = new(big.Int).Set(minGasPrice)
		}
		return details, nil
	}

	feeData, err := fetchFeeData(ctx, provider, network.GasType, e.timeout)
	if err != nil {
		return nil, errors.Join(ErrGasEstimate, fmt.Errorf("chain %s: fee data: %w", network.Chain, err))
	}
	details.GasPrice = feeData.GasPrice
	details.MaxFeePerGas = feeData.MaxFeePerGas
	details.MaxPriorityFeePerGas = feeData.MaxPriorityFeePerGas

	e.log.Debug("Estimated gas",
		zap.String("chain", network.Chain.String()),
		zap.Uint64("gasEstimate", gasEstimate),
		zap.String("maximumGasEth", formatUnits(details.MaximumGas(), "eth")),
	)
	return details, nil
}
