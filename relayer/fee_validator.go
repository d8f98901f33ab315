package relayer

import (
	"fmt"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shieldrelay/broadcaster-node/metrics"
	"go.uber.org/zap"
)

// FeeValidator decides whether the fee packaged in a client transaction pays for its gas.
type FeeValidator struct {
	log      *zap.Logger
	feeCache *FeeCache
	calc     *TokenFeeCalculator
}

func NewFeeValidator(log *zap.Logger, feeCache *FeeCache, calc *TokenFeeCalculator) *FeeValidator {
	return &FeeValidator{
		log:      log.Named("validator"),
		feeCache: feeCache,
		calc:     calc,
	}
}

// requiredFee is fee(unitFee, maximumGas) discounted by the gas estimate variance buffer.
func requiredFee(network *Network, unitFee, maximumGas *big.Int) *big.Int {
	fee := tokenFeeForGas(network, maximumGas, unitFee)
	multiplier := int64(math.Round((1 - network.Fees.GasEstimateVarianceBuffer) * Precision))
	fee.Mul(fee, big.NewInt(multiplier))
	return fee.Div(fee, precisionBig)
}

func (v *FeeValidator) ValidateFee(network *Network, token common.Address, maximumGas *big.Int, feeCacheID string, packagedFee *big.Int) error {
	if _, ok := network.Token(token); !ok {
		return fmt.Errorf("%w: %s on %s", ErrUnsupportedToken, token.Hex(), network.Chain)
	}
	if packagedFee == nil {
		packagedFee = new(big.Int)
	}
	logger := v.log.With(
		zap.String("chain", network.Chain.String()),
		zap.String("token", token.Hex()),
		zap.String("packagedFee", packagedFee.String()),
	)

	if cached, ok := v.feeCache.LookupCachedUnitFee(network.Chain, feeCacheID, token); ok {
		if packagedFee.Cmp(requiredFee(network, cached, maximumGas)) >= 0 {
			metrics.IncFeeAccepted("cached")
			return nil
		}
		logger.Debug("Packaged fee below cached quote, checking live price", zap.String("feeCacheID", feeCacheID))
	}

	live, err := v.calc.UnitTokenFee(network, token)
	if err != nil {
		metrics.IncFeeRejected()
		logger.Warn("Could not compute live unit fee", zap.Error(err))
		return fmt.Errorf("%w: %w", ErrRejectedPackagedFee, err)
	}
	required := requiredFee(network, live, maximumGas)
	if packagedFee.Cmp(required) >= 0 {
		metrics.IncFeeAccepted("live")
		return nil
	}

	metrics.IncFeeRejected()
	logger.Info("Rejected packaged fee", zap.String("required", required.String()))
	return fmt.Errorf("%w: %s < %s", ErrRejectedPackagedFee, packagedFee, required)
}
