package relayer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/params"
)

var (
	ethDivisor  = new(big.Float).SetUint64(params.Ether)
	gweiDivisor = new(big.Float).SetUint64(params.GWei)

	big10 = big.NewInt(10)

	defaultCallTimeout = 10 * time.Second
)

func formatUnits(value *big.Int, unit string) string {
	if value == nil {
		return ""
	}
	float := new(big.Float).SetInt(value)
	switch unit {
	case "eth":
		return float.Quo(float, ethDivisor).String()
	case "gwei":
		return float.Quo(float, gweiDivisor).String()
	default:
		return ""
	}
}

func pow10(n uint) *big.Int {
	return new(big.Int).Exp(big10, big.NewInt(int64(n)), nil)
}

// callWithTimeout races call against timeout. A missed deadline is reported as
// ErrCallTimeout, a cancelled parent context is returned as is.
func callWithTimeout[T any](ctx context.Context, timeout time.Duration, op string, call func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		v, err := call(callCtx)
		resCh <- result{v, err}
	}()

	var zero T
	select {
	case res := <-resCh:
		// the call may observe the deadline before this select does
		if res.err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return zero, fmt.Errorf("%s: %w after %s", op, ErrCallTimeout, timeout)
		}
		return res.v, res.err
	case <-callCtx.Done():
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return zero, fmt.Errorf("%s: %w after %s", op, ErrCallTimeout, timeout)
		}
		return zero, callCtx.Err()
	}
}

func execWithTimeout(ctx context.Context, timeout time.Duration, op string, call func(ctx context.Context) error) error {
	_, err := callWithTimeout(ctx, timeout, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, call(ctx)
	})
	return err
}
