// Package execution applies trade intents to the account book. Two engine
// variants share one contract: the live engine forwards intents to the
// venue, the simulated engine fills them synthetically against candle
// history.
package execution

import (
	"context"
	"time"

	"github.com/moznion/go-optional"
	"github.com/tidemill/tidemill/internal/logger"
	"github.com/tidemill/tidemill/internal/types"
	"github.com/tidemill/tidemill/pkg/errors"
	"go.uber.org/zap"
)

// OrderResult is the outcome of placing an order. The simulated engine
// fills synchronously and returns the execution; the live engine returns
// the pending order ack, with the fill arriving later on the private feed.
type OrderResult struct {
	Order     types.Order
	Execution optional.Option[types.Execution]
}

// Engine is the shared execution contract. Strategy callbacks route all
// mutations through it; they never touch the book directly.
type Engine interface {
	PlaceOrder(ctx context.Context, req types.OrderRequest) (OrderResult, error)
	SetStopLoss(ctx context.Context, symbol string, side types.Side, price float64) error
	SetTakeProfit(ctx context.Context, symbol string, side types.Side, price float64) error
}

// OrderClient is the venue-order collaborator used by the live engine.
type OrderClient interface {
	PlaceOrder(ctx context.Context, req types.OrderRequest) (types.Order, error)
	PlaceConditionalOrder(ctx context.Context, req types.OrderRequest, triggerPrice float64) (types.StopOrder, error)
	SetTradingStop(ctx context.Context, symbol string, side types.Side, stopLoss, takeProfit optional.Option[float64]) error
	// Reconnect re-establishes the venue session between retry attempts.
	Reconnect(ctx context.Context) error
}

// RetryPolicy bounds venue-call retries. Only transport-class errors are
// retried; data and invariant errors surface immediately.
type RetryPolicy struct {
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"`
	Delay       time.Duration `yaml:"delay" json:"delay"`
}

// DefaultRetryPolicy mirrors the venue client defaults: three attempts
// with a one second pause.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Delay: time.Second}
}

// withRetry runs op under the policy, reconnecting between attempts.
func withRetry(ctx context.Context, policy RetryPolicy, log *logger.Logger, reconnect func(context.Context) error, op func(context.Context) error) error {
	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		if !errors.IsRetryable(lastErr) {
			return lastErr
		}

		if attempt == attempts {
			break
		}

		log.Warn("venue call failed, reconnecting",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", attempts),
			zap.Error(lastErr),
		)

		if rcErr := reconnect(ctx); rcErr != nil {
			log.Warn("venue reconnect failed", zap.Error(rcErr))
		}

		select {
		case <-ctx.Done():
			return errors.Wrap(errors.ErrCodeRetryExhausted, "retry aborted", ctx.Err())
		case <-time.After(policy.Delay):
		}
	}

	return errors.Wrapf(errors.ErrCodeRetryExhausted, lastErr, "gave up after %d attempts", attempts)
}
