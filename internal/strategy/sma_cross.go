package strategy

import (
	"github.com/moznion/go-optional"
	"github.com/tidemill/tidemill/internal/types"
	"github.com/tidemill/tidemill/pkg/errors"
	"go.uber.org/zap"
)

// SMACross goes long when the fast moving average crosses above the slow
// one and flattens on the opposite cross. A protective stop is attached a
// fixed fraction below the entry.
type SMACross struct {
	Fast int
	Slow int
	// Qty is the order size in base units.
	Qty float64
	// StopFraction places the stop loss this fraction below the close at
	// entry. Zero disables the stop.
	StopFraction float64
}

// NewSMACross returns the strategy with validated windows.
func NewSMACross(fast, slow int, qty float64) (*SMACross, error) {
	if fast <= 0 || slow <= fast {
		return nil, errors.Newf(errors.ErrCodeInvalidConfig, "want 0 < fast < slow, got fast=%d slow=%d", fast, slow)
	}

	if qty <= 0 {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "qty must be positive")
	}

	return &SMACross{Fast: fast, Slow: slow, Qty: qty, StopFraction: 0.02}, nil
}

func (s *SMACross) Name() string {
	return "sma_cross"
}

func (s *SMACross) OnBar(sctx Context) error {
	series := sctx.Market.Series(sctx.Topic)
	if len(series) < s.Slow+1 {
		return nil
	}

	fastNow := sma(series, s.Fast, 0)
	slowNow := sma(series, s.Slow, 0)
	fastPrev := sma(series, s.Fast, 1)
	slowPrev := sma(series, s.Slow, 1)

	pos := sctx.Account.Position(sctx.Topic.Symbol)

	crossedUp := fastPrev <= slowPrev && fastNow > slowNow
	crossedDown := fastPrev >= slowPrev && fastNow < slowNow

	switch {
	case crossedUp && !pos.IsOpen():
		req := types.OrderRequest{
			Symbol:    sctx.Topic.Symbol,
			Side:      types.SideBuy,
			Qty:       s.Qty,
			OrderType: types.OrderTypeMarket,
		}

		if s.StopFraction > 0 {
			req.StopLoss = optional.Some(sctx.Candle.Close * (1 - s.StopFraction))
		}

		result, err := sctx.Engine.PlaceOrder(sctx.Ctx, req)
		if err != nil {
			return err
		}

		sctx.Logger.Info("entered long",
			zap.String("symbol", sctx.Topic.Symbol),
			zap.String("order_id", result.Order.OrderID),
			zap.Float64("fast", fastNow),
			zap.Float64("slow", slowNow),
		)
	case crossedDown && pos.IsOpen() && pos.Side == types.SideBuy:
		result, err := sctx.Engine.PlaceOrder(sctx.Ctx, types.OrderRequest{
			Symbol:     sctx.Topic.Symbol,
			Side:       types.SideSell,
			Qty:        pos.Size,
			OrderType:  types.OrderTypeMarket,
			ReduceOnly: true,
		})
		if err != nil {
			return err
		}

		sctx.Logger.Info("exited long",
			zap.String("symbol", sctx.Topic.Symbol),
			zap.String("order_id", result.Order.OrderID),
		)
	}

	return nil
}

// sma averages the closes of the window ending offset bars before the tail.
func sma(series []types.Candle, window, offset int) float64 {
	end := len(series) - offset
	start := end - window

	if start < 0 {
		return 0
	}

	var sum float64
	for _, c := range series[start:end] {
		sum += c.Close
	}

	return sum / float64(window)
}
