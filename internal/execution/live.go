package execution

import (
	"context"

	"github.com/moznion/go-optional"
	"github.com/tidemill/tidemill/internal/account"
	"github.com/tidemill/tidemill/internal/logger"
	"github.com/tidemill/tidemill/internal/types"
	"go.uber.org/zap"
)

// LiveEngine forwards trade intents to the venue through an OrderClient.
// Fills are not synthesized here; they arrive later on the private feed
// and reach the book through the dispatcher.
type LiveEngine struct {
	book   *account.Book
	client OrderClient
	policy RetryPolicy
	log    *logger.Logger
}

// NewLiveEngine creates a venue-backed execution engine.
func NewLiveEngine(book *account.Book, client OrderClient, policy RetryPolicy, log *logger.Logger) *LiveEngine {
	if log == nil {
		log = logger.NewNopLogger()
	}

	return &LiveEngine{
		book:   book,
		client: client,
		policy: policy,
		log:    log,
	}
}

// PlaceOrder implements Engine. The returned result carries the venue's
// order ack and never an execution.
func (e *LiveEngine) PlaceOrder(ctx context.Context, req types.OrderRequest) (OrderResult, error) {
	if err := req.Validate(); err != nil {
		return OrderResult{}, err
	}

	var order types.Order

	err := withRetry(ctx, e.policy, e.log, e.client.Reconnect, func(ctx context.Context) error {
		placed, err := e.client.PlaceOrder(ctx, req)
		if err != nil {
			return err
		}

		order = placed

		return nil
	})
	if err != nil {
		return OrderResult{}, err
	}

	e.book.ApplyOrders([]types.Order{order})

	e.log.Info("order placed",
		zap.String("symbol", order.Symbol),
		zap.String("order_id", order.OrderID),
		zap.String("side", string(order.Side)),
		zap.Float64("qty", order.Qty),
	)

	return OrderResult{Order: order, Execution: optional.None[types.Execution]()}, nil
}

// PlaceConditionalOrder submits an order that activates when the trigger
// price is touched. The pending stop order is tracked in the book until a
// terminal status arrives on the private feed.
func (e *LiveEngine) PlaceConditionalOrder(ctx context.Context, req types.OrderRequest, triggerPrice float64) (types.StopOrder, error) {
	if err := req.Validate(); err != nil {
		return types.StopOrder{}, err
	}

	var stop types.StopOrder

	err := withRetry(ctx, e.policy, e.log, e.client.Reconnect, func(ctx context.Context) error {
		placed, err := e.client.PlaceConditionalOrder(ctx, req, triggerPrice)
		if err != nil {
			return err
		}

		stop = placed

		return nil
	})
	if err != nil {
		return types.StopOrder{}, err
	}

	e.book.ApplyStopOrders([]types.StopOrder{stop})

	return stop, nil
}

// SetStopLoss implements Engine by attaching the level on the venue side,
// then mirroring it on the local position.
func (e *LiveEngine) SetStopLoss(ctx context.Context, symbol string, side types.Side, price float64) error {
	err := withRetry(ctx, e.policy, e.log, e.client.Reconnect, func(ctx context.Context) error {
		return e.client.SetTradingStop(ctx, symbol, side, optional.Some(price), optional.None[float64]())
	})
	if err != nil {
		return err
	}

	pos := e.book.Position(symbol)
	pos.StopLoss = optional.Some(price)
	e.book.ApplyPositions([]types.Position{pos})

	return nil
}

// SetTakeProfit implements Engine by attaching the level on the venue
// side, then mirroring it on the local position.
func (e *LiveEngine) SetTakeProfit(ctx context.Context, symbol string, side types.Side, price float64) error {
	err := withRetry(ctx, e.policy, e.log, e.client.Reconnect, func(ctx context.Context) error {
		return e.client.SetTradingStop(ctx, symbol, side, optional.None[float64](), optional.Some(price))
	})
	if err != nil {
		return err
	}

	pos := e.book.Position(symbol)
	pos.TakeProfit = optional.Some(price)
	e.book.ApplyPositions([]types.Position{pos})

	return nil
}
