package execution

import (
	"context"
	"testing"
	"time"

	"github.com/moznion/go-optional"
	"github.com/stretchr/testify/suite"
	"github.com/tidemill/tidemill/internal/account"
	"github.com/tidemill/tidemill/internal/types"
	"github.com/tidemill/tidemill/pkg/errors"
)

type scriptedOrderClient struct {
	placeErrs   []error
	placeCalls  int
	reconnects  int
	stopErrs    []error
	stopCalls   int
	lastStop    optional.Option[float64]
	lastProfit  optional.Option[float64]
	nextOrderID string
}

func (c *scriptedOrderClient) PlaceOrder(ctx context.Context, req types.OrderRequest) (types.Order, error) {
	c.placeCalls++
	if len(c.placeErrs) > 0 {
		err := c.placeErrs[0]
		c.placeErrs = c.placeErrs[1:]
		if err != nil {
			return types.Order{}, err
		}
	}

	return types.Order{
		OrderID:   c.nextOrderID,
		Symbol:    req.Symbol,
		Side:      req.Side,
		OrderType: req.OrderType,
		Qty:       req.Qty,
		Status:    types.OrderStatusNew,
	}, nil
}

func (c *scriptedOrderClient) PlaceConditionalOrder(ctx context.Context, req types.OrderRequest, triggerPrice float64) (types.StopOrder, error) {
	return types.StopOrder{
		Order: types.Order{
			OrderID: c.nextOrderID,
			Symbol:  req.Symbol,
			Side:    req.Side,
			Qty:     req.Qty,
			Status:  types.OrderStatusNew,
		},
		TriggerPrice: triggerPrice,
	}, nil
}

func (c *scriptedOrderClient) SetTradingStop(ctx context.Context, symbol string, side types.Side, stopLoss, takeProfit optional.Option[float64]) error {
	c.stopCalls++
	if len(c.stopErrs) > 0 {
		err := c.stopErrs[0]
		c.stopErrs = c.stopErrs[1:]
		if err != nil {
			return err
		}
	}

	c.lastStop = stopLoss
	c.lastProfit = takeProfit

	return nil
}

func (c *scriptedOrderClient) Reconnect(ctx context.Context) error {
	c.reconnects++

	return nil
}

type LiveEngineTestSuite struct {
	suite.Suite
	book   *account.Book
	client *scriptedOrderClient
	engine *LiveEngine
}

func TestLiveEngineSuite(t *testing.T) {
	suite.Run(t, new(LiveEngineTestSuite))
}

func (s *LiveEngineTestSuite) SetupTest() {
	s.book = account.NewBook("USDT", nil)
	s.client = &scriptedOrderClient{nextOrderID: "live-1"}
	s.engine = NewLiveEngine(s.book, s.client,
		RetryPolicy{MaxAttempts: 3, Delay: time.Millisecond}, nil)
}

func (s *LiveEngineTestSuite) request() types.OrderRequest {
	return types.OrderRequest{
		Symbol:    "BTCUSDT",
		Side:      types.SideBuy,
		Qty:       1,
		OrderType: types.OrderTypeMarket,
	}
}

func (s *LiveEngineTestSuite) TestPlaceOrderTracksPendingOrder() {
	result, err := s.engine.PlaceOrder(context.Background(), s.request())
	s.Require().NoError(err)

	s.Require().Equal("live-1", result.Order.OrderID)
	s.Require().True(result.Execution.IsNone())

	pending := s.book.Orders("BTCUSDT")
	s.Require().Len(pending, 1)
	s.Require().Equal(types.OrderStatusNew, pending[0].Status)
}

func (s *LiveEngineTestSuite) TestTransportErrorsAreRetried() {
	s.client.placeErrs = []error{
		errors.New(errors.ErrCodeVenueCallFailed, "temporarily unreachable"),
		errors.New(errors.ErrCodeConnectionLost, "socket dropped"),
	}

	result, err := s.engine.PlaceOrder(context.Background(), s.request())
	s.Require().NoError(err)
	s.Require().Equal("live-1", result.Order.OrderID)
	s.Require().Equal(3, s.client.placeCalls)
	s.Require().Equal(2, s.client.reconnects)
}

func (s *LiveEngineTestSuite) TestNonTransportErrorsSurfaceImmediately() {
	s.client.placeErrs = []error{
		errors.New(errors.ErrCodeInvalidOrderRequest, "rejected"),
	}

	_, err := s.engine.PlaceOrder(context.Background(), s.request())
	s.Require().Error(err)
	s.Require().True(errors.HasCode(err, errors.ErrCodeInvalidOrderRequest))
	s.Require().Equal(1, s.client.placeCalls)
	s.Require().Equal(0, s.client.reconnects)
}

func (s *LiveEngineTestSuite) TestRetriesExhaust() {
	s.client.placeErrs = []error{
		errors.New(errors.ErrCodeVenueCallFailed, "down"),
		errors.New(errors.ErrCodeVenueCallFailed, "down"),
		errors.New(errors.ErrCodeVenueCallFailed, "down"),
	}

	_, err := s.engine.PlaceOrder(context.Background(), s.request())
	s.Require().Error(err)
	s.Require().True(errors.HasCode(err, errors.ErrCodeRetryExhausted))
	s.Require().Equal(3, s.client.placeCalls)
	s.Require().Empty(s.book.Orders("BTCUSDT"))
}

func (s *LiveEngineTestSuite) TestSetTradingStopsMirrorLocally() {
	s.book.ApplyPositions([]types.Position{
		{Symbol: "BTCUSDT", Side: types.SideBuy, Size: 1, Value: 100},
	})

	s.Require().NoError(s.engine.SetStopLoss(context.Background(), "BTCUSDT", types.SideBuy, 95))
	s.Require().Equal(95.0, s.client.lastStop.Unwrap())

	s.Require().NoError(s.engine.SetTakeProfit(context.Background(), "BTCUSDT", types.SideBuy, 120))
	s.Require().Equal(120.0, s.client.lastProfit.Unwrap())

	pos := s.book.Position("BTCUSDT")
	s.Require().Equal(95.0, pos.StopLoss.Unwrap())
	s.Require().Equal(120.0, pos.TakeProfit.Unwrap())
}

func (s *LiveEngineTestSuite) TestConditionalOrderTracked() {
	stop, err := s.engine.PlaceConditionalOrder(context.Background(), s.request(), 99)
	s.Require().NoError(err)
	s.Require().Equal(99.0, stop.TriggerPrice)

	tracked := s.book.StopOrders("BTCUSDT")
	s.Require().Len(tracked, 1)
}
