package execution

import (
	"context"
	"testing"
	"time"

	"github.com/moznion/go-optional"
	"github.com/stretchr/testify/suite"
	"github.com/tidemill/tidemill/internal/account"
	"github.com/tidemill/tidemill/internal/execution/commission"
	"github.com/tidemill/tidemill/internal/types"
	"github.com/tidemill/tidemill/pkg/errors"
)

type fakeResolver struct {
	bars map[string][]types.Candle
}

func (f *fakeResolver) NextBar(symbol string, after time.Time) optional.Option[types.Candle] {
	for _, bar := range f.bars[symbol] {
		if bar.End.After(after) {
			return optional.Some(bar)
		}
	}

	return optional.None[types.Candle]()
}

type SimEngineTestSuite struct {
	suite.Suite
	book     *account.Book
	resolver *fakeResolver
	engine   *SimEngine
	base     time.Time
}

func TestSimEngineSuite(t *testing.T) {
	suite.Run(t, new(SimEngineTestSuite))
}

func (s *SimEngineTestSuite) SetupTest() {
	s.base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s.book = account.NewBook("USDT", nil)
	s.book.ApplyWallet([]types.WalletEntry{
		{Coin: "USDT", Available: 1000, Total: 1000},
	})
	s.resolver = &fakeResolver{bars: map[string][]types.Candle{
		"BTCUSDT": {
			s.bar(0, 100, 102, 99, 101),
			s.bar(1, 105, 106, 104, 105),
			s.bar(2, 110, 111, 109, 110),
		},
	}}
	s.engine = NewSimEngine(s.book, s.resolver,
		commission.GetSchedule(commission.ModelFlat, 1),
		[]types.Instrument{{Symbol: "BTCUSDT", BaseCoin: "BTC", QuoteCoin: "USDT"}},
		nil)
}

func (s *SimEngineTestSuite) bar(offsetMinutes int, open, high, low, close float64) types.Candle {
	start := s.base.Add(time.Duration(offsetMinutes) * time.Minute)

	return types.Candle{
		Start:     start,
		End:       start.Add(time.Minute),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     close,
		Confirmed: true,
	}
}

func (s *SimEngineTestSuite) marketOrder(side types.Side, qty float64) types.OrderRequest {
	return types.OrderRequest{
		Symbol:    "BTCUSDT",
		Side:      side,
		Qty:       qty,
		OrderType: types.OrderTypeMarket,
	}
}

func (s *SimEngineTestSuite) TestFillAtNextBarOpen() {
	s.engine.AdvanceClock("BTCUSDT", s.base.Add(time.Minute))

	result, err := s.engine.PlaceOrder(context.Background(), s.marketOrder(types.SideBuy, 1))
	s.Require().NoError(err)
	s.Require().True(result.Execution.IsSome())

	exec := result.Execution.Unwrap()
	s.Require().Equal(105.0, exec.Price)
	s.Require().Equal(s.base.Add(time.Minute), exec.Time)
	s.Require().True(exec.Opened)
	s.Require().Equal(types.OrderStatusFilled, result.Order.Status)

	pos := s.book.Position("BTCUSDT")
	s.Require().Equal(types.SideBuy, pos.Side)
	s.Require().Equal(1.0, pos.Size)
	s.Require().Equal(105.0, pos.Value)
}

func (s *SimEngineTestSuite) TestRoundTripWalletFlows() {
	ctx := context.Background()

	s.engine.AdvanceClock("BTCUSDT", s.base.Add(time.Minute))
	_, err := s.engine.PlaceOrder(ctx, s.marketOrder(types.SideBuy, 1))
	s.Require().NoError(err)

	s.engine.AdvanceClock("BTCUSDT", s.base.Add(2*time.Minute))
	req := s.marketOrder(types.SideSell, 1)
	req.ReduceOnly = true
	result, err := s.engine.PlaceOrder(ctx, req)
	s.Require().NoError(err)

	exec := result.Execution.Unwrap()
	s.Require().Equal(110.0, exec.Price)
	s.Require().False(exec.Opened)

	s.Require().False(s.book.Position("BTCUSDT").IsOpen())

	// Bought at 105, sold at 110, one unit, two flat fees of 1.
	quote := s.book.Wallet("USDT").Unwrap()
	s.Require().Equal(1003.0, quote.Total)
	s.Require().Equal(1003.0, quote.Available)

	btc := s.book.Wallet("BTC").Unwrap()
	s.Require().Equal(0.0, btc.Total)
}

func (s *SimEngineTestSuite) TestNetting() {
	ctx := context.Background()
	s.engine.AdvanceClock("BTCUSDT", s.base.Add(time.Minute))

	_, err := s.engine.PlaceOrder(ctx, s.marketOrder(types.SideBuy, 2))
	s.Require().NoError(err)

	s.Run("same side accumulates", func() {
		s.engine.AdvanceClock("BTCUSDT", s.base.Add(2*time.Minute))
		_, err := s.engine.PlaceOrder(ctx, s.marketOrder(types.SideBuy, 1))
		s.Require().NoError(err)

		pos := s.book.Position("BTCUSDT")
		s.Require().Equal(3.0, pos.Size)
		s.Require().Equal(2*105.0+110.0, pos.Value)
	})

	s.Run("partial reduce keeps average entry", func() {
		avgBefore := s.book.Position("BTCUSDT").AverageEntryPrice()

		_, err := s.engine.PlaceOrder(ctx, s.marketOrder(types.SideSell, 1))
		s.Require().NoError(err)

		pos := s.book.Position("BTCUSDT")
		s.Require().Equal(2.0, pos.Size)
		s.Require().InDelta(avgBefore, pos.AverageEntryPrice(), 1e-9)
		s.Require().Equal(types.SideBuy, pos.Side)
	})

	s.Run("oversized opposite flips direction", func() {
		_, err := s.engine.PlaceOrder(ctx, s.marketOrder(types.SideSell, 5))
		s.Require().NoError(err)

		pos := s.book.Position("BTCUSDT")
		s.Require().Equal(types.SideSell, pos.Side)
		s.Require().Equal(3.0, pos.Size)
		s.Require().Equal(3*110.0, pos.Value)
	})

	s.Run("exact close marks execution as closing", func() {
		result, err := s.engine.PlaceOrder(ctx, s.marketOrder(types.SideBuy, 3))
		s.Require().NoError(err)

		s.Require().False(result.Execution.Unwrap().Opened)

		pos := s.book.Position("BTCUSDT")
		s.Require().Equal(0.0, pos.Size)
		s.Require().Equal(0.0, pos.Value)
	})
}

func (s *SimEngineTestSuite) TestReduceOnly() {
	ctx := context.Background()
	s.engine.AdvanceClock("BTCUSDT", s.base.Add(time.Minute))

	s.Run("flat position is a no-op", func() {
		req := s.marketOrder(types.SideSell, 1)
		req.ReduceOnly = true

		result, err := s.engine.PlaceOrder(ctx, req)
		s.Require().NoError(err)
		s.Require().True(result.Execution.IsNone())
		s.Require().Equal(types.OrderStatusCancelled, result.Order.Status)
		s.Require().Empty(s.book.Executions("BTCUSDT"))
	})

	s.Run("oversized reduce clamps to position size", func() {
		_, err := s.engine.PlaceOrder(ctx, s.marketOrder(types.SideBuy, 1))
		s.Require().NoError(err)

		req := s.marketOrder(types.SideSell, 10)
		req.ReduceOnly = true

		result, err := s.engine.PlaceOrder(ctx, req)
		s.Require().NoError(err)
		s.Require().Equal(1.0, result.Execution.Unwrap().Qty)
		s.Require().False(s.book.Position("BTCUSDT").IsOpen())
	})
}

func (s *SimEngineTestSuite) TestNoFillPriceAfterLastBar() {
	s.engine.AdvanceClock("BTCUSDT", s.base.Add(3*time.Minute))

	_, err := s.engine.PlaceOrder(context.Background(), s.marketOrder(types.SideBuy, 1))
	s.Require().Error(err)
	s.Require().True(errors.HasCode(err, errors.ErrCodeNoFillPrice))
}

func (s *SimEngineTestSuite) TestUnknownInstrument() {
	req := s.marketOrder(types.SideBuy, 1)
	req.Symbol = "ETHUSDT"

	_, err := s.engine.PlaceOrder(context.Background(), req)
	s.Require().Error(err)
	s.Require().True(errors.HasCode(err, errors.ErrCodeUnknownInstrument))
}

func (s *SimEngineTestSuite) TestClockNeverMovesBackwards() {
	s.engine.AdvanceClock("BTCUSDT", s.base.Add(2*time.Minute))
	s.engine.AdvanceClock("BTCUSDT", s.base.Add(time.Minute))

	s.Require().Equal(s.base.Add(2*time.Minute), s.engine.Clock("BTCUSDT"))
}

func (s *SimEngineTestSuite) TestSweepTriggers() {
	ctx := context.Background()

	s.Run("stop loss closes a long at the trigger level", func() {
		s.SetupTest()
		req := s.marketOrder(types.SideBuy, 1)
		req.StopLoss = optional.Some(100.0)
		_, err := s.engine.PlaceOrder(ctx, req)
		s.Require().NoError(err)

		exec, err := s.engine.SweepTriggers("BTCUSDT", s.bar(3, 101, 102, 99, 100))
		s.Require().NoError(err)
		s.Require().True(exec.IsSome())
		s.Require().Equal(100.0, exec.Unwrap().Price)
		s.Require().False(s.book.Position("BTCUSDT").IsOpen())
	})

	s.Run("untouched levels leave the position open", func() {
		s.SetupTest()
		req := s.marketOrder(types.SideBuy, 1)
		req.StopLoss = optional.Some(90.0)
		req.TakeProfit = optional.Some(200.0)
		_, err := s.engine.PlaceOrder(ctx, req)
		s.Require().NoError(err)

		exec, err := s.engine.SweepTriggers("BTCUSDT", s.bar(3, 101, 102, 99, 100))
		s.Require().NoError(err)
		s.Require().True(exec.IsNone())
		s.Require().True(s.book.Position("BTCUSDT").IsOpen())
	})

	s.Run("both levels crossed uses the lower price", func() {
		s.SetupTest()
		req := s.marketOrder(types.SideBuy, 1)
		req.StopLoss = optional.Some(100.0)
		req.TakeProfit = optional.Some(108.0)
		_, err := s.engine.PlaceOrder(ctx, req)
		s.Require().NoError(err)

		exec, err := s.engine.SweepTriggers("BTCUSDT", s.bar(3, 104, 109, 99, 100))
		s.Require().NoError(err)
		s.Require().Equal(100.0, exec.Unwrap().Price)
	})

	s.Run("short stop loss triggers on the high", func() {
		s.SetupTest()
		req := s.marketOrder(types.SideSell, 1)
		req.StopLoss = optional.Some(106.0)
		_, err := s.engine.PlaceOrder(ctx, req)
		s.Require().NoError(err)

		exec, err := s.engine.SweepTriggers("BTCUSDT", s.bar(3, 104, 107, 103, 105))
		s.Require().NoError(err)
		s.Require().Equal(106.0, exec.Unwrap().Price)
		s.Require().False(s.book.Position("BTCUSDT").IsOpen())
	})
}

func (s *SimEngineTestSuite) TestSetTradingStops() {
	ctx := context.Background()
	_, err := s.engine.PlaceOrder(ctx, s.marketOrder(types.SideBuy, 1))
	s.Require().NoError(err)

	s.Require().NoError(s.engine.SetStopLoss(ctx, "BTCUSDT", types.SideBuy, 95))
	s.Require().NoError(s.engine.SetTakeProfit(ctx, "BTCUSDT", types.SideBuy, 120))

	pos := s.book.Position("BTCUSDT")
	s.Require().Equal(95.0, pos.StopLoss.Unwrap())
	s.Require().Equal(120.0, pos.TakeProfit.Unwrap())
}

func (s *SimEngineTestSuite) TestFlipDoesNotCarryTriggerLevels() {
	ctx := context.Background()

	s.Run("old levels are cleared", func() {
		s.SetupTest()
		req := s.marketOrder(types.SideBuy, 1)
		req.StopLoss = optional.Some(95.0)
		req.TakeProfit = optional.Some(120.0)
		_, err := s.engine.PlaceOrder(ctx, req)
		s.Require().NoError(err)

		_, err = s.engine.PlaceOrder(ctx, s.marketOrder(types.SideSell, 3))
		s.Require().NoError(err)

		pos := s.book.Position("BTCUSDT")
		s.Require().Equal(types.SideSell, pos.Side)
		s.Require().Equal(2.0, pos.Size)
		s.Require().True(pos.StopLoss.IsNone())
		s.Require().True(pos.TakeProfit.IsNone())
	})

	s.Run("levels on the flipping order stick", func() {
		s.SetupTest()
		req := s.marketOrder(types.SideBuy, 1)
		req.StopLoss = optional.Some(95.0)
		_, err := s.engine.PlaceOrder(ctx, req)
		s.Require().NoError(err)

		flip := s.marketOrder(types.SideSell, 3)
		flip.StopLoss = optional.Some(115.0)
		_, err = s.engine.PlaceOrder(ctx, flip)
		s.Require().NoError(err)

		pos := s.book.Position("BTCUSDT")
		s.Require().Equal(115.0, pos.StopLoss.Unwrap())
		s.Require().True(pos.TakeProfit.IsNone())
	})
}

func (s *SimEngineTestSuite) TestCloseAt() {
	ctx := context.Background()
	_, err := s.engine.PlaceOrder(ctx, s.marketOrder(types.SideBuy, 2))
	s.Require().NoError(err)

	exec, err := s.engine.CloseAt("BTCUSDT", 107, s.base.Add(5*time.Minute))
	s.Require().NoError(err)
	s.Require().Equal(107.0, exec.Unwrap().Price)
	s.Require().Equal(2.0, exec.Unwrap().Qty)
	s.Require().False(s.book.Position("BTCUSDT").IsOpen())

	again, err := s.engine.CloseAt("BTCUSDT", 107, s.base.Add(5*time.Minute))
	s.Require().NoError(err)
	s.Require().True(again.IsNone())
}
