package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"github.com/tidemill/tidemill/internal/account"
	"github.com/tidemill/tidemill/internal/market"
	"github.com/tidemill/tidemill/internal/types"
)

type DispatcherTestSuite struct {
	suite.Suite
	store   *market.CandleStore
	book    *account.Book
	bars    []types.Candle
	signals []types.Candle
	disp    *Dispatcher
	base    time.Time
}

func TestDispatcherSuite(t *testing.T) {
	suite.Run(t, new(DispatcherTestSuite))
}

func (s *DispatcherTestSuite) SetupTest() {
	s.base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s.store = market.NewCandleStore(market.DefaultRetainedBars)
	s.book = account.NewBook("USDT", nil)
	s.bars = nil
	s.signals = nil
	s.disp = NewDispatcher(s.store, s.book, types.Timeframe1h,
		func(topic types.Topic, candle types.Candle) {
			s.bars = append(s.bars, candle)
		},
		func(topic types.Topic, candle types.Candle) {
			s.signals = append(s.signals, candle)
		},
		nil)
}

func (s *DispatcherTestSuite) event(topic string, data any) []byte {
	payload, err := json.Marshal(data)
	s.Require().NoError(err)

	return []byte(fmt.Sprintf(`{"topic":%q,"data":%s}`, topic, payload))
}

func (s *DispatcherTestSuite) candle(offset time.Duration, confirmed bool) types.Candle {
	start := s.base.Add(offset)

	return types.Candle{
		Start:     start,
		End:       start.Add(time.Minute),
		Open:      100,
		High:      101,
		Low:       99,
		Close:     100.5,
		Confirmed: confirmed,
	}
}

func (s *DispatcherTestSuite) TestKlineUpdatesStore() {
	topic := types.KlineTopic("BTCUSDT", types.Timeframe1m)
	ok := s.disp.OnEvent(s.event(topic.String(), []types.Candle{s.candle(0, false)}))
	s.Require().True(ok)

	s.Require().Equal(1, s.store.Len(topic))
	s.Require().Empty(s.bars)
	s.Require().Empty(s.signals)

	ok = s.disp.OnEvent(s.event(topic.String(), []types.Candle{s.candle(0, true)}))
	s.Require().True(ok)

	s.Require().Equal(1, s.store.Len(topic))
	s.Require().Len(s.bars, 1)
	s.Require().True(s.bars[0].Confirmed)
}

func (s *DispatcherTestSuite) TestSignalOnlyAtTradingFrequency() {
	s.Require().True(s.disp.OnEvent(s.event("kline.1m.BTCUSDT", []types.Candle{s.candle(0, true)})))
	s.Require().Len(s.bars, 1)
	s.Require().Empty(s.signals)

	s.Require().True(s.disp.OnEvent(s.event("kline.1h.BTCUSDT", []types.Candle{s.candle(0, true)})))
	s.Require().Len(s.bars, 2)
	s.Require().Len(s.signals, 1)
}

func (s *DispatcherTestSuite) TestPrivateTopicsUpdateBook() {
	s.Require().True(s.disp.OnEvent(s.event("position", []types.Position{
		{Symbol: "BTCUSDT", Side: types.SideBuy, Size: 2, Value: 200},
	})))
	s.Require().Equal(2.0, s.book.Position("BTCUSDT").Size)

	s.Require().True(s.disp.OnEvent(s.event("wallet", []types.WalletEntry{
		{Coin: "USDT", Available: 500, Total: 500},
	})))
	s.Require().Equal(500.0, s.book.Wallet("USDT").Unwrap().Total)

	s.Require().True(s.disp.OnEvent(s.event("execution", []types.Execution{
		{Symbol: "BTCUSDT", Side: types.SideBuy, OrderID: "a", ExecID: 1, Price: 100, Qty: 2},
	})))
	s.Require().Len(s.book.Executions("BTCUSDT"), 1)

	s.Require().True(s.disp.OnEvent(s.event("order", []types.Order{
		{OrderID: "a", Symbol: "BTCUSDT", Status: types.OrderStatusNew},
	})))
	s.Require().Len(s.book.Orders("BTCUSDT"), 1)
}

func (s *DispatcherTestSuite) TestMalformedEvents() {
	s.Run("missing topic", func() {
		s.Require().False(s.disp.OnEvent([]byte(`{"data":[]}`)))
	})

	s.Run("empty topic", func() {
		s.Require().False(s.disp.OnEvent([]byte(`{"topic":"","data":[]}`)))
	})

	s.Run("missing data", func() {
		s.Require().False(s.disp.OnEvent([]byte(`{"topic":"kline.1m.BTCUSDT"}`)))
	})

	s.Run("undecodable payload", func() {
		s.Require().False(s.disp.OnEvent([]byte(`{"topic":"kline.1m.BTCUSDT","data":"nope"}`)))
	})

	s.Run("malformed kline timeframe", func() {
		s.Require().False(s.disp.OnEvent([]byte(`{"topic":"kline.banana.BTCUSDT","data":[]}`)))
	})

	s.Run("kline tag missing symbol", func() {
		s.Require().False(s.disp.OnEvent([]byte(`{"topic":"kline.1m","data":[]}`)))
	})

	s.Run("unknown topic is consumed", func() {
		s.Require().True(s.disp.OnEvent([]byte(`{"topic":"liquidation.BTCUSDT","data":[]}`)))
	})
}

func (s *DispatcherTestSuite) TestInvalidCandleDropped() {
	bad := s.candle(0, true)
	bad.End = bad.Start

	s.Require().True(s.disp.OnEvent(s.event("kline.1m.BTCUSDT", []types.Candle{bad})))
	s.Require().Equal(0, s.store.Len(types.KlineTopic("BTCUSDT", types.Timeframe1m)))
	s.Require().Empty(s.bars)
}

func (s *DispatcherTestSuite) TestPumpAppliesInOrder() {
	pump := NewPump(16, s.disp, nil)

	for i := 0; i < 3; i++ {
		candle := s.candle(time.Duration(i)*time.Minute, true)
		s.Require().True(pump.Push(s.event("kline.1m.BTCUSDT", []types.Candle{candle})))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Require().ErrorIs(pump.Run(ctx), context.Canceled)

	series := s.store.Series(types.KlineTopic("BTCUSDT", types.Timeframe1m))
	s.Require().Len(series, 3)
	s.Require().True(series[0].End.Before(series[1].End))
	s.Require().True(series[1].End.Before(series[2].End))
}

func (s *DispatcherTestSuite) TestPumpDropsWhenFull() {
	pump := NewPump(1, s.disp, nil)

	s.Require().True(pump.Push([]byte(`{"topic":"position","data":[]}`)))
	s.Require().False(pump.Push([]byte(`{"topic":"position","data":[]}`)))
}
