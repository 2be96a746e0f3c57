package venue

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"

	"github.com/tidemill/tidemill/internal/dispatch"
	"github.com/tidemill/tidemill/internal/logger"
	"github.com/tidemill/tidemill/internal/types"
	"github.com/tidemill/tidemill/pkg/errors"
	"go.uber.org/zap"
)

// Stream bridges Binance kline websockets onto the event pump. Each
// websocket push becomes one wire event in the same shape the replayer
// synthesizes, so downstream code never knows the difference.
type Stream struct {
	pump  *dispatch.Pump
	log   *logger.Logger
	stops []chan struct{}
	dones []chan struct{}
}

// NewStream creates a stream feeding the given pump.
func NewStream(pump *dispatch.Pump, log *logger.Logger) *Stream {
	if log == nil {
		log = logger.NewNopLogger()
	}

	return &Stream{pump: pump, log: log}
}

// SubscribeKlines opens one websocket per (symbol, timeframe) and keeps it
// running until Close.
func (s *Stream) SubscribeKlines(symbol string, tf types.Timeframe) error {
	topic := types.KlineTopic(symbol, tf)

	handler := func(event *binance.WsKlineEvent) {
		raw, err := encodeKlineEvent(topic, event)
		if err != nil {
			s.log.Warn("failed to encode kline push",
				zap.String("topic", topic.String()),
				zap.Error(err),
			)

			return
		}

		s.pump.Push(raw)
	}

	errHandler := func(err error) {
		s.log.Error("kline websocket error",
			zap.String("topic", topic.String()),
			zap.Error(err),
		)
	}

	done, stop, err := binance.WsKlineServe(symbol, string(tf), handler, errHandler)
	if err != nil {
		return errors.Wrapf(errors.ErrCodeConnectionLost, err, "failed to subscribe %s", topic)
	}

	s.stops = append(s.stops, stop)
	s.dones = append(s.dones, done)

	s.log.Info("subscribed kline feed", zap.String("topic", topic.String()))

	return nil
}

// Close stops every subscription and waits for the readers to exit.
func (s *Stream) Close() {
	for _, stop := range s.stops {
		close(stop)
	}

	for _, done := range s.dones {
		<-done
	}

	s.stops = nil
	s.dones = nil
}

func encodeKlineEvent(topic types.Topic, event *binance.WsKlineEvent) ([]byte, error) {
	k := event.Kline

	open, _ := strconv.ParseFloat(k.Open, 64)
	high, _ := strconv.ParseFloat(k.High, 64)
	low, _ := strconv.ParseFloat(k.Low, 64)
	closePrice, _ := strconv.ParseFloat(k.Close, 64)
	volume, _ := strconv.ParseFloat(k.Volume, 64)
	turnover, _ := strconv.ParseFloat(k.QuoteVolume, 64)

	candle := types.Candle{
		Start:     time.UnixMilli(k.StartTime),
		End:       time.UnixMilli(k.EndTime + 1),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePrice,
		Volume:    volume,
		Turnover:  turnover,
		Confirmed: k.IsFinal,
	}

	return json.Marshal(map[string]any{
		"topic": topic.String(),
		"data":  []types.Candle{candle},
	})
}
