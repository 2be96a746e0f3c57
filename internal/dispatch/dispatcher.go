// Package dispatch routes raw feed events into the market store and the
// account book. One goroutine owns all state mutation; everything upstream
// of the pump only parses and enqueues.
package dispatch

import (
	"encoding/json"

	"github.com/tidwall/gjson"

	"github.com/tidemill/tidemill/internal/account"
	"github.com/tidemill/tidemill/internal/logger"
	"github.com/tidemill/tidemill/internal/market"
	"github.com/tidemill/tidemill/internal/types"
	"github.com/tidemill/tidemill/pkg/errors"
	"go.uber.org/zap"
)

// CandleHook is invoked synchronously while the dispatcher processes a
// kline event, after the store has been updated.
type CandleHook func(topic types.Topic, candle types.Candle)

// Dispatcher applies one event at a time. Kline payloads update the candle
// store; private payloads update the book. Confirmed bars fire OnBar for
// every timeframe and OnSignal only for the configured trading frequency.
type Dispatcher struct {
	store     *market.CandleStore
	book      *account.Book
	frequency types.Timeframe
	onBar     CandleHook
	onSignal  CandleHook
	log       *logger.Logger
}

// NewDispatcher wires a dispatcher over the store and book. Either hook
// may be nil.
func NewDispatcher(store *market.CandleStore, book *account.Book, frequency types.Timeframe, onBar, onSignal CandleHook, log *logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.NewNopLogger()
	}

	return &Dispatcher{
		store:     store,
		book:      book,
		frequency: frequency,
		onBar:     onBar,
		onSignal:  onSignal,
		log:       log,
	}
}

// OnEvent applies one raw feed event. It reports false only for malformed
// input: a missing, empty or structurally broken topic tag, or a payload
// that does not decode. Well-formed events on unrecognized feed kinds are
// consumed and skipped.
func (d *Dispatcher) OnEvent(raw []byte) bool {
	topicTag := gjson.GetBytes(raw, "topic")
	if !topicTag.Exists() || topicTag.String() == "" {
		d.log.Warn("event without topic tag", zap.ByteString("raw", truncate(raw)))

		return false
	}

	topic, err := types.ParseTopic(topicTag.String())
	if err != nil {
		if errors.HasCode(err, errors.ErrCodeUnknownTopic) {
			// A feed kind we do not track. Consume and move on so a venue
			// adding feed types does not wedge the pump.
			d.log.Debug("skipping unrecognized topic", zap.String("topic", topicTag.String()))

			return true
		}

		d.log.Warn("malformed topic tag",
			zap.String("topic", topicTag.String()),
			zap.Error(err),
		)

		return false
	}

	data := gjson.GetBytes(raw, "data")
	if !data.Exists() {
		d.log.Warn("event without data payload", zap.String("topic", topic.String()))

		return false
	}

	payload := []byte(data.Raw)

	switch topic.Kind {
	case types.TopicKindKline:
		return d.applyKline(topic, payload)
	case types.TopicKindPosition:
		return applyPrivate(d, topic, payload, d.book.ApplyPositions)
	case types.TopicKindExecution:
		return applyPrivate(d, topic, payload, d.book.ApplyExecutions)
	case types.TopicKindOrder:
		return applyPrivate(d, topic, payload, d.book.ApplyOrders)
	case types.TopicKindStopOrder:
		return applyPrivate(d, topic, payload, d.book.ApplyStopOrders)
	case types.TopicKindWallet:
		return applyPrivate(d, topic, payload, d.book.ApplyWallet)
	}

	d.log.Debug("skipping unhandled topic kind", zap.String("topic", topic.String()))

	return true
}

func (d *Dispatcher) applyKline(topic types.Topic, payload []byte) bool {
	var candles []types.Candle
	if err := json.Unmarshal(payload, &candles); err != nil {
		d.log.Warn("undecodable kline payload",
			zap.String("topic", topic.String()),
			zap.Error(err),
		)

		return false
	}

	for _, candle := range candles {
		if !candle.IsValid() {
			d.log.Warn("dropping candle with invalid interval",
				zap.String("topic", topic.String()),
				zap.Time("start", candle.Start),
				zap.Time("end", candle.End),
			)

			continue
		}

		d.store.Upsert(topic, candle)

		if !candle.Confirmed {
			continue
		}

		if d.onBar != nil {
			d.onBar(topic, candle)
		}

		if d.onSignal != nil && topic.Timeframe == d.frequency {
			d.onSignal(topic, candle)
		}
	}

	return true
}

func applyPrivate[T any](d *Dispatcher, topic types.Topic, payload []byte, apply func([]T)) bool {
	var rows []T
	if err := json.Unmarshal(payload, &rows); err != nil {
		d.log.Warn("undecodable private payload",
			zap.String("topic", topic.String()),
			zap.Error(err),
		)

		return false
	}

	apply(rows)

	return true
}

func truncate(raw []byte) []byte {
	const max = 256
	if len(raw) <= max {
		return raw
	}

	return raw[:max]
}
