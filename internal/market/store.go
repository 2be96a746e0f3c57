// Package market holds the in-memory candle history shared by the
// dispatcher, the execution engines and strategy callbacks.
package market

import (
	"github.com/moznion/go-optional"
	"github.com/tidemill/tidemill/internal/types"
)

// DefaultRetainedBars caps per-topic memory. Older bars are discarded.
const DefaultRetainedBars = 2000

// CandleStore is a per-topic time-ordered table of OHLCV bars. It has a
// single writer (the dispatcher) and requires no internal locking; see the
// delivery discipline in the dispatch package.
type CandleStore struct {
	series  map[string][]types.Candle
	maxBars int
}

// NewCandleStore creates a store retaining at most maxBars per topic.
// Non-positive maxBars selects DefaultRetainedBars.
func NewCandleStore(maxBars int) *CandleStore {
	if maxBars <= 0 {
		maxBars = DefaultRetainedBars
	}

	return &CandleStore{
		series:  make(map[string][]types.Candle),
		maxBars: maxBars,
	}
}

// Upsert inserts the bar in time order, or replaces the bar already keyed
// by the same End timestamp. Repeated updates to the still-forming tail bar
// therefore overwrite in place and never grow the series. A bar older than
// the current tail is appended as delivered; history is never reordered.
func (s *CandleStore) Upsert(topic types.Topic, candle types.Candle) {
	key := topic.String()
	bars := s.series[key]

	// The matching key is almost always the tail, so scan backwards.
	for i := len(bars) - 1; i >= 0; i-- {
		if bars[i].End.Equal(candle.End) {
			bars[i] = candle

			return
		}

		if bars[i].End.Before(candle.End) {
			break
		}
	}

	bars = append(bars, candle)
	if len(bars) > s.maxBars {
		bars = bars[len(bars)-s.maxBars:]
	}

	s.series[key] = bars
}

// Latest returns the most recent bar for the topic, or None when the topic
// has no data yet.
func (s *CandleStore) Latest(topic types.Topic) optional.Option[types.Candle] {
	bars := s.series[topic.String()]
	if len(bars) == 0 {
		return optional.None[types.Candle]()
	}

	return optional.Some(bars[len(bars)-1])
}

// Series returns the retained bars for the topic in delivery order. The
// returned slice is a fresh copy; callers may keep or mutate it freely.
func (s *CandleStore) Series(topic types.Topic) []types.Candle {
	bars := s.series[topic.String()]
	out := make([]types.Candle, len(bars))
	copy(out, bars)

	return out
}

// Len returns the number of retained bars for the topic.
func (s *CandleStore) Len(topic types.Topic) int {
	return len(s.series[topic.String()])
}

// Reset drops all retained history. Used between backtest runs.
func (s *CandleStore) Reset() {
	s.series = make(map[string][]types.Candle)
}
