// Package history supplies candle series for backtests: a DuckDB-backed
// provider for downloaded market data and an in-memory provider for tests.
package history

import (
	"context"
	"sort"
	"time"

	"github.com/tidemill/tidemill/internal/types"
	"github.com/tidemill/tidemill/pkg/errors"
)

// Provider returns confirmed candles for one symbol and timeframe whose
// start time falls in the half-open window [start, end).
type Provider interface {
	Candles(ctx context.Context, symbol string, tf types.Timeframe, start, end time.Time) ([]types.Candle, error)
}

// MemoryProvider serves candles from memory. Used by tests and by the
// replayer's fixture mode.
type MemoryProvider struct {
	series map[string]map[types.Timeframe][]types.Candle
}

func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{series: make(map[string]map[types.Timeframe][]types.Candle)}
}

// Add stores candles for a symbol and timeframe, keeping the series sorted
// by start time.
func (p *MemoryProvider) Add(symbol string, tf types.Timeframe, candles ...types.Candle) {
	if p.series[symbol] == nil {
		p.series[symbol] = make(map[types.Timeframe][]types.Candle)
	}

	merged := append(p.series[symbol][tf], candles...)
	sort.Slice(merged, func(i, j int) bool { return merged[i].Start.Before(merged[j].Start) })
	p.series[symbol][tf] = merged
}

// Candles implements Provider.
func (p *MemoryProvider) Candles(ctx context.Context, symbol string, tf types.Timeframe, start, end time.Time) ([]types.Candle, error) {
	all, ok := p.series[symbol][tf]
	if !ok {
		base, baseOK := p.series[symbol][types.Timeframe1m]
		if !baseOK {
			return nil, errors.Newf(errors.ErrCodeDataUnavailable, "no %s history for %s", tf, symbol)
		}

		all = Rollup(base, tf)
	}

	var out []types.Candle

	for _, candle := range all {
		if candle.Start.Before(start) || !candle.Start.Before(end) {
			continue
		}

		out = append(out, candle)
	}

	return out, nil
}

// Rollup aggregates one-minute bars into the target timeframe. Buckets are
// aligned to the epoch, matching how venues cut their bars. Partial
// trailing buckets are kept; the replayer decides whether to deliver them.
func Rollup(minutes []types.Candle, tf types.Timeframe) []types.Candle {
	dur := tf.Duration()
	if dur <= time.Minute {
		return minutes
	}

	var out []types.Candle

	for _, bar := range minutes {
		bucket := bar.Start.Truncate(dur)

		if len(out) == 0 || !out[len(out)-1].Start.Equal(bucket) {
			out = append(out, types.Candle{
				Start:     bucket,
				End:       bucket.Add(dur),
				Open:      bar.Open,
				High:      bar.High,
				Low:       bar.Low,
				Close:     bar.Close,
				Volume:    bar.Volume,
				Turnover:  bar.Turnover,
				Confirmed: true,
			})

			continue
		}

		last := &out[len(out)-1]
		if bar.High > last.High {
			last.High = bar.High
		}

		if bar.Low < last.Low {
			last.Low = bar.Low
		}

		last.Close = bar.Close
		last.Volume += bar.Volume
		last.Turnover += bar.Turnover
	}

	return out
}
