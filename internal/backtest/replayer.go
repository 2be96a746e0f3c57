// Package backtest replays downloaded candle history through the same
// dispatch path the live feed uses, so a strategy cannot tell a replay
// from a trading session. Fills come from a simulated engine and the run
// ends with a performance report.
package backtest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/moznion/go-optional"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"

	"github.com/tidemill/tidemill/internal/account"
	"github.com/tidemill/tidemill/internal/backtest/history"
	"github.com/tidemill/tidemill/internal/dispatch"
	"github.com/tidemill/tidemill/internal/execution"
	"github.com/tidemill/tidemill/internal/execution/commission"
	"github.com/tidemill/tidemill/internal/logger"
	"github.com/tidemill/tidemill/internal/market"
	"github.com/tidemill/tidemill/internal/stats"
	"github.com/tidemill/tidemill/internal/strategy"
	"github.com/tidemill/tidemill/internal/types"
	"github.com/tidemill/tidemill/pkg/errors"
)

// Params configures one backtest run.
type Params struct {
	Instruments []types.Instrument
	Timeframes  []types.Timeframe
	// Frequency is the trading frequency: the strategy fires on confirmed
	// bars of this timeframe only.
	Frequency types.Timeframe
	Start     time.Time
	End       time.Time
	// InitialBalances seeds the simulated wallet before the first event.
	InitialBalances []types.WalletEntry
	DefaultCoin     string
	Fees            commission.Schedule
	RetainedBars    int
	ShowProgress    bool
}

func (p Params) validate() error {
	if len(p.Instruments) == 0 {
		return errors.New(errors.ErrCodeInvalidConfig, "no instruments configured")
	}

	if len(p.Timeframes) == 0 {
		return errors.New(errors.ErrCodeInvalidConfig, "no timeframes configured")
	}

	found := false

	for _, tf := range p.Timeframes {
		if tf == p.Frequency {
			found = true
		}
	}

	if !found {
		return errors.Newf(errors.ErrCodeInvalidConfig, "trading frequency %s is not among the subscribed timeframes", p.Frequency)
	}

	if !p.End.After(p.Start) {
		return errors.New(errors.ErrCodeInvalidConfig, "backtest end must be after start")
	}

	return nil
}

// event is one scheduled synthetic push. Every bar yields two: the forming
// copy first, then the confirmed copy, both keyed at the bar's end.
type event struct {
	at       time.Time
	topicIdx int
	seq      int
	topic    types.Topic
	candle   types.Candle
}

// Replayer drives one deterministic backtest run.
type Replayer struct {
	params   Params
	provider history.Provider
	strat    strategy.Strategy
	log      *logger.Logger

	book   *account.Book
	store  *market.CandleStore
	engine *execution.SimEngine

	// fastSeries holds the full fastest-timeframe series per symbol,
	// including the lookahead bar past the end boundary, for fill pricing.
	fastSeries map[string][]types.Candle
	fastest    types.Timeframe
	stratErrs  int
}

// NewReplayer builds a replayer; Run executes it.
func NewReplayer(params Params, provider history.Provider, strat strategy.Strategy, log *logger.Logger) (*Replayer, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}

	if log == nil {
		log = logger.NewNopLogger()
	}

	if params.Fees == nil {
		params.Fees = commission.NewZeroFee()
	}

	if params.DefaultCoin == "" && len(params.Instruments) > 0 {
		params.DefaultCoin = params.Instruments[0].QuoteCoin
	}

	retained := params.RetainedBars
	if retained <= 0 {
		retained = market.DefaultRetainedBars
	}

	book := account.NewBook(params.DefaultCoin, log)

	r := &Replayer{
		params:     params,
		provider:   provider,
		strat:      strat,
		log:        log,
		book:       book,
		store:      market.NewCandleStore(retained),
		fastSeries: make(map[string][]types.Candle),
		fastest:    types.FastestTimeframe(params.Timeframes),
	}

	r.engine = execution.NewSimEngine(book, r, params.Fees, params.Instruments, log)

	return r, nil
}

// NextBar returns the first fastest-timeframe bar ending strictly after
// the given time, including the lookahead bar past the run boundary.
func (r *Replayer) NextBar(symbol string, after time.Time) optional.Option[types.Candle] {
	series := r.fastSeries[symbol]

	idx := sort.Search(len(series), func(i int) bool {
		return series[i].End.After(after)
	})

	if idx == len(series) {
		return optional.None[types.Candle]()
	}

	return optional.Some(series[idx])
}

// Run primes the account, replays the scheduled events in order and
// returns the performance report. Two identical runs over the same data
// produce identical reports.
func (r *Replayer) Run(ctx context.Context) (stats.Report, error) {
	r.book.ApplyWallet(r.params.InitialBalances)

	events, err := r.schedule(ctx)
	if err != nil {
		return stats.Report{}, err
	}

	if len(events) == 0 {
		return stats.Report{}, errors.New(errors.ErrCodeEmptySeries, "no candles in the backtest window")
	}

	dispatcher := dispatch.NewDispatcher(r.store, r.book, r.params.Frequency, nil, r.onSignal, r.log)

	var bar *progressbar.ProgressBar
	if r.params.ShowProgress {
		bar = progressbar.Default(int64(len(events)), "replaying")
	}

	lastClose := make(map[string]types.Candle)

	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return stats.Report{}, errors.Wrap(errors.ErrCodeUnknown, "backtest cancelled", err)
		}

		if ev.candle.Confirmed && ev.topic.Timeframe == r.fastest {
			if _, err := r.engine.SweepTriggers(ev.topic.Symbol, ev.candle); err != nil {
				return stats.Report{}, err
			}

			r.engine.AdvanceClock(ev.topic.Symbol, ev.candle.End)
			lastClose[ev.topic.Symbol] = ev.candle
		}

		raw, err := json.Marshal(map[string]any{
			"topic": ev.topic.String(),
			"data":  []types.Candle{ev.candle},
		})
		if err != nil {
			return stats.Report{}, errors.Wrap(errors.ErrCodeUnknown, "failed to encode replay event", err)
		}

		if !dispatcher.OnEvent(raw) {
			return stats.Report{}, errors.Newf(errors.ErrCodeMalformedEvent, "replay produced an unparseable event on %s", ev.topic)
		}

		if bar != nil {
			_ = bar.Add(1)
		}
	}

	if err := r.closeOut(lastClose); err != nil {
		return stats.Report{}, err
	}

	report := stats.Analyze(r.book, r.params.DefaultCoin, r.startingBalance())

	r.log.Info("backtest finished",
		zap.Int("events", len(events)),
		zap.Int("strategy_errors", r.stratErrs),
		zap.Float64("net_return", report.NetReturn),
	)

	return report, nil
}

// schedule fetches history for every topic and flattens it into one
// ordered event list. Per bar the forming copy precedes the confirmed
// copy; ties on time break on the configured topic order. Bars ending
// past the run boundary stay out of the schedule but remain available for
// fill pricing.
func (r *Replayer) schedule(ctx context.Context) ([]event, error) {
	var events []event

	topicIdx := 0

	for _, inst := range r.params.Instruments {
		for _, tf := range r.params.Timeframes {
			topic := types.KlineTopic(inst.Symbol, tf)

			bars, err := r.provider.Candles(ctx, inst.Symbol, tf, r.params.Start, r.params.End.Add(tf.Duration()))
			if err != nil {
				return nil, err
			}

			if tf == r.fastest {
				r.fastSeries[inst.Symbol] = confirmedCopy(bars)
			}

			for _, b := range bars {
				if b.End.After(r.params.End) {
					continue
				}

				forming := b
				forming.Confirmed = false

				confirmed := b
				confirmed.Confirmed = true

				events = append(events,
					event{at: b.End, topicIdx: topicIdx, seq: 0, topic: topic, candle: forming},
					event{at: b.End, topicIdx: topicIdx, seq: 1, topic: topic, candle: confirmed},
				)
			}

			topicIdx++
		}
	}

	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].at.Equal(events[j].at) {
			return events[i].at.Before(events[j].at)
		}

		if events[i].topicIdx != events[j].topicIdx {
			return events[i].topicIdx < events[j].topicIdx
		}

		return events[i].seq < events[j].seq
	})

	return events, nil
}

func (r *Replayer) onSignal(topic types.Topic, candle types.Candle) {
	if r.strat == nil {
		return
	}

	err := r.strat.OnBar(strategy.Context{
		Ctx:     context.Background(),
		Topic:   topic,
		Candle:  candle,
		Market:  r.store,
		Account: r.book,
		Engine:  r.engine,
		Logger:  r.log,
	})
	if err != nil {
		r.stratErrs++
		r.log.Error("strategy returned an error",
			zap.String("strategy", r.strat.Name()),
			zap.String("topic", topic.String()),
			zap.Error(err),
		)
	}
}

// closeOut force-closes whatever is still open at the last delivered
// close, so the report reflects completed trades only.
func (r *Replayer) closeOut(lastClose map[string]types.Candle) error {
	for _, inst := range r.params.Instruments {
		last, ok := lastClose[inst.Symbol]
		if !ok {
			continue
		}

		exec, err := r.engine.CloseAt(inst.Symbol, last.Close, last.End)
		if err != nil {
			return err
		}

		if exec.IsSome() {
			r.log.Info("force-closed open position at end of data",
				zap.String("symbol", inst.Symbol),
				zap.Float64("price", last.Close),
			)
		}
	}

	return nil
}

func (r *Replayer) startingBalance() float64 {
	for _, entry := range r.params.InitialBalances {
		if entry.Coin == r.params.DefaultCoin {
			return entry.Total
		}
	}

	return 0
}

func confirmedCopy(bars []types.Candle) []types.Candle {
	out := make([]types.Candle, len(bars))
	copy(out, bars)

	for i := range out {
		out[i].Confirmed = true
	}

	return out
}

// String implements fmt.Stringer for log lines.
func (p Params) String() string {
	return fmt.Sprintf("%d instruments, %v, freq=%s, %s..%s",
		len(p.Instruments), p.Timeframes, p.Frequency,
		p.Start.Format(time.RFC3339), p.End.Format(time.RFC3339))
}
