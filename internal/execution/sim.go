package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/moznion/go-optional"
	"github.com/shopspring/decimal"
	"github.com/tidemill/tidemill/internal/account"
	"github.com/tidemill/tidemill/internal/execution/commission"
	"github.com/tidemill/tidemill/internal/logger"
	"github.com/tidemill/tidemill/internal/types"
	"github.com/tidemill/tidemill/pkg/errors"
	"go.uber.org/zap"
)

// PriceResolver supplies the bar used to price a synthetic fill: the first
// bar on the symbol's fastest timeframe ending strictly after the given
// time. The backtest replayer implements it over preloaded history.
type PriceResolver interface {
	NextBar(symbol string, after time.Time) optional.Option[types.Candle]
}

// SimEngine fills orders synthetically at the open of the next bar after
// the simulation clock, reproducing the venue's netting, wallet and fee
// arithmetic closely enough for a backtest to be trustworthy.
type SimEngine struct {
	book        *account.Book
	resolver    PriceResolver
	fees        commission.Schedule
	instruments map[string]types.Instrument
	clock       map[string]time.Time
	execSeq     map[string]int64
	log         *logger.Logger
}

// NewSimEngine creates a simulated execution engine over the given book.
func NewSimEngine(book *account.Book, resolver PriceResolver, fees commission.Schedule, instruments []types.Instrument, log *logger.Logger) *SimEngine {
	if log == nil {
		log = logger.NewNopLogger()
	}

	bysym := make(map[string]types.Instrument, len(instruments))
	for _, inst := range instruments {
		bysym[inst.Symbol] = inst
	}

	return &SimEngine{
		book:        book,
		resolver:    resolver,
		fees:        fees,
		instruments: bysym,
		clock:       make(map[string]time.Time),
		execSeq:     make(map[string]int64),
		log:         log,
	}
}

// AdvanceClock moves the per-symbol simulation clock to the end of the most
// recently delivered bar on the symbol's fastest timeframe. Moves backward
// are ignored.
func (e *SimEngine) AdvanceClock(symbol string, t time.Time) {
	if cur, ok := e.clock[symbol]; ok && t.Before(cur) {
		e.log.Warn("simulation clock moved backwards, ignoring",
			zap.String("symbol", symbol),
			zap.Time("current", cur),
			zap.Time("proposed", t),
		)

		return
	}

	e.clock[symbol] = t
}

// Clock returns the current simulation time for a symbol.
func (e *SimEngine) Clock(symbol string) time.Time {
	return e.clock[symbol]
}

// PlaceOrder implements Engine. The fill price is the open of the next bar
// strictly after the simulation clock; a reduce-only request is clamped to
// the open position size, and a reduce-only request against a flat
// position is a no-op rather than an error.
func (e *SimEngine) PlaceOrder(ctx context.Context, req types.OrderRequest) (OrderResult, error) {
	if err := req.Validate(); err != nil {
		return OrderResult{}, err
	}

	if _, ok := e.instruments[req.Symbol]; !ok {
		return OrderResult{}, errors.Newf(errors.ErrCodeUnknownInstrument, "no instrument configured for %s", req.Symbol)
	}

	pos := e.book.Position(req.Symbol)
	qty := req.Qty

	if req.ReduceOnly {
		if !pos.IsOpen() || req.Side == pos.Side {
			// Nothing to reduce.
			return OrderResult{
				Order: types.Order{
					Symbol:     req.Symbol,
					Side:       req.Side,
					OrderType:  req.OrderType,
					ReduceOnly: true,
					Status:     types.OrderStatusCancelled,
				},
				Execution: optional.None[types.Execution](),
			}, nil
		}

		if qty > pos.Size {
			qty = pos.Size
		}
	}

	bar := e.resolver.NextBar(req.Symbol, e.clock[req.Symbol])
	if bar.IsNone() {
		return OrderResult{}, errors.Newf(errors.ErrCodeNoFillPrice, "no candle after %s for %s", e.clock[req.Symbol], req.Symbol)
	}

	next := bar.Unwrap()

	exec, err := e.fill(req.Symbol, req.Side, qty, next.Open, next.Start, req.StopLoss, req.TakeProfit)
	if err != nil {
		return OrderResult{}, err
	}

	order := types.Order{
		OrderID:    exec.OrderID,
		Symbol:     req.Symbol,
		Side:       req.Side,
		OrderType:  req.OrderType,
		Qty:        qty,
		Price:      exec.Price,
		ReduceOnly: req.ReduceOnly,
		Status:     types.OrderStatusFilled,
		CreatedAt:  exec.Time,
	}

	return OrderResult{Order: order, Execution: optional.Some(exec)}, nil
}

// SetStopLoss implements Engine by storing the trigger level on the position.
func (e *SimEngine) SetStopLoss(ctx context.Context, symbol string, side types.Side, price float64) error {
	pos := e.book.Position(symbol)
	pos.StopLoss = optional.Some(price)
	e.book.ApplyPositions([]types.Position{pos})

	return nil
}

// SetTakeProfit implements Engine by storing the trigger level on the position.
func (e *SimEngine) SetTakeProfit(ctx context.Context, symbol string, side types.Side, price float64) error {
	pos := e.book.Position(symbol)
	pos.TakeProfit = optional.Some(price)
	e.book.ApplyPositions([]types.Position{pos})

	return nil
}

// SweepTriggers evaluates the stored stop-loss/take-profit levels against a
// newly confirmed candle and, when crossed, closes the position at the
// trigger level. When both levels are crossed within one bar the lower of
// the two prices is used. Called once per confirmed candle, before the bar
// is processed further.
func (e *SimEngine) SweepTriggers(symbol string, candle types.Candle) (optional.Option[types.Execution], error) {
	pos := e.book.Position(symbol)
	if !pos.IsOpen() {
		return optional.None[types.Execution](), nil
	}

	var triggered []float64

	if pos.StopLoss.IsSome() {
		sl := pos.StopLoss.Unwrap()
		if (pos.Side == types.SideBuy && candle.Low <= sl) ||
			(pos.Side == types.SideSell && candle.High >= sl) {
			triggered = append(triggered, sl)
		}
	}

	if pos.TakeProfit.IsSome() {
		tp := pos.TakeProfit.Unwrap()
		if (pos.Side == types.SideBuy && candle.High >= tp) ||
			(pos.Side == types.SideSell && candle.Low <= tp) {
			triggered = append(triggered, tp)
		}
	}

	if len(triggered) == 0 {
		return optional.None[types.Execution](), nil
	}

	price := triggered[0]
	if len(triggered) == 2 && triggered[1] < price {
		price = triggered[1]
	}

	exec, err := e.fill(symbol, pos.Side.Opposite(), pos.Size, price, candle.End,
		optional.None[float64](), optional.None[float64]())
	if err != nil {
		return optional.None[types.Execution](), err
	}

	return optional.Some(exec), nil
}

// CloseAt force-closes any open position at the given price. Used by the
// replayer when input is exhausted.
func (e *SimEngine) CloseAt(symbol string, price float64, t time.Time) (optional.Option[types.Execution], error) {
	pos := e.book.Position(symbol)
	if !pos.IsOpen() {
		return optional.None[types.Execution](), nil
	}

	exec, err := e.fill(symbol, pos.Side.Opposite(), pos.Size, price, t,
		optional.None[float64](), optional.None[float64]())
	if err != nil {
		return optional.None[types.Execution](), err
	}

	return optional.Some(exec), nil
}

// fill nets one trade against the current position, books the wallet flows
// and records the execution. All value arithmetic runs on decimals so that
// repeated runs produce identical ledgers.
func (e *SimEngine) fill(symbol string, side types.Side, qty, price float64, t time.Time, stopLoss, takeProfit optional.Option[float64]) (types.Execution, error) {
	inst := e.instruments[symbol]
	pos := e.book.Position(symbol)

	qtyDec := decimal.NewFromFloat(qty)
	priceDec := decimal.NewFromFloat(price)
	sizeDec := decimal.NewFromFloat(pos.Size)
	valueDec := decimal.NewFromFloat(pos.Value)
	notional := qtyDec.Mul(priceDec)

	flat := !pos.IsOpen()
	sameSide := !flat && side == pos.Side
	exactClose := !flat && !sameSide && qtyDec.Equal(sizeDec)

	newPos := pos
	newPos.Symbol = symbol

	switch {
	case flat:
		newPos.Side = side
		newPos.Size = qty
		newPos.Value, _ = notional.Float64()
	case sameSide:
		newPos.Size, _ = sizeDec.Add(qtyDec).Float64()
		newPos.Value, _ = valueDec.Add(notional).Float64()
	case exactClose:
		newPos.Size = 0
		newPos.Value = 0
	case qtyDec.LessThan(sizeDec):
		// Partial reduce keeps the average entry price.
		remaining := sizeDec.Sub(qtyDec)
		newPos.Size, _ = remaining.Float64()
		newPos.Value, _ = valueDec.Mul(remaining).Div(sizeDec).Float64()
	default:
		// Flip: the excess opens a fresh position at the fill price. The
		// old direction's trigger levels do not carry over.
		excess := qtyDec.Sub(sizeDec)
		newPos.Side = side
		newPos.Size, _ = excess.Float64()
		newPos.Value, _ = excess.Mul(priceDec).Float64()
		newPos.StopLoss = optional.None[float64]()
		newPos.TakeProfit = optional.None[float64]()
	}

	if newPos.Size < 0 {
		return types.Execution{}, errors.Newf(errors.ErrCodeNegativeSize, "netting produced negative size for %s", symbol)
	}

	if newPos.Size == 0 {
		newPos.StopLoss = optional.None[float64]()
		newPos.TakeProfit = optional.None[float64]()
	} else {
		if stopLoss.IsSome() {
			newPos.StopLoss = stopLoss
		}

		if takeProfit.IsSome() {
			newPos.TakeProfit = takeProfit
		}
	}

	fee := e.fees.Calculate(qty, price)

	e.execSeq[symbol]++
	seq := e.execSeq[symbol]

	exec := types.Execution{
		Symbol:  symbol,
		Side:    side,
		Opened:  !exactClose,
		OrderID: fmt.Sprintf("%s-%d", symbol, seq),
		ExecID:  seq,
		Price:   price,
		Qty:     qty,
		Fee:     fee,
		Time:    t,
	}

	sign := side.Sign()

	base := e.walletEntry(inst.BaseCoin)
	baseDelta := qtyDec.Mul(decimal.NewFromFloat(sign))
	base.Available, _ = decimal.NewFromFloat(base.Available).Add(baseDelta).Float64()
	base.Total, _ = decimal.NewFromFloat(base.Total).Add(baseDelta).Float64()

	quote := e.walletEntry(inst.QuoteCoin)
	quoteDelta := notional.Mul(decimal.NewFromFloat(-sign)).Sub(decimal.NewFromFloat(fee))
	quote.Available, _ = decimal.NewFromFloat(quote.Available).Add(quoteDelta).Float64()
	quote.Total, _ = decimal.NewFromFloat(quote.Total).Add(quoteDelta).Float64()

	e.book.ApplyExecutions([]types.Execution{exec})
	e.book.ApplyPositions([]types.Position{newPos})
	e.book.ApplyWallet([]types.WalletEntry{base, quote})

	return exec, nil
}

func (e *SimEngine) walletEntry(coin string) types.WalletEntry {
	if entry := e.book.Wallet(coin); entry.IsSome() {
		return entry.Unwrap()
	}

	return types.WalletEntry{Coin: coin, Available: 0, Total: 0}
}
