// Package stats turns an execution ledger into a performance report by
// pairing entries and exits chronologically.
package stats

import (
	"os"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidemill/tidemill/internal/account"
	"github.com/tidemill/tidemill/internal/types"
	"github.com/tidemill/tidemill/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Trade is one completed round trip: an entry lot closed in full by a
// later opposite-direction execution of at least its quantity.
type Trade struct {
	Symbol     string     `yaml:"symbol"`
	Side       types.Side `yaml:"side"`
	Qty        float64    `yaml:"qty"`
	EntryPrice float64    `yaml:"entry_price"`
	ExitPrice  float64    `yaml:"exit_price"`
	PnL        float64    `yaml:"pnl"`
	Win        bool       `yaml:"win"`
	OpenedAt   time.Time  `yaml:"opened_at"`
	ClosedAt   time.Time  `yaml:"closed_at"`
}

// InstrumentReport aggregates the completed trades of one instrument.
type InstrumentReport struct {
	Symbol       string  `yaml:"symbol"`
	ClosedTrades int     `yaml:"closed_trades"`
	Wins         int     `yaml:"wins"`
	Losses       int     `yaml:"losses"`
	WinRate      float64 `yaml:"win_rate"`
	GrossPnL     float64 `yaml:"gross_pnl"`
	Fees         float64 `yaml:"fees"`
	NetPnL       float64 `yaml:"net_pnl"`
	AvgTradePnL  float64 `yaml:"avg_trade_pnl"`
	Trades       []Trade `yaml:"trades"`
}

// Report is the full backtest performance summary.
type Report struct {
	StartingBalance float64            `yaml:"starting_balance"`
	FinalBalance    float64            `yaml:"final_balance"`
	NetReturn       float64            `yaml:"net_return"`
	ReturnFraction  float64            `yaml:"return_fraction"`
	Instruments     []InstrumentReport `yaml:"instruments"`
}

// cursor tracks the open lot while walking one symbol's execution ledger.
type cursor struct {
	side     types.Side
	avg      decimal.Decimal
	qty      decimal.Decimal
	openedAt time.Time
}

// Analyze walks every symbol's execution ledger in order and produces the
// report. The final balance is read from the book's default-coin wallet.
func Analyze(book *account.Book, defaultCoin string, startingBalance float64) Report {
	report := Report{StartingBalance: startingBalance}

	for _, symbol := range book.ExecutionSymbols() {
		report.Instruments = append(report.Instruments, analyzeSymbol(symbol, book.Executions(symbol)))
	}

	final := startingBalance

	if entry := book.Wallet(defaultCoin); entry.IsSome() {
		final = entry.Unwrap().Total
	}

	report.FinalBalance = final
	report.NetReturn, _ = decimal.NewFromFloat(final).Sub(decimal.NewFromFloat(startingBalance)).Float64()

	if startingBalance != 0 {
		report.ReturnFraction = report.NetReturn / startingBalance
	}

	return report
}

func analyzeSymbol(symbol string, execs []types.Execution) InstrumentReport {
	rep := InstrumentReport{Symbol: symbol}

	var (
		cur  *cursor
		fees decimal.Decimal
		pnl  decimal.Decimal
	)

	for _, exec := range execs {
		fees = fees.Add(decimal.NewFromFloat(exec.Fee))

		price := decimal.NewFromFloat(exec.Price)
		qty := decimal.NewFromFloat(exec.Qty)

		if cur == nil || cur.qty.IsZero() {
			cur = &cursor{side: exec.Side, avg: price, qty: qty, openedAt: exec.Time}

			continue
		}

		if exec.Side == cur.side {
			// Same direction extends the lot at the volume-weighted price.
			total := cur.qty.Add(qty)
			cur.avg = cur.avg.Mul(cur.qty).Add(price.Mul(qty)).Div(total)
			cur.qty = total

			continue
		}

		if qty.LessThan(cur.qty) {
			// Scaling out shrinks the lot at an unchanged average; the
			// round trip stays open and nothing is scored yet.
			cur.qty = cur.qty.Sub(qty)

			continue
		}

		trade := closeTrade(symbol, cur, cur.qty, price, exec.Time)
		pnl = pnl.Add(decimal.NewFromFloat(trade.PnL))
		rep.Trades = append(rep.Trades, trade)

		if trade.Win {
			rep.Wins++
		} else {
			rep.Losses++
		}

		if excess := qty.Sub(cur.qty); excess.GreaterThan(decimal.Zero) {
			cur = &cursor{side: exec.Side, avg: price, qty: excess, openedAt: exec.Time}
		} else {
			cur.qty = decimal.Zero
		}
	}

	rep.ClosedTrades = len(rep.Trades)
	rep.GrossPnL, _ = pnl.Float64()
	rep.Fees, _ = fees.Float64()
	rep.NetPnL, _ = pnl.Sub(fees).Float64()

	if rep.ClosedTrades > 0 {
		rep.WinRate = float64(rep.Wins) / float64(rep.ClosedTrades)
		rep.AvgTradePnL = rep.GrossPnL / float64(rep.ClosedTrades)
	}

	return rep
}

func closeTrade(symbol string, cur *cursor, qty, exitPrice decimal.Decimal, closedAt time.Time) Trade {
	diff := exitPrice.Sub(cur.avg)
	if cur.side == types.SideSell {
		diff = diff.Neg()
	}

	pnl, _ := diff.Mul(qty).Float64()
	qtyF, _ := qty.Float64()
	avgF, _ := cur.avg.Float64()
	exitF, _ := exitPrice.Float64()

	return Trade{
		Symbol:     symbol,
		Side:       cur.side,
		Qty:        qtyF,
		EntryPrice: avgF,
		ExitPrice:  exitF,
		PnL:        pnl,
		Win:        diff.GreaterThan(decimal.Zero),
		OpenedAt:   cur.openedAt,
		ClosedAt:   closedAt,
	}
}

// WriteYAML writes the report to the given path.
func (r Report) WriteYAML(path string) error {
	data, err := yaml.Marshal(r)
	if err != nil {
		return errors.Wrap(errors.ErrCodeUnknown, "failed to marshal report", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrap(errors.ErrCodeUnknown, "failed to write report", err)
	}

	return nil
}
