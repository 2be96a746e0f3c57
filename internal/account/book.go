// Package account owns the private trading state: positions, pending
// orders, the execution ledger and wallet balances.
package account

import (
	"context"
	"sort"
	"time"

	"github.com/moznion/go-optional"
	"github.com/tidemill/tidemill/internal/logger"
	"github.com/tidemill/tidemill/internal/types"
	"github.com/tidemill/tidemill/pkg/errors"
	"go.uber.org/zap"
)

// Snapshot is the bulk account state returned by a venue query.
type Snapshot struct {
	Positions  []types.Position
	Orders     []types.Order
	StopOrders []types.StopOrder
	Executions []types.Execution
	Wallet     []types.WalletEntry
}

// QueryClient is the venue-query collaborator used to seed the book.
type QueryClient interface {
	// Snapshot fetches the full account state in one call.
	Snapshot(ctx context.Context) (Snapshot, error)
	// Reconnect re-establishes the session after a failed call.
	Reconnect(ctx context.Context) error
}

// Book holds the authoritative in-memory account state. It has a single
// writer (the dispatcher, or the execution engine called from within a
// strategy callback) and requires no internal locking.
type Book struct {
	positions  map[string]types.Position
	orders     map[string]map[string]types.Order
	stopOrders map[string]map[string]types.StopOrder
	executions map[string]map[string]types.Execution
	wallet     map[string]types.WalletEntry

	// defaultCoin receives wallet updates that carry no currency tag.
	defaultCoin string
	log         *logger.Logger
}

// NewBook creates an empty book. Wallet updates without a currency tag are
// booked against defaultCoin (the contract quote currency).
func NewBook(defaultCoin string, log *logger.Logger) *Book {
	if log == nil {
		log = logger.NewNopLogger()
	}

	return &Book{
		positions:   make(map[string]types.Position),
		orders:      make(map[string]map[string]types.Order),
		stopOrders:  make(map[string]map[string]types.StopOrder),
		executions:  make(map[string]map[string]types.Execution),
		wallet:      make(map[string]types.WalletEntry),
		defaultCoin: defaultCoin,
		log:         log,
	}
}

// Prime performs the one synchronous bulk load that must succeed before
// any push updates are accepted. It retries indefinitely with a fixed
// delay, reconnecting the query collaborator between attempts; the system
// cannot proceed without an initial snapshot. Cancelling the context is
// the only way out.
func (b *Book) Prime(ctx context.Context, qc QueryClient, retryDelay time.Duration) error {
	for {
		snap, err := qc.Snapshot(ctx)
		if err == nil {
			b.ApplyPositions(snap.Positions)
			b.ApplyOrders(snap.Orders)
			b.ApplyStopOrders(snap.StopOrders)
			b.ApplyExecutions(snap.Executions)
			b.ApplyWallet(snap.Wallet)

			return nil
		}

		b.log.Warn("account snapshot failed, reconnecting",
			zap.Error(err),
			zap.Duration("retry_delay", retryDelay),
		)

		if rcErr := qc.Reconnect(ctx); rcErr != nil {
			b.log.Warn("query client reconnect failed", zap.Error(rcErr))
		}

		select {
		case <-ctx.Done():
			return errors.Wrap(errors.ErrCodeSnapshotUnreadable, "account priming aborted", ctx.Err())
		case <-time.After(retryDelay):
		}
	}
}

// ApplyPositions replaces the stored position per symbol with the latest
// pushed value. The venue is authoritative; last write wins.
func (b *Book) ApplyPositions(positions []types.Position) {
	for _, p := range positions {
		if p.Size == 0 && p.Value != 0 {
			b.log.Warn("position value without size, clamping",
				zap.String("symbol", p.Symbol),
				zap.Float64("value", p.Value),
			)
			p.Value = 0
		}

		if p.Size < 0 {
			b.log.Warn("negative position size, clamping",
				zap.String("symbol", p.Symbol),
				zap.Float64("size", p.Size),
			)
			p.Size = 0
			p.Value = 0
		}

		b.positions[p.Symbol] = p
	}
}

// ApplyExecutions inserts or replaces fills keyed by (symbol, order id).
func (b *Book) ApplyExecutions(executions []types.Execution) {
	for _, e := range executions {
		m := b.executions[e.Symbol]
		if m == nil {
			m = make(map[string]types.Execution)
			b.executions[e.Symbol] = m
		}

		m[e.OrderID] = e
	}
}

// ApplyOrders inserts or replaces pending orders keyed by (symbol, order id).
// Filled and cancelled orders leave the pending map.
func (b *Book) ApplyOrders(orders []types.Order) {
	for _, o := range orders {
		m := b.orders[o.Symbol]
		if m == nil {
			m = make(map[string]types.Order)
			b.orders[o.Symbol] = m
		}

		if o.Status == types.OrderStatusFilled || o.Status == types.OrderStatusCancelled {
			delete(m, o.OrderID)

			continue
		}

		m[o.OrderID] = o
	}
}

// ApplyStopOrders mirrors ApplyOrders for trigger-contingent orders.
func (b *Book) ApplyStopOrders(orders []types.StopOrder) {
	for _, o := range orders {
		m := b.stopOrders[o.Symbol]
		if m == nil {
			m = make(map[string]types.StopOrder)
			b.stopOrders[o.Symbol] = m
		}

		if o.Status == types.OrderStatusFilled || o.Status == types.OrderStatusCancelled {
			delete(m, o.OrderID)

			continue
		}

		m[o.OrderID] = o
	}
}

// ApplyWallet replaces the stored entry per currency. An update with no
// currency tag is booked against the default quote coin.
func (b *Book) ApplyWallet(entries []types.WalletEntry) {
	for _, e := range entries {
		if e.Coin == "" {
			e.Coin = b.defaultCoin
		}

		b.wallet[e.Coin] = e
	}
}

// Position returns the stored position for a symbol. A flat zero position
// is returned for unknown symbols.
func (b *Book) Position(symbol string) types.Position {
	if p, ok := b.positions[symbol]; ok {
		return p
	}

	return types.Position{
		Symbol:     symbol,
		Side:       types.SideBuy,
		Size:       0,
		Value:      0,
		StopLoss:   optional.None[float64](),
		TakeProfit: optional.None[float64](),
	}
}

// Positions returns all stored positions ordered by symbol.
func (b *Book) Positions() []types.Position {
	out := make([]types.Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, p)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })

	return out
}

// Executions returns the fills for a symbol ordered by execution id.
func (b *Book) Executions(symbol string) []types.Execution {
	m := b.executions[symbol]
	out := make([]types.Execution, 0, len(m))

	for _, e := range m {
		out = append(out, e)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ExecID < out[j].ExecID })

	return out
}

// ExecutionSymbols returns every symbol with at least one fill, sorted.
func (b *Book) ExecutionSymbols() []string {
	out := make([]string, 0, len(b.executions))
	for symbol, m := range b.executions {
		if len(m) > 0 {
			out = append(out, symbol)
		}
	}

	sort.Strings(out)

	return out
}

// Orders returns the pending orders for a symbol ordered by order id.
func (b *Book) Orders(symbol string) []types.Order {
	m := b.orders[symbol]
	out := make([]types.Order, 0, len(m))

	for _, o := range m {
		out = append(out, o)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })

	return out
}

// StopOrders returns the pending stop orders for a symbol ordered by order id.
func (b *Book) StopOrders(symbol string) []types.StopOrder {
	m := b.stopOrders[symbol]
	out := make([]types.StopOrder, 0, len(m))

	for _, o := range m {
		out = append(out, o)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })

	return out
}

// Wallet returns the balance entry for a coin, or None when untracked.
func (b *Book) Wallet(coin string) optional.Option[types.WalletEntry] {
	if e, ok := b.wallet[coin]; ok {
		return optional.Some(e)
	}

	return optional.None[types.WalletEntry]()
}

// WalletEntries returns all balances ordered by coin.
func (b *Book) WalletEntries() []types.WalletEntry {
	out := make([]types.WalletEntry, 0, len(b.wallet))
	for _, e := range b.wallet {
		out = append(out, e)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Coin < out[j].Coin })

	return out
}
