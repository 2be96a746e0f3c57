// Package strategy defines the contract between the trading core and user
// strategies. A strategy is pure decision logic: it reads market and
// account state from the context and routes every mutation through the
// execution engine.
package strategy

import (
	"context"

	"github.com/tidemill/tidemill/internal/account"
	"github.com/tidemill/tidemill/internal/execution"
	"github.com/tidemill/tidemill/internal/logger"
	"github.com/tidemill/tidemill/internal/market"
	"github.com/tidemill/tidemill/internal/types"
)

// Context carries everything a strategy may consult while handling one
// confirmed bar at the trading frequency.
type Context struct {
	Ctx    context.Context
	Topic  types.Topic
	Candle types.Candle

	Market  *market.CandleStore
	Account *account.Book
	Engine  execution.Engine
	Logger  *logger.Logger
}

// Strategy reacts to confirmed bars at the configured trading frequency.
// The same implementation runs unchanged under the live and the simulated
// engine.
type Strategy interface {
	Name() string
	OnBar(sctx Context) error
}

// Func adapts a plain function to the Strategy interface.
type Func struct {
	StrategyName string
	Handler      func(sctx Context) error
}

func (f Func) Name() string {
	if f.StrategyName == "" {
		return "anonymous"
	}

	return f.StrategyName
}

func (f Func) OnBar(sctx Context) error {
	if f.Handler == nil {
		return nil
	}

	return f.Handler(sctx)
}
