package types

import "github.com/moznion/go-optional"

// Position is the per-instrument exposure. Size is always non-negative;
// Side carries the direction and is retained as the last-known direction
// when Size drops to zero. Value/Size is the volume-weighted average entry
// price while Size stays non-zero and the direction is unchanged.
type Position struct {
	Symbol string  `yaml:"symbol" json:"symbol"`
	Side   Side    `yaml:"side" json:"side"`
	Size   float64 `yaml:"size" json:"size"`
	// Value is the notional entry value of the open size.
	Value      float64                  `yaml:"value" json:"value"`
	StopLoss   optional.Option[float64] `yaml:"stop_loss" json:"stop_loss"`
	TakeProfit optional.Option[float64] `yaml:"take_profit" json:"take_profit"`
}

// IsOpen reports whether any size is held.
func (p Position) IsOpen() bool {
	return p.Size > 0
}

// AverageEntryPrice returns the volume-weighted average entry price, or 0
// for a flat position.
func (p Position) AverageEntryPrice() float64 {
	if p.Size == 0 {
		return 0
	}

	return p.Value / p.Size
}
