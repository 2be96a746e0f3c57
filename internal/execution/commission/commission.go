// Package commission defines the fee charged per fill. The reference venue
// behavior is a flat per-trade charge, not a notional percentage; confirm
// against the target venue before reuse.
package commission

// Schedule calculates the fee in quote currency for a single fill.
type Schedule interface {
	Calculate(qty float64, price float64) float64
}

type Model string

const (
	ModelFlat Model = "flat"
	ModelZero Model = "zero"
)

var AllModels = []any{
	ModelFlat,
	ModelZero,
}

// GetSchedule returns the fee schedule for the configured model. Unknown
// models fall back to zero fees.
func GetSchedule(model Model, flatAmount float64) Schedule {
	switch model {
	case ModelFlat:
		return NewFlatFee(flatAmount)
	case ModelZero:
		return NewZeroFee()
	default:
		return NewZeroFee()
	}
}
