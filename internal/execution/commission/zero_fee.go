package commission

// ZeroFee implements Schedule with zero commission.
type ZeroFee struct{}

// NewZeroFee creates a new zero commission schedule.
func NewZeroFee() Schedule {
	return &ZeroFee{}
}

// Calculate returns 0 for any fill.
func (z *ZeroFee) Calculate(qty float64, price float64) float64 {
	return 0.0
}
