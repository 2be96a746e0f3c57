package commission

// FlatFee charges a fixed amount per trade regardless of size.
type FlatFee struct {
	amount float64
}

// NewFlatFee creates a flat per-trade fee schedule.
func NewFlatFee(amount float64) Schedule {
	if amount < 0 {
		amount = 0
	}

	return &FlatFee{amount: amount}
}

func (f *FlatFee) Calculate(qty float64, price float64) float64 {
	if qty <= 0 {
		return 0
	}

	return f.amount
}
