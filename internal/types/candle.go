package types

import "time"

// Candle is one OHLCV interval of price history. A series is keyed by End;
// the still-forming bar at the tail has Confirmed set to false and may be
// overwritten in place until the venue confirms it.
type Candle struct {
	Start     time.Time `json:"start" yaml:"start" csv:"start"`
	End       time.Time `json:"end" yaml:"end" csv:"end"`
	Open      float64   `json:"open" yaml:"open" csv:"open"`
	High      float64   `json:"high" yaml:"high" csv:"high"`
	Low       float64   `json:"low" yaml:"low" csv:"low"`
	Close     float64   `json:"close" yaml:"close" csv:"close"`
	Volume    float64   `json:"volume" yaml:"volume" csv:"volume"`
	Turnover  float64   `json:"turnover" yaml:"turnover" csv:"turnover"`
	Confirmed bool      `json:"confirmed" yaml:"confirmed" csv:"confirmed"`
}

// IsValid reports whether the bar interval is well formed.
func (c Candle) IsValid() bool {
	return c.End.After(c.Start)
}
