package types

import "time"

// Execution is an immutable fill record. Opened is true when the fill
// increased or established exposure in the trade's direction, false when
// it exactly closed the prior position. ExecIDs are monotonically
// increasing per instrument and never reused.
type Execution struct {
	Symbol  string    `yaml:"symbol" json:"symbol" csv:"symbol"`
	Side    Side      `yaml:"side" json:"side" csv:"side"`
	Opened  bool      `yaml:"opened" json:"opened" csv:"opened"`
	OrderID string    `yaml:"order_id" json:"order_id" csv:"order_id"`
	ExecID  int64     `yaml:"exec_id" json:"exec_id" csv:"exec_id"`
	Price   float64   `yaml:"price" json:"price" csv:"price"`
	Qty     float64   `yaml:"qty" json:"qty" csv:"qty"`
	Fee     float64   `yaml:"fee" json:"fee" csv:"fee"`
	Time    time.Time `yaml:"time" json:"time" csv:"time"`
}
