package types

// Instrument describes a tradable contract and its settlement legs.
// Fills move BaseCoin by the traded quantity and QuoteCoin by the
// notional value plus fee.
type Instrument struct {
	Symbol    string `yaml:"symbol" json:"symbol" validate:"required"`
	BaseCoin  string `yaml:"base_coin" json:"base_coin" validate:"required"`
	QuoteCoin string `yaml:"quote_coin" json:"quote_coin" validate:"required"`
}
