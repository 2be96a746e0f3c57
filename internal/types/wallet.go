package types

// WalletEntry is the per-settlement-currency balance.
type WalletEntry struct {
	Coin      string  `yaml:"coin" json:"coin"`
	Available float64 `yaml:"available" json:"available"`
	Total     float64 `yaml:"total" json:"total"`
}
