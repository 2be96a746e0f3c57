package strategy

import "github.com/tidemill/tidemill/pkg/errors"

// BuiltinNames lists the strategies selectable by name from the CLI.
func BuiltinNames() []string {
	return []string{"sma_cross", "noop"}
}

// NewBuiltin constructs a built-in strategy with its default parameters.
func NewBuiltin(name string) (Strategy, error) {
	switch name {
	case "sma_cross":
		return NewSMACross(10, 30, 1)
	case "noop":
		return Func{StrategyName: "noop"}, nil
	}

	return nil, errors.Newf(errors.ErrCodeInvalidConfig, "unknown strategy: %s (have %v)", name, BuiltinNames())
}
