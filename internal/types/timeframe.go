package types

import (
	"strings"
	"time"

	"github.com/tidemill/tidemill/pkg/errors"
)

// Timeframe is a candle interval identifier, e.g. "1m" or "4h".
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe30m Timeframe = "30m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
)

var timeframeDurations = map[Timeframe]time.Duration{
	Timeframe1m:  time.Minute,
	Timeframe5m:  5 * time.Minute,
	Timeframe15m: 15 * time.Minute,
	Timeframe30m: 30 * time.Minute,
	Timeframe1h:  time.Hour,
	Timeframe4h:  4 * time.Hour,
	Timeframe1d:  24 * time.Hour,
}

// ParseTimeframe returns the normalized timeframe for the given input.
func ParseTimeframe(input string) (Timeframe, error) {
	tf := Timeframe(strings.ToLower(strings.TrimSpace(input)))
	if _, ok := timeframeDurations[tf]; !ok {
		return "", errors.Newf(errors.ErrCodeInvalidTimeframe, "unsupported timeframe: %s", input)
	}

	return tf, nil
}

// Duration returns the bar interval length. Zero for unknown timeframes.
func (tf Timeframe) Duration() time.Duration {
	return timeframeDurations[tf]
}

// FastestTimeframe returns the timeframe with the smallest interval from
// the given set. The result is deterministic for equal durations because
// the input order breaks ties.
func FastestTimeframe(tfs []Timeframe) Timeframe {
	if len(tfs) == 0 {
		return ""
	}

	fastest := tfs[0]
	for _, tf := range tfs[1:] {
		if tf.Duration() < fastest.Duration() {
			fastest = tf
		}
	}

	return fastest
}
