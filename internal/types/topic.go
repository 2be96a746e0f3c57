package types

import (
	"fmt"
	"strings"

	"github.com/tidemill/tidemill/pkg/errors"
)

// TopicKind distinguishes public market-data feeds from private account feeds.
type TopicKind string

const (
	// TopicKindKline is the public candle feed, one topic per (symbol, timeframe).
	TopicKindKline TopicKind = "kline"

	TopicKindPosition  TopicKind = "position"
	TopicKindExecution TopicKind = "execution"
	TopicKindOrder     TopicKind = "order"
	TopicKindStopOrder TopicKind = "stop_order"
	TopicKindWallet    TopicKind = "wallet"
)

// Topic identifies a subscription: an instrument+timeframe for market data,
// or an account feed for private data. The wire form is "kline.{tf}.{symbol}"
// for public topics and the bare kind name for private ones.
type Topic struct {
	Kind      TopicKind
	Symbol    string
	Timeframe Timeframe
}

// KlineTopic builds the public candle topic for a symbol and timeframe.
func KlineTopic(symbol string, tf Timeframe) Topic {
	return Topic{Kind: TopicKindKline, Symbol: symbol, Timeframe: tf}
}

// PrivateTopic builds an account feed topic.
func PrivateTopic(kind TopicKind) Topic {
	return Topic{Kind: kind, Symbol: "", Timeframe: ""}
}

// IsPublic reports whether the topic carries market data.
func (t Topic) IsPublic() bool {
	return t.Kind == TopicKindKline
}

// String returns the wire form of the topic.
func (t Topic) String() string {
	if t.Kind == TopicKindKline {
		return fmt.Sprintf("%s.%s.%s", t.Kind, t.Timeframe, t.Symbol)
	}

	return string(t.Kind)
}

// ParseTopic parses the wire form of a topic tag.
func ParseTopic(raw string) (Topic, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Topic{}, errors.New(errors.ErrCodeMissingTopic, "empty topic tag")
	}

	parts := strings.Split(raw, ".")
	if parts[0] == string(TopicKindKline) {
		if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
			return Topic{}, errors.Newf(errors.ErrCodeInvalidTopic, "malformed kline topic: %s", raw)
		}

		tf, err := ParseTimeframe(parts[1])
		if err != nil {
			return Topic{}, errors.Wrapf(errors.ErrCodeInvalidTopic, err, "kline topic %s", raw)
		}

		return KlineTopic(parts[2], tf), nil
	}

	switch TopicKind(parts[0]) {
	case TopicKindPosition, TopicKindExecution, TopicKindOrder, TopicKindStopOrder, TopicKindWallet:
		return PrivateTopic(TopicKind(parts[0])), nil
	}

	return Topic{}, errors.Newf(errors.ErrCodeUnknownTopic, "unknown topic: %s", raw)
}
