// Package config loads and validates the YAML configuration shared by the
// trading and backtest commands.
package config

import (
	"encoding/json"
	"os"
	"reflect"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"
	"github.com/moznion/go-optional"
	"gopkg.in/yaml.v3"

	"github.com/tidemill/tidemill/internal/execution"
	"github.com/tidemill/tidemill/internal/execution/commission"
	"github.com/tidemill/tidemill/internal/market"
	"github.com/tidemill/tidemill/internal/types"
	"github.com/tidemill/tidemill/pkg/errors"
)

// VenueConfig holds venue API credentials and connectivity settings.
type VenueConfig struct {
	APIKey    string `yaml:"api_key" json:"api_key" jsonschema:"title=API Key"`
	APISecret string `yaml:"api_secret" json:"api_secret" jsonschema:"title=API Secret"`
	Testnet   bool   `yaml:"testnet" json:"testnet" jsonschema:"title=Testnet,description=Use the venue testnet endpoints"`
}

// Config is the root configuration for both live trading and backtests.
type Config struct {
	Instruments []types.Instrument `yaml:"instruments" json:"instruments" validate:"required,min=1,dive" jsonschema:"title=Instruments"`
	Timeframes  []types.Timeframe  `yaml:"timeframes" json:"timeframes" validate:"required,min=1" jsonschema:"title=Timeframes,description=Candle feeds to subscribe to"`
	// Frequency is the trading frequency; the strategy fires on confirmed
	// bars of this timeframe. It must be one of Timeframes.
	Frequency types.Timeframe `yaml:"frequency" json:"frequency" validate:"required" jsonschema:"title=Trading Frequency"`

	FeeModel      commission.Model `yaml:"fee_model" json:"fee_model" jsonschema:"title=Fee Model"`
	FlatFeeAmount float64          `yaml:"flat_fee_amount" json:"flat_fee_amount" validate:"gte=0" jsonschema:"title=Flat Fee Amount,description=Quote-currency fee charged per fill under the flat model,minimum=0"`

	InitialBalances []types.WalletEntry `yaml:"initial_balances" json:"initial_balances" jsonschema:"title=Initial Balances,description=Simulated wallet seed for backtests"`
	DefaultCoin     string              `yaml:"default_coin" json:"default_coin" jsonschema:"title=Default Coin,description=Settlement coin used for reporting"`

	Start optional.Option[time.Time] `yaml:"start" json:"start" jsonschema:"title=Start Time"`
	End   optional.Option[time.Time] `yaml:"end" json:"end" jsonschema:"title=End Time"`

	RetainedBars int                   `yaml:"retained_bars" json:"retained_bars" validate:"gte=0" jsonschema:"title=Retained Bars,description=Candles kept in memory per topic,minimum=0"`
	Retry        execution.RetryPolicy `yaml:"retry" json:"retry" jsonschema:"title=Retry Policy"`

	HistoryPath string `yaml:"history_path" json:"history_path" jsonschema:"title=History Path,description=DuckDB file holding downloaded candles"`
	ReportPath  string `yaml:"report_path" json:"report_path" jsonschema:"title=Report Path,description=Where the backtest report is written"`
	StatusAddr  string `yaml:"status_addr" json:"status_addr" jsonschema:"title=Status Address,description=Listen address for the HTTP status endpoint"`

	Venue VenueConfig `yaml:"venue" json:"venue" jsonschema:"title=Venue"`
}

// UnmarshalYAML maps nullable time fields onto options.
func (c *Config) UnmarshalYAML(unmarshal func(interface{}) error) error {
	type alias struct {
		Instruments     []types.Instrument    `yaml:"instruments"`
		Timeframes      []types.Timeframe     `yaml:"timeframes"`
		Frequency       types.Timeframe       `yaml:"frequency"`
		FeeModel        commission.Model      `yaml:"fee_model"`
		FlatFeeAmount   float64               `yaml:"flat_fee_amount"`
		InitialBalances []types.WalletEntry   `yaml:"initial_balances"`
		DefaultCoin     string                `yaml:"default_coin"`
		Start           *time.Time            `yaml:"start"`
		End             *time.Time            `yaml:"end"`
		RetainedBars    int                   `yaml:"retained_bars"`
		Retry           execution.RetryPolicy `yaml:"retry"`
		HistoryPath     string                `yaml:"history_path"`
		ReportPath      string                `yaml:"report_path"`
		StatusAddr      string                `yaml:"status_addr"`
		Venue           VenueConfig           `yaml:"venue"`
	}

	var raw alias
	if err := unmarshal(&raw); err != nil {
		return err
	}

	c.Instruments = raw.Instruments
	c.Timeframes = raw.Timeframes
	c.Frequency = raw.Frequency
	c.FeeModel = raw.FeeModel
	c.FlatFeeAmount = raw.FlatFeeAmount
	c.InitialBalances = raw.InitialBalances
	c.DefaultCoin = raw.DefaultCoin
	c.RetainedBars = raw.RetainedBars
	c.Retry = raw.Retry
	c.HistoryPath = raw.HistoryPath
	c.ReportPath = raw.ReportPath
	c.StatusAddr = raw.StatusAddr
	c.Venue = raw.Venue

	if raw.Start != nil {
		c.Start = optional.Some(*raw.Start)
	}

	if raw.End != nil {
		c.End = optional.Some(*raw.End)
	}

	return nil
}

// Load reads, defaults and validates a config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(errors.ErrCodeInvalidConfig, err, "failed to read config at %s", path)
	}

	return Parse(data)
}

// Parse decodes a YAML document into a validated config.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrap(errors.ErrCodeInvalidConfig, "failed to parse config", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.FeeModel == "" {
		c.FeeModel = commission.ModelZero
	}

	if c.RetainedBars == 0 {
		c.RetainedBars = market.DefaultRetainedBars
	}

	if c.Retry.MaxAttempts == 0 {
		c.Retry = execution.DefaultRetryPolicy()
	}

	if c.DefaultCoin == "" && len(c.Instruments) > 0 {
		c.DefaultCoin = c.Instruments[0].QuoteCoin
	}
}

// Validate checks structural constraints and cross-field rules.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidConfig, "invalid config", err)
	}

	for _, tf := range c.Timeframes {
		if tf.Duration() == 0 {
			return errors.Newf(errors.ErrCodeInvalidTimeframe, "unsupported timeframe: %s", tf)
		}
	}

	found := false

	for _, tf := range c.Timeframes {
		if tf == c.Frequency {
			found = true
		}
	}

	if !found {
		return errors.Newf(errors.ErrCodeInvalidConfig, "frequency %s is not among the subscribed timeframes", c.Frequency)
	}

	if c.Start.IsSome() && c.End.IsSome() && !c.End.Unwrap().After(c.Start.Unwrap()) {
		return errors.New(errors.ErrCodeInvalidConfig, "end must be after start")
	}

	return nil
}

// Fees returns the configured commission schedule.
func (c *Config) Fees() commission.Schedule {
	return commission.GetSchedule(c.FeeModel, c.FlatFeeAmount)
}

// Topics returns every subscription the config implies: one kline topic
// per instrument and timeframe plus the private account feeds.
func (c *Config) Topics() []types.Topic {
	var topics []types.Topic

	for _, inst := range c.Instruments {
		for _, tf := range c.Timeframes {
			topics = append(topics, types.KlineTopic(inst.Symbol, tf))
		}
	}

	topics = append(topics,
		types.PrivateTopic(types.TopicKindPosition),
		types.PrivateTopic(types.TopicKindExecution),
		types.PrivateTopic(types.TopicKindOrder),
		types.PrivateTopic(types.TopicKindStopOrder),
		types.PrivateTopic(types.TopicKindWallet),
	)

	return topics
}

// GenerateSchemaJSON renders the JSON schema for editor validation of
// config files.
func (c *Config) GenerateSchemaJSON() (string, error) {
	reflector := jsonschema.Reflector{
		ExpandedStruct:            true,
		AllowAdditionalProperties: false,
		Mapper: func(t reflect.Type) *jsonschema.Schema {
			if t.String() == "optional.Option[time.Time]" {
				return &jsonschema.Schema{Type: "string", Format: "date-time"}
			}

			if t.String() == "commission.Model" {
				return &jsonschema.Schema{Type: "string", Enum: commission.AllModels}
			}

			return nil
		},
	}

	schema := reflector.Reflect(c)
	schema.Title = "tidemill-config"
	schema.Description = "Configuration schema for tidemill trading and backtest runs"

	out, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return "", errors.Wrap(errors.ErrCodeInvalidConfig, "failed to render config schema", err)
	}

	return string(out), nil
}
