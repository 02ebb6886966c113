package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"streamstate/internal/exchange"
	"streamstate/internal/exchange/coinbase"
	"streamstate/internal/ledger"
	"streamstate/internal/types"
)

// Channel names accepted by the feed
const (
	ChannelTicker    = "ticker"
	ChannelLevel2    = "level2"
	ChannelUser      = "user"
	ChannelHeartbeat = "heartbeat"
)

var validChannels = []string{ChannelTicker, ChannelLevel2, ChannelUser, ChannelHeartbeat}

// ErrInvalidConfig is wrapped by every validation failure
var ErrInvalidConfig = errors.New("invalid config")

// Config holds all application configuration
type Config struct {
	Feed     FeedConfig     `yaml:"feed"`
	Account  AccountConfig  `yaml:"account"`
	Book     BookConfig     `yaml:"book"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Fees     FeesConfig     `yaml:"fees"`
	Display  DisplayConfig  `yaml:"display"`
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// FeedConfig holds the websocket feed configuration
type FeedConfig struct {
	Sandbox          bool          `yaml:"sandbox"`
	URL              string        `yaml:"url"`
	Products         []string      `yaml:"products"`
	Channels         []string      `yaml:"channels"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	MaxReconnects    int           `yaml:"max_reconnects"`
	MaxErrorMessages int           `yaml:"max_error_messages"`
	InitialBackoff   time.Duration `yaml:"initial_backoff"`
	MaxBackoff       time.Duration `yaml:"max_backoff"`
}

// AccountConfig holds credentials and the identity used to resolve matches
type AccountConfig struct {
	APIKey     string `yaml:"api_key"`
	APISecret  string `yaml:"api_secret"`
	Passphrase string `yaml:"passphrase"`
	UserID     string `yaml:"user_id"`
	ProfileID  string `yaml:"profile_id"`
}

// BookConfig holds order book configuration
type BookConfig struct {
	Depth int `yaml:"depth"`
}

// DispatchConfig holds dispatcher configuration
type DispatchConfig struct {
	MaxWorkers int `yaml:"max_workers"`
	BatchSize  int `yaml:"batch_size"`
}

// FeesConfig holds taker fee rates as decimal strings
type FeesConfig struct {
	Default    string            `yaml:"default"`
	ByProduct  map[string]string `yaml:"by_product"`
	ByCurrency map[string]string `yaml:"by_currency"`
}

// DisplayConfig holds display-related configuration
type DisplayConfig struct {
	Top            int             `yaml:"top"`
	UpdateInterval time.Duration   `yaml:"update_interval"`
	TickLevel      types.TickLevel `yaml:"tick_level"`
}

// ServerConfig holds the query server configuration
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	PushInterval time.Duration `yaml:"push_interval"`
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns the default configuration for BTC-USD on the production feed
func Default() Config {
	return Config{
		Feed: FeedConfig{
			Products:         []string{"BTC-USD"},
			Channels:         []string{ChannelLevel2, ChannelTicker},
			HeartbeatTimeout: 5 * time.Second,
			HandshakeTimeout: 10 * time.Second,
			MaxReconnects:    10,
			MaxErrorMessages: 100,
			InitialBackoff:   500 * time.Millisecond,
			MaxBackoff:       30 * time.Second,
		},
		Book: BookConfig{
			Depth: 250,
		},
		Dispatch: DispatchConfig{
			MaxWorkers: 4,
		},
		Fees: FeesConfig{
			Default:    "0.003",
			ByCurrency: map[string]string{"BTC": "0.0025"},
		},
		Display: DisplayConfig{
			Top:            10,
			UpdateInterval: 2 * time.Second,
			TickLevel:      types.Tick1,
		},
		Server: ServerConfig{
			Addr:         ":8086",
			PushInterval: time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Pretty: true,
		},
	}
}

// NewCustom creates a configuration for custom products
func NewCustom(products ...string) Config {
	cfg := Default()
	if len(products) > 0 {
		cfg.Feed.Products = products
	}
	return cfg
}

// Load reads a YAML file over the defaults and applies environment
// overrides. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() {
	if v := os.Getenv("COINBASE_API_KEY"); v != "" {
		c.Account.APIKey = v
	}
	if v := os.Getenv("COINBASE_API_SECRET"); v != "" {
		c.Account.APISecret = v
	}
	if v := os.Getenv("COINBASE_API_PASSPHRASE"); v != "" {
		c.Account.Passphrase = v
	}
	if v := os.Getenv("STREAMSTATE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("STREAMSTATE_HTTP_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("STREAMSTATE_SANDBOX"); v == "1" || v == "true" {
		c.Feed.Sandbox = true
	}
}

// Validate normalizes products and channels and checks bounds. Unknown
// channels and badly formed products are dropped; an empty result is an
// error.
func (c *Config) Validate() error {
	products := make([]string, 0, len(c.Feed.Products))
	for _, p := range c.Feed.Products {
		p = strings.ToUpper(strings.TrimSpace(p))
		base, quote, ok := strings.Cut(p, "-")
		if !ok || base == "" || quote == "" || slices.Contains(products, p) {
			continue
		}
		products = append(products, p)
	}
	if len(products) == 0 {
		return fmt.Errorf("%w: no valid products in %v", ErrInvalidConfig, c.Feed.Products)
	}
	c.Feed.Products = products

	channels := make([]string, 0, len(c.Feed.Channels))
	for _, ch := range c.Feed.Channels {
		ch = strings.ToLower(strings.TrimSpace(ch))
		if slices.Contains(validChannels, ch) && !slices.Contains(channels, ch) {
			channels = append(channels, ch)
		}
	}
	if len(channels) == 0 {
		return fmt.Errorf("%w: no valid channels in %v", ErrInvalidConfig, c.Feed.Channels)
	}
	c.Feed.Channels = channels

	if slices.Contains(channels, ChannelUser) && !c.HasCredentials() {
		return fmt.Errorf("%w: user channel requires api key, secret and passphrase", ErrInvalidConfig)
	}
	if c.Book.Depth <= 0 {
		return fmt.Errorf("%w: book depth must be positive", ErrInvalidConfig)
	}
	if c.Feed.HeartbeatTimeout <= 0 {
		return fmt.Errorf("%w: heartbeat timeout must be positive", ErrInvalidConfig)
	}
	if c.Feed.MaxReconnects < 0 {
		return fmt.Errorf("%w: max reconnects must not be negative", ErrInvalidConfig)
	}
	if c.Dispatch.MaxWorkers <= 0 {
		return fmt.Errorf("%w: max workers must be positive", ErrInvalidConfig)
	}
	if !types.ValidTickLevel(c.Display.TickLevel) {
		return fmt.Errorf("%w: unsupported tick level %v", ErrInvalidConfig, c.Display.TickLevel)
	}
	if _, err := c.FeeSchedule(); err != nil {
		return err
	}
	return nil
}

// HasCredentials reports whether an authenticated subscription is possible
func (c Config) HasCredentials() bool {
	return c.Account.APIKey != "" && c.Account.APISecret != "" && c.Account.Passphrase != ""
}

// FeedURL returns the configured URL, or the production/sandbox default
func (c Config) FeedURL() string {
	switch {
	case c.Feed.URL != "":
		return c.Feed.URL
	case c.Feed.Sandbox:
		return coinbase.SandboxURL
	default:
		return coinbase.ProductionURL
	}
}

// AcceptedTypes returns the message types carried by the configured channels
func (c Config) AcceptedTypes() []exchange.Type {
	var out []exchange.Type
	for _, ch := range c.Feed.Channels {
		switch ch {
		case ChannelTicker:
			out = append(out, exchange.TypeTicker)
		case ChannelLevel2:
			out = append(out, exchange.TypeSnapshot, exchange.TypeL2Update)
		case ChannelUser:
			out = append(out, exchange.TypeReceived, exchange.TypeOpen, exchange.TypeDone,
				exchange.TypeMatch, exchange.TypeChange, exchange.TypeActivate)
		}
	}
	return out
}

// FeeSchedule parses the configured fee rates
func (c Config) FeeSchedule() (ledger.FeeSchedule, error) {
	var fees ledger.FeeSchedule
	var err error
	if fees.Default, err = parseRate("default", c.Fees.Default); err != nil {
		return fees, err
	}
	if fees.ByProduct, err = parseRates(c.Fees.ByProduct); err != nil {
		return fees, err
	}
	if fees.ByCurrency, err = parseRates(c.Fees.ByCurrency); err != nil {
		return fees, err
	}
	return fees, nil
}

func parseRates(in map[string]string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(in))
	for k, v := range in {
		rate, err := parseRate(k, v)
		if err != nil {
			return nil, err
		}
		out[strings.ToUpper(k)] = rate
	}
	return out, nil
}

func parseRate(name, v string) (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(strings.TrimSpace(v))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: fee %s: %v", ErrInvalidConfig, name, err)
	}
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return decimal.Zero, fmt.Errorf("%w: fee %s out of range: %s", ErrInvalidConfig, name, v)
	}
	return rate, nil
}

// SetTickLevel updates the default tick level
func (c *Config) SetTickLevel(tick types.TickLevel) {
	c.Display.TickLevel = tick
}

// SetDisplayTop updates the display top count
func (c *Config) SetDisplayTop(top int) {
	c.Display.Top = top
}

// SetUpdateInterval updates the display update interval
func (c *Config) SetUpdateInterval(interval time.Duration) {
	c.Display.UpdateInterval = interval
}

// SetSandbox switches between the sandbox and production feed
func (c *Config) SetSandbox(sandbox bool) {
	c.Feed.Sandbox = sandbox
}
