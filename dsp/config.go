package dsp

import (
	"log/slog"
	"time"
)

// Config carries the device engine settings. Use NewConfigBuilder to
// construct one.
type Config struct {
	Dialer Dialer
	// ResponseTimeout is the no-response window: how long a dispatched
	// command waits for its reply before it is abandoned and the queue
	// advances.
	ResponseTimeout time.Duration
	// ReconnectDelay is how long Run waits after a transport failure
	// before redialing.
	ReconnectDelay time.Duration
	// PushBuffer is the capacity of the push notification channel.
	// Pushes are dropped when the channel is full.
	PushBuffer int
	// RefreshLow/RefreshHigh, when non-zero, define a controller range
	// whose current values are requested as pushes after every connect.
	RefreshLow  int
	RefreshHigh int
	// Logger receives engine diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

func (c *Config) validate() error {
	if c.Dialer == nil {
		return ErrNoDialer
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.ResponseTimeout == 0 {
		c.ResponseTimeout = 2 * time.Second
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.PushBuffer == 0 {
		c.PushBuffer = 100
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ConfigBuilder assembles a Config fluently.
type ConfigBuilder struct {
	config Config
}

func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{}
}

func (b *ConfigBuilder) WithDialer(d Dialer) *ConfigBuilder {
	b.config.Dialer = d
	return b
}

func (b *ConfigBuilder) WithResponseTimeout(d time.Duration) *ConfigBuilder {
	b.config.ResponseTimeout = d
	return b
}

func (b *ConfigBuilder) WithReconnectDelay(d time.Duration) *ConfigBuilder {
	b.config.ReconnectDelay = d
	return b
}

func (b *ConfigBuilder) WithPushBuffer(n int) *ConfigBuilder {
	b.config.PushBuffer = n
	return b
}

// WithRefreshOnConnect requests a push refresh of [low, high] after
// every successful connect, so state missed during an outage is
// re-reported.
func (b *ConfigBuilder) WithRefreshOnConnect(low, high int) *ConfigBuilder {
	b.config.RefreshLow = low
	b.config.RefreshHigh = high
	return b
}

func (b *ConfigBuilder) WithLogger(l *slog.Logger) *ConfigBuilder {
	b.config.Logger = l
	return b
}

// Build validates the assembled Config and applies defaults.
func (b *ConfigBuilder) Build() (Config, error) {
	if err := b.config.validate(); err != nil {
		return Config{}, err
	}
	b.config.setDefaults()
	return b.config, nil
}
