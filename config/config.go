// Package config holds the settings of a co-simulation session.
package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"

	"github.com/sarchlab/cosim/loop"
	"github.com/sarchlab/cosim/regfile"
	"github.com/sarchlab/cosim/sico"
	"github.com/sarchlab/cosim/vtime"
)

// Config holds the session settings. Every field can be set from a JSON file
// and from a COSIM_* environment variable.
type Config struct {
	// Socket is the path of the simulator's unix socket.
	// Default: SiCo.sock.
	Socket string `json:"socket" env:"COSIM_SOCKET" envDefault:"SiCo.sock"`

	// ReconnectDelay is the pause between failed connection attempts.
	// Default: 1s.
	ReconnectDelay time.Duration `json:"reconnect_delay" env:"COSIM_RECONNECT_DELAY" envDefault:"1s"`

	// Heartbeat is the watchdog tick interval of the host loop.
	// Default: 1s.
	Heartbeat time.Duration `json:"heartbeat" env:"COSIM_HEARTBEAT" envDefault:"1s"`

	// StallLimit is how long the host loop may miss heartbeats before the
	// watchdog stops the host. Default: 5s.
	StallLimit time.Duration `json:"stall_limit" env:"COSIM_STALL_LIMIT" envDefault:"5s"`

	// CallTimeout bounds synchronous calls into the host that do not set a
	// timeout themselves, such as register access and break waits. Zero
	// waits forever. Default: 0.
	CallTimeout time.Duration `json:"call_timeout" env:"COSIM_CALL_TIMEOUT" envDefault:"0s"`

	// FrameMargin is the simulated time kept between a frame's hold and its
	// first value. Default: 1u.
	FrameMargin vtime.Time `json:"frame_margin" env:"COSIM_FRAME_MARGIN" envDefault:"1u"`

	// CacheEntries is the number of register values a Regfile caches.
	// Default: 256.
	CacheEntries int `json:"cache_entries" env:"COSIM_CACHE_ENTRIES" envDefault:"256"`

	// Verbosity is the log verbosity; 0 logs info only, 2 every protocol
	// message. Default: 0.
	Verbosity int `json:"verbosity" env:"COSIM_VERBOSITY" envDefault:"0"`

	// TraceDB is the path of the trace database. Empty disables tracing.
	TraceDB string `json:"trace_db" env:"COSIM_TRACE_DB"`

	// OTelEnabled turns on OpenTelemetry span export.
	OTelEnabled bool `json:"otel_enabled" env:"COSIM_OTEL_ENABLED" envDefault:"false"`

	// OTelEndpoint is the OTLP/HTTP collector endpoint. Empty uses the
	// exporter's own default.
	OTelEndpoint string `json:"otel_endpoint" env:"COSIM_OTEL_ENDPOINT"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Socket:         sico.DefaultSocket,
		ReconnectDelay: sico.DefaultReconnectDelay,
		Heartbeat:      loop.DefaultHeartbeat,
		StallLimit:     loop.DefaultStallLimit,
		FrameMargin:    vtime.FromFreq(vtime.Mega),
		CacheEntries:   regfile.DefaultCacheConfig().Entries,
	}
}

// Load reads a JSON configuration file. Fields missing from the file keep
// their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config file")
	}

	c := Default()
	if err := json.Unmarshal(data, c); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	return c, nil
}

// FromEnv reads the configuration from COSIM_* environment variables.
func FromEnv() (*Config, error) {
	c := &Config{}
	if err := env.Parse(c); err != nil {
		return nil, errors.Wrap(err, "parse env")
	}
	return c, nil
}

// Save writes c to a JSON file.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.Wrap(err, "serialize config")
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrap(err, "write config file")
	}
	return nil
}

// Validate checks that the settings are usable.
func (c *Config) Validate() error {
	if c.Socket == "" {
		return errors.New("socket must not be empty")
	}
	if c.ReconnectDelay <= 0 {
		return errors.New("reconnect_delay must be > 0")
	}
	if c.Heartbeat <= 0 {
		return errors.New("heartbeat must be > 0")
	}
	if c.StallLimit <= c.Heartbeat {
		return errors.New("stall_limit must be > heartbeat")
	}
	if c.CallTimeout < 0 {
		return errors.New("call_timeout must be >= 0")
	}
	if c.FrameMargin.Value() < 0 {
		return errors.New("frame_margin must be >= 0")
	}
	if c.CacheEntries <= 0 {
		return errors.New("cache_entries must be > 0")
	}
	if c.Verbosity < 0 {
		return errors.New("verbosity must be >= 0")
	}
	return nil
}

// Clone returns a copy of c.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// HostOptions returns the loop options matching c.
func (c *Config) HostOptions() loop.Options {
	return loop.Options{
		Heartbeat:   c.Heartbeat,
		StallLimit:  c.StallLimit,
		CallTimeout: c.CallTimeout,
	}
}

// ConnOptions returns the connection options matching c.
func (c *Config) ConnOptions() []sico.ConnOption {
	return []sico.ConnOption{sico.WithReconnectDelay(c.ReconnectDelay)}
}

// ChannelOptions returns the channel options matching c.
func (c *Config) ChannelOptions() []sico.ChannelOption {
	return []sico.ChannelOption{sico.WithFrameMargin(c.FrameMargin)}
}

// CacheConfig returns the register cache settings matching c.
func (c *Config) CacheConfig() regfile.CacheConfig {
	cc := regfile.DefaultCacheConfig()
	cc.Entries = c.CacheEntries
	if cc.Entries < cc.Associativity {
		cc.Associativity = cc.Entries
	}
	return cc
}
