// Package config holds the protocol-wide tunables and the endpoint
// configuration that parameterizes the transaction and exchange layers.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Protocol constants from RFC 7252 §4.8 and the observe extension, all
// overridable via EndpointConfig.
const (
	DefaultPort     = 5683
	DefaultPortDTLS = 5684 // reserved; not implemented by this core

	DefaultMTU = 1152 // max bounded datagram size a sender must not exceed

	AckTimeout        = 2 * time.Second
	AckRandomFactor    = 1.5
	MaxRetransmit      = 4
	NStart             = 1
	DefaultLeisure     = 5 * time.Second
	ProbingRateBytesPS = 1

	// ExchangeLifetime is the horizon beyond which a message id is
	// guaranteed no longer to appear on the wire (RFC 7252 §4.8.2).
	ExchangeLifetime = 247 * time.Second

	// TimerWheelGranularity bounds the coalesced timer wheel's tick period.
	TimerWheelGranularity = 250 * time.Millisecond

	// MulticastGatherWindow is how long a multicast NON request collects
	// responses before the stream completes.
	MulticastGatherWindow = 250 * time.Millisecond

	// MinTokenLength is the minimum length a freshly allocated token uses;
	// it grows if a collision would occur against a live exchange.
	MinTokenLength = 2
	MaxTokenLength = 8
)

// ConfigError reports a malformed configuration field, matching the
// field/message/value shape used across this codebase's validators.
type ConfigError struct {
	Field   string
	Message string
	Value   interface{}
}

func (e ConfigError) Error() string {
	return fmt.Sprintf("config error in field '%s': %s (value: %v)", e.Field, e.Message, e.Value)
}

// EndpointConfig parameterizes a single Local Endpoint.
type EndpointConfig struct {
	// ListenAddr is the local UDP address to bind, e.g. ":5683".
	ListenAddr string

	MTU int

	AckTimeout         time.Duration
	AckRandomFactor    float64
	MaxRetransmit      int
	NStart             int
	DefaultLeisure     time.Duration
	ProbingRateBytesPS int
	ExchangeLifetime   time.Duration

	TimerWheelGranularity time.Duration
	MulticastGatherWindow time.Duration

	MinTokenLength int
	MaxTokenLength int

	// DuplicateCacheSize is carried in the configuration but no component
	// reads it: the duplicate-detect cache in internal/transaction keeps
	// every inbound CON (peer, mid) until ExchangeLifetime evicts it, with
	// no bound on its size.
	DuplicateCacheSize int

	// MaxBlockwisePayload caps the assembled payload size for a
	// block-wise transfer; overflow fails with PayloadTooLarge.
	MaxBlockwisePayload int
}

// DefaultEndpointConfig returns the RFC-default tunables.
func DefaultEndpointConfig() EndpointConfig {
	return EndpointConfig{
		ListenAddr:            fmt.Sprintf(":%d", DefaultPort),
		MTU:                   DefaultMTU,
		AckTimeout:            AckTimeout,
		AckRandomFactor:       AckRandomFactor,
		MaxRetransmit:         MaxRetransmit,
		NStart:                NStart,
		DefaultLeisure:        DefaultLeisure,
		ProbingRateBytesPS:    ProbingRateBytesPS,
		ExchangeLifetime:      ExchangeLifetime,
		TimerWheelGranularity: TimerWheelGranularity,
		MulticastGatherWindow: MulticastGatherWindow,
		MinTokenLength:        MinTokenLength,
		MaxTokenLength:        MaxTokenLength,
		DuplicateCacheSize:    4096,
		MaxBlockwisePayload:   1 << 20,
	}
}

// Validate checks field invariants, returning every violation found rather
// than failing on the first one.
func (c EndpointConfig) Validate() []error {
	var errs []error
	if c.MTU <= 0 {
		errs = append(errs, ConfigError{Field: "MTU", Message: "must be positive", Value: c.MTU})
	}
	if c.AckTimeout <= 0 {
		errs = append(errs, ConfigError{Field: "AckTimeout", Message: "must be positive", Value: c.AckTimeout})
	}
	if c.AckRandomFactor < 1.0 {
		errs = append(errs, ConfigError{Field: "AckRandomFactor", Message: "must be >= 1.0", Value: c.AckRandomFactor})
	}
	if c.MaxRetransmit < 0 {
		errs = append(errs, ConfigError{Field: "MaxRetransmit", Message: "must be >= 0", Value: c.MaxRetransmit})
	}
	if c.NStart < 1 {
		errs = append(errs, ConfigError{Field: "NStart", Message: "must be >= 1", Value: c.NStart})
	}
	if c.MinTokenLength < 0 || c.MinTokenLength > 8 {
		errs = append(errs, ConfigError{Field: "MinTokenLength", Message: "must be within 0..8", Value: c.MinTokenLength})
	}
	if c.MaxTokenLength < c.MinTokenLength || c.MaxTokenLength > 8 {
		errs = append(errs, ConfigError{Field: "MaxTokenLength", Message: "must be within MinTokenLength..8", Value: c.MaxTokenLength})
	}
	if c.MaxBlockwisePayload <= 0 {
		errs = append(errs, ConfigError{Field: "MaxBlockwisePayload", Message: "must be positive", Value: c.MaxBlockwisePayload})
	}
	return errs
}

// LoadEndpointConfig reads overrides from a config file (TOML/YAML/JSON/env,
// whatever viper's codecs recognize) layered over the RFC defaults. A
// missing config file is not an error; defaults are returned unchanged.
func LoadEndpointConfig(path string) (EndpointConfig, error) {
	cfg := DefaultEndpointConfig()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("listen_addr", cfg.ListenAddr)
	v.SetDefault("mtu", cfg.MTU)
	v.SetDefault("ack_timeout", cfg.AckTimeout)
	v.SetDefault("max_retransmit", cfg.MaxRetransmit)
	v.SetDefault("nstart", cfg.NStart)
	v.SetDefault("exchange_lifetime", cfg.ExchangeLifetime)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok || errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading endpoint config: %w", err)
	}

	cfg.ListenAddr = v.GetString("listen_addr")
	cfg.MTU = v.GetInt("mtu")
	cfg.AckTimeout = v.GetDuration("ack_timeout")
	cfg.MaxRetransmit = v.GetInt("max_retransmit")
	cfg.NStart = v.GetInt("nstart")
	cfg.ExchangeLifetime = v.GetDuration("exchange_lifetime")

	if errs := cfg.Validate(); len(errs) > 0 {
		return cfg, fmt.Errorf("invalid endpoint config: %v", errs)
	}
	return cfg, nil
}
