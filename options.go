package lensgate

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// ErrNilOption is returned when an option is given a nil collaborator it cannot replace with a default
var ErrNilOption = errors.New("option value is nil")

// WithOptions applies a series of configuration functions to the gateway.
// Each option can modify the gateway and return an error if it fails.
//
// Parameters:
//   - options: Variadic list of configuration functions
//
// Returns:
//   - error: First error encountered from any option function
func (gw *Gateway) WithOptions(options ...func(*Gateway) error) error {
	for _, option := range options {
		if err := option(gw); err != nil {
			return fmt.Errorf("applying option on gateway : %w", err)
		}
	}
	return nil
}

// WithConfig replaces the default configuration with cfg.
func WithConfig(cfg *Config) func(*Gateway) error {
	return func(gw *Gateway) error {
		if cfg == nil {
			return fmt.Errorf("config : %w", ErrNilOption)
		}
		gw.Config = cfg
		return nil
	}
}

// WithConfigDir loads config.yaml from appConfigDir, creating the directory and the file when
// they do not exist yet. Environment overrides are applied on top of the file.
//
// Parameters:
//   - appConfigDir: Path to the configuration directory
//
// Returns:
//   - func(*Gateway) error: Configuration function that loads the config directory
func WithConfigDir(appConfigDir string) func(*Gateway) error {
	return func(gw *Gateway) error {
		cfg, err := LoadConfig(appConfigDir)
		if err != nil {
			return fmt.Errorf("loading config from %s : %w", appConfigDir, err)
		}
		gw.Config = cfg
		return nil
	}
}

// WithLogger sets the structured logger. A nil logger is replaced with one that discards everything.
func WithLogger(logger *slog.Logger) func(*Gateway) error {
	return func(gw *Gateway) error {
		if logger == nil {
			logger = slog.New(slog.DiscardHandler)
		}
		gw.Logger = logger
		return nil
	}
}

// WithTransport replaces the round tripper used for the outbound backend call.
func WithTransport(transport http.RoundTripper) func(*Gateway) error {
	return func(gw *Gateway) error {
		if transport == nil {
			return fmt.Errorf("transport : %w", ErrNilOption)
		}
		gw.Client.Transport = transport
		return nil
	}
}

// WithUpstreamTimeout bounds the outbound call, overriding upstream_timeout from the config. Zero
// leaves it unbounded.
func WithUpstreamTimeout(timeout time.Duration) func(*Gateway) error {
	return func(gw *Gateway) error {
		if timeout < 0 {
			return fmt.Errorf("upstream timeout %s is negative", timeout)
		}
		gw.upstreamTimeout = &timeout
		return nil
	}
}

// WithDebug enables wire dumps of every forwarded exchange at debug level. It holds whatever the
// position of WithConfig or WithConfigDir in the option list.
func WithDebug() func(*Gateway) error {
	return func(gw *Gateway) error {
		gw.debug = true
		return nil
	}
}

// WithRequestModifier appends modifier after the built-in request modifiers.
func WithRequestModifier(modifier RequestModifierFunc) func(*Gateway) error {
	return func(gw *Gateway) error {
		if modifier == nil {
			return fmt.Errorf("request modifier : %w", ErrNilOption)
		}
		gw.extraRequestModifiers = append(gw.extraRequestModifiers, modifier)
		return nil
	}
}

// WithResponseModifier appends modifier after the built-in response modifiers.
func WithResponseModifier(modifier ResponseModifierFunc) func(*Gateway) error {
	return func(gw *Gateway) error {
		if modifier == nil {
			return fmt.Errorf("response modifier : %w", ErrNilOption)
		}
		gw.extraResponseModifiers = append(gw.extraResponseModifiers, modifier)
		return nil
	}
}
