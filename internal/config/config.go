// Package config provides configuration loading and validation for the
// wampgate router daemon.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/wampgate/wampgate/pkg/wamp"
)

// Config is the top-level configuration for the router daemon.
type Config struct {
	// LogLevel controls the slog handler level.
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`

	// Realms lists the realms created at startup. At least one is
	// required; clients can only join realms listed here.
	Realms []RealmConfig `yaml:"realms" mapstructure:"realms" validate:"required,min=1,dive"`

	// Listeners configures the transport endpoints.
	Listeners ListenersConfig `yaml:"listeners" mapstructure:"listeners"`

	// Metrics configures the prometheus scrape endpoint. Empty addr
	// disables it.
	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics"`
}

// RealmConfig is one realm served by the router.
type RealmConfig struct {
	Name string `yaml:"name" mapstructure:"name" validate:"required,wamp_uri"`
}

// ListenersConfig groups the transport endpoints. Every list may be
// empty, but at least one listener must be configured overall.
type ListenersConfig struct {
	// WebSocket endpoints serve ws://<addr>/ws.
	WebSocket []EndpointConfig `yaml:"websocket" mapstructure:"websocket" validate:"omitempty,dive"`

	// RawSocket endpoints serve the length-prefixed TCP transport.
	RawSocket []EndpointConfig `yaml:"rawsocket" mapstructure:"rawsocket" validate:"omitempty,dive"`

	// Unix endpoints serve either transport on a Unix domain socket.
	Unix []UnixEndpointConfig `yaml:"unix" mapstructure:"unix" validate:"omitempty,dive"`
}

// EndpointConfig is one TCP listener.
type EndpointConfig struct {
	Addr string `yaml:"addr" mapstructure:"addr" validate:"required,hostname_port"`
}

// UnixEndpointConfig is one Unix domain socket listener.
type UnixEndpointConfig struct {
	Path string `yaml:"path" mapstructure:"path" validate:"required"`

	// Transport selects what to serve on the socket.
	Transport string `yaml:"transport" mapstructure:"transport" validate:"omitempty,oneof=websocket rawsocket"`
}

// MetricsConfig configures the prometheus endpoint.
type MetricsConfig struct {
	Addr string `yaml:"addr" mapstructure:"addr" validate:"omitempty,hostname_port"`
}

// SetDefaults fills unset fields with their defaults.
func (c *Config) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	for i := range c.Listeners.Unix {
		if c.Listeners.Unix[i].Transport == "" {
			c.Listeners.Unix[i].Transport = "rawsocket"
		}
	}
}

// Validate checks struct tags and cross-field rules, returning actionable
// messages.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.RegisterValidation("wamp_uri", validateWAMPURI); err != nil {
		return fmt.Errorf("failed to register wamp_uri validator: %w", err)
	}

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if len(c.Listeners.WebSocket)+len(c.Listeners.RawSocket)+len(c.Listeners.Unix) == 0 {
		return errors.New("listeners: at least one listener is required")
	}

	seen := make(map[string]struct{}, len(c.Realms))
	for i, realm := range c.Realms {
		if _, dup := seen[realm.Name]; dup {
			return fmt.Errorf("realms[%d]: duplicate realm %q", i, realm.Name)
		}
		seen[realm.Name] = struct{}{}
	}
	return nil
}

// validateWAMPURI accepts dot-separated URIs with no empty segments.
func validateWAMPURI(fl validator.FieldLevel) bool {
	return wamp.URI(fl.Field().String()).Valid()
}

// formatValidationErrors converts validator.ValidationErrors to
// user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must have at least %s items", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "wamp_uri":
		return fmt.Sprintf("%s must be a dot-separated URI without empty segments", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}

// FromViper unmarshals the loaded viper state into a validated Config.
func FromViper() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
