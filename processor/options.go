package processor

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/formiclabs/formic/config"
	"github.com/formiclabs/formic/expr"
	"github.com/formiclabs/formic/service"
	"github.com/formiclabs/formic/telemetry"
)

// Option configures the form during construction.
type Option func(*settings) error

type settings struct {
	config            *config.Config
	configPath        string
	logger            zerolog.Logger
	customLogger      bool
	telemetry         telemetry.Collector
	telemetryProvided bool
	callbacks         map[string]expr.Callback
	validator         Validator
	submitter         service.SubmitFunc
	record            map[string]interface{}
	props             map[string]interface{}
}

// WithLogger provides a custom logger instance for the form.
func WithLogger(logger zerolog.Logger) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.logger = logger
		cfg.customLogger = true
		return nil
	}
}

// WithCallback registers a host callback under the given name for this form
// only. Conditions resolve callback references against these before falling
// back to the process-wide registry.
func WithCallback(name string, fn expr.Callback) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		name = strings.TrimSpace(name)
		if name == "" {
			return fmt.Errorf("callback name must not be empty")
		}
		if fn == nil {
			return fmt.Errorf("callback %s must not be nil", name)
		}
		if cfg.callbacks == nil {
			cfg.callbacks = make(map[string]expr.Callback)
		}
		if _, exists := cfg.callbacks[name]; exists {
			return fmt.Errorf("callback %s already provided", name)
		}
		cfg.callbacks[name] = fn
		return nil
	}
}

// WithValidator installs a host validator that runs after the schema's
// builtin rules on every validation pass.
func WithValidator(validate Validator) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.validator = validate
		return nil
	}
}

// WithSubmitter overrides where auto-save runs deliver value snapshots.
// Without it the remote endpoint from the schema is used, if configured.
func WithSubmitter(submit service.SubmitFunc) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.submitter = submit
		return nil
	}
}

// WithConfigPath configures the form to load its schema from the provided
// path. Hot reload and the Reload API need a path to re-read.
func WithConfigPath(path string) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.configPath = strings.TrimSpace(path)
		return nil
	}
}

// WithConfig supplies an already loaded schema instance.
func WithConfig(cfgData *config.Config) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.config = cfgData
		return nil
	}
}

// WithRecord seeds the record namespace expressions see as `record.*`.
func WithRecord(record map[string]interface{}) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.record = record
		return nil
	}
}

// WithProps seeds the props namespace expressions see as `props.*`.
func WithProps(props map[string]interface{}) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.props = props
		return nil
	}
}

// WithTelemetry injects a collector instance overriding the default
// configuration-based behaviour.
func WithTelemetry(collector telemetry.Collector) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		if collector == nil {
			collector = telemetry.Noop()
		}
		cfg.telemetry = collector
		cfg.telemetryProvided = true
		return nil
	}
}
