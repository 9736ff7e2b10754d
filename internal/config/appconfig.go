// Package config loads the operator-facing application configuration and
// reads/writes the device's ACF (INI-formatted) configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/archonctl/goarchon/internal/logging"
)

// CCDRegion is a named pixel rectangle within a readout buffer, in
// [x0,y0,x1,y1) device-pixel coordinates.
type CCDRegion struct {
	Name string `yaml:"name"`
	X0   int    `yaml:"x0"`
	Y0   int    `yaml:"y0"`
	X1   int    `yaml:"x1"`
	Y1   int    `yaml:"y1"`
}

// ControllerConfig describes one physical device and the CCD regions to
// slice out of its readout buffer.
type ControllerConfig struct {
	Addr string      `yaml:"addr"`
	CCDs []CCDRegion `yaml:"ccds"`
}

// LoggingConfig selects the structured logger's verbosity and rendering.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ReconnectSettings mirrors archon.ReconnectConfig in a serializable form.
type ReconnectSettings struct {
	MaxRetries   int           `yaml:"max_retries"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// ConnectionConfig groups dial and reconnect knobs.
type ConnectionConfig struct {
	DialTimeout time.Duration     `yaml:"dial_timeout"`
	Reconnect   ReconnectSettings `yaml:"reconnect"`
}

// FilesConfig locates persisted state on disk.
type FilesConfig struct {
	DataDir  string `yaml:"data_dir"`
	Template string `yaml:"template"`
}

// TimeoutsConfig holds operation-level deadlines not already covered by
// per-command timeouts.
type TimeoutsConfig struct {
	ReadoutMax time.Duration `yaml:"readout_max"`
}

// AppConfig is the operator-facing configuration record: everything the
// core needs that isn't part of the wire protocol itself.
type AppConfig struct {
	Observatory string                      `yaml:"observatory"`
	Files       FilesConfig                 `yaml:"files"`
	Timeouts    TimeoutsConfig              `yaml:"timeouts"`
	Controllers map[string]ControllerConfig `yaml:"controllers"`
	Logging     LoggingConfig               `yaml:"logging"`
	Connection  ConnectionConfig            `yaml:"connection"`
}

// Hemisphere returns "n" for the apo observatory and "s" otherwise.
func (c AppConfig) Hemisphere() string {
	if c.Observatory == "apo" {
		return "n"
	}
	return "s"
}

// Load reads and validates an AppConfig from a YAML file.
func Load(path string) (AppConfig, error) {
	var cfg AppConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c AppConfig) validate() error {
	if c.Observatory != "apo" && c.Observatory != "lco" {
		return fmt.Errorf("observatory must be \"apo\" or \"lco\", got %q", c.Observatory)
	}
	if c.Files.DataDir == "" {
		return fmt.Errorf("files.data_dir is required")
	}
	if c.Files.Template == "" {
		return fmt.Errorf("files.template is required")
	}
	if c.Timeouts.ReadoutMax <= 0 {
		return fmt.Errorf("timeouts.readout_max must be positive")
	}
	return nil
}

// Level parses the configured logging level, defaulting to Info.
func (l LoggingConfig) Level() logging.Level {
	lvl, err := logging.ParseLevel(l.Level)
	if err != nil {
		return logging.Info
	}
	return lvl
}

// FormatValue parses the configured logging format, defaulting to Text.
func (l LoggingConfig) FormatValue() logging.Format {
	f, err := logging.ParseFormat(l.Format)
	if err != nil {
		return logging.Text
	}
	return f
}
