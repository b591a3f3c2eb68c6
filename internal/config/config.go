// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"labinstr/internal/model"
)

// Config represents the application configuration
type Config struct {
	App         AppConfig                   `mapstructure:"app"`
	Server      ServerConfig                `mapstructure:"server"`
	Logging     LoggingConfig               `mapstructure:"logging"`
	Defaults    DefaultsConfig              `mapstructure:"defaults"`
	Gateways    map[string]GatewayConfig    `mapstructure:"gateways"`
	Instruments map[string]InstrumentConfig `mapstructure:"instruments"`

	// DefaultGateway names the gateway used by GPIB entries without a
	// gpib_location.
	DefaultGateway string `mapstructure:"default_gateway"`
}

// AppConfig represents application metadata
type AppConfig struct {
	Name    string `mapstructure:"name"`
	Version string `mapstructure:"version"`
	Debug   bool   `mapstructure:"debug"`
}

// ServerConfig represents the HTTP bridge configuration
type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	// MinPollInterval bounds how fast a WebSocket poll may query.
	MinPollInterval time.Duration `mapstructure:"min_poll_interval"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// DefaultsConfig holds values applied to instrument entries that omit them
type DefaultsConfig struct {
	Timeout     time.Duration `mapstructure:"timeout"`
	SettleDelay time.Duration `mapstructure:"settle_delay"`
}

// GatewayConfig is a named GPIB-over-Ethernet gateway
type GatewayConfig struct {
	Host      string `mapstructure:"host"`
	Flavor    string `mapstructure:"flavor"`
	Port      int    `mapstructure:"port"`
	Interface string `mapstructure:"interface"`
}

// InstrumentConfig is one entry of the address table
type InstrumentConfig struct {
	Description string `mapstructure:"description"`
	Driver      string `mapstructure:"driver"`
	Interface   string `mapstructure:"interface"`

	// socket
	IPAddress string `mapstructure:"ip_address"`
	Port      int    `mapstructure:"port"`

	// gpib-ethernet
	GPIBAddress  int    `mapstructure:"gpib_address"`
	GPIBLocation string `mapstructure:"gpib_location"`
	// Gateway is a gateway host used instead of a named gateways entry;
	// GatewayFlavor and GatewayPort then describe it.
	Gateway       string `mapstructure:"gateway"`
	GatewayFlavor string `mapstructure:"gateway_flavor"`
	GatewayPort   int    `mapstructure:"gateway_port"`

	// serial
	ComPort     string        `mapstructure:"com_port"`
	BaudRate    int           `mapstructure:"baud_rate"`
	DataBits    int           `mapstructure:"data_bits"`
	StopBits    float64       `mapstructure:"stop_bits"`
	Parity      string        `mapstructure:"parity"`
	FlowControl string        `mapstructure:"flow_control"`
	SettleDelay time.Duration `mapstructure:"settle_delay"`

	// usb
	SerialNumber string `mapstructure:"serial_number"`
	VendorID     string `mapstructure:"vendor_id"`
	ProductID    string `mapstructure:"product_id"`

	TerminatingChar string        `mapstructure:"terminating_char"`
	Encoding        string        `mapstructure:"encoding"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

// Search locations used when Load is given no path.
var searchPaths = []string{".", "$HOME/.config/labinstr", "/etc/labinstr"}

var supportedExtensions = []string{".yaml", ".yml", ".toml", ".json"}

// Load reads configuration from path, or from labinstr.{yaml,toml,json} in
// the search paths when path is empty, and overlays LABINSTR_* environment
// variables. A missing file is an error only when path is given.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("LABINSTR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		ext := strings.ToLower(filepath.Ext(path))
		if !slices.Contains(supportedExtensions, ext) {
			return nil, fmt.Errorf("%w: config file %s: unsupported format %q", model.ErrConfiguration, path, ext)
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: error reading config file: %v", model.ErrConfiguration, err)
		}
	} else {
		v.SetConfigName("labinstr")
		for _, p := range searchPaths {
			v.AddConfigPath(p)
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("%w: error reading config file: %v", model.ErrConfiguration, err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("%w: unable to decode config: %v", model.ErrConfiguration, err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "labinstr")
	v.SetDefault("app.version", "0.1.0")
	v.SetDefault("app.debug", false)

	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8084)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.min_poll_interval", "100ms")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output", "stderr")
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age", 28)
	v.SetDefault("logging.compress", true)

	// Instrument defaults
	v.SetDefault("defaults.timeout", "2s")
	v.SetDefault("defaults.settle_delay", "150ms")
}

var (
	validLevels  = []string{"debug", "info", "warn", "error", "fatal"}
	validFormats = []string{"json", "console"}
)

// validate validates the configuration
func validate(config *Config) error {
	if !slices.Contains(validLevels, config.Logging.Level) {
		return fmt.Errorf("%w: logging.level must be one of: %v", model.ErrConfiguration, validLevels)
	}
	if !slices.Contains(validFormats, config.Logging.Format) {
		return fmt.Errorf("%w: logging.format must be one of: %v", model.ErrConfiguration, validFormats)
	}
	if config.Server.Port < 1 || config.Server.Port > 65535 {
		return fmt.Errorf("%w: server.port %d out of range", model.ErrConfiguration, config.Server.Port)
	}
	if config.Defaults.Timeout <= 0 {
		return fmt.Errorf("%w: defaults.timeout must be positive", model.ErrConfiguration)
	}

	for name, gw := range config.Gateways {
		if gw.Host == "" {
			return fmt.Errorf("%w: gateway %q has no host", model.ErrConfiguration, name)
		}
		if _, err := model.ParseGatewayFlavor(gw.Flavor); err != nil {
			return fmt.Errorf("gateway %q: %w", name, err)
		}
	}
	if config.DefaultGateway != "" {
		if _, ok := config.Gateways[strings.ToLower(config.DefaultGateway)]; !ok {
			return fmt.Errorf("%w: default_gateway %q is not defined", model.ErrConfiguration, config.DefaultGateway)
		}
	}

	table := config.AddressTable()
	for _, id := range table.IDs() {
		cfg, err := table.Lookup(id)
		if err != nil {
			return err
		}
		if err := cfg.WithDefaults().Validate(); err != nil {
			return fmt.Errorf("instrument %q: %w", id, err)
		}
	}
	return nil
}

// GetServerAddr returns the server address
func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// IsDebugEnabled checks if debug mode is enabled
func (c *Config) IsDebugEnabled() bool {
	return c.App.Debug || c.Logging.Level == "debug"
}
