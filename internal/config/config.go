// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the fieldslave configuration.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	modbus "github.com/edgeo-scada/modbus-slave"
)

// EnvPrefix prefixes environment overrides, e.g. FIELDSLAVE_LISTEN.
const EnvPrefix = "FIELDSLAVE"

// Config is the fieldslave configuration.
type Config struct {
	Listen         string        `mapstructure:"listen" yaml:"listen" validate:"required,hostname_port"`
	MaxConnections int           `mapstructure:"max_connections" yaml:"max_connections" validate:"min=1,max=1024"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout" yaml:"read_timeout" validate:"min=0"`
	FloatOrder     string        `mapstructure:"float_order" yaml:"float_order" validate:"oneof=ABCD CDAB BADC DCBA abcd cdab badc dcba"`
	Unit           uint8         `mapstructure:"unit" yaml:"unit"`

	Log     LogConfig     `mapstructure:"log" yaml:"log"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
	Gateway GatewayConfig `mapstructure:"gateway" yaml:"gateway"`
	Fields  []FieldConfig `mapstructure:"fields" yaml:"fields" validate:"dive"`
}

// LogConfig selects the log level and format.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" yaml:"format" validate:"oneof=text json"`
}

// MetricsConfig enables the Prometheus endpoint when Listen is set.
type MetricsConfig struct {
	Listen string `mapstructure:"listen" yaml:"listen" validate:"omitempty,hostname_port"`
	Path   string `mapstructure:"path" yaml:"path" validate:"startswith=/"`
}

// GatewayConfig selects a downstream master instead of the memory backend.
type GatewayConfig struct {
	Mode     string        `mapstructure:"mode" yaml:"mode" validate:"omitempty,oneof=rtu tcp"`
	Device   string        `mapstructure:"device" yaml:"device,omitempty" validate:"required_if=Mode rtu"`
	BaudRate int           `mapstructure:"baud_rate" yaml:"baud_rate" validate:"min=0"`
	DataBits int           `mapstructure:"data_bits" yaml:"data_bits" validate:"oneof=5 6 7 8"`
	StopBits int           `mapstructure:"stop_bits" yaml:"stop_bits" validate:"oneof=1 2"`
	Parity   string        `mapstructure:"parity" yaml:"parity" validate:"oneof=N E O"`
	Address  string        `mapstructure:"address" yaml:"address,omitempty" validate:"required_if=Mode tcp"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"min=0"`
}

// FieldConfig is one entry of the field registry. Value optionally seeds the
// memory backend, one textual element per array item.
type FieldConfig struct {
	Type     string   `mapstructure:"type" yaml:"type" validate:"required"`
	DataType string   `mapstructure:"data_type" yaml:"data_type" validate:"required"`
	Address  int      `mapstructure:"address" yaml:"address" validate:"min=0,max=65535"`
	Quantity int      `mapstructure:"quantity" yaml:"quantity" validate:"min=1,max=65536"`
	Value    []string `mapstructure:"value" yaml:"value,omitempty"`
}

var validate = validator.New()

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", fmt.Sprintf(":%d", modbus.DefaultPort))
	v.SetDefault("max_connections", modbus.DefaultMaxConnections)
	v.SetDefault("read_timeout", 0)
	v.SetDefault("float_order", modbus.ABCD.String())
	v.SetDefault("unit", 0)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("metrics.listen", "")
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("gateway.mode", "")
	v.SetDefault("gateway.baud_rate", 19200)
	v.SetDefault("gateway.data_bits", 8)
	v.SetDefault("gateway.stop_bits", 1)
	v.SetDefault("gateway.parity", "E")
	v.SetDefault("gateway.timeout", time.Second)
}

// New returns a viper instance with defaults and environment overrides.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path, if set, and decodes the result into a validated Config.
func Load(path string) (*Config, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	return Decode(v)
}

// Read decodes YAML from r into a validated Config.
func Read(r io.Reader) (*Config, error) {
	v := New()
	if err := v.ReadConfig(r); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	return Decode(v)
}

// Decode unmarshals v into a validated Config.
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the struct tags and that the fields form a legal registry.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := c.Registry(); err != nil {
		return err
	}
	if _, err := c.Seeds(); err != nil {
		return err
	}
	return nil
}

// Field converts the entry to a modbus.Field.
func (f FieldConfig) Field() (modbus.Field, error) {
	rt, err := modbus.ParseRegisterType(f.Type)
	if err != nil {
		return modbus.Field{}, err
	}
	dt, err := modbus.ParseDataType(f.DataType)
	if err != nil {
		return modbus.Field{}, err
	}
	return modbus.NewField(rt, dt, f.Address, f.Quantity), nil
}

// Registry builds the validated field registry.
func (c *Config) Registry() (*modbus.FieldRegistry, error) {
	fields := make([]modbus.Field, 0, len(c.Fields))
	for i, fc := range c.Fields {
		f, err := fc.Field()
		if err != nil {
			return nil, fmt.Errorf("config: fields[%d]: %w", i, err)
		}
		fields = append(fields, f)
	}
	r := modbus.NewFieldRegistry(fields...)
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return r, nil
}

// Seeds returns the initial value of every field that has one.
func (c *Config) Seeds() (map[modbus.Field]any, error) {
	seeds := make(map[modbus.Field]any)
	for i, fc := range c.Fields {
		if len(fc.Value) == 0 {
			continue
		}
		f, err := fc.Field()
		if err != nil {
			return nil, fmt.Errorf("config: fields[%d]: %w", i, err)
		}
		value, err := modbus.ParseValue(f.DataType, fc.Value)
		if err != nil {
			return nil, fmt.Errorf("config: fields[%d] value: %w", i, err)
		}
		seeds[f] = value
	}
	return seeds, nil
}

// FloatEncoder returns the configured float word order.
func (c *Config) FloatEncoder() modbus.FloatOrder {
	order, err := modbus.ParseFloatOrder(c.FloatOrder)
	if err != nil {
		return modbus.ABCD
	}
	return order
}

// ServerOptions returns the options for the slave engine.
func (c *Config) ServerOptions(logger *slog.Logger) []modbus.ServerOption {
	opts := []modbus.ServerOption{
		modbus.WithServerLogger(logger),
		modbus.WithMaxConnections(c.MaxConnections),
		modbus.WithReadTimeout(c.ReadTimeout),
		modbus.WithServerFloatOrder(c.FloatEncoder()),
	}
	if c.Unit != 0 {
		opts = append(opts, modbus.WithUnitFilter(modbus.UnitID(c.Unit)))
	}
	return opts
}

// Marshal renders the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// NewLogger creates the logger described by lc.
func NewLogger(lc LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch lc.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if lc.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
