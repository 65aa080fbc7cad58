// Package config holds the runtime configuration of the peripheral:
// defaults from struct tags, an optional YAML file on top, and command
// line flags applied last by the CLI.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/gyrolink/internal/peripheral"
	"github.com/srg/gyrolink/internal/sampling"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	DeviceName         string `yaml:"device_name" default:"GyroData"`
	ServiceUUID        string `yaml:"service_uuid" default:"0000a000-0000-1000-8000-00805f9b34fb"`
	CharacteristicUUID string `yaml:"characteristic_uuid" default:"0000a001-0000-1000-8000-00805f9b34fb"`
	LogLevel           string `yaml:"log_level" default:"info"`

	SampleRate time.Duration `yaml:"sample_rate" default:"50ms"`
	Source     string        `yaml:"source" default:"synthetic"`

	RefreshTimeout  time.Duration `yaml:"refresh_timeout" default:"5s"`
	AdvertiseSettle time.Duration `yaml:"advertise_settle" default:"200ms"`

	// Deny lists capabilities to withhold (advertise, connect, notify)
	Deny []string `yaml:"deny"`

	PTYMirror       bool   `yaml:"pty_mirror" default:"false"`
	PTYBuffer       int    `yaml:"pty_buffer" default:"4096"`
	TransformScript string `yaml:"transform_script"`
	UpdateBuffer    int    `yaml:"update_buffer" default:"16"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file over the defaults and validates the result.
// Unknown keys are rejected.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()

	cfg, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Decode reads YAML from r over the defaults and validates the result
func Decode(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every field and reports all problems at once
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.DeviceName) == "" {
		errs = append(errs, errors.New("device_name must not be empty"))
	}
	if _, err := peripheral.NewServiceDescriptor(c.ServiceUUID, c.CharacteristicUUID); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	if _, err := sampling.ParseKind(c.Source); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.DeniedOperations(); err != nil {
		errs = append(errs, err)
	}

	for name, d := range map[string]time.Duration{
		"sample_rate":     c.SampleRate,
		"refresh_timeout": c.RefreshTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.AdvertiseSettle < 0 {
		errs = append(errs, fmt.Errorf("advertise_settle must not be negative, got %s", c.AdvertiseSettle))
	}
	if c.PTYBuffer <= 0 {
		errs = append(errs, fmt.Errorf("pty_buffer must be positive, got %d", c.PTYBuffer))
	}
	if c.UpdateBuffer <= 0 {
		errs = append(errs, fmt.Errorf("update_buffer must be positive, got %d", c.UpdateBuffer))
	}

	return errors.Join(errs...)
}

// Level parses LogLevel
func (c *Config) Level() (logrus.Level, error) {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel, fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	return lvl, nil
}

// Descriptor returns the GATT topology built from the configured UUIDs
func (c *Config) Descriptor() (peripheral.ServiceDescriptor, error) {
	return peripheral.NewServiceDescriptor(c.ServiceUUID, c.CharacteristicUUID)
}

// DeniedOperations parses Deny
func (c *Config) DeniedOperations() ([]peripheral.Operation, error) {
	ops := make([]peripheral.Operation, 0, len(c.Deny))
	for _, name := range c.Deny {
		op, err := peripheral.ParseOperation(name)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// Capabilities returns a capability set with Deny applied
func (c *Config) Capabilities() (*peripheral.CapabilitySet, error) {
	ops, err := c.DeniedOperations()
	if err != nil {
		return nil, err
	}
	return peripheral.NewCapabilitySet(ops...), nil
}

// dumpView mirrors Config with durations in their string form
type dumpView struct {
	DeviceName         string   `yaml:"device_name"`
	ServiceUUID        string   `yaml:"service_uuid"`
	CharacteristicUUID string   `yaml:"characteristic_uuid"`
	LogLevel           string   `yaml:"log_level"`
	SampleRate         string   `yaml:"sample_rate"`
	Source             string   `yaml:"source"`
	RefreshTimeout     string   `yaml:"refresh_timeout"`
	AdvertiseSettle    string   `yaml:"advertise_settle"`
	Deny               []string `yaml:"deny,flow"`
	PTYMirror          bool     `yaml:"pty_mirror"`
	PTYBuffer          int      `yaml:"pty_buffer"`
	TransformScript    string   `yaml:"transform_script"`
	UpdateBuffer       int      `yaml:"update_buffer"`
}

// Dump renders the effective configuration as YAML that Load accepts back
func (c *Config) Dump() (string, error) {
	view := dumpView{
		DeviceName:         c.DeviceName,
		ServiceUUID:        c.ServiceUUID,
		CharacteristicUUID: c.CharacteristicUUID,
		LogLevel:           c.LogLevel,
		SampleRate:         c.SampleRate.String(),
		Source:             c.Source,
		RefreshTimeout:     c.RefreshTimeout.String(),
		AdvertiseSettle:    c.AdvertiseSettle.String(),
		Deny:               append([]string{}, c.Deny...),
		PTYMirror:          c.PTYMirror,
		PTYBuffer:          c.PTYBuffer,
		TransformScript:    c.TransformScript,
		UpdateBuffer:       c.UpdateBuffer,
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(view); err != nil {
		return "", fmt.Errorf("failed to encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("failed to encode config: %w", err)
	}
	return buf.String(), nil
}

// NewLogger creates a configured logger instance. An invalid level falls
// back to info; Validate reports it.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	lvl, _ := c.Level()
	logger.SetLevel(lvl)

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
