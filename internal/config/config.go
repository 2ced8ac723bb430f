// Package config loads the terminal's bring-up configuration: serial
// port settings, cloud endpoint, and flash paths, the way the
// personalization tools load their YAML configs.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the terminal firmware's static bring-up configuration.
type Config struct {
	PCD   PCDConfig   `yaml:"pcd"`
	Cloud CloudConfig `yaml:"cloud"`
	Flash FlashConfig `yaml:"flash"`
}

// PCDConfig names the serial port the NFC front-end is attached to.
type PCDConfig struct {
	Port     string `yaml:"port"`
	BaudRate int    `yaml:"baud_rate"`
}

// CloudConfig points at the fleet backend's websocket endpoint.
type CloudConfig struct {
	URL            string        `yaml:"url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// FlashConfig names where the factory-data sector and the device-config
// blob are persisted. Both are plain file paths; the factory-data file
// backs a flashstore.FileSector.
type FlashConfig struct {
	FactoryDataPath string `yaml:"factory_data_path"`
	DeviceConfigPath string `yaml:"device_config_path"`
}

// Load reads and validates a Config from path.
func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that every field required for bring-up is present.
func (c *Config) Validate() error {
	if c.PCD.Port == "" {
		return fmt.Errorf("config: pcd.port is required")
	}
	if c.PCD.BaudRate <= 0 {
		return fmt.Errorf("config: pcd.baud_rate must be positive")
	}
	if c.Cloud.URL == "" {
		return fmt.Errorf("config: cloud.url is required")
	}
	if c.Cloud.RequestTimeout <= 0 {
		return fmt.Errorf("config: cloud.request_timeout must be positive")
	}
	if c.Flash.FactoryDataPath == "" {
		return fmt.Errorf("config: flash.factory_data_path is required")
	}
	if c.Flash.DeviceConfigPath == "" {
		return fmt.Errorf("config: flash.device_config_path is required")
	}
	return nil
}
