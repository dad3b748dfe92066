// Package config provides configuration management for the Triplog agent.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigDir returns the default config directory (~/.triplog).
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	return filepath.Join(home, ".triplog"), nil
}

// DefaultConfigPath returns the default config file path (~/.triplog/config.yml).
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yml"), nil
}

// AgentConfig holds the device agent's configuration.
type AgentConfig struct {
	ServerURL   string `yaml:"server_url,omitempty"`
	DeviceToken string `yaml:"device_token,omitempty"`
	DeviceID    string `yaml:"device_id,omitempty"`
	// QueuePath is the sqlite file holding the offline mutation queue.
	// Defaults to queue.db next to the config file.
	QueuePath string `yaml:"queue_path,omitempty"`
	// SyncInterval is how often the background loop drains the queue.
	SyncInterval time.Duration `yaml:"sync_interval,omitempty"`
	// Listen keeps a websocket open for change pings when true.
	Listen bool `yaml:"listen,omitempty"`
}

// Validate checks that the configuration has required fields for operation.
func (c *AgentConfig) Validate() error {
	if c.ServerURL == "" {
		return errors.New("server_url is required")
	}
	if c.DeviceToken == "" {
		return errors.New("device_token is required")
	}
	return nil
}

// IsConfigured returns true if the agent has been registered with a server.
func (c *AgentConfig) IsConfigured() bool {
	return c.ServerURL != "" && c.DeviceToken != ""
}

// Load reads the configuration from the given path.
// If the file does not exist, an empty config is returned.
func Load(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &AgentConfig{}, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg AgentConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	return &cfg, nil
}

// LoadDefault loads the configuration from the default path.
func LoadDefault() (*AgentConfig, error) {
	path, err := DefaultConfigPath()
	if err != nil {
		return nil, err
	}
	return Load(path)
}

// Save writes the configuration to the given path, creating directories as needed.
func (c *AgentConfig) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	// The device token lives here; user-only permissions.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}

// SaveDefault saves the configuration to the default path.
func (c *AgentConfig) SaveDefault() error {
	path, err := DefaultConfigPath()
	if err != nil {
		return err
	}
	return c.Save(path)
}
