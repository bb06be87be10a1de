package graphlet

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ozanturksever/go-graphlet/link"
)

const (
	DefaultUnresponsiveThreshold = 1
	DefaultHeartbeatInterval     = 10 * time.Second
	DefaultMetricsAddr           = ":9090"
)

// Role describes what a node does in the cluster. It is announced when a
// component connects.
type Role string

const (
	RoleComponent Role = "COMPONENT"
	RoleOrator    Role = "ORATOR"
)

// Config configures a Manager.
type Config struct {
	// Name is the component's unique name in the cluster.
	Name string
	Role Role

	Link     link.Link
	Registry ComponentRegistry

	// UnresponsiveThreshold is the number of consecutive exchange timeouts
	// after which a peer is reported unresponsive.
	UnresponsiveThreshold int

	// EventBuffer is the channel capacity of every event subscription.
	EventBuffer int

	Logger  *slog.Logger
	Metrics *Metrics
}

func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("Name is required")
	}
	if c.Link == nil {
		return fmt.Errorf("Link is required")
	}
	if c.UnresponsiveThreshold < 0 {
		return fmt.Errorf("UnresponsiveThreshold must not be negative")
	}
	if c.EventBuffer < 0 {
		return fmt.Errorf("EventBuffer must not be negative")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Role == "" {
		c.Role = RoleComponent
	}
	if c.Registry == nil {
		c.Registry = NewRegistry()
	}
	if c.UnresponsiveThreshold == 0 {
		c.UnresponsiveThreshold = DefaultUnresponsiveThreshold
	}
	if c.EventBuffer == 0 {
		c.EventBuffer = DefaultEventBuffer
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// OratorConfig configures an Orator.
type OratorConfig struct {
	Link     link.Link
	Registry ComponentRegistry

	// HeartbeatInterval is how often every member is pinged.
	HeartbeatInterval time.Duration

	Logger  *slog.Logger
	Metrics *Metrics
}

func (c *OratorConfig) Validate() error {
	if c.Link == nil {
		return fmt.Errorf("Link is required")
	}
	if c.HeartbeatInterval < 0 {
		return fmt.Errorf("HeartbeatInterval must not be negative")
	}
	return nil
}

func (c *OratorConfig) applyDefaults() {
	if c.Registry == nil {
		c.Registry = NewRegistry()
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// FileConfig is the configuration file format of the graphlet binary.
type FileConfig struct {
	ClusterID   string              `json:"clusterId"`
	NATS        NATSFileConfig      `json:"nats"`
	Component   ComponentFileConfig `json:"component,omitempty"`
	Orator      OratorFileConfig    `json:"orator,omitempty"`
	Exchange    ExchangeFileConfig  `json:"exchange,omitempty"`
	MetricsAddr string              `json:"metricsAddr,omitempty"`
}

// NATSFileConfig contains NATS connection settings.
type NATSFileConfig struct {
	Servers     []string `json:"servers"`
	Credentials string   `json:"credentials,omitempty"`
}

// ComponentFileConfig describes the local component.
type ComponentFileConfig struct {
	Name       string `json:"name,omitempty"`
	Port       int    `json:"port,omitempty"`
	Role       Role   `json:"role,omitempty"`
	SchemaFile string `json:"schemaFile,omitempty"`
}

// OratorFileConfig contains orator settings.
type OratorFileConfig struct {
	Port                int   `json:"port,omitempty"`
	HeartbeatIntervalMs int64 `json:"heartbeatIntervalMs,omitempty"`
}

// ExchangeFileConfig contains request/response settings.
type ExchangeFileConfig struct {
	TimeoutMs             int64 `json:"timeoutMs,omitempty"`
	UnresponsiveThreshold int   `json:"unresponsiveThreshold,omitempty"`
}

// LoadConfigFromFile loads configuration from a JSON file.
func LoadConfigFromFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg FileConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &cfg, nil
}

// WriteConfigToFile writes the configuration to a JSON file.
func WriteConfigToFile(cfg *FileConfig, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// ApplyDefaults fills unset fields with default values.
func (c *FileConfig) ApplyDefaults() {
	if c.Component.Role == "" {
		c.Component.Role = RoleComponent
	}
	if c.Orator.HeartbeatIntervalMs == 0 {
		c.Orator.HeartbeatIntervalMs = DefaultHeartbeatInterval.Milliseconds()
	}
	if c.Exchange.TimeoutMs == 0 {
		c.Exchange.TimeoutMs = link.DefaultExchangeTimeout.Milliseconds()
	}
	if c.Exchange.UnresponsiveThreshold == 0 {
		c.Exchange.UnresponsiveThreshold = DefaultUnresponsiveThreshold
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = DefaultMetricsAddr
	}
}

// Validate checks the settings every graphlet process needs.
func (c *FileConfig) Validate() error {
	if c.ClusterID == "" {
		return fmt.Errorf("clusterId is required")
	}
	if len(c.NATS.Servers) == 0 {
		return fmt.Errorf("at least one NATS server is required")
	}
	if c.Exchange.TimeoutMs < 0 {
		return fmt.Errorf("exchange timeout must not be negative")
	}
	return nil
}

// ValidateComponent additionally checks the local component settings.
func (c *FileConfig) ValidateComponent() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Component.Name == "" {
		return fmt.Errorf("component name is required")
	}
	if c.Component.Port <= 0 {
		return fmt.Errorf("component port must be positive")
	}
	return nil
}

// ExchangeTimeout returns the exchange window as a duration.
func (c *FileConfig) ExchangeTimeout() time.Duration {
	return time.Duration(c.Exchange.TimeoutMs) * time.Millisecond
}

// HeartbeatInterval returns the orator heartbeat interval as a duration.
func (c *FileConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.Orator.HeartbeatIntervalMs) * time.Millisecond
}

// ComponentLinkConfig converts the file config into a link config for the
// local component.
func (c *FileConfig) ComponentLinkConfig(logger *slog.Logger) link.Config {
	return link.Config{
		ClusterID:       c.ClusterID,
		Port:            c.Component.Port,
		ExchangeTimeout: c.ExchangeTimeout(),
		NATSCredentials: c.NATS.Credentials,
		Logger:          logger,
	}
}

// OratorLinkConfig converts the file config into a link config for the orator.
func (c *FileConfig) OratorLinkConfig(logger *slog.Logger) link.Config {
	return link.Config{
		ClusterID:       c.ClusterID,
		Port:            c.Orator.Port,
		Orator:          true,
		ExchangeTimeout: c.ExchangeTimeout(),
		NATSCredentials: c.NATS.Credentials,
		Logger:          logger,
	}
}
