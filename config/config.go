// Package config loads the bridge configuration from YAML with environment
// overrides for the switches that matter in deployment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Broker     BrokerConfig     `yaml:"broker"`
	API        APIConfig        `yaml:"api"`
	Auth       AuthConfig       `yaml:"auth"`
	Registry   RegistryConfig   `yaml:"registry"`
	Wake       WakeConfig       `yaml:"wake"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Discovery  DiscoveryConfig  `yaml:"discovery"`
	Logging    LoggingConfig    `yaml:"logging"`
	MCP        MCPConfig        `yaml:"mcp"`
}

type BrokerConfig struct {
	WSAddr             string `yaml:"ws_addr"`
	TCPAddr            string `yaml:"tcp_addr"` // empty disables the TCP listener
	MaxClients         int    `yaml:"max_clients"`
	IdleTimeout        int    `yaml:"idle_timeout"`        // seconds; 0 disables keepalive enforcement
	RedeliveryInterval int    `yaml:"redelivery_interval"` // seconds
	RedeliveryAttempts int    `yaml:"redelivery_attempts"`
}

type APIConfig struct {
	Addr string `yaml:"addr"`
}

type AuthConfig struct {
	// The two enforcement switches select the real or allow-all
	// implementations. Disabling either is for local development only.
	EnforceAuthentication bool `yaml:"enforce_authentication"`
	EnforceAuthorization  bool `yaml:"enforce_authorization"`

	Timeout         int    `yaml:"timeout"` // seconds, bound on identity/registry round trips
	CredentialsFile string `yaml:"credentials_file"`
	DevUserID       string `yaml:"dev_user_id"` // identity handed out when authentication is not enforced
}

type RegistryConfig struct {
	Backend     string `yaml:"backend"` // "sqlite" or "memory"
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"` // seconds
}

type WakeConfig struct {
	Enabled bool `yaml:"enabled"`
	Timeout int  `yaml:"timeout"` // seconds, bound on one wake attempt
}

type SupervisorConfig struct {
	MaxRestarts int `yaml:"max_restarts"`
}

type DiscoveryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Instance string `yaml:"instance"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
}

type MCPConfig struct {
	Enabled bool `yaml:"enabled"`
}

func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			WSAddr:             "0.0.0.0:8883",
			TCPAddr:            "",
			MaxClients:         64,
			IdleTimeout:        90,
			RedeliveryInterval: 5,
			RedeliveryAttempts: 5,
		},
		API: APIConfig{Addr: "0.0.0.0:3000"},
		Auth: AuthConfig{
			EnforceAuthentication: true,
			EnforceAuthorization:  true,
			Timeout:               5,
			DevUserID:             "User-1234",
		},
		Registry: RegistryConfig{
			Backend:     "sqlite",
			Path:        "data/devices.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Wake:       WakeConfig{Enabled: true, Timeout: 10},
		Supervisor: SupervisorConfig{MaxRestarts: 10},
		Discovery:  DiscoveryConfig{Enabled: false, Instance: "smsbridge"},
		Logging:    LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads the config file (optional), applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	overrides := []struct {
		key    string
		target *bool
	}{
		{"SMSBRIDGE_ENFORCE_AUTHENTICATION", &c.Auth.EnforceAuthentication},
		{"SMSBRIDGE_ENFORCE_AUTHORIZATION", &c.Auth.EnforceAuthorization},
		{"SMSBRIDGE_WAKE_ENABLED", &c.Wake.Enabled},
		{"SMSBRIDGE_DISCOVERY_ENABLED", &c.Discovery.Enabled},
	}
	for _, o := range overrides {
		val, ok := os.LookupEnv(o.key)
		if !ok {
			continue
		}
		parsed, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", o.key, err)
		}
		*o.target = parsed
	}

	if addr, ok := os.LookupEnv("SMSBRIDGE_WS_ADDR"); ok {
		c.Broker.WSAddr = addr
	}
	if addr, ok := os.LookupEnv("SMSBRIDGE_API_ADDR"); ok {
		c.API.Addr = addr
	}
	if creds, ok := os.LookupEnv("GOOGLE_APPLICATION_CREDENTIALS"); ok && c.Auth.CredentialsFile == "" {
		c.Auth.CredentialsFile = creds
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Broker.WSAddr == "" {
		return fmt.Errorf("broker.ws_addr must be set")
	}
	if c.Registry.Backend != "sqlite" && c.Registry.Backend != "memory" {
		return fmt.Errorf("registry.backend must be \"sqlite\" or \"memory\", got %q", c.Registry.Backend)
	}
	if c.Registry.Backend == "sqlite" && c.Registry.Path == "" {
		return fmt.Errorf("registry.path must be set for the sqlite backend")
	}
	if c.Supervisor.MaxRestarts < 0 {
		return fmt.Errorf("supervisor.max_restarts must not be negative")
	}
	return nil
}

func (c *Config) AuthTimeout() time.Duration {
	return time.Duration(c.Auth.Timeout) * time.Second
}

func (c *Config) WakeTimeout() time.Duration {
	return time.Duration(c.Wake.Timeout) * time.Second
}

func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Broker.IdleTimeout) * time.Second
}
