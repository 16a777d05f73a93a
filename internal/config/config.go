package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds service configuration values.
type Config struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	// WebhookRateLimit caps webhook requests per token per minute; 0 disables it.
	WebhookRateLimit  int           `mapstructure:"webhook_rate_limit" yaml:"webhook_rate_limit"`

	Log         LogConfig         `mapstructure:"log" yaml:"log"`
	Database    DatabaseConfig    `mapstructure:"database" yaml:"database"`
	Admin       AdminConfig       `mapstructure:"admin" yaml:"admin"`
	Tasks       TasksConfig       `mapstructure:"tasks" yaml:"tasks"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance" yaml:"maintenance"`

	Servers    []ServerConfig    `mapstructure:"servers" yaml:"servers"`
	Connectors []ConnectorConfig `mapstructure:"connectors" yaml:"connectors"`
}

// LogConfig controls the zerolog output.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"` // console or json
}

// DatabaseConfig selects the SQL backend.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver"` // sqlite3 or postgres
	DSN    string `mapstructure:"dsn" yaml:"dsn"`
}

// AdminConfig configures bearer-token access to the admin API.
type AdminConfig struct {
	JWTSecret   string `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	JWTIssuer   string `mapstructure:"jwt_issuer" yaml:"jwt_issuer"`
	JWTAudience string `mapstructure:"jwt_audience" yaml:"jwt_audience"`
}

// TasksConfig sizes the worker pool and the retry policy for units of work.
type TasksConfig struct {
	Workers     int           `mapstructure:"workers" yaml:"workers"`
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	RetryDelay  time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
}

// MaintenanceConfig controls the periodic room sync run by `serve`.
// A zero interval disables it.
type MaintenanceConfig struct {
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
}

// ServerConfig describes one livechat backend instance.
type ServerConfig struct {
	ID            string `mapstructure:"id" yaml:"id"`
	URL           string `mapstructure:"url" yaml:"url"`
	ExternalURL   string `mapstructure:"external_url" yaml:"external_url"`
	ExternalToken string `mapstructure:"external_token" yaml:"external_token"`
	SecretToken   string `mapstructure:"secret_token" yaml:"secret_token"`
	AdminUserID   string `mapstructure:"admin_user_id" yaml:"admin_user_id"`
	AdminToken    string `mapstructure:"admin_token" yaml:"admin_token"`
	BotUserID     string `mapstructure:"bot_user_id" yaml:"bot_user_id"`
	BotToken      string `mapstructure:"bot_token" yaml:"bot_token"`
}

// PublicURL is the URL used in links handed to humans.
func (s ServerConfig) PublicURL() string {
	if s.ExternalURL != "" {
		return s.ExternalURL
	}
	return s.URL
}

// ConnectorConfig binds one channel account to a livechat server.
type ConnectorConfig struct {
	ID               string           `mapstructure:"id" yaml:"id"`
	Name             string           `mapstructure:"name" yaml:"name"`
	ExternalToken    string           `mapstructure:"external_token" yaml:"external_token"`
	Type             string           `mapstructure:"type" yaml:"type"`
	Server           string           `mapstructure:"server" yaml:"server"`
	Department       string           `mapstructure:"department" yaml:"department"`
	Managers         []string         `mapstructure:"managers" yaml:"managers"`
	ManagersChannels []string         `mapstructure:"managers_channels" yaml:"managers_channels"`
	Disabled         bool             `mapstructure:"disabled" yaml:"disabled"`
	Options          ConnectorOptions `mapstructure:"options" yaml:"options"`
	Channel          ChannelConfig    `mapstructure:"channel" yaml:"channel"`
}

// ChannelConfig holds settings for the channel variant named by ConnectorConfig.Type.
type ChannelConfig struct {
	Endpoint  string        `mapstructure:"endpoint" yaml:"endpoint"`
	APIKey    string        `mapstructure:"api_key" yaml:"api_key"`
	Secret    string        `mapstructure:"secret" yaml:"secret"`
	Namespace string        `mapstructure:"namespace" yaml:"namespace"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		Addr:              ":8080",
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   5 * time.Second,
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Database: DatabaseConfig{
			Driver: "sqlite3",
			DSN:    "connect.db",
		},
		Tasks: TasksConfig{
			Workers:     8,
			MaxAttempts: 7,
			RetryDelay:  5 * time.Second,
		},
		Maintenance: MaintenanceConfig{
			Interval: 10 * time.Minute,
		},
	}
}

// Validate checks cross references between servers and connectors.
func (c *Config) Validate() error {
	servers := make(map[string]bool, len(c.Servers))
	for _, s := range c.Servers {
		if s.ID == "" {
			return errors.New("server without id")
		}
		if servers[s.ID] {
			return fmt.Errorf("duplicate server id %q", s.ID)
		}
		if s.URL == "" {
			return fmt.Errorf("server %q: url is required", s.ID)
		}
		servers[s.ID] = true
	}

	seen := make(map[string]bool, len(c.Connectors))
	tokens := make(map[string]bool, len(c.Connectors))
	for _, conn := range c.Connectors {
		if conn.ID == "" {
			return errors.New("connector without id")
		}
		if seen[conn.ID] {
			return fmt.Errorf("duplicate connector id %q", conn.ID)
		}
		seen[conn.ID] = true
		if conn.ExternalToken == "" {
			return fmt.Errorf("connector %q: external_token is required", conn.ID)
		}
		if tokens[conn.ExternalToken] {
			return fmt.Errorf("connector %q: external_token already in use", conn.ID)
		}
		tokens[conn.ExternalToken] = true
		if !servers[conn.Server] {
			return fmt.Errorf("connector %q: unknown server %q", conn.ID, conn.Server)
		}
	}
	return nil
}

// ServerByID returns the server with the given id.
func (c *Config) ServerByID(id string) (ServerConfig, bool) {
	for _, s := range c.Servers {
		if s.ID == id {
			return s, true
		}
	}
	return ServerConfig{}, false
}

// ServerByToken returns the server whose external token matches.
func (c *Config) ServerByToken(token string) (ServerConfig, bool) {
	for _, s := range c.Servers {
		if s.ExternalToken != "" && s.ExternalToken == token {
			return s, true
		}
	}
	return ServerConfig{}, false
}

// ConnectorsForServer lists connectors bound to a server.
func (c *Config) ConnectorsForServer(serverID string) []ConnectorConfig {
	var out []ConnectorConfig
	for _, conn := range c.Connectors {
		if conn.Server == serverID {
			out = append(out, conn)
		}
	}
	return out
}
