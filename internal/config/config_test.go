package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const sampleConfig = `
addr: ":9090"
tasks:
  retry_delay: 2s
servers:
  - id: main
    url: http://rocket.local
    external_url: https://chat.example.com
    external_token: srv-token
    secret_token: hook-secret
connectors:
  - id: wa1
    name: WA Sales
    type: waautomate
    server: main
    external_token: conn-token
    department: sales
    managers: [alice, bob]
    managers_channels: ["#ops"]
    options:
      open_room: false
      check_room_open: true
      timezone: UTC
      supress_agent_name: "*"
      ignore_visitors_token: "whatsapp:1@c.us, whatsapp:2@c.us"
      welcome_vcard:
        contact: "5531000000000@c.us"
`

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(sampleConfig), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	logger := zerolog.New(nil)
	cfg, resolved, err := Load(&logger, path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if resolved != path {
		t.Errorf("expected path %s, got %s", path, resolved)
	}
	if cfg.Addr != ":9090" {
		t.Errorf("expected addr :9090, got %s", cfg.Addr)
	}
	if cfg.Tasks.RetryDelay != 2*time.Second {
		t.Errorf("expected retry delay 2s, got %s", cfg.Tasks.RetryDelay)
	}
	if cfg.Tasks.MaxAttempts != 7 {
		t.Errorf("expected default max attempts 7, got %d", cfg.Tasks.MaxAttempts)
	}

	if len(cfg.Connectors) != 1 || cfg.Connectors[0].ExternalToken != "conn-token" {
		t.Fatalf("unexpected connectors %+v", cfg.Connectors)
	}
	conn := cfg.Connectors[0]
	if conn.Options.RoomsEnabled() {
		t.Error("expected open_room=false to disable rooms")
	}
	if !conn.Options.DescriptionAsMessage() {
		t.Error("expected description-as-message to default to true")
	}
	if !conn.Options.SuppressesAgent("anyone") {
		t.Error("expected * to suppress every agent")
	}
	if !conn.Options.IgnoresVisitor("whatsapp:2@c.us") {
		t.Error("expected token from ignore list to be ignored")
	}
	if !conn.Options.CheckRoomOpen || conn.Options.Location() != "UTC" {
		t.Errorf("unexpected room check or timezone: %+v", conn.Options)
	}
	if !conn.Options.HasWelcomeVCard() {
		t.Error("expected welcome vcard to be loaded")
	}

	srv, ok := cfg.ServerByToken("srv-token")
	if !ok || srv.PublicURL() != "https://chat.example.com" {
		t.Errorf("unexpected server lookup result: %+v", srv)
	}
}

func TestLoadWritesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg, _, err := Load(nil, path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected default config to be written: %v", err)
	}
	if cfg.Database.Driver != "sqlite3" {
		t.Errorf("expected sqlite3 driver by default, got %s", cfg.Database.Driver)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name: "unknown server",
			cfg: Config{
				Servers:    []ServerConfig{{ID: "a", URL: "http://a"}},
				Connectors: []ConnectorConfig{{ID: "c", ExternalToken: "t", Server: "b"}},
			},
			wantErr: true,
		},
		{
			name: "duplicate connector token",
			cfg: Config{
				Servers: []ServerConfig{{ID: "a", URL: "http://a"}},
				Connectors: []ConnectorConfig{
					{ID: "c1", ExternalToken: "t", Server: "a"},
					{ID: "c2", ExternalToken: "t", Server: "a"},
				},
			},
			wantErr: true,
		},
		{
			name: "valid",
			cfg: Config{
				Servers:    []ServerConfig{{ID: "a", URL: "http://a"}},
				Connectors: []ConnectorConfig{{ID: "c", ExternalToken: "t", Server: "a"}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSuppressesAgentList(t *testing.T) {
	opts := ConnectorOptions{SupressAgentName: "bot,helper"}
	if !opts.SuppressesAgent("helper") {
		t.Error("expected helper to be suppressed")
	}
	if opts.SuppressesAgent("alice") {
		t.Error("alice should not be suppressed")
	}
}
