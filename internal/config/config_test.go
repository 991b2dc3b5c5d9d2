package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

func validConfig() Config {
	return Config{
		Realms: []RealmConfig{{Name: "com.example.realm"}},
		Listeners: ListenersConfig{
			WebSocket: []EndpointConfig{{Addr: "127.0.0.1:8080"}},
		},
	}
}

func TestConfig_SetDefaults(t *testing.T) {
	t.Parallel()

	var cfg Config
	cfg.SetDefaults()

	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
}

func TestConfig_SetDefaults_PreservesExistingValues(t *testing.T) {
	t.Parallel()

	cfg := Config{LogLevel: "debug"}
	cfg.SetDefaults()

	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel was overwritten: got %q, want %q", cfg.LogLevel, "debug")
	}
}

func TestConfig_SetDefaults_UnixTransport(t *testing.T) {
	t.Parallel()

	cfg := Config{
		Listeners: ListenersConfig{
			Unix: []UnixEndpointConfig{
				{Path: "/tmp/a.sock"},
				{Path: "/tmp/b.sock", Transport: "websocket"},
			},
		},
	}
	cfg.SetDefaults()

	if got := cfg.Listeners.Unix[0].Transport; got != "rawsocket" {
		t.Errorf("Unix[0].Transport default: got %q, want %q", got, "rawsocket")
	}
	if got := cfg.Listeners.Unix[1].Transport; got != "websocket" {
		t.Errorf("Unix[1].Transport was overwritten: got %q, want %q", got, "websocket")
	}
}

func TestConfig_Validate_Valid(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

func TestConfig_Validate_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "no realms",
			mutate:  func(c *Config) { c.Realms = nil },
			wantErr: "Realms",
		},
		{
			name:    "invalid realm uri",
			mutate:  func(c *Config) { c.Realms[0].Name = "com..realm" },
			wantErr: "dot-separated URI",
		},
		{
			name: "duplicate realm",
			mutate: func(c *Config) {
				c.Realms = append(c.Realms, RealmConfig{Name: "com.example.realm"})
			},
			wantErr: "duplicate realm",
		},
		{
			name:    "no listeners",
			mutate:  func(c *Config) { c.Listeners = ListenersConfig{} },
			wantErr: "at least one listener",
		},
		{
			name: "bad listener addr",
			mutate: func(c *Config) {
				c.Listeners.WebSocket[0].Addr = "no-port"
			},
			wantErr: "host:port",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.LogLevel = "verbose" },
			wantErr: "one of",
		},
		{
			name: "unix listener without path",
			mutate: func(c *Config) {
				c.Listeners.Unix = []UnixEndpointConfig{{Transport: "rawsocket"}}
			},
			wantErr: "required",
		},
		{
			name: "unix listener bad transport",
			mutate: func(c *Config) {
				c.Listeners.Unix = []UnixEndpointConfig{{Path: "/tmp/x.sock", Transport: "http"}}
			},
			wantErr: "one of",
		},
		{
			name:    "bad metrics addr",
			mutate:  func(c *Config) { c.Metrics.Addr = "nope" },
			wantErr: "host:port",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := validConfig()
			tt.mutate(&cfg)
			cfg.SetDefaults()

			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %q, want substring %q", err.Error(), tt.wantErr)
			}
		})
	}
}

// Uses the global viper state, so it cannot run in parallel.
func TestLoad_FromYAMLFile(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	cfgPath := filepath.Join(t.TempDir(), "wampgate.yaml")
	raw, err := yaml.Marshal(map[string]any{
		"log_level": "debug",
		"realms":    []map[string]any{{"name": "com.example.realm"}},
		"listeners": map[string]any{
			"rawsocket": []map[string]any{{"addr": "127.0.0.1:18082"}},
			"unix":      []map[string]any{{"path": "/tmp/wampgate.sock"}},
		},
		"metrics": map[string]any{"addr": "127.0.0.1:19090"},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(cfgPath, raw, 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
	if len(cfg.Realms) != 1 || cfg.Realms[0].Name != "com.example.realm" {
		t.Errorf("Realms = %+v, want one com.example.realm", cfg.Realms)
	}
	if len(cfg.Listeners.RawSocket) != 1 || cfg.Listeners.RawSocket[0].Addr != "127.0.0.1:18082" {
		t.Errorf("RawSocket = %+v", cfg.Listeners.RawSocket)
	}
	if got := cfg.Listeners.Unix[0].Transport; got != "rawsocket" {
		t.Errorf("Unix transport default = %q, want rawsocket", got)
	}
	if cfg.Metrics.Addr != "127.0.0.1:19090" {
		t.Errorf("Metrics.Addr = %q", cfg.Metrics.Addr)
	}
}

func TestLoad_MissingFileFails(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	if _, err := Load(filepath.Join(t.TempDir(), "wampgate.yaml")); err == nil {
		t.Error("Load succeeded with no config file")
	}
}

func TestFindConfigFileInPaths_EmptyDir(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	got := findConfigFileInPaths([]string{dir})
	if got != "" {
		t.Errorf("findConfigFileInPaths(empty dir) = %q, want empty", got)
	}
}

func TestFindConfigFileInPaths_MatchesYAML(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "wampgate.yaml")
	_ = os.WriteFile(cfgPath, []byte("log_level: debug\n"), 0644)

	got := findConfigFileInPaths([]string{dir})
	if got != cfgPath {
		t.Errorf("findConfigFileInPaths = %q, want %q", got, cfgPath)
	}
}

func TestFindConfigFileInPaths_PrefersYAMLOverYML(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "wampgate.yaml")
	ymlPath := filepath.Join(dir, "wampgate.yml")
	_ = os.WriteFile(yamlPath, []byte("log_level: info\n"), 0644)
	_ = os.WriteFile(ymlPath, []byte("log_level: debug\n"), 0644)

	got := findConfigFileInPaths([]string{dir})
	if got != yamlPath {
		t.Errorf("findConfigFileInPaths = %q, want %q (.yaml preferred)", got, yamlPath)
	}
}

func TestFindConfigFileInPaths_IgnoresNoExtension(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	// Simulate the binary: a file named "wampgate" with no extension
	_ = os.WriteFile(filepath.Join(dir, "wampgate"), []byte("\x7fELF binary"), 0755)

	got := findConfigFileInPaths([]string{dir})
	if got != "" {
		t.Errorf("findConfigFileInPaths matched binary = %q, want empty", got)
	}
}
