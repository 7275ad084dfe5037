package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// GameServer holds all configuration for the game session server.
type GameServer struct {
	// Network
	BindAddress   string `yaml:"bind_address"`
	Port          int    `yaml:"port"`
	WSPath        string `yaml:"ws_path"`
	SendQueueSize int    `yaml:"send_queue_size"`
	ReadLimit     int64  `yaml:"read_limit"` // bytes

	// Logging
	LogLevel string `yaml:"log_level"`

	Engine  EngineConfig  `yaml:"engine"`
	Token   TokenConfig   `yaml:"token"`
	TLS     TLSConfig     `yaml:"tls"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// MatchServer holds all configuration for the matchmaking server.
type MatchServer struct {
	// Network
	BindAddress   string `yaml:"bind_address"`
	Port          int    `yaml:"port"`
	WSPath        string `yaml:"ws_path"`
	SendQueueSize int    `yaml:"send_queue_size"`
	ReadLimit     int64  `yaml:"read_limit"` // bytes

	// Logging
	LogLevel string `yaml:"log_level"`

	// Matchmaking
	MatchPeriodMS int `yaml:"match_period_ms"`

	Engine  EngineConfig  `yaml:"engine"`
	Token   TokenConfig   `yaml:"token"`
	TLS     TLSConfig     `yaml:"tls"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// EngineConfig holds session engine parameters.
type EngineConfig struct {
	TickPeriodMS      int `yaml:"tick_period_ms"`
	ArchiveRetentionS int `yaml:"archive_retention_s"`
	Workers           int `yaml:"workers"`
	TickWorkers       int `yaml:"tick_workers"`
	QueueCapacity     int `yaml:"queue_capacity"`
}

// TickPeriod returns the engine tick period.
func (e EngineConfig) TickPeriod() time.Duration {
	return time.Duration(e.TickPeriodMS) * time.Millisecond
}

// ArchiveRetention returns how long finished session results are kept.
func (e EngineConfig) ArchiveRetention() time.Duration {
	return time.Duration(e.ArchiveRetentionS) * time.Second
}

// TokenConfig holds token signing and verification parameters.
// Issuer подписывает исходящие токены, AcceptIssuer ожидается
// во входящих connect-токенах.
type TokenConfig struct {
	Algorithm    string `yaml:"algorithm"`
	Secret       string `yaml:"secret"`
	SecretFile   string `yaml:"secret_file"`
	Issuer       string `yaml:"issuer"`
	AcceptIssuer string `yaml:"accept_issuer"`
	TTLS         int    `yaml:"ttl_s"`    // 0 disables exp
	LeewayS      int    `yaml:"leeway_s"` // clock skew allowance
}

// SecretBytes returns the signing key. secret_file перекрывает secret.
func (t TokenConfig) SecretBytes() ([]byte, error) {
	if t.SecretFile != "" {
		data, err := os.ReadFile(t.SecretFile)
		if err != nil {
			return nil, fmt.Errorf("reading token secret %s: %w", t.SecretFile, err)
		}
		key := bytes.TrimSpace(data)
		if len(key) == 0 {
			return nil, fmt.Errorf("token secret file %s is empty", t.SecretFile)
		}
		return key, nil
	}
	if t.Secret == "" {
		return nil, errors.New("token secret is not configured")
	}
	return []byte(t.Secret), nil
}

// TTL returns the lifetime of signed tokens.
func (t TokenConfig) TTL() time.Duration {
	return time.Duration(t.TTLS) * time.Second
}

// Leeway returns the verification clock skew allowance.
func (t TokenConfig) Leeway() time.Duration {
	return time.Duration(t.LeewayS) * time.Second
}

// TLSConfig enables TLS termination: статичная пара файлов либо
// autocert по списку хостов.
type TLSConfig struct {
	Enabled       bool     `yaml:"enabled"`
	CertFile      string   `yaml:"cert_file"`
	KeyFile       string   `yaml:"key_file"`
	AutocertHosts []string `yaml:"autocert_hosts"`
	CacheDir      string   `yaml:"cache_dir"`
}

// MetricsConfig enables the Prometheus scrape endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DefaultGameServer returns GameServer config with sensible defaults.
func DefaultGameServer() GameServer {
	return GameServer{
		BindAddress:   "0.0.0.0",
		Port:          9090,
		WSPath:        "/ws",
		SendQueueSize: 256,
		ReadLimit:     65536,
		LogLevel:      "info",
		Engine: EngineConfig{
			TickPeriodMS:      500,
			ArchiveRetentionS: 1800,
			Workers:           4,
			TickWorkers:       4,
			QueueCapacity:     1024,
		},
		Token: TokenConfig{
			Algorithm:    "HS256",
			Secret:       "secret", // dev only
			Issuer:       "arena-game",
			AcceptIssuer: "arena-match",
			LeewayS:      60,
		},
		TLS: TLSConfig{
			CacheDir: "certs",
		},
	}
}

// DefaultMatchServer returns MatchServer config with sensible defaults.
func DefaultMatchServer() MatchServer {
	return MatchServer{
		BindAddress:   "0.0.0.0",
		Port:          9091,
		WSPath:        "/ws",
		SendQueueSize: 256,
		ReadLimit:     65536,
		LogLevel:      "info",
		MatchPeriodMS: 1000,
		Engine: EngineConfig{
			TickPeriodMS:      500,
			ArchiveRetentionS: 1800,
			Workers:           4,
			TickWorkers:       4,
			QueueCapacity:     1024,
		},
		Token: TokenConfig{
			Algorithm:    "HS256",
			Secret:       "secret", // dev only
			Issuer:       "arena-match",
			AcceptIssuer: "arena-auth",
			LeewayS:      60,
		},
		TLS: TLSConfig{
			CacheDir: "certs",
		},
	}
}

// MatchPeriod returns the matcher invocation period.
func (c MatchServer) MatchPeriod() time.Duration {
	return time.Duration(c.MatchPeriodMS) * time.Millisecond
}

// LoadGameServer loads game server config from a YAML file.
// If the file doesn't exist, returns defaults.
func LoadGameServer(path string) (GameServer, error) {
	cfg := DefaultGameServer()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// LoadMatchServer loads matchmaking server config from a YAML file.
// If the file doesn't exist, returns defaults.
func LoadMatchServer(path string) (MatchServer, error) {
	cfg := DefaultMatchServer()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}
