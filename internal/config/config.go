// Package config loads runtime configuration for the pairing services. Values
// start from Default(), are overlaid by an optional YAML file and finally by
// environment variables, so a bare binary still runs with sensible settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration shared by pairserver and pairclient.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Redis      RedisConfig      `yaml:"redis"`
	NATS       NATSConfig       `yaml:"nats"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Auth       AuthConfig       `yaml:"auth"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Matching   MatchingConfig   `yaml:"matching"`
	Peer       PeerConfig       `yaml:"peer"`
	Transition TransitionConfig `yaml:"transition"`
	Logging    LoggingConfig    `yaml:"logging"`
	Client     ClientConfig     `yaml:"client"`
}

type ServerConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	Name           string        `yaml:"name"`
	WorkerPoolSize int           `yaml:"worker_pool_size"`
	MaxConnections int           `yaml:"max_connections"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	HeartbeatEvery time.Duration `yaml:"heartbeat_interval"`
	HeartbeatGrace time.Duration `yaml:"heartbeat_timeout"`
}

// RedisConfig is optional: an empty Addr disables presence mirroring, rate
// limiting, block lists and the Redis profile store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// NATSConfig is optional: an empty URL disables lifecycle event publishing.
type NATSConfig struct {
	URL           string        `yaml:"url"`
	Name          string        `yaml:"name"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
	MaxReconnects int           `yaml:"max_reconnects"`
}

// PostgresConfig is optional: an empty DSN keeps likes in memory only.
type PostgresConfig struct {
	DSN     string `yaml:"dsn"`
	Migrate bool   `yaml:"migrate"`
}

// AuthConfig holds the identity token secret. Empty means anonymous ids.
// Required rejects upgrades without a valid token.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Required  bool   `yaml:"required"`
}

// RateLimitConfig only applies when Redis is configured.
type RateLimitConfig struct {
	MatchLimit    int           `yaml:"match_limit"`
	MatchWindow   time.Duration `yaml:"match_window"`
	SignalLimit   int           `yaml:"signal_limit"`
	SignalWindow  time.Duration `yaml:"signal_window"`
	ConnectLimit  int           `yaml:"connect_limit"`
	ConnectWindow time.Duration `yaml:"connect_window"`
}

type MatchingConfig struct {
	Strategy         string `yaml:"strategy"` // "scored" | "fifo"
	RecentMatchLimit int    `yaml:"recent_match_limit"`
	MaxPayloadBytes  int    `yaml:"max_payload_bytes"`
}

type PeerConfig struct {
	ICEServers         []string      `yaml:"ice_servers"`
	DisconnectGrace    time.Duration `yaml:"disconnect_grace"`
	StableAfter        time.Duration `yaml:"stable_after"`
	HealthInterval     time.Duration `yaml:"health_interval"`
	NegotiationTimeout time.Duration `yaml:"negotiation_timeout"`
	BaseBackoff        time.Duration `yaml:"base_backoff"`
	MaxBackoff         time.Duration `yaml:"max_backoff"`
	MaxAttempts        int           `yaml:"max_attempts"`
}

type TransitionConfig struct {
	GraceDelay       time.Duration `yaml:"grace_delay"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	StabilizeTimeout time.Duration `yaml:"stabilize_timeout"`
	InactiveAfter    time.Duration `yaml:"inactive_after"`
	PurgeInterval    time.Duration `yaml:"purge_interval"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "console" | "json"
}

// ClientConfig is only read by pairclient.
type ClientConfig struct {
	ServerURL         string `yaml:"server_url"`
	Token             string `yaml:"token"`
	Modality          string `yaml:"modality"`
	Mode              string `yaml:"mode"`
	CompanionshipType string `yaml:"companionship_type"`
	BlindDate         bool   `yaml:"blind_date"`
	AutoRequeue       bool   `yaml:"auto_requeue"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:     ":8080",
			Name:           "pair-1",
			WorkerPoolSize: 256,
			MaxConnections: 100000,
			ReadTimeout:    10 * time.Second,
			WriteTimeout:   10 * time.Second,
			HeartbeatEvery: 30 * time.Second,
			HeartbeatGrace: 10 * time.Second,
		},
		NATS: NATSConfig{
			Name:          "whisper-pairing",
			ReconnectWait: 2 * time.Second,
			MaxReconnects: -1,
		},
		Postgres: PostgresConfig{Migrate: true},
		RateLimit: RateLimitConfig{
			MatchLimit:    10,
			MatchWindow:   time.Minute,
			SignalLimit:   200,
			SignalWindow:  10 * time.Second,
			ConnectLimit:  20,
			ConnectWindow: time.Minute,
		},
		Matching: MatchingConfig{
			Strategy:         "scored",
			RecentMatchLimit: 10,
			MaxPayloadBytes:  64 * 1024,
		},
		Peer: PeerConfig{
			ICEServers:         []string{"stun:stun.l.google.com:19302"},
			DisconnectGrace:    5 * time.Second,
			StableAfter:        3 * time.Second,
			HealthInterval:     5 * time.Second,
			NegotiationTimeout: 10 * time.Second,
			BaseBackoff:        time.Second,
			MaxBackoff:         10 * time.Second,
			MaxAttempts:        5,
		},
		Transition: TransitionConfig{
			GraceDelay:       500 * time.Millisecond,
			PollInterval:     500 * time.Millisecond,
			StabilizeTimeout: 10 * time.Second,
			InactiveAfter:    30 * time.Second,
			PurgeInterval:    10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "console"},
		Client: ClientConfig{
			ServerURL:         "ws://localhost:8080/ws",
			Modality:          "video",
			Mode:              "regular",
			CompanionshipType: "casual",
		},
	}
}

// Load returns Default() overlaid with the YAML file at path (skipped when
// path is empty) and then with environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects values that would make the services misbehave silently.
func (c Config) Validate() error {
	switch c.Matching.Strategy {
	case "scored", "fifo":
	default:
		return fmt.Errorf("config: unknown matching strategy %q", c.Matching.Strategy)
	}
	if c.Matching.RecentMatchLimit < 0 {
		return fmt.Errorf("config: recent_match_limit must be >= 0")
	}
	if c.Peer.MaxAttempts < 0 {
		return fmt.Errorf("config: peer.max_attempts must be >= 0")
	}
	if c.Peer.BaseBackoff <= 0 || c.Peer.MaxBackoff < c.Peer.BaseBackoff {
		return fmt.Errorf("config: invalid peer backoff %s..%s", c.Peer.BaseBackoff, c.Peer.MaxBackoff)
	}
	if c.Auth.Required && c.Auth.JWTSecret == "" {
		return fmt.Errorf("config: auth.required needs a jwt secret")
	}
	if c.Transition.PollInterval <= 0 || c.Transition.StabilizeTimeout <= 0 {
		return fmt.Errorf("config: transition poll interval and timeout must be positive")
	}
	return nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Server.ListenAddr, "LISTEN_ADDR")
	setString(&cfg.Server.Name, "SERVER_NAME")
	setInt(&cfg.Server.WorkerPoolSize, "WORKER_POOL_SIZE")
	setInt(&cfg.Server.MaxConnections, "MAX_CONNECTIONS")
	setDuration(&cfg.Server.ReadTimeout, "READ_TIMEOUT")
	setDuration(&cfg.Server.WriteTimeout, "WRITE_TIMEOUT")

	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setString(&cfg.Auth.JWTSecret, "JWT_SECRET")
	setBool(&cfg.Auth.Required, "JWT_REQUIRED")

	setString(&cfg.Matching.Strategy, "MATCH_STRATEGY")
	setInt(&cfg.Matching.RecentMatchLimit, "RECENT_MATCH_LIMIT")
	setInt(&cfg.Peer.MaxAttempts, "PEER_MAX_ATTEMPTS")

	setString(&cfg.Logging.Level, "LOG_LEVEL")
	setString(&cfg.Logging.Format, "LOG_FORMAT")

	setString(&cfg.Client.ServerURL, "PAIR_SERVER_URL")
	setString(&cfg.Client.Token, "PAIR_TOKEN")
	setString(&cfg.Client.Modality, "PAIR_MODALITY")
	setString(&cfg.Client.Mode, "PAIR_MODE")
	setString(&cfg.Client.CompanionshipType, "PAIR_COMPANIONSHIP")
	setBool(&cfg.Client.BlindDate, "PAIR_BLIND_DATE")
	setBool(&cfg.Client.AutoRequeue, "PAIR_AUTO_REQUEUE")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
