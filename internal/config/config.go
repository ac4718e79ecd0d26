package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Server struct {
	Addr           string `yaml:"addr"`
	ReadTimeoutMS  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
	IdleTimeoutMS  int    `yaml:"idle_timeout_ms"`
	MaxBodyBytes   int64  `yaml:"max_body_bytes"`
}

type Observability struct {
	LogLevel       string `yaml:"log_level"`       // "debug","info","warn","error"
	PrometheusPath string `yaml:"prometheus_path"` // e.g. "/metrics"
}

type APIKey struct {
	ID     string `yaml:"id"`
	Secret string `yaml:"secret"`
}

type Auth struct {
	Header string   `yaml:"header"`
	Keys   []APIKey `yaml:"keys"`
}

// Store selects and configures the counter-store backend.
type Store struct {
	Backend   string `yaml:"backend"`    // "redis" or "memory"
	RedisURL  string `yaml:"redis_url"`  // overridden by REDIS_URL
	KeyPrefix string `yaml:"key_prefix"` // namespace for all counter keys
}

type Analytics struct {
	Enabled bool `yaml:"enabled"`
}

type Audit struct {
	Enabled    bool   `yaml:"enabled"`
	SigningKey string `yaml:"signing_key"` // overridden by AUDIT_SIGNING_KEY
}

type Root struct {
	Server        Server        `yaml:"server"`
	Observability Observability `yaml:"observability"`
	Auth          Auth          `yaml:"auth"`
	Store         Store         `yaml:"store"`
	Analytics     Analytics     `yaml:"analytics"`
	Audit         Audit         `yaml:"audit"`
}

func (s Server) ReadTimeout() time.Duration {
	if s.ReadTimeoutMS == 0 {
		return 5 * time.Second
	}
	return time.Duration(s.ReadTimeoutMS) * time.Millisecond
}

func (s Server) WriteTimeout() time.Duration {
	if s.WriteTimeoutMS == 0 {
		return 10 * time.Second
	}
	return time.Duration(s.WriteTimeoutMS) * time.Millisecond
}

func (s Server) IdleTimeout() time.Duration {
	if s.IdleTimeoutMS == 0 {
		return 60 * time.Second
	}
	return time.Duration(s.IdleTimeoutMS) * time.Millisecond
}

func (s Server) MaxBody() int64 {
	if s.MaxBodyBytes == 0 {
		return 1 << 20
	}
	return s.MaxBodyBytes
} // default 1MB; check payloads are tiny

func Load(path string) (*Root, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Root
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8081"
	}
	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
	if cfg.Observability.PrometheusPath == "" {
		cfg.Observability.PrometheusPath = "/metrics"
	}
	if cfg.Auth.Header == "" {
		cfg.Auth.Header = "X-API-Key"
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "redis"
	}
	if cfg.Store.KeyPrefix == "" {
		cfg.Store.KeyPrefix = "quotad"
	}
	if cfg.Store.RedisURL == "" {
		cfg.Store.RedisURL = "redis://127.0.0.1:6379"
	}
	// The env var wins over the file, same as any containerized deploy
	// expects.
	if url := os.Getenv("REDIS_URL"); url != "" {
		cfg.Store.RedisURL = url
	}
	if key := os.Getenv("AUDIT_SIGNING_KEY"); key != "" {
		cfg.Audit.SigningKey = key
	}
	return &cfg, nil
}
