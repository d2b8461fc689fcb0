// Package config loads the gateway's settings from GATEWAY_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const prefix = "GATEWAY"

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Tracing   TracingConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
	Chaos     ChaosConfig

	// Routes maps a path prefix to an upstream, as "prefix=url" pairs.
	Routes []string `envconfig:"ROUTES" default:"/users=http://localhost:9001,/orders=http://localhost:9002"`
	// Tenants maps an API key to a tenant id, as "key:tenant" pairs.
	Tenants map[string]string `envconfig:"TENANTS" default:"key-acme:acme,key-globex:globex"`
}

type ServerConfig struct {
	ListenAddr     string `envconfig:"LISTEN_ADDR" default:":8080"`
	AdminAddr      string `envconfig:"ADMIN_ADDR" default:":9090"`
	Workers        int    `envconfig:"WORKERS" default:"64"`
	QueueSize      int    `envconfig:"QUEUE_SIZE" default:"1024"`
	MaxConns       int    `envconfig:"MAX_CONNS" default:"0"`
	ReadBufferSize int    `envconfig:"READ_BUFFER_SIZE" default:"16384"`
}

type RedisConfig struct {
	Addr     string `envconfig:"ADDR" default:"localhost:6379"`
	Password string `envconfig:"PASSWORD"`
	DB       int    `envconfig:"DB" default:"0"`
}

type TracingConfig struct {
	ServiceName    string        `envconfig:"SERVICE_NAME" default:"traced-gateway"`
	Component      string        `envconfig:"COMPONENT" default:"go-pipeline-http-server"`
	Stdout         bool          `envconfig:"STDOUT" default:"false"`
	ReaperMaxAge   time.Duration `envconfig:"REAPER_MAX_AGE" default:"5m"`
	ReaperInterval time.Duration `envconfig:"REAPER_INTERVAL" default:"1m"`
}

type LogConfig struct {
	Level       string `envconfig:"LEVEL" default:"info"`
	Development bool   `envconfig:"DEV" default:"false"`
}

type RateLimitConfig struct {
	Limit  int           `envconfig:"LIMIT" default:"5"`
	Refill time.Duration `envconfig:"REFILL" default:"1m"`
}

type ChaosConfig struct {
	RecoverInterval time.Duration `envconfig:"RECOVER_INTERVAL" default:"1s"`
}

// Route is one parsed entry of Config.Routes.
type Route struct {
	Prefix   string
	Upstream string
}

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Server.Workers < 1 {
		errs = append(errs, errors.New("config: workers must be positive"))
	}
	if c.RateLimit.Limit < 1 {
		errs = append(errs, errors.New("config: rate limit must be positive"))
	}
	if c.Tracing.ReaperInterval <= 0 {
		errs = append(errs, errors.New("config: reaper interval must be positive"))
	}
	if _, err := c.ParseRoutes(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ParseRoutes returns the configured routes sorted by prefix.
func (c *Config) ParseRoutes() ([]Route, error) {
	routes := make([]Route, 0, len(c.Routes))
	for _, entry := range c.Routes {
		p, upstream, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok || !strings.HasPrefix(p, "/") {
			return nil, fmt.Errorf("config: bad route %q", entry)
		}
		u, err := url.Parse(upstream)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("config: bad upstream for route %q", p)
		}
		routes = append(routes, Route{Prefix: p, Upstream: upstream})
	}
	sort.Slice(routes, func(i, j int) bool { return routes[i].Prefix < routes[j].Prefix })
	return routes, nil
}
