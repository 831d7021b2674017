package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"mnemosyne/internal/router"
)

const (
	DefaultListenAddress = "127.0.0.1:9830"
	DefaultSizeLimitMB   = 250
	DefaultExpirationSec = 2592000
)

type Config struct {
	ListenAddress    string         `toml:"listen_address"`
	Endpoints        []Endpoint     `toml:"endpoints"`
	FallBackEndpoint string         `toml:"fall_back_endpoint"`
	Cache            CacheConfig    `toml:"cache"`
	Upstream         UpstreamConfig `toml:"upstream"`
	Limits           LimitsConfig   `toml:"limits"`
}

type Endpoint struct {
	Host   string `toml:"host"`
	Origin string `toml:"origin"`
}

type CacheConfig struct {
	// SizeLimit is the cache ceiling in megabytes.
	SizeLimit int64 `toml:"size_limit"`
	// Expiration is the idle TTL in seconds.
	Expiration int64 `toml:"expiration"`
}

type UpstreamConfig struct {
	DialTimeoutMS           int `toml:"dial_timeout_ms"`
	ResponseHeaderTimeoutMS int `toml:"response_header_timeout_ms"`
	RequestTimeoutMS        int `toml:"request_timeout_ms"`
}

type LimitsConfig struct {
	MaxHeaderBytes      int `toml:"max_header_bytes"`
	ReadHeaderTimeoutMS int `toml:"read_header_timeout_ms"`
	IdleTimeoutMS       int `toml:"idle_timeout_ms"`
}

func Default() *Config {
	return &Config{
		ListenAddress: DefaultListenAddress,
		Cache: CacheConfig{
			SizeLimit:  DefaultSizeLimitMB,
			Expiration: DefaultExpirationSec,
		},
	}
}

// Load reads and parses the TOML configuration file. Missing cache settings
// fall back to the defaults; everything else is checked by Validate.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Cache.SizeLimit == 0 {
		cfg.Cache.SizeLimit = DefaultSizeLimitMB
	}
	if cfg.Cache.Expiration == 0 {
		cfg.Cache.Expiration = DefaultExpirationSec
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// BuildTable compiles the endpoint list into an immutable routing table.
func BuildTable(cfg *Config) (*router.Table, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	fallback, err := router.ParseOrigin(cfg.FallBackEndpoint)
	if err != nil {
		return nil, fmt.Errorf("fall_back_endpoint: %w", err)
	}
	endpoints := make([]router.Endpoint, 0, len(cfg.Endpoints))
	for i, endpoint := range cfg.Endpoints {
		origin, err := router.ParseOrigin(endpoint.Origin)
		if err != nil {
			return nil, fmt.Errorf("endpoints[%d]: %w", i, err)
		}
		endpoints = append(endpoints, router.Endpoint{Host: endpoint.Host, Origin: origin})
	}
	return router.NewTable(endpoints, fallback), nil
}

func (c *Config) SizeLimitBytes() int64 {
	return c.Cache.SizeLimit * 1024 * 1024
}

func (c *Config) IdleTTL() time.Duration {
	return time.Duration(c.Cache.Expiration) * time.Second
}

