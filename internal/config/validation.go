package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"mnemosyne/internal/router"
)

// Validate checks the parsed configuration before anything is built from it.
// Errors name the offending field; startup aborts on the first one.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := validateListenAddress(cfg.ListenAddress); err != nil {
		return err
	}
	if cfg.FallBackEndpoint == "" {
		return errors.New("fall_back_endpoint is required")
	}
	if _, err := router.ParseOrigin(cfg.FallBackEndpoint); err != nil {
		return fmt.Errorf("fall_back_endpoint: %w", err)
	}
	seen := make(map[string]struct{}, len(cfg.Endpoints))
	for i, endpoint := range cfg.Endpoints {
		host := strings.ToLower(strings.TrimSpace(endpoint.Host))
		if host == "" {
			return fmt.Errorf("endpoints[%d]: host is required", i)
		}
		if _, duplicate := seen[host]; duplicate {
			return fmt.Errorf("endpoints[%d]: duplicate host %q", i, host)
		}
		seen[host] = struct{}{}
		if _, err := router.ParseOrigin(endpoint.Origin); err != nil {
			return fmt.Errorf("endpoints[%d]: %w", i, err)
		}
	}
	if cfg.Cache.SizeLimit <= 0 {
		return errors.New("cache.size_limit must be positive")
	}
	if cfg.Cache.Expiration <= 0 {
		return errors.New("cache.expiration must be positive")
	}
	if cfg.Upstream.DialTimeoutMS < 0 ||
		cfg.Upstream.ResponseHeaderTimeoutMS < 0 ||
		cfg.Upstream.RequestTimeoutMS < 0 {
		return errors.New("upstream timeouts must be non-negative")
	}
	if cfg.Limits.MaxHeaderBytes < 0 || cfg.Limits.ReadHeaderTimeoutMS < 0 || cfg.Limits.IdleTimeoutMS < 0 {
		return errors.New("limits must be non-negative")
	}
	return nil
}

func validateListenAddress(address string) error {
	if address == "" {
		return errors.New("listen_address is required")
	}
	if _, _, err := net.SplitHostPort(address); err != nil {
		return fmt.Errorf("listen_address %q: %w", address, err)
	}
	return nil
}
