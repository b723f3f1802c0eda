package config

import (
	"errors"
	"fmt"
)

// Validate checks the configuration for values that would break startup.
// It makes no network connections.
func Validate(cfg Config) error {
	var errs []error

	if cfg.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if cfg.PoolSize <= 0 {
		errs = append(errs, fmt.Errorf("pool size must be positive, got %d", cfg.PoolSize))
	}
	if cfg.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll interval must be positive, got %s", cfg.PollInterval))
	}
	if cfg.JobTimeout <= 0 {
		errs = append(errs, fmt.Errorf("job timeout must be positive, got %s", cfg.JobTimeout))
	}
	if cfg.PromoterInterval <= 0 {
		errs = append(errs, fmt.Errorf("promoter interval must be positive, got %s", cfg.PromoterInterval))
	}
	if cfg.SlotSize <= 0 {
		errs = append(errs, fmt.Errorf("scheduler slot size must be positive, got %s", cfg.SlotSize))
	}
	if cfg.CacheTTL <= 0 {
		errs = append(errs, fmt.Errorf("cache TTL must be positive, got %s", cfg.CacheTTL))
	}
	if cfg.BreakerMaxFailures <= 0 {
		errs = append(errs, fmt.Errorf("breaker max failures must be positive, got %d", cfg.BreakerMaxFailures))
	}
	if cfg.Threshold <= 0 {
		errs = append(errs, fmt.Errorf("scheduler threshold must be positive, got %g", cfg.Threshold))
	}

	switch cfg.Provider {
	case ProviderElectricityMaps, ProviderWattTime:
	default:
		errs = append(errs, fmt.Errorf("unknown carbon provider %q", cfg.Provider))
	}

	if cfg.Provider == ProviderWattTime && (cfg.ProviderUsername == "" || cfg.ProviderPassword == "") {
		errs = append(errs, errors.New("watttime provider requires CARBON_API_USERNAME and CARBON_API_PASSWORD"))
	}

	return errors.Join(errs...)
}
