// Package carbon provides grid carbon intensity data: provider clients,
// and a cache-first fetcher that composes the cache with a breaker-wrapped
// provider.
package carbon

import (
	"context"
	"errors"
	"time"
)

// Provenance values carried by samples. Static fallback and live data share
// one shape; the provenance string is the only distinction.
const (
	ProvenanceElectricityMaps = "electricitymaps"
	ProvenanceWattTime        = "watttime"
	ProvenanceStaticFallback  = "static-fallback"
)

// Unit is the unit of every intensity value in the system.
const Unit = "gCO2eq/kWh"

// Provider failures. The core treats all four as transient.
var (
	ErrProviderUnreachable = errors.New("carbon provider unreachable")
	ErrProviderAuthFailed  = errors.New("carbon provider authentication failed")
	ErrProviderRateLimited = errors.New("carbon provider rate limited")
	ErrProviderMalformed   = errors.New("carbon provider returned malformed data")
)

// Sample is one carbon intensity reading for a region at an instant.
type Sample struct {
	Region     string    `json:"region"`
	Timestamp  time.Time `json:"timestamp"`
	Intensity  float64   `json:"intensity"` // gCO2eq/kWh
	Unit       string    `json:"unit"`
	Provenance string    `json:"provenance,omitempty"`
	FetchedAt  time.Time `json:"fetched_at,omitempty"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
}

// Provider fetches current and forecast grid intensity for a region.
// Forecast samples are ordered by timestamp ascending at hourly granularity.
// Implementations must bound every call; callers additionally pass a
// deadline-carrying context.
type Provider interface {
	GetCarbonIntensity(ctx context.Context, region string, timestamp time.Time) (*Sample, error)
	GetCarbonForecast(ctx context.Context, region string, startTime, endTime time.Time) ([]Sample, error)
}
