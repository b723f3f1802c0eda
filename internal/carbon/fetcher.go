package carbon

import (
	"context"
	"log"
	"time"
)

// Cache is the persistence capability the fetcher needs. The postgres store
// implements it. Lookups return (nil, nil) / (nil slice, nil) on a miss.
type Cache interface {
	LookupNearest(ctx context.Context, region string, instant time.Time) (*Sample, error)
	LookupRange(ctx context.Context, region string, start, end time.Time) ([]Sample, error)
	Upsert(ctx context.Context, sample Sample, ttl time.Duration) error
	BulkUpsert(ctx context.Context, samples []Sample, ttl time.Duration) error
	IsFresh(sample *Sample, maxAge time.Duration) bool
}

// rangeCoverageRatio is the fraction of requested hours the cache must cover
// before a range query skips the provider.
const rangeCoverageRatio = 0.8

// Fetcher composes the cache with a breaker-wrapped provider, cache first.
// Cache errors degrade to provider calls; provider fallback output is
// overridden by stale cache data when available.
type Fetcher struct {
	provider Provider // always the circuit breaker in production wiring
	cache    Cache
	cacheTTL time.Duration
	clock    func() time.Time
}

// NewFetcher creates a cache-first fetcher. ttl defaults to one hour and is
// used both as the upsert TTL and as the freshness bound.
func NewFetcher(provider Provider, cache Cache, ttl time.Duration) *Fetcher {
	if ttl == 0 {
		ttl = time.Hour
	}
	return &Fetcher{
		provider: provider,
		cache:    cache,
		cacheTTL: ttl,
		clock:    time.Now,
	}
}

// GetCarbonIntensity resolves a point query: fresh cache, then provider,
// then stale cache over the provider's static fallback.
func (f *Fetcher) GetCarbonIntensity(ctx context.Context, region string, timestamp time.Time) (*Sample, error) {
	cached, err := f.cache.LookupNearest(ctx, region, timestamp)
	if err != nil {
		log.Printf("carbon: cache lookup error (continuing to provider): %v", err)
		cached = nil
	}

	if cached != nil && f.cache.IsFresh(cached, f.cacheTTL) {
		return cached, nil
	}

	sample, err := f.provider.GetCarbonIntensity(ctx, region, timestamp)
	if err != nil {
		// The breaker absorbs provider errors; a raw provider wired in
		// directly can still fail. Stale cache beats no data.
		if cached != nil {
			log.Printf("carbon: provider error, serving stale cache for %s: %v", region, err)
			return cached, nil
		}
		return nil, err
	}

	if sample.Provenance == ProvenanceStaticFallback {
		// Sole case where the fetcher overrides the breaker's output.
		if cached != nil {
			return cached, nil
		}
		return sample, nil
	}

	if err := f.cache.Upsert(ctx, *sample, f.cacheTTL); err != nil {
		log.Printf("carbon: cache upsert failed for %s: %v", region, err)
	}
	return sample, nil
}

// GetCarbonForecast resolves a range query. The cache is sufficient iff it
// covers at least 80% of the requested hours with every row fresh.
func (f *Fetcher) GetCarbonForecast(ctx context.Context, region string, startTime, endTime time.Time) ([]Sample, error) {
	cached, err := f.cache.LookupRange(ctx, region, startTime, endTime)
	if err != nil {
		log.Printf("carbon: cache range lookup error (continuing to provider): %v", err)
		cached = nil
	}

	if f.cacheSufficient(cached, startTime, endTime) {
		return cached, nil
	}

	samples, err := f.provider.GetCarbonForecast(ctx, region, startTime, endTime)
	if err != nil {
		if len(cached) > 0 {
			log.Printf("carbon: provider error, serving partial cache for %s: %v", region, err)
			return cached, nil
		}
		return nil, err
	}

	if len(samples) > 0 && samples[0].Provenance == ProvenanceStaticFallback {
		if len(cached) > 0 {
			return cached, nil
		}
		return samples, nil
	}

	if err := f.cache.BulkUpsert(ctx, samples, f.cacheTTL); err != nil {
		log.Printf("carbon: cache bulk upsert failed for %s: %v", region, err)
	}
	return samples, nil
}

// GetCurrentCarbonIntensity is a point query at the current instant.
func (f *Fetcher) GetCurrentCarbonIntensity(ctx context.Context, region string) (*Sample, error) {
	return f.GetCarbonIntensity(ctx, region, f.clock())
}

// GetForecastForWindow is a range query from now spanning windowHours.
func (f *Fetcher) GetForecastForWindow(ctx context.Context, region string, windowHours int) ([]Sample, error) {
	now := f.clock()
	return f.GetCarbonForecast(ctx, region, now, now.Add(time.Duration(windowHours)*time.Hour))
}

func (f *Fetcher) cacheSufficient(cached []Sample, startTime, endTime time.Time) bool {
	requiredPoints := int(endTime.Sub(startTime).Hours())
	if requiredPoints <= 0 || float64(len(cached)) < float64(requiredPoints)*rangeCoverageRatio {
		return false
	}
	for i := range cached {
		if !f.cache.IsFresh(&cached[i], f.cacheTTL) {
			return false
		}
	}
	return true
}
