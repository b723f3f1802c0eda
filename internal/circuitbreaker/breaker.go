// Package circuitbreaker wraps a carbon provider with a three-state breaker.
//
// Unlike a fail-fast breaker, this one never surfaces provider errors to its
// caller: when the circuit is open or the call fails, it returns static
// fallback data with provenance "static-fallback". Callers distinguish
// synthetic from live data only via that field.
package circuitbreaker

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/djlord-it/karbos/internal/carbon"
)

// State is the breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MetricsSink records breaker observations. All methods must be
// non-blocking and fire-and-forget.
type MetricsSink interface {
	BreakerStateChanged(state string)
	ProviderFailure()
}

// Config holds breaker tuning.
type Config struct {
	MaxFailures    int           // consecutive failures before opening; default 5
	Timeout        time.Duration // open -> half-open wait; default 30s
	ResetTimeout   time.Duration // reserved half-open settle window; default 10s
	StaticFallback float64       // fallback intensity in gCO2eq/kWh; default 400
}

// Breaker wraps a carbon.Provider. All state access is under a single lock
// held across read-and-maybe-transition; the lock is never held across the
// provider call itself.
type Breaker struct {
	service carbon.Provider
	config  Config
	metrics MetricsSink // optional, nil = disabled

	mu            sync.Mutex
	state         State
	failures      int
	lastStateTime time.Time
	probeInFlight bool
	clock         func() time.Time
}

// New creates a Breaker around service, applying defaults for zero fields.
func New(service carbon.Provider, config Config) *Breaker {
	if config.MaxFailures == 0 {
		config.MaxFailures = 5
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.ResetTimeout == 0 {
		config.ResetTimeout = 10 * time.Second
	}
	if config.StaticFallback == 0 {
		config.StaticFallback = 400.0
	}
	return &Breaker{
		service:       service,
		config:        config,
		state:         StateClosed,
		lastStateTime: time.Now(),
		clock:         time.Now,
	}
}

// WithMetrics attaches a metrics sink to the breaker.
func (b *Breaker) WithMetrics(sink MetricsSink) *Breaker {
	b.metrics = sink
	return b
}

// GetCarbonIntensity passes the point query through, substituting the static
// fallback when the circuit is open or the call fails.
func (b *Breaker) GetCarbonIntensity(ctx context.Context, region string, timestamp time.Time) (*carbon.Sample, error) {
	if !b.canAttempt() {
		return b.fallbackSample(region, timestamp), nil
	}

	result, err := b.service.GetCarbonIntensity(ctx, region, timestamp)
	if err != nil {
		b.recordFailure(err)
		return b.fallbackSample(region, timestamp), nil
	}

	b.recordSuccess()
	return result, nil
}

// GetCarbonForecast passes the range query through, substituting an hourly
// fallback forecast when the circuit is open or the call fails.
func (b *Breaker) GetCarbonForecast(ctx context.Context, region string, startTime, endTime time.Time) ([]carbon.Sample, error) {
	if !b.canAttempt() {
		return b.fallbackForecast(region, startTime, endTime), nil
	}

	result, err := b.service.GetCarbonForecast(ctx, region, startTime, endTime)
	if err != nil {
		b.recordFailure(err)
		return b.fallbackForecast(region, startTime, endTime), nil
	}

	b.recordSuccess()
	return result, nil
}

// canAttempt decides whether the provider may be called, transitioning
// open -> half-open after the timeout. Half-open admits exactly one probe.
func (b *Breaker) canAttempt() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true

	case StateOpen:
		if b.clock().Sub(b.lastStateTime) >= b.config.Timeout {
			b.setState(StateHalfOpen)
			b.probeInFlight = true
			log.Println("breaker: transitioning to HALF_OPEN, probing provider")
			return true
		}
		return false

	case StateHalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true

	default:
		return false
	}
}

func (b *Breaker) recordFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.ProviderFailure()
	}

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.config.MaxFailures {
			b.setState(StateOpen)
			log.Printf("breaker: OPEN after %d failures (last error: %v), serving static fallback %.1f %s for %s",
				b.failures, err, b.config.StaticFallback, carbon.Unit, b.config.Timeout)
		} else {
			log.Printf("breaker: provider failure %d/%d: %v", b.failures, b.config.MaxFailures, err)
		}

	case StateHalfOpen:
		b.probeInFlight = false
		b.failures = b.config.MaxFailures
		b.setState(StateOpen)
		log.Printf("breaker: back to OPEN, probe failed: %v", err)
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		if b.failures > 0 {
			log.Printf("breaker: provider recovered, resetting failure count %d -> 0", b.failures)
			b.failures = 0
		}

	case StateHalfOpen:
		b.probeInFlight = false
		b.failures = 0
		b.setState(StateClosed)
		log.Println("breaker: CLOSED, provider recovered")
	}
}

// setState must be called with the lock held.
func (b *Breaker) setState(s State) {
	b.state = s
	b.lastStateTime = b.clock()
	if b.metrics != nil {
		b.metrics.BreakerStateChanged(s.String())
	}
}

func (b *Breaker) fallbackSample(region string, timestamp time.Time) *carbon.Sample {
	return &carbon.Sample{
		Region:     region,
		Timestamp:  timestamp,
		Intensity:  b.config.StaticFallback,
		Unit:       carbon.Unit,
		Provenance: carbon.ProvenanceStaticFallback,
	}
}

// fallbackForecast fills the requested range with hourly fallback samples.
func (b *Breaker) fallbackForecast(region string, startTime, endTime time.Time) []carbon.Sample {
	var forecast []carbon.Sample
	for current := startTime; current.Before(endTime); current = current.Add(time.Hour) {
		forecast = append(forecast, *b.fallbackSample(region, current))
	}
	return forecast
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset forces the breaker to Closed. Administrative use.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probeInFlight = false
	b.setState(StateClosed)
	log.Println("breaker: manually reset to CLOSED")
}

var _ carbon.Provider = (*Breaker)(nil)
