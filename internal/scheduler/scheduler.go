// Package scheduler decides when a job should run so that the average grid
// carbon intensity during execution is minimized subject to the deadline.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/djlord-it/karbos/internal/carbon"
)

// Validation errors.
var (
	ErrRegionRequired      = errors.New("region is required")
	ErrDurationNotPositive = errors.New("duration must be positive")
	ErrDeadlineInPast      = errors.New("deadline must be in the future")
	ErrDeadlineTooTight    = errors.New("not enough time between earliest start and deadline")
)

// Fetcher is the carbon data capability the scheduler depends on.
type Fetcher interface {
	GetCarbonForecast(ctx context.Context, region string, startTime, endTime time.Time) ([]carbon.Sample, error)
	GetCurrentCarbonIntensity(ctx context.Context, region string) (*carbon.Sample, error)
}

// Request describes one scheduling question.
type Request struct {
	Region        string
	Duration      time.Duration // estimated execution duration, > 0
	Deadline      time.Time     // latest completion instant, > now
	WindowSize    time.Duration // search window, default 24h
	EarliestStart time.Time     // default now
}

// Result is the scheduling decision.
type Result struct {
	ScheduledTime      time.Time
	ExpectedIntensity  float64 // mean intensity over the chosen window
	Immediate          bool
	CarbonSavings      float64 // vs running in the first forecast slot
	AlternativeWindows []Window
}

// Window is a candidate execution window.
type Window struct {
	StartTime    time.Time
	EndTime      time.Time
	AvgIntensity float64
	CarbonCost   float64
}

// Config holds scheduler tuning.
type Config struct {
	SlotSize  time.Duration // forecast slot granularity, default 1h
	Threshold float64       // intensity below which immediate execution always wins, default 400
}

const (
	defaultWindowSize = 24 * time.Hour

	// A decision is immediate when the optimal window starts within this
	// distance of now, or when savings fall below minSavingsPercent.
	immediateProximity = 5 * time.Minute
	minSavingsPercent  = 10.0

	// Windows within this intensity delta of the minimum are kept as
	// alternatives, capped at maxAlternatives.
	alternativeDelta = 10.0
	maxAlternatives  = 3
)

// Scheduler implements the sliding-window minimization.
type Scheduler struct {
	fetcher   Fetcher
	slotSize  time.Duration
	threshold float64
	clock     func() time.Time
}

// New creates a scheduler, applying defaults for zero config fields.
func New(fetcher Fetcher, config Config) *Scheduler {
	if config.SlotSize == 0 {
		config.SlotSize = time.Hour
	}
	if config.Threshold == 0 {
		config.Threshold = 400.0
	}
	return &Scheduler{
		fetcher:   fetcher,
		slotSize:  config.SlotSize,
		threshold: config.Threshold,
		clock:     time.Now,
	}
}

// Schedule computes the optimal execution window for req.
func (s *Scheduler) Schedule(ctx context.Context, req *Request) (*Result, error) {
	now := s.clock()

	if err := s.validate(req, now); err != nil {
		return nil, err
	}

	if req.WindowSize == 0 {
		req.WindowSize = defaultWindowSize
	}
	if req.EarliestStart.IsZero() {
		req.EarliestStart = now
	}

	endTime := req.EarliestStart.Add(req.WindowSize)
	if endTime.After(req.Deadline) {
		endTime = req.Deadline
	}

	forecast, err := s.fetcher.GetCarbonForecast(ctx, req.Region, req.EarliestStart, endTime)
	if err != nil {
		return nil, fmt.Errorf("get carbon forecast: %w", err)
	}

	if len(forecast) == 0 {
		current, err := s.fetcher.GetCurrentCarbonIntensity(ctx, req.Region)
		if err != nil {
			return nil, fmt.Errorf("get current carbon intensity: %w", err)
		}
		return &Result{
			ScheduledTime:     now,
			ExpectedIntensity: current.Intensity,
			Immediate:         true,
			CarbonSavings:     0,
		}, nil
	}

	slots := filterSlots(forecast, req.EarliestStart, req.Deadline)
	if len(slots) == 0 {
		// Every forecast point fell outside [earliestStart, deadline];
		// nothing to optimize over.
		return &Result{
			ScheduledTime:     now,
			ExpectedIntensity: forecast[0].Intensity,
			Immediate:         true,
			CarbonSavings:     0,
		}, nil
	}

	optimal, alternatives := s.findOptimalWindow(slots, req.Duration)

	currentIntensity := slots[0].Intensity
	savings := currentIntensity - optimal.AvgIntensity
	savingsPercent := 0.0
	if currentIntensity != 0 {
		savingsPercent = (savings / currentIntensity) * 100
	}

	// Immediate iff the optimal window is effectively now, the savings are
	// negligible, or the grid is already clean enough.
	startDelta := optimal.StartTime.Sub(now)
	if startDelta < 0 {
		startDelta = -startDelta
	}
	immediate := startDelta < immediateProximity ||
		savingsPercent < minSavingsPercent ||
		currentIntensity < s.threshold

	scheduledTime := optimal.StartTime
	if immediate {
		scheduledTime = now
	}

	return &Result{
		ScheduledTime:      scheduledTime,
		ExpectedIntensity:  optimal.AvgIntensity,
		Immediate:          immediate,
		CarbonSavings:      savings,
		AlternativeWindows: alternatives,
	}, nil
}

// findOptimalWindow slides a window of ceil(duration/slotSize) slots over the
// forecast and returns the minimum-mean window. Ties keep the earlier window.
func (s *Scheduler) findOptimalWindow(slots []carbon.Sample, duration time.Duration) (Window, []Window) {
	windowSlots := int(math.Ceil(float64(duration) / float64(s.slotSize)))

	if windowSlots > len(slots) {
		// Duration exceeds the forecast range; the whole range is the
		// single candidate window.
		avg := averageIntensity(slots)
		return Window{
			StartTime:    slots[0].Timestamp,
			EndTime:      slots[len(slots)-1].Timestamp.Add(s.slotSize),
			AvgIntensity: avg,
			CarbonCost:   avg * duration.Hours(),
		}, nil
	}

	var optimal Window
	var alternatives []Window
	minIntensity := math.MaxFloat64

	for i := 0; i+windowSlots <= len(slots); i++ {
		window := slots[i : i+windowSlots]
		avg := averageIntensity(window)

		candidate := Window{
			StartTime:    window[0].Timestamp,
			EndTime:      window[len(window)-1].Timestamp.Add(s.slotSize),
			AvgIntensity: avg,
			CarbonCost:   avg * duration.Hours(),
		}

		if avg < minIntensity {
			minIntensity = avg
			optimal = candidate
			alternatives = alternatives[:0]
		} else if avg-minIntensity < alternativeDelta && len(alternatives) < maxAlternatives {
			alternatives = append(alternatives, candidate)
		}
	}

	return optimal, alternatives
}

func filterSlots(forecast []carbon.Sample, earliestStart, deadline time.Time) []carbon.Sample {
	var slots []carbon.Sample
	for _, point := range forecast {
		if point.Timestamp.Before(earliestStart) || point.Timestamp.After(deadline) {
			continue
		}
		slots = append(slots, point)
	}
	return slots
}

func averageIntensity(slots []carbon.Sample) float64 {
	if len(slots) == 0 {
		return 0
	}
	sum := 0.0
	for _, slot := range slots {
		sum += slot.Intensity
	}
	return sum / float64(len(slots))
}

func (s *Scheduler) validate(req *Request, now time.Time) error {
	if req.Region == "" {
		return ErrRegionRequired
	}
	if req.Duration <= 0 {
		return ErrDurationNotPositive
	}
	if !req.Deadline.After(now) {
		return ErrDeadlineInPast
	}
	earliest := req.EarliestStart
	if earliest.IsZero() {
		earliest = now
	}
	if earliest.Add(req.Duration).After(req.Deadline) {
		return ErrDeadlineTooTight
	}
	return nil
}
