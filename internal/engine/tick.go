// Package engine provides the tick-based simulation loop and the session
// that turns ticks into task progress, weather and resource decay.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/talgya/villagelife/internal/world"
)

// TickSchedule defines when each system runs relative to the tick counter.
const (
	TicksPerSimHour   = 60    // 60 ticks = 1 sim-hour
	TicksPerSimDay    = 1440  // 24 hours × 60
	TicksPerSimWeek   = 10080 // 7 days × 1440
	TicksPerSimSeason = 43200 // 30 days × 1440
	DaysPerSeason     = 30
)

// Engine drives the simulation forward.
type Engine struct {
	Interval time.Duration // Base tick interval (default 1 second)

	mu      sync.Mutex
	tick    uint64  // Current tick counter (monotonic, never resets)
	speed   float64 // Multiplier: 1.0 = real-time, 0 = paused
	running atomic.Bool

	// Callbacks for each tick layer, populated during setup.
	OnTick   func(tick uint64) // Every tick (sim-minute)
	OnHour   func(tick uint64) // Every 60 ticks
	OnDay    func(tick uint64) // Every 1440 ticks
	OnWeek   func(tick uint64) // Every 10080 ticks
	OnSeason func(tick uint64) // Every 43200 ticks
}

// NewEngine creates a simulation engine with default settings.
func NewEngine(start uint64) *Engine {
	return &Engine{
		tick:     start,
		speed:    1.0,
		Interval: time.Second,
	}
}

// Tick returns the current tick.
func (e *Engine) Tick() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tick
}

// Speed returns the speed multiplier.
func (e *Engine) Speed() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.speed
}

// SetSpeed changes the speed multiplier; 0 pauses.
func (e *Engine) SetSpeed(s float64) {
	if s < 0 {
		s = 0
	}
	e.mu.Lock()
	e.speed = s
	e.mu.Unlock()
}

// Running reports whether Run is looping.
func (e *Engine) Running() bool { return e.running.Load() }

// Run starts the simulation loop. Blocks until Stop is called or ctx ends.
func (e *Engine) Run(ctx context.Context) {
	e.running.Store(true)
	slog.Info("simulation engine started", "tick", e.Tick(), "speed", e.Speed())

	for e.running.Load() && ctx.Err() == nil {
		speed := e.Speed()
		if speed <= 0 {
			// Paused: sleep briefly and check again.
			time.Sleep(100 * time.Millisecond)
			continue
		}

		start := time.Now()

		e.step()

		// Sleep for the remainder of the tick interval, adjusted for speed.
		elapsed := time.Since(start)
		target := time.Duration(float64(e.Interval) / speed)
		if elapsed < target {
			select {
			case <-ctx.Done():
			case <-time.After(target - elapsed):
			}
		}
	}

	e.running.Store(false)
	slog.Info("simulation engine stopped", "tick", e.Tick())
}

// Stop halts the simulation loop.
func (e *Engine) Stop() {
	e.running.Store(false)
}

// Advance steps n ticks synchronously, firing callbacks as Run would.
func (e *Engine) Advance(n uint64) uint64 {
	for i := uint64(0); i < n; i++ {
		e.step()
	}
	return e.Tick()
}

// step advances the simulation by one tick.
func (e *Engine) step() {
	e.mu.Lock()
	e.tick++
	tick := e.tick
	e.mu.Unlock()

	if e.OnTick != nil {
		e.OnTick(tick)
	}

	// Every sim-hour: weather refresh, task progress.
	if tick%TicksPerSimHour == 0 && e.OnHour != nil {
		e.OnHour(tick)
	}

	// Every sim-day: resource decay, autosave.
	if tick%TicksPerSimDay == 0 && e.OnDay != nil {
		e.OnDay(tick)
	}

	if tick%TicksPerSimWeek == 0 && e.OnWeek != nil {
		e.OnWeek(tick)
	}

	if tick%TicksPerSimSeason == 0 && e.OnSeason != nil {
		e.OnSeason(tick)
	}
}

// HourOf returns the hour of day (0-23) at tick.
func HourOf(tick uint64) int {
	return int(tick / TicksPerSimHour % 24)
}

// DayOf returns the zero-based day count at tick.
func DayOf(tick uint64) uint64 {
	return tick / TicksPerSimDay
}

// SeasonOf returns the season at tick; the calendar starts in spring.
func SeasonOf(tick uint64) world.Season {
	return world.Seasons[tick/TicksPerSimSeason%4]
}

// SimTime returns a human-readable simulation time string from a tick number.
func SimTime(tick uint64) string {
	totalMinutes := tick
	minutes := totalMinutes % 60
	totalHours := totalMinutes / 60
	hours := totalHours % 24
	totalDays := totalHours / 24
	days := totalDays%DaysPerSeason + 1
	seasons := totalDays / DaysPerSeason
	season := seasons % 4
	years := seasons/4 + 1

	seasonNames := [4]string{"Spring", "Summer", "Autumn", "Winter"}

	return fmt.Sprintf("%s Day %d, %d:%02d Year %d",
		seasonNames[season], days, hours, minutes, years)
}
