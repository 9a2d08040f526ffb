package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/talgya/villagelife/internal/world"
)

func TestCalendar(t *testing.T) {
	assert.Equal(t, "Spring Day 1, 0:00 Year 1", SimTime(0))
	assert.Equal(t, "Summer Day 1, 0:00 Year 1", SimTime(TicksPerSimSeason))
	assert.Equal(t, "Spring Day 1, 1:01 Year 2", SimTime(4*TicksPerSimSeason+61))
	assert.Equal(t, "Spring Day 3, 13:30 Year 1", SimTime(2*TicksPerSimDay+13*60+30))

	assert.Equal(t, 0, HourOf(59))
	assert.Equal(t, 1, HourOf(60))
	assert.Equal(t, 23, HourOf(TicksPerSimDay-1))
	assert.Equal(t, 0, HourOf(TicksPerSimDay))
	assert.Equal(t, uint64(2), DayOf(2*TicksPerSimDay+5))

	assert.Equal(t, world.Spring, SeasonOf(0))
	assert.Equal(t, world.Autumn, SeasonOf(2*TicksPerSimSeason))
	assert.Equal(t, world.Winter, SeasonOf(4*TicksPerSimSeason-1))
	assert.Equal(t, world.Spring, SeasonOf(4*TicksPerSimSeason))
}

func TestAdvanceFiresCallbacks(t *testing.T) {
	e := NewEngine(0)
	var ticks, hours, days, weeks, seasons int
	e.OnTick = func(uint64) { ticks++ }
	e.OnHour = func(uint64) { hours++ }
	e.OnDay = func(uint64) { days++ }
	e.OnWeek = func(uint64) { weeks++ }
	e.OnSeason = func(uint64) { seasons++ }

	assert.Equal(t, uint64(TicksPerSimSeason), e.Advance(TicksPerSimSeason))
	assert.Equal(t, TicksPerSimSeason, ticks)
	assert.Equal(t, 30*24, hours)
	assert.Equal(t, 30, days)
	assert.Equal(t, 4, weeks)
	assert.Equal(t, 1, seasons)
}

func TestRunStops(t *testing.T) {
	e := NewEngine(100)
	e.Interval = time.Millisecond
	e.SetSpeed(10)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return e.Tick() > 105 }, time.Second, time.Millisecond)
	assert.True(t, e.Running())
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("engine did not stop")
	}
	assert.False(t, e.Running())
}
