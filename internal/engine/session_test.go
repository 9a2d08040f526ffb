package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/villagelife/internal/catalog"
	"github.com/talgya/villagelife/internal/entropy"
	"github.com/talgya/villagelife/internal/resources"
	"github.com/talgya/villagelife/internal/task"
	"github.com/talgya/villagelife/internal/world"
)

const sessionTemplates = `
templates:
  - id: scout_location
    category: PLANNING
    base_duration: 2
    is_repeatable: false
    village_exp_reward: 20
  - id: night_watch
    base_duration: 1
    valid_time_ranges:
      - {start_hour: 20, end_hour: 6, requires_light_source: true}
  - id: air_herbs
    base_duration: 3
    required_resources: {HERBS: 2}
    failure_conditions:
      maximum_moisture: 0.5
`

type fixedWeather struct{ r world.Reading }

func (f *fixedWeather) Current(context.Context, uint64, world.Season) (world.Reading, error) {
	return f.r, nil
}

type brokenWeather struct{}

func (brokenWeather) Current(context.Context, uint64, world.Season) (world.Reading, error) {
	return world.Reading{}, errors.New("offline")
}

func newSession(t *testing.T, start uint64, wp *fixedWeather) (*Session, *Engine) {
	t.Helper()
	cat, err := catalog.Parse([]byte(sessionTemplates))
	require.NoError(t, err)
	n := 0
	m := task.NewManager(cat, resources.NewLedger(resources.DefaultRegistry(), resources.DefaultCapacity),
		task.WithRand(entropy.NewSeeded(3)),
		task.WithIDs(func() string { n++; return fmt.Sprintf("t%d", n) }),
	)
	s := NewSession(m, wp, "village")
	e := NewEngine(start)
	s.Attach(context.Background(), e)
	return s, e
}

func TestSessionAdvancesTasksHourly(t *testing.T) {
	wp := &fixedWeather{r: world.Reading{Weather: world.Clear, Intensity: 0.5, Temperature: 18}}
	s, e := newSession(t, 10*TicksPerSimHour, wp)

	inst, err := s.Begin("p1", "scout_location")
	require.NoError(t, err)
	require.Equal(t, task.Active, inst.State)
	assert.Equal(t, 2.0, inst.Duration)

	e.Advance(TicksPerSimHour)
	inst, err = s.Instance(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, task.Active, inst.State)
	assert.Equal(t, 1.0, inst.Elapsed)

	e.Advance(TicksPerSimHour)
	inst, err = s.Instance(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, task.Completed, inst.State)

	p := s.Profile("p1")
	assert.Equal(t, 1, p.Completions["scout_location"])
	assert.Equal(t, 20.0, p.VillageExp)

	st := s.Status()
	assert.Equal(t, 1, st.TasksByState["COMPLETED"])
	assert.Equal(t, []string{"p1"}, st.Owners)
	assert.Equal(t, 12, st.Hour)
}

func TestSessionFailureConditionsReadWeather(t *testing.T) {
	wp := &fixedWeather{r: world.Reading{Weather: world.Clear, Intensity: 0.5}}
	s, e := newSession(t, 10*TicksPerSimHour, wp)
	_, err := s.Grant("p1", "HERBS", 4, 0.8)
	require.NoError(t, err)

	inst, err := s.Begin("p1", "air_herbs")
	require.NoError(t, err)

	wp.r = world.Reading{Weather: world.Rain, Intensity: 0.7}
	e.Advance(3 * TicksPerSimHour)
	inst, err = s.Instance(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, task.Failed, inst.State)
	assert.Equal(t, 0.8, s.Context("p1").Environment["moisture"])
}

func TestSessionContext(t *testing.T) {
	wp := &fixedWeather{r: world.Reading{Weather: world.Storm, Intensity: 0.9, Temperature: 7}}
	s, _ := newSession(t, 22*TicksPerSimHour, wp)

	ctx := s.Context("p1")
	assert.Equal(t, 22, ctx.Hour)
	assert.Equal(t, world.Spring, ctx.Season)
	assert.Equal(t, world.Storm, ctx.Weather)
	assert.Equal(t, 1, ctx.VillageLevel)
	assert.Equal(t, "village", ctx.Location)
	assert.False(t, ctx.Sheltered)
	assert.False(t, ctx.LightSource)
	assert.Equal(t, 1.0, ctx.Environment["ventilation"])

	res, err := s.Check("p1", "night_watch")
	require.NoError(t, err)
	assert.False(t, res.Eligible)

	_, err = s.Grant("p1", "TORCH", 1, 0.5)
	require.NoError(t, err)
	_, err = s.Grant("p1", "SHELTER", 1, 1)
	require.NoError(t, err)

	ctx = s.Context("p1")
	assert.True(t, ctx.Sheltered)
	assert.True(t, ctx.LightSource)
	assert.Equal(t, 0.5, ctx.Environment["ventilation"])

	res, err = s.Check("p1", "night_watch")
	require.NoError(t, err)
	assert.True(t, res.Eligible, "%v", res.Blockers)
}

func TestSessionDecaysDaily(t *testing.T) {
	wp := &fixedWeather{r: world.Reading{Weather: world.Clear}}
	s, e := newSession(t, 0, wp)
	_, err := s.Grant("p1", "HERBS", 10, 0.8)
	require.NoError(t, err)
	_, err = s.Grant("p1", "STONE", 10, 0.8)
	require.NoError(t, err)

	e.Advance(TicksPerSimDay)
	inv := s.Inventory("p1")
	qty := map[resources.Type]float64{}
	for _, st := range inv.Stacks {
		qty[st.Type] = st.Quantity
	}
	assert.InDelta(t, 9.0, qty["HERBS"], 1e-9)
	assert.Equal(t, 10.0, qty["STONE"])

	// A second pass at the same tick is a no-op.
	s.Day(TicksPerSimDay)
	inv = s.Inventory("p1")
	for _, st := range inv.Stacks {
		if st.Type == "HERBS" {
			assert.InDelta(t, 9.0, st.Quantity, 1e-9)
		}
	}
}

func TestSessionKeepsWeatherWhenProviderFails(t *testing.T) {
	cat, err := catalog.Parse([]byte(sessionTemplates))
	require.NoError(t, err)
	m := task.NewManager(cat, resources.NewLedger(nil, 0))
	s := NewSession(m, brokenWeather{}, "")
	s.Hour(context.Background(), TicksPerSimHour)
	assert.Equal(t, world.Clear, s.Context("p1").Weather)
}

func TestSessionExportImport(t *testing.T) {
	wp := &fixedWeather{r: world.Reading{Weather: world.Clear}}
	s, e := newSession(t, 10*TicksPerSimHour, wp)
	_, err := s.Begin("p1", "scout_location")
	require.NoError(t, err)
	e.Advance(30)

	st := s.Export()
	assert.Equal(t, uint64(10*TicksPerSimHour+30), st.Tick)

	s2, _ := newSession(t, 0, wp)
	require.NoError(t, s2.Import(st))
	assert.Equal(t, st.Tick, s2.Status().Tick)
	assert.Len(t, s2.Instances("p1"), 1)
}
