package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/villagelife/internal/catalog"
	"github.com/talgya/villagelife/internal/eligibility"
	"github.com/talgya/villagelife/internal/events"
	"github.com/talgya/villagelife/internal/resources"
	"github.com/talgya/villagelife/internal/world"
)

const templates = `
chains:
  - id: village_establishment
  - id: metal_processing
templates:
  - id: scout_location
    category: PLANNING
    base_duration: 2
    chain_id: village_establishment
    chain_position: 0
    is_repeatable: false
    skill_rewards: {exploration: 10}
    village_exp_reward: 20
    event_triggers: {on_complete: [LOCATION_SCOUTED]}
  - id: clear_land
    category: CONSTRUCTION
    base_duration: 4
    chain_id: village_establishment
    chain_position: 1
    is_repeatable: false
    prerequisites: [scout_location]
    required_tools: {AXE: 1}
    resource_rewards: {WOOD: 10}
  - id: build_shelter
    category: CONSTRUCTION
    base_duration: 8
    chain_id: village_establishment
    chain_position: 2
    is_repeatable: false
    prerequisites: [clear_land]
    required_resources: {WOOD: 8}
    resource_rewards: {SHELTER: 1}
  - id: establish_water
    category: CONSTRUCTION
    base_duration: 6
    chain_id: village_establishment
    chain_position: 3
    is_repeatable: false
    prerequisites: [build_shelter]
    required_tools: {SHOVEL: 1}
    resource_rewards: {WELL: 1}
  - id: ore_smelting
    category: PROCESSING
    base_duration: 6
    chain_id: metal_processing
    chain_position: 0
    required_resources:
      - {type: SORTED_ORE, quantity: 5, min_quality: 0.3, affects_output_quality: true, quality_contribution: 0.4}
      - {type: COAL, quantity: 3, alternatives: [CHARCOAL]}
    required_tools:
      - {type: SMITHING_HAMMER, quantity: 1, min_quality: 0.1, quality_contribution: 0.3}
    skill_requirements:
      - {skill: metallurgy, level: 15}
    resource_rewards:
      - type: REFINED_METAL
        quantity: 3
        quality_multiplier: 1.2
        random_bonus: 0.2
        byproducts: [{type: SLAG, quantity: 2, chance: 0.7}]
    skill_rewards:
      - {skill: metallurgy, base_exp: 30, quality_multiplier: true, failure_exp: 10}
    weather_effects:
      clear: {efficiency: 1.1, quality_bonus: 0.05}
      storm: {efficiency: 0.6, quality_bonus: -0.1}
    failure_conditions:
      min_temperature: 800
    quality_factors: {tool_quality: 0.3, skill_level: 0.4, resource_quality: 0.3, weather_bonus: 0.1}
    event_triggers:
      on_start: [FORGE_LIT]
      on_failure: [SMELT_RUINED]
  - id: journal
    self_reported: true
    base_duration: 10
    skill_rewards: {writing: 5}
  - id: secret_grove
    is_hidden: true
    base_duration: 1
    village_level_required: 3
`

type fixture struct {
	m      *Manager
	ledger *resources.Ledger
	rec    *events.Recorder
}

func newFixture(t *testing.T, capacity float64) fixture {
	t.Helper()
	cat, err := catalog.Parse([]byte(templates))
	require.NoError(t, err)
	l := resources.NewLedger(resources.DefaultRegistry(), capacity)
	rec := events.NewRecorder(0)
	n := 0
	m := NewManager(cat, l,
		WithSink(rec),
		WithRand(rand.New(rand.NewSource(1))),
		WithIDs(func() string { n++; return fmt.Sprintf("inst-%d", n) }),
	)
	return fixture{m: m, ledger: l, rec: rec}
}

func (f fixture) add(t *testing.T, owner string, typ resources.Type, qty, q float64) {
	t.Helper()
	_, err := f.ledger.Add(owner, typ, qty, q)
	require.NoError(t, err)
}

// run creates, starts and ticks an instance through its full duration.
func (f fixture) run(t *testing.T, owner, templateID string, ctx world.Context) Instance {
	t.Helper()
	inst, err := f.m.Create(owner, templateID)
	require.NoError(t, err)
	inst, err = f.m.Start(inst.ID, ctx)
	require.NoError(t, err)
	require.Equal(t, Active, inst.State)
	inst, err = f.m.Tick(inst.ID, inst.Duration, ctx)
	require.NoError(t, err)
	return inst
}

var day = world.Context{Hour: 10, Season: world.Spring, Weather: world.Clear, VillageLevel: 1}

func TestVillageChainInOrder(t *testing.T) {
	f := newFixture(t, resources.DefaultCapacity)
	f.add(t, "p1", "AXE", 1, 0.7)
	f.add(t, "p1", "SHOVEL", 1, 0.6)

	early, err := f.m.Create("p1", "clear_land")
	require.NoError(t, err)
	_, err = f.m.Start(early.ID, day)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBlocked))
	var se *StartError
	require.True(t, errors.As(err, &se))
	assert.True(t, se.Result.Has(eligibility.MissingPrerequisite))
	got, err := f.m.Get(early.ID)
	require.NoError(t, err)
	assert.Equal(t, Pending, got.State)
	_, err = f.m.Cancel(early.ID)
	require.NoError(t, err)

	for _, id := range []string{"scout_location", "clear_land", "build_shelter", "establish_water"} {
		inst := f.run(t, "p1", id, day)
		assert.Equal(t, Completed, inst.State, id)
		assert.Equal(t, 1, f.m.Profile("p1").Completions[id])
	}

	wood, _ := f.ledger.Peek("p1", "WOOD")
	assert.InDelta(t, 2, wood.Quantity, 1e-9)
	shelter, ok := f.ledger.Peek("p1", "SHELTER")
	require.True(t, ok)
	assert.Equal(t, 1.0, shelter.Quantity)
	_, ok = f.ledger.Peek("p1", "WELL")
	assert.True(t, ok)
	assert.Zero(t, f.ledger.Locked("p1", "AXE"))
	assert.Zero(t, f.ledger.Locked("p1", "SHOVEL"))

	p := f.m.Profile("p1")
	assert.InDelta(t, 1, p.Skills["exploration"], 1e-9)
	assert.InDelta(t, 20, p.VillageExp, 1e-9)

	again, err := f.m.Create("p1", "scout_location")
	require.NoError(t, err)
	_, err = f.m.Start(again.ID, day)
	require.True(t, errors.As(err, &se))
	assert.True(t, se.Result.Has(eligibility.AlreadyCompleted))

	names := f.rec.Names()
	assert.Equal(t, []string{events.TaskCancelled, events.TaskStarted, events.TaskCompleted, "LOCATION_SCOUTED"}, names[:4])
}

func smelterSetup(t *testing.T, f fixture, hammer float64) {
	t.Helper()
	f.add(t, "p1", "SORTED_ORE", 7, 0.45)
	f.add(t, "p1", "CHARCOAL", 4, 0.6)
	f.add(t, "p1", "SMITHING_HAMMER", 1, hammer)
	f.m.SetSkill("p1", "metallurgy", 20)
}

func hot(c world.Context) world.Context {
	c = c.Clone()
	c.Environment = map[string]float64{"temperature": 1000}
	return c
}

func TestStartShortageLeavesLedgerUntouched(t *testing.T) {
	f := newFixture(t, resources.DefaultCapacity)
	f.add(t, "p1", "SORTED_ORE", 5, 0.5)
	f.add(t, "p1", "COAL", 1, 0.9)
	f.add(t, "p1", "SMITHING_HAMMER", 1, 0.6)
	f.m.SetSkill("p1", "metallurgy", 20)

	before, err := json.Marshal(f.m.Export())
	require.NoError(t, err)

	inst, err := f.m.Create("p1", "ore_smelting")
	require.NoError(t, err)
	_, err = f.m.Start(inst.ID, hot(day))
	require.Error(t, err)
	assert.True(t, errors.Is(err, resources.ErrInsufficientResource))

	got, err := f.m.Get(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, Pending, got.State)
	assert.Empty(t, got.Reservation.Items)

	after := f.ledger.Export()
	var beforeState State
	require.NoError(t, json.Unmarshal(before, &beforeState))
	beforeLedger, _ := json.Marshal(beforeState.Ledger)
	afterLedger, _ := json.Marshal(after)
	assert.Equal(t, string(beforeLedger), string(afterLedger))
}

func TestStartErrorsMapToSentinels(t *testing.T) {
	f := newFixture(t, resources.DefaultCapacity)
	f.add(t, "p1", "SORTED_ORE", 5, 0.5)
	f.add(t, "p1", "COAL", 3, 0.5)
	f.m.SetSkill("p1", "metallurgy", 5)

	inst, err := f.m.Create("p1", "ore_smelting")
	require.NoError(t, err)
	_, err = f.m.Start(inst.ID, day)
	assert.True(t, errors.Is(err, ErrInsufficientSkill), "%v", err)

	f.m.SetSkill("p1", "metallurgy", 15)
	_, err = f.m.Start(inst.ID, day)
	assert.True(t, errors.Is(err, ErrToolMissing), "%v", err)
}

func TestCancelRestoresReservation(t *testing.T) {
	f := newFixture(t, resources.DefaultCapacity)
	smelterSetup(t, f, 0.5)

	inst, err := f.m.Create("p1", "ore_smelting")
	require.NoError(t, err)
	inst, err = f.m.Start(inst.ID, hot(day))
	require.NoError(t, err)

	ore, _ := f.ledger.Peek("p1", "SORTED_ORE")
	assert.InDelta(t, 2, ore.Quantity, 1e-9)
	assert.Equal(t, 1.0, f.ledger.Locked("p1", "SMITHING_HAMMER"))

	inst, err = f.m.Cancel(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, Cancelled, inst.State)

	ore, _ = f.ledger.Peek("p1", "SORTED_ORE")
	assert.InDelta(t, 7, ore.Quantity, 1e-9)
	assert.InDelta(t, 0.45, ore.Quality, 1e-9)
	charcoal, _ := f.ledger.Peek("p1", "CHARCOAL")
	assert.InDelta(t, 4, charcoal.Quantity, 1e-9)
	assert.InDelta(t, 0.6, charcoal.Quality, 1e-9)
	assert.Zero(t, f.ledger.Locked("p1", "SMITHING_HAMMER"))

	_, err = f.m.Cancel(inst.ID)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
}

func TestSmeltingQualityFollowsToolAndWeather(t *testing.T) {
	good := newFixture(t, resources.DefaultCapacity)
	smelterSetup(t, good, 0.6)
	bad := newFixture(t, resources.DefaultCapacity)
	smelterSetup(t, bad, 0.1)

	storm := day
	storm.Weather = world.Storm

	g := good.run(t, "p1", "ore_smelting", hot(day))
	b := bad.run(t, "p1", "ore_smelting", hot(storm))
	require.Equal(t, Completed, g.State)
	require.Equal(t, Completed, b.State)
	assert.InDelta(t, 6/1.1, g.Duration, 1e-9)
	assert.InDelta(t, 10, b.Duration, 1e-9)

	gm, ok := good.ledger.Peek("p1", "REFINED_METAL")
	require.True(t, ok)
	bm, ok := bad.ledger.Peek("p1", "REFINED_METAL")
	require.True(t, ok)
	assert.Greater(t, gm.Quality, bm.Quality)
	assert.Greater(t, g.Outcome.Quality, b.Outcome.Quality)
	assert.Equal(t, []float64{0.3}, g.Materials.ToolWeights)
	assert.Equal(t, []float64{0.4}, g.Materials.InputWeights)

	// Inputs stay consumed, the hammer is free again.
	ore, _ := good.ledger.Peek("p1", "SORTED_ORE")
	assert.InDelta(t, 2, ore.Quantity, 1e-9)
	assert.Zero(t, good.ledger.Locked("p1", "SMITHING_HAMMER"))
	assert.Greater(t, good.m.Profile("p1").Skills["metallurgy"], 20.0)
}

func TestFailureConditions(t *testing.T) {
	f := newFixture(t, resources.DefaultCapacity)
	smelterSetup(t, f, 0.5)

	cold := day.Clone()
	cold.Environment = map[string]float64{"temperature": 500}
	inst := f.run(t, "p1", "ore_smelting", cold)
	assert.Equal(t, Failed, inst.State)
	require.NotNil(t, inst.Outcome)
	assert.Contains(t, inst.Outcome.Reason, "temperature")

	_, ok := f.ledger.Peek("p1", "REFINED_METAL")
	assert.False(t, ok)
	ore, _ := f.ledger.Peek("p1", "SORTED_ORE")
	assert.InDelta(t, 2, ore.Quantity, 1e-9)
	assert.Zero(t, f.ledger.Locked("p1", "SMITHING_HAMMER"))

	p := f.m.Profile("p1")
	assert.InDelta(t, 20+1/1.4, p.Skills["metallurgy"], 1e-9)
	assert.Zero(t, p.Completions["ore_smelting"])
	assert.Equal(t, []string{events.TaskStarted, "FORGE_LIT", events.TaskFailed, "SMELT_RUINED"}, f.rec.Names())
}

func TestInvalidTransitions(t *testing.T) {
	f := newFixture(t, resources.DefaultCapacity)
	inst, err := f.m.Create("p1", "journal")
	require.NoError(t, err)

	_, err = f.m.Complete(inst.ID, day)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	_, err = f.m.Tick(inst.ID, 1, day)
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	_, err = f.m.Start(inst.ID, day)
	require.NoError(t, err)
	_, err = f.m.Start(inst.ID, day)
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	done, err := f.m.Complete(inst.ID, day)
	require.NoError(t, err, "self-reported tasks may finish early")
	assert.Equal(t, Completed, done.State)

	_, err = f.m.Cancel(inst.ID)
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	_, err = f.m.Get("missing")
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = f.m.Create("p1", "missing")
	assert.True(t, errors.Is(err, catalog.ErrNotFound))
}

func TestCompleteNotDue(t *testing.T) {
	f := newFixture(t, resources.DefaultCapacity)
	inst, err := f.m.Create("p1", "scout_location")
	require.NoError(t, err)
	_, err = f.m.Start(inst.ID, day)
	require.NoError(t, err)

	_, err = f.m.Complete(inst.ID, day)
	assert.True(t, errors.Is(err, ErrNotDue))

	inst, err = f.m.Tick(inst.ID, 1, day)
	require.NoError(t, err)
	assert.Equal(t, Active, inst.State)
	assert.InDelta(t, 1, inst.Remaining(), 1e-9)

	inst, err = f.m.Tick(inst.ID, 1, day)
	require.NoError(t, err)
	assert.Equal(t, Completed, inst.State)
}

func TestCompletionThatDoesNotFitStaysActive(t *testing.T) {
	f := newFixture(t, 10)
	f.add(t, "p1", "AXE", 1, 0.7)
	require.Equal(t, Completed, f.run(t, "p1", "scout_location", day).State)

	inst, err := f.m.Create("p1", "clear_land")
	require.NoError(t, err)
	inst, err = f.m.Start(inst.ID, day)
	require.NoError(t, err)

	inst, err = f.m.Tick(inst.ID, 4, day)
	require.Error(t, err)
	assert.True(t, errors.Is(err, resources.ErrCapacityExceeded))
	assert.Equal(t, Active, inst.State)
	assert.Equal(t, 1.0, f.ledger.Locked("p1", "AXE"))
	assert.Zero(t, f.m.Profile("p1").Completions["clear_land"])
}

func TestAdvanceFinishesDueInstances(t *testing.T) {
	f := newFixture(t, resources.DefaultCapacity)
	f.add(t, "p1", "AXE", 1, 0.7)
	scout, err := f.m.Create("p1", "scout_location")
	require.NoError(t, err)
	_, err = f.m.Start(scout.ID, day)
	require.NoError(t, err)
	journal, err := f.m.Create("p1", "journal")
	require.NoError(t, err)
	_, err = f.m.Start(journal.ID, day)
	require.NoError(t, err)
	other, err := f.m.Create("p2", "journal")
	require.NoError(t, err)
	_, err = f.m.Start(other.ID, day)
	require.NoError(t, err)

	done, err := f.m.Advance("p1", 3, day)
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, scout.ID, done[0].ID)

	done, err = f.m.Advance("p1", 7, day)
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, journal.ID, done[0].ID)

	o, err := f.m.Get(other.ID)
	require.NoError(t, err)
	assert.Equal(t, Active, o.State, "owners are isolated")
	assert.Equal(t, []string{"p1", "p2"}, f.m.Owners())
}

func TestAvailableHidesBlockedHiddenTemplates(t *testing.T) {
	f := newFixture(t, resources.DefaultCapacity)
	ids := func(list []Availability) []string {
		var out []string
		for _, a := range list {
			out = append(out, a.Template.ID)
		}
		return out
	}
	list := f.m.Available("p1", day)
	assert.NotContains(t, ids(list), "secret_grove")
	assert.Contains(t, ids(list), "clear_land")

	high := day
	high.VillageLevel = 3
	assert.Contains(t, ids(f.m.Available("p1", high)), "secret_grove")

	res, err := f.m.Check("p1", "build_shelter", day)
	require.NoError(t, err)
	assert.True(t, res.Has(eligibility.MissingPrerequisite))
	assert.True(t, res.Has(eligibility.InsufficientRes))
}

func TestExportImportRoundTrip(t *testing.T) {
	f := newFixture(t, resources.DefaultCapacity)
	smelterSetup(t, f, 0.5)
	f.run(t, "p1", "scout_location", day)
	active, err := f.m.Create("p1", "ore_smelting")
	require.NoError(t, err)
	_, err = f.m.Start(active.ID, hot(day))
	require.NoError(t, err)

	data, err := json.Marshal(f.m.Export())
	require.NoError(t, err)

	var st State
	require.NoError(t, json.Unmarshal(data, &st))
	g := newFixture(t, resources.DefaultCapacity)
	require.NoError(t, g.m.Import(st))

	again, err := json.Marshal(g.m.Export())
	require.NoError(t, err)
	assert.JSONEq(t, string(data), string(again))

	// The restored instance keeps its reservation and can finish.
	inst, err := g.m.Tick(active.ID, 10, hot(day))
	require.NoError(t, err)
	assert.Equal(t, Completed, inst.State)
	assert.Zero(t, g.ledger.Locked("p1", "SMITHING_HAMMER"))
}

func TestImportRejectsUnknownTemplate(t *testing.T) {
	f := newFixture(t, resources.DefaultCapacity)
	err := f.m.Import(State{Instances: []Instance{{ID: "x", TemplateID: "nope", State: Pending}}})
	assert.Error(t, err)
	err = f.m.Import(State{Instances: []Instance{{ID: "x", TemplateID: "journal", State: "DONE"}}})
	assert.Error(t, err)
}

func TestImportRejectsLocksThatDisagreeWithActiveTasks(t *testing.T) {
	f := newFixture(t, resources.DefaultCapacity)
	smelterSetup(t, f, 0.5)
	active, err := f.m.Create("p1", "ore_smelting")
	require.NoError(t, err)
	_, err = f.m.Start(active.ID, hot(day))
	require.NoError(t, err)

	fresh := func() State {
		data, err := json.Marshal(f.m.Export())
		require.NoError(t, err)
		var st State
		require.NoError(t, json.Unmarshal(data, &st))
		return st
	}

	t.Run("lock without an active task", func(t *testing.T) {
		st := fresh()
		for i := range st.Instances {
			st.Instances[i].State = Cancelled
		}
		g := newFixture(t, resources.DefaultCapacity)
		assert.ErrorIs(t, g.m.Import(st), ErrInconsistentState)
		assert.Empty(t, g.m.Instances(""))
	})

	t.Run("active task without its lock", func(t *testing.T) {
		st := fresh()
		o := st.Ledger.Owners["p1"]
		o.Locked = nil
		st.Ledger.Owners["p1"] = o
		g := newFixture(t, resources.DefaultCapacity)
		assert.ErrorIs(t, g.m.Import(st), ErrInconsistentState)
	})

	t.Run("partial lock", func(t *testing.T) {
		st := fresh()
		o := st.Ledger.Owners["p1"]
		o.Locked["SMITHING_HAMMER"] = 0.5
		st.Ledger.Owners["p1"] = o
		g := newFixture(t, resources.DefaultCapacity)
		assert.ErrorIs(t, g.m.Import(st), ErrInconsistentState)
	})

	g := newFixture(t, resources.DefaultCapacity)
	require.NoError(t, g.m.Import(fresh()))
}

func TestProfileVillageLevel(t *testing.T) {
	assert.Equal(t, 1, Profile{}.VillageLevel())
	assert.Equal(t, 1, Profile{VillageExp: 99}.VillageLevel())
	assert.Equal(t, 3, Profile{VillageExp: 250}.VillageLevel())
}
