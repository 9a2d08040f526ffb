package modifier

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/villagelife/internal/catalog"
	"github.com/talgya/villagelife/internal/world"
)

func smelting() *catalog.Template {
	return &catalog.Template{
		ID:                "ore_smelting",
		Duration:          6,
		SeasonMultipliers: map[world.Season]float64{world.Winter: 0.8, world.Summer: 1.25},
		WeatherEffects: map[world.Weather]catalog.WeatherEffect{
			world.Clear: {Efficiency: 1.1, QualityBonus: 0.05},
			world.Storm: {Efficiency: 0.6, QualityBonus: -0.1},
		},
		QualityFactors:    catalog.QualityFactors{Tool: 0.3, Skill: 0.4, Resource: 0.3, Weather: 0.1},
		DifficultyScaling: 0.1,
		RewardScaling:     0.5,
	}
}

func TestStageOrder(t *testing.T) {
	assert.Equal(t, []string{
		"season", "weather", "time_window", "location", "contributions", "random_bonus", "scaling",
	}, Default().Stages())
}

func TestSeasonAndWeather(t *testing.T) {
	p := Default()
	tpl := smelting()
	ctx := world.Context{Season: world.Summer, Weather: world.Clear, VillageLevel: 1}

	q := p.Run(10, Input{Context: ctx, Template: tpl, Scope: Quantity})
	assert.InDelta(t, 10*1.25*1.1, q, 1e-9)

	d := p.Run(6, Input{Context: ctx, Template: tpl, Scope: Duration})
	assert.InDelta(t, 6/1.25/1.1, d, 1e-9)

	// Half-intensity storm: efficiency 1 + (0.6-1)*0.5 = 0.8.
	ctx = world.Context{Season: world.Spring, Weather: world.Storm, WeatherIntensity: 0.5, VillageLevel: 1}
	q = p.Run(10, Input{Context: ctx, Template: tpl, Scope: Quantity})
	assert.InDelta(t, 8, q, 1e-9)
}

func TestWindowAndLocationPenalty(t *testing.T) {
	tpl := &catalog.Template{
		TimeWindows: []world.TimeWindow{{Start: 20, End: 6, Efficiency: 0.5}},
		Location:    &catalog.LocationRequirement{Primary: []string{"mine"}, Alternative: []string{"hills"}, Penalty: 0.8},
	}
	ctx := world.Context{Hour: 22, Location: "hills"}
	q := Default().Run(10, Input{Context: ctx, Template: tpl, Scope: Quantity})
	assert.InDelta(t, 10*0.5*0.8, q, 1e-9)

	ctx.Location = "mine"
	q = Default().Run(10, Input{Context: ctx, Template: tpl, Scope: Quantity})
	assert.InDelta(t, 5, q, 1e-9)
}

func TestContributionsNormalized(t *testing.T) {
	tpl := smelting()
	ctx := world.Context{Weather: world.Cloudy}
	in := Input{
		Context: ctx, Template: tpl, Scope: Quality,
		Factors: Factors{Tool: 1, Skill: 1, Resource: 1, HasTool: true, HasSkill: true, HasInput: true},
	}
	// Weights sum to 1.1, so the baseline drops out and every source is
	// scaled by 1/1.1. Cloudy has no effect entry: weather quality is 0.5.
	got := Default().Run(0.2, in)
	want := (0.3 + 0.4 + 0.3 + 0.1*0.5) / 1.1
	assert.InDelta(t, want, got, 1e-9)
	assert.LessOrEqual(t, got, 1.0)
}

func TestContributionsPartialWeight(t *testing.T) {
	tpl := &catalog.Template{QualityFactors: catalog.QualityFactors{Tool: 0.4}}
	in := Input{Template: tpl, Scope: Quality, Factors: Factors{Tool: 0.9, HasTool: true}}
	assert.InDelta(t, 0.6*0.5+0.4*0.9, Default().Run(0.5, in), 1e-9)

	// Without a tool the tool weight does not apply.
	in.Factors = Factors{}
	assert.InDelta(t, 0.5, Default().Run(0.5, in), 1e-9)
}

func TestQualityOrderingAcrossConditions(t *testing.T) {
	tpl := smelting()
	good := Input{
		Context: world.Context{Weather: world.Clear}, Template: tpl, Scope: Quality,
		Factors: Factors{Tool: 0.6, Skill: 0.5, HasTool: true, HasSkill: true},
	}
	bad := good
	bad.Context.Weather = world.Storm
	bad.Factors.Tool = 0.1
	assert.Greater(t, Default().Run(0.6, good), Default().Run(0.6, bad))
}

func TestRandomBonusAndSkillMultiplier(t *testing.T) {
	tpl := &catalog.Template{}
	in := Input{Template: tpl, Scope: Quantity, Draw: 0.5, RandomBonus: 0.2,
		Factors: Factors{Skill: 1, HasSkill: true, SkillMultiplier: 0.4}}
	// (1 + 0.4*0.5) * (1 + 0.5*0.2)
	assert.InDelta(t, 10*1.2*1.1, Default().Run(10, in), 1e-9)

	// Duration never sees the bonus.
	in.Scope = Duration
	assert.InDelta(t, 10, Default().Run(10, in), 1e-9)
}

func TestScaling(t *testing.T) {
	tpl := smelting()
	ctx := world.Context{VillageLevel: 3}
	d := Default().Run(6, Input{Context: ctx, Template: tpl, Scope: Duration})
	assert.InDelta(t, 6*1.2, d, 1e-9)
	r := Default().Run(10, Input{Context: ctx, Template: tpl, Scope: Reputation})
	assert.InDelta(t, 10*1.1, r, 1e-9)
}

func TestDeterministicAndTraced(t *testing.T) {
	tpl := smelting()
	in := Input{Context: world.Context{Season: world.Winter, Weather: world.Clear, VillageLevel: 2},
		Template: tpl, Scope: Quantity, Draw: 0.3, RandomBonus: 0.5}
	a := Default().Run(4, in)
	b := Default().Run(4, in)
	assert.Equal(t, a, b)

	v, steps := Default().Trace(4, in)
	assert.Equal(t, a, v)
	require.NotEmpty(t, steps)
	assert.Equal(t, "season", steps[0].Stage)
	assert.Equal(t, steps[len(steps)-1].After, v)
}

func TestClampsBadInput(t *testing.T) {
	tpl := &catalog.Template{}
	assert.Equal(t, 0.0, Default().Run(-3, Input{Template: tpl, Scope: Quantity}))
	assert.Equal(t, 0.0, Default().Run(math.NaN(), Input{Template: tpl, Scope: Duration}))
	assert.Equal(t, 1.0, Default().Run(4, Input{Template: tpl, Scope: Quality}))
	assert.Equal(t, 2.0, Default().Run(2, Input{Scope: Experience}), "nil template is neutral")

	// A zero-efficiency weather effect slows work but cannot stall it.
	stall := &catalog.Template{WeatherEffects: map[world.Weather]catalog.WeatherEffect{world.Snow: {Efficiency: 0}}}
	d := Default().Run(1, Input{Context: world.Context{Weather: world.Snow}, Template: stall, Scope: Duration})
	assert.InDelta(t, 1/minEfficiency, d, 1e-9)
}
