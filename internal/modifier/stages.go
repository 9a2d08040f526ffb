package modifier

import (
	"github.com/talgya/villagelife/internal/catalog"
	"github.com/talgya/villagelife/internal/world"
)

// SeasonStage applies the template's multiplier for the current season.
// A missing or zero multiplier is neutral; the resolver blocks zero seasons.
var SeasonStage = Stage{
	Name:   "season",
	Scopes: []Scope{Duration, Quantity, Experience},
	Apply: func(v float64, in Input) float64 {
		m, ok := in.Template.SeasonMultiplier(in.Context.Season)
		if !ok || m <= 0 {
			return v
		}
		return efficiency(v, m, in.Scope)
	},
}

// WeatherStage applies the weather effect's efficiency, scaled by intensity:
// a half-strength storm deviates half as far from 1.
var WeatherStage = Stage{
	Name:   "weather",
	Scopes: []Scope{Duration, Quantity, Experience},
	Apply: func(v float64, in Input) float64 {
		eff, ok := WeatherEfficiency(in.Context, in.Template)
		if !ok {
			return v
		}
		return efficiency(v, eff, in.Scope)
	},
}

// WindowStage applies the efficiency of the time window covering the hour.
var WindowStage = Stage{
	Name:   "time_window",
	Scopes: []Scope{Duration, Quantity},
	Apply: func(v float64, in Input) float64 {
		w, ok := in.Template.Window(in.Context.Hour, in.Context.LightSource)
		if !ok || w.Efficiency <= 0 || w.Efficiency == 1 {
			return v
		}
		return efficiency(v, w.Efficiency, in.Scope)
	},
}

// LocationStage applies the efficiency penalty when only an alternative
// location matches.
var LocationStage = Stage{
	Name:   "location",
	Scopes: []Scope{Duration, Quantity, Experience},
	Apply: func(v float64, in Input) float64 {
		f, ok := in.Template.LocationFactor(in.Context.Location)
		if !ok || f == 1 {
			return v
		}
		return efficiency(v, f, in.Scope)
	},
}

// ContributionStage blends tool, skill, input and weather quality into the
// baseline quality, and lets skill scale quantity.
//
// Weights come from the template's quality factors. Only factors with a
// source take part, and if their sum W exceeds 1 they are normalised so it
// is exactly 1. The result is (1-W)*v + sum(w_i*q_i).
var ContributionStage = Stage{
	Name:   "contributions",
	Scopes: []Scope{Quantity, Quality},
	Apply: func(v float64, in Input) float64 {
		f := in.Factors
		if in.Scope == Quantity {
			if f.SkillMultiplier <= 0 || !f.HasSkill {
				return v
			}
			return v * (1 + f.SkillMultiplier*(clamp01(f.Skill)-0.5))
		}

		qf := in.Template.QualityFactors
		type term struct{ w, q float64 }
		var terms []term
		if f.HasTool && qf.Tool > 0 {
			terms = append(terms, term{qf.Tool, f.Tool})
		}
		if f.HasSkill && qf.Skill > 0 {
			terms = append(terms, term{qf.Skill, f.Skill})
		}
		if f.HasInput && qf.Resource > 0 {
			terms = append(terms, term{qf.Resource, f.Resource})
		}
		if qf.Weather > 0 {
			terms = append(terms, term{qf.Weather, WeatherQuality(in.Context, in.Template)})
		}
		total := 0.0
		for _, t := range terms {
			total += t.w
		}
		if total == 0 {
			return v
		}
		norm := 1.0
		if total > 1 {
			norm = 1 / total
			total = 1
		}
		out := (1 - total) * clamp01(v)
		for _, t := range terms {
			out += t.w * norm * clamp01(t.q)
		}
		return clamp01(out)
	},
}

// RandomBonusStage multiplies quantity by 1 + draw*bonus.
var RandomBonusStage = Stage{
	Name:   "random_bonus",
	Scopes: []Scope{Quantity},
	Apply: func(v float64, in Input) float64 {
		if in.RandomBonus <= 0 {
			return v
		}
		return v * (1 + clamp01(in.Draw)*in.RandomBonus)
	},
}

// ScalingStage grows durations with village level by the difficulty factor
// and grows rewards by the reward scaling share of the same amount.
var ScalingStage = Stage{
	Name:   "scaling",
	Scopes: []Scope{Duration, Quantity, Experience, Reputation},
	Apply: func(v float64, in Input) float64 {
		s := Difficulty(in.Context, in.Template)
		if s <= 0 {
			return v
		}
		if in.Scope == Duration {
			return v * (1 + s)
		}
		return v * (1 + s*in.Template.RewardScaling)
	},
}

// Difficulty returns (villageLevel-1) * difficulty_scaling, never negative.
func Difficulty(ctx world.Context, t *catalog.Template) float64 {
	lv := ctx.VillageLevel - 1
	if lv <= 0 || t.DifficultyScaling <= 0 {
		return 0
	}
	return float64(lv) * t.DifficultyScaling
}

// WeatherEfficiency returns the intensity-scaled efficiency of the template's
// effect for the current weather, if one is declared.
func WeatherEfficiency(ctx world.Context, t *catalog.Template) (float64, bool) {
	e, ok := t.WeatherEffect(ctx.Weather)
	if !ok {
		return 1, false
	}
	return 1 + (e.Efficiency-1)*ctx.Intensity(), true
}

// WeatherQuality is the weather's quality contribution: 0.5 is neutral,
// raised or lowered by the effect's quality bonus and efficiency.
func WeatherQuality(ctx world.Context, t *catalog.Template) float64 {
	e, ok := t.WeatherEffect(ctx.Weather)
	if !ok {
		return 0.5
	}
	i := ctx.Intensity()
	eff := 1 + (e.Efficiency-1)*i
	return clamp01(0.5 + e.QualityBonus*i + (eff-1)/2)
}
