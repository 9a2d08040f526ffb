// Package modifier adjusts base durations, quantities, qualities and
// experience for the world context a task runs in.
//
// A Pipeline is an ordered list of stages. Each stage declares the scopes it
// touches and maps (value, input) to a new value. Stages are pure: the random
// draw arrives in the input, so the same input always yields the same result.
package modifier

import (
	"math"

	"github.com/talgya/villagelife/internal/catalog"
	"github.com/talgya/villagelife/internal/world"
)

// Scope says which kind of value is being adjusted.
type Scope uint8

const (
	Duration Scope = iota
	Quantity
	Quality
	Experience
	Reputation
)

func (s Scope) String() string {
	switch s {
	case Duration:
		return "duration"
	case Quantity:
		return "quantity"
	case Quality:
		return "quality"
	case Experience:
		return "experience"
	case Reputation:
		return "reputation"
	}
	return "unknown"
}

// Factors carry the qualities that blend into output quality.
type Factors struct {
	Tool     float64 // mean quality of reserved tools
	Skill    float64 // level-to-quality of the best qualifying skill
	Resource float64 // mean quality of inputs that affect output
	HasTool  bool
	HasSkill bool
	HasInput bool

	// SkillMultiplier scales quantity by skill quality (per reward).
	SkillMultiplier float64
}

// Input is everything a stage may read.
type Input struct {
	Context  world.Context
	Template *catalog.Template
	Scope    Scope

	Draw        float64 // uniform draw in [0,1), supplied by the caller
	RandomBonus float64 // upper bound of the random bonus for this reward
	Factors     Factors
}

// Stage is one named adjustment.
type Stage struct {
	Name   string
	Scopes []Scope
	Apply  func(v float64, in Input) float64
}

func (s Stage) covers(scope Scope) bool {
	for _, sc := range s.Scopes {
		if sc == scope {
			return true
		}
	}
	return false
}

// Step records one stage's effect, for explain output.
type Step struct {
	Stage  string  `json:"stage"`
	Before float64 `json:"before"`
	After  float64 `json:"after"`
}

// Pipeline applies stages in order.
type Pipeline struct {
	stages []Stage
}

// New builds a pipeline from stages in precedence order.
func New(stages ...Stage) *Pipeline {
	return &Pipeline{stages: append([]Stage(nil), stages...)}
}

// Default returns the standard precedence: season, weather, time window,
// location, quality contributions, random bonus, then difficulty scaling.
func Default() *Pipeline {
	return New(
		SeasonStage,
		WeatherStage,
		WindowStage,
		LocationStage,
		ContributionStage,
		RandomBonusStage,
		ScalingStage,
	)
}

// Stages returns the stage names in order.
func (p *Pipeline) Stages() []string {
	out := make([]string, len(p.stages))
	for i, s := range p.stages {
		out[i] = s.Name
	}
	return out
}

// Run adjusts base through every stage that covers in.Scope.
func (p *Pipeline) Run(base float64, in Input) float64 {
	v := clamp(base, in.Scope)
	if in.Template == nil {
		return v
	}
	for _, s := range p.stages {
		if s.covers(in.Scope) {
			v = clamp(s.Apply(v, in), in.Scope)
		}
	}
	return v
}

// Trace is Run with a record of every stage that applied.
func (p *Pipeline) Trace(base float64, in Input) (float64, []Step) {
	v := clamp(base, in.Scope)
	if in.Template == nil {
		return v, nil
	}
	var steps []Step
	for _, s := range p.stages {
		if !s.covers(in.Scope) {
			continue
		}
		next := clamp(s.Apply(v, in), in.Scope)
		steps = append(steps, Step{Stage: s.Name, Before: v, After: next})
		v = next
	}
	return v, steps
}

// maxValue caps runaway results, e.g. a duration divided by a tiny efficiency.
const maxValue = 1e9

// minEfficiency keeps an efficiency factor from stalling a task forever.
const minEfficiency = 0.05

func clamp(v float64, scope Scope) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if scope == Quality {
		return math.Min(v, 1)
	}
	return math.Min(v, maxValue)
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// efficiency applies an efficiency factor: durations shrink, yields grow.
func efficiency(v, eff float64, scope Scope) float64 {
	if eff < minEfficiency {
		eff = minEfficiency
	}
	if scope == Duration {
		return v / eff
	}
	return v * eff
}
