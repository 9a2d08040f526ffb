// Package catalog loads and validates task templates: the immutable,
// declarative definitions of what each village task needs and yields.
package catalog

import (
	"github.com/talgya/villagelife/internal/resources"
	"github.com/talgya/villagelife/internal/world"
)

// Category groups templates for display.
type Category string

const (
	Planning     Category = "PLANNING"
	Gathering    Category = "GATHERING"
	Crafting     Category = "CRAFTING"
	Construction Category = "CONSTRUCTION"
	Processing   Category = "PROCESSING"
	Maintenance  Category = "MAINTENANCE"
)

// Template is one task definition. Templates are never mutated after load;
// difficulty and reward scaling happen downstream in the modifier pipeline.
type Template struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Category    Category `json:"category"`
	Duration    float64  `json:"base_duration"` // sim hours

	SelfReported bool `json:"self_reported,omitempty"` // may be completed explicitly before the duration elapses
	Hidden       bool `json:"hidden,omitempty"`        // omitted from listings while blocked
	Repeatable   bool `json:"repeatable"`

	Prerequisites []Prerequisite     `json:"prerequisites,omitempty"`
	Resources     []Requirement      `json:"required_resources,omitempty"`
	Tools         []Requirement      `json:"required_tools,omitempty"`
	Skills        []SkillRequirement `json:"skill_requirements,omitempty"`

	Rewards      []Reward      `json:"resource_rewards,omitempty"`
	SkillRewards []SkillReward `json:"skill_rewards,omitempty"`
	Reputation   float64       `json:"reputation_reward,omitempty"`
	VillageExp   float64       `json:"village_exp_reward,omitempty"`

	TimeWindows       []world.TimeWindow              `json:"valid_time_ranges,omitempty"`
	Seasons           []world.Season                  `json:"seasons,omitempty"` // allowed seasons; empty = all
	SeasonMultipliers map[world.Season]float64        `json:"season_multipliers,omitempty"`
	AllowedWeather    []world.Weather                 `json:"weather_requirements,omitempty"`
	WeatherEffects    map[world.Weather]WeatherEffect `json:"weather_effects,omitempty"`
	Location          *LocationRequirement            `json:"location_requirements,omitempty"`

	ChainID         string `json:"chain_id,omitempty"`
	ChainPosition   int    `json:"chain_position"`
	MinVillageLevel int    `json:"village_level_required,omitempty"`

	DifficultyScaling float64 `json:"difficulty_scaling,omitempty"`
	RewardScaling     float64 `json:"reward_scaling,omitempty"`

	FailureConditions []Bound        `json:"failure_conditions,omitempty"`
	QualityFactors    QualityFactors `json:"quality_factors"`
	Triggers          Triggers       `json:"event_triggers"`
}

// Prerequisite gates a template on earlier completions and, optionally,
// on other conditions that must hold at the same time.
type Prerequisite struct {
	TaskID      string `json:"task_id,omitempty"`
	Completions int    `json:"completions_required,omitempty"` // defaults to 1 when TaskID is set

	Skill      string  `json:"skill,omitempty"`
	SkillLevel float64 `json:"skill_level,omitempty"`

	Resource   resources.Type `json:"resource,omitempty"`
	Quantity   float64        `json:"quantity,omitempty"`
	MinQuality float64        `json:"min_quality,omitempty"`

	Seasons         []world.Season    `json:"seasons,omitempty"`
	Weather         []world.Weather   `json:"weather,omitempty"`
	TimeWindow      *world.TimeWindow `json:"time_window,omitempty"`
	MinVillageLevel int               `json:"village_level,omitempty"`
}

// Required returns the number of completions of TaskID needed.
func (p Prerequisite) Required() int {
	if p.Completions <= 0 {
		return 1
	}
	return p.Completions
}

// Requirement is a resource or tool a task needs at start.
type Requirement struct {
	Type          resources.Type   `json:"type"`
	Quantity      float64          `json:"quantity"`
	MinQuality    float64          `json:"min_quality,omitempty"`
	Consumed      bool             `json:"consumed"`
	Contribution  float64          `json:"quality_contribution,omitempty"`
	AffectsOutput bool             `json:"affects_output_quality,omitempty"`
	Alternatives  []resources.Type `json:"alternatives,omitempty"`
}

// Candidates returns the primary type followed by its substitutes.
func (r Requirement) Candidates() []resources.Type {
	out := make([]resources.Type, 0, 1+len(r.Alternatives))
	out = append(out, r.Type)
	return append(out, r.Alternatives...)
}

// SkillRequirement is a minimum skill level, optionally satisfied by the
// best of several alternative skills.
type SkillRequirement struct {
	Skill        string   `json:"skill"`
	Level        float64  `json:"level"`
	Contribution float64  `json:"contribution,omitempty"`
	Alternatives []string `json:"alternative_skills,omitempty"`
}

// Reward is a resource produced on completion.
type Reward struct {
	Type              resources.Type `json:"type"`
	Quantity          float64        `json:"quantity"`
	QualityMultiplier float64        `json:"quality_multiplier"`
	SkillMultiplier   float64        `json:"skill_multiplier,omitempty"`
	RandomBonus       float64        `json:"random_bonus,omitempty"`
	Byproducts        []Byproduct    `json:"byproducts,omitempty"`
}

// Byproduct is a secondary reward granted with independent probability.
type Byproduct struct {
	Type     resources.Type `json:"type"`
	Quantity float64        `json:"quantity"`
	Chance   float64        `json:"chance"`
}

// SkillReward grants experience in one skill.
type SkillReward struct {
	Skill         string  `json:"skill"`
	BaseExp       float64 `json:"base_exp"`
	QualityScaled bool    `json:"quality_multiplier,omitempty"`
	FailureExp    float64 `json:"failure_exp,omitempty"`
}

// WeatherEffect adjusts a task under one weather condition.
type WeatherEffect struct {
	Efficiency      float64 `json:"efficiency"`
	QualityBonus    float64 `json:"quality_bonus,omitempty"`
	RequiresShelter bool    `json:"requires_shelter,omitempty"`
}

// LocationRequirement names where a task can run. Working from an
// alternative location applies Penalty as an efficiency factor.
type LocationRequirement struct {
	Primary     []string `json:"primary"`
	Alternative []string `json:"alternative,omitempty"`
	Penalty     float64  `json:"efficiency_penalty,omitempty"`
}

// Bound is a numeric failure condition on an environment metric.
type Bound struct {
	Metric string  `json:"metric"`
	Min    float64 `json:"min,omitempty"`
	Max    float64 `json:"max,omitempty"`
	HasMin bool    `json:"has_min,omitempty"`
	HasMax bool    `json:"has_max,omitempty"`
}

// Violated reports whether v falls outside the bound.
func (b Bound) Violated(v float64) bool {
	return (b.HasMin && v < b.Min) || (b.HasMax && v > b.Max)
}

// QualityFactors weight how tool, skill, input and weather quality blend
// into output quality.
type QualityFactors struct {
	Tool     float64 `json:"tool_quality"`
	Skill    float64 `json:"skill_level"`
	Resource float64 `json:"resource_quality"`
	Weather  float64 `json:"weather_bonus"`
}

// Triggers are symbolic event tags emitted at lifecycle points.
type Triggers struct {
	OnStart    []string `json:"on_start,omitempty"`
	OnComplete []string `json:"on_complete,omitempty"`
	OnFailure  []string `json:"on_failure,omitempty"`
}

// Chain is an ordered progression of templates with its own unlock gates.
type Chain struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Description     string   `json:"description,omitempty"`
	MinVillageLevel int      `json:"village_level_required,omitempty"`
	MinReputation   float64  `json:"reputation_required,omitempty"`
	Prerequisites   []string `json:"prerequisites,omitempty"` // chain ids that must be fully completed
}

// SeasonMultiplier returns the template's multiplier for s and whether one is declared.
func (t *Template) SeasonMultiplier(s world.Season) (float64, bool) {
	m, ok := t.SeasonMultipliers[s]
	return m, ok
}

// WeatherEffect returns the effect declared for w.
func (t *Template) WeatherEffect(w world.Weather) (WeatherEffect, bool) {
	e, ok := t.WeatherEffects[w]
	return e, ok
}

// Window returns the first time window admitting hour under the given light.
// Templates with no windows run at any hour at full efficiency.
func (t *Template) Window(hour int, light bool) (world.TimeWindow, bool) {
	if len(t.TimeWindows) == 0 {
		return world.TimeWindow{Start: 0, End: 0, Efficiency: 1}, true
	}
	for _, w := range t.TimeWindows {
		if w.Usable(hour, light) {
			return w, true
		}
	}
	return world.TimeWindow{}, false
}

// LocationFactor returns the efficiency factor for loc and whether loc is
// acceptable at all.
func (t *Template) LocationFactor(loc string) (float64, bool) {
	if t.Location == nil || len(t.Location.Primary)+len(t.Location.Alternative) == 0 {
		return 1, true
	}
	for _, p := range t.Location.Primary {
		if p == loc {
			return 1, true
		}
	}
	for _, a := range t.Location.Alternative {
		if a == loc {
			if t.Location.Penalty <= 0 {
				return 1, true
			}
			return t.Location.Penalty, true
		}
	}
	return 0, false
}

// Clone returns a deep copy of t.
func (t Template) Clone() Template {
	out := t
	out.Prerequisites = nil
	for _, p := range t.Prerequisites {
		p.Seasons = append([]world.Season(nil), p.Seasons...)
		p.Weather = append([]world.Weather(nil), p.Weather...)
		if p.TimeWindow != nil {
			w := *p.TimeWindow
			p.TimeWindow = &w
		}
		out.Prerequisites = append(out.Prerequisites, p)
	}
	out.Resources = cloneRequirements(t.Resources)
	out.Tools = cloneRequirements(t.Tools)
	out.Skills = nil
	for _, s := range t.Skills {
		s.Alternatives = append([]string(nil), s.Alternatives...)
		out.Skills = append(out.Skills, s)
	}
	out.Rewards = nil
	for _, r := range t.Rewards {
		r.Byproducts = append([]Byproduct(nil), r.Byproducts...)
		out.Rewards = append(out.Rewards, r)
	}
	out.SkillRewards = append([]SkillReward(nil), t.SkillRewards...)
	out.TimeWindows = append([]world.TimeWindow(nil), t.TimeWindows...)
	out.Seasons = append([]world.Season(nil), t.Seasons...)
	out.AllowedWeather = append([]world.Weather(nil), t.AllowedWeather...)
	if t.SeasonMultipliers != nil {
		out.SeasonMultipliers = make(map[world.Season]float64, len(t.SeasonMultipliers))
		for k, v := range t.SeasonMultipliers {
			out.SeasonMultipliers[k] = v
		}
	}
	if t.WeatherEffects != nil {
		out.WeatherEffects = make(map[world.Weather]WeatherEffect, len(t.WeatherEffects))
		for k, v := range t.WeatherEffects {
			out.WeatherEffects[k] = v
		}
	}
	if t.Location != nil {
		loc := *t.Location
		loc.Primary = append([]string(nil), loc.Primary...)
		loc.Alternative = append([]string(nil), loc.Alternative...)
		out.Location = &loc
	}
	out.FailureConditions = append([]Bound(nil), t.FailureConditions...)
	out.Triggers = Triggers{
		OnStart:    append([]string(nil), t.Triggers.OnStart...),
		OnComplete: append([]string(nil), t.Triggers.OnComplete...),
		OnFailure:  append([]string(nil), t.Triggers.OnFailure...),
	}
	return out
}

func cloneRequirements(in []Requirement) []Requirement {
	if in == nil {
		return nil
	}
	out := make([]Requirement, len(in))
	for i, r := range in {
		r.Alternatives = append([]resources.Type(nil), r.Alternatives...)
		out[i] = r
	}
	return out
}
