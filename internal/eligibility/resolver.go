// Package eligibility decides whether a template can start right now and,
// when it cannot, says why.
package eligibility

import (
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/talgya/villagelife/internal/catalog"
	"github.com/talgya/villagelife/internal/resources"
	"github.com/talgya/villagelife/internal/skills"
	"github.com/talgya/villagelife/internal/world"
)

// Reason is a machine-readable blocker code for display.
type Reason string

const (
	MissingPrerequisite Reason = "MISSING_PREREQUISITE"
	ChainLocked         Reason = "CHAIN_LOCKED"
	AlreadyCompleted    Reason = "ALREADY_COMPLETED"
	InsufficientSkill   Reason = "INSUFFICIENT_SKILL"
	InsufficientRes     Reason = "INSUFFICIENT_RESOURCE"
	ToolMissing         Reason = "TOOL_MISSING"
	OutOfTimeWindow     Reason = "OUT_OF_TIME_WINDOW"
	OutOfSeason         Reason = "OUT_OF_SEASON_WINDOW"
	WeatherDisallowed   Reason = "WEATHER_DISALLOWED"
	WrongLocation       Reason = "WRONG_LOCATION"
	VillageLevelTooLow  Reason = "VILLAGE_LEVEL_TOO_LOW"
)

// Blocker is one unmet condition.
type Blocker struct {
	Reason  Reason `json:"reason"`
	Subject string `json:"subject,omitempty"` // task, skill, resource or chain id
	Detail  string `json:"detail,omitempty"`
}

func (b Blocker) String() string {
	if b.Detail == "" {
		return fmt.Sprintf("%s %s", b.Reason, b.Subject)
	}
	return fmt.Sprintf("%s %s: %s", b.Reason, b.Subject, b.Detail)
}

// Result is Eligible or Blocked with reasons. It is information, not an error.
type Result struct {
	Eligible bool      `json:"eligible"`
	Blockers []Blocker `json:"blockers,omitempty"`
}

// Has reports whether any blocker carries reason.
func (r Result) Has(reason Reason) bool {
	for _, b := range r.Blockers {
		if b.Reason == reason {
			return true
		}
	}
	return false
}

// Holdings is what the resolver needs from a ledger: unlocked quantity and
// quality per type.
type Holdings interface {
	Available(t resources.Type) (quantity, quality float64)
}

type noHoldings struct{}

func (noHoldings) Available(resources.Type) (float64, float64) { return 0, 0 }

// Chains gives access to chain unlock gates. *catalog.Catalog implements it.
type Chains interface {
	ChainInfo(id string) (catalog.Chain, bool)
	ChainMembers(id string) []string
}

// Input is the state a check reads. Nothing in it is modified.
type Input struct {
	Context     world.Context
	Completions map[string]int
	Skills      skills.Levels
	Holdings    Holdings
}

// Resolver evaluates eligibility. With Explain set, every blocker is
// collected; otherwise the check stops at the first one.
type Resolver struct {
	Chains  Chains
	Explain bool
}

const epsilon = 1e-9

// Check evaluates t in order: prerequisites, skills, resources and tools,
// then time, season, weather, location and village level gates.
func (r Resolver) Check(t *catalog.Template, in Input) Result {
	if in.Holdings == nil {
		in.Holdings = noHoldings{}
	}
	var res Result
	// block records b and reports whether checking should stop.
	block := func(b Blocker) bool {
		res.Blockers = append(res.Blockers, b)
		return !r.Explain
	}
	done := func() Result {
		res.Eligible = len(res.Blockers) == 0
		return res
	}

	for _, b := range r.prerequisites(t, in) {
		if block(b) {
			return done()
		}
	}
	for _, b := range checkSkills(t, in.Skills) {
		if block(b) {
			return done()
		}
	}
	if _, blockers := Select(t, in.Holdings); len(blockers) > 0 {
		for _, b := range blockers {
			if block(b) {
				return done()
			}
		}
	}
	for _, b := range gates(t, in.Context) {
		if block(b) {
			return done()
		}
	}
	return done()
}

func (r Resolver) prerequisites(t *catalog.Template, in Input) []Blocker {
	var out []Blocker
	for _, p := range t.Prerequisites {
		if p.TaskID != "" {
			if have, need := in.Completions[p.TaskID], p.Required(); have < need {
				out = append(out, Blocker{
					Reason: MissingPrerequisite, Subject: p.TaskID,
					Detail: fmt.Sprintf("completed %d of %d", have, need),
				})
			}
		}
		out = append(out, conditionBlockers(p, in)...)
	}

	if t.ChainID != "" && r.Chains != nil {
		if ch, ok := r.Chains.ChainInfo(t.ChainID); ok {
			if ch.MinVillageLevel > in.Context.VillageLevel {
				out = append(out, Blocker{
					Reason: ChainLocked, Subject: ch.ID,
					Detail: fmt.Sprintf("village level %d required", ch.MinVillageLevel),
				})
			}
			if ch.MinReputation > in.Context.Reputation+epsilon {
				out = append(out, Blocker{
					Reason: ChainLocked, Subject: ch.ID,
					Detail: "reputation " + humanize.FtoaWithDigits(ch.MinReputation, 1) + " required",
				})
			}
			for _, pre := range ch.Prerequisites {
				for _, id := range r.Chains.ChainMembers(pre) {
					if in.Completions[id] < 1 {
						out = append(out, Blocker{
							Reason: ChainLocked, Subject: ch.ID,
							Detail: fmt.Sprintf("chain %s incomplete (%s)", pre, id),
						})
						break
					}
				}
			}
		}
	}

	if !t.Repeatable && in.Completions[t.ID] > 0 {
		out = append(out, Blocker{Reason: AlreadyCompleted, Subject: t.ID})
	}
	return out
}

// conditionBlockers checks the extra conditions a prerequisite entry may
// carry besides its task id.
func conditionBlockers(p catalog.Prerequisite, in Input) []Blocker {
	var out []Blocker
	ctx := in.Context
	if p.Skill != "" && in.Skills.Level(p.Skill)+epsilon < p.SkillLevel {
		out = append(out, Blocker{
			Reason: InsufficientSkill, Subject: p.Skill,
			Detail: "level " + humanize.FtoaWithDigits(p.SkillLevel, 1) + " required",
		})
	}
	if p.Resource != "" {
		qty, q := in.Holdings.Available(p.Resource)
		need := p.Quantity
		if need <= 0 {
			need = 1
		}
		if qty+epsilon < need || q+epsilon < p.MinQuality {
			out = append(out, Blocker{Reason: InsufficientRes, Subject: string(p.Resource), Detail: shortage(need, qty, p.MinQuality, q)})
		}
	}
	if len(p.Seasons) > 0 && !containsSeason(p.Seasons, ctx.Season) {
		out = append(out, Blocker{Reason: OutOfSeason, Subject: string(ctx.Season)})
	}
	if len(p.Weather) > 0 && !containsWeather(p.Weather, ctx.Weather) {
		out = append(out, Blocker{Reason: WeatherDisallowed, Subject: string(ctx.Weather)})
	}
	if p.TimeWindow != nil && !p.TimeWindow.Usable(ctx.Hour, ctx.LightSource) {
		out = append(out, Blocker{Reason: OutOfTimeWindow, Detail: fmt.Sprintf("hour %d", ctx.Hour)})
	}
	if p.MinVillageLevel > ctx.VillageLevel {
		out = append(out, Blocker{Reason: VillageLevelTooLow, Detail: fmt.Sprintf("level %d required", p.MinVillageLevel)})
	}
	return out
}

func checkSkills(t *catalog.Template, levels skills.Levels) []Blocker {
	var out []Blocker
	for _, s := range t.Skills {
		_, lv := levels.Best(s.Skill, s.Alternatives)
		if lv+epsilon < s.Level {
			out = append(out, Blocker{
				Reason: InsufficientSkill, Subject: s.Skill,
				Detail: fmt.Sprintf("level %s of %s", humanize.FtoaWithDigits(lv, 1), humanize.FtoaWithDigits(s.Level, 1)),
			})
		}
	}
	return out
}

// gates checks the context-only conditions.
func gates(t *catalog.Template, ctx world.Context) []Blocker {
	var out []Blocker
	if _, ok := t.Window(ctx.Hour, ctx.LightSource); !ok {
		out = append(out, Blocker{Reason: OutOfTimeWindow, Detail: fmt.Sprintf("hour %d", ctx.Hour)})
	}

	if len(t.Seasons) > 0 && !containsSeason(t.Seasons, ctx.Season) {
		out = append(out, Blocker{Reason: OutOfSeason, Subject: string(ctx.Season)})
	} else if m, ok := t.SeasonMultiplier(ctx.Season); ok && m == 0 {
		out = append(out, Blocker{Reason: OutOfSeason, Subject: string(ctx.Season), Detail: "no work possible this season"})
	}

	effect, hasEffect := t.WeatherEffect(ctx.Weather)
	switch {
	case len(t.AllowedWeather) > 0 && !hasEffect && !containsWeather(t.AllowedWeather, ctx.Weather):
		out = append(out, Blocker{Reason: WeatherDisallowed, Subject: string(ctx.Weather)})
	case hasEffect && effect.RequiresShelter && !ctx.Sheltered:
		out = append(out, Blocker{Reason: WeatherDisallowed, Subject: string(ctx.Weather), Detail: "shelter required"})
	}

	if _, ok := t.LocationFactor(ctx.Location); !ok {
		out = append(out, Blocker{Reason: WrongLocation, Subject: ctx.Location})
	}
	if t.MinVillageLevel > ctx.VillageLevel {
		out = append(out, Blocker{
			Reason: VillageLevelTooLow,
			Detail: fmt.Sprintf("level %d of %d", ctx.VillageLevel, t.MinVillageLevel),
		})
	}
	return out
}

func containsSeason(list []world.Season, s world.Season) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsWeather(list []world.Weather, w world.Weather) bool {
	for _, v := range list {
		if v == w {
			return true
		}
	}
	return false
}

func shortage(need, have, minQ, q float64) string {
	if have+epsilon < need {
		return fmt.Sprintf("need %s have %s", humanize.FtoaWithDigits(need, 2), humanize.FtoaWithDigits(have, 2))
	}
	return fmt.Sprintf("quality %s below %s", humanize.FtoaWithDigits(q, 2), humanize.FtoaWithDigits(minQ, 2))
}
