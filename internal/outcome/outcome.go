// Package outcome computes what completing (or failing) a task yields.
// Results are plain data; applying them to a ledger or profile is the
// caller's job, so everything here can be tested without side effects.
package outcome

import (
	"math"

	"github.com/talgya/villagelife/internal/catalog"
	"github.com/talgya/villagelife/internal/modifier"
	"github.com/talgya/villagelife/internal/resources"
	"github.com/talgya/villagelife/internal/skills"
	"github.com/talgya/villagelife/internal/world"
)

// Rand is the random source a calculation draws from. *rand.Rand and the
// entropy package's sources satisfy it.
type Rand interface {
	Float64() float64
}

// Materials are the qualities of what the task held while it ran. The
// weight slices run parallel to the qualities and carry each item's
// declared quality contribution; 0 or a missing entry means undeclared.
type Materials struct {
	Tools        []float64 `json:"tools,omitempty"`
	ToolWeights  []float64 `json:"tool_weights,omitempty"`
	Inputs       []float64 `json:"inputs,omitempty"` // only inputs that affect output quality
	InputWeights []float64 `json:"input_weights,omitempty"`
}

// Outcome is the result of one completion or failure.
type Outcome struct {
	TemplateID string             `json:"template_id"`
	Success    bool               `json:"success"`
	Quality    float64            `json:"quality"`
	Rewards    []resources.Stack  `json:"rewards,omitempty"`
	Byproducts []resources.Stack  `json:"byproducts,omitempty"`
	Experience map[string]float64 `json:"experience,omitempty"`
	Reputation float64            `json:"reputation,omitempty"`
	VillageExp float64            `json:"village_exp,omitempty"`
	Reason     string             `json:"reason,omitempty"`
}

// Stacks returns rewards followed by byproducts.
func (o Outcome) Stacks() []resources.Stack {
	out := make([]resources.Stack, 0, len(o.Rewards)+len(o.Byproducts))
	out = append(out, o.Rewards...)
	return append(out, o.Byproducts...)
}

// Summary is the event payload form of the outcome.
func (o Outcome) Summary() map[string]any {
	m := map[string]any{"success": o.Success}
	if o.Success {
		m["quality"] = o.Quality
	}
	if len(o.Rewards) > 0 {
		m["rewards"] = o.Rewards
	}
	if len(o.Byproducts) > 0 {
		m["byproducts"] = o.Byproducts
	}
	if len(o.Experience) > 0 {
		m["experience"] = o.Experience
	}
	if o.Reputation > 0 {
		m["reputation"] = o.Reputation
	}
	if o.VillageExp > 0 {
		m["village_exp"] = o.VillageExp
	}
	if o.Reason != "" {
		m["reason"] = o.Reason
	}
	return m
}

// Calculator resolves outcomes through a modifier pipeline.
type Calculator struct {
	Pipeline *modifier.Pipeline
	Registry resources.Registry
}

// New returns a calculator using the default pipeline.
func New(reg resources.Registry) *Calculator {
	if reg == nil {
		reg = resources.DefaultRegistry()
	}
	return &Calculator{Pipeline: modifier.Default(), Registry: reg}
}

// Resolve computes a successful completion. For each reward it draws the
// bonus first and then one Bernoulli draw per byproduct, in declaration
// order, so a seeded source reproduces the result exactly.
func (c *Calculator) Resolve(t *catalog.Template, ctx world.Context, levels skills.Levels, m Materials, rng Rand) Outcome {
	out := Outcome{TemplateID: t.ID, Success: true}
	f := factors(t, levels, m)

	var qualities []float64
	for _, r := range t.Rewards {
		rf := f
		rf.SkillMultiplier = r.SkillMultiplier
		in := modifier.Input{
			Context: ctx, Template: t, Scope: modifier.Quantity,
			Draw: rng.Float64(), RandomBonus: r.RandomBonus, Factors: rf,
		}
		qty := c.Registry.Lookup(r.Type).Floor(c.Pipeline.Run(r.Quantity, in))

		in.Scope = modifier.Quality
		q := c.Pipeline.Run(baseline(r.QualityMultiplier), in)
		qualities = append(qualities, q)

		if qty > 0 {
			out.Rewards = append(out.Rewards, resources.Stack{Type: r.Type, Quantity: qty, Quality: q})
		}

		for _, b := range r.Byproducts {
			if rng.Float64() >= b.Chance {
				continue
			}
			bin := modifier.Input{Context: ctx, Template: t, Scope: modifier.Quantity}
			bq := c.Registry.Lookup(b.Type).Floor(c.Pipeline.Run(b.Quantity, bin))
			if bq > 0 {
				out.Byproducts = append(out.Byproducts, resources.Stack{Type: b.Type, Quantity: bq, Quality: q})
			}
		}
	}

	if len(qualities) > 0 {
		sum := 0.0
		for _, q := range qualities {
			sum += q
		}
		out.Quality = sum / float64(len(qualities))
	} else {
		out.Quality = c.Pipeline.Run(baseline(1), modifier.Input{
			Context: ctx, Template: t, Scope: modifier.Quality, Factors: f,
		})
	}

	for _, sr := range t.SkillRewards {
		e := c.Pipeline.Run(sr.BaseExp, modifier.Input{Context: ctx, Template: t, Scope: modifier.Experience})
		if sr.QualityScaled {
			e *= 2 * out.Quality
		}
		if e > 0 {
			if out.Experience == nil {
				out.Experience = map[string]float64{}
			}
			out.Experience[sr.Skill] += e
		}
	}

	rep := modifier.Input{Context: ctx, Template: t, Scope: modifier.Reputation}
	out.Reputation = c.Pipeline.Run(t.Reputation, rep)
	out.VillageExp = c.Pipeline.Run(t.VillageExp, rep)
	return out
}

// Failure is the outcome of a failed task: only failure experience, and
// nothing else.
func (c *Calculator) Failure(t *catalog.Template, reason string) Outcome {
	out := Outcome{TemplateID: t.ID, Reason: reason}
	for _, sr := range t.SkillRewards {
		if sr.FailureExp <= 0 {
			continue
		}
		if out.Experience == nil {
			out.Experience = map[string]float64{}
		}
		out.Experience[sr.Skill] += sr.FailureExp
	}
	return out
}

// baseline is the quality an output starts from before contributions.
// An unset multiplier counts as 1.
func baseline(mult float64) float64 {
	if mult <= 0 {
		mult = 1
	}
	q := 0.5 * mult
	if q > 1 {
		return 1
	}
	return q
}

// factors gathers the qualities that feed the contribution stage.
func factors(t *catalog.Template, levels skills.Levels, m Materials) modifier.Factors {
	var f modifier.Factors
	if len(m.Tools) > 0 {
		f.Tool, f.HasTool = weighted(m.Tools, m.ToolWeights), true
	}
	if len(m.Inputs) > 0 {
		f.Resource, f.HasInput = weighted(m.Inputs, m.InputWeights), true
	}
	switch {
	case len(t.Skills) > 0:
		qs := make([]float64, 0, len(t.Skills))
		ws := make([]float64, 0, len(t.Skills))
		for _, s := range t.Skills {
			_, lv := levels.Best(s.Skill, s.Alternatives)
			qs = append(qs, skills.Quality(lv))
			ws = append(ws, s.Contribution)
		}
		f.Skill, f.HasSkill = weighted(qs, ws), true
	case len(t.SkillRewards) > 0:
		f.Skill, f.HasSkill = skills.Quality(levels.Level(t.SkillRewards[0].Skill)), true
	}
	return f
}

// weighted averages qs by their declared contribution weights. Items
// without a weight share whatever the declared ones leave below 1, so a
// group with nothing declared is a plain mean.
func weighted(qs, ws []float64) float64 {
	declared, undeclared := 0.0, 0
	for i := range qs {
		if w := weightAt(ws, i); w > 0 {
			declared += w
		} else {
			undeclared++
		}
	}
	if declared == 0 {
		return mean(qs)
	}
	rest := 0.0
	if undeclared > 0 && declared < 1 {
		rest = (1 - declared) / float64(undeclared)
	}
	sum, total := 0.0, 0.0
	for i, q := range qs {
		w := weightAt(ws, i)
		if w <= 0 {
			w = rest
		}
		sum += w * q
		total += w
	}
	return sum / total
}

func weightAt(ws []float64, i int) float64 {
	if i >= len(ws) || math.IsNaN(ws[i]) {
		return 0
	}
	return ws[i]
}

func mean(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}
