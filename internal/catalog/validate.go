package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ValidationError reports every problem found in a template set. It is
// fatal: no catalog is built when it is returned.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return "invalid templates: " + e.Problems[0]
	}
	return fmt.Sprintf("invalid templates (%d problems): %s", len(e.Problems), strings.Join(e.Problems, "; "))
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

//go:embed schema.json
var schemaText string

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func documentSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = jsonschema.CompileString("templates.schema.json", schemaText)
	})
	return schema, schemaErr
}

func validateSchema(doc any) error {
	s, err := documentSchema()
	if err != nil {
		return fmt.Errorf("compile template schema: %w", err)
	}
	v, err := schemaInput(doc)
	if err != nil {
		return fmt.Errorf("prepare templates for schema: %w", err)
	}
	if err := s.Validate(v); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return &ValidationError{Problems: schemaProblems(ve)}
		}
		return &ValidationError{Problems: []string{err.Error()}}
	}
	return nil
}

// schemaProblems flattens the validator's error tree into leaf messages.
func schemaProblems(ve *jsonschema.ValidationError) []string {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		return []string{fmt.Sprintf("%s: %s", loc, ve.Message)}
	}
	var out []string
	for _, c := range ve.Causes {
		out = append(out, schemaProblems(c)...)
	}
	return out
}

// check applies the structural rules the schema cannot express.
func check(doc Document) []string {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	ids := make(map[string]bool, len(doc.Templates))
	for _, t := range doc.Templates {
		if t.ID == "" {
			add("template with empty id")
			continue
		}
		if ids[t.ID] {
			add("duplicate template id %q", t.ID)
		}
		ids[t.ID] = true
	}

	chainIDs := make(map[string]bool, len(doc.Chains))
	for _, c := range doc.Chains {
		if c.ID == "" {
			add("chain with empty id")
			continue
		}
		if chainIDs[c.ID] {
			add("duplicate chain id %q", c.ID)
		}
		chainIDs[c.ID] = true
		if c.MinVillageLevel < 0 || c.MinReputation < 0 {
			add("chain %q: negative unlock requirement", c.ID)
		}
	}
	for _, c := range doc.Chains {
		for _, p := range c.Prerequisites {
			if !chainIDs[p] {
				add("chain %q: prerequisite references unknown chain %q", c.ID, p)
			}
		}
	}

	positions := map[string][]int{}
	for _, t := range doc.Templates {
		for _, p := range t.Prerequisites {
			if p.TaskID != "" && !ids[p.TaskID] {
				add("template %q: prerequisite references unknown task %q", t.ID, p.TaskID)
			}
		}
		if t.ChainID != "" {
			positions[t.ChainID] = append(positions[t.ChainID], t.ChainPosition)
		}
		problems = append(problems, checkTemplate(t)...)
	}

	chains := make([]string, 0, len(positions))
	for id := range positions {
		chains = append(chains, id)
	}
	sort.Strings(chains)
	for _, id := range chains {
		pos := positions[id]
		sort.Ints(pos)
		for i, p := range pos {
			if p != i {
				if i > 0 && p == pos[i-1] {
					add("chain %q: duplicate position %d", id, p)
				} else {
					add("chain %q: positions must run 0..%d without gaps, found %d", id, len(pos)-1, p)
				}
				break
			}
		}
	}
	return problems
}

func checkTemplate(t Template) []string {
	var problems []string
	bad := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf("template %q: ", t.ID)+fmt.Sprintf(format, args...))
	}
	neg := func(name string, v float64) {
		if v < 0 || v != v {
			bad("%s must be non-negative, got %v", name, v)
		}
	}

	switch t.Category {
	case Planning, Gathering, Crafting, Construction, Processing, Maintenance, "":
	default:
		bad("unknown category %q", t.Category)
	}
	neg("base_duration", t.Duration)
	neg("reputation_reward", t.Reputation)
	neg("village_exp_reward", t.VillageExp)
	neg("difficulty_scaling", t.DifficultyScaling)
	neg("reward_scaling", t.RewardScaling)
	if t.ChainPosition < 0 {
		bad("chain_position must be non-negative")
	}
	if t.MinVillageLevel < 0 {
		bad("village_level_required must be non-negative")
	}

	for _, p := range t.Prerequisites {
		if p.Completions < 0 {
			bad("prerequisite %q: completions_required must be non-negative", p.TaskID)
		}
		neg("prerequisite skill_level", p.SkillLevel)
		neg("prerequisite quantity", p.Quantity)
		if p.TaskID == "" && p.Skill == "" && p.Resource == "" && len(p.Seasons) == 0 &&
			len(p.Weather) == 0 && p.TimeWindow == nil && p.MinVillageLevel == 0 {
			bad("prerequisite with no condition")
		}
	}
	for _, group := range []struct {
		name string
		reqs []Requirement
	}{{"required_resources", t.Resources}, {"required_tools", t.Tools}} {
		for _, r := range group.reqs {
			if r.Type == "" {
				bad("%s entry without type", group.name)
			}
			neg(group.name+" "+string(r.Type)+" quantity", r.Quantity)
			neg(group.name+" "+string(r.Type)+" quality_contribution", r.Contribution)
			if r.MinQuality < 0 || r.MinQuality > 1 {
				bad("%s %s: min_quality must be within [0,1]", group.name, r.Type)
			}
		}
	}
	for _, s := range t.Skills {
		neg("skill "+s.Skill+" level", s.Level)
		neg("skill "+s.Skill+" contribution", s.Contribution)
	}
	for _, r := range t.Rewards {
		if r.Type == "" {
			bad("resource_rewards entry without type")
		}
		neg("reward "+string(r.Type)+" quantity", r.Quantity)
		neg("reward "+string(r.Type)+" quality_multiplier", r.QualityMultiplier)
		neg("reward "+string(r.Type)+" skill_multiplier", r.SkillMultiplier)
		neg("reward "+string(r.Type)+" random_bonus", r.RandomBonus)
		for _, b := range r.Byproducts {
			neg("byproduct "+string(b.Type)+" quantity", b.Quantity)
			if b.Chance < 0 || b.Chance > 1 {
				bad("byproduct %s: chance must be within [0,1]", b.Type)
			}
		}
	}
	for _, s := range t.SkillRewards {
		neg("skill reward "+s.Skill+" base_exp", s.BaseExp)
		neg("skill reward "+s.Skill+" failure_exp", s.FailureExp)
	}
	for _, w := range t.TimeWindows {
		if w.Start < 0 || w.Start > 23 || w.End < 0 || w.End > 24 {
			bad("time range %d-%d outside 0-24", w.Start, w.End)
		}
		neg("time range efficiency", w.Efficiency)
	}
	for _, s := range t.Seasons {
		if !s.Valid() {
			bad("unknown season %q", s)
		}
	}
	for s, m := range t.SeasonMultipliers {
		if !s.Valid() {
			bad("unknown season %q", s)
		}
		neg("season multiplier "+string(s), m)
	}
	for _, w := range t.AllowedWeather {
		if !w.Valid() {
			bad("unknown weather %q", w)
		}
	}
	for w, e := range t.WeatherEffects {
		if !w.Valid() {
			bad("unknown weather %q", w)
		}
		neg("weather effect "+string(w)+" efficiency", e.Efficiency)
	}
	if t.Location != nil {
		neg("location efficiency_penalty", t.Location.Penalty)
	}
	for _, b := range t.FailureConditions {
		if b.Metric == "" {
			bad("failure condition without metric")
		}
		if b.HasMin && b.HasMax && b.Min > b.Max {
			bad("failure condition %s: min %v above max %v", b.Metric, b.Min, b.Max)
		}
	}
	qf := t.QualityFactors
	neg("quality_factors tool_quality", qf.Tool)
	neg("quality_factors skill_level", qf.Skill)
	neg("quality_factors resource_quality", qf.Resource)
	neg("quality_factors weather_bonus", qf.Weather)
	return problems
}
