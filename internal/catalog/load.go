package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/talgya/villagelife/internal/resources"
	"github.com/talgya/villagelife/internal/world"
)

// Document is an already-parsed template set.
type Document struct {
	Chains    []Chain    `json:"chains,omitempty"`
	Templates []Template `json:"templates"`
}

// Load reads and validates a YAML template file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read templates: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Parse decodes YAML (or JSON) template data, validates it against the
// document schema, normalises the accepted source shapes and builds a catalog.
func Parse(data []byte) (*Catalog, error) {
	var generic any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	if err := validateSchema(generic); err != nil {
		return nil, err
	}

	var f rawFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode templates: %w", err)
	}

	var problems []string
	doc := Document{}
	for _, rc := range f.Chains {
		doc.Chains = append(doc.Chains, rc.chain())
	}
	for i, rt := range f.Templates {
		t, errs := rt.template()
		for _, e := range errs {
			problems = append(problems, fmt.Sprintf("template %q (#%d): %s", rt.ID, i, e))
		}
		doc.Templates = append(doc.Templates, t)
	}
	if len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}

	c, err := New(doc)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(data)
	c.digest = hex.EncodeToString(sum[:])
	return c, nil
}

// schemaInput converts YAML-decoded data into the plain JSON value shapes the
// schema validator expects.
func schemaInput(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type rawFile struct {
	Chains    []rawChain    `yaml:"chains"`
	Templates []rawTemplate `yaml:"templates"`
}

type rawChain struct {
	ID            string   `yaml:"id"`
	Name          string   `yaml:"name"`
	Description   string   `yaml:"description"`
	VillageLevel  int      `yaml:"village_level_required"`
	Reputation    float64  `yaml:"reputation_required"`
	Prerequisites []string `yaml:"prerequisites"`
}

func (r rawChain) chain() Chain {
	return Chain{
		ID:              r.ID,
		Name:            r.Name,
		Description:     r.Description,
		MinVillageLevel: r.VillageLevel,
		MinReputation:   r.Reputation,
		Prerequisites:   r.Prerequisites,
	}
}

type rawTemplate struct {
	ID           string  `yaml:"id"`
	Name         string  `yaml:"name"`
	Description  string  `yaml:"description"`
	Category     string  `yaml:"category"`
	Duration     float64 `yaml:"base_duration"`
	SelfReported bool    `yaml:"self_reported"`
	Hidden       bool    `yaml:"is_hidden"`
	Repeatable   *bool   `yaml:"is_repeatable"`

	Prerequisites yaml.Node `yaml:"prerequisites"`
	Resources     yaml.Node `yaml:"required_resources"`
	Tools         yaml.Node `yaml:"required_tools"`
	Skills        yaml.Node `yaml:"skill_requirements"`
	Rewards       yaml.Node `yaml:"resource_rewards"`
	SkillRewards  yaml.Node `yaml:"skill_rewards"`
	Reputation    float64   `yaml:"reputation_reward"`
	VillageExp    float64   `yaml:"village_exp_reward"`

	TimeWindows       yaml.Node                          `yaml:"valid_time_ranges"`
	Seasons           []world.Season                     `yaml:"seasons"`
	SeasonMultipliers map[world.Season]float64           `yaml:"season_multipliers"`
	AllowedWeather    []world.Weather                    `yaml:"weather_requirements"`
	WeatherEffects    map[world.Weather]rawWeatherEffect `yaml:"weather_effects"`
	Location          *rawLocation                       `yaml:"location_requirements"`

	ChainID         string `yaml:"chain_id"`
	ChainPosition   int    `yaml:"chain_position"`
	MinVillageLevel int    `yaml:"village_level_required"`

	DifficultyScaling float64 `yaml:"difficulty_scaling"`
	RewardScaling     float64 `yaml:"reward_scaling"`

	FailureConditions yaml.Node          `yaml:"failure_conditions"`
	QualityFactors    map[string]float64 `yaml:"quality_factors"`
	Triggers          rawTriggers        `yaml:"event_triggers"`
}

type rawWeatherEffect struct {
	Efficiency      *float64 `yaml:"efficiency"`
	QualityBonus    float64  `yaml:"quality_bonus"`
	RequiresShelter bool     `yaml:"requires_shelter"`
}

type rawLocation struct {
	Primary     stringList `yaml:"primary"`
	Alternative stringList `yaml:"alternative"`
	Penalty     float64    `yaml:"efficiency_penalty"`
}

type rawTriggers struct {
	OnStart    []string `yaml:"on_start"`
	OnComplete []string `yaml:"on_complete"`
	OnFailure  []string `yaml:"on_failure"`
}

// stringList accepts either a scalar or a sequence of scalars.
type stringList []string

func (s *stringList) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		*s = stringList{n.Value}
		return nil
	}
	var list []string
	if err := n.Decode(&list); err != nil {
		return err
	}
	*s = list
	return nil
}

func present(n *yaml.Node) bool {
	return n != nil && n.Kind != 0 && !(n.Kind == yaml.ScalarNode && n.Tag == "!!null")
}

// template converts the raw record into the canonical representation.
func (r rawTemplate) template() (Template, []string) {
	var errs []string
	fail := func(field string, err error) {
		errs = append(errs, fmt.Sprintf("%s: %v", field, err))
	}

	t := Template{
		ID:                r.ID,
		Name:              r.Name,
		Description:       r.Description,
		Category:          Category(strings.ToUpper(r.Category)),
		Duration:          r.Duration,
		SelfReported:      r.SelfReported,
		Hidden:            r.Hidden,
		Repeatable:        r.Repeatable == nil || *r.Repeatable,
		Reputation:        r.Reputation,
		VillageExp:        r.VillageExp,
		Seasons:           r.Seasons,
		SeasonMultipliers: r.SeasonMultipliers,
		AllowedWeather:    r.AllowedWeather,
		ChainID:           r.ChainID,
		ChainPosition:     r.ChainPosition,
		MinVillageLevel:   r.MinVillageLevel,
		DifficultyScaling: r.DifficultyScaling,
		RewardScaling:     r.RewardScaling,
		Triggers: Triggers{
			OnStart:    r.Triggers.OnStart,
			OnComplete: r.Triggers.OnComplete,
			OnFailure:  r.Triggers.OnFailure,
		},
	}
	if t.Name == "" {
		t.Name = r.ID
	}

	var err error
	if t.Prerequisites, err = decodePrerequisites(&r.Prerequisites); err != nil {
		fail("prerequisites", err)
	}
	if t.Resources, err = decodeRequirements(&r.Resources, true); err != nil {
		fail("required_resources", err)
	}
	if t.Tools, err = decodeRequirements(&r.Tools, false); err != nil {
		fail("required_tools", err)
	}
	if t.Skills, err = decodeSkills(&r.Skills); err != nil {
		fail("skill_requirements", err)
	}
	if t.Rewards, err = decodeRewards(&r.Rewards); err != nil {
		fail("resource_rewards", err)
	}
	if t.SkillRewards, err = decodeSkillRewards(&r.SkillRewards); err != nil {
		fail("skill_rewards", err)
	}
	if t.TimeWindows, err = decodeWindows(&r.TimeWindows); err != nil {
		fail("valid_time_ranges", err)
	}
	if t.FailureConditions, err = decodeBounds(&r.FailureConditions); err != nil {
		fail("failure_conditions", err)
	}

	if len(r.WeatherEffects) > 0 {
		t.WeatherEffects = make(map[world.Weather]WeatherEffect, len(r.WeatherEffects))
		for w, e := range r.WeatherEffects {
			eff := 1.0
			if e.Efficiency != nil {
				eff = *e.Efficiency
			}
			t.WeatherEffects[world.Weather(strings.ToLower(string(w)))] = WeatherEffect{
				Efficiency: eff, QualityBonus: e.QualityBonus, RequiresShelter: e.RequiresShelter,
			}
		}
	}
	if r.Location != nil {
		t.Location = &LocationRequirement{
			Primary:     r.Location.Primary,
			Alternative: r.Location.Alternative,
			Penalty:     r.Location.Penalty,
		}
	}
	for k, v := range r.QualityFactors {
		switch k {
		case "tool_quality", "tool":
			t.QualityFactors.Tool = v
		case "skill_level", "skill":
			t.QualityFactors.Skill = v
		case "resource_quality", "resource":
			t.QualityFactors.Resource = v
		case "weather_bonus", "weather":
			t.QualityFactors.Weather = v
		default:
			fail("quality_factors", fmt.Errorf("unknown factor %q", k))
		}
	}
	return t, errs
}

type rawPrerequisite struct {
	TaskID       string          `yaml:"task_id"`
	Completions  int             `yaml:"completions_required"`
	Skill        string          `yaml:"skill"`
	SkillLevel   float64         `yaml:"skill_level"`
	Resource     string          `yaml:"resource"`
	Quantity     float64         `yaml:"quantity"`
	MinQuality   float64         `yaml:"min_quality"`
	Seasons      []world.Season  `yaml:"seasons"`
	Weather      []world.Weather `yaml:"weather"`
	TimeWindow   yaml.Node       `yaml:"time_window"`
	VillageLevel int             `yaml:"village_level"`
}

func decodePrerequisites(n *yaml.Node) ([]Prerequisite, error) {
	if !present(n) {
		return nil, nil
	}
	var out []Prerequisite
	switch n.Kind {
	case yaml.MappingNode:
		// task_id: completions
		for i := 0; i+1 < len(n.Content); i += 2 {
			count, err := strconv.Atoi(n.Content[i+1].Value)
			if err != nil {
				return nil, fmt.Errorf("%s: completions must be an integer", n.Content[i].Value)
			}
			out = append(out, Prerequisite{TaskID: n.Content[i].Value, Completions: count})
		}
	case yaml.SequenceNode:
		for _, item := range n.Content {
			if item.Kind == yaml.ScalarNode {
				out = append(out, Prerequisite{TaskID: item.Value})
				continue
			}
			var rp rawPrerequisite
			if err := item.Decode(&rp); err != nil {
				return nil, err
			}
			p := Prerequisite{
				TaskID:          rp.TaskID,
				Completions:     rp.Completions,
				Skill:           rp.Skill,
				SkillLevel:      rp.SkillLevel,
				Resource:        resources.Type(rp.Resource),
				Quantity:        rp.Quantity,
				MinQuality:      rp.MinQuality,
				Seasons:         rp.Seasons,
				Weather:         rp.Weather,
				MinVillageLevel: rp.VillageLevel,
			}
			if present(&rp.TimeWindow) {
				w, err := decodeWindow(&rp.TimeWindow)
				if err != nil {
					return nil, err
				}
				p.TimeWindow = &w
			}
			out = append(out, p)
		}
	default:
		return nil, fmt.Errorf("expected a list or a mapping")
	}
	return out, nil
}

type rawRequirement struct {
	Type          string   `yaml:"type"`
	Quantity      float64  `yaml:"quantity"`
	MinQuality    float64  `yaml:"min_quality"`
	Consumed      *bool    `yaml:"consumed"`
	Contribution  float64  `yaml:"quality_contribution"`
	AffectsOutput bool     `yaml:"affects_output_quality"`
	Alternatives  []string `yaml:"alternatives"`
	AltTypes      []string `yaml:"alternative_types"`
}

func (r rawRequirement) requirement(consumed bool) Requirement {
	req := Requirement{
		Type:          resources.Type(r.Type),
		Quantity:      r.Quantity,
		MinQuality:    r.MinQuality,
		Consumed:      consumed,
		Contribution:  r.Contribution,
		AffectsOutput: r.AffectsOutput,
	}
	if r.Consumed != nil {
		req.Consumed = *r.Consumed
	}
	for _, a := range append(r.Alternatives, r.AltTypes...) {
		req.Alternatives = append(req.Alternatives, resources.Type(a))
	}
	return req
}

// decodeRequirements accepts a list of requirement objects or a mapping of
// type to either a quantity or a requirement object.
func decodeRequirements(n *yaml.Node, consumed bool) ([]Requirement, error) {
	if !present(n) {
		return nil, nil
	}
	var out []Requirement
	switch n.Kind {
	case yaml.SequenceNode:
		for _, item := range n.Content {
			var rr rawRequirement
			if err := item.Decode(&rr); err != nil {
				return nil, err
			}
			out = append(out, rr.requirement(consumed))
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			key, val := n.Content[i].Value, n.Content[i+1]
			var rr rawRequirement
			if val.Kind == yaml.ScalarNode {
				q, err := strconv.ParseFloat(val.Value, 64)
				if err != nil {
					return nil, fmt.Errorf("%s: quantity must be a number", key)
				}
				rr.Quantity = q
			} else if err := val.Decode(&rr); err != nil {
				return nil, err
			}
			rr.Type = key
			out = append(out, rr.requirement(consumed))
		}
	default:
		return nil, fmt.Errorf("expected a list or a mapping")
	}
	return out, nil
}

type rawSkill struct {
	Skill        string   `yaml:"skill"`
	Level        float64  `yaml:"level"`
	Contribution float64  `yaml:"contribution"`
	Alternatives []string `yaml:"alternative_skills"`
}

func decodeSkills(n *yaml.Node) ([]SkillRequirement, error) {
	if !present(n) {
		return nil, nil
	}
	conv := func(rs rawSkill) SkillRequirement {
		return SkillRequirement{Skill: rs.Skill, Level: rs.Level, Contribution: rs.Contribution, Alternatives: rs.Alternatives}
	}
	var out []SkillRequirement
	switch n.Kind {
	case yaml.SequenceNode:
		for _, item := range n.Content {
			var rs rawSkill
			if err := item.Decode(&rs); err != nil {
				return nil, err
			}
			out = append(out, conv(rs))
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			key, val := n.Content[i].Value, n.Content[i+1]
			var rs rawSkill
			if val.Kind == yaml.ScalarNode {
				lv, err := strconv.ParseFloat(val.Value, 64)
				if err != nil {
					return nil, fmt.Errorf("%s: level must be a number", key)
				}
				rs.Level = lv
			} else if err := val.Decode(&rs); err != nil {
				return nil, err
			}
			rs.Skill = key
			out = append(out, conv(rs))
		}
	default:
		return nil, fmt.Errorf("expected a list or a mapping")
	}
	return out, nil
}

type rawReward struct {
	Type              string      `yaml:"type"`
	Quantity          float64     `yaml:"quantity"`
	QualityMultiplier *float64    `yaml:"quality_multiplier"`
	SkillMultiplier   float64     `yaml:"skill_multiplier"`
	RandomBonus       float64     `yaml:"random_bonus"`
	Byproducts        []Byproduct `yaml:"byproducts"`
}

func (r rawReward) reward() Reward {
	out := Reward{
		Type:              resources.Type(r.Type),
		Quantity:          r.Quantity,
		QualityMultiplier: 1,
		SkillMultiplier:   r.SkillMultiplier,
		RandomBonus:       r.RandomBonus,
		Byproducts:        r.Byproducts,
	}
	if r.QualityMultiplier != nil {
		out.QualityMultiplier = *r.QualityMultiplier
	}
	for i := range out.Byproducts {
		// An omitted chance means the byproduct always appears.
		if out.Byproducts[i].Chance == 0 && out.Byproducts[i].Quantity > 0 {
			out.Byproducts[i].Chance = 1
		}
	}
	return out
}

func decodeRewards(n *yaml.Node) ([]Reward, error) {
	if !present(n) {
		return nil, nil
	}
	var out []Reward
	switch n.Kind {
	case yaml.SequenceNode:
		for _, item := range n.Content {
			var rr rawReward
			if err := item.Decode(&rr); err != nil {
				return nil, err
			}
			out = append(out, rr.reward())
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			key, val := n.Content[i].Value, n.Content[i+1]
			var rr rawReward
			if val.Kind == yaml.ScalarNode {
				q, err := strconv.ParseFloat(val.Value, 64)
				if err != nil {
					return nil, fmt.Errorf("%s: quantity must be a number", key)
				}
				rr.Quantity = q
			} else if err := val.Decode(&rr); err != nil {
				return nil, err
			}
			rr.Type = key
			out = append(out, rr.reward())
		}
	default:
		return nil, fmt.Errorf("expected a list or a mapping")
	}
	return out, nil
}

type rawSkillReward struct {
	Skill         string  `yaml:"skill"`
	BaseExp       float64 `yaml:"base_exp"`
	QualityScaled bool    `yaml:"quality_multiplier"`
	FailureExp    float64 `yaml:"failure_exp"`
}

func decodeSkillRewards(n *yaml.Node) ([]SkillReward, error) {
	if !present(n) {
		return nil, nil
	}
	conv := func(r rawSkillReward) SkillReward {
		return SkillReward{Skill: r.Skill, BaseExp: r.BaseExp, QualityScaled: r.QualityScaled, FailureExp: r.FailureExp}
	}
	var out []SkillReward
	switch n.Kind {
	case yaml.SequenceNode:
		for _, item := range n.Content {
			var r rawSkillReward
			if err := item.Decode(&r); err != nil {
				return nil, err
			}
			out = append(out, conv(r))
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			key, val := n.Content[i].Value, n.Content[i+1]
			var r rawSkillReward
			if val.Kind == yaml.ScalarNode {
				exp, err := strconv.ParseFloat(val.Value, 64)
				if err != nil {
					return nil, fmt.Errorf("%s: experience must be a number", key)
				}
				r.BaseExp = exp
			} else if err := val.Decode(&r); err != nil {
				return nil, err
			}
			r.Skill = key
			out = append(out, conv(r))
		}
	default:
		return nil, fmt.Errorf("expected a list or a mapping")
	}
	return out, nil
}

type rawWindow struct {
	Start         int      `yaml:"start_hour"`
	End           int      `yaml:"end_hour"`
	Efficiency    *float64 `yaml:"efficiency_multiplier"`
	RequiresLight bool     `yaml:"requires_light_source"`
}

func decodeWindows(n *yaml.Node) ([]world.TimeWindow, error) {
	if !present(n) {
		return nil, nil
	}
	if n.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("expected a list")
	}
	var out []world.TimeWindow
	for _, item := range n.Content {
		w, err := decodeWindow(item)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

// decodeWindow accepts [start, end] or an object.
func decodeWindow(n *yaml.Node) (world.TimeWindow, error) {
	if n.Kind == yaml.SequenceNode {
		var pair []int
		if err := n.Decode(&pair); err != nil {
			return world.TimeWindow{}, err
		}
		if len(pair) != 2 {
			return world.TimeWindow{}, fmt.Errorf("time range needs [start, end], got %d values", len(pair))
		}
		return world.TimeWindow{Start: pair[0], End: pair[1], Efficiency: 1}, nil
	}
	var rw rawWindow
	if err := n.Decode(&rw); err != nil {
		return world.TimeWindow{}, err
	}
	w := world.TimeWindow{Start: rw.Start, End: rw.End, Efficiency: 1, RequiresLight: rw.RequiresLight}
	if rw.Efficiency != nil {
		w.Efficiency = *rw.Efficiency
	}
	return w, nil
}

// decodeBounds accepts either a list of {metric, min, max} or keyed bounds
// such as min_temperature, maximum_moisture and required_ventilation.
func decodeBounds(n *yaml.Node) ([]Bound, error) {
	if !present(n) {
		return nil, nil
	}
	if n.Kind == yaml.SequenceNode {
		var raw []struct {
			Metric string   `yaml:"metric"`
			Min    *float64 `yaml:"min"`
			Max    *float64 `yaml:"max"`
		}
		if err := n.Decode(&raw); err != nil {
			return nil, err
		}
		out := make([]Bound, 0, len(raw))
		for _, r := range raw {
			b := Bound{Metric: r.Metric}
			if r.Min != nil {
				b.Min, b.HasMin = *r.Min, true
			}
			if r.Max != nil {
				b.Max, b.HasMax = *r.Max, true
			}
			out = append(out, b)
		}
		return out, nil
	}
	if n.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("expected a list or a mapping")
	}

	var out []Bound
	index := map[string]int{}
	bound := func(metric string) *Bound {
		if i, ok := index[metric]; ok {
			return &out[i]
		}
		index[metric] = len(out)
		out = append(out, Bound{Metric: metric})
		return &out[len(out)-1]
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		key, val := n.Content[i].Value, n.Content[i+1]
		prefix, metric, ok := strings.Cut(key, "_")
		if !ok {
			return nil, fmt.Errorf("%s: expected min_, max_ or required_ prefix", key)
		}
		switch prefix {
		case "min", "minimum":
			v, err := strconv.ParseFloat(val.Value, 64)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			b := bound(metric)
			b.Min, b.HasMin = v, true
		case "max", "maximum":
			v, err := strconv.ParseFloat(val.Value, 64)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			b := bound(metric)
			b.Max, b.HasMax = v, true
		case "required":
			need, err := strconv.ParseBool(val.Value)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			if need {
				// Flags are reported as 1 (present) or 0 (absent).
				b := bound(metric)
				b.Min, b.HasMin = 1, true
			}
		default:
			return nil, fmt.Errorf("%s: expected min_, max_ or required_ prefix", key)
		}
	}
	return out, nil
}
