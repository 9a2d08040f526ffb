// Package resources provides per-owner resource storage: stacks that carry
// quantity and quality, merge by weighted quality, decay over time, and can
// be reserved for in-progress tasks.
package resources

import (
	"math"

	"github.com/talgya/villagelife/internal/world"
)

// Type identifies a resource, e.g. "WOOD" or "REFINED_METAL".
type Type string

// Properties describes how a resource type behaves in storage.
type Properties struct {
	BaseValue     float64                  `json:"base_value" yaml:"base_value"`
	DecayRate     float64                  `json:"decay_rate" yaml:"decay_rate"`         // Fraction of quantity lost per day
	QualityDecay  float64                  `json:"quality_decay" yaml:"quality_decay"`   // Quality lost per day
	QualityImpact float64                  `json:"quality_impact" yaml:"quality_impact"` // How much quality moves value (0-1)
	Weight        float64                  `json:"weight" yaml:"weight"`                 // Per unit, counts against capacity
	Unit          float64                  `json:"unit" yaml:"unit"`                     // Indivisible unit; 0 = continuous
	SeasonalDecay map[world.Season]float64 `json:"seasonal_decay,omitempty" yaml:"seasonal_decay"`
}

// Value returns the worth of a stack of this type.
func (p Properties) Value(s Stack) float64 {
	base := p.BaseValue * s.Quantity
	v := base + base*(s.Quality-0.5)*p.QualityImpact
	if v < 0 {
		return 0
	}
	return v
}

// Floor rounds q down to the resource's indivisible unit.
func (p Properties) Floor(q float64) float64 {
	if q <= 0 {
		return 0
	}
	if p.Unit <= 0 {
		return q
	}
	// Small epsilon so 2.9999999 from float math still counts as 3 units.
	return math.Floor(q/p.Unit+1e-9) * p.Unit
}

// decayFactor returns the seasonal multiplier on decay (1 if unset).
func (p Properties) decayFactor(season world.Season) float64 {
	if m, ok := p.SeasonalDecay[season]; ok && m >= 0 {
		return m
	}
	return 1
}

// DefaultProperties applies to any type missing from a registry.
var DefaultProperties = Properties{BaseValue: 1, QualityImpact: 0.5, Weight: 1}

// Registry maps resource types to their properties.
type Registry map[Type]Properties

// Lookup returns the properties for t, or DefaultProperties if unknown.
func (r Registry) Lookup(t Type) Properties {
	if p, ok := r[t]; ok {
		return p
	}
	return DefaultProperties
}

var perishable = map[world.Season]float64{
	world.Summer: 1.5,
	world.Winter: 0.5, // cold preserves
}

// DefaultRegistry returns the standard village resource table.
func DefaultRegistry() Registry {
	return Registry{
		// Basic
		"WOOD":  {BaseValue: 1, QualityImpact: 0.5, Weight: 2},
		"STONE": {BaseValue: 1, QualityImpact: 0.3, Weight: 3},
		"METAL": {BaseValue: 2, QualityImpact: 0.7, Weight: 4},
		"HERBS": {BaseValue: 2, DecayRate: 0.1, QualityDecay: 0.05, QualityImpact: 0.8, Weight: 0.5, SeasonalDecay: perishable},
		"WATER": {BaseValue: 0.5, QualityImpact: 0.3, Weight: 1},
		"ORE":   {BaseValue: 1.5, QualityImpact: 0.6, Weight: 4},
		"COAL":  {BaseValue: 2, QualityImpact: 0.4, Weight: 1.5},

		// Food
		"FOOD":  {BaseValue: 2, DecayRate: 0.2, QualityDecay: 0.05, QualityImpact: 0.8, Weight: 1, SeasonalDecay: perishable},
		"MEAT":  {BaseValue: 3, DecayRate: 0.3, QualityDecay: 0.08, QualityImpact: 0.9, Weight: 1.5, SeasonalDecay: perishable},
		"FISH":  {BaseValue: 2.5, DecayRate: 0.25, QualityDecay: 0.08, QualityImpact: 0.8, Weight: 1, SeasonalDecay: perishable},
		"CROPS": {BaseValue: 1.5, DecayRate: 0.15, QualityDecay: 0.03, QualityImpact: 0.7, Weight: 1, SeasonalDecay: perishable},
		"SEEDS": {BaseValue: 1, DecayRate: 0.05, QualityImpact: 0.6, Weight: 0.1},

		// Crafting materials
		"LEATHER": {BaseValue: 3, DecayRate: 0.05, QualityImpact: 0.7, Weight: 1},
		"CLOTH":   {BaseValue: 2.5, DecayRate: 0.05, QualityImpact: 0.6, Weight: 0.5},
		"PAPER":   {BaseValue: 1.5, DecayRate: 0.1, QualityImpact: 0.4, Weight: 0.2},
		"INK":     {BaseValue: 3, DecayRate: 0.1, QualityImpact: 0.5, Weight: 0.2},
		"GEMS":    {BaseValue: 10, QualityImpact: 1, Weight: 0.1, Unit: 1},
		"GLASS":   {BaseValue: 2, QualityImpact: 0.8, Weight: 1},

		// Equipment
		"TOOLS":      {BaseValue: 5, DecayRate: 0.1, QualityImpact: 0.9, Weight: 2, Unit: 1},
		"WEAPONS":    {BaseValue: 8, DecayRate: 0.05, QualityImpact: 1, Weight: 3, Unit: 1},
		"ARMOR":      {BaseValue: 10, DecayRate: 0.05, QualityImpact: 1, Weight: 5, Unit: 1},
		"FURNITURE":  {BaseValue: 6, DecayRate: 0.02, QualityImpact: 0.8, Weight: 8, Unit: 1},
		"CONTAINERS": {BaseValue: 4, DecayRate: 0.02, QualityImpact: 0.6, Weight: 2, Unit: 1},
		"TORCH":      {BaseValue: 1, DecayRate: 0.1, QualityImpact: 0.3, Weight: 0.5, Unit: 1},

		// Refined
		"SORTED_ORE":    {BaseValue: 2.5, QualityImpact: 0.7, Weight: 3.5},
		"REFINED_METAL": {BaseValue: 5, QualityImpact: 0.9, Weight: 3},
		"REFINED_WOOD":  {BaseValue: 3, QualityImpact: 0.8, Weight: 1.5},
		"REFINED_STONE": {BaseValue: 3, QualityImpact: 0.7, Weight: 2.5},
		"REFINED_GEMS":  {BaseValue: 20, QualityImpact: 1, Weight: 0.1, Unit: 1},
		"CHARCOAL":      {BaseValue: 2.5, QualityImpact: 0.5, Weight: 0.8},
		"SLAG":          {BaseValue: 0.2, QualityImpact: 0.1, Weight: 2},
		"ASH":           {BaseValue: 0.1, QualityImpact: 0.1, Weight: 0.2},

		// Structures
		"SHELTER": {BaseValue: 30, QualityImpact: 1, Weight: 0, Unit: 1},
		"WELL":    {BaseValue: 25, QualityImpact: 1, Weight: 0, Unit: 1},
		"FORGE":   {BaseValue: 40, QualityImpact: 1, Weight: 0, Unit: 1},
		"MAP":     {BaseValue: 4, DecayRate: 0.01, QualityImpact: 0.6, Weight: 0.1, Unit: 1},

		// Tools
		"AXE":             {BaseValue: 7, DecayRate: 0.05, QualityImpact: 0.9, Weight: 2.5, Unit: 1},
		"PICKAXE":         {BaseValue: 8, DecayRate: 0.05, QualityImpact: 1, Weight: 3, Unit: 1},
		"SHOVEL":          {BaseValue: 6, DecayRate: 0.05, QualityImpact: 0.9, Weight: 2.5, Unit: 1},
		"HAMMER":          {BaseValue: 7, DecayRate: 0.05, QualityImpact: 0.9, Weight: 2, Unit: 1},
		"SAW":             {BaseValue: 7, DecayRate: 0.05, QualityImpact: 0.9, Weight: 2, Unit: 1},
		"MALLET":          {BaseValue: 5, DecayRate: 0.05, QualityImpact: 0.8, Weight: 1.5, Unit: 1},
		"SMITHING_HAMMER": {BaseValue: 10, DecayRate: 0.05, QualityImpact: 1, Weight: 3, Unit: 1},
	}
}
