// Package skills tracks skill levels and converts between experience,
// level and the quality a skill lends to work.
package skills

import (
	"math"
	"sort"
)

// MaxLevel is the skill ceiling.
const MaxLevel = 100.0

// curveScale sets how fast the level-to-quality curve saturates: level 25
// gives ~0.63, level 50 ~0.86, level 100 ~0.98.
const curveScale = 25.0

// Levels maps skill name to level.
type Levels map[string]float64

// Level returns the level of skill, zero if untrained.
func (l Levels) Level(skill string) float64 {
	return l[skill]
}

// Best returns the highest level among primary and its alternatives, and
// which skill provided it.
func (l Levels) Best(primary string, alternatives []string) (string, float64) {
	best, lv := primary, l[primary]
	for _, a := range alternatives {
		if l[a] > lv {
			best, lv = a, l[a]
		}
	}
	return best, lv
}

// Clone returns an independent copy.
func (l Levels) Clone() Levels {
	out := make(Levels, len(l))
	for k, v := range l {
		out[k] = v
	}
	return out
}

// Names returns the trained skills in name order.
func (l Levels) Names() []string {
	out := make([]string, 0, len(l))
	for k := range l {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Apply adds experience to each named skill and returns the level change
// per skill.
func (l Levels) Apply(exp map[string]float64) map[string]float64 {
	deltas := make(map[string]float64, len(exp))
	for skill, e := range exp {
		cur := l[skill]
		next := Gain(cur, e)
		if next != cur {
			l[skill] = next
			deltas[skill] = next - cur
		}
	}
	return deltas
}

// Quality maps a level onto [0,1]: 1 - e^(-level/25).
func Quality(level float64) float64 {
	if level <= 0 || math.IsNaN(level) {
		return 0
	}
	q := 1 - math.Exp(-level/curveScale)
	return math.Min(q, 1)
}

// Gain returns the level after earning exp. Improvement shrinks as the
// level rises, and the result never exceeds MaxLevel.
func Gain(current, exp float64) float64 {
	if exp <= 0 || math.IsNaN(exp) {
		return current
	}
	if current < 0 {
		current = 0
	}
	improvement := (exp / 10) / (1 + current/50)
	return math.Min(current+improvement, MaxLevel)
}
