package resources

import "math"

// Stack is a held amount of one resource type.
type Stack struct {
	Type     Type    `json:"type" db:"type"`
	Quantity float64 `json:"quantity" db:"quantity"`
	Quality  float64 `json:"quality" db:"quality"`
}

// Combine merges other into s. Quantities add; quality becomes the
// quantity-weighted average of both stacks. Order does not matter.
func (s Stack) Combine(other Stack) Stack {
	a, b := s.normalized(), other.normalized()
	total := a.Quantity + b.Quantity
	if total <= 0 {
		return Stack{Type: s.Type, Quality: clamp01(maxf(a.Quality, b.Quality))}
	}
	q := (a.Quality*a.Quantity + b.Quality*b.Quantity) / total
	return Stack{Type: s.Type, Quantity: total, Quality: clamp01(q)}
}

// Empty reports whether the stack holds nothing.
func (s Stack) Empty() bool {
	return s.Quantity <= epsilon
}

func (s Stack) normalized() Stack {
	if s.Quantity < 0 {
		s.Quantity = 0
	}
	s.Quality = clamp01(s.Quality)
	return s
}

// epsilon absorbs float residue when stacks are drained to zero.
const epsilon = 1e-9

// clamp01 pins v into [0,1]. NaN becomes 0.
func clamp01(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// finite reports whether v is neither NaN nor infinite.
func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
