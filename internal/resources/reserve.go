package resources

import (
	"fmt"
	"math"
	"sort"
)

// Claim asks for quantity of a type at a minimum quality. Consumed claims are
// removed from the ledger when reserved; the rest (tools) are only locked.
type Claim struct {
	Type       Type    `json:"type"`
	Quantity   float64 `json:"quantity"`
	MinQuality float64 `json:"min_quality"`
	Consumed   bool    `json:"consumed"`
	Tool       bool    `json:"tool,omitempty"`
}

// Reserved is one claim as satisfied, with the quality actually drawn.
type Reserved struct {
	Type     Type    `json:"type"`
	Quantity float64 `json:"quantity"`
	Quality  float64 `json:"quality"`
	Consumed bool    `json:"consumed"`
	Tool     bool    `json:"tool,omitempty"`
}

// Reservation is what a task holds while it runs.
type Reservation struct {
	Owner string     `json:"owner"`
	Items []Reserved `json:"items"`
}

// Empty reports whether the reservation holds nothing.
func (r Reservation) Empty() bool { return len(r.Items) == 0 }

// Reserve satisfies every claim or none. Demand is totalled per type first,
// so two claims on the same type cannot both count the same units.
func (l *Ledger) Reserve(owner string, claims []Claim) (Reservation, error) {
	h := l.peekHolding(owner)
	res := Reservation{Owner: owner}

	demand := make(map[Type]float64, len(claims))
	for i, c := range claims {
		if c.Quantity < 0 || !finite(c.Quantity) || math.IsNaN(c.MinQuality) {
			return res, fmt.Errorf("reserve %s %v: %w", c.Type, c.Quantity, ErrInvalidQuantity)
		}
		cur := h.stacks[c.Type]
		avail := cur.Quantity - h.locked[c.Type] - demand[c.Type]
		if avail+epsilon < c.Quantity || cur.Quality+epsilon < c.MinQuality {
			return res, &ShortageError{
				Owner: owner, Type: c.Type, Requested: c.Quantity, Available: maxf(avail, 0),
				MinQuality: c.MinQuality, Quality: cur.Quality, Index: i,
			}
		}
		demand[c.Type] += c.Quantity
	}

	// Validation passed; nothing below can fail.
	h = l.holding(owner)
	for _, c := range claims {
		q := h.stacks[c.Type].Quality
		if c.Quantity > 0 {
			if c.Consumed {
				l.take(h, c.Type, c.Quantity)
			} else {
				h.locked[c.Type] += c.Quantity
			}
		}
		res.Items = append(res.Items, Reserved{
			Type: c.Type, Quantity: c.Quantity, Quality: q, Consumed: c.Consumed, Tool: c.Tool,
		})
	}
	return res, nil
}

// Release unlocks the non-consumed items of r. Consumed items stay spent.
func (l *Ledger) Release(r Reservation) {
	h := l.holding(r.Owner)
	for _, it := range r.Items {
		if it.Consumed {
			continue
		}
		l.unlock(h, it.Type, it.Quantity)
	}
}

// Restore undoes r entirely: locks are released and consumed items are put
// back at the quality they were taken at. Capacity is not enforced since
// the owner held these items before.
func (l *Ledger) Restore(r Reservation) {
	h := l.holding(r.Owner)
	for _, it := range r.Items {
		if !it.Consumed {
			l.unlock(h, it.Type, it.Quantity)
			continue
		}
		if it.Quantity <= 0 {
			continue
		}
		in := Stack{Type: it.Type, Quantity: it.Quantity, Quality: it.Quality}
		if cur, ok := h.stacks[it.Type]; ok && cur.Quantity > epsilon {
			h.stacks[it.Type] = cur.Combine(in)
		} else {
			h.stacks[it.Type] = in.normalized()
		}
	}
}

func (l *Ledger) unlock(h *holding, t Type, quantity float64) {
	left := h.locked[t] - quantity
	if left <= epsilon {
		delete(h.locked, t)
		if s, ok := h.stacks[t]; ok && s.Empty() {
			delete(h.stacks, t)
		}
		return
	}
	h.locked[t] = left
}

// OwnerState is the exported form of one owner's holdings.
type OwnerState struct {
	Stacks    []Stack          `json:"stacks"`
	Locked    map[Type]float64 `json:"locked,omitempty"`
	LastDecay *uint64          `json:"last_decay,omitempty"`
}

// LedgerState is plain data sufficient to rebuild a ledger.
type LedgerState struct {
	Capacity float64               `json:"capacity"`
	Truncate bool                  `json:"truncate,omitempty"`
	Owners   map[string]OwnerState `json:"owners"`
}

// Export returns a deep copy of the ledger's state.
func (l *Ledger) Export() LedgerState {
	st := LedgerState{
		Capacity: l.capacity,
		Truncate: l.Truncate,
		Owners:   make(map[string]OwnerState, len(l.owners)),
	}
	for owner, h := range l.owners {
		snap := OwnerState{Stacks: l.Holdings(owner)}
		if len(h.locked) > 0 {
			snap.Locked = make(map[Type]float64, len(h.locked))
			for t, q := range h.locked {
				snap.Locked[t] = q
			}
		}
		if h.decayed {
			tick := h.lastDecay
			snap.LastDecay = &tick
		}
		st.Owners[owner] = snap
	}
	return st
}

// Import replaces the ledger's contents with st.
func (l *Ledger) Import(st LedgerState) error {
	owners := make(map[string]*holding, len(st.Owners))
	names := make([]string, 0, len(st.Owners))
	for o := range st.Owners {
		names = append(names, o)
	}
	sort.Strings(names)

	for _, owner := range names {
		snap := st.Owners[owner]
		h := &holding{stacks: make(map[Type]Stack), locked: make(map[Type]float64)}
		for _, s := range snap.Stacks {
			if s.Quantity < 0 || !finite(s.Quantity) || !finite(s.Quality) {
				return fmt.Errorf("import %s/%s: %w", owner, s.Type, ErrInvalidQuantity)
			}
			if cur, ok := h.stacks[s.Type]; ok {
				h.stacks[s.Type] = cur.Combine(s)
			} else {
				h.stacks[s.Type] = s.normalized()
			}
		}
		for t, q := range snap.Locked {
			if q < 0 || !finite(q) {
				return fmt.Errorf("import %s/%s locked %v: %w", owner, t, q, ErrInvalidQuantity)
			}
			if q > h.stacks[t].Quantity+epsilon {
				return fmt.Errorf("import %s/%s: locked %.2f exceeds held %.2f", owner, t, q, h.stacks[t].Quantity)
			}
			if q > 0 {
				h.locked[t] = q
			}
		}
		if snap.LastDecay != nil {
			h.lastDecay = *snap.LastDecay
			h.decayed = true
		}
		owners[owner] = h
	}

	l.capacity = st.Capacity
	l.Truncate = st.Truncate
	l.owners = owners
	return nil
}
