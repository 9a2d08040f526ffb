package resources

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/talgya/villagelife/internal/world"
)

var (
	// ErrInsufficientResource means the owner does not hold enough of a
	// resource at the required quality. Callers treat it as "cannot do this".
	ErrInsufficientResource = errors.New("insufficient resource")
	// ErrCapacityExceeded means an add would push the owner past the weight ceiling.
	ErrCapacityExceeded = errors.New("storage capacity exceeded")
	// ErrInvalidQuantity rejects negative or NaN quantities.
	ErrInvalidQuantity = errors.New("invalid quantity")
)

// ShortageError describes which resource was short and by how much.
type ShortageError struct {
	Owner      string
	Type       Type
	Requested  float64
	Available  float64
	MinQuality float64
	Quality    float64
	Index      int // position of the failing claim in a Reserve call, -1 otherwise
}

func (e *ShortageError) Error() string {
	if e.Available >= e.Requested {
		return fmt.Sprintf("%s: %s quality %.2f below %.2f", ErrInsufficientResource, e.Type, e.Quality, e.MinQuality)
	}
	return fmt.Sprintf("%s: %s need %.2f have %.2f", ErrInsufficientResource, e.Type, e.Requested, e.Available)
}

func (e *ShortageError) Unwrap() error { return ErrInsufficientResource }

// DefaultCapacity is the total weight an owner can store.
const DefaultCapacity = 1000.0

// Ledger stores resource stacks per owner. One stack per type per owner,
// always pre-merged. The ledger does no locking: a single caller owns it.
type Ledger struct {
	registry Registry
	capacity float64 // <= 0 means unlimited

	// Truncate makes adds that overflow capacity store what fits instead of failing.
	Truncate bool

	owners map[string]*holding
}

type holding struct {
	stacks    map[Type]Stack
	locked    map[Type]float64
	lastDecay uint64
	decayed   bool
}

// NewLedger creates an empty ledger.
func NewLedger(registry Registry, capacity float64) *Ledger {
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &Ledger{
		registry: registry,
		capacity: capacity,
		owners:   make(map[string]*holding),
	}
}

// Registry returns the property table the ledger uses.
func (l *Ledger) Registry() Registry { return l.registry }

// Capacity returns the per-owner weight ceiling.
func (l *Ledger) Capacity() float64 { return l.capacity }

// peekHolding returns owner's holding without registering a new owner.
func (l *Ledger) peekHolding(owner string) *holding {
	if h, ok := l.owners[owner]; ok {
		return h
	}
	return &holding{stacks: map[Type]Stack{}, locked: map[Type]float64{}}
}

func (l *Ledger) holding(owner string) *holding {
	h, ok := l.owners[owner]
	if !ok {
		h = &holding{stacks: make(map[Type]Stack), locked: make(map[Type]float64)}
		l.owners[owner] = h
	}
	return h
}

// Owners returns all owners with any recorded state, sorted.
func (l *Ledger) Owners() []string {
	out := make([]string, 0, len(l.owners))
	for o := range l.owners {
		out = append(out, o)
	}
	sort.Strings(out)
	return out
}

// Weight returns the total weight held by owner.
func (l *Ledger) Weight(owner string) float64 {
	h, ok := l.owners[owner]
	if !ok {
		return 0
	}
	total := 0.0
	for t, s := range h.stacks {
		total += s.Quantity * l.registry.Lookup(t).Weight
	}
	return total
}

// Add merges quantity at quality into the owner's stack of type t and returns
// the resulting stack. Overflowing capacity fails with nothing added unless
// the ledger truncates.
func (l *Ledger) Add(owner string, t Type, quantity, quality float64) (Stack, error) {
	if quantity < 0 || !finite(quantity) || !finite(quality) {
		return Stack{}, fmt.Errorf("add %s %v@%v: %w", t, quantity, quality, ErrInvalidQuantity)
	}
	h := l.peekHolding(owner)
	if quantity == 0 {
		return h.stacks[t], nil
	}

	props := l.registry.Lookup(t)
	if free, limited := l.free(owner); limited && quantity*props.Weight > free+epsilon {
		if !l.Truncate {
			return h.stacks[t], fmt.Errorf("add %.2f %s for %s: %w", quantity, t, owner, ErrCapacityExceeded)
		}
		quantity = props.Floor(free / props.Weight)
		if quantity <= 0 {
			return h.stacks[t], fmt.Errorf("add %s for %s: %w", t, owner, ErrCapacityExceeded)
		}
	}

	h = l.holding(owner)
	cur, ok := h.stacks[t]
	in := Stack{Type: t, Quantity: quantity, Quality: quality}
	if ok {
		cur = cur.Combine(in)
	} else {
		cur = in.normalized()
	}
	h.stacks[t] = cur
	return cur, nil
}

// AddAll adds every stack or none of them.
func (l *Ledger) AddAll(owner string, stacks []Stack) error {
	need := 0.0
	for _, s := range stacks {
		if s.Quantity < 0 || !finite(s.Quantity) || !finite(s.Quality) {
			return fmt.Errorf("add %s %v@%v: %w", s.Type, s.Quantity, s.Quality, ErrInvalidQuantity)
		}
		need += s.Quantity * l.registry.Lookup(s.Type).Weight
	}
	if free, limited := l.free(owner); limited && need > free+epsilon && !l.Truncate {
		return fmt.Errorf("add %d stacks (weight %.2f, free %.2f) for %s: %w", len(stacks), need, free, owner, ErrCapacityExceeded)
	}
	for _, s := range stacks {
		if _, err := l.Add(owner, s.Type, s.Quantity, s.Quality); err != nil && !errors.Is(err, ErrCapacityExceeded) {
			return err
		}
	}
	return nil
}

func (l *Ledger) free(owner string) (float64, bool) {
	if l.capacity <= 0 {
		return 0, false
	}
	free := l.capacity - l.Weight(owner)
	if free < 0 {
		free = 0
	}
	return free, true
}

// Remove takes quantity of t from owner. It fails, changing nothing, if the
// unlocked quantity is short or the stack's quality is below minQuality.
func (l *Ledger) Remove(owner string, t Type, quantity, minQuality float64) (Stack, error) {
	if quantity < 0 || !finite(quantity) || math.IsNaN(minQuality) {
		return Stack{}, fmt.Errorf("remove %s %v: %w", t, quantity, ErrInvalidQuantity)
	}
	h := l.peekHolding(owner)
	cur := h.stacks[t]
	avail := cur.Quantity - h.locked[t]
	if avail+epsilon < quantity || cur.Quality+epsilon < minQuality {
		return Stack{}, &ShortageError{
			Owner: owner, Type: t, Requested: quantity, Available: maxf(avail, 0),
			MinQuality: minQuality, Quality: cur.Quality, Index: -1,
		}
	}
	if quantity == 0 {
		return Stack{Type: t, Quality: cur.Quality}, nil
	}
	l.take(h, t, quantity)
	return Stack{Type: t, Quantity: quantity, Quality: cur.Quality}, nil
}

func (l *Ledger) take(h *holding, t Type, quantity float64) {
	cur := h.stacks[t]
	cur.Quantity -= quantity
	if cur.Empty() && h.locked[t] <= epsilon {
		delete(h.stacks, t)
		return
	}
	if cur.Quantity < 0 {
		cur.Quantity = 0
	}
	h.stacks[t] = cur
}

// Peek returns the owner's stack of t, if any.
func (l *Ledger) Peek(owner string, t Type) (Stack, bool) {
	h, ok := l.owners[owner]
	if !ok {
		return Stack{}, false
	}
	s, ok := h.stacks[t]
	return s, ok
}

// Available returns the unlocked quantity and the quality of owner's stack of t.
func (l *Ledger) Available(owner string, t Type) (float64, float64) {
	h, ok := l.owners[owner]
	if !ok {
		return 0, 0
	}
	s := h.stacks[t]
	avail := s.Quantity - h.locked[t]
	if avail < 0 {
		avail = 0
	}
	return avail, s.Quality
}

// Locked returns how much of t is held by active reservations.
func (l *Ledger) Locked(owner string, t Type) float64 {
	if h, ok := l.owners[owner]; ok {
		return h.locked[t]
	}
	return 0
}

// Holdings returns the owner's stacks sorted by type.
func (l *Ledger) Holdings(owner string) []Stack {
	h, ok := l.owners[owner]
	if !ok {
		return nil
	}
	out := make([]Stack, 0, len(h.stacks))
	for _, s := range h.stacks {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// View is a read-only availability lookup bound to one owner.
type View struct {
	ledger *Ledger
	owner  string
}

// View returns a read-only view of owner's holdings.
func (l *Ledger) View(owner string) View {
	return View{ledger: l, owner: owner}
}

// Available implements the eligibility holdings lookup.
func (v View) Available(t Type) (float64, float64) {
	return v.ledger.Available(v.owner, t)
}

// Adjustment records what one decay pass did to a stack.
type Adjustment struct {
	Type         Type    `json:"type"`
	QuantityLost float64 `json:"quantity_lost"`
	QualityLost  float64 `json:"quality_lost"`
	Removed      bool    `json:"removed,omitempty"`
}

// Decay ages owner's stacks by days. Quantity shrinks by the type's daily
// rate and quality by its daily quality decay, both scaled by season. Values
// clamp at zero, locked amounts are never decayed away, and emptied stacks are
// removed.
//
// Decay is not idempotent. Replaying the same interval applies it twice;
// callers record the last decayed tick with MarkDecayed and skip intervals
// already applied.
func (l *Ledger) Decay(owner string, days float64, season world.Season) []Adjustment {
	h, ok := l.owners[owner]
	if !ok || days <= 0 || days != days {
		return nil
	}

	types := make([]Type, 0, len(h.stacks))
	for t := range h.stacks {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	var adj []Adjustment
	for _, t := range types {
		s := h.stacks[t]
		props := l.registry.Lookup(t)
		f := props.decayFactor(season)

		keep := 1 - props.DecayRate*f*days
		if keep < 0 {
			keep = 0
		}
		if keep > 1 {
			keep = 1
		}
		qty := s.Quantity * keep
		if floor := h.locked[t]; qty < floor {
			qty = minf(floor, s.Quantity)
		}
		quality := clamp01(s.Quality - props.QualityDecay*f*days)

		a := Adjustment{Type: t, QuantityLost: s.Quantity - qty, QualityLost: s.Quality - quality}
		if a.QuantityLost <= 0 && a.QualityLost <= 0 {
			continue
		}
		if qty <= epsilon {
			delete(h.stacks, t)
			a.Removed = true
		} else {
			h.stacks[t] = Stack{Type: t, Quantity: qty, Quality: quality}
		}
		adj = append(adj, a)
	}
	return adj
}

// MarkDecayed records the tick through which owner's decay has been applied.
func (l *Ledger) MarkDecayed(owner string, tick uint64) {
	h := l.holding(owner)
	h.lastDecay = tick
	h.decayed = true
}

// LastDecay returns the tick recorded by MarkDecayed.
func (l *Ledger) LastDecay(owner string) (uint64, bool) {
	h, ok := l.owners[owner]
	if !ok || !h.decayed {
		return 0, false
	}
	return h.lastDecay, true
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
