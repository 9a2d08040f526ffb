package task

import (
	"fmt"
	"math"
	"sort"

	"github.com/talgya/villagelife/internal/catalog"
	"github.com/talgya/villagelife/internal/eligibility"
	"github.com/talgya/villagelife/internal/resources"
	"github.com/talgya/villagelife/internal/skills"
	"github.com/talgya/villagelife/internal/world"
)

// Get returns a copy of one instance.
func (m *Manager) Get(id string) (Instance, error) {
	inst, ok := m.instances[id]
	if !ok {
		return Instance{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return inst.clone(), nil
}

// Instances returns owner's instances in creation order. An empty owner
// returns every instance.
func (m *Manager) Instances(owner string) []Instance {
	var out []Instance
	for _, id := range m.order {
		inst := m.instances[id]
		if owner == "" || inst.Owner == owner {
			out = append(out, inst.clone())
		}
	}
	return out
}

// Profile returns a copy of owner's profile.
func (m *Manager) Profile(owner string) Profile {
	return m.peekProfile(owner).clone()
}

// SetSkill sets a skill level directly, for seeding owners.
func (m *Manager) SetSkill(owner, skill string, level float64) {
	if level > skills.MaxLevel {
		level = skills.MaxLevel
	}
	m.profile(owner).Skills[skill] = level
}

// Availability is one template's eligibility for an owner.
type Availability struct {
	Template catalog.Template   `json:"template"`
	Result   eligibility.Result `json:"result"`
}

// Available checks every template for owner with full explanations.
// Hidden templates are listed only once they are eligible.
func (m *Manager) Available(owner string, ctx world.Context) []Availability {
	r := m.resolver
	r.Explain = true
	in := m.input(owner, ctx, m.ledger.View(owner))
	var out []Availability
	for _, t := range m.catalog.All() {
		res := r.Check(&t, in)
		if t.Hidden && !res.Eligible {
			continue
		}
		out = append(out, Availability{Template: t, Result: res})
	}
	return out
}

// Check explains whether owner can start templateID under ctx.
func (m *Manager) Check(owner, templateID string, ctx world.Context) (eligibility.Result, error) {
	t, err := m.catalog.Get(templateID)
	if err != nil {
		return eligibility.Result{}, err
	}
	r := m.resolver
	r.Explain = true
	return r.Check(&t, m.input(owner, ctx, m.ledger.View(owner))), nil
}

// State is plain data sufficient to rebuild a manager's instances,
// profiles and ledger.
type State struct {
	Tick      uint64                `json:"tick"`
	Ledger    resources.LedgerState `json:"ledger"`
	Instances []Instance            `json:"instances"`
	Profiles  map[string]Profile    `json:"profiles"`
}

// Export returns a deep copy of the manager's state.
func (m *Manager) Export() State {
	st := State{
		Tick:      m.now,
		Ledger:    m.ledger.Export(),
		Instances: m.Instances(""),
		Profiles:  make(map[string]Profile, len(m.profiles)),
	}
	for owner, p := range m.profiles {
		st.Profiles[owner] = p.clone()
	}
	return st
}

// Import replaces the manager's state. Instances must reference known
// templates and carry valid states; nothing changes if any check fails.
func (m *Manager) Import(st State) error {
	instances := make(map[string]*Instance, len(st.Instances))
	order := make([]string, 0, len(st.Instances))
	for i := range st.Instances {
		inst := st.Instances[i].clone()
		if inst.ID == "" {
			return fmt.Errorf("import instance #%d: empty id", i)
		}
		if _, dup := instances[inst.ID]; dup {
			return fmt.Errorf("import instance %s: duplicate id", inst.ID)
		}
		if !inst.State.valid() {
			return fmt.Errorf("import instance %s: unknown state %q", inst.ID, inst.State)
		}
		if _, err := m.catalog.Get(inst.TemplateID); err != nil {
			return fmt.Errorf("import instance %s: %w", inst.ID, err)
		}
		instances[inst.ID] = &inst
		order = append(order, inst.ID)
	}
	if err := checkLocks(instances, st.Ledger); err != nil {
		return err
	}
	if err := m.ledger.Import(st.Ledger); err != nil {
		return fmt.Errorf("import ledger: %w", err)
	}

	profiles := make(map[string]*Profile, len(st.Profiles))
	for owner, p := range st.Profiles {
		cp := p.clone()
		profiles[owner] = &cp
	}
	m.instances = instances
	m.order = order
	m.profiles = profiles
	m.now = st.Tick
	return nil
}

// checkLocks verifies that every owner's locked amounts are exactly the
// non-consumed items held by that owner's ACTIVE instances.
func checkLocks(instances map[string]*Instance, ledger resources.LedgerState) error {
	held := map[string]map[resources.Type]float64{}
	for _, inst := range instances {
		if inst.State != Active {
			continue
		}
		owner := inst.Reservation.Owner
		if owner == "" {
			owner = inst.Owner
		}
		if owner != inst.Owner {
			return fmt.Errorf("import instance %s: reservation owner %q: %w", inst.ID, owner, ErrInconsistentState)
		}
		for _, it := range inst.Reservation.Items {
			if it.Consumed || it.Quantity <= 0 {
				continue
			}
			if held[owner] == nil {
				held[owner] = map[resources.Type]float64{}
			}
			held[owner][it.Type] += it.Quantity
		}
	}

	owners := map[string]bool{}
	for o := range held {
		owners[o] = true
	}
	for o := range ledger.Owners {
		owners[o] = true
	}
	names := make([]string, 0, len(owners))
	for o := range owners {
		names = append(names, o)
	}
	sort.Strings(names)

	for _, o := range names {
		locked := ledger.Owners[o].Locked
		types := map[resources.Type]bool{}
		for t := range held[o] {
			types[t] = true
		}
		for t := range locked {
			types[t] = true
		}
		for t := range types {
			if want, got := held[o][t], locked[t]; math.Abs(want-got) > 1e-9 {
				return fmt.Errorf("import %s/%s: active tasks hold %.2f, ledger locks %.2f: %w", o, t, want, got, ErrInconsistentState)
			}
		}
	}
	return nil
}
