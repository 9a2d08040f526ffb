package task

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"github.com/talgya/villagelife/internal/catalog"
	"github.com/talgya/villagelife/internal/eligibility"
	"github.com/talgya/villagelife/internal/events"
	"github.com/talgya/villagelife/internal/modifier"
	"github.com/talgya/villagelife/internal/outcome"
	"github.com/talgya/villagelife/internal/resources"
	"github.com/talgya/villagelife/internal/world"
)

// Manager owns task instances and owner profiles and drives them against a
// ledger. It does no locking: callers serialise access per manager.
type Manager struct {
	catalog  *catalog.Catalog
	ledger   *resources.Ledger
	resolver eligibility.Resolver
	calc     *outcome.Calculator
	sink     events.Sink
	rng      outcome.Rand
	newID    func() string

	instances map[string]*Instance
	order     []string // instance ids in creation order
	profiles  map[string]*Profile
	now       uint64 // tick of the most recent context seen
}

// Option configures a Manager.
type Option func(*Manager)

// WithSink sets where events go.
func WithSink(s events.Sink) Option { return func(m *Manager) { m.sink = s } }

// WithRand sets the random source for outcome draws.
func WithRand(r outcome.Rand) Option { return func(m *Manager) { m.rng = r } }

// WithIDs replaces the instance id generator.
func WithIDs(f func() string) Option { return func(m *Manager) { m.newID = f } }

// WithCalculator replaces the outcome calculator.
func WithCalculator(c *outcome.Calculator) Option { return func(m *Manager) { m.calc = c } }

// NewManager wires a manager to a catalog and ledger. rng must be set with
// WithRand unless outcomes never involve chance.
func NewManager(cat *catalog.Catalog, ledger *resources.Ledger, opts ...Option) *Manager {
	m := &Manager{
		catalog:   cat,
		ledger:    ledger,
		resolver:  eligibility.Resolver{Chains: cat},
		calc:      outcome.New(ledger.Registry()),
		sink:      events.Discard,
		newID:     uuid.NewString,
		instances: make(map[string]*Instance),
		profiles:  make(map[string]*Profile),
	}
	for _, o := range opts {
		o(m)
	}
	if m.rng == nil {
		m.rng = zeroRand{}
	}
	return m
}

type zeroRand struct{}

func (zeroRand) Float64() float64 { return 0 }

// Catalog returns the catalog the manager reads templates from.
func (m *Manager) Catalog() *catalog.Catalog { return m.catalog }

// Ledger returns the ledger the manager reserves from.
func (m *Manager) Ledger() *resources.Ledger { return m.ledger }

// Create registers a PENDING instance of templateID for owner.
func (m *Manager) Create(owner, templateID string) (Instance, error) {
	if _, err := m.catalog.Get(templateID); err != nil {
		return Instance{}, err
	}
	inst := &Instance{
		ID:          m.newID(),
		Owner:       owner,
		TemplateID:  templateID,
		State:       Pending,
		CreatedTick: m.now,
	}
	m.instances[inst.ID] = inst
	m.order = append(m.order, inst.ID)
	return inst.clone(), nil
}

// Start re-checks eligibility against ctx, reserves every required
// resource and tool, computes the modified duration and activates the
// instance. On any failure nothing is reserved and the instance stays
// PENDING.
func (m *Manager) Start(id string, ctx world.Context) (Instance, error) {
	m.observe(ctx)
	inst, t, err := m.lookup(id)
	if err != nil {
		return Instance{}, err
	}
	if inst.State != Pending {
		return Instance{}, fmt.Errorf("start %s from %s: %w", id, inst.State, ErrInvalidTransition)
	}

	view := m.ledger.View(inst.Owner)
	res := m.resolver.Check(&t, m.input(inst.Owner, ctx, view))
	if !res.Eligible {
		return Instance{}, &StartError{InstanceID: id, TemplateID: t.ID, Result: res}
	}
	sel, blockers := eligibility.Select(&t, view)
	if len(blockers) > 0 {
		return Instance{}, &StartError{InstanceID: id, TemplateID: t.ID, Result: eligibility.Result{Blockers: blockers}}
	}
	reservation, err := m.ledger.Reserve(inst.Owner, eligibility.Claims(sel))
	if err != nil {
		return Instance{}, fmt.Errorf("start %s: %w", id, err)
	}

	var mat outcome.Materials
	for i, s := range sel {
		q := reservation.Items[i].Quality
		switch {
		case s.Tool:
			mat.Tools = append(mat.Tools, q)
			mat.ToolWeights = append(mat.ToolWeights, s.Requirement.Contribution)
		case s.Requirement.AffectsOutput:
			mat.Inputs = append(mat.Inputs, q)
			mat.InputWeights = append(mat.InputWeights, s.Requirement.Contribution)
		}
	}

	inst.State = Active
	inst.StartTick = ctx.Tick
	inst.Reservation = reservation
	inst.Materials = mat
	inst.Duration = m.calc.Pipeline.Run(t.Duration, modifier.Input{Context: ctx, Template: &t, Scope: modifier.Duration})
	inst.Elapsed = 0

	slog.Debug("task started", "instance", id, "owner", inst.Owner, "template", t.ID, "duration_h", inst.Duration)
	m.emit(events.TaskStarted, inst, ctx.Tick, map[string]any{"duration": inst.Duration}, t.Triggers.OnStart)
	return inst.clone(), nil
}

// Tick advances one ACTIVE instance by hours and finishes it when due.
func (m *Manager) Tick(id string, hours float64, ctx world.Context) (Instance, error) {
	m.observe(ctx)
	inst, t, err := m.lookup(id)
	if err != nil {
		return Instance{}, err
	}
	if inst.State != Active {
		return Instance{}, fmt.Errorf("tick %s in %s: %w", id, inst.State, ErrInvalidTransition)
	}
	if hours > 0 {
		inst.Elapsed += hours
	}
	if inst.Due() {
		if err := m.finish(inst, &t, ctx); err != nil {
			return inst.clone(), err
		}
	}
	return inst.clone(), nil
}

// Advance ticks every ACTIVE instance of owner and returns those that
// reached a terminal state. An instance whose rewards cannot be stored
// stays ACTIVE and its error is joined into the returned error.
func (m *Manager) Advance(owner string, hours float64, ctx world.Context) ([]Instance, error) {
	m.observe(ctx)
	var done []Instance
	var errs []error
	for _, id := range m.order {
		inst := m.instances[id]
		if inst.Owner != owner || inst.State != Active {
			continue
		}
		after, err := m.Tick(id, hours, ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if after.State.Terminal() {
			done = append(done, after)
		}
	}
	return done, errors.Join(errs...)
}

// Owners returns every owner with an instance or a profile, sorted.
func (m *Manager) Owners() []string {
	seen := map[string]bool{}
	for _, inst := range m.instances {
		seen[inst.Owner] = true
	}
	for o := range m.profiles {
		seen[o] = true
	}
	out := make([]string, 0, len(seen))
	for o := range seen {
		out = append(out, o)
	}
	sort.Strings(out)
	return out
}

// Complete finishes an ACTIVE instance. Unless the template is
// self-reported, the duration must have elapsed.
func (m *Manager) Complete(id string, ctx world.Context) (Instance, error) {
	m.observe(ctx)
	inst, t, err := m.lookup(id)
	if err != nil {
		return Instance{}, err
	}
	if inst.State != Active {
		return Instance{}, fmt.Errorf("complete %s from %s: %w", id, inst.State, ErrInvalidTransition)
	}
	if !inst.Due() && !t.SelfReported {
		return Instance{}, fmt.Errorf("complete %s: %.2fh remaining: %w", id, inst.Remaining(), ErrNotDue)
	}
	if err := m.finish(inst, &t, ctx); err != nil {
		return inst.clone(), err
	}
	return inst.clone(), nil
}

// Cancel stops a PENDING or ACTIVE instance. An ACTIVE instance's
// reservation is undone in full: locks are released and consumed inputs
// are returned at the quality they were taken at.
func (m *Manager) Cancel(id string) (Instance, error) {
	inst, t, err := m.lookup(id)
	if err != nil {
		return Instance{}, err
	}
	if inst.State.Terminal() {
		return Instance{}, fmt.Errorf("cancel %s from %s: %w", id, inst.State, ErrInvalidTransition)
	}
	if inst.State == Active {
		m.ledger.Restore(inst.Reservation)
	}
	inst.State = Cancelled
	inst.EndTick = m.now
	inst.Reservation.Items = nil

	slog.Debug("task cancelled", "instance", id, "owner", inst.Owner, "template", t.ID)
	m.emit(events.TaskCancelled, inst, m.now, nil, nil)
	return inst.clone(), nil
}

// finish evaluates failure conditions and then either fails the instance or
// applies its outcome. Applying is all-or-nothing: if the rewards do not
// fit in storage the instance stays ACTIVE and nothing changes.
func (m *Manager) finish(inst *Instance, t *catalog.Template, ctx world.Context) error {
	if reason, failed := violated(t, ctx); failed {
		m.fail(inst, t, ctx, reason)
		return nil
	}

	p := m.profile(inst.Owner)
	out := m.calc.Resolve(t, ctx, p.Skills, inst.Materials, m.rng)
	if err := m.ledger.AddAll(inst.Owner, out.Stacks()); err != nil {
		return fmt.Errorf("complete %s: store rewards: %w", inst.ID, err)
	}
	m.ledger.Release(inst.Reservation)

	p.Skills.Apply(out.Experience)
	p.Reputation += out.Reputation
	p.VillageExp += out.VillageExp
	p.Completions[t.ID]++

	inst.State = Completed
	inst.EndTick = ctx.Tick
	inst.Outcome = &out
	inst.Reservation.Items = nil

	slog.Debug("task completed", "instance", inst.ID, "owner", inst.Owner, "template", t.ID, "quality", out.Quality)
	m.emit(events.TaskCompleted, inst, ctx.Tick, out.Summary(), t.Triggers.OnComplete)
	return nil
}

func (m *Manager) fail(inst *Instance, t *catalog.Template, ctx world.Context, reason string) {
	m.ledger.Release(inst.Reservation)
	out := m.calc.Failure(t, reason)
	p := m.profile(inst.Owner)
	p.Skills.Apply(out.Experience)

	inst.State = Failed
	inst.EndTick = ctx.Tick
	inst.Outcome = &out
	inst.Reservation.Items = nil

	slog.Debug("task failed", "instance", inst.ID, "owner", inst.Owner, "template", t.ID, "reason", reason)
	m.emit(events.TaskFailed, inst, ctx.Tick, out.Summary(), t.Triggers.OnFailure)
}

// violated checks the template's failure conditions against the context.
// A metric the context does not report cannot be checked and is skipped.
func violated(t *catalog.Template, ctx world.Context) (string, bool) {
	for _, b := range t.FailureConditions {
		v, ok := ctx.Metric(b.Metric)
		if !ok || !b.Violated(v) {
			continue
		}
		if b.HasMin && v < b.Min {
			return fmt.Sprintf("%s %.2f below %.2f", b.Metric, v, b.Min), true
		}
		return fmt.Sprintf("%s %.2f above %.2f", b.Metric, v, b.Max), true
	}
	return "", false
}

func (m *Manager) emit(name string, inst *Instance, tick uint64, summary map[string]any, triggers []string) {
	base := events.Event{
		Tick:       tick,
		Owner:      inst.Owner,
		TemplateID: inst.TemplateID,
		InstanceID: inst.ID,
	}
	e := base
	e.Name = name
	e.Summary = summary
	m.sink.Emit(e)
	for _, tag := range triggers {
		e := base
		e.Name = tag
		e.Trigger = true
		m.sink.Emit(e)
	}
}

func (m *Manager) lookup(id string) (*Instance, catalog.Template, error) {
	inst, ok := m.instances[id]
	if !ok {
		return nil, catalog.Template{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	t, err := m.catalog.Get(inst.TemplateID)
	if err != nil {
		return nil, catalog.Template{}, err
	}
	return inst, t, nil
}

func (m *Manager) observe(ctx world.Context) {
	if ctx.Tick > m.now {
		m.now = ctx.Tick
	}
}

// profile returns owner's profile, creating it on first use.
func (m *Manager) profile(owner string) *Profile {
	p, ok := m.profiles[owner]
	if !ok {
		p = NewProfile()
		m.profiles[owner] = p
	}
	return p
}

// peekProfile returns owner's profile or an empty one without registering it.
func (m *Manager) peekProfile(owner string) *Profile {
	if p, ok := m.profiles[owner]; ok {
		return p
	}
	return NewProfile()
}

func (m *Manager) input(owner string, ctx world.Context, h eligibility.Holdings) eligibility.Input {
	p := m.peekProfile(owner)
	return eligibility.Input{Context: ctx, Completions: p.Completions, Skills: p.Skills, Holdings: h}
}
