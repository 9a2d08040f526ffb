package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/talgya/villagelife/internal/eligibility"
	"github.com/talgya/villagelife/internal/resources"
	"github.com/talgya/villagelife/internal/task"
	"github.com/talgya/villagelife/internal/weather"
	"github.com/talgya/villagelife/internal/world"
)

// Daylight hours; outside them a task that needs light needs a torch.
var Daylight = world.TimeWindow{Start: 6, End: 20}

// moisture by weather kind, read by failure conditions such as
// maximum_moisture.
var moisture = map[world.Weather]float64{
	world.Clear:  0.2,
	world.Cloudy: 0.4,
	world.Hot:    0.1,
	world.Rain:   0.8,
	world.Snow:   0.7,
	world.Storm:  0.95,
}

// Session ties the clock to one task manager. It builds each owner's world
// context, advances active tasks every sim-hour and decays stored resources
// once a day. All methods are safe for concurrent use; the manager itself
// is only touched under the session lock.
type Session struct {
	mu       sync.Mutex
	manager  *task.Manager
	ledger   *resources.Ledger
	weather  weather.Provider
	location string
	tick     uint64
	reading  world.Reading
}

// NewSession wraps m. location is the tag templates match against.
func NewSession(m *task.Manager, wp weather.Provider, location string) *Session {
	return &Session{
		manager:  m,
		ledger:   m.Ledger(),
		weather:  wp,
		location: location,
		reading:  world.Reading{Weather: world.Clear, Intensity: 0.5, Temperature: 15},
	}
}

// Attach wires the session into e's callbacks.
func (s *Session) Attach(ctx context.Context, e *Engine) {
	s.mu.Lock()
	s.tick = e.Tick()
	s.mu.Unlock()
	s.refreshWeather(ctx, e.Tick())

	e.OnTick = s.setTick
	e.OnHour = func(tick uint64) { s.Hour(ctx, tick) }
	e.OnDay = s.Day
	e.OnSeason = s.Season
}

func (s *Session) setTick(tick uint64) {
	s.mu.Lock()
	s.tick = tick
	s.mu.Unlock()
}

// Hour refreshes the weather and advances every owner's active tasks by
// one sim-hour.
func (s *Session) Hour(ctx context.Context, tick uint64) {
	s.refreshWeather(ctx, tick)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tick = tick
	for _, owner := range s.manager.Owners() {
		done, err := s.manager.Advance(owner, 1, s.contextLocked(owner))
		if err != nil {
			slog.Warn("task advance", "owner", owner, "error", err)
		}
		for _, inst := range done {
			slog.Info("task finished", "owner", owner, "template", inst.TemplateID, "state", inst.State, "sim_time", SimTime(tick))
		}
	}
}

// Day applies decay for the days since each owner's last decay. Owners
// seen for the first time only start being tracked.
func (s *Session) Day(tick uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tick = tick
	season := SeasonOf(tick)
	for _, owner := range s.ledger.Owners() {
		last, ok := s.ledger.LastDecay(owner)
		if !ok {
			s.ledger.MarkDecayed(owner, tick)
			continue
		}
		if tick <= last {
			continue
		}
		days := float64(tick-last) / TicksPerSimDay
		adj := s.ledger.Decay(owner, days, season)
		s.ledger.MarkDecayed(owner, tick)
		if len(adj) > 0 {
			lost := 0.0
			for _, a := range adj {
				lost += a.QuantityLost
			}
			slog.Debug("resources decayed", "owner", owner, "stacks", len(adj), "lost", humanize.FtoaWithDigits(lost, 2))
		}
	}
}

// Season logs the turn of the season.
func (s *Session) Season(tick uint64) {
	slog.Info("season change", "season", SeasonOf(tick), "sim_time", SimTime(tick))
}

func (s *Session) refreshWeather(ctx context.Context, tick uint64) {
	if s.weather == nil {
		return
	}
	r, err := s.weather.Current(ctx, tick, SeasonOf(tick))
	if err != nil {
		slog.Warn("weather unavailable, keeping last reading", "error", err)
		return
	}
	s.mu.Lock()
	changed := r.Weather != s.reading.Weather
	s.reading = r
	s.mu.Unlock()
	if changed {
		slog.Info("weather changed", "weather", r.Weather, "intensity", humanize.FtoaWithDigits(r.Intensity, 2), "temp", r.Temperature)
	}
}

// Context returns owner's current world context.
func (s *Session) Context(owner string) world.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contextLocked(owner)
}

func (s *Session) contextLocked(owner string) world.Context {
	hour := HourOf(s.tick)
	p := s.manager.Profile(owner)
	shelter, _ := s.ledger.Available(owner, "SHELTER")
	torch, _ := s.ledger.Available(owner, "TORCH")
	sheltered := shelter > 0 || s.ledger.Locked(owner, "SHELTER") > 0

	ventilation := 1.0
	if sheltered && s.reading.Weather == world.Storm {
		// Shutters closed against the storm.
		ventilation = 0.5
	}
	return world.Context{
		Tick:             s.tick,
		Hour:             hour,
		Season:           SeasonOf(s.tick),
		Weather:          s.reading.Weather,
		WeatherIntensity: s.reading.Intensity,
		VillageLevel:     p.VillageLevel(),
		Reputation:       p.Reputation,
		Location:         s.location,
		Sheltered:        sheltered,
		LightSource:      Daylight.Contains(hour) || torch > 0,
		Environment: map[string]float64{
			"temperature": s.reading.Temperature,
			"moisture":    moisture[s.reading.Weather],
			"ventilation": ventilation,
		},
	}
}

// Create registers a pending task for owner.
func (s *Session) Create(owner, templateID string) (task.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manager.Create(owner, templateID)
}

// Start starts a pending task under the owner's current context.
func (s *Session) Start(id string) (task.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, err := s.manager.Get(id)
	if err != nil {
		return task.Instance{}, err
	}
	return s.manager.Start(id, s.contextLocked(inst.Owner))
}

// Begin creates and starts a task. If the start fails the pending
// instance is kept and returned with the error so it can be retried.
func (s *Session) Begin(owner, templateID string) (task.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, err := s.manager.Create(owner, templateID)
	if err != nil {
		return task.Instance{}, err
	}
	started, err := s.manager.Start(inst.ID, s.contextLocked(owner))
	if err != nil {
		return inst, err
	}
	return started, nil
}

// Complete finishes an active task.
func (s *Session) Complete(id string) (task.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, err := s.manager.Get(id)
	if err != nil {
		return task.Instance{}, err
	}
	return s.manager.Complete(id, s.contextLocked(inst.Owner))
}

// Cancel cancels a pending or active task.
func (s *Session) Cancel(id string) (task.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manager.Cancel(id)
}

// Available lists the templates owner can see, with blockers.
func (s *Session) Available(owner string) []task.Availability {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manager.Available(owner, s.contextLocked(owner))
}

// Check explains whether owner can start templateID right now.
func (s *Session) Check(owner, templateID string) (eligibility.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manager.Check(owner, templateID, s.contextLocked(owner))
}

// Grant adds resources to owner, starting decay tracking for new owners.
func (s *Session) Grant(owner string, t resources.Type, quantity, quality float64) (resources.Stack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.ledger.Add(owner, t, quantity, quality)
	if err != nil {
		return st, err
	}
	if _, ok := s.ledger.LastDecay(owner); !ok {
		s.ledger.MarkDecayed(owner, s.tick)
	}
	return st, nil
}

// SetSkill seeds a skill level.
func (s *Session) SetSkill(owner, skill string, level float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manager.SetSkill(owner, skill, level)
}

// Inventory is an owner's holdings with locked amounts.
type Inventory struct {
	Owner  string           `json:"owner"`
	Weight float64          `json:"weight"`
	Stacks []InventoryEntry `json:"stacks"`
}

// InventoryEntry is one stack in an inventory.
type InventoryEntry struct {
	resources.Stack
	Locked float64 `json:"locked,omitempty"`
}

// Inventory returns owner's holdings.
func (s *Session) Inventory(owner string) Inventory {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv := Inventory{Owner: owner, Weight: s.ledger.Weight(owner)}
	for _, st := range s.ledger.Holdings(owner) {
		inv.Stacks = append(inv.Stacks, InventoryEntry{Stack: st, Locked: s.ledger.Locked(owner, st.Type)})
	}
	return inv
}

// Instances returns owner's tasks; an empty owner returns all.
func (s *Session) Instances(owner string) []task.Instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manager.Instances(owner)
}

// Instance returns one task.
func (s *Session) Instance(id string) (task.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manager.Get(id)
}

// Profile returns owner's progression.
func (s *Session) Profile(owner string) task.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manager.Profile(owner)
}

// Export snapshots the manager. The tick is the session's clock.
func (s *Session) Export() task.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.manager.Export()
	if s.tick > st.Tick {
		st.Tick = s.tick
	}
	return st
}

// Import restores a snapshot and moves the clock to its tick.
func (s *Session) Import(st task.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.manager.Import(st); err != nil {
		return err
	}
	s.tick = st.Tick
	return nil
}

// Status is a summary of the session for the API.
type Status struct {
	Tick         uint64         `json:"tick"`
	SimTime      string         `json:"sim_time"`
	Hour         int            `json:"hour"`
	Season       world.Season   `json:"season"`
	Weather      world.Reading  `json:"weather"`
	Owners       []string       `json:"owners"`
	Templates    int            `json:"templates"`
	TasksByState map[string]int `json:"tasks_by_state"`
	CatalogHash  string         `json:"catalog_digest"`
}

// Status reports the clock, weather and task counts.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	owners := map[string]bool{}
	for _, o := range s.manager.Owners() {
		owners[o] = true
	}
	for _, o := range s.ledger.Owners() {
		owners[o] = true
	}
	st := Status{
		Tick:         s.tick,
		SimTime:      SimTime(s.tick),
		Hour:         HourOf(s.tick),
		Season:       SeasonOf(s.tick),
		Weather:      s.reading,
		Templates:    s.manager.Catalog().Len(),
		TasksByState: map[string]int{},
		CatalogHash:  s.manager.Catalog().Digest(),
	}
	for o := range owners {
		st.Owners = append(st.Owners, o)
	}
	sort.Strings(st.Owners)
	for _, inst := range s.manager.Instances("") {
		st.TasksByState[string(inst.State)]++
	}
	return st
}
