// Package persistence stores village state: a SQLite database for the live
// save, compressed snapshot files and a compressed JSONL event log.
package persistence

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/talgya/villagelife/internal/events"
	"github.com/talgya/villagelife/internal/outcome"
	"github.com/talgya/villagelife/internal/resources"
	"github.com/talgya/villagelife/internal/skills"
	"github.com/talgya/villagelife/internal/task"
)

// DB wraps a SQLite connection for village state persistence.
type DB struct {
	conn *sqlx.DB
}

// Open opens or creates a SQLite database at the given path.
func Open(path string) (*DB, error) {
	conn, err := sqlx.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS stacks (
		owner TEXT NOT NULL,
		type TEXT NOT NULL,
		quantity REAL NOT NULL,
		quality REAL NOT NULL,
		locked REAL NOT NULL DEFAULT 0,
		PRIMARY KEY (owner, type)
	);

	CREATE TABLE IF NOT EXISTS owners (
		owner TEXT PRIMARY KEY,
		last_decay INTEGER
	);

	CREATE TABLE IF NOT EXISTS instances (
		seq INTEGER NOT NULL,
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		template_id TEXT NOT NULL,
		state TEXT NOT NULL,
		created_tick INTEGER NOT NULL,
		start_tick INTEGER NOT NULL,
		end_tick INTEGER NOT NULL,
		duration REAL NOT NULL,
		elapsed REAL NOT NULL,
		reservation_json TEXT NOT NULL,
		materials_json TEXT NOT NULL,
		outcome_json TEXT
	);

	CREATE TABLE IF NOT EXISTS profiles (
		owner TEXT PRIMARY KEY,
		reputation REAL NOT NULL,
		village_exp REAL NOT NULL,
		skills_json TEXT NOT NULL,
		completions_json TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tick INTEGER NOT NULL,
		name TEXT NOT NULL,
		is_trigger INTEGER NOT NULL,
		owner TEXT NOT NULL,
		template_id TEXT NOT NULL,
		instance_id TEXT NOT NULL,
		summary_json TEXT
	);

	CREATE TABLE IF NOT EXISTS world_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_tick ON events(tick);
	CREATE INDEX IF NOT EXISTS idx_events_owner ON events(owner);
	CREATE INDEX IF NOT EXISTS idx_instances_owner ON instances(owner);
	`
	_, err := db.conn.Exec(schema)
	return err
}

const (
	metaTick     = "last_tick"
	metaCapacity = "ledger_capacity"
	metaTruncate = "ledger_truncate"
	metaCatalog  = "catalog_digest"
)

// HasState reports whether a save exists.
func (db *DB) HasState() bool {
	_, err := db.GetMeta(metaTick)
	return err == nil
}

// SaveState performs a full replace of the saved state in one transaction.
func (db *DB) SaveState(st task.State) error {
	tx, err := db.conn.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{"stacks", "owners", "instances", "profiles"} {
		if _, err := tx.Exec("DELETE FROM " + table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	if err := saveLedger(tx, st.Ledger); err != nil {
		return fmt.Errorf("save ledger: %w", err)
	}
	if err := saveInstances(tx, st.Instances); err != nil {
		return fmt.Errorf("save instances: %w", err)
	}
	if err := saveProfiles(tx, st.Profiles); err != nil {
		return fmt.Errorf("save profiles: %w", err)
	}

	meta := map[string]string{
		metaTick:     strconv.FormatUint(st.Tick, 10),
		metaCapacity: strconv.FormatFloat(st.Ledger.Capacity, 'g', -1, 64),
		metaTruncate: strconv.FormatBool(st.Ledger.Truncate),
	}
	for k, v := range meta {
		if _, err := tx.Exec("INSERT OR REPLACE INTO world_meta (key, value) VALUES (?, ?)", k, v); err != nil {
			return fmt.Errorf("save meta %s: %w", k, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	slog.Info("village state saved", "tick", st.Tick, "instances", len(st.Instances), "owners", len(st.Ledger.Owners))
	return nil
}

func saveLedger(tx *sqlx.Tx, ls resources.LedgerState) error {
	stmt, err := tx.Preparex(`INSERT INTO stacks (owner, type, quantity, quality, locked) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for owner, snap := range ls.Owners {
		var last sql.NullInt64
		if snap.LastDecay != nil {
			last = sql.NullInt64{Int64: int64(*snap.LastDecay), Valid: true}
		}
		if _, err := tx.Exec("INSERT INTO owners (owner, last_decay) VALUES (?, ?)", owner, last); err != nil {
			return fmt.Errorf("insert owner %s: %w", owner, err)
		}
		for _, s := range snap.Stacks {
			if _, err := stmt.Exec(owner, string(s.Type), s.Quantity, s.Quality, snap.Locked[s.Type]); err != nil {
				return fmt.Errorf("insert stack %s/%s: %w", owner, s.Type, err)
			}
		}
	}
	return nil
}

func saveInstances(tx *sqlx.Tx, list []task.Instance) error {
	stmt, err := tx.Preparex(`INSERT INTO instances
		(seq, id, owner, template_id, state, created_tick, start_tick, end_tick,
		 duration, elapsed, reservation_json, materials_json, outcome_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, inst := range list {
		resJSON, _ := json.Marshal(inst.Reservation)
		matJSON, _ := json.Marshal(inst.Materials)
		var outJSON sql.NullString
		if inst.Outcome != nil {
			b, _ := json.Marshal(inst.Outcome)
			outJSON = sql.NullString{String: string(b), Valid: true}
		}
		_, err := stmt.Exec(
			i, inst.ID, inst.Owner, inst.TemplateID, string(inst.State),
			inst.CreatedTick, inst.StartTick, inst.EndTick,
			inst.Duration, inst.Elapsed,
			string(resJSON), string(matJSON), outJSON,
		)
		if err != nil {
			return fmt.Errorf("insert instance %s: %w", inst.ID, err)
		}
	}
	return nil
}

func saveProfiles(tx *sqlx.Tx, profiles map[string]task.Profile) error {
	for owner, p := range profiles {
		skillsJSON, _ := json.Marshal(p.Skills)
		compJSON, _ := json.Marshal(p.Completions)
		_, err := tx.Exec(`INSERT INTO profiles (owner, reputation, village_exp, skills_json, completions_json)
			VALUES (?, ?, ?, ?, ?)`,
			owner, p.Reputation, p.VillageExp, string(skillsJSON), string(compJSON))
		if err != nil {
			return fmt.Errorf("insert profile %s: %w", owner, err)
		}
	}
	return nil
}

type stackRow struct {
	Owner    string  `db:"owner"`
	Type     string  `db:"type"`
	Quantity float64 `db:"quantity"`
	Quality  float64 `db:"quality"`
	Locked   float64 `db:"locked"`
}

type ownerRow struct {
	Owner     string        `db:"owner"`
	LastDecay sql.NullInt64 `db:"last_decay"`
}

type instanceRow struct {
	ID          string         `db:"id"`
	Owner       string         `db:"owner"`
	TemplateID  string         `db:"template_id"`
	State       string         `db:"state"`
	CreatedTick uint64         `db:"created_tick"`
	StartTick   uint64         `db:"start_tick"`
	EndTick     uint64         `db:"end_tick"`
	Duration    float64        `db:"duration"`
	Elapsed     float64        `db:"elapsed"`
	Reservation string         `db:"reservation_json"`
	Materials   string         `db:"materials_json"`
	Outcome     sql.NullString `db:"outcome_json"`
}

type profileRow struct {
	Owner       string  `db:"owner"`
	Reputation  float64 `db:"reputation"`
	VillageExp  float64 `db:"village_exp"`
	Skills      string  `db:"skills_json"`
	Completions string  `db:"completions_json"`
}

// LoadState reads the saved state back.
func (db *DB) LoadState() (task.State, error) {
	var st task.State

	tickStr, err := db.GetMeta(metaTick)
	if err != nil {
		return st, fmt.Errorf("no saved state: %w", err)
	}
	if st.Tick, err = strconv.ParseUint(tickStr, 10, 64); err != nil {
		return st, fmt.Errorf("parse tick: %w", err)
	}
	if v, err := db.GetMeta(metaCapacity); err == nil {
		st.Ledger.Capacity, _ = strconv.ParseFloat(v, 64)
	}
	if v, err := db.GetMeta(metaTruncate); err == nil {
		st.Ledger.Truncate, _ = strconv.ParseBool(v)
	}

	var owners []ownerRow
	if err := db.conn.Select(&owners, "SELECT owner, last_decay FROM owners ORDER BY owner"); err != nil {
		return st, fmt.Errorf("load owners: %w", err)
	}
	st.Ledger.Owners = make(map[string]resources.OwnerState, len(owners))
	for _, o := range owners {
		snap := resources.OwnerState{}
		if o.LastDecay.Valid {
			tick := uint64(o.LastDecay.Int64)
			snap.LastDecay = &tick
		}
		st.Ledger.Owners[o.Owner] = snap
	}

	var stacks []stackRow
	if err := db.conn.Select(&stacks, "SELECT owner, type, quantity, quality, locked FROM stacks ORDER BY owner, type"); err != nil {
		return st, fmt.Errorf("load stacks: %w", err)
	}
	for _, r := range stacks {
		snap := st.Ledger.Owners[r.Owner]
		t := resources.Type(r.Type)
		snap.Stacks = append(snap.Stacks, resources.Stack{Type: t, Quantity: r.Quantity, Quality: r.Quality})
		if r.Locked > 0 {
			if snap.Locked == nil {
				snap.Locked = map[resources.Type]float64{}
			}
			snap.Locked[t] = r.Locked
		}
		st.Ledger.Owners[r.Owner] = snap
	}

	var rows []instanceRow
	if err := db.conn.Select(&rows, `SELECT id, owner, template_id, state, created_tick, start_tick, end_tick,
		duration, elapsed, reservation_json, materials_json, outcome_json FROM instances ORDER BY seq`); err != nil {
		return st, fmt.Errorf("load instances: %w", err)
	}
	for _, r := range rows {
		inst := task.Instance{
			ID:          r.ID,
			Owner:       r.Owner,
			TemplateID:  r.TemplateID,
			State:       task.Status(r.State),
			CreatedTick: r.CreatedTick,
			StartTick:   r.StartTick,
			EndTick:     r.EndTick,
			Duration:    r.Duration,
			Elapsed:     r.Elapsed,
		}
		if err := json.Unmarshal([]byte(r.Reservation), &inst.Reservation); err != nil {
			return st, fmt.Errorf("instance %s reservation: %w", r.ID, err)
		}
		if err := json.Unmarshal([]byte(r.Materials), &inst.Materials); err != nil {
			return st, fmt.Errorf("instance %s materials: %w", r.ID, err)
		}
		if r.Outcome.Valid {
			var o outcome.Outcome
			if err := json.Unmarshal([]byte(r.Outcome.String), &o); err != nil {
				return st, fmt.Errorf("instance %s outcome: %w", r.ID, err)
			}
			inst.Outcome = &o
		}
		st.Instances = append(st.Instances, inst)
	}

	var profiles []profileRow
	if err := db.conn.Select(&profiles, "SELECT owner, reputation, village_exp, skills_json, completions_json FROM profiles"); err != nil {
		return st, fmt.Errorf("load profiles: %w", err)
	}
	st.Profiles = make(map[string]task.Profile, len(profiles))
	for _, r := range profiles {
		p := task.Profile{Reputation: r.Reputation, VillageExp: r.VillageExp, Skills: skills.Levels{}, Completions: map[string]int{}}
		if err := json.Unmarshal([]byte(r.Skills), &p.Skills); err != nil {
			return st, fmt.Errorf("profile %s skills: %w", r.Owner, err)
		}
		if err := json.Unmarshal([]byte(r.Completions), &p.Completions); err != nil {
			return st, fmt.Errorf("profile %s completions: %w", r.Owner, err)
		}
		st.Profiles[r.Owner] = p
	}
	return st, nil
}

// SaveEvents appends events to the database.
func (db *DB) SaveEvents(list []events.Event) error {
	if len(list) == 0 {
		return nil
	}

	tx, err := db.conn.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, e := range list {
		var summary sql.NullString
		if len(e.Summary) > 0 {
			b, err := json.Marshal(e.Summary)
			if err != nil {
				return fmt.Errorf("event %s summary: %w", e.Name, err)
			}
			summary = sql.NullString{String: string(b), Valid: true}
		}
		_, err := tx.Exec(
			`INSERT INTO events (tick, name, is_trigger, owner, template_id, instance_id, summary_json)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			e.Tick, e.Name, e.Trigger, e.Owner, e.TemplateID, e.InstanceID, summary,
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

type eventRow struct {
	Tick       uint64         `db:"tick"`
	Name       string         `db:"name"`
	Trigger    bool           `db:"is_trigger"`
	Owner      string         `db:"owner"`
	TemplateID string         `db:"template_id"`
	InstanceID string         `db:"instance_id"`
	Summary    sql.NullString `db:"summary_json"`
}

// RecentEvents returns the most recent limit events, oldest first. A
// non-empty owner filters to that owner.
func (db *DB) RecentEvents(owner string, limit int) ([]events.Event, error) {
	var rows []eventRow
	q := `SELECT tick, name, is_trigger, owner, template_id, instance_id, summary_json FROM events`
	args := []any{}
	if owner != "" {
		q += " WHERE owner = ?"
		args = append(args, owner)
	}
	q += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)
	if err := db.conn.Select(&rows, q, args...); err != nil {
		return nil, err
	}

	out := make([]events.Event, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		r := rows[i]
		e := events.Event{Tick: r.Tick, Name: r.Name, Trigger: r.Trigger, Owner: r.Owner, TemplateID: r.TemplateID, InstanceID: r.InstanceID}
		if r.Summary.Valid {
			if err := json.Unmarshal([]byte(r.Summary.String), &e.Summary); err != nil {
				return nil, fmt.Errorf("event summary: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, nil
}

// SaveMeta stores a key-value pair in world metadata.
func (db *DB) SaveMeta(key, value string) error {
	_, err := db.conn.Exec(
		"INSERT OR REPLACE INTO world_meta (key, value) VALUES (?, ?)",
		key, value,
	)
	return err
}

// GetMeta retrieves a metadata value.
func (db *DB) GetMeta(key string) (string, error) {
	var value string
	err := db.conn.Get(&value, "SELECT value FROM world_meta WHERE key = ?", key)
	return value, err
}

// CheckCatalog records digest on first use and reports whether a later
// run loads a different catalog than the save was made with.
func (db *DB) CheckCatalog(digest string) (changed bool, err error) {
	prev, err := db.GetMeta(metaCatalog)
	if errors.Is(err, sql.ErrNoRows) {
		return false, db.SaveMeta(metaCatalog, digest)
	}
	if err != nil {
		return false, err
	}
	if prev != digest {
		return true, db.SaveMeta(metaCatalog, digest)
	}
	return false, nil
}

// EventBuffer collects events between saves. It is an events.Sink.
type EventBuffer struct {
	mu      sync.Mutex
	pending []events.Event
}

func (b *EventBuffer) Emit(e events.Event) {
	b.mu.Lock()
	b.pending = append(b.pending, e)
	b.mu.Unlock()
}

// Drain returns and clears the buffered events.
func (b *EventBuffer) Drain() []events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.pending
	b.pending = nil
	return out
}

// Flush writes buffered events to db. On failure they are put back.
func (b *EventBuffer) Flush(db *DB) error {
	list := b.Drain()
	if err := db.SaveEvents(list); err != nil {
		b.mu.Lock()
		b.pending = append(list, b.pending...)
		b.mu.Unlock()
		return fmt.Errorf("save events: %w", err)
	}
	return nil
}
