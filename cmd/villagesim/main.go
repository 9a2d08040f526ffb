// Command villagesim runs the village task and resource simulation.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/talgya/villagelife/internal/api"
	"github.com/talgya/villagelife/internal/catalog"
	"github.com/talgya/villagelife/internal/config"
	"github.com/talgya/villagelife/internal/engine"
	"github.com/talgya/villagelife/internal/entropy"
	"github.com/talgya/villagelife/internal/events"
	"github.com/talgya/villagelife/internal/persistence"
	"github.com/talgya/villagelife/internal/resources"
	"github.com/talgya/villagelife/internal/task"
	"github.com/talgya/villagelife/internal/weather"
)

func main() {
	configPath := flag.String("config", os.Getenv("VILLAGESIM_CONFIG"), "path to YAML config (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	slog.Info("Village Life: task and resource simulation")

	// ── Templates ─────────────────────────────────────────────────────
	cat, err := catalog.Load(cfg.Templates)
	if err != nil {
		slog.Error("failed to load templates", "path", cfg.Templates, "error", err)
		os.Exit(1)
	}
	slog.Info("templates loaded", "path", cfg.Templates, "templates", cat.Len(), "chains", len(cat.Chains()))

	// ── Database ──────────────────────────────────────────────────────
	if err := os.MkdirAll(filepath.Dir(cfg.Database), 0o755); err != nil {
		slog.Error("failed to create data dir", "error", err)
		os.Exit(1)
	}
	db, err := persistence.Open(cfg.Database)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("database opened", "path", cfg.Database)

	if changed, err := db.CheckCatalog(cat.Digest()); err != nil {
		slog.Error("catalog digest check failed", "error", err)
	} else if changed {
		slog.Warn("template catalog changed since the last run; saved tasks keep their old reservations")
	}

	// ── Event sinks ───────────────────────────────────────────────────
	recorder := events.NewRecorder(cfg.Sim.RecentEvents)
	buffer := &persistence.EventBuffer{}
	eventLog := persistence.NewEventLog(cfg.EventLogDir, "events")
	defer eventLog.Close()
	hub := api.NewHub(api.DefaultMaxClients)
	hub.Backlog = recorder.Recent
	sink := events.Multi{recorder, buffer, eventLog, hub, events.LogSink{Level: slog.LevelDebug}}

	// ── Task manager ──────────────────────────────────────────────────
	ledger := resources.NewLedger(resources.DefaultRegistry(), cfg.Sim.Capacity)
	ledger.Truncate = cfg.Sim.Truncate

	rng := entropy.New(cfg.Entropy.Seed, cfg.Entropy.APIKey, cfg.Entropy.Endpoint)
	switch rng.(type) {
	case *entropy.Seeded:
		slog.Info("entropy: seeded", "seed", cfg.Entropy.Seed)
	case *entropy.Client:
		slog.Info("entropy: random.org with crypto fallback")
	default:
		slog.Info("entropy: crypto/rand")
	}

	manager := task.NewManager(cat, ledger,
		task.WithSink(sink),
		task.WithRand(rng),
		task.WithIDs(uuid.NewString),
	)

	// ── Weather ───────────────────────────────────────────────────────
	noise := weather.NewNoiseProvider(cfg.Weather.Seed)
	var wp weather.Provider = noise
	if cfg.Weather.Provider == "owm" {
		owm := weather.NewClient(cfg.Weather.APIKey, cfg.Weather.Location, cfg.Weather.BaseURL)
		if owm == nil {
			slog.Warn("OWM_API_KEY not set, using generated weather")
		} else {
			slog.Info("weather: OpenWeatherMap with generated fallback", "location", cfg.Weather.Location)
		}
		wp = weather.Fallback{Primary: owm, Secondary: noise}
	}

	session := engine.NewSession(manager, wp, cfg.Sim.Location)

	// ── Load or seed state ────────────────────────────────────────────
	startTick, err := restore(db, cfg, session)
	if err != nil {
		slog.Error("failed to restore state", "error", err)
		os.Exit(1)
	}

	eng := engine.NewEngine(startTick)
	eng.Interval = time.Duration(cfg.Sim.IntervalMs) * time.Millisecond
	eng.SetSpeed(cfg.Sim.Speed)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	session.Attach(ctx, eng)

	save := func() (uint64, error) {
		st := session.Export()
		if err := db.SaveState(st); err != nil {
			return st.Tick, err
		}
		if err := buffer.Flush(db); err != nil {
			return st.Tick, fmt.Errorf("flush events: %w", err)
		}
		return st.Tick, nil
	}

	// Wire the daily autosave behind the session's decay pass.
	decay := eng.OnDay
	eng.OnDay = func(tick uint64) {
		decay(tick)
		if _, err := save(); err != nil {
			slog.Error("daily save failed", "error", err)
		}
		if every := uint64(cfg.Sim.SnapshotEvery); every > 0 && engine.DayOf(tick)%every == 0 {
			writeSnapshot(cfg, cat.Digest(), session.Export())
		}
	}

	if startTick == 0 {
		if _, err := save(); err != nil {
			slog.Error("initial save failed", "error", err)
		}
	}

	// ── HTTP API ──────────────────────────────────────────────────────
	if cfg.API.AdminKey == "" {
		slog.Warn("VILLAGESIM_ADMIN_KEY not set, admin POST endpoints will be disabled")
	}
	apiServer := &api.Server{
		Session:   session,
		Eng:       eng,
		Catalog:   cat,
		Recorder:  recorder,
		Hub:       hub,
		DB:        db,
		Port:      cfg.API.Port,
		AdminKey:  cfg.API.AdminKey,
		RateLimit: cfg.API.RateLimit,
		Save:      save,
	}
	apiServer.Start()

	// ── Start ─────────────────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		eng.Stop()
		cancel()
	}()

	st := session.Status()
	fmt.Printf("\nThe village is awake: %d villagers, %d task templates.\n", len(st.Owners), st.Templates)
	fmt.Printf("API: http://localhost:%d/api/v1/status\n", cfg.API.Port)
	if startTick > 0 {
		fmt.Printf("Resuming from tick %d (%s)\n", startTick, engine.SimTime(startTick))
	}
	fmt.Println("Starting simulation... (Ctrl+C to stop)")

	eng.Run(ctx)

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown", "error", err)
	}

	// Final save on shutdown.
	slog.Info("final save...")
	if _, err := save(); err != nil {
		slog.Error("final save failed", "error", err)
	}
	writeSnapshot(cfg, cat.Digest(), session.Export())

	fmt.Println("Simulation stopped. Village state saved.")
}

// restore loads the saved village from the database, falling back to the
// newest snapshot, and seeds configured owners on a fresh world. It
// returns the tick to resume from.
func restore(db *persistence.DB, cfg config.Config, session *engine.Session) (uint64, error) {
	if db.HasState() {
		slog.Info("found saved village state, loading...")
		st, err := db.LoadState()
		if err != nil {
			return 0, fmt.Errorf("load state: %w", err)
		}
		if err := session.Import(st); err != nil {
			return 0, err
		}
		slog.Info("village state restored", "tick", st.Tick, "sim_time", engine.SimTime(st.Tick),
			"owners", len(st.Ledger.Owners), "tasks", len(st.Instances))
		return st.Tick, nil
	}

	snaps, err := persistence.ListSnapshots(cfg.SnapshotDir)
	if err != nil {
		return 0, err
	}
	if len(snaps) > 0 {
		latest := snaps[len(snaps)-1]
		snap, err := persistence.ReadSnapshot(latest)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", latest, err)
		}
		if err := session.Import(snap.State); err != nil {
			return 0, err
		}
		slog.Info("village restored from snapshot", "path", latest, "tick", snap.Header.Tick)
		return snap.State.Tick, nil
	}

	slog.Info("no saved state found, seeding villagers...")
	for _, o := range cfg.Owners {
		for _, r := range o.Resources {
			if _, err := session.Grant(o.ID, resources.Type(r.Type), r.Quantity, r.Quality); err != nil {
				return 0, fmt.Errorf("seed %s: %w", o.ID, err)
			}
		}
		for skill, level := range o.Skills {
			session.SetSkill(o.ID, skill, level)
		}
		slog.Info("villager seeded", "owner", o.ID, "resources", len(o.Resources), "skills", len(o.Skills))
	}
	return 0, nil
}

func writeSnapshot(cfg config.Config, digest string, st task.State) {
	path := persistence.SnapshotPath(cfg.SnapshotDir, st.Tick)
	snap := persistence.Snapshot{
		Header: persistence.Header{
			Version:       persistence.SnapshotVersion,
			Tick:          st.Tick,
			CatalogDigest: digest,
			CreatedAt:     time.Now().UTC(),
		},
		State: st,
	}
	if err := persistence.WriteSnapshot(path, snap); err != nil {
		slog.Error("snapshot failed", "path", path, "error", err)
		return
	}
	slog.Info("snapshot written", "path", path, "sim_time", engine.SimTime(st.Tick))
	if n, err := persistence.PruneSnapshots(cfg.SnapshotDir, cfg.Sim.KeepSnapshots); err != nil {
		slog.Warn("snapshot prune failed", "error", err)
	} else if n > 0 {
		slog.Debug("old snapshots pruned", "removed", n)
	}
}
