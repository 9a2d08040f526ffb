package persistence

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/villagelife/internal/events"
	"github.com/talgya/villagelife/internal/outcome"
	"github.com/talgya/villagelife/internal/resources"
	"github.com/talgya/villagelife/internal/skills"
	"github.com/talgya/villagelife/internal/task"
)

func sampleState() task.State {
	last := uint64(1440)
	return task.State{
		Tick: 2000,
		Ledger: resources.LedgerState{
			Capacity: 500,
			Owners: map[string]resources.OwnerState{
				"p1": {
					Stacks: []resources.Stack{
						{Type: "SMITHING_HAMMER", Quantity: 1, Quality: 0.6},
						{Type: "WOOD", Quantity: 12.5, Quality: 0.4},
					},
					Locked:    map[resources.Type]float64{"SMITHING_HAMMER": 1},
					LastDecay: &last,
				},
				"p2": {Stacks: []resources.Stack{{Type: "STONE", Quantity: 3, Quality: 0.5}}},
			},
		},
		Instances: []task.Instance{
			{
				ID: "b", Owner: "p1", TemplateID: "ore_smelting", State: task.Active,
				CreatedTick: 1900, StartTick: 1900, Duration: 6, Elapsed: 1.5,
				Reservation: resources.Reservation{Owner: "p1", Items: []resources.Reserved{
					{Type: "SMITHING_HAMMER", Quantity: 1, Quality: 0.6, Tool: true},
					{Type: "SORTED_ORE", Quantity: 5, Quality: 0.5, Consumed: true},
				}},
				Materials: outcome.Materials{Tools: []float64{0.6}, Inputs: []float64{0.5}},
			},
			{
				ID: "a", Owner: "p2", TemplateID: "scout_location", State: task.Completed,
				CreatedTick: 10, StartTick: 10, EndTick: 130, Duration: 2, Elapsed: 2,
				Outcome: &outcome.Outcome{TemplateID: "scout_location", Success: true, Quality: 0.5, VillageExp: 20,
					Experience: map[string]float64{"exploration": 10}},
			},
		},
		Profiles: map[string]task.Profile{
			"p1": {Skills: skills.Levels{"metallurgy": 15}, Completions: map[string]int{}},
			"p2": {Skills: skills.Levels{"exploration": 1.2}, VillageExp: 20, Reputation: 3, Completions: map[string]int{"scout_location": 1}},
		},
	}
}

func openDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "village.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestStateRoundTrip(t *testing.T) {
	db := openDB(t)
	assert.False(t, db.HasState())

	want := sampleState()
	require.NoError(t, db.SaveState(want))
	assert.True(t, db.HasState())

	got, err := db.LoadState()
	require.NoError(t, err)
	assert.Equal(t, want.Tick, got.Tick)
	assert.Equal(t, want.Ledger, got.Ledger)
	assert.Equal(t, want.Instances, got.Instances, "instances keep creation order")
	assert.Equal(t, want.Profiles, got.Profiles)

	// A second save replaces rather than appends.
	want.Instances = want.Instances[:1]
	delete(want.Ledger.Owners, "p2")
	require.NoError(t, db.SaveState(want))
	got, err = db.LoadState()
	require.NoError(t, err)
	assert.Len(t, got.Instances, 1)
	assert.NotContains(t, got.Ledger.Owners, "p2")
}

func TestEventsAndMeta(t *testing.T) {
	db := openDB(t)
	buf := &EventBuffer{}
	buf.Emit(events.Event{Tick: 1, Name: events.TaskStarted, Owner: "p1", TemplateID: "t", InstanceID: "i1"})
	buf.Emit(events.Event{Tick: 2, Name: "FORGE_LIT", Trigger: true, Owner: "p1", TemplateID: "t", InstanceID: "i1"})
	buf.Emit(events.Event{Tick: 3, Name: events.TaskCompleted, Owner: "p2", TemplateID: "t", InstanceID: "i2",
		Summary: map[string]any{"quality": 0.75}})
	require.NoError(t, buf.Flush(db))
	assert.Empty(t, buf.Drain())

	all, err := db.RecentEvents("", 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, uint64(1), all[0].Tick)
	assert.True(t, all[1].Trigger)
	assert.Equal(t, 0.75, all[2].Summary["quality"])

	p1, err := db.RecentEvents("p1", 1)
	require.NoError(t, err)
	require.Len(t, p1, 1)
	assert.Equal(t, "FORGE_LIT", p1[0].Name)

	changed, err := db.CheckCatalog("abc")
	require.NoError(t, err)
	assert.False(t, changed)
	changed, err = db.CheckCatalog("abc")
	require.NoError(t, err)
	assert.False(t, changed)
	changed, err = db.CheckCatalog("def")
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	want := Snapshot{
		Header: Header{Version: SnapshotVersion, Tick: 2000, CatalogDigest: "abc", CreatedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)},
		State:  sampleState(),
	}
	path := SnapshotPath(dir, want.Header.Tick)
	require.NoError(t, WriteSnapshot(path, want))

	h, err := ReadHeader(path)
	require.NoError(t, err)
	assert.Equal(t, want.Header, h)

	got, err := ReadSnapshot(path)
	require.NoError(t, err)
	assert.Equal(t, want.Header, got.Header)
	assert.Equal(t, want.State.Tick, got.State.Tick)
	assert.Equal(t, want.State.Ledger.Owners["p1"], got.State.Ledger.Owners["p1"])
	assert.Equal(t, want.State.Instances[0], got.State.Instances[0])

	bad := want
	bad.Header.Version = 99
	badPath := filepath.Join(dir, "bad.snap.zst")
	require.NoError(t, WriteSnapshot(badPath, bad))
	_, err = ReadSnapshot(badPath)
	assert.ErrorContains(t, err, "version 99")
}

func TestPruneSnapshots(t *testing.T) {
	dir := t.TempDir()
	snap := Snapshot{Header: Header{Version: SnapshotVersion}}
	for _, tick := range []uint64{1440, 10080, 2880} {
		snap.Header.Tick = tick
		require.NoError(t, WriteSnapshot(SnapshotPath(dir, tick), snap))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), nil, 0o644))

	list, err := ListSnapshots(dir)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, SnapshotPath(dir, 1440), list[0])
	assert.Equal(t, SnapshotPath(dir, 10080), list[2])

	n, err := PruneSnapshots(dir, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	list, err = ListSnapshots(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{SnapshotPath(dir, 10080)}, list)

	list, err = ListSnapshots(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestEventLogRotates(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 5, 1, 9, 59, 0, 0, time.UTC)
	l := NewEventLog(dir, "events")
	l.now = func() time.Time { return now }

	l.Emit(events.Event{Tick: 1, Name: events.TaskStarted, Owner: "p1"})
	l.Emit(events.Event{Tick: 2, Name: events.TaskCompleted, Owner: "p1", Summary: map[string]any{"success": true}})
	now = now.Add(2 * time.Minute)
	l.Emit(events.Event{Tick: 3, Name: events.TaskCancelled, Owner: "p2"})
	require.NoError(t, l.Close())

	first, err := ReadEventLog(filepath.Join(dir, "events-2026-05-01-09.jsonl.zst"))
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, events.TaskCompleted, first[1].Name)
	assert.Equal(t, true, first[1].Summary["success"])

	second, err := ReadEventLog(filepath.Join(dir, "events-2026-05-01-10.jsonl.zst"))
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, "p2", second[0].Owner)
}
