package events

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecorderKeepsNewest(t *testing.T) {
	r := NewRecorder(3)
	for i := 0; i < 5; i++ {
		r.Emit(Event{Tick: uint64(i), Name: TaskStarted})
	}
	got := r.Events()
	assert.Len(t, got, 3)
	assert.Equal(t, uint64(2), got[0].Tick)
	assert.Equal(t, uint64(4), got[2].Tick)

	recent := r.Recent(2)
	assert.Equal(t, []uint64{3, 4}, []uint64{recent[0].Tick, recent[1].Tick})
	assert.Len(t, r.Recent(10), 3)

	r.Reset()
	assert.Empty(t, r.Events())
}

func TestMultiFansOut(t *testing.T) {
	a, b := NewRecorder(0), NewRecorder(0)
	Multi{a, nil, b, Discard}.Emit(Event{Name: TaskCompleted})
	assert.Equal(t, []string{TaskCompleted}, a.Names())
	assert.Equal(t, []string{TaskCompleted}, b.Names())
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	s := LogSink{Logger: slog.New(slog.NewTextHandler(&buf, nil)), Level: slog.LevelInfo}
	s.Emit(Event{Name: TaskFailed, Owner: "p1", TemplateID: "ore_smelting"})
	assert.Contains(t, buf.String(), "event=TASK_FAILED")
	assert.Contains(t, buf.String(), "template=ore_smelting")
}
