package journal

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/gofer/pkg/schema"
)

func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "journal.db")
	j, err := Open(context.Background(), "file:"+dbPath)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = j.Close()
		_ = os.RemoveAll(dir)
	})
	return j
}

func stepEntry(runID schema.RunID, event string) *Entry {
	return &Entry{
		RunID:         runID,
		WorkflowRunID: "wfr-1",
		ActionID:      "billing:charge",
		Event:         event,
		WorkerID:      "worker-1",
	}
}

func TestAppend_MonotonicSequence(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		e := stepEntry("run-1", string(schema.StepEventStarted))
		require.NoError(t, j.Append(ctx, e))
		assert.Equal(t, int64(i+1), e.Sequence, "sequence should be monotonic")
	}
}

func TestAppend_SequencePerRun(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	a := stepEntry("run-a", string(schema.StepEventStarted))
	require.NoError(t, j.Append(ctx, a))
	b := stepEntry("run-b", string(schema.StepEventStarted))
	require.NoError(t, j.Append(ctx, b))
	a2 := stepEntry("run-a", string(schema.StepEventCompleted))
	require.NoError(t, j.Append(ctx, a2))

	assert.Equal(t, int64(1), a.Sequence)
	assert.Equal(t, int64(1), b.Sequence, "runs have independent sequences")
	assert.Equal(t, int64(2), a2.Sequence)
}

func TestAppend_FillsTimestamp(t *testing.T) {
	j := newTestJournal(t)

	e := stepEntry("run-1", string(schema.StepEventStarted))
	require.NoError(t, j.Append(context.Background(), e))
	assert.False(t, e.Timestamp.IsZero())
}

func TestListByRun(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	require.NoError(t, j.Append(ctx, stepEntry("run-1", string(schema.StepEventStarted))))
	completed := stepEntry("run-1", string(schema.StepEventCompleted))
	completed.Payload = `{"message": "hi"}`
	require.NoError(t, j.Append(ctx, completed))
	require.NoError(t, j.Append(ctx, stepEntry("run-2", string(schema.StepEventStarted))))

	entries, err := j.ListByRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, string(schema.StepEventStarted), entries[0].Event)
	assert.Equal(t, string(schema.StepEventCompleted), entries[1].Event)
	assert.Equal(t, `{"message": "hi"}`, entries[1].Payload)
	assert.Equal(t, "billing:charge", entries[0].ActionID)
	assert.Equal(t, "wfr-1", entries[0].WorkflowRunID)
	assert.Equal(t, "worker-1", entries[0].WorkerID)
}

func TestListByRun_Empty(t *testing.T) {
	j := newTestJournal(t)

	entries, err := j.ListByRun(context.Background(), "run-none")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestListRecent(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		e := stepEntry(schema.RunID("run-"+string(rune('a'+i))), string(schema.StepEventStarted))
		e.Timestamp = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, j.Append(ctx, e))
	}

	entries, err := j.ListRecent(ctx, 3)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	// Newest first.
	assert.Equal(t, schema.RunID("run-e"), entries[0].RunID)
	assert.Equal(t, schema.RunID("run-d"), entries[1].RunID)
	assert.Equal(t, schema.RunID("run-c"), entries[2].RunID)
}

func TestPruneBefore(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	old := stepEntry("run-old", string(schema.StepEventStarted))
	old.Timestamp = time.Now().UTC().Add(-48 * time.Hour)
	require.NoError(t, j.Append(ctx, old))

	fresh := stepEntry("run-fresh", string(schema.StepEventStarted))
	require.NoError(t, j.Append(ctx, fresh))

	pruned, err := j.PruneBefore(ctx, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	entries, err := j.ListRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, schema.RunID("run-fresh"), entries[0].RunID)
}

func TestVacuum(t *testing.T) {
	j := newTestJournal(t)
	assert.NoError(t, j.Vacuum(context.Background()))
}

func TestOpen_MigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()
	dbPath := "file:" + filepath.Join(dir, "journal.db")

	j1, err := Open(context.Background(), dbPath)
	require.NoError(t, err)
	require.NoError(t, j1.Append(context.Background(), stepEntry("run-1", string(schema.StepEventStarted))))
	require.NoError(t, j1.Close())

	// Reopening replays no migrations and keeps existing data.
	j2, err := Open(context.Background(), dbPath)
	require.NoError(t, err)
	defer j2.Close()

	entries, err := j2.ListByRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestNewEntry(t *testing.T) {
	action := &schema.Action{
		TenantID:      "tenant-1",
		WorkflowRunID: "wfr-1",
		StepRunID:     "run-1",
		ActionID:      "billing:charge",
		ActionType:    schema.ActionTypeStartStepRun,
	}
	ev := schema.NewStepEvent(action, schema.StepEventCompleted, `{"ok":true}`)

	entry := NewEntry(&ev, "worker-9")
	assert.Equal(t, schema.RunID("run-1"), entry.RunID)
	assert.Equal(t, "wfr-1", entry.WorkflowRunID)
	assert.Equal(t, "billing:charge", entry.ActionID)
	assert.Equal(t, string(schema.StepEventCompleted), entry.Event)
	assert.Equal(t, `{"ok":true}`, entry.Payload)
	assert.Equal(t, "worker-9", entry.WorkerID)
	assert.Equal(t, ev.Timestamp, entry.Timestamp)
}
