package ledgerdb

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "provenance.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func sampleRun(id string) RunRecord {
	return RunRecord{
		RunID:          id,
		StartedAt:      time.Now(),
		Mode:           "affine",
		Strategy:       "fixed",
		Schedule:       "100x25x10",
		ReferenceIndex: 4,
		StartIndex:     1,
		Frames:         5,
	}
}

func TestRecordRun_AndOutcomes(t *testing.T) {
	db := openDB(t)
	require.NoError(t, db.RecordRun(sampleRun("run-1")))

	frames := []FrameRecord{
		{Index: 0, State: "skipped", Reason: "before start frame"},
		{Index: 1, State: "succeeded", Duration: 1500 * time.Millisecond},
		{Index: 2, State: "failed", Error: "metric diverged", Duration: 700 * time.Millisecond},
		{Index: 3, State: "succeeded"},
		{Index: 4, State: "skipped", Reason: "reference frame"},
	}
	require.NoError(t, db.RecordOutcomes("run-1", frames))

	states, err := db.FrameStates("run-1")
	require.NoError(t, err)
	assert.Equal(t, map[int]string{
		0: "skipped",
		1: "succeeded",
		2: "failed",
		3: "succeeded",
		4: "skipped",
	}, states)
}

func TestRecordRun_DuplicateRunIDRejected(t *testing.T) {
	db := openDB(t)
	require.NoError(t, db.RecordRun(sampleRun("run-1")))

	err := db.RecordRun(sampleRun("run-1"))
	assert.Error(t, err)
}

func TestRecordOutcomes_DuplicateFrameRollsBack(t *testing.T) {
	db := openDB(t)
	require.NoError(t, db.RecordRun(sampleRun("run-1")))

	frames := []FrameRecord{
		{Index: 0, State: "succeeded"},
		{Index: 0, State: "failed"},
	}
	require.Error(t, db.RecordOutcomes("run-1", frames))

	states, err := db.FrameStates("run-1")
	require.NoError(t, err)
	assert.Empty(t, states)
}

func TestFrameStates_UnknownRunIsEmpty(t *testing.T) {
	db := openDB(t)

	states, err := db.FrameStates("nope")
	require.NoError(t, err)
	assert.Empty(t, states)
}

func TestOpen_IsReusable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "provenance.db")

	db, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, db.RecordRun(sampleRun("run-1")))
	require.NoError(t, db.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()
	require.NoError(t, reopened.RecordRun(sampleRun("run-2")))
}
