package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stealth-dispatcher/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSnapshot() *types.Snapshot {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return &types.Snapshot{
		Endpoints: []types.EndpointStats{{Address: "http://10.0.0.1:8080", State: types.StateHealthy, TotalUses: 3}},
		Scheduler: types.SchedulerStats{WindowCount: 2, WindowLimit: 50, Session: 1},
		Attempts: []types.AttemptRecord{
			{RequestID: "r1", AttemptID: "a1", Attempt: 1, Timestamp: ts, Endpoint: "http://10.0.0.1:8080", Outcome: "failed", FailureKind: types.FailureProxyConnection, Latency: 120 * time.Millisecond},
			{RequestID: "r1", AttemptID: "a2", Attempt: 2, Timestamp: ts.Add(time.Second), Endpoint: "http://10.0.0.2:8080", Outcome: "succeeded", StatusCode: 200, Latency: 80 * time.Millisecond},
		},
		Totals:  types.Totals{Attempts: 2, Succeeded: 1, Failed: 1},
		Updated: ts,
	}
}

func TestFileStorageRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "snapshot.json")
	s, err := NewStorage("file", path)
	require.NoError(t, err)
	defer s.Close()

	snap, err := s.Load()
	require.NoError(t, err)
	assert.Nil(t, snap, "nothing saved yet")

	require.NoError(t, s.Save(sampleSnapshot()))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	snap, err = s.Load()
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, int64(2), snap.Totals.Attempts)
	assert.Len(t, snap.Attempts, 2)
	assert.Equal(t, types.StateHealthy, snap.Endpoints[0].State)
}

func TestFileStorageCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	s, err := NewFileStorage(path)
	require.NoError(t, err)
	_, err = s.Load()
	assert.Error(t, err)
}

func TestFileStorageAppendsAuditOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	s, err := NewFileStorage(path)
	require.NoError(t, err)

	snap := sampleSnapshot()
	require.NoError(t, s.Save(snap))
	require.NoError(t, s.Save(snap))

	next := sampleSnapshot()
	next.Attempts = append(next.Attempts, types.AttemptRecord{
		RequestID: "r2", AttemptID: "b1", Attempt: 1, Endpoint: "http://10.0.0.1:8080", Outcome: "succeeded", StatusCode: 204,
	})
	require.NoError(t, s.Save(next))

	info, err := os.Stat(path + ".attempts.jsonl")
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	attempts, err := s.AttemptsFor("r1")
	require.NoError(t, err)
	require.Len(t, attempts, 2, "repeated saves must not duplicate records")
	assert.Equal(t, "a1", attempts[0].AttemptID)
	assert.Equal(t, types.FailureProxyConnection, attempts[0].FailureKind)
	assert.Equal(t, 200, attempts[1].StatusCode)

	// a reopened store picks up the records already on disk
	reopened, err := NewFileStorage(path)
	require.NoError(t, err)
	require.NoError(t, reopened.Save(next))

	attempts, err = reopened.AttemptsFor("r2")
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, 204, attempts[0].StatusCode)

	attempts, err = reopened.AttemptsFor("r1")
	require.NoError(t, err)
	assert.Len(t, attempts, 2)

	none, err := reopened.AttemptsFor("missing")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestFileStorageRejectsCorruptAudit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	require.NoError(t, os.WriteFile(path+".attempts.jsonl", []byte("{\"attempt_id\":\"a1\"}\nnope\n"), 0600))

	_, err := NewFileStorage(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func TestBackendsExposeAttemptLog(t *testing.T) {
	var _ AttemptLog = (*FileStorage)(nil)
	var _ AttemptLog = (*SQLiteStorage)(nil)
	var _ AttemptLog = (*RedisStorage)(nil)
}

func TestSQLiteStorageKeepsAuditTrail(t *testing.T) {
	s, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer s.Close()

	snap := sampleSnapshot()
	require.NoError(t, s.Save(snap))
	// saving the same records twice must not duplicate them
	require.NoError(t, s.Save(snap))

	loaded, err := s.Load()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, snap.Totals, loaded.Totals)

	attempts, err := s.AttemptsFor("r1")
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, types.FailureProxyConnection, attempts[0].FailureKind)
	assert.Equal(t, 120*time.Millisecond, attempts[0].Latency)
	assert.Equal(t, 200, attempts[1].StatusCode)
}

func TestUnknownStorageType(t *testing.T) {
	_, err := NewStorage("tape", "x")
	assert.Error(t, err)
}
