package lock

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireAndRelease(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")

	l, err := Acquire(dbPath, "acct")
	require.NoError(t, err)

	// file exists and records this process
	data, err := os.ReadFile(dbPath + ".acct.lock")
	require.NoError(t, err)
	var h holder
	require.NoError(t, json.Unmarshal(data, &h))
	assert.Equal(t, os.Getpid(), h.PID)
	assert.NotEmpty(t, h.InstanceID)

	require.NoError(t, l.Release())
	_, err = os.Stat(dbPath + ".acct.lock")
	assert.True(t, os.IsNotExist(err))
}

func TestAcquireContention(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")

	l, err := Acquire(dbPath, "acct")
	require.NoError(t, err)
	defer l.Release()

	_, err = Acquire(dbPath, "acct")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHeld)
}

func TestAcquireReplacesStaleLock(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")
	path := dbPath + ".acct.lock"

	// a lock left behind by a dead pid
	content, err := json.Marshal(holder{PID: 999999999, InstanceID: "gone", StartedAt: time.Now().UTC()})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	l, err := Acquire(dbPath, "acct")
	require.NoError(t, err, "stale lock must be replaced")
	require.NoError(t, l.Release())
}

func TestForceUnlockRequiresAck(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")

	_, err := Acquire(dbPath, "acct")
	require.NoError(t, err)

	require.Error(t, ForceUnlock(dbPath, "acct", "nope"))
	require.NoError(t, ForceUnlock(dbPath, "acct", ForceUnlockAck))

	// lock is gone, a new acquire succeeds
	l, err := Acquire(dbPath, "acct")
	require.NoError(t, err)
	require.NoError(t, l.Release())
}

func TestAcquireRefusesUnreadableLockFile(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")
	require.NoError(t, os.WriteFile(dbPath+".acct.lock", []byte("garbage"), 0o644))

	_, err := Acquire(dbPath, "acct")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHeld)
}

func TestLockDifferentAccountsIndependent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")

	a, err := Acquire(dbPath, "acct-a")
	require.NoError(t, err)
	defer a.Release()

	b, err := Acquire(dbPath, "acct-b")
	require.NoError(t, err, "locks are keyed by db path and account id")
	defer b.Release()
}
