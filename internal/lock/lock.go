// Package lock implements the cross-process single-instance advisory lock.
// One process at a time owns the state database; the lock file records who.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// ErrHeld is returned when another live process owns the lock.
var ErrHeld = errors.New("single-instance lock held by another process")

// ForceUnlockAck is the token required to break a lock by hand.
const ForceUnlockAck = "FORCE_UNLOCK_ACK"

// holder is the JSON content of the lock file.
type holder struct {
	PID        int       `json:"pid"`
	InstanceID string    `json:"instance_id"`
	StartedAt  time.Time `json:"started_at"`
}

// Lock is an acquired advisory lock.
type Lock struct {
	path       string
	instanceID string
}

// lockPath derives the lock file path from the database path and account id.
func lockPath(dbPath, accountID string) string {
	return fmt.Sprintf("%s.%s.lock", dbPath, accountID)
}

// Acquire takes the advisory lock for (dbPath, accountID). A lock whose
// recorded pid is no longer alive is considered stale and is replaced.
func Acquire(dbPath, accountID string) (*Lock, error) {
	path := lockPath(dbPath, accountID)

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			l := &Lock{path: path, instanceID: uuid.NewString()}
			content, marshalErr := json.Marshal(holder{
				PID:        os.Getpid(),
				InstanceID: l.instanceID,
				StartedAt:  time.Now().UTC(),
			})
			if marshalErr != nil {
				f.Close()
				os.Remove(path)
				return nil, marshalErr
			}
			if _, err := f.Write(content); err != nil {
				f.Close()
				os.Remove(path)
				return nil, fmt.Errorf("failed to write lock file: %w", err)
			}
			if err := f.Close(); err != nil {
				os.Remove(path)
				return nil, err
			}
			return l, nil
		}

		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to create lock file: %w", err)
		}

		existing, readErr := readHolder(path)
		if readErr != nil {
			// unreadable lock file: refuse rather than clobber
			return nil, fmt.Errorf("%w (unreadable lock file %s)", ErrHeld, path)
		}

		if processAlive(existing.PID) {
			return nil, fmt.Errorf("%w (pid %d since %s)", ErrHeld, existing.PID, existing.StartedAt.Format(time.RFC3339))
		}

		// stale lock from a dead process: remove and retry once
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to remove stale lock: %w", err)
		}
	}

	return nil, ErrHeld
}

// Release removes the lock file if this process still owns it.
func (l *Lock) Release() error {
	existing, err := readHolder(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if existing.InstanceID != l.instanceID {
		return fmt.Errorf("lock at %s no longer owned by this instance", l.path)
	}
	return os.Remove(l.path)
}

// ForceUnlock breaks a lock regardless of owner. The caller must pass the
// exact ack token; this is an operator action, not a recovery path.
func ForceUnlock(dbPath, accountID, ack string) error {
	if ack != ForceUnlockAck {
		return fmt.Errorf("force unlock requires ack token %q", ForceUnlockAck)
	}
	err := os.Remove(lockPath(dbPath, accountID))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func readHolder(path string) (*holder, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var h holder
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// processAlive reports whether a pid refers to a live process. Signal 0
// probes existence without delivering anything.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
