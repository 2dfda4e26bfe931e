package ledger

import (
	"context"
	"fmt"

	"execution_bot/internal/core"
	"execution_bot/internal/store"
	"execution_bot/pkg/telemetry"

	"go.opentelemetry.io/otel/metric"
)

// DefaultScope is the checkpoint scope used by the single-account engine.
const DefaultScope = "default"

// Reducer incrementally folds ledger events into derived state.
type Reducer struct {
	store           *store.Store
	scope           string
	snapshotVersion int
	logger          core.Logger
	appliedCounter  metric.Int64Counter
}

// NewReducer creates a reducer over the state store.
func NewReducer(st *store.Store, scope string, snapshotVersion int, logger core.Logger) *Reducer {
	if scope == "" {
		scope = DefaultScope
	}
	meter := telemetry.GetMeter("ledger-reducer")
	appliedCounter, _ := meter.Int64Counter("execution_bot_ledger_events_applied_total",
		metric.WithDescription("Total ledger events applied by the reducer"))

	return &Reducer{
		store:           st,
		scope:           scope,
		snapshotVersion: snapshotVersion,
		logger:          logger.WithField("component", "ledger_reducer"),
		appliedCounter:  appliedCounter,
	}
}

// LoadStateIncremental resumes from the checkpoint, applies events appended
// since, and persists a fresh checkpoint when anything changed. The cursor
// advances only to the highest rowid seen in this batch, never to "now", so
// events appended concurrently between fetch and checkpoint write are picked
// up by the next pass. A corrupt or version-mismatched checkpoint triggers a
// one-shot full rebuild from rowid zero.
func (r *Reducer) LoadStateIncremental(ctx context.Context) (*State, error) {
	state, cursor, rebuilt, err := r.loadCheckpoint(ctx)
	if err != nil {
		return nil, err
	}

	events, err := r.store.FetchEventsAfter(ctx, cursor)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch ledger events: %w", err)
	}

	if len(events) == 0 && !rebuilt {
		// no churn: skip the checkpoint write entirely
		return state, nil
	}

	if err := ApplyEvents(state, events); err != nil {
		return nil, err
	}

	for i := range events {
		if events[i].RowID > cursor {
			cursor = events[i].RowID
		}
	}

	r.appliedCounter.Add(ctx, int64(len(events)))

	blob, err := state.Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize snapshot: %w", err)
	}

	err = r.store.WithTransaction(ctx, func(tx *store.Tx) error {
		return r.store.WriteCheckpoint(tx, &core.LedgerCheckpoint{
			Scope:           r.scope,
			LastRowID:       cursor,
			SnapshotBlob:    blob,
			SnapshotVersion: r.snapshotVersion,
		})
	})
	if err != nil {
		return nil, err
	}

	r.logger.Debug("Ledger checkpoint advanced",
		"scope", r.scope,
		"last_rowid", cursor,
		"events_applied", len(events),
		"rebuilt", rebuilt)

	return state, nil
}

// Rebuild folds the full event log from rowid zero, ignoring any checkpoint.
func (r *Reducer) Rebuild(ctx context.Context) (*State, error) {
	state := NewState()
	events, err := r.store.FetchEventsAfter(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch ledger events: %w", err)
	}
	if err := ApplyEvents(state, events); err != nil {
		return nil, err
	}
	return state, nil
}

// loadCheckpoint returns (state, cursor, rebuilt). rebuilt is true when the
// checkpoint was unusable and the fold restarted from zero.
func (r *Reducer) loadCheckpoint(ctx context.Context) (*State, int64, bool, error) {
	cp, err := r.store.ReadCheckpoint(ctx, r.scope)
	if err != nil {
		return nil, 0, false, err
	}
	if cp == nil {
		return NewState(), 0, false, nil
	}

	if cp.SnapshotVersion != r.snapshotVersion {
		r.logger.Warn("Checkpoint version mismatch, rebuilding from scratch",
			"stored_version", cp.SnapshotVersion,
			"expected_version", r.snapshotVersion)
		return NewState(), 0, true, nil
	}

	state, err := UnmarshalState(cp.SnapshotBlob)
	if err != nil {
		r.logger.Warn("Checkpoint snapshot corrupt, rebuilding from scratch",
			"scope", r.scope,
			"error", err.Error())
		return NewState(), 0, true, nil
	}

	return state, cp.LastRowID, false, nil
}
