// Package engine implements the execution engine: gating, idempotent order
// submission, stale-order cancellation, fill application, and the per-cycle
// driver that ties reconciliation and the ledger reducer together.
package engine

import (
	"sync"

	"execution_bot/internal/config"
	"execution_bot/internal/core"
	"execution_bot/pkg/telemetry"
)

// SafetyContext carries the dry-run, kill-switch and safe-mode flags
// explicitly. There is no process-wide mutable safety state; tests construct
// a fresh context.
type SafetyContext struct {
	mu sync.RWMutex

	dryRun         bool
	killSwitch     bool
	safeMode       bool
	liveTrading    bool
	liveTradingAck string
}

// NewSafetyContext builds the context from config flags.
func NewSafetyContext(cfg config.SafetyConfig) *SafetyContext {
	return &SafetyContext{
		dryRun:         cfg.DryRun,
		killSwitch:     cfg.KillSwitch,
		safeMode:       cfg.SafeMode,
		liveTrading:    cfg.LiveTrading,
		liveTradingAck: cfg.LiveTradingAck,
	}
}

// DryRun reports whether side effects are simulated.
func (s *SafetyContext) DryRun() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dryRun
}

// Armed reports whether live network writes are permitted: DRY_RUN off,
// KILL_SWITCH off, LIVE_TRADING on with the exact ack phrase.
func (s *SafetyContext) Armed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.dryRun && !s.killSwitch && s.liveTrading &&
		s.liveTradingAck == config.LiveTradingAckPhrase
}

// AllowSubmit reports whether a new submit may proceed, with the blocking
// reason code when not.
func (s *SafetyContext) AllowSubmit() (bool, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.killSwitch {
		return false, core.ReasonKillSwitch
	}
	if s.safeMode {
		return false, core.ReasonSafeMode
	}
	if s.dryRun {
		return true, "" // simulated submits are always allowed
	}
	if !s.liveTrading || s.liveTradingAck != config.LiveTradingAckPhrase {
		return false, core.ReasonNotArmed
	}
	return true, ""
}

// AllowCancel reports whether cancels may proceed. Safe mode blocks new
// submits but still allows cancels; only the kill switch blocks everything.
func (s *SafetyContext) AllowCancel() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.killSwitch
}

// SafeMode reports the current safe-mode state.
func (s *SafetyContext) SafeMode() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.safeMode
}

// TripSafeMode degrades the process after an invariant violation: new
// submits stop, cancels and reads continue.
func (s *SafetyContext) TripSafeMode(reason string) {
	s.mu.Lock()
	s.safeMode = true
	s.mu.Unlock()
	telemetry.GetGlobalMetrics().SetSafeModeActive(true)
}
