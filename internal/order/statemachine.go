// Package order implements the order lifecycle state machine and the
// deterministic client-order-id derivation.
package order

import (
	"fmt"

	"execution_bot/internal/core"
)

// Event is a lifecycle event applied to an order.
type Event string

const (
	EventSubmitRequested Event = "submit_requested"
	EventAck             Event = "ack"
	EventPartialFill     Event = "partial_fill"
	EventFill            Event = "fill"
	EventReject          Event = "reject"
	EventCancel          Event = "cancel"
	EventUncertain       Event = "uncertain"
	EventResolveOpen     Event = "resolve_open"
	EventResolveClosed   Event = "resolve_closed"
)

// TransitionError reports an illegal transition attempt.
type TransitionError struct {
	From  core.OrderStatus
	Event Event
	To    core.OrderStatus
}

func (e *TransitionError) Error() string {
	if e.To != "" {
		return fmt.Sprintf("illegal transition: %s --%s--> %s", e.From, e.Event, e.To)
	}
	return fmt.Sprintf("illegal transition: %s --%s-->", e.From, e.Event)
}

// Transition applies a fixed-target event and returns the next status.
// Terminal statuses reject every event. Resolve events must go through
// ResolveOpen/ResolveClosed because their target is data-dependent.
func Transition(cur core.OrderStatus, ev Event) (core.OrderStatus, error) {
	if cur.IsTerminal() {
		return cur, &TransitionError{From: cur, Event: ev}
	}

	switch ev {
	case EventSubmitRequested:
		if cur == core.StatusPlanned {
			return core.StatusSubmitted, nil
		}
	case EventAck:
		if cur == core.StatusSubmitted {
			return core.StatusAcked, nil
		}
	case EventPartialFill:
		if cur == core.StatusAcked || cur == core.StatusPartiallyFilled {
			return core.StatusPartiallyFilled, nil
		}
	case EventFill:
		if cur == core.StatusAcked || cur == core.StatusPartiallyFilled {
			return core.StatusFilled, nil
		}
	case EventReject:
		if cur == core.StatusPlanned || cur == core.StatusSubmitted || cur == core.StatusAcked {
			return core.StatusRejected, nil
		}
	case EventCancel:
		if cur.IsOpen() {
			return core.StatusCanceled, nil
		}
	case EventUncertain:
		if cur.IsOpen() {
			return core.StatusUnknown, nil
		}
	}

	return cur, &TransitionError{From: cur, Event: ev}
}

// ResolveOpen moves an UNKNOWN order to a live status reported by the venue.
func ResolveOpen(cur, target core.OrderStatus) (core.OrderStatus, error) {
	if cur != core.StatusUnknown {
		return cur, &TransitionError{From: cur, Event: EventResolveOpen, To: target}
	}
	if target == core.StatusAcked || target == core.StatusPartiallyFilled {
		return target, nil
	}
	return cur, &TransitionError{From: cur, Event: EventResolveOpen, To: target}
}

// ResolveClosed moves an UNKNOWN order to a terminal status reported by the
// venue.
func ResolveClosed(cur, target core.OrderStatus) (core.OrderStatus, error) {
	if cur != core.StatusUnknown {
		return cur, &TransitionError{From: cur, Event: EventResolveClosed, To: target}
	}
	if target.IsTerminal() {
		return target, nil
	}
	return cur, &TransitionError{From: cur, Event: EventResolveClosed, To: target}
}

// EventsTo computes the legal event chain from cur to target, so callers can
// advance an order several steps (e.g. a submit acked as already filled)
// while every persisted hop stays a legal transition. Returns an error when
// no chain exists.
func EventsTo(cur, target core.OrderStatus) ([]Event, error) {
	if cur == target {
		return nil, nil
	}

	if cur == core.StatusUnknown {
		if target == core.StatusAcked || target == core.StatusPartiallyFilled {
			return []Event{EventResolveOpen}, nil
		}
		if target.IsTerminal() {
			return []Event{EventResolveClosed}, nil
		}
		return nil, &TransitionError{From: cur, To: target}
	}

	var chain []Event
	pos := cur
	for pos != target {
		var next Event
		switch pos {
		case core.StatusPlanned:
			if target == core.StatusRejected {
				next = EventReject
			} else {
				next = EventSubmitRequested
			}
		case core.StatusSubmitted:
			switch target {
			case core.StatusRejected:
				next = EventReject
			case core.StatusCanceled:
				next = EventCancel
			case core.StatusUnknown:
				next = EventUncertain
			default:
				next = EventAck
			}
		case core.StatusAcked:
			switch target {
			case core.StatusRejected:
				next = EventReject
			case core.StatusCanceled:
				next = EventCancel
			case core.StatusUnknown:
				next = EventUncertain
			case core.StatusFilled:
				next = EventFill
			case core.StatusPartiallyFilled:
				next = EventPartialFill
			default:
				return nil, &TransitionError{From: cur, To: target}
			}
		case core.StatusPartiallyFilled:
			switch target {
			case core.StatusCanceled:
				next = EventCancel
			case core.StatusUnknown:
				next = EventUncertain
			case core.StatusFilled:
				next = EventFill
			default:
				return nil, &TransitionError{From: cur, To: target}
			}
		default:
			return nil, &TransitionError{From: cur, To: target}
		}

		stepped, err := Transition(pos, next)
		if err != nil {
			return nil, err
		}
		chain = append(chain, next)
		pos = stepped

		if len(chain) > 8 {
			return nil, &TransitionError{From: cur, To: target}
		}
	}

	return chain, nil
}
