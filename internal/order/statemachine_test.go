package order

import (
	"testing"

	"execution_bot/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		name    string
		from    core.OrderStatus
		event   Event
		want    core.OrderStatus
		wantErr bool
	}{
		{"submit from planned", core.StatusPlanned, EventSubmitRequested, core.StatusSubmitted, false},
		{"ack from submitted", core.StatusSubmitted, EventAck, core.StatusAcked, false},
		{"partial from acked", core.StatusAcked, EventPartialFill, core.StatusPartiallyFilled, false},
		{"partial repeats", core.StatusPartiallyFilled, EventPartialFill, core.StatusPartiallyFilled, false},
		{"fill from acked", core.StatusAcked, EventFill, core.StatusFilled, false},
		{"fill from partial", core.StatusPartiallyFilled, EventFill, core.StatusFilled, false},
		{"reject from planned", core.StatusPlanned, EventReject, core.StatusRejected, false},
		{"reject from submitted", core.StatusSubmitted, EventReject, core.StatusRejected, false},
		{"reject from acked", core.StatusAcked, EventReject, core.StatusRejected, false},
		{"cancel from submitted", core.StatusSubmitted, EventCancel, core.StatusCanceled, false},
		{"cancel from partial", core.StatusPartiallyFilled, EventCancel, core.StatusCanceled, false},
		{"uncertain from submitted", core.StatusSubmitted, EventUncertain, core.StatusUnknown, false},
		{"uncertain from acked", core.StatusAcked, EventUncertain, core.StatusUnknown, false},

		{"ack from planned illegal", core.StatusPlanned, EventAck, "", true},
		{"fill from submitted illegal", core.StatusSubmitted, EventFill, "", true},
		{"cancel from planned illegal", core.StatusPlanned, EventCancel, "", true},
		{"reject from partial illegal", core.StatusPartiallyFilled, EventReject, "", true},
		{"uncertain from planned illegal", core.StatusPlanned, EventUncertain, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Transition(tt.from, tt.event)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTerminalStatusesRejectEverything(t *testing.T) {
	terminals := []core.OrderStatus{core.StatusFilled, core.StatusCanceled, core.StatusRejected}
	events := []Event{EventSubmitRequested, EventAck, EventPartialFill, EventFill, EventReject, EventCancel, EventUncertain}

	for _, status := range terminals {
		for _, ev := range events {
			_, err := Transition(status, ev)
			assert.Error(t, err, "terminal %s must reject %s", status, ev)
		}
	}
}

func TestResolveOpen(t *testing.T) {
	got, err := ResolveOpen(core.StatusUnknown, core.StatusAcked)
	require.NoError(t, err)
	assert.Equal(t, core.StatusAcked, got)

	got, err = ResolveOpen(core.StatusUnknown, core.StatusPartiallyFilled)
	require.NoError(t, err)
	assert.Equal(t, core.StatusPartiallyFilled, got)

	_, err = ResolveOpen(core.StatusUnknown, core.StatusFilled)
	assert.Error(t, err, "resolve_open must not reach a terminal status")

	_, err = ResolveOpen(core.StatusAcked, core.StatusAcked)
	assert.Error(t, err, "resolve_open only applies to UNKNOWN")
}

func TestResolveClosed(t *testing.T) {
	for _, target := range []core.OrderStatus{core.StatusFilled, core.StatusCanceled, core.StatusRejected} {
		got, err := ResolveClosed(core.StatusUnknown, target)
		require.NoError(t, err)
		assert.Equal(t, target, got)
	}

	_, err := ResolveClosed(core.StatusUnknown, core.StatusAcked)
	assert.Error(t, err)
}

func TestEventsToChains(t *testing.T) {
	tests := []struct {
		from, to core.OrderStatus
		want     []Event
	}{
		{core.StatusPlanned, core.StatusAcked, []Event{EventSubmitRequested, EventAck}},
		{core.StatusPlanned, core.StatusFilled, []Event{EventSubmitRequested, EventAck, EventFill}},
		{core.StatusPlanned, core.StatusRejected, []Event{EventReject}},
		{core.StatusSubmitted, core.StatusPartiallyFilled, []Event{EventAck, EventPartialFill}},
		{core.StatusAcked, core.StatusCanceled, []Event{EventCancel}},
		{core.StatusUnknown, core.StatusFilled, []Event{EventResolveClosed}},
		{core.StatusUnknown, core.StatusAcked, []Event{EventResolveOpen}},
		{core.StatusAcked, core.StatusAcked, nil},
	}

	for _, tt := range tests {
		chain, err := EventsTo(tt.from, tt.to)
		require.NoError(t, err, "%s -> %s", tt.from, tt.to)
		assert.Equal(t, tt.want, chain, "%s -> %s", tt.from, tt.to)
	}
}

func TestEventsToRejectsImpossibleChains(t *testing.T) {
	_, err := EventsTo(core.StatusFilled, core.StatusCanceled)
	assert.Error(t, err)

	_, err = EventsTo(core.StatusPartiallyFilled, core.StatusRejected)
	assert.Error(t, err)

	_, err = EventsTo(core.StatusUnknown, core.StatusPlanned)
	assert.Error(t, err)
}
