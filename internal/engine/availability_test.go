package engine

import (
	"context"
	"testing"
	"time"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"
	"qms/queue-engine/internal/store/memory"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmployeeStartsOfflineAndConnects(t *testing.T) {
	f := newFixture(t)
	registered, err := f.eng.RegisterEmployee(f.ctx, "a", "Agent a")
	require.NoError(t, err)
	assert.Equal(t, models.StateOffline, registered.State())

	_, err = f.eng.RegisterEmployee(f.ctx, "b", " ")
	assert.ErrorIs(t, err, ErrValidation)

	connected, err := f.eng.Connect(f.ctx, "a")
	require.NoError(t, err)
	assert.True(t, connected.Changed)
	assert.Equal(t, models.StateAvailable, connected.Employee.State())
	assert.Nil(t, connected.Ticket)
	f.checkInvariants()
}

func TestConnectPicksUpWaitingTicket(t *testing.T) {
	f := newFixture(t)
	waiting := f.ticket()
	require.False(t, waiting.Assigned())

	employee := f.online("a")
	assert.Equal(t, waiting.Ticket.TicketID, employee.CurrentTicketID)
	assert.Equal(t, models.StateServing, employee.State())
}

func TestPauseAndResume(t *testing.T) {
	f := newFixture(t)
	f.online("a")

	paused, err := f.eng.Pause(f.ctx, "a")
	require.NoError(t, err)
	assert.True(t, paused.Changed)
	assert.Equal(t, models.StatePaused, paused.Employee.State())
	assert.False(t, paused.Employee.IsActive)

	again, err := f.eng.Pause(f.ctx, "a")
	require.NoError(t, err)
	assert.False(t, again.Changed)

	waiting := f.ticket()
	require.False(t, waiting.Assigned())

	f.clock.Advance(2 * time.Second)
	resumed, err := f.eng.Resume(f.ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, resumed.Ticket)
	assert.Equal(t, waiting.Ticket.TicketID, resumed.Ticket.TicketID)
	assert.Equal(t, models.StateServing, resumed.Employee.State())
	f.checkInvariants()
}

func TestToggleIsDebounced(t *testing.T) {
	f := newFixture(t)
	f.online("a")

	_, err := f.eng.Pause(f.ctx, "a")
	require.NoError(t, err)

	f.clock.Advance(500 * time.Millisecond)
	_, err = f.eng.Resume(f.ctx, "a")
	var validation *ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Equal(t, "resume", validation.Op)
	assert.Equal(t, models.StatePaused, f.employee("a").State())

	f.clock.Advance(1500 * time.Millisecond)
	_, err = f.eng.Resume(f.ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, models.StateAvailable, f.employee("a").State())
}

// failingApply fails the next failures writes as if the store dropped.
type failingApply struct {
	*memory.Store
	failures int
}

func (s *failingApply) Apply(ctx context.Context, txn store.Txn) error {
	if s.failures > 0 {
		s.failures--
		return store.ErrUnavailable
	}
	return s.Store.Apply(ctx, txn)
}

func TestFailedToggleDoesNotSpendDebounce(t *testing.T) {
	f := newFixture(t)
	f.online("a")
	logger, _ := test.NewNullLogger()
	flaky := &failingApply{Store: f.store, failures: 1}
	eng := New(flaky, Options{Clock: f.clock, Logger: logger, Location: time.UTC})

	_, err := eng.Pause(f.ctx, "a")
	var connErr *ConnectivityError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, models.StateAvailable, f.employee("a").State())

	paused, err := eng.Pause(f.ctx, "a")
	require.NoError(t, err)
	assert.True(t, paused.Changed)
	assert.Equal(t, models.StatePaused, f.employee("a").State())

	_, err = eng.Resume(f.ctx, "a")
	var validation *ValidationError
	require.ErrorAs(t, err, &validation)
}

func TestDebouncerDropsIdleEmployees(t *testing.T) {
	d := newDebouncer(time.Second)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	_, ok := d.reserve("a", now)
	require.True(t, ok)
	_, ok = d.reserve("b", now)
	require.True(t, ok)
	assert.Equal(t, 2, d.len())

	// a refused toggle doesn't push the window out
	_, ok = d.reserve("a", now.Add(500*time.Millisecond))
	assert.False(t, ok)
	_, ok = d.reserve("a", now.Add(time.Second))
	assert.True(t, ok)

	_, ok = d.reserve("c", now.Add(3*time.Second))
	require.True(t, ok)
	assert.Equal(t, 1, d.len())
}

func TestDebounceSlotReturnedOnCancel(t *testing.T) {
	d := newDebouncer(time.Second)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	cancel, ok := d.reserve("a", now)
	require.True(t, ok)
	cancel()
	_, ok = d.reserve("a", now)
	assert.True(t, ok)
	_, ok = d.reserve("a", now)
	assert.False(t, ok)
}

func TestToggleReportsTicketClaimedByAnotherProcess(t *testing.T) {
	f := newFixture(t)
	_, err := f.eng.RegisterEmployee(f.ctx, "a", "Agent a")
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	created, err := f.eng.CreateTicket(f.ctx, NewTicket{ServiceType: "cashier"})
	require.NoError(t, err)

	// a second process reacts to the connect before this one picks up
	logger, _ := test.NewNullLogger()
	other := New(f.store, Options{Clock: f.clock, Logger: logger, Location: time.UTC})
	reacted := false
	unsubscribe, err := f.store.Subscribe(f.ctx, func(event store.ChangeEvent) {
		if reacted || event.Employee == nil || !event.Employee.Free() {
			return
		}
		reacted = true
		_, err := other.AttemptAutoPickup(f.ctx, event.Employee.EmployeeID)
		assert.NoError(t, err)
	})
	require.NoError(t, err)
	defer unsubscribe()

	connected, err := f.eng.Connect(f.ctx, "a")
	require.NoError(t, err)
	require.True(t, reacted)
	require.NotNil(t, connected.Ticket)
	assert.Equal(t, created.TicketID, connected.Ticket.TicketID)
	assert.Equal(t, models.StateServing, connected.Employee.State())
	f.checkInvariants()
}

func TestToggleRejectedWhileServingOrOffline(t *testing.T) {
	f := newFixture(t)
	f.online("a")
	served := f.ticket()
	require.True(t, served.Assigned())

	_, err := f.eng.Pause(f.ctx, "a")
	assert.ErrorIs(t, err, ErrValidation)
	_, err = f.eng.Resume(f.ctx, "a")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.eng.RegisterEmployee(f.ctx, "b", "Agent b")
	require.NoError(t, err)
	_, err = f.eng.Pause(f.ctx, "b")
	assert.ErrorIs(t, err, ErrValidation)
	_, err = f.eng.Resume(f.ctx, "b")
	assert.ErrorIs(t, err, ErrValidation)
	f.checkInvariants()
}

func TestDisconnectWhileServingIsDeferred(t *testing.T) {
	f := newFixture(t)
	f.online("a")
	served := f.ticket()
	require.True(t, served.Assigned())
	next := f.ticket()
	require.False(t, next.Assigned())

	result, err := f.eng.Disconnect(f.ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, models.StateServing, result.Employee.State())
	assert.True(t, result.Employee.PendingOffline)

	done, err := f.eng.Complete(f.ctx, served.Ticket.TicketID, "a", "")
	require.NoError(t, err)
	assert.Nil(t, done.Next)
	employee := f.employee("a")
	assert.Equal(t, models.StateOffline, employee.State())
	assert.True(t, employee.IsPaused)
	assert.False(t, employee.PendingOffline)
	assert.Equal(t, models.StatusWaiting, f.get(next.Ticket.TicketID).Status)
	f.checkInvariants()
}

func TestReconnectCancelsPendingDisconnect(t *testing.T) {
	f := newFixture(t)
	f.online("a")
	served := f.ticket()
	require.True(t, served.Assigned())

	_, err := f.eng.Disconnect(f.ctx, "a")
	require.NoError(t, err)
	_, err = f.eng.Connect(f.ctx, "a")
	require.NoError(t, err)
	assert.False(t, f.employee("a").PendingOffline)

	_, err = f.eng.Complete(f.ctx, served.Ticket.TicketID, "a", "")
	require.NoError(t, err)
	assert.Equal(t, models.StateAvailable, f.employee("a").State())
}

func TestDisconnectFreeEmployee(t *testing.T) {
	f := newFixture(t)
	f.online("a")

	result, err := f.eng.Disconnect(f.ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, models.StateOffline, result.Employee.State())

	waiting := f.ticket()
	assert.False(t, waiting.Assigned())

	again, err := f.eng.Disconnect(f.ctx, "a")
	require.NoError(t, err)
	assert.False(t, again.Changed)
	f.checkInvariants()
}
