package reactor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"qms/queue-engine/internal/clock"
	"qms/queue-engine/internal/engine"
	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"
	"qms/queue-engine/internal/store/memory"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type recorder struct {
	mu      sync.Mutex
	assigns []string
	pickups []string
	fail    error
}

func (r *recorder) AttemptAutoAssign(_ context.Context, ticketID string, _ ...string) (engine.AssignResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assigns = append(r.assigns, ticketID)
	return engine.AssignResult{}, r.fail
}

func (r *recorder) AttemptAutoPickup(_ context.Context, employeeID string, _ ...string) (engine.PickupResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pickups = append(r.pickups, employeeID)
	return engine.PickupResult{}, r.fail
}

func newRecorded(t *testing.T, options Options) (*Reactor, *recorder, *clock.Fake) {
	t.Helper()
	c := clock.NewFake(start)
	logger, _ := test.NewNullLogger()
	options.Clock = c
	options.Logger = logger
	rec := &recorder{}
	return New(rec, memory.New(c), options), rec, c
}

func waitingTicket(id string) models.Ticket {
	return models.Ticket{TicketID: id, Status: models.StatusWaiting, QueueType: models.QueueGeneral, Version: 1, UpdatedAt: start}
}

func TestDuplicateDeliveriesTriggerOnce(t *testing.T) {
	r, rec, _ := newRecorded(t, Options{})
	event := store.TicketChanged(waitingTicket("t1"))

	r.Handle(event)
	r.Handle(event)
	r.Drain(context.Background())

	assert.Equal(t, []string{"t1"}, rec.assigns)
	assert.Equal(t, 0, r.Pending())

	// a later transition of the same ticket is a new event
	next := waitingTicket("t1")
	next.Version = 2
	next.UpdatedAt = start.Add(time.Second)
	r.Handle(store.TicketChanged(next))
	r.Drain(context.Background())
	assert.Equal(t, []string{"t1", "t1"}, rec.assigns)
}

func TestUnreachableTriggerIsRetriedOnRedelivery(t *testing.T) {
	r, rec, _ := newRecorded(t, Options{})
	event := store.TicketChanged(waitingTicket("t1"))

	rec.fail = &engine.ConnectivityError{Op: "assign"}
	r.Handle(event)
	r.Drain(context.Background())

	rec.fail = nil
	r.Handle(event)
	r.Handle(event)
	r.Drain(context.Background())
	assert.Equal(t, []string{"t1", "t1"}, rec.assigns)
}

func TestResyncReplaysSeenChanges(t *testing.T) {
	r, rec, _ := newRecorded(t, Options{})
	ticket := waitingTicket("t1")

	r.Handle(store.TicketChanged(ticket))
	r.enqueue(item{event: store.TicketChanged(ticket), resync: true})
	r.Drain(context.Background())

	assert.Equal(t, []string{"t1", "t1"}, rec.assigns)
}

func TestTriggersByChangeKind(t *testing.T) {
	r, rec, _ := newRecorded(t, Options{})

	personal := waitingTicket("p1")
	personal.QueueType = models.QueuePersonal
	personal.AssignedToEmployee = "b"
	served := waitingTicket("s1")
	served.Status = models.StatusBeingServed

	r.Handle(store.TicketChanged(personal))
	r.Handle(store.TicketChanged(served))
	r.Handle(store.EmployeeChanged(models.Employee{EmployeeID: "free", IsActive: true, IsOnline: true, Version: 2, UpdatedAt: start}))
	r.Handle(store.EmployeeChanged(models.Employee{EmployeeID: "paused", IsPaused: true, IsOnline: true, Version: 2, UpdatedAt: start}))
	r.Handle(store.EmployeeChanged(models.Employee{EmployeeID: "busy", IsActive: true, IsOnline: true, CurrentTicketID: "s1", Version: 2, UpdatedAt: start}))
	r.Drain(context.Background())

	assert.Empty(t, rec.assigns)
	assert.Equal(t, []string{"b", "free"}, rec.pickups)
}

func TestStaleChangesAreForwardedButNotTriggered(t *testing.T) {
	var forwarded []string
	forward := ForwarderFunc(func(_ context.Context, event store.ChangeEvent) error {
		forwarded = append(forwarded, event.ID)
		return errors.New("display offline")
	})
	r, rec, c := newRecorded(t, Options{Freshness: time.Minute, Forwarders: []Forwarder{forward}})
	c.Advance(2 * time.Minute)

	r.Handle(store.TicketChanged(waitingTicket("old")))
	r.Drain(context.Background())

	assert.Empty(t, rec.assigns)
	assert.Equal(t, []string{"old"}, forwarded)
}

func TestConnectivityFollowsStoreHealth(t *testing.T) {
	c := clock.NewFake(start)
	st := memory.New(c)
	logger, _ := test.NewNullLogger()
	r := New(&recorder{}, st, Options{Clock: c, Logger: logger})
	ctx := context.Background()
	assert.False(t, r.Connected())

	unsubscribe, err := r.Subscribe(ctx)
	require.NoError(t, err)
	assert.True(t, r.Connected())

	st.SetUnavailable(true)
	unsubscribe = r.checkHealth(ctx, unsubscribe)
	assert.False(t, r.Connected())
	unsubscribe = r.checkHealth(ctx, unsubscribe)
	assert.False(t, r.Connected())

	st.SetUnavailable(false)
	unsubscribe = r.checkHealth(ctx, unsubscribe)
	require.NotNil(t, unsubscribe)
	assert.True(t, r.Connected())
	unsubscribe()
}

func TestSubscribeFailsWhileStoreDown(t *testing.T) {
	c := clock.NewFake(start)
	st := memory.New(c)
	st.SetUnavailable(true)
	r := New(&recorder{}, st, Options{Clock: c})

	_, err := r.Subscribe(context.Background())
	assert.ErrorIs(t, err, store.ErrUnavailable)
	assert.False(t, r.Connected())
}

// engineSetup wires a real engine behind the reactor, with the reactor as
// the engine's connectivity gate, the way the service runs.
func engineSetup(t *testing.T) (*Reactor, *engine.Engine, *memory.Store, *clock.Fake) {
	t.Helper()
	c := clock.NewFake(start)
	st := memory.New(c)
	logger, _ := test.NewNullLogger()
	var r *Reactor
	eng := engine.New(st, engine.Options{Clock: c, Logger: logger, Location: time.UTC, Connectivity: gateFunc(func() bool { return r.Connected() })})
	r = New(eng, st, Options{Clock: c, Logger: logger, Freshness: 2 * time.Minute})
	return r, eng, st, c
}

type gateFunc func() bool

func (g gateFunc) Connected() bool {
	return g()
}

func TestReactorRoutesCreatedTickets(t *testing.T) {
	r, eng, st, c := engineSetup(t)
	ctx := context.Background()

	_, err := eng.CreateTicket(ctx, engine.NewTicket{ServiceType: "cashier"})
	var connErr *engine.ConnectivityError
	require.ErrorAs(t, err, &connErr)

	unsubscribe, err := r.Subscribe(ctx)
	require.NoError(t, err)
	defer unsubscribe()

	for _, id := range []string{"a", "b"} {
		_, err := eng.RegisterEmployee(ctx, id, id)
		require.NoError(t, err)
		c.Advance(time.Second)
	}
	_, err = eng.Connect(ctx, "a")
	require.NoError(t, err)
	r.Drain(ctx)

	first, err := eng.CreateTicket(ctx, engine.NewTicket{ServiceType: "cashier"})
	require.NoError(t, err)
	r.Drain(ctx)
	assert.Equal(t, first.TicketID, employee(t, st, "a").CurrentTicketID)

	c.Advance(time.Second)
	second, err := eng.CreateTicket(ctx, engine.NewTicket{ServiceType: "cashier"})
	require.NoError(t, err)
	r.Drain(ctx)
	got, err := st.GetTicket(ctx, second.TicketID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaiting, got.Status)

	// connecting b picks up the waiting ticket
	_, err = eng.Connect(ctx, "b")
	require.NoError(t, err)
	r.Drain(ctx)
	assert.Equal(t, second.TicketID, employee(t, st, "b").CurrentTicketID)
}

func TestSubscribeResyncsWaitingWork(t *testing.T) {
	r, _, st, c := engineSetup(t)
	ctx := context.Background()

	_, err := st.CreateEmployee(ctx, store.CreateEmployeeInput{EmployeeID: "a", Name: "a"})
	require.NoError(t, err)
	ticket, err := st.CreateTicket(ctx, store.CreateTicketInput{ServiceType: "cashier"})
	require.NoError(t, err)
	current := employee(t, st, "a")
	current.IsOnline, current.IsActive, current.IsPaused = true, true, false
	require.NoError(t, st.Apply(ctx, store.Txn{Employees: []store.EmployeeWrite{{Employee: current, ExpectVersion: current.Version}}}))

	// older than the freshness window, but a resync still routes it
	c.Advance(10 * time.Minute)
	unsubscribe, err := r.Subscribe(ctx)
	require.NoError(t, err)
	defer unsubscribe()
	r.Drain(ctx)

	assert.Equal(t, ticket.TicketID, employee(t, st, "a").CurrentTicketID)
}

func TestChangesDrainedDuringOutageAreRoutedAfterReconnect(t *testing.T) {
	r, _, st, _ := engineSetup(t)
	ctx := context.Background()
	unsubscribe, err := r.Subscribe(ctx)
	require.NoError(t, err)

	_, err = st.CreateEmployee(ctx, store.CreateEmployeeInput{EmployeeID: "a", Name: "a"})
	require.NoError(t, err)
	current := employee(t, st, "a")
	current.IsOnline, current.IsActive, current.IsPaused = true, true, false
	require.NoError(t, st.Apply(ctx, store.Txn{Employees: []store.EmployeeWrite{{Employee: current, ExpectVersion: current.Version}}}))
	ticket, err := st.CreateTicket(ctx, store.CreateTicketInput{ServiceType: "cashier"})
	require.NoError(t, err)

	// the feed drops after the changes were queued but before they ran
	st.SetUnavailable(true)
	unsubscribe = r.checkHealth(ctx, unsubscribe)
	require.False(t, r.Connected())
	r.Drain(ctx)

	st.SetUnavailable(false)
	unsubscribe = r.checkHealth(ctx, unsubscribe)
	require.NotNil(t, unsubscribe)
	defer unsubscribe()
	r.Drain(ctx)

	got, err := st.GetTicket(ctx, ticket.TicketID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusBeingServed, got.Status)
	assert.Equal(t, "a", got.ServedBy)
	assert.Equal(t, ticket.TicketID, employee(t, st, "a").CurrentTicketID)
}

func employee(t *testing.T, st *memory.Store, id string) models.Employee {
	t.Helper()
	e, err := st.GetEmployee(context.Background(), id)
	require.NoError(t, err)
	return e
}

func TestRunStopsOnCancel(t *testing.T) {
	r, _, _ := newRecorded(t, Options{HealthInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, r.Connected, time.Second, 5*time.Millisecond)
	r.Handle(store.TicketChanged(waitingTicket("t9")))
	require.Eventually(t, func() bool { return r.Pending() == 0 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.False(t, r.Connected())
}
