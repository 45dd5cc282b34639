// Package reactor turns store change notifications into router triggers.
// Each process runs its own reactor; duplicate deliveries are filtered
// locally and correctness rests on the engine's conditional writes.
package reactor

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"qms/queue-engine/internal/clock"
	"qms/queue-engine/internal/engine"
	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"

	"github.com/sirupsen/logrus"
)

var (
	eventsHandled   = expvar.NewInt("reactor_events_handled_total")
	eventsDuplicate = expvar.NewInt("reactor_events_duplicate_total")
	eventsStale     = expvar.NewInt("reactor_events_stale_total")
)

type Engine interface {
	AttemptAutoAssign(ctx context.Context, ticketID string, exclude ...string) (engine.AssignResult, error)
	AttemptAutoPickup(ctx context.Context, employeeID string, exclude ...string) (engine.PickupResult, error)
}

// Source is the store as the reactor sees it.
type Source interface {
	Subscribe(ctx context.Context, fn func(store.ChangeEvent)) (func(), error)
	Ping(ctx context.Context) error
	ListTickets(ctx context.Context, filter store.TicketFilter) ([]models.Ticket, error)
	ListEmployees(ctx context.Context) ([]models.Employee, error)
}

// Forwarder receives every distinct change, before any trigger runs.
type Forwarder interface {
	Forward(ctx context.Context, event store.ChangeEvent) error
}

type ForwarderFunc func(ctx context.Context, event store.ChangeEvent) error

func (f ForwarderFunc) Forward(ctx context.Context, event store.ChangeEvent) error {
	return f(ctx, event)
}

type Options struct {
	Clock          clock.Clock
	Logger         logrus.FieldLogger
	DedupCapacity  int
	DedupTTL       time.Duration
	Freshness      time.Duration
	HealthInterval time.Duration
	Forwarders     []Forwarder
}

type item struct {
	event  store.ChangeEvent
	resync bool
}

type Reactor struct {
	engine         Engine
	source         Source
	clock          clock.Clock
	log            logrus.FieldLogger
	freshness      time.Duration
	healthInterval time.Duration
	forwarders     []Forwarder

	mu    sync.Mutex
	queue []item
	seen  *seenSet
	wake  chan struct{}

	connected atomic.Bool
}

func New(eng Engine, source Source, options Options) *Reactor {
	c := options.Clock
	if c == nil {
		c = clock.Real()
	}
	logger := options.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	ttl := options.DedupTTL
	if ttl == 0 {
		ttl = 5 * time.Minute
	}
	health := options.HealthInterval
	if health <= 0 {
		health = 5 * time.Second
	}
	return &Reactor{
		engine:         eng,
		source:         source,
		clock:          c,
		log:            logger.WithField("component", "reactor"),
		freshness:      options.Freshness,
		healthInterval: health,
		forwarders:     options.Forwarders,
		seen:           newSeenSet(options.DedupCapacity, ttl),
		wake:           make(chan struct{}, 1),
	}
}

// Connected reports whether the change feed is live.
func (r *Reactor) Connected() bool {
	return r.connected.Load()
}

// Handle queues a change. It never blocks, so it is safe to call from the
// store's notification path.
func (r *Reactor) Handle(event store.ChangeEvent) {
	r.enqueue(item{event: event})
}

func (r *Reactor) enqueue(items ...item) {
	r.mu.Lock()
	r.queue = append(r.queue, items...)
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Subscribe attaches the reactor to the store feed and queues a resync of
// everything that may need routing.
func (r *Reactor) Subscribe(ctx context.Context) (func(), error) {
	unsubscribe, err := r.source.Subscribe(ctx, r.Handle)
	if err != nil {
		r.connected.Store(false)
		return nil, fmt.Errorf("reactor subscribe: %w", err)
	}
	r.connected.Store(true)
	if err := r.resync(ctx); err != nil {
		r.log.WithError(err).Warn("resync after subscribe failed")
	}
	return unsubscribe, nil
}

// Run processes queued changes until ctx is cancelled, pinging the store
// to track feed health. A lost feed is resubscribed once the store answers.
func (r *Reactor) Run(ctx context.Context) error {
	unsubscribe, err := r.Subscribe(ctx)
	if err != nil {
		r.log.WithError(err).Warn("change feed unavailable, will retry")
	}
	defer func() {
		if unsubscribe != nil {
			unsubscribe()
		}
		r.connected.Store(false)
	}()

	ticker := time.NewTicker(r.healthInterval)
	defer ticker.Stop()
	r.log.Info("reactor started")
	for {
		r.Drain(ctx)
		select {
		case <-ctx.Done():
			r.log.Info("reactor stopped")
			return ctx.Err()
		case <-r.wake:
		case <-ticker.C:
			unsubscribe = r.checkHealth(ctx, unsubscribe)
		}
	}
}

func (r *Reactor) checkHealth(ctx context.Context, unsubscribe func()) func() {
	if err := r.source.Ping(ctx); err != nil {
		if r.connected.Swap(false) {
			r.log.WithError(err).Warn("change feed disconnected, mutations disabled")
		}
		return unsubscribe
	}
	if unsubscribe != nil && r.connected.Load() {
		return unsubscribe
	}
	if unsubscribe != nil {
		unsubscribe()
	}
	next, err := r.Subscribe(ctx)
	if err != nil {
		r.log.WithError(err).Warn("change feed still unavailable")
		return nil
	}
	r.log.Info("change feed reconnected")
	return next
}

// Drain processes queued changes until the queue is empty, including any
// changes caused by the triggers it runs.
func (r *Reactor) Drain(ctx context.Context) {
	for ctx.Err() == nil {
		r.mu.Lock()
		if len(r.queue) == 0 {
			r.mu.Unlock()
			return
		}
		next := r.queue[0]
		r.queue[0] = item{}
		r.queue = r.queue[1:]
		r.mu.Unlock()

		r.process(ctx, next)
	}
}

func (r *Reactor) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

func (r *Reactor) process(ctx context.Context, it item) {
	event := it.event
	now := r.clock.Now()

	// Resync items replay current state and bypass the seen set.
	key := dedupKey(event)
	if !it.resync {
		r.mu.Lock()
		duplicate := r.seen.observe(key, now)
		r.mu.Unlock()
		if duplicate {
			eventsDuplicate.Add(1)
			return
		}
	}
	eventsHandled.Add(1)

	for _, forwarder := range r.forwarders {
		if err := forwarder.Forward(ctx, event); err != nil {
			r.log.WithError(err).WithField("id", event.ID).Warn("forwarding change failed")
		}
	}

	if !it.resync && r.freshness > 0 && !event.UpdatedAt.IsZero() && now.Sub(event.UpdatedAt) > r.freshness {
		eventsStale.Add(1)
		r.log.WithFields(logrus.Fields{"kind": event.Kind, "id": event.ID}).Debug("stale change, not triggering")
		return
	}

	var err error
	switch event.Kind {
	case store.ChangeTicket:
		err = r.onTicket(ctx, event.Ticket)
	case store.ChangeEmployee:
		err = r.onEmployee(ctx, event.Employee)
	}
	// A trigger that never reached the store must not leave the change
	// marked as handled.
	if errors.Is(err, store.ErrUnavailable) {
		r.mu.Lock()
		r.seen.forget(key)
		r.mu.Unlock()
	}
}

func (r *Reactor) onTicket(ctx context.Context, ticket *models.Ticket) error {
	if ticket == nil || !ticket.IsWaiting() {
		return nil
	}
	if ticket.QueueType == models.QueuePersonal {
		if ticket.AssignedToEmployee == "" {
			return nil
		}
		_, err := r.engine.AttemptAutoPickup(ctx, ticket.AssignedToEmployee)
		r.report(err, "pickup", ticket.AssignedToEmployee)
		return err
	}
	_, err := r.engine.AttemptAutoAssign(ctx, ticket.TicketID)
	r.report(err, "assign", ticket.TicketID)
	return err
}

func (r *Reactor) onEmployee(ctx context.Context, employee *models.Employee) error {
	if employee == nil || !employee.Free() {
		return nil
	}
	_, err := r.engine.AttemptAutoPickup(ctx, employee.EmployeeID)
	r.report(err, "pickup", employee.EmployeeID)
	return err
}

func (r *Reactor) report(err error, op, id string) {
	if err == nil {
		return
	}
	entry := r.log.WithError(err).WithFields(logrus.Fields{"op": op, "id": id})
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, engine.ErrValidation):
		entry.Debug("trigger skipped")
	default:
		entry.Warn("trigger failed")
	}
}

// resync queues every waiting ticket and free employee, so work that
// changed while the feed was down still gets routed.
func (r *Reactor) resync(ctx context.Context) error {
	waiting, err := r.source.ListTickets(ctx, store.TicketFilter{Statuses: []models.TicketStatus{models.StatusWaiting}})
	if err != nil {
		return err
	}
	employees, err := r.source.ListEmployees(ctx)
	if err != nil {
		return err
	}
	items := make([]item, 0, len(waiting)+len(employees))
	for _, ticket := range waiting {
		items = append(items, item{event: store.TicketChanged(ticket), resync: true})
	}
	for _, employee := range employees {
		if employee.Free() {
			items = append(items, item{event: store.EmployeeChanged(employee), resync: true})
		}
	}
	if len(items) > 0 {
		r.enqueue(items...)
	}
	return nil
}

func dedupKey(event store.ChangeEvent) string {
	return fmt.Sprintf("%s:%s@%d/%d", event.Kind, event.ID, event.Version, event.UpdatedAt.UnixNano())
}
