// Package engine holds the ticket lifecycle rules: routing waiting tickets
// to free employees, the employee availability state machine, derivations
// and ticket resolution. Every mutation is an optimistic store transaction
// conditioned on the versions the engine last read, retried a bounded number
// of times on conflict.
package engine

import (
	"context"
	"errors"
	"expvar"
	"sync"
	"time"

	"qms/queue-engine/internal/clock"
	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const (
	defaultWriteRetries   = 3
	defaultToggleDebounce = 1500 * time.Millisecond
)

var (
	assignmentsTotal = expvar.NewInt("engine_assignments_total")
	conflictsTotal   = expvar.NewInt("engine_write_conflicts_total")
	derivationsTotal = expvar.NewInt("engine_derivations_total")
)

// Connectivity reports whether the change feed is currently connected.
// While it is not, mutating operations are refused.
type Connectivity interface {
	Connected() bool
}

type Options struct {
	Clock          clock.Clock
	Logger         logrus.FieldLogger
	Audit          store.AuditSink
	Connectivity   Connectivity
	Location       *time.Location
	WriteRetries   int
	ToggleDebounce time.Duration
}

type Engine struct {
	store       store.Store
	audit       store.AuditSink
	clock       clock.Clock
	log         logrus.FieldLogger
	gate        Connectivity
	location    *time.Location
	maxAttempts int
	debounce    *debouncer
	tracer      trace.Tracer
}

func New(st store.Store, options Options) *Engine {
	c := options.Clock
	if c == nil {
		c = clock.Real()
	}
	logger := options.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	loc := options.Location
	if loc == nil {
		loc = time.Local
	}
	attempts := options.WriteRetries
	if attempts <= 0 {
		attempts = defaultWriteRetries
	}
	debounce := options.ToggleDebounce
	if debounce < 0 {
		debounce = 0
	} else if debounce == 0 {
		debounce = defaultToggleDebounce
	}
	return &Engine{
		store:       st,
		audit:       options.Audit,
		clock:       c,
		log:         logger.WithField("component", "engine"),
		gate:        options.Connectivity,
		location:    loc,
		maxAttempts: attempts,
		debounce:    newDebouncer(debounce),
		tracer:      otel.Tracer("qms/queue-engine/engine"),
	}
}

func (e *Engine) now() time.Time {
	return e.clock.Now()
}

// Day is the calendar day display numbers are counted against.
func (e *Engine) Day(t time.Time) string {
	return t.In(e.location).Format("2006-01-02")
}

func (e *Engine) writable(op string) error {
	if e.gate != nil && !e.gate.Connected() {
		return &ConnectivityError{Op: op, Err: store.ErrUnavailable}
	}
	return nil
}

// retry runs fn until it stops failing with store.ErrConflict, at most
// maxAttempts times. fn must re-read everything it writes.
func (e *Engine) retry(ctx context.Context, op string, fn func(attempt int) error) error {
	var err error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = fn(attempt)
		if err == nil || !errors.Is(err, store.ErrConflict) {
			return classify(op, err)
		}
		conflictsTotal.Add(1)
		e.log.WithFields(logrus.Fields{"op": op, "attempt": attempt}).Debug("write conflict, retrying from a fresh read")
	}
	return &ConflictError{Op: op, Attempts: e.maxAttempts, Err: err}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// release frees emp from its ticket. A pending disconnect turns into
// Paused+Offline instead of Available. The bool reports whether emp
// should try to pick up its next ticket.
func release(emp models.Employee) (models.Employee, bool) {
	emp.CurrentTicketID = ""
	if emp.PendingOffline || !emp.IsOnline {
		emp.PendingOffline = false
		emp.IsOnline = false
		emp.IsActive = false
		emp.IsPaused = true
		return emp, false
	}
	emp.IsActive = !emp.IsPaused
	return emp, emp.IsActive
}

func seconds(from *time.Time, to time.Time) int64 {
	if from == nil || from.IsZero() {
		return 0
	}
	d := to.Sub(*from)
	if d < 0 {
		return 0
	}
	return int64(d / time.Second)
}

type debouncer struct {
	mu       sync.Mutex
	interval time.Duration
	limiters map[string]*rate.Limiter
}

func newDebouncer(interval time.Duration) *debouncer {
	return &debouncer{interval: interval, limiters: make(map[string]*rate.Limiter)}
}

// reserve takes the employee's toggle slot at now. The returned func hands
// the slot back when the toggle isn't written after all.
func (d *debouncer) reserve(key string, now time.Time) (func(), bool) {
	if d.interval <= 0 {
		return func() {}, true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	// a full limiter behaves like a fresh one, so idle employees are dropped
	for id, limiter := range d.limiters {
		if limiter.TokensAt(now) >= 1 {
			delete(d.limiters, id)
		}
	}
	limiter, ok := d.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(d.interval), 1)
		d.limiters[key] = limiter
	}
	reservation := limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return nil, false
	}
	if reservation.DelayFrom(now) > 0 {
		reservation.CancelAt(now)
		return nil, false
	}
	return func() { reservation.CancelAt(now) }, true
}

func (d *debouncer) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.limiters)
}
