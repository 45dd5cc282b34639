// Package audit delivers derivation records to an append-only journal
// without holding up the ticket transactions that produced them.
package audit

import (
	"context"
	"errors"
	"expvar"
	"time"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"

	"github.com/sirupsen/logrus"
)

var (
	ErrQueueFull = errors.New("audit queue full")

	recordsWritten = expvar.NewInt("audit_records_written_total")
	recordsDropped = expvar.NewInt("audit_records_dropped_total")
)

// Reader lists the derivations recorded for one ticket, oldest first.
type Reader interface {
	ListDerivations(ctx context.Context, ticketID string) ([]models.DerivationRecord, error)
}

type AsyncOptions struct {
	Buffer      int
	MaxAttempts int
	Backoff     time.Duration
	Logger      logrus.FieldLogger
}

// Async queues records and appends them to next from a single worker.
type Async struct {
	next        store.AuditSink
	queue       chan models.DerivationRecord
	maxAttempts int
	backoff     time.Duration
	log         logrus.FieldLogger
}

func NewAsync(next store.AuditSink, options AsyncOptions) *Async {
	buffer := options.Buffer
	if buffer <= 0 {
		buffer = 256
	}
	attempts := options.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	backoff := options.Backoff
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	logger := options.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Async{
		next:        next,
		queue:       make(chan models.DerivationRecord, buffer),
		maxAttempts: attempts,
		backoff:     backoff,
		log:         logger.WithField("component", "audit"),
	}
}

// AppendDerivation never blocks. It fails only when the queue is full.
func (a *Async) AppendDerivation(_ context.Context, record models.DerivationRecord) error {
	select {
	case a.queue <- record:
		return nil
	default:
		recordsDropped.Add(1)
		return ErrQueueFull
	}
}

// Run delivers queued records until ctx is cancelled, then flushes what is
// left with a short grace period.
func (a *Async) Run(ctx context.Context) error {
	for {
		select {
		case record := <-a.queue:
			a.deliver(ctx, record)
		case <-ctx.Done():
			a.flush()
			return ctx.Err()
		}
	}
}

func (a *Async) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case record := <-a.queue:
			a.deliver(ctx, record)
		default:
			return
		}
	}
}

func (a *Async) deliver(ctx context.Context, record models.DerivationRecord) {
	var err error
	for attempt := 1; attempt <= a.maxAttempts; attempt++ {
		if err = a.next.AppendDerivation(ctx, record); err == nil {
			recordsWritten.Add(1)
			return
		}
		if attempt == a.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			attempt = a.maxAttempts
		case <-time.After(a.backoff * time.Duration(attempt)):
		}
	}
	recordsDropped.Add(1)
	a.log.WithError(err).WithFields(logrus.Fields{
		"derivation_id": record.DerivationID,
		"ticket_id":     record.TicketID,
	}).Error("derivation record lost")
}
