// Package reset closes tickets still in service at the end of the day.
package reset

import (
	"context"
	"fmt"
	"sync"
	"time"

	"qms/queue-engine/internal/clock"
	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const DefaultSchedule = "59 23 * * *"

// Closer is the part of the engine the job drives.
type Closer interface {
	Tickets(ctx context.Context, filter store.TicketFilter) ([]models.Ticket, error)
	CloseForReset(ctx context.Context, ticketID string) (bool, error)
}

type Options struct {
	Schedule string
	Location *time.Location
	Clock    clock.Clock
	Logger   logrus.FieldLogger
	// CatchUp closes tickets left over from a boundary missed while the
	// process was down, once, when Start is called.
	CatchUp bool
}

type Report struct {
	Scanned int `json:"scanned"`
	Closed  int `json:"closed"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

type Job struct {
	closer   Closer
	spec     string
	schedule cron.Schedule
	location *time.Location
	clock    clock.Clock
	log      logrus.FieldLogger
	catchUp  bool

	mu      sync.Mutex
	running bool
	last    Report
}

func New(closer Closer, options Options) (*Job, error) {
	spec := options.Schedule
	if spec == "" {
		spec = DefaultSchedule
	}
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("reset: invalid schedule %q: %w", spec, err)
	}
	loc := options.Location
	if loc == nil {
		loc = time.Local
	}
	c := options.Clock
	if c == nil {
		c = clock.Real()
	}
	logger := options.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Job{
		closer:   closer,
		spec:     spec,
		schedule: schedule,
		location: loc,
		clock:    c,
		log:      logger.WithField("component", "daily_reset"),
		catchUp:  options.CatchUp,
	}, nil
}

// Start runs the job on its schedule until ctx is cancelled.
func (j *Job) Start(ctx context.Context) error {
	if j.catchUp {
		if _, err := j.CatchUp(ctx); err != nil {
			j.log.WithError(err).Warn("catch-up reset failed")
		}
	}

	c := cron.New(cron.WithLocation(j.location))
	if _, err := c.AddFunc(j.spec, func() {
		if _, err := j.RunOnce(ctx); err != nil {
			j.log.WithError(err).Error("daily reset failed")
		}
	}); err != nil {
		return fmt.Errorf("reset: schedule %q: %w", j.spec, err)
	}
	c.Start()
	j.log.WithFields(logrus.Fields{
		"schedule": j.spec,
		"next":     j.NextBoundary(j.clock.Now()),
	}).Info("daily reset scheduled")

	<-ctx.Done()
	<-c.Stop().Done()
	j.log.Info("daily reset stopped")
	return ctx.Err()
}

// NextBoundary is the first scheduled run after t.
func (j *Job) NextBoundary(t time.Time) time.Time {
	return j.schedule.Next(t.In(j.location))
}

// PreviousBoundary is the last scheduled run at or before t, looking back
// at most two days.
func (j *Job) PreviousBoundary(t time.Time) (time.Time, bool) {
	t = t.In(j.location)
	var prev time.Time
	for next := j.schedule.Next(t.Add(-48 * time.Hour)); !next.IsZero() && !next.After(t); next = j.schedule.Next(next) {
		prev = next
	}
	return prev, !prev.IsZero()
}

// RunOnce closes every ticket that is being served right now.
func (j *Job) RunOnce(ctx context.Context) (Report, error) {
	return j.run(ctx, "boundary", func(models.Ticket) bool { return true })
}

// CatchUp closes only the tickets that were already in service at the
// most recent boundary, which a process that was down then never closed.
func (j *Job) CatchUp(ctx context.Context) (Report, error) {
	boundary, ok := j.PreviousBoundary(j.clock.Now())
	if !ok {
		return Report{}, nil
	}
	return j.run(ctx, "catch_up", func(ticket models.Ticket) bool {
		started := ticket.CreatedAt
		if ticket.ServedAt != nil {
			started = *ticket.ServedAt
		}
		return started.Before(boundary)
	})
}

func (j *Job) Last() Report {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.last
}

func (j *Job) run(ctx context.Context, kind string, stale func(models.Ticket) bool) (Report, error) {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return Report{}, nil
	}
	j.running = true
	j.mu.Unlock()
	defer func() {
		j.mu.Lock()
		j.running = false
		j.mu.Unlock()
	}()

	tickets, err := j.closer.Tickets(ctx, store.TicketFilter{Statuses: []models.TicketStatus{models.StatusBeingServed}})
	if err != nil {
		return Report{}, err
	}
	var report Report
	for _, ticket := range tickets {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if !stale(ticket) {
			continue
		}
		report.Scanned++
		closed, err := j.closer.CloseForReset(ctx, ticket.TicketID)
		switch {
		case err != nil:
			report.Failed++
			j.log.WithError(err).WithField("ticket_id", ticket.TicketID).Warn("reset could not close ticket")
		case closed:
			report.Closed++
		default:
			report.Skipped++
		}
	}

	j.mu.Lock()
	j.last = report
	j.mu.Unlock()
	j.log.WithFields(logrus.Fields{
		"run":     kind,
		"scanned": report.Scanned,
		"closed":  report.Closed,
		"skipped": report.Skipped,
		"failed":  report.Failed,
	}).Info("daily reset finished")
	return report, nil
}
