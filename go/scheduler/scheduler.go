// Package scheduler implements the Planner (C7): a periodic tick that
// surfaces due one-time and recurring jobs from the store and enqueues
// them onto the Worker Pool, computing each recurring job's next fire
// time with a standard 5-field cron evaluator.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/netsshio/netsshd/go/metrics"
	"github.com/netsshio/netsshd/go/model"
	"github.com/netsshio/netsshd/go/ops"
	"github.com/netsshio/netsshd/go/store"
)

// Queue accepts a due job for execution. The Worker Pool implements this.
type Queue interface {
	Enqueue(ctx context.Context, job model.Job) error
}

// Planner runs the periodic due-job scan described in §4.7.
type Planner struct {
	store        *store.Store
	queue        Queue
	pollInterval time.Duration
	defaultTZ    *time.Location
	log          ops.Logger
}

// New builds a Planner. defaultTZ is used for recurring jobs that don't
// name their own IANA timezone; it defaults to UTC if nil.
func New(st *store.Store, queue Queue, pollInterval time.Duration, defaultTZ *time.Location, log ops.Logger) *Planner {
	if defaultTZ == nil {
		defaultTZ = time.UTC
	}
	return &Planner{store: st, queue: queue, pollInterval: pollInterval, defaultTZ: defaultTZ, log: log}
}

// Run blocks, ticking until ctx is cancelled. Matches the teacher's
// errgroup-supervised loop shape (go/runtime/proxy.go's copy-pair grp.Go).
func (p *Planner) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.tick(ctx); err != nil {
				p.log.Log(log.ErrorLevel, log.Fields{"error": err.Error()}, "planner tick failed")
			}
		}
	}
}

func (p *Planner) tick(ctx context.Context) error {
	now := time.Now()

	oneTime, err := p.store.ScheduledOneTimeDue(ctx, now)
	if err != nil {
		return fmt.Errorf("querying one-time due jobs: %w", err)
	}
	for _, job := range oneTime {
		if err := p.dispatchOneTime(ctx, job); err != nil {
			p.log.Log(log.ErrorLevel, log.Fields{"job_id": job.ID, "error": err.Error()}, "failed to dispatch one-time job")
		}
	}

	recurring, err := p.store.ScheduledRecurringDue(ctx, now)
	if err != nil {
		return fmt.Errorf("querying recurring due jobs: %w", err)
	}
	for _, job := range recurring {
		if err := p.dispatchRecurring(ctx, job, now); err != nil {
			p.log.Log(log.ErrorLevel, log.Fields{"job_id": job.ID, "error": err.Error()}, "failed to dispatch recurring job")
		}
	}
	return nil
}

func (p *Planner) dispatchOneTime(ctx context.Context, job model.Job) error {
	if !job.Schedule.At.IsZero() {
		metrics.ObservePlannerLag(time.Since(job.Schedule.At).Seconds())
	}
	if err := p.store.UpdateStatus(ctx, job.ID, model.JobRunning); err != nil {
		return fmt.Errorf("marking one-time job running: %w", err)
	}
	job.Status = model.JobRunning
	if err := p.queue.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("enqueuing one-time job: %w", err)
	}
	metrics.JobSubmitted(string(job.Schedule.Kind))
	return nil
}

func (p *Planner) dispatchRecurring(ctx context.Context, job model.Job, now time.Time) error {
	if job.NextRunAt != nil {
		metrics.ObservePlannerLag(now.Sub(*job.NextRunAt).Seconds())
	}
	if err := p.queue.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("enqueuing recurring job: %w", err)
	}
	metrics.JobSubmitted(string(job.Schedule.Kind))

	next, err := p.nextFire(job, now)
	if err != nil {
		return fmt.Errorf("computing next fire for %q: %w", job.ID, err)
	}
	if err := p.store.UpdateNextRunAt(ctx, job.ID, next); err != nil {
		return fmt.Errorf("updating next_run_at: %w", err)
	}
	return nil
}

// nextFire returns the first fire strictly greater than now, in the job's
// timezone (falling back to the planner default), so repeated ticks within
// the same minute never compound executions. A nil result means the cron
// expression has no future fire (robfig/cron/v3 schedules never report
// this for standard 5-field expressions, but the contract is kept explicit
// per §4.7's "if no future fire exists, mark Completed").
func (p *Planner) nextFire(job model.Job, now time.Time) (*time.Time, error) {
	loc := p.defaultTZ
	if job.Schedule.Timezone != "" {
		l, err := time.LoadLocation(job.Schedule.Timezone)
		if err != nil {
			return nil, fmt.Errorf("loading timezone %q: %w", job.Schedule.Timezone, err)
		}
		loc = l
	}

	sched, err := cron.ParseStandard(job.Schedule.Cron)
	if err != nil {
		return nil, fmt.Errorf("parsing cron expression %q: %w", job.Schedule.Cron, err)
	}

	next := sched.Next(now.In(loc))
	if next.IsZero() {
		return nil, nil
	}
	return &next, nil
}

// Submit creates job in the store and, for an Immediate schedule, enqueues
// it directly — bypassing the planner entirely, per §4.7's submission flow.
func Submit(ctx context.Context, st *store.Store, queue Queue, job model.Job) (string, error) {
	id, err := st.CreateJob(ctx, job)
	if err != nil {
		return "", fmt.Errorf("creating job: %w", err)
	}
	job.ID = id

	if job.Schedule.Kind != model.ScheduleImmediate {
		return id, nil
	}

	if err := st.UpdateStatus(ctx, id, model.JobRunning); err != nil {
		return id, fmt.Errorf("marking immediate job running: %w", err)
	}
	job.Status = model.JobRunning
	if err := queue.Enqueue(ctx, job); err != nil {
		return id, fmt.Errorf("enqueuing immediate job: %w", err)
	}
	metrics.JobSubmitted(string(job.Schedule.Kind))
	return id, nil
}

// SubmitBatch expands an SSHBatch into per-device jobs sharing a BatchID,
// each submitted through the ordinary Immediate path (§C.2).
func SubmitBatch(ctx context.Context, st *store.Store, queue Queue, batch model.Batch) ([]string, error) {
	group, gctx := errgroup.WithContext(ctx)
	ids := make([]string, len(batch.Connections))
	jobs := batch.Jobs(func() string { return "" }, time.Now())

	for i, job := range jobs {
		i, job := i, job
		group.Go(func() error {
			id, err := Submit(gctx, st, queue, job)
			if err != nil {
				return err
			}
			ids[i] = id
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, fmt.Errorf("submitting batch %q: %w", batch.ID, err)
	}
	return ids, nil
}
