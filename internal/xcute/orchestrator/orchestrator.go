// Package orchestrator runs the control loops that turn claimed job records
// into task traffic: worker discovery, job claiming, per-job dispatch and
// reply reduction. One orchestrator process owns every job assigned to its
// id; the backend serializes claims so two orchestrators never share a job.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AymericDu/oio-sds/internal/bus"
	"github.com/AymericDu/oio-sds/internal/clients/conscience"
	"github.com/AymericDu/oio-sds/internal/observability"
	"github.com/AymericDu/oio-sds/internal/pkg/logger"
	"github.com/AymericDu/oio-sds/internal/xcute"
	"github.com/AymericDu/oio-sds/internal/xcute/modules"
)

const (
	discoveryInterval   = 5 * time.Second
	claimInterval       = 5 * time.Second
	workersWaitInterval = 1 * time.Second
	workersFullDelay    = 5 * time.Second
	replyReserveTimeout = 1 * time.Second
	replyRetryDelay     = 1 * time.Second
)

// Store is the slice of the job backend the orchestrator drives.
type Store interface {
	Claim(ctx context.Context, orchestratorID string) (*xcute.JobRecord, error)
	ListOrchestrator(ctx context.Context, orchestratorID string) ([]*xcute.JobRecord, error)
	Update(ctx context.Context, jobID string, delta xcute.Delta) (xcute.Status, error)
	Finish(ctx context.Context, jobID string) error
	Fail(ctx context.Context, jobID, reason string) error
}

// TaskSender puts task messages on one worker endpoint.
type TaskSender interface {
	Put(data []byte) error
	Addr() string
	Close() error
}

// ReplyListener consumes this orchestrator's reply tube.
type ReplyListener interface {
	Reserve(timeout time.Duration) (uint64, []byte, error)
	Delete(id uint64) error
	Bury(id uint64) error
	Addr() string
	Tube() string
	Close() error
}

type Orchestrator struct {
	id          string
	workersTube string
	log         *logger.Logger

	store      Store
	registry   *modules.Registry
	conscience conscience.Client
	reply      ReplyListener

	// Overridable bus constructors, so loops can run against fakes.
	newSender func(addr string) (TaskSender, error)
	probe     func(addr string) ([]string, error)

	group *errgroup.Group

	mu      sync.Mutex
	jobs    map[string]*xcute.Job
	workers []TaskSender
}

func New(cfg xcute.Config, store Store, registry *modules.Registry, csc conscience.Client, reply ReplyListener, log *logger.Logger) (*Orchestrator, error) {
	if cfg.OrchestratorID == "" {
		return nil, fmt.Errorf("missing orchestrator id")
	}
	if cfg.BeanstalkdWorkersTube == "" {
		return nil, fmt.Errorf("missing beanstalkd workers tube")
	}
	if store == nil || registry == nil || csc == nil || reply == nil {
		return nil, fmt.Errorf("missing orchestrator dependency")
	}
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	o := &Orchestrator{
		id:          cfg.OrchestratorID,
		workersTube: cfg.BeanstalkdWorkersTube,
		log:         log.With("component", "orchestrator", "orchestrator_id", cfg.OrchestratorID),
		store:       store,
		registry:    registry,
		conscience:  csc,
		reply:       reply,
		jobs:        make(map[string]*xcute.Job),
	}
	o.newSender = func(addr string) (TaskSender, error) {
		return bus.NewSender(addr, cfg.BeanstalkdWorkersTube, log)
	}
	o.probe = bus.Probe
	return o, nil
}

// Run drives every loop until ctx is canceled. Startup order matters: jobs
// are not re-hydrated before a worker is reachable, and the claim loop does
// not start before the assigned jobs are back in memory.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.log.Info("orchestrator starting",
		"reply_addr", o.reply.Addr(), "reply_tube", o.reply.Tube(),
		"workers_tube", o.workersTube)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	o.group = g

	g.Go(func() error { return o.discoveryLoop(gctx) })

	err := o.waitForWorkers(gctx)
	if err == nil {
		err = o.rehydrate(gctx)
	}
	if err == nil {
		g.Go(func() error { return o.replyLoop(gctx) })
		g.Go(func() error { return o.claimLoop(gctx) })
	} else if gctx.Err() == nil {
		o.log.Error("startup recovery failed", "error", err)
		cancel()
	}

	waitErr := g.Wait()
	o.closeWorkers()
	_ = o.reply.Close()
	o.log.Info("orchestrator stopped")

	if gctx.Err() != nil && ctx.Err() == nil && err != nil {
		return err
	}
	return waitErr
}

// rehydrate reloads the jobs that were assigned before a restart. RUNNING
// records resume dispatching from items.last_sent; PAUSED records only
// re-enter the in-memory map so in-flight replies still reduce.
func (o *Orchestrator) rehydrate(ctx context.Context) error {
	recs, err := o.store.ListOrchestrator(ctx, o.id)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		o.log.Info("found assigned job",
			"job_id", rec.Job.ID, "job_type", rec.Job.Type, "status", rec.Job.Status)
		o.handleJob(ctx, rec)
	}
	return nil
}

// handleJob loads a claimed or re-hydrated record and, when it is RUNNING,
// spawns its dispatch task. A record whose module cannot be built is failed
// right away.
func (o *Orchestrator) handleJob(ctx context.Context, rec *xcute.JobRecord) {
	mod, err := o.registry.Module(rec.Job.Type, rec.Options, rec.Details)
	if err == nil {
		var job *xcute.Job
		job, err = xcute.LoadJob(mod, rec, o.log)
		if err == nil {
			o.addJob(job)
			if rec.Job.Status == xcute.StatusRunning {
				o.group.Go(func() error {
					o.dispatch(ctx, job)
					return nil
				})
			}
			return
		}
	}

	o.log.Error("cannot load job",
		"job_id", rec.Job.ID, "job_type", rec.Job.Type, "error", err)
	if failErr := o.store.Fail(ctx, rec.Job.ID, err.Error()); failErr != nil && ctx.Err() == nil {
		o.log.Error("fail transition failed", "job_id", rec.Job.ID, "error", failErr)
	}
	observability.Current().IncJobEnded(rec.Job.Type, string(xcute.StatusFailed))
}

func (o *Orchestrator) addJob(job *xcute.Job) {
	o.mu.Lock()
	o.jobs[job.ID()] = job
	o.mu.Unlock()
}

func (o *Orchestrator) getJob(jobID string) *xcute.Job {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.jobs[jobID]
}

func (o *Orchestrator) removeJob(jobID string) {
	o.mu.Lock()
	delete(o.jobs, jobID)
	o.mu.Unlock()
}

// finishJob moves a fully processed job to FINISHED. Both the reply loop and
// the tail of a dispatch task may get here; the backend accepts exactly one
// of the calls and the loser sees BadState, which means nothing is wrong.
func (o *Orchestrator) finishJob(ctx context.Context, job *xcute.Job) {
	err := o.store.Finish(ctx, job.ID())
	if err != nil && !errors.Is(err, xcute.ErrBadState) {
		if ctx.Err() == nil {
			o.log.Warn("finish transition failed", "job_id", job.ID(), "error", err)
		}
		return
	}
	o.removeJob(job.ID())
	if err == nil {
		o.log.Info("job finished", "job_id", job.ID(), "job_type", job.Type())
		observability.Current().IncJobEnded(job.Type(), string(xcute.StatusFinished))
	}
}

func (o *Orchestrator) failJob(ctx context.Context, job *xcute.Job, cause error) {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	if err := o.store.Fail(ctx, job.ID(), reason); err != nil && ctx.Err() == nil {
		o.log.Error("fail transition failed", "job_id", job.ID(), "error", err)
	}
	o.removeJob(job.ID())
	observability.Current().IncJobEnded(job.Type(), string(xcute.StatusFailed))
}

// sleepCtx waits for d and reports false when ctx was canceled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
