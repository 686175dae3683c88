package orchestrator

import (
	"context"
	"encoding/json"

	"golang.org/x/time/rate"

	"github.com/AymericDu/oio-sds/internal/observability"
	"github.com/AymericDu/oio-sds/internal/xcute"
)

// claimLoop polls the backend for waiting jobs. After a successful claim it
// polls again immediately: the queue may hold more than one runnable job.
func (o *Orchestrator) claimLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			o.log.Debug("claim loop stopped")
			return nil
		}
		rec, err := o.store.Claim(ctx, o.id)
		if err != nil {
			if ctx.Err() == nil {
				o.log.Error("claim failed", "error", err)
			}
		} else if rec != nil {
			o.log.Info("claimed job", "job_id", rec.Job.ID, "job_type", rec.Job.Type)
			observability.Current().IncJobClaimed(rec.Job.Type)
			o.handleJob(ctx, rec)
			continue
		}
		if !sleepCtx(ctx, claimInterval) {
			o.log.Debug("claim loop stopped")
			return nil
		}
	}
}

// dispatch streams one RUNNING job's items onto the worker tubes, paced at
// items.max_per_second. Shutdown returns without touching job state; every
// other early exit is a terminal transition.
func (o *Orchestrator) dispatch(ctx context.Context, job *xcute.Job) {
	log := o.log.With("job_id", job.ID(), "job_type", job.Type())
	log.Info("dispatching tasks", "resume_after", job.Record.Items.LastSent)
	observability.Current().JobsRunningInc()
	defer observability.Current().JobsRunningDec()

	limiter := rate.NewLimiter(rate.Limit(job.MaxPerSecond()), 1)
	stream := job.Tasks()
	cursor := 0

	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		task, ok, err := stream.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("task stream failed", "error", err)
			o.failJob(ctx, job, err)
			return
		}
		if !ok {
			break
		}

		next, status, err := o.sendTask(ctx, job, task, cursor)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("task dispatch failed", "item", task.Item, "error", err)
			o.failJob(ctx, job, err)
			return
		}
		cursor = next
		if status == xcute.StatusPaused {
			log.Info("job paused, dispatch stopping")
			return
		}
	}

	log.Info("all tasks sent")
	if _, err := o.store.Update(ctx, job.ID(), job.OnAllSent()); err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Error("cannot record end of stream", "error", err)
		o.failJob(ctx, job, err)
		return
	}
	// Every reply may already be in. The reply loop will not fire again for
	// this job, so the finish check belongs here too.
	if job.Finished() {
		o.finishJob(ctx, job)
	}
}

// sendTask offers one task message around the worker ring, starting at the
// cursor. When the whole ring refuses, it warns and retries after a delay;
// refusal usually means full tubes.
func (o *Orchestrator) sendTask(ctx context.Context, job *xcute.Job, task *xcute.TaskDescriptor, cursor int) (int, xcute.Status, error) {
	msg := xcute.TaskMessage{
		JobID:  job.ID(),
		Task:   task.Task,
		Item:   task.Item,
		Kwargs: task.Kwargs,
		ReplyTo: xcute.ReplyAddress{
			Addr: o.reply.Addr(),
			Tube: o.reply.Tube(),
		},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return cursor, "", err
	}

	for {
		workers := o.currentWorkers()
		for i := 0; i < len(workers); i++ {
			idx := (cursor + i) % len(workers)
			if err := workers[idx].Put(data); err != nil {
				o.log.Debug("worker refused task",
					"addr", workers[idx].Addr(), "error", err)
				continue
			}
			observability.Current().IncTaskDispatched(job.Type())
			status, err := o.store.Update(ctx, job.ID(), job.OnSent(task.Item))
			return idx + 1, status, err
		}

		o.log.Warn("all beanstalkd workers are full", "job_id", job.ID())
		if !sleepCtx(ctx, workersFullDelay) {
			return cursor, "", ctx.Err()
		}
	}
}
