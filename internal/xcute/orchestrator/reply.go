package orchestrator

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/AymericDu/oio-sds/internal/bus"
	"github.com/AymericDu/oio-sds/internal/observability"
	"github.com/AymericDu/oio-sds/internal/xcute"
)

// replyLoop reserves worker replies and folds them into their jobs. The
// short reserve timeout keeps the loop responsive to shutdown. Bus errors
// are retried without touching any job, so a flapping bus never fails one.
func (o *Orchestrator) replyLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			o.log.Debug("reply loop stopped")
			return nil
		}
		busID, body, err := o.reply.Reserve(replyReserveTimeout)
		if err != nil {
			if errors.Is(err, bus.ErrTimeout) {
				continue
			}
			if ctx.Err() == nil {
				o.log.Warn("reply reserve failed", "error", err)
				sleepCtx(ctx, replyRetryDelay)
			}
			continue
		}
		o.handleReply(ctx, busID, body)
	}
}

func (o *Orchestrator) handleReply(ctx context.Context, busID uint64, body []byte) {
	var reply xcute.Reply
	if err := json.Unmarshal(body, &reply); err != nil {
		o.log.Warn("burying malformed reply", "error", err)
		o.buryReply(busID)
		return
	}
	if reply.JobID == "" {
		o.log.Warn("burying reply without job id")
		o.buryReply(busID)
		return
	}
	job := o.getJob(reply.JobID)
	if job == nil {
		o.log.Warn("burying reply for unknown job", "job_id", reply.JobID)
		o.buryReply(busID)
		return
	}

	outcome := "ok"
	if reply.Exc != nil {
		outcome = "error"
	}
	delta := job.OnReply(&reply)
	observability.Current().IncReply(job.Type(), outcome)

	// The delta carries absolute counters, so a failed update is repaired
	// by the next one; the reply is deleted either way.
	if _, err := o.store.Update(ctx, job.ID(), delta); err != nil && ctx.Err() == nil {
		o.log.Warn("reply update failed", "job_id", job.ID(), "error", err)
	}
	if err := o.reply.Delete(busID); err != nil {
		o.log.Warn("cannot delete reply", "error", err)
	}
	if job.Finished() {
		o.finishJob(ctx, job)
	}
}

func (o *Orchestrator) buryReply(busID uint64) {
	if err := o.reply.Bury(busID); err != nil {
		o.log.Warn("cannot bury reply", "error", err)
	}
}
