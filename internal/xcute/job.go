package xcute

import (
	"fmt"
	"sync"
	"time"

	"github.com/AymericDu/oio-sds/internal/pkg/logger"
)

// DefaultItemsMaxPerSecond caps dispatch for jobs that do not set their own
// items.max_per_second.
const DefaultItemsMaxPerSecond = 30

// ClassMalformedReply is the error-histogram class used for replies whose
// result the module could not reduce.
const ClassMalformedReply = "MalformedReply"

// Job ties a record to its module and tracks dispatch/reply progress in
// memory. Every mutating method returns the Delta to persist through the
// backend; the in-memory record is kept in sync so Finished can be answered
// locally. A dispatcher and a reply reducer may share one Job: the
// progress-tracking methods lock around the record.
type Job struct {
	Record *JobRecord
	Module Module

	mu  sync.Mutex
	log *logger.Logger
}

// NewJob builds a job in create mode from a request record: fresh id,
// WAITING status, zeroed counters, lock and expected count from the module.
// The options map inside rec must already be normalized by the module
// factory.
func NewJob(mod Module, rec *JobRecord, now time.Time, log *logger.Logger) (*Job, error) {
	if rec == nil {
		rec = &JobRecord{}
	}
	if rec.Job.Type == "" {
		return nil, fmt.Errorf("%w: missing job type", ErrBadOptions)
	}
	if rec.Items.MaxPerSecond < 0 {
		return nil, fmt.Errorf("%w: negative items.max_per_second", ErrBadOptions)
	}
	if rec.Items.MaxPerSecond == 0 {
		rec.Items.MaxPerSecond = DefaultItemsMaxPerSecond
	}
	rec.Job.ID = NewJobID()
	rec.Job.Status = StatusWaiting
	rec.Job.Sending = true
	rec.Job.Lock = mod.Lock()
	rec.Job.OrchestratorID = ""
	rec.Job.FailReason = ""
	rec.Items.Sent = 0
	rec.Items.LastSent = ""
	rec.Items.Processed = 0
	rec.Items.Expected = nil
	rec.Errors = ErrorsInfo{}
	if n, ok := mod.Expected(); ok {
		rec.Items.Expected = &n
	}
	ts := Epoch(now)
	rec.Time.CTime = ts
	rec.Time.MTime = ts
	return &Job{Record: rec, Module: mod, log: log}, nil
}

// LoadJob rehydrates a job from a stored record, typically after a claim or
// an orchestrator restart.
func LoadJob(mod Module, rec *JobRecord, log *logger.Logger) (*Job, error) {
	if rec == nil {
		return nil, fmt.Errorf("nil job record")
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	if rec.Items.MaxPerSecond <= 0 {
		rec.Items.MaxPerSecond = DefaultItemsMaxPerSecond
	}
	return &Job{Record: rec, Module: mod, log: log}, nil
}

func (j *Job) ID() string   { return j.Record.Job.ID }
func (j *Job) Type() string { return j.Record.Job.Type }

// Tasks opens the module's item stream at the current resume cursor.
func (j *Job) Tasks() TaskStream {
	j.mu.Lock()
	lastSent := j.Record.Items.LastSent
	j.mu.Unlock()
	return j.Module.Tasks(lastSent)
}

// MaxPerSecond returns the job's dispatch rate cap.
func (j *Job) MaxPerSecond() int {
	return j.Record.Items.MaxPerSecond
}

// OnSent records one dispatched item and advances the resume cursor.
func (j *Job) OnSent(item string) Delta {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Record.Items.Sent++
	j.Record.Items.LastSent = item
	return Delta{"items": map[string]any{
		"sent":      j.Record.Items.Sent,
		"last_sent": item,
	}}
}

// OnAllSent marks the item stream exhausted.
func (j *Job) OnAllSent() Delta {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Record.Job.Sending = false
	return Delta{"job": map[string]any{"sending": false}}
}

// OnReply folds one worker reply into the job: the processed counter always
// advances, then either the error histogram or the module's details grow.
func (j *Job) OnReply(reply *Reply) Delta {
	j.mu.Lock()
	defer j.mu.Unlock()
	rec := j.Record
	rec.Items.Processed++
	delta := Delta{"items": map[string]any{"processed": rec.Items.Processed}}

	if reply.Exc != nil {
		if j.log != nil {
			j.log.Warn("task failed",
				"job_id", rec.Job.ID, "job_type", rec.Job.Type,
				"item", reply.Item, "error", reply.Exc.Error())
		}
		delta["errors"] = j.countError(reply.Exc.Class)
		return delta
	}

	details, err := j.Module.ReduceResult(reply.Res)
	if err != nil {
		if j.log != nil {
			j.log.Warn("unusable task result",
				"job_id", rec.Job.ID, "job_type", rec.Job.Type,
				"item", reply.Item, "error", err)
		}
		delta["errors"] = j.countError(ClassMalformedReply)
		return delta
	}
	if len(details) > 0 {
		if rec.Details == nil {
			rec.Details = make(map[string]any)
		}
		mergeInto(rec.Details, details)
		delta["details"] = details
	}
	return delta
}

// Finished reports whether nothing remains to send or to process.
func (j *Job) Finished() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return !j.Record.Job.Sending && j.Record.Items.Processed >= j.Record.Items.Sent
}

func (j *Job) countError(class string) map[string]any {
	rec := j.Record
	rec.Errors.Total++
	if rec.Errors.Counts == nil {
		rec.Errors.Counts = make(map[string]int64)
	}
	rec.Errors.Counts[class]++
	return map[string]any{
		"total": rec.Errors.Total,
		class:   rec.Errors.Counts[class],
	}
}

func mergeInto(dst, src map[string]any) {
	for key, value := range src {
		if sub, ok := value.(map[string]any); ok {
			dsub, ok := dst[key].(map[string]any)
			if !ok {
				dsub = make(map[string]any)
				dst[key] = dsub
			}
			mergeInto(dsub, sub)
			continue
		}
		dst[key] = value
	}
}
