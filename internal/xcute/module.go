package xcute

import (
	"context"
	"encoding/json"
)

// Module is the per-job-type plugin driving one job: it derives the advisory
// lock from the job options, emits the item stream and reduces worker results
// into the job's details section. Implementations live in the modules package
// and are constructed through its registry.
type Module interface {
	// Lock returns the advisory lock key for this job, or "" when the
	// module does not need one.
	Lock() string

	// Expected returns the total item count when the module knows it
	// upfront.
	Expected() (int64, bool)

	// Tasks returns the item stream. When lastSent is non-empty the
	// stream starts strictly after it, which is what makes a job
	// resumable after a crash or a pause.
	Tasks(lastSent string) TaskStream

	// ReduceResult merges one worker result into a details delta.
	// Results may arrive in any order so the reduction must be
	// commutative.
	ReduceResult(res json.RawMessage) (map[string]any, error)
}

// TaskStream yields task descriptors one at a time. Next returns ok=false
// once the stream is exhausted; a non-nil error aborts the job.
type TaskStream interface {
	Next(ctx context.Context) (desc *TaskDescriptor, ok bool, err error)
}

// TaskDescriptor is one unit of work to put on the bus.
type TaskDescriptor struct {
	// Task is the registered worker task tag, "<module type>/<task name>".
	Task   string
	Item   string
	Kwargs map[string]any
}

// Task is the worker-side counterpart of a descriptor. Implementations must
// be safe for concurrent Process calls.
type Task interface {
	Process(ctx context.Context, item string, kwargs map[string]any, reqid string) (any, error)
}
