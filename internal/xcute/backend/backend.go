// Package backend persists job state in Redis. One hash per job carries the
// flattened record; sorted sets index the waiting queue and the listing
// order; one set per orchestrator tracks assignments; a single hash maps
// advisory lock keys to their holding job.
package backend

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/AymericDu/oio-sds/internal/pkg/logger"
	"github.com/AymericDu/oio-sds/internal/xcute"
)

const (
	keyPrefix     = "xcute:"
	jobKeyPrefix  = keyPrefix + "job:"
	orchKeyPrefix = keyPrefix + "orchestrator:"
	waitingKey    = keyPrefix + "waiting"
	jobsKey       = keyPrefix + "jobs"
	locksKey      = keyPrefix + "locks"

	// DefaultListLimit caps List when the caller does not.
	DefaultListLimit = 1000
)

type Backend struct {
	log *logger.Logger
	rdb *goredis.Client
	now func() time.Time
}

// New dials the Redis endpoint and verifies it answers before returning.
func New(endpoint string, log *logger.Logger) (*Backend, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("missing backend endpoint")
	}
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        endpoint,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &Backend{
		log: log.With("component", "backend"),
		rdb: rdb,
		now: time.Now,
	}, nil
}

func (b *Backend) Close() error {
	return b.rdb.Close()
}

func jobKey(jobID string) string {
	return jobKeyPrefix + jobID
}

func orchestratorKey(orchestratorID string) string {
	return orchKeyPrefix + orchestratorID
}

// Create inserts a fresh WAITING record and queues it.
func (b *Backend) Create(ctx context.Context, rec *xcute.JobRecord) error {
	jobID := rec.Job.ID
	args := []any{jobID}
	for field, value := range rec.Flatten() {
		args = append(args, field, value)
	}
	keys := []string{jobKey(jobID), waitingKey, jobsKey}
	if err := createScript.Run(ctx, b.rdb, keys, args...).Err(); err != nil {
		return mapScriptError("create job", jobID, err)
	}
	return nil
}

// Get returns one record or xcute.ErrNotFound.
func (b *Backend) Get(ctx context.Context, jobID string) (*xcute.JobRecord, error) {
	fields, err := b.rdb.HGetAll(ctx, jobKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("get job %s: %w", jobID, xcute.ErrNotFound)
	}
	rec, err := xcute.ExpandRecord(fields)
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return rec, nil
}

// List pages through all records in id order, starting strictly after
// marker.
func (b *Backend) List(ctx context.Context, limit int, marker string) ([]*xcute.JobRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	min := "-"
	if marker != "" {
		min = "(" + marker
	}
	ids, err := b.rdb.ZRangeByLex(ctx, jobsKey, &goredis.ZRangeBy{
		Min: min, Max: "+", Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return b.fetchRecords(ctx, ids)
}

// ListWaiting returns the waiting queue in claim order.
func (b *Backend) ListWaiting(ctx context.Context) ([]string, error) {
	ids, err := b.rdb.ZRangeByLex(ctx, waitingKey, &goredis.ZRangeBy{Min: "-", Max: "+"}).Result()
	if err != nil {
		return nil, fmt.Errorf("list waiting: %w", err)
	}
	return ids, nil
}

// ListOrchestrator returns the records currently assigned to an
// orchestrator, in id order.
func (b *Backend) ListOrchestrator(ctx context.Context, orchestratorID string) ([]*xcute.JobRecord, error) {
	ids, err := b.rdb.SMembers(ctx, orchestratorKey(orchestratorID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list orchestrator %s: %w", orchestratorID, err)
	}
	sort.Strings(ids)
	return b.fetchRecords(ctx, ids)
}

// Locks returns the advisory lock table, lock key to holding job id.
func (b *Backend) Locks(ctx context.Context) (map[string]string, error) {
	locks, err := b.rdb.HGetAll(ctx, locksKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}
	return locks, nil
}

// Update deep-merges a delta into the record and bumps mtime. It returns
// the job's current status, which is how dispatch loops notice a concurrent
// pause. Deltas must not carry identity or status fields.
func (b *Backend) Update(ctx context.Context, jobID string, delta xcute.Delta) (xcute.Status, error) {
	fields := xcute.FlattenDelta(delta)
	delete(fields, "job.id")
	delete(fields, "job.status")
	delete(fields, "job.orchestrator_id")

	args := []any{formatMtime(b.now())}
	for field, value := range fields {
		args = append(args, field, value)
	}
	res, err := updateScript.Run(ctx, b.rdb, []string{jobKey(jobID)}, args...).Result()
	if err != nil {
		return "", mapScriptError("update job", jobID, err)
	}
	status, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("update job %s: unexpected reply %T", jobID, res)
	}
	return xcute.Status(status), nil
}

// Claim atomically takes the first waiting job whose lock nobody holds,
// marks it RUNNING and assigns it. It returns nil with no error when
// nothing is claimable.
func (b *Backend) Claim(ctx context.Context, orchestratorID string) (*xcute.JobRecord, error) {
	keys := []string{waitingKey, locksKey, orchestratorKey(orchestratorID)}
	res, err := claimScript.Run(ctx, b.rdb, keys,
		orchestratorID, formatMtime(b.now()), jobKeyPrefix).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim for %s: %w", orchestratorID, err)
	}
	fields, err := hashReply(res)
	if err != nil {
		return nil, fmt.Errorf("claim for %s: %w", orchestratorID, err)
	}
	rec, err := xcute.ExpandRecord(fields)
	if err != nil {
		return nil, fmt.Errorf("claim for %s: %w", orchestratorID, err)
	}
	return rec, nil
}

// Pause moves a RUNNING job to PAUSED and releases its lock. The
// orchestrator assignment stays so in-flight replies keep an owner.
func (b *Backend) Pause(ctx context.Context, jobID string) error {
	keys := []string{jobKey(jobID), locksKey}
	err := pauseScript.Run(ctx, b.rdb, keys, formatMtime(b.now()), jobID).Err()
	if err != nil {
		return mapScriptError("pause job", jobID, err)
	}
	return nil
}

// Resume moves a PAUSED job back to WAITING, clears its assignment and
// re-queues it FIFO.
func (b *Backend) Resume(ctx context.Context, jobID string) error {
	keys := []string{jobKey(jobID), waitingKey}
	err := resumeScript.Run(ctx, b.rdb, keys,
		formatMtime(b.now()), jobID, orchKeyPrefix).Err()
	if err != nil {
		return mapScriptError("resume job", jobID, err)
	}
	return nil
}

// Finish terminates a fully processed RUNNING job, releasing its lock and
// its assignment in the same atomic unit.
func (b *Backend) Finish(ctx context.Context, jobID string) error {
	keys := []string{jobKey(jobID), locksKey}
	err := finishScript.Run(ctx, b.rdb, keys,
		formatMtime(b.now()), jobID, orchKeyPrefix).Err()
	if err != nil {
		return mapScriptError("finish job", jobID, err)
	}
	return nil
}

// Fail terminates a RUNNING or WAITING job as FAILED. reason may be empty.
func (b *Backend) Fail(ctx context.Context, jobID, reason string) error {
	keys := []string{jobKey(jobID), locksKey, waitingKey}
	err := failScript.Run(ctx, b.rdb, keys,
		formatMtime(b.now()), jobID, orchKeyPrefix, reason).Err()
	if err != nil {
		return mapScriptError("fail job", jobID, err)
	}
	return nil
}

// Delete removes a non-RUNNING job and every index entry pointing at it.
func (b *Backend) Delete(ctx context.Context, jobID string) error {
	keys := []string{jobKey(jobID), locksKey, waitingKey, jobsKey}
	err := deleteScript.Run(ctx, b.rdb, keys, jobID, orchKeyPrefix).Err()
	if err != nil {
		return mapScriptError("delete job", jobID, err)
	}
	return nil
}

func (b *Backend) fetchRecords(ctx context.Context, ids []string) ([]*xcute.JobRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := b.rdb.Pipeline()
	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, jobKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("fetch records: %w", err)
	}

	recs := make([]*xcute.JobRecord, 0, len(ids))
	for i, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil {
			return nil, fmt.Errorf("fetch record %s: %w", ids[i], err)
		}
		if len(fields) == 0 {
			// Deleted between the index scan and the read.
			continue
		}
		rec, err := xcute.ExpandRecord(fields)
		if err != nil {
			return nil, fmt.Errorf("fetch record %s: %w", ids[i], err)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func formatMtime(t time.Time) string {
	return fmt.Sprintf("%.6f", xcute.Epoch(t))
}

func hashReply(res any) (map[string]string, error) {
	items, ok := res.([]any)
	if !ok {
		return nil, fmt.Errorf("unexpected reply %T", res)
	}
	if len(items)%2 != 0 {
		return nil, fmt.Errorf("odd hash reply length %d", len(items))
	}
	fields := make(map[string]string, len(items)/2)
	for i := 0; i < len(items); i += 2 {
		field, fok := items[i].(string)
		value, vok := items[i+1].(string)
		if !fok || !vok {
			return nil, fmt.Errorf("unexpected hash reply element %T/%T", items[i], items[i+1])
		}
		fields[field] = value
	}
	return fields, nil
}

func mapScriptError(op, jobID string, err error) error {
	msg := strings.TrimPrefix(err.Error(), "ERR ")
	switch {
	case msg == "job_exists":
		return fmt.Errorf("%s %s: %w", op, jobID, xcute.ErrConflict)
	case msg == "no_job":
		return fmt.Errorf("%s %s: %w", op, jobID, xcute.ErrNotFound)
	case strings.HasPrefix(msg, "bad_state:"):
		return fmt.Errorf("%s %s in status %s: %w",
			op, jobID, strings.TrimPrefix(msg, "bad_state:"), xcute.ErrBadState)
	case msg == "bad_update":
		return fmt.Errorf("%s %s: delta touches protected fields", op, jobID)
	default:
		return fmt.Errorf("%s %s: %w", op, jobID, err)
	}
}
