// Package worker executes tasks from a beanstalkd tube. Each loop reserves
// task messages, runs the registered task implementation and reports the
// outcome to the orchestrator's reply tube. Tasks must tolerate redelivery:
// a worker that dies mid-task leaves the message to time out back to ready.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AymericDu/oio-sds/internal/bus"
	"github.com/AymericDu/oio-sds/internal/observability"
	"github.com/AymericDu/oio-sds/internal/pkg/logger"
	"github.com/AymericDu/oio-sds/internal/xcute"
	"github.com/AymericDu/oio-sds/internal/xcute/modules"
)

const (
	taskReserveTimeout = 1 * time.Second
	reserveRetryDelay  = 1 * time.Second
	replyRetryDelay    = 1 * time.Second
)

// Listener is the tube consumer side of the bus a loop reserves from.
type Listener interface {
	Reserve(timeout time.Duration) (uint64, []byte, error)
	Delete(id uint64) error
	Bury(id uint64) error
	Close() error
}

// Sender puts replies on one orchestrator reply endpoint.
type Sender interface {
	Put(data []byte) error
	Close() error
}

type Worker struct {
	addr        string
	tube        string
	concurrency int
	log         *logger.Logger
	registry    *modules.Registry

	// Overridable bus constructors, so loops can run against fakes.
	newListener func() (Listener, error)
	newSender   func(addr, tube string) (Sender, error)
}

func New(cfg xcute.Config, registry *modules.Registry, log *logger.Logger) (*Worker, error) {
	if cfg.BeanstalkdWorkerAddr == "" || cfg.BeanstalkdWorkersTube == "" {
		return nil, fmt.Errorf("missing beanstalkd worker address or tube")
	}
	if registry == nil {
		return nil, fmt.Errorf("missing task registry")
	}
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	concurrency := cfg.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	w := &Worker{
		addr:        cfg.BeanstalkdWorkerAddr,
		tube:        cfg.BeanstalkdWorkersTube,
		concurrency: concurrency,
		log:         log.With("component", "worker"),
		registry:    registry,
	}
	w.newListener = func() (Listener, error) {
		return bus.NewListener(w.addr, w.tube, log)
	}
	w.newSender = func(addr, tube string) (Sender, error) {
		return bus.NewSender(addr, tube, log)
	}
	return w, nil
}

// Run reserves and processes tasks until ctx is canceled. Every loop owns
// its bus connections, so concurrency is just the number of loops.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker starting",
		"addr", w.addr, "tube", w.tube, "concurrency", w.concurrency)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		g.Go(func() error { return w.runLoop(gctx) })
	}
	err := g.Wait()
	w.log.Info("worker stopped")
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (w *Worker) runLoop(ctx context.Context) error {
	listener, err := w.newListener()
	if err != nil {
		return err
	}
	defer listener.Close()

	replies := newReplySenders(w.newSender)
	defer replies.closeAll()

	for {
		if ctx.Err() != nil {
			return nil
		}
		busID, body, err := listener.Reserve(taskReserveTimeout)
		if err != nil {
			if errors.Is(err, bus.ErrTimeout) {
				continue
			}
			if ctx.Err() == nil {
				w.log.Warn("task reserve failed", "error", err)
				sleepCtx(ctx, reserveRetryDelay)
			}
			continue
		}
		w.handleMessage(ctx, listener, replies, busID, body)
	}
}

func (w *Worker) handleMessage(ctx context.Context, listener Listener, replies *replySenders, busID uint64, body []byte) {
	var msg xcute.TaskMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		w.log.Warn("burying malformed task message", "error", err)
		w.bury(listener, busID)
		return
	}
	if msg.JobID == "" || msg.ReplyTo.Addr == "" || msg.ReplyTo.Tube == "" {
		w.log.Warn("burying task message without job id or reply address")
		w.bury(listener, busID)
		return
	}

	reply := w.execute(ctx, &msg)
	if reply == nil {
		// Shutdown interrupted the task. The message stays reserved and
		// comes back to ready once its TTR expires.
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		w.log.Error("cannot encode reply",
			"job_id", msg.JobID, "item", msg.Item, "error", err)
		w.bury(listener, busID)
		return
	}
	if !w.sendReply(ctx, replies, msg.ReplyTo, data) {
		return
	}
	if err := listener.Delete(busID); err != nil {
		w.log.Warn("cannot delete task message", "error", err)
	}
}

// execute runs the task and shapes the outcome as a reply. A nil return
// means shutdown interrupted the task and no reply must be sent.
func (w *Worker) execute(ctx context.Context, msg *xcute.TaskMessage) *xcute.Reply {
	reply := &xcute.Reply{JobID: msg.JobID, Item: msg.Item}

	task, err := w.registry.Task(msg.Task)
	if err != nil {
		w.log.Warn("unknown task tag", "job_id", msg.JobID, "task", msg.Task)
		reply.Exc = xcute.NewTaskError("UnknownTask", err.Error())
		observability.Current().ObserveTask(msg.Task, "error", 0)
		return reply
	}

	start := time.Now()
	res, err := w.runTask(ctx, task, msg)
	dur := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		w.log.Warn("task failed",
			"job_id", msg.JobID, "task", msg.Task, "item", msg.Item, "error", err)
		reply.Exc = asTaskError(err)
		observability.Current().ObserveTask(msg.Task, "error", dur)
		return reply
	}

	if res != nil {
		raw, err := json.Marshal(res)
		if err != nil {
			w.log.Warn("unencodable task result",
				"job_id", msg.JobID, "task", msg.Task, "error", err)
			reply.Exc = xcute.NewTaskError("ResultEncoding", err.Error())
			observability.Current().ObserveTask(msg.Task, "error", dur)
			return reply
		}
		reply.Res = raw
	}
	observability.Current().ObserveTask(msg.Task, "ok", dur)
	return reply
}

// runTask isolates panic recovery so a crashing task implementation fails
// one item instead of the whole loop.
func (w *Worker) runTask(ctx context.Context, task xcute.Task, msg *xcute.TaskMessage) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panic: %v", r)
		}
	}()
	reqid := xcute.RequestID(msg.JobID)
	return task.Process(ctx, msg.Item, msg.Kwargs, reqid)
}

// sendReply retries until the reply is accepted. Without the reply the item
// would count as lost, so only shutdown stops the retrying; the task message
// then times out back to ready and the task runs again elsewhere.
func (w *Worker) sendReply(ctx context.Context, replies *replySenders, to xcute.ReplyAddress, data []byte) bool {
	for {
		sender, err := replies.get(to.Addr, to.Tube)
		if err == nil {
			if err = sender.Put(data); err == nil {
				return true
			}
		}
		if ctx.Err() == nil {
			w.log.Warn("cannot send reply",
				"addr", to.Addr, "tube", to.Tube, "error", err)
		}
		if !sleepCtx(ctx, replyRetryDelay) {
			return false
		}
	}
}

func (w *Worker) bury(listener Listener, busID uint64) {
	if err := listener.Bury(busID); err != nil {
		w.log.Warn("cannot bury task message", "error", err)
	}
}

// asTaskError keeps typed task errors and wraps everything else under a
// generic class for the job's error histogram.
func asTaskError(err error) *xcute.TaskError {
	var terr *xcute.TaskError
	if errors.As(err, &terr) {
		return terr
	}
	return xcute.NewTaskError("TaskFailed", err.Error())
}

// replySenders holds the current reply connection. Task messages name their
// reply endpoint, so when a message carries a different addr or tube the old
// connection is closed and a fresh one opened. Not safe for concurrent use;
// each loop keeps its own.
type replySenders struct {
	build  func(addr, tube string) (Sender, error)
	addr   string
	tube   string
	sender Sender
}

func newReplySenders(build func(addr, tube string) (Sender, error)) *replySenders {
	return &replySenders{build: build}
}

func (r *replySenders) get(addr, tube string) (Sender, error) {
	if r.sender != nil && r.addr == addr && r.tube == tube {
		return r.sender, nil
	}
	if r.sender != nil {
		_ = r.sender.Close()
		r.sender = nil
	}
	s, err := r.build(addr, tube)
	if err != nil {
		return nil, err
	}
	r.addr, r.tube, r.sender = addr, tube, s
	return s, nil
}

func (r *replySenders) closeAll() {
	if r.sender != nil {
		_ = r.sender.Close()
		r.sender = nil
	}
}

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
