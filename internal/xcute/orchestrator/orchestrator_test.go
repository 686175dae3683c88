package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AymericDu/oio-sds/internal/bus"
	"github.com/AymericDu/oio-sds/internal/clients/conscience"
	"github.com/AymericDu/oio-sds/internal/pkg/logger"
	"github.com/AymericDu/oio-sds/internal/xcute"
	"github.com/AymericDu/oio-sds/internal/xcute/modules"
)

const (
	testWorkersTube = "oio-xcute"
	testReplyTube   = "oio-xcute-reply-orch-1"
	testModuleType  = "scripted"
	testTaskTag     = "scripted/task"
)

type fakeStore struct {
	mu sync.Mutex

	claims   []*xcute.JobRecord
	claimErr error

	assigned []*xcute.JobRecord

	status    xcute.Status
	updateErr error
	updates   []updateCall

	finished  []string
	finishErr error
	failed    map[string]string
}

type updateCall struct {
	jobID string
	delta xcute.Delta
}

func newFakeStore() *fakeStore {
	return &fakeStore{status: xcute.StatusRunning, failed: make(map[string]string)}
}

func (s *fakeStore) Claim(ctx context.Context, orchestratorID string) (*xcute.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimErr != nil {
		return nil, s.claimErr
	}
	if len(s.claims) == 0 {
		return nil, nil
	}
	rec := s.claims[0]
	s.claims = s.claims[1:]
	return rec, nil
}

func (s *fakeStore) ListOrchestrator(ctx context.Context, orchestratorID string) ([]*xcute.JobRecord, error) {
	return s.assigned, nil
}

func (s *fakeStore) Update(ctx context.Context, jobID string, delta xcute.Delta) (xcute.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return "", s.updateErr
	}
	s.updates = append(s.updates, updateCall{jobID, delta})
	return s.status, nil
}

func (s *fakeStore) Finish(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finishErr != nil {
		return s.finishErr
	}
	s.finished = append(s.finished, jobID)
	return nil
}

func (s *fakeStore) Fail(ctx context.Context, jobID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[jobID] = reason
	return nil
}

func (s *fakeStore) updateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.updates)
}

func (s *fakeStore) finishedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.finished...)
}

type fakeSender struct {
	mu       sync.Mutex
	addr     string
	refuse   bool
	puts     [][]byte
	attempts int
	closed   bool
}

func (f *fakeSender) Put(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.refuse {
		return fmt.Errorf("tube full")
	}
	f.puts = append(f.puts, data)
	return nil
}

func (f *fakeSender) Addr() string { return f.addr }

func (f *fakeSender) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type fakeListener struct {
	addr    string
	tube    string
	reserve func(timeout time.Duration) (uint64, []byte, error)

	mu      sync.Mutex
	buried  []uint64
	deleted []uint64
}

func (f *fakeListener) Reserve(timeout time.Duration) (uint64, []byte, error) {
	if f.reserve != nil {
		return f.reserve(timeout)
	}
	return 0, nil, bus.ErrTimeout
}

func (f *fakeListener) Delete(id uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeListener) Bury(id uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buried = append(f.buried, id)
	return nil
}

func (f *fakeListener) Addr() string { return f.addr }
func (f *fakeListener) Tube() string { return f.tube }
func (f *fakeListener) Close() error { return nil }

type fakeConscience struct {
	mu       sync.Mutex
	services []conscience.Service
	err      error
}

func (f *fakeConscience) AllServices(ctx context.Context, serviceType string) ([]conscience.Service, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.services, nil
}

// scriptedModule drives dispatch tests with a fixed item list; failAt makes
// the stream error once that index is reached.
type scriptedModule struct {
	items  []string
	failAt int
}

func newScriptedModule(items ...string) *scriptedModule {
	return &scriptedModule{items: items, failAt: -1}
}

func (m *scriptedModule) Lock() string { return "" }

func (m *scriptedModule) Expected() (int64, bool) { return int64(len(m.items)), true }

func (m *scriptedModule) Tasks(lastSent string) xcute.TaskStream {
	start := 0
	if lastSent != "" {
		for i, item := range m.items {
			if item == lastSent {
				start = i + 1
				break
			}
		}
	}
	return &scriptedStream{mod: m, next: start}
}

func (m *scriptedModule) ReduceResult(res json.RawMessage) (map[string]any, error) {
	return nil, nil
}

type scriptedStream struct {
	mod  *scriptedModule
	next int
}

func (s *scriptedStream) Next(ctx context.Context) (*xcute.TaskDescriptor, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if s.mod.failAt >= 0 && s.next == s.mod.failAt {
		return nil, false, fmt.Errorf("item source lost")
	}
	if s.next >= len(s.mod.items) {
		return nil, false, nil
	}
	item := s.mod.items[s.next]
	s.next++
	return &xcute.TaskDescriptor{Task: testTaskTag, Item: item}, true, nil
}

func scriptedRegistry(mod *scriptedModule) *modules.Registry {
	reg := modules.NewRegistry(modules.Env{})
	reg.RegisterModule(testModuleType, func(env modules.Env, options, details map[string]any) (xcute.Module, error) {
		return mod, nil
	})
	return reg
}

func scriptedRecord(status xcute.Status) *xcute.JobRecord {
	return &xcute.JobRecord{
		Job: xcute.JobInfo{
			ID:             xcute.NewJobID(),
			Type:           testModuleType,
			Status:         status,
			Sending:        true,
			OrchestratorID: "orch-1",
		},
		Items: xcute.ItemsInfo{MaxPerSecond: 1000},
	}
}

func testOrchestrator(t *testing.T, store *fakeStore, reg *modules.Registry) (*Orchestrator, *fakeListener) {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	cfg := xcute.Config{
		OrchestratorID:        "orch-1",
		BeanstalkdWorkersTube: testWorkersTube,
	}
	listener := &fakeListener{addr: "127.0.0.1:11300", tube: testReplyTube}
	o, err := New(cfg, store, reg, &fakeConscience{}, listener, log)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	o.group = &errgroup.Group{}
	return o, listener
}

func setWorkers(o *Orchestrator, senders ...TaskSender) {
	o.mu.Lock()
	o.workers = senders
	o.mu.Unlock()
}

func TestNewValidatesDependencies(t *testing.T) {
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	cfg := xcute.Config{OrchestratorID: "orch-1", BeanstalkdWorkersTube: testWorkersTube}
	listener := &fakeListener{}
	reg := modules.NewRegistry(modules.Env{})

	if _, err := New(xcute.Config{BeanstalkdWorkersTube: testWorkersTube},
		newFakeStore(), reg, &fakeConscience{}, listener, log); err == nil {
		t.Fatalf("missing orchestrator id accepted")
	}
	if _, err := New(xcute.Config{OrchestratorID: "orch-1"},
		newFakeStore(), reg, &fakeConscience{}, listener, log); err == nil {
		t.Fatalf("missing workers tube accepted")
	}
	if _, err := New(cfg, nil, reg, &fakeConscience{}, listener, log); err == nil {
		t.Fatalf("missing store accepted")
	}
	if _, err := New(cfg, newFakeStore(), reg, &fakeConscience{}, listener, nil); err == nil {
		t.Fatalf("missing logger accepted")
	}
}

func TestRefreshWorkersFilters(t *testing.T) {
	store := newFakeStore()
	o, _ := testOrchestrator(t, store, scriptedRegistry(newScriptedModule()))
	csc := &fakeConscience{services: []conscience.Service{
		{Addr: "w1:11300", Score: 50},
		{Addr: "w2:11300", Score: 0},
		{Addr: "w3:11300", Score: 10},
		{Addr: "w4:11300", Score: 10},
		{Addr: "w1:11300", Score: 50},
		{Addr: "", Score: 99},
	}}
	o.conscience = csc
	o.probe = func(addr string) ([]string, error) {
		switch addr {
		case "w1:11300":
			return []string{"default", testWorkersTube}, nil
		case "w3:11300":
			return nil, fmt.Errorf("connection refused")
		case "w4:11300":
			return []string{"default"}, nil
		}
		t.Fatalf("unexpected probe %q", addr)
		return nil, nil
	}
	o.newSender = func(addr string) (TaskSender, error) {
		return &fakeSender{addr: addr}, nil
	}

	o.refreshWorkers(context.Background())
	workers := o.currentWorkers()
	if len(workers) != 1 || workers[0].Addr() != "w1:11300" {
		t.Fatalf("workers: %v", workerAddrs(workers))
	}
	first := workers[0]

	// A second pass must reuse the existing sender, not redial.
	o.refreshWorkers(context.Background())
	workers = o.currentWorkers()
	if len(workers) != 1 || workers[0] != first {
		t.Fatalf("sender not reused")
	}

	// A conscience failure keeps the previous list.
	csc.mu.Lock()
	csc.err = fmt.Errorf("conscience down")
	csc.mu.Unlock()
	o.refreshWorkers(context.Background())
	if workers = o.currentWorkers(); len(workers) != 1 || workers[0] != first {
		t.Fatalf("workers lost on discovery failure: %v", workerAddrs(workers))
	}

	// Dropped endpoints get closed after the swap.
	csc.mu.Lock()
	csc.err = nil
	csc.services = nil
	csc.mu.Unlock()
	o.refreshWorkers(context.Background())
	if workers = o.currentWorkers(); len(workers) != 0 {
		t.Fatalf("workers kept after removal: %v", workerAddrs(workers))
	}
	if !first.(*fakeSender).closed {
		t.Fatalf("dropped sender not closed")
	}
}

func TestWaitForWorkers(t *testing.T) {
	o, _ := testOrchestrator(t, newFakeStore(), scriptedRegistry(newScriptedModule()))
	setWorkers(o, &fakeSender{addr: "w1:11300"})
	if err := o.waitForWorkers(context.Background()); err != nil {
		t.Fatalf("wait with workers: %v", err)
	}

	setWorkers(o)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := o.waitForWorkers(ctx); err == nil {
		t.Fatalf("canceled wait must report the context error")
	}
}

func TestDispatchSendsEveryItem(t *testing.T) {
	mod := newScriptedModule("a", "b", "c")
	store := newFakeStore()
	o, listener := testOrchestrator(t, store, scriptedRegistry(mod))
	sender := &fakeSender{addr: "w1:11300"}
	setWorkers(o, sender)

	rec := scriptedRecord(xcute.StatusRunning)
	job, err := xcute.LoadJob(mod, rec, nil)
	if err != nil {
		t.Fatalf("load job: %v", err)
	}
	o.addJob(job)

	o.dispatch(context.Background(), job)

	if len(sender.puts) != 3 {
		t.Fatalf("puts: want=3 got=%d", len(sender.puts))
	}
	for i, item := range []string{"a", "b", "c"} {
		var msg xcute.TaskMessage
		if err := json.Unmarshal(sender.puts[i], &msg); err != nil {
			t.Fatalf("decode task %d: %v", i, err)
		}
		if msg.JobID != rec.Job.ID || msg.Task != testTaskTag || msg.Item != item {
			t.Fatalf("task %d: %+v", i, msg)
		}
		if msg.ReplyTo.Addr != listener.addr || msg.ReplyTo.Tube != listener.tube {
			t.Fatalf("task %d reply address: %+v", i, msg.ReplyTo)
		}
	}

	// Three sent updates plus the end-of-stream one.
	if store.updateCount() != 4 {
		t.Fatalf("updates: want=4 got=%d", store.updateCount())
	}
	if job.Record.Items.Sent != 3 || job.Record.Job.Sending {
		t.Fatalf("job record: %+v", job.Record)
	}
	if len(store.finished) != 0 {
		t.Fatalf("job finished with replies outstanding: %v", store.finished)
	}
	if o.getJob(rec.Job.ID) == nil {
		t.Fatalf("job dropped while replies are outstanding")
	}
}

func TestDispatchRotatesWorkers(t *testing.T) {
	mod := newScriptedModule("a", "b")
	store := newFakeStore()
	o, _ := testOrchestrator(t, store, scriptedRegistry(mod))
	s1 := &fakeSender{addr: "w1:11300"}
	s2 := &fakeSender{addr: "w2:11300"}
	setWorkers(o, s1, s2)

	job, err := xcute.LoadJob(mod, scriptedRecord(xcute.StatusRunning), nil)
	if err != nil {
		t.Fatalf("load job: %v", err)
	}
	o.dispatch(context.Background(), job)

	if len(s1.puts) != 1 || len(s2.puts) != 1 {
		t.Fatalf("round robin: s1=%d s2=%d", len(s1.puts), len(s2.puts))
	}
}

func TestDispatchStepsOverRefusingWorker(t *testing.T) {
	mod := newScriptedModule("a", "b")
	store := newFakeStore()
	o, _ := testOrchestrator(t, store, scriptedRegistry(mod))
	s1 := &fakeSender{addr: "w1:11300"}
	s2 := &fakeSender{addr: "w2:11300", refuse: true}
	setWorkers(o, s1, s2)

	job, err := xcute.LoadJob(mod, scriptedRecord(xcute.StatusRunning), nil)
	if err != nil {
		t.Fatalf("load job: %v", err)
	}
	o.dispatch(context.Background(), job)

	if len(s1.puts) != 2 {
		t.Fatalf("accepting worker puts: want=2 got=%d", len(s1.puts))
	}
	if s2.attempts == 0 {
		t.Fatalf("refusing worker never offered a task")
	}
	if len(store.failed) != 0 {
		t.Fatalf("refusal failed the job: %v", store.failed)
	}
}

func TestDispatchZeroItemsFinishes(t *testing.T) {
	mod := newScriptedModule()
	store := newFakeStore()
	o, _ := testOrchestrator(t, store, scriptedRegistry(mod))
	setWorkers(o, &fakeSender{addr: "w1:11300"})

	rec := scriptedRecord(xcute.StatusRunning)
	job, err := xcute.LoadJob(mod, rec, nil)
	if err != nil {
		t.Fatalf("load job: %v", err)
	}
	o.addJob(job)
	o.dispatch(context.Background(), job)

	if len(store.finished) != 1 || store.finished[0] != rec.Job.ID {
		t.Fatalf("finished: %v", store.finished)
	}
	if o.getJob(rec.Job.ID) != nil {
		t.Fatalf("finished job still registered")
	}
}

func TestDispatchStopsOnPause(t *testing.T) {
	mod := newScriptedModule("a", "b", "c")
	store := newFakeStore()
	store.status = xcute.StatusPaused
	o, _ := testOrchestrator(t, store, scriptedRegistry(mod))
	sender := &fakeSender{addr: "w1:11300"}
	setWorkers(o, sender)

	rec := scriptedRecord(xcute.StatusRunning)
	job, err := xcute.LoadJob(mod, rec, nil)
	if err != nil {
		t.Fatalf("load job: %v", err)
	}
	o.addJob(job)
	o.dispatch(context.Background(), job)

	if len(sender.puts) != 1 {
		t.Fatalf("paused dispatch puts: want=1 got=%d", len(sender.puts))
	}
	if len(store.failed) != 0 || len(store.finished) != 0 {
		t.Fatalf("pause ended the job: failed=%v finished=%v", store.failed, store.finished)
	}
	if o.getJob(rec.Job.ID) == nil {
		t.Fatalf("paused job must stay registered for late replies")
	}
}

func TestDispatchFailsOnStreamError(t *testing.T) {
	mod := newScriptedModule("a", "b", "c")
	mod.failAt = 1
	store := newFakeStore()
	o, _ := testOrchestrator(t, store, scriptedRegistry(mod))
	setWorkers(o, &fakeSender{addr: "w1:11300"})

	rec := scriptedRecord(xcute.StatusRunning)
	job, err := xcute.LoadJob(mod, rec, nil)
	if err != nil {
		t.Fatalf("load job: %v", err)
	}
	o.addJob(job)
	o.dispatch(context.Background(), job)

	reason, ok := store.failed[rec.Job.ID]
	if !ok || reason == "" {
		t.Fatalf("stream error must fail the job: %v", store.failed)
	}
	if o.getJob(rec.Job.ID) != nil {
		t.Fatalf("failed job still registered")
	}
}

func TestDispatchShutdownLeavesJobAlone(t *testing.T) {
	mod := newScriptedModule("a")
	store := newFakeStore()
	o, _ := testOrchestrator(t, store, scriptedRegistry(mod))
	setWorkers(o, &fakeSender{addr: "w1:11300", refuse: true})

	rec := scriptedRecord(xcute.StatusRunning)
	job, err := xcute.LoadJob(mod, rec, nil)
	if err != nil {
		t.Fatalf("load job: %v", err)
	}
	o.addJob(job)

	// Every worker refuses, so dispatch parks in its retry delay; shutdown
	// must end it without a terminal transition.
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	done := make(chan struct{})
	go func() {
		o.dispatch(ctx, job)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("dispatch did not stop on shutdown")
	}
	if len(store.failed) != 0 || len(store.finished) != 0 {
		t.Fatalf("shutdown ended the job: failed=%v finished=%v", store.failed, store.finished)
	}
}

func TestHandleJobBadModuleFails(t *testing.T) {
	store := newFakeStore()
	o, _ := testOrchestrator(t, store, modules.NewRegistry(modules.Env{}))

	rec := scriptedRecord(xcute.StatusRunning)
	o.handleJob(context.Background(), rec)

	if _, ok := store.failed[rec.Job.ID]; !ok {
		t.Fatalf("unbuildable job not failed: %v", store.failed)
	}
	if o.getJob(rec.Job.ID) != nil {
		t.Fatalf("unbuildable job registered")
	}
}

func TestHandleJobPausedOnlyRegisters(t *testing.T) {
	mod := newScriptedModule("a", "b")
	store := newFakeStore()
	o, _ := testOrchestrator(t, store, scriptedRegistry(mod))
	sender := &fakeSender{addr: "w1:11300"}
	setWorkers(o, sender)

	rec := scriptedRecord(xcute.StatusPaused)
	o.handleJob(context.Background(), rec)
	if err := o.group.Wait(); err != nil {
		t.Fatalf("group: %v", err)
	}

	if o.getJob(rec.Job.ID) == nil {
		t.Fatalf("paused job not registered")
	}
	if len(sender.puts) != 0 {
		t.Fatalf("paused job dispatched: %d puts", len(sender.puts))
	}
}

func TestClaimLoopRunsClaimedJob(t *testing.T) {
	mod := newScriptedModule()
	store := newFakeStore()
	o, _ := testOrchestrator(t, store, scriptedRegistry(mod))
	setWorkers(o, &fakeSender{addr: "w1:11300"})

	rec := scriptedRecord(xcute.StatusRunning)
	store.claims = []*xcute.JobRecord{rec}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	loopDone := make(chan error, 1)
	go func() { loopDone <- o.claimLoop(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(store.finishedIDs()) == 0 {
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("claimed job not driven to FINISHED")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-loopDone; err != nil {
		t.Fatalf("claim loop: %v", err)
	}
	if err := o.group.Wait(); err != nil {
		t.Fatalf("group: %v", err)
	}

	if finished := store.finishedIDs(); len(finished) != 1 || finished[0] != rec.Job.ID {
		t.Fatalf("finished: %v", finished)
	}
	if o.getJob(rec.Job.ID) != nil {
		t.Fatalf("finished job still registered")
	}
}

func TestHandleReply(t *testing.T) {
	mod := newScriptedModule("a", "b")
	store := newFakeStore()
	o, listener := testOrchestrator(t, store, scriptedRegistry(mod))

	rec := scriptedRecord(xcute.StatusRunning)
	job, err := xcute.LoadJob(mod, rec, nil)
	if err != nil {
		t.Fatalf("load job: %v", err)
	}
	o.addJob(job)
	job.OnSent("a")
	job.OnSent("b")

	o.handleReply(context.Background(), 1, []byte("not json"))
	o.handleReply(context.Background(), 2, []byte(`{"item":"a"}`))
	o.handleReply(context.Background(), 3, []byte(`{"job_id":"ghost","item":"a"}`))
	if len(listener.buried) != 3 {
		t.Fatalf("buried: %v", listener.buried)
	}
	if store.updateCount() != 0 {
		t.Fatalf("bad replies reached the store: %d updates", store.updateCount())
	}

	good, _ := json.Marshal(xcute.Reply{JobID: rec.Job.ID, Item: "a"})
	o.handleReply(context.Background(), 4, good)
	if len(listener.deleted) != 1 || listener.deleted[0] != 4 {
		t.Fatalf("deleted: %v", listener.deleted)
	}
	if job.Record.Items.Processed != 1 {
		t.Fatalf("processed: want=1 got=%d", job.Record.Items.Processed)
	}
	if len(store.finished) != 0 {
		t.Fatalf("job finished with one reply outstanding")
	}

	failed, _ := json.Marshal(xcute.Reply{
		JobID: rec.Job.ID, Item: "b",
		Exc: &xcute.TaskError{Class: "ServiceBusy", Message: "later"},
	})
	job.OnAllSent()
	o.handleReply(context.Background(), 5, failed)

	if job.Record.Errors.Total != 1 || job.Record.Errors.Counts["ServiceBusy"] != 1 {
		t.Fatalf("error histogram: %+v", job.Record.Errors)
	}
	if len(store.finished) != 1 || store.finished[0] != rec.Job.ID {
		t.Fatalf("last reply must finish the job: %v", store.finished)
	}
	if o.getJob(rec.Job.ID) != nil {
		t.Fatalf("finished job still registered")
	}
}

func TestReplyLoopRecoversFromBusErrors(t *testing.T) {
	store := newFakeStore()
	o, listener := testOrchestrator(t, store, scriptedRegistry(newScriptedModule()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	calls := 0
	listener.reserve = func(timeout time.Duration) (uint64, []byte, error) {
		calls++
		if calls == 1 {
			return 0, nil, bus.ErrTimeout
		}
		// The retry delay after a real error must yield to shutdown.
		time.AfterFunc(30*time.Millisecond, cancel)
		return 0, nil, fmt.Errorf("connection reset")
	}

	if err := o.replyLoop(ctx); err != nil {
		t.Fatalf("reply loop: %v", err)
	}
	if calls < 2 {
		t.Fatalf("reserve calls: %d", calls)
	}
}

func workerAddrs(workers []TaskSender) []string {
	addrs := make([]string, 0, len(workers))
	for _, w := range workers {
		addrs = append(addrs, w.Addr())
	}
	return addrs
}
