package orchestrator

import (
	"context"
	"slices"
)

const serviceTypeBeanstalkd = "beanstalkd"

// discoveryLoop keeps the worker set current: every beanstalkd known to
// conscience with a positive score and the workers tube open gets a sender.
func (o *Orchestrator) discoveryLoop(ctx context.Context) error {
	for {
		o.refreshWorkers(ctx)
		if !sleepCtx(ctx, discoveryInterval) {
			o.log.Debug("discovery loop stopped")
			return nil
		}
	}
}

// refreshWorkers swaps in a fresh sender list. Senders for endpoints that
// are still present are reused; dropped ones are closed after the swap so a
// dispatch task holding the old list fails over instead of writing to a
// stale endpoint. A conscience error keeps the previous list.
func (o *Orchestrator) refreshWorkers(ctx context.Context) {
	services, err := o.conscience.AllServices(ctx, serviceTypeBeanstalkd)
	if err != nil {
		if ctx.Err() == nil {
			o.log.Error("beanstalkd discovery failed", "error", err)
		}
		return
	}

	previous := make(map[string]TaskSender)
	for _, w := range o.currentWorkers() {
		previous[w.Addr()] = w
	}

	var fresh []TaskSender
	seen := make(map[string]bool)
	for _, svc := range services {
		if svc.Addr == "" || svc.Score <= 0 || seen[svc.Addr] {
			continue
		}
		seen[svc.Addr] = true

		tubes, err := o.probe(svc.Addr)
		if err != nil {
			o.log.Warn("beanstalkd probe failed", "addr", svc.Addr, "error", err)
			continue
		}
		if !slices.Contains(tubes, o.workersTube) {
			continue
		}

		if sender, ok := previous[svc.Addr]; ok {
			delete(previous, svc.Addr)
			fresh = append(fresh, sender)
			continue
		}
		sender, err := o.newSender(svc.Addr)
		if err != nil {
			o.log.Warn("cannot reach beanstalkd worker", "addr", svc.Addr, "error", err)
			continue
		}
		o.log.Info("beanstalkd worker available", "addr", svc.Addr, "tube", o.workersTube)
		fresh = append(fresh, sender)
	}
	if len(fresh) == 0 {
		o.log.Error("no beanstalkd worker available")
	}

	o.mu.Lock()
	o.workers = fresh
	o.mu.Unlock()

	for addr, sender := range previous {
		o.log.Info("beanstalkd worker dropped", "addr", addr)
		_ = sender.Close()
	}
}

func (o *Orchestrator) currentWorkers() []TaskSender {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.workers
}

func (o *Orchestrator) closeWorkers() {
	o.mu.Lock()
	workers := o.workers
	o.workers = nil
	o.mu.Unlock()
	for _, w := range workers {
		_ = w.Close()
	}
}

func (o *Orchestrator) waitForWorkers(ctx context.Context) error {
	o.log.Info("waiting for beanstalkd workers")
	for {
		if len(o.currentWorkers()) > 0 {
			return nil
		}
		if !sleepCtx(ctx, workersWaitInterval) {
			return ctx.Err()
		}
	}
}
