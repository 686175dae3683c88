package modules

import (
	"fmt"
	"sync"

	"github.com/AymericDu/oio-sds/internal/clients/rawx"
	"github.com/AymericDu/oio-sds/internal/clients/rdir"
	"github.com/AymericDu/oio-sds/internal/pkg/logger"
	"github.com/AymericDu/oio-sds/internal/xcute"
)

// Env carries the shared dependencies handed to module and task factories.
// Fields a given module does not need may stay nil.
type Env struct {
	Logger *logger.Logger
	Rdir   rdir.Client
	Rawx   rawx.Client
}

// ModuleFactory validates and normalizes the options map in place, then
// builds the module. Validation failures wrap xcute.ErrBadOptions.
type ModuleFactory func(env Env, options, details map[string]any) (xcute.Module, error)

// TaskFactory builds the worker-side implementation of one task tag.
type TaskFactory func(env Env) (xcute.Task, error)

// Registry resolves job types to modules and task tags to tasks.
type Registry struct {
	env Env

	mu        sync.RWMutex
	modules   map[string]ModuleFactory
	taskFacts map[string]TaskFactory
	tasks     map[string]xcute.Task
}

func NewRegistry(env Env) *Registry {
	return &Registry{
		env:       env,
		modules:   make(map[string]ModuleFactory),
		taskFacts: make(map[string]TaskFactory),
		tasks:     make(map[string]xcute.Task),
	}
}

// Default returns a registry with every built-in job type registered.
func Default(env Env) *Registry {
	reg := NewRegistry(env)
	reg.RegisterModule(TypeTester, NewTesterModule)
	reg.RegisterTask(TaskTester, NewTesterTask)
	reg.RegisterModule(TypeRawxDecommission, NewRawxDecommissionModule)
	reg.RegisterTask(TaskBlobMover, NewBlobMoverTask)
	return reg
}

func (r *Registry) RegisterModule(moduleType string, factory ModuleFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules[moduleType] = factory
}

func (r *Registry) RegisterTask(tag string, factory TaskFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.taskFacts[tag] = factory
}

// Module builds the module bound to a job type. options and details may be
// nil; options is normalized in place when not.
func (r *Registry) Module(moduleType string, options, details map[string]any) (xcute.Module, error) {
	r.mu.RLock()
	factory, ok := r.modules[moduleType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", xcute.ErrUnknownType, moduleType)
	}
	return factory(r.env, options, details)
}

// Task returns the worker-side task for a tag, building it on first use.
func (r *Registry) Task(tag string) (xcute.Task, error) {
	r.mu.RLock()
	task, ok := r.tasks[tag]
	r.mu.RUnlock()
	if ok {
		return task, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if task, ok := r.tasks[tag]; ok {
		return task, nil
	}
	factory, ok := r.taskFacts[tag]
	if !ok {
		return nil, fmt.Errorf("%w: task %q", xcute.ErrUnknownType, tag)
	}
	task, err := factory(r.env)
	if err != nil {
		return nil, fmt.Errorf("build task %q: %w", tag, err)
	}
	r.tasks[tag] = task
	return task, nil
}

// Types lists the registered job types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.modules))
	for moduleType := range r.modules {
		types = append(types, moduleType)
	}
	return types
}
