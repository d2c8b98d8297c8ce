// Package agent holds the executors that perform work items: a router keyed
// by item kind, a shell command runner and a no-op executor.
package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/msageha/phasegate/internal/dispatch"
)

// Router selects an executor by WorkItem.Kind.
type Router struct {
	mu        sync.RWMutex
	executors map[string]dispatch.Executor
	owners    map[string]string // work item id -> kind, while running
}

func NewRouter() *Router {
	return &Router{
		executors: make(map[string]dispatch.Executor),
		owners:    make(map[string]string),
	}
}

// Register binds kind to exec, replacing any previous binding.
func (r *Router) Register(kind string, exec dispatch.Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[kind] = exec
}

func (r *Router) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.executors))
	for k := range r.executors {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

func (r *Router) Run(ctx context.Context, req dispatch.Request) dispatch.Result {
	r.mu.Lock()
	exec, ok := r.executors[req.Item.Kind]
	if ok {
		r.owners[req.Item.ID] = req.Item.Kind
	}
	r.mu.Unlock()
	if !ok {
		return dispatch.Result{Err: dispatch.Permanent(fmt.Errorf("no executor registered for kind %q", req.Item.Kind))}
	}
	defer func() {
		r.mu.Lock()
		delete(r.owners, req.Item.ID)
		r.mu.Unlock()
	}()
	return exec.Run(ctx, req)
}

// Cancel forwards to the executor currently running workItemID. Items that
// are not running are ignored.
func (r *Router) Cancel(ctx context.Context, workItemID string) error {
	r.mu.RLock()
	kind, ok := r.owners[workItemID]
	exec := r.executors[kind]
	r.mu.RUnlock()
	if !ok || exec == nil {
		return nil
	}
	return exec.Cancel(ctx, workItemID)
}
