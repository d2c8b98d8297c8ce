// Package dispatch executes the work items of one phase through an
// Executor, honouring dependencies, parallelism class, timeouts, retry
// budgets and fail-fast cancellation.
package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/msageha/phasegate/internal/gate"
	"github.com/msageha/phasegate/internal/logging"
	"github.com/msageha/phasegate/internal/metrics"
	"github.com/msageha/phasegate/internal/model"
	"github.com/msageha/phasegate/internal/plan"
	"github.com/msageha/phasegate/internal/tracing"
)

const cancelRequestTimeout = 5 * time.Second

type Options struct {
	RunID          string
	MaxConcurrency int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	// DefaultTimeout applies to items without their own timeout. Zero
	// means no limit.
	DefaultTimeout time.Duration
	// FailFast is evaluated after each item settles. Returning true stops
	// the phase: running items that are not must-complete are cancelled and
	// nothing new starts.
	FailFast func(results []gate.ItemResult) bool
	// OnOutcome is called once per attempt, serialized.
	OnOutcome func(model.Outcome)
}

func (o Options) withDefaults() Options {
	if o.MaxConcurrency < 1 {
		o.MaxConcurrency = 1
	}
	if o.BackoffMax < o.BackoffBase {
		o.BackoffMax = o.BackoffBase
	}
	return o
}

// Backoff returns min(base*2^retriesUsed, max).
func Backoff(base, max time.Duration, retriesUsed int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 0; i < retriesUsed; i++ {
		if max > 0 && d > max/2 {
			return max
		}
		d *= 2
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

type Dispatcher struct {
	logger  *logging.Logger
	metrics *metrics.Metrics
	tracer  *tracing.Provider
}

func New() *Dispatcher {
	return &Dispatcher{logger: logging.NewNop()}
}

func (d *Dispatcher) SetLogger(l *logging.Logger)   { d.logger = l }
func (d *Dispatcher) SetMetrics(m *metrics.Metrics) { d.metrics = m }
func (d *Dispatcher) SetTracer(t *tracing.Provider) { d.tracer = t }

// Validate checks ids are unique, dependencies name items of the same set
// and form a DAG. It returns the execution order.
func Validate(items []model.WorkItem) ([]string, error) {
	ids := make([]string, 0, len(items))
	deps := make(map[string][]string, len(items))
	seen := make(map[string]bool, len(items))
	for _, it := range items {
		if seen[it.ID] {
			return nil, &model.ConfigurationError{Reason: fmt.Sprintf("duplicate work item id %q", it.ID)}
		}
		seen[it.ID] = true
		ids = append(ids, it.ID)
		deps[it.ID] = it.DependsOn
	}
	for _, it := range items {
		for _, dep := range it.DependsOn {
			if !seen[dep] {
				return nil, &model.ConfigurationError{Reason: fmt.Sprintf("work item %q depends on unknown item %q", it.ID, dep)}
			}
		}
	}
	return plan.ValidateTaskDAG(ids, deps)
}

// Dispatch runs items to completion. A configuration problem is returned
// before anything executes. Cancelling ctx aborts the dispatch with the same
// policy as fail-fast; the returned report is still complete.
func (d *Dispatcher) Dispatch(ctx context.Context, items []model.WorkItem, exec Executor, opts Options) (*Report, error) {
	order, err := Validate(items)
	if err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	r := &dispatchRun{
		d:          d,
		exec:       exec,
		opts:       opts,
		items:      make(map[string]model.WorkItem, len(items)),
		index:      make(map[string]int, len(order)),
		waiting:    make(map[string]int, len(items)),
		dependents: make(map[string][]string, len(items)),
		running:    make(map[string]int64),
		sem:        semaphore.NewWeighted(int64(opts.MaxConcurrency)),
		done:       make(chan string, len(items)),
		report:     &Report{Items: make(map[string]*ItemReport, len(items)), Order: order},
	}
	for i, id := range order {
		r.index[id] = i
	}
	for _, it := range items {
		it.Status = model.WorkItemQueued
		it.RetriesUsed = 0
		r.items[it.ID] = it
		r.waiting[it.ID] = len(it.DependsOn)
		for _, dep := range it.DependsOn {
			r.dependents[dep] = append(r.dependents[dep], it.ID)
		}
		r.report.Items[it.ID] = &ItemReport{
			Status:       model.WorkItemQueued,
			Critical:     it.Critical,
			MustComplete: it.MustComplete,
		}
	}
	for _, id := range order {
		if r.waiting[id] == 0 {
			r.ready = append(r.ready, id)
		}
	}

	r.loop(ctx)
	return r.report, nil
}

type dispatchRun struct {
	d    *Dispatcher
	exec Executor
	opts Options

	items      map[string]model.WorkItem
	index      map[string]int
	waiting    map[string]int
	dependents map[string][]string
	ready      []string
	running    map[string]int64 // id -> semaphore weight
	sem        *semaphore.Weighted
	done       chan string

	mu     sync.Mutex
	report *Report
}

func (r *dispatchRun) loop(ctx context.Context) {
	dctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	stopping := false
	ctxDone := ctx.Done()

	stop := func(reason string) {
		stopping = true
		cancel()
		r.cancelRunning(ctx, reason)
	}

	for {
		if !stopping && ctx.Err() != nil {
			r.report.Cancelled = true
			stop("aborted")
			ctxDone = nil
		}
		if !stopping {
			r.startReady(dctx, &wg)
		}
		if len(r.running) == 0 {
			break
		}
		select {
		case id := <-r.done:
			r.sem.Release(r.running[id])
			delete(r.running, id)
			r.settle(id)
			if !stopping && r.opts.FailFast != nil && r.opts.FailFast(r.results()) {
				r.report.FailedFast = true
				r.d.logger.Warn(ctx, "phase unrecoverable, failing fast",
					zap.Int("running", len(r.running)))
				stop("fail_fast")
			}
		case <-ctxDone:
			ctxDone = nil
			r.report.Cancelled = true
			stop("aborted")
		}
	}
	wg.Wait()

	kind := model.KindDependencyFailed
	if stopping {
		kind = model.KindCancelled
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.report.Order {
		if ir := r.report.Items[id]; !model.IsWorkItemTerminal(ir.Status) {
			r.abandonLocked(id, &model.OutcomeError{Kind: kind, Message: "not started"})
		}
	}
}

// startReady starts ready items in execution order. An exclusive item needs
// the whole semaphore, so it waits for the running set to drain and blocks
// every later item until it finishes.
func (r *dispatchRun) startReady(ctx context.Context, wg *sync.WaitGroup) {
	for len(r.ready) > 0 {
		id := r.ready[0]
		item := r.items[id]
		weight := int64(1)
		if item.Parallelism == model.ParallelismExclusive {
			weight = int64(r.opts.MaxConcurrency)
		}
		if !r.sem.TryAcquire(weight) {
			return
		}
		r.ready = r.ready[1:]
		r.running[id] = weight

		ictx := ctx
		if item.MustComplete {
			ictx = context.WithoutCancel(ctx)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.runItem(ictx, item)
			r.done <- item.ID
		}()
	}
}

// settle unlocks dependents of a succeeded item, or abandons every
// transitive dependent of an abandoned one.
func (r *dispatchRun) settle(id string) {
	r.mu.Lock()
	status := r.report.Items[id].Status
	r.mu.Unlock()

	if status == model.WorkItemSucceeded {
		for _, dep := range r.dependents[id] {
			r.waiting[dep]--
			if r.waiting[dep] == 0 {
				r.ready = append(r.ready, dep)
			}
		}
		sort.SliceStable(r.ready, func(i, j int) bool { return r.index[r.ready[i]] < r.index[r.ready[j]] })
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	queue := append([]string(nil), r.dependents[id]...)
	for len(queue) > 0 {
		dep := queue[0]
		queue = queue[1:]
		if r.report.Items[dep].Status != model.WorkItemQueued {
			continue
		}
		r.abandonLocked(dep, &model.OutcomeError{
			Kind:    model.KindDependencyFailed,
			Message: fmt.Sprintf("dependency %q did not succeed", id),
		})
		queue = append(queue, r.dependents[dep]...)
	}
}

func (r *dispatchRun) cancelRunning(ctx context.Context, reason string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelRequestTimeout)
	defer cancel()
	for id := range r.running {
		if r.items[id].MustComplete {
			r.d.logger.Info(ctx, "letting must-complete item finish", zap.String("work_item_id", id), zap.String("reason", reason))
			continue
		}
		if err := r.exec.Cancel(cctx, id); err != nil {
			r.d.logger.Warn(ctx, "executor cancel failed", zap.String("work_item_id", id), zap.Error(err))
		}
	}
}

func (r *dispatchRun) results() []gate.ItemResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.report.Results()
}

func (r *dispatchRun) setStatus(id string, to model.WorkItemStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setStatusLocked(id, to)
}

func (r *dispatchRun) setStatusLocked(id string, to model.WorkItemStatus) {
	ir := r.report.Items[id]
	if err := model.ValidateWorkItemTransition(ir.Status, to); err != nil {
		r.d.logger.Error(context.Background(), "work item transition rejected", zap.String("work_item_id", id), zap.Error(err))
		return
	}
	ir.Status = to
}

func (r *dispatchRun) abandonLocked(id string, cause *model.OutcomeError) {
	r.setStatusLocked(id, model.WorkItemAbandoned)
	ir := r.report.Items[id]
	if ir.Error == nil || ir.Attempts == 0 {
		ir.Error = cause
	}
	r.d.metrics.Abandoned(string(ir.Error.Kind))
}

func (r *dispatchRun) record(out model.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.report.Outcomes = append(r.report.Outcomes, out)
	ir := r.report.Items[out.WorkItemID]
	ir.Attempts = out.Attempt
	last := out
	ir.Last = &last
	ir.Error = out.Error
	if r.opts.OnOutcome != nil {
		r.opts.OnOutcome(out)
	}
}

// runItem drives one item through its attempts:
// queued -> dispatched -> (failed -> retrying -> dispatched)* -> succeeded|abandoned.
func (r *dispatchRun) runItem(ctx context.Context, item model.WorkItem) {
	for attempt := 1; ; attempt++ {
		r.setStatus(item.ID, model.WorkItemDispatched)
		out, permanent := r.attempt(ctx, item, attempt)
		r.record(out)
		if out.Succeeded() {
			r.setStatus(item.ID, model.WorkItemSucceeded)
			return
		}
		r.setStatus(item.ID, model.WorkItemFailed)

		r.mu.Lock()
		ir := r.report.Items[item.ID]
		retriesUsed := ir.RetriesUsed
		retryable := !permanent && out.Error.Kind != model.KindCancelled && ctx.Err() == nil
		if !retryable || retriesUsed >= item.RetryBudget {
			r.abandonLocked(item.ID, out.Error)
			r.mu.Unlock()
			r.d.logger.Warn(ctx, "work item abandoned",
				zap.String("work_item_id", item.ID),
				zap.Int("attempt", attempt),
				zap.String("error_kind", string(out.Error.Kind)),
				zap.String("error", out.Error.Message))
			return
		}
		r.setStatusLocked(item.ID, model.WorkItemRetrying)
		ir.RetriesUsed++
		r.mu.Unlock()
		r.d.metrics.Retry()

		delay := Backoff(r.opts.BackoffBase, r.opts.BackoffMax, retriesUsed)
		r.d.logger.Info(ctx, "retrying work item",
			zap.String("work_item_id", item.ID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay))
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			r.mu.Lock()
			r.abandonLocked(item.ID, &model.OutcomeError{Kind: model.KindCancelled, Message: "cancelled while waiting to retry"})
			r.mu.Unlock()
			return
		}
	}
}

func (r *dispatchRun) attempt(ctx context.Context, item model.WorkItem, attempt int) (model.Outcome, bool) {
	timeout := item.Timeout
	if timeout == 0 {
		timeout = r.opts.DefaultTimeout
	}
	actx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		actx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	actx = logging.WithWorkItem(logging.WithPhaseID(actx, item.PhaseID), item.ID, attempt)
	actx, span := r.d.tracer.Start(actx, "dispatch.attempt",
		attribute.String("work_item_id", item.ID),
		attribute.String("phase_id", item.PhaseID),
		attribute.Int("attempt", attempt))

	started := time.Now()
	ch := make(chan Result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- Result{Err: Permanent(fmt.Errorf("executor panic: %v", p))}
			}
		}()
		ch <- r.exec.Run(actx, Request{RunID: r.opts.RunID, Item: item, Attempt: attempt})
	}()

	var res Result
	select {
	case res = <-ch:
	case <-actx.Done():
		cctx, ccancel := context.WithTimeout(context.WithoutCancel(actx), cancelRequestTimeout)
		if err := r.exec.Cancel(cctx, item.ID); err != nil {
			r.d.logger.Warn(actx, "executor cancel failed", zap.Error(err))
		}
		ccancel()
		res = Result{Err: actx.Err()}
	}
	elapsed := time.Since(started)

	out := model.Outcome{
		WorkItemID: item.ID,
		PhaseID:    item.PhaseID,
		Attempt:    attempt,
		Result:     res.Output,
		Duration:   elapsed,
		StartedAt:  started.UTC(),
	}
	for _, se := range res.SideEffects {
		se.RunID = r.opts.RunID
		se.PhaseID = item.PhaseID
		se.WorkItemID = item.ID
		out.SideEffects = append(out.SideEffects, se)
	}

	var err error
	if res.Err != nil {
		kind := model.KindExecution
		switch {
		case ctx.Err() != nil:
			kind = model.KindCancelled
		case actx.Err() == context.DeadlineExceeded, model.KindOf(res.Err) == model.KindTimeout:
			kind = model.KindTimeout
		}
		msg := res.Err.Error()
		if kind == model.KindTimeout && actx.Err() == context.DeadlineExceeded {
			msg = fmt.Sprintf("timed out after %s", timeout)
		}
		out.Error = &model.OutcomeError{Kind: kind, Message: msg}
		err = out.Error
	}
	tracing.End(span, err)

	result := "succeeded"
	if out.Error != nil {
		result = "failed"
		r.d.logger.Warn(actx, "work item attempt failed",
			zap.String("error_kind", string(out.Error.Kind)),
			zap.String("error", out.Error.Message),
			zap.Duration("duration", elapsed))
	} else {
		r.d.logger.Debug(actx, "work item attempt succeeded", zap.Duration("duration", elapsed))
	}
	errKind := ""
	if out.Error != nil {
		errKind = string(out.Error.Kind)
	}
	r.d.metrics.Attempt(result, errKind, elapsed)

	return out, IsPermanent(res.Err)
}
