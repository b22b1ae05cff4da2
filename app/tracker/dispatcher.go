package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/syncs"

	"github.com/umputun/imggen/app/store"
)

// Creator makes job records
type Creator interface {
	Create(ctx context.Context, prompt string) (store.Job, error)
}

// Runner makes artifact for a job
type Runner interface {
	Run(ctx context.Context, job store.Job) error
}

// Dispatcher is the only place where workers are started. Submit creates the record and
// returns without waiting for the worker, backend latency never reaches the caller.
type Dispatcher struct {
	store    Creator
	runner   Runner
	degraded bool
	ctx      context.Context // workers are detached from request context, bound to process lifetime

	group  *syncs.SizedGroup // nil for unbounded mode
	wg     sync.WaitGroup
	active *inflight
}

// DispatcherParams defines dispatcher dependencies and options
type DispatcherParams struct {
	Store       Creator
	Worker      *Worker
	Runner      Runner // overrides Worker if set
	Concurrency int    // max concurrent workers, 0 for one goroutine per job
}

// NewDispatcher makes dispatcher. The ctx is passed to all workers, canceling it aborts in-flight backend calls.
func NewDispatcher(ctx context.Context, params DispatcherParams) *Dispatcher {
	res := &Dispatcher{store: params.Store, ctx: ctx, active: newInflight()}

	res.runner = params.Runner
	if res.runner == nil && params.Worker != nil {
		res.runner = params.Worker
	}
	if params.Worker != nil {
		res.degraded = params.Worker.Backend == nil || !params.Worker.Backend.Available()
	}
	if res.degraded {
		log.Printf("[WARN] backend is not configured, new jobs will stay pending")
	}

	if params.Concurrency > 0 {
		res.group = syncs.NewSizedGroup(params.Concurrency)
		log.Printf("[DEBUG] dispatcher limited to %d concurrent workers", params.Concurrency)
	}
	return res
}

// Submit creates a job record and starts its worker in background. Returns once the record is stored.
// Only store errors are returned, whatever happens in the worker is visible via the artifact only.
func (d *Dispatcher) Submit(ctx context.Context, prompt string) (store.Job, error) {
	job, err := d.store.Create(ctx, prompt)
	if err != nil {
		return store.Job{}, fmt.Errorf("failed to create job: %w", err)
	}
	d.dispatch(job)
	return job, nil
}

// Degraded reports if backend is unavailable and submitted jobs won't progress
func (d *Dispatcher) Degraded() bool {
	return d.degraded
}

// Inflight returns the number of workers not finished yet, including those waiting for a pool slot
func (d *Dispatcher) Inflight() int {
	return d.active.len()
}

// Wait blocks until all started workers are done
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// dispatch starts worker for the job unless one is already active for the same id
func (d *Dispatcher) dispatch(job store.Job) {
	if d.runner == nil {
		log.Printf("[WARN] no worker, job %d left pending", job.ID)
		return
	}
	if !d.active.add(job.ID) {
		log.Printf("[WARN] job %d already has active worker", job.ID)
		return
	}

	d.wg.Add(1)
	run := func(ctx context.Context) {
		defer d.wg.Done()
		defer d.active.remove(job.ID)
		if err := d.runner.Run(ctx, job); err != nil {
			log.Printf("[DEBUG] worker for job %d ended with %v", job.ID, err)
		}
	}

	if d.group != nil {
		d.group.Go(func(context.Context) { run(d.ctx) })
		return
	}
	go run(d.ctx)
}

// inflight is a thread safe set of job ids with active workers
type inflight struct {
	active map[int64]time.Time
	lock   sync.Mutex
}

func newInflight() *inflight {
	return &inflight{active: make(map[int64]time.Time)}
}

// add job id to the set, false if already in
func (f *inflight) add(id int64) bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	if _, found := f.active[id]; found {
		return false
	}
	f.active[id] = time.Now()
	return true
}

// remove job id from the set. Safe to call multiple times
func (f *inflight) remove(id int64) {
	f.lock.Lock()
	defer f.lock.Unlock()
	delete(f.active, id)
}

func (f *inflight) len() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return len(f.active)
}
