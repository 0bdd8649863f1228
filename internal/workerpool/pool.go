// Package workerpool provides a bounded pool of execution units for
// blocking and CPU-heavy work, in two flavors: goroutine-backed workers
// and child-process workers speaking line-delimited JSON over stdio.
//
// Workers move STARTING -> IDLE <-> BUSY, may be parked HIBERNATING
// after prolonged idleness, and exit through STOPPING -> DEAD. Tasks
// move PENDING -> ACTIVE -> (COMPLETED | FAILED).
//
// Concurrency model: one mutex guards the task queue and the worker
// table, and one condition variable carries every wakeup. Idle workers
// waiting for tasks and callers waiting in AcquireWorker share the
// condition and re-check their own predicate after each wake, so every
// notification is a Broadcast. Task execution runs off-lock; only state
// transitions hold the mutex. Completing a task always notifies.
//
// File layout:
//
//	pool.go     Pool, Config, submit/result, acquire/release, loops
//	task.go     task states, TaskInfo, priority queue
//	worker.go   worker lifecycle and task execution
//	proc.go     process flavor: stdio protocol, child loop, parent handle
//	registry.go named function registry for cross-process dispatch
package workerpool

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/polystore/polystore/internal/debug"
	"github.com/polystore/polystore/internal/uuidv7"
)

var (
	// ErrPoolClosed is returned once Shutdown has begun.
	ErrPoolClosed = errors.New("worker pool closed")
	// ErrTimeout is returned when a task, result wait, or acquisition
	// deadline expires.
	ErrTimeout = errors.New("worker pool timeout")
	// ErrNoSuchTask is returned for an unknown or already claimed task id.
	ErrNoSuchTask = errors.New("no such task")
	// ErrNoSuchWorker is returned for an unknown worker id.
	ErrNoSuchWorker = errors.New("no such worker")
	// ErrNotLeased is returned when driving or releasing a worker that
	// was not acquired.
	ErrNotLeased = errors.New("worker not leased")
	// ErrUnknownFunc is returned for a name with no registered function.
	ErrUnknownFunc = errors.New("unknown function")
	// ErrWorkerCrashed reports that a process worker died mid-task.
	ErrWorkerCrashed = errors.New("worker crashed")
)

const (
	DefaultWorkerTTL           = 10 * time.Minute
	DefaultMaxTasksPerWorker   = 1000
	DefaultHealthCheckInterval = 30 * time.Second

	// healthProbeTimeout bounds one liveness probe; a worker that does
	// not answer within it is destroyed.
	healthProbeTimeout = 5 * time.Second
	// procStartTimeout bounds child startup and initializer calls.
	procStartTimeout = 30 * time.Second
	// resultTTL is how long an unclaimed terminal task is retained.
	resultTTL = 5 * time.Minute
)

// Flavor selects the execution backing for a pool's workers.
type Flavor int

const (
	// FlavorGoroutine runs tasks on goroutines in this process.
	FlavorGoroutine Flavor = iota
	// FlavorProcess runs tasks in child processes, for CPU-heavy work
	// that should not share this process.
	FlavorProcess
)

func (f Flavor) String() string {
	if f == FlavorProcess {
		return "process"
	}
	return "goroutine"
}

// Config controls pool sizing and lifecycle policy. The zero value is
// usable: one warm goroutine worker, growing to NumCPU on demand.
type Config struct {
	Flavor     Flavor
	MinWorkers int
	MaxWorkers int
	// WarmWorkers is the number of idle-or-hibernating slots the health
	// loop tries to keep free, capped at MaxWorkers.
	WarmWorkers int
	// WorkerTTL retires a worker at its next release once exceeded.
	WorkerTTL time.Duration
	// MaxTasksPerWorker retires a worker after that many tasks.
	MaxTasksPerWorker   int
	HealthCheckInterval time.Duration
	// HibernationDelay parks workers idle for at least this long. Zero
	// disables hibernation.
	HibernationDelay time.Duration

	// Init runs on the worker goroutine at start and again on wake from
	// hibernation. Goroutine flavor only.
	Init func(state map[string]any)
	// InitFunc is the registered name run inside a child worker at
	// start and on wake. Process flavor only.
	InitFunc string
	// Command is the argv of a child worker. Defaults to re-invoking
	// this binary with the worker subcommand.
	Command []string
	// Env is appended to the child environment.
	Env []string
}

func (c *Config) normalize() error {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = runtime.NumCPU()
	}
	if c.MinWorkers <= 0 {
		c.MinWorkers = 1
	}
	if c.MinWorkers > c.MaxWorkers {
		return fmt.Errorf("workerpool: min_workers %d exceeds max_workers %d", c.MinWorkers, c.MaxWorkers)
	}
	if c.WarmWorkers > c.MaxWorkers {
		c.WarmWorkers = c.MaxWorkers
	}
	if c.WorkerTTL == 0 {
		c.WorkerTTL = DefaultWorkerTTL
	}
	if c.MaxTasksPerWorker == 0 {
		c.MaxTasksPerWorker = DefaultMaxTasksPerWorker
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = DefaultHealthCheckInterval
	}
	return nil
}

// Pool is a bounded worker pool with priority scheduling, an explicit
// worker checkout protocol, and background health and hibernation
// maintenance.
type Pool struct {
	cfg Config

	mu        sync.Mutex
	available *sync.Cond

	workers map[string]*worker
	queue   taskQueue
	tasks   map[string]*TaskInfo
	seq     uint64
	active  int
	closed  bool

	completed  int64
	failed     int64
	taskTime   time.Duration
	lastHealth time.Time

	started time.Time
	baseCtx context.Context
	cancel  context.CancelFunc
	stopCh  chan struct{}
	loops   sync.WaitGroup
	wg      sync.WaitGroup
}

// New starts a pool with MinWorkers workers and its maintenance loops.
func New(cfg Config) (*Pool, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	p := &Pool{
		cfg:     cfg,
		workers: map[string]*worker{},
		tasks:   map[string]*TaskInfo{},
		started: time.Now(),
		stopCh:  make(chan struct{}),
	}
	p.available = sync.NewCond(&p.mu)
	p.baseCtx, p.cancel = context.WithCancel(context.Background())

	p.mu.Lock()
	for i := 0; i < cfg.MinWorkers; i++ {
		p.spawnLocked()
	}
	p.mu.Unlock()

	p.loops.Add(1)
	go p.healthLoop()
	if cfg.HibernationDelay > 0 {
		p.loops.Add(1)
		go p.hibernationLoop()
	}
	return p, nil
}

// Flavor reports the pool's execution backing.
func (p *Pool) Flavor() Flavor { return p.cfg.Flavor }

// Submit enqueues fn and returns its task id. Higher priority runs
// first; equal priorities run in submission order.
func (p *Pool) Submit(fn Func, opts ...TaskOption) (string, error) {
	if fn == nil {
		return "", fmt.Errorf("submit: nil function")
	}
	if p.cfg.Flavor == FlavorProcess {
		return "", fmt.Errorf("submit: process pools take named functions, use SubmitNamed")
	}
	t := newTask(opts)
	t.fn = fn
	return p.enqueue(t)
}

// SubmitNamed enqueues a registered function by name. Goroutine pools
// resolve the name at submission; process pools resolve it inside the
// child, where args and the result cross as JSON.
func (p *Pool) SubmitNamed(name string, args map[string]any, opts ...TaskOption) (string, error) {
	if p.cfg.Flavor == FlavorProcess {
		t := newTask(opts)
		t.name = name
		t.args = args
		return p.enqueue(t)
	}
	fn, ok := lookupFunc(name)
	if !ok {
		return "", fmt.Errorf("submit %q: %w", name, ErrUnknownFunc)
	}
	return p.Submit(func(ctx context.Context, state map[string]any) (any, error) {
		return fn(ctx, args, state)
	}, opts...)
}

func (p *Pool) enqueue(t *TaskInfo) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return "", ErrPoolClosed
	}
	t.seq = p.seq
	p.seq++
	heap.Push(&p.queue, t)
	p.tasks[t.ID] = t
	p.dispatchLocked()
	return t.ID, nil
}

// dispatchLocked makes sure a worker can pick up the queue head: wake a
// hibernator when nobody is idle, grow up to MaxWorkers, and notify.
func (p *Pool) dispatchLocked() {
	if p.idleLocked() == nil {
		if w := p.hibernatingLocked(); w != nil {
			p.wakeLocked(w)
		} else if len(p.workers) < p.cfg.MaxWorkers {
			p.spawnLocked()
		}
	}
	p.available.Broadcast()
}

// Result blocks until the task finishes and returns its value or error.
// A delivered result is claimed: the task id is forgotten afterwards.
// Unclaimed terminal tasks are dropped by the health loop after a
// retention window.
func (p *Pool) Result(ctx context.Context, taskID string) (any, error) {
	p.mu.Lock()
	t, ok := p.tasks[taskID]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNoSuchTask)
	}
	select {
	case <-t.done:
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("task %s: %w", taskID, ErrTimeout)
		}
		return nil, ctx.Err()
	}
	p.mu.Lock()
	delete(p.tasks, taskID)
	p.mu.Unlock()
	return t.value, t.Err
}

// Task returns a snapshot of a known task.
func (p *Pool) Task(taskID string) (TaskInfo, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tasks[taskID]
	if !ok {
		return TaskInfo{}, false
	}
	snap := *t
	snap.fn = nil
	snap.args = nil
	snap.ctx = nil
	snap.done = nil
	return snap, true
}

// AcquireWorker checks a worker out of the pool for exclusive use. It
// prefers an idle worker, then wakes a hibernating one, then grows the
// pool up to MaxWorkers, and otherwise waits for a release. The worker
// must be given back with ReleaseWorker.
func (p *Pool) AcquireWorker(ctx context.Context) (string, error) {
	stop := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		p.available.Broadcast()
		p.mu.Unlock()
	})
	defer stop()

	spawned := false
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if p.closed {
			return "", ErrPoolClosed
		}
		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return "", fmt.Errorf("acquire worker: %w", ErrTimeout)
			}
			return "", err
		}
		if w := p.idleLocked(); w != nil {
			p.leaseLocked(w)
			return w.id, nil
		}
		if w := p.hibernatingLocked(); w != nil {
			p.wakeLocked(w)
			p.leaseLocked(w)
			return w.id, nil
		}
		if !spawned && len(p.workers) < p.cfg.MaxWorkers {
			p.spawnLocked()
			spawned = true
		}
		p.available.Wait()
	}
}

// ReleaseWorker returns an acquired worker to the pool. Retirement
// policy is applied at release: TTL, task budget, and lifetime error
// rate above one half all retire the worker, and a replacement is
// spawned when the pool would drop below MinWorkers.
func (p *Pool) ReleaseWorker(workerID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	w, ok := p.workers[workerID]
	if !ok {
		return fmt.Errorf("worker %s: %w", workerID, ErrNoSuchWorker)
	}
	if !w.leased {
		return fmt.Errorf("worker %s: %w", workerID, ErrNotLeased)
	}
	w.leased = false
	w.state = workerIdle
	w.idleAt = time.Now()
	p.retireIfDueLocked(w)
	p.available.Broadcast()
	return nil
}

// Exec runs fn on an acquired worker and waits for it. Successive Exec
// calls on the same worker share its state map, which is what the
// checkout protocol exists for.
func (p *Pool) Exec(ctx context.Context, workerID string, fn Func) (any, error) {
	if fn == nil {
		return nil, fmt.Errorf("exec: nil function")
	}
	if p.cfg.Flavor == FlavorProcess {
		return nil, fmt.Errorf("exec: process pools take named functions")
	}
	t := newTask(nil)
	t.fn = fn
	t.ctx = ctx

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	w, ok := p.workers[workerID]
	if !ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("worker %s: %w", workerID, ErrNoSuchWorker)
	}
	if !w.leased {
		p.mu.Unlock()
		return nil, fmt.Errorf("worker %s: %w", workerID, ErrNotLeased)
	}
	if w.handoff != nil {
		p.mu.Unlock()
		return nil, fmt.Errorf("worker %s: handoff slot occupied", workerID)
	}
	w.handoff = t
	p.available.Broadcast()
	p.mu.Unlock()

	select {
	case <-t.done:
		return t.value, t.Err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("exec on %s: %w", workerID, ErrTimeout)
		}
		return nil, ctx.Err()
	}
}

// Shutdown stops the pool: pending tasks fail with ErrPoolClosed,
// running tasks are cancelled, and every worker is destroyed. It waits
// for workers until ctx expires, then kills remaining children.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.stopCh)
	for p.queue.Len() > 0 {
		t := popTask(&p.queue)
		t.State = TaskFailed
		t.Err = ErrPoolClosed
		t.FinishedAt = time.Now()
		p.failed++
		close(t.done)
	}
	for _, w := range p.workers {
		if w.state == workerHibernating {
			p.wakeLocked(w)
		}
	}
	p.available.Broadcast()
	p.mu.Unlock()

	p.cancel()
	p.loops.Wait()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		p.mu.Lock()
		for _, w := range p.workers {
			if w.proc != nil {
				w.proc.kill()
			}
		}
		p.mu.Unlock()
		return fmt.Errorf("worker pool shutdown: %w", ctx.Err())
	}
}

// Stats reports a point-in-time view of the pool.
type Stats struct {
	TotalWorkers       int
	IdleWorkers        int
	BusyWorkers        int
	HibernatingWorkers int
	PendingTasks       int
	ActiveTasks        int
	CompletedTasks     int64
	FailedTasks        int64
	AvgTaskTime        time.Duration
	Uptime             time.Duration
	LastHealthCheck    time.Time
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{
		TotalWorkers:    len(p.workers),
		PendingTasks:    p.queue.Len(),
		ActiveTasks:     p.active,
		CompletedTasks:  p.completed,
		FailedTasks:     p.failed,
		Uptime:          time.Since(p.started),
		LastHealthCheck: p.lastHealth,
	}
	for _, w := range p.workers {
		switch w.state {
		case workerIdle:
			s.IdleWorkers++
		case workerBusy:
			s.BusyWorkers++
		case workerHibernating:
			s.HibernatingWorkers++
		}
	}
	if n := p.completed + p.failed; n > 0 {
		s.AvgTaskTime = p.taskTime / time.Duration(n)
	}
	return s
}

func (p *Pool) spawnLocked() *worker {
	w := &worker{
		id:      uuidv7.NewPrefixed("worker"),
		state:   workerStarting,
		born:    time.Now(),
		scratch: map[string]any{},
	}
	p.workers[w.id] = w
	p.wg.Add(1)
	go p.runWorker(w)
	return w
}

func (p *Pool) ensureMinLocked() {
	if p.closed {
		return
	}
	for len(p.workers) < p.cfg.MinWorkers {
		p.spawnLocked()
	}
}

// warmLocked keeps WarmWorkers idle-or-hibernating slots free. Starting
// workers count as free so the loop does not overshoot.
func (p *Pool) warmLocked() {
	if p.closed || p.cfg.WarmWorkers <= 0 {
		return
	}
	free := 0
	for _, w := range p.workers {
		if w.leased {
			continue
		}
		switch w.state {
		case workerStarting, workerIdle, workerHibernating:
			free++
		}
	}
	for free < p.cfg.WarmWorkers && len(p.workers) < p.cfg.MaxWorkers {
		p.spawnLocked()
		free++
	}
}

func (p *Pool) idleLocked() *worker {
	for _, w := range p.workers {
		if w.state == workerIdle && !w.leased && !w.retire && w.handoff == nil {
			return w
		}
	}
	return nil
}

func (p *Pool) hibernatingLocked() *worker {
	for _, w := range p.workers {
		if w.state == workerHibernating && !w.leased && !w.retire {
			return w
		}
	}
	return nil
}

func (p *Pool) leaseLocked(w *worker) {
	w.leased = true
	w.state = workerBusy
}

func (p *Pool) wakeLocked(w *worker) {
	if w.state != workerHibernating {
		return
	}
	w.state = workerIdle
	w.idleAt = time.Now()
	w.reinit = true
	if w.proc != nil {
		if err := contProcess(w.proc.pid()); err != nil {
			debug.Logf("workerpool: wake %s: %v\n", w.id, err)
		}
	}
}

func (p *Pool) hibernateLocked(w *worker) {
	w.state = workerHibernating
	if w.proc != nil {
		if err := stopProcess(w.proc.pid()); err != nil {
			debug.Logf("workerpool: hibernate %s: %v\n", w.id, err)
		}
		return
	}
	clear(w.scratch)
}

func (p *Pool) retireIfDueLocked(w *worker) {
	if w.retire {
		return
	}
	switch {
	case p.cfg.WorkerTTL > 0 && time.Since(w.born) >= p.cfg.WorkerTTL:
	case p.cfg.MaxTasksPerWorker > 0 && w.tasks >= p.cfg.MaxTasksPerWorker:
	case w.tasks > 0 && float64(w.errors)/float64(w.tasks) > 0.5:
	default:
		return
	}
	w.retire = true
}

func (p *Pool) finishLocked(w *worker, t *TaskInfo, value any, err error) {
	t.FinishedAt = time.Now()
	w.tasks++
	if err != nil {
		w.errors++
		t.State = TaskFailed
		t.Err = err
		p.failed++
	} else {
		t.State = TaskCompleted
		t.value = value
		p.completed++
	}
	p.taskTime += t.FinishedAt.Sub(t.StartedAt)
	close(t.done)
}

func (p *Pool) healthLoop() {
	defer p.loops.Done()
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
		}
		p.healthCheck()
	}
}

// healthCheck probes idle workers, reaps dead hibernated children,
// drops stale unclaimed results, and restores MinWorkers and the warm
// slot target.
func (p *Pool) healthCheck() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	var idle []*worker
	for _, w := range p.workers {
		switch {
		case w.state == workerIdle && !w.leased && !w.retire:
			idle = append(idle, w)
		case w.state == workerHibernating && w.proc != nil && !processAlive(w.proc.pid()):
			w.retire = true
		}
	}
	for id, t := range p.tasks {
		if (t.State == TaskCompleted || t.State == TaskFailed) && time.Since(t.FinishedAt) > resultTTL {
			delete(p.tasks, id)
		}
	}
	p.lastHealth = time.Now()
	p.mu.Unlock()

	for _, w := range idle {
		if !p.probe(w) {
			debug.Logf("workerpool: worker %s unresponsive, destroying\n", w.id)
			p.destroy(w)
		}
	}

	p.mu.Lock()
	p.ensureMinLocked()
	p.warmLocked()
	p.available.Broadcast()
	p.mu.Unlock()
}

// probe hands the worker a trivial task and waits for it to answer.
// Workers that are no longer probeable (leased, busy, retiring) pass by
// definition.
func (p *Pool) probe(w *worker) bool {
	t := newTask(nil)
	t.ping = true
	t.timeout = healthProbeTimeout
	t.fn = func(ctx context.Context, _ map[string]any) (any, error) {
		return nil, nil
	}

	p.mu.Lock()
	if p.closed || w.state != workerIdle || w.leased || w.retire || w.handoff != nil {
		p.mu.Unlock()
		return true
	}
	w.handoff = t
	p.available.Broadcast()
	p.mu.Unlock()

	timer := time.NewTimer(healthProbeTimeout)
	defer timer.Stop()
	select {
	case <-t.done:
		return t.Err == nil
	case <-timer.C:
		p.mu.Lock()
		if w.handoff == t {
			w.handoff = nil
		}
		p.mu.Unlock()
		return false
	}
}

func (p *Pool) destroy(w *worker) {
	p.mu.Lock()
	w.retire = true
	proc := w.proc
	p.available.Broadcast()
	p.mu.Unlock()
	if proc != nil {
		proc.kill()
	}
}

func (p *Pool) hibernationLoop() {
	defer p.loops.Done()
	interval := p.cfg.HibernationDelay / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
		}
		p.mu.Lock()
		for _, w := range p.workers {
			if w.state == workerIdle && !w.leased && w.handoff == nil && time.Since(w.idleAt) >= p.cfg.HibernationDelay {
				p.hibernateLocked(w)
			}
		}
		p.mu.Unlock()
	}
}
