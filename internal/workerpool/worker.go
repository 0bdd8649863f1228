package workerpool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/polystore/polystore/internal/debug"
	"github.com/polystore/polystore/internal/uuidv7"
)

type workerState int

const (
	workerStarting workerState = iota
	workerIdle
	workerBusy
	workerHibernating
	workerStopping
	workerDead
)

func (s workerState) String() string {
	switch s {
	case workerStarting:
		return "starting"
	case workerIdle:
		return "idle"
	case workerBusy:
		return "busy"
	case workerHibernating:
		return "hibernating"
	case workerStopping:
		return "stopping"
	case workerDead:
		return "dead"
	}
	return "unknown"
}

// worker is one execution slot. The pool mutex guards every field
// except scratch, which is owned by the worker goroutine while a task
// runs, and proc, which is written once before the worker goes idle.
type worker struct {
	id      string
	state   workerState
	born    time.Time
	idleAt  time.Time
	tasks   int
	errors  int
	leased  bool
	reinit  bool
	retire  bool
	handoff *TaskInfo
	scratch map[string]any
	proc    *procWorker
}

// runWorker is the worker goroutine. It initializes the worker, then
// loops on the shared condition: picking up a handoff when one is set,
// otherwise draining the queue, until shutdown or retirement.
func (p *Pool) runWorker(w *worker) {
	defer p.wg.Done()

	if err := p.initWorker(w); err != nil {
		debug.Logf("workerpool: start %s: %v\n", w.id, err)
		p.mu.Lock()
		delete(p.workers, w.id)
		p.available.Broadcast()
		p.mu.Unlock()
		return
	}

	p.mu.Lock()
	w.state = workerIdle
	w.idleAt = time.Now()
	p.available.Broadcast()

	for {
		for !p.closed && !w.retire && w.handoff == nil && (w.leased || w.state == workerHibernating || p.queue.Len() == 0) {
			p.available.Wait()
		}
		if p.closed || w.retire {
			break
		}
		var t *TaskInfo
		if w.handoff != nil {
			t = w.handoff
			w.handoff = nil
		} else {
			t = popTask(&p.queue)
		}
		w.state = workerBusy
		t.State = TaskActive
		t.StartedAt = time.Now()
		p.active++
		reinit := w.reinit
		w.reinit = false
		p.mu.Unlock()

		if reinit {
			p.reinitWorker(w)
		}
		value, err := p.execute(w, t)

		p.mu.Lock()
		p.active--
		p.finishLocked(w, t, value, err)
		if errors.Is(err, ErrWorkerCrashed) || (w.proc != nil && w.proc.gone()) {
			w.retire = true
		}
		if w.leased {
			w.state = workerBusy
		} else {
			w.state = workerIdle
			w.idleAt = time.Now()
			p.retireIfDueLocked(w)
		}
		p.available.Broadcast()
	}

	w.state = workerStopping
	delete(p.workers, w.id)
	if t := w.handoff; t != nil {
		w.handoff = nil
		cause := error(ErrWorkerCrashed)
		if p.closed {
			cause = ErrPoolClosed
		}
		t.State = TaskFailed
		t.Err = cause
		t.FinishedAt = time.Now()
		p.failed++
		close(t.done)
	}
	if !p.closed {
		p.ensureMinLocked()
	}
	proc := w.proc
	p.available.Broadcast()
	p.mu.Unlock()

	if proc != nil {
		proc.stop()
	}
	p.mu.Lock()
	w.state = workerDead
	p.mu.Unlock()
}

func (p *Pool) initWorker(w *worker) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker init panicked: %v", r)
		}
	}()
	if p.cfg.Flavor == FlavorProcess {
		proc, err := startProc(p.cfg.Command, p.cfg.Env)
		if err != nil {
			return err
		}
		w.proc = proc
		if p.cfg.InitFunc != "" {
			ctx, cancel := context.WithTimeout(p.baseCtx, procStartTimeout)
			defer cancel()
			fr := frame{Op: opCall, ID: uuidv7.NewPrefixed("task"), Func: p.cfg.InitFunc}
			if _, err := proc.roundTrip(ctx, fr); err != nil {
				proc.stop()
				w.proc = nil
				return fmt.Errorf("worker init %s: %w", p.cfg.InitFunc, err)
			}
		}
		return nil
	}
	if p.cfg.Init != nil {
		p.cfg.Init(w.scratch)
	}
	return nil
}

// reinitWorker re-runs the initializer after a hibernation wake.
func (p *Pool) reinitWorker(w *worker) {
	defer func() {
		if r := recover(); r != nil {
			debug.Logf("workerpool: reinit %s panicked: %v\n", w.id, r)
		}
	}()
	if w.proc != nil {
		if p.cfg.InitFunc == "" {
			return
		}
		ctx, cancel := context.WithTimeout(p.baseCtx, procStartTimeout)
		defer cancel()
		fr := frame{Op: opCall, ID: uuidv7.NewPrefixed("task"), Func: p.cfg.InitFunc}
		if _, err := w.proc.roundTrip(ctx, fr); err != nil {
			debug.Logf("workerpool: reinit %s: %v\n", w.id, err)
		}
		return
	}
	if p.cfg.Init != nil {
		p.cfg.Init(w.scratch)
	}
}

// execute runs one task off-lock. A panic fails the task and marks the
// worker for retirement.
func (p *Pool) execute(w *worker, t *TaskInfo) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = fmt.Errorf("worker %s panicked: %v", w.id, r)
			p.mu.Lock()
			w.retire = true
			p.mu.Unlock()
		}
	}()
	ctx := p.baseCtx
	if t.ctx != nil {
		ctx = t.ctx
	}
	if t.timeout > 0 {
		deadline := t.SubmittedAt.Add(t.timeout)
		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("task %s expired before start: %w", t.ID, ErrTimeout)
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}
	if w.proc != nil {
		return w.proc.roundTrip(ctx, t.procFrame())
	}
	return t.fn(ctx, w.scratch)
}
