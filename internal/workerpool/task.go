package workerpool

import (
	"container/heap"
	"context"
	"time"

	"github.com/polystore/polystore/internal/uuidv7"
)

// TaskState tracks a task from PENDING through ACTIVE to a terminal
// COMPLETED or FAILED.
type TaskState int

const (
	TaskPending TaskState = iota
	TaskActive
	TaskCompleted
	TaskFailed
)

func (s TaskState) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskActive:
		return "active"
	case TaskCompleted:
		return "completed"
	case TaskFailed:
		return "failed"
	}
	return "unknown"
}

// Func is the unit of work executed on a worker. state is the worker's
// private scratch map. It persists across tasks on the same worker and
// is cleared when the worker hibernates.
type Func func(ctx context.Context, state map[string]any) (any, error)

// NamedFunc is a registered function addressable as "package:function".
// Process pools resolve the name inside the child, so args and the
// return value must survive a JSON round trip.
type NamedFunc func(ctx context.Context, args, state map[string]any) (any, error)

// TaskInfo records one submitted task. Err and the result value are set
// when the task reaches a terminal state; the pool mutex guards all
// other fields until then.
type TaskInfo struct {
	ID          string
	State       TaskState
	Priority    int
	SubmittedAt time.Time
	StartedAt   time.Time
	FinishedAt  time.Time
	Err         error

	value   any
	fn      Func
	name    string
	args    map[string]any
	timeout time.Duration
	ctx     context.Context
	ping    bool
	seq     uint64
	index   int
	done    chan struct{}
}

func newTask(opts []TaskOption) *TaskInfo {
	t := &TaskInfo{
		ID:          uuidv7.NewPrefixed("task"),
		State:       TaskPending,
		SubmittedAt: time.Now(),
		index:       -1,
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *TaskInfo) procFrame() frame {
	if t.ping {
		return frame{Op: opPing}
	}
	return frame{Op: opCall, ID: t.ID, Func: t.name, Args: t.args}
}

// TaskOption adjusts scheduling for a single submission.
type TaskOption func(*TaskInfo)

// WithPriority sets the task priority. Higher runs first; ties are FIFO.
func WithPriority(p int) TaskOption {
	return func(t *TaskInfo) { t.Priority = p }
}

// WithTimeout bounds the task's run, measured from submission. An
// expired task fails with ErrTimeout; a process worker still running it
// is killed.
func WithTimeout(d time.Duration) TaskOption {
	return func(t *TaskInfo) { t.timeout = d }
}

// taskQueue is a max-heap on priority, FIFO within a priority band.
type taskQueue []*TaskInfo

var _ heap.Interface = (*taskQueue)(nil)

func popTask(q *taskQueue) *TaskInfo {
	return heap.Pop(q).(*TaskInfo)
}

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].Priority != q[j].Priority {
		return q[i].Priority > q[j].Priority
	}
	return q[i].seq < q[j].seq
}

func (q taskQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *taskQueue) Push(x any) {
	t := x.(*TaskInfo)
	t.index = len(*q)
	*q = append(*q, t)
}

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*q = old[:n-1]
	return t
}
