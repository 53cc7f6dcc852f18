package catalog

import (
	"sync"
	"time"
)

type TaskType int

const (
	TaskUnknown TaskType = iota
	TaskAlterTable
	TaskDeleteReplica
	TaskSplitTablet
	TaskBackfillIndex
	TaskLeaderStepDown
)

func (t TaskType) String() string {
	switch t {
	case TaskAlterTable:
		return "AlterTable"
	case TaskDeleteReplica:
		return "DeleteReplica"
	case TaskSplitTablet:
		return "SplitTablet"
	case TaskBackfillIndex:
		return "BackfillIndex"
	case TaskLeaderStepDown:
		return "LeaderStepDown"
	default:
		return "Unknown"
	}
}

type TaskState int

const (
	TaskWaiting TaskState = iota
	TaskRunning
	TaskComplete
	TaskFailed
	TaskAborted
)

func (s TaskState) String() string {
	switch s {
	case TaskWaiting:
		return "Waiting"
	case TaskRunning:
		return "Running"
	case TaskComplete:
		return "Complete"
	case TaskFailed:
		return "Failed"
	case TaskAborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

func (s TaskState) IsTerminal() bool {
	return s == TaskComplete || s == TaskFailed || s == TaskAborted
}

// MonitoredTask is a background operation attached to a table. The catalog
// only tracks and aborts tasks; running them is up to the owner.
//
// A task removes itself from its table with TableInfo.RemoveTask when it
// finishes, which takes the table lock. AbortAndReturnPrevState must therefore
// never be called with the table lock held.
type MonitoredTask interface {
	Type() TaskType
	Description() string
	StartedByLB() bool
	State() TaskState
	AbortAndReturnPrevState(err error) TaskState
}

// TaskRecord is an entry of the recent tasks history.
type TaskRecord struct {
	Task      MonitoredTask
	Submitted time.Time
}

// TasksTracker remembers the most recently registered tasks for diagnostics.
type TasksTracker struct {
	mu    sync.Mutex
	ring  []TaskRecord
	next  int
	count int
}

// NewTasksTracker returns a tracker holding up to capacity tasks. A zero
// capacity keeps nothing.
func NewTasksTracker(capacity int) *TasksTracker {
	if capacity < 0 {
		capacity = 0
	}
	return &TasksTracker{ring: make([]TaskRecord, capacity)}
}

func (t *TasksTracker) AddTask(task MonitoredTask) {
	if t == nil || len(t.ring) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ring[t.next] = TaskRecord{Task: task, Submitted: time.Now()}
	t.next = (t.next + 1) % len(t.ring)
	if t.count < len(t.ring) {
		t.count++
	}
}

// Tasks returns the tracked tasks, newest first.
func (t *TasksTracker) Tasks() []TaskRecord {
	if t == nil || len(t.ring) == 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TaskRecord, 0, t.count)
	for i := 1; i <= t.count; i++ {
		idx := (t.next - i + len(t.ring)) % len(t.ring)
		out = append(out, t.ring[idx])
	}
	return out
}
