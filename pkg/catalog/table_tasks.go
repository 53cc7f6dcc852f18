package catalog

import (
	"context"
	"log/slog"
	"time"

	"github.com/jpillora/backoff"

	"metacat/pkg/dberrors"
)

const (
	taskWaitMin    = 5 * time.Millisecond
	taskWaitMax    = 30 * time.Second
	taskWaitFactor = 1.25
)

// AddTask registers task with the table. A closing table does not accept
// tasks: the task is aborted with an Expired error instead, after the table
// lock is released.
func (t *TableInfo) AddTask(task MonitoredTask) {
	abort := false
	t.mu.Lock()
	if !t.closing {
		if len(t.pendingTasks) == 0 {
			t.tasksDrained = make(chan struct{})
		}
		t.pendingTasks[task] = struct{}{}
		t.tasksTracker.AddTask(task)
	} else {
		abort = true
	}
	t.mu.Unlock()

	// the task deregisters itself through RemoveTask, which takes t.mu
	if abort {
		task.AbortAndReturnPrevState(dberrors.Expiredf("table %s closing", t.id))
	}
}

// RemoveTask deregisters task and reports whether no tasks are left.
func (t *TableInfo) RemoveTask(task MonitoredTask) bool {
	t.mu.Lock()
	_, ok := t.pendingTasks[task]
	delete(t.pendingTasks, task)
	empty := len(t.pendingTasks) == 0
	if ok && empty {
		close(t.tasksDrained)
	}
	t.mu.Unlock()

	slog.Debug("removed task", "table_id", t.id, "task", task.Description())
	return empty
}

// AbortTasks aborts every pending task with an Aborted error.
func (t *TableInfo) AbortTasks() {
	t.abortTasksAndCloseIfRequested(false)
}

// AbortTasksAndClose marks the table closing, so no new task registers, and
// aborts every pending task with an Expired error.
func (t *TableInfo) AbortTasksAndClose() {
	t.abortTasksAndCloseIfRequested(true)
}

func (t *TableInfo) abortTasksAndCloseIfRequested(closeTable bool) {
	// Two phases: snapshot under the lock, abort outside of it. Aborting a
	// task can call back into RemoveTask.
	t.mu.Lock()
	if closeTable {
		t.closing = true
	}
	snapshot := make([]MonitoredTask, 0, len(t.pendingTasks))
	for task := range t.pendingTasks {
		snapshot = append(snapshot, task)
	}
	t.mu.Unlock()

	if len(snapshot) == 0 {
		return
	}
	var err error
	if closeTable {
		err = dberrors.Expiredf("table %s closing", t.id)
	} else {
		err = dberrors.Abortedf("table %s closing", t.id)
	}
	for _, task := range snapshot {
		slog.Debug("aborting task", "table_id", t.id, "close", closeTable, "task", task.Description())
		task.AbortAndReturnPrevState(err)
	}
}

// WaitTasksCompletion blocks until the table has no pending tasks or ctx is
// done. Tasks still pending are logged with a growing interval, at warning
// level once the interval reaches its cap.
func (t *TableInfo) WaitTasksCompletion(ctx context.Context) error {
	b := &backoff.Backoff{Min: taskWaitMin, Max: taskWaitMax, Factor: taskWaitFactor}
	for {
		wait := b.Duration()
		atMax := wait >= taskWaitMax
		debug := slog.Default().Enabled(ctx, slog.LevelDebug)

		t.mu.RLock()
		if len(t.pendingTasks) == 0 {
			t.mu.RUnlock()
			return nil
		}
		drained := t.tasksDrained
		var waiting []MonitoredTask
		if debug || atMax {
			for task := range t.pendingTasks {
				waiting = append(waiting, task)
			}
		}
		t.mu.RUnlock()

		for _, task := range waiting {
			if atMax {
				slog.Warn("long wait for aborting task", "table_id", t.id, "task", task.Description())
			} else {
				slog.Debug("waiting for aborting task", "table_id", t.id, "task", task.Description())
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-drained:
			timer.Stop()
			return nil
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// GetTasks returns a snapshot of the pending tasks.
func (t *TableInfo) GetTasks() []MonitoredTask {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]MonitoredTask, 0, len(t.pendingTasks))
	for task := range t.pendingTasks {
		out = append(out, task)
	}
	return out
}

func (t *TableInfo) NumTasks() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.pendingTasks)
}

// NumLBTasks counts pending tasks started by the load balancer.
func (t *TableInfo) NumLBTasks() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for task := range t.pendingTasks {
		if task.StartedByLB() {
			n++
		}
	}
	return n
}

func (t *TableInfo) HasTasks() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.pendingTasks) > 0
}

func (t *TableInfo) HasTasksOfType(typ TaskType) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for task := range t.pendingTasks {
		if task.Type() == typ {
			return true
		}
	}
	return false
}

func (t *TableInfo) IsClosing() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closing
}
