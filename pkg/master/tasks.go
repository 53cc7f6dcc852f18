package master

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jpillora/backoff"

	"metacat/pkg/catalog"
	"metacat/pkg/cluster"
	"metacat/pkg/dberrors"
	"metacat/pkg/types"
)

// tabletTask sends one RPC to a tablet server on behalf of a table and
// retries it until it succeeds, runs out of attempts or is aborted.
type tabletTask struct {
	cm       *CatalogManager
	table    *catalog.TableInfo
	typ      catalog.TaskType
	tabletID types.TabletID
	// picks the target server for every attempt; a leader may move between retries
	target func() (*cluster.TSDescriptor, error)
	rpc    func(ctx context.Context, ts *cluster.TSDescriptor) error
	// runs once after a successful RPC, outside of any table lock
	onSuccess func(ts *cluster.TSDescriptor)
	// runs once when the task fails or is aborted
	onFailure func(err error)

	startedByLB bool

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	state catalog.TaskState
	err   error
}

func (cm *CatalogManager) newTabletTask(table *catalog.TableInfo, typ catalog.TaskType, tabletID types.TabletID) *tabletTask {
	ctx, cancel := context.WithCancel(cm.tasksCtx)
	return &tabletTask{
		cm:       cm,
		table:    table,
		typ:      typ,
		tabletID: tabletID,
		ctx:      ctx,
		cancel:   cancel,
		state:    catalog.TaskWaiting,
	}
}

func (t *tabletTask) Type() catalog.TaskType { return t.typ }

func (t *tabletTask) Description() string {
	return fmt.Sprintf("%s RPC for tablet %s of table %s", t.typ, t.tabletID, t.table.ID())
}

func (t *tabletTask) StartedByLB() bool { return t.startedByLB }

func (t *tabletTask) State() catalog.TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *tabletTask) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// AbortAndReturnPrevState stops the retry loop. The goroutine deregisters
// the task once it notices.
func (t *tabletTask) AbortAndReturnPrevState(err error) catalog.TaskState {
	t.mu.Lock()
	prev := t.state
	if prev.IsTerminal() {
		t.mu.Unlock()
		return prev
	}
	if prev == catalog.TaskWaiting {
		// never started: finish right here
		t.state = catalog.TaskAborted
		t.err = err
		t.mu.Unlock()
		t.cancel()
		t.done(catalog.TaskAborted, err)
		return prev
	}
	t.err = err
	t.mu.Unlock()
	t.cancel()
	return prev
}

// start registers the task with its table and runs it in the background.
func (t *tabletTask) start() {
	t.table.AddTask(t)
	if t.State().IsTerminal() {
		// the table is closing and aborted the task on registration
		return
	}
	t.cm.tasksWG.Add(1)
	go func() {
		defer t.cm.tasksWG.Done()
		t.run()
	}()
}

func (t *tabletTask) run() {
	t.mu.Lock()
	if t.state != catalog.TaskWaiting {
		t.mu.Unlock()
		return
	}
	t.state = catalog.TaskRunning
	t.mu.Unlock()

	b := &backoff.Backoff{Min: t.cm.cfg.TaskRetryMin, Max: t.cm.cfg.TaskRetryMax, Factor: 2, Jitter: true}
	attempts := max(t.cm.cfg.TaskMaxAttempts, 1)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if t.ctx.Err() != nil {
			t.finish(catalog.TaskAborted, t.abortCause())
			return
		}

		ts, err := t.target()
		if err == nil {
			err = t.rpc(t.ctx, ts)
		}
		if err == nil {
			if t.onSuccess != nil {
				t.onSuccess(ts)
			}
			t.finish(catalog.TaskComplete, nil)
			return
		}
		lastErr = err
		slog.Debug("task attempt failed",
			"task", t.Description(),
			"attempt", attempt,
			"error", err)

		if attempt == attempts {
			break
		}
		timer := time.NewTimer(b.Duration())
		select {
		case <-t.ctx.Done():
			timer.Stop()
			t.finish(catalog.TaskAborted, t.abortCause())
			return
		case <-timer.C:
		}
	}

	err := errors.Wrapf(lastErr, "%s failed after %d attempts", t.Description(), attempts)
	slog.Warn("task failed", "task", t.Description(), "error", err)
	t.finish(catalog.TaskFailed, err)
}

func (t *tabletTask) abortCause() error {
	if err := t.Err(); err != nil {
		return err
	}
	return dberrors.Abortedf("%s aborted", t.Description())
}

func (t *tabletTask) finish(state catalog.TaskState, err error) {
	t.mu.Lock()
	t.state = state
	if err != nil {
		t.err = err
	}
	t.mu.Unlock()
	t.cancel()
	t.done(state, err)
}

// done runs the failure callback before the task leaves its table, so a
// table without tasks has no callbacks pending.
func (t *tabletTask) done(state catalog.TaskState, err error) {
	if state != catalog.TaskComplete && t.onFailure != nil {
		t.onFailure(err)
	}
	t.table.RemoveTask(t)
	t.cm.metrics.IncTask(t.typ.String(), state.String())
}

// leaderOf targets the current leader of tablet.
func leaderOf(tablet *catalog.TabletInfo) func() (*cluster.TSDescriptor, error) {
	return tablet.GetLeader
}

// server targets a fixed tablet server.
func (cm *CatalogManager) server(id types.TabletServerID) func() (*cluster.TSDescriptor, error) {
	return func() (*cluster.TSDescriptor, error) {
		ts, ok := cm.tservers.Lookup(id)
		if !ok {
			return nil, dberrors.NotFoundf("tablet server %s is not registered", id)
		}
		return ts, nil
	}
}
