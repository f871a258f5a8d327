// Package tasks implements the per-tenant scheduled-task manager
// (spec.md §4.5), grounded on scheduled_task_manager.rs.
package tasks

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/scriptforge/scriptforge/internal/observability"
	"github.com/scriptforge/scriptforge/internal/store"
)

// NextActionKind mirrors the interval-timer manager's NextAction shape
// (the Rust source shares one NextTimerAction type between both managers).
type NextActionKind int

const (
	ActionNone NextActionKind = iota
	ActionWait
	ActionRun
)

type NextAction struct {
	Kind     NextActionKind
	Deadline time.Time
}

// Manager backs one-shot scheduled tasks entirely by storage: it caches a
// next-fire time, a locally pending set (not yet ack'd), and the set of
// task-bucket namespaces active scripts declare.
type Manager struct {
	store    store.Store
	tenantID uint64

	nextTaskTime    *time.Time // nil until init_next_task_time
	haveNextFetched bool
	pending         []uint64
	activeBuckets   []string
}

// New creates an empty Manager for one tenant.
func New(st store.Store, tenantID uint64) *Manager {
	return &Manager{store: st, tenantID: tenantID}
}

// InitNextTaskTime fetches and caches the next fire time if not already
// cached. On storage error it falls back to a 10-second retry deadline
// rather than blocking (scheduled_task_manager.rs's init_next_task_time).
// While no active bucket is declared there is no next task and storage is
// not queried.
func (m *Manager) InitNextTaskTime(ctx context.Context) {
	if m.haveNextFetched {
		return
	}
	if len(m.activeBuckets) == 0 {
		m.nextTaskTime = nil
		m.haveNextFetched = true
		return
	}

	t, err := m.store.NextTaskTime(ctx, m.tenantID, m.pending, m.activeBuckets)
	if err != nil {
		log.Printf("tasks: tenant %d: failed fetching next task time: %v", m.tenantID, err)
		fallback := time.Now().Add(10 * time.Second)
		m.nextTaskTime = &fallback
		m.haveNextFetched = true
		return
	}
	m.nextTaskTime = t
	m.haveNextFetched = true
}

// NextAction implements spec.md §4.5 next_action(), fetching the next fire
// time from storage first when it is not cached.
func (m *Manager) NextAction() NextAction {
	if !m.haveNextFetched {
		m.InitNextTaskTime(context.Background())
	}
	if m.nextTaskTime == nil {
		return NextAction{Kind: ActionNone}
	}
	if time.Now().After(*m.nextTaskTime) {
		return NextAction{Kind: ActionRun}
	}
	return NextAction{Kind: ActionWait, Deadline: *m.nextTaskTime}
}

// StartTriggeredTasks implements spec.md §4.5 trigger(): fetches due tasks
// excluding pending and restricted to active buckets, marks them pending,
// and clears the cached next-time so it is refetched. With no active bucket
// declared it returns nothing.
func (m *Manager) StartTriggeredTasks(ctx context.Context) []store.Task {
	if len(m.activeBuckets) == 0 {
		return nil
	}
	due, err := m.store.DueTasks(ctx, m.tenantID, time.Now(), m.pending, m.activeBuckets)
	if err != nil {
		log.Printf("tasks: tenant %d: failed fetching triggered tasks: %v", m.tenantID, err)
		return nil
	}

	for _, t := range due {
		m.pending = append(m.pending, t.ID)
	}
	m.clearNext()

	if len(due) > 0 {
		observability.TasksTriggered.WithLabelValues(fmt.Sprint(m.tenantID), due[0].Namespace).Add(float64(len(due)))
	}
	return due
}

// AckTriggeredTask implements spec.md §4.5 ack(): removes id from pending
// then deletes the storage row, retrying forever on transient failure
// (never drops per spec.md §7).
func (m *Manager) AckTriggeredTask(ctx context.Context, id uint64) {
	for i, p := range m.pending {
		if p == id {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			break
		}
	}

	go m.deleteWithRetry(ctx, id)
}

func (m *Manager) deleteWithRetry(ctx context.Context, id uint64) {
	for {
		err := m.store.DeleteTask(ctx, m.tenantID, id)
		if err == nil {
			return
		}
		log.Printf("tasks: tenant %d: retrying delete of task %d after storage error: %v", m.tenantID, id, err)
		observability.TaskStoreAckRetries.WithLabelValues("tasks").Inc()
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

// ScheduleRefresh nudges the manager to refetch its cached next-fire time,
// used when a TaskScheduled hint arrives from a worker or the RPC layer
// creates a task out of band (spec.md §4.8 NewTaskScheduled).
func (m *Manager) ScheduleRefresh() {
	m.clearNext()
}

func (m *Manager) clearNext() {
	m.nextTaskTime = nil
	m.haveNextFetched = false
}

// ScriptStarted registers newly declared task-bucket namespaces; a task is
// only dispatched once at least one loaded script declares its namespace
// (spec.md §4.5).
func (m *Manager) ScriptStarted(taskBuckets []string) {
	for _, b := range taskBuckets {
		found := false
		for _, existing := range m.activeBuckets {
			if existing == b {
				found = true
				break
			}
		}
		if !found {
			m.activeBuckets = append(m.activeBuckets, b)
		}
	}
	m.clearNext()
}

// CreateTask validates and inserts a task via the backing store, enforcing
// the size cap, count cap, and unique-key replace-on-conflict invariants
// (spec.md §3, §4.5, §8).
func (m *Manager) CreateTask(ctx context.Context, task store.Task) (store.Task, error) {
	task.TenantID = m.tenantID
	return m.store.CreateTask(ctx, task)
}
