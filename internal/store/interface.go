// Package store specifies the storage capability set the scheduling core
// depends on, and pluggable backends for it (spec.md §9 "Polymorphism over
// Store"). The core never sees a concrete database; it only sees this
// interface, grounded on the teacher's control_plane/store.Store shape
// (method-set-per-concern, context-first signatures) but re-pointed at
// scripts/timers/tasks/bucket-KV per spec.md §3.
package store

import (
	"context"
	"time"
)

// Store is the capability set a GuildHandler's timer and task managers, and
// the scheduler's script loader, depend on.
type Store interface {
	// ListScripts returns every enabled-or-not script owned by tenant,
	// in no particular order.
	ListScripts(ctx context.Context, tenantID uint64) ([]Script, error)

	// ListIntervalTimers returns every interval timer a tenant has ever
	// registered, used by the timer manager's sync() on handler startup.
	ListIntervalTimers(ctx context.Context, tenantID uint64) ([]IntervalTimer, error)

	// UpsertIntervalTimer creates or overwrites a timer's spec, preserving
	// LastRun if the row already exists and the caller passes the zero time.
	UpsertIntervalTimer(ctx context.Context, timer IntervalTimer) error

	// UpdateIntervalTimerLastRun persists a new LastRun for an ack.
	UpdateIntervalTimerLastRun(ctx context.Context, tenantID uint64, name string, lastRun time.Time) error

	// CreateTask inserts a task, replacing any existing row with the same
	// (tenant, namespace, unique_key) when unique_key is set. Returns
	// ErrTaskTooLarge or ErrTaskCapExceeded on invariant violation.
	CreateTask(ctx context.Context, task Task) (Task, error)

	// NextTaskTime returns the earliest ExecuteAt among tasks not in
	// excludePending and whose Namespace is in activeBuckets (or any
	// namespace, if activeBuckets is empty meaning "none registered yet").
	// Returns (nil, nil) when there is no such task.
	NextTaskTime(ctx context.Context, tenantID uint64, excludePending []uint64, activeBuckets []string) (*time.Time, error)

	// DueTasks returns every task due at or before now, excluding
	// excludePending and restricted to activeBuckets.
	DueTasks(ctx context.Context, tenantID uint64, now time.Time, excludePending []uint64, activeBuckets []string) ([]Task, error)

	// DeleteTask removes a task row. Deleting a missing row is not an error
	// (the ack path must be idempotent under retry).
	DeleteTask(ctx context.Context, tenantID uint64, taskID uint64) error

	// CountTasks reports the current per-tenant row count, for enforcing
	// MaxTasksPerTenant.
	CountTasks(ctx context.Context, tenantID uint64) (int, error)

	// BucketGet/Set/Delete/List implement the per-tenant/per-namespace KV
	// scripts use for persisted state outside tasks and timers (SPEC_FULL
	// §3 storage supplement, grounded on original_source's bucketstore).
	BucketGet(ctx context.Context, tenantID uint64, namespace, key string) ([]byte, bool, error)
	BucketSet(ctx context.Context, tenantID uint64, namespace, key string, value []byte, ttl time.Duration) error
	BucketDelete(ctx context.Context, tenantID uint64, namespace, key string) error
	BucketList(ctx context.Context, tenantID uint64, namespace string) ([]string, error)
}
