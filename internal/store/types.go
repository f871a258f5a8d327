package store

import (
	"encoding/json"
	"errors"
	"time"
)

// MaxTaskDataBytes is the hard cap on a scheduled task's opaque data field
// (spec.md §3, §8 boundary behavior: 10 KB accepted, 10 001 rejected).
const MaxTaskDataBytes = 10_000

// MaxTasksPerTenant is the per-tenant count ceiling (spec.md §4.5).
const MaxTasksPerTenant = 100_000

// ErrTaskTooLarge is returned by CreateTask when data exceeds MaxTaskDataBytes.
var ErrTaskTooLarge = errors.New("store: task data exceeds maximum size")

// ErrTaskCapExceeded is returned by CreateTask when the tenant is at MaxTasksPerTenant.
var ErrTaskCapExceeded = errors.New("store: tenant task count at cap")

// ErrNotFound is returned by point lookups with no matching row.
var ErrNotFound = errors.New("store: not found")

// Script is the subset of a tenant's stored script visible to the core
// (spec.md §3).
type Script struct {
	ID             uint64
	TenantID       uint64
	PluginID       *uint64
	Name           string
	CompiledSource string
	Enabled        bool
}

// IntervalSpec is {Minutes(n)} or {Cron(expr)}, never both.
type IntervalSpec struct {
	Minutes  *uint64
	CronExpr *string
}

// IntervalTimer is one tenant's named recurring schedule (spec.md §3).
type IntervalTimer struct {
	TenantID uint64
	Name     string
	Interval IntervalSpec
	LastRun  time.Time
}

// Task is a one-shot future-dated scheduled task (spec.md §3).
type Task struct {
	ID        uint64
	TenantID  uint64
	Namespace string
	UniqueKey *string
	Data      json.RawMessage
	ExecuteAt time.Time
	PluginID  *uint64
}

// Validate enforces the data-size invariant; callers must call this before
// handing a Task to CreateTask.
func (t Task) Validate() error {
	if len(t.Data) > MaxTaskDataBytes {
		return ErrTaskTooLarge
	}
	return nil
}
