package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and by cmd/scheduler
// when no --database-url is configured. Grounded on the teacher's habit of
// keeping a Store implementation per backend (postgres.go, redis.go) with
// the same method set; this is the in-memory third.
type MemoryStore struct {
	mu sync.Mutex

	scripts map[uint64][]Script
	timers  map[uint64]map[string]IntervalTimer
	tasks   map[uint64]map[uint64]Task
	taskIDGen uint64

	buckets map[bucketKey]bucketEntry
}

type bucketKey struct {
	tenantID  uint64
	namespace string
	key       string
}

type bucketEntry struct {
	value     []byte
	expiresAt time.Time // zero means no TTL
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		scripts: make(map[uint64][]Script),
		timers:  make(map[uint64]map[string]IntervalTimer),
		tasks:   make(map[uint64]map[uint64]Task),
		buckets: make(map[bucketKey]bucketEntry),
	}
}

// SeedScripts installs a tenant's script set for tests and local runs.
func (s *MemoryStore) SeedScripts(tenantID uint64, scripts []Script) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[tenantID] = scripts
}

func (s *MemoryStore) ListScripts(ctx context.Context, tenantID uint64) ([]Script, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Script, len(s.scripts[tenantID]))
	copy(out, s.scripts[tenantID])
	return out, nil
}

func (s *MemoryStore) ListIntervalTimers(ctx context.Context, tenantID uint64) ([]IntervalTimer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []IntervalTimer
	for _, t := range s.timers[tenantID] {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) UpsertIntervalTimer(ctx context.Context, timer IntervalTimer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byName, ok := s.timers[timer.TenantID]
	if !ok {
		byName = make(map[string]IntervalTimer)
		s.timers[timer.TenantID] = byName
	}
	if existing, ok := byName[timer.Name]; ok && timer.LastRun.IsZero() {
		timer.LastRun = existing.LastRun
	}
	byName[timer.Name] = timer
	return nil
}

func (s *MemoryStore) UpdateIntervalTimerLastRun(ctx context.Context, tenantID uint64, name string, lastRun time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byName, ok := s.timers[tenantID]
	if !ok {
		return ErrNotFound
	}
	t, ok := byName[name]
	if !ok {
		return ErrNotFound
	}
	t.LastRun = lastRun
	byName[name] = t
	return nil
}

func (s *MemoryStore) CreateTask(ctx context.Context, task Task) (Task, error) {
	if err := task.Validate(); err != nil {
		return Task{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	byID, ok := s.tasks[task.TenantID]
	if !ok {
		byID = make(map[uint64]Task)
		s.tasks[task.TenantID] = byID
	}

	if task.UniqueKey != nil {
		for id, existing := range byID {
			if existing.Namespace == task.Namespace && existing.UniqueKey != nil && *existing.UniqueKey == *task.UniqueKey {
				task.ID = id
				byID[id] = task
				return task, nil
			}
		}
	}

	if len(byID) >= MaxTasksPerTenant {
		return Task{}, ErrTaskCapExceeded
	}

	s.taskIDGen++
	task.ID = s.taskIDGen
	byID[task.ID] = task
	return task, nil
}

func (s *MemoryStore) tasksFiltered(tenantID uint64, excludePending []uint64, activeBuckets []string) []Task {
	excluded := make(map[uint64]bool, len(excludePending))
	for _, id := range excludePending {
		excluded[id] = true
	}
	var bucketFilter map[string]bool
	if len(activeBuckets) > 0 {
		bucketFilter = make(map[string]bool, len(activeBuckets))
		for _, b := range activeBuckets {
			bucketFilter[b] = true
		}
	}

	var out []Task
	for id, t := range s.tasks[tenantID] {
		if excluded[id] {
			continue
		}
		if bucketFilter != nil && !bucketFilter[t.Namespace] {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecuteAt.Before(out[j].ExecuteAt) })
	return out
}

func (s *MemoryStore) NextTaskTime(ctx context.Context, tenantID uint64, excludePending []uint64, activeBuckets []string) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks := s.tasksFiltered(tenantID, excludePending, activeBuckets)
	if len(tasks) == 0 {
		return nil, nil
	}
	t := tasks[0].ExecuteAt
	return &t, nil
}

func (s *MemoryStore) DueTasks(ctx context.Context, tenantID uint64, now time.Time, excludePending []uint64, activeBuckets []string) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []Task
	for _, t := range s.tasksFiltered(tenantID, excludePending, activeBuckets) {
		if !t.ExecuteAt.After(now) {
			due = append(due, t)
		}
	}
	return due, nil
}

func (s *MemoryStore) DeleteTask(ctx context.Context, tenantID uint64, taskID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if byID, ok := s.tasks[tenantID]; ok {
		delete(byID, taskID)
	}
	return nil
}

func (s *MemoryStore) CountTasks(ctx context.Context, tenantID uint64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks[tenantID]), nil
}

func (s *MemoryStore) BucketGet(ctx context.Context, tenantID uint64, namespace, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.buckets[bucketKey{tenantID, namespace, key}]
	if !ok {
		return nil, false, nil
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		delete(s.buckets, bucketKey{tenantID, namespace, key})
		return nil, false, nil
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true, nil
}

func (s *MemoryStore) BucketSet(ctx context.Context, tenantID uint64, namespace, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	v := make([]byte, len(value))
	copy(v, value)
	s.buckets[bucketKey{tenantID, namespace, key}] = bucketEntry{value: v, expiresAt: expiresAt}
	return nil
}

func (s *MemoryStore) BucketDelete(ctx context.Context, tenantID uint64, namespace, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buckets, bucketKey{tenantID, namespace, key})
	return nil
}

func (s *MemoryStore) BucketList(ctx context.Context, tenantID uint64, namespace string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for k := range s.buckets {
		if k.tenantID == tenantID && k.namespace == namespace {
			out = append(out, k.key)
		}
	}
	sort.Strings(out)
	return out, nil
}
