package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestMemoryStoreIntervalTimerLastRunNonDecreasing(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	minutes := uint64(5)
	if err := s.UpsertIntervalTimer(ctx, IntervalTimer{TenantID: 1, Name: "heartbeat", Interval: IntervalSpec{Minutes: &minutes}}); err != nil {
		t.Fatalf("UpsertIntervalTimer: %v", err)
	}

	first := time.Now()
	if err := s.UpdateIntervalTimerLastRun(ctx, 1, "heartbeat", first); err != nil {
		t.Fatalf("UpdateIntervalTimerLastRun: %v", err)
	}
	second := first.Add(5 * time.Minute)
	if err := s.UpdateIntervalTimerLastRun(ctx, 1, "heartbeat", second); err != nil {
		t.Fatalf("UpdateIntervalTimerLastRun: %v", err)
	}

	timers, err := s.ListIntervalTimers(ctx, 1)
	if err != nil {
		t.Fatalf("ListIntervalTimers: %v", err)
	}
	if len(timers) != 1 || !timers[0].LastRun.Equal(second) {
		t.Fatalf("timers = %+v, want one timer with LastRun = %v", timers, second)
	}
}

func TestMemoryStoreTaskDataSizeBoundary(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	accepted := Task{TenantID: 1, Namespace: "reminders", Data: json.RawMessage(make([]byte, MaxTaskDataBytes)), ExecuteAt: time.Now()}
	if err := accepted.Validate(); err != nil {
		t.Fatalf("Validate at exactly MaxTaskDataBytes: %v", err)
	}
	if _, err := s.CreateTask(ctx, accepted); err != nil {
		t.Fatalf("CreateTask at boundary: %v", err)
	}

	rejected := Task{TenantID: 1, Namespace: "reminders", Data: json.RawMessage(make([]byte, MaxTaskDataBytes+1)), ExecuteAt: time.Now()}
	if err := rejected.Validate(); err == nil {
		t.Fatal("Validate one byte over MaxTaskDataBytes should fail")
	}
}

func TestMemoryStoreUniqueKeyDedup(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	key := "daily-digest"
	first, err := s.CreateTask(ctx, Task{TenantID: 1, Namespace: "digests", UniqueKey: &key, ExecuteAt: time.Now()})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	later := time.Now().Add(time.Hour)
	second, err := s.CreateTask(ctx, Task{TenantID: 1, Namespace: "digests", UniqueKey: &key, ExecuteAt: later})
	if err != nil {
		t.Fatalf("CreateTask (replace): %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("replacing task with same unique_key changed ID: %d -> %d", first.ID, second.ID)
	}

	count, err := s.CountTasks(ctx, 1)
	if err != nil {
		t.Fatalf("CountTasks: %v", err)
	}
	if count != 1 {
		t.Errorf("CountTasks = %d, want 1 (replace, not append)", count)
	}
}

func TestMemoryStoreTaskCountCap(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for i := 0; i < MaxTasksPerTenant; i++ {
		if _, err := s.CreateTask(ctx, Task{TenantID: 1, Namespace: "bulk", ExecuteAt: time.Now()}); err != nil {
			t.Fatalf("CreateTask #%d: %v", i, err)
		}
	}

	if _, err := s.CreateTask(ctx, Task{TenantID: 1, Namespace: "bulk", ExecuteAt: time.Now()}); err != ErrTaskCapExceeded {
		t.Fatalf("CreateTask at cap = %v, want ErrTaskCapExceeded", err)
	}

	count, err := s.CountTasks(ctx, 1)
	if err != nil {
		t.Fatalf("CountTasks: %v", err)
	}
	if err := s.DeleteTask(ctx, 1, 1); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	afterDelete, err := s.CountTasks(ctx, 1)
	if err != nil {
		t.Fatalf("CountTasks after delete: %v", err)
	}
	if afterDelete != count-1 {
		t.Errorf("CountTasks after delete = %d, want %d", afterDelete, count-1)
	}

	if _, err := s.CreateTask(ctx, Task{TenantID: 1, Namespace: "bulk", ExecuteAt: time.Now()}); err != nil {
		t.Fatalf("CreateTask after deletion under cap: %v", err)
	}
}

func TestMemoryStoreBucketTTLExpiry(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.BucketSet(ctx, 1, "kv", "k", []byte("v"), time.Millisecond); err != nil {
		t.Fatalf("BucketSet: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	_, ok, err := s.BucketGet(ctx, 1, "kv", "k")
	if err != nil {
		t.Fatalf("BucketGet: %v", err)
	}
	if ok {
		t.Error("BucketGet returned a value past its TTL")
	}
}

func TestMemoryStoreDeleteMissingTaskIsNotError(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.DeleteTask(ctx, 1, 999); err != nil {
		t.Fatalf("DeleteTask on missing row: %v", err)
	}
}
