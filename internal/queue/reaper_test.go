package queue

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ahelme/comfyume-v1/pkg/log"
)

func TestSweep_FailsOnlyStaleJobs(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	logger, _ := log.NewLogger(&log.Config{Level: "error"})

	stale := mustJob(t, "u1", PriorityNormal)
	fresh := mustJob(t, "u2", PriorityNormal)
	for _, j := range []*Job{stale, fresh} {
		if err := store.CreateJob(ctx, j); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
		if _, err := store.PopMinPending(ctx); err != nil {
			t.Fatalf("pop: %v", err)
		}
		if _, err := store.MoveToRunning(ctx, j.ID, "w1"); err != nil {
			t.Fatalf("MoveToRunning: %v", err)
		}
	}
	// 把 stale 在 running 集合中的分值拨回两小时前
	old := float64(time.Now().UTC().Add(-2*time.Hour).UnixNano()) / 1e9
	if err := store.rdb.ZAdd(ctx, keyRunning, redis.Z{Score: old, Member: stale.ID}).Err(); err != nil {
		t.Fatalf("rescore: %v", err)
	}

	r := NewReaper(store, time.Minute, time.Hour, logger)
	if n := r.Sweep(ctx); n != 1 {
		t.Fatalf("expected 1 reaped job, got %d", n)
	}

	got, _ := store.GetJob(ctx, stale.ID)
	if got.Status != StatusFailed || got.Error != staleJobError {
		t.Errorf("stale job should be failed with timeout error: %+v", got)
	}
	untouched, _ := store.GetJob(ctx, fresh.ID)
	if untouched.Status != StatusRunning {
		t.Errorf("fresh job must be untouched, got %s", untouched.Status)
	}
}

func TestSweep_ContinuesPastBrokenEntry(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	logger, _ := log.NewLogger(&log.Config{Level: "error"})

	// running 集合里塞一个没有记录的幽灵 ID，排在真实任务之前
	old := float64(time.Now().UTC().Add(-3*time.Hour).UnixNano()) / 1e9
	if err := store.rdb.ZAdd(ctx, keyRunning, redis.Z{Score: old, Member: "ghost"}).Err(); err != nil {
		t.Fatalf("zadd ghost: %v", err)
	}

	stale := mustJob(t, "u1", PriorityNormal)
	if err := store.CreateJob(ctx, stale); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if _, err := store.PopMinPending(ctx); err != nil {
		t.Fatalf("pop: %v", err)
	}
	if _, err := store.MoveToRunning(ctx, stale.ID, "w1"); err != nil {
		t.Fatalf("MoveToRunning: %v", err)
	}
	if err := store.rdb.ZAdd(ctx, keyRunning, redis.Z{Score: old + 1, Member: stale.ID}).Err(); err != nil {
		t.Fatalf("rescore: %v", err)
	}

	r := NewReaper(store, time.Minute, time.Hour, logger)
	if n := r.Sweep(ctx); n != 1 {
		t.Fatalf("sweep should process the real job despite the broken entry, reaped %d", n)
	}
	got, _ := store.GetJob(ctx, stale.ID)
	if got.Status != StatusFailed {
		t.Errorf("expected failed, got %s", got.Status)
	}
}

func TestReaper_StartStop(t *testing.T) {
	store, _ := newTestStore(t)
	logger, _ := log.NewLogger(&log.Config{Level: "error"})
	r := NewReaper(store, 10*time.Millisecond, time.Hour, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	time.Sleep(50 * time.Millisecond) // 跑几个空周期，不得 panic 或退出
	r.Stop()
}
