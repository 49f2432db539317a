package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ahelme/comfyume-v1/pkg/errors"
	"github.com/ahelme/comfyume-v1/pkg/log"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	logger, _ := log.NewLogger(&log.Config{Level: "error"})
	return NewStoreWithClient(rdb, logger), mr
}

func mustJob(t *testing.T, userID string, priority Priority) *Job {
	t.Helper()
	j, err := NewJob(userID, json.RawMessage(`{"1":{"class_type":"KSampler"}}`), nil, priority)
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}
	return j
}

func TestCreateAndGetJob(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	j := mustJob(t, "user001", PriorityNormal)
	if err := store.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	got, err := store.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.UserID != "user001" || got.Status != StatusPending || got.Priority != PriorityNormal {
		t.Errorf("unexpected job: %+v", got)
	}
	if got.StartedAt != nil || got.CompletedAt != nil {
		t.Errorf("timestamps should be unset at creation: %+v", got)
	}

	depth, err := store.QueueDepth(ctx)
	if err != nil || depth != 1 {
		t.Errorf("expected depth 1, got %d (err %v)", depth, err)
	}
}

func TestGetJob_NotFound(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	_, err := store.GetJob(ctx, "nope")
	if !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPopMinPending_PriorityOrder(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	// 按时间先后提交 low、high、normal，出队应为 high、normal、low
	low := mustJob(t, "u1", PriorityLow)
	high := mustJob(t, "u1", PriorityHigh)
	high.CreatedAt = low.CreatedAt.Add(time.Second)
	normal := mustJob(t, "u1", PriorityNormal)
	normal.CreatedAt = low.CreatedAt.Add(2 * time.Second)
	for _, j := range []*Job{low, high, normal} {
		if err := store.CreateJob(ctx, j); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
	}

	want := []string{high.ID, normal.ID, low.ID}
	for i, expected := range want {
		id, err := store.PopMinPending(ctx)
		if err != nil {
			t.Fatalf("PopMinPending: %v", err)
		}
		if id != expected {
			t.Errorf("pop %d: expected %s, got %s", i, expected, id)
		}
	}
}

func TestPopMinPending_FIFOTieBreak(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	first := mustJob(t, "u1", PriorityNormal)
	second := mustJob(t, "u2", PriorityNormal)
	second.CreatedAt = first.CreatedAt.Add(10 * time.Millisecond)
	for _, j := range []*Job{second, first} { // 乱序写入，分值决定顺序
		if err := store.CreateJob(ctx, j); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
	}

	id, _ := store.PopMinPending(ctx)
	if id != first.ID {
		t.Errorf("expected earlier job %s first, got %s", first.ID, id)
	}
}

func TestPopMinPending_ConcurrentNoDuplicates(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	const jobs = 5
	const pollers = 10
	for i := 0; i < jobs; i++ {
		j := mustJob(t, fmt.Sprintf("user%d", i), PriorityNormal)
		if err := store.CreateJob(ctx, j); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for i := 0; i < pollers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := store.PopMinPending(ctx)
			if err != nil {
				t.Errorf("PopMinPending: %v", err)
				return
			}
			if id != "" {
				mu.Lock()
				seen[id]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// min(N, M) 个不同任务，无重复无遗漏
	if len(seen) != jobs {
		t.Errorf("expected %d distinct jobs, got %d", jobs, len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("job %s dequeued %d times", id, n)
		}
	}
}

func TestClaimPending(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	j := mustJob(t, "u1", PriorityNormal)
	if err := store.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	claimed, err := store.ClaimPending(ctx, j.ID)
	if err != nil || !claimed {
		t.Fatalf("expected first claim to succeed, got claimed=%v err=%v", claimed, err)
	}
	claimed, err = store.ClaimPending(ctx, j.ID)
	if err != nil {
		t.Fatalf("second claim errored: %v", err)
	}
	if claimed {
		t.Error("second claim should fail, job already removed")
	}
}

func TestMoveToFailed_IdempotentCallbacks(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	j := mustJob(t, "u1", PriorityNormal)
	if err := store.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if _, err := store.PopMinPending(ctx); err != nil {
		t.Fatalf("pop: %v", err)
	}
	if _, err := store.MoveToRunning(ctx, j.ID, "w1"); err != nil {
		t.Fatalf("MoveToRunning: %v", err)
	}

	if err := store.MoveToFailed(ctx, j.ID, "boom"); err != nil {
		t.Fatalf("first fail: %v", err)
	}
	err := store.MoveToFailed(ctx, j.ID, "boom again")
	if !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("second fail should be ErrNotFound, got %v", err)
	}

	got, _ := store.GetJob(ctx, j.ID)
	if got.Status != StatusFailed || got.Error != "boom" {
		t.Errorf("terminal state must be unchanged by second call: %+v", got)
	}
}

func TestMoveToCompleted_CountsAndStats(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	j := mustJob(t, "u1", PriorityNormal)
	if err := store.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if _, err := store.PopMinPending(ctx); err != nil {
		t.Fatalf("pop: %v", err)
	}
	if _, err := store.MoveToRunning(ctx, j.ID, "w1"); err != nil {
		t.Fatalf("MoveToRunning: %v", err)
	}
	if err := store.MoveToCompleted(ctx, j.ID, json.RawMessage(`{"ok":true}`)); err != nil {
		t.Fatalf("MoveToCompleted: %v", err)
	}

	count, err := store.UserCompletedCount(ctx, "u1")
	if err != nil || count != 1 {
		t.Errorf("expected completed count 1, got %d (err %v)", count, err)
	}
	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Pending != 0 || stats.Running != 0 || stats.Completed != 1 || stats.Failed != 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	got, _ := store.GetJob(ctx, j.ID)
	if got.Status != StatusCompleted || got.CompletedAt == nil || len(got.Result) == 0 {
		t.Errorf("unexpected completed job: %+v", got)
	}
}

func TestHeartbeatExpiry(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t)

	if err := store.RefreshHeartbeat(ctx, "w1", 60*time.Second); err != nil {
		t.Fatalf("RefreshHeartbeat: %v", err)
	}
	alive, err := store.WorkerAlive(ctx, "w1")
	if err != nil || !alive {
		t.Fatalf("expected worker alive, got %v (err %v)", alive, err)
	}
	n, err := store.ActiveWorkers(ctx)
	if err != nil || n != 1 {
		t.Errorf("expected 1 active worker, got %d (err %v)", n, err)
	}

	mr.FastForward(61 * time.Second)

	alive, err = store.WorkerAlive(ctx, "w1")
	if err != nil {
		t.Fatalf("WorkerAlive: %v", err)
	}
	if alive {
		t.Error("worker should be presumed dead after heartbeat TTL")
	}
}

func TestPublishOnCreate(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	sub := store.Subscribe(ctx)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil { // 等待订阅确认
		t.Fatalf("subscribe: %v", err)
	}

	j := mustJob(t, "u1", PriorityNormal)
	if err := store.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	select {
	case msg := <-sub.Channel():
		var ev Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			t.Fatalf("unmarshal event: %v", err)
		}
		if ev.Type != EventJobCreated {
			t.Errorf("expected %s, got %s", EventJobCreated, ev.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
}

func TestPendingPosition(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	first := mustJob(t, "u1", PriorityNormal)
	second := mustJob(t, "u2", PriorityNormal)
	second.CreatedAt = first.CreatedAt.Add(time.Second)
	for _, j := range []*Job{first, second} {
		if err := store.CreateJob(ctx, j); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
	}

	pos, err := store.PendingPosition(ctx, second.ID)
	if err != nil || pos != 1 {
		t.Errorf("expected position 1, got %d (err %v)", pos, err)
	}
	pos, err = store.PendingPosition(ctx, "missing")
	if err != nil || pos != -1 {
		t.Errorf("expected -1 for missing job, got %d (err %v)", pos, err)
	}
}
