package http

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/ut"
	"github.com/redis/go-redis/v9"

	"github.com/ahelme/comfyume-v1/internal/queue"
	"github.com/ahelme/comfyume-v1/pkg/log"
)

func newTestServer(t *testing.T, mode queue.Mode, maxDepth int) (*server.Hertz, *queue.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	logger, _ := log.NewLogger(&log.Config{Level: "error"})
	store := queue.NewStoreWithClient(rdb, logger)
	d := queue.NewDispatcher(store, queue.DispatcherConfig{
		Mode:         mode,
		MaxDepth:     maxDepth,
		HeartbeatTTL: time.Minute,
	}, logger)
	h := NewHandler(d, store, nil, "redis", logger)

	s := server.Default(server.WithHostPorts(":0"))
	NewRouter(h, nil).Register(s)
	return s, store
}

func doJSON(t *testing.T, s *server.Hertz, method, path string, payload interface{}) *ut.ResponseRecorder {
	t.Helper()
	var body *ut.Body
	var headers []ut.Header
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = &ut.Body{Body: bytes.NewBuffer(raw), Len: len(raw)}
		headers = append(headers, ut.Header{Key: "Content-Type", Value: "application/json"})
	}
	return ut.PerformRequest(s.Engine, method, path, body, headers...)
}

func decodeBody(t *testing.T, w *ut.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Result().Body(), out); err != nil {
		t.Fatalf("decode response: %v (%s)", err, w.Result().Body())
	}
}

var submitBody = map[string]interface{}{
	"user_id":  "user001",
	"workflow": json.RawMessage(`{"1":{"class_type":"KSampler"}}`),
}

func TestSubmitJob_CreatedWithPosition(t *testing.T) {
	s, _ := newTestServer(t, queue.ModeFIFO, 0)

	w := doJSON(t, s, "POST", "/api/jobs", submitBody)
	if w.Result().StatusCode() != 201 {
		t.Fatalf("status = %d, body %s", w.Result().StatusCode(), w.Result().Body())
	}
	w2 := doJSON(t, s, "POST", "/api/jobs", submitBody)

	var resp struct {
		ID              string `json:"id"`
		Status          string `json:"status"`
		PositionInQueue *int64 `json:"position_in_queue"`
	}
	decodeBody(t, w2, &resp)
	if resp.ID == "" || resp.Status != string(queue.StatusPending) {
		t.Errorf("unexpected job response: %+v", resp)
	}
	if resp.PositionInQueue == nil || *resp.PositionInQueue != 1 {
		t.Errorf("second submission should queue at position 1, got %v", resp.PositionInQueue)
	}
}

func TestSubmitJob_Validation(t *testing.T) {
	s, _ := newTestServer(t, queue.ModeFIFO, 0)
	w := doJSON(t, s, "POST", "/api/jobs", map[string]interface{}{
		"user_id":  "../../etc",
		"workflow": json.RawMessage(`{"1":{}}`),
	})
	if w.Result().StatusCode() != 400 {
		t.Errorf("status = %d, want 400", w.Result().StatusCode())
	}
}

func TestSubmitJob_CapacityExceeded(t *testing.T) {
	s, _ := newTestServer(t, queue.ModeFIFO, 2)
	for i := 0; i < 2; i++ {
		if w := doJSON(t, s, "POST", "/api/jobs", submitBody); w.Result().StatusCode() != 201 {
			t.Fatalf("submit %d: status %d", i, w.Result().StatusCode())
		}
	}
	w := doJSON(t, s, "POST", "/api/jobs", submitBody)
	if w.Result().StatusCode() != 429 {
		t.Errorf("status = %d, want 429", w.Result().StatusCode())
	}
}

func TestGetJob_NotFound(t *testing.T) {
	s, _ := newTestServer(t, queue.ModeFIFO, 0)
	w := doJSON(t, s, "GET", "/api/jobs/no-such-id", nil)
	if w.Result().StatusCode() != 404 {
		t.Errorf("status = %d, want 404", w.Result().StatusCode())
	}
}

func TestWorkerFlow_CompleteIsIdempotent(t *testing.T) {
	s, _ := newTestServer(t, queue.ModeFIFO, 0)

	var created struct {
		ID string `json:"id"`
	}
	decodeBody(t, doJSON(t, s, "POST", "/api/jobs", submitBody), &created)

	w := doJSON(t, s, "GET", "/api/workers/next-job?worker_id=w1", nil)
	var pulled struct {
		Job *queue.Job `json:"job"`
	}
	decodeBody(t, w, &pulled)
	if pulled.Job == nil || pulled.Job.ID != created.ID {
		t.Fatalf("expected job %s, got %+v", created.ID, pulled.Job)
	}
	if pulled.Job.Status != queue.StatusRunning || pulled.Job.WorkerID != "w1" {
		t.Errorf("pulled job not running: %+v", pulled.Job)
	}

	complete := map[string]interface{}{"job_id": created.ID, "result": json.RawMessage(`{"ok":true}`)}
	if w := doJSON(t, s, "POST", "/api/workers/complete-job", complete); w.Result().StatusCode() != 200 {
		t.Fatalf("complete: status %d, body %s", w.Result().StatusCode(), w.Result().Body())
	}
	// 重复回报不得改写终态
	if w := doJSON(t, s, "POST", "/api/workers/complete-job", complete); w.Result().StatusCode() != 404 {
		t.Errorf("second complete: status %d, want 404", w.Result().StatusCode())
	}
}

func TestNextJob_EmptyQueue(t *testing.T) {
	s, _ := newTestServer(t, queue.ModeFIFO, 0)
	w := doJSON(t, s, "GET", "/api/workers/next-job?worker_id=w1", nil)
	if w.Result().StatusCode() != 200 {
		t.Fatalf("status = %d", w.Result().StatusCode())
	}
	var resp struct {
		Job *queue.Job `json:"job"`
	}
	decodeBody(t, w, &resp)
	if resp.Job != nil {
		t.Errorf("expected null job, got %+v", resp.Job)
	}
}

func TestNextJob_MissingWorkerID(t *testing.T) {
	s, _ := newTestServer(t, queue.ModeFIFO, 0)
	w := doJSON(t, s, "GET", "/api/workers/next-job", nil)
	if w.Result().StatusCode() != 400 {
		t.Errorf("status = %d, want 400", w.Result().StatusCode())
	}
}

func TestCancelJob_TerminalConflict(t *testing.T) {
	s, _ := newTestServer(t, queue.ModeFIFO, 0)

	var created struct {
		ID string `json:"id"`
	}
	decodeBody(t, doJSON(t, s, "POST", "/api/jobs", submitBody), &created)
	doJSON(t, s, "GET", "/api/workers/next-job?worker_id=w1", nil)
	doJSON(t, s, "POST", "/api/workers/complete-job", map[string]interface{}{
		"job_id": created.ID, "result": json.RawMessage(`{"ok":true}`),
	})

	w := doJSON(t, s, "DELETE", "/api/jobs/"+created.ID, nil)
	if w.Result().StatusCode() != 409 {
		t.Errorf("status = %d, want 409", w.Result().StatusCode())
	}
}

func TestUpdatePriority_RunningConflict(t *testing.T) {
	s, _ := newTestServer(t, queue.ModeFIFO, 0)

	var created struct {
		ID string `json:"id"`
	}
	decodeBody(t, doJSON(t, s, "POST", "/api/jobs", submitBody), &created)
	doJSON(t, s, "GET", "/api/workers/next-job?worker_id=w1", nil)

	w := doJSON(t, s, "PATCH", "/api/jobs/"+created.ID+"/priority", map[string]int{"priority": 1})
	if w.Result().StatusCode() != 409 {
		t.Errorf("status = %d, want 409", w.Result().StatusCode())
	}
}

func TestListJobs_ByUser(t *testing.T) {
	s, _ := newTestServer(t, queue.ModeFIFO, 0)
	doJSON(t, s, "POST", "/api/jobs", submitBody)
	doJSON(t, s, "POST", "/api/jobs", map[string]interface{}{
		"user_id":  "user002",
		"workflow": json.RawMessage(`{"1":{"class_type":"KSampler"}}`),
	})

	w := doJSON(t, s, "GET", "/api/jobs?user_id=user001", nil)
	var resp struct {
		Jobs  []*queue.Job `json:"jobs"`
		Total int          `json:"total"`
	}
	decodeBody(t, w, &resp)
	if resp.Total != 1 || len(resp.Jobs) != 1 || resp.Jobs[0].UserID != "user001" {
		t.Errorf("unexpected listing: %+v", resp)
	}
}

func TestQueueStatus(t *testing.T) {
	s, _ := newTestServer(t, queue.ModePriority, 0)
	doJSON(t, s, "POST", "/api/jobs", submitBody)

	w := doJSON(t, s, "GET", "/api/queue/status", nil)
	var resp struct {
		Mode    string `json:"mode"`
		Pending int64  `json:"pending"`
	}
	decodeBody(t, w, &resp)
	if resp.Mode != string(queue.ModePriority) || resp.Pending != 1 {
		t.Errorf("unexpected status: %+v", resp)
	}
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, queue.ModeFIFO, 0)
	w := doJSON(t, s, "GET", "/health", nil)
	if w.Result().StatusCode() != 200 {
		t.Fatalf("status = %d", w.Result().StatusCode())
	}
	var resp struct {
		Status string `json:"status"`
	}
	decodeBody(t, w, &resp)
	if resp.Status != "ok" {
		t.Errorf("expected ok, got %q", resp.Status)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t, queue.ModeFIFO, 0)
	doJSON(t, s, "POST", "/api/jobs", submitBody)

	w := doJSON(t, s, "GET", "/metrics", nil)
	if w.Result().StatusCode() != 200 {
		t.Fatalf("status = %d", w.Result().StatusCode())
	}
	if !strings.Contains(string(w.Result().Body()), "comfyume_") {
		t.Error("metrics output missing service metrics")
	}
}
