// Package http 暴露队列管理器的 REST 接口。错误统一经由哨兵错误映射到
// HTTP 状态码，处理器本身不含业务规则
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"github.com/ahelme/comfyume-v1/internal/delivery"
	"github.com/ahelme/comfyume-v1/internal/queue"
	"github.com/ahelme/comfyume-v1/pkg/errors"
	"github.com/ahelme/comfyume-v1/pkg/log"
	"github.com/ahelme/comfyume-v1/pkg/metrics"
)

// Handler HTTP 处理器
type Handler struct {
	dispatcher *queue.Dispatcher
	store      *queue.Store
	pipeline   *delivery.Pipeline
	mode       string
	logger     *log.Logger
	startedAt  time.Time
}

// NewHandler 创建处理器。pipeline 为 nil 时提交只走队列；mode 是推理
// 模式（local|redis|serverless），serverless 时提交直发后端
func NewHandler(dispatcher *queue.Dispatcher, store *queue.Store, pipeline *delivery.Pipeline, mode string, logger *log.Logger) *Handler {
	return &Handler{
		dispatcher: dispatcher,
		store:      store,
		pipeline:   pipeline,
		mode:       mode,
		logger:     logger.Component("api"),
		startedAt:  time.Now(),
	}
}

// statusOf 哨兵错误到 HTTP 状态码的映射
func statusOf(err error) int {
	switch {
	case errors.Is(err, errors.ErrValidation):
		return consts.StatusBadRequest
	case errors.Is(err, errors.ErrCapacity):
		return consts.StatusTooManyRequests
	case errors.Is(err, errors.ErrNotFound):
		return consts.StatusNotFound
	case errors.Is(err, errors.ErrStateConflict):
		return consts.StatusConflict
	case errors.Is(err, errors.ErrStore):
		return consts.StatusServiceUnavailable
	case errors.Is(err, errors.ErrDeliveryTimeout):
		return consts.StatusGatewayTimeout
	case errors.Is(err, errors.ErrUpstreamRejected),
		errors.Is(err, errors.ErrExecution),
		errors.Is(err, errors.ErrRoutingAnomaly):
		return consts.StatusBadGateway
	default:
		return consts.StatusInternalServerError
	}
}

func writeError(ctx *app.RequestContext, err error) {
	ctx.JSON(statusOf(err), map[string]string{"error": err.Error()})
}

// JobResponse 任务应答，pending 任务附带队列位置（0 起）
type JobResponse struct {
	*queue.Job
	PositionInQueue *int64 `json:"position_in_queue,omitempty"`
}

func (h *Handler) jobResponse(c context.Context, j *queue.Job) *JobResponse {
	resp := &JobResponse{Job: j}
	if j.Status == queue.StatusPending {
		if pos, err := h.store.PendingPosition(c, j.ID); err == nil && pos >= 0 {
			resp.PositionInQueue = &pos
		}
	}
	return resp
}

type submitRequest struct {
	UserID   string          `json:"user_id"`
	Workflow json.RawMessage `json:"workflow"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
	Priority *int            `json:"priority,omitempty"`
}

// SubmitJob POST /api/jobs
// 队列模式入队并返回记录与排队位置；serverless 模式同步直发，阻塞到
// 结果后写一条 completed 记录保证查询一致
func (h *Handler) SubmitJob(c context.Context, ctx *app.RequestContext) {
	var req submitRequest
	if err := json.Unmarshal(ctx.Request.Body(), &req); err != nil {
		writeError(ctx, errors.Validationf("invalid request body: %v", err))
		return
	}
	priority := queue.PriorityNormal
	if req.Priority != nil {
		priority = queue.Priority(*req.Priority)
	}

	if h.mode == "serverless" && h.pipeline != nil {
		h.submitDirect(c, ctx, &req, priority)
		return
	}

	j, err := h.dispatcher.Submit(c, req.UserID, req.Workflow, req.Metadata, priority)
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(consts.StatusCreated, h.jobResponse(c, j))
}

func (h *Handler) submitDirect(c context.Context, ctx *app.RequestContext, req *submitRequest, priority queue.Priority) {
	j, err := queue.NewJob(req.UserID, req.Workflow, req.Metadata, priority)
	if err != nil {
		writeError(ctx, err)
		return
	}
	res, err := h.pipeline.Deliver(c, req.UserID, req.Workflow)
	if err != nil {
		h.logger.Error("direct delivery failed", "user_id", req.UserID, "error", err)
		writeError(ctx, err)
		return
	}
	payload, err := json.Marshal(res)
	if err != nil {
		writeError(ctx, err)
		return
	}
	now := time.Now().UTC()
	j.Status = queue.StatusCompleted
	j.Result = payload
	j.CompletedAt = &now
	if err := h.store.RecordCompleted(c, j); err != nil {
		// 记录失败不吞掉已到手的结果
		h.logger.Error("completed record write failed", "job_id", j.ID, "error", err)
	}
	metrics.JobTotal.WithLabelValues(string(queue.StatusCompleted)).Inc()
	ctx.JSON(consts.StatusCreated, map[string]interface{}{
		"job_id":  j.ID,
		"status":  queue.StatusCompleted,
		"outputs": res.Outputs,
		"partial": res.Partial,
	})
}

// GetJob GET /api/jobs/:id
func (h *Handler) GetJob(c context.Context, ctx *app.RequestContext) {
	j, err := h.store.GetJob(c, ctx.Param("id"))
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, h.jobResponse(c, j))
}

// ListJobs GET /api/jobs?user_id=&status=&limit=
// user_id 为空时列出 pending 队列
func (h *Handler) ListJobs(c context.Context, ctx *app.RequestContext) {
	userID := ctx.Query("user_id")
	status := queue.Status(ctx.Query("status"))
	limit := ctx.DefaultQuery("limit", "100")
	n := parseLimit(limit, 100)

	var jobs []*queue.Job
	var err error
	if userID == "" {
		jobs, err = h.store.PendingJobs(c, int64(n))
	} else {
		if verr := queue.ValidateUserID(userID); verr != nil {
			writeError(ctx, verr)
			return
		}
		jobs, err = h.store.UserJobs(c, userID)
	}
	if err != nil {
		writeError(ctx, err)
		return
	}
	if status != "" {
		filtered := jobs[:0]
		for _, j := range jobs {
			if j.Status == status {
				filtered = append(filtered, j)
			}
		}
		jobs = filtered
	}
	if len(jobs) > n {
		jobs = jobs[:n]
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"total": len(jobs),
	})
}

// CancelJob DELETE /api/jobs/:id
func (h *Handler) CancelJob(c context.Context, ctx *app.RequestContext) {
	id := ctx.Param("id")
	if err := h.dispatcher.Cancel(c, id); err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]string{"job_id": id, "status": "cancelled"})
}

type priorityRequest struct {
	Priority int `json:"priority"`
}

// UpdatePriority PATCH /api/jobs/:id/priority
func (h *Handler) UpdatePriority(c context.Context, ctx *app.RequestContext) {
	var req priorityRequest
	if err := json.Unmarshal(ctx.Request.Body(), &req); err != nil {
		writeError(ctx, errors.Validationf("invalid request body: %v", err))
		return
	}
	j, err := h.dispatcher.UpdatePriority(c, ctx.Param("id"), queue.Priority(req.Priority))
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, h.jobResponse(c, j))
}

// NextJob GET /api/workers/next-job?worker_id=
// 队列为空时返回 {"job": null}，worker 据此退避
func (h *Handler) NextJob(c context.Context, ctx *app.RequestContext) {
	workerID := ctx.Query("worker_id")
	if workerID == "" {
		writeError(ctx, errors.Validationf("worker_id is required"))
		return
	}
	j, err := h.dispatcher.NextJob(c, workerID)
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{"job": j})
}

type completeRequest struct {
	JobID  string          `json:"job_id"`
	Result json.RawMessage `json:"result"`
}

// CompleteJob POST /api/workers/complete-job
func (h *Handler) CompleteJob(c context.Context, ctx *app.RequestContext) {
	var req completeRequest
	if err := json.Unmarshal(ctx.Request.Body(), &req); err != nil {
		writeError(ctx, errors.Validationf("invalid request body: %v", err))
		return
	}
	if err := h.dispatcher.Complete(c, req.JobID, req.Result); err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]string{"job_id": req.JobID, "status": "completed"})
}

type failRequest struct {
	JobID string `json:"job_id"`
	Error string `json:"error"`
}

// FailJob POST /api/workers/fail-job
func (h *Handler) FailJob(c context.Context, ctx *app.RequestContext) {
	var req failRequest
	if err := json.Unmarshal(ctx.Request.Body(), &req); err != nil {
		writeError(ctx, errors.Validationf("invalid request body: %v", err))
		return
	}
	if err := h.dispatcher.Fail(c, req.JobID, req.Error); err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]string{"job_id": req.JobID, "status": "failed"})
}

// QueueStatus GET /api/queue/status
func (h *Handler) QueueStatus(c context.Context, ctx *app.RequestContext) {
	stats, err := h.store.Stats(c)
	if err != nil {
		writeError(ctx, err)
		return
	}
	workers, err := h.store.ActiveWorkers(c)
	if err != nil {
		h.logger.Warn("active worker scan failed", "error", err)
		workers = 0
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{
		"mode":           h.dispatcher.Mode(),
		"pending":        stats.Pending,
		"running":        stats.Running,
		"completed":      stats.Completed,
		"failed":         stats.Failed,
		"active_workers": workers,
	})
}

// Health GET /health
func (h *Handler) Health(c context.Context, ctx *app.RequestContext) {
	status := "ok"
	code := consts.StatusOK
	if err := h.store.Ping(c); err != nil {
		status = "degraded"
		code = consts.StatusServiceUnavailable
	}
	ctx.JSON(code, map[string]interface{}{
		"status":         status,
		"mode":           h.mode,
		"queue_mode":     h.dispatcher.Mode(),
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
	})
}

// Metrics GET /metrics
// 队列深度在抓取时从存储刷新，不在每次写路径上维护
func (h *Handler) Metrics(c context.Context, ctx *app.RequestContext) {
	if stats, err := h.store.Stats(c); err == nil {
		metrics.QueueDepth.WithLabelValues(string(queue.StatusPending)).Set(float64(stats.Pending))
		metrics.QueueDepth.WithLabelValues(string(queue.StatusRunning)).Set(float64(stats.Running))
		metrics.QueueDepth.WithLabelValues(string(queue.StatusCompleted)).Set(float64(stats.Completed))
		metrics.QueueDepth.WithLabelValues(string(queue.StatusFailed)).Set(float64(stats.Failed))
	}
	var buf bytes.Buffer
	if err := metrics.WritePrometheus(&buf); err != nil {
		writeError(ctx, err)
		return
	}
	ctx.Data(consts.StatusOK, "text/plain; version=0.0.4; charset=utf-8", buf.Bytes())
}

func parseLimit(s string, fallback int) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return fallback
		}
		n = n*10 + int(r-'0')
		if n > 1000 {
			return 1000
		}
	}
	if n <= 0 {
		return fallback
	}
	return n
}
