package queue

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/ahelme/comfyume-v1/pkg/errors"
	"github.com/ahelme/comfyume-v1/pkg/log"
	"github.com/ahelme/comfyume-v1/pkg/metrics"
)

// roundRobinMaxAttempts 乐观认领的重试上限；竞争耗尽后返回"暂无任务"，
// 由 worker 下个轮询周期再试，绝不阻塞
const roundRobinMaxAttempts = 5

// DispatcherConfig 调度配置
type DispatcherConfig struct {
	// Mode 出队纪律，启动时选定，运行期不变
	Mode Mode
	// MaxDepth pending 上限，<=0 不限（仅队列模式受准入控制）
	MaxDepth int
	// HeartbeatTTL worker 心跳过期时间
	HeartbeatTTL time.Duration
}

// Dispatcher 在 Store 之上实现三种出队纪律、准入控制与任务生命周期操作。
// fifo 与 priority 共用 ZPOPMIN（差别只在入队分值）；round_robin 以
// 扫描+乐观认领换取用户间公平，代价是 O(n) 的扫描（明确的扩展性取舍）
type Dispatcher struct {
	store  *Store
	config DispatcherConfig
	logger *log.Logger
}

// NewDispatcher 创建调度器
func NewDispatcher(store *Store, cfg DispatcherConfig, logger *log.Logger) *Dispatcher {
	if cfg.Mode == "" {
		cfg.Mode = ModeFIFO
	}
	if cfg.HeartbeatTTL <= 0 {
		cfg.HeartbeatTTL = 60 * time.Second
	}
	return &Dispatcher{store: store, config: cfg, logger: logger}
}

// Mode 当前出队纪律
func (d *Dispatcher) Mode() Mode {
	return d.config.Mode
}

// Submit 校验并入队新任务。pending 深度达到上限时返回 ErrCapacity，
// 不产生任何记录
func (d *Dispatcher) Submit(ctx context.Context, userID string, workflow, metadata json.RawMessage, priority Priority) (*Job, error) {
	j, err := NewJob(userID, workflow, metadata, priority)
	if err != nil {
		return nil, err
	}
	if d.config.MaxDepth > 0 {
		depth, err := d.store.QueueDepth(ctx)
		if err != nil {
			return nil, err
		}
		if depth >= int64(d.config.MaxDepth) {
			return nil, errors.Wrapf(errors.ErrCapacity, "queue is full (max depth: %d)", d.config.MaxDepth)
		}
	}
	if err := d.store.CreateJob(ctx, j); err != nil {
		return nil, err
	}
	return j, nil
}

// NextJob 为 worker 出队下一个任务：先刷新心跳，再按纪律取任务并置为
// running。队列为空（或 round_robin 竞争耗尽）返回 (nil, nil)
func (d *Dispatcher) NextJob(ctx context.Context, workerID string) (*Job, error) {
	if err := d.store.RefreshHeartbeat(ctx, workerID, d.config.HeartbeatTTL); err != nil {
		// 心跳失败不阻止出队，但值得记录
		d.logger.Warn("heartbeat refresh failed", "worker_id", workerID, "error", err)
	}

	var jobID string
	var err error
	switch d.config.Mode {
	case ModeFIFO, ModePriority:
		jobID, err = d.store.PopMinPending(ctx)
	case ModeRoundRobin:
		jobID, err = d.roundRobinClaim(ctx)
	default:
		return nil, errors.Validationf("unknown queue mode %q", d.config.Mode)
	}
	if err != nil || jobID == "" {
		return nil, err
	}

	j, err := d.store.MoveToRunning(ctx, jobID, workerID)
	if err != nil {
		return nil, err
	}
	return j, nil
}

// roundRobinClaim 公平出队：扫描全部 pending，按用户分组，选完成数最少的
// 用户的最老任务，乐观认领（verify-then-remove）。并发竞争下整轮重扫，
// 最多 roundRobinMaxAttempts 次
func (d *Dispatcher) roundRobinClaim(ctx context.Context) (string, error) {
	for attempt := 0; attempt < roundRobinMaxAttempts; attempt++ {
		jobID, err := d.roundRobinCandidate(ctx)
		if err != nil {
			return "", err
		}
		if jobID == "" {
			return "", nil
		}
		claimed, err := d.store.ClaimPending(ctx, jobID)
		if err != nil {
			return "", err
		}
		if claimed {
			return jobID, nil
		}
		d.logger.Debug("round-robin race detected, rescanning",
			"attempt", attempt+1, "max", roundRobinMaxAttempts)
	}
	d.logger.Warn("round-robin claim exhausted retries under contention",
		"attempts", roundRobinMaxAttempts)
	return "", nil
}

// roundRobinCandidate 选出候选任务：PendingIDs 按分值升序返回，
// 因此每个用户遇到的第一个任务就是该用户最老的任务
func (d *Dispatcher) roundRobinCandidate(ctx context.Context) (string, error) {
	ids, err := d.store.PendingIDs(ctx)
	if err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return "", nil
	}

	oldestByUser := make(map[string]string)
	order := make([]string, 0)
	for _, id := range ids {
		j, err := d.store.GetJob(ctx, id)
		if err != nil {
			// 扫描与出队并发，任务可能刚被取走
			continue
		}
		if _, ok := oldestByUser[j.UserID]; !ok {
			oldestByUser[j.UserID] = id
			order = append(order, j.UserID)
		}
	}

	var selected string
	minCompleted := int64(math.MaxInt64)
	for _, userID := range order {
		completed, err := d.store.UserCompletedCount(ctx, userID)
		if err != nil {
			return "", err
		}
		if completed < minCompleted {
			minCompleted = completed
			selected = userID
		}
	}
	if selected == "" {
		return "", nil
	}
	return oldestByUser[selected], nil
}

// Complete worker 回报成功。任务不存在或已终态返回 ErrNotFound（幂等）
func (d *Dispatcher) Complete(ctx context.Context, jobID string, result json.RawMessage) error {
	if err := ValidateResult(result); err != nil {
		return err
	}
	if err := d.store.MoveToCompleted(ctx, jobID, result); err != nil {
		return err
	}
	metrics.JobTotal.WithLabelValues(string(StatusCompleted)).Inc()
	return nil
}

// Fail worker 回报失败。幂等性同 Complete
func (d *Dispatcher) Fail(ctx context.Context, jobID, errMsg string) error {
	trimmed, err := ValidateErrorMessage(errMsg)
	if err != nil {
		return err
	}
	if err := d.store.MoveToFailed(ctx, jobID, trimmed); err != nil {
		return err
	}
	metrics.JobTotal.WithLabelValues(string(StatusFailed)).Inc()
	return nil
}

// Cancel 取消任务：pending 直接移除；running 翻转状态并移出 running
// 集合，实际中断依赖执行方配合；终态返回 ErrStateConflict
func (d *Dispatcher) Cancel(ctx context.Context, jobID string) error {
	j, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	switch j.Status {
	case StatusPending:
		if err := d.store.DeleteJob(ctx, jobID); err != nil {
			return err
		}
		d.logger.Info("pending job cancelled and removed", "job_id", jobID)
	case StatusRunning:
		// 状态翻转必须连带移出 running 集合，否则 ID 滞留集合，
		// 每个集合成员与状态一致的约定被破坏
		j.Status = StatusCancelled
		if err := d.store.MarkRunningCancelled(ctx, j); err != nil {
			return err
		}
		d.logger.Info("running job marked for cancellation", "job_id", jobID)
	default:
		return errors.Wrapf(errors.ErrStateConflict, "cannot cancel job in %s state", j.Status)
	}
	metrics.JobTotal.WithLabelValues(string(StatusCancelled)).Inc()
	return nil
}

// UpdatePriority 调整 pending 任务的优先级并重算分值；非 pending 返回
// ErrStateConflict
func (d *Dispatcher) UpdatePriority(ctx context.Context, jobID string, priority Priority) (*Job, error) {
	if !priority.Valid() {
		return nil, errors.Validationf("priority must be between %d and %d", PriorityInstructor, PriorityLow)
	}
	j, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.Status != StatusPending {
		return nil, errors.Wrapf(errors.ErrStateConflict, "cannot change priority of %s job", j.Status)
	}
	j.Priority = priority
	if err := d.store.UpdateJob(ctx, j); err != nil {
		return nil, err
	}
	if err := d.store.RequeuePending(ctx, j); err != nil {
		return nil, err
	}
	d.logger.Info("job priority updated", "job_id", jobID, "priority", priority)
	return j, nil
}
