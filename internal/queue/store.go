package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ahelme/comfyume-v1/pkg/config"
	"github.com/ahelme/comfyume-v1/pkg/errors"
	"github.com/ahelme/comfyume-v1/pkg/log"
)

// Redis 键布局
const (
	keyPending   = "queue:pending"
	keyRunning   = "queue:running"
	keyCompleted = "queue:completed"
	keyFailed    = "queue:failed"
	// PubSubChannel 任务变更事件频道
	PubSubChannel = "queue:updates"
)

func jobKey(jobID string) string            { return "job:" + jobID }
func userJobsKey(userID string) string      { return "user:" + userID + ":jobs" }
func userCompletedKey(userID string) string { return "user:" + userID + ":completed" }
func heartbeatKey(workerID string) string   { return "worker:" + workerID + ":heartbeat" }

// QueueStats 四个集合的任务数
type QueueStats struct {
	Pending   int64 `json:"pending"`
	Running   int64 `json:"running"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Store 共享存储上的任务存取层。Redis 的原子原语（ZPOPMIN、WATCH）
// 是进程间唯一的同步机制，进程内不持有权威任务状态。
// 所有操作失败时返回 ErrStore 类别错误：操作未被确认，是否重试由调用方决定
type Store struct {
	rdb    *redis.Client
	logger *log.Logger
}

// NewStore 创建 Store 并建立连接池（不主动 ping，连通性由 Bootstrap 检查）
func NewStore(cfg config.RedisConfig, logger *log.Logger) *Store {
	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr(),
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: config.Duration(cfg.DialTimeout, 5*time.Second),
		ReadTimeout: config.Duration(cfg.ReadTimeout, 10*time.Second),
		PoolSize:    cfg.PoolSize,
	})
	return &Store{rdb: rdb, logger: logger}
}

// NewStoreWithClient 直接注入 redis 客户端（测试用 miniredis）
func NewStoreWithClient(rdb *redis.Client, logger *log.Logger) *Store {
	return &Store{rdb: rdb, logger: logger}
}

// Ping 探测存储连通性
func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return errors.Storef(err, "ping")
	}
	return nil
}

// Close 关闭连接池
func (s *Store) Close() error {
	return s.rdb.Close()
}

// CreateJob 写入任务并按优先级分值进入 pending 集合，随后发布 job_created
func (s *Store) CreateJob(ctx context.Context, j *Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return errors.Wrap(err, "marshal job")
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, jobKey(j.ID), data, 0)
	pipe.ZAdd(ctx, keyPending, redis.Z{Score: PriorityScore(j), Member: j.ID})
	pipe.SAdd(ctx, userJobsKey(j.UserID), j.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Storef(err, "create job %s", j.ID)
	}
	s.publishJobEvent(ctx, EventJobCreated, j)
	s.logger.Info("job created", "job_id", j.ID, "user_id", j.UserID, "priority", j.Priority)
	return nil
}

// GetJob 按 ID 读取任务，不存在返回 ErrNotFound
func (s *Store) GetJob(ctx context.Context, jobID string) (*Job, error) {
	data, err := s.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if err == redis.Nil {
		return nil, errors.Wrapf(errors.ErrNotFound, "job %s", jobID)
	}
	if err != nil {
		return nil, errors.Storef(err, "get job %s", jobID)
	}
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, errors.Wrapf(err, "unmarshal job %s", jobID)
	}
	return &j, nil
}

// UpdateJob 覆盖任务记录并发布 job_updated
func (s *Store) UpdateJob(ctx context.Context, j *Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return errors.Wrap(err, "marshal job")
	}
	if err := s.rdb.Set(ctx, jobKey(j.ID), data, 0).Err(); err != nil {
		return errors.Storef(err, "update job %s", j.ID)
	}
	s.publishJobEvent(ctx, EventJobUpdated, j)
	return nil
}

// DeleteJob 从所有集合与用户索引移除任务并删除记录（仅 pending 取消路径使用）
func (s *Store) DeleteJob(ctx context.Context, jobID string) error {
	j, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.ZRem(ctx, keyPending, jobID)
	pipe.ZRem(ctx, keyRunning, jobID)
	pipe.ZRem(ctx, keyCompleted, jobID)
	pipe.ZRem(ctx, keyFailed, jobID)
	pipe.SRem(ctx, userJobsKey(j.UserID), jobID)
	pipe.Del(ctx, jobKey(jobID))
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Storef(err, "delete job %s", jobID)
	}
	s.publish(ctx, NewJobDeletedEvent(jobID))
	s.logger.Info("job deleted", "job_id", jobID)
	return nil
}

// PopMinPending 原子弹出 pending 中分值最小的任务 ID。
// ZPOPMIN 保证并发调用方不会取到同一任务；队列为空返回 ""
func (s *Store) PopMinPending(ctx context.Context) (string, error) {
	res, err := s.rdb.ZPopMin(ctx, keyPending, 1).Result()
	if err != nil {
		return "", errors.Storef(err, "pop pending")
	}
	if len(res) == 0 {
		return "", nil
	}
	return fmt.Sprint(res[0].Member), nil
}

// ClaimPending 乐观地从 pending 移除指定任务：WATCH 之下先确认仍在集合中，
// 再以事务移除。被其他调用方抢先时返回 false，由调用方决定是否重扫
func (s *Store) ClaimPending(ctx context.Context, jobID string) (bool, error) {
	claimed := false
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		_, err := tx.ZScore(ctx, keyPending, jobID).Result()
		if err == redis.Nil {
			return nil // 已被他人取走
		}
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRem(ctx, keyPending, jobID)
			return nil
		})
		if err == nil {
			claimed = true
		}
		return err
	}, keyPending)
	if err == redis.TxFailedErr {
		return false, nil
	}
	if err != nil {
		return false, errors.Storef(err, "claim pending %s", jobID)
	}
	return claimed, nil
}

// PendingIDs 按分值升序返回全部 pending 任务 ID（round-robin 扫描用，O(n)）
func (s *Store) PendingIDs(ctx context.Context) ([]string, error) {
	ids, err := s.rdb.ZRange(ctx, keyPending, 0, -1).Result()
	if err != nil {
		return nil, errors.Storef(err, "range pending")
	}
	return ids, nil
}

// PendingPosition 返回任务在 pending 中的位置（0 起），不在集合中返回 -1
func (s *Store) PendingPosition(ctx context.Context, jobID string) (int64, error) {
	rank, err := s.rdb.ZRank(ctx, keyPending, jobID).Result()
	if err == redis.Nil {
		return -1, nil
	}
	if err != nil {
		return -1, errors.Storef(err, "rank pending %s", jobID)
	}
	return rank, nil
}

// PendingJobs 按分值顺序读取最多 limit 个 pending 任务
func (s *Store) PendingJobs(ctx context.Context, limit int64) ([]*Job, error) {
	ids, err := s.rdb.ZRange(ctx, keyPending, 0, limit-1).Result()
	if err != nil {
		return nil, errors.Storef(err, "range pending")
	}
	return s.loadJobs(ctx, ids), nil
}

// UserJobs 返回用户的全部任务（用户索引集合，无序）
func (s *Store) UserJobs(ctx context.Context, userID string) ([]*Job, error) {
	ids, err := s.rdb.SMembers(ctx, userJobsKey(userID)).Result()
	if err != nil {
		return nil, errors.Storef(err, "user jobs %s", userID)
	}
	return s.loadJobs(ctx, ids), nil
}

// loadJobs 批量读取任务，丢失的记录跳过（索引与记录最终一致）
func (s *Store) loadJobs(ctx context.Context, ids []string) []*Job {
	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		j, err := s.GetJob(ctx, id)
		if err != nil {
			s.logger.Warn("job referenced but not loadable", "job_id", id, "error", err)
			continue
		}
		jobs = append(jobs, j)
	}
	return jobs
}

// QueueDepth 当前 pending 深度
func (s *Store) QueueDepth(ctx context.Context) (int64, error) {
	n, err := s.rdb.ZCard(ctx, keyPending).Result()
	if err != nil {
		return 0, errors.Storef(err, "pending depth")
	}
	return n, nil
}

// Stats 单次 pipeline 读取四个集合的深度
func (s *Store) Stats(ctx context.Context) (*QueueStats, error) {
	pipe := s.rdb.Pipeline()
	pending := pipe.ZCard(ctx, keyPending)
	running := pipe.ZCard(ctx, keyRunning)
	completed := pipe.ZCard(ctx, keyCompleted)
	failed := pipe.ZCard(ctx, keyFailed)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, errors.Storef(err, "queue stats")
	}
	return &QueueStats{
		Pending:   pending.Val(),
		Running:   running.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

// MoveToRunning 将已出队的任务置为 running：集合插入与字段更新是一个逻辑单元，
// 集合写入成功而字段更新失败时任务处于不一致状态，只能大声记录（接受的缺口）
func (s *Store) MoveToRunning(ctx context.Context, jobID, workerID string) (*Job, error) {
	j, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	j.Status = StatusRunning
	j.StartedAt = &now
	j.WorkerID = workerID
	if err := s.rdb.ZAdd(ctx, keyRunning, redis.Z{Score: float64(now.UnixNano()) / 1e9, Member: jobID}).Err(); err != nil {
		return nil, errors.Storef(err, "move job %s to running", jobID)
	}
	if err := s.UpdateJob(ctx, j); err != nil {
		s.logger.Error("job in running set but record update failed, state inconsistent",
			"job_id", jobID, "worker_id", workerID, "error", err)
		return nil, err
	}
	s.logger.Info("job started", "job_id", jobID, "worker_id", workerID)
	return j, nil
}

// MoveToCompleted 将 running 任务置为 completed 并累加用户完成计数。
// 任务不存在或已非 running（重复回调）返回 ErrNotFound，终态不被改写
func (s *Store) MoveToCompleted(ctx context.Context, jobID string, result json.RawMessage) error {
	j, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status != StatusRunning {
		return errors.Wrapf(errors.ErrNotFound, "job %s is %s, not running", jobID, j.Status)
	}
	now := time.Now().UTC()
	j.Status = StatusCompleted
	j.CompletedAt = &now
	j.Result = result
	if err := s.UpdateJob(ctx, j); err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.ZRem(ctx, keyRunning, jobID)
	pipe.ZAdd(ctx, keyCompleted, redis.Z{Score: float64(now.UnixNano()) / 1e9, Member: jobID})
	pipe.Incr(ctx, userCompletedKey(j.UserID))
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Storef(err, "move job %s to completed", jobID)
	}
	s.logger.Info("job completed", "job_id", jobID, "user_id", j.UserID)
	return nil
}

// MoveToFailed 将 running 任务置为 failed。幂等性同 MoveToCompleted
func (s *Store) MoveToFailed(ctx context.Context, jobID, errMsg string) error {
	j, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status != StatusRunning {
		return errors.Wrapf(errors.ErrNotFound, "job %s is %s, not running", jobID, j.Status)
	}
	now := time.Now().UTC()
	j.Status = StatusFailed
	j.CompletedAt = &now
	j.Error = errMsg
	if err := s.UpdateJob(ctx, j); err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.ZRem(ctx, keyRunning, jobID)
	pipe.ZAdd(ctx, keyFailed, redis.Z{Score: float64(now.UnixNano()) / 1e9, Member: jobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Storef(err, "move job %s to failed", jobID)
	}
	s.logger.Error("job failed", "job_id", jobID, "error", errMsg)
	return nil
}

// RecordCompleted 直发模式的事后归档：任务未经过 pending/running，
// 直接以 completed 状态写入，保证查询面与队列模式一致
func (s *Store) RecordCompleted(ctx context.Context, j *Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return errors.Wrap(err, "marshal job")
	}
	score := float64(time.Now().UTC().UnixNano()) / 1e9
	if j.CompletedAt != nil {
		score = float64(j.CompletedAt.UnixNano()) / 1e9
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, jobKey(j.ID), data, 0)
	pipe.ZAdd(ctx, keyCompleted, redis.Z{Score: score, Member: j.ID})
	pipe.SAdd(ctx, userJobsKey(j.UserID), j.ID)
	pipe.Incr(ctx, userCompletedKey(j.UserID))
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Storef(err, "record completed job %s", j.ID)
	}
	s.publishJobEvent(ctx, EventJobCreated, j)
	return nil
}

// MarkRunningCancelled 取消 running 中的任务：从 running 集合移除并
// 覆盖记录为 cancelled。记录保留供查询；不移除会让 ID 永久滞留在
// running 集合里，reaper 每轮都会对它报错
func (s *Store) MarkRunningCancelled(ctx context.Context, j *Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return errors.Wrap(err, "marshal job")
	}
	pipe := s.rdb.TxPipeline()
	pipe.ZRem(ctx, keyRunning, j.ID)
	pipe.Set(ctx, jobKey(j.ID), data, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Storef(err, "cancel running job %s", j.ID)
	}
	s.publishJobEvent(ctx, EventJobUpdated, j)
	return nil
}

// RequeuePending 重设 pending 中任务的分值（优先级调整）
func (s *Store) RequeuePending(ctx context.Context, j *Job) error {
	if err := s.rdb.ZAdd(ctx, keyPending, redis.Z{Score: PriorityScore(j), Member: j.ID}).Err(); err != nil {
		return errors.Storef(err, "requeue job %s", j.ID)
	}
	return nil
}

// ScanStaleRunning 返回 startedBefore 之前进入 running 的任务 ID（reaper 用）
func (s *Store) ScanStaleRunning(ctx context.Context, startedBefore time.Time) ([]string, error) {
	cutoff := float64(startedBefore.UnixNano()) / 1e9
	ids, err := s.rdb.ZRangeByScore(ctx, keyRunning, &redis.ZRangeBy{
		Min: "0",
		Max: fmt.Sprintf("%f", cutoff),
	}).Result()
	if err != nil {
		return nil, errors.Storef(err, "scan stale running")
	}
	return ids, nil
}

// UserCompletedCount 用户累计完成数（round-robin 公平性依据，单调递增）
func (s *Store) UserCompletedCount(ctx context.Context, userID string) (int64, error) {
	n, err := s.rdb.Get(ctx, userCompletedKey(userID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Storef(err, "completed count %s", userID)
	}
	return n, nil
}

// RefreshHeartbeat 刷新 worker 心跳（TTL 键，到期即视为离线）。
// 心跳只用于存活判断：worker 死亡不触发任务重派，卡死的 running
// 任务由 reaper 的超时回收
func (s *Store) RefreshHeartbeat(ctx context.Context, workerID string, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, heartbeatKey(workerID), time.Now().UTC().Format(time.RFC3339), ttl).Err(); err != nil {
		return errors.Storef(err, "heartbeat %s", workerID)
	}
	return nil
}

// WorkerAlive 心跳键是否存在
func (s *Store) WorkerAlive(ctx context.Context, workerID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, heartbeatKey(workerID)).Result()
	if err != nil {
		return false, errors.Storef(err, "worker alive %s", workerID)
	}
	return n > 0, nil
}

// ActiveWorkers 当前持有未过期心跳的 worker 数
func (s *Store) ActiveWorkers(ctx context.Context) (int, error) {
	var count int
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, "worker:*:heartbeat", 100).Result()
		if err != nil {
			return 0, errors.Storef(err, "scan workers")
		}
		count += len(keys)
		cursor = next
		if cursor == 0 {
			return count, nil
		}
	}
}

// Subscribe 订阅任务变更频道（事件监听循环用）
func (s *Store) Subscribe(ctx context.Context) *redis.PubSub {
	return s.rdb.Subscribe(ctx, PubSubChannel)
}

// publishJobEvent 构造并发布任务事件；发布失败只记录，不影响主操作
func (s *Store) publishJobEvent(ctx context.Context, eventType string, j *Job) {
	ev, err := NewJobEvent(eventType, j)
	if err != nil {
		s.logger.Error("marshal event failed", "type", eventType, "job_id", j.ID, "error", err)
		return
	}
	s.publish(ctx, ev)
}

func (s *Store) publish(ctx context.Context, ev *Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("marshal event failed", "type", ev.Type, "error", err)
		return
	}
	if err := s.rdb.Publish(ctx, PubSubChannel, payload).Err(); err != nil {
		s.logger.Error("publish event failed", "type", ev.Type, "error", err)
	}
}
