package queue

import (
	"context"
	"sync"
	"time"

	"github.com/ahelme/comfyume-v1/pkg/log"
	"github.com/ahelme/comfyume-v1/pkg/metrics"
)

// staleJobError reaper 写入超时任务的错误信息
const staleJobError = "job timeout exceeded"

// Reaper 周期性扫描 running 集合，把超过 JobTimeout 的任务判为 failed。
// 单个任务处理失败不中断本轮扫描，循环自身永不因错误退出
type Reaper struct {
	store    *Store
	interval time.Duration
	timeout  time.Duration
	logger   *log.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewReaper 创建 reaper；interval 为扫描周期，timeout 为 running 超时
func NewReaper(store *Store, interval, timeout time.Duration, logger *log.Logger) *Reaper {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if timeout <= 0 {
		timeout = time.Hour
	}
	return &Reaper{
		store:    store,
		interval: interval,
		timeout:  timeout,
		logger:   logger.Component("reaper"),
		stopCh:   make(chan struct{}),
	}
}

// Start 启动后台扫描循环，ctx 取消或 Stop 时退出
func (r *Reaper) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
				if n := r.Sweep(ctx); n > 0 {
					r.logger.Warn("reaped stale jobs", "count", n)
				}
			}
		}
	}()
}

// Stop 停止扫描循环并等待退出
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

// Sweep 执行一轮扫描，返回回收的任务数。存储错误在本地记录并吞掉，
// 重试即下一个周期
func (r *Reaper) Sweep(ctx context.Context) int {
	cutoff := time.Now().UTC().Add(-r.timeout)
	ids, err := r.store.ScanStaleRunning(ctx, cutoff)
	if err != nil {
		r.logger.Error("stale scan failed", "error", err)
		return 0
	}
	count := 0
	for _, id := range ids {
		if err := r.store.MoveToFailed(ctx, id, staleJobError); err != nil {
			// 其他调用方可能刚好完成了这个任务，继续处理剩余的
			r.logger.Error("failed to reap stale job", "job_id", id, "error", err)
			continue
		}
		metrics.JobTotal.WithLabelValues(string(StatusFailed)).Inc()
		count++
	}
	return count
}
