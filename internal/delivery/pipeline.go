// Package delivery 实现直发模式的交付管道：绕过队列，把工作流同步提交给
// 弹性后端并阻塞等待结果。两种可互换的交付策略产出相同的结果形状与错误
// 分类，API 层无需知道是哪种策略在执行
package delivery

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/ahelme/comfyume-v1/pkg/errors"
	"github.com/ahelme/comfyume-v1/pkg/log"
	"github.com/ahelme/comfyume-v1/pkg/metrics"
)

// 策略名，配置 serverless.delivery 的取值
const (
	StrategySFS  = "sfs"
	StrategyHTTP = "http"
)

// 监视循环的容错界限
const (
	// maxConsecutiveNotVisible history 持续 200 但执行不可见的轮询上限，
	// 超过即判定路由异常提前退出（2s 间隔下约 120s）
	maxConsecutiveNotVisible = 60
	// maxScanErrors 目录扫描连续失败的容忍次数（NFS 抖动）
	maxScanErrors = 10
)

// Config 交付管道配置（时长已解析）
type Config struct {
	// Strategy sfs | http；空值按 sfs 处理。目录监视不受负载均衡
	// 路由影响，http 轮询只作显式配置的回退
	Strategy     string
	SFSOutputDir string
	// OutputsPath 用户私有输出区根目录
	OutputsPath  string
	PollInterval time.Duration
	SettleTime   time.Duration
	MaxWait      time.Duration
	// HistoryPollInterval/Timeout 仅 http 策略使用
	HistoryPollInterval time.Duration
	HistoryPollTimeout  time.Duration
}

// Result 交付结果：输出节点 ID → 产物引用列表
type Result struct {
	PromptID string               `json:"prompt_id,omitempty"`
	Outputs  map[string][]FileRef `json:"outputs"`
	// Partial 为 true 表示收敛窗口未正常结束，结果取超时前已匹配的产物
	Partial bool `json:"partial,omitempty"`
}

// Pipeline 交付管道。Deliver 同步阻塞直到结果、失败或超时；超时后
// 不再尝试取消已提交给后端的执行（fire-and-forget）
type Pipeline struct {
	client *Client
	cfg    Config
	logger *log.Logger
}

// NewPipeline 创建管道并补齐默认值
func NewPipeline(client *Client, cfg Config, logger *log.Logger) *Pipeline {
	if cfg.Strategy == "" {
		cfg.Strategy = StrategySFS
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.SettleTime <= 0 {
		cfg.SettleTime = 2 * time.Second
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 10 * time.Minute
	}
	if cfg.HistoryPollInterval <= 0 {
		cfg.HistoryPollInterval = 2 * time.Second
	}
	if cfg.HistoryPollTimeout <= 0 {
		cfg.HistoryPollTimeout = 10 * time.Second
	}
	return &Pipeline{client: client, cfg: cfg, logger: logger.Component("delivery")}
}

// Strategy 当前生效的交付策略
func (p *Pipeline) Strategy() string {
	return p.cfg.Strategy
}

// Deliver 提交工作流并阻塞等待产物，按配置的策略执行
func (p *Pipeline) Deliver(ctx context.Context, userID string, workflow []byte) (*Result, error) {
	start := time.Now()
	var res *Result
	var err error
	switch p.cfg.Strategy {
	case StrategyHTTP:
		res, err = p.deliverHTTP(ctx, userID, workflow)
	default:
		res, err = p.deliverSFS(ctx, userID, workflow)
	}
	metrics.DeliveryDuration.WithLabelValues(p.cfg.Strategy).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.DeliveryFailTotal.WithLabelValues(failReason(err)).Inc()
	}
	return res, err
}

func failReason(err error) string {
	switch {
	case errors.Is(err, errors.ErrUpstreamRejected):
		return "rejected"
	case errors.Is(err, errors.ErrExecution):
		return "execution"
	case errors.Is(err, errors.ErrDeliveryTimeout):
		return "timeout"
	case errors.Is(err, errors.ErrRoutingAnomaly):
		return "routing"
	default:
		return "error"
	}
}

// copyOutputs 把产物从共享存储复制到用户私有输出区，返回实际落盘的引用。
// 缺失的源文件记录错误后跳过，不让单个文件阻断整批交付
func (p *Pipeline) copyOutputs(userID string, refs map[string][]FileRef) (map[string][]FileRef, error) {
	destDir := filepath.Join(p.cfg.OutputsPath, userID)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create output dir %s", destDir)
	}
	saved := make(map[string][]FileRef)
	for nodeID, files := range refs {
		for _, f := range files {
			if f.Filename == "" {
				continue
			}
			src := filepath.Join(p.cfg.SFSOutputDir, f.Subfolder, f.Filename)
			dst := filepath.Join(destDir, f.Filename)
			if err := copyFile(src, dst); err != nil {
				p.logger.Error("output file copy failed", "src", src, "error", err)
				continue
			}
			saved[nodeID] = append(saved[nodeID], FileRef{
				Filename:  f.Filename,
				Subfolder: userID,
				Type:      "output",
			})
		}
	}
	return saved, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

// sleepCtx 可被 ctx 打断的 sleep
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
