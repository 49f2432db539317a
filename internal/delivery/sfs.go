package delivery

import (
	"context"
	"encoding/hex"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ahelme/comfyume-v1/pkg/errors"
)

// runPrefix 本次执行的唯一文件名前缀。负载均衡会把状态查询路由到任意
// 副本，history 轮询因此不可靠；共享存储是唯一权威的完成信号，前缀是
// 在其中认领本次产物的依据
func runPrefix() string {
	id := uuid.New()
	return "comfyume_" + hex.EncodeToString(id[:4])
}

// deliverSFS 策略 A：注入唯一前缀后提交，监视共享输出目录直到产物齐备。
// 收敛判定：首个匹配文件出现后再等一个固定的 settle 窗口，窗口结束时
// 已出现的文件即为本次产物
func (p *Pipeline) deliverSFS(ctx context.Context, userID string, workflow []byte) (*Result, error) {
	outputIDs, err := OutputNodeIDs(workflow)
	if err != nil {
		return nil, err
	}
	prefix := runPrefix()
	modified, err := InjectRunPrefix(workflow, prefix)
	if err != nil {
		return nil, err
	}

	baseline, err := snapshotDir(p.cfg.SFSOutputDir)
	if err != nil {
		return nil, errors.Storef(err, "shared output dir unreadable: %s", p.cfg.SFSOutputDir)
	}

	resp, err := p.client.SubmitPrompt(ctx, modified, userID)
	if err != nil {
		return nil, err
	}
	promptID := ""
	if resp != nil {
		promptID = resp.PromptID
	}
	if promptID == "" {
		// 交付不依赖 prompt_id，仍可靠目录监视完成
		p.logger.Warn("backend accepted prompt without an id", "prefix", prefix)
	}
	p.logger.Info("prompt submitted, watching shared storage",
		"prompt_id", promptID, "prefix", prefix, "expected_nodes", len(outputIDs))

	files, partial, err := p.watchForOutputs(ctx, baseline, prefix, len(outputIDs))
	if err != nil {
		return nil, err
	}

	refs := assignToNodes(files, outputIDs)
	saved, err := p.copyOutputs(userID, refs)
	if err != nil {
		return nil, err
	}
	return &Result{PromptID: promptID, Outputs: saved, Partial: partial}, nil
}

// watchForOutputs 轮询共享目录，返回带前缀的新文件名（排序后）。
// expected 是期望的输出节点数，仅用于部分匹配的告警
func (p *Pipeline) watchForOutputs(ctx context.Context, baseline map[string]bool, prefix string, expected int) ([]string, bool, error) {
	deadline := time.Now().Add(p.cfg.MaxWait)
	matched := make(map[string]bool)
	var firstMatch time.Time
	scanErrs := 0

	for time.Now().Before(deadline) {
		names, err := snapshotDir(p.cfg.SFSOutputDir)
		if err != nil {
			scanErrs++
			p.logger.Warn("output dir scan failed", "error", err, "consecutive", scanErrs)
			if scanErrs > maxScanErrors {
				return nil, false, errors.Storef(err, "shared output dir unreadable for %d consecutive scans", scanErrs)
			}
			if err := sleepCtx(ctx, p.cfg.PollInterval); err != nil {
				return nil, false, err
			}
			continue
		}
		scanErrs = 0

		now := time.Now()
		for name := range names {
			if baseline[name] || matched[name] {
				continue
			}
			if !strings.HasPrefix(name, prefix) {
				continue
			}
			matched[name] = true
			if firstMatch.IsZero() {
				firstMatch = now
			}
			p.logger.Info("output file detected", "file", name, "matched", len(matched))
		}

		// 收敛：窗口从首个匹配起算且固定，后续文件不重置窗口，
		// 持续滴落的文件流不会把等待拖到 MaxWait
		if !firstMatch.IsZero() && now.Sub(firstMatch) >= p.cfg.SettleTime {
			return sortedKeys(matched), false, nil
		}
		if err := sleepCtx(ctx, p.cfg.PollInterval); err != nil {
			return nil, false, err
		}
	}

	if len(matched) > 0 {
		p.logger.Warn("watch window expired with partial outputs",
			"matched", len(matched), "expected_nodes", expected)
		return sortedKeys(matched), true, nil
	}
	return nil, false, errors.Wrapf(errors.ErrDeliveryTimeout,
		"no outputs with prefix %s appeared within %s", prefix, p.cfg.MaxWait)
}

// assignToNodes 把文件按 round-robin 归属到输出节点（节点 ID 升序、
// 文件名升序，归属确定性成立）。无输出节点时全部挂到 output_0
func assignToNodes(files []string, outputIDs []string) map[string][]FileRef {
	if len(outputIDs) == 0 {
		outputIDs = []string{"output_0"}
	}
	refs := make(map[string][]FileRef)
	for i, name := range files {
		nodeID := outputIDs[i%len(outputIDs)]
		refs[nodeID] = append(refs[nodeID], FileRef{Filename: name, Type: "output"})
	}
	return refs
}

// snapshotDir 返回目录下普通文件名的集合
func snapshotDir(dir string) (map[string]bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names[e.Name()] = true
	}
	return names, nil
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
