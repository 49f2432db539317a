package delivery

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ahelme/comfyume-v1/pkg/errors"
)

// deliverHTTP 策略 B：提交后轮询 /history/{id} 直到终态。负载均衡可能把
// 轮询路由到未执行该任务的副本（持续 200 空应答），用连续空应答计数在
// MaxWait 之前识别并提前失败
func (p *Pipeline) deliverHTTP(ctx context.Context, userID string, workflow []byte) (*Result, error) {
	resp, err := p.client.SubmitPrompt(ctx, json.RawMessage(workflow), userID)
	if err != nil {
		return nil, err
	}
	if resp.PromptID == "" {
		return nil, errors.Wrapf(errors.ErrUpstreamRejected, "backend returned no prompt id")
	}
	p.logger.Info("prompt submitted, polling history", "prompt_id", resp.PromptID)

	entry, err := p.pollHistory(ctx, resp.PromptID)
	if err != nil {
		return nil, err
	}

	refs := make(map[string][]FileRef, len(entry.Outputs))
	for nodeID, out := range entry.Outputs {
		refs[nodeID] = out.Images
	}
	saved, err := p.copyOutputs(userID, refs)
	if err != nil {
		return nil, err
	}
	return &Result{PromptID: resp.PromptID, Outputs: saved}, nil
}

// pollHistory 轮询直到完成、执行失败、路由异常或超时
func (p *Pipeline) pollHistory(ctx context.Context, promptID string) (*HistoryEntry, error) {
	deadline := time.Now().Add(p.cfg.MaxWait)
	emptyCount := 0

	for time.Now().Before(deadline) {
		found, entry, err := p.client.GetHistory(ctx, promptID, p.cfg.HistoryPollTimeout)
		switch {
		case err != nil:
			// 单次查询失败不终止交付，等待下个周期
			p.logger.Warn("history poll failed", "prompt_id", promptID, "error", err)
		case !found:
			emptyCount++
			if emptyCount >= maxConsecutiveNotVisible {
				return nil, errors.Wrapf(errors.ErrRoutingAnomaly,
					"execution invisible after %d consecutive polls, prompt %s likely routed to another replica",
					emptyCount, promptID)
			}
		case entry.Status.StatusStr == "error":
			detail, _ := json.Marshal(entry.Status.Messages)
			return nil, errors.Wrapf(errors.ErrExecution, "backend reported failure: %s", detail)
		case entry.Status.Completed:
			return entry, nil
		default:
			// 执行可见但未完成
			emptyCount = 0
		}
		if err := sleepCtx(ctx, p.cfg.HistoryPollInterval); err != nil {
			return nil, err
		}
	}
	return nil, errors.Wrapf(errors.ErrDeliveryTimeout,
		"prompt %s did not complete within %s", promptID, p.cfg.MaxWait)
}
