package delivery

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/ahelme/comfyume-v1/pkg/errors"
	"github.com/ahelme/comfyume-v1/pkg/log"
)

// PromptResponse 后端对提交的应答
type PromptResponse struct {
	PromptID   string                     `json:"prompt_id"`
	NodeErrors map[string]json.RawMessage `json:"node_errors,omitempty"`
}

// HistoryStatus 单次执行的终态描述
type HistoryStatus struct {
	StatusStr string            `json:"status_str"`
	Completed bool              `json:"completed"`
	Messages  []json.RawMessage `json:"messages,omitempty"`
}

// NodeOutput 单个输出节点产出的文件引用
type NodeOutput struct {
	Images []FileRef `json:"images"`
}

// FileRef 后端产出文件的引用
type FileRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// HistoryEntry 执行历史条目：输出文件引用 + 状态
type HistoryEntry struct {
	Outputs map[string]NodeOutput `json:"outputs"`
	Status  HistoryStatus         `json:"status"`
}

// Client 弹性后端的 HTTP 客户端。提交与状态查询可能被负载均衡路由到
// 不同副本，调用方不得假设两次请求落在同一实例
type Client struct {
	http   *resty.Client
	logger *log.Logger
}

// NewClient 创建后端客户端；apiKey 非空时附加 Bearer 认证
func NewClient(endpoint, apiKey string, logger *log.Logger) *Client {
	c := resty.New().
		SetBaseURL(endpoint).
		SetTimeout(5 * time.Minute)
	if apiKey != "" {
		c.SetAuthToken(apiKey)
	}
	return &Client{http: c, logger: logger}
}

// SubmitPrompt 提交工作流。HTTP 错误或应答中的 node_errors 都视为
// 后端拒绝（ErrUpstreamRejected），立即失败
func (c *Client) SubmitPrompt(ctx context.Context, workflow json.RawMessage, clientID string) (*PromptResponse, error) {
	var out PromptResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{
			"prompt":    json.RawMessage(workflow),
			"client_id": clientID,
		}).
		SetResult(&out).
		ForceContentType("application/json").
		Post("/prompt")
	if err != nil {
		return nil, errors.Wrap(err, "submit prompt")
	}
	if resp.IsError() {
		body := resp.String()
		if len(body) > 500 {
			body = body[:500]
		}
		return nil, errors.Wrapf(errors.ErrUpstreamRejected, "HTTP %d: %s", resp.StatusCode(), body)
	}
	if len(out.NodeErrors) > 0 {
		detail, _ := json.Marshal(out.NodeErrors)
		return nil, errors.Wrapf(errors.ErrUpstreamRejected, "node errors: %s", detail)
	}
	return &out, nil
}

// GetHistory 查询执行状态。found=false 表示后端应答正常但该执行尚不可见
// （后端未追上，或请求被路由到了未受理提交的副本）
func (c *Client) GetHistory(ctx context.Context, promptID string, timeout time.Duration) (found bool, entry *HistoryEntry, err error) {
	reqCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	var history map[string]HistoryEntry
	resp, err := c.http.R().
		SetContext(reqCtx).
		SetResult(&history).
		ForceContentType("application/json").
		Get("/history/" + promptID)
	if err != nil {
		return false, nil, errors.Wrap(err, "get history")
	}
	if resp.IsError() {
		return false, nil, errors.Wrapf(errors.ErrUpstreamRejected, "history HTTP %d", resp.StatusCode())
	}
	e, ok := history[promptID]
	if !ok {
		return false, nil, nil
	}
	return true, &e, nil
}
