package queue

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ahelme/comfyume-v1/pkg/errors"
)

// 提交负载的大小上限
const (
	MaxWorkflowBytes  = 10 * 1024 * 1024
	MaxMetadataBytes  = 1 * 1024 * 1024
	MaxResultBytes    = 50 * 1024 * 1024
	MaxErrorMsgLength = 10000
)

// Status 任务状态
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal 是否终态（终态之后不允许任何状态迁移）
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid 是否合法状态值
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Priority 优先级，数值越小越优先
type Priority int

const (
	PriorityInstructor Priority = 0
	PriorityHigh       Priority = 1
	PriorityNormal     Priority = 2
	PriorityLow        Priority = 3
)

// Valid 是否合法优先级
func (p Priority) Valid() bool {
	return p >= PriorityInstructor && p <= PriorityLow
}

// Mode 出队纪律
type Mode string

const (
	ModeFIFO       Mode = "fifo"
	ModePriority   Mode = "priority"
	ModeRoundRobin Mode = "round_robin"
)

// Job 一次工作流执行的生命周期记录。workflow 对核心不透明，
// 仅 delivery 管道会定位其中的输出节点。
type Job struct {
	ID       string          `json:"id"`
	UserID   string          `json:"user_id"`
	Workflow json.RawMessage `json:"workflow"`
	Status   Status          `json:"status"`
	Priority Priority        `json:"priority"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	WorkerID string          `json:"worker_id,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`

	Metadata json.RawMessage `json:"metadata,omitempty"`
}

var userIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,100}$`)

// ValidateUserID 校验调用方身份串：仅字母数字、下划线、连字符，
// 防止下游路径/命令注入
func ValidateUserID(userID string) error {
	if !userIDPattern.MatchString(userID) {
		return errors.Validationf("user_id must match [a-zA-Z0-9_-]{1,100}")
	}
	if strings.Contains(userID, "..") {
		return errors.Validationf("user_id cannot contain path traversal sequences")
	}
	return nil
}

// NewJob 根据提交内容构造 pending 任务；所有校验在此完成，
// 失败时不产生任何状态变更
func NewJob(userID string, workflow, metadata json.RawMessage, priority Priority) (*Job, error) {
	if err := ValidateUserID(userID); err != nil {
		return nil, err
	}
	if err := validateDocument(workflow, MaxWorkflowBytes, "workflow"); err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		if err := validateDocument(metadata, MaxMetadataBytes, "metadata"); err != nil {
			return nil, err
		}
	}
	if !priority.Valid() {
		return nil, errors.Validationf("priority must be between %d and %d", PriorityInstructor, PriorityLow)
	}
	return &Job{
		ID:        uuid.NewString(),
		UserID:    userID,
		Workflow:  workflow,
		Status:    StatusPending,
		Priority:  priority,
		CreatedAt: time.Now().UTC(),
		Metadata:  metadata,
	}, nil
}

// validateDocument 校验负载是非空 JSON 对象且不超过 maxBytes
func validateDocument(doc json.RawMessage, maxBytes int, field string) error {
	if len(doc) == 0 {
		return errors.Validationf("%s must be a non-empty JSON object", field)
	}
	if len(doc) > maxBytes {
		return errors.Validationf("%s size (%d bytes) exceeds maximum (%d bytes)", field, len(doc), maxBytes)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(doc, &obj); err != nil {
		return errors.Validationf("%s must be a JSON object: %v", field, err)
	}
	if len(obj) == 0 && field == "workflow" {
		return errors.Validationf("workflow must not be empty")
	}
	return nil
}

// ValidateResult 校验 worker 回报的结果负载
func ValidateResult(result json.RawMessage) error {
	if len(result) == 0 {
		return errors.Validationf("result must be a JSON object")
	}
	if len(result) > MaxResultBytes {
		return errors.Validationf("result payload too large (%d bytes) - exceeds %d bytes", len(result), MaxResultBytes)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(result, &obj); err != nil {
		return errors.Validationf("result must be a JSON object: %v", err)
	}
	return nil
}

// ValidateErrorMessage 校验 worker 回报的错误信息，返回去除首尾空白后的内容
func ValidateErrorMessage(msg string) (string, error) {
	trimmed := strings.TrimSpace(msg)
	if trimmed == "" {
		return "", errors.Validationf("error message cannot be empty")
	}
	if len(msg) > MaxErrorMsgLength {
		return "", errors.Validationf("error message exceeds %d characters", MaxErrorMsgLength)
	}
	return trimmed, nil
}

// PriorityScore 计算 pending 集合的排序分值：priority*1e6 + 创建时间秒。
// 权重保证高优先级永远排在低优先级之前，同级内按提交时间先后；
// 同级同亚秒时刻的平序依赖时钟分辨率，属已知限制
func PriorityScore(j *Job) float64 {
	return float64(j.Priority)*1e6 + float64(j.CreatedAt.UnixNano())/1e9
}
