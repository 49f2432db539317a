package queue

import (
	"encoding/json"
	"time"
)

// 发布到 queue:updates 频道的事件类型
const (
	EventJobCreated = "job_created"
	EventJobUpdated = "job_updated"
	EventJobDeleted = "job_deleted"
)

// Event 事件信封，经 pub/sub 原样推送给 WebSocket 客户端。
// 发布与任务变更不在同一事务内：至少一次、可能丢失，UI 需支持拉取刷新
type Event struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewJobEvent 以任务全量快照为载荷构造事件
func NewJobEvent(eventType string, j *Job) (*Event, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	return &Event{Type: eventType, Data: data, Timestamp: time.Now().UTC()}, nil
}

// NewJobDeletedEvent 删除事件只携带 job_id
func NewJobDeletedEvent(jobID string) *Event {
	data, _ := json.Marshal(map[string]string{"job_id": jobID})
	return &Event{Type: EventJobDeleted, Data: data, Timestamp: time.Now().UTC()}
}
