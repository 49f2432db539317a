// Package ws 把队列事件从 Redis pub/sub 扇出到已连接的 WebSocket 客户端。
// 事件流是尽力而为的辅助通道，断开不影响任何队列操作
package ws

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ahelme/comfyume-v1/internal/queue"
	"github.com/ahelme/comfyume-v1/pkg/log"
	"github.com/ahelme/comfyume-v1/pkg/metrics"
)

// textMessage WebSocket 文本帧类型（RFC 6455）
const textMessage = 1

// Conn 扇出所需的最小连接能力
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Hub 管理客户端连接并监听 Redis 事件通道。监听循环带指数退避重连；
// 连续失败超限后进入永久停用态，只断实时推送，服务本身照常工作
type Hub struct {
	store  *queue.Store
	logger *log.Logger

	mu      sync.Mutex
	clients map[Conn]bool

	disabled atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	backoffBase time.Duration
	maxRetries  int
}

// NewHub 创建扇出中心
func NewHub(store *queue.Store, logger *log.Logger) *Hub {
	return &Hub{
		store:       store,
		logger:      logger.Component("ws"),
		clients:     make(map[Conn]bool),
		stopCh:      make(chan struct{}),
		backoffBase: 2 * time.Second,
		maxRetries:  5,
	}
}

// Start 启动 Redis 监听循环
func (h *Hub) Start(ctx context.Context) {
	h.wg.Add(1)
	go h.listen(ctx)
}

// Stop 停止监听并断开所有客户端
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
	})
	h.wg.Wait()

	h.mu.Lock()
	for c := range h.clients {
		_ = c.Close()
		delete(h.clients, c)
	}
	metrics.WSClients.Set(0)
	h.mu.Unlock()
}

// Disabled 监听循环是否已因连续失败永久停用
func (h *Hub) Disabled() bool {
	return h.disabled.Load()
}

// Register 接入一个客户端连接
func (h *Hub) Register(c Conn) {
	h.mu.Lock()
	h.clients[c] = true
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WSClients.Set(float64(n))
	h.logger.Info("websocket client connected", "total", n)
}

// Unregister 摘除一个客户端连接
func (h *Hub) Unregister(c Conn) {
	h.mu.Lock()
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WSClients.Set(float64(n))
	h.logger.Info("websocket client disconnected", "total", n)
}

// ClientCount 当前连接数
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast 把事件原文推给所有客户端；写失败的连接当场摘除，
// 不影响其余客户端
func (h *Hub) Broadcast(payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if err := c.WriteMessage(textMessage, payload); err != nil {
			h.logger.Error("websocket send failed, dropping client", "error", err)
			_ = c.Close()
			delete(h.clients, c)
		}
	}
	metrics.WSClients.Set(float64(len(h.clients)))
}

// listen 订阅 queue:updates 并转发消息。订阅失败按 2s 指数退避重连，
// 连续 maxRetries 次失败后永久停用
func (h *Hub) listen(ctx context.Context) {
	defer h.wg.Done()
	retry := 0
	for {
		sub := h.store.Subscribe(ctx)
		if _, err := sub.Receive(ctx); err != nil {
			_ = sub.Close()
			retry++
			if retry >= h.maxRetries {
				h.disabled.Store(true)
				h.logger.Error("event listener permanently disabled, real-time updates are off",
					"attempts", retry, "error", err)
				return
			}
			delay := h.backoffBase * (1 << (retry - 1))
			h.logger.Warn("event subscription failed, retrying",
				"attempt", retry, "max", h.maxRetries, "delay", delay, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-h.stopCh:
				return
			case <-time.After(delay):
			}
			continue
		}
		retry = 0
		h.logger.Info("event listener subscribed", "channel", queue.PubSubChannel)

		if done := h.pump(ctx, sub.Channel()); done {
			_ = sub.Close()
			return
		}
		// 消息通道被关闭，走重连
		_ = sub.Close()
		retry++
		if retry >= h.maxRetries {
			h.disabled.Store(true)
			h.logger.Error("event listener permanently disabled, real-time updates are off",
				"attempts", retry)
			return
		}
		delay := h.backoffBase * (1 << (retry - 1))
		h.logger.Warn("event stream interrupted, retrying",
			"attempt", retry, "max", h.maxRetries, "delay", delay)
		select {
		case <-ctx.Done():
			return
		case <-h.stopCh:
			return
		case <-time.After(delay):
		}
	}
}

// pump 转发消息直到停止信号或通道关闭。返回 true 表示正常停止
func (h *Hub) pump(ctx context.Context, ch <-chan *redis.Message) bool {
	for {
		select {
		case <-ctx.Done():
			return true
		case <-h.stopCh:
			return true
		case msg, ok := <-ch:
			if !ok {
				return false
			}
			h.Broadcast([]byte(msg.Payload))
		}
	}
}
