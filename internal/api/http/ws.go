package http

import (
	"context"
	"sync"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/hertz-contrib/websocket"

	"github.com/ahelme/comfyume-v1/internal/ws"
	"github.com/ahelme/comfyume-v1/pkg/log"
)

// WSHandler 实时通道处理器：升级连接后挂到扇出中心，读循环只回 pong
type WSHandler struct {
	hub      *ws.Hub
	upgrader websocket.HertzUpgrader
	logger   *log.Logger
}

// NewWSHandler 创建 WebSocket 处理器
func NewWSHandler(hub *ws.Hub, logger *log.Logger) *WSHandler {
	return &WSHandler{hub: hub, logger: logger.Component("ws")}
}

// Serve GET /ws
func (h *WSHandler) Serve(c context.Context, ctx *app.RequestContext) {
	err := h.upgrader.Upgrade(ctx, func(conn *websocket.Conn) {
		client := &wsConn{conn: conn}
		h.hub.Register(client)
		defer h.hub.Unregister(client)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			// 客户端上行仅作活性探测
			if err := client.WriteMessage(websocket.PongMessage, nil); err != nil {
				return
			}
		}
	})
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
	}
}

// wsConn 串行化并发写：扇出广播与 pong 应答来自不同 goroutine
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(messageType, data)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
