package http

import (
	"github.com/cloudwego/hertz/pkg/app/server"
	hertzconfig "github.com/cloudwego/hertz/pkg/common/config"
)

// Router HTTP 路由器
type Router struct {
	handler   *Handler
	wsHandler *WSHandler
}

// NewRouter 创建路由器；wsHandler 可为 nil（不开实时通道）
func NewRouter(handler *Handler, wsHandler *WSHandler) *Router {
	return &Router{handler: handler, wsHandler: wsHandler}
}

// Register 挂载全部路由
func (r *Router) Register(s *server.Hertz) {
	api := s.Group("/api")

	jobs := api.Group("/jobs")
	{
		jobs.POST("", r.handler.SubmitJob)
		jobs.GET("", r.handler.ListJobs)
		jobs.GET("/:id", r.handler.GetJob)
		jobs.DELETE("/:id", r.handler.CancelJob)
		jobs.PATCH("/:id/priority", r.handler.UpdatePriority)
	}

	workers := api.Group("/workers")
	{
		workers.GET("/next-job", r.handler.NextJob)
		workers.POST("/complete-job", r.handler.CompleteJob)
		workers.POST("/fail-job", r.handler.FailJob)
	}

	api.GET("/queue/status", r.handler.QueueStatus)
	api.GET("/health", r.handler.Health)

	s.GET("/health", r.handler.Health)
	s.GET("/metrics", r.handler.Metrics)
	if r.wsHandler != nil {
		s.GET("/ws", r.wsHandler.Serve)
	}
}

// Build 创建 Hertz 服务并挂载路由，addr 如 ":3000"
func (r *Router) Build(addr string, opts ...hertzconfig.Option) *server.Hertz {
	opts = append(opts, server.WithHostPorts(addr))
	s := server.New(opts...)
	r.Register(s)
	return s
}
