// Package app 装配应用依赖（配置、日志、共享存储）
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ahelme/comfyume-v1/internal/queue"
	"github.com/ahelme/comfyume-v1/pkg/config"
	"github.com/ahelme/comfyume-v1/pkg/log"
)

// Bootstrap 进程级共享依赖
type Bootstrap struct {
	Config *config.Config
	Logger *log.Logger
	Store  *queue.Store
}

// NewBootstrap 创建依赖并探测存储连通性。任务记录、队列集合与事件通道
// 都在 Redis 里，所有推理模式都要求存储可达
func NewBootstrap(cfg *config.Config) (*Bootstrap, error) {
	logger, err := log.NewLogger(&log.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	store := queue.NewStore(cfg.Redis, logger)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.Ping(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("redis unreachable at %s: %w", cfg.Redis.Addr(), err)
	}
	logger.Info("storage connected", "addr", cfg.Redis.Addr(), "db", cfg.Redis.DB)

	return &Bootstrap{Config: cfg, Logger: logger, Store: store}, nil
}

// Close 释放共享依赖
func (b *Bootstrap) Close() error {
	return b.Store.Close()
}
