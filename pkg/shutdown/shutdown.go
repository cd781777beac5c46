// Package shutdown 提供退出回调的集中管理
// 回调按注册的逆序依次执行：后建立的组件先关闭，
// 上游（推送流、监听器）停净之后才轮到底层存储
package shutdown

import (
	"context"
	"sync"

	"github.com/betbot/crossarb/pkg/logger"
)

// Handler 关闭处理函数
type Handler func(ctx context.Context)

// Manager 优雅关闭管理器
type Manager struct {
	mu        sync.Mutex
	callbacks []Handler
}

// NewManager 创建关闭管理器
func NewManager() *Manager {
	return &Manager{}
}

// OnShutdown 注册关闭回调，越晚注册越先执行
func (m *Manager) OnShutdown(handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, handler)
}

// Shutdown 逆序执行所有关闭回调（阻塞调用）
// ctx 带超时时，单个回调卡死只消耗剩余预算，不会无限等待
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	callbacks := make([]Handler, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.Unlock()

	if len(callbacks) == 0 {
		return
	}
	logger.Infof("开始优雅关闭，共 %d 个回调", len(callbacks))

	for i := len(callbacks) - 1; i >= 0; i-- {
		if ctx.Err() != nil {
			logger.Warnf("关闭超时，剩余 %d 个回调未执行: %v", i+1, ctx.Err())
			return
		}
		done := make(chan struct{})
		go func(h Handler) {
			defer close(done)
			h(ctx)
		}(callbacks[i])
		select {
		case <-done:
		case <-ctx.Done():
			logger.Warnf("关闭回调超时: %v", ctx.Err())
		}
	}
	logger.Info("所有关闭回调已完成")
}
