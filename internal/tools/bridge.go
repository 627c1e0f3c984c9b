package tools

import (
	"context"
	"encoding/json"
	"sync"

	"golang.org/x/sync/singleflight"

	"gravity-claw/internal/llm"
)

// Bridge 是外部能力宿主的接入点，工具名需带命名空间以避免冲突。
type Bridge interface {
	Name() string
	Connect(ctx context.Context) error
	ListTools(ctx context.Context) ([]llm.ToolDeclaration, error)
	CallTool(ctx context.Context, name string, args json.RawMessage) (Result, error)
	Owns(name string) bool
}

// LazyConnector 保证连接只建立一次，并发调用共享同一次尝试。失败后允许下次重试。
type LazyConnector struct {
	group     singleflight.Group
	mu        sync.RWMutex
	connected bool
	dial      func(ctx context.Context) error
}

// NewLazyConnector 创建连接器。
func NewLazyConnector(dial func(ctx context.Context) error) *LazyConnector {
	return &LazyConnector{dial: dial}
}

// Connected 返回是否已连接。
func (c *LazyConnector) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Connect 建立连接，已连接时直接返回。拨号不继承调用方的取消，超时由桥自身控制。
func (c *LazyConnector) Connect(ctx context.Context) error {
	if c.Connected() {
		return nil
	}
	_, err, _ := c.group.Do("connect", func() (any, error) {
		if c.Connected() {
			return nil, nil
		}
		if err := c.dial(context.WithoutCancel(ctx)); err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.connected = true
		c.mu.Unlock()
		return nil, nil
	})
	return err
}

// Reset 标记连接失效，下次调用重新连接。
func (c *LazyConnector) Reset() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}
