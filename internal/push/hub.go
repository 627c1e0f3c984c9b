package push

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"gravity-claw/pkg/logger"
)

// 常见的推送类型。
const (
	TypeMarkdown = "markdown"
	TypeWidget   = "widget"
	TypeAlert    = "alert"
)

// Wildcard 订阅全部作用域。
const Wildcard = "*"

const defaultBuffer = 32

// Payload 是推送给观察者的事件。
type Payload struct {
	Type       string `json:"type"`
	Content    string `json:"content"`
	WidgetType string `json:"widgetType,omitempty"`
	Scope      string `json:"scope,omitempty"`
}

// Publisher 是编排组件依赖的最小推送接口。
type Publisher interface {
	Publish(payload Payload, scopeKey string)
}

// PublisherFunc 允许普通函数实现 Publisher。
type PublisherFunc func(payload Payload, scopeKey string)

// Publish 实现 Publisher。
func (f PublisherFunc) Publish(payload Payload, scopeKey string) { f(payload, scopeKey) }

// Discard 丢弃所有推送。
var Discard Publisher = PublisherFunc(func(Payload, string) {})

// Subscription 是一个订阅者的接收端。
type Subscription struct {
	hub     *Hub
	id      uint64
	scope   string
	ch      chan Payload
	dropped atomic.Int64
	once    sync.Once
}

// C 返回事件通道。订阅取消后通道关闭。
func (s *Subscription) C() <-chan Payload { return s.ch }

// Scope 返回订阅的作用域，空字符串表示只接收广播。
func (s *Subscription) Scope() string { return s.scope }

// Dropped 返回因缓冲区满而丢弃的事件数。
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Close 取消订阅。
func (s *Subscription) Close() {
	s.once.Do(func() { s.hub.remove(s) })
}

// Hub 按作用域向订阅者扇出事件，慢速订阅者丢弃消息而不阻塞发布方。
type Hub struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]*Subscription
	buffer int
	log    *slog.Logger
}

// HubOption 定义 Hub 的可选配置。
type HubOption func(*Hub)

// WithBuffer 设置每个订阅者的缓冲大小。
func WithBuffer(size int) HubOption {
	return func(h *Hub) {
		if size > 0 {
			h.buffer = size
		}
	}
}

// NewHub 创建推送中心。
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{subs: make(map[uint64]*Subscription), buffer: defaultBuffer, log: logger.Named("push")}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe 注册订阅者。scope 为空只接收广播，为 Wildcard 接收全部事件。
func (h *Hub) Subscribe(scope string) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	sub := &Subscription{hub: h, id: h.nextID, scope: scope, ch: make(chan Payload, h.buffer)}
	h.subs[sub.id] = sub
	return sub
}

// Publish 向 scopeKey 的订阅者与通配订阅者投递；scopeKey 为空时广播。
func (h *Hub) Publish(payload Payload, scopeKey string) {
	payload.Scope = scopeKey
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if scopeKey != "" && sub.scope != scopeKey && sub.scope != Wildcard {
			continue
		}
		select {
		case sub.ch <- payload:
		default:
			if sub.dropped.Add(1) == 1 {
				h.log.Warn("订阅者缓冲已满，开始丢弃推送", slog.String("scope", sub.scope))
			}
		}
	}
}

// Subscribers 返回当前订阅者数量。
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	delete(h.subs, sub.id)
	h.mu.Unlock()
	close(sub.ch)
}
