package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gravity-claw/internal/config"
)

// IntakeEvent 是经队列投递的线索接入事件。
type IntakeEvent struct {
	LeadID  string         `json:"leadId"`
	Address string         `json:"address"`
	Payload map[string]any `json:"payload,omitempty"`
}

// EncodeEvent 将事件序列化为队列消息。
func EncodeEvent(event IntakeEvent) ([]byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("序列化接入事件失败: %w", err)
	}
	return data, nil
}

// DecodeEvent 解析队列消息。
func DecodeEvent(data []byte) (IntakeEvent, error) {
	var event IntakeEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return IntakeEvent{}, fmt.Errorf("解析接入事件失败: %w", err)
	}
	return event, nil
}

// Handler 处理来自消息队列的接入事件。
type Handler func(ctx context.Context, event IntakeEvent) error

// Producer 负责向队列投递事件。
type Producer interface {
	Publish(ctx context.Context, event IntakeEvent) error
	Close() error
}

// Consumer 负责从队列中消费事件。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

// 支持的队列驱动。
const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverRabbitMQ = "rabbitmq"
)

// NewQueue 根据配置创建队列。
func NewQueue(cfg config.QueueConfig) (Queue, error) {
	switch cfg.Driver {
	case "", DriverMemory:
		return NewMemoryQueue(cfg.Size), nil
	case DriverRedis:
		return NewRedisQueue(RedisQueueConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Queue:     cfg.Redis.Queue,
			BlockWait: secondsToDuration(cfg.Redis.BlockWait),
		})
	case DriverRabbitMQ:
		return NewRabbitMQQueue(RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Queue:    cfg.RabbitMQ.Queue,
			Prefetch: cfg.RabbitMQ.Prefetch,
			Durable:  cfg.RabbitMQ.Durable,
		})
	default:
		return nil, fmt.Errorf("不支持的队列驱动: %s", cfg.Driver)
	}
}

func secondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}
