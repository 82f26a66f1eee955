// Package events 将探索过程中的发现与回合结束事件投递到消息队列，
// 供看板或离线分析进程订阅。
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// 事件类型。
const (
	TypeDiscovery  = "discovery"
	TypeEpisodeEnd = "episode_end"
)

// Event 是总线上传递的消息体。
type Event struct {
	Type        string  `json:"type"`
	EpisodeID   string  `json:"episode_id"`
	Step        int     `json:"step"`
	Skill       string  `json:"skill,omitempty"`
	ProgramID   string  `json:"program_id,omitempty"`
	Project     string  `json:"project,omitempty"`
	Reward      float64 `json:"reward,omitempty"`
	TotalReward float64 `json:"total_reward,omitempty"`
	Reason      string  `json:"reason,omitempty"`
	Timestamp   int64   `json:"timestamp"`
}

// Handler 处理来自总线的事件。
type Handler func(ctx context.Context, ev Event) error

// Publisher 负责投递事件。
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Bus 同时具备投递与消费能力。
type Bus interface {
	Publisher
	Consume(ctx context.Context, workerCount int, handler Handler) error
}

// 支持的驱动。
const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverRabbitMQ = "rabbitmq"
	DriverNone     = "none"
)

// Options 汇总各驱动所需的参数。
type Options struct {
	Driver   string
	Buffer   int
	Redis    RedisConfig
	RabbitMQ RabbitMQConfig
}

// Open 根据驱动名创建总线；none 返回丢弃所有事件的实现。
func Open(opts Options) (Bus, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Driver)) {
	case "", DriverMemory:
		return NewMemoryBus(opts.Buffer), nil
	case DriverRedis:
		return NewRedisBus(opts.Redis)
	case DriverRabbitMQ:
		return NewRabbitMQBus(opts.RabbitMQ)
	case DriverNone:
		return Discard{}, nil
	default:
		return nil, fmt.Errorf("暂不支持的事件驱动: %s", opts.Driver)
	}
}

func encode(ev Event) ([]byte, error) {
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().Unix()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("序列化事件失败: %w", err)
	}
	return payload, nil
}

func decode(payload []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Event{}, fmt.Errorf("解析事件失败: %w", err)
	}
	return ev, nil
}

// Discard 丢弃所有事件。
type Discard struct{}

// Publish implements Publisher.
func (Discard) Publish(context.Context, Event) error { return nil }

// Consume blocks until ctx is done.
func (Discard) Consume(ctx context.Context, _ int, _ Handler) error {
	<-ctx.Done()
	return ctx.Err()
}

// Close implements Publisher.
func (Discard) Close() error { return nil }
