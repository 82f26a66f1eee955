package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"ChainVoyager/pkg/logger"
)

// RedisConfig 描述 Redis 队列的连接参数。
type RedisConfig struct {
	Address   string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
}

// RedisBus 使用 Redis list 实现事件队列。
type RedisBus struct {
	client *redis.Client
	queue  string
	wait   time.Duration
}

// NewRedisBus 创建 Redis 总线并检查连通性。
func NewRedisBus(cfg RedisConfig) (*RedisBus, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return newRedisBus(client, cfg), nil
}

func newRedisBus(client *redis.Client, cfg RedisConfig) *RedisBus {
	queue := cfg.Queue
	if queue == "" {
		queue = "voyager:discoveries"
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisBus{client: client, queue: queue, wait: wait}
}

// Publish 将事件投递到 Redis。
func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	payload, err := encode(ev)
	if err != nil {
		return err
	}
	if err := b.client.LPush(ctx, b.queue, payload).Err(); err != nil {
		return fmt.Errorf("Redis 发布事件失败: %w", err)
	}
	return nil
}

// Consume 通过 BRPOP 从 Redis 获取事件。
func (b *RedisBus) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	log := logger.Named("events")
	errCh := make(chan error, workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			failures := 0
			for {
				if ctx.Err() != nil {
					errCh <- ctx.Err()
					return
				}
				values, err := b.client.BRPop(ctx, b.wait, b.queue).Result()
				if err != nil {
					if errors.Is(err, redis.Nil) {
						continue
					}
					if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
						errCh <- err
						return
					}
					errCh <- fmt.Errorf("Redis 取事件失败: %w", err)
					return
				}
				if len(values) != 2 {
					continue
				}
				ev, err := decode([]byte(values[1]))
				if err != nil {
					log.Warn("丢弃无法解析的事件", "error", err)
					continue
				}
				if handlerErr := handler(ctx, ev); handlerErr != nil {
					// 处理失败时放回队尾，并按连续失败次数退避。
					failures++
					if err := b.client.LPush(ctx, b.queue, values[1]).Err(); err != nil {
						log.Warn("重新投递事件失败", "error", err)
					}
					select {
					case <-ctx.Done():
					case <-time.After(requeueDelay(failures)):
					}
					continue
				}
				failures = 0
			}
		}()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

const (
	requeueBaseDelay = 100 * time.Millisecond
	requeueMaxDelay  = 5 * time.Second
)

// requeueDelay 返回第 failures 次连续失败后的等待时间。
func requeueDelay(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	delay := requeueBaseDelay
	for i := 1; i < failures && delay < requeueMaxDelay; i++ {
		delay *= 2
	}
	if delay > requeueMaxDelay {
		delay = requeueMaxDelay
	}
	return delay
}

// Close 关闭 Redis 连接。
func (b *RedisBus) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}
