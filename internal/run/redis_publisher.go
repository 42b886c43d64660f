package run

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisPublisherConfig 描述 Redis 发布通道。
type RedisPublisherConfig struct {
	Address       string
	Password      string
	DB            int
	ChannelPrefix string
}

// RedisPublisher 通过 PUBLISH 把事件发到 <prefix>:<runID> 频道。
type RedisPublisher struct {
	client *redis.Client
	prefix string
}

// NewRedisPublisher 创建 Redis 发布器并检查连通性。
func NewRedisPublisher(ctx context.Context, cfg RedisPublisherConfig) (*RedisPublisher, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	prefix := cfg.ChannelPrefix
	if prefix == "" {
		prefix = "agentguard:runs"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisPublisher{client: client, prefix: prefix}, nil
}

// Channel 返回运行对应的频道名。
func (p *RedisPublisher) Channel(runID string) string {
	return p.prefix + ":" + runID
}

// Publish 实现 Publisher。
func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	if p == nil || p.client == nil {
		return errPublisherNotReady
	}
	payload, err := event.MarshalEnvelope()
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, p.Channel(event.PlanRunID), payload).Err(); err != nil {
		return fmt.Errorf("Redis 发布事件失败: %w", err)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (p *RedisPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}
