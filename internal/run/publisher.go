package run

import (
	"context"
	"errors"
)

// Publisher 把运行事件镜像到外部消息系统，失败不会影响运行本身。
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// NopPublisher 丢弃所有事件。
type NopPublisher struct{}

// Publish 实现 Publisher。
func (NopPublisher) Publish(context.Context, Event) error { return nil }

// Close 实现 Publisher。
func (NopPublisher) Close() error { return nil }

var errPublisherNotReady = errors.New("event publisher not initialised")
