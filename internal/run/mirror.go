package run

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	xerrors "AgentGuard/internal/errors"
)

const (
	defaultMirrorBuffer   = 1024
	defaultPublishTimeout = 2 * time.Second
	mirrorDrainGrace      = 2 * time.Second
)

// eventMirror 在独立协程中把运行事件发布到外部消息系统。
// 入队从不阻塞，缓冲区满时事件被丢弃并计数。
type eventMirror struct {
	publisher Publisher
	timeout   time.Duration
	logger    *slog.Logger

	events  chan Event
	dropped atomic.Int64
}

func newEventMirror(publisher Publisher, buffer int, timeout time.Duration, logger *slog.Logger) *eventMirror {
	if buffer <= 0 {
		buffer = defaultMirrorBuffer
	}
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	return &eventMirror{
		publisher: publisher,
		timeout:   timeout,
		logger:    logger,
		events:    make(chan Event, buffer),
	}
}

// enabled 为 false 时不需要镜像。
func (m *eventMirror) enabled() bool {
	if m == nil || m.publisher == nil {
		return false
	}
	_, nop := m.publisher.(NopPublisher)
	return !nop
}

func (m *eventMirror) enqueue(ev Event) {
	if !m.enabled() {
		return
	}
	select {
	case m.events <- ev:
	default:
		n := m.dropped.Add(1)
		if n == 1 || n%100 == 0 {
			m.logger.Warn("事件镜像缓冲已满，丢弃事件",
				slog.String("run_id", ev.PlanRunID),
				slog.String("event", string(ev.Type)),
				slog.Int64("dropped_total", n),
			)
		}
	}
}

// run 启动发布协程，返回的 stop 会在宽限期内发送剩余事件后退出。
func (m *eventMirror) run() (stop func()) {
	if !m.enabled() {
		return func() {}
	}
	quit := make(chan struct{})
	done := make(chan struct{})
	go m.loop(quit, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(quit)
			<-done
		})
	}
}

func (m *eventMirror) loop(quit <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case ev := <-m.events:
			m.publish(context.Background(), ev)
		case <-quit:
			m.drain()
			return
		}
	}
}

func (m *eventMirror) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), mirrorDrainGrace)
	defer cancel()
	for {
		select {
		case ev := <-m.events:
			m.publish(ctx, ev)
		default:
			return
		}
	}
}

func (m *eventMirror) publish(parent context.Context, ev Event) {
	ctx, cancel := context.WithTimeout(parent, m.timeout)
	defer cancel()
	if err := m.publisher.Publish(ctx, ev); err != nil {
		m.logger.Warn("事件镜像失败",
			slog.Any("error", xerrors.Wrap(CodePublishFailed, err, "publish run event")),
			slog.String("run_id", ev.PlanRunID),
			slog.String("event", string(ev.Type)),
		)
	}
}
