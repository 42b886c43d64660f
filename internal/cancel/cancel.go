// Package cancel provides cooperative cancellation with explicit ownership:
// only the holder of a Source may cancel, everyone else observes a Token.
package cancel

import (
	"context"
	"sync"
)

// Source 是取消信号的唯一所有者。
type Source struct {
	once   sync.Once
	mu     sync.RWMutex
	done   chan struct{}
	reason string
}

// NewSource 创建一个未取消的 Source。
func NewSource() *Source {
	return &Source{done: make(chan struct{})}
}

// Cancel 设置取消标记，重复调用只保留第一次的原因。
func (s *Source) Cancel(reason string) {
	s.once.Do(func() {
		s.mu.Lock()
		s.reason = reason
		s.mu.Unlock()
		close(s.done)
	})
}

// Cancelled 判断是否已取消。
func (s *Source) Cancelled() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Token 返回只读视图。
func (s *Source) Token() Token {
	return Token{sources: []*Source{s}}
}

// Token 是取消信号的只读视图，零值永远不会被取消。
type Token struct {
	sources []*Source
}

// Join 合并多个 Token，任一来源取消即视为取消。
func Join(tokens ...Token) Token {
	var merged []*Source
	for _, t := range tokens {
		merged = append(merged, t.sources...)
	}
	return Token{sources: merged}
}

// Cancelled 判断任一来源是否已取消。
func (t Token) Cancelled() bool {
	for _, s := range t.sources {
		if s.Cancelled() {
			return true
		}
	}
	return false
}

// Reason 返回第一个已取消来源的原因。
func (t Token) Reason() string {
	for _, s := range t.sources {
		if s.Cancelled() {
			s.mu.RLock()
			reason := s.reason
			s.mu.RUnlock()
			return reason
		}
	}
	return ""
}

// Context 派生一个在 Token 取消时结束的 context，调用方必须调用返回的 CancelFunc。
func (t Token) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, stop := context.WithCancel(parent)
	if len(t.sources) == 0 {
		return ctx, stop
	}
	if t.Cancelled() {
		stop()
		return ctx, stop
	}
	go func() {
		cases := make([]<-chan struct{}, 0, len(t.sources))
		for _, s := range t.sources {
			cases = append(cases, s.done)
		}
		waitAny(ctx.Done(), cases)
		stop()
	}()
	return ctx, stop
}

func waitAny(stop <-chan struct{}, chans []<-chan struct{}) {
	if len(chans) == 1 {
		select {
		case <-stop:
		case <-chans[0]:
		}
		return
	}
	fired := make(chan struct{}, len(chans))
	for _, ch := range chans {
		go func(ch <-chan struct{}) {
			select {
			case <-stop:
			case <-ch:
				fired <- struct{}{}
			}
		}(ch)
	}
	select {
	case <-stop:
	case <-fired:
	}
}
