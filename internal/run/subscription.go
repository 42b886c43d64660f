package run

import (
	"sync"
	"time"

	"AgentGuard/internal/cancel"
	"AgentGuard/internal/engine"
)

// subscriberSlack 是订阅者通道在回放缓存之外额外的缓冲容量。
const subscriberSlack = 256

// Subscription 是运行事件的唯一订阅者。运行结束、被替换或调用 Close 时
// 事件通道会被关闭。
type Subscription struct {
	events chan Event
	run    *activeRun
	once   sync.Once
}

// Events 返回事件通道。
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Close 取消订阅，运行本身不受影响。
func (s *Subscription) Close() {
	s.run.detach(s)
}

func (s *Subscription) shut() {
	s.once.Do(func() { close(s.events) })
}

// activeRun 是进行中的运行在内存中的状态。
type activeRun struct {
	id      string
	req     Request
	cancel  *cancel.Source
	created time.Time

	mu         sync.Mutex
	started    time.Time
	seq        int
	backlog    []Event
	backlogMax int
	sub        *Subscription
	streams    map[string]*cancel.Source
	reports    []engine.Report
	finished   bool
}

func newActiveRun(id string, req Request, backlog int, now time.Time) *activeRun {
	return &activeRun{
		id:         id,
		req:        req,
		cancel:     cancel.NewSource(),
		created:    now,
		backlogMax: backlog,
		streams:    make(map[string]*cancel.Source),
	}
}

// attach 挂载新的订阅者并关闭旧的订阅者，返回 false 表示运行已结束。
func (r *activeRun) attach() (*Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return nil, false
	}
	if r.sub != nil {
		r.sub.shut()
	}
	sub := &Subscription{
		events: make(chan Event, r.backlogMax+subscriberSlack),
		run:    r,
	}
	for _, ev := range r.backlog {
		sub.events <- ev
	}
	r.sub = sub
	return sub, true
}

func (r *activeRun) detach(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sub == sub {
		r.sub = nil
	}
	sub.shut()
}

// deliver 为事件编号、写入回放缓存并以非阻塞方式投递给订阅者。
// 订阅者跟不上时事件被丢弃。
func (r *activeRun) deliver(ev Event) Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	ev.Seq = r.seq
	if r.backlogMax > 0 {
		if len(r.backlog) >= r.backlogMax {
			r.backlog = r.backlog[1:]
		}
		r.backlog = append(r.backlog, ev)
	}
	if r.sub != nil {
		select {
		case r.sub.events <- ev:
		default:
		}
	}
	return ev
}

func (r *activeRun) setStarted(t time.Time) {
	r.mu.Lock()
	r.started = t
	r.mu.Unlock()
}

func (r *activeRun) beginStream(id string, src *cancel.Source) {
	r.mu.Lock()
	r.streams[id] = src
	r.mu.Unlock()
}

func (r *activeRun) cancelStream(id, reason string) bool {
	r.mu.Lock()
	src := r.streams[id]
	r.mu.Unlock()
	if src == nil {
		return false
	}
	src.Cancel(reason)
	return true
}

func (r *activeRun) endStream(id string, report engine.Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.streams, id)
	r.reports = append(r.reports, report)
}

func (r *activeRun) summaryLocked() Summary {
	s := Summary{
		ID:          r.id,
		PlanID:      r.req.PlanID,
		ProjectRoot: r.req.ProjectRoot,
		License:     r.req.License,
		Status:      StatusRunning,
		StepsTotal:  len(r.req.Steps),
		StepsRun:    len(r.reports),
		Cancelled:   r.cancel.Cancelled(),
		StartedAt:   r.started,
	}
	if s.StartedAt.IsZero() {
		s.StartedAt = r.created
	}
	s.Reports = append([]engine.Report(nil), r.reports...)
	return s
}

func (r *activeRun) snapshot() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.summaryLocked()
}

// finish 关闭订阅者并生成最终摘要。
func (r *activeRun) finish(at time.Time, halt string, cancelled bool) Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = true
	if r.sub != nil {
		r.sub.shut()
		r.sub = nil
	}
	r.backlog = nil
	r.streams = map[string]*cancel.Source{}

	s := r.summaryLocked()
	s.FinishedAt = at
	s.HaltReason = halt
	s.Cancelled = cancelled
	switch {
	case cancelled:
		s.Status = StatusCancelled
	case halt != "":
		s.Status = StatusHalted
	default:
		s.Status = StatusSucceeded
	}
	return s
}
