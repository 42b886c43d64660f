package run

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"AgentGuard/internal/cancel"
	"AgentGuard/internal/engine"
	xerrors "AgentGuard/internal/errors"
	"AgentGuard/internal/observability/alerting"
	"AgentGuard/internal/plan"
	"AgentGuard/internal/tool"
	"AgentGuard/pkg/logger"
)

// Executor 是协调器需要的引擎能力。
type Executor interface {
	Execute(ctx context.Context, steps []plan.Step, ec engine.Context) engine.Report
}

// Observer 接收运行级别的指标通知。
type Observer interface {
	RunStarted()
	RunFinished(status string, elapsed time.Duration)
}

// DefaultCancelReason 是未指定原因时的取消原因。
const DefaultCancelReason = "soft"

// Coordinator 负责运行的提交、分发、事件转发与取消。
type Coordinator struct {
	executor       Executor
	queue          Queue
	store          Store
	publisher      Publisher
	alerter        alerting.Dispatcher
	observer       Observer
	mirror         *eventMirror
	workers        int
	backlog        int
	mirrorBuffer   int
	publishTimeout time.Duration
	logger         *slog.Logger
	newID          func() string
	now            func() time.Time

	mu      sync.Mutex
	runs    map[string]*activeRun
	streams map[string]*activeRun
}

// Option 定义可选配置。
type Option func(*Coordinator)

// WithWorkers 设置并发执行的运行数量。
func WithWorkers(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithStore 配置运行历史存储。
func WithStore(store Store) Option {
	return func(c *Coordinator) {
		if store != nil {
			c.store = store
		}
	}
}

// WithPublisher 配置事件镜像。
func WithPublisher(p Publisher) Option {
	return func(c *Coordinator) {
		if p != nil {
			c.publisher = p
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(c *Coordinator) {
		c.alerter = d
	}
}

// WithObserver 配置运行指标观察者。
func WithObserver(o Observer) Option {
	return func(c *Coordinator) {
		c.observer = o
	}
}

// WithBacklog 设置每个运行为迟到的订阅者保留的事件数量。
func WithBacklog(n int) Option {
	return func(c *Coordinator) {
		if n >= 0 {
			c.backlog = n
		}
	}
}

// WithMirrorBuffer 设置事件镜像的缓冲容量，超出的事件被丢弃。
func WithMirrorBuffer(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.mirrorBuffer = n
		}
	}
}

// WithPublishTimeout 设置单个事件发布到外部消息系统的超时。
func WithPublishTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.publishTimeout = d
		}
	}
}

// WithLogger 指定运行日志。
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithIDGenerator 替换运行与流 ID 的生成方式，主要用于测试。
func WithIDGenerator(fn func() string) Option {
	return func(c *Coordinator) {
		if fn != nil {
			c.newID = fn
		}
	}
}

// WithClock 替换时间来源，主要用于测试。
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCoordinator 构造协调器。
func NewCoordinator(executor Executor, queue Queue, opts ...Option) *Coordinator {
	c := &Coordinator{
		executor:       executor,
		queue:          queue,
		store:          NewMemoryStore(0),
		publisher:      NopPublisher{},
		workers:        1,
		backlog:        256,
		mirrorBuffer:   defaultMirrorBuffer,
		publishTimeout: defaultPublishTimeout,
		newID:          uuid.NewString,
		now:            time.Now,
		runs:           make(map[string]*activeRun),
		streams:        make(map[string]*activeRun),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.logger == nil {
		c.logger = logger.Named("run")
	}
	c.mirror = newEventMirror(c.publisher, c.mirrorBuffer, c.publishTimeout, c.logger)
	return c
}

// Submit 校验请求并排队执行，立即返回运行 ID。
func (c *Coordinator) Submit(ctx context.Context, req Request) (string, error) {
	if c.executor == nil || c.queue == nil {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "运行协调器未初始化")
	}
	if err := plan.Validate(req.Steps); err != nil {
		return "", err
	}
	if req.ProjectRoot == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "projectRoot is required")
	}

	r := newActiveRun(c.newID(), req, c.backlog, c.now())
	c.mu.Lock()
	c.runs[r.id] = r
	c.mu.Unlock()

	if err := c.queue.Publish(ctx, r.id); err != nil {
		c.mu.Lock()
		delete(c.runs, r.id)
		c.mu.Unlock()
		c.logger.Error("运行入队失败", slog.Any("error", err), slog.String("run_id", r.id))
		return "", xerrors.Wrap(CodeRunDispatchFailed, err, "发布运行到分发队列失败")
	}
	logger.Audit().Info("run_submitted",
		slog.String("run_id", r.id),
		slog.String("plan_id", req.PlanID),
		slog.String("project_root", req.ProjectRoot),
		slog.String("license", string(req.License)),
		slog.Int("steps", len(req.Steps)),
		slog.Bool("confirmed", req.confirmed()),
	)
	return r.id, nil
}

// Start 启动工作协程与事件镜像协程，阻塞直到 ctx 结束或队列关闭。
// 返回前会在宽限期内发送尚未镜像的事件。
func (c *Coordinator) Start(ctx context.Context) error {
	if c.queue == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置运行分发队列")
	}
	stopMirror := c.mirror.run()
	defer stopMirror()
	return c.queue.Consume(ctx, c.workers, c.handle)
}

// MirrorDropped 返回因镜像缓冲已满而丢弃的事件数。
func (c *Coordinator) MirrorDropped() int64 {
	return c.mirror.dropped.Load()
}

// Subscribe 为运行挂载唯一的事件订阅者，替换已有的订阅者。
// 已缓存的事件会先行回放。
func (c *Coordinator) Subscribe(runID string) (*Subscription, error) {
	r := c.lookup(runID)
	if r == nil {
		return nil, ErrRunNotFound
	}
	sub, ok := r.attach()
	if !ok {
		return nil, ErrRunNotFound
	}
	return sub, nil
}

// Cancel 设置运行级和/或流级的取消标记，返回是否命中任何活动对象。
func (c *Coordinator) Cancel(runID, streamID, reason string) bool {
	if reason == "" {
		reason = DefaultCancelReason
	}
	hit := false
	if runID != "" {
		if r := c.lookup(runID); r != nil {
			r.cancel.Cancel(reason)
			hit = true
		}
	}
	if streamID != "" {
		c.mu.Lock()
		r := c.streams[streamID]
		c.mu.Unlock()
		if r != nil && r.cancelStream(streamID, reason) {
			hit = true
		}
	}
	if hit {
		logger.Audit().Info("run_cancel_requested",
			slog.String("run_id", runID),
			slog.String("stream_id", streamID),
			slog.String("reason", reason),
		)
	}
	return hit
}

// Get 返回运行摘要；运行中的运行返回当前快照。
func (c *Coordinator) Get(ctx context.Context, runID string) (*Summary, error) {
	if r := c.lookup(runID); r != nil {
		s := r.snapshot()
		return &s, nil
	}
	return c.store.Get(ctx, runID)
}

// List 返回最近结束的运行。
func (c *Coordinator) List(ctx context.Context, limit int) ([]Summary, error) {
	return c.store.List(ctx, limit)
}

// Active 返回正在进行的运行数量。
func (c *Coordinator) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.runs)
}

// Close 释放队列、存储与事件镜像。
func (c *Coordinator) Close() error {
	var first error
	for _, closer := range []interface{ Close() error }{c.queue, c.publisher, c.store} {
		if closer == nil {
			continue
		}
		if err := closer.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (c *Coordinator) lookup(runID string) *activeRun {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runs[runID]
}

func (c *Coordinator) handle(ctx context.Context, runID string) error {
	r := c.lookup(runID)
	if r == nil {
		c.logger.Warn("跳过未知运行", slog.String("run_id", runID))
		return ErrRunNotFound
	}
	c.execute(ctx, r)
	return nil
}

func (c *Coordinator) execute(ctx context.Context, r *activeRun) {
	if c.observer != nil {
		c.observer.RunStarted()
	}
	r.setStarted(c.now())
	c.emit(r, Event{Type: EventRunStart, License: r.req.License})

	halt := ""
	for i := range r.req.Steps {
		step := r.req.Steps[i]
		if r.cancel.Cancelled() || ctx.Err() != nil {
			break
		}
		if step.NeedsConfirmation() && !r.req.confirmed() {
			halt = HaltConfirmationRequired
			c.emit(r, Event{Type: EventHalt, Reason: halt})
			c.alertHalt(ctx, r, step, halt, "server confirmation gate: confirmed=true and confirmationText=YES required")
			break
		}

		streamID := c.newID()
		stream := cancel.NewSource()
		c.mu.Lock()
		c.streams[streamID] = r
		c.mu.Unlock()
		r.beginStream(streamID, stream)

		c.emit(r, Event{Type: EventStepStart, StreamID: streamID, Step: &step})
		report := c.executor.Execute(ctx, []plan.Step{prepareStep(step, r.req.ProjectRoot)}, engine.Context{
			RunID:             r.id,
			ProjectRoot:       r.req.ProjectRoot,
			License:           r.req.License,
			ConfirmationToken: r.req.token(),
			Stop:              cancel.Join(r.cancel.Token(), stream.Token()),
			StreamID:          streamID,
			Emit:              c.relay(r, streamID, stream),
		})
		last, _ := report.Last()
		ok := report.OK && last.Result.Success
		c.emit(r, Event{Type: EventStepEnd, StreamID: streamID, OK: boolPtr(ok), Report: &report})

		r.endStream(streamID, report)
		c.mu.Lock()
		delete(c.streams, streamID)
		c.mu.Unlock()

		if !ok {
			halt = haltReason(report, last)
			c.emit(r, Event{Type: EventHalt, Reason: halt})
			c.alertHalt(ctx, r, step, halt, last.Result.Error)
			break
		}
	}

	cancelled := r.cancel.Cancelled()
	c.emit(r, Event{Type: EventRunEnd, Cancelled: boolPtr(cancelled)})

	summary := r.finish(c.now(), halt, cancelled)
	c.mu.Lock()
	delete(c.runs, r.id)
	c.mu.Unlock()

	c.record(ctx, summary)
}

func haltReason(report engine.Report, last engine.StepReport) string {
	if report.HaltedBecause != "" {
		return string(report.HaltedBecause)
	}
	if last.Result.Error != "" {
		return last.Result.Error
	}
	return "Execution failed"
}

// prepareStep 为单步执行补齐 cwd 与 stepId 输入。
func prepareStep(step plan.Step, projectRoot string) plan.Step {
	input := plan.CloneInput(step.Input)
	if input == nil {
		input = map[string]any{}
	}
	if cwd, _ := input["cwd"].(string); cwd == "" {
		input["cwd"] = projectRoot
	}
	input["stepId"] = step.StepID
	step.Input = input
	return step
}

// relay 把工具事件转发为运行事件。取消之后不再转发输出片段。
func (c *Coordinator) relay(r *activeRun, streamID string, stream *cancel.Source) func(tool.Event) {
	return func(ev tool.Event) {
		switch ev.Type {
		case tool.EventChunk:
			if r.cancel.Cancelled() || stream.Cancelled() {
				return
			}
			c.emit(r, Event{Type: EventChunk, StreamID: streamID, Stream: ev.Stream, Data: ev.Data})
		case tool.EventTimeout:
			c.emit(r, Event{Type: EventTimeout, StreamID: streamID})
		case tool.EventCancel:
			reason := ev.Reason
			if reason == "" {
				reason = DefaultCancelReason
			}
			c.emit(r, Event{Type: EventCancel, StreamID: streamID, Reason: reason})
		}
	}
}

func (c *Coordinator) emit(r *activeRun, ev Event) {
	ev.PlanRunID = r.id
	ev.Time = c.now()
	ev = r.deliver(ev)
	c.mirror.enqueue(ev)
}

func (c *Coordinator) record(ctx context.Context, summary Summary) {
	if c.observer != nil {
		c.observer.RunFinished(string(summary.Status), summary.Elapsed())
	}
	attrs := []any{
		slog.String("run_id", summary.ID),
		slog.String("status", string(summary.Status)),
		slog.String("halt_reason", summary.HaltReason),
		slog.Int("steps_run", summary.StepsRun),
		slog.Int("steps_total", summary.StepsTotal),
		slog.Bool("cancelled", summary.Cancelled),
		slog.Duration("elapsed", summary.Elapsed()),
	}
	if summary.Status == StatusSucceeded {
		logger.Audit().Info("run_finished", attrs...)
	} else {
		logger.Audit().Warn("run_finished", attrs...)
	}

	saveCtx, cancelFn := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancelFn()
	if err := c.store.Save(saveCtx, summary); err != nil {
		c.logger.Error("保存运行摘要失败",
			slog.Any("error", xerrors.Wrap(CodeStoreFailure, err, "save run summary")),
			slog.String("run_id", summary.ID),
		)
	}
}

// guardHalts 是需要告警的失败分类：应急开关、授权与确认拦截。
var guardHalts = map[string]bool{
	string(engine.FailurePermissionDenied):     true,
	string(engine.FailureToolUnavailable):      true,
	string(engine.FailureLicenseBlock):         true,
	string(engine.FailureConfirmationRequired): true,
}

func (c *Coordinator) alertHalt(ctx context.Context, r *activeRun, step plan.Step, reason, detail string) {
	if c.alerter == nil || !guardHalts[reason] {
		return
	}
	attrs := xerrors.AttributesOf(CodeRunHalted)
	event := alerting.Event{
		Code:     CodeRunHalted,
		Message:  "plan run halted: " + reason,
		Severity: attrs.Severity,
		RunID:    r.id,
		StepID:   step.StepID,
		Tool:     step.Tool,
		License:  string(r.req.License),
		Metadata: map[string]string{
			"failure_class": reason,
			"detail":        detail,
		},
		OccurredAt: c.now(),
	}
	if err := c.alerter.Notify(context.WithoutCancel(ctx), event); err != nil {
		c.logger.Error("告警通知失败", slog.Any("error", err), slog.String("run_id", r.id))
	}
}
