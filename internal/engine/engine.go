// Package engine runs validated plans step by step. Every step passes the
// same gate sequence (stop, safety fields, registry, emergency, license,
// confirmation) before its tool is invoked, and the first failure halts the run.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"AgentGuard/internal/cancel"
	"AgentGuard/internal/plan"
	"AgentGuard/internal/policy"
	"AgentGuard/internal/tool"
	"AgentGuard/pkg/logger"
)

// Registry 是引擎查找工具所需的能力。
type Registry interface {
	Get(name string) (tool.Tool, bool)
}

// Observer 接收每个步骤的结束通知，用于指标统计。
type Observer interface {
	StepFinished(toolName, category, failureClass string, elapsed time.Duration)
}

// Context 是一次执行的不可变上下文。
type Context struct {
	RunID             string
	ProjectRoot       string
	License           policy.License
	ConfirmationToken *policy.ConfirmationToken
	Stop              cancel.Token
	StreamID          string
	Emit              func(tool.Event)
}

// Engine 是所有工具调用的唯一入口。
type Engine struct {
	registry  Registry
	emergency policy.EmergencySource
	observer  Observer
	tracer    trace.Tracer
	logger    *slog.Logger
	now       func() time.Time
}

// Option 定义可选配置。
type Option func(*Engine)

// WithEmergencySource 指定应急开关来源，默认读取环境变量。
func WithEmergencySource(src policy.EmergencySource) Option {
	return func(e *Engine) {
		if src != nil {
			e.emergency = src
		}
	}
}

// WithObserver 配置步骤指标观察者。
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		e.observer = o
	}
}

// WithTracer 覆盖默认的 otel tracer。
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithLogger 指定运行日志。
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock 替换时间来源，主要用于测试。
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New 构造引擎。
func New(registry Registry, opts ...Option) *Engine {
	e := &Engine{
		registry:  registry,
		emergency: policy.EnvSource{},
		tracer:    otel.Tracer("AgentGuard/internal/engine"),
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.logger == nil {
		e.logger = logger.Named("engine")
	}
	return e
}

// run 是单次 Execute 内共享的只读状态。
type run struct {
	Context
	emergency policy.Emergency
}

// Execute 顺序执行步骤，遇到第一个失败即停止。应急开关在开始时捕获一次。
func (e *Engine) Execute(ctx context.Context, steps []plan.Step, ec Context) Report {
	r := &run{Context: ec, emergency: e.emergency.Snapshot()}
	report := Report{OK: true, Steps: []StepReport{}}

	for _, step := range steps {
		if stopped(ctx, ec.Stop) {
			report.OK = false
			report.HaltedBecause = FailureStopRequested
			e.logger.Info("执行被停止", slog.String("run_id", ec.RunID), slog.String("reason", ec.Stop.Reason()))
			break
		}
		sr := e.runStep(ctx, step, r, 0)
		report.Steps = append(report.Steps, sr)
		if !sr.Succeeded() {
			report.OK = false
			report.HaltedBecause = sr.FailureClass
			break
		}
	}
	return report
}

func stopped(ctx context.Context, stop cancel.Token) bool {
	return stop.Cancelled() || ctx.Err() != nil
}

func (e *Engine) runStep(ctx context.Context, step plan.Step, r *run, depth int) StepReport {
	ctx, span := e.tracer.Start(ctx, "engine.step",
		trace.WithAttributes(
			attribute.String("step.id", step.StepID),
			attribute.String("step.tool", step.Tool),
			attribute.Int("step.depth", depth),
		))
	defer span.End()

	sr := StepReport{
		Step:      step,
		StartedAt: e.now(),
		Audit: Audit{
			Tool:          step.Tool,
			License:       string(r.License),
			InputRedacted: Redact(step.Input),
		},
	}
	finish := func(class FailureClass, res tool.Result) StepReport {
		sr.FinishedAt = e.now()
		sr.Result = res
		sr.FailureClass = class
		e.record(span, r, sr, depth)
		return sr
	}
	halt := func(class FailureClass, msg string) StepReport {
		return finish(class, tool.Result{Success: false, Error: msg})
	}

	if errs := plan.CheckSafety(step); len(errs) > 0 {
		return halt(FailureInvalidPlan, "Invalid step safety fields: "+strings.Join(errs, "; "))
	}

	t, ok := e.registry.Get(step.Tool)
	if !ok {
		return halt(FailureUnknownTool, "Unknown tool: "+step.Tool)
	}
	sr.Audit.Category = t.Category().String()
	if want := plan.LevelForCategory(t.Category()); step.RiskLevel != want {
		return halt(FailureInvalidPlan, fmt.Sprintf("risk_level mismatch for %s (expected %s, got %s)", t.Name(), want, step.RiskLevel))
	}
	if want := policy.NeedsExplicitConfirmation(t); step.NeedsConfirmation() != want {
		return halt(FailureInvalidPlan, fmt.Sprintf("requires_confirmation mismatch for %s (expected %t, got %t)", t.Name(), want, step.NeedsConfirmation()))
	}

	switch violation, msg := r.emergency.Evaluate(t); violation {
	case policy.ViolationReadOnly, policy.ViolationHighImpactDisabled:
		return halt(FailurePermissionDenied, msg)
	case policy.ViolationBlocked:
		return halt(FailureToolUnavailable, msg)
	case policy.ViolationNone:
	}

	if !policy.CanUseTool(r.License, t) {
		return halt(FailureLicenseBlock, fmt.Sprintf("Blocked by license (%s): %s", r.License, t.Name()))
	}

	if step.NeedsConfirmation() {
		if !policy.IsTokenValidForStep(r.ConfirmationToken, step) {
			return halt(FailureConfirmationRequired, "Explicit confirmation required: "+t.Name())
		}
	}

	res, err := t.Run(ctx, plan.CloneInput(step.Input), tool.Invocation{
		ProjectRoot: r.ProjectRoot,
		StepID:      step.StepID,
		StreamID:    r.StreamID,
		Cancel:      r.Stop,
		Emit:        r.Emit,
	})
	if err != nil {
		res.Success = false
		if res.Error == "" {
			res.Error = err.Error()
		}
	}
	if !res.Success {
		if stopped(ctx, r.Stop) {
			return finish(FailureStopRequested, res)
		}
		return finish(Classify(err, res.Error), res)
	}
	if strings.TrimSpace(res.Output) == "" {
		return halt(FailureVerificationFailed, "Tool claimed success without surfaced output")
	}

	for _, v := range step.VerificationSteps() {
		if stopped(ctx, r.Stop) {
			return finish(FailureStopRequested, res)
		}
		vr := e.runStep(ctx, v, r, depth+1)
		sr.Verification = append(sr.Verification, vr)
		if !vr.Succeeded() {
			return finish(FailureVerificationFailed, res)
		}
	}
	return finish("", res)
}

func (e *Engine) record(span trace.Span, r *run, sr StepReport, depth int) {
	elapsed := sr.FinishedAt.Sub(sr.StartedAt)
	if sr.FailureClass != "" {
		span.SetStatus(codes.Error, string(sr.FailureClass))
		span.SetAttributes(attribute.String("step.failure_class", string(sr.FailureClass)))
	}
	if e.observer != nil {
		e.observer.StepFinished(sr.Audit.Tool, sr.Audit.Category, string(sr.FailureClass), elapsed)
	}

	attrs := []any{
		slog.String("run_id", r.RunID),
		slog.String("step_id", sr.Step.StepID),
		slog.String("tool", sr.Audit.Tool),
		slog.String("category", sr.Audit.Category),
		slog.String("license", sr.Audit.License),
		slog.Int("depth", depth),
		slog.Bool("success", sr.Succeeded()),
		slog.Duration("elapsed", elapsed),
		slog.Any("input", sr.Audit.InputRedacted),
	}
	if sr.FailureClass != "" {
		attrs = append(attrs, slog.String("failure_class", string(sr.FailureClass)), slog.String("error", sr.Result.Error))
		logger.Audit().Warn("step_audit", attrs...)
		return
	}
	logger.Audit().Info("step_audit", attrs...)
}
