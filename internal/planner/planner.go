// Package planner turns an intent into a plan. Planner output is untrusted
// and always re-validated before it is returned to callers.
package planner

import (
	"context"
	"strings"

	"github.com/google/uuid"

	xerrors "AgentGuard/internal/errors"
	"AgentGuard/internal/plan"
)

// CodePlannerFailed 表示规划器产出了无法使用的计划。
const CodePlannerFailed xerrors.Code = "PLANNER_FAILED"

func init() {
	xerrors.Register(CodePlannerFailed, xerrors.Attributes{
		Message:  "planner produced an invalid plan",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}

// Planner 根据意图生成计划。
type Planner interface {
	Plan(ctx context.Context, intentText, projectRoot string) (*plan.Plan, error)
}

// buildTimeoutMs 是静态计划中每个命令的超时时间。
const buildTimeoutMs = 60_000

// Static 是固定模板的规划器：先检查仓库状态，再执行构建。
type Static struct {
	// BuildCommand 默认为 "npm -v && npm run build"。
	BuildCommand string
	newID        func() string
}

// NewStatic 创建静态规划器。
func NewStatic(buildCommand string) *Static {
	return &Static{BuildCommand: buildCommand}
}

// Plan 实现 Planner。
func (s *Static) Plan(ctx context.Context, intentText, projectRoot string) (*plan.Plan, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(intentText) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "intentText is required")
	}
	build := s.BuildCommand
	if strings.TrimSpace(build) == "" {
		build = "npm -v && npm run build"
	}
	newID := s.newID
	if newID == nil {
		newID = uuid.NewString
	}

	inspect := plan.NewStep("inspect:git", "git.status", plan.RiskInspect, map[string]any{
		"cwd": projectRoot,
	})
	inspect.Description = "Inspect repository state"

	buildStep := plan.NewStep("build", "terminal.write", plan.RiskSafeWrite, map[string]any{
		"command":   build,
		"cwd":       projectRoot,
		"timeoutMs": buildTimeoutMs,
	})
	buildStep.Description = "Run the project build"

	p := &plan.Plan{
		PlanID:      newID(),
		IntentText:  intentText,
		ProjectRoot: projectRoot,
		Reasoning:   "Inspect repo state, then run the build and report failures.",
		Steps:       []plan.Step{inspect, buildStep},
	}
	return p, nil
}

// Validated 包装规划器，对其输出做安全契约校验。
type Validated struct {
	Inner Planner
}

// Plan 实现 Planner，校验失败时返回 PLANNER_FAILED。
func (v Validated) Plan(ctx context.Context, intentText, projectRoot string) (*plan.Plan, error) {
	p, err := v.Inner.Plan(ctx, intentText, projectRoot)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, xerrors.New(CodePlannerFailed, "planner returned no plan")
	}
	if errs := plan.ValidatePlan(p.Steps); len(errs) > 0 {
		return nil, xerrors.New(CodePlannerFailed, "planner produced invalid safety contract: "+strings.Join(errs, "; "))
	}
	return p, nil
}
