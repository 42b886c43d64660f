package engine

import (
	"time"

	"AgentGuard/internal/plan"
	"AgentGuard/internal/tool"
)

// FailureClass 是步骤失败的分类，同时用作 haltedBecause。
type FailureClass string

const (
	FailureInvalidPlan          FailureClass = "invalid_plan"
	FailureUnknownTool          FailureClass = "unknown_tool"
	FailurePermissionDenied     FailureClass = "permission_denied"
	FailureToolUnavailable      FailureClass = "tool_unavailable"
	FailureLicenseBlock         FailureClass = "license_block"
	FailureConfirmationRequired FailureClass = "confirmation_required"
	FailureTimeout              FailureClass = "timeout"
	FailureVerificationFailed   FailureClass = "verification_failed"
	FailureStopRequested        FailureClass = "stop_requested"
	FailureExecution            FailureClass = "execution_failed"
)

// Audit 是步骤的审计记录，输入中的敏感字段已脱敏。
type Audit struct {
	Tool          string         `json:"tool"`
	Category      string         `json:"category,omitempty"`
	License       string         `json:"license"`
	InputRedacted map[string]any `json:"input_redacted"`
}

// StepReport 是单个步骤的执行结果。
type StepReport struct {
	Step         plan.Step    `json:"step"`
	StartedAt    time.Time    `json:"startedAt"`
	FinishedAt   time.Time    `json:"finishedAt"`
	Result       tool.Result  `json:"result"`
	FailureClass FailureClass `json:"failure_class,omitempty"`
	Audit        Audit        `json:"audit"`
	Verification []StepReport `json:"verification,omitempty"`
}

// Succeeded 判断步骤是否成功。
func (r StepReport) Succeeded() bool {
	return r.FailureClass == ""
}

// Report 是一次 Execute 的最终结果，返回后不再修改。
type Report struct {
	OK            bool         `json:"ok"`
	HaltedBecause FailureClass `json:"haltedBecause,omitempty"`
	Steps         []StepReport `json:"steps"`
}

// Last 返回最后一个已尝试的步骤。
func (r Report) Last() (StepReport, bool) {
	if len(r.Steps) == 0 {
		return StepReport{}, false
	}
	return r.Steps[len(r.Steps)-1], true
}
