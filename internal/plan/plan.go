// Package plan holds the plan data model and the safety-contract validator
// that every plan passes before any step runs.
package plan

import (
	"bytes"
	"encoding/json"

	"AgentGuard/internal/tool"
)

// Risk 是步骤的语义风险分类。
type Risk string

const (
	RiskInspect    Risk = "inspect"
	RiskSafeWrite  Risk = "safe-write"
	RiskHighImpact Risk = "high-impact"
)

// RiskLevel 是由 Risk 推导出的等级。
type RiskLevel string

const (
	RiskLevelLow    RiskLevel = "low"
	RiskLevelMedium RiskLevel = "medium"
	RiskLevelHigh   RiskLevel = "high"
)

// Step 是计划中的一个工作单元。
type Step struct {
	StepID               string            `json:"stepId"`
	Tool                 string            `json:"tool"`
	Input                map[string]any    `json:"input,omitempty"`
	Risk                 Risk              `json:"risk"`
	RiskLevel            RiskLevel         `json:"risk_level,omitempty"`
	RequiresConfirmation *bool             `json:"requires_confirmation,omitempty"`
	VerificationPlan     *VerificationPlan `json:"verification_plan,omitempty"`
	ConfirmationScope    string            `json:"confirmationScope,omitempty"`
	Description          string            `json:"description,omitempty"`
}

// NeedsConfirmation 返回步骤声明的确认要求，缺失时为 false。
func (s Step) NeedsConfirmation() bool {
	return s.RequiresConfirmation != nil && *s.RequiresConfirmation
}

// VerificationSteps 返回校验步骤，缺失时为空。
func (s Step) VerificationSteps() []Step {
	if s.VerificationPlan == nil {
		return nil
	}
	return s.VerificationPlan.Steps
}

// VerificationPlan 是主动作之后运行的校验步骤。
// Steps 为 nil 表示字段缺失，空切片表示没有校验步骤。
type VerificationPlan struct {
	Steps []Step `json:"steps"`
}

// UnmarshalJSON 区分 steps 缺失与空数组。
func (v *VerificationPlan) UnmarshalJSON(data []byte) error {
	var raw struct {
		Steps json.RawMessage `json:"steps"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	trimmed := bytes.TrimSpace(raw.Steps)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) || trimmed[0] != '[' {
		v.Steps = nil
		return nil
	}
	steps := []Step{}
	if err := json.Unmarshal(trimmed, &steps); err != nil {
		return err
	}
	v.Steps = steps
	return nil
}

// Plan 是有序且非空的步骤序列。
type Plan struct {
	PlanID      string `json:"planId"`
	IntentText  string `json:"intentText,omitempty"`
	ProjectRoot string `json:"projectRoot,omitempty"`
	Reasoning   string `json:"reasoning,omitempty"`
	Steps       []Step `json:"steps"`
}

// ExpectedSafety 返回 Risk 对应的等级与确认要求。
func ExpectedSafety(risk Risk) (RiskLevel, bool, bool) {
	switch risk {
	case RiskInspect:
		return RiskLevelLow, false, true
	case RiskSafeWrite:
		return RiskLevelMedium, false, true
	case RiskHighImpact:
		return RiskLevelHigh, true, true
	default:
		return "", false, false
	}
}

// LevelForCategory 返回工具类别要求的风险等级。
func LevelForCategory(c tool.Category) RiskLevel {
	switch c {
	case tool.CategoryHighImpact:
		return RiskLevelHigh
	case tool.CategorySafeWrite:
		return RiskLevelMedium
	case tool.CategoryRead:
		return RiskLevelLow
	default:
		return ""
	}
}

// Bool 返回指针，便于构造 RequiresConfirmation。
func Bool(v bool) *bool {
	return &v
}

// NoVerification 返回一个显式为空的校验计划。
func NoVerification() *VerificationPlan {
	return &VerificationPlan{Steps: []Step{}}
}

// NewStep 按 Risk 填充一致的安全字段。
func NewStep(id, toolName string, risk Risk, input map[string]any) Step {
	level, confirm, _ := ExpectedSafety(risk)
	return Step{
		StepID:               id,
		Tool:                 toolName,
		Input:                input,
		Risk:                 risk,
		RiskLevel:            level,
		RequiresConfirmation: Bool(confirm),
		VerificationPlan:     NoVerification(),
	}
}

// CloneInput 深拷贝步骤输入。
func CloneInput(input map[string]any) map[string]any {
	if input == nil {
		return nil
	}
	out := make(map[string]any, len(input))
	for k, v := range input {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CloneInput(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return val
	}
}
