package plan

import (
	"fmt"
	"strings"

	xerrors "AgentGuard/internal/errors"
)

// CodePlanInvalid 表示计划违反安全约定。
const CodePlanInvalid xerrors.Code = "PLAN_INVALID"

func init() {
	xerrors.Register(CodePlanInvalid, xerrors.Attributes{
		Message:  "invalid plan safety contract",
		Severity: xerrors.SeverityInfo,
	})
}

// CheckSafety 校验单个步骤自身的安全字段，不递归校验步骤。
func CheckSafety(step Step) []string {
	return checkStep(step, "")
}

// ValidateStep 校验第 index 个步骤及其全部校验步骤。
func ValidateStep(step Step, index int) []string {
	return validateRecursive(step, fmt.Sprintf("plan[%d]", index))
}

// ValidatePlan 校验全部步骤，返回所有错误；空计划直接拒绝。
func ValidatePlan(steps []Step) []string {
	if len(steps) == 0 {
		return []string{"plan must contain at least one step"}
	}
	var errs []string
	for i, step := range steps {
		errs = append(errs, ValidateStep(step, i)...)
	}
	return errs
}

// Validate 以统一错误返回校验结果。
func Validate(steps []Step) error {
	errs := ValidatePlan(steps)
	if len(errs) == 0 {
		return nil
	}
	return xerrors.New(CodePlanInvalid, "invalid plan safety contract: "+strings.Join(errs, "; "),
		xerrors.WithMetadata("violations", fmt.Sprint(len(errs))))
}

func validateRecursive(step Step, prefix string) []string {
	errs := checkStep(step, prefix)
	for i, v := range step.VerificationSteps() {
		errs = append(errs, validateRecursive(v, fmt.Sprintf("%s.verification_plan.steps[%d]", prefix, i))...)
	}
	return errs
}

func checkStep(step Step, prefix string) []string {
	field := func(name string) string {
		if prefix == "" {
			return name
		}
		return prefix + "." + name
	}

	level, confirm, ok := ExpectedSafety(step.Risk)
	if !ok {
		return []string{field("risk") + " must be one of: inspect, safe-write, high-impact"}
	}

	var errs []string
	if strings.TrimSpace(step.StepID) == "" {
		errs = append(errs, field("stepId")+" is required")
	}
	if strings.TrimSpace(step.Tool) == "" {
		errs = append(errs, field("tool")+" is required")
	}
	switch {
	case step.RiskLevel == "":
		errs = append(errs, field("risk_level")+" is required")
	case step.RiskLevel != level:
		errs = append(errs, fmt.Sprintf("%s must be %s for risk=%s", field("risk_level"), level, step.Risk))
	}
	switch {
	case step.RequiresConfirmation == nil:
		errs = append(errs, field("requires_confirmation")+" is required")
	case *step.RequiresConfirmation != confirm:
		errs = append(errs, fmt.Sprintf("%s must be %t for risk=%s", field("requires_confirmation"), confirm, step.Risk))
	}
	if step.VerificationPlan == nil || step.VerificationPlan.Steps == nil {
		errs = append(errs, field("verification_plan.steps")+" must be an array")
	}
	if step.NeedsConfirmation() && strings.TrimSpace(step.ConfirmationScope) == "" {
		errs = append(errs, field("confirmationScope")+" is required when requires_confirmation=true")
	}
	return errs
}
