package plan

import (
	"encoding/json"
	"strings"
	"testing"

	xerrors "AgentGuard/internal/errors"
	"AgentGuard/internal/tool"
)

func TestValidatePlanAcceptsConsistentSteps(t *testing.T) {
	deleteStep := NewStep("rm", "file.delete", RiskHighImpact, map[string]any{"path": "./x"})
	deleteStep.ConfirmationScope = "delete ./x"
	steps := []Step{
		NewStep("inspect:git", "git.status", RiskInspect, nil),
		NewStep("build", "terminal.write", RiskSafeWrite, map[string]any{"command": "npm run build"}),
		deleteStep,
	}
	if errs := ValidatePlan(steps); len(errs) != 0 {
		t.Fatalf("expected no errors, got %v", errs)
	}
	if err := Validate(steps); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidatePlanRejectsEmpty(t *testing.T) {
	errs := ValidatePlan(nil)
	if len(errs) != 1 || errs[0] != "plan must contain at least one step" {
		t.Fatalf("unexpected errors %v", errs)
	}
}

func TestValidateStepReportsMissingSafetyFields(t *testing.T) {
	step := Step{StepID: "s", Tool: "file.read", Risk: RiskInspect}
	errs := ValidateStep(step, 2)
	want := []string{
		"plan[2].risk_level is required",
		"plan[2].requires_confirmation is required",
		"plan[2].verification_plan.steps must be an array",
	}
	if strings.Join(errs, "|") != strings.Join(want, "|") {
		t.Fatalf("unexpected errors:\n got %v\nwant %v", errs, want)
	}
}

func TestValidateStepMismatches(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Step)
		want   string
	}{
		{"unknown risk", func(s *Step) { s.Risk = "dangerous" }, "plan[0].risk must be one of: inspect, safe-write, high-impact"},
		{"empty step id", func(s *Step) { s.StepID = "  " }, "plan[0].stepId is required"},
		{"empty tool", func(s *Step) { s.Tool = "" }, "plan[0].tool is required"},
		{"level mismatch", func(s *Step) { s.RiskLevel = RiskLevelLow }, "plan[0].risk_level must be high for risk=high-impact"},
		{"confirmation mismatch", func(s *Step) { s.RequiresConfirmation = Bool(false) }, "plan[0].requires_confirmation must be true for risk=high-impact"},
		{"missing scope", func(s *Step) { s.ConfirmationScope = "" }, "plan[0].confirmationScope is required when requires_confirmation=true"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			step := NewStep("deploy", "deploy.prod", RiskHighImpact, nil)
			step.ConfirmationScope = "deploy prod"
			tc.mutate(&step)
			errs := ValidateStep(step, 0)
			found := false
			for _, e := range errs {
				if e == tc.want {
					found = true
				}
			}
			if !found {
				t.Fatalf("expected %q in %v", tc.want, errs)
			}
		})
	}
}

func TestValidateRecursesIntoVerification(t *testing.T) {
	outer := NewStep("write", "file.write", RiskSafeWrite, nil)
	inner := NewStep("", "file.exists", RiskInspect, nil)
	outer.VerificationPlan.Steps = append(outer.VerificationPlan.Steps, inner)

	errs := ValidatePlan([]Step{outer})
	if len(errs) != 1 || errs[0] != "plan[0].verification_plan.steps[0].stepId is required" {
		t.Fatalf("unexpected errors %v", errs)
	}
	if len(CheckSafety(outer)) != 0 {
		t.Fatal("CheckSafety must not recurse")
	}
}

func TestValidateReturnsCodedError(t *testing.T) {
	err := Validate([]Step{{StepID: "x", Tool: "t", Risk: RiskInspect}})
	if err == nil {
		t.Fatal("expected error")
	}
	if xerrors.CodeOf(err) != CodePlanInvalid {
		t.Fatalf("unexpected code %s", xerrors.CodeOf(err))
	}
	if !strings.Contains(err.Error(), "invalid plan safety contract: plan[0].risk_level is required") {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestVerificationPlanJSONDistinguishesMissingSteps(t *testing.T) {
	var missing Step
	if err := json.Unmarshal([]byte(`{"stepId":"a","tool":"t","risk":"inspect","risk_level":"low","requires_confirmation":false,"verification_plan":{}}`), &missing); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if missing.VerificationPlan == nil || missing.VerificationPlan.Steps != nil {
		t.Fatalf("steps should be nil when absent: %+v", missing.VerificationPlan)
	}
	if len(ValidateStep(missing, 0)) != 1 {
		t.Fatalf("missing steps must be reported: %v", ValidateStep(missing, 0))
	}

	var empty Step
	if err := json.Unmarshal([]byte(`{"stepId":"a","tool":"t","risk":"inspect","risk_level":"low","requires_confirmation":false,"verification_plan":{"steps":[]}}`), &empty); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if errs := ValidateStep(empty, 0); len(errs) != 0 {
		t.Fatalf("empty steps array is valid, got %v", errs)
	}
}

func TestLevelForCategory(t *testing.T) {
	if LevelForCategory(tool.CategoryRead) != RiskLevelLow ||
		LevelForCategory(tool.CategorySafeWrite) != RiskLevelMedium ||
		LevelForCategory(tool.CategoryHighImpact) != RiskLevelHigh {
		t.Fatal("category mapping broken")
	}
}

func TestCloneInputIsDeep(t *testing.T) {
	in := map[string]any{"nested": map[string]any{"k": "v"}, "list": []any{map[string]any{"a": 1}}}
	out := CloneInput(in)
	out["nested"].(map[string]any)["k"] = "changed"
	out["list"].([]any)[0].(map[string]any)["a"] = 2
	if in["nested"].(map[string]any)["k"] != "v" {
		t.Fatal("nested map shared with clone")
	}
	if in["list"].([]any)[0].(map[string]any)["a"] != 1 {
		t.Fatal("nested slice shared with clone")
	}
}
