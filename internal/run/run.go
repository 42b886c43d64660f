// Package run coordinates asynchronous plan runs: it assigns run identities,
// executes plans step by step on a worker pool, relays step events to a live
// subscriber and records a summary of every finished run.
package run

import (
	"time"

	"AgentGuard/internal/engine"
	xerrors "AgentGuard/internal/errors"
	"AgentGuard/internal/plan"
	"AgentGuard/internal/policy"
)

const (
	CodeRunNotFound       xerrors.Code = "RUN_NOT_FOUND"
	CodeRunDispatchFailed xerrors.Code = "RUN_DISPATCH_FAILED"
	CodeStoreFailure      xerrors.Code = "STORE_FAILURE"
	CodePublishFailed     xerrors.Code = "PUBLISH_FAILED"
	CodeRunHalted         xerrors.Code = "RUN_HALTED"
)

var (
	// ErrRunNotFound 表示运行不存在或已结束。
	ErrRunNotFound = xerrors.New(CodeRunNotFound, "plan run not found")
)

func init() {
	xerrors.Register(CodeRunNotFound, xerrors.Attributes{
		Message:  "plan run not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeRunDispatchFailed, xerrors.Attributes{
		Message:   "failed to dispatch plan run",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeStoreFailure, xerrors.Attributes{
		Message:   "failed to persist run summary",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
	xerrors.Register(CodePublishFailed, xerrors.Attributes{
		Message:   "failed to mirror run event",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
	xerrors.Register(CodeRunHalted, xerrors.Attributes{
		Message:  "plan run halted by a guard",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
}

// ConfirmationPhrase 是执行需确认步骤时 confirmationText 必须等于的字面值。
const ConfirmationPhrase = "YES"

// Request 描述一次已校验的执行请求。
type Request struct {
	PlanID            string
	Steps             []plan.Step
	ProjectRoot       string
	License           policy.License
	Confirmed         bool
	ConfirmationText  string
	ConfirmationScope string
}

// confirmed 判断请求是否通过了服务端的显式确认。
func (r Request) confirmed() bool {
	return r.Confirmed && r.ConfirmationText == ConfirmationPhrase
}

// token 返回交给引擎的确认令牌；未确认时为 nil。
func (r Request) token() *policy.ConfirmationToken {
	if !r.confirmed() || r.ConfirmationScope == "" {
		return nil
	}
	return policy.ExplicitToken(r.ConfirmationScope)
}

// Status 表示运行的最终状态。
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusHalted    Status = "halted"
	StatusCancelled Status = "cancelled"
)

// Summary 是已结束运行的持久化摘要。
type Summary struct {
	ID          string          `json:"planRunId"`
	PlanID      string          `json:"planId,omitempty"`
	ProjectRoot string          `json:"projectRoot"`
	License     policy.License  `json:"license"`
	Status      Status          `json:"status"`
	HaltReason  string          `json:"haltReason,omitempty"`
	StepsTotal  int             `json:"stepsTotal"`
	StepsRun    int             `json:"stepsRun"`
	Cancelled   bool            `json:"cancelled"`
	StartedAt   time.Time       `json:"startedAt"`
	FinishedAt  time.Time       `json:"finishedAt"`
	Reports     []engine.Report `json:"reports,omitempty"`
}

// Elapsed 返回运行耗时。
func (s Summary) Elapsed() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}
