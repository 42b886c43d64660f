package run

import (
	"encoding/json"
	"time"

	"AgentGuard/internal/engine"
	"AgentGuard/internal/plan"
	"AgentGuard/internal/policy"
)

// EventType 是运行事件的名称，同时用作 SSE 的 event 字段。
type EventType string

const (
	EventRunStart  EventType = "plan_run_start"
	EventStepStart EventType = "plan_step_start"
	EventChunk     EventType = "chunk"
	EventTimeout   EventType = "timeout"
	EventCancel    EventType = "cancel"
	EventStepEnd   EventType = "plan_step_end"
	EventHalt      EventType = "plan_halt"
	EventRunEnd    EventType = "plan_run_end"
)

// HaltConfirmationRequired 是服务端确认门拒绝步骤时的 halt 原因。
const HaltConfirmationRequired = "confirmation_required"

// Event 是一次运行中按顺序发出的事件。字段按事件类型选择性填充。
type Event struct {
	Type      EventType      `json:"-"`
	Seq       int            `json:"seq"`
	PlanRunID string         `json:"planRunId"`
	StreamID  string         `json:"streamId,omitempty"`
	License   policy.License `json:"license,omitempty"`
	Step      *plan.Step     `json:"step,omitempty"`
	Stream    string         `json:"stream,omitempty"`
	Data      string         `json:"data,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	OK        *bool          `json:"ok,omitempty"`
	Report    *engine.Report `json:"report,omitempty"`
	Cancelled *bool          `json:"cancelled,omitempty"`
	Time      time.Time      `json:"time"`
}

func boolPtr(v bool) *bool {
	return &v
}

// MarshalEnvelope 编码为带 type 字段的 JSON，用于镜像到外部消息系统。
func (e Event) MarshalEnvelope() ([]byte, error) {
	type payload Event
	return json.Marshal(struct {
		Type EventType `json:"type"`
		payload
	}{Type: e.Type, payload: payload(e)})
}
