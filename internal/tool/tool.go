// Package tool defines the contract every guarded capability implements and
// the registry that acts as the single allowlist of invocable tools.
package tool

import (
	"context"
	"fmt"
	"strings"

	"AgentGuard/internal/cancel"
)

// Category 是工具的风险类别，取值封闭。
type Category int

const (
	CategoryRead Category = iota + 1
	CategorySafeWrite
	CategoryHighImpact
)

// String 返回类别的线上名称。
func (c Category) String() string {
	switch c {
	case CategoryRead:
		return "read"
	case CategorySafeWrite:
		return "safe-write"
	case CategoryHighImpact:
		return "high-impact"
	default:
		return fmt.Sprintf("category(%d)", int(c))
	}
}

// ParseCategory 解析线上名称。
func ParseCategory(raw string) (Category, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "read":
		return CategoryRead, nil
	case "safe-write":
		return CategorySafeWrite, nil
	case "high-impact":
		return CategoryHighImpact, nil
	default:
		return 0, fmt.Errorf("unknown tool category %q", raw)
	}
}

// MarshalText 实现 encoding.TextMarshaler。
func (c Category) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText 实现 encoding.TextUnmarshaler。
func (c *Category) UnmarshalText(text []byte) error {
	parsed, err := ParseCategory(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Result 是一次工具调用的原始结果。
type Result struct {
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// EventType 标识工具在执行过程中发出的增量事件。
type EventType string

const (
	EventChunk   EventType = "chunk"
	EventTimeout EventType = "timeout"
	EventCancel  EventType = "cancel"
)

// Event 是工具执行期间的增量事件。
type Event struct {
	Type   EventType `json:"type"`
	Stream string    `json:"stream,omitempty"`
	Data   string    `json:"data,omitempty"`
	Reason string    `json:"reason,omitempty"`
}

// Invocation 携带单次调用的上下文信息。
type Invocation struct {
	ProjectRoot string
	StepID      string
	StreamID    string
	Cancel      cancel.Token
	Emit        func(Event)
}

// Publish 在配置了事件接收方时转发事件。
func (inv Invocation) Publish(ev Event) {
	if inv.Emit != nil {
		inv.Emit(ev)
	}
}

// Tool 是一个可被引擎调用的命名能力。
type Tool interface {
	Name() string
	Category() Category
	RequiresConfirmation() bool
	// Run 执行工具。返回的 error 表示执行层故障，由引擎归类。
	Run(ctx context.Context, input map[string]any, inv Invocation) (Result, error)
}

// RunFunc 是函数形式的工具实现。
type RunFunc func(ctx context.Context, input map[string]any, inv Invocation) (Result, error)

type funcTool struct {
	name     string
	category Category
	confirm  bool
	run      RunFunc
}

// New 用函数构造一个工具。
func New(name string, category Category, requiresConfirmation bool, run RunFunc) Tool {
	return &funcTool{name: name, category: category, confirm: requiresConfirmation, run: run}
}

func (t *funcTool) Name() string               { return t.name }
func (t *funcTool) Category() Category         { return t.category }
func (t *funcTool) RequiresConfirmation() bool { return t.confirm }

func (t *funcTool) Run(ctx context.Context, input map[string]any, inv Invocation) (Result, error) {
	if t.run == nil {
		return Result{Success: false, Error: "tool has no implementation: " + t.name}, nil
	}
	return t.run(ctx, input, inv)
}
