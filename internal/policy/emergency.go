package policy

import (
	"os"
	"sort"
	"strings"

	"AgentGuard/internal/tool"
)

const (
	EnvReadOnly          = "AGENTGUARD_EMERGENCY_READ_ONLY"
	EnvDisableHighImpact = "AGENTGUARD_DISABLE_HIGH_IMPACT"
	EnvBlockTools        = "AGENTGUARD_BLOCK_TOOLS"
)

// Emergency 是一次执行开始时捕获的应急开关快照，不可变。
type Emergency struct {
	ReadOnly          bool
	DisableHighImpact bool
	blocked           map[string]struct{}
}

// NewEmergency 构造快照。
func NewEmergency(readOnly, disableHighImpact bool, blocked ...string) Emergency {
	e := Emergency{ReadOnly: readOnly, DisableHighImpact: disableHighImpact}
	for _, name := range blocked {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if e.blocked == nil {
			e.blocked = make(map[string]struct{})
		}
		e.blocked[name] = struct{}{}
	}
	return e
}

// Blocked 返回排序后的禁用工具名单。
func (e Emergency) Blocked() []string {
	names := make([]string, 0, len(e.blocked))
	for name := range e.blocked {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Merge 合并两个快照，任一来源开启即开启。
func (e Emergency) Merge(other Emergency) Emergency {
	return NewEmergency(
		e.ReadOnly || other.ReadOnly,
		e.DisableHighImpact || other.DisableHighImpact,
		append(e.Blocked(), other.Blocked()...)...,
	)
}

// Active 判断是否有任何开关生效。
func (e Emergency) Active() bool {
	return e.ReadOnly || e.DisableHighImpact || len(e.blocked) > 0
}

func (e Emergency) equal(other Emergency) bool {
	if e.ReadOnly != other.ReadOnly || e.DisableHighImpact != other.DisableHighImpact {
		return false
	}
	return strings.Join(e.Blocked(), ",") == strings.Join(other.Blocked(), ",")
}

// Violation 描述应急开关拒绝工具的原因。
type Violation int

const (
	ViolationNone Violation = iota
	ViolationReadOnly
	ViolationHighImpactDisabled
	ViolationBlocked
)

// Evaluate 按优先级检查工具：只读、禁用高影响、名单。
func (e Emergency) Evaluate(t tool.Tool) (Violation, string) {
	if e.ReadOnly {
		switch t.Category() {
		case tool.CategoryRead:
		case tool.CategorySafeWrite, tool.CategoryHighImpact:
			return ViolationReadOnly, "Emergency read-only mode: " + t.Name() + " is not a read tool"
		default:
			return ViolationReadOnly, "Emergency read-only mode: unknown category for " + t.Name()
		}
	}
	if e.DisableHighImpact && t.Category() == tool.CategoryHighImpact {
		return ViolationHighImpactDisabled, "High-impact tools disabled by emergency switch: " + t.Name()
	}
	if _, ok := e.blocked[t.Name()]; ok {
		return ViolationBlocked, "Tool disabled by emergency block list: " + t.Name()
	}
	return ViolationNone, ""
}

// EmergencySource 提供当前的应急开关状态。
type EmergencySource interface {
	Snapshot() Emergency
}

// EnvSource 从环境变量读取应急开关。
type EnvSource struct {
	Lookup func(string) (string, bool)
}

// Snapshot 实现 EmergencySource。
func (s EnvSource) Snapshot() Emergency {
	lookup := s.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(key string) string {
		v, _ := lookup(key)
		return v
	}
	return NewEmergency(truthy(get(EnvReadOnly)), truthy(get(EnvDisableHighImpact)), strings.Split(get(EnvBlockTools), ",")...)
}

// StaticSource 返回固定快照，主要用于测试。
type StaticSource Emergency

// Snapshot 实现 EmergencySource。
func (s StaticSource) Snapshot() Emergency {
	return Emergency(s)
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
