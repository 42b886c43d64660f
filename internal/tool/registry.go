package tool

import (
	"sort"
	"sync"

	xerrors "AgentGuard/internal/errors"
)

const (
	CodeToolDuplicate xerrors.Code = "TOOL_DUPLICATE"
	CodeToolNotFound  xerrors.Code = "TOOL_NOT_FOUND"
)

func init() {
	xerrors.Register(CodeToolDuplicate, xerrors.Attributes{
		Message:  "duplicate tool registration",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeToolNotFound, xerrors.Attributes{
		Message:  "tool not registered",
		Severity: xerrors.SeverityInfo,
	})
}

// Info 是工具的只读描述，用于列表展示。
type Info struct {
	Name                 string   `json:"name"`
	Category             Category `json:"category"`
	RequiresConfirmation bool     `json:"requiresConfirmation"`
}

// Registry 是唯一的工具白名单，启动阶段注册完成后只读。
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry 创建空注册表。
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register 注册工具，名称重复时返回 TOOL_DUPLICATE。
func (r *Registry) Register(t Tool) error {
	if t == nil || t.Name() == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "tool must have a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		return xerrors.New(CodeToolDuplicate, "Duplicate tool registration: "+t.Name(),
			xerrors.WithMetadata("tool", t.Name()))
	}
	r.tools[t.Name()] = t
	return nil
}

// RegisterMany 批量注册，遇到第一个错误即停止。
func (r *Registry) RegisterMany(tools ...Tool) error {
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// MustRegister 在启动阶段注册工具，失败视为编程错误。
func (r *Registry) MustRegister(tools ...Tool) {
	if err := r.RegisterMany(tools...); err != nil {
		panic(err)
	}
}

// Get 按名称查找工具。
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Lookup 与 Get 相同，但以错误形式返回未找到。
func (r *Registry) Lookup(name string) (Tool, error) {
	if t, ok := r.Get(name); ok {
		return t, nil
	}
	return nil, xerrors.New(CodeToolNotFound, "Unknown tool: "+name)
}

// Has 判断工具是否存在。
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// List 返回排序后的工具名称。
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Describe 返回按名称排序的工具描述。
func (r *Registry) Describe() []Info {
	names := r.List()
	infos := make([]Info, 0, len(names))
	for _, name := range names {
		t, ok := r.Get(name)
		if !ok {
			continue
		}
		infos = append(infos, Info{Name: name, Category: t.Category(), RequiresConfirmation: t.RequiresConfirmation()})
	}
	return infos
}
