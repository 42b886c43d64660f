package run

import (
	"context"
	"sort"
	"sync"

	"AgentGuard/internal/engine"
	xerrors "AgentGuard/internal/errors"
)

// Store 保存已结束运行的摘要。
type Store interface {
	Save(ctx context.Context, summary Summary) error
	Get(ctx context.Context, id string) (*Summary, error)
	List(ctx context.Context, limit int) ([]Summary, error)
	Close() error
}

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// NormalizeLimit 把列表上限约束在 [1, 100]，缺省为 20。
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

// MemoryStore 在内存中保留最近的运行摘要。
type MemoryStore struct {
	mu       sync.RWMutex
	capacity int
	order    []string
	runs     map[string]Summary
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore 创建 MemoryStore，capacity 为保留的摘要数量。
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = 512
	}
	return &MemoryStore{capacity: capacity, runs: make(map[string]Summary)}
}

// Save 实现 Store 接口，重复保存同一 ID 时覆盖旧记录。
func (m *MemoryStore) Save(_ context.Context, summary Summary) error {
	if summary.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "运行 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[summary.ID]; !ok {
		m.order = append(m.order, summary.ID)
	}
	m.runs[summary.ID] = cloneSummary(summary)
	for len(m.order) > m.capacity {
		oldest := m.order[0]
		m.order = m.order[1:]
		delete(m.runs, oldest)
	}
	return nil
}

// Get 实现 Store 接口。
func (m *MemoryStore) Get(_ context.Context, id string) (*Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	clone := cloneSummary(s)
	return &clone, nil
}

// List 按结束时间倒序返回摘要，不包含步骤报告。
func (m *MemoryStore) List(_ context.Context, limit int) ([]Summary, error) {
	limit = NormalizeLimit(limit)
	m.mu.RLock()
	out := make([]Summary, 0, len(m.runs))
	for _, s := range m.runs {
		s.Reports = nil
		out = append(out, s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].FinishedAt.Equal(out[j].FinishedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].FinishedAt.After(out[j].FinishedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close 实现 Store 接口。
func (m *MemoryStore) Close() error {
	return nil
}

func cloneSummary(s Summary) Summary {
	if s.Reports != nil {
		s.Reports = append([]engine.Report(nil), s.Reports...)
	}
	return s
}
