package cycle

import (
	"context"
	"sort"
	"sync"
	"time"

	"Treasury-Autopilot/internal/agent"
	xerrors "Treasury-Autopilot/internal/errors"
)

// Store 定义周期运行记录的存取接口。
type Store interface {
	Create(ctx context.Context, run *Run) error
	Get(ctx context.Context, id string) (*Run, error)
	Claim(ctx context.Context, id string) (*Run, error)
	Complete(ctx context.Context, id string, decision *agent.Decision, forwarded *Forwarded) error
	Fail(ctx context.Context, id string, code xerrors.Code, lastError string, decision *agent.Decision) error
	List(ctx context.Context, limit int) ([]*Run, error)
	LastDecision(ctx context.Context) (*agent.Decision, error)
}

const (
	defaultListLimit = 20
	maxListLimit     = 200
	defaultCapacity  = 500
)

// MemoryStore 以内存方式保存周期记录，超出容量时淘汰最早结束的记录。
type MemoryStore struct {
	mu       sync.RWMutex
	runs     map[string]*Run
	capacity int
	last     *agent.Decision
	now      func() time.Time
}

// MemoryStoreOption 定义 MemoryStore 的可选配置。
type MemoryStoreOption func(*MemoryStore)

// WithCapacity 设置最多保留的周期数量。
func WithCapacity(n int) MemoryStoreOption {
	return func(m *MemoryStore) {
		if n > 0 {
			m.capacity = n
		}
	}
}

// WithStoreClock 替换时间来源，主要用于测试。
func WithStoreClock(now func() time.Time) MemoryStoreOption {
	return func(m *MemoryStore) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	m := &MemoryStore{
		runs:     make(map[string]*Run),
		capacity: defaultCapacity,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, run *Run) error {
	if run == nil || run.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "周期 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; ok {
		return ErrCycleConflict
	}
	now := m.now()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	if run.Status == "" {
		run.Status = StatusPending
	}
	run.UpdatedAt = now
	m.runs[run.ID] = run.clone()
	m.evictLocked()
	return nil
}

// Get 返回周期记录。
func (m *MemoryStore) Get(_ context.Context, id string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, ErrCycleNotFound
	}
	return run.clone(), nil
}

// Claim 将待处理的周期标记为运行中。已经开始或结束的周期返回 ErrCycleConflict。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, ErrCycleNotFound
	}
	if run.Status != StatusPending {
		return run.clone(), ErrCycleConflict
	}
	run.Status = StatusRunning
	run.UpdatedAt = m.now()
	return run.clone(), nil
}

// Complete 记录成功结果。
func (m *MemoryStore) Complete(_ context.Context, id string, decision *agent.Decision, forwarded *Forwarded) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return ErrCycleNotFound
	}
	run.Status = StatusSucceeded
	run.Decision = decision
	run.Forwarded = forwarded
	run.LastError = ""
	run.ErrorCode = ""
	run.UpdatedAt = m.now()
	if decision != nil {
		m.last = decision
	}
	return nil
}

// Fail 标记周期失败。decision 可以为空。
func (m *MemoryStore) Fail(_ context.Context, id string, code xerrors.Code, lastError string, decision *agent.Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return ErrCycleNotFound
	}
	run.Status = StatusFailed
	run.LastError = lastError
	run.ErrorCode = string(code)
	run.UpdatedAt = m.now()
	if decision != nil {
		run.Decision = decision
		m.last = decision
	}
	return nil
}

// List 按创建时间倒序返回最近的周期。
func (m *MemoryStore) List(_ context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	runs := m.sortedLocked()
	if len(runs) > limit {
		runs = runs[:limit]
	}
	out := make([]*Run, 0, len(runs))
	for _, run := range runs {
		out = append(out, run.clone())
	}
	return out, nil
}

// LastDecision 返回最近一次周期的决策，尚无决策时返回 nil。
func (m *MemoryStore) LastDecision(_ context.Context) (*agent.Decision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last, nil
}

func (m *MemoryStore) sortedLocked() []*Run {
	runs := make([]*Run, 0, len(m.runs))
	for _, run := range m.runs {
		runs = append(runs, run)
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].ID > runs[j].ID
		}
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	return runs
}

func (m *MemoryStore) evictLocked() {
	if len(m.runs) <= m.capacity {
		return
	}
	runs := m.sortedLocked()
	for i := len(runs) - 1; i >= 0 && len(m.runs) > m.capacity; i-- {
		if runs[i].Status.Terminal() {
			delete(m.runs, runs[i].ID)
		}
	}
}

var _ Store = (*MemoryStore)(nil)
