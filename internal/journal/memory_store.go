package journal

import (
	"context"
	"sync"
)

// MemoryStore 提供内存版执行日志，用于本地运行与测试。
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
	nextID  int64
}

// NewMemoryStore 构造内存日志存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nextID: 1}
}

// Append 追加一条记录。
func (s *MemoryStore) Append(ctx context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.ID = s.nextID
	s.nextID++
	s.entries = append(s.entries, entry)
	return nil
}

// List 按时间倒序返回符合条件的记录。
func (s *MemoryStore) List(ctx context.Context, filter Filter) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	result := make([]Entry, 0, limit)
	for i := len(s.entries) - 1; i >= 0 && len(result) < limit; i-- {
		entry := s.entries[i]
		if filter.Kind != "" && entry.Kind != filter.Kind {
			continue
		}
		result = append(result, entry)
	}
	return result, nil
}

// Close 实现 Store。
func (s *MemoryStore) Close() error {
	return nil
}
