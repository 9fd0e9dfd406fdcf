package message

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "github.com/nnsW3/multicall-handler/internal/errors"
)

// MemoryStore 以内存方式保存消息状态，主要用于测试与单机部署。
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[string]*Message
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{messages: make(map[string]*Message)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "message 不能为空")
	}
	if msg.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "消息 ID 不能为空")
	}
	if _, ok := m.messages[msg.ID]; ok {
		return ErrMessageConflict
	}
	now := time.Now().Unix()
	if msg.CreatedAt == 0 {
		msg.CreatedAt = now
	}
	msg.UpdatedAt = now
	m.messages[msg.ID] = cloneMessage(msg)
	return nil
}

// Get 返回消息。
func (m *MemoryStore) Get(_ context.Context, id string) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, ErrMessageNotFound
	}
	return cloneMessage(msg), nil
}

// Claim 将消息状态更新为执行中。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, ErrMessageNotFound
	}
	switch msg.Status {
	case StatusDelivered:
		return cloneMessage(msg), ErrMessageDelivered
	case StatusExecuting:
		return cloneMessage(msg), ErrMessageConflict
	}
	if msg.Attempts >= msg.MaxRetries {
		return cloneMessage(msg), ErrMessageExhausted
	}
	msg.Status = StatusExecuting
	msg.Attempts++
	msg.LastError = ""
	msg.ErrorCode = ""
	msg.UpdatedAt = time.Now().Unix()
	return cloneMessage(msg), nil
}

// MarkDelivered 记录执行回执并标记消息完成。
func (m *MemoryStore) MarkDelivered(_ context.Context, id string, receipt Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return ErrMessageNotFound
	}
	msg.Status = StatusDelivered
	msg.Receipt = &receipt
	msg.LastError = ""
	msg.ErrorCode = ""
	msg.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkFailed 标记消息失败。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, code xerrors.Code, lastError string, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return ErrMessageNotFound
	}
	msg.Status = StatusFailed
	msg.LastError = lastError
	msg.ErrorCode = string(code)
	msg.UpdatedAt = time.Now().Unix()
	return nil
}

// List 返回符合过滤条件的消息。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Message, 0, len(m.messages))
	for _, msg := range m.messages {
		if !matchesListFilters(msg, opts) {
			continue
		}
		results = append(results, cloneMessage(msg))
	}

	sort.Slice(results, func(i, j int) bool {
		if opts.Order == SortByUpdatedAsc {
			if results[i].UpdatedAt == results[j].UpdatedAt {
				if results[i].CreatedAt == results[j].CreatedAt {
					return results[i].ID < results[j].ID
				}
				return results[i].CreatedAt < results[j].CreatedAt
			}
			return results[i].UpdatedAt < results[j].UpdatedAt
		}
		if results[i].UpdatedAt == results[j].UpdatedAt {
			if results[i].CreatedAt == results[j].CreatedAt {
				return results[i].ID < results[j].ID
			}
			return results[i].CreatedAt > results[j].CreatedAt
		}
		return results[i].UpdatedAt > results[j].UpdatedAt
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(results) {
			return []*Message{}, nil
		}
		results = results[opts.Offset:]
	}
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计符合过滤条件的消息数量与更新时间范围。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (MessageStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	var stats MessageStats
	for _, msg := range m.messages {
		if !matchesListFilters(msg, opts) {
			continue
		}
		stats.Total++
		switch msg.Status {
		case StatusPending:
			stats.Pending++
		case StatusExecuting:
			stats.Executing++
		case StatusDelivered:
			stats.Delivered++
		case StatusFailed:
			stats.Failed++
		}
		if stats.OldestUpdatedAt == 0 || msg.UpdatedAt < stats.OldestUpdatedAt {
			stats.OldestUpdatedAt = msg.UpdatedAt
		}
		if msg.UpdatedAt > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = msg.UpdatedAt
		}
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func matchesListFilters(msg *Message, opts ListOptions) bool {
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if msg.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.UpdatedGTE > 0 && msg.UpdatedAt < opts.UpdatedGTE {
		return false
	}
	if opts.UpdatedLTE > 0 && msg.UpdatedAt > opts.UpdatedLTE {
		return false
	}
	if opts.HasReceipt != nil && receiptHasContent(msg.Receipt) != *opts.HasReceipt {
		return false
	}
	return true
}
