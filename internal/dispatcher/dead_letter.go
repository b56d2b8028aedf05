package dispatcher

import (
	"context"
	"sync"

	"wisefido-telemetry/internal/models"
)

// MemoryDeadLetterStore 进程内死信存储（环形缓冲，总数单独计数）
type MemoryDeadLetterStore struct {
	capacity int

	mu    sync.Mutex
	items []models.DeadLetter
	next  int
	total int64
}

// NewMemoryDeadLetterStore 创建内存死信存储
func NewMemoryDeadLetterStore(capacity int) *MemoryDeadLetterStore {
	if capacity <= 0 {
		capacity = 1000
	}
	return &MemoryDeadLetterStore{capacity: capacity}
}

// SaveDeadLetter 保存死信；超过容量时覆盖最旧的一条
func (s *MemoryDeadLetterStore) SaveDeadLetter(_ context.Context, dl models.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.items) < s.capacity {
		s.items = append(s.items, dl)
	} else {
		s.items[s.next] = dl
		s.next = (s.next + 1) % s.capacity
	}
	s.total++
	return nil
}

// ListDeadLetters 返回最近的死信（新到旧）
func (s *MemoryDeadLetterStore) ListDeadLetters(_ context.Context, limit int) ([]models.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.items)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]models.DeadLetter, 0, limit)
	// 最新一条位于 next-1（环形）
	for i := 0; i < limit; i++ {
		idx := (s.next - 1 - i + 2*n) % n
		if len(s.items) < s.capacity {
			idx = n - 1 - i
		}
		out = append(out, s.items[idx])
	}
	return out, nil
}

// CountDeadLetters 累计死信数量
func (s *MemoryDeadLetterStore) CountDeadLetters(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total, nil
}
