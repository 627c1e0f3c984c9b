package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type storedTurn struct {
	turn      Turn
	embedding []float32
}

// MemoryStore 是基于进程内存的 Store 实现，适合测试与单机部署。
type MemoryStore struct {
	mu       sync.RWMutex
	seq      int64
	sessions map[string][]storedTurn
}

// NewMemoryStore 创建内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string][]storedTurn)}
}

// Append 实现 Store 接口。
func (s *MemoryStore) Append(_ context.Context, turn Turn, embedding []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	turn.Seq = s.seq
	vec := append([]float32(nil), embedding...)
	s.sessions[turn.SessionID] = append(s.sessions[turn.SessionID], storedTurn{turn: turn, embedding: vec})
	return nil
}

// Recent 实现 Store 接口。
func (s *MemoryStore) Recent(_ context.Context, sessionID string, limit int) ([]Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored := s.sessions[sessionID]
	out := make([]Turn, 0, len(stored))
	for _, item := range stored {
		out = append(out, item.turn)
	}
	SortChronological(out)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// Similar 实现 Store 接口。
func (s *MemoryStore) Similar(_ context.Context, embedding []float32, threshold float64, count int, sessionID string) ([]Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		candidates []Turn
		vectors    [][]float32
	)
	for id, stored := range s.sessions {
		if sessionID != "" && id != sessionID {
			continue
		}
		for _, item := range stored {
			if len(item.embedding) == 0 {
				continue
			}
			candidates = append(candidates, item.turn)
			vectors = append(vectors, item.embedding)
		}
	}
	return RankSimilar(candidates, vectors, embedding, threshold, count), nil
}

// Clear 实现 Store 接口。
func (s *MemoryStore) Clear(_ context.Context, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return false, nil
	}
	delete(s.sessions, sessionID)
	return true, nil
}

// Close 实现 Store 接口。
func (s *MemoryStore) Close() error { return nil }
