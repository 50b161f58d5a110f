package history

import (
	"sync"
	"time"

	"rescuebot/internal/model"
)

// Store keeps the most recent batch summaries in memory, oldest first.
type Store struct {
	mu    sync.RWMutex
	buf   []model.BatchSummary
	limit int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 100
	}
	return &Store{limit: limit}
}

func (s *Store) Add(summary model.BatchSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) < s.limit {
		s.buf = append(s.buf, summary)
		return
	}
	copy(s.buf, s.buf[1:])
	s.buf[len(s.buf)-1] = summary
}

// List returns up to limit of the latest summaries, newest last.
func (s *Store) List(limit int) []model.BatchSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.buf) {
		limit = len(s.buf)
	}
	out := make([]model.BatchSummary, 0, limit)
	for i := len(s.buf) - limit; i < len(s.buf); i++ {
		out = append(out, s.buf[i])
	}
	return out
}

func (s *Store) Since(ts time.Time) []model.BatchSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.BatchSummary, 0)
	for _, b := range s.buf {
		if !b.StartedAt.Before(ts) {
			out = append(out, b)
		}
	}
	return out
}

func (s *Store) Last() (model.BatchSummary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.buf) == 0 {
		return model.BatchSummary{}, false
	}
	return s.buf[len(s.buf)-1], true
}
