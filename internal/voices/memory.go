package voices

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore keeps enrolled voices in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	voices map[string]Voice
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{voices: make(map[string]Voice)}
}

func (s *MemoryStore) Add(ctx context.Context, name string, sample Sample) (Voice, error) {
	if err := ctx.Err(); err != nil {
		return Voice{}, err
	}
	if len(sample.Data) == 0 {
		return Voice{}, &StoreError{Status: http.StatusBadRequest, Message: "voice sample is empty"}
	}
	if name == "" {
		return Voice{}, errors.New("voice name is required")
	}
	v := Voice{ID: uuid.NewString(), Name: name}
	s.mu.Lock()
	s.voices[v.ID] = v
	s.mu.Unlock()
	return v, nil
}

func (s *MemoryStore) Get(id string) (Voice, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.voices[id]
	return v, ok
}
