package directory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"agentrelay/internal/domain"
)

// MemoryStore holds the directory in process memory, preserving insertion
// order. Used by tests and by runs that do not need persistence.
type MemoryStore struct {
	mu        sync.Mutex
	providers []domain.ServiceProvider
}

func NewMemoryStore(seed ...domain.ServiceProvider) *MemoryStore {
	s := &MemoryStore{}
	s.providers = append(s.providers, seed...)
	return s
}

func (s *MemoryStore) List(ctx context.Context) ([]domain.ServiceProvider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ServiceProvider, len(s.providers))
	copy(out, s.providers)
	return out, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (domain.ServiceProvider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.providers {
		if p.ID == id {
			return p, nil
		}
	}
	return domain.ServiceProvider{}, ErrNotFound
}

func (s *MemoryStore) Add(ctx context.Context, p domain.ServiceProvider) (domain.ServiceProvider, error) {
	if err := validateProvider(p); err != nil {
		return p, err
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers = append(s.providers, p)
	return p, nil
}

func (s *MemoryStore) Update(ctx context.Context, p domain.ServiceProvider) error {
	if err := validateProvider(p); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.providers {
		if s.providers[i].ID == p.ID {
			s.providers[i] = p
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.providers {
		if s.providers[i].ID == id {
			s.providers = append(s.providers[:i], s.providers[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}
