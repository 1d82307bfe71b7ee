package leads

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Repository defines the interface for lead storage
type Repository interface {
	Add(ctx context.Context, lead Lead) (*Lead, error)
	GetByID(ctx context.Context, id string) (*Lead, error)
	GetByIndex(ctx context.Context, index int) (*Lead, error)
	List(ctx context.Context) ([]Lead, error)
}

// InMemoryRepository keeps leads in load order.
type InMemoryRepository struct {
	mu    sync.RWMutex
	order []string
	leads map[string]*Lead
}

// NewInMemoryRepository creates a new in-memory repository
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		leads: make(map[string]*Lead),
	}
}

// Add validates and stores a lead, assigning an ID when it has none.
func (r *InMemoryRepository) Add(ctx context.Context, lead Lead) (*Lead, error) {
	if err := lead.Validate(); err != nil {
		return nil, err
	}
	if lead.ID == "" {
		lead.ID = uuid.New().String()
	}
	stored := lead

	r.mu.Lock()
	if _, exists := r.leads[stored.ID]; !exists {
		r.order = append(r.order, stored.ID)
	}
	r.leads[stored.ID] = &stored
	r.mu.Unlock()

	out := stored
	return &out, nil
}

// GetByID retrieves a lead by ID
func (r *InMemoryRepository) GetByID(ctx context.Context, id string) (*Lead, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	lead, ok := r.leads[id]
	if !ok {
		return nil, ErrLeadNotFound
	}
	out := *lead
	return &out, nil
}

// GetByIndex returns the lead at the 0-based load position.
func (r *InMemoryRepository) GetByIndex(ctx context.Context, index int) (*Lead, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if index < 0 || index >= len(r.order) {
		return nil, ErrLeadNotFound
	}
	out := *r.leads[r.order[index]]
	return &out, nil
}

// List returns every lead in load order.
func (r *InMemoryRepository) List(ctx context.Context) ([]Lead, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Lead, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.leads[id])
	}
	return out, nil
}
