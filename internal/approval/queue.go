// Package approval forwards gated actions to the approval queue. The queue
// itself is an external collaborator: this side only enqueues and receives
// an opaque id; status transitions happen on the review surface.
package approval

import (
	"github.com/google/uuid"

	"AllocMesh/internal/store"
)

// Sink accepts an action with its payload and returns an opaque approval id.
type Sink interface {
	Enqueue(action, payload string) (string, error)
}

// StoreSink persists approval entries in the shared store.
type StoreSink struct {
	Store *store.Store
}

func NewStoreSink(st *store.Store) *StoreSink {
	return &StoreSink{Store: st}
}

func (s *StoreSink) Enqueue(action, payload string) (string, error) {
	id := uuid.NewString()
	if err := s.Store.EnqueueApproval(id, action, payload); err != nil {
		return "", err
	}
	return id, nil
}
