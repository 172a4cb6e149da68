package store

import (
	"context"

	"github.com/roach88/tandem/internal/model"
)

// Backend adapts a Store to the client engine's submission and page-fetch
// collaborators, for in-process deployments and scenarios. Every accepted
// mutation is handed to OnCommit (typically a broker publish).
type Backend struct {
	Store    *Store
	Node     string
	OnCommit func(ctx context.Context, ev model.ChangeEvent)
}

// Submit applies req in room. Rejections come back as a Failure result;
// only storage errors are returned as errors.
func (b *Backend) Submit(ctx context.Context, room string, req model.MutationRequest) (model.SubmitResult, error) {
	m, err := b.Store.ApplyMutation(ctx, room, b.Node, req)
	if err != nil {
		if f, ok := Failure(err); ok {
			return model.SubmitResult{Failure: &f}, nil
		}
		return model.SubmitResult{}, err
	}
	if b.OnCommit != nil {
		b.OnCommit(ctx, m.Event)
	}
	entity := m.Entity
	return model.SubmitResult{Entity: &entity}, nil
}

// FetchPage answers a page request from the store.
func (b *Backend) FetchPage(ctx context.Context, req model.PageRequest) (model.PageResponse, error) {
	return b.Store.ListPage(ctx, req)
}
