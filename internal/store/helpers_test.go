package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/tandem/internal/model"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// createTestStore creates a new file-backed store in a temp dir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, WithNow(func() time.Time { return fixedNow }))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func createReq(id, actor string, patch model.Patch) model.MutationRequest {
	return model.MutationRequest{EntityID: id, Op: model.OpCreate, Patch: patch, ActorID: actor}
}

func updateReq(id, actor string, base int64, patch model.Patch) model.MutationRequest {
	return model.MutationRequest{EntityID: id, Op: model.OpUpdate, BaseVersion: base, Patch: patch, ActorID: actor}
}

func deleteReq(id, actor string, base int64) model.MutationRequest {
	return model.MutationRequest{EntityID: id, Op: model.OpDelete, BaseVersion: base, ActorID: actor}
}

func mustApply(t *testing.T, s *Store, room string, req model.MutationRequest) Mutation {
	t.Helper()
	m, err := s.ApplyMutation(context.Background(), room, "n1", req)
	require.NoError(t, err)
	return m
}

func title(s string) model.Patch {
	return model.Patch{"title": model.String(s)}
}
