package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tandem/internal/model"
	"github.com/roach88/tandem/internal/store"
)

const traceRoom = "project:board"

// createTraceDB writes a room log of two seeded creates, one update by alice
// and one delete by bob.
func createTraceDB(t *testing.T) (string, *store.Store) {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "trace.db")

	st, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	require.NoError(t, st.Seed(ctx, traceRoom,
		model.Entity{ID: "t1", Position: 10, Fields: model.Object{"title": model.String("Draft")}},
		model.Entity{ID: "t2", Position: 20, Fields: model.Object{"title": model.String("Other")}},
	))
	_, err = st.ApplyMutation(ctx, traceRoom, "n1", model.MutationRequest{
		EntityID: "t1", Op: model.OpUpdate, BaseVersion: 1, ActorID: "alice",
		Patch: model.Patch{"title": model.String("Final")},
	})
	require.NoError(t, err)
	_, err = st.ApplyMutation(ctx, traceRoom, "n1", model.MutationRequest{
		EntityID: "t2", Op: model.OpDelete, BaseVersion: 1, ActorID: "bob",
	})
	require.NoError(t, err)
	return path, st
}

func runTraceCommand(t *testing.T, opts *RootOptions, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewTraceCommand(opts)
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestTraceCommandMissingFlags(t *testing.T) {
	_, err := runTraceCommand(t, &RootOptions{Format: "text"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
}

func TestTraceCommandMissingDatabase(t *testing.T) {
	_, err := runTraceCommand(t, &RootOptions{Format: "text"},
		"--db", filepath.Join(t.TempDir(), "absent.db"), "--room", traceRoom)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "database not found")
}

func TestTraceCommandText(t *testing.T) {
	path, _ := createTraceDB(t)

	out, err := runTraceCommand(t, &RootOptions{Format: "text"}, "--db", path, "--room", traceRoom)
	require.NoError(t, err)
	assert.Contains(t, out, "Trace for Room: project:board")
	assert.Contains(t, out, "[1] created t1 by seed v1")
	assert.Contains(t, out, "[2] created t2 by seed v1")
	assert.Contains(t, out, "[3] updated t1 by alice v2")
	assert.Contains(t, out, "[4] deleted t2 by bob")
	assert.Contains(t, out, "Total Events: 4")
	assert.NotContains(t, out, "=== Verify ===")
}

func TestTraceCommandVerbose(t *testing.T) {
	path, _ := createTraceDB(t)

	out, err := runTraceCommand(t, &RootOptions{Format: "text", Verbose: true}, "--db", path, "--room", traceRoom)
	require.NoError(t, err)
	assert.Contains(t, out, `Clock: {"alice":1}`)
	assert.Contains(t, out, "Node: n1")
}

func TestTraceCommandEntityFilter(t *testing.T) {
	path, _ := createTraceDB(t)

	out, err := runTraceCommand(t, &RootOptions{Format: "json"}, "--db", path, "--room", traceRoom, "--entity", "t1")
	require.NoError(t, err)

	var resp struct {
		Status string      `json:"status"`
		Data   TraceResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	require.Len(t, resp.Data.Timeline, 2)
	assert.Equal(t, int64(1), resp.Data.Timeline[0].Seq)
	assert.Equal(t, int64(3), resp.Data.Timeline[1].Seq)
	assert.Equal(t, TraceStats{TotalEvents: 2, Created: 1, Updated: 1, Entities: 1}, resp.Data.Stats)
}

func TestTraceCommandEmptyRoom(t *testing.T) {
	path, _ := createTraceDB(t)

	out, err := runTraceCommand(t, &RootOptions{Format: "text"}, "--db", path, "--room", "project:other")
	require.NoError(t, err)
	assert.Contains(t, out, "(no events)")
}

func TestTraceCommandVerifyClean(t *testing.T) {
	path, _ := createTraceDB(t)

	out, err := runTraceCommand(t, &RootOptions{Format: "text"}, "--db", path, "--room", traceRoom, "--verify")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ stored state matches the event log")
}

func TestTraceCommandVerifyDiverged(t *testing.T) {
	path, st := createTraceDB(t)
	_, err := st.DB().Exec(`UPDATE entities SET version = 9 WHERE room = ? AND id = 't1'`, traceRoom)
	require.NoError(t, err)

	out, err := runTraceCommand(t, &RootOptions{Format: "text"}, "--db", path, "--room", traceRoom, "--verify")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.True(t, errors.Is(err, store.ErrDiverged))
	assert.Contains(t, out, "✗ t1: stored v9, replayed v2")
}

func TestTraceCommandVerifyDivergedJSON(t *testing.T) {
	path, st := createTraceDB(t)
	_, err := st.DB().Exec(`DELETE FROM entities WHERE room = ? AND id = 't1'`, traceRoom)
	require.NoError(t, err)

	out, err := runTraceCommand(t, &RootOptions{Format: "json"}, "--db", path, "--room", traceRoom, "--verify")
	require.Error(t, err)

	var resp struct {
		Status string      `json:"status"`
		Data   TraceResult `json:"data"`
		Error  *CLIError   `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeDiverged, resp.Error.Code)
	require.NotNil(t, resp.Data.Verified)
	assert.False(t, *resp.Data.Verified)
	assert.Equal(t, []DivergenceReport{{EntityID: "t1", ReplayedVersion: 2}}, resp.Data.Divergences)
}

func TestFormatClock(t *testing.T) {
	assert.Equal(t, "{}", formatClock(nil))
	assert.Equal(t, `{"alice":2,"bob":1}`, formatClock(model.VectorClock{"bob": 1, "alice": 2}))
}
