package transport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tandem/internal/model"
)

func TestHTTPBackend_Submit(t *testing.T) {
	var status int
	var body string
	var got model.MutationRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/rooms/room-1/mutations", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	b := NewHTTPBackend(srv.URL, time.Second)
	req := model.MutationRequest{EntityID: "t1", Op: model.OpUpdate, BaseVersion: 3, ActorID: "u1",
		Patch: model.Patch{"title": model.String("x")}}

	t.Run("accepted", func(t *testing.T) {
		status = http.StatusOK
		body = `{"id":"t1","version":4,"vectorClock":{"u1":1},"position":0,"status":"todo","fields":{"title":"x"}}`
		res, err := b.Submit(t.Context(), "room-1", req)
		require.NoError(t, err)
		require.NotNil(t, res.Entity)
		assert.Nil(t, res.Failure)
		assert.Equal(t, int64(4), res.Entity.Version)
		assert.Equal(t, req, got)
	})

	t.Run("rejected with body", func(t *testing.T) {
		status = http.StatusUnprocessableEntity
		body = `{"code":"validation","reason":"title too long"}`
		res, err := b.Submit(t.Context(), "room-1", req)
		require.NoError(t, err)
		require.NotNil(t, res.Failure)
		assert.Equal(t, model.MutationFailure{Code: model.FailureValidation, Reason: "title too long"}, *res.Failure)
	})

	t.Run("conflict without body is stale data", func(t *testing.T) {
		status = http.StatusConflict
		body = ``
		res, err := b.Submit(t.Context(), "room-1", req)
		require.NoError(t, err)
		require.NotNil(t, res.Failure)
		assert.Equal(t, model.FailureStaleData, res.Failure.Code)
		assert.Equal(t, "Conflict", res.Failure.Reason)
	})

	t.Run("server error is unavailable", func(t *testing.T) {
		status = http.StatusServiceUnavailable
		body = ``
		_, err := b.Submit(t.Context(), "room-1", req)
		assert.ErrorIs(t, err, ErrUnavailable)
	})
}

func TestHTTPBackend_SubmitUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewHTTPBackend(url, time.Second).Submit(t.Context(), "room-1", model.MutationRequest{EntityID: "t1", Op: model.OpDelete})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestHTTPBackend_FetchPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rooms/room-1/entities", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "2", q.Get("page"))
		assert.Equal(t, "25", q.Get("limit"))
		assert.JSONEq(t, `{"status":"done"}`, q.Get("filter"))
		_ = json.NewEncoder(w).Encode(model.PageResponse{
			Entities:    []model.Entity{{ID: "t9", Version: 1, Status: model.StatusDone, Fields: model.Object{}}},
			HasNextPage: true,
			TotalCount:  51,
		})
	}))
	defer srv.Close()

	b := NewHTTPBackend(srv.URL, time.Second)
	resp, err := b.FetchPage(t.Context(), model.PageRequest{
		RoomID: "room-1",
		Page:   2,
		Limit:  25,
		Filter: model.Object{"status": model.String("done")},
	})
	require.NoError(t, err)
	assert.True(t, resp.HasNextPage)
	assert.Equal(t, 51, resp.TotalCount)
	require.Len(t, resp.Entities, 1)
	assert.Equal(t, "t9", resp.Entities[0].ID)

	_, err = b.FetchPage(t.Context(), model.PageRequest{RoomID: "room-1", Page: 0, Limit: 1})
	assert.Error(t, err)
}
