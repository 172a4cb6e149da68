package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/roach88/tandem/internal/model"
)

// ErrUnavailable wraps transport-level failures and 5xx answers. The engine
// treats these as network errors.
var ErrUnavailable = errors.New("backend unavailable")

// HTTPBackend talks to the server's REST surface:
//
//	POST /rooms/{room}/mutations   MutationRequest -> Entity | MutationFailure
//	GET  /rooms/{room}/entities    ?page=&limit=&filter= -> PageResponse
type HTTPBackend struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPBackend creates a backend client with a request timeout.
func NewHTTPBackend(baseURL string, timeout time.Duration) *HTTPBackend {
	return &HTTPBackend{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: timeout},
	}
}

func (b *HTTPBackend) client() *http.Client {
	if b.Client == nil {
		return http.DefaultClient
	}
	return b.Client
}

func (b *HTTPBackend) roomURL(room, suffix string) (*url.URL, error) {
	u, err := url.Parse(b.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	return u.JoinPath("rooms", room, suffix), nil
}

// Submit sends one mutation. 2xx yields the authoritative entity; 4xx yields
// the rejection body; anything else is an ErrUnavailable error.
func (b *HTTPBackend) Submit(ctx context.Context, room string, req model.MutationRequest) (model.SubmitResult, error) {
	u, err := b.roomURL(room, "mutations")
	if err != nil {
		return model.SubmitResult{}, err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return model.SubmitResult{}, fmt.Errorf("encode mutation: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return model.SubmitResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.client().Do(httpReq)
	if err != nil {
		return model.SubmitResult{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.SubmitResult{}, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var e model.Entity
		if err := json.Unmarshal(raw, &e); err != nil {
			return model.SubmitResult{}, fmt.Errorf("decode entity: %w", err)
		}
		return model.SubmitResult{Entity: &e}, nil

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		var f model.MutationFailure
		if err := json.Unmarshal(raw, &f); err != nil || f.Reason == "" {
			f = model.MutationFailure{Reason: http.StatusText(resp.StatusCode)}
		}
		if f.Code == "" {
			f.Code = codeForStatus(resp.StatusCode)
		}
		return model.SubmitResult{Failure: &f}, nil

	default:
		return model.SubmitResult{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
}

func codeForStatus(status int) string {
	if status == http.StatusConflict || status == http.StatusGone || status == http.StatusNotFound {
		return model.FailureStaleData
	}
	return model.FailureValidation
}

// FetchPage implements pagecache.DataSource.
func (b *HTTPBackend) FetchPage(ctx context.Context, req model.PageRequest) (model.PageResponse, error) {
	if err := req.Validate(); err != nil {
		return model.PageResponse{}, err
	}
	u, err := b.roomURL(req.RoomID, "entities")
	if err != nil {
		return model.PageResponse{}, err
	}
	q := u.Query()
	q.Set("page", strconv.Itoa(req.Page))
	q.Set("limit", strconv.Itoa(req.Limit))
	if len(req.Filter) > 0 {
		f, err := json.Marshal(req.Filter)
		if err != nil {
			return model.PageResponse{}, fmt.Errorf("encode filter: %w", err)
		}
		q.Set("filter", string(f))
	}
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return model.PageResponse{}, err
	}
	resp, err := b.client().Do(httpReq)
	if err != nil {
		return model.PageResponse{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return model.PageResponse{}, fmt.Errorf("fetch page %d: status %d: %s", req.Page, resp.StatusCode, bytes.TrimSpace(raw))
	}
	var out model.PageResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return model.PageResponse{}, fmt.Errorf("decode page: %w", err)
	}
	return out, nil
}
