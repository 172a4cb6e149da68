package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// OpKind is the closed set of local mutation kinds.
type OpKind int

const (
	OpCreate OpKind = iota + 1
	OpUpdate
	OpDelete
)

// String returns the wire name.
func (k OpKind) String() string {
	switch k {
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("OpKind(%d)", int(k))
	}
}

// ParseOpKind maps a wire name to an OpKind.
func ParseOpKind(s string) (OpKind, error) {
	switch s {
	case "create":
		return OpCreate, nil
	case "update":
		return OpUpdate, nil
	case "delete":
		return OpDelete, nil
	default:
		return 0, fmt.Errorf("unknown op kind %q", s)
	}
}

// ChangeKind returns the change event kind an accepted op produces.
func (k OpKind) ChangeKind() ChangeKind {
	switch k {
	case OpCreate:
		return KindCreated
	case OpDelete:
		return KindDeleted
	default:
		return KindUpdated
	}
}

// MarshalJSON implements json.Marshaler.
func (k OpKind) MarshalJSON() ([]byte, error) {
	switch k {
	case OpCreate, OpUpdate, OpDelete:
		return json.Marshal(k.String())
	default:
		return nil, fmt.Errorf("cannot marshal %s", k)
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (k *OpKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseOpKind(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// OpState is the per-attempt state machine: Idle -> Pending -> {Committed | RolledBack}.
type OpState int

const (
	OpIdle OpState = iota
	OpPending
	OpCommitted
	OpRolledBack
)

// String returns a stable name for logs.
func (s OpState) String() string {
	switch s {
	case OpIdle:
		return "idle"
	case OpPending:
		return "pending"
	case OpCommitted:
		return "committed"
	case OpRolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

// PendingOperation is a locally applied edit awaiting backend confirmation.
// At most one exists per entity. It is never persisted.
//
// Snapshot is the full entity before the edit chain began; nil when the
// chain started with a create (rollback removes the entity). Touched is
// the union of attribute names edited along the chain, used when a remote
// change has to be resolved against local intent.
type PendingOperation struct {
	Token       string
	EntityID    string
	Kind        OpKind
	BaseVersion int64
	Patch       Patch
	Touched     Patch
	Snapshot    *Entity
	Clock       VectorClock
	ExpectTick  int64
	Origin      string
	CreatedAt   time.Time
}

// Page is one resident page of ordered entity ids. A Page owns id
// references only; the entity store owns the entities.
type Page struct {
	Number       int
	EntityIDs    []string
	HasNext      bool
	TotalCount   int
	LastAccessed time.Time
}

// Contains reports whether the page references id.
func (p *Page) Contains(id string) bool {
	for _, eid := range p.EntityIDs {
		if eid == id {
			return true
		}
	}
	return false
}

// MutationRequest is the submission sent to the authoritative backend.
type MutationRequest struct {
	EntityID    string `json:"entityId"`
	Op          OpKind `json:"op"`
	BaseVersion int64  `json:"baseVersion"`
	Patch       Patch  `json:"patch,omitempty"`
	ActorID     string `json:"actorId"`
}

// Rejection codes carried by MutationFailure.
const (
	FailureValidation = "validation"
	FailureStaleData  = "stale_data"
)

// MutationFailure is the backend's rejection body.
type MutationFailure struct {
	Code   string `json:"code,omitempty"`
	Reason string `json:"reason"`
}

// PageRequest asks the data source collaborator for one page.
// Page is 1-based.
type PageRequest struct {
	RoomID string `json:"roomId"`
	Page   int    `json:"page"`
	Limit  int    `json:"limit"`
	Filter Object `json:"filter,omitempty"`
}

// Validate checks page request bounds.
func (r PageRequest) Validate() error {
	if r.RoomID == "" {
		return fmt.Errorf("page request: roomId is required")
	}
	if r.Page < 1 {
		return fmt.Errorf("page request: page must be >= 1, got %d", r.Page)
	}
	if r.Limit < 1 {
		return fmt.Errorf("page request: limit must be >= 1, got %d", r.Limit)
	}
	return nil
}

// PageResponse is the data source's reply.
type PageResponse struct {
	Entities    []Entity `json:"entities"`
	HasNextPage bool     `json:"hasNextPage"`
	TotalCount  int      `json:"totalCount"`
}

// SubmitResult is the backend's answer to one MutationRequest: exactly one
// of Entity (accepted) or Failure (rejected) is set. Transport failures are
// reported as errors instead.
type SubmitResult struct {
	Entity  *Entity          `json:"entity,omitempty"`
	Failure *MutationFailure `json:"failure,omitempty"`
}
