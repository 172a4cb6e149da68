package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// ChangeKind is the closed set of change event kinds.
// Consumers switch exhaustively; unknown strings are rejected at decode time.
type ChangeKind int

const (
	KindCreated ChangeKind = iota + 1
	KindUpdated
	KindDeleted
)

// String returns the wire name.
func (k ChangeKind) String() string {
	switch k {
	case KindCreated:
		return "created"
	case KindUpdated:
		return "updated"
	case KindDeleted:
		return "deleted"
	default:
		return fmt.Sprintf("ChangeKind(%d)", int(k))
	}
}

// ParseChangeKind maps a wire name to a ChangeKind.
func ParseChangeKind(s string) (ChangeKind, error) {
	switch s {
	case "created":
		return KindCreated, nil
	case "updated":
		return KindUpdated, nil
	case "deleted":
		return KindDeleted, nil
	default:
		return 0, fmt.Errorf("unknown change kind %q", s)
	}
}

// MarshalJSON implements json.Marshaler.
func (k ChangeKind) MarshalJSON() ([]byte, error) {
	switch k {
	case KindCreated, KindUpdated, KindDeleted:
		return json.Marshal(k.String())
	default:
		return nil, fmt.Errorf("cannot marshal %s", k)
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (k *ChangeKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseChangeKind(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ChangeEvent is one committed change, used on the wire and internally.
//
// Payload is the full authoritative entity after the change; it is nil for
// deleted events. Seq is the per-room sequence number assigned by the
// broadcast medium (zero until published).
type ChangeEvent struct {
	Kind          ChangeKind  `json:"type"`
	EntityID      string      `json:"entityId"`
	Payload       *Entity     `json:"payload"`
	OriginActorID string      `json:"originActorId"`
	OriginNodeID  string      `json:"originNodeId"`
	VectorClock   VectorClock `json:"vectorClock"`
	EmittedAt     time.Time   `json:"emittedAt"`
	RoomID        string      `json:"roomId,omitempty"`
	Seq           int64       `json:"seq,omitempty"`
}

// Domain prefix for event identity. Version suffix allows future migration.
const DomainChangeEvent = "tandem/change-event/v1"

// Key returns the idempotency key of the event: a domain-separated SHA-256
// over the canonical {entity_id, kind, vector_clock}. Two deliveries of the
// same committed change always share a key regardless of transport metadata.
func (ev ChangeEvent) Key() (string, error) {
	clock := ev.VectorClock
	if clock == nil {
		clock = VectorClock{}
	}
	canonical, err := MarshalCanonical(map[string]any{
		"entity_id":    ev.EntityID,
		"kind":         ev.Kind.String(),
		"vector_clock": clock,
	})
	if err != nil {
		return "", fmt.Errorf("event key: %w", err)
	}
	return hashWithDomain(DomainChangeEvent, canonical), nil
}

// MustKey is like Key but panics on error. Use only in tests.
func (ev ChangeEvent) MustKey() string {
	k, err := ev.Key()
	if err != nil {
		panic(err)
	}
	return k
}

// Validate checks the structural shape of an inbound event.
func (ev ChangeEvent) Validate() error {
	if ev.EntityID == "" {
		return fmt.Errorf("change event: entityId is required")
	}
	switch ev.Kind {
	case KindCreated, KindUpdated:
		if ev.Payload == nil {
			return fmt.Errorf("change event %s %s: payload is required", ev.Kind, ev.EntityID)
		}
		if ev.Payload.ID != ev.EntityID {
			return fmt.Errorf("change event: payload id %q does not match entityId %q", ev.Payload.ID, ev.EntityID)
		}
	case KindDeleted:
	default:
		return fmt.Errorf("change event %s: unknown kind %d", ev.EntityID, int(ev.Kind))
	}
	return nil
}

// hashWithDomain computes SHA256(domain || 0x00 || data).
// The null separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}
