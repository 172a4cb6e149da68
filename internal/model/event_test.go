package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChangeEvent_KeyIgnoresTransportMetadata(t *testing.T) {
	payload := sampleEntity()
	a := ChangeEvent{
		Kind:          KindUpdated,
		EntityID:      "t1",
		Payload:       &payload,
		OriginActorID: "u1",
		OriginNodeID:  "node-a",
		VectorClock:   VectorClock{"u1": 2},
		EmittedAt:     time.Unix(100, 0),
	}
	b := a
	b.OriginNodeID = "node-b"
	b.Seq = 42
	b.EmittedAt = time.Unix(200, 0)

	assert.Equal(t, a.MustKey(), b.MustKey())
	assert.Len(t, a.MustKey(), 64)

	c := a
	c.VectorClock = VectorClock{"u1": 3}
	assert.NotEqual(t, a.MustKey(), c.MustKey())
}

func TestChangeEvent_WireFormat(t *testing.T) {
	ev := ChangeEvent{
		Kind:          KindDeleted,
		EntityID:      "t9",
		OriginActorID: "u2",
		OriginNodeID:  "n1",
		VectorClock:   VectorClock{"u2": 1},
		EmittedAt:     time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	data, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"type": "deleted",
		"entityId": "t9",
		"payload": null,
		"originActorId": "u2",
		"originNodeId": "n1",
		"vectorClock": {"u2": 1},
		"emittedAt": "2026-01-02T03:04:05Z"
	}`, string(data))

	var got ChangeEvent
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, KindDeleted, got.Kind)
	assert.Nil(t, got.Payload)
}

func TestChangeEvent_UnknownKindRejected(t *testing.T) {
	var ev ChangeEvent
	err := json.Unmarshal([]byte(`{"type":"renamed","entityId":"x"}`), &ev)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown change kind")
}

func TestChangeEvent_Validate(t *testing.T) {
	assert.Error(t, ChangeEvent{Kind: KindUpdated}.Validate())
	assert.Error(t, ChangeEvent{Kind: KindUpdated, EntityID: "a"}.Validate())

	p := Entity{ID: "b"}
	assert.Error(t, ChangeEvent{Kind: KindCreated, EntityID: "a", Payload: &p}.Validate())
	assert.NoError(t, ChangeEvent{Kind: KindDeleted, EntityID: "a"}.Validate())
}

func TestMarshalCanonical(t *testing.T) {
	got, err := MarshalCanonical(Object{
		"b":    Int(1),
		"a":    String("<x> & \u2028"),
		"list": List{Bool(true), Null{}},
	})
	require.NoError(t, err)
	assert.Equal(t, "{\"a\":\"<x> & \u2028\",\"b\":1,\"list\":[true,null]}", string(got))

	_, err = MarshalCanonical(3.5)
	assert.Error(t, err)
}

func TestMarshalCanonical_NFC(t *testing.T) {
	composed, err := MarshalCanonical(String("\u00e9"))
	require.NoError(t, err)
	decomposed, err := MarshalCanonical(String("e\u0301"))
	require.NoError(t, err)
	assert.Equal(t, composed, decomposed)
}
