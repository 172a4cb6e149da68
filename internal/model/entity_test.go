package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEntity() Entity {
	return Entity{
		ID:          "t1",
		Version:     3,
		VectorClock: VectorClock{"u1": 2},
		Position:    10,
		Status:      StatusTodo,
		Fields:      Object{"title": String("Old"), "points": Int(3)},
	}
}

func TestEntity_ApplyPatch(t *testing.T) {
	e := sampleEntity()

	out, err := e.Apply(Patch{"title": String("Fix bug"), AttrStatus: String("done"), AttrPosition: Int(4)})
	require.NoError(t, err)

	assert.Equal(t, String("Fix bug"), out.Fields["title"])
	assert.Equal(t, StatusDone, out.Status)
	assert.Equal(t, int64(4), out.Position)
	assert.Equal(t, int64(3), out.Version, "apply must not advance version")

	// Original untouched
	assert.Equal(t, String("Old"), e.Fields["title"])
	assert.Equal(t, StatusTodo, e.Status)
}

func TestPatch_Validate(t *testing.T) {
	tests := []struct {
		name    string
		patch   Patch
		wantErr string
	}{
		{"empty", Patch{}, "patch is empty"},
		{"reserved id", Patch{"id": String("x")}, "reserved"},
		{"reserved version", Patch{"version": Int(1)}, "reserved"},
		{"bad status type", Patch{AttrStatus: Int(1)}, "status must be a string"},
		{"unknown status", Patch{AttrStatus: String("blocked")}, "unknown status"},
		{"bad position", Patch{AttrPosition: String("1")}, "position must be an integer"},
		{"nil value", Patch{"title": nil}, "no value"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.patch.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	assert.NoError(t, Patch{"title": String("ok"), "cleared": Null{}}.Validate())
}

func TestEntity_EqualIsCanonical(t *testing.T) {
	a := sampleEntity()
	b := a.Clone()
	assert.True(t, a.Equal(b))

	b.Fields["title"] = String("Other")
	assert.False(t, a.Equal(b))

	// nil and empty collections are equivalent
	c := Entity{ID: "x"}
	d := Entity{ID: "x", Fields: Object{}, VectorClock: VectorClock{}}
	assert.True(t, c.Equal(d))
}

func TestEntity_CloneIsDeep(t *testing.T) {
	a := sampleEntity()
	a.Fields["tags"] = List{String("x")}
	b := a.Clone()

	b.Fields["tags"].(List)[0] = String("y")
	b.VectorClock["u1"] = 99

	assert.Equal(t, String("x"), a.Fields["tags"].(List)[0])
	assert.Equal(t, int64(2), a.VectorClock["u1"])
}

func TestDiff(t *testing.T) {
	from := sampleEntity()
	to := from.Clone()
	to.Status = StatusDone
	to.Fields["title"] = String("New")
	delete(to.Fields, "points")

	d := Diff(from, to)
	assert.Equal(t, Patch{
		AttrStatus: String("done"),
		"title":    String("New"),
		"points":   Null{},
	}, d)
}

func TestEntity_JSONRoundTrip(t *testing.T) {
	e := sampleEntity()
	data, err := json.Marshal(e)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"vectorClock":{"u1":2}`)

	var got Entity
	require.NoError(t, json.Unmarshal(data, &got))
	assert.True(t, e.Equal(got))
}

func TestEntity_JSONRejectsFloats(t *testing.T) {
	var e Entity
	err := json.Unmarshal([]byte(`{"id":"t1","fields":{"estimate":1.5}}`), &e)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "floats")
}
