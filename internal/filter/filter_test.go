package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tandem/internal/model"
)

func TestFromObject_SortedConjunction(t *testing.T) {
	p, err := FromObject(model.Object{
		"status":   model.String("done"),
		"assignee": model.String("u2"),
	})
	require.NoError(t, err)

	assert.Equal(t, And{Predicates: []Predicate{
		Equals{Attr: "assignee", Value: model.String("u2")},
		Equals{Attr: "status", Value: model.String("done")},
	}}, p)

	p, err = FromObject(nil)
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestFromObject_Rejects(t *testing.T) {
	bad := []model.Object{
		{"status": model.String("someday")},
		{"status": model.Int(1)},
		{"position": model.String("1")},
		{"assignee') OR 1=1 --": model.String("x")},
		{"tags": model.List{model.String("a")}},
	}
	for _, obj := range bad {
		_, err := FromObject(obj)
		assert.Error(t, err, "%v", obj)
	}
}

func TestCompile(t *testing.T) {
	tests := []struct {
		name   string
		pred   Predicate
		sql    string
		params []any
	}{
		{"nil", nil, "1 = 1", nil},
		{"empty and", And{}, "1 = 1", nil},
		{"status", Equals{Attr: "status", Value: model.String("todo")}, "status = ?", []any{"todo"}},
		{"position", Equals{Attr: "position", Value: model.Int(3)}, "position = ?", []any{int64(3)}},
		{"string field", Equals{Attr: "assignee", Value: model.String("u1")},
			"json_extract(fields, '$.assignee') = ?", []any{"u1"}},
		{"null field", Equals{Attr: "assignee", Value: model.Null{}},
			"json_extract(fields, '$.assignee') IS NULL", nil},
		{"bool field", Equals{Attr: "urgent", Value: model.Bool(true)},
			"json_type(fields, '$.urgent') = ?", []any{"true"}},
		{"conjunction", And{Predicates: []Predicate{
			Equals{Attr: "points", Value: model.Int(5)},
			Equals{Attr: "status", Value: model.String("done")},
		}}, "json_extract(fields, '$.points') = ? AND status = ?", []any{int64(5), "done"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, params, err := Compile(tt.pred)
			require.NoError(t, err)
			assert.Equal(t, tt.sql, sql)
			assert.Equal(t, tt.params, params)
		})
	}
}

func TestCompile_RejectsInvalidField(t *testing.T) {
	_, _, err := Compile(Equals{Attr: "a.b", Value: model.String("x")})
	assert.Error(t, err)
}

func TestMatch(t *testing.T) {
	e := model.Entity{
		ID:       "t1",
		Status:   model.StatusDone,
		Position: 4,
		Fields:   model.Object{"assignee": model.String("u2"), "urgent": model.Bool(true), "cleared": model.Null{}},
	}

	assert.True(t, Match(nil, e))
	assert.True(t, Match(Equals{Attr: "status", Value: model.String("done")}, e))
	assert.False(t, Match(Equals{Attr: "status", Value: model.String("todo")}, e))
	assert.True(t, Match(Equals{Attr: "position", Value: model.Int(4)}, e))
	assert.True(t, Match(Equals{Attr: "urgent", Value: model.Bool(true)}, e))
	assert.True(t, Match(Equals{Attr: "missing", Value: model.Null{}}, e))
	assert.True(t, Match(Equals{Attr: "cleared", Value: model.Null{}}, e))
	assert.False(t, Match(Equals{Attr: "assignee", Value: model.Null{}}, e))

	p, err := FromObject(model.Object{"status": model.String("done"), "assignee": model.String("u3")})
	require.NoError(t, err)
	assert.False(t, Match(p, e))
}
