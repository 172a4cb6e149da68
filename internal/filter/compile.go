package filter

import (
	"fmt"
	"strings"

	"github.com/roach88/tandem/internal/model"
)

// Compile lowers p to a WHERE fragment over the entities table.
//
// status and position map to their columns; every other attribute reads the
// fields JSON column through json_extract. Values are always bound as
// parameters, never interpolated. A nil predicate compiles to "1 = 1".
func Compile(p Predicate) (string, []any, error) {
	switch pred := p.(type) {
	case nil:
		return "1 = 1", nil, nil
	case Equals:
		return compileEquals(pred)
	case And:
		if len(pred.Predicates) == 0 {
			return "1 = 1", nil, nil
		}
		parts := make([]string, 0, len(pred.Predicates))
		var params []any
		for _, child := range pred.Predicates {
			sql, ps, err := Compile(child)
			if err != nil {
				return "", nil, err
			}
			parts = append(parts, sql)
			params = append(params, ps...)
		}
		return strings.Join(parts, " AND "), params, nil
	default:
		return "", nil, fmt.Errorf("unsupported predicate type: %T", p)
	}
}

func compileEquals(eq Equals) (string, []any, error) {
	if err := validateEquals(eq); err != nil {
		return "", nil, err
	}
	switch eq.Attr {
	case model.AttrStatus:
		return "status = ?", []any{string(eq.Value.(model.String))}, nil
	case model.AttrPosition:
		return "position = ?", []any{int64(eq.Value.(model.Int))}, nil
	}

	col := fmt.Sprintf("json_extract(fields, '$.%s')", eq.Attr)
	switch v := eq.Value.(type) {
	case model.Null:
		return col + " IS NULL", nil, nil
	case model.String:
		return col + " = ?", []any{string(v)}, nil
	case model.Int:
		return col + " = ?", []any{int64(v)}, nil
	case model.Bool:
		// json_extract yields 1/0 for JSON booleans; the type check keeps
		// true from matching the integer 1.
		typed := fmt.Sprintf("json_type(fields, '$.%s') = ?", eq.Attr)
		if v {
			return typed, []any{"true"}, nil
		}
		return typed, []any{"false"}, nil
	default:
		return "", nil, fmt.Errorf("filter %s: unsupported value type %T", eq.Attr, eq.Value)
	}
}
