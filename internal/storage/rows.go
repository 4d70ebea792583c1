package storage

import (
	"database/sql"

	"github.com/zoravur/syncbroker/internal/reactive"
)

// scanRows reads every row into a column map.
func scanRows(rows *sql.Rows) ([]reactive.Object, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	out := []reactive.Object{}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(reactive.Object, len(cols))
		for i, col := range cols {
			row[col] = deref(values[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func deref(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	default:
		return t
	}
}
