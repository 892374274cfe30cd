package zorel

import (
	"context"
)

// Pluck runs q projected to a single field and scans every value into T.
// Contained associations and hydrated join columns are dropped; filters,
// joins, grouping, order and limit are kept.
//
//	titles, err := zorel.Pluck[string](ctx, articles.Query().Where(zorel.Eq("published", true)), "title")
func Pluck[T any](ctx context.Context, q *Query, field string) ([]T, error) {
	if q.err != nil {
		return nil, q.err
	}
	c := q.Clone()
	c.fields = []string{field}
	c.contain = &containNode{}
	for _, j := range c.joins {
		j.project, j.projectAll = nil, false
	}

	query, args, err := c.toSQL(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := q.table.conn.query(ctx, query, args)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	initialCap := c.limit
	if initialCap <= 0 {
		initialCap = 64
	}
	results := make([]T, 0, initialCap)
	for rows.Next() {
		var val T
		if err := rows.Scan(&val); err != nil {
			return nil, WrapQueryError("SCAN", query, args, err)
		}
		results = append(results, val)
	}
	if err := rows.Err(); err != nil {
		return nil, WrapQueryError("SCAN", query, args, err)
	}
	return results, nil
}

// PluckFirst returns the first value Pluck would return, or
// ErrRecordNotFound.
func PluckFirst[T any](ctx context.Context, q *Query, field string) (T, error) {
	var zero T
	c := q.Clone()
	c.limit = 1
	values, err := Pluck[T](ctx, c, field)
	if err != nil {
		return zero, err
	}
	if len(values) == 0 {
		return zero, ErrRecordNotFound
	}
	return values[0], nil
}
