package zorel

import (
	"database/sql"
	"strings"
)

// columnTarget tells where a result column goes: the root entity
// (join == -1) or the nested entity of a hydrated join.
type columnTarget struct {
	join  int
	field string
}

// bindColumns maps result columns to entities. Columns named Alias__column
// whose alias is a hydrated join belong to that join; everything else is a
// root column. Aliases match case-insensitively for databases that fold
// unquoted identifiers.
func (q *Query) bindColumns(columns []string) []columnTarget {
	out := make([]columnTarget, len(columns))
	for i, col := range columns {
		out[i] = columnTarget{join: -1, field: col}
		sep := strings.Index(col, "__")
		if sep <= 0 {
			continue
		}
		alias := col[:sep]
		for ji, j := range q.joins {
			if j.hydrated() && strings.EqualFold(j.alias, alias) {
				out[i] = columnTarget{join: ji, field: col[sep+2:]}
				break
			}
		}
	}
	return out
}

// hydrate scans rows into entities, nesting hydrated join rows under their
// parent entity. A join row whose columns are all NULL (no LEFT JOIN match)
// sets the property to nil.
func (q *Query) hydrate(rows *sql.Rows) ([]*Entity, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	targets := q.bindColumns(columns)

	var out []*Entity
	for rows.Next() {
		values := make([]any, len(columns))
		dest := make([]any, len(columns))
		for i := range values {
			dest[i] = &values[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}

		root := make(map[string]any)
		nested := make(map[int]map[string]any)
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			t := targets[i]
			if t.join < 0 {
				root[t.field] = v
				continue
			}
			if nested[t.join] == nil {
				nested[t.join] = make(map[string]any)
			}
			nested[t.join][t.field] = v
		}

		entity := newLoadedEntity(q.table.Alias(), root)
		byAlias := map[string]*Entity{q.alias: entity}
		for ji, j := range q.joins {
			if !j.hydrated() {
				continue
			}
			parent := byAlias[j.parent]
			if parent == nil {
				continue
			}
			fields := nested[ji]
			if allNil(fields) {
				parent.setClean(j.property, nil)
				continue
			}
			child := newLoadedEntity(j.target.Alias(), fields)
			byAlias[j.alias] = child
			parent.setClean(j.property, child)
		}
		out = append(out, entity)
	}
	return out, rows.Err()
}

func allNil(fields map[string]any) bool {
	for _, v := range fields {
		if v != nil {
			return false
		}
	}
	return true
}
