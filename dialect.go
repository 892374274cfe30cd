package zorel

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Dialect captures the per-database differences the engine cares about:
// placeholder style, identifier quoting, insert id retrieval and catalog
// queries.
type Dialect struct {
	Name                      string
	DriverNames               []string
	IncludeIndexInPlaceholder bool
	QuoteChar                 byte
	SupportsReturning         bool
	QueryListTables           string
	QueryTableColumns         string
}

// Dialects are the supported SQL dialects.
var Dialects = &struct {
	MySQL      *Dialect
	PostgreSQL *Dialect
	SQLite3    *Dialect
}{
	MySQL: &Dialect{
		Name:              "mysql",
		DriverNames:       []string{"mysql"},
		QuoteChar:         '`',
		QueryListTables:   "SHOW TABLES",
		QueryTableColumns: "SELECT column_name FROM information_schema.columns WHERE table_schema = DATABASE() AND table_name = ? ORDER BY ordinal_position",
	},

	PostgreSQL: &Dialect{
		Name:                      "postgres",
		DriverNames:               []string{"pgx", "postgres"},
		IncludeIndexInPlaceholder: true,
		QuoteChar:                 '"',
		SupportsReturning:         true,
		QueryListTables:           "SELECT tablename FROM pg_tables WHERE schemaname = 'public'",
		QueryTableColumns:         "SELECT column_name FROM information_schema.columns WHERE table_name = ? ORDER BY ordinal_position",
	},

	SQLite3: &Dialect{
		Name:              "sqlite3",
		DriverNames:       []string{"sqlite3", "sqlite"},
		QuoteChar:         '"',
		QueryListTables:   "SELECT name FROM sqlite_master WHERE type = 'table'",
		QueryTableColumns: "SELECT name FROM pragma_table_info(?)",
	},
}

// DialectFor returns the dialect registered for a database/sql driver name.
func DialectFor(driver string) (*Dialect, error) {
	for _, d := range []*Dialect{Dialects.MySQL, Dialects.PostgreSQL, Dialects.SQLite3} {
		for _, name := range d.DriverNames {
			if name == driver {
				return d, nil
			}
		}
	}
	return nil, configError("no dialect for driver %q", driver)
}

// Rebind rewrites '?' placeholders into the dialect's native form.
// Quoted literals are left untouched.
func (d *Dialect) Rebind(query string) string {
	if !d.IncludeIndexInPlaceholder || !strings.Contains(query, "?") {
		return query
	}

	var sb strings.Builder
	sb.Grow(len(query) + 16)
	n := 0
	var quote byte
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '?':
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteByte(c)
	}
	return sb.String()
}

// Quote quotes an identifier. It is used for column aliases so the
// Alias__column casing survives case-folding databases.
func (d *Dialect) Quote(ident string) string {
	q := string(d.QuoteChar)
	return q + strings.ReplaceAll(ident, q, q+q) + q
}

// insertDefaults returns the statement inserting a row made only of defaults.
func (d *Dialect) insertDefaults(table string) string {
	if d == Dialects.MySQL {
		return fmt.Sprintf("INSERT INTO %s () VALUES ()", table)
	}
	return fmt.Sprintf("INSERT INTO %s DEFAULT VALUES", table)
}

// listTables returns every table name visible to the connection.
func (d *Dialect) listTables(ctx context.Context, c *Connection) ([]string, error) {
	return c.queryStrings(ctx, d.QueryListTables)
}

// tableColumns returns the column names of table in ordinal order.
func (d *Dialect) tableColumns(ctx context.Context, c *Connection, table string) ([]string, error) {
	return c.queryStrings(ctx, d.QueryTableColumns, table)
}
