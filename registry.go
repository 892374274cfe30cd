package zorel

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"

	"github.com/jedib0t/go-pretty/table"
)

// Registry maps table aliases to tables on one connection. Tables are
// created on first lookup, so associations may reference tables declared
// later, themselves or each other.
type Registry struct {
	conn *Connection

	mu     sync.Mutex
	tables map[string]*Table
	order  []string
}

// NewRegistry creates an empty registry on conn.
func NewRegistry(conn *Connection) *Registry {
	return &Registry{
		conn:   conn,
		tables: make(map[string]*Table),
	}
}

// Connection returns the registry's connection.
func (r *Registry) Connection() *Connection { return r.conn }

// Define creates the table registered under alias, or reconfigures it when
// it already exists.
func (r *Registry) Define(alias string, cfg TableConfig) *Table {
	t := r.Get(alias)
	t.configure(cfg)
	return t
}

// Get returns the table registered under alias, creating it with
// conventional settings when missing.
func (r *Registry) Get(alias string) *Table {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tables[alias]; ok {
		return t
	}
	t := newTable(r, alias)
	r.tables[alias] = t
	r.order = append(r.order, alias)
	return t
}

// Has reports whether alias is registered.
func (r *Registry) Has(alias string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tables[alias]
	return ok
}

// Tables returns the registered tables in registration order.
func (r *Registry) Tables() []*Table {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Table, len(r.order))
	for i, alias := range r.order {
		out[i] = r.tables[alias]
	}
	return out
}

// resolve validates every association. Validating a many-to-many
// association registers its junction table, so tables are walked until no
// new one appears.
func (r *Registry) resolve() error {
	done := make(map[*Table]bool)
	for {
		pending := slices.DeleteFunc(r.Tables(), func(t *Table) bool { return done[t] })
		if len(pending) == 0 {
			return nil
		}
		for _, t := range pending {
			done[t] = true
			for _, a := range t.Associations() {
				if err := a.Validate(); err != nil {
					return wrapAssociationError(a, err)
				}
			}
		}
	}
}

// InferredTables lists the database table names of every registered table,
// junction tables included.
func (r *Registry) InferredTables() ([]string, error) {
	if err := r.resolve(); err != nil {
		return nil, err
	}
	var names []string
	for _, t := range r.Tables() {
		if !slices.Contains(names, t.Name()) {
			names = append(names, t.Name())
		}
	}
	return names, nil
}

// Validate checks the registry against the database: association key
// arity, every inferred table present, configured columns and every key
// column of every association present.
func (r *Registry) Validate(ctx context.Context) error {
	inferred, err := r.InferredTables()
	if err != nil {
		return err
	}
	if err := r.validateAllTablesArePresent(ctx, inferred); err != nil {
		return err
	}
	return r.validateTablesSchemas(ctx)
}

func (r *Registry) validateAllTablesArePresent(ctx context.Context, inferred []string) error {
	present, err := r.conn.dialect.listTables(ctx, r.conn)
	if err != nil {
		return err
	}
	for _, name := range inferred {
		if !slices.ContainsFunc(present, func(p string) bool { return strings.EqualFold(p, name) }) {
			return configError("table %s was inferred but not found in the database, database is out of sync", name)
		}
	}
	return nil
}

func (r *Registry) validateTablesSchemas(ctx context.Context) error {
	catalog := make(map[*Table][]string)
	columnsOf := func(t *Table) ([]string, error) {
		if cols, ok := catalog[t]; ok {
			return cols, nil
		}
		cols, err := r.conn.dialect.tableColumns(ctx, r.conn, t.Name())
		if err != nil {
			return nil, err
		}
		catalog[t] = cols
		return cols, nil
	}
	require := func(t *Table, cols []string, what string) error {
		present, err := columnsOf(t)
		if err != nil {
			return err
		}
		for _, c := range cols {
			if !slices.ContainsFunc(present, func(p string) bool { return strings.EqualFold(p, c) }) {
				return configError("column %s.%s (%s) not found in the database", t.Name(), c, what)
			}
		}
		return nil
	}

	for _, t := range r.Tables() {
		if err := require(t, t.PrimaryKey(), "primary key"); err != nil {
			return err
		}
		t.mu.Lock()
		configured := slices.Clone(t.columns)
		t.mu.Unlock()
		if err := require(t, configured, "configured column"); err != nil {
			return err
		}

		for _, a := range t.Associations() {
			var err error
			switch v := a.(type) {
			case *BelongsTo:
				err = require(t, v.ForeignKey(), a.Name()+" foreign key")
				if err == nil {
					err = require(v.Target(), v.BindingKey(), a.Name()+" binding key")
				}
			case *HasOne, *HasMany:
				err = require(a.Target(), a.ForeignKey(), a.Name()+" foreign key")
				if err == nil {
					err = require(t, a.BindingKey(), a.Name()+" binding key")
				}
			case *BelongsToMany:
				j, jerr := v.Junction()
				if jerr != nil {
					return wrapAssociationError(a, jerr)
				}
				err = require(j, append(v.ForeignKey(), v.TargetForeignKey()...), a.Name()+" junction keys")
				if err == nil {
					err = require(t, v.BindingKey(), a.Name()+" binding key")
				}
			}
			if err != nil {
				return wrapAssociationError(a, err)
			}
		}
	}
	return nil
}

// PrintSchematic writes the registered tables and their associations.
func (r *Registry) PrintSchematic(w io.Writer) {
	fmt.Fprintf(w, "SQL Dialect: %s\n", r.conn.dialect.Name)
	for _, t := range r.Tables() {
		fmt.Fprintf(w, "t: %s (%s) pk=%v\n", t.Alias(), t.Name(), t.PrimaryKey())

		tw := table.NewWriter()
		tw.AppendHeader(table.Row{"Association", "Type", "Target", "Foreign Key", "Binding Key", "Property", "Strategy", "Dependent"})
		for _, a := range t.Associations() {
			tw.AppendRow(table.Row{
				a.Name(),
				a.Type(),
				a.Target().Alias(),
				strings.Join(a.ForeignKey(), ","),
				strings.Join(a.BindingKey(), ","),
				a.Property(),
				a.Strategy(),
				a.Dependent(),
			})
		}
		fmt.Fprintln(w, tw.Render())

		for _, a := range t.Associations() {
			if btm, ok := a.(*BelongsToMany); ok {
				fmt.Fprintf(w, "%s N-N %s through %s (%s -> %s)\n", t.Alias(), a.Target().Alias(),
					btm.junctionAlias(), strings.Join(btm.ForeignKey(), ","), strings.Join(btm.TargetForeignKey(), ","))
			}
		}
		fmt.Fprintln(w)
	}
}
