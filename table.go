package zorel

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// TableConfig describes a table. Zero values fall back to conventions:
// the table name is the underscored alias and the primary key is "id".
type TableConfig struct {
	Table          string
	PrimaryKey     []string
	Columns        []string
	UUIDPrimaryKey bool
}

// Hook runs around saves and deletes. Returning an error aborts the
// operation; attaching field errors to the entity in a BeforeSave hook
// fails the save with ErrInvalidEntity.
type Hook func(ctx context.Context, e *Entity) error

// Table is a named record collection: it owns a primary key, the
// associations declared from it and the lifecycle hooks of its entities.
type Table struct {
	alias      string
	name       string
	primaryKey []string
	uuidKey    bool
	registry   *Registry
	conn       *Connection

	mu      sync.Mutex
	columns []string

	associations *associationCollection

	beforeSave   []Hook
	afterSave    []Hook
	beforeDelete []Hook
	afterDelete  []Hook
}

func newTable(r *Registry, alias string) *Table {
	return &Table{
		alias:        alias,
		name:         defaultTableName(alias),
		primaryKey:   []string{"id"},
		registry:     r,
		conn:         r.conn,
		associations: newAssociationCollection(),
	}
}

func (t *Table) configure(cfg TableConfig) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cfg.Table != "" {
		t.name = cfg.Table
	}
	if len(cfg.PrimaryKey) > 0 {
		t.primaryKey = slices.Clone(cfg.PrimaryKey)
	}
	if len(cfg.Columns) > 0 {
		t.columns = slices.Clone(cfg.Columns)
	}
	t.uuidKey = cfg.UUIDPrimaryKey
}

// Alias returns the table alias, used in SQL and as entity source.
func (t *Table) Alias() string { return t.alias }

// Name returns the database table name.
func (t *Table) Name() string { return t.name }

// PrimaryKey returns the ordered primary key columns.
func (t *Table) PrimaryKey() []string { return slices.Clone(t.primaryKey) }

// Registry returns the registry the table belongs to.
func (t *Table) Registry() *Registry { return t.registry }

// Connection returns the table's connection.
func (t *Table) Connection() *Connection { return t.conn }

// Columns returns the table columns, reading them from the database catalog
// the first time when they were not configured.
func (t *Table) Columns(ctx context.Context) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.columns) > 0 {
		return t.columns, nil
	}

	cols, err := t.conn.dialect.tableColumns(ctx, t.conn, t.name)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, configError("table %s has no columns or does not exist", t.name)
	}
	t.columns = cols
	return cols, nil
}

// NewEntity creates an unsaved entity of this table.
func (t *Table) NewEntity(fields map[string]any) *Entity {
	return NewEntity(t.alias, fields)
}

// Query starts a query on the table.
func (t *Table) Query() *Query {
	return newQuery(t)
}

// queryAs starts a query on the table under another alias, as association
// fetches do with the association name.
func (t *Table) queryAs(alias string) *Query {
	q := newQuery(t)
	q.alias = alias
	return q
}

// Get loads one entity by primary key.
func (t *Table) Get(ctx context.Context, pk ...any) (*Entity, error) {
	cond, err := keyEquals(qualify(t.alias, t.primaryKey), pk)
	if err != nil {
		return nil, err
	}
	return t.Query().Where(cond).First(ctx)
}

// Exists reports whether any row matches conds.
func (t *Table) Exists(ctx context.Context, conds ...Expr) (bool, error) {
	n, err := t.Query().Where(conds...).Count(ctx)
	return n > 0, err
}

// OnBeforeSave registers a hook run before an entity is written.
func (t *Table) OnBeforeSave(h Hook) { t.beforeSave = append(t.beforeSave, h) }

// OnAfterSave registers a hook run after an entity and its associations
// were written.
func (t *Table) OnAfterSave(h Hook) { t.afterSave = append(t.afterSave, h) }

// OnBeforeDelete registers a hook run before cascades and the delete.
func (t *Table) OnBeforeDelete(h Hook) { t.beforeDelete = append(t.beforeDelete, h) }

// OnAfterDelete registers a hook run after the row was deleted.
func (t *Table) OnAfterDelete(h Hook) { t.afterDelete = append(t.afterDelete, h) }

func runHooks(ctx context.Context, hooks []Hook, e *Entity) error {
	for _, h := range hooks {
		if err := h(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// Associations returns the associations declared on the table, in
// declaration order.
func (t *Table) Associations() []Association {
	return t.associations.all()
}

// Association returns an association by name.
func (t *Table) Association(name string) (Association, error) {
	a, ok := t.associations.get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s has no association %s", ErrAssociationNotFound, t.alias, name)
	}
	return a, nil
}

// HasAssociation reports whether name is declared on the table.
func (t *Table) HasAssociation(name string) bool {
	_, ok := t.associations.get(name)
	return ok
}

// DeleteAll deletes every row matching conds in one statement, without
// hooks or cascades. Conditions qualified with the table alias are accepted.
func (t *Table) DeleteAll(ctx context.Context, conds ...Expr) (int64, error) {
	query := "DELETE FROM " + t.name
	var args []any
	if len(conds) > 0 {
		where, whereArgs, err := stripAlias(And(conds...), t.alias).ToSQL()
		if err != nil {
			return 0, err
		}
		query += " WHERE " + where
		args = whereArgs
	}
	res, err := t.conn.exec(ctx, "DELETE", query, args)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// UpdateAll sets values on every row matching conds in one statement.
func (t *Table) UpdateAll(ctx context.Context, values map[string]any, conds ...Expr) (int64, error) {
	if len(values) == 0 {
		return 0, nil
	}
	cols := make([]string, 0, len(values))
	for c := range values {
		cols = append(cols, c)
	}
	slices.Sort(cols)

	query := "UPDATE " + t.name + " SET "
	args := make([]any, 0, len(cols))
	for i, c := range cols {
		if i > 0 {
			query += ", "
		}
		query += c + " = ?"
		args = append(args, values[c])
	}
	if len(conds) > 0 {
		where, whereArgs, err := stripAlias(And(conds...), t.alias).ToSQL()
		if err != nil {
			return 0, err
		}
		query += " WHERE " + where
		args = append(args, whereArgs...)
	}
	res, err := t.conn.exec(ctx, "UPDATE", query, args)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
