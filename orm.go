package zorel

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
)

// SaveOptions controls Table.Save.
type SaveOptions struct {
	// Atomic wraps the save and every associated save in one transaction
	// and restores the touched entities when it fails. Default true.
	Atomic bool
	// Associated limits which association properties are saved, as
	// association names or dotted paths. nil saves every dirty association
	// property; an empty, non-nil slice saves none.
	Associated []string
}

// SaveOption sets a SaveOptions field.
type SaveOption func(*SaveOptions)

// WithAtomic turns the save transaction on or off.
func WithAtomic(atomic bool) SaveOption {
	return func(o *SaveOptions) {
		o.Atomic = atomic
	}
}

// WithAssociated saves only the named associations.
func WithAssociated(paths ...string) SaveOption {
	return func(o *SaveOptions) {
		o.Associated = append([]string{}, paths...)
	}
}

func newSaveOptions(opts []SaveOption) SaveOptions {
	o := SaveOptions{Atomic: true}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// forAssociation reports whether name is selected and returns the options
// for saving its targets.
func (o SaveOptions) forAssociation(name string) (SaveOptions, bool) {
	child := SaveOptions{Atomic: o.Atomic}
	if o.Associated == nil {
		return child, true
	}
	child.Associated = []string{}
	selected := false
	for _, p := range o.Associated {
		if p == name {
			selected = true
			continue
		}
		if rest, ok := strings.CutPrefix(p, name+"."); ok {
			selected = true
			child.Associated = append(child.Associated, rest)
		}
	}
	return child, selected
}

// DeleteOptions controls Table.Delete.
type DeleteOptions struct {
	// Atomic runs cascades and the delete in one transaction. Default true.
	Atomic bool
}

// DeleteOption sets a DeleteOptions field.
type DeleteOption func(*DeleteOptions)

// WithAtomicDelete turns the delete transaction on or off.
func WithAtomicDelete(atomic bool) DeleteOption {
	return func(o *DeleteOptions) {
		o.Atomic = atomic
	}
}

func newDeleteOptions(opts []DeleteOption) DeleteOptions {
	o := DeleteOptions{Atomic: true}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Save inserts or updates e and the association properties it carries.
// Many-to-one targets are saved first so their keys can be copied into e;
// the other associations are saved after e.
func (t *Table) Save(ctx context.Context, e *Entity, opts ...SaveOption) error {
	return t.save(ctx, e, newSaveOptions(opts))
}

func (t *Table) save(ctx context.Context, e *Entity, o SaveOptions) error {
	if o.Atomic {
		return t.conn.atomically(ctx, func(ctx context.Context) error {
			return t.processSave(ctx, e, o)
		})
	}
	return t.processSave(ctx, e, o)
}

// SaveMany saves every entity. With the atomic option (default) the first
// failure rolls all of them back; otherwise every entity is attempted and
// the failures are joined.
func (t *Table) SaveMany(ctx context.Context, entities []*Entity, opts ...SaveOption) error {
	o := newSaveOptions(opts)
	if o.Atomic {
		return t.conn.atomically(ctx, func(ctx context.Context) error {
			for _, e := range entities {
				if err := t.processSave(ctx, e, o); err != nil {
					return err
				}
			}
			return nil
		})
	}

	var errs []error
	for _, e := range entities {
		if err := t.processSave(ctx, e, o); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *Table) processSave(ctx context.Context, e *Entity, o SaveOptions) error {
	if e.HasErrors() {
		return fmt.Errorf("%w: %s entity has field errors", ErrInvalidEntity, t.alias)
	}
	track(ctx, e)

	if err := runHooks(ctx, t.beforeSave, e); err != nil {
		return err
	}
	if e.HasErrors() {
		return fmt.Errorf("%w: %s entity has field errors", ErrInvalidEntity, t.alias)
	}

	if err := t.saveAssociations(ctx, e, o, true); err != nil {
		return err
	}

	var err error
	if e.IsNew() {
		err = t.insert(ctx, e)
	} else {
		err = t.update(ctx, e)
	}
	if err != nil {
		return err
	}

	if err := t.saveAssociations(ctx, e, o, false); err != nil {
		return err
	}

	e.Clean()
	e.SetNew(false)
	return runHooks(ctx, t.afterSave, e)
}

// saveAssociations saves the dirty association properties of e: the
// many-to-one ones when parents is true, the others otherwise.
func (t *Table) saveAssociations(ctx context.Context, e *Entity, o SaveOptions, parents bool) error {
	for _, a := range t.associations.all() {
		if (a.Type() == ManyToOne) != parents {
			continue
		}
		child, ok := o.forAssociation(a.Name())
		if !ok || !e.IsSet(a.Property()) || !e.IsDirty(a.Property()) {
			continue
		}
		if err := a.SaveAssociated(ctx, e, child); err != nil {
			return wrapAssociationError(a, err)
		}
	}
	return nil
}

// columnFields lists the fields of e that are written as columns: scalars
// that are not association properties, restricted to the configured or
// already loaded columns when they are known.
func (t *Table) columnFields(e *Entity, onlyDirty bool) []string {
	t.mu.Lock()
	known := t.columns
	t.mu.Unlock()

	var out []string
	for _, f := range e.Fields() {
		if f == JoinDataProperty || t.associations.isProperty(f) || !isScalar(e.Get(f)) {
			continue
		}
		if len(known) > 0 && !slices.Contains(known, f) {
			continue
		}
		if onlyDirty && !e.IsDirty(f) {
			continue
		}
		out = append(out, f)
	}
	return out
}

func (t *Table) insert(ctx context.Context, e *Entity) error {
	autoIncrement := ""
	if len(t.primaryKey) == 1 {
		pk := t.primaryKey[0]
		if !e.Has(pk) {
			if t.uuidKey {
				e.Set(pk, uuid.NewString())
			} else {
				autoIncrement = pk
				e.Unset(pk)
			}
		}
	} else if missing := missingKey(e, t.primaryKey); len(missing) > 0 {
		return preconditionError("cannot insert %s: primary key %v is missing", t.alias, missing)
	}

	cols := t.columnFields(e, false)
	args := e.Extract(cols)

	var query string
	if len(cols) == 0 {
		query = t.conn.dialect.insertDefaults(t.name)
	} else {
		query = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			t.name,
			strings.Join(cols, ", "),
			strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "),
		)
	}

	if autoIncrement == "" {
		_, err := t.conn.exec(ctx, "INSERT", query, args)
		return err
	}

	if t.conn.dialect.SupportsReturning {
		query += " RETURNING " + autoIncrement
		rows, err := t.conn.queryPrimary(ctx, "INSERT", query, args)
		if err != nil {
			return err
		}
		defer rows.Close()
		var id any
		if rows.Next() {
			if err := rows.Scan(&id); err != nil {
				return WrapQueryError("INSERT", query, args, err)
			}
		}
		if err := rows.Err(); err != nil {
			return WrapQueryError("INSERT", query, args, err)
		}
		e.Set(autoIncrement, id)
		return nil
	}

	res, err := t.conn.exec(ctx, "INSERT", query, args)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return WrapQueryError("INSERT", query, args, err)
	}
	e.Set(autoIncrement, id)
	return nil
}

func (t *Table) update(ctx context.Context, e *Entity) error {
	cols := t.columnFields(e, true)
	if len(cols) == 0 {
		return nil
	}

	pk := make([]any, len(t.primaryKey))
	for i, col := range t.primaryKey {
		pk[i] = e.Original(col)
	}
	if hasNil(pk) {
		return preconditionError("cannot update %s: primary key %v is missing", t.alias, t.primaryKey)
	}

	var sb strings.Builder
	sb.WriteString("UPDATE " + t.name + " SET ")
	args := make([]any, 0, len(cols)+len(pk))
	for i, c := range cols {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(c + " = ?")
		args = append(args, e.Get(c))
	}
	where, whereArgs, err := mustKeyEquals(t.primaryKey, pk).ToSQL()
	if err != nil {
		return err
	}
	sb.WriteString(" WHERE " + where)
	args = append(args, whereArgs...)

	_, err = t.conn.exec(ctx, "UPDATE", sb.String(), args)
	return err
}

// Delete deletes a persisted entity. Dependent associations are cascaded
// first. It reports false without error when no row was deleted.
func (t *Table) Delete(ctx context.Context, e *Entity, opts ...DeleteOption) (bool, error) {
	o := newDeleteOptions(opts)
	if e.IsNew() {
		return false, preconditionError("cannot delete %s: entity is not persisted", t.alias)
	}
	pk := e.Extract(t.primaryKey)
	if hasNil(pk) {
		return false, preconditionError("cannot delete %s: primary key %v is missing", t.alias, t.primaryKey)
	}

	var deleted bool
	run := func(ctx context.Context) error {
		var err error
		deleted, err = t.processDelete(ctx, e, pk, o)
		return err
	}
	var err error
	if o.Atomic {
		err = t.conn.Transactional(ctx, run)
	} else {
		err = run(ctx)
	}
	if err != nil {
		return false, err
	}
	return deleted, nil
}

func (t *Table) processDelete(ctx context.Context, e *Entity, pk []any, o DeleteOptions) (bool, error) {
	if err := runHooks(ctx, t.beforeDelete, e); err != nil {
		return false, err
	}

	for _, a := range t.associations.all() {
		if err := a.CascadeDelete(ctx, e, o); err != nil {
			return false, wrapAssociationError(a, err)
		}
	}

	n, err := t.DeleteAll(ctx, mustKeyEquals(t.primaryKey, pk))
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	if err := runHooks(ctx, t.afterDelete, e); err != nil {
		return false, err
	}
	return true, nil
}

// mustKeyEquals is keyEquals for callers that already checked the arity.
func mustKeyEquals(fields []string, values []any) Expr {
	e, err := keyEquals(fields, values)
	if err != nil {
		panic(err)
	}
	return e
}

// missingKey returns the key fields e has no value for.
func missingKey(e *Entity, fields []string) []string {
	var out []string
	for _, f := range fields {
		if !e.Has(f) {
			out = append(out, f)
		}
	}
	return out
}
