package zorel

import (
	"context"
	"fmt"
	"slices"
)

// HasOne is a one-to-one association. The foreign key lives on the target
// row and references the source's binding key.
type HasOne struct {
	association
}

// Type returns OneToOne.
func (a *HasOne) Type() AssociationType { return OneToOne }

func (a *HasOne) singular() bool { return true }

// ForeignKey defaults to singular(source alias)_id on the target.
func (a *HasOne) ForeignKey() []string { return childForeignKey(&a.association) }

// BindingKey defaults to the source's primary key.
func (a *HasOne) BindingKey() []string { return childBindingKey(&a.association) }

// Property defaults to the underscored singular of the name.
func (a *HasOne) Property() string { return a.property(true) }

// Strategy returns the configured loading strategy, StrategyJoin by default.
func (a *HasOne) Strategy() Strategy { return a.strategy(true) }

// IsOwningSide reports true for the source.
func (a *HasOne) IsOwningSide(t *Table) bool { return t == a.source }

// Validate checks the keys and the loading strategy.
func (a *HasOne) Validate() error {
	return validateKeys(a, a.ForeignKey(), a.BindingKey())
}

// Find returns a query over the target table with the association conditions.
func (a *HasOne) Find() *Query { return findChildren(&a.association) }

// FindFor returns the query loading the child of source.
func (a *HasOne) FindFor(source *Entity) (*Query, error) { return findChildrenFor(a, source) }

// EagerLoader fetches the children of opts.Keys, keyed by foreign key.
func (a *HasOne) EagerLoader(ctx context.Context, opts EagerLoadOptions) (*Injector, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return loadAssociated(ctx, childLoaderSpec(a, a.Find(), a.onDuplicate()), opts)
}

// AttachTo joins the target onto q and hydrates it into the property.
func (a *HasOne) AttachTo(q *Query, opts AttachOptions) error {
	if err := a.Validate(); err != nil {
		return err
	}
	return attachSingle(q, a, opts, a.BindingKey(), a.ForeignKey(), a.joinType())
}

// SaveAssociated copies the source's binding key into the target's foreign
// key and saves the target.
func (a *HasOne) SaveAssociated(ctx context.Context, e *Entity, opts SaveOptions) error {
	target := e.Entity(a.Property())
	if target == nil {
		return nil
	}
	if err := a.Validate(); err != nil {
		return err
	}
	track(ctx, target)
	pushKeys(e, a.BindingKey(), target, a.ForeignKey())
	return a.Target().save(ctx, target, opts)
}

// CascadeDelete deletes the child of e when the association is dependent.
func (a *HasOne) CascadeDelete(ctx context.Context, e *Entity, opts DeleteOptions) error {
	return cascadeChildren(ctx, a, e, opts)
}

// childForeignKey is the foreign key of one-to-one and one-to-many
// associations, stored on the target.
func childForeignKey(a *association) []string {
	if len(a.cfg.ForeignKey) > 0 {
		return slices.Clone(a.cfg.ForeignKey)
	}
	return []string{defaultForeignKey(a.source.Alias())}
}

func childBindingKey(a *association) []string {
	if len(a.cfg.BindingKey) > 0 {
		return slices.Clone(a.cfg.BindingKey)
	}
	return a.source.PrimaryKey()
}

func findChildren(a *association) *Query {
	return a.Target().queryAs(a.name).Where(a.cfg.Conditions...).OrderBy(a.cfg.Sort...)
}

func findChildrenFor(a Association, source *Entity) (*Query, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	values := source.Extract(a.BindingKey())
	if hasNil(values) {
		return nil, preconditionError("%s has no value for %v", source.Source(), a.BindingKey())
	}
	cond, err := keyEquals(qualify(a.Name(), a.ForeignKey()), values)
	if err != nil {
		return nil, err
	}
	return a.Find().Where(cond), nil
}

func childLoaderSpec(a Association, base *Query, policy DuplicatePolicy) loaderSpec {
	fk := a.ForeignKey()
	return loaderSpec{
		assoc:          a,
		sourceKeys:     a.BindingKey(),
		filterFields:   qualify(a.Name(), fk),
		requiredFields: fk,
		resultKey:      func(row *Entity) []any { return row.Extract(fk) },
		base:           base,
		singular:       a.singular(),
		policy:         policy,
	}
}

// pushKeys copies src's key values into dst's columns.
func pushKeys(src *Entity, srcCols []string, dst *Entity, dstCols []string) {
	for i := range srcCols {
		dst.Set(dstCols[i], src.Get(srcCols[i]))
	}
}

// childConditions selects the target rows of e, without alias so it can
// feed DELETE and UPDATE statements.
func childConditions(a Association, e *Entity) ([]Expr, bool, error) {
	values := e.Extract(a.BindingKey())
	if hasNil(values) {
		return nil, false, nil
	}
	cond, err := keyEquals(a.ForeignKey(), values)
	if err != nil {
		return nil, false, err
	}
	conds := []Expr{cond}
	for _, c := range a.Conditions() {
		conds = append(conds, stripAlias(c, a.Name()))
	}
	return conds, true, nil
}

// cascadeChildren deletes the dependent target rows of e: in bulk, or one
// by one through the target table when cascade callbacks are on, stopping
// at the first failure.
func cascadeChildren(ctx context.Context, a Association, e *Entity, opts DeleteOptions) error {
	if !a.Dependent() {
		return nil
	}
	conds, ok, err := childConditions(a, e)
	if err != nil || !ok {
		return err
	}
	target := a.Target()

	if !a.CascadeCallbacks() {
		_, err := target.DeleteAll(ctx, conds...)
		return err
	}

	rows, err := target.Query().Where(conds...).All(ctx)
	if err != nil {
		return err
	}
	return deleteEach(ctx, target, rows, opts)
}

func deleteEach(ctx context.Context, t *Table, rows []*Entity, opts DeleteOptions) error {
	o := []DeleteOption{WithAtomicDelete(opts.Atomic)}
	for _, row := range rows {
		ok, err := t.Delete(ctx, row, o...)
		if err != nil {
			return err
		}
		if !ok {
			return deleteFailed(t, row)
		}
	}
	return nil
}

func deleteFailed(t *Table, row *Entity) error {
	return fmt.Errorf("%w: %s row %v", ErrDeleteFailed, t.Alias(), row.Extract(t.PrimaryKey()))
}
