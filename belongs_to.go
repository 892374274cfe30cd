package zorel

import (
	"context"
	"slices"
)

// BelongsTo is a many-to-one association. The foreign key lives on the
// source row and references the target's binding key.
type BelongsTo struct {
	association
}

// Type returns ManyToOne.
func (a *BelongsTo) Type() AssociationType { return ManyToOne }

func (a *BelongsTo) singular() bool { return true }

// ForeignKey defaults to singular(name)_id on the source.
func (a *BelongsTo) ForeignKey() []string {
	if len(a.cfg.ForeignKey) > 0 {
		return slices.Clone(a.cfg.ForeignKey)
	}
	return []string{defaultForeignKey(a.name)}
}

// BindingKey defaults to the target's primary key.
func (a *BelongsTo) BindingKey() []string {
	if len(a.cfg.BindingKey) > 0 {
		return slices.Clone(a.cfg.BindingKey)
	}
	return a.Target().PrimaryKey()
}

// Property defaults to the underscored singular of the name.
func (a *BelongsTo) Property() string { return a.property(true) }

// Strategy returns the configured loading strategy, StrategyJoin by default.
func (a *BelongsTo) Strategy() Strategy { return a.strategy(true) }

// IsOwningSide reports true for the target: the source row would miss its
// reference without it.
func (a *BelongsTo) IsOwningSide(t *Table) bool {
	return t == a.Target()
}

// Validate checks the keys and the loading strategy.
func (a *BelongsTo) Validate() error {
	return validateKeys(a, a.ForeignKey(), a.BindingKey())
}

// Find returns a query over the target table with the association conditions.
func (a *BelongsTo) Find() *Query {
	return a.Target().queryAs(a.name).Where(a.cfg.Conditions...).OrderBy(a.cfg.Sort...)
}

// FindFor returns the query loading the target referenced by source.
func (a *BelongsTo) FindFor(source *Entity) (*Query, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	values := source.Extract(a.ForeignKey())
	if hasNil(values) {
		return nil, preconditionError("%s has no value for %v", source.Source(), a.ForeignKey())
	}
	cond, err := keyEquals(qualify(a.name, a.BindingKey()), values)
	if err != nil {
		return nil, err
	}
	return a.Find().Where(cond), nil
}

// EagerLoader fetches the targets referenced by opts.Keys, keyed by their
// binding key.
func (a *BelongsTo) EagerLoader(ctx context.Context, opts EagerLoadOptions) (*Injector, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	bk := a.BindingKey()
	return loadAssociated(ctx, loaderSpec{
		assoc:          a,
		sourceKeys:     a.ForeignKey(),
		filterFields:   qualify(a.name, bk),
		requiredFields: bk,
		resultKey:      func(row *Entity) []any { return row.Extract(bk) },
		base:           a.Find(),
		singular:       true,
		policy:         a.onDuplicate(),
	}, opts)
}

// AttachTo joins the target onto q and hydrates its columns into the
// property.
func (a *BelongsTo) AttachTo(q *Query, opts AttachOptions) error {
	if err := a.Validate(); err != nil {
		return err
	}
	return attachSingle(q, a, opts, a.ForeignKey(), a.BindingKey(), a.joinType())
}

// SaveAssociated saves the target first, then copies its binding key into
// the source's foreign key.
func (a *BelongsTo) SaveAssociated(ctx context.Context, e *Entity, opts SaveOptions) error {
	target := e.Entity(a.Property())
	if target == nil {
		return nil
	}
	if err := a.Validate(); err != nil {
		return err
	}
	if err := a.Target().save(ctx, target, opts); err != nil {
		return err
	}

	fk, bk := a.ForeignKey(), a.BindingKey()
	for i := range fk {
		e.Set(fk[i], target.Get(bk[i]))
	}
	return nil
}

// CascadeDelete never removes the target of a many-to-one association.
func (a *BelongsTo) CascadeDelete(context.Context, *Entity, DeleteOptions) error {
	return nil
}
