package zorel

import (
	"context"
	"errors"
	"slices"
)

// HasMany is a one-to-many association. The foreign key lives on the
// target rows and references the source's binding key.
type HasMany struct {
	association
}

// Type returns OneToMany.
func (a *HasMany) Type() AssociationType { return OneToMany }

func (a *HasMany) singular() bool { return false }

// ForeignKey defaults to singular(source alias)_id on the target.
func (a *HasMany) ForeignKey() []string { return childForeignKey(&a.association) }

// BindingKey defaults to the source's primary key.
func (a *HasMany) BindingKey() []string { return childBindingKey(&a.association) }

// Property defaults to the underscored name.
func (a *HasMany) Property() string { return a.property(false) }

// Strategy returns the configured loading strategy, StrategySelect by default.
func (a *HasMany) Strategy() Strategy { return a.strategy(false) }

// IsOwningSide reports true for the source.
func (a *HasMany) IsOwningSide(t *Table) bool { return t == a.source }

// Validate checks the keys and the loading strategy.
func (a *HasMany) Validate() error {
	return validateKeys(a, a.ForeignKey(), a.BindingKey())
}

func (a *HasMany) saveStrategy() SaveStrategy {
	if a.cfg.SaveStrategy != "" {
		return a.cfg.SaveStrategy
	}
	return SaveStrategyAppend
}

// Find returns a query over the target table with the association conditions.
func (a *HasMany) Find() *Query { return findChildren(&a.association) }

// FindFor returns the query loading every child of source.
func (a *HasMany) FindFor(source *Entity) (*Query, error) { return findChildrenFor(a, source) }

// EagerLoader fetches the children of opts.Keys grouped by foreign key.
func (a *HasMany) EagerLoader(ctx context.Context, opts EagerLoadOptions) (*Injector, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return loadAssociated(ctx, childLoaderSpec(a, a.Find(), a.onDuplicate()), opts)
}

// AttachTo joins the target rows. It is used for filtering (Matching,
// InnerJoinWith); plural rows are never hydrated from a join.
func (a *HasMany) AttachTo(q *Query, opts AttachOptions) error {
	if err := a.Validate(); err != nil {
		return err
	}
	if opts.IncludeFields {
		return configError("association %s is plural and cannot hydrate joined rows", a.name)
	}
	return attachSingle(q, a, opts, a.BindingKey(), a.ForeignKey(), JoinInner)
}

// SaveAssociated copies the source's binding key into every target and
// saves it. With the replace save strategy, children no longer in the list
// are unlinked. In non-atomic mode every child is attempted.
func (a *HasMany) SaveAssociated(ctx context.Context, e *Entity, opts SaveOptions) error {
	targets, ok := e.Get(a.Property()).([]*Entity)
	if !ok {
		return nil
	}
	if err := a.Validate(); err != nil {
		return err
	}
	if a.saveStrategy() == SaveStrategyReplace && !e.IsNew() {
		return a.replace(ctx, e, targets, opts)
	}
	return a.saveTargets(ctx, e, targets, opts)
}

func (a *HasMany) saveTargets(ctx context.Context, e *Entity, targets []*Entity, opts SaveOptions) error {
	bk, fk := a.BindingKey(), a.ForeignKey()
	target := a.Target()
	var errs []error
	for _, t := range targets {
		track(ctx, t)
		pushKeys(e, bk, t, fk)
		if err := target.save(ctx, t, opts); err != nil {
			if opts.Atomic {
				return err
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Link attaches targets to source by setting their foreign key and saving
// them, then appends them to the source property.
func (a *HasMany) Link(ctx context.Context, source *Entity, targets []*Entity, opts ...SaveOption) error {
	if err := a.Validate(); err != nil {
		return err
	}
	if err := a.checkSource(source); err != nil {
		return err
	}
	o := newSaveOptions(opts)

	run := func(ctx context.Context) error { return a.saveTargets(ctx, source, targets, o) }
	var err error
	if o.Atomic {
		err = a.source.conn.atomically(ctx, run)
	} else {
		err = run(ctx)
	}
	if err != nil {
		return err
	}

	current := source.Entities(a.Property())
	for _, t := range targets {
		if !slices.Contains(current, t) {
			current = append(current, t)
		}
	}
	source.setClean(a.Property(), current)
	return nil
}

// Unlink detaches persisted targets from source: dependent targets are
// deleted, the others get a NULL foreign key. They are removed from the
// source property.
func (a *HasMany) Unlink(ctx context.Context, source *Entity, targets []*Entity, opts ...DeleteOption) error {
	if err := a.Validate(); err != nil {
		return err
	}
	if err := a.checkSource(source); err != nil {
		return err
	}
	if err := checkPersisted(a.name, targets); err != nil {
		return err
	}
	o := newDeleteOptions(opts)

	run := func(ctx context.Context) error { return a.unlinkRows(ctx, source, targets, o) }
	var err error
	if o.Atomic {
		err = a.source.conn.Transactional(ctx, run)
	} else {
		err = run(ctx)
	}
	if err != nil {
		return err
	}

	remaining := slices.DeleteFunc(slices.Clone(source.Entities(a.Property())), func(e *Entity) bool {
		return slices.Contains(targets, e)
	})
	source.setClean(a.Property(), remaining)
	return nil
}

// Replace makes targets the complete set of children of source: targets
// are linked and saved, every other child is unlinked.
func (a *HasMany) Replace(ctx context.Context, source *Entity, targets []*Entity, opts ...SaveOption) error {
	if err := a.Validate(); err != nil {
		return err
	}
	if err := a.checkSource(source); err != nil {
		return err
	}
	o := newSaveOptions(opts)

	run := func(ctx context.Context) error { return a.replace(ctx, source, targets, o) }
	var err error
	if o.Atomic {
		err = a.source.conn.atomically(ctx, run)
	} else {
		err = run(ctx)
	}
	if err != nil {
		return err
	}
	source.setClean(a.Property(), slices.Clone(targets))
	return nil
}

func (a *HasMany) replace(ctx context.Context, source *Entity, targets []*Entity, opts SaveOptions) error {
	if err := a.saveTargets(ctx, source, targets, opts); err != nil {
		return err
	}

	target := a.Target()
	pk := target.PrimaryKey()
	conds, ok, err := childConditions(a, source)
	if err != nil || !ok {
		return err
	}
	keep := make([][]any, 0, len(targets))
	for _, t := range targets {
		keep = append(keep, t.Extract(pk))
	}
	if len(keep) > 0 {
		conds = append(conds, NotInTuple(pk, keep))
	}

	orphans, err := target.Query().Where(conds...).All(ctx)
	if err != nil {
		return err
	}
	if len(orphans) == 0 {
		return nil
	}
	return a.unlinkRows(ctx, source, orphans, DeleteOptions{Atomic: opts.Atomic})
}

func (a *HasMany) unlinkRows(ctx context.Context, source *Entity, rows []*Entity, opts DeleteOptions) error {
	if len(rows) == 0 {
		return nil
	}
	target := a.Target()
	pk := target.PrimaryKey()
	fk := a.ForeignKey()

	if a.Dependent() {
		if a.CascadeCallbacks() {
			return deleteEach(ctx, target, rows, opts)
		}
		keys := make([][]any, len(rows))
		for i, r := range rows {
			keys[i] = r.Extract(pk)
		}
		_, err := target.DeleteAll(ctx, InTuple(pk, keys))
		return err
	}

	conds, ok, err := childConditions(a, source)
	if err != nil || !ok {
		return err
	}
	keys := make([][]any, len(rows))
	for i, r := range rows {
		keys[i] = r.Extract(pk)
	}
	conds = append(conds, InTuple(pk, keys))

	nulls := make(map[string]any, len(fk))
	for _, c := range fk {
		nulls[c] = nil
	}
	if _, err := target.UpdateAll(ctx, nulls, conds...); err != nil {
		return err
	}
	for _, r := range rows {
		for _, c := range fk {
			r.setClean(c, nil)
		}
	}
	return nil
}

func (a *HasMany) checkSource(source *Entity) error {
	if source.IsNew() {
		return preconditionError("source entity of %s is not persisted", a.name)
	}
	if hasNil(source.Extract(a.BindingKey())) {
		return preconditionError("source entity of %s has no value for %v", a.name, a.BindingKey())
	}
	return nil
}

// CascadeDelete deletes the children of e when the association is
// dependent, one by one when callbacks cascade.
func (a *HasMany) CascadeDelete(ctx context.Context, e *Entity, opts DeleteOptions) error {
	return cascadeChildren(ctx, a, e, opts)
}

// checkPersisted fails when any target is new.
func checkPersisted(name string, targets []*Entity) error {
	for i, t := range targets {
		if t == nil || t.IsNew() {
			return preconditionError("target %d of %s is not persisted", i, name)
		}
	}
	return nil
}
