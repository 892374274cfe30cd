package zorel

import (
	"context"
	"slices"
)

// LinkOptions controls Link, Unlink and ReplaceLinks.
type LinkOptions struct {
	// Atomic runs the operation in one transaction and restores the touched
	// entities on failure. Default true.
	Atomic bool
	// CleanProperty removes unlinked targets from the source property.
	// Default true; Unlink only.
	CleanProperty bool
}

// LinkOption sets a LinkOptions field.
type LinkOption func(*LinkOptions)

// WithAtomicLink turns the link transaction on or off.
func WithAtomicLink(atomic bool) LinkOption {
	return func(o *LinkOptions) {
		o.Atomic = atomic
	}
}

// WithCleanProperty keeps (false) or removes (true) unlinked targets from
// the source property.
func WithCleanProperty(clean bool) LinkOption {
	return func(o *LinkOptions) {
		o.CleanProperty = clean
	}
}

func newLinkOptions(opts []LinkOption) LinkOptions {
	o := LinkOptions{Atomic: true, CleanProperty: true}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o LinkOptions) saveOptions() SaveOptions {
	return SaveOptions{Atomic: o.Atomic, Associated: []string{}}
}

// Link writes one junction row per target and appends the targets to the
// source property. Pairs are not deduplicated: linking a target again
// without its _joinData inserts another row.
func (a *BelongsToMany) Link(ctx context.Context, source *Entity, targets []*Entity, opts ...LinkOption) error {
	if err := a.Validate(); err != nil {
		return err
	}
	if err := a.checkLinkable(source, targets); err != nil {
		return err
	}
	o := newLinkOptions(opts)

	err := a.run(ctx, o.Atomic, func(ctx context.Context) error {
		return a.saveLinks(ctx, source, targets, o.saveOptions())
	})
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

// Unlink deletes the junction rows pairing source with each target, through
// the junction table so its hooks run. Target rows are kept.
func (a *BelongsToMany) Unlink(ctx context.Context, source *Entity, targets []*Entity, opts ...LinkOption) error {
	if err := a.Validate(); err != nil {
		return err
	}
	if err := a.checkLinkable(source, targets); err != nil {
		return err
	}
	o := newLinkOptions(opts)
	if len(targets) == 0 {
		return nil
	}

	j, err := a.Junction()
	if err != nil {
		return err
	}
	conds, _, err := a.junctionConditions(source)
	if err != nil {
		return err
	}
	tbk := a.targetBindingKey()
	keys := make([][]any, len(targets))
	for i, t := range targets {
		keys[i] = t.Extract(tbk)
	}
	conds = append(conds, InTuple(a.TargetForeignKey(), keys))

	err = a.run(ctx, o.Atomic, func(ctx context.Context) error {
		rows, err := j.Query().Where(conds...).All(ctx)
		if err != nil {
			return err
		}
		return deleteEach(ctx, j, rows, DeleteOptions{Atomic: o.Atomic})
	})
	if err != nil {
		return err
	}

	for _, t := range targets {
		t.Unset(JoinDataProperty)
	}
	if o.CleanProperty {
		remaining := slices.DeleteFunc(slices.Clone(source.Entities(a.Property())), func(e *Entity) bool {
			return slices.ContainsFunc(keys, func(k []any) bool { return keysEqual(e.Extract(tbk), k) })
		})
		source.setClean(a.Property(), remaining)
	}
	return nil
}

// ReplaceLinks makes targets the complete link set of source with the fewest
// writes: stored links missing from targets are deleted, targets already
// linked keep their stored junction row (changed payload fields are
// updated on it), the rest are saved with a new junction row. A second
// call with the same targets writes nothing.
func (a *BelongsToMany) ReplaceLinks(ctx context.Context, source *Entity, targets []*Entity, opts ...LinkOption) error {
	if err := a.Validate(); err != nil {
		return err
	}
	if err := a.checkSource(source); err != nil {
		return err
	}
	o := newLinkOptions(opts)

	return a.run(ctx, o.Atomic, func(ctx context.Context) error {
		return a.replaceLinks(ctx, source, targets, o.saveOptions())
	})
}

func (a *BelongsToMany) replaceLinks(ctx context.Context, source *Entity, targets []*Entity, opts SaveOptions) error {
	j, err := a.Junction()
	if err != nil {
		return err
	}
	conds, ok, err := a.junctionConditions(source)
	if err != nil {
		return err
	}
	if !ok {
		return preconditionError("source entity of %s has no value for %v", a.name, a.BindingKey())
	}

	// stored links, restricted by the target conditions
	q := j.Query().Where(conds...)
	if _, targetConds := splitConditions(a.Conditions(), j.Alias()); len(targetConds) > 0 {
		on, err := joinConditions(j.Alias(), a.TargetForeignKey(), a.name, a.targetBindingKey())
		if err != nil {
			return err
		}
		q.Join(JoinInner, a.Target().Name(), a.name, append(on, targetConds...)...)
	}
	existing, err := q.All(ctx)
	if err != nil {
		return err
	}

	tfk, tbk := a.TargetForeignKey(), a.targetBindingKey()
	stored := make(map[string][]*Entity, len(existing))
	for _, row := range existing {
		if k, ok := compositeKey(row.Extract(tfk)); ok {
			stored[k] = append(stored[k], row)
		}
	}

	sourceKey := source.Extract(a.BindingKey())
	keyFields := slices.Concat(a.ForeignKey(), tfk, j.PrimaryKey())
	desired := make(map[string]bool, len(targets))
	var pending []*Entity
	for _, t := range targets {
		k, ok := "", false
		if !t.IsNew() {
			k, ok = compositeKey(t.Extract(tbk))
		}
		if ok {
			desired[k] = true
		}
		if ok && len(stored[k]) > 0 {
			track(ctx, t)
			row, jd := stored[k][0], t.JoinData()
			if jd == nil {
				t.setClean(JoinDataProperty, row)
				continue
			}
			// a payload loaded for another pair, or never saved, goes onto
			// the stored row so only changed columns are written
			if !a.linksPair(jd, sourceKey, t.Extract(tbk)) {
				copyPayload(row, jd, keyFields)
				t.setClean(JoinDataProperty, row)
			}
		}
		pending = append(pending, t)
	}

	var stale []*Entity
	for _, row := range existing {
		if k, ok := compositeKey(row.Extract(tfk)); !ok || !desired[k] {
			stale = append(stale, row)
		}
	}
	if err := deleteEach(ctx, j, stale, DeleteOptions{Atomic: opts.Atomic}); err != nil {
		return err
	}

	if err := a.saveTargets(ctx, source, pending, opts); err != nil {
		return err
	}
	source.setClean(a.Property(), slices.Clone(targets))
	return nil
}

// saveLinks writes the junction row of each target. A _joinData row whose
// keys no longer match the pair is saved as a new row.
func (a *BelongsToMany) saveLinks(ctx context.Context, source *Entity, targets []*Entity, opts SaveOptions) error {
	j, err := a.Junction()
	if err != nil {
		return err
	}
	fk, bk := a.ForeignKey(), a.BindingKey()
	tfk, tbk := a.TargetForeignKey(), a.targetBindingKey()
	sourceKey := source.Extract(bk)

	for _, t := range targets {
		track(ctx, t)
		targetKey := t.Extract(tbk)
		jd := t.JoinData()
		switch {
		case jd == nil:
			jd = j.NewEntity(nil)
		case !a.linksPair(jd, sourceKey, targetKey):
			jd.SetNew(true)
			jd.Unset(j.PrimaryKey()...)
		}
		setChanged(jd, fk, sourceKey)
		setChanged(jd, tfk, targetKey)

		if err := j.save(ctx, jd, opts); err != nil {
			return err
		}
		t.setClean(JoinDataProperty, jd)
	}
	return nil
}

// linksPair reports whether the junction row jd pairs sourceKey with
// targetKey.
func (a *BelongsToMany) linksPair(jd *Entity, sourceKey, targetKey []any) bool {
	return keysEqual(jd.Extract(a.ForeignKey()), sourceKey) && keysEqual(jd.Extract(a.TargetForeignKey()), targetKey)
}

// copyPayload sets the dirty non-key fields of from on to.
func copyPayload(to, from *Entity, keyFields []string) {
	for _, f := range from.Dirty() {
		if !slices.Contains(keyFields, f) {
			to.Set(f, from.Get(f))
		}
	}
}

// setChanged assigns values to fields that do not already hold an
// equivalent key value.
func setChanged(e *Entity, fields []string, values []any) {
	for i, f := range fields {
		if e.IsSet(f) && keysEqual([]any{e.Get(f)}, []any{values[i]}) {
			continue
		}
		e.Set(f, values[i])
	}
}

func (a *BelongsToMany) run(ctx context.Context, atomic bool, fn func(context.Context) error) error {
	if atomic {
		return a.source.conn.atomically(ctx, fn)
	}
	return fn(ctx)
}

func (a *BelongsToMany) checkSource(source *Entity) error {
	if source == nil || source.IsNew() {
		return preconditionError("source entity of %s is not persisted", a.name)
	}
	if hasNil(source.Extract(a.BindingKey())) {
		return preconditionError("source entity of %s has no value for %v", a.name, a.BindingKey())
	}
	return nil
}

// checkLinkable runs the Link/Unlink preconditions: persisted source with a
// binding key, persisted targets.
func (a *BelongsToMany) checkLinkable(source *Entity, targets []*Entity) error {
	if err := a.checkSource(source); err != nil {
		return err
	}
	return checkPersisted(a.name, targets)
}
