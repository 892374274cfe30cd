package zorel

import (
	"context"
	"slices"
	"sync"
)

// BelongsToMany is a many-to-many association through a junction table that
// holds a foreign key to each side. Fetched targets carry their junction row
// in the _joinData property.
type BelongsToMany struct {
	association

	once        sync.Once
	junction    *Table
	junctionErr error
}

// Type returns ManyToMany.
func (a *BelongsToMany) Type() AssociationType { return ManyToMany }

func (a *BelongsToMany) singular() bool { return false }

// ForeignKey is the junction column set referencing the source; defaults to
// singular(source alias)_id.
func (a *BelongsToMany) ForeignKey() []string { return childForeignKey(&a.association) }

// BindingKey defaults to the source's primary key.
func (a *BelongsToMany) BindingKey() []string { return childBindingKey(&a.association) }

// TargetForeignKey is the junction column set referencing the target;
// defaults to singular(name)_id, as BelongsTo does.
func (a *BelongsToMany) TargetForeignKey() []string {
	if len(a.cfg.TargetForeignKey) > 0 {
		return slices.Clone(a.cfg.TargetForeignKey)
	}
	return []string{defaultForeignKey(a.name)}
}

func (a *BelongsToMany) targetBindingKey() []string {
	return a.Target().PrimaryKey()
}

// Property defaults to the underscored name.
func (a *BelongsToMany) Property() string { return a.property(false) }

// Strategy returns the configured loading strategy, StrategySelect by default.
func (a *BelongsToMany) Strategy() Strategy { return a.strategy(false) }

// IsOwningSide reports true for the source.
func (a *BelongsToMany) IsOwningSide(t *Table) bool { return t == a.source }

func (a *BelongsToMany) saveStrategy() SaveStrategy {
	if a.cfg.SaveStrategy != "" {
		return a.cfg.SaveStrategy
	}
	return SaveStrategyReplace
}

// Validate checks both key pairs and resolves the junction table.
func (a *BelongsToMany) Validate() error {
	if err := validateKeys(a, a.ForeignKey(), a.BindingKey()); err != nil {
		return err
	}
	tfk, tbk := a.TargetForeignKey(), a.targetBindingKey()
	if len(tfk) != len(tbk) {
		return configError("association %s on %s: target foreign key %v and target binding key %v differ in arity",
			a.name, a.source.Alias(), tfk, tbk)
	}
	_, err := a.Junction()
	return err
}

// junctionAlias is the alias the junction table is registered and joined
// under.
func (a *BelongsToMany) junctionAlias() string {
	if a.cfg.Through != "" {
		return a.cfg.Through
	}
	return junctionAlias(a.junctionTableName())
}

func (a *BelongsToMany) junctionTableName() string {
	if a.cfg.JoinTable != "" {
		return a.cfg.JoinTable
	}
	if a.cfg.Through != "" {
		return defaultTableName(a.cfg.Through)
	}
	return junctionTableName(a.source.Name(), a.Target().Name())
}

// Junction returns the junction table. The first call registers it when it
// is not defined yet (primary key: both foreign keys) together with its
// derived associations: junction to source, junction to target and source
// to junction.
func (a *BelongsToMany) Junction() (*Table, error) {
	a.once.Do(func() {
		a.junction, a.junctionErr = a.registerJunction()
	})
	return a.junction, a.junctionErr
}

func (a *BelongsToMany) registerJunction() (*Table, error) {
	alias := a.junctionAlias()
	target := a.Target()
	if alias == a.source.Alias() || alias == target.Alias() || alias == a.name {
		return nil, configError("association %s on %s: junction alias %s collides with a side of the association",
			a.name, a.source.Alias(), alias)
	}

	reg := a.source.registry
	fk, tfk := a.ForeignKey(), a.TargetForeignKey()
	var j *Table
	if reg.Has(alias) {
		j = reg.Get(alias)
	} else {
		j = reg.Define(alias, TableConfig{
			Table:      a.junctionTableName(),
			PrimaryKey: append(slices.Clone(fk), tfk...),
		})
	}

	if !j.HasAssociation(a.source.Alias()) {
		j.BelongsTo(a.source.Alias(), AssociationConfig{
			ForeignKey: fk,
			BindingKey: a.BindingKey(),
		})
	}
	if target.Alias() != a.source.Alias() && !j.HasAssociation(target.Alias()) {
		j.BelongsTo(target.Alias(), AssociationConfig{
			ForeignKey: tfk,
			BindingKey: a.targetBindingKey(),
		})
	}
	if !a.source.HasAssociation(alias) {
		a.source.HasMany(alias, AssociationConfig{
			ForeignKey: fk,
			BindingKey: a.BindingKey(),
		})
	}
	return j, nil
}

// junctionQuery is a target query aliased by the association name with the
// junction inner-joined on the target foreign key. With project the junction
// columns are hydrated into _joinData.
func (a *BelongsToMany) junctionQuery(project bool) (*Query, error) {
	j, err := a.Junction()
	if err != nil {
		return nil, err
	}
	on, err := joinConditions(a.name, a.targetBindingKey(), j.Alias(), a.TargetForeignKey())
	if err != nil {
		return nil, err
	}
	junctionConds, _ := splitConditions(a.Conditions(), j.Alias())
	on = append(on, junctionConds...)

	q := a.Target().queryAs(a.name)
	jn := &join{
		typ:       JoinInner,
		table:     j.Name(),
		alias:     j.Alias(),
		on:        on,
		target:    j,
		fromAssoc: true,
	}
	if project {
		jn.parent = a.name
		jn.property = JoinDataProperty
		jn.projectAll = true
	}
	if err := q.addJoin(jn); err != nil {
		return nil, err
	}
	return q, nil
}

// Find returns a query over the target table with the association conditions.
func (a *BelongsToMany) Find() *Query {
	q, err := a.junctionQuery(true)
	if err != nil {
		return a.Target().queryAs(a.name).setErr(err)
	}
	_, targetConds := splitConditions(a.Conditions(), a.junctionAlias())
	return q.Where(targetConds...).OrderBy(a.cfg.Sort...)
}

// FindFor returns the query loading the targets linked to source through
// the junction.
func (a *BelongsToMany) FindFor(source *Entity) (*Query, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	values := source.Extract(a.BindingKey())
	if hasNil(values) {
		return nil, preconditionError("%s has no value for %v", source.Source(), a.BindingKey())
	}
	cond, err := keyEquals(qualify(a.junctionAlias(), a.ForeignKey()), values)
	if err != nil {
		return nil, err
	}
	return a.Find().Where(cond), nil
}

// EagerLoader fetches the targets together with their junction rows and
// keys them by the junction's source foreign key.
func (a *BelongsToMany) EagerLoader(ctx context.Context, opts EagerLoadOptions) (*Injector, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	fk := a.ForeignKey()
	return loadAssociated(ctx, loaderSpec{
		assoc:          a,
		sourceKeys:     a.BindingKey(),
		filterFields:   qualify(a.junctionAlias(), fk),
		requiredFields: a.targetBindingKey(),
		resultKey: func(row *Entity) []any {
			jd := row.JoinData()
			if jd == nil {
				return make([]any, len(fk))
			}
			return jd.Extract(fk)
		},
		base:     a.Find(),
		singular: false,
		policy:   a.onDuplicate(),
	}, opts)
}

// AttachTo appends the double join source -> junction -> target. Conditions
// naming the junction alias go on the bridge join, the rest on the target
// join. Joined rows are not hydrated.
func (a *BelongsToMany) AttachTo(q *Query, opts AttachOptions) error {
	if err := a.Validate(); err != nil {
		return err
	}
	if opts.IncludeFields {
		return configError("association %s is plural and cannot hydrate joined rows", a.name)
	}
	j, err := a.Junction()
	if err != nil {
		return err
	}

	src := opts.SourceAlias
	if src == "" {
		src = q.alias
	}
	typ := JoinInner
	if opts.JoinType != "" {
		typ = opts.JoinType
	}

	junctionConds, targetConds := splitConditions(a.Conditions(), j.Alias())
	extraJunction, extraTarget := splitConditions(opts.Conditions, j.Alias())

	bridge, err := joinConditions(src, a.BindingKey(), j.Alias(), a.ForeignKey())
	if err != nil {
		return err
	}
	bridge = append(bridge, junctionConds...)
	bridge = append(bridge, extraJunction...)

	final, err := joinConditions(j.Alias(), a.TargetForeignKey(), a.name, a.targetBindingKey())
	if err != nil {
		return err
	}
	final = append(final, targetConds...)
	final = append(final, extraTarget...)

	if !q.hasJoin(j.Alias()) {
		if err := q.addJoin(&join{typ: typ, table: j.Name(), alias: j.Alias(), on: bridge, target: j, fromAssoc: true}); err != nil {
			return err
		}
	}
	target := a.Target()
	return q.addJoin(&join{typ: typ, table: target.Name(), alias: a.name, on: final, target: target, fromAssoc: true})
}

// SaveAssociated saves the targets in e's property and their junction rows:
// appended with SaveStrategyAppend, diffed against the stored links with
// SaveStrategyReplace.
func (a *BelongsToMany) SaveAssociated(ctx context.Context, e *Entity, opts SaveOptions) error {
	targets, ok := e.Get(a.Property()).([]*Entity)
	if !ok {
		return nil
	}
	if len(targets) == 0 && e.IsNew() {
		return nil
	}
	if err := a.Validate(); err != nil {
		return err
	}
	if a.saveStrategy() == SaveStrategyReplace && !e.IsNew() {
		return a.replaceLinks(ctx, e, targets, opts)
	}
	return a.saveTargets(ctx, e, targets, opts)
}

// saveTargets saves every target then its junction row.
func (a *BelongsToMany) saveTargets(ctx context.Context, source *Entity, targets []*Entity, opts SaveOptions) error {
	target := a.Target()
	for _, t := range targets {
		if err := target.save(ctx, t, opts); err != nil {
			return err
		}
	}
	return a.saveLinks(ctx, source, targets, opts)
}

// CascadeDelete removes the junction rows of e when the association is
// dependent. Target rows are never deleted.
func (a *BelongsToMany) CascadeDelete(ctx context.Context, e *Entity, opts DeleteOptions) error {
	if !a.Dependent() {
		return nil
	}
	conds, ok, err := a.junctionConditions(e)
	if err != nil || !ok {
		return err
	}
	j, err := a.Junction()
	if err != nil {
		return err
	}

	if !a.CascadeCallbacks() {
		_, err := j.DeleteAll(ctx, conds...)
		return err
	}
	rows, err := j.Query().Where(conds...).All(ctx)
	if err != nil {
		return err
	}
	return deleteEach(ctx, j, rows, opts)
}

// junctionConditions selects the junction rows of source, unaliased, with
// the association's junction conditions.
func (a *BelongsToMany) junctionConditions(source *Entity) ([]Expr, bool, error) {
	values := source.Extract(a.BindingKey())
	if hasNil(values) {
		return nil, false, nil
	}
	cond, err := keyEquals(a.ForeignKey(), values)
	if err != nil {
		return nil, false, err
	}
	alias := a.junctionAlias()
	conds := []Expr{cond}
	junctionConds, _ := splitConditions(a.Conditions(), alias)
	for _, c := range junctionConds {
		conds = append(conds, stripAlias(c, alias))
	}
	return conds, true, nil
}
