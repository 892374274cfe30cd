package zorel

import (
	"context"
	"slices"
	"sync"
)

// AssociationType is the cardinality of an association.
type AssociationType string

const (
	ManyToOne  AssociationType = "manyToOne"
	OneToOne   AssociationType = "oneToOne"
	OneToMany  AssociationType = "oneToMany"
	ManyToMany AssociationType = "manyToMany"
)

// SaveStrategy decides how plural associations persist their targets.
type SaveStrategy string

const (
	// SaveStrategyAppend links the given targets and leaves existing links.
	SaveStrategyAppend SaveStrategy = "append"
	// SaveStrategyReplace makes the given targets the complete link set.
	SaveStrategyReplace SaveStrategy = "replace"
)

// AssociationConfig declares an association. Zero values fall back to the
// naming conventions of each cardinality.
type AssociationConfig struct {
	// ClassName is the alias of the target table; defaults to the
	// association name.
	ClassName  string
	ForeignKey []string
	// BindingKey is the column set the foreign key references; defaults to
	// the primary key of the referenced side.
	BindingKey []string
	// TargetForeignKey is the junction column referencing the target
	// (many-to-many only).
	TargetForeignKey []string
	PropertyName     string
	Strategy         Strategy
	Conditions       []Expr
	Sort             []string
	// Dependent deletes the associated rows when the owning row is deleted.
	Dependent bool
	// CascadeCallbacks deletes dependent rows one by one through their
	// table so hooks and nested cascades run.
	CascadeCallbacks bool
	JoinType         JoinType
	// Through is the alias of a table registered as the junction
	// (many-to-many only).
	Through string
	// JoinTable is the junction table name (many-to-many only).
	JoinTable    string
	SaveStrategy SaveStrategy
	// OnDuplicate decides what a singular association does when several
	// fetched rows share a key.
	OnDuplicate DuplicatePolicy
}

// Association is the relationship metadata between a source and a target
// table together with the behaviour of its cardinality. The set of
// implementations is closed: *BelongsTo, *HasOne, *HasMany and
// *BelongsToMany.
type Association interface {
	Name() string
	Type() AssociationType
	Source() *Table
	Target() *Table
	ForeignKey() []string
	BindingKey() []string
	Property() string
	Strategy() Strategy
	Conditions() []Expr
	Dependent() bool
	CascadeCallbacks() bool

	// IsOwningSide reports whether t is the side the other side depends on.
	IsOwningSide(t *Table) bool
	// Validate checks the key arity and strategy.
	Validate() error

	// Find returns a target query restricted by the association conditions.
	Find() *Query
	// FindFor scopes Find to the targets of one source entity.
	FindFor(source *Entity) (*Query, error)
	// EagerLoader runs the fetch for the given source rows and returns the
	// injector that sets the association property on each of them.
	EagerLoader(ctx context.Context, opts EagerLoadOptions) (*Injector, error)
	// AttachTo appends the association's join(s) to q.
	AttachTo(q *Query, opts AttachOptions) error
	// SaveAssociated saves the targets held in e's association property.
	SaveAssociated(ctx context.Context, e *Entity, opts SaveOptions) error
	// CascadeDelete removes dependent rows of e.
	CascadeDelete(ctx context.Context, e *Entity, opts DeleteOptions) error

	singular() bool
}

// AttachOptions controls AttachTo.
type AttachOptions struct {
	// SourceAlias is the alias the join hangs off; defaults to the
	// queried table.
	SourceAlias string
	JoinType    JoinType
	Conditions  []Expr
	// IncludeFields hydrates the joined rows into the association property
	// of the source entity, restricted to Fields when set.
	IncludeFields bool
	Fields        []string
	Property      string
}

// association holds what every cardinality shares.
type association struct {
	name   string
	source *Table
	cfg    AssociationConfig
}

func (a *association) Name() string { return a.name }

func (a *association) Source() *Table { return a.source }

// Target resolves the target table through the registry.
func (a *association) Target() *Table {
	return a.source.registry.Get(a.className())
}

func (a *association) className() string {
	if a.cfg.ClassName != "" {
		return a.cfg.ClassName
	}
	return a.name
}

func (a *association) Conditions() []Expr { return slices.Clone(a.cfg.Conditions) }

func (a *association) Dependent() bool { return a.cfg.Dependent }

func (a *association) CascadeCallbacks() bool { return a.cfg.CascadeCallbacks }

func (a *association) property(singular bool) string {
	if a.cfg.PropertyName != "" {
		return a.cfg.PropertyName
	}
	return defaultProperty(a.name, singular)
}

func (a *association) strategy(singular bool) Strategy {
	if a.cfg.Strategy != "" {
		return a.cfg.Strategy
	}
	if singular {
		return StrategyJoin
	}
	return StrategySelect
}

func (a *association) joinType() JoinType {
	if a.cfg.JoinType != "" {
		return a.cfg.JoinType
	}
	return JoinLeft
}

func (a *association) onDuplicate() DuplicatePolicy {
	if a.cfg.OnDuplicate != "" {
		return a.cfg.OnDuplicate
	}
	return DuplicateKeepLast
}

// validateKeys checks arity and strategy for any cardinality.
func validateKeys(a Association, fk, bk []string) error {
	if len(fk) == 0 || len(bk) == 0 {
		return configError("association %s on %s has no resolvable keys", a.Name(), a.Source().Alias())
	}
	if len(fk) != len(bk) {
		return configError("association %s on %s: foreign key %v and binding key %v differ in arity",
			a.Name(), a.Source().Alias(), fk, bk)
	}
	s := a.Strategy()
	if !s.valid() {
		return configError("association %s on %s: unknown strategy %q", a.Name(), a.Source().Alias(), s)
	}
	if s == StrategyJoin && !a.singular() {
		return configError("association %s on %s: join strategy needs a singular association", a.Name(), a.Source().Alias())
	}
	return nil
}

// associationCollection is a table's ordered association registry.
type associationCollection struct {
	mu    sync.RWMutex
	items []Association
}

func newAssociationCollection() *associationCollection {
	return &associationCollection{}
}

func (c *associationCollection) add(a Association) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.items {
		if existing.Name() == a.Name() {
			c.items[i] = a
			return
		}
	}
	c.items = append(c.items, a)
}

func (c *associationCollection) get(name string) (Association, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, a := range c.items {
		if a.Name() == name {
			return a, true
		}
	}
	return nil, false
}

func (c *associationCollection) all() []Association {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.items)
}

func (c *associationCollection) isProperty(field string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, a := range c.items {
		if a.Property() == field {
			return true
		}
	}
	return false
}

// BelongsTo declares a many-to-one association: the foreign key lives on
// this table and references the target.
func (t *Table) BelongsTo(name string, cfg AssociationConfig) *BelongsTo {
	a := &BelongsTo{association{name: name, source: t, cfg: cfg}}
	t.associations.add(a)
	return a
}

// HasOne declares a one-to-one association: the foreign key lives on the
// target and references this table.
func (t *Table) HasOne(name string, cfg AssociationConfig) *HasOne {
	a := &HasOne{association{name: name, source: t, cfg: cfg}}
	t.associations.add(a)
	return a
}

// HasMany declares a one-to-many association: the foreign key lives on the
// target and references this table.
func (t *Table) HasMany(name string, cfg AssociationConfig) *HasMany {
	a := &HasMany{association{name: name, source: t, cfg: cfg}}
	t.associations.add(a)
	return a
}

// BelongsToMany declares a many-to-many association through a junction
// table holding one foreign key per side.
func (t *Table) BelongsToMany(name string, cfg AssociationConfig) *BelongsToMany {
	a := &BelongsToMany{association: association{name: name, source: t, cfg: cfg}}
	t.associations.add(a)
	return a
}
