package zorel

import (
	"context"
	"slices"
	"strings"
)

// EagerLoadOptions is the input of Association.EagerLoader.
type EagerLoadOptions struct {
	// Sources are the rows the association is loaded for.
	Sources []*Entity
	// Query is the query Sources were fetched with. It is required by the
	// subquery strategy; without it the loader falls back to select.
	Query *Query

	Fields   []string
	Where    []Expr
	Sort     []string
	Strategy Strategy
	Queryer  func(*Query) *Query
	// Contain lists associations of the target to load as well.
	Contain []string

	nested []*containNode
	depth  int
}

// externalLoad is a contained association fetched by its own query.
type externalLoad struct {
	node  *containNode
	assoc Association
	// path is the chain of properties leading from a primary row to the
	// source entities; empty for root-level associations.
	path []string
}

// expand resolves the contain tree: join-strategy associations become joins
// on a copy of q, the others are returned as loads to run afterwards.
func (q *Query) expand() (*Query, []externalLoad, error) {
	built := q.Clone()
	built.contain = &containNode{}

	var loads []externalLoad
	var walk func(t *Table, alias string, path []string, nodes []*containNode) error
	walk = func(t *Table, alias string, path []string, nodes []*containNode) error {
		for _, n := range nodes {
			a, err := t.Association(n.name)
			if err != nil {
				return err
			}
			if err := a.Validate(); err != nil {
				return wrapAssociationError(a, err)
			}

			strategy := n.opts.Strategy
			if strategy == "" {
				strategy = a.Strategy()
			}
			if strategy == StrategyJoin && !a.singular() {
				return wrapAssociationError(a, configError("join strategy needs a singular association"))
			}
			if strategy != StrategyJoin || n.opts.Queryer != nil {
				loads = append(loads, externalLoad{node: n, assoc: a, path: slices.Clone(path)})
				continue
			}

			err = a.AttachTo(built, AttachOptions{
				SourceAlias:   alias,
				Conditions:    n.opts.Where,
				IncludeFields: true,
				Fields:        n.opts.Fields,
			})
			if err != nil {
				return wrapAssociationError(a, err)
			}
			built.orders = append(built.orders, n.opts.Sort...)

			if err := walk(a.Target(), a.Name(), append(path, a.Property()), n.children); err != nil {
				return err
			}
		}
		return nil
	}

	if err := walk(q.table, q.alias, nil, q.contain.children); err != nil {
		return nil, nil, err
	}
	return built, loads, nil
}

// runLoad executes one external load and injects the results into the
// source entities reached by its path.
func (q *Query) runLoad(ctx context.Context, results []*Entity, l externalLoad) error {
	sources := collectSources(results, l.path)
	if len(sources) == 0 {
		return nil
	}

	opts := EagerLoadOptions{
		Sources:  sources,
		Fields:   l.node.opts.Fields,
		Where:    l.node.opts.Where,
		Sort:     l.node.opts.Sort,
		Strategy: l.node.opts.Strategy,
		Queryer:  l.node.opts.Queryer,
		nested:   l.node.children,
		depth:    q.depth + 1,
	}
	if len(l.path) == 0 {
		opts.Query = q
	}

	injector, err := l.assoc.EagerLoader(ctx, opts)
	if err != nil {
		return wrapAssociationError(l.assoc, err)
	}
	if err := injector.InjectAll(sources); err != nil {
		return wrapAssociationError(l.assoc, err)
	}
	return nil
}

// collectSources follows a property path from the primary rows.
func collectSources(rows []*Entity, path []string) []*Entity {
	current := rows
	for _, prop := range path {
		var next []*Entity
		for _, r := range current {
			if child := r.Entity(prop); child != nil {
				next = append(next, child)
			}
		}
		current = next
	}
	return current
}

// loaderSpec describes, per cardinality, how a secondary fetch is keyed.
type loaderSpec struct {
	assoc Association
	// sourceKeys are read from the source rows.
	sourceKeys []string
	// filterFields are the qualified columns the IN filter applies to.
	filterFields []string
	// requiredFields must survive a Fields restriction.
	requiredFields []string
	// resultKey extracts the ResultMap key from a fetched row.
	resultKey func(row *Entity) []any
	// base is the target query with the association's conditions applied.
	base     *Query
	singular bool
	policy   DuplicatePolicy
}

// loadAssociated is the select/subquery engine shared by every cardinality:
// one query per call, one ResultMap, one Injector.
func loadAssociated(ctx context.Context, spec loaderSpec, opts EagerLoadOptions) (*Injector, error) {
	a := spec.assoc
	if opts.depth > MaxContainDepth {
		return nil, configError("contain depth exceeds %d at %s", MaxContainDepth, a.Name())
	}
	if err := checkRequiredFields(a, opts.Fields, spec.requiredFields); err != nil {
		return nil, err
	}

	strategy := opts.Strategy
	if strategy == "" {
		strategy = a.Strategy()
	}
	if !strategy.valid() {
		return nil, configError("unknown strategy %q for %s", strategy, a.Name())
	}

	property := a.Property()
	results := NewResultMap(spec.singular, spec.policy)

	// distinct key tuples of the sources
	var tuples [][]any
	seen := make(map[string]bool)
	for _, s := range opts.Sources {
		if s == nil {
			continue
		}
		if missing := missingFields(s, spec.sourceKeys); len(missing) > 0 {
			return nil, integrityError("%s row lacks binding key %v needed for %s", s.Source(), missing, a.Name())
		}
		values := s.Extract(spec.sourceKeys)
		k, ok := compositeKey(values)
		if !ok || seen[k] {
			continue
		}
		seen[k] = true
		tuples = append(tuples, values)
	}

	q := spec.base
	q.depth = opts.depth
	var filter Expr
	if strategy == StrategySubquery && opts.Query != nil {
		sub, err := opts.Query.keySubquery(spec.sourceKeys)
		if err != nil {
			return nil, err
		}
		filter = InQuery(spec.filterFields, sub)
	} else {
		if len(tuples) == 0 {
			return NewInjector(property, spec.sourceKeys, results), nil
		}
		filter = InTuple(spec.filterFields, tuples)
	}
	q.Where(filter)

	q.Where(opts.Where...)
	q.OrderBy(opts.Sort...)
	if len(opts.Fields) > 0 {
		q.Select(opts.Fields...)
	}
	for _, n := range opts.nested {
		q.contain.children = append(q.contain.children, n.clone())
	}
	for _, path := range opts.Contain {
		q.Contain(path)
	}
	if opts.Queryer != nil {
		q = opts.Queryer(q)
	}

	logger := a.Source().Connection().Logger()
	logger.DebugContext(ctx, "eager loading association",
		"association", a.Name(), "strategy", string(strategy), "filter", describeExpr(filter))

	rows, err := q.All(ctx)
	if err != nil {
		return nil, err
	}

	for _, row := range rows {
		collided, err := results.Add(spec.resultKey(row), row)
		if err != nil {
			return nil, err
		}
		if collided {
			logger.WarnContext(ctx, "several rows share a singular association key",
				"association", a.Name(), "source", a.Source().Alias(), "policy", string(spec.policy))
		}
	}
	return NewInjector(property, spec.sourceKeys, results), nil
}

// checkRequiredFields fails when a Fields restriction drops a key column.
func checkRequiredFields(a Association, fields, required []string) error {
	if len(fields) == 0 {
		return nil
	}
	for _, r := range required {
		if !slices.ContainsFunc(fields, func(f string) bool {
			return f == r || strings.HasSuffix(f, "."+r)
		}) {
			return configError("fields selected for %s must include key column %s", a.Name(), r)
		}
	}
	return nil
}
