package zorel

import (
	"context"
	"fmt"
	"slices"
	"strings"
)

// MaxContainDepth bounds the nesting of eager-loaded associations, which
// stops self-referencing contain trees from recursing without end.
const MaxContainDepth = 16

// JoinType is the SQL join kind.
type JoinType string

const (
	JoinInner JoinType = "INNER"
	JoinLeft  JoinType = "LEFT"
	JoinRight JoinType = "RIGHT"
)

// Strategy is the mechanism used to fetch an association.
type Strategy string

const (
	// StrategyJoin appends a join to the primary query.
	StrategyJoin Strategy = "join"
	// StrategySelect runs one keyed `IN (...)` query per association.
	StrategySelect Strategy = "select"
	// StrategySubquery filters the secondary query with a subquery derived
	// from the primary query instead of materialised keys.
	StrategySubquery Strategy = "subquery"
)

func (s Strategy) valid() bool {
	switch s {
	case StrategyJoin, StrategySelect, StrategySubquery:
		return true
	}
	return false
}

type join struct {
	typ   JoinType
	table string
	alias string
	on    []Expr

	// set for association joins whose rows are hydrated into entities
	target     *Table
	parent     string
	property   string
	project    []string
	projectAll bool
	fromAssoc  bool
}

func (j *join) hydrated() bool {
	return j.projectAll || len(j.project) > 0
}

func (j *join) clone() *join {
	c := *j
	c.on = slices.Clone(j.on)
	c.project = slices.Clone(j.project)
	return &c
}

// Query selects entities of one table. It is built by chaining and executed
// with All or First. Methods record the first error and report it on
// execution.
type Query struct {
	table    *Table
	alias    string
	fields   []string
	distinct bool
	joins    []*join
	wheres   []Expr
	groupBy  []string
	orders   []string
	limit    int
	offset   int
	contain  *containNode
	depth    int
	err      error
}

func newQuery(t *Table) *Query {
	return &Query{
		table:   t,
		alias:   t.Alias(),
		contain: &containNode{},
	}
}

// Table returns the table the query selects from.
func (q *Query) Table() *Table { return q.table }

// Alias returns the alias of the queried table.
func (q *Query) Alias() string { return q.alias }

// Err returns the first error recorded while building the query.
func (q *Query) Err() error { return q.err }

func (q *Query) setErr(err error) *Query {
	if q.err == nil {
		q.err = err
	}
	return q
}

// Select restricts the projection. Unqualified names are qualified with the
// table alias.
func (q *Query) Select(fields ...string) *Query {
	q.fields = append(q.fields, fields...)
	return q
}

// Distinct makes the query SELECT DISTINCT.
func (q *Query) Distinct() *Query {
	q.distinct = true
	return q
}

// Where adds conditions, joined with AND.
func (q *Query) Where(conds ...Expr) *Query {
	for _, c := range conds {
		if c != nil {
			q.wheres = append(q.wheres, c)
		}
	}
	return q
}

// OrderBy adds ORDER BY terms such as "Articles.title DESC".
func (q *Query) OrderBy(terms ...string) *Query {
	q.orders = append(q.orders, terms...)
	return q
}

// GroupBy adds GROUP BY columns.
func (q *Query) GroupBy(columns ...string) *Query {
	q.groupBy = append(q.groupBy, columns...)
	return q
}

// Limit sets LIMIT.
func (q *Query) Limit(n int) *Query {
	q.limit = n
	return q
}

// Offset sets OFFSET. It is only rendered together with a limit.
func (q *Query) Offset(n int) *Query {
	q.offset = n
	return q
}

// Join adds a plain join. Rows of joined tables are not hydrated.
func (q *Query) Join(typ JoinType, table, alias string, on ...Expr) *Query {
	if err := q.addJoin(&join{typ: typ, table: table, alias: alias, on: on}); err != nil {
		return q.setErr(err)
	}
	return q
}

func (q *Query) addJoin(j *join) error {
	if j.alias == q.alias {
		return configError("join alias %s collides with the queried table", j.alias)
	}
	for _, existing := range q.joins {
		if existing.alias == j.alias {
			return configError("join alias %s is used twice", j.alias)
		}
	}
	q.joins = append(q.joins, j)
	return nil
}

func (q *Query) hasJoin(alias string) bool {
	for _, j := range q.joins {
		if j.alias == alias {
			return true
		}
	}
	return false
}

// Contain requests associations to be eager loaded. path is an association
// name or a dotted path ("Authors.Profiles"); options apply to the last
// segment.
func (q *Query) Contain(path string, opts ...ContainOption) *Query {
	node := q.contain
	for _, name := range strings.Split(path, ".") {
		if name == "" {
			return q.setErr(configError("invalid contain path %q", path))
		}
		node = node.child(name)
	}
	for _, opt := range opts {
		opt(&node.opts)
	}
	if node.opts.Strategy != "" && !node.opts.Strategy.valid() {
		return q.setErr(configError("unknown strategy %q for %s", node.opts.Strategy, path))
	}
	return q
}

// InnerJoinWith joins an association (or dotted path) with INNER joins,
// filtering by conds on the last segment. Joined rows are not hydrated.
func (q *Query) InnerJoinWith(path string, conds ...Expr) *Query {
	return q.joinWith(path, JoinInner, conds)
}

// LeftJoinWith joins an association (or dotted path) with LEFT joins.
func (q *Query) LeftJoinWith(path string, conds ...Expr) *Query {
	return q.joinWith(path, JoinLeft, conds)
}

// Matching keeps only rows that have at least one associated row matching
// conds. Use Distinct for plural associations.
func (q *Query) Matching(path string, conds ...Expr) *Query {
	return q.joinWith(path, JoinInner, conds)
}

func (q *Query) joinWith(path string, typ JoinType, conds []Expr) *Query {
	if q.err != nil {
		return q
	}
	table, alias := q.table, q.alias
	names := strings.Split(path, ".")
	for i, name := range names {
		a, err := table.Association(name)
		if err != nil {
			return q.setErr(err)
		}
		opts := AttachOptions{SourceAlias: alias, JoinType: typ}
		if i == len(names)-1 {
			opts.Conditions = conds
		}
		if !q.hasJoin(a.Name()) {
			if err := a.AttachTo(q, opts); err != nil {
				return q.setErr(err)
			}
		}
		table, alias = a.Target(), a.Name()
	}
	return q
}

// NotMatching keeps only rows without any associated row matching conds.
func (q *Query) NotMatching(name string, conds ...Expr) *Query {
	if q.err != nil {
		return q
	}
	a, err := q.table.Association(name)
	if err != nil {
		return q.setErr(err)
	}
	e, err := notMatching(a, q.alias, conds)
	if err != nil {
		return q.setErr(wrapAssociationError(a, err))
	}
	return q.Where(e)
}

// Clone returns an independent copy of the query.
func (q *Query) Clone() *Query {
	c := *q
	c.fields = slices.Clone(q.fields)
	c.wheres = slices.Clone(q.wheres)
	c.groupBy = slices.Clone(q.groupBy)
	c.orders = slices.Clone(q.orders)
	c.joins = make([]*join, len(q.joins))
	for i, j := range q.joins {
		c.joins[i] = j.clone()
	}
	c.contain = q.contain.clone()
	return &c
}

// SQL renders the statement All would run, with contain joins attached and
// placeholders in the dialect's form.
func (q *Query) SQL(ctx context.Context) (string, []any, error) {
	if q.err != nil {
		return "", nil, q.err
	}
	built, _, err := q.expand()
	if err != nil {
		return "", nil, err
	}
	s, args, err := built.toSQL(ctx)
	if err != nil {
		return "", nil, err
	}
	return q.table.conn.dialect.Rebind(s), args, nil
}

// All runs the query and its eager loads.
func (q *Query) All(ctx context.Context) ([]*Entity, error) {
	if q.err != nil {
		return nil, q.err
	}
	if q.depth > MaxContainDepth {
		return nil, configError("contain depth exceeds %d on %s", MaxContainDepth, q.alias)
	}

	built, loads, err := q.expand()
	if err != nil {
		return nil, err
	}

	results, err := built.fetch(ctx)
	if err != nil {
		return nil, err
	}

	for _, l := range loads {
		if err := q.runLoad(ctx, results, l); err != nil {
			return nil, err
		}
	}
	return results, nil
}

// First returns the first row or ErrRecordNotFound.
func (q *Query) First(ctx context.Context) (*Entity, error) {
	c := q.Clone()
	c.limit = 1
	rows, err := c.All(ctx)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrRecordNotFound
	}
	return rows[0], nil
}

// Count returns the number of rows the query matches, ignoring order, limit
// and contained associations.
func (q *Query) Count(ctx context.Context) (int64, error) {
	if q.err != nil {
		return 0, q.err
	}
	c := q.Clone()
	c.contain = &containNode{}
	c.orders, c.limit, c.offset = nil, 0, 0
	for _, j := range c.joins {
		j.project, j.projectAll = nil, false
	}

	inner, args, err := c.toSQL(ctx)
	if err != nil {
		return 0, err
	}
	query := "SELECT COUNT(*) FROM (" + inner + ") AS count_source"
	rows, err := q.table.conn.query(ctx, query, args)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var n int64
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return 0, WrapQueryError("SELECT", query, args, err)
		}
	}
	return n, rows.Err()
}

func (q *Query) fetch(ctx context.Context) ([]*Entity, error) {
	query, args, err := q.toSQL(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := q.table.conn.query(ctx, query, args)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out, err := q.hydrate(rows)
	if err != nil {
		return nil, WrapQueryError("SELECT", query, args, err)
	}
	return out, nil
}

// toSQL renders the statement with '?' placeholders.
func (q *Query) toSQL(ctx context.Context) (string, []any, error) {
	if q.err != nil {
		return "", nil, q.err
	}

	var sb strings.Builder
	var args []any

	sb.WriteString("SELECT ")
	if q.distinct {
		sb.WriteString("DISTINCT ")
	}

	cols, err := q.projection(ctx)
	if err != nil {
		return "", nil, err
	}
	sb.WriteString(strings.Join(cols, ", "))
	sb.WriteString(" FROM " + q.table.Name() + " AS " + q.alias)

	for _, j := range q.joins {
		sb.WriteString(fmt.Sprintf(" %s JOIN %s AS %s", j.typ, j.table, j.alias))
		if len(j.on) > 0 {
			on, onArgs, err := And(j.on...).ToSQL()
			if err != nil {
				return "", nil, err
			}
			sb.WriteString(" ON " + on)
			args = append(args, onArgs...)
		}
	}

	if len(q.wheres) > 0 {
		where, whereArgs, err := And(q.wheres...).ToSQL()
		if err != nil {
			return "", nil, err
		}
		sb.WriteString(" WHERE " + where)
		args = append(args, whereArgs...)
	}

	if len(q.groupBy) > 0 {
		sb.WriteString(" GROUP BY " + strings.Join(q.groupBy, ", "))
	}
	if len(q.orders) > 0 {
		sb.WriteString(" ORDER BY " + strings.Join(q.orders, ", "))
	}
	if q.limit > 0 {
		sb.WriteString(fmt.Sprintf(" LIMIT %d", q.limit))
		if q.offset > 0 {
			sb.WriteString(fmt.Sprintf(" OFFSET %d", q.offset))
		}
	}

	return sb.String(), args, nil
}

// projection lists the selected columns. Root columns keep their names;
// hydrated join columns are aliased Alias__column.
func (q *Query) projection(ctx context.Context) ([]string, error) {
	var cols []string
	if len(q.fields) == 0 {
		cols = append(cols, q.alias+".*")
	}
	for _, f := range q.fields {
		cols = append(cols, q.selectField(f))
	}

	d := q.table.conn.dialect
	for _, j := range q.joins {
		if !j.hydrated() {
			continue
		}
		fields := j.project
		if j.projectAll {
			all, err := j.target.Columns(ctx)
			if err != nil {
				return nil, err
			}
			fields = all
		}
		for _, f := range fields {
			col := f
			if i := strings.IndexByte(f, '.'); i >= 0 {
				col = f[i+1:]
			}
			cols = append(cols, fmt.Sprintf("%s.%s AS %s", j.alias, col, d.Quote(j.alias+"__"+col)))
		}
	}
	return cols, nil
}

func (q *Query) selectField(f string) string {
	if strings.ContainsAny(f, "(* ") {
		return f
	}
	alias := fieldAlias(f)
	if alias == "" {
		return q.alias + "." + f
	}
	if alias == q.alias {
		return f
	}
	return fmt.Sprintf("%s AS %s", f, q.table.conn.dialect.Quote(strings.Replace(f, ".", "__", 1)))
}

// keySubquery derives the subquery-strategy filter: the query reduced to
// DISTINCT key columns, without order, limit, offset or contained
// associations. User joins are kept, and so are contain joins a where
// clause refers to.
func (q *Query) keySubquery(keys []string) (*Query, error) {
	sub := q.Clone()
	sub.contain = &containNode{}
	sub.orders, sub.limit, sub.offset = nil, 0, 0
	sub.distinct = true
	sub.fields = qualify(q.alias, keys)
	for _, j := range sub.joins {
		j.project, j.projectAll = nil, false
	}

	referenced := make(map[string]bool)
	for _, w := range sub.wheres {
		for _, f := range w.Fields() {
			if a := fieldAlias(f); a != "" && a != q.alias && !sub.hasJoin(a) {
				referenced[a] = true
			}
		}
	}
	if len(referenced) == 0 {
		return sub, nil
	}

	expanded, _, err := q.expand()
	if err != nil {
		return nil, err
	}
	var extra []*join
	for _, j := range expanded.joins {
		if j.fromAssoc && !q.hasJoin(j.alias) {
			extra = append(extra, j)
		}
	}

	// pull in the parents of referenced joins
	for changed := true; changed; {
		changed = false
		for _, j := range extra {
			if !referenced[j.alias] {
				continue
			}
			for _, on := range j.on {
				for _, f := range on.Fields() {
					a := fieldAlias(f)
					if a != "" && a != q.alias && a != j.alias && !referenced[a] {
						referenced[a] = true
						changed = true
					}
				}
			}
		}
	}
	for _, j := range extra {
		if referenced[j.alias] {
			c := j.clone()
			c.project, c.projectAll = nil, false
			sub.joins = append(sub.joins, c)
		}
	}
	return sub, nil
}

// containNode is one level of the contain tree.
type containNode struct {
	name     string
	opts     ContainOptions
	children []*containNode
}

func (n *containNode) child(name string) *containNode {
	for _, c := range n.children {
		if c.name == name {
			return c
		}
	}
	c := &containNode{name: name}
	n.children = append(n.children, c)
	return c
}

func (n *containNode) clone() *containNode {
	if n == nil {
		return &containNode{}
	}
	c := &containNode{name: n.name, opts: n.opts}
	c.opts.Fields = slices.Clone(n.opts.Fields)
	c.opts.Where = slices.Clone(n.opts.Where)
	c.opts.Sort = slices.Clone(n.opts.Sort)
	for _, ch := range n.children {
		c.children = append(c.children, ch.clone())
	}
	return c
}

// ContainOptions tunes how one contained association is loaded.
type ContainOptions struct {
	Fields   []string
	Where    []Expr
	Sort     []string
	Strategy Strategy
	Queryer  func(*Query) *Query
}

// ContainOption sets a ContainOptions field.
type ContainOption func(*ContainOptions)

// WithFields restricts the columns fetched for the association. The
// restriction must keep the key columns the association matches on.
func WithFields(fields ...string) ContainOption {
	return func(o *ContainOptions) {
		o.Fields = append(o.Fields, fields...)
	}
}

// WithWhere adds conditions to the association fetch.
func WithWhere(conds ...Expr) ContainOption {
	return func(o *ContainOptions) {
		o.Where = append(o.Where, conds...)
	}
}

// WithSort orders the associated rows.
func WithSort(terms ...string) ContainOption {
	return func(o *ContainOptions) {
		o.Sort = append(o.Sort, terms...)
	}
}

// WithStrategy overrides the association's fetch strategy.
func WithStrategy(s Strategy) ContainOption {
	return func(o *ContainOptions) {
		o.Strategy = s
	}
}

// WithQueryer customises the association fetch query.
func WithQueryer(fn func(*Query) *Query) ContainOption {
	return func(o *ContainOptions) {
		o.Queryer = fn
	}
}
