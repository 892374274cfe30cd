package zorel

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Expr is a boolean SQL fragment. Placeholders are always '?' and rebound
// for the dialect when the statement is executed.
type Expr interface {
	// ToSQL renders the fragment and its arguments.
	ToSQL() (string, []any, error)
	// Fields lists the identifiers the fragment references, alias-qualified
	// where the caller qualified them.
	Fields() []string
}

type compare struct {
	field string
	op    string
	value any
}

func (c compare) ToSQL() (string, []any, error) {
	if c.value == nil {
		switch c.op {
		case "=":
			return c.field + " IS NULL", nil, nil
		case "<>":
			return c.field + " IS NOT NULL", nil, nil
		}
	}
	return c.field + " " + c.op + " ?", []any{c.value}, nil
}

func (c compare) Fields() []string { return []string{c.field} }

// Eq is `field = value`; a nil value renders IS NULL.
func Eq(field string, value any) Expr { return compare{field, "=", value} }

// NotEq is `field <> value`; a nil value renders IS NOT NULL.
func NotEq(field string, value any) Expr { return compare{field, "<>", value} }

// Gt is `field > value`.
func Gt(field string, value any) Expr { return compare{field, ">", value} }

// Gte is `field >= value`.
func Gte(field string, value any) Expr { return compare{field, ">=", value} }

// Lt is `field < value`.
func Lt(field string, value any) Expr { return compare{field, "<", value} }

// Lte is `field <= value`.
func Lte(field string, value any) Expr { return compare{field, "<=", value} }

// Like is `field LIKE pattern`.
func Like(field string, pattern string) Expr { return compare{field, "LIKE", pattern} }

type nullCheck struct {
	field string
	not   bool
}

func (n nullCheck) ToSQL() (string, []any, error) {
	if n.not {
		return n.field + " IS NOT NULL", nil, nil
	}
	return n.field + " IS NULL", nil, nil
}

func (n nullCheck) Fields() []string { return []string{n.field} }

// IsNull is `field IS NULL`.
func IsNull(field string) Expr { return nullCheck{field: field} }

// IsNotNull is `field IS NOT NULL`.
func IsNotNull(field string) Expr { return nullCheck{field: field, not: true} }

type columnEq struct {
	left, right string
}

func (c columnEq) ToSQL() (string, []any, error) {
	return c.left + " = " + c.right, nil, nil
}

func (c columnEq) Fields() []string { return []string{c.left, c.right} }

// ColumnEq compares two identifiers, as used in join conditions.
func ColumnEq(left, right string) Expr { return columnEq{left, right} }

type inList struct {
	fields []string
	tuples [][]any
	not    bool
}

func (in inList) ToSQL() (string, []any, error) {
	if len(in.tuples) == 0 {
		if in.not {
			return "1 = 1", nil, nil
		}
		return "1 = 0", nil, nil
	}

	var sb strings.Builder
	args := make([]any, 0, len(in.tuples)*len(in.fields))
	sb.WriteString(tupleColumns(in.fields))
	if in.not {
		sb.WriteString(" NOT")
	}
	sb.WriteString(" IN (")
	for i, t := range in.tuples {
		if len(t) != len(in.fields) {
			return "", nil, configError("IN tuple %d has %d values for %d columns", i, len(t), len(in.fields))
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		if len(in.fields) == 1 {
			sb.WriteString("?")
		} else {
			sb.WriteString("(" + strings.TrimSuffix(strings.Repeat("?, ", len(t)), ", ") + ")")
		}
		args = append(args, t...)
	}
	sb.WriteString(")")
	return sb.String(), args, nil
}

func (in inList) Fields() []string { return in.fields }

// In is `field IN (values...)`.
func In(field string, values ...any) Expr {
	tuples := make([][]any, len(values))
	for i, v := range values {
		tuples[i] = []any{v}
	}
	return inList{fields: []string{field}, tuples: tuples}
}

// NotIn is `field NOT IN (values...)`.
func NotIn(field string, values ...any) Expr {
	e := In(field, values...).(inList)
	e.not = true
	return e
}

// InTuple is a row-value IN: `(a, b) IN ((?, ?), (?, ?))`. A single field
// renders a plain IN.
func InTuple(fields []string, tuples [][]any) Expr {
	return inList{fields: fields, tuples: tuples}
}

// NotInTuple is the negated row-value IN.
func NotInTuple(fields []string, tuples [][]any) Expr {
	return inList{fields: fields, tuples: tuples, not: true}
}

type inQuery struct {
	fields []string
	query  *Query
	not    bool
}

func (in inQuery) ToSQL() (string, []any, error) {
	sub, args, err := in.query.toSQL(context.Background())
	if err != nil {
		return "", nil, err
	}
	op := " IN ("
	if in.not {
		op = " NOT IN ("
	}
	return tupleColumns(in.fields) + op + sub + ")", args, nil
}

func (in inQuery) Fields() []string { return in.fields }

// InQuery filters fields by the rows of a subquery selecting the same arity.
func InQuery(fields []string, q *Query) Expr {
	return inQuery{fields: fields, query: q}
}

// NotInQuery is the negated InQuery.
func NotInQuery(fields []string, q *Query) Expr {
	return inQuery{fields: fields, query: q, not: true}
}

type logical struct {
	op    string
	parts []Expr
}

func (j logical) ToSQL() (string, []any, error) {
	if len(j.parts) == 0 {
		return "1 = 1", nil, nil
	}
	if len(j.parts) == 1 {
		return j.parts[0].ToSQL()
	}
	frags := make([]string, 0, len(j.parts))
	var args []any
	for _, p := range j.parts {
		s, a, err := p.ToSQL()
		if err != nil {
			return "", nil, err
		}
		frags = append(frags, "("+s+")")
		args = append(args, a...)
	}
	return strings.Join(frags, " "+j.op+" "), args, nil
}

func (j logical) Fields() []string {
	var out []string
	for _, p := range j.parts {
		out = append(out, p.Fields()...)
	}
	return out
}

// And joins expressions with AND.
func And(parts ...Expr) Expr { return logical{"AND", parts} }

// Or joins expressions with OR.
func Or(parts ...Expr) Expr { return logical{"OR", parts} }

type negation struct {
	inner Expr
}

func (n negation) ToSQL() (string, []any, error) {
	s, args, err := n.inner.ToSQL()
	if err != nil {
		return "", nil, err
	}
	return "NOT (" + s + ")", args, nil
}

func (n negation) Fields() []string { return n.inner.Fields() }

// Not negates an expression.
func Not(e Expr) Expr { return negation{e} }

type raw struct {
	sql  string
	args []any
}

func (r raw) ToSQL() (string, []any, error) { return r.sql, r.args, nil }

func (r raw) Fields() []string { return nil }

// Raw is a verbatim SQL fragment. It references no known alias, so
// many-to-many condition splitting treats it as a target condition.
func Raw(sql string, args ...any) Expr { return raw{sql, args} }

// Conds turns a column/value map into sorted equality expressions.
func Conds(m map[string]any) []Expr {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Expr, len(keys))
	for i, k := range keys {
		out[i] = Eq(k, m[k])
	}
	return out
}

// tupleColumns renders one column bare and several as a row value.
func tupleColumns(fields []string) string {
	if len(fields) == 1 {
		return fields[0]
	}
	return "(" + strings.Join(fields, ", ") + ")"
}

// qualify prefixes unqualified columns with alias.
func qualify(alias string, fields []string) []string {
	out := make([]string, len(fields))
	for i, f := range fields {
		if strings.Contains(f, ".") || alias == "" {
			out[i] = f
			continue
		}
		out[i] = alias + "." + f
	}
	return out
}

// fieldAlias returns the alias part of a qualified identifier.
func fieldAlias(field string) string {
	if i := strings.IndexByte(field, '.'); i > 0 {
		return field[:i]
	}
	return ""
}

// referencesAlias reports whether expression e mentions alias.
func referencesAlias(e Expr, alias string) bool {
	for _, f := range e.Fields() {
		if fieldAlias(f) == alias {
			return true
		}
	}
	return false
}

// stripAlias rewrites "alias.col" references into bare "col", for statements
// (DELETE, UPDATE) that cannot alias their table.
func stripAlias(e Expr, alias string) Expr {
	strip := func(f string) string {
		if fieldAlias(f) == alias {
			return f[len(alias)+1:]
		}
		return f
	}
	switch x := e.(type) {
	case compare:
		x.field = strip(x.field)
		return x
	case nullCheck:
		x.field = strip(x.field)
		return x
	case columnEq:
		return columnEq{strip(x.left), strip(x.right)}
	case inList:
		fields := make([]string, len(x.fields))
		for i, f := range x.fields {
			fields[i] = strip(f)
		}
		x.fields = fields
		return x
	case inQuery:
		fields := make([]string, len(x.fields))
		for i, f := range x.fields {
			fields[i] = strip(f)
		}
		x.fields = fields
		return x
	case logical:
		parts := make([]Expr, len(x.parts))
		for i, p := range x.parts {
			parts[i] = stripAlias(p, alias)
		}
		return logical{x.op, parts}
	case negation:
		return negation{stripAlias(x.inner, alias)}
	}
	return e
}

// keyEquals builds `col1 = v1 AND col2 = v2` for a key.
func keyEquals(fields []string, values []any) (Expr, error) {
	if len(fields) != len(values) {
		return nil, configError("key %v has %d values", fields, len(values))
	}
	parts := make([]Expr, len(fields))
	for i, f := range fields {
		parts[i] = Eq(f, values[i])
	}
	return And(parts...), nil
}

// describeExpr renders e with its arguments for log output.
func describeExpr(e Expr) string {
	s, args, err := e.ToSQL()
	if err != nil {
		return err.Error()
	}
	return fmt.Sprintf("%s %v", s, args)
}
