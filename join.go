package zorel

// joinConditions pairs key columns across two aliases:
// tgtAlias.tgtCols[i] = srcAlias.srcCols[i].
func joinConditions(srcAlias string, srcCols []string, tgtAlias string, tgtCols []string) ([]Expr, error) {
	if len(srcCols) != len(tgtCols) || len(srcCols) == 0 {
		return nil, configError("cannot join %s%v to %s%v: key arity differs", srcAlias, srcCols, tgtAlias, tgtCols)
	}
	out := make([]Expr, len(srcCols))
	for i := range srcCols {
		out[i] = ColumnEq(tgtAlias+"."+tgtCols[i], srcAlias+"."+srcCols[i])
	}
	return out, nil
}

// splitConditions separates conditions that reference the junction alias
// (applied on the bridge join) from the rest (applied on the target).
func splitConditions(conds []Expr, junctionAlias string) (junctionConds, targetConds []Expr) {
	for _, c := range conds {
		if referencesAlias(c, junctionAlias) {
			junctionConds = append(junctionConds, c)
		} else {
			targetConds = append(targetConds, c)
		}
	}
	return junctionConds, targetConds
}

// attachSingle appends the join of a direct (non-junction) association.
// srcCols live on the source alias, tgtCols on the target.
func attachSingle(q *Query, a Association, opts AttachOptions, srcCols, tgtCols []string, typ JoinType) error {
	src := opts.SourceAlias
	if src == "" {
		src = q.alias
	}
	on, err := joinConditions(src, srcCols, a.Name(), tgtCols)
	if err != nil {
		return err
	}
	on = append(on, a.Conditions()...)
	on = append(on, opts.Conditions...)

	if opts.JoinType != "" {
		typ = opts.JoinType
	}
	target := a.Target()
	j := &join{
		typ:       typ,
		table:     target.Name(),
		alias:     a.Name(),
		on:        on,
		target:    target,
		fromAssoc: true,
	}
	if opts.IncludeFields {
		j.parent = src
		j.property = opts.Property
		if j.property == "" {
			j.property = a.Property()
		}
		if len(opts.Fields) > 0 {
			j.project = qualify(a.Name(), opts.Fields)
		} else {
			j.projectAll = true
		}
	}
	return q.addJoin(j)
}

// notMatching builds the predicate keeping source rows that have no
// associated row matching conds:
//
//	(src NOT IN (SELECT other FROM <join chain> WHERE <conds> AND other IS NOT NULL)
//	 OR src IS NULL)
//
// For composite keys every source component must be NULL in the OR branch.
func notMatching(a Association, srcAlias string, conds []Expr) (Expr, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	target := a.Target()

	var srcCols, otherCols []string
	var sub *Query
	switch v := a.(type) {
	case *BelongsTo:
		srcCols, otherCols = v.ForeignKey(), qualify(v.Name(), v.BindingKey())
		sub = target.queryAs(v.Name())
	case *HasOne, *HasMany:
		srcCols, otherCols = a.BindingKey(), qualify(a.Name(), a.ForeignKey())
		sub = target.queryAs(a.Name())
	case *BelongsToMany:
		junction, err := v.Junction()
		if err != nil {
			return nil, err
		}
		srcCols, otherCols = v.BindingKey(), qualify(junction.Alias(), v.ForeignKey())
		sub, err = v.junctionQuery(false)
		if err != nil {
			return nil, err
		}
	default:
		return nil, configError("association %s cannot be negated", a.Name())
	}

	if v, ok := a.(*BelongsToMany); !ok {
		sub.Where(a.Conditions()...)
	} else {
		_, targetConds := splitConditions(v.Conditions(), v.junctionAlias())
		sub.Where(targetConds...)
	}
	sub.Where(conds...)
	for _, c := range otherCols {
		sub.Where(IsNotNull(c))
	}
	sub.Select(otherCols...)
	sub.Distinct()

	qualified := qualify(srcAlias, srcCols)
	nulls := make([]Expr, len(qualified))
	for i, c := range qualified {
		nulls[i] = IsNull(c)
	}
	return Or(NotInQuery(qualified, sub), And(nulls...)), nil
}
