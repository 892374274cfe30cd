package zorel

import (
	"slices"
)

// DuplicatePolicy decides what a singular ResultMap does when two fetched
// rows share a key, which means the data breaks the expected 1:1 shape.
type DuplicatePolicy string

const (
	// DuplicateKeepLast keeps the last fetched row and logs a warning.
	DuplicateKeepLast DuplicatePolicy = "keep_last"
	// DuplicateKeepFirst keeps the first fetched row and logs a warning.
	DuplicateKeepFirst DuplicatePolicy = "keep_first"
	// DuplicateError fails the load with ErrDataIntegrity.
	DuplicateError DuplicatePolicy = "error"
)

// ResultMap indexes fetched rows by their key: one row per key for singular
// associations, a list per key for plural ones. It lives for one eager load.
type ResultMap struct {
	singular bool
	policy   DuplicatePolicy
	one      map[string]*Entity
	many     map[string][]*Entity
	keys     int
}

// NewResultMap creates an empty ResultMap.
func NewResultMap(singular bool, policy DuplicatePolicy) *ResultMap {
	if policy == "" {
		policy = DuplicateKeepLast
	}
	return &ResultMap{
		singular: singular,
		policy:   policy,
		one:      make(map[string]*Entity),
		many:     make(map[string][]*Entity),
	}
}

// Add files row under key. Rows with a NULL key component are skipped.
// collided reports a singular key seen twice.
func (m *ResultMap) Add(key []any, row *Entity) (collided bool, err error) {
	k, ok := compositeKey(key)
	if !ok {
		return false, nil
	}

	if !m.singular {
		if _, seen := m.many[k]; !seen {
			m.keys++
		}
		m.many[k] = append(m.many[k], row)
		return false, nil
	}

	if _, seen := m.one[k]; seen {
		switch m.policy {
		case DuplicateError:
			return true, integrityError("several rows share key %v", key)
		case DuplicateKeepFirst:
			return true, nil
		}
		m.one[k] = row
		return true, nil
	}
	m.one[k] = row
	m.keys++
	return false, nil
}

// Lookup returns the row (singular) or rows (plural) filed under key.
func (m *ResultMap) Lookup(key []any) (any, bool) {
	k, ok := compositeKey(key)
	if !ok {
		return nil, false
	}
	if m.singular {
		row, found := m.one[k]
		return row, found
	}
	rows, found := m.many[k]
	if !found {
		return nil, false
	}
	return slices.Clone(rows), true
}

// Len returns the number of distinct keys.
func (m *ResultMap) Len() int { return m.keys }

// Singular reports whether the map holds one row per key.
func (m *ResultMap) Singular() bool { return m.singular }

// Injector sets an association property on primary rows from a ResultMap.
// It replaces a row-transform closure with explicit, inspectable state.
type Injector struct {
	property   string
	sourceKeys []string
	results    *ResultMap
}

// NewInjector builds an Injector reading sourceKeys from each row.
func NewInjector(property string, sourceKeys []string, results *ResultMap) *Injector {
	return &Injector{property: property, sourceKeys: sourceKeys, results: results}
}

// Property returns the property the injector sets.
func (i *Injector) Property() string { return i.property }

// Results returns the underlying ResultMap.
func (i *Injector) Results() *ResultMap { return i.results }

// Inject sets the property on row: the matching row(s), or nil / an empty
// list when nothing matched. The property is never left unset.
func (i *Injector) Inject(row *Entity) error {
	if missing := missingFields(row, i.sourceKeys); len(missing) > 0 {
		return integrityError("%s row lacks binding key %v needed for %s", row.Source(), missing, i.property)
	}

	if v, ok := i.results.Lookup(row.Extract(i.sourceKeys)); ok {
		row.setClean(i.property, v)
		return nil
	}

	if i.results.singular {
		row.setClean(i.property, nil)
		return nil
	}
	row.setClean(i.property, []*Entity{})
	return nil
}

// InjectAll runs Inject over rows.
func (i *Injector) InjectAll(rows []*Entity) error {
	for _, r := range rows {
		if r == nil {
			continue
		}
		if err := i.Inject(r); err != nil {
			return err
		}
	}
	return nil
}
