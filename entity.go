package zorel

import (
	"maps"
	"reflect"
	"slices"
	"sort"
)

// JoinDataProperty is the target entity field holding the junction row of a
// many-to-many link.
const JoinDataProperty = "_joinData"

// Entity is a map-backed record. Field values are plain Go values as returned
// by database/sql; association properties hold *Entity or []*Entity.
type Entity struct {
	source   string
	fields   map[string]any
	original map[string]any
	dirty    map[string]bool
	isNew    bool
	errs     map[string][]string
}

// NewEntity creates a new, unsaved entity for the table alias source.
// Every initial field is dirty.
func NewEntity(source string, fields map[string]any) *Entity {
	e := &Entity{
		source: source,
		fields: make(map[string]any, len(fields)),
		dirty:  make(map[string]bool, len(fields)),
		isNew:  true,
	}
	for k, v := range fields {
		e.fields[k] = v
		e.dirty[k] = true
	}
	return e
}

// newLoadedEntity creates a persisted, clean entity from fetched columns.
func newLoadedEntity(source string, fields map[string]any) *Entity {
	if fields == nil {
		fields = make(map[string]any)
	}
	return &Entity{
		source: source,
		fields: fields,
		dirty:  make(map[string]bool),
	}
}

// Source returns the alias of the table the entity belongs to.
func (e *Entity) Source() string { return e.source }

// SetSource sets the alias of the table the entity belongs to.
func (e *Entity) SetSource(alias string) { e.source = alias }

// Get returns a field value, nil when absent.
func (e *Entity) Get(field string) any {
	return e.fields[field]
}

// Has reports whether field is present and not nil.
func (e *Entity) Has(field string) bool {
	v, ok := e.fields[field]
	return ok && v != nil
}

// IsSet reports whether field is present, even when nil.
func (e *Entity) IsSet(field string) bool {
	_, ok := e.fields[field]
	return ok
}

// Set assigns a field and marks it dirty when the value changed.
func (e *Entity) Set(field string, value any) {
	old, existed := e.fields[field]
	if existed && isScalar(value) && isScalar(old) && reflect.DeepEqual(old, value) {
		return
	}
	if !e.isNew && existed {
		if e.original == nil {
			e.original = make(map[string]any)
		}
		if _, kept := e.original[field]; !kept {
			e.original[field] = old
		}
	}
	e.fields[field] = value
	e.dirty[field] = true
}

// setClean assigns a field without touching the dirty set.
func (e *Entity) setClean(field string, value any) {
	e.fields[field] = value
	delete(e.dirty, field)
}

// Unset removes fields.
func (e *Entity) Unset(fields ...string) {
	for _, f := range fields {
		delete(e.fields, f)
		delete(e.dirty, f)
	}
}

// Extract returns the values of fields in order.
func (e *Entity) Extract(fields []string) []any {
	out := make([]any, len(fields))
	for i, f := range fields {
		out[i] = e.fields[f]
	}
	return out
}

// Fields returns the names of every field, sorted.
func (e *Entity) Fields() []string {
	return slices.Sorted(maps.Keys(e.fields))
}

// Entity returns a singular association property.
func (e *Entity) Entity(property string) *Entity {
	v, _ := e.fields[property].(*Entity)
	return v
}

// Entities returns a plural association property.
func (e *Entity) Entities(property string) []*Entity {
	v, _ := e.fields[property].([]*Entity)
	return v
}

// JoinData returns the junction row attached to a many-to-many target.
func (e *Entity) JoinData() *Entity {
	return e.Entity(JoinDataProperty)
}

// IsNew reports whether the entity has not been persisted yet.
func (e *Entity) IsNew() bool { return e.isNew }

// SetNew sets the new flag.
func (e *Entity) SetNew(isNew bool) { e.isNew = isNew }

// IsDirty reports whether field changed. Without arguments it reports
// whether any field changed.
func (e *Entity) IsDirty(fields ...string) bool {
	if len(fields) == 0 {
		return len(e.dirty) > 0
	}
	for _, f := range fields {
		if e.dirty[f] {
			return true
		}
	}
	return false
}

// SetDirty marks or clears the dirty flag of a field.
func (e *Entity) SetDirty(field string, dirty bool) {
	if dirty {
		e.dirty[field] = true
		return
	}
	delete(e.dirty, field)
}

// Dirty returns the names of the changed fields, sorted.
func (e *Entity) Dirty() []string {
	out := make([]string, 0, len(e.dirty))
	for f := range e.dirty {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Original returns the value a field had before it was first changed.
func (e *Entity) Original(field string) any {
	if v, ok := e.original[field]; ok {
		return v
	}
	return e.fields[field]
}

// Clean clears dirty flags, originals and errors.
func (e *Entity) Clean() {
	e.dirty = make(map[string]bool)
	e.original = nil
	e.errs = nil
}

// SetError attaches an error message to a field.
func (e *Entity) SetError(field, msg string) {
	if e.errs == nil {
		e.errs = make(map[string][]string)
	}
	e.errs[field] = append(e.errs[field], msg)
}

// Errors returns the attached field errors.
func (e *Entity) Errors() map[string][]string {
	return e.errs
}

// HasErrors reports whether any field error is attached.
func (e *Entity) HasErrors() bool {
	return len(e.errs) > 0
}

// ToMap converts the entity and its nested associations into plain maps.
func (e *Entity) ToMap() map[string]any {
	out := make(map[string]any, len(e.fields))
	for k, v := range e.fields {
		switch val := v.(type) {
		case *Entity:
			if val == nil {
				out[k] = nil
				continue
			}
			out[k] = val.ToMap()
		case []*Entity:
			list := make([]map[string]any, len(val))
			for i, child := range val {
				list[i] = child.ToMap()
			}
			out[k] = list
		default:
			out[k] = v
		}
	}
	return out
}

// entityState is a restorable copy of an entity's persistence state.
type entityState struct {
	isNew    bool
	fields   map[string]any
	dirty    map[string]bool
	original map[string]any
}

func (e *Entity) snapshot() entityState {
	return entityState{
		isNew:    e.isNew,
		fields:   maps.Clone(e.fields),
		dirty:    maps.Clone(e.dirty),
		original: maps.Clone(e.original),
	}
}

// restore puts back a snapshot. Field errors are kept.
func (e *Entity) restore(s entityState) {
	e.isNew = s.isNew
	e.fields = s.fields
	e.dirty = s.dirty
	e.original = s.original
}

func isScalar(v any) bool {
	switch v.(type) {
	case *Entity, []*Entity:
		return false
	}
	return true
}
