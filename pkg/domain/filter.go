package domain

import "sort"

// Filter is a flat equality filter. The reserved id clause holds one or more
// document ids; every other clause must equal the document's field value.
type Filter struct {
	IDs    []string
	HasID  bool
	Fields map[string]Value
}

// ParseFilter builds a Filter from a decoded JSON object. An empty object is
// rejected: there is no implicit match-all.
func ParseFilter(m map[string]any) (Filter, error) {
	if len(m) == 0 {
		return Filter{}, Usagef("filter not found")
	}
	f := Filter{Fields: make(map[string]Value, len(m))}
	for field, raw := range m {
		if field == FieldID {
			ids, err := parseIDClause(raw)
			if err != nil {
				return Filter{}, err
			}
			f.IDs = ids
			f.HasID = true
			continue
		}
		val, err := FromNative(raw)
		if err != nil {
			return Filter{}, Usagef("filter field %q: %v", field, err)
		}
		f.Fields[field] = val
	}
	return f, nil
}

func parseIDClause(raw any) ([]string, error) {
	switch v := raw.(type) {
	case string:
		return []string{v}, nil
	case []string:
		return append([]string(nil), v...), nil
	case []any:
		ids := make([]string, 0, len(v))
		for _, item := range v {
			id, ok := item.(string)
			if !ok {
				return nil, Usagef("filter id list must hold strings, got %T", item)
			}
			ids = append(ids, id)
		}
		return ids, nil
	}
	return nil, Usagef("filter id must be a string or a list of strings, got %T", raw)
}

// ByID returns a filter matching the given ids.
func ByID(ids ...string) Filter {
	return Filter{IDs: ids, HasID: true}
}

// Where returns a filter over fields.
func Where(fields map[string]Value) Filter {
	return Filter{Fields: fields}
}

// Validate rejects a filter with no clauses.
func (f Filter) Validate() error {
	if !f.HasID && len(f.Fields) == 0 {
		return Usagef("filter not found")
	}
	return nil
}

// FieldNames returns the non-id clause names in ascending order.
func (f Filter) FieldNames() []string {
	names := make([]string, 0, len(f.Fields))
	for name := range f.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Matches applies the non-id clauses to doc. A field holding a Reference is
// compared by the id it points at; a list filter value then means
// containment.
func (f Filter) Matches(doc Document) bool {
	for field, expected := range f.Fields {
		actual, ok := doc.Get(field)
		if !ok {
			return false
		}
		if ref, isRef := actual.(Reference); isRef {
			if !referenceMatches(ref, expected) {
				return false
			}
			continue
		}
		if !Equal(actual, expected) {
			return false
		}
	}
	return true
}

func referenceMatches(ref Reference, expected Value) bool {
	switch ev := expected.(type) {
	case String:
		return string(ev) == ref.ID
	case Array:
		for _, item := range ev {
			if s, ok := item.(String); ok && string(s) == ref.ID {
				return true
			}
		}
		return false
	case Reference:
		return Equal(ref, ev)
	}
	return false
}
