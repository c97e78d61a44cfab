package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Reserved field names managed by the engine.
const (
	FieldID        = "id"
	FieldCreatedAt = "createdAt"
	FieldUpdatedAt = "updatedAt"
)

// TimeFormat is the serialized form of createdAt and updatedAt.
const TimeFormat = time.RFC3339Nano

// IsReserved reports whether field is managed by the engine.
func IsReserved(field string) bool {
	return field == FieldID || field == FieldCreatedAt || field == FieldUpdatedAt
}

// Fields is the caller-supplied part of a document.
type Fields map[string]Value

// FieldsFromNative converts a decoded JSON object into Fields.
func FieldsFromNative(m map[string]any) (Fields, error) {
	fields := make(Fields, len(m))
	for k, v := range m {
		val, err := FromNative(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		fields[k] = val
	}
	return fields, nil
}

// WithoutReserved returns a deep copy of f without the engine-managed names.
func (f Fields) WithoutReserved() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		if IsReserved(k) {
			continue
		}
		out[k] = CloneValue(v)
	}
	return out
}

// Document is a stored document: engine-assigned identity and timestamps plus
// arbitrary fields.
type Document struct {
	ID        string
	CreatedAt time.Time
	UpdatedAt time.Time
	Fields    Fields
}

// Get returns the value of field, including the reserved names.
func (d Document) Get(field string) (Value, bool) {
	switch field {
	case FieldID:
		return String(d.ID), true
	case FieldCreatedAt:
		return String(d.CreatedAt.UTC().Format(TimeFormat)), true
	case FieldUpdatedAt:
		return String(d.UpdatedAt.UTC().Format(TimeFormat)), true
	}
	v, ok := d.Fields[field]
	return v, ok
}

// Clone returns a deep copy of d.
func (d Document) Clone() Document {
	out := d
	out.Fields = make(Fields, len(d.Fields))
	for k, v := range d.Fields {
		out.Fields[k] = CloneValue(v)
	}
	return out
}

// Merge returns a copy of d with data laid over its fields. Reserved names in
// data are ignored.
func (d Document) Merge(data Fields) Document {
	out := d.Clone()
	for k, v := range data {
		if IsReserved(k) {
			continue
		}
		out.Fields[k] = CloneValue(v)
	}
	return out
}

// Size estimates the stored size of d for chunk placement.
func (d Document) Size() int64 {
	var size int64
	for k, v := range d.Fields {
		size += stringSize(k) + EstimateSize(v)
	}
	// id, createdAt and updatedAt entries
	size += stringSize(FieldID) + stringSize(d.ID)
	size += stringSize(FieldCreatedAt) + stringSize(FieldUpdatedAt) + 2*stringSize(TimeFormat)
	return size
}

// ToNative flattens d into a single object with the reserved fields inlined.
func (d Document) ToNative() map[string]any {
	out := make(map[string]any, len(d.Fields)+3)
	for k, v := range d.Fields {
		out[k] = ToNative(v)
	}
	out[FieldID] = d.ID
	out[FieldCreatedAt] = d.CreatedAt.UTC().Format(TimeFormat)
	out[FieldUpdatedAt] = d.UpdatedAt.UTC().Format(TimeFormat)
	return out
}

// DocumentFromNative is the inverse of ToNative.
func DocumentFromNative(m map[string]any) (Document, error) {
	id, ok := m[FieldID].(string)
	if !ok || id == "" {
		return Document{}, fmt.Errorf("document has no id")
	}
	doc := Document{ID: id, Fields: make(Fields, len(m))}
	var err error
	if doc.CreatedAt, err = parseTime(m[FieldCreatedAt]); err != nil {
		return Document{}, fmt.Errorf("document %s: createdAt: %w", id, err)
	}
	if doc.UpdatedAt, err = parseTime(m[FieldUpdatedAt]); err != nil {
		return Document{}, fmt.Errorf("document %s: updatedAt: %w", id, err)
	}
	for k, v := range m {
		if IsReserved(k) {
			continue
		}
		val, err := FromNative(v)
		if err != nil {
			return Document{}, fmt.Errorf("document %s: field %q: %w", id, k, err)
		}
		doc.Fields[k] = val
	}
	return doc, nil
}

func parseTime(v any) (time.Time, error) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, fmt.Errorf("expected timestamp string, got %T", v)
	}
	return time.Parse(TimeFormat, s)
}

func (d Document) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.ToNative())
}

func (d *Document) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	doc, err := DocumentFromNative(m)
	if err != nil {
		return err
	}
	*d = doc
	return nil
}
