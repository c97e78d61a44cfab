package domain

import (
	"encoding/json"
	"fmt"
	"math"
)

// Kind identifies the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
	KindReference
)

// Value is a document field value. The concrete types are Null, Bool,
// Number, String, Array, Object and Reference.
type Value interface {
	Kind() Kind
	isValue()
}

type (
	Null   struct{}
	Bool   bool
	Number float64
	String string
	Array  []Value
	Object map[string]Value
)

// Reference points at document ID in collection Collection. It is data,
// resolved only when a query asks to populate it.
type Reference struct {
	Collection string
	ID         string

	// Populated holds the referenced document after population.
	Populated *Document
}

// Keys of the reference marker in serialized form.
const (
	RefCollectionKey = "$ref"
	RefIDKey         = "$id"
	RefDocKey        = "$doc"
)

func (Null) Kind() Kind      { return KindNull }
func (Bool) Kind() Kind      { return KindBool }
func (Number) Kind() Kind    { return KindNumber }
func (String) Kind() Kind    { return KindString }
func (Array) Kind() Kind     { return KindArray }
func (Object) Kind() Kind    { return KindObject }
func (Reference) Kind() Kind { return KindReference }

func (Null) isValue()      {}
func (Bool) isValue()      {}
func (Number) isValue()    {}
func (String) isValue()    {}
func (Array) isValue()     {}
func (Object) isValue()    {}
func (Reference) isValue() {}

// Equal reports whether a and b are structurally equal. A nil Value is
// treated as Null. References compare by collection and id only.
func Equal(a, b Value) bool {
	if a == nil {
		a = Null{}
	}
	if b == nil {
		b = Null{}
	}
	if a.Kind() != b.Kind() {
		return false
	}
	switch av := a.(type) {
	case Null:
		return true
	case Bool:
		return av == b.(Bool)
	case Number:
		return av == b.(Number)
	case String:
		return av == b.(String)
	case Array:
		bv := b.(Array)
		if len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case Object:
		bv := b.(Object)
		if len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			other, ok := bv[k]
			if !ok || !Equal(v, other) {
				return false
			}
		}
		return true
	case Reference:
		bv := b.(Reference)
		return av.Collection == bv.Collection && av.ID == bv.ID
	}
	return false
}

// CloneValue returns a deep copy of v.
func CloneValue(v Value) Value {
	switch tv := v.(type) {
	case nil:
		return Null{}
	case Array:
		out := make(Array, len(tv))
		for i, item := range tv {
			out[i] = CloneValue(item)
		}
		return out
	case Object:
		out := make(Object, len(tv))
		for k, item := range tv {
			out[k] = CloneValue(item)
		}
		return out
	case Reference:
		if tv.Populated != nil {
			populated := tv.Populated.Clone()
			tv.Populated = &populated
		}
		return tv
	default:
		return v
	}
}

// FromNative converts a decoded JSON or MessagePack tree into a Value.
// Objects carrying the reference marker keys become References.
func FromNative(v any) (Value, error) {
	switch tv := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return tv, nil
	case bool:
		return Bool(tv), nil
	case string:
		return String(tv), nil
	case float64:
		return Number(tv), nil
	case float32:
		return Number(tv), nil
	case int:
		return Number(tv), nil
	case int8:
		return Number(tv), nil
	case int16:
		return Number(tv), nil
	case int32:
		return Number(tv), nil
	case int64:
		return Number(tv), nil
	case uint:
		return Number(tv), nil
	case uint8:
		return Number(tv), nil
	case uint16:
		return Number(tv), nil
	case uint32:
		return Number(tv), nil
	case uint64:
		return Number(tv), nil
	case json.Number:
		f, err := tv.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %q: %w", tv.String(), err)
		}
		return Number(f), nil
	case []any:
		out := make(Array, len(tv))
		for i, item := range tv {
			val, err := FromNative(item)
			if err != nil {
				return nil, err
			}
			out[i] = val
		}
		return out, nil
	case []string:
		out := make(Array, len(tv))
		for i, item := range tv {
			out[i] = String(item)
		}
		return out, nil
	case map[string]any:
		return objectFromNative(tv)
	case map[any]any:
		converted := make(map[string]any, len(tv))
		for k, item := range tv {
			key, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("unsupported map key type %T", k)
			}
			converted[key] = item
		}
		return objectFromNative(converted)
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

func objectFromNative(m map[string]any) (Value, error) {
	if ref, ok := referenceFromNative(m); ok {
		return ref, nil
	}
	out := make(Object, len(m))
	for k, item := range m {
		val, err := FromNative(item)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		out[k] = val
	}
	return out, nil
}

func referenceFromNative(m map[string]any) (Reference, bool) {
	coll, ok := m[RefCollectionKey].(string)
	if !ok {
		return Reference{}, false
	}
	id, ok := m[RefIDKey].(string)
	if !ok {
		return Reference{}, false
	}
	return Reference{Collection: coll, ID: id}, true
}

// ToNative converts v into plain maps, slices and scalars suitable for
// JSON or MessagePack encoding.
func ToNative(v Value) any {
	switch tv := v.(type) {
	case nil, Null:
		return nil
	case Bool:
		return bool(tv)
	case Number:
		return float64(tv)
	case String:
		return string(tv)
	case Array:
		out := make([]any, len(tv))
		for i, item := range tv {
			out[i] = ToNative(item)
		}
		return out
	case Object:
		out := make(map[string]any, len(tv))
		for k, item := range tv {
			out[k] = ToNative(item)
		}
		return out
	case Reference:
		out := map[string]any{
			RefCollectionKey: tv.Collection,
			RefIDKey:         tv.ID,
		}
		if tv.Populated != nil {
			out[RefDocKey] = tv.Populated.ToNative()
		}
		return out
	}
	return nil
}

// EstimateSize returns a structural size estimate of v in bytes. Strings
// count two bytes per character, numbers eight and booleans four.
func EstimateSize(v Value) int64 {
	switch tv := v.(type) {
	case nil, Null:
		return 0
	case Bool:
		return 4
	case Number:
		return 8
	case String:
		return stringSize(string(tv))
	case Array:
		var size int64
		for _, item := range tv {
			size += EstimateSize(item)
		}
		return size
	case Object:
		var size int64
		for k, item := range tv {
			size += stringSize(k) + EstimateSize(item)
		}
		return size
	case Reference:
		return stringSize(RefCollectionKey) + stringSize(tv.Collection) +
			stringSize(RefIDKey) + stringSize(tv.ID)
	}
	return 0
}

func stringSize(s string) int64 {
	return int64(len(s)) * 2
}

// CanonicalKey serializes v deterministically. Object keys are sorted, a
// Reference is keyed by the id it points at and -0 is keyed as 0, so values
// that are Equal share a key.
func CanonicalKey(v Value) string {
	if ref, ok := v.(Reference); ok {
		v = String(ref.ID)
	}
	v = withoutNegativeZero(v)
	if n, ok := v.(Number); ok && (math.IsNaN(float64(n)) || math.IsInf(float64(n), 0)) {
		return fmt.Sprintf("%v", float64(n))
	}
	data, err := json.Marshal(ToNative(v))
	if err != nil {
		return fmt.Sprintf("%v", ToNative(v))
	}
	return string(data)
}

// withoutNegativeZero replaces every -0 in v with 0.
func withoutNegativeZero(v Value) Value {
	switch tv := v.(type) {
	case Number:
		if tv == 0 {
			return Number(0)
		}
	case Array:
		out := make(Array, len(tv))
		for i, item := range tv {
			out[i] = withoutNegativeZero(item)
		}
		return out
	case Object:
		out := make(Object, len(tv))
		for k, item := range tv {
			out[k] = withoutNegativeZero(item)
		}
		return out
	}
	return v
}
