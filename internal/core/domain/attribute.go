package domain

import (
	"bytes"
	"slices"
)

type AttrType string

const (
	AttrBool       AttrType = "bool"
	AttrInt        AttrType = "int"
	AttrFloat      AttrType = "float"
	AttrString     AttrType = "string"
	AttrStringList AttrType = "string-list"
	AttrBytes      AttrType = "bytes"
	AttrRef        AttrType = "ref"
	AttrRefList    AttrType = "ref-list"
)

// Primitive reports whether values of the type map one-to-one onto the wire.
func (t AttrType) Primitive() bool {
	switch t {
	case AttrBool, AttrInt, AttrFloat, AttrString, AttrStringList:
		return true
	}
	return false
}

// Validator may reject or normalise a proposed value. It receives a value
// already coerced to the attribute's Go type.
type Validator func(value any) (any, error)

// AttrSpec declares one attribute of an entity kind.
type AttrSpec struct {
	Name      string
	Type      AttrType
	Default   any
	Sync      bool
	ReadOnly  bool
	Validator Validator
}

// CloneValue returns a copy of v that shares no mutable memory with it.
func CloneValue(v any) any {
	switch val := v.(type) {
	case []byte:
		if val == nil {
			return []byte(nil)
		}
		return bytes.Clone(val)
	case []Ref:
		if val == nil {
			return []Ref(nil)
		}
		return slices.Clone(val)
	case []string:
		if val == nil {
			return []string(nil)
		}
		return slices.Clone(val)
	default:
		return v
	}
}

// ValuesEqual compares two attribute values of the same declared type.
func ValuesEqual(a, b any) bool {
	switch av := a.(type) {
	case []byte:
		bv, ok := b.([]byte)
		if !ok {
			return b == nil && av == nil
		}
		if (av == nil) != (bv == nil) {
			return false
		}
		return bytes.Equal(av, bv)
	case []Ref:
		bv, ok := b.([]Ref)
		return ok && slices.Equal(av, bv)
	case []string:
		bv, ok := b.([]string)
		return ok && slices.Equal(av, bv)
	case nil:
		switch bv := b.(type) {
		case nil:
			return true
		case []byte:
			return bv == nil
		}
		return false
	default:
		return a == b
	}
}
