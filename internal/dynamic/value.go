// Package dynamic implements a registry-driven Protobuf codec over a
// generic tagged-value tree, used on publish and for the Service
// Discovery reply.
package dynamic

import "bytes"

// Kind discriminates the tagged value variants.
type Kind uint8

const (
	KindVarint Kind = iota
	KindFixed32
	KindFixed64
	KindBytes
	KindMessage
	KindRepeated
)

// Value is a dynamic Protobuf value. Exactly one of the payload fields
// is meaningful, selected by Kind.
type Value struct {
	Kind Kind

	U64    uint64           // KindVarint, KindFixed64
	U32    uint32           // KindFixed32
	Bytes  []byte           // KindBytes, also carries strings
	Fields map[int32]*Value // KindMessage
	List   []*Value         // KindRepeated
}

func Varint(v uint64) *Value  { return &Value{Kind: KindVarint, U64: v} }
func Fixed32(v uint32) *Value { return &Value{Kind: KindFixed32, U32: v} }
func Fixed64(v uint64) *Value { return &Value{Kind: KindFixed64, U64: v} }

func Bytes(b []byte) *Value { return &Value{Kind: KindBytes, Bytes: b} }
func String(s string) *Value {
	return &Value{Kind: KindBytes, Bytes: []byte(s)}
}

func Message() *Value {
	return &Value{Kind: KindMessage, Fields: make(map[int32]*Value, 4)}
}

func (v *Value) Set(tag int32, fv *Value) *Value {
	v.Fields[tag] = fv
	return v
}

func Repeated(vs ...*Value) *Value {
	return &Value{Kind: KindRepeated, List: vs}
}

func (v *Value) Append(e *Value) {
	v.List = append(v.List, e)
}

// Equal reports deep structural equality. Repeated lists compare in
// insertion order; message fields compare as maps.
func (v *Value) Equal(o *Value) bool {
	if v == nil || o == nil {
		return v == o
	}
	if v.Kind != o.Kind {
		return false
	}

	switch v.Kind {
	case KindVarint, KindFixed64:
		return v.U64 == o.U64
	case KindFixed32:
		return v.U32 == o.U32
	case KindBytes:
		return bytes.Equal(v.Bytes, o.Bytes)
	case KindMessage:
		if len(v.Fields) != len(o.Fields) {
			return false
		}
		for tag, fv := range v.Fields {
			if !fv.Equal(o.Fields[tag]) {
				return false
			}
		}
		return true
	case KindRepeated:
		if len(v.List) != len(o.List) {
			return false
		}
		for i, e := range v.List {
			if !e.Equal(o.List[i]) {
				return false
			}
		}
		return true
	}
	return false
}
