package dynamic

import (
	"errors"
	"sort"

	"github.com/protomq/protomq/internal/schema"
	"github.com/protomq/protomq/internal/wire"
)

// MaxDepth bounds message nesting on both encode and decode, so cyclic
// schema references cannot recurse unboundedly.
const MaxDepth = 100

var (
	ErrInvalidTopLevelType = errors.New("dynamic: top-level value must be a message")
	ErrTypeMismatch        = errors.New("dynamic: value kind does not match field type")
	ErrUnsupportedWireType = errors.New("dynamic: unsupported wire type")
	ErrUnknownMessageType  = errors.New("dynamic: referenced message type not registered")
	ErrMissingTypeName     = errors.New("dynamic: message field has no type name")
	ErrDepthExceeded       = errors.New("dynamic: message nesting too deep")
)

// Resolver provides message definitions by name. Implemented by
// schema.Registry.
type Resolver interface {
	LookupMessage(name string) (*schema.Message, bool)
}

// Protobuf wire types.
const (
	wireVarint = 0
	wireF64    = 1
	wireBytes  = 2
	wireF32    = 5
)

func wireType(t schema.FieldType) int {
	switch t {
	case schema.TypeFixed64, schema.TypeSfixed64, schema.TypeDouble:
		return wireF64
	case schema.TypeFixed32, schema.TypeSfixed32, schema.TypeFloat:
		return wireF32
	case schema.TypeString, schema.TypeBytes, schema.TypeMessage:
		return wireBytes
	default: // int32/64, uint32/64, sint32/64, bool, enum
		return wireVarint
	}
}

// Encode serializes v against the named message definition.
// Tags present in v but absent from the schema are dropped.
func Encode(v *Value, msgName string, r Resolver) ([]byte, error) {
	if v == nil || v.Kind != KindMessage {
		return nil, ErrInvalidTopLevelType
	}

	def, ok := r.LookupMessage(msgName)
	if !ok {
		return nil, ErrUnknownMessageType
	}

	return encodeMessage(nil, v, def, r, 0)
}

func encodeMessage(b []byte, v *Value, def *schema.Message, r Resolver, depth int) ([]byte, error) {
	if depth >= MaxDepth {
		return nil, ErrDepthExceeded
	}

	// Deterministic output: fields in ascending tag order.
	tags := make([]int, 0, len(v.Fields))
	for tag := range v.Fields {
		tags = append(tags, int(tag))
	}
	sort.Ints(tags)

	var err error
	for _, t := range tags {
		tag := int32(t)
		f := def.Field(tag)
		if f == nil {
			continue // unknown tag, dropped
		}

		fv := v.Fields[tag]
		if f.Label == schema.LabelRepeated && fv.Kind == KindRepeated {
			for _, e := range fv.List {
				if b, err = encodeField(b, e, f, r, depth); err != nil {
					return nil, err
				}
			}
			continue
		}
		if fv.Kind == KindRepeated {
			return nil, ErrTypeMismatch
		}

		if b, err = encodeField(b, fv, f, r, depth); err != nil {
			return nil, err
		}
	}

	return b, nil
}

func encodeField(b []byte, fv *Value, f *schema.Field, r Resolver, depth int) ([]byte, error) {
	wt := wireType(f.Type)
	b = wire.AppendUvarint(b, uint64(f.Tag)<<3|uint64(wt))

	switch wt {
	case wireVarint:
		if fv.Kind != KindVarint {
			return nil, ErrTypeMismatch
		}
		return wire.AppendUvarint(b, fv.U64), nil

	case wireF32:
		if fv.Kind != KindFixed32 {
			return nil, ErrTypeMismatch
		}
		return wire.AppendFixed32(b, fv.U32), nil

	case wireF64:
		if fv.Kind != KindFixed64 {
			return nil, ErrTypeMismatch
		}
		return wire.AppendFixed64(b, fv.U64), nil

	default: // wireBytes
		if f.Type != schema.TypeMessage {
			if fv.Kind != KindBytes {
				return nil, ErrTypeMismatch
			}
			return wire.AppendBytes(b, fv.Bytes), nil
		}

		if fv.Kind != KindMessage {
			return nil, ErrTypeMismatch
		}
		if f.TypeName == "" {
			return nil, ErrMissingTypeName
		}
		sub, ok := r.LookupMessage(f.TypeName)
		if !ok {
			return nil, ErrUnknownMessageType
		}

		// Nested messages go through a scratch buffer so the length
		// prefix can be written.
		nested, err := encodeMessage(nil, fv, sub, r, depth+1)
		if err != nil {
			return nil, err
		}
		return wire.AppendBytes(b, nested), nil
	}
}
