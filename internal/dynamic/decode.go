package dynamic

import (
	"github.com/protomq/protomq/internal/schema"
	"github.com/protomq/protomq/internal/wire"
)

// Decode parses data against the named message definition and returns
// the tagged value tree. All returned byte values are owned copies.
func Decode(data []byte, msgName string, r Resolver) (*Value, error) {
	def, ok := r.LookupMessage(msgName)
	if !ok {
		return nil, ErrUnknownMessageType
	}
	return decodeMessage(data, def, r, 0)
}

func decodeMessage(data []byte, def *schema.Message, r Resolver, depth int) (*Value, error) {
	if depth >= MaxDepth {
		return nil, ErrDepthExceeded
	}

	v := Message()
	for len(data) > 0 {
		key, n, err := wire.Uvarint(data)
		if err != nil {
			return nil, err
		}
		data = data[n:]

		tag, wt := int32(key>>3), int(key&0x7)
		f := def.Field(tag)
		if f == nil {
			if data, err = skipField(data, wt); err != nil {
				return nil, err
			}
			continue
		}

		if wt != wireType(f.Type) {
			return nil, ErrTypeMismatch
		}

		var fv *Value
		if fv, data, err = decodeField(data, f, r, depth); err != nil {
			return nil, err
		}

		if f.Label == schema.LabelRepeated {
			// Successive occurrences append to the same list.
			if prev, ok := v.Fields[tag]; ok {
				prev.Append(fv)
			} else {
				v.Fields[tag] = Repeated(fv)
			}
		} else {
			v.Fields[tag] = fv
		}
	}

	return v, nil
}

func decodeField(data []byte, f *schema.Field, r Resolver, depth int) (*Value, []byte, error) {
	switch wireType(f.Type) {
	case wireVarint:
		u, n, err := wire.Uvarint(data)
		if err != nil {
			return nil, nil, err
		}
		return Varint(u), data[n:], nil

	case wireF32:
		// Declared float/sfixed32 are stored as raw fixed32; the
		// consumer interprets the bits.
		u, err := wire.Fixed32(data)
		if err != nil {
			return nil, nil, err
		}
		return Fixed32(u), data[4:], nil

	case wireF64:
		u, err := wire.Fixed64(data)
		if err != nil {
			return nil, nil, err
		}
		return Fixed64(u), data[8:], nil

	default: // wireBytes
		s, n, err := wire.Bytes(data)
		if err != nil {
			return nil, nil, err
		}

		if f.Type != schema.TypeMessage {
			owned := make([]byte, len(s))
			copy(owned, s)
			return Bytes(owned), data[n:], nil
		}

		if f.TypeName == "" {
			return nil, nil, ErrMissingTypeName
		}
		sub, ok := r.LookupMessage(f.TypeName)
		if !ok {
			return nil, nil, ErrUnknownMessageType
		}

		nested, err := decodeMessage(s, sub, r, depth+1)
		if err != nil {
			return nil, nil, err
		}
		return nested, data[n:], nil
	}
}

// skipField advances past an unknown tag's value.
func skipField(data []byte, wt int) ([]byte, error) {
	switch wt {
	case wireVarint:
		_, n, err := wire.Uvarint(data)
		if err != nil {
			return nil, err
		}
		return data[n:], nil

	case wireF64:
		if len(data) < 8 {
			return nil, wire.ErrTruncated
		}
		return data[8:], nil

	case wireF32:
		if len(data) < 4 {
			return nil, wire.ErrTruncated
		}
		return data[4:], nil

	case wireBytes:
		_, n, err := wire.Bytes(data)
		if err != nil {
			return nil, err
		}
		return data[n:], nil
	}

	return nil, ErrUnsupportedWireType
}
