package dynamic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/protomq/protomq/internal/schema"
	"github.com/protomq/protomq/internal/wire"
)

type resolver map[string]*schema.Message

func (r resolver) LookupMessage(name string) (*schema.Message, bool) {
	m, ok := r[name]
	return m, ok
}

func mustParse(t *testing.T, src string) resolver {
	t.Helper()
	msgs, err := schema.Parse(src)
	require.NoError(t, err)

	r := make(resolver, len(msgs))
	for _, m := range msgs {
		r[m.Name] = m
	}
	return r
}

const personSchema = `syntax = "proto3";
message Person {
  string name = 1;
  int32 id = 2;
  repeated string emails = 3;
}
`

func personValue() *Value {
	return Message().
		Set(1, String("Alice")).
		Set(2, Varint(101)).
		Set(3, Repeated(String("a@b.com"), String("c@d.com")))
}

func TestEncodePerson(t *testing.T) {
	r := mustParse(t, personSchema)

	b, err := Encode(personValue(), "Person", r)
	require.NoError(t, err)

	// 0A 05 "Alice" 10 65, then the two emails.
	want := []byte{0x0A, 0x05, 'A', 'l', 'i', 'c', 'e', 0x10, 0x65}
	want = append(want, 0x1A, 0x07)
	want = append(want, "a@b.com"...)
	want = append(want, 0x1A, 0x07)
	want = append(want, "c@d.com"...)
	assert.Equal(t, want, b)
}

func TestRoundTripPerson(t *testing.T) {
	r := mustParse(t, personSchema)
	v := personValue()

	b, err := Encode(v, "Person", r)
	require.NoError(t, err)

	got, err := Decode(b, "Person", r)
	require.NoError(t, err)
	assert.True(t, v.Equal(got), "decoded tree differs: %s vs %s", Format(v), Format(got))
}

func TestRoundTripScalars(t *testing.T) {
	r := mustParse(t, `message Readings {
  double temperature = 1;
  float ratio = 2;
  fixed64 span = 3;
  sfixed32 offset = 4;
  bool ok = 5;
  uint64 count = 6;
  bytes blob = 7;
}`)

	v := Message().
		Set(1, Fixed64(0x4036_8F5C_28F5_C28F)). // 22.56 as IEEE754 bits
		Set(2, Fixed32(0x3F00_0000)).
		Set(3, Fixed64(9000)).
		Set(4, Fixed32(0xFFFF_FFFE)).
		Set(5, Varint(1)).
		Set(6, Varint(1<<63)).
		Set(7, Bytes([]byte{0x00, 0xFF, 0x10}))

	b, err := Encode(v, "Readings", r)
	require.NoError(t, err)

	got, err := Decode(b, "Readings", r)
	require.NoError(t, err)
	assert.True(t, v.Equal(got))
}

func TestNestedMessage(t *testing.T) {
	r := mustParse(t, `message Point { sfixed32 x = 1; sfixed32 y = 2; }
message Track {
  string name = 1;
  repeated Point points = 2;
}`)

	v := Message().
		Set(1, String("route-66")).
		Set(2, Repeated(
			Message().Set(1, Fixed32(1)).Set(2, Fixed32(2)),
			Message().Set(1, Fixed32(3)).Set(2, Fixed32(4)),
		))

	b, err := Encode(v, "Track", r)
	require.NoError(t, err)

	got, err := Decode(b, "Track", r)
	require.NoError(t, err)
	assert.True(t, v.Equal(got))
}

func TestEncodeTopLevelMustBeMessage(t *testing.T) {
	r := mustParse(t, personSchema)

	_, err := Encode(Varint(5), "Person", r)
	assert.ErrorIs(t, err, ErrInvalidTopLevelType)

	_, err = Encode(nil, "Person", r)
	assert.ErrorIs(t, err, ErrInvalidTopLevelType)
}

func TestEncodeDropsUnknownTags(t *testing.T) {
	r := mustParse(t, personSchema)

	v := personValue().Set(99, Varint(1))
	b, err := Encode(v, "Person", r)
	require.NoError(t, err)

	got, err := Decode(b, "Person", r)
	require.NoError(t, err)
	assert.True(t, personValue().Equal(got))
}

func TestEncodeTypeMismatch(t *testing.T) {
	r := mustParse(t, personSchema)

	v := Message().Set(2, String("not a number"))
	_, err := Encode(v, "Person", r)
	assert.ErrorIs(t, err, ErrTypeMismatch)
}

func TestEncodeUnknownMessageType(t *testing.T) {
	r := mustParse(t, personSchema)

	_, err := Encode(Message(), "Nobody", r)
	assert.ErrorIs(t, err, ErrUnknownMessageType)
}

func TestEncodeUnresolvedReference(t *testing.T) {
	r := mustParse(t, `message Holder { Missing inner = 1; }`)

	v := Message().Set(1, Message())
	_, err := Encode(v, "Holder", r)
	assert.ErrorIs(t, err, ErrUnknownMessageType)
}

func TestDecodeSkipsUnknownTags(t *testing.T) {
	full := mustParse(t, `message M {
  uint32 a = 1;
  fixed32 b = 2;
  fixed64 c = 3;
  string d = 4;
}`)
	partial := mustParse(t, `message M { uint32 a = 1; }`)

	v := Message().
		Set(1, Varint(7)).
		Set(2, Fixed32(8)).
		Set(3, Fixed64(9)).
		Set(4, String("skipped"))

	b, err := Encode(v, "M", full)
	require.NoError(t, err)

	got, err := Decode(b, "M", partial)
	require.NoError(t, err)
	assert.True(t, Message().Set(1, Varint(7)).Equal(got))
}

func TestDecodeTruncated(t *testing.T) {
	r := mustParse(t, personSchema)

	b, err := Encode(personValue(), "Person", r)
	require.NoError(t, err)

	_, err = Decode(b[:3], "Person", r)
	assert.ErrorIs(t, err, wire.ErrTruncated)
}

func TestDecodeUnsupportedWireType(t *testing.T) {
	r := mustParse(t, `message M { uint32 a = 1; }`)

	// Unknown tag 2 with deprecated group wire type 3.
	_, err := Decode([]byte{0x13}, "M", r)
	assert.ErrorIs(t, err, ErrUnsupportedWireType)
}

func TestDecodeDepthLimit(t *testing.T) {
	r := mustParse(t, `message Node { Node next = 1; }`)

	// Self-referencing schemas resolve by name, so a deeply nested
	// input must hit the depth guard rather than recurse unboundedly.
	v := Message()
	root := v
	for i := 0; i < MaxDepth+1; i++ {
		inner := Message()
		v.Set(1, inner)
		v = inner
	}

	_, err := Encode(root, "Node", r)
	assert.ErrorIs(t, err, ErrDepthExceeded)

	// And the same on decode, with manually built nesting.
	var b []byte
	for i := 0; i < MaxDepth+1; i++ {
		b = append(wire.AppendUvarint(nil, 0x0A), wire.AppendBytes(nil, b)...)
	}
	_, err = Decode(b, "Node", r)
	assert.ErrorIs(t, err, ErrDepthExceeded)
}

func TestRepeatedOccurrencesAppend(t *testing.T) {
	r := mustParse(t, `message M { repeated uint32 xs = 1; }`)

	var b []byte
	for _, x := range []uint64{1, 2, 3} {
		b = wire.AppendUvarint(b, 1<<3|0)
		b = wire.AppendUvarint(b, x)
	}

	got, err := Decode(b, "M", r)
	require.NoError(t, err)

	want := Message().Set(1, Repeated(Varint(1), Varint(2), Varint(3)))
	assert.True(t, want.Equal(got))
}

func TestFormat(t *testing.T) {
	s := Format(personValue())
	assert.Contains(t, s, `"Alice"`)
	assert.Contains(t, s, "101")
}
