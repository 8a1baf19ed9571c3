package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePerson(t *testing.T) {
	src := `syntax = "proto3";
package example;

// A person record.
message Person {
  string name = 1;
  int32 id = 2;
  repeated string emails = 3;
}
`
	msgs, err := Parse(src)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	m := msgs[0]
	assert.Equal(t, "Person", m.Name)
	assert.Equal(t, src, m.Source)
	assert.Equal(t, []int32{1, 2, 3}, m.Order)

	name := m.Field(1)
	require.NotNil(t, name)
	assert.Equal(t, "name", name.Name)
	assert.Equal(t, TypeString, name.Type)
	assert.Equal(t, LabelOptional, name.Label)

	id := m.Field(2)
	require.NotNil(t, id)
	assert.Equal(t, TypeInt32, id.Type)

	emails := m.Field(3)
	require.NotNil(t, emails)
	assert.Equal(t, LabelRepeated, emails.Label)
	assert.Equal(t, TypeString, emails.Type)
}

func TestParseLabelsAndScalarTypes(t *testing.T) {
	msgs, err := Parse(`message Kitchen {
  required double a = 1;
  optional float b = 2;
  sint64 c = 3;
  fixed32 d = 4;
  sfixed64 e = 5;
  bool f = 6;
  bytes g = 7;
}`)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	m := msgs[0]
	assert.Equal(t, LabelRequired, m.Field(1).Label)
	assert.Equal(t, TypeDouble, m.Field(1).Type)
	assert.Equal(t, LabelOptional, m.Field(2).Label)
	assert.Equal(t, TypeSint64, m.Field(3).Type)
	assert.Equal(t, TypeFixed32, m.Field(4).Type)
	assert.Equal(t, TypeSfixed64, m.Field(5).Type)
	assert.Equal(t, TypeBool, m.Field(6).Type)
	assert.Equal(t, TypeBytes, m.Field(7).Type)
}

func TestParseUserTypeReference(t *testing.T) {
	msgs, err := Parse(`message Inner { uint32 x = 1; }
message Outer {
  Inner one = 1;
  repeated Inner many = 2;
}`)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	outer := msgs[1]
	assert.Equal(t, TypeMessage, outer.Field(1).Type)
	assert.Equal(t, "Inner", outer.Field(1).TypeName)
	assert.Equal(t, LabelRepeated, outer.Field(2).Label)
	assert.Equal(t, "Inner", outer.Field(2).TypeName)
}

func TestParseSkipsUnknownTopLevel(t *testing.T) {
	msgs, err := Parse(`syntax = "proto3";
option java_package = "com.example";
import "other.proto";
service Greeter {
  rpc Hello (Person) returns (Person);
}
message Person { string name = 1; }
`)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Person", msgs[0].Name)
}

func TestParseCommentsAndLines(t *testing.T) {
	msgs, err := Parse(`// leading comment
message M {
  // field comment
  uint32 a = 1; // trailing
}`)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "a", msgs[0].Field(1).Name)
}

func TestParseErrors(t *testing.T) {
	cases := []struct {
		src  string
		kind error
	}{
		{`syntax proto3;`, ErrExpectedSyntaxVersion},
		{`syntax = proto3;`, ErrExpectedSyntaxVersion},
		{`package;`, ErrExpectedPackageName},
		{`message { }`, ErrExpectedMessageName},
		{`message M { = 1; }`, ErrExpectedFieldType},
		{`message M { uint32 = 1; }`, ErrExpectedFieldName},
		{`message M { uint32 a; }`, ErrExpectedFieldTag},
		{`message M { uint32 a = x; }`, ErrExpectedFieldTag},
		{`message M { uint32 a = 0; }`, ErrExpectedFieldTag},
		{`message M { uint32 a = 1 }`, ErrUnexpectedToken},
		{`message M { uint32 a = 1;`, ErrUnexpectedToken},
	}

	for _, c := range cases {
		_, err := Parse(c.src)
		assert.ErrorIs(t, err, c.kind, "source: %s", c.src)
	}
}

func TestParseErrorCarriesLine(t *testing.T) {
	_, err := Parse("message M {\n  uint32 a = 1;\n  uint32 b;\n}")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 3")
}
