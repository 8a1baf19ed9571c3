// Package schema implements the message schema-definition language:
// a restricted proto3-style IDL, its parser, and the registry that
// holds parsed message definitions and topic bindings.
package schema

// FieldType is the declared scalar type of a message field.
type FieldType uint8

const (
	TypeDouble FieldType = iota
	TypeFloat
	TypeInt32
	TypeInt64
	TypeUint32
	TypeUint64
	TypeFixed32
	TypeFixed64
	TypeBool
	TypeString
	TypeBytes
	TypeMessage
	TypeEnum
	TypeSfixed32
	TypeSfixed64
	TypeSint32
	TypeSint64
)

var scalarTypes = map[string]FieldType{
	"double":   TypeDouble,
	"float":    TypeFloat,
	"int32":    TypeInt32,
	"int64":    TypeInt64,
	"uint32":   TypeUint32,
	"uint64":   TypeUint64,
	"fixed32":  TypeFixed32,
	"fixed64":  TypeFixed64,
	"bool":     TypeBool,
	"string":   TypeString,
	"bytes":    TypeBytes,
	"enum":     TypeEnum,
	"sfixed32": TypeSfixed32,
	"sfixed64": TypeSfixed64,
	"sint32":   TypeSint32,
	"sint64":   TypeSint64,
}

// Label is the cardinality qualifier of a field. Default optional.
type Label uint8

const (
	LabelOptional Label = iota
	LabelRequired
	LabelRepeated
)

// Field is one field definition inside a message definition.
type Field struct {
	Name  string
	Tag   int32
	Type  FieldType
	Label Label

	// TypeName is the referenced message type name when Type is
	// TypeMessage. Resolved by name at encode/decode time, so forward
	// and self references work.
	TypeName string
}

// Message is a parsed message definition.
type Message struct {
	Name   string
	Fields map[int32]*Field

	// Tags in declaration order.
	Order []int32

	// Source is the verbatim text of the schema file the message was
	// parsed from, served by Service Discovery.
	Source string
}

func (m *Message) Field(tag int32) *Field {
	return m.Fields[tag]
}
