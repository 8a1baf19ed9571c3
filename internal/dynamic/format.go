package dynamic

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

// Format renders a value tree compactly for diagnostics.
func Format(v *Value) string {
	var b strings.Builder
	format(&b, v)
	return b.String()
}

func format(b *strings.Builder, v *Value) {
	if v == nil {
		b.WriteString("<nil>")
		return
	}

	switch v.Kind {
	case KindVarint:
		fmt.Fprintf(b, "%d", v.U64)
	case KindFixed32:
		fmt.Fprintf(b, "0x%08x", v.U32)
	case KindFixed64:
		fmt.Fprintf(b, "0x%016x", v.U64)
	case KindBytes:
		if utf8.Valid(v.Bytes) {
			fmt.Fprintf(b, "%q", v.Bytes)
		} else {
			fmt.Fprintf(b, "0x%x", v.Bytes)
		}
	case KindMessage:
		tags := make([]int, 0, len(v.Fields))
		for tag := range v.Fields {
			tags = append(tags, int(tag))
		}
		sort.Ints(tags)

		b.WriteByte('{')
		for i, tag := range tags {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(b, "%d: ", tag)
			format(b, v.Fields[int32(tag)])
		}
		b.WriteByte('}')
	case KindRepeated:
		b.WriteByte('[')
		for i, e := range v.List {
			if i > 0 {
				b.WriteString(", ")
			}
			format(b, e)
		}
		b.WriteByte(']')
	}
}
