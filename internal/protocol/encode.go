package protocol

import (
	"strconv"
)

// Encode serializes m per the wire grammar. Bulk string lengths are byte
// lengths, not code-point counts -- the Rust original this core descends
// from (see original_source/src/messages.rs) used chars().count(), which
// corrupts the length of any non-ASCII bulk payload. This was flagged as an open question in the spec and resolved
// here in favor of byte-correctness.
func Encode(m Message) []byte {
	buf := make([]byte, 0, 64)
	return appendEncoded(buf, m)
}

func appendEncoded(buf []byte, m Message) []byte {
	switch m.Kind {
	case KindSimpleString:
		buf = append(buf, '+')
		buf = append(buf, m.Str...)
		buf = append(buf, '\r', '\n')
	case KindError:
		buf = append(buf, '-')
		buf = append(buf, m.Str...)
		buf = append(buf, '\r', '\n')
	case KindInteger:
		buf = append(buf, ':')
		buf = strconv.AppendInt(buf, m.Int, 10)
		buf = append(buf, '\r', '\n')
	case KindBulkString:
		buf = append(buf, '$')
		buf = strconv.AppendInt(buf, int64(len(m.Bulk)), 10)
		buf = append(buf, '\r', '\n')
		buf = append(buf, m.Bulk...)
		buf = append(buf, '\r', '\n')
	case KindNull:
		buf = append(buf, '$', '-', '1', '\r', '\n')
	case KindArray:
		buf = append(buf, '*')
		buf = strconv.AppendInt(buf, int64(len(m.Items)), 10)
		buf = append(buf, '\r', '\n')
		for _, item := range m.Items {
			buf = appendEncoded(buf, item)
		}
	}
	return buf
}
