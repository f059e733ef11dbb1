package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	cases := []Message{
		SimpleString("OK"),
		Err("ERR boom"),
		Integer(-42),
		BulkFromString("hello"),
		BulkString([]byte{}),
		Null(),
		Array(BulkFromString("SET"), BulkFromString("k"), BulkFromString("v")),
	}

	for _, m := range cases {
		encoded := Encode(m)
		decoded, n, err := Parse(encoded)
		require.NoError(t, err)
		require.Equal(t, len(encoded), n)
		require.Equal(t, m.Kind, decoded.Kind)
		require.Equal(t, m.String(), decoded.String())
	}
}

func TestEmptyBulkVsNull(t *testing.T) {
	empty := Encode(BulkString([]byte{}))
	require.Equal(t, "$0\r\n\r\n", string(empty))

	null := Encode(Null())
	require.Equal(t, "$-1\r\n", string(null))

	decodedEmpty, _, err := Parse(empty)
	require.NoError(t, err)
	require.False(t, decodedEmpty.IsNull())

	decodedNull, _, err := Parse(null)
	require.NoError(t, err)
	require.True(t, decodedNull.IsNull())
}

func TestBulkStringUsesByteLength(t *testing.T) {
	// "café" is 4 runes but 5 bytes in UTF-8; the wire length must be 5.
	m := BulkFromString("café")
	encoded := Encode(m)
	require.Equal(t, "$5\r\ncafé\r\n", string(encoded))
}

func TestParsePipelinedMessages(t *testing.T) {
	buf := append(Encode(SimpleString("PONG")), Encode(Integer(7))...)

	first, n1, err := Parse(buf)
	require.NoError(t, err)
	require.Equal(t, "PONG", first.Str)

	second, n2, err := Parse(buf[n1:])
	require.NoError(t, err)
	require.Equal(t, int64(7), second.Int)
	require.Equal(t, len(buf), n1+n2)
}

func TestParseIncomplete(t *testing.T) {
	full := Encode(BulkFromString("hello world"))
	_, _, err := Parse(full[:len(full)-3])
	require.ErrorIs(t, err, ErrIncomplete)
}

func TestParseRejectsLoneLF(t *testing.T) {
	_, _, err := Parse([]byte("+OK\n"))
	require.ErrorIs(t, err, ErrIncomplete) // no CRLF yet, waits for more
}

func TestParseMalformedUnknownTag(t *testing.T) {
	_, _, err := Parse([]byte("#nope\r\n"))
	require.Error(t, err)
	var mf *MalformedFrame
	require.ErrorAs(t, err, &mf)
}

func TestParseMalformedBadLength(t *testing.T) {
	_, _, err := Parse([]byte("$abc\r\n"))
	require.Error(t, err)
	var mf *MalformedFrame
	require.ErrorAs(t, err, &mf)
}
