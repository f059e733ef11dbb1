package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveStreamIDWildcardSeq(t *testing.T) {
	id, err := resolveStreamID(1000, StreamID{}, false, "1000-*")
	require.NoError(t, err)
	require.Equal(t, StreamID{Ms: 1000, Seq: 0}, id)

	id, err = resolveStreamID(1000, StreamID{Ms: 1000, Seq: 4}, true, "1000-*")
	require.NoError(t, err)
	require.Equal(t, StreamID{Ms: 1000, Seq: 5}, id)
}

func TestResolveStreamIDFullWildcard(t *testing.T) {
	id, err := resolveStreamID(5000, StreamID{Ms: 5000, Seq: 2}, true, "*")
	require.NoError(t, err)
	require.Equal(t, StreamID{Ms: 5000, Seq: 3}, id)

	id, err = resolveStreamID(5000, StreamID{}, false, "*")
	require.NoError(t, err)
	require.Equal(t, StreamID{Ms: 5000, Seq: 0}, id)
}

func TestResolveStreamIDZeroRejected(t *testing.T) {
	_, err := resolveStreamID(0, StreamID{}, false, "0-0")
	require.ErrorIs(t, err, ErrStreamIDZero)
}

func TestResolveStreamIDMustIncrease(t *testing.T) {
	_, err := resolveStreamID(0, StreamID{Ms: 10, Seq: 5}, true, "10-5")
	require.ErrorIs(t, err, ErrStreamIDTooSmall)

	_, err = resolveStreamID(0, StreamID{Ms: 10, Seq: 5}, true, "9-9")
	require.ErrorIs(t, err, ErrStreamIDTooSmall)
}

func TestXAddAssignsIncreasingIDs(t *testing.T) {
	clock := &fakeClock{ms: 1000}
	s := New(clock)

	id1, err := s.XAdd("stream", "*", []FieldValue{{Field: "a", Value: "1"}})
	require.NoError(t, err)
	require.Equal(t, StreamID{Ms: 1000, Seq: 0}, id1)

	id2, err := s.XAdd("stream", "*", []FieldValue{{Field: "a", Value: "2"}})
	require.NoError(t, err)
	require.Equal(t, StreamID{Ms: 1000, Seq: 1}, id2)

	clock.ms = 2000
	id3, err := s.XAdd("stream", "2000-5", []FieldValue{{Field: "a", Value: "3"}})
	require.NoError(t, err)
	require.Equal(t, StreamID{Ms: 2000, Seq: 5}, id3)

	_, err = s.XAdd("stream", "2000-5", nil)
	require.ErrorIs(t, err, ErrStreamIDTooSmall)
}

func TestXAddWrongType(t *testing.T) {
	s := New(nil)
	s.Set("k", []byte("v"), nil)

	_, err := s.XAdd("k", "*", []FieldValue{{Field: "f", Value: "v"}})
	require.ErrorIs(t, err, ErrWrongType)
}

func TestXRangeBounds(t *testing.T) {
	clock := &fakeClock{ms: 100}
	s := New(clock)
	s.XAdd("s", "100-0", []FieldValue{{Field: "a", Value: "1"}})
	s.XAdd("s", "100-1", []FieldValue{{Field: "a", Value: "2"}})
	s.XAdd("s", "200-0", []FieldValue{{Field: "a", Value: "3"}})

	all, err := s.XRange("s", "-", "+")
	require.NoError(t, err)
	require.Len(t, all, 3)

	only100, err := s.XRange("s", "100", "100")
	require.NoError(t, err)
	require.Len(t, only100, 2)

	exact, err := s.XRange("s", "100-1", "200-0")
	require.NoError(t, err)
	require.Len(t, exact, 2)
	require.Equal(t, StreamID{Ms: 100, Seq: 1}, exact[0].ID)
}

func TestXRangeMissingKey(t *testing.T) {
	s := New(nil)
	entries, err := s.XRange("nope", "-", "+")
	require.NoError(t, err)
	require.Nil(t, entries)
}

func TestXReadReturnsOnlyNewerEntries(t *testing.T) {
	s := New(nil)
	s.XAdd("s1", "1-0", []FieldValue{{Field: "a", Value: "1"}})
	s.XAdd("s1", "2-0", []FieldValue{{Field: "a", Value: "2"}})
	s.XAdd("s2", "1-0", []FieldValue{{Field: "a", Value: "3"}})

	results, err := s.XRead([]XReadRequest{
		{Key: "s1", ID: StreamID{Ms: 1, Seq: 0}},
		{Key: "s2", ID: StreamID{Ms: 1, Seq: 0}},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "s1", results[0].Key)
	require.Len(t, results[0].Entries, 1)
	require.Equal(t, StreamID{Ms: 2, Seq: 0}, results[0].Entries[0].ID)
}
