package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct{ ms uint64 }

func (f *fakeClock) NowMillis() uint64 { return f.ms }

func TestSetGetLastWriteWins(t *testing.T) {
	s := New(nil)
	s.Set("k", []byte("v1"), nil)
	s.Set("k", []byte("v2"), nil)

	e, ok, err := s.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v2"), e.Value)
}

func TestGetMissing(t *testing.T) {
	s := New(nil)
	_, ok, err := s.Get("nope")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGetExpired(t *testing.T) {
	s := New(nil)
	past := time.Now().Add(-time.Second)
	s.Set("k", []byte("v"), &past)

	_, ok, err := s.Get("k")
	require.NoError(t, err)
	require.False(t, ok)

	require.Equal(t, "none", s.Type("k"))
}

func TestGetWrongType(t *testing.T) {
	s := New(nil)
	_, err := s.XAdd("k", "*", []FieldValue{{Field: "f", Value: "v"}})
	require.NoError(t, err)

	_, _, err = s.Get("k")
	require.ErrorIs(t, err, ErrWrongType)
}

func TestTypeReportsKind(t *testing.T) {
	s := New(nil)
	require.Equal(t, "none", s.Type("missing"))

	s.Set("str", []byte("v"), nil)
	require.Equal(t, "string", s.Type("str"))

	_, err := s.XAdd("strm", "*", []FieldValue{{Field: "f", Value: "v"}})
	require.NoError(t, err)
	require.Equal(t, "stream", s.Type("strm"))
}

func TestKeysReflectsMutationsAndExpiry(t *testing.T) {
	s := New(nil)
	s.Set("a", []byte("1"), nil)
	s.Set("b", []byte("2"), nil)

	keys := s.Keys()
	require.ElementsMatch(t, []string{"a", "b"}, keys)

	past := time.Now().Add(-time.Minute)
	s.Set("c", []byte("3"), &past)
	keys = s.Keys()
	require.ElementsMatch(t, []string{"a", "b"}, keys)
}

func TestKeysCacheSurvivesRepeatedReads(t *testing.T) {
	s := New(nil)
	s.Set("a", []byte("1"), nil)

	first := s.Keys()
	second := s.Keys()
	require.Equal(t, first, second)

	s.Set("b", []byte("2"), nil)
	third := s.Keys()
	require.ElementsMatch(t, []string{"a", "b"}, third)
}

func TestAllExcludesStreamsAndExpired(t *testing.T) {
	s := New(nil)
	s.Set("str", []byte("v"), nil)
	past := time.Now().Add(-time.Second)
	s.Set("gone", []byte("v"), &past)
	_, err := s.XAdd("strm", "*", []FieldValue{{Field: "f", Value: "v"}})
	require.NoError(t, err)

	all := s.All()
	require.Len(t, all, 1)
	_, ok := all["str"]
	require.True(t, ok)
}

func TestLoadStringBypassesExpiry(t *testing.T) {
	s := New(nil)
	past := time.Now().Add(-time.Second)
	s.LoadString("k", Entry{Value: []byte("v"), ExpiresAt: &past})

	// LoadString installs the raw entry; the subsequent Get still applies
	// lazy expiry, so the loaded-but-already-expired key reads as absent.
	_, ok, err := s.Get("k")
	require.NoError(t, err)
	require.False(t, ok)
}
