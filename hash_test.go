package cachefs

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashBytes(t *testing.T) {
	h1 := HashBytes([]byte("hello"))
	h2 := HashBytes([]byte("hello"))
	h3 := HashBytes([]byte("world"))

	require.Equal(t, h1, h2)
	require.NotEqual(t, h1, h3)
	require.False(t, h1.IsZero())
	require.Len(t, h1.String(), HashSize*2)
}

func TestHashRoundTrip(t *testing.T) {
	h := HashBytes([]byte("content"))

	parsed, err := ParseHash(h.String())
	require.NoError(t, err)
	require.Equal(t, h, parsed)

	text, err := h.MarshalText()
	require.NoError(t, err)

	var back Hash
	require.NoError(t, back.UnmarshalText(text))
	require.Equal(t, h, back)
}

func TestParseHashErrors(t *testing.T) {
	_, err := ParseHash("short")
	require.Error(t, err)

	_, err = ParseHash(strings.Repeat("zz", HashSize))
	require.Error(t, err)
}

func TestHashReader(t *testing.T) {
	data := []byte("some streaming content")

	h, n, err := HashReader(bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), n)
	require.Equal(t, HashBytes(data), h)
}

func TestHasherIncremental(t *testing.T) {
	h := NewHasher()

	_, err := h.Write([]byte("hello "))
	require.NoError(t, err)
	_, err = h.Write([]byte("world"))
	require.NoError(t, err)

	require.Equal(t, int64(11), h.BytesWritten())
	require.Equal(t, HashBytes([]byte("hello world")), h.Sum())

	h.Reset()
	require.Equal(t, int64(0), h.BytesWritten())
	require.Equal(t, HashBytes(nil), h.Sum())
}
