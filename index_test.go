package cachefs

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func entry(key string, size int64) *FileInfo {
	return &FileInfo{Key: key, InternalKey: "ik-" + key, Size: size}
}

func TestIndexSetGetRemove(t *testing.T) {
	ix := NewIndex()

	require.Nil(t, ix.Get("a"))
	require.Nil(t, ix.Set("a", entry("a", 10)))
	require.Equal(t, int64(10), ix.Size())
	require.Equal(t, 1, ix.Len())

	got := ix.Get("a")
	require.NotNil(t, got)
	require.Equal(t, "a", got.Key)

	removed := ix.Remove("a")
	require.NotNil(t, removed)
	require.Equal(t, int64(0), ix.Size())
	require.Equal(t, 0, ix.Len())
	require.Nil(t, ix.Remove("a"))
}

func TestIndexReplaceKeepsPosition(t *testing.T) {
	ix := NewIndex()
	ix.Set("a", entry("a", 10))
	ix.Set("b", entry("b", 20))
	ix.Set("c", entry("c", 30))

	// Replacing b must not move it to the back.
	old := ix.Set("b", entry("b", 25))
	require.NotNil(t, old)
	require.Equal(t, int64(20), old.Size)

	require.Equal(t, []string{"a", "b", "c"}, ix.Keys())
	require.Equal(t, int64(65), ix.Size())
}

func TestIndexPopOldest(t *testing.T) {
	ix := NewIndex()
	require.Nil(t, ix.PopOldest())
	require.Nil(t, ix.Oldest())

	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("k%d", i)
		ix.Set(key, entry(key, 1))
	}

	require.Equal(t, "k0", ix.Oldest().Key)
	for i := 0; i < 5; i++ {
		popped := ix.PopOldest()
		require.Equal(t, fmt.Sprintf("k%d", i), popped.Key)
	}
	require.Equal(t, 0, ix.Len())
	require.Equal(t, int64(0), ix.Size())
}
