package delegate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadOnlyRejectsMutations(t *testing.T) {
	ctx := context.Background()
	inner := NewCaching(NewMemory(), WithLogger(discardLogger()))
	info := commit(t, inner, "k", []byte("protected"))

	ro := NewReadOnly(inner)

	_, err := ro.StartWrite(ctx, "k", "text/plain")
	require.ErrorIs(t, err, ErrReadOnly)

	// Drive a handle through the inner delegate so Write and FinishWrite can
	// be exercised against the view.
	h, err := inner.StartWrite(ctx, "other", "text/plain")
	require.NoError(t, err)
	defer func() { _ = inner.Abort(ctx, h) }()

	require.ErrorIs(t, ro.Write(ctx, h, []byte("x")), ErrReadOnly)
	_, err = ro.FinishWrite(ctx, h)
	require.ErrorIs(t, err, ErrReadOnly)
	require.ErrorIs(t, ro.Abort(ctx, h), ErrReadOnly)
	require.ErrorIs(t, ro.Remove(ctx, info), ErrReadOnly)

	// None of the rejected calls may have disturbed the wrapped state.
	got := ro.GetFileInfo("k")
	require.NotNil(t, got)
	require.Equal(t, info.InternalKey, got.InternalKey)

	data, err := ReadAll(ctx, ro, got)
	require.NoError(t, err)
	require.Equal(t, []byte("protected"), data)
}

func TestReadOnlySeesUnderlyingChanges(t *testing.T) {
	ctx := context.Background()
	inner := NewCaching(NewMemory(), WithLogger(discardLogger()))
	info := commit(t, inner, "k", []byte("v"))

	ro := NewReadOnly(inner)
	require.NotNil(t, ro.GetFileInfo("k"))

	// The view holds no state; removal through the inner delegate is
	// immediately visible.
	require.NoError(t, inner.Remove(ctx, info))
	require.Nil(t, ro.GetFileInfo("k"))
}

func TestReadOnlyOverPlainDelegate(t *testing.T) {
	ro := NewReadOnly(NewMemory())
	require.Nil(t, ro.GetFileInfo("anything"))
}
