package manager

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cachefs/cachefs/delegate"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func put(t *testing.T, m *Manager, key string, payload []byte) {
	t.Helper()
	ctx := context.Background()

	h, err := m.Delegate().StartWrite(ctx, key, "text/plain")
	require.NoError(t, err)
	require.NoError(t, m.Delegate().Write(ctx, h, payload))
	info, err := m.Delegate().FinishWrite(ctx, h)
	require.NoError(t, err)

	if prior := m.SetFileInfo(key, info); prior != nil {
		require.NoError(t, m.Delegate().Remove(ctx, prior))
	}
}

func TestManagerSetFileInfoReturnsPrior(t *testing.T) {
	m := New(delegate.NewMemory(), WithLogger(discardLogger()))

	put(t, m, "a", []byte("one"))
	first := m.GetFileInfo("a")
	require.NotNil(t, first)

	put(t, m, "a", []byte("three"))
	second := m.GetFileInfo("a")
	require.NotNil(t, second)
	require.NotEqual(t, first.InternalKey, second.InternalKey)
	require.Equal(t, int64(5), second.Size)
}

func TestManagerRemove(t *testing.T) {
	ctx := context.Background()
	m := New(delegate.NewMemory(), WithLogger(discardLogger()))

	put(t, m, "a", []byte("data"))
	info := m.GetFileInfo("a")
	require.NotNil(t, info)

	removed, err := m.Remove(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, info.InternalKey, removed.InternalKey)
	require.Nil(t, m.GetFileInfo("a"))

	_, err = m.Delegate().Open(ctx, info, 0, delegate.ToEnd)
	require.ErrorIs(t, err, delegate.ErrNotFound)

	removed, err = m.Remove(ctx, "a")
	require.NoError(t, err)
	require.Nil(t, removed)
}

func TestManagerTouch(t *testing.T) {
	clock := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	m := New(delegate.NewMemory(),
		WithLogger(discardLogger()),
		WithNow(func() time.Time { return clock }),
	)

	require.Nil(t, m.Touch("missing"))

	put(t, m, "a", []byte("data"))

	clock = clock.Add(time.Hour)
	fresh := m.Touch("a")
	require.NotNil(t, fresh)
	require.Equal(t, clock, fresh.LastAccessed)

	// The index holds the refreshed snapshot.
	require.Equal(t, clock, m.GetFileInfo("a").LastAccessed)
}

func TestManagerStats(t *testing.T) {
	m := New(delegate.NewMemory(), WithLogger(discardLogger()))

	require.Equal(t, Stats{}, m.Stats())

	put(t, m, "a", []byte("12345"))
	put(t, m, "b", []byte("123"))

	require.Equal(t, Stats{Entries: 2, Bytes: 8}, m.Stats())
}

func TestManagerVacuumSizeBound(t *testing.T) {
	ctx := context.Background()
	m := New(delegate.NewMemory(),
		WithMaxSize(25),
		WithLogger(discardLogger()),
	)

	for i := 0; i < 5; i++ {
		put(t, m, fmt.Sprintf("k%d", i), []byte("0123456789"))
	}

	result := m.Vacuum(ctx)
	require.Equal(t, 3, result.Evicted)
	require.Equal(t, int64(30), result.BytesFreed)
	require.Equal(t, 0, result.Errors)

	stats := m.Stats()
	require.LessOrEqual(t, stats.Bytes, int64(25))

	// Strictly the oldest-inserted entries are gone.
	for _, key := range []string{"k0", "k1", "k2"} {
		require.Nil(t, m.GetFileInfo(key))
	}
	for _, key := range []string{"k3", "k4"} {
		require.NotNil(t, m.GetFileInfo(key))
	}
}

func TestManagerVacuumCountBound(t *testing.T) {
	ctx := context.Background()
	m := New(delegate.NewMemory(),
		WithMaxCount(2),
		WithLogger(discardLogger()),
	)

	for i := 0; i < 5; i++ {
		put(t, m, fmt.Sprintf("k%d", i), []byte("x"))
	}

	result := m.Vacuum(ctx)
	require.Equal(t, 3, result.Evicted)
	require.Equal(t, 2, m.Stats().Entries)
	require.NotNil(t, m.GetFileInfo("k3"))
	require.NotNil(t, m.GetFileInfo("k4"))
}

func TestManagerVacuumNoBounds(t *testing.T) {
	m := New(delegate.NewMemory(), WithLogger(discardLogger()))

	put(t, m, "a", []byte("0123456789"))

	result := m.Vacuum(context.Background())
	require.Equal(t, 0, result.Evicted)
	require.Equal(t, 1, m.Stats().Entries)
}

func TestVacuumScheduler(t *testing.T) {
	m := New(delegate.NewMemory(),
		WithMaxCount(1),
		WithLogger(discardLogger()),
	)
	put(t, m, "a", []byte("x"))
	put(t, m, "b", []byte("y"))

	s := NewVacuumScheduler(m, 50*time.Millisecond, discardLogger())
	s.Start(context.Background())
	defer s.Stop()

	// The scheduler runs a pass immediately on start.
	require.Eventually(t, func() bool {
		return m.Stats().Entries == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.Nil(t, m.GetFileInfo("a"))
	require.NotNil(t, m.GetFileInfo("b"))
}

func TestVacuumSchedulerStopIsIdempotent(t *testing.T) {
	m := New(delegate.NewMemory(), WithLogger(discardLogger()))

	s := NewVacuumScheduler(m, time.Minute, discardLogger())
	s.Start(context.Background())
	s.Stop()
	s.Stop()

	// Start after Stop stays stopped.
	s.Start(context.Background())
	s.Stop()
}
