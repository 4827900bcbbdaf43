package book

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOrderIndexLifecycle(t *testing.T) {
	idx := NewOrderIndex()
	require.Equal(t, 0, idx.Len())

	_, ok := idx.Lookup(7)
	require.False(t, ok)

	idx.Upsert(7, Entry{Price: 100.5, Size: 3, Time: 10, Side: SideSell})
	e, ok := idx.Lookup(7)
	require.True(t, ok)
	require.Equal(t, Entry{Price: 100.5, Size: 3, Time: 10, Side: SideSell}, e)
	require.Equal(t, 1, idx.Len())

	// Upsert overwrites.
	idx.Upsert(7, Entry{Price: 101, Size: 5, Time: 11, Side: SideBuy})
	e, _ = idx.Lookup(7)
	require.Equal(t, 101.0, e.Price)
	require.Equal(t, SideBuy, e.Side)
	require.Equal(t, 1, idx.Len())

	prior, ok := idx.Remove(7)
	require.True(t, ok)
	require.Equal(t, 5.0, prior.Size)
	_, ok = idx.Lookup(7)
	require.False(t, ok)

	_, ok = idx.Remove(7)
	require.False(t, ok)
}

func TestOrderIndexClear(t *testing.T) {
	idx := NewOrderIndex()
	for i := int64(0); i < 10; i++ {
		idx.Upsert(i, Entry{Price: float64(i), Size: 1, Side: SideBuy})
	}
	require.Equal(t, 10, idx.Len())

	idx.Clear()
	require.Equal(t, 0, idx.Len())
	_, ok := idx.Lookup(3)
	require.False(t, ok)
}
