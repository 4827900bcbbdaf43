package book

import (
	"math"
	"testing"

	"cosmossdk.io/log"
	"github.com/stretchr/testify/require"
)

func TestBuildDeltasNewOrder(t *testing.T) {
	idx := NewOrderIndex()
	d := buildDeltas([]OrderEvent{
		{Index: 1, Price: 100, Size: 5, Time: 10, Side: SideSell},
	}, idx, log.NewNopLogger(), "AAPL")

	require.Equal(t, []LevelDelta{{Price: 100, Size: 5, Time: 10}}, d.Asks)
	require.Empty(t, d.Bids)

	e, ok := idx.Lookup(1)
	require.True(t, ok)
	require.Equal(t, Entry{Price: 100, Size: 5, Time: 10, Side: SideSell}, e)
}

func TestBuildDeltasRemovalUsesPriorEntry(t *testing.T) {
	idx := NewOrderIndex()
	idx.Upsert(1, Entry{Price: 100, Size: 5, Time: 10, Side: SideSell})

	// The removal event carries no usable price or size.
	d := buildDeltas([]OrderEvent{
		{Index: 1, Time: 20, Flags: FlagRemove},
	}, idx, log.NewNopLogger(), "AAPL")

	require.Equal(t, []LevelDelta{{Price: 100, Size: -5, Time: 20}}, d.Asks)
	_, ok := idx.Lookup(1)
	require.False(t, ok)
}

func TestBuildDeltasRemovalWithoutPriorIsSkipped(t *testing.T) {
	idx := NewOrderIndex()
	d := buildDeltas([]OrderEvent{
		{Index: 9, Price: 50, Size: 0, Time: 5, Side: SideBuy},
	}, idx, log.NewNopLogger(), "AAPL")

	require.Empty(t, d.Asks)
	require.Empty(t, d.Bids)
	require.Equal(t, 0, idx.Len())
}

func TestBuildDeltasNaNSizeIsRemoval(t *testing.T) {
	idx := NewOrderIndex()
	idx.Upsert(1, Entry{Price: 100, Size: 5, Time: 10, Side: SideBuy})

	d := buildDeltas([]OrderEvent{
		{Index: 1, Price: 100, Size: math.NaN(), Time: 20, Side: SideBuy},
	}, idx, log.NewNopLogger(), "AAPL")

	require.Equal(t, []LevelDelta{{Price: 100, Size: -5, Time: 20}}, d.Bids)
}

func TestBuildDeltasSideSwitchEmitsBothSides(t *testing.T) {
	idx := NewOrderIndex()
	idx.Upsert(1, Entry{Price: 99, Size: 4, Time: 10, Side: SideBuy})

	d := buildDeltas([]OrderEvent{
		{Index: 1, Price: 101, Size: 6, Time: 20, Side: SideSell},
	}, idx, log.NewNopLogger(), "AAPL")

	require.Equal(t, []LevelDelta{{Price: 99, Size: -4, Time: 20}}, d.Bids)
	require.Equal(t, []LevelDelta{{Price: 101, Size: 6, Time: 20}}, d.Asks)

	e, _ := idx.Lookup(1)
	require.Equal(t, SideSell, e.Side)
}

func TestBuildDeltasUndefinedSideKeepsPrior(t *testing.T) {
	idx := NewOrderIndex()
	idx.Upsert(1, Entry{Price: 100, Size: 5, Time: 10, Side: SideSell})

	d := buildDeltas([]OrderEvent{
		{Index: 1, Price: 100, Size: 2, Time: 20},
	}, idx, log.NewNopLogger(), "AAPL")

	require.Empty(t, d.Bids)
	require.Equal(t, []LevelDelta{{Price: 100, Size: 2, Time: 20}}, d.Asks)
	e, _ := idx.Lookup(1)
	require.Equal(t, SideSell, e.Side)
}

func TestBuildDeltasUndefinedSideOnNewOrderIsDropped(t *testing.T) {
	idx := NewOrderIndex()
	d := buildDeltas([]OrderEvent{
		{Index: 1, Price: 100, Size: 5, Time: 10},
	}, idx, log.NewNopLogger(), "AAPL")

	require.Empty(t, d.Asks)
	require.Empty(t, d.Bids)
	require.Equal(t, 0, idx.Len())
}

func TestBuildDeltasConsolidatesSamePrice(t *testing.T) {
	idx := NewOrderIndex()
	d := buildDeltas([]OrderEvent{
		{Index: 1, Price: 100, Size: 5, Time: 10, Side: SideSell},
		{Index: 2, Price: 100, Size: 3, Time: 11, Side: SideSell},
	}, idx, log.NewNopLogger(), "AAPL")

	require.Equal(t, []LevelDelta{{Price: 100, Size: 8, Time: 11}}, d.Asks)
}

func TestBuildDeltasCancellingDeltasAreDiscarded(t *testing.T) {
	idx := NewOrderIndex()
	d := buildDeltas([]OrderEvent{
		{Index: 1, Price: 100, Size: 5, Time: 10, Side: SideSell},
		{Index: 1, Time: 11, Flags: FlagRemove},
	}, idx, log.NewNopLogger(), "AAPL")

	require.Empty(t, d.Asks)
	require.Equal(t, 0, idx.Len())
}

func TestBuildDeltasOutputOrdering(t *testing.T) {
	idx := NewOrderIndex()
	d := buildDeltas([]OrderEvent{
		{Index: 1, Price: 103, Size: 1, Time: 1, Side: SideSell},
		{Index: 2, Price: 101, Size: 1, Time: 2, Side: SideSell},
		{Index: 3, Price: 102, Size: 1, Time: 3, Side: SideSell},
		{Index: 4, Price: 97, Size: 1, Time: 4, Side: SideBuy},
		{Index: 5, Price: 99, Size: 1, Time: 5, Side: SideBuy},
		{Index: 6, Price: 98, Size: 1, Time: 6, Side: SideBuy},
	}, idx, log.NewNopLogger(), "AAPL")

	require.Equal(t, []float64{101, 102, 103}, deltaPrices(d.Asks))
	require.Equal(t, []float64{99, 98, 97}, deltaPrices(d.Bids))
}

func TestBuildDeltasInvalidPriceIsDropped(t *testing.T) {
	idx := NewOrderIndex()
	d := buildDeltas([]OrderEvent{
		{Index: 1, Price: math.NaN(), Size: 5, Time: 10, Side: SideSell},
		{Index: 2, Price: math.Inf(1), Size: 5, Time: 11, Side: SideBuy},
	}, idx, log.NewNopLogger(), "AAPL")

	require.Empty(t, d.Asks)
	require.Empty(t, d.Bids)
	require.Equal(t, 0, idx.Len())
}

func deltaPrices(deltas []LevelDelta) []float64 {
	out := make([]float64, len(deltas))
	for i, d := range deltas {
		out[i] = d.Price
	}
	return out
}
