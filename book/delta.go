package book

import (
	"math"
	"sort"

	"cosmossdk.io/log"

	"github.com/openalpha/levelbook/metrics"
)

// LevelDelta is a signed size change at one price. Positive size arrived at
// the price, negative size departed.
type LevelDelta struct {
	Price float64
	Size  float64
	Time  int64
}

// LevelDeltas carries one batch's consolidated per-side deltas: asks
// ascending by price, bids descending.
type LevelDeltas struct {
	Asks []LevelDelta
	Bids []LevelDelta
}

// buildDeltas translates a batch of raw order events into consolidated price
// level deltas, reading and updating the order index as it goes.
//
// A modification that changes only the size at an unchanged price emits the
// new size without compensating at the old one; the upstream feed is
// expected to send a distinct removal when an order's price moves.
func buildDeltas(events []OrderEvent, index *OrderIndex, logger log.Logger, symbol string) LevelDeltas {
	var d LevelDeltas
	for _, ev := range events {
		removal := ev.IsRemoval()
		if !removal && (math.IsNaN(ev.Price) || math.IsInf(ev.Price, 0)) {
			logger.Warn("dropping order event with invalid price", "order", ev.Index, "price", ev.Price)
			metrics.GetCollector().RecordEventDrop(symbol, "invalid_price")
			continue
		}
		prior, known := index.Lookup(ev.Index)
		switch {
		case !known && removal:
			// Removal of an order we never saw; nothing to undo.
		case !known:
			if ev.Side != SideBuy && ev.Side != SideSell {
				logger.Warn("dropping order event with undefined side", "order", ev.Index)
				metrics.GetCollector().RecordEventDrop(symbol, "undefined_side")
				continue
			}
			d.push(ev.Side, LevelDelta{Price: ev.Price, Size: ev.Size, Time: ev.Time})
			index.Upsert(ev.Index, Entry{Price: ev.Price, Size: ev.Size, Time: ev.Time, Side: ev.Side})
		case removal:
			d.push(prior.Side, LevelDelta{Price: prior.Price, Size: -prior.Size, Time: ev.Time})
			index.Remove(ev.Index)
		default:
			side := ev.Side
			if side != SideBuy && side != SideSell {
				// Side omitted on a modification means unchanged.
				side = prior.Side
			}
			if side != prior.Side {
				d.push(prior.Side, LevelDelta{Price: prior.Price, Size: -prior.Size, Time: ev.Time})
			}
			d.push(side, LevelDelta{Price: ev.Price, Size: ev.Size, Time: ev.Time})
			index.Upsert(ev.Index, Entry{Price: ev.Price, Size: ev.Size, Time: ev.Time, Side: side})
		}
		logger.Debug("order event",
			"order", ev.Index, "price", ev.Price, "size", ev.Size,
			"time", ev.Time, "side", ev.Side, "removal", removal)
	}
	d.Asks = finishDeltas(d.Asks, false)
	d.Bids = finishDeltas(d.Bids, true)
	return d
}

// push merges the delta into the side's accumulator: deltas at the same
// price sum their signed sizes and keep the latest time.
func (d *LevelDeltas) push(side Side, delta LevelDelta) {
	list := &d.Asks
	if side == SideBuy {
		list = &d.Bids
	}
	for i := range *list {
		if SamePrice((*list)[i].Price, delta.Price) {
			(*list)[i].Size += delta.Size
			(*list)[i].Time = delta.Time
			return
		}
	}
	*list = append(*list, delta)
}

// finishDeltas drops consolidated deltas that cancelled out and sorts the
// rest into side order.
func finishDeltas(deltas []LevelDelta, desc bool) []LevelDelta {
	kept := deltas[:0]
	for _, dl := range deltas {
		if math.Abs(dl.Size) >= Epsilon {
			kept = append(kept, dl)
		}
	}
	sort.Slice(kept, func(i, j int) bool {
		if desc {
			return kept[i].Price > kept[j].Price
		}
		return kept[i].Price < kept[j].Price
	})
	return kept
}
