package book

import (
	"math"
	"sort"

	"cosmossdk.io/log"
	"github.com/huandu/skiplist"

	"github.com/openalpha/levelbook/metrics"
)

// priceKeyAsc orders float64 prices ascending, treating prices within
// Epsilon as equal. Used for the ask side.
type priceKeyAsc struct{}

func (priceKeyAsc) Compare(lhs, rhs interface{}) int {
	l := lhs.(float64)
	r := rhs.(float64)
	if math.Abs(l-r) < Epsilon {
		return 0
	}
	if l < r {
		return -1
	}
	return 1
}

func (priceKeyAsc) CalcScore(key interface{}) float64 {
	return key.(float64)
}

// priceKeyDesc orders prices descending. Used for the bid side.
type priceKeyDesc struct{}

func (priceKeyDesc) Compare(lhs, rhs interface{}) int {
	l := lhs.(float64)
	r := rhs.(float64)
	if math.Abs(l-r) < Epsilon {
		return 0
	}
	if l > r {
		return -1
	}
	return 1
}

func (priceKeyDesc) CalcScore(key interface{}) float64 {
	return -key.(float64)
}

// bookSide is one side of the windowed book: a skip list of price levels in
// side order plus the window cursor. The cursor points at the element in the
// limit-th best position while the side holds at least limit levels, and is
// nil otherwise. limit == 0 means unbounded; the cursor then stays nil and
// every level is visible.
type bookSide struct {
	list   *skiplist.SkipList
	cursor *skiplist.Element
	desc   bool // true for bids (descending price), false for asks
	limit  int
}

func newBookSide(desc bool, limit int) *bookSide {
	s := &bookSide{desc: desc, limit: limit}
	s.reset()
	return s
}

// reset drops every level and rewinds the cursor. Invoked on a new-snapshot
// boundary.
func (s *bookSide) reset() {
	if s.desc {
		s.list = skiplist.New(priceKeyDesc{})
	} else {
		s.list = skiplist.New(priceKeyAsc{})
	}
	s.cursor = nil
}

func (s *bookSide) len() int {
	return s.list.Len()
}

// before reports whether price a sorts strictly before price b on this side.
func (s *bookSide) before(a, b float64) bool {
	if SamePrice(a, b) {
		return false
	}
	if s.desc {
		return a > b
	}
	return a < b
}

// level returns the stored level at the given price, or nil.
func (s *bookSide) level(price float64) *PriceLevel {
	elem := s.list.Get(price)
	if elem == nil {
		return nil
	}
	return elem.Value.(*PriceLevel)
}

func (s *bookSide) cursorPrice() float64 {
	return s.cursor.Value.(*PriceLevel).Price
}

// visible reports whether price lies inside the visible window: at or before
// the cursor in side order. With no cursor the whole side is visible.
func (s *bookSide) visible(price float64) bool {
	return s.cursor == nil || !s.before(s.cursorPrice(), price)
}

// classify splits one side's consolidated deltas into removals, additions
// and updates against the current, not yet mutated, side state. Removals
// carry the stored level; updates carry the stored price with the new size
// and the delta's time.
func (s *bookSide) classify(deltas []LevelDelta, logger log.Logger, symbol string) (removals, additions, updates []PriceLevel) {
	for _, d := range deltas {
		cur := s.level(d.Price)
		if cur == nil {
			if d.Size < Epsilon {
				logger.Warn("dropping negative delta against absent level",
					"price", d.Price, "size", d.Size)
				metrics.GetCollector().RecordEventDrop(symbol, "negative_delta")
				continue
			}
			additions = append(additions, PriceLevel{Price: d.Price, Size: d.Size, Time: d.Time})
			continue
		}
		newSize := cur.Size + d.Size
		if math.Abs(newSize) < Epsilon {
			removals = append(removals, *cur)
		} else {
			updates = append(updates, PriceLevel{Price: cur.Price, Size: newSize, Time: d.Time})
		}
	}
	return removals, additions, updates
}

// applyRemoval erases an existing level. A removal inside the window
// promotes the first hidden level, if any, and shifts the cursor forward so
// the visible count is preserved.
func (s *bookSide) applyRemoval(lvl PriceLevel, ch *sideChanges) {
	if s.limit == 0 {
		s.list.Remove(lvl.Price)
		ch.remove(lvl)
		return
	}
	if s.visible(lvl.Price) {
		ch.remove(lvl)
		if s.list.Len() > s.limit {
			ch.add(*s.cursor.Next().Value.(*PriceLevel))
			s.cursor = s.cursor.Next()
		} else {
			s.cursor = nil
		}
	}
	s.list.Remove(lvl.Price)
}

// applyAddition inserts a new level. An insert inside a full window demotes
// the current worst visible level; a demoted level that was itself added in
// this batch cancels out instead of emitting a removal.
func (s *bookSide) applyAddition(lvl PriceLevel, ch *sideChanges) {
	stored := lvl
	if s.limit == 0 {
		s.list.Set(lvl.Price, &stored)
		ch.add(lvl)
		return
	}
	fits := s.list.Len() < s.limit || s.before(lvl.Price, s.cursorPrice())
	if !fits {
		s.list.Set(lvl.Price, &stored)
		return
	}
	ch.add(lvl)
	if s.list.Len() >= s.limit {
		ch.demote(*s.cursor.Value.(*PriceLevel))
	}
	old := s.cursor
	s.list.Set(lvl.Price, &stored)
	switch {
	case s.list.Len() < s.limit:
		// Window still not full; no cursor yet.
	case old == nil:
		s.cursor = s.list.Back()
	default:
		s.cursor = old.Prev()
	}
}

// applyUpdate rewrites an existing level's size and time in place. The
// change reaches the change set only while the level is visible; an update
// to a level added earlier in the batch folds into that pending addition.
func (s *bookSide) applyUpdate(lvl PriceLevel, ch *sideChanges) {
	elem := s.list.Get(lvl.Price)
	if elem == nil {
		return
	}
	cur := elem.Value.(*PriceLevel)
	cur.Size = lvl.Size
	cur.Time = lvl.Time
	if s.visible(cur.Price) {
		ch.update(*cur)
	}
}

// visibleCount returns the number of levels inside the visible window.
func (s *bookSide) visibleCount() int {
	n := s.list.Len()
	if s.limit > 0 && s.limit < n {
		return s.limit
	}
	return n
}

// visibleLevels returns the visible window in side order: every level up to
// and including the cursor, or the whole side when there is no cursor.
func (s *bookSide) visibleLevels() []PriceLevel {
	out := make([]PriceLevel, 0, s.visibleCount())
	for elem := s.list.Front(); elem != nil; elem = elem.Next() {
		out = append(out, *elem.Value.(*PriceLevel))
		if elem == s.cursor {
			break
		}
	}
	return out
}

// best returns the best level on this side.
func (s *bookSide) best() (PriceLevel, bool) {
	front := s.list.Front()
	if front == nil {
		return PriceLevel{}, false
	}
	return *front.Value.(*PriceLevel), true
}

// sideChanges accumulates one side's visible emissions for a batch, keyed by
// price so later operations can reconcile with earlier ones.
type sideChanges struct {
	desc    bool
	adds    map[float64]PriceLevel
	updates map[float64]PriceLevel
	removes map[float64]PriceLevel
}

func newSideChanges(desc bool) *sideChanges {
	return &sideChanges{
		desc:    desc,
		adds:    make(map[float64]PriceLevel),
		updates: make(map[float64]PriceLevel),
		removes: make(map[float64]PriceLevel),
	}
}

// add records a level entering the visible window.
func (ch *sideChanges) add(lvl PriceLevel) {
	ch.adds[lvl.Price] = lvl
}

// remove records a visible level leaving the book. Removing a level whose
// addition is still pending in this batch cancels the addition instead.
func (ch *sideChanges) remove(lvl PriceLevel) {
	if _, ok := ch.adds[lvl.Price]; ok {
		delete(ch.adds, lvl.Price)
		return
	}
	ch.removes[lvl.Price] = lvl
}

// demote records a level pushed out of the window by a better one. Same
// cancellation rule as remove; the level itself stays in the book.
func (ch *sideChanges) demote(lvl PriceLevel) {
	if _, ok := ch.adds[lvl.Price]; ok {
		delete(ch.adds, lvl.Price)
		return
	}
	ch.removes[lvl.Price] = lvl
}

// update records a new size for a visible level. An update to a level whose
// addition is pending rewrites the pending addition: the consumer has never
// seen the level, so it surfaces once with its final size.
func (ch *sideChanges) update(lvl PriceLevel) {
	if _, ok := ch.adds[lvl.Price]; ok {
		ch.adds[lvl.Price] = lvl
		return
	}
	ch.updates[lvl.Price] = lvl
}

func (ch *sideChanges) sorted(m map[float64]PriceLevel) []PriceLevel {
	if len(m) == 0 {
		return nil
	}
	out := make([]PriceLevel, 0, len(m))
	for _, lvl := range m {
		out = append(out, lvl)
	}
	sort.Slice(out, func(i, j int) bool {
		if ch.desc {
			return out[i].Price > out[j].Price
		}
		return out[i].Price < out[j].Price
	})
	return out
}

func (ch *sideChanges) additions() []PriceLevel { return ch.sorted(ch.adds) }
func (ch *sideChanges) updated() []PriceLevel   { return ch.sorted(ch.updates) }
func (ch *sideChanges) removed() []PriceLevel   { return ch.sorted(ch.removes) }
