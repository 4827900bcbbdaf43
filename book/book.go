package book

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"cosmossdk.io/log"

	"github.com/openalpha/levelbook/metrics"
)

// ErrClosed reports use of a closed book component. No Aggregator method
// returns it: a repeated Close returns nil and batches delivered after Close
// are ignored.
var ErrClosed = errors.New("book: aggregator closed")

// aggState is the aggregator lifecycle: marked live just before the feed
// attach so batches delivered while Subscribe runs are applied, back to
// uninitialized if the attach fails, closed after detach.
type aggState int32

const (
	stateUninitialized aggState = iota
	stateLive
	stateClosed
)

// Aggregator maintains the bounded price-level book for one symbol on one
// source. The feed callback is the only mutator; every batch runs under the
// instance mutex, including handler dispatch. Handlers must not block and
// must not call back into the aggregator.
type Aggregator struct {
	symbol string
	source string
	levels int

	mu    sync.Mutex
	state aggState
	index *OrderIndex
	asks  *bookSide
	bids  *bookSide

	onNewBook           func(PriceLevelSet)
	onBookUpdate        func(PriceLevelSet)
	onIncrementalChange func(ChangeSet)

	sub    Subscription
	logger log.Logger
}

// New attaches to the feed and returns a live aggregator for symbol on
// source. levels bounds the visible window per side; 0 means unbounded.
func New(feed Feed, symbol, source string, levels int, logger log.Logger) (*Aggregator, error) {
	if levels < 0 {
		return nil, fmt.Errorf("book: negative level count %d", levels)
	}
	a := &Aggregator{
		symbol: symbol,
		source: source,
		levels: levels,
		index:  NewOrderIndex(),
		asks:   newBookSide(false, levels),
		bids:   newBookSide(true, levels),
		logger: logger.With("module", "book", "symbol", symbol, "source", source),
	}
	a.state = stateLive
	sub, err := feed.Subscribe(symbol, source, a.processBatch)
	if err != nil {
		a.state = stateUninitialized
		return nil, fmt.Errorf("book: attaching %s@%s to feed: %w", symbol, source, err)
	}
	a.mu.Lock()
	a.sub = sub
	a.mu.Unlock()
	a.logger.Info("aggregator attached", "levels", levels)
	return a, nil
}

// Symbol returns the instrument symbol this aggregator tracks
func (a *Aggregator) Symbol() string { return a.symbol }

// Source returns the market-data source identifier
func (a *Aggregator) Source() string { return a.source }

// Levels returns the visible window bound per side; 0 means unbounded
func (a *Aggregator) Levels() int { return a.levels }

// SetOnNewBook registers the full-snapshot handler. The last setter wins;
// nil unregisters.
func (a *Aggregator) SetOnNewBook(fn func(PriceLevelSet)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onNewBook = fn
}

// SetOnBookUpdate registers the per-batch visible-window handler. The last
// setter wins; nil unregisters.
func (a *Aggregator) SetOnBookUpdate(fn func(PriceLevelSet)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onBookUpdate = fn
}

// SetOnIncrementalChange registers the per-batch change-set handler. The
// last setter wins; nil unregisters.
func (a *Aggregator) SetOnIncrementalChange(fn func(ChangeSet)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onIncrementalChange = fn
}

// Close detaches from the feed and releases the book. Safe to call more
// than once.
func (a *Aggregator) Close() error {
	a.mu.Lock()
	if a.state == stateClosed {
		a.mu.Unlock()
		return nil
	}
	a.state = stateClosed
	sub := a.sub
	a.sub = nil
	a.mu.Unlock()

	if sub != nil {
		if err := sub.Close(); err != nil {
			return fmt.Errorf("book: detaching %s@%s: %w", a.symbol, a.source, err)
		}
	}
	a.logger.Info("aggregator detached")
	return nil
}

// Snapshot returns the current visible window on both sides.
func (a *Aggregator) Snapshot() PriceLevelSet {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.visibleSet()
}

// Depth returns the total number of price levels per side, hidden levels
// included.
func (a *Aggregator) Depth() (asks, bids int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.asks.len(), a.bids.len()
}

// BestAsk returns the lowest ask level.
func (a *Aggregator) BestAsk() (PriceLevel, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.asks.best()
}

// BestBid returns the highest bid level.
func (a *Aggregator) BestBid() (PriceLevel, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bids.best()
}

// processBatch is the inbound feed callback: build deltas, apply them to
// both sides, then notify. All mutation completes before any handler runs,
// so a faulting handler cannot corrupt the book.
func (a *Aggregator) processBatch(events []OrderEvent, newSnapshot bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != stateLive {
		return
	}
	start := time.Now()

	if newSnapshot {
		a.index.Clear()
		a.asks.reset()
		a.bids.reset()
	}

	deltas := buildDeltas(events, a.index, a.logger, a.symbol)
	askCh := newSideChanges(false)
	bidCh := newSideChanges(true)
	a.applySide(a.asks, deltas.Asks, askCh)
	a.applySide(a.bids, deltas.Bids, bidCh)

	a.record(len(events), newSnapshot, askCh, bidCh, start)

	if newSnapshot {
		a.fireSet("new_book", a.onNewBook, a.visibleSet())
		return
	}
	a.fireChanges("incremental_change", a.onIncrementalChange, ChangeSet{
		Additions: PriceLevelSet{Asks: askCh.additions(), Bids: bidCh.additions()},
		Updates:   PriceLevelSet{Asks: askCh.updated(), Bids: bidCh.updated()},
		Removals:  PriceLevelSet{Asks: askCh.removed(), Bids: bidCh.removed()},
	})
	a.fireSet("book_update", a.onBookUpdate, a.visibleSet())
}

// applySide classifies one side's deltas against the pre-batch state and
// applies them in removal, addition, update order.
func (a *Aggregator) applySide(s *bookSide, deltas []LevelDelta, ch *sideChanges) {
	removals, additions, updates := s.classify(deltas, a.logger, a.symbol)
	for _, lvl := range removals {
		s.applyRemoval(lvl, ch)
	}
	for _, lvl := range additions {
		s.applyAddition(lvl, ch)
	}
	for _, lvl := range updates {
		s.applyUpdate(lvl, ch)
	}
}

func (a *Aggregator) visibleSet() PriceLevelSet {
	return PriceLevelSet{Asks: a.asks.visibleLevels(), Bids: a.bids.visibleLevels()}
}

// fireSet invokes a level-set handler, isolating panics so subsequent
// handlers and batches keep running.
func (a *Aggregator) fireSet(name string, fn func(PriceLevelSet), set PriceLevelSet) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("book handler panicked", "handler", name, "panic", r)
		}
	}()
	fn(set)
}

// fireChanges invokes the change-set handler with the same panic isolation.
func (a *Aggregator) fireChanges(name string, fn func(ChangeSet), cs ChangeSet) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("book handler panicked", "handler", name, "panic", r)
		}
	}()
	fn(cs)
}

// record publishes per-batch metrics.
func (a *Aggregator) record(events int, newSnapshot bool, askCh, bidCh *sideChanges, start time.Time) {
	kind := "incremental"
	if newSnapshot {
		kind = "snapshot"
	}
	c := metrics.GetCollector()
	c.BatchesTotal.WithLabelValues(a.symbol, kind).Inc()
	c.EventsTotal.WithLabelValues(a.symbol).Add(float64(events))
	c.VisibleChanges.WithLabelValues(a.symbol, "add").Add(float64(len(askCh.adds) + len(bidCh.adds)))
	c.VisibleChanges.WithLabelValues(a.symbol, "update").Add(float64(len(askCh.updates) + len(bidCh.updates)))
	c.VisibleChanges.WithLabelValues(a.symbol, "remove").Add(float64(len(askCh.removes) + len(bidCh.removes)))
	c.BookDepth.WithLabelValues(a.symbol, "ask").Set(float64(a.asks.len()))
	c.BookDepth.WithLabelValues(a.symbol, "bid").Set(float64(a.bids.len()))
	c.BookVisibleDepth.WithLabelValues(a.symbol, "ask").Set(float64(a.asks.visibleCount()))
	c.BookVisibleDepth.WithLabelValues(a.symbol, "bid").Set(float64(a.bids.visibleCount()))
	c.ApplyDuration.WithLabelValues(a.symbol).Observe(time.Since(start).Seconds())
}
