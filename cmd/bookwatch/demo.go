package main

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"cosmossdk.io/log"

	"github.com/openalpha/levelbook/book"
)

const (
	demoSeed     = 42
	demoInterval = 500 * time.Millisecond
	demoOrders   = 24
	demoMid      = 100.0
	demoTick     = 0.01
)

// demoFeed is a self-contained scripted market-data source: an initial
// snapshot of resting orders around a mid price, then periodic batches that
// add, resize and remove orders in a random walk.
type demoFeed struct {
	logger log.Logger

	mu      sync.Mutex
	stopped bool
	subs    []*demoSub
	wg      sync.WaitGroup
}

func newDemoFeed(logger log.Logger) *demoFeed {
	return &demoFeed{logger: logger.With("module", "demofeed")}
}

// Subscribe implements book.Feed. Each subscription gets its own generator
// goroutine delivering a snapshot and then incremental batches.
func (d *demoFeed) Subscribe(symbol, source string, handler book.BatchHandler) (book.Subscription, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return nil, book.ErrClosed
	}
	sub := &demoSub{stopCh: make(chan struct{})}
	d.subs = append(d.subs, sub)
	d.wg.Add(1)
	go d.run(handler, sub.stopCh)
	d.logger.Info("demo subscription started", "symbol", symbol, "source", source)
	return sub, nil
}

// Close stops every generator
func (d *demoFeed) Close() error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	subs := d.subs
	d.subs = nil
	d.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Close()
	}
	d.wg.Wait()
	return nil
}

type demoSub struct {
	stopCh chan struct{}
	once   sync.Once
}

// Close stops this subscription's generator; the feed keeps running.
func (s *demoSub) Close() error {
	s.once.Do(func() { close(s.stopCh) })
	return nil
}

func (d *demoFeed) run(handler book.BatchHandler, stopCh chan struct{}) {
	defer d.wg.Done()

	rng := rand.New(rand.NewSource(demoSeed))
	nextIndex := int64(1)
	live := make(map[int64]book.OrderEvent)
	now := time.Now().UnixMilli()

	// Initial snapshot: resting orders on both sides of the mid.
	snapshot := make([]book.OrderEvent, 0, demoOrders)
	for i := 0; i < demoOrders; i++ {
		ev := d.newOrder(rng, nextIndex, now)
		nextIndex++
		live[ev.Index] = ev
		snapshot = append(snapshot, ev)
	}
	handler(snapshot, true)

	ticker := time.NewTicker(demoInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case t := <-ticker.C:
			ts := t.UnixMilli()
			batch := make([]book.OrderEvent, 0, 4)
			for i := 0; i < 1+rng.Intn(4); i++ {
				switch action := rng.Intn(3); {
				case action == 0 || len(live) == 0:
					ev := d.newOrder(rng, nextIndex, ts)
					nextIndex++
					live[ev.Index] = ev
					batch = append(batch, ev)
				case action == 1:
					ev := pickOrder(rng, live)
					ev.Flags |= book.FlagRemove
					ev.Size = 0
					ev.Time = ts
					delete(live, ev.Index)
					batch = append(batch, ev)
				default:
					// Resize in place: remove then re-add at the same price.
					ev := pickOrder(rng, live)
					removed := ev
					removed.Flags |= book.FlagRemove
					removed.Size = 0
					removed.Time = ts
					batch = append(batch, removed)
					ev.Size = 1 + math.Floor(rng.Float64()*100)
					ev.Time = ts
					live[ev.Index] = ev
					batch = append(batch, ev)
				}
			}
			handler(batch, false)
		}
	}
}

func (d *demoFeed) newOrder(rng *rand.Rand, index, ts int64) book.OrderEvent {
	side := book.SideBuy
	offset := -demoTick * float64(1+rng.Intn(20))
	if rng.Intn(2) == 0 {
		side = book.SideSell
		offset = -offset
	}
	return book.OrderEvent{
		Index: index,
		Price: demoMid + offset,
		Size:  1 + math.Floor(rng.Float64()*100),
		Time:  ts,
		Side:  side,
	}
}

func pickOrder(rng *rand.Rand, live map[int64]book.OrderEvent) book.OrderEvent {
	n := rng.Intn(len(live))
	for _, ev := range live {
		if n == 0 {
			return ev
		}
		n--
	}
	panic("unreachable")
}
