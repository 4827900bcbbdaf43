package websocket

import "github.com/google/btree"

// pendingFrame orders buffered frames by sequence number
// Implements btree.Item interface
type pendingFrame struct {
	f *frame
}

// Less implements btree.Item interface - ascending order by sequence
func (a pendingFrame) Less(b btree.Item) bool {
	return a.f.Seq < b.(pendingFrame).f.Seq
}

// replayBuffer reorders out-of-sequence frames for one channel. Frames are
// held in a B-tree keyed by sequence and released in contiguous runs. A
// snapshot frame resets the expected sequence; overflow skips to the oldest
// buffered frame.
type replayBuffer struct {
	tree    *btree.BTree
	nextSeq uint64
	primed  bool
	max     int
}

func newReplayBuffer(max int) *replayBuffer {
	if max <= 0 {
		max = 64
	}
	return &replayBuffer{
		tree: btree.New(2),
		max:  max,
	}
}

// offer inserts f and returns the frames now deliverable in sequence order.
// skipped reports that a gap was abandoned to make room.
func (b *replayBuffer) offer(f *frame) (ready []*frame, skipped bool) {
	if f.Snapshot || !b.primed {
		b.tree.Clear(false)
		b.primed = true
		b.nextSeq = f.Seq + 1
		return []*frame{f}, false
	}
	if f.Seq < b.nextSeq {
		// Duplicate or stale frame; already delivered.
		return nil, false
	}
	b.tree.ReplaceOrInsert(pendingFrame{f: f})
	if b.tree.Len() > b.max {
		b.nextSeq = b.tree.Min().(pendingFrame).f.Seq
		skipped = true
	}
	for b.tree.Len() > 0 {
		min := b.tree.Min().(pendingFrame)
		if min.f.Seq != b.nextSeq {
			break
		}
		b.tree.DeleteMin()
		ready = append(ready, min.f)
		b.nextSeq++
	}
	return ready, skipped
}

// pending returns the number of buffered out-of-order frames
func (b *replayBuffer) pending() int {
	return b.tree.Len()
}
