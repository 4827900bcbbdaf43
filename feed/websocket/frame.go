package websocket

import (
	"encoding/json"

	"github.com/openalpha/levelbook/book"
)

// clientMessage is an outbound control message to the feed
type clientMessage struct {
	Action  string `json:"action"` // "subscribe", "unsubscribe", "ping"
	Channel string `json:"channel"`
}

// frame is one inbound message from the feed: a batch of order events for
// one channel with its sequencing metadata.
type frame struct {
	Channel  string      `json:"channel"`
	Seq      uint64      `json:"seq"`
	Snapshot bool        `json:"snapshot"`
	Events   []wireEvent `json:"events"`
	Error    string      `json:"error,omitempty"`
}

// wireEvent mirrors book.OrderEvent on the wire
type wireEvent struct {
	Index int64   `json:"index"`
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
	Time  int64   `json:"time"`
	Side  string  `json:"side,omitempty"`
	Flags uint32  `json:"flags,omitempty"`
}

func decodeFrame(data []byte) (*frame, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (e wireEvent) toOrderEvent() book.OrderEvent {
	side := book.SideUnspecified
	switch e.Side {
	case "buy":
		side = book.SideBuy
	case "sell":
		side = book.SideSell
	}
	return book.OrderEvent{
		Index: e.Index,
		Price: e.Price,
		Size:  e.Size,
		Time:  e.Time,
		Side:  side,
		Flags: book.EventFlags(e.Flags),
	}
}

func (f *frame) orderEvents() []book.OrderEvent {
	events := make([]book.OrderEvent, len(f.Events))
	for i, e := range f.Events {
		events[i] = e.toOrderEvent()
	}
	return events
}

// channelName builds the feed channel for a symbol on a source
func channelName(symbol, source string) string {
	return source + "/" + symbol
}
