package book

// BatchHandler consumes one batch of order events. newSnapshot is set when
// the source declares a fresh book; all prior state must be discarded before
// the batch is applied.
type BatchHandler func(events []OrderEvent, newSnapshot bool)

// Feed is the market-data source an aggregator attaches to. Batches must be
// delivered in order; the handler is invoked synchronously per batch.
type Feed interface {
	Subscribe(symbol, source string, handler BatchHandler) (Subscription, error)
}

// Subscription is a live attachment to a feed. Once Close returns, no
// further callbacks are delivered.
type Subscription interface {
	Close() error
}
