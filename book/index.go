package book

// Entry is the last-known state of one live order. Removal events often omit
// price and size, so the index remembers them per order id.
type Entry struct {
	Price float64
	Size  float64
	Time  int64
	Side  Side
}

// OrderIndex maps order ids to their last-known entries. It has no locking
// of its own; the aggregator mutex serializes all access.
type OrderIndex struct {
	orders map[int64]Entry
}

// NewOrderIndex creates an empty order index
func NewOrderIndex() *OrderIndex {
	return &OrderIndex{
		orders: make(map[int64]Entry),
	}
}

// Lookup returns the entry for the given order id
func (x *OrderIndex) Lookup(index int64) (Entry, bool) {
	e, ok := x.orders[index]
	return e, ok
}

// Upsert stores the entry for the given order id, overwriting any prior one
func (x *OrderIndex) Upsert(index int64, e Entry) {
	x.orders[index] = e
}

// Remove deletes the entry for the given order id and returns it
func (x *OrderIndex) Remove(index int64) (Entry, bool) {
	e, ok := x.orders[index]
	if ok {
		delete(x.orders, index)
	}
	return e, ok
}

// Clear drops every entry. Invoked on a new-snapshot boundary.
func (x *OrderIndex) Clear() {
	x.orders = make(map[int64]Entry)
}

// Len returns the number of live entries
func (x *OrderIndex) Len() int {
	return len(x.orders)
}
