package model

// OrderStatus is the closed set of order states. Transitions outside
// allowedTransitions are rejected by the store.
type OrderStatus string

const (
	OrderStatusNew        OrderStatus = "new"
	OrderStatusAck        OrderStatus = "ack"
	OrderStatusPartFilled OrderStatus = "part_filled"
	OrderStatusFilled     OrderStatus = "filled"
	OrderStatusCanceled   OrderStatus = "canceled"
	OrderStatusError      OrderStatus = "error"
)

var allowedTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusNew:        {OrderStatusAck, OrderStatusFilled, OrderStatusCanceled, OrderStatusError},
	OrderStatusAck:        {OrderStatusPartFilled, OrderStatusFilled, OrderStatusCanceled, OrderStatusError},
	OrderStatusPartFilled: {OrderStatusFilled, OrderStatusCanceled, OrderStatusError},
	OrderStatusFilled:     {},
	OrderStatusCanceled:   {},
	OrderStatusError:      {},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to OrderStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the status has no outgoing transitions.
func (s OrderStatus) Terminal() bool {
	return len(allowedTransitions[s]) == 0
}

// Valid reports whether s belongs to the closed status set.
func (s OrderStatus) Valid() bool {
	_, ok := allowedTransitions[s]
	return ok
}
