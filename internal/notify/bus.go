package notify

import "sync"

// Notification kinds form a closed set; subscribers switch on Kind and
// read the fields relevant to it rather than parsing string event names.
type Kind string

const (
	OrderCreated           Kind = "order.created"
	OrderFunded            Kind = "order.funded"
	OrderStatusChanged     Kind = "order.status_changed"
	OrderCompleted         Kind = "order.completed"
	OrderCancelled         Kind = "order.cancelled"
	MilestoneStatusChanged Kind = "milestone.status_changed"
	MilestonePaid          Kind = "milestone.paid"
	DocumentCreated        Kind = "document.created"
	ActCreated             Kind = "act.created"
	ActSigned              Kind = "act.signed"
	ActRejected            Kind = "act.rejected"
	ActCompleted           Kind = "act.completed"
	PaymentPending         Kind = "payment.pending"
	RepresentativeChanged  Kind = "representative.changed"
)

// Notification carries the affected entity ids and, where a status
// transition happened, the before/after statuses.
type Notification struct {
	Kind        Kind
	OrderID     string
	MilestoneID string
	DocumentID  string
	ActID       string
	UserID      string
	FromStatus  string
	ToStatus    string
	Amount      string
}

// Handler receives notifications synchronously, in publish order.
type Handler func(Notification)

// Bus is a synchronous in-process fan-out. Delivery happens on the
// publisher's goroutine after the underlying transaction committed; a
// handler must not call back into the engine while handling.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a handler for all notification kinds.
func (b *Bus) Subscribe(h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	b.handlers = append(b.handlers, h)
	b.mu.Unlock()
}

// Publish delivers n to every subscriber in registration order.
func (b *Bus) Publish(n Notification) {
	if b == nil {
		return
	}
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()
	for _, h := range handlers {
		h(n)
	}
}
