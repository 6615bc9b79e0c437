package events

// Delivery is one received event. RequestID is set when the publisher
// had one.
type Delivery struct {
	Topic     string
	Data      []byte
	RequestID string
}

// Subscriber receives events from the event bus.
type Subscriber interface {
	// Subscribe delivers events on the returned channel until cancel is called.
	Subscribe(topic string) (<-chan Delivery, func(), error)
	Close() error
}
