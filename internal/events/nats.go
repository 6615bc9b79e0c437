package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/alfredjeanlab/gados/internal/logging"
)

// RequestIDHeader carries the originating request id on published events.
const RequestIDHeader = "X-Request-Id"

const deliveryBuffer = 64

func connect(url, name string, opts ...nats.Option) (*nats.Conn, error) {
	nc, err := nats.Connect(url, append([]nats.Option{nats.Name(name)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return nc, nil
}

// NATSPublisher publishes events as JSON on the NATS subject named by the
// topic. The request id on ctx, if any, travels in RequestIDHeader.
type NATSPublisher struct {
	conn *nats.Conn
}

func NewNATSPublisher(url string) (*NATSPublisher, error) {
	nc, err := connect(url, "gados-publisher")
	if err != nil {
		return nil, err
	}
	return &NATSPublisher{conn: nc}, nil
}

func (p *NATSPublisher) Publish(ctx context.Context, topic string, event any) error {
	msg := nats.NewMsg(topic)
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling %s event: %w", topic, err)
	}
	msg.Data = data
	if id := logging.RequestID(ctx); id != "" {
		msg.Header.Set(RequestIDHeader, id)
	}
	return p.conn.PublishMsg(msg)
}

func (p *NATSPublisher) Close() error {
	p.conn.Close()
	return nil
}

// NATSSubscriber reads events back off NATS. It reconnects forever.
type NATSSubscriber struct {
	conn *nats.Conn
}

// NewNATSSubscriber connects to url. opts (disconnect and reconnect
// handlers, typically) are applied after the reconnect defaults.
func NewNATSSubscriber(url string, opts ...nats.Option) (*NATSSubscriber, error) {
	nc, err := connect(url, "gados-subscriber",
		append([]nats.Option{nats.MaxReconnects(-1), nats.ReconnectWait(time.Second)}, opts...)...)
	if err != nil {
		return nil, err
	}
	return &NATSSubscriber{conn: nc}, nil
}

// Subscribe forwards messages on topic (wildcards allowed) until cancel is
// called, after which the channel is closed. When the reader falls behind,
// the NATS client drops messages for this subscription as a slow consumer.
func (s *NATSSubscriber) Subscribe(topic string) (<-chan Delivery, func(), error) {
	msgs := make(chan *nats.Msg, deliveryBuffer)
	sub, err := s.conn.ChanSubscribe(topic, msgs)
	if err != nil {
		return nil, nil, fmt.Errorf("subscribing to %s: %w", topic, err)
	}
	if err := s.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, nil, fmt.Errorf("flushing subscription: %w", err)
	}

	out := make(chan Delivery, deliveryBuffer)
	stop := make(chan struct{})
	go func() {
		defer close(out)
		for {
			var m *nats.Msg
			select {
			case <-stop:
				return
			case m = <-msgs:
			}
			d := Delivery{Topic: m.Subject, Data: m.Data}
			if m.Header != nil {
				d.RequestID = m.Header.Get(RequestIDHeader)
			}
			select {
			case out <- d:
			case <-stop:
				return
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			_ = sub.Unsubscribe()
			close(stop)
		})
	}
	return out, cancel, nil
}

func (s *NATSSubscriber) Close() error {
	s.conn.Close()
	return nil
}
