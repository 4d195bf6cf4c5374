package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/example/ride-share/internal/models"
)

type publisher interface {
	Publish(subject string, data []byte) error
	FlushWithContext(ctx context.Context) error
}

// NATSPublisher publishes events on "<prefix>.<event type>".
type NATSPublisher struct {
	conn   publisher
	close  func()
	prefix string
}

func NewNATSPublisher(url, prefix string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("ride-share"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NATSPublisher{conn: nc, close: nc.Close, prefix: prefix}, nil
}

func (n *NATSPublisher) Name() string { return "nats" }

func (n *NATSPublisher) Subject(t models.EventType) string { return n.prefix + "." + string(t) }

func (n *NATSPublisher) Deliver(ctx context.Context, ev models.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := n.conn.Publish(n.Subject(ev.Type), b); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return n.conn.FlushWithContext(ctx)
}

func (n *NATSPublisher) Close() error {
	if n.close != nil {
		n.close()
	}
	return nil
}
