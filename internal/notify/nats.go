package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/msageha/phasegate/internal/model"
)

// NATS publishes the event as JSON on a subject.
type NATS struct {
	conn    *nats.Conn
	subject string
}

func NewNATS(conn *nats.Conn, subject string) *NATS {
	return &NATS{conn: conn, subject: subject}
}

type natsAlert struct {
	Title   string      `json:"title"`
	Message string      `json:"message"`
	Event   model.Event `json:"event"`
}

func (n *NATS) Notify(_ context.Context, ev model.Event) error {
	data, err := json.Marshal(natsAlert{Title: Title(ev), Message: Message(ev), Event: ev})
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	if err := n.conn.Publish(n.subject, data); err != nil {
		return fmt.Errorf("publish alert to %s: %w", n.subject, err)
	}
	return nil
}
