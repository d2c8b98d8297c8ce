package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/msageha/phasegate/internal/logging"
)

// NATSSource subscribes to a subject carrying JSON events. Undecodable
// messages are logged and dropped.
type NATSSource struct {
	conn    *nats.Conn
	subject string
	handler Handler
	logger  *logging.Logger
	sub     *nats.Subscription
}

func NewNATSSource(conn *nats.Conn, subject string, h Handler) *NATSSource {
	return &NATSSource{conn: conn, subject: subject, handler: h, logger: logging.NewNop()}
}

func (s *NATSSource) SetLogger(l *logging.Logger) { s.logger = l }

// Start subscribes; handlers run with ctx on the subscription goroutine.
func (s *NATSSource) Start(ctx context.Context) error {
	sub, err := s.conn.Subscribe(s.subject, func(msg *nats.Msg) {
		ev, err := Decode(msg.Data, ".json")
		if err != nil {
			s.logger.Warn(ctx, "dropping undecodable nats event", zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		if err := Normalize(&ev, "nats:"+msg.Subject, time.Now().UTC()); err != nil {
			s.logger.Error(ctx, "normalize nats event", zap.Error(err))
			return
		}
		if err := s.handler(ctx, ev); err != nil {
			s.logger.Error(ctx, "nats event handler failed", zap.String("event_id", ev.ID), zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", s.subject, err)
	}
	s.sub = sub
	s.logger.Info(ctx, "subscribed to nats events", zap.String("subject", s.subject))
	return nil
}

// Stop drains the subscription so in-flight messages finish.
func (s *NATSSource) Stop() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Drain()
}
