package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/msageha/phasegate/internal/logging"
	"github.com/msageha/phasegate/internal/model"
)

// Log writes the notification to the structured log at warn level.
type Log struct {
	logger *logging.Logger
}

func NewLog(l *logging.Logger) *Log { return &Log{logger: l} }

func (n *Log) Notify(ctx context.Context, ev model.Event) error {
	n.logger.Warn(ctx, Title(ev),
		zap.String("event_id", ev.ID),
		zap.String("source", ev.Source),
		zap.String("urgency", string(ev.Urgency)),
		zap.String("category", ev.Category),
		zap.String("summary", Message(ev)))
	return nil
}
