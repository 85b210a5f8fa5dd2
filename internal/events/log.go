package events

import (
	"context"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill/message"
)

// LogSessionGraded logs every graded-session event until ctx is done or the channel closes.
func LogSessionGraded(ctx context.Context, sub message.Subscriber, logger *slog.Logger) error {
	msgs, err := sub.Subscribe(ctx, TopicSessionGraded)
	if err != nil {
		return err
	}
	go func() {
		for msg := range msgs {
			ev, err := DecodeSessionGraded(msg)
			if err != nil {
				logger.Warn("drop malformed event", "error", err)
				msg.Ack()
				continue
			}
			logger.Info("session graded",
				"run_id", ev.RunID,
				"session_id", ev.SessionID,
				"student", ev.StudentName,
				"score", ev.Score,
				"max_score", ev.MaxScore,
			)
			msg.Ack()
		}
	}()
	return nil
}
