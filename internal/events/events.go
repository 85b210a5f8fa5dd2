// Package events publishes domain events about exam sessions.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// TopicSessionGraded carries SessionGraded payloads.
const TopicSessionGraded = "exam.session.graded"

// SessionGraded is emitted once a session reaches the graded status.
type SessionGraded struct {
	RunID        string    `json:"run_id"`
	SessionID    int64     `json:"session_id"`
	PaperID      int64     `json:"paper_id"`
	StudentName  string    `json:"student_name"`
	Score        int       `json:"score"`
	MaxScore     int       `json:"max_score"`
	CorrectCount int       `json:"correct_count"`
	EntryCount   int       `json:"entry_count"`
	GradedAt     time.Time `json:"graded_at"`
}

// Publisher emits domain events.
type Publisher interface {
	PublishSessionGraded(ctx context.Context, ev SessionGraded) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) PublishSessionGraded(context.Context, SessionGraded) error { return nil }

// Watermill publishes events as JSON messages on a watermill publisher.
type Watermill struct {
	pub message.Publisher
}

// NewWatermill creates a publisher on top of any Watermill publisher.
func NewWatermill(pub message.Publisher) *Watermill {
	return &Watermill{pub: pub}
}

// PublishSessionGraded sends ev as JSON on TopicSessionGraded.
func (w *Watermill) PublishSessionGraded(ctx context.Context, ev SessionGraded) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("run_id", ev.RunID)
	msg.SetContext(ctx)
	if err := w.pub.Publish(TopicSessionGraded, msg); err != nil {
		return fmt.Errorf("publish %s: %w", TopicSessionGraded, err)
	}
	return nil
}

// DecodeSessionGraded parses a SessionGraded message payload.
func DecodeSessionGraded(msg *message.Message) (SessionGraded, error) {
	var ev SessionGraded
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return ev, fmt.Errorf("decode %s: %w", msg.UUID, err)
	}
	return ev, nil
}
