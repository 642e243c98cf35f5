// Package event publishes terminal submission status changes for downstream consumers.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"autograder/internal/common/mq"
	"autograder/internal/submission/model"
	appErr "autograder/pkg/errors"
)

const StatusEventFinal = "final"

// StatusEvent is the payload written to the status topic.
type StatusEvent struct {
	Type         string       `json:"type"`
	SubmissionID int64        `json:"submission_id"`
	OwnerID      int64        `json:"owner_id"`
	AssignmentID int64        `json:"assignment_id"`
	Status       model.Status `json:"status"`
	Score        *float64     `json:"score,omitempty"`
	CreatedAt    int64        `json:"created_at"`
}

// StatusEventPublisher publishes final status events.
type StatusEventPublisher interface {
	PublishFinal(ctx context.Context, submission *model.Submission) error
}

// MQStatusEventPublisher publishes status events to a message queue.
type MQStatusEventPublisher struct {
	producer mq.Producer
	topic    string
}

// NewMQStatusEventPublisher creates a new MQ status event publisher.
func NewMQStatusEventPublisher(producer mq.Producer, topic string) *MQStatusEventPublisher {
	return &MQStatusEventPublisher{producer: producer, topic: topic}
}

// PublishFinal publishes a terminal status event keyed by submission id.
func (p *MQStatusEventPublisher) PublishFinal(ctx context.Context, submission *model.Submission) error {
	if p == nil || p.producer == nil {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("status publisher is not configured")
	}
	if p.topic == "" {
		return appErr.New(appErr.InvalidParams).WithMessage("status topic is required")
	}
	if submission == nil || submission.ID <= 0 {
		return appErr.ValidationError("submission_id", "required")
	}
	if !submission.Status.IsTerminal() {
		return appErr.Newf(appErr.InvalidParams, "status %s is not terminal", submission.Status)
	}
	event := StatusEvent{
		Type:         StatusEventFinal,
		SubmissionID: submission.ID,
		OwnerID:      submission.OwnerID,
		AssignmentID: submission.AssignmentID,
		Status:       submission.Status,
		Score:        submission.Score,
		CreatedAt:    time.Now().Unix(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal status event failed: %w", err)
	}
	message := mq.NewMessage(payload)
	message.ID = strconv.FormatInt(submission.ID, 10)
	message.SetHeader("type", StatusEventFinal)
	if err := p.producer.Publish(ctx, p.topic, message); err != nil {
		return appErr.Wrapf(err, appErr.ServiceUnavailable, "publish status event failed")
	}
	return nil
}

// NopPublisher drops events. Used when no brokers are configured.
type NopPublisher struct{}

func (NopPublisher) PublishFinal(context.Context, *model.Submission) error { return nil }

var (
	_ StatusEventPublisher = (*MQStatusEventPublisher)(nil)
	_ StatusEventPublisher = NopPublisher{}
)
