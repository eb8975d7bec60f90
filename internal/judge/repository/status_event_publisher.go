package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"judgecore/internal/common/mq"
	"judgecore/internal/judge/model"
	appErr "judgecore/pkg/errors"
)

const headerEventType = "event"

// StatusEventPublisher publishes final status events for downstream consumers.
type StatusEventPublisher interface {
	PublishFinalStatus(ctx context.Context, event model.FinalStatusEvent) error
}

// MQStatusEventPublisher publishes status events to a message queue.
type MQStatusEventPublisher struct {
	queue mq.Producer
	topic string
}

// NewMQStatusEventPublisher creates a new MQ status event publisher.
func NewMQStatusEventPublisher(queue mq.Producer, topic string) *MQStatusEventPublisher {
	return &MQStatusEventPublisher{queue: queue, topic: topic}
}

// PublishFinalStatus publishes a final status event keyed by process id.
func (p *MQStatusEventPublisher) PublishFinalStatus(ctx context.Context, event model.FinalStatusEvent) error {
	if p == nil || p.queue == nil {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("status publisher is not configured")
	}
	if p.topic == "" {
		return appErr.New(appErr.InvalidParams).WithMessage("status topic is required")
	}
	if event.ProcessID == "" {
		return appErr.ValidationError("process_id", "required")
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal status event failed: %w", err)
	}
	message := mq.NewMessage(payload)
	message.ID = event.ProcessID
	message.SetHeader(headerEventType, "final")
	if err := p.queue.Publish(ctx, p.topic, message); err != nil {
		return appErr.Wrapf(err, appErr.ServiceUnavailable, "publish status event failed")
	}
	return nil
}
