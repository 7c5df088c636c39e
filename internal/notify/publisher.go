package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"qrattend/internal/attendance"
	"qrattend/internal/queue"
)

// MessageTypeScan marks queue messages carrying a scan event payload.
const MessageTypeScan = "scan"

// QueuePublisher adapts the queue to the pipeline's EventPublisher contract.
type QueuePublisher struct {
	q queue.Queue
}

// NewQueuePublisher wraps q.
func NewQueuePublisher(q queue.Queue) *QueuePublisher {
	return &QueuePublisher{q: q}
}

// PublishScan serializes the event and enqueues it.
func (p *QueuePublisher) PublishScan(ctx context.Context, evt attendance.Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("serialize scan event: %w", err)
	}
	return p.q.Publish(ctx, queue.Message{Type: MessageTypeScan, Body: body})
}

var _ attendance.EventPublisher = (*QueuePublisher)(nil)
