package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"qrattend/internal/attendance"
	"qrattend/internal/queue"
)

// Notification categories mirrored from the original system.
const (
	TypeAttendanceScan = "attendance_scan"
	TypeLateArrival    = "late_arrival"
)

// Store is the slice of persistence the dispatcher needs.
type Store interface {
	InsertNotification(ctx context.Context, n *attendance.Notification) error
}

// Dispatcher consumes scan events off the queue and fans them out: one
// stored notification row plus a log line per event. The scan pipeline never
// waits on any of this.
type Dispatcher struct {
	store Store
	log   *zap.Logger
}

// NewDispatcher wires the consumer side.
func NewDispatcher(store Store, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{store: store, log: log}
}

// Run blocks over the message channel until it closes or ctx is done.
func (d *Dispatcher) Run(ctx context.Context, messages <-chan queue.Message) {
	for msg := range messages {
		if msg.Type != MessageTypeScan {
			continue
		}
		if err := d.Handle(ctx, msg.Body); err != nil {
			d.log.Error("notification dispatch failed", zap.Error(err))
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// Handle processes one serialized scan event.
func (d *Dispatcher) Handle(ctx context.Context, body []byte) error {
	var evt attendance.Event
	if err := json.Unmarshal(body, &evt); err != nil {
		return fmt.Errorf("decode scan event: %w", err)
	}

	n := &attendance.Notification{
		Type:    TypeAttendanceScan,
		Title:   "Attendance Recorded",
		Message: formatMessage(evt),
	}
	if evt.Status == attendance.StatusLate {
		n.Type = TypeLateArrival
		n.Title = "Late Arrival"
	}

	if err := d.store.InsertNotification(ctx, n); err != nil {
		return fmt.Errorf("store notification: %w", err)
	}

	d.log.Info("attendance notification dispatched",
		zap.String("student_id", evt.StudentID),
		zap.String("room", evt.RoomName),
		zap.String("status", string(evt.Status)))
	return nil
}

func formatMessage(evt attendance.Event) string {
	return fmt.Sprintf("%s (%s, %s %s) scanned into %s at %s with status %s",
		evt.StudentName, evt.StudentID, evt.Department, evt.YearSection,
		evt.RoomName, evt.Timestamp, evt.Status)
}
