package notify

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"qrattend/internal/attendance"
	"qrattend/internal/queue"
)

type memStore struct {
	mu            sync.Mutex
	notifications []attendance.Notification
}

func (m *memStore) InsertNotification(_ context.Context, n *attendance.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications = append(m.notifications, *n)
	return nil
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.notifications)
}

func (m *memStore) first(t *testing.T) attendance.Notification {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.notifications) == 0 {
		t.Fatal("no notifications stored")
	}
	return m.notifications[0]
}

func sampleEvent(status attendance.Status) attendance.Event {
	return attendance.Event{
		StudentName: "Ana Reyes",
		StudentID:   "S1",
		Department:  "CS",
		YearSection: "3B",
		RoomName:    "Room 101",
		Timestamp:   "2026-01-07 09:10:00",
		Status:      status,
	}
}

func TestHandleStoresScanNotification(t *testing.T) {
	store := &memStore{}
	d := NewDispatcher(store, zap.NewNop())

	body, _ := json.Marshal(sampleEvent(attendance.StatusPresent))
	if err := d.Handle(context.Background(), body); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if store.count() != 1 {
		t.Fatalf("stored = %d", store.count())
	}
	n := store.first(t)
	if n.Type != TypeAttendanceScan {
		t.Errorf("type = %s, want %s", n.Type, TypeAttendanceScan)
	}
	if !strings.Contains(n.Message, "Ana Reyes") || !strings.Contains(n.Message, "Room 101") {
		t.Errorf("message = %q", n.Message)
	}
}

func TestHandleClassifiesLateArrival(t *testing.T) {
	store := &memStore{}
	d := NewDispatcher(store, zap.NewNop())

	body, _ := json.Marshal(sampleEvent(attendance.StatusLate))
	if err := d.Handle(context.Background(), body); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if n := store.first(t); n.Type != TypeLateArrival {
		t.Errorf("type = %s, want %s", n.Type, TypeLateArrival)
	}
}

func TestHandleRejectsMalformedBody(t *testing.T) {
	d := NewDispatcher(&memStore{}, zap.NewNop())
	if err := d.Handle(context.Background(), []byte("{broken")); err == nil {
		t.Fatal("malformed body accepted")
	}
}

func TestRunSkipsForeignMessageTypes(t *testing.T) {
	store := &memStore{}
	d := NewDispatcher(store, zap.NewNop())

	q := queue.NewInMemory(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	body, _ := json.Marshal(sampleEvent(attendance.StatusPresent))
	_ = q.Publish(ctx, queue.Message{Type: "unrelated", Body: []byte("x")})
	_ = q.Publish(ctx, queue.Message{Type: MessageTypeScan, Body: body})

	messages, err := q.Consume(ctx)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}

	done := make(chan struct{})
	go func() {
		d.Run(ctx, messages)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for store.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("dispatcher never processed the scan event")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done

	if store.count() != 1 {
		t.Fatalf("stored = %d, want 1", store.count())
	}
}
