package attendance

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"qrattend/internal/qrtoken"
)

// scanNow is a Wednesday; day_of_week 2 in the schedule convention.
var scanNow = time.Date(2026, 1, 7, 9, 10, 0, 0, time.Local)

type mockStore struct {
	students    map[string]*Student // by external id
	rooms       map[string]*Room    // by code
	records     []Record
	assignments []ScheduleAssignment

	insertErr error
	lookupErr error
}

func newMockStore() *mockStore {
	return &mockStore{
		students: make(map[string]*Student),
		rooms:    make(map[string]*Room),
	}
}

func (m *mockStore) StudentByExternalID(_ context.Context, externalID string) (*Student, error) {
	if m.lookupErr != nil {
		return nil, m.lookupErr
	}
	return m.students[externalID], nil
}

func (m *mockStore) RoomByCode(_ context.Context, code string) (*Room, error) {
	if m.lookupErr != nil {
		return nil, m.lookupErr
	}
	return m.rooms[code], nil
}

func (m *mockStore) AttendanceFor(_ context.Context, studentID, roomID, date string) (*Record, error) {
	for i := range m.records {
		r := m.records[i]
		if r.StudentID == studentID && r.RoomID == roomID && r.ScanDate == date {
			return &r, nil
		}
	}
	return nil, nil
}

func (m *mockStore) DailyScanCount(_ context.Context, studentID, date string) (int, error) {
	n := 0
	for _, r := range m.records {
		if r.StudentID == studentID && r.ScanDate == date {
			n++
		}
	}
	return n, nil
}

func (m *mockStore) MatchingAssignment(_ context.Context, roomID string, weekday int, timeOfDay string) (*ScheduleAssignment, error) {
	var best *ScheduleAssignment
	for i := range m.assignments {
		a := m.assignments[i]
		if !a.Active || a.RoomID != roomID || a.DayOfWeek != weekday {
			continue
		}
		if a.StartTime <= timeOfDay && timeOfDay < a.EndTime {
			if best == nil || a.StartTime < best.StartTime {
				best = &a
			}
		}
	}
	return best, nil
}

func (m *mockStore) InsertAttendance(_ context.Context, rec *Record) error {
	if m.insertErr != nil {
		return m.insertErr
	}
	for _, r := range m.records {
		if r.StudentID == rec.StudentID && r.RoomID == rec.RoomID && r.ScanDate == rec.ScanDate {
			return ErrDuplicateAttendance
		}
	}
	rec.ID = fmt.Sprintf("rec-%d", len(m.records)+1)
	rec.CreatedAt = scanNow
	m.records = append(m.records, *rec)
	return nil
}

type capturingPublisher struct {
	events []Event
	err    error
}

func (p *capturingPublisher) PublishScan(_ context.Context, evt Event) error {
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, evt)
	return nil
}

func setupService(t *testing.T) (*Service, *mockStore, *capturingPublisher) {
	t.Helper()
	store := newMockStore()
	pub := &capturingPublisher{}
	codec := qrtoken.New("test-secret", 365, 32)
	svc := NewService(store, codec, pub, zap.NewNop(), DefaultOptions())
	svc.now = func() time.Time { return scanNow }

	store.students["S1"] = &Student{
		ID: "stu-1", ExternalID: "S1",
		FirstName: "Ana", LastName: "Reyes",
		Department: "CS", YearLevel: 3, Section: "B",
		Active: true,
	}
	store.rooms["R1"] = &Room{ID: "room-1", Code: "R1", Name: "Room 101", Active: true}
	return svc, store, pub
}

func validToken(t *testing.T, studentID string) string {
	t.Helper()
	token, err := qrtoken.New("test-secret", 365, 32).Encode(studentID, nil)
	if err != nil {
		t.Fatalf("encode token: %v", err)
	}
	return token
}

func TestProcessScanSuccessNoSchedule(t *testing.T) {
	svc, store, pub := setupService(t)

	res := svc.ProcessScan(context.Background(), validToken(t, "S1"), "R1", nil)
	if !res.Success {
		t.Fatalf("scan failed: %s (%s)", res.Message, res.ErrorType)
	}
	if res.Record.Status != StatusPresent {
		t.Errorf("status = %s, want present", res.Record.Status)
	}
	if res.Record.ScanDate != "2026-01-07" || res.Record.ScanTime != "09:10:00" {
		t.Errorf("record stamped %s %s", res.Record.ScanDate, res.Record.ScanTime)
	}
	if len(store.records) != 1 {
		t.Fatalf("records persisted = %d", len(store.records))
	}
	if len(pub.events) != 1 {
		t.Fatalf("events published = %d", len(pub.events))
	}
	evt := pub.events[0]
	if evt.StudentName != "Ana Reyes" || evt.YearSection != "3B" || evt.RoomName != "Room 101" {
		t.Errorf("event = %+v", evt)
	}
	if evt.Status != StatusPresent {
		t.Errorf("event status = %s", evt.Status)
	}
}

func TestProcessScanDuplicateSameDay(t *testing.T) {
	svc, _, pub := setupService(t)
	token := validToken(t, "S1")

	first := svc.ProcessScan(context.Background(), token, "R1", nil)
	if !first.Success {
		t.Fatalf("first scan failed: %s", first.ErrorType)
	}

	second := svc.ProcessScan(context.Background(), token, "R1", nil)
	if second.Success {
		t.Fatal("second scan succeeded")
	}
	if second.ErrorType != ErrDuplicateScan {
		t.Errorf("error type = %s, want duplicate_scan", second.ErrorType)
	}
	if second.Existing == nil {
		t.Error("duplicate result missing existing record")
	}
	if len(pub.events) != 1 {
		t.Errorf("events published = %d, want 1", len(pub.events))
	}
}

func TestProcessScanInsertRaceMapsToDuplicate(t *testing.T) {
	svc, store, _ := setupService(t)
	store.insertErr = ErrDuplicateAttendance

	res := svc.ProcessScan(context.Background(), validToken(t, "S1"), "R1", nil)
	if res.Success || res.ErrorType != ErrDuplicateScan {
		t.Errorf("got success=%v type=%s, want duplicate_scan", res.Success, res.ErrorType)
	}
}

func TestProcessScanEntityChecks(t *testing.T) {
	svc, store, _ := setupService(t)
	store.students["S2"] = &Student{ID: "stu-2", ExternalID: "S2", FirstName: "Ben", LastName: "Cruz", Active: false}
	store.rooms["R2"] = &Room{ID: "room-2", Code: "R2", Name: "Room 102", Active: false}

	cases := []struct {
		name     string
		token    string
		roomCode string
		want     ErrorType
	}{
		{"unknown student", validToken(t, "GHOST"), "R1", ErrStudentNotFound},
		{"inactive student", validToken(t, "S2"), "R1", ErrInactiveStudent},
		{"unknown room", validToken(t, "S1"), "NOPE", ErrRoomNotFound},
		{"inactive room", validToken(t, "S1"), "R2", ErrInactiveRoom},
		{"garbage token", "not json at all", "R1", ErrFormat},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := svc.ProcessScan(context.Background(), tc.token, tc.roomCode, nil)
			if res.Success {
				t.Fatal("scan succeeded")
			}
			if res.ErrorType != tc.want {
				t.Errorf("error type = %s, want %s", res.ErrorType, tc.want)
			}
		})
	}
}

func TestProcessScanDailyLimitAcrossRooms(t *testing.T) {
	svc, store, _ := setupService(t)
	for i := 0; i < 5; i++ {
		store.records = append(store.records, Record{
			ID:        fmt.Sprintf("seed-%d", i),
			StudentID: "stu-1",
			RoomID:    fmt.Sprintf("other-room-%d", i),
			ScanDate:  "2026-01-07",
			ScanTime:  "08:00:00",
			Status:    StatusPresent,
		})
	}

	res := svc.ProcessScan(context.Background(), validToken(t, "S1"), "R1", nil)
	if res.Success || res.ErrorType != ErrScanLimitExceeded {
		t.Errorf("got success=%v type=%s, want scan_limit_exceeded", res.Success, res.ErrorType)
	}
}

func TestProcessScanLateThresholdTieBreak(t *testing.T) {
	subject := "subj-1"
	// Class starts 08:55; threshold 15 minutes puts the cutoff at 09:10:00.
	assignment := ScheduleAssignment{
		ID: "assign-1", RoomID: "room-1", SubjectID: &subject,
		DayOfWeek: 2, StartTime: "08:55:00", EndTime: "11:00:00", Active: true,
	}

	cases := []struct {
		name string
		at   time.Time
		want Status
	}{
		{"exactly at threshold", time.Date(2026, 1, 7, 9, 10, 0, 0, time.Local), StatusPresent},
		{"one second past threshold", time.Date(2026, 1, 7, 9, 10, 1, 0, time.Local), StatusLate},
		{"well before threshold", time.Date(2026, 1, 7, 8, 57, 0, 0, time.Local), StatusPresent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, store, _ := setupService(t)
			store.assignments = []ScheduleAssignment{assignment}
			svc.now = func() time.Time { return tc.at }

			res := svc.ProcessScan(context.Background(), validToken(t, "S1"), "R1", nil)
			if !res.Success {
				t.Fatalf("scan failed: %s (%s)", res.Message, res.ErrorType)
			}
			if res.Record.Status != tc.want {
				t.Errorf("status = %s, want %s", res.Record.Status, tc.want)
			}
			if res.Record.SubjectID == nil || *res.Record.SubjectID != subject {
				t.Errorf("subject id = %v, want %s", res.Record.SubjectID, subject)
			}
		})
	}
}

func TestProcessScanNoMatchingWindowIsPresent(t *testing.T) {
	svc, store, _ := setupService(t)
	// Window on the right day but already over by scan time.
	store.assignments = []ScheduleAssignment{{
		ID: "assign-1", RoomID: "room-1",
		DayOfWeek: 2, StartTime: "06:00:00", EndTime: "07:00:00", Active: true,
	}}

	res := svc.ProcessScan(context.Background(), validToken(t, "S1"), "R1", nil)
	if !res.Success {
		t.Fatalf("scan failed: %s", res.ErrorType)
	}
	if res.Record.Status != StatusPresent {
		t.Errorf("status = %s, want present", res.Record.Status)
	}
	if res.Record.SubjectID != nil {
		t.Errorf("subject id = %v, want nil", res.Record.SubjectID)
	}
}

func TestProcessScanStoreFailureIsSystemError(t *testing.T) {
	svc, store, _ := setupService(t)
	store.lookupErr = errors.New("connection refused")

	res := svc.ProcessScan(context.Background(), validToken(t, "S1"), "R1", nil)
	if res.Success || res.ErrorType != ErrSystem {
		t.Errorf("got success=%v type=%s, want system_error", res.Success, res.ErrorType)
	}
}

func TestProcessScanInsertFailureIsDatabaseError(t *testing.T) {
	svc, store, _ := setupService(t)
	store.insertErr = errors.New("disk full")

	res := svc.ProcessScan(context.Background(), validToken(t, "S1"), "R1", nil)
	if res.Success || res.ErrorType != ErrDatabase {
		t.Errorf("got success=%v type=%s, want database_error", res.Success, res.ErrorType)
	}
}

func TestProcessScanPublishFailureDoesNotFailScan(t *testing.T) {
	svc, _, pub := setupService(t)
	pub.err = errors.New("queue down")

	res := svc.ProcessScan(context.Background(), validToken(t, "S1"), "R1", nil)
	if !res.Success {
		t.Fatalf("scan failed because of publish error: %s", res.ErrorType)
	}
}

func TestProcessScanRecordsRecorder(t *testing.T) {
	svc, store, _ := setupService(t)
	staff := "user-9"

	res := svc.ProcessScan(context.Background(), validToken(t, "S1"), "R1", &staff)
	if !res.Success {
		t.Fatalf("scan failed: %s", res.ErrorType)
	}
	if store.records[0].RecordedBy == nil || *store.records[0].RecordedBy != staff {
		t.Errorf("recorded by = %v, want %s", store.records[0].RecordedBy, staff)
	}
}
