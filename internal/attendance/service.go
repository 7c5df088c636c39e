package attendance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"qrattend/internal/qrtoken"
)

const (
	dateLayout = "2006-01-02"
	todLayout  = "15:04:05"
)

// EventPublisher receives one event per successful scan. Implementations
// must not block for long; the pipeline does not depend on the outcome.
type EventPublisher interface {
	PublishScan(ctx context.Context, evt Event) error
}

// Options are the pipeline tunables. They are loaded once at startup and
// immutable for the life of the process.
type Options struct {
	LateThreshold time.Duration
	MaxDailyScans int
}

// DefaultOptions mirror the original deployment's settings.
func DefaultOptions() Options {
	return Options{
		LateThreshold: 15 * time.Minute,
		MaxDailyScans: 5,
	}
}

// Service runs the attendance scan pipeline: token validation, entity
// resolution, duplicate and rate checks, status computation, persistence and
// event emission. All durable state lives in the Store; concurrent scans
// only serialize on the store's uniqueness constraint.
type Service struct {
	store  Store
	codec  *qrtoken.Codec
	events EventPublisher
	log    *zap.Logger
	opts   Options
	now    func() time.Time
}

// NewService wires the pipeline. events may be nil when no dispatch
// collaborator is configured.
func NewService(store Store, codec *qrtoken.Codec, events EventPublisher, log *zap.Logger, opts Options) *Service {
	if opts.LateThreshold <= 0 {
		opts.LateThreshold = DefaultOptions().LateThreshold
	}
	if opts.MaxDailyScans <= 0 {
		opts.MaxDailyScans = DefaultOptions().MaxDailyScans
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		store:  store,
		codec:  codec,
		events: events,
		log:    log,
		opts:   opts,
		now:    time.Now,
	}
}

func failure(errType ErrorType, msg string) ScanResult {
	return ScanResult{Success: false, ErrorType: errType, Message: msg}
}

// ProcessScan handles one scan attempt. It never returns an error: every
// outcome, including infrastructure failure, is a classified ScanResult.
func (s *Service) ProcessScan(ctx context.Context, qrData, roomCode string, recordedBy *string) ScanResult {
	started := s.now()
	res := s.processScan(ctx, qrData, roomCode, recordedBy)
	observeScan(res, s.now().Sub(started).Seconds())
	return res
}

func (s *Service) processScan(ctx context.Context, qrData, roomCode string, recordedBy *string) ScanResult {
	// Step 1: payload validation.
	validation := s.codec.Validate(qrData)
	if !validation.Valid {
		s.log.Info("scan rejected: invalid token",
			zap.String("error_type", validation.ErrorType),
			zap.String("room_code", roomCode))
		return failure(ErrorType(validation.ErrorType), "Invalid QR code: "+validation.Error)
	}

	// Step 2: student resolution.
	student, err := s.store.StudentByExternalID(ctx, validation.StudentID)
	if err != nil {
		return s.storeFailure("student lookup", err)
	}
	if student == nil {
		return failure(ErrStudentNotFound, "Student not found in database")
	}
	if !student.Active {
		return failure(ErrInactiveStudent, "Student account is inactive")
	}

	// Step 3: room resolution.
	room, err := s.store.RoomByCode(ctx, roomCode)
	if err != nil {
		return s.storeFailure("room lookup", err)
	}
	if room == nil {
		return failure(ErrRoomNotFound, "Room not found")
	}
	if !room.Active {
		return failure(ErrInactiveRoom, "Room is inactive")
	}

	now := s.now()
	date := now.Format(dateLayout)
	timeOfDay := now.Format(todLayout)

	// Step 4: duplicate check.
	existing, err := s.store.AttendanceFor(ctx, student.ID, room.ID, date)
	if err != nil {
		return s.storeFailure("duplicate check", err)
	}
	if existing != nil {
		s.log.Info("duplicate scan",
			zap.String("student_id", student.ExternalID),
			zap.String("room_code", room.Code))
		res := failure(ErrDuplicateScan,
			fmt.Sprintf("Attendance already recorded for %s in this room today", student.FullName()))
		res.Existing = existing
		return res
	}

	// Step 5: daily rate check, across all rooms.
	count, err := s.store.DailyScanCount(ctx, student.ID, date)
	if err != nil {
		return s.storeFailure("daily scan count", err)
	}
	if count >= s.opts.MaxDailyScans {
		s.log.Warn("daily scan limit reached",
			zap.String("student_id", student.ExternalID),
			zap.Int("count", count))
		return failure(ErrScanLimitExceeded,
			fmt.Sprintf("Maximum daily scans (%d) exceeded for this student", s.opts.MaxDailyScans))
	}

	// Steps 6-7: status determination and subject association share one
	// assignment lookup; a recompute would see the same row.
	assignment, err := s.store.MatchingAssignment(ctx, room.ID, weekday(now), timeOfDay)
	if err != nil {
		return s.storeFailure("schedule lookup", err)
	}
	status := s.determineStatus(assignment, timeOfDay)
	var subjectID *string
	if assignment != nil {
		subjectID = assignment.SubjectID
	}

	// Step 8: persist. The insert race with a concurrent duplicate resolves
	// here, not in step 4.
	rec := &Record{
		StudentID:  student.ID,
		RoomID:     room.ID,
		SubjectID:  subjectID,
		ScanDate:   date,
		ScanTime:   timeOfDay,
		Status:     status,
		RecordedBy: recordedBy,
	}
	if err := s.store.InsertAttendance(ctx, rec); err != nil {
		if errors.Is(err, ErrDuplicateAttendance) {
			res := failure(ErrDuplicateScan,
				fmt.Sprintf("Attendance already recorded for %s in this room today", student.FullName()))
			return res
		}
		s.log.Error("attendance insert failed", zap.Error(err))
		return failure(ErrDatabase, "Failed to record attendance in database")
	}

	s.log.Info("attendance recorded",
		zap.String("student_id", student.ExternalID),
		zap.String("room_code", room.Code),
		zap.String("status", string(status)))

	// Step 9: result assembly and event emission.
	result := ScanResult{
		Success:   true,
		Message:   fmt.Sprintf("Attendance recorded successfully for %s", student.FullName()),
		Student:   student,
		Room:      room,
		Record:    rec,
		Timestamp: now,
	}
	s.publish(ctx, result)
	return result
}

// determineStatus applies the late threshold against the assignment start.
// No matching schedule means the scan is always on time. Exactly at the
// threshold is still present; only strictly past it is late.
func (s *Service) determineStatus(assignment *ScheduleAssignment, timeOfDay string) Status {
	if assignment == nil {
		return StatusPresent
	}
	start, err := time.Parse(todLayout, assignment.StartTime)
	if err != nil {
		s.log.Warn("unparseable assignment start time",
			zap.String("assignment_id", assignment.ID),
			zap.String("start_time", assignment.StartTime))
		return StatusPresent
	}
	scan, err := time.Parse(todLayout, timeOfDay)
	if err != nil {
		return StatusPresent
	}
	if scan.Sub(start) > s.opts.LateThreshold {
		return StatusLate
	}
	return StatusPresent
}

// publish hands the success event to the dispatch collaborator. Failures are
// logged and swallowed; attendance is already durable at this point.
func (s *Service) publish(ctx context.Context, res ScanResult) {
	if s.events == nil {
		return
	}
	evt := Event{
		StudentName: res.Student.FullName(),
		StudentID:   res.Student.ExternalID,
		Department:  res.Student.Department,
		YearSection: fmt.Sprintf("%d%s", res.Student.YearLevel, res.Student.Section),
		RoomName:    res.Room.Name,
		Timestamp:   res.Timestamp.Format(dateLayout + " " + todLayout),
		Status:      res.Record.Status,
	}
	if err := s.events.PublishScan(ctx, evt); err != nil {
		s.log.Error("notification publish failed", zap.Error(err))
	}
}

func (s *Service) storeFailure(op string, err error) ScanResult {
	s.log.Error("store call failed", zap.String("op", op), zap.Error(err))
	return failure(ErrSystem, "An error occurred while processing the scan")
}

// weekday maps Go's Sunday-based weekday to the schedule table's convention
// of 0=Monday..6=Sunday.
func weekday(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}
