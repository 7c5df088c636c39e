package attendance

import (
	"context"
	"errors"
)

// ErrDuplicateAttendance is returned by InsertAttendance when the
// (student, room, scan date) uniqueness constraint rejects the row. The
// constraint is the authoritative duplicate guard: two concurrent scans can
// both pass the read-side duplicate check, and the loser of the insert race
// must still surface as a duplicate rather than a database failure.
var ErrDuplicateAttendance = errors.New("attendance already recorded for this student, room and date")

// Store is the narrow persistence contract the scan pipeline needs. Lookups
// return (nil, nil) when no row matches so the pipeline can distinguish
// not-found from inactive and from infrastructure failure.
type Store interface {
	// StudentByExternalID resolves a student by the school-issued id from
	// the QR payload, active or not.
	StudentByExternalID(ctx context.Context, externalID string) (*Student, error)

	// RoomByCode resolves a room by its code, active or not.
	RoomByCode(ctx context.Context, code string) (*Room, error)

	// AttendanceFor returns the record for (student, room, date) if one
	// exists. date is YYYY-MM-DD.
	AttendanceFor(ctx context.Context, studentID, roomID, date string) (*Record, error)

	// DailyScanCount counts a student's records on date across all rooms.
	DailyScanCount(ctx context.Context, studentID, date string) (int, error)

	// MatchingAssignment returns the active schedule assignment for roomID
	// whose [start,end) window contains timeOfDay on weekday (0=Monday), or
	// nil. When windows overlap the earliest start wins.
	MatchingAssignment(ctx context.Context, roomID string, weekday int, timeOfDay string) (*ScheduleAssignment, error)

	// InsertAttendance persists rec, filling ID and CreatedAt. Returns
	// ErrDuplicateAttendance on a uniqueness violation.
	InsertAttendance(ctx context.Context, rec *Record) error
}
