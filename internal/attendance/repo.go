package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// pgUniqueViolation is the Postgres error code for a unique constraint hit.
const pgUniqueViolation = "23505"

// Repository persists attendance data in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// StudentByExternalID looks a student up by the school-issued id.
func (r *Repository) StudentByExternalID(ctx context.Context, externalID string) (*Student, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, student_id, first_name, last_name, department, year_level, section, email, is_active, created_at
		FROM students
		WHERE student_id = $1
	`, externalID)
	var s Student
	if err := row.Scan(&s.ID, &s.ExternalID, &s.FirstName, &s.LastName, &s.Department, &s.YearLevel, &s.Section, &s.Email, &s.Active, &s.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("student by external id: %w", err)
	}
	return &s, nil
}

// RoomByCode looks a room up by its code.
func (r *Repository) RoomByCode(ctx context.Context, code string) (*Room, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, room_code, room_name, building, is_active, created_at
		FROM rooms
		WHERE room_code = $1
	`, code)
	var rm Room
	if err := row.Scan(&rm.ID, &rm.Code, &rm.Name, &rm.Building, &rm.Active, &rm.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("room by code: %w", err)
	}
	return &rm, nil
}

// AttendanceFor returns the record for (student, room, date), if any.
func (r *Repository) AttendanceFor(ctx context.Context, studentID, roomID, date string) (*Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, student_id, room_id, subject_id, scan_date, scan_time, status, notes, recorded_by, created_at
		FROM attendance
		WHERE student_id = $1 AND room_id = $2 AND scan_date = $3
	`, studentID, roomID, date)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("attendance for date: %w", err)
	}
	return rec, nil
}

// DailyScanCount counts a student's records for one date across all rooms.
func (r *Repository) DailyScanCount(ctx context.Context, studentID, date string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM attendance WHERE student_id = $1 AND scan_date = $2
	`, studentID, date).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("daily scan count: %w", err)
	}
	return n, nil
}

// MatchingAssignment finds the active schedule window containing timeOfDay.
// Times are zero-padded HH:MM:SS strings so text comparison orders them
// correctly; the window is half-open on the end. Earliest start wins when
// windows overlap.
func (r *Repository) MatchingAssignment(ctx context.Context, roomID string, weekday int, timeOfDay string) (*ScheduleAssignment, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT ra.id, ra.room_id, ra.subject_id, s.subject_name, ra.day_of_week, ra.start_time, ra.end_time, ra.is_active
		FROM room_assignments ra
		LEFT JOIN subjects s ON s.id = ra.subject_id
		WHERE ra.room_id = $1 AND ra.day_of_week = $2
		  AND ra.start_time <= $3 AND ra.end_time > $3
		  AND ra.is_active
		ORDER BY ra.start_time
		LIMIT 1
	`, roomID, weekday, timeOfDay)
	var a ScheduleAssignment
	if err := row.Scan(&a.ID, &a.RoomID, &a.SubjectID, &a.SubjectName, &a.DayOfWeek, &a.StartTime, &a.EndTime, &a.Active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("matching assignment: %w", err)
	}
	return &a, nil
}

// InsertAttendance writes a new record. ErrDuplicateAttendance signals the
// uniqueness constraint on (student_id, room_id, scan_date).
func (r *Repository) InsertAttendance(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Status == "" {
		rec.Status = StatusPresent
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO attendance (id, student_id, room_id, subject_id, scan_date, scan_time, status, notes, recorded_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING created_at
	`, rec.ID, rec.StudentID, rec.RoomID, rec.SubjectID, rec.ScanDate, rec.ScanTime, rec.Status, rec.Notes, rec.RecordedBy)
	if err := row.Scan(&rec.CreatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrDuplicateAttendance
		}
		return fmt.Errorf("insert attendance: %w", err)
	}
	return nil
}

// UpdateAttendanceStatus amends a record's status after the fact, for
// manual corrections (absent/excused included).
func (r *Repository) UpdateAttendanceStatus(ctx context.Context, id string, status Status, notes *string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE attendance
		SET status = $2, notes = COALESCE($3, notes)
		WHERE id = $1
	`, id, status, notes)
	if err != nil {
		return fmt.Errorf("update attendance status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// RecentAttendance lists the latest records across all rooms.
func (r *Repository) RecentAttendance(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, student_id, room_id, subject_id, scan_date, scan_time, status, notes, recorded_by, created_at
		FROM attendance
		ORDER BY scan_date DESC, scan_time DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent attendance: %w", err)
	}
	defer rows.Close()
	var res []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("recent attendance: %w", err)
		}
		res = append(res, *rec)
	}
	return res, rows.Err()
}

// SummaryForDate aggregates one day's records by status.
func (r *Repository) SummaryForDate(ctx context.Context, date string) (DailySummary, error) {
	sum := DailySummary{Date: date}
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM attendance WHERE scan_date = $1 GROUP BY status
	`, date)
	if err != nil {
		return sum, fmt.Errorf("summary for date: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return sum, fmt.Errorf("summary for date: %w", err)
		}
		sum.Total += n
		switch status {
		case StatusPresent:
			sum.Present = n
		case StatusLate:
			sum.Late = n
		case StatusAbsent:
			sum.Absent = n
		case StatusExcused:
			sum.Excused = n
		}
	}
	return sum, rows.Err()
}

// InsertNotification stores a dispatched notification.
func (r *Repository) InsertNotification(ctx context.Context, n *Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO notifications (id, user_id, title, message, type)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING created_at
	`, n.ID, n.UserID, n.Title, n.Message, n.Type)
	if err := row.Scan(&n.CreatedAt); err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// RecentNotifications lists the latest stored notifications.
func (r *Repository) RecentNotifications(ctx context.Context, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, title, message, type, is_read, created_at
		FROM notifications
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent notifications: %w", err)
	}
	defer rows.Close()
	var res []Notification
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Title, &n.Message, &n.Type, &n.Read, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("recent notifications: %w", err)
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

// SystemSetting reads one key from the settings table, falling back to def
// when the key is absent.
func (r *Repository) SystemSetting(ctx context.Context, key, def string) (string, error) {
	var val sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT setting_value FROM system_settings WHERE setting_key = $1
	`, key).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return def, nil
	}
	if err != nil {
		return def, fmt.Errorf("system setting %s: %w", key, err)
	}
	if !val.Valid {
		return def, nil
	}
	return val.String, nil
}

// UpdateSystemSetting upserts one key.
func (r *Repository) UpdateSystemSetting(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO system_settings (setting_key, setting_value)
		VALUES ($1, $2)
		ON CONFLICT (setting_key) DO UPDATE SET setting_value = EXCLUDED.setting_value, updated_at = NOW()
	`, key, value)
	if err != nil {
		return fmt.Errorf("update system setting %s: %w", key, err)
	}
	return nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var rec Record
	if err := row.Scan(&rec.ID, &rec.StudentID, &rec.RoomID, &rec.SubjectID, &rec.ScanDate, &rec.ScanTime, &rec.Status, &rec.Notes, &rec.RecordedBy, &rec.CreatedAt); err != nil {
		return nil, err
	}
	return &rec, nil
}

var _ Store = (*Repository)(nil)
