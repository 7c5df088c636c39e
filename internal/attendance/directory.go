package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// Directory operations cover the administrative reference data the scan
// pipeline reads: students, rooms, schedule assignments and staff users.

// CreateStudent inserts a new student. ExternalID must be unique.
func (r *Repository) CreateStudent(ctx context.Context, s *Student) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO students (id, student_id, first_name, last_name, department, year_level, section, email, is_active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING created_at
	`, s.ID, s.ExternalID, s.FirstName, s.LastName, s.Department, s.YearLevel, s.Section, s.Email, s.Active)
	if err := row.Scan(&s.CreatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("student %s already exists", s.ExternalID)
		}
		return fmt.Errorf("create student: %w", err)
	}
	return nil
}

// ListStudents returns students, optionally including inactive ones.
func (r *Repository) ListStudents(ctx context.Context, includeInactive bool) ([]Student, error) {
	query := `
		SELECT id, student_id, first_name, last_name, department, year_level, section, email, is_active, created_at
		FROM students`
	if !includeInactive {
		query += ` WHERE is_active`
	}
	query += ` ORDER BY student_id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list students: %w", err)
	}
	defer rows.Close()
	var res []Student
	for rows.Next() {
		var s Student
		if err := rows.Scan(&s.ID, &s.ExternalID, &s.FirstName, &s.LastName, &s.Department, &s.YearLevel, &s.Section, &s.Email, &s.Active, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("list students: %w", err)
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// SetStudentActive flips a student's active flag.
func (r *Repository) SetStudentActive(ctx context.Context, externalID string, active bool) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE students SET is_active = $2, updated_at = NOW() WHERE student_id = $1
	`, externalID, active)
	if err != nil {
		return fmt.Errorf("set student active: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// CreateRoom inserts a new room. Code must be unique.
func (r *Repository) CreateRoom(ctx context.Context, rm *Room) error {
	if rm.ID == "" {
		rm.ID = uuid.NewString()
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO rooms (id, room_code, room_name, building, is_active)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING created_at
	`, rm.ID, rm.Code, rm.Name, rm.Building, rm.Active)
	if err := row.Scan(&rm.CreatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("room %s already exists", rm.Code)
		}
		return fmt.Errorf("create room: %w", err)
	}
	return nil
}

// ListRooms returns rooms, optionally including inactive ones.
func (r *Repository) ListRooms(ctx context.Context, includeInactive bool) ([]Room, error) {
	query := `
		SELECT id, room_code, room_name, building, is_active, created_at
		FROM rooms`
	if !includeInactive {
		query += ` WHERE is_active`
	}
	query += ` ORDER BY room_code`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()
	var res []Room
	for rows.Next() {
		var rm Room
		if err := rows.Scan(&rm.ID, &rm.Code, &rm.Name, &rm.Building, &rm.Active, &rm.CreatedAt); err != nil {
			return nil, fmt.Errorf("list rooms: %w", err)
		}
		res = append(res, rm)
	}
	return res, rows.Err()
}

// CreateAssignment adds a weekly schedule window to a room.
func (r *Repository) CreateAssignment(ctx context.Context, a *ScheduleAssignment) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO room_assignments (id, room_id, subject_id, day_of_week, start_time, end_time, is_active)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, a.ID, a.RoomID, a.SubjectID, a.DayOfWeek, a.StartTime, a.EndTime, a.Active)
	if err != nil {
		return fmt.Errorf("create assignment: %w", err)
	}
	return nil
}

// RoomSchedule lists a room's active assignments ordered by day and start.
func (r *Repository) RoomSchedule(ctx context.Context, roomID string) ([]ScheduleAssignment, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT ra.id, ra.room_id, ra.subject_id, s.subject_name, ra.day_of_week, ra.start_time, ra.end_time, ra.is_active
		FROM room_assignments ra
		LEFT JOIN subjects s ON s.id = ra.subject_id
		WHERE ra.room_id = $1 AND ra.is_active
		ORDER BY ra.day_of_week, ra.start_time
	`, roomID)
	if err != nil {
		return nil, fmt.Errorf("room schedule: %w", err)
	}
	defer rows.Close()
	var res []ScheduleAssignment
	for rows.Next() {
		var a ScheduleAssignment
		if err := rows.Scan(&a.ID, &a.RoomID, &a.SubjectID, &a.SubjectName, &a.DayOfWeek, &a.StartTime, &a.EndTime, &a.Active); err != nil {
			return nil, fmt.Errorf("room schedule: %w", err)
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// UserByUsername returns a staff account, or nil when unknown.
func (r *Repository) UserByUsername(ctx context.Context, username string) (*User, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, full_name, user_type, is_active, created_at
		FROM users
		WHERE username = $1
	`, username)
	var u User
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.FullName, &u.Role, &u.Active, &u.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("user by username: %w", err)
	}
	return &u, nil
}
