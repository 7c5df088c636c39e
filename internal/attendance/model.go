package attendance

import "time"

// Status is the categorical outcome of a recorded scan.
type Status string

const (
	StatusPresent Status = "present"
	StatusLate    Status = "late"
	StatusAbsent  Status = "absent"
	StatusExcused Status = "excused"
)

// ErrorType classifies a failed scan. Values are stable wire strings.
type ErrorType string

const (
	ErrNone              ErrorType = ""
	ErrFormat            ErrorType = "format_error"
	ErrMissingField      ErrorType = "missing_field"
	ErrSecurity          ErrorType = "security_error"
	ErrTokenType         ErrorType = "type_error"
	ErrExpired           ErrorType = "expired"
	ErrStudentNotFound   ErrorType = "student_not_found"
	ErrInactiveStudent   ErrorType = "inactive_student"
	ErrRoomNotFound      ErrorType = "room_not_found"
	ErrInactiveRoom      ErrorType = "inactive_room"
	ErrDuplicateScan     ErrorType = "duplicate_scan"
	ErrScanLimitExceeded ErrorType = "scan_limit_exceeded"
	ErrDatabase          ErrorType = "database_error"
	ErrSystem            ErrorType = "system_error"
)

// Student is a registered student. ExternalID is the school-issued id
// printed on the card; ID is the internal record id.
type Student struct {
	ID         string    `json:"id"`
	ExternalID string    `json:"student_id"`
	FirstName  string    `json:"first_name"`
	LastName   string    `json:"last_name"`
	Department string    `json:"department"`
	YearLevel  int       `json:"year_level"`
	Section    string    `json:"section"`
	Email      *string   `json:"email,omitempty"`
	Active     bool      `json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
}

// FullName returns the display name used in messages and notifications.
func (s Student) FullName() string {
	return s.FirstName + " " + s.LastName
}

// Room is a scannable location.
type Room struct {
	ID        string    `json:"id"`
	Code      string    `json:"room_code"`
	Name      string    `json:"room_name"`
	Building  *string   `json:"building,omitempty"`
	Active    bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// ScheduleAssignment is a recurring weekly window during which a room hosts
// a class. DayOfWeek is 0=Monday..6=Sunday; times are "HH:MM:SS" strings and
// the window is half-open: [StartTime, EndTime).
type ScheduleAssignment struct {
	ID          string  `json:"id"`
	RoomID      string  `json:"room_id"`
	SubjectID   *string `json:"subject_id,omitempty"`
	SubjectName *string `json:"subject_name,omitempty"`
	DayOfWeek   int     `json:"day_of_week"`
	StartTime   string  `json:"start_time"`
	EndTime     string  `json:"end_time"`
	Active      bool    `json:"is_active"`
}

// Record is one persisted attendance event. At most one record exists per
// (student, room, scan date); the database constraint enforces it.
type Record struct {
	ID         string    `json:"id"`
	StudentID  string    `json:"student_id"`
	RoomID     string    `json:"room_id"`
	SubjectID  *string   `json:"subject_id,omitempty"`
	ScanDate   string    `json:"scan_date"` // YYYY-MM-DD
	ScanTime   string    `json:"scan_time"` // HH:MM:SS
	Status     Status    `json:"status"`
	Notes      *string   `json:"notes,omitempty"`
	RecordedBy *string   `json:"recorded_by,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// ScanResult is the transient outcome of one scan attempt. It is never
// persisted; the web layer renders it and the success case feeds the
// notification event.
type ScanResult struct {
	Success   bool      `json:"success"`
	Message   string    `json:"message"`
	ErrorType ErrorType `json:"error_type,omitempty"`
	Student   *Student  `json:"student,omitempty"`
	Room      *Room     `json:"room,omitempty"`
	Record    *Record   `json:"attendance,omitempty"`
	// Existing carries the prior record on a duplicate scan so the caller
	// can show when attendance was originally taken.
	Existing  *Record   `json:"existing_record,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Event is the structured notification payload emitted for every successful
// scan. The dispatch side decides transport.
type Event struct {
	StudentName string `json:"student_name"`
	StudentID   string `json:"student_id"`
	Department  string `json:"department"`
	YearSection string `json:"year_section"`
	RoomName    string `json:"room_name"`
	Timestamp   string `json:"timestamp"`
	Status      Status `json:"status"`
}

// Notification is a stored fan-out message produced by the dispatcher.
type Notification struct {
	ID        string    `json:"id"`
	UserID    *string   `json:"user_id,omitempty"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Type      string    `json:"type"`
	Read      bool      `json:"is_read"`
	CreatedAt time.Time `json:"created_at"`
}

// User is a staff account allowed to operate scanners and dashboards.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	FullName     string    `json:"full_name"`
	Role         string    `json:"role"`
	Active       bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
}

// DailySummary aggregates one day of records for the dashboard.
type DailySummary struct {
	Date    string `json:"date"`
	Total   int    `json:"total"`
	Present int    `json:"present"`
	Late    int    `json:"late"`
	Absent  int    `json:"absent"`
	Excused int    `json:"excused"`
}
