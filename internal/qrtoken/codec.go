package qrtoken

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Error classifications returned in ValidationResult.ErrorType. The string
// values match what deployed QR scanners already expect.
const (
	ErrFormat       = "format_error"
	ErrMissingField = "missing_field"
	ErrSecurity     = "security_error"
	ErrType         = "type_error"
	ErrExpired      = "expired"
	ErrSystem       = "system_error"
)

// Payload field names. Existing printed QR codes use these keys, so they
// cannot change without reissuing every student card.
const (
	fieldStudentID   = "student_id"
	fieldGeneratedAt = "generated_at"
	fieldToken       = "token"
	fieldType        = "type"
	fieldChecksum    = "checksum"

	// TypeStudentAttendance is the discriminator marking a payload as an
	// attendance token.
	TypeStudentAttendance = "student_attendance"
)

// timeLayout is ISO-8601 at second precision, no zone.
const timeLayout = "2006-01-02T15:04:05"

// DefaultTokenLength is the number of random bytes in the nonce before
// URL-safe encoding.
const DefaultTokenLength = 32

// DefaultExpiryDays is how long a token stays valid after generation.
const DefaultExpiryDays = 365

// Codec encodes and validates the JSON payload embedded in student QR codes.
// When a secret is provisioned the checksum is an HMAC-SHA256 truncation and
// protects against tampering; with an empty secret it degrades to a plain
// SHA-256 truncation that only guards against accidental corruption.
type Codec struct {
	secret      []byte
	expiry      time.Duration
	tokenLength int
	now         func() time.Time
}

// New builds a codec. Zero or negative expiryDays/tokenLength fall back to
// the defaults.
func New(secret string, expiryDays, tokenLength int) *Codec {
	if expiryDays <= 0 {
		expiryDays = DefaultExpiryDays
	}
	if tokenLength <= 0 {
		tokenLength = DefaultTokenLength
	}
	return &Codec{
		secret:      []byte(secret),
		expiry:      time.Duration(expiryDays) * 24 * time.Hour,
		tokenLength: tokenLength,
		now:         time.Now,
	}
}

// ValidationResult is the outcome of decoding one token.
type ValidationResult struct {
	Valid       bool
	Error       string
	ErrorType   string
	Data        map[string]any
	StudentID   string
	GeneratedAt time.Time
}

func invalid(errType, msg string) ValidationResult {
	return ValidationResult{Valid: false, Error: msg, ErrorType: errType}
}

// Encode builds a signed attendance payload for the given student external
// id. Extra fields (name, department, year, section) are embedded verbatim.
func (c *Codec) Encode(studentExternalID string, extra map[string]string) (string, error) {
	if studentExternalID == "" {
		return "", fmt.Errorf("student id required")
	}

	nonce := make([]byte, c.tokenLength)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate token nonce: %w", err)
	}

	payload := map[string]string{
		fieldStudentID:   studentExternalID,
		fieldGeneratedAt: c.now().Format(timeLayout),
		fieldToken:       base64.RawURLEncoding.EncodeToString(nonce),
		fieldType:        TypeStudentAttendance,
	}
	for k, v := range extra {
		payload[k] = v
	}

	sum, err := c.checksum(payload)
	if err != nil {
		return "", err
	}
	payload[fieldChecksum] = sum

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("serialize payload: %w", err)
	}
	return string(data), nil
}

// Validate decodes and verifies a raw token string. It never returns an
// error; every failure mode maps to a classified ValidationResult.
func (c *Codec) Validate(raw string) ValidationResult {
	var decoded map[string]any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return invalid(ErrFormat, "invalid QR code format")
	}

	for _, field := range []string{fieldStudentID, fieldGeneratedAt, fieldToken, fieldType} {
		if _, ok := decoded[field]; !ok {
			return invalid(ErrMissingField, "missing required field: "+field)
		}
	}

	// A checksum is verified when present; legacy tokens without one are
	// still accepted.
	if cs, ok := decoded[fieldChecksum]; ok {
		expected, err := c.checksumAny(decoded)
		if err != nil {
			return invalid(ErrSystem, "validation failed")
		}
		got, _ := cs.(string)
		if !hmac.Equal([]byte(got), []byte(expected)) {
			return invalid(ErrSecurity, "invalid checksum")
		}
	}

	if t, _ := decoded[fieldType].(string); t != TypeStudentAttendance {
		return invalid(ErrType, "invalid QR code type")
	}

	studentID, ok := decoded[fieldStudentID].(string)
	if !ok || studentID == "" {
		return invalid(ErrFormat, "invalid student id")
	}

	rawTS, _ := decoded[fieldGeneratedAt].(string)
	generatedAt, err := parseTimestamp(rawTS)
	if err != nil {
		return invalid(ErrFormat, "invalid timestamp format")
	}
	if c.now().Sub(generatedAt) > c.expiry {
		return invalid(ErrExpired, "QR code has expired")
	}

	return ValidationResult{
		Valid:       true,
		Data:        decoded,
		StudentID:   studentID,
		GeneratedAt: generatedAt,
	}
}

// checksum computes the truncated digest over the canonical serialization of
// payload. json.Marshal emits map keys in sorted order, which makes the
// serialization deterministic.
func (c *Codec) checksum(payload map[string]string) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("serialize payload for checksum: %w", err)
	}
	return c.digest(data), nil
}

// checksumAny recomputes the digest for a decoded payload, excluding the
// checksum field itself.
func (c *Codec) checksumAny(decoded map[string]any) (string, error) {
	stripped := make(map[string]any, len(decoded))
	for k, v := range decoded {
		if k == fieldChecksum {
			continue
		}
		stripped[k] = v
	}
	data, err := json.Marshal(stripped)
	if err != nil {
		return "", fmt.Errorf("serialize payload for checksum: %w", err)
	}
	return c.digest(data), nil
}

func (c *Codec) digest(data []byte) string {
	var sum [sha256.Size]byte
	if len(c.secret) > 0 {
		mac := hmac.New(sha256.New, c.secret)
		mac.Write(data)
		mac.Sum(sum[:0])
	} else {
		sum = sha256.Sum256(data)
	}
	return hex.EncodeToString(sum[:])[:16]
}

func parseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.ParseInLocation(timeLayout, s, time.Local)
}
