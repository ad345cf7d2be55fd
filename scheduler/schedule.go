package scheduler

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when no entry exists for a key.
	ErrNotFound = errors.New("scheduler: entry not found")
	// ErrInvalidCadence rejects days of month outside 1..28.
	ErrInvalidCadence = errors.New("scheduler: day of month must be within 1..28")
	// ErrInvalidKey rejects empty keys.
	ErrInvalidKey = errors.New("scheduler: invalid key")
)

// Key identifies one recurring entry. Registering the same key twice
// replaces rather than duplicates.
type Key string

// KeyFor derives the key for a kind of job bound to one record.
func KeyFor(kind, id string) Key {
	return Key(kind + ":" + id)
}

// Kind returns the kind prefix of the key.
func (k Key) Kind() string {
	kind, _, _ := strings.Cut(string(k), ":")
	return kind
}

// Cadence fires once a month at midnight UTC on DayOfMonth.
type Cadence struct {
	DayOfMonth int
}

// Validate rejects days that do not exist in every month.
func (c Cadence) Validate() error {
	if c.DayOfMonth < 1 || c.DayOfMonth > 28 {
		return fmt.Errorf("%w: got %d", ErrInvalidCadence, c.DayOfMonth)
	}
	return nil
}

// Next returns the first run strictly after the given instant.
func (c Cadence) Next(after time.Time) time.Time {
	after = after.UTC()
	candidate := time.Date(after.Year(), after.Month(), c.DayOfMonth, 0, 0, 0, 0, time.UTC)
	if !candidate.After(after) {
		candidate = candidate.AddDate(0, 1, 0)
	}
	return candidate
}

// Entry is one registered recurring job.
type Entry struct {
	Key       Key
	Kind      string
	Cadence   Cadence
	Payload   json.RawMessage
	NextRunAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}
