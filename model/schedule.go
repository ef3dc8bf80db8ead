package model

import (
	"fmt"
	"time"
	_ "time/tzdata"
)

// Schedule entry status constants.
const (
	ScheduleStatusPending   = "pending"
	ScheduleStatusPublished = "published"
	ScheduleStatusFailed    = "failed"
	ScheduleStatusCancelled = "cancelled"
)

// Wire formats for the calendar pickers.
const (
	ScheduleDateLayout = "2006-01-02"
	ScheduleTimeLayout = "15:04"
)

// ScheduleEntry is a calendar slot for publishing a piece of content.
type ScheduleEntry struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	ContentID string    `json:"content_id"`
	Date      string    `json:"date"`
	Time      string    `json:"time"`
	Timezone  string    `json:"timezone"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// At resolves the date, time and timezone to a UTC instant.
func (e *ScheduleEntry) At() (time.Time, error) {
	tz := e.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Time{}, fmt.Errorf("load timezone %q: %w", tz, err)
	}
	t, err := time.ParseInLocation(ScheduleDateLayout+" "+ScheduleTimeLayout, e.Date+" "+e.Time, loc)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// Validate checks formats and the timezone.
func (e *ScheduleEntry) Validate() error {
	var details []FieldError
	if e.ContentID == "" {
		details = append(details, FieldError{Field: "content_id", Code: "REQUIRED", Message: "content_id is required"})
	}
	if _, err := time.Parse(ScheduleDateLayout, e.Date); err != nil {
		details = append(details, FieldError{Field: "date", Code: "INVALID", Message: "date must be YYYY-MM-DD"})
	}
	if _, err := time.Parse(ScheduleTimeLayout, e.Time); err != nil {
		details = append(details, FieldError{Field: "time", Code: "INVALID", Message: "time must be HH:MM"})
	}
	if e.Timezone != "" {
		if _, err := time.LoadLocation(e.Timezone); err != nil {
			details = append(details, FieldError{Field: "timezone", Code: "INVALID", Message: "unknown timezone"})
		}
	}
	if len(details) > 0 {
		return NewValidationError(details)
	}
	return nil
}
