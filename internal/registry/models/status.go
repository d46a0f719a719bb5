package models

import (
	"database/sql/driver"
	"fmt"
)

// Status is the processing lifecycle state of a document.
type Status string

const (
	StatusRegistered Status = "registered"
	StatusProcessing Status = "processing"
	StatusIndexed    Status = "indexed"
	StatusFailed     Status = "failed"
)

// Statuses lists every lifecycle state in pipeline order.
var Statuses = []Status{StatusRegistered, StatusProcessing, StatusIndexed, StatusFailed}

// ParseStatus converts external input into a Status.
func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if !s.IsValid() {
		return "", fmt.Errorf("unknown status %q", v)
	}
	return s, nil
}

// IsValid reports whether s is one of the declared states.
func (s Status) IsValid() bool {
	switch s {
	case StatusRegistered, StatusProcessing, StatusIndexed, StatusFailed:
		return true
	}
	return false
}

// CanTransitionTo reports whether the lifecycle allows moving from s to next:
//
//	registered -> processing
//	processing -> indexed | failed
//	failed     -> processing
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusRegistered:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusIndexed || next == StatusFailed
	case StatusFailed:
		return next == StatusProcessing
	case StatusIndexed:
		return false
	default:
		return false
	}
}

func (s Status) String() string {
	return string(s)
}

// Value implements driver.Valuer.
func (s Status) Value() (driver.Value, error) {
	if !s.IsValid() {
		return nil, fmt.Errorf("invalid status %q", string(s))
	}
	return string(s), nil
}

// Scan implements sql.Scanner.
func (s *Status) Scan(src any) error {
	var raw string
	switch v := src.(type) {
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return fmt.Errorf("scan status: unsupported type %T", src)
	}
	parsed, err := ParseStatus(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
