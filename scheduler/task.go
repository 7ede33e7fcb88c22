// Package scheduler implements Cloudillo's durable, dependency-aware,
// retry-capable, cron-capable task queue (§4.4, C4): the spine that drives
// action finalization, delivery, file variant generation and background
// maintenance.
package scheduler

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/cloudillo/cloudillo/clock"
)

// Status is a task's lifecycle state (§3 Task K).
type Status int

const (
	StatusPending Status = iota
	StatusFinished
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusFinished:
		return "Finished"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

// RetryPolicy computes exponential backoff with a cap, per §4.4's retry
// semantics and §9's S4 scenario (wait_min_max=(10,43200), times=50).
type RetryPolicy struct {
	WaitMin int // seconds
	WaitMax int // seconds
	Times   int
}

// Backoff returns the delay in seconds before retry attempt (0-indexed).
func (p RetryPolicy) Backoff(attempt int) int {
	d := p.WaitMin
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.WaitMax {
			return p.WaitMax
		}
	}
	if d > p.WaitMax {
		d = p.WaitMax
	}
	return d
}

// Task is a persisted scheduler unit (§3 Task K).
type Task struct {
	TaskID    string `gorm:"primaryKey;size:32"`
	Kind      string `gorm:"size:64;not null;index"`
	Key       string `gorm:"size:255;index"` // uniqueness scope for Pending instances of Kind
	Input     json.RawMessage
	Status    Status
	NextAt    *clock.Timestamp
	Deps      StringSlice `gorm:"type:text"` // unsatisfied dependency task ids, persisted as JSON
	RetryMin  int
	RetryMax  int
	RetryN    int // times
	RetryCnt  int // attempts so far
	Cron      string
	Output    string
	LastError string
	CreatedAt clock.Timestamp
}

// StringSlice is a []string that (de)serializes as a JSON array for storage
// in a single text column, matching how the teacher stores small ad-hoc
// structures alongside a gorm.Model without a join table.
type StringSlice []string

func (StringSlice) GormDataType() string { return "text" }

// Value implements driver.Valuer so gorm stores the slice as a JSON array.
func (s StringSlice) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	b, err := json.Marshal(s)
	return string(b), err
}

// Scan implements sql.Scanner.
func (s *StringSlice) Scan(src any) error {
	if src == nil {
		*s = nil
		return nil
	}
	var b []byte
	switch v := src.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("scheduler: cannot scan %T into StringSlice", src)
	}
	if len(b) == 0 {
		*s = nil
		return nil
	}
	return json.Unmarshal(b, s)
}

// HasPolicy reports whether a retry policy was attached at schedule time.
func (t *Task) HasPolicy() bool { return t.RetryN > 0 }

// Policy reconstructs the RetryPolicy from the persisted columns.
func (t *Task) Policy() RetryPolicy {
	return RetryPolicy{WaitMin: t.RetryMin, WaitMax: t.RetryMax, Times: t.RetryN}
}
