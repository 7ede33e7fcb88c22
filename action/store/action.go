// Package store implements Cloudillo's Action Store (§4.5, C5): the
// durable record of every action and its signed token, with key-based
// supersede-to-Deleted semantics and denormalized counters.
package store

import (
	"encoding/json"

	"github.com/cloudillo/cloudillo/clock"
)

// Status is an action's lifecycle state (§3 Action A, §4.7).
type Status int

const (
	StatusPending Status = iota
	StatusNotification
	StatusActive
	StatusConfirmation
	StatusDeleted
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusNotification:
		return "Notification"
	case StatusActive:
		return "Active"
	case StatusConfirmation:
		return "Confirmation"
	case StatusDeleted:
		return "Deleted"
	default:
		return "Unknown"
	}
}

// Visibility mirrors abac.Visibility's wire vocabulary; kept as a plain
// string column here so the store package has no dependency on abac,
// matching the teacher's convention of keeping persistence models
// dependency-light and letting higher layers interpret the values.
type Visibility string

const (
	VisPublic       Visibility = "P"
	VisVerified     Visibility = "V"
	VisSecondDegree Visibility = "2"
	VisFollower     Visibility = "F"
	VisConnected    Visibility = "C"
	VisDirect       Visibility = "Direct"
)

// TokenStatus is the lifecycle of a stored action token (§3 "Action
// token").
type TokenStatus int

const (
	TokenLocal TokenStatus = iota
	TokenReceived
	TokenPending
	TokenDeleted
	TokenWaitingAPRV
)

func (s TokenStatus) String() string {
	switch s {
	case TokenLocal:
		return "Local"
	case TokenReceived:
		return "Received"
	case TokenPending:
		return "Pending"
	case TokenDeleted:
		return "Deleted"
	case TokenWaitingAPRV:
		return "Waiting-for-APRV"
	default:
		return "Unknown"
	}
}

// Action is a persisted row (§3 Action A).
type Action struct {
	TnID int64 `gorm:"primaryKey;column:tn_id"`
	AID  int64 `gorm:"primaryKey;autoIncrement;column:a_id"`

	ActionID string `gorm:"column:action_id;size:24;index"` // content-addressed, empty until finalized

	Typ    string `gorm:"size:16;not null;index"`
	SubTyp string `gorm:"size:16"`

	IssuerTag   string `gorm:"size:255;not null;index"`
	AudienceTag string `gorm:"size:255;index"`

	ParentID *int64 `gorm:"index"`
	RootID   *int64 `gorm:"index"`
	Subject  *int64 `gorm:"index"`

	Content     json.RawMessage
	Attachments StringSlice `gorm:"type:text"` // ordered file_ids

	CreatedAt clock.Timestamp
	ExpiresAt *clock.Timestamp

	Visibility Visibility `gorm:"size:8"`
	Flags      string     `gorm:"size:16"` // capability flags, e.g. "RCO"
	X          json.RawMessage

	Status Status `gorm:"index"`

	Key string `gorm:"size:255;index"` // dedup key, derived from key_pattern

	Reactions    int
	Comments     int
	CommentsRead int
}

// TableName pins the gorm table name (tn_id/a_id form a composite key, so
// gorm's pluralized-struct-name default is kept but made explicit for
// clarity alongside the other store tables).
func (Action) TableName() string { return "actions" }

// ActionToken is the signed envelope storage (§3 "Action token"), kept in
// its own table since most list/read paths never need the raw bytes.
type ActionToken struct {
	TnID     int64  `gorm:"primaryKey;column:tn_id"`
	ActionID string `gorm:"primaryKey;column:action_id;size:24"`
	Token    []byte `gorm:"not null"`
	AckToken []byte
	Status   TokenStatus
}

func (ActionToken) TableName() string { return "action_tokens" }
