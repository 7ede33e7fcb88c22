// Package tenant implements the per-tenant identity store (§4.2, C2): tenant
// records, signing key material, settings and the action-token envelope.
package tenant

import (
	"time"

	"github.com/cloudillo/cloudillo/clock"
)

// Tenant is a self-hosted identity (§3 T): owns signing keys, settings, the
// connection graph and everything else scoped to tn_id.
type Tenant struct {
	TnID      int64  `gorm:"primaryKey;autoIncrement"`
	IDTag     string `gorm:"uniqueIndex;size:255;not null"`
	CreatedAt time.Time
}

// SigningKey is the Ed25519 keypair a tenant uses to sign its action tokens.
// Peers verify against the public half, fetched from the issuer's
// well-known key endpoint (§6) and cached by federation.KeyCache.
type SigningKey struct {
	TnID       int64  `gorm:"primaryKey"`
	KeyID      string `gorm:"size:64;not null"`
	PrivateKey []byte `gorm:"not null"` // PKCS8 DER
	PublicKey  []byte `gorm:"not null"` // raw 32-byte Ed25519 public key
	CreatedAt  time.Time
}

// Setting is a single (tn_id, key) -> scalar row (§4.13). Exactly one of the
// three value columns is meaningful, selected by Kind.
type Setting struct {
	TnID  int64  `gorm:"primaryKey"`
	Key   string `gorm:"primaryKey;size:128"`
	Kind  ValueKind
	SVal  string
	IVal  int64
	BVal  bool
}

// ValueKind discriminates the scalar type stored in a Setting row.
type ValueKind int

const (
	KindString ValueKind = iota
	KindInt
	KindBool
)

// Value is the typed scalar read back from a Setting.
type Value struct {
	Kind ValueKind
	S    string
	I    int64
	B    bool
}

// String returns the string value, or "" if Kind is not KindString.
func (v Value) String() string { return v.S }

// Int returns the int value, or 0 if Kind is not KindInt.
func (v Value) Int() int64 { return v.I }

// Bool returns the bool value, or false if Kind is not KindBool.
func (v Value) Bool() bool { return v.B }

// clockSeam lets tests inject a fixed clock; defaults to the system clock.
var clockSeam clock.Clock = clock.System{}

// SetClock overrides the package clock seam, for deterministic tests.
func SetClock(c clock.Clock) { clockSeam = c }
