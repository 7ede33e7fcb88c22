package tenant

import "context"

// Store is the persistence contract for C2 (§4.2). Implementations must
// make create_action_token fail with errs.DbError when no signing key
// exists yet, so callers can auto-create one and retry once per the
// contract note in §4.2.
type Store interface {
	CreateTenant(ctx context.Context, idTag string) (tnID int64, err error)
	ReadIDTag(ctx context.Context, tnID int64) (string, error)
	FindByIDTag(ctx context.Context, idTag string) (tnID int64, found bool, err error)

	// CreateActionToken signs payload with tnID's current key and returns
	// the compact token bytes. Returns errs.DbError if tnID has no signing
	// key yet.
	CreateActionToken(ctx context.Context, tnID int64, payload ActionPayload) ([]byte, error)
	// EnsureSigningKey creates a fresh Ed25519 key for tnID if one doesn't
	// already exist; idempotent.
	EnsureSigningKey(ctx context.Context, tnID int64) error
	// PublicKey returns the current public key for tnID, used to publish
	// the well-known key endpoint (§6).
	PublicKey(ctx context.Context, tnID int64) (keyID string, pub []byte, err error)

	GetSetting(ctx context.Context, tnID int64, key string) (Value, bool, error)
	SetSetting(ctx context.Context, tnID int64, key string, v Value) error
}
