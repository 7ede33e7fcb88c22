package tenant

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/cloudillo/cloudillo/idgen"
)

// ActionPayload carries the action fields that get embedded into the signed
// token envelope (§3 Action token, §6 "Action envelope (wire)"). Field names
// match the wire claims read back by VerifyToken below.
type ActionPayload struct {
	Typ          string         `json:"t"`
	SubTyp       string         `json:"st,omitempty"`
	IssuerTag    string         `json:"iss"`
	AudienceTag  string         `json:"aud,omitempty"`
	ParentID     string         `json:"parentId,omitempty"`
	RootID       string         `json:"rootId,omitempty"`
	Subject      string         `json:"subject,omitempty"`
	Content      string         `json:"content,omitempty"`
	Attachments  []string       `json:"attachments,omitempty"`
	CreatedAt    int64          `json:"createdAt"`
	ExpiresAt    int64          `json:"expiresAt,omitempty"`
	Visibility   string         `json:"visibility"`
	Flags        string         `json:"flags,omitempty"`
	X            map[string]any `json:"x,omitempty"`
}

// SignToken builds a JWT-shaped envelope from payload and signs it with
// priv using EdDSA (Ed25519), per §6 "a JWT-shaped signed token whose
// payload enumerates all action fields".
func SignToken(keyID string, priv ed25519.PrivateKey, payload ActionPayload) ([]byte, error) {
	builder := jwt.NewBuilder().
		Claim("t", payload.Typ).
		Claim("iss", payload.IssuerTag).
		Claim("createdAt", payload.CreatedAt).
		Claim("visibility", payload.Visibility)

	if payload.SubTyp != "" {
		builder = builder.Claim("st", payload.SubTyp)
	}
	if payload.AudienceTag != "" {
		builder = builder.Claim("aud", payload.AudienceTag)
	}
	if payload.ParentID != "" {
		builder = builder.Claim("parentId", payload.ParentID)
	}
	if payload.RootID != "" {
		builder = builder.Claim("rootId", payload.RootID)
	}
	if payload.Subject != "" {
		builder = builder.Claim("subject", payload.Subject)
	}
	if payload.Content != "" {
		builder = builder.Claim("content", payload.Content)
	}
	if len(payload.Attachments) > 0 {
		builder = builder.Claim("attachments", payload.Attachments)
	}
	if payload.ExpiresAt != 0 {
		builder = builder.Claim("expiresAt", payload.ExpiresAt)
	}
	if payload.Flags != "" {
		builder = builder.Claim("flags", payload.Flags)
	}
	if len(payload.X) > 0 {
		builder = builder.Claim("x", payload.X)
	}

	tok, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("build action token: %w", err)
	}

	key, err := jwk.FromRaw(priv)
	if err != nil {
		return nil, fmt.Errorf("wrap signing key: %w", err)
	}
	if err := key.Set(jwk.KeyIDKey, keyID); err != nil {
		return nil, fmt.Errorf("set key id: %w", err)
	}

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.EdDSA, key))
	if err != nil {
		return nil, fmt.Errorf("sign action token: %w", err)
	}
	return signed, nil
}

// VerifyToken parses and verifies tokenBytes against pub, returning the
// decoded ActionPayload. Callers are expected to derive the action_id as
// ActionID(tokenBytes) themselves, since the id is a hash of the signed
// bytes, not a claim inside them.
func VerifyToken(tokenBytes []byte, pub ed25519.PublicKey) (ActionPayload, error) {
	key, err := jwk.FromRaw(pub)
	if err != nil {
		return ActionPayload{}, fmt.Errorf("wrap verify key: %w", err)
	}

	tok, err := jwt.Parse(tokenBytes, jwt.WithKey(jwa.EdDSA, key))
	if err != nil {
		return ActionPayload{}, fmt.Errorf("verify action token: %w", err)
	}

	var p ActionPayload
	get := func(name string, dst any) {
		v, ok := tok.Get(name)
		if !ok {
			return
		}
		if aud, isList := v.([]string); isList && name == "aud" && len(aud) > 0 {
			v = aud[0]
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return
		}
		_ = json.Unmarshal(raw, dst)
	}
	get("t", &p.Typ)
	get("st", &p.SubTyp)
	get("iss", &p.IssuerTag)
	get("aud", &p.AudienceTag)
	get("parentId", &p.ParentID)
	get("rootId", &p.RootID)
	get("subject", &p.Subject)
	get("content", &p.Content)
	get("attachments", &p.Attachments)
	get("createdAt", &p.CreatedAt)
	get("expiresAt", &p.ExpiresAt)
	get("visibility", &p.Visibility)
	get("flags", &p.Flags)
	get("x", &p.X)
	return p, nil
}

// ActionID computes the content-addressed action_id from signed token
// bytes: hash("a", token) (§3, §8 invariant 1).
func ActionID(tokenBytes []byte) string {
	return idgen.ContentID("a", tokenBytes)
}
