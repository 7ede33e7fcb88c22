package tenant

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	payload := ActionPayload{
		Typ:        "POST",
		IssuerTag:  "alice.example.net",
		Content:    `{"text":"hi"}`,
		CreatedAt:  1700000000,
		Visibility: "F",
	}

	signed, err := SignToken("k1", priv, payload)
	require.NoError(t, err)

	got, err := VerifyToken(signed, pub)
	require.NoError(t, err)
	require.Equal(t, payload.Typ, got.Typ)
	require.Equal(t, payload.IssuerTag, got.IssuerTag)
	require.Equal(t, payload.Content, got.Content)
	require.Equal(t, payload.CreatedAt, got.CreatedAt)
	require.Equal(t, payload.Visibility, got.Visibility)
}

func TestActionIDDeterministic(t *testing.T) {
	a := ActionID([]byte("token-bytes"))
	b := ActionID([]byte("token-bytes"))
	require.Equal(t, a, b)
	require.NotEqual(t, a, ActionID([]byte("other-bytes")))
	require.Equal(t, byte('a'), a[0])
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	signed, err := SignToken("k1", priv, ActionPayload{Typ: "POST", IssuerTag: "a", CreatedAt: 1, Visibility: "F"})
	require.NoError(t, err)

	_, err = VerifyToken(signed, otherPub)
	require.Error(t, err)
}
