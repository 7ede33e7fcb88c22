package federation

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLeadingZeroBits(t *testing.T) {
	require.Equal(t, 0, leadingZeroBits([]byte{0xff}))
	require.Equal(t, 8, leadingZeroBits([]byte{0x00, 0xff}))
	require.Equal(t, 4, leadingZeroBits([]byte{0x0f}))
	require.Equal(t, 24, leadingZeroBits([]byte{0x00, 0x00, 0x00}))
	require.Equal(t, 1, leadingZeroBits([]byte{0x7f}))
}

func TestVerifyPoWRejectsEmptyNonce(t *testing.T) {
	require.False(t, VerifyPoW("1.2.3.4", "", []byte("token")))
}

func TestVerifyPoWAcceptsMinedNonce(t *testing.T) {
	clientIP := "198.51.100.7"
	token := []byte("some-action-token-bytes")

	var nonce string
	for i := 0; ; i++ {
		candidate := strconv.Itoa(i)
		if VerifyPoW(clientIP, candidate, token) {
			nonce = candidate
			break
		}
		if i > 20_000_000 {
			t.Fatal("failed to mine a valid nonce within a reasonable number of attempts")
		}
	}
	require.True(t, VerifyPoW(clientIP, nonce, token))
	require.False(t, VerifyPoW("203.0.113.9", nonce, token), "nonce is bound to the client IP it was mined for")
}
