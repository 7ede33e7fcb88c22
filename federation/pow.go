package federation

import "crypto/sha256"

// powDifficulty is the number of required leading zero bits in
// sha256(client_ip || nonce || token), the cost parameter for the
// CONN-prefixed proof-of-work gate (§4.9).
const powDifficulty = 20

// VerifyPoW checks that nonce binds clientIP and token under the
// difficulty target. A missing or malformed nonce always fails.
func VerifyPoW(clientIP, nonce string, token []byte) bool {
	if nonce == "" {
		return false
	}
	h := sha256.New()
	h.Write([]byte(clientIP))
	h.Write([]byte(nonce))
	h.Write(token)
	sum := h.Sum(nil)
	return leadingZeroBits(sum) >= powDifficulty
}

func leadingZeroBits(b []byte) int {
	n := 0
	for _, by := range b {
		if by == 0 {
			n += 8
			continue
		}
		for mask := byte(0x80); mask > 0; mask >>= 1 {
			if by&mask != 0 {
				return n
			}
			n++
		}
	}
	return n
}
