// Package idgen generates the two id shapes used throughout Cloudillo:
// content-addressed ids (a salted hash of some bytes, prefixed by domain) and
// random ids (URL-safe, used for refs, surrogate task ids, connection ids).
package idgen

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/base64"
	"strings"
)

// contentIDLength is the textual length of a content-addressed id, prefix
// included, matching the 24-character action_id shape from §4.1.
const contentIDLength = 24

// encoding is a lowercase, unpadded base32 alphabet, chosen to keep ids
// case-insensitive-safe in URLs and logs while staying denser than hex.
var encoding = base32.NewEncoding("0123456789abcdefghjkmnpqrstvwxyz").WithPadding(base32.NoPadding)

// salt is mixed into every content hash so that ids are not predictable from
// the hashed bytes alone by an outside party that doesn't know the salt.
// A deployment-wide salt (not a per-call secret) is enough: the guarantee
// needed is collision-resistance and unguessability of the *id*, not of the
// underlying bytes, which are public once the token is published anyway.
var salt = []byte("cloudillo-id-v1")

// ContentID derives a stable, content-addressed id from prefix and data, e.g.
// ContentID("a", tokenBytes) for an action_id or ContentID("b", blobBytes)
// for a file variant_id. The result is deterministic: the same (prefix,
// data) pair always yields the same id.
func ContentID(prefix string, data []byte) string {
	h := sha256.New()
	h.Write(salt)
	h.Write([]byte(prefix))
	h.Write(data)
	sum := h.Sum(nil)

	encoded := encoding.EncodeToString(sum)
	body := contentIDLength - len(prefix)
	if body > len(encoded) {
		body = len(encoded)
	}
	return prefix + encoded[:body]
}

// Random returns a URL-safe random id of at least 22 characters, used for
// refs, tenant-local surrogate handles and anything that does not need to be
// derivable from its content.
func Random() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the OS entropy source is broken; there is
		// no sane fallback that preserves the uniqueness guarantee callers
		// depend on.
		panic("idgen: crypto/rand unavailable: " + err.Error())
	}
	return strings.TrimRight(base64.URLEncoding.EncodeToString(buf), "=")
}

// RandomN returns a URL-safe random id encoding n random bytes.
func RandomN(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic("idgen: crypto/rand unavailable: " + err.Error())
	}
	return strings.TrimRight(base64.URLEncoding.EncodeToString(buf), "=")
}
