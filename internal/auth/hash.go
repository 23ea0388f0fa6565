package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	hashIterations = 210_000
	hashKeyLen     = 32
)

// NormalizeEmail canonicalizes an email address for use as a lookup and
// salt-derivation key: surrounding whitespace is stripped and the address
// is lower-cased.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// HashPassword derives a hex-encoded PBKDF2-SHA256 digest of password.
// The salt is derived deterministically from the normalized email so the
// digest can be recomputed at verification time without storing either
// the salt or the plaintext.
func HashPassword(email, password string) string {
	salt := sha256.Sum256([]byte("labsync-credential:" + NormalizeEmail(email)))
	key := pbkdf2.Key([]byte(password), salt[:], hashIterations, hashKeyLen, sha256.New)
	return hex.EncodeToString(key)
}

// VerifyPassword reports whether password hashes to storedHash for email.
// Comparison is constant-time.
func VerifyPassword(email, password, storedHash string) bool {
	computed := HashPassword(email, password)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(storedHash)) == 1
}
