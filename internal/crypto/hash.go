package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const hashSize = 32

// HashWithSalt derives a non-reversible hash of data using the same slow KDF
// as the vault, for secrets that are verified but never read back (the
// management API token). When salt is nil a fresh random 256-bit salt is
// generated.
// The result is "hex(salt):hex(hash)".
func HashWithSalt(data string, salt []byte) (string, error) {
	if salt == nil {
		salt = make([]byte, saltSize)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return "", fmt.Errorf("failed to generate salt: %w", err)
		}
	}

	hash := pbkdf2.Key([]byte(data), salt, kdfIterations, hashSize, sha256.New)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(hash), nil
}

// VerifyHash reports whether data matches a combined "salt:hash" string.
// The comparison is constant-time; malformed input verifies as false.
func VerifyHash(data, combined string) bool {
	saltHex, hashHex, ok := strings.Cut(combined, ":")
	if !ok {
		return false
	}

	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return false
	}
	expected, err := hex.DecodeString(hashHex)
	if err != nil {
		return false
	}

	actual := pbkdf2.Key([]byte(data), salt, kdfIterations, len(expected), sha256.New)
	return subtle.ConstantTimeCompare(expected, actual) == 1
}
