package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keySize       = 32 // AES-256
	saltSize      = 32
	ivSize        = 16
	tagSize       = 16
	kdfIterations = 100_000
)

type Service interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(blob string) (string, error)
}

// NoopService passes secrets through without encryption. Development only;
// config validation refuses to start without a master key outside development.
type NoopService struct{}

func (NoopService) Encrypt(plaintext string) (string, error) { return plaintext, nil }
func (NoopService) Decrypt(blob string) (string, error)      { return blob, nil }

// DecryptionError reports a blob that could not be decrypted: tampered data,
// a wrong master key, or a malformed segment layout. The blob contents are
// never included in the message.
type DecryptionError struct {
	Err error
}

func (e *DecryptionError) Error() string { return fmt.Sprintf("decryption failed: %v", e.Err) }
func (e *DecryptionError) Unwrap() error { return e.Err }

// VaultService encrypts secrets with AES-256-GCM under a per-call key derived
// from the process-wide master key. Each call draws a fresh random salt and
// IV, so encrypting identical plaintext twice never yields the same blob.
// The key derivation is deliberately slow (PBKDF2, 100k iterations, SHA-256)
// to raise the cost of offline brute force against a leaked master key.
//
// Blob layout: base64(salt[32] || iv[16] || tag[16] || ciphertext). The salt
// is bound into the auth tag as additional authenticated data.
type VaultService struct {
	masterKey []byte
}

// NewVaultService builds a VaultService from a hex-encoded 256-bit master key.
func NewVaultService(hexKey string) (*VaultService, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("master key must be valid hex: %w", err)
	}
	if len(key) != keySize {
		return nil, fmt.Errorf("master key must be %d bytes (%d hex chars), got %d bytes", keySize, keySize*2, len(key))
	}
	return &VaultService{masterKey: key}, nil
}

func (s *VaultService) aead(salt []byte) (cipher.AEAD, error) {
	derived := pbkdf2.Key(s.masterKey, salt, kdfIterations, keySize, sha256.New)

	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

func (s *VaultService) Encrypt(plaintext string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("failed to generate iv: %w", err)
	}

	gcm, err := s.aead(salt)
	if err != nil {
		return "", err
	}

	// Seal returns ciphertext || tag; the blob stores the tag before the
	// ciphertext so all fixed-size segments sit at the front.
	sealed := gcm.Seal(nil, iv, []byte(plaintext), salt)
	ciphertext, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	blob := make([]byte, 0, saltSize+ivSize+tagSize+len(ciphertext))
	blob = append(blob, salt...)
	blob = append(blob, iv...)
	blob = append(blob, tag...)
	blob = append(blob, ciphertext...)

	return base64.StdEncoding.EncodeToString(blob), nil
}

func (s *VaultService) Decrypt(blob string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", &DecryptionError{Err: fmt.Errorf("invalid base64: %w", err)}
	}
	if len(raw) < saltSize+ivSize+tagSize {
		return "", &DecryptionError{Err: fmt.Errorf("blob too short: %d bytes", len(raw))}
	}

	salt := raw[:saltSize]
	iv := raw[saltSize : saltSize+ivSize]
	tag := raw[saltSize+ivSize : saltSize+ivSize+tagSize]
	ciphertext := raw[saltSize+ivSize+tagSize:]

	gcm, err := s.aead(salt)
	if err != nil {
		return "", err
	}

	sealed := make([]byte, 0, len(ciphertext)+tagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, iv, sealed, salt)
	if err != nil {
		return "", &DecryptionError{Err: err}
	}

	return string(plaintext), nil
}
