package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Provider identifies the mailbox provider a connection belongs to.
type Provider string

const (
	ProviderGoogle    Provider = "google"
	ProviderMicrosoft Provider = "microsoft"
)

// Valid reports whether p is a provider this service knows how to refresh.
func (p Provider) Valid() bool {
	return p == ProviderGoogle || p == ProviderMicrosoft
}

// Connection is a user's OAuth link to a mailbox provider. The token fields
// hold cipher blobs produced by the crypto service; plaintext tokens exist
// only inside the application layer at the point of use.
type Connection struct {
	ID              uuid.UUID
	UserID          uuid.UUID
	Provider        Provider
	AccessTokenEnc  string
	RefreshTokenEnc string
	Scope           []string
	TokenType       string
	ExpiryDate      time.Time
	Revoked         bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// TokenGrant is the plaintext result of a provider token exchange.
// It is never persisted as-is; the repository encrypts before writing.
type TokenGrant struct {
	AccessToken  string
	RefreshToken string // empty when the provider did not rotate it
	TokenType    string
	Scope        []string
	ExpiresIn    int // seconds until the access token expires
}

// ConnectionRepository persists one encrypted connection per (user, provider).
// Writes carrying tokens take the already-computed expiry so tokens and expiry
// land in one atomic statement, never a partial mix.
type ConnectionRepository interface {
	Upsert(ctx context.Context, userID uuid.UUID, provider Provider, grant TokenGrant, expiresAt time.Time) (*Connection, error)
	Get(ctx context.Context, userID uuid.UUID, provider Provider) (*Connection, error)
	ListForUser(ctx context.Context, userID uuid.UUID) ([]Connection, error)
	UpdateTokens(ctx context.Context, userID uuid.UUID, provider Provider, grant TokenGrant, expiresAt time.Time) error
	MarkRevoked(ctx context.Context, userID uuid.UUID, provider Provider) error
	Delete(ctx context.Context, userID uuid.UUID, provider Provider) error
}
