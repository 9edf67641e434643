package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mailsift/mailsift/internal/crypto"
	"github.com/mailsift/mailsift/internal/domain"
	"github.com/mailsift/mailsift/internal/metrics"
)

// connColumns must match the Scan order in scanConnection.
const connColumns = `id, user_id, provider, access_token_enc, refresh_token_enc, scope, token_type, expiry_date, revoked, created_at, updated_at`

// ConnectionRepo implements domain.ConnectionRepository backed by PostgreSQL.
// Tokens are encrypted on the way in and returned as cipher blobs on the way
// out; decryption happens in the application layer at point of use.
type ConnectionRepo struct {
	pool   *pgxpool.Pool
	crypto crypto.Service
}

func NewConnectionRepo(pool *pgxpool.Pool, cryptoSvc crypto.Service) *ConnectionRepo {
	return &ConnectionRepo{pool: pool, crypto: cryptoSvc}
}

func (r *ConnectionRepo) encrypt(plaintext string) (string, error) {
	blob, err := r.crypto.Encrypt(plaintext)
	if err != nil {
		metrics.CryptoOperationsTotal.WithLabelValues("encrypt", "error").Inc()
		return "", err
	}
	metrics.CryptoOperationsTotal.WithLabelValues("encrypt", "ok").Inc()
	return blob, nil
}

// encryptGrant turns a plaintext grant into cipher columns. A nil refresh
// pointer means "leave the stored refresh token alone".
func (r *ConnectionRepo) encryptGrant(grant domain.TokenGrant) (accessEnc string, refreshEnc *string, err error) {
	accessEnc, err = r.encrypt(grant.AccessToken)
	if err != nil {
		return "", nil, fmt.Errorf("failed to encrypt access token: %w", err)
	}

	if grant.RefreshToken != "" {
		enc, err := r.encrypt(grant.RefreshToken)
		if err != nil {
			return "", nil, fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
		refreshEnc = &enc
	}

	return accessEnc, refreshEnc, nil
}

func scanConnection(row pgx.Row) (*domain.Connection, error) {
	var conn domain.Connection
	var refreshEnc *string
	err := row.Scan(
		&conn.ID, &conn.UserID, &conn.Provider,
		&conn.AccessTokenEnc, &refreshEnc, &conn.Scope, &conn.TokenType,
		&conn.ExpiryDate, &conn.Revoked,
		&conn.CreatedAt, &conn.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if refreshEnc != nil {
		conn.RefreshTokenEnc = *refreshEnc
	}
	return &conn, nil
}

func (r *ConnectionRepo) Upsert(ctx context.Context, userID uuid.UUID, provider domain.Provider, grant domain.TokenGrant, expiresAt time.Time) (*domain.Connection, error) {
	if !provider.Valid() {
		return nil, domain.ErrUnknownProvider
	}

	accessEnc, refreshEnc, err := r.encryptGrant(grant)
	if err != nil {
		return nil, err
	}

	// Scope is optional in token responses; a nil slice would encode as SQL
	// NULL and trip the NOT NULL constraint.
	scope := grant.Scope
	if scope == nil {
		scope = []string{}
	}

	conn, err := scanConnection(r.pool.QueryRow(ctx, `
		INSERT INTO connections (user_id, provider, access_token_enc, refresh_token_enc, scope, token_type, expiry_date, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		ON CONFLICT (user_id, provider) DO UPDATE SET
			access_token_enc = EXCLUDED.access_token_enc,
			refresh_token_enc = EXCLUDED.refresh_token_enc,
			scope = EXCLUDED.scope,
			token_type = EXCLUDED.token_type,
			expiry_date = EXCLUDED.expiry_date,
			revoked = false,
			updated_at = NOW()
		RETURNING `+connColumns+`
	`, userID, provider, accessEnc, refreshEnc, scope, grant.TokenType, expiresAt))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert connection: %w", err)
	}

	return conn, nil
}

func (r *ConnectionRepo) Get(ctx context.Context, userID uuid.UUID, provider domain.Provider) (*domain.Connection, error) {
	conn, err := scanConnection(r.pool.QueryRow(ctx,
		`SELECT `+connColumns+` FROM connections WHERE user_id = $1 AND provider = $2`, userID, provider))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrConnectionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	return conn, nil
}

func (r *ConnectionRepo) ListForUser(ctx context.Context, userID uuid.UUID) ([]domain.Connection, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+connColumns+` FROM connections WHERE user_id = $1 ORDER BY provider`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	defer rows.Close()

	var conns []domain.Connection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}
		conns = append(conns, *conn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read connections: %w", err)
	}

	return conns, nil
}

// UpdateTokens rotates the cipher columns after a successful refresh. The
// stored refresh token survives when the provider did not rotate it, and a
// revoked record is never resurrected by a late writer.
func (r *ConnectionRepo) UpdateTokens(ctx context.Context, userID uuid.UUID, provider domain.Provider, grant domain.TokenGrant, expiresAt time.Time) error {
	accessEnc, refreshEnc, err := r.encryptGrant(grant)
	if err != nil {
		return err
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE connections SET
			access_token_enc = $3,
			refresh_token_enc = COALESCE($4, refresh_token_enc),
			scope = CASE WHEN cardinality($5::text[]) > 0 THEN $5::text[] ELSE scope END,
			token_type = COALESCE(NULLIF($6, ''), token_type),
			expiry_date = $7,
			updated_at = NOW()
		WHERE user_id = $1 AND provider = $2 AND revoked = false
	`, userID, provider, accessEnc, refreshEnc, grant.Scope, grant.TokenType, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to update tokens: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConnectionNotFound
	}

	return nil
}

// MarkRevoked flags a connection as terminally dead. Idempotent.
func (r *ConnectionRepo) MarkRevoked(ctx context.Context, userID uuid.UUID, provider domain.Provider) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE connections SET revoked = true, updated_at = NOW()
		WHERE user_id = $1 AND provider = $2
	`, userID, provider)
	if err != nil {
		return fmt.Errorf("failed to mark connection revoked: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConnectionNotFound
	}

	return nil
}

func (r *ConnectionRepo) Delete(ctx context.Context, userID uuid.UUID, provider domain.Provider) error {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM connections WHERE user_id = $1 AND provider = $2
	`, userID, provider)
	if err != nil {
		return fmt.Errorf("failed to delete connection: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConnectionNotFound
	}

	return nil
}
