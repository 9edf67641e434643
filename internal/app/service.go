package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mailsift/mailsift/internal/crypto"
	"github.com/mailsift/mailsift/internal/domain"
	"github.com/mailsift/mailsift/internal/metrics"
	"github.com/mailsift/mailsift/internal/oauth"
	"github.com/mailsift/mailsift/internal/platform/retry"
	"golang.org/x/sync/singleflight"
)

// defaultTokenLifetime is assumed when a provider grant omits expires_in.
const defaultTokenLifetime = time.Hour

func defaultRetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			slog.Warn("Retrying token refresh", "attempt", attempt, "backoff", backoff, "error", err)
		},
	}
}

// TokenRefresher exchanges a refresh token for a fresh grant.
type TokenRefresher interface {
	Refresh(ctx context.Context, provider domain.Provider, refreshToken string) (*domain.TokenGrant, error)
}

// Service is the application layer — the only component that references
// multiple domain components. It owns token plaintext: blobs come out of the
// repository, get decrypted here at the point of use, and never travel
// further than the callback or the provider exchange.
type Service struct {
	connections domain.ConnectionRepository
	crypto      crypto.Service
	refresher   TokenRefresher
	events      domain.RefreshEventPublisher
	clock       clockwork.Clock

	refreshGroup   singleflight.Group
	refreshBuffer  time.Duration
	refreshTimeout time.Duration
	retryPolicy    retry.Policy
}

func NewService(
	connections domain.ConnectionRepository,
	cryptoSvc crypto.Service,
	refresher TokenRefresher,
	events domain.RefreshEventPublisher,
	clock clockwork.Clock,
	refreshBuffer, refreshTimeout time.Duration,
) *Service {
	return &Service{
		connections:    connections,
		crypto:         cryptoSvc,
		refresher:      refresher,
		events:         events,
		clock:          clock,
		refreshBuffer:  refreshBuffer,
		refreshTimeout: refreshTimeout,
		retryPolicy:    defaultRetryPolicy(),
	}
}

// Connect stores the grant from a completed consent flow, replacing any
// previous connection for the same (user, provider) pair.
func (s *Service) Connect(ctx context.Context, userID uuid.UUID, provider domain.Provider, grant domain.TokenGrant) (*domain.Connection, error) {
	if !provider.Valid() {
		return nil, domain.ErrUnknownProvider
	}
	if grant.AccessToken == "" {
		return nil, fmt.Errorf("grant is missing an access token")
	}

	conn, err := s.connections.Upsert(ctx, userID, provider, grant, s.expiryFor(grant))
	if err != nil {
		return nil, err
	}

	slog.Info("Connection established", "user_id", userID, "provider", provider)
	return conn, nil
}

// Disconnect removes a connection and its token material entirely.
func (s *Service) Disconnect(ctx context.Context, userID uuid.UUID, provider domain.Provider) error {
	if !provider.Valid() {
		return domain.ErrUnknownProvider
	}

	if err := s.connections.Delete(ctx, userID, provider); err != nil {
		return err
	}

	slog.Info("Connection removed", "user_id", userID, "provider", provider)
	return nil
}

// GetConnectionStatus returns the aggregate status view over a user's
// connections, classified against the current clock and refresh buffer.
func (s *Service) GetConnectionStatus(ctx context.Context, userID uuid.UUID) (*domain.Summary, error) {
	conns, err := s.connections.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return domain.Summarize(conns, s.clock.Now(), s.refreshBuffer), nil
}

// WithValidAccessToken runs fn with a plaintext access token guaranteed valid
// at call time, refreshing first when the stored token is inside the refresh
// buffer or already expired. The plaintext exists only for the duration of fn.
func (s *Service) WithValidAccessToken(ctx context.Context, userID uuid.UUID, provider domain.Provider, fn func(accessToken string) error) error {
	conn, err := s.connections.Get(ctx, userID, provider)
	if err != nil {
		return err
	}

	status := domain.Classify(conn, s.clock.Now(), s.refreshBuffer)
	if status == domain.StatusRevoked {
		return domain.ErrReauthRequired
	}

	if !status.NeedsRefresh() {
		plaintext, err := s.decrypt(conn.AccessTokenEnc)
		if err == nil {
			return fn(plaintext)
		}
		// An undecryptable access token is recoverable as long as the
		// refresh token still opens; fall through to a forced refresh.
		var decErr *crypto.DecryptionError
		if !errors.As(err, &decErr) {
			return err
		}
		slog.Warn("Access token blob undecryptable, forcing refresh", "user_id", userID, "provider", provider)
	}

	if err := s.ensureFresh(ctx, userID, provider, !status.NeedsRefresh()); err != nil {
		return err
	}

	conn, err = s.connections.Get(ctx, userID, provider)
	if err != nil {
		return err
	}

	plaintext, err := s.decrypt(conn.AccessTokenEnc)
	if err != nil {
		return err
	}
	return fn(plaintext)
}

// ensureFresh refreshes the connection's tokens, collapsing concurrent callers
// for the same (user, provider) into a single provider exchange. force skips
// the inside-the-flight staleness check, used when a still-valid access token
// turned out to be undecryptable.
func (s *Service) ensureFresh(ctx context.Context, userID uuid.UUID, provider domain.Provider, force bool) error {
	key := userID.String() + ":" + string(provider)

	metrics.RefreshWaiters.Inc()
	_, err, _ := s.refreshGroup.Do(key, func() (any, error) {
		// The flight outlives any single caller: a canceled waiter must not
		// abort the exchange everyone else is blocked on.
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.refreshTimeout)
		defer cancel()
		return nil, s.refresh(flightCtx, userID, provider, force)
	})
	metrics.RefreshWaiters.Dec()

	return err
}

func (s *Service) refresh(ctx context.Context, userID uuid.UUID, provider domain.Provider, force bool) error {
	conn, err := s.connections.Get(ctx, userID, provider)
	if err != nil {
		return err
	}
	if conn.Revoked {
		return domain.ErrReauthRequired
	}

	// A caller that raced in just after an earlier flight finished sees the
	// fresh expiry here and skips the exchange.
	if !force && domain.Classify(conn, s.clock.Now(), s.refreshBuffer) == domain.StatusActive {
		return nil
	}

	if conn.RefreshTokenEnc == "" {
		// Nothing to refresh with; only a new consent can recover.
		return s.revoke(ctx, userID, provider, fmt.Errorf("no refresh token on record"))
	}

	refreshToken, err := s.decrypt(conn.RefreshTokenEnc)
	if err != nil {
		var decErr *crypto.DecryptionError
		if errors.As(err, &decErr) {
			return s.revoke(ctx, userID, provider, err)
		}
		return err
	}

	start := s.clock.Now()
	grant, err := retry.Do(ctx, s.retryPolicy, classifyRefreshFailure, func() (*domain.TokenGrant, error) {
		return s.refresher.Refresh(ctx, provider, refreshToken)
	})
	metrics.RefreshDuration.WithLabelValues(string(provider)).Observe(s.clock.Since(start).Seconds())

	if err != nil {
		var refreshErr *oauth.RefreshError
		if errors.As(err, &refreshErr) && refreshErr.Terminal {
			return s.revoke(ctx, userID, provider, err)
		}

		metrics.RefreshAttemptsTotal.WithLabelValues(string(provider), string(domain.RefreshOutcomeTransient)).Inc()
		s.publish(ctx, userID, provider, domain.RefreshOutcomeTransient)
		return fmt.Errorf("token refresh failed: %w", err)
	}

	if err := s.connections.UpdateTokens(ctx, userID, provider, *grant, s.expiryFor(*grant)); err != nil {
		return fmt.Errorf("failed to persist refreshed tokens: %w", err)
	}

	metrics.RefreshAttemptsTotal.WithLabelValues(string(provider), string(domain.RefreshOutcomeSuccess)).Inc()
	s.publish(ctx, userID, provider, domain.RefreshOutcomeSuccess)
	slog.Info("Tokens refreshed", "user_id", userID, "provider", provider)
	return nil
}

// classifyRefreshFailure decides whether a failed provider exchange is worth
// another attempt. A rejected refresh token or an open circuit breaker can
// only get worse with hammering.
func classifyRefreshFailure(err error) retry.Action {
	var refreshErr *oauth.RefreshError
	if errors.As(err, &refreshErr) && refreshErr.Terminal {
		return retry.Stop
	}
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return retry.Stop
	}
	return retry.Retry
}

// revoke marks the connection terminally dead and reports reauth to the caller.
func (s *Service) revoke(ctx context.Context, userID uuid.UUID, provider domain.Provider, cause error) error {
	slog.Warn("Connection revoked", "user_id", userID, "provider", provider, "cause", cause)

	if err := s.connections.MarkRevoked(ctx, userID, provider); err != nil && !errors.Is(err, domain.ErrConnectionNotFound) {
		return fmt.Errorf("failed to mark connection revoked: %w", err)
	}

	metrics.RefreshAttemptsTotal.WithLabelValues(string(provider), string(domain.RefreshOutcomeRevoked)).Inc()
	s.publish(ctx, userID, provider, domain.RefreshOutcomeRevoked)
	return domain.ErrReauthRequired
}

func (s *Service) publish(ctx context.Context, userID uuid.UUID, provider domain.Provider, outcome domain.RefreshOutcome) {
	if s.events == nil {
		return
	}
	event := domain.RefreshEvent{
		UserID:   userID,
		Provider: provider,
		Outcome:  outcome,
		At:       s.clock.Now(),
	}
	if err := s.events.PublishRefresh(ctx, event); err != nil {
		slog.Warn("Failed to publish refresh event", "user_id", userID, "provider", provider, "error", err)
	}
}

func (s *Service) decrypt(blob string) (string, error) {
	plaintext, err := s.crypto.Decrypt(blob)
	if err != nil {
		metrics.CryptoOperationsTotal.WithLabelValues("decrypt", "error").Inc()
		return "", err
	}
	metrics.CryptoOperationsTotal.WithLabelValues("decrypt", "ok").Inc()
	return plaintext, nil
}

func (s *Service) expiryFor(grant domain.TokenGrant) time.Time {
	lifetime := defaultTokenLifetime
	if grant.ExpiresIn > 0 {
		lifetime = time.Duration(grant.ExpiresIn) * time.Second
	}
	return s.clock.Now().UTC().Add(lifetime)
}
