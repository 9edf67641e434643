package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mailsift/mailsift/internal/crypto"
	"github.com/mailsift/mailsift/internal/domain"
	"github.com/mailsift/mailsift/internal/oauth"
	"github.com/mailsift/mailsift/internal/platform/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testBuffer  = 5 * time.Minute
	testTimeout = 10 * time.Second
)

// fakeRepo is an in-memory ConnectionRepository mirroring the encryption and
// guard semantics of the Postgres implementation.
type fakeRepo struct {
	mu     sync.Mutex
	crypto crypto.Service
	clock  clockwork.Clock
	conns  map[string]*domain.Connection
}

func newFakeRepo(cryptoSvc crypto.Service, clock clockwork.Clock) *fakeRepo {
	return &fakeRepo{
		crypto: cryptoSvc,
		clock:  clock,
		conns:  make(map[string]*domain.Connection),
	}
}

func repoKey(userID uuid.UUID, provider domain.Provider) string {
	return userID.String() + ":" + string(provider)
}

func (r *fakeRepo) Upsert(_ context.Context, userID uuid.UUID, provider domain.Provider, grant domain.TokenGrant, expiresAt time.Time) (*domain.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	accessEnc, err := r.crypto.Encrypt(grant.AccessToken)
	if err != nil {
		return nil, err
	}
	refreshEnc := ""
	if grant.RefreshToken != "" {
		if refreshEnc, err = r.crypto.Encrypt(grant.RefreshToken); err != nil {
			return nil, err
		}
	}

	key := repoKey(userID, provider)
	conn, ok := r.conns[key]
	if !ok {
		conn = &domain.Connection{ID: uuid.New(), UserID: userID, Provider: provider, CreatedAt: r.clock.Now()}
		r.conns[key] = conn
	}
	conn.AccessTokenEnc = accessEnc
	conn.RefreshTokenEnc = refreshEnc
	conn.Scope = grant.Scope
	conn.TokenType = grant.TokenType
	conn.ExpiryDate = expiresAt
	conn.Revoked = false
	conn.UpdatedAt = r.clock.Now()

	copied := *conn
	return &copied, nil
}

func (r *fakeRepo) Get(_ context.Context, userID uuid.UUID, provider domain.Provider) (*domain.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[repoKey(userID, provider)]
	if !ok {
		return nil, domain.ErrConnectionNotFound
	}
	copied := *conn
	return &copied, nil
}

func (r *fakeRepo) ListForUser(_ context.Context, userID uuid.UUID) ([]domain.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var conns []domain.Connection
	for _, conn := range r.conns {
		if conn.UserID == userID {
			conns = append(conns, *conn)
		}
	}
	return conns, nil
}

func (r *fakeRepo) UpdateTokens(_ context.Context, userID uuid.UUID, provider domain.Provider, grant domain.TokenGrant, expiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[repoKey(userID, provider)]
	if !ok || conn.Revoked {
		return domain.ErrConnectionNotFound
	}

	accessEnc, err := r.crypto.Encrypt(grant.AccessToken)
	if err != nil {
		return err
	}
	conn.AccessTokenEnc = accessEnc
	if grant.RefreshToken != "" {
		refreshEnc, err := r.crypto.Encrypt(grant.RefreshToken)
		if err != nil {
			return err
		}
		conn.RefreshTokenEnc = refreshEnc
	}
	conn.ExpiryDate = expiresAt
	conn.UpdatedAt = r.clock.Now()
	return nil
}

func (r *fakeRepo) MarkRevoked(_ context.Context, userID uuid.UUID, provider domain.Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[repoKey(userID, provider)]
	if !ok {
		return domain.ErrConnectionNotFound
	}
	conn.Revoked = true
	return nil
}

func (r *fakeRepo) Delete(_ context.Context, userID uuid.UUID, provider domain.Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := repoKey(userID, provider)
	if _, ok := r.conns[key]; !ok {
		return domain.ErrConnectionNotFound
	}
	delete(r.conns, key)
	return nil
}

// fakeRefresher counts provider exchanges and returns a configurable result.
type fakeRefresher struct {
	mu    sync.Mutex
	calls int
	delay time.Duration
	grant *domain.TokenGrant
	err   error
}

func (f *fakeRefresher) Refresh(_ context.Context, _ domain.Provider, _ string) (*domain.TokenGrant, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	grant := *f.grant
	return &grant, nil
}

func (f *fakeRefresher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakePublisher records refresh events.
type fakePublisher struct {
	mu     sync.Mutex
	events []domain.RefreshEvent
}

func (f *fakePublisher) PublishRefresh(_ context.Context, event domain.RefreshEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakePublisher) outcomes() []domain.RefreshOutcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	outcomes := make([]domain.RefreshOutcome, len(f.events))
	for i, e := range f.events {
		outcomes[i] = e.Outcome
	}
	return outcomes
}

// brokenCrypto fails every decrypt with a DecryptionError.
type brokenCrypto struct{}

func (brokenCrypto) Encrypt(plaintext string) (string, error) { return plaintext, nil }
func (brokenCrypto) Decrypt(string) (string, error) {
	return "", &crypto.DecryptionError{Err: errors.New("cipher: message authentication failed")}
}

type fixture struct {
	service   *Service
	repo      *fakeRepo
	refresher *fakeRefresher
	publisher *fakePublisher
	clock     clockwork.Clock
}

func newFixture(t *testing.T, clock clockwork.Clock) *fixture {
	t.Helper()

	cryptoSvc := crypto.NoopService{}
	repo := newFakeRepo(cryptoSvc, clock)
	refresher := &fakeRefresher{
		grant: &domain.TokenGrant{AccessToken: "refreshed-access", RefreshToken: "rotated-refresh", ExpiresIn: 3600},
	}
	publisher := &fakePublisher{}

	service := NewService(repo, cryptoSvc, refresher, publisher, clock, testBuffer, testTimeout)
	service.retryPolicy = retry.Policy{MaxAttempts: 2, InitialBackoff: time.Millisecond}

	return &fixture{
		service:   service,
		repo:      repo,
		refresher: refresher,
		publisher: publisher,
		clock:     clock,
	}
}

func (f *fixture) seed(t *testing.T, userID uuid.UUID, provider domain.Provider, expiry time.Time) {
	t.Helper()
	grant := domain.TokenGrant{AccessToken: "stored-access", RefreshToken: "stored-refresh", TokenType: "Bearer"}
	_, err := f.repo.Upsert(context.Background(), userID, provider, grant, expiry)
	require.NoError(t, err)
}

func TestService_Connect(t *testing.T) {
	clock := clockwork.NewFakeClock()
	f := newFixture(t, clock)
	userID := uuid.New()

	grant := domain.TokenGrant{
		AccessToken:  "access",
		RefreshToken: "refresh",
		TokenType:    "Bearer",
		Scope:        []string{"mail.read"},
		ExpiresIn:    1800,
	}
	conn, err := f.service.Connect(context.Background(), userID, domain.ProviderGoogle, grant)
	require.NoError(t, err)

	assert.Equal(t, userID, conn.UserID)
	assert.False(t, conn.Revoked)
	assert.Equal(t, clock.Now().UTC().Add(30*time.Minute), conn.ExpiryDate)
}

func TestService_Connect_DefaultsLifetimeWhenExpiresInMissing(t *testing.T) {
	clock := clockwork.NewFakeClock()
	f := newFixture(t, clock)

	grant := domain.TokenGrant{AccessToken: "access", RefreshToken: "refresh"}
	conn, err := f.service.Connect(context.Background(), uuid.New(), domain.ProviderMicrosoft, grant)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().UTC().Add(defaultTokenLifetime), conn.ExpiryDate)
}

func TestService_Connect_Rejections(t *testing.T) {
	f := newFixture(t, clockwork.NewFakeClock())

	_, err := f.service.Connect(context.Background(), uuid.New(), domain.Provider("yahoo"), domain.TokenGrant{AccessToken: "a"})
	assert.ErrorIs(t, err, domain.ErrUnknownProvider)

	_, err = f.service.Connect(context.Background(), uuid.New(), domain.ProviderGoogle, domain.TokenGrant{})
	assert.Error(t, err)
}

func TestService_Disconnect(t *testing.T) {
	f := newFixture(t, clockwork.NewFakeClock())
	userID := uuid.New()
	f.seed(t, userID, domain.ProviderGoogle, f.clock.Now().Add(time.Hour))

	require.NoError(t, f.service.Disconnect(context.Background(), userID, domain.ProviderGoogle))

	_, err := f.repo.Get(context.Background(), userID, domain.ProviderGoogle)
	assert.ErrorIs(t, err, domain.ErrConnectionNotFound)

	err = f.service.Disconnect(context.Background(), userID, domain.ProviderGoogle)
	assert.ErrorIs(t, err, domain.ErrConnectionNotFound)

	err = f.service.Disconnect(context.Background(), userID, domain.Provider("yahoo"))
	assert.ErrorIs(t, err, domain.ErrUnknownProvider)
}

func TestService_GetConnectionStatus(t *testing.T) {
	clock := clockwork.NewFakeClock()
	f := newFixture(t, clock)
	userID := uuid.New()

	f.seed(t, userID, domain.ProviderGoogle, clock.Now().Add(time.Hour))
	f.seed(t, userID, domain.ProviderMicrosoft, clock.Now().Add(2*time.Minute))

	summary, err := f.service.GetConnectionStatus(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 1, summary.Active)
	assert.Equal(t, 1, summary.NeedsRefresh)
	assert.True(t, summary.AutomationReady())
}

func TestService_WithValidAccessToken_ActiveSkipsRefresh(t *testing.T) {
	clock := clockwork.NewFakeClock()
	f := newFixture(t, clock)
	userID := uuid.New()
	f.seed(t, userID, domain.ProviderGoogle, clock.Now().Add(time.Hour))

	var seen string
	err := f.service.WithValidAccessToken(context.Background(), userID, domain.ProviderGoogle, func(token string) error {
		seen = token
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "stored-access", seen)
	assert.Equal(t, 0, f.refresher.callCount())
}

func TestService_WithValidAccessToken_RefreshesInsideBuffer(t *testing.T) {
	clock := clockwork.NewFakeClock()
	f := newFixture(t, clock)
	userID := uuid.New()

	// Two minutes of validity left with a five minute buffer.
	f.seed(t, userID, domain.ProviderGoogle, clock.Now().Add(2*time.Minute))

	var seen string
	err := f.service.WithValidAccessToken(context.Background(), userID, domain.ProviderGoogle, func(token string) error {
		seen = token
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "refreshed-access", seen)
	assert.Equal(t, 1, f.refresher.callCount())
	assert.Equal(t, []domain.RefreshOutcome{domain.RefreshOutcomeSuccess}, f.publisher.outcomes())

	// The refreshed connection is active again for a full hour.
	summary, err := f.service.GetConnectionStatus(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Active)
}

func TestService_WithValidAccessToken_RecoversExpiredConnection(t *testing.T) {
	clock := clockwork.NewFakeClock()
	f := newFixture(t, clock)
	userID := uuid.New()

	// Expired two minutes ago; the stored refresh token still works.
	f.seed(t, userID, domain.ProviderGoogle, clock.Now().Add(-2*time.Minute))

	err := f.service.WithValidAccessToken(context.Background(), userID, domain.ProviderGoogle, func(string) error { return nil })
	require.NoError(t, err)

	conn, err := f.repo.Get(context.Background(), userID, domain.ProviderGoogle)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().UTC().Add(time.Hour), conn.ExpiryDate)
}

func TestService_WithValidAccessToken_ConcurrentCallersSingleExchange(t *testing.T) {
	clock := clockwork.NewRealClock()
	f := newFixture(t, clock)
	userID := uuid.New()

	f.seed(t, userID, domain.ProviderGoogle, clock.Now().Add(2*time.Minute))
	f.refresher.delay = 50 * time.Millisecond

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = f.service.WithValidAccessToken(context.Background(), userID, domain.ProviderGoogle, func(string) error { return nil })
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 1, f.refresher.callCount(), "concurrent callers must collapse into one provider exchange")
}

func TestService_WithValidAccessToken_TerminalFailureRevokes(t *testing.T) {
	clock := clockwork.NewFakeClock()
	f := newFixture(t, clock)
	userID := uuid.New()

	f.seed(t, userID, domain.ProviderGoogle, clock.Now().Add(-time.Minute))
	f.refresher.err = &oauth.RefreshError{Terminal: true, Code: "invalid_grant", Err: fmt.Errorf("provider returned status 400")}

	err := f.service.WithValidAccessToken(context.Background(), userID, domain.ProviderGoogle, func(string) error {
		t.Fatal("callback must not run without a valid token")
		return nil
	})
	assert.ErrorIs(t, err, domain.ErrReauthRequired)

	conn, err := f.repo.Get(context.Background(), userID, domain.ProviderGoogle)
	require.NoError(t, err)
	assert.True(t, conn.Revoked, "terminal failures must persist the revoked flag")
	assert.Equal(t, []domain.RefreshOutcome{domain.RefreshOutcomeRevoked}, f.publisher.outcomes())
}

func TestService_WithValidAccessToken_TransientFailureKeepsRecord(t *testing.T) {
	clock := clockwork.NewFakeClock()
	f := newFixture(t, clock)
	userID := uuid.New()
	expiry := clock.Now().Add(-time.Minute)

	f.seed(t, userID, domain.ProviderGoogle, expiry)
	f.refresher.err = &oauth.RefreshError{Err: fmt.Errorf("provider returned status 503")}

	err := f.service.WithValidAccessToken(context.Background(), userID, domain.ProviderGoogle, func(string) error { return nil })
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrReauthRequired)

	// The record is untouched: a later attempt may still succeed.
	conn, err := f.repo.Get(context.Background(), userID, domain.ProviderGoogle)
	require.NoError(t, err)
	assert.False(t, conn.Revoked)
	assert.Equal(t, expiry, conn.ExpiryDate)
	assert.Equal(t, []domain.RefreshOutcome{domain.RefreshOutcomeTransient}, f.publisher.outcomes())

	// Transient failures are retried before giving up; terminal ones are not.
	assert.Equal(t, 2, f.refresher.callCount())
}

func TestService_WithValidAccessToken_RevokedRequiresReauth(t *testing.T) {
	clock := clockwork.NewFakeClock()
	f := newFixture(t, clock)
	userID := uuid.New()

	f.seed(t, userID, domain.ProviderGoogle, clock.Now().Add(time.Hour))
	require.NoError(t, f.repo.MarkRevoked(context.Background(), userID, domain.ProviderGoogle))

	err := f.service.WithValidAccessToken(context.Background(), userID, domain.ProviderGoogle, func(string) error { return nil })
	assert.ErrorIs(t, err, domain.ErrReauthRequired)
	assert.Equal(t, 0, f.refresher.callCount(), "revoked connections are never refreshed")
}

func TestService_WithValidAccessToken_NotFound(t *testing.T) {
	f := newFixture(t, clockwork.NewFakeClock())

	err := f.service.WithValidAccessToken(context.Background(), uuid.New(), domain.ProviderGoogle, func(string) error { return nil })
	assert.ErrorIs(t, err, domain.ErrConnectionNotFound)
}

func TestService_WithValidAccessToken_MissingRefreshTokenRevokes(t *testing.T) {
	clock := clockwork.NewFakeClock()
	f := newFixture(t, clock)
	userID := uuid.New()

	grant := domain.TokenGrant{AccessToken: "stored-access"} // no refresh token granted
	_, err := f.repo.Upsert(context.Background(), userID, domain.ProviderGoogle, grant, clock.Now().Add(-time.Minute))
	require.NoError(t, err)

	err = f.service.WithValidAccessToken(context.Background(), userID, domain.ProviderGoogle, func(string) error { return nil })
	assert.ErrorIs(t, err, domain.ErrReauthRequired)

	conn, err := f.repo.Get(context.Background(), userID, domain.ProviderGoogle)
	require.NoError(t, err)
	assert.True(t, conn.Revoked)
}

func TestService_WithValidAccessToken_UndecryptableRefreshTokenRevokes(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cryptoSvc := brokenCrypto{}
	repo := newFakeRepo(cryptoSvc, clock)
	refresher := &fakeRefresher{grant: &domain.TokenGrant{AccessToken: "x", ExpiresIn: 3600}}
	publisher := &fakePublisher{}
	service := NewService(repo, cryptoSvc, refresher, publisher, clock, testBuffer, testTimeout)

	userID := uuid.New()
	grant := domain.TokenGrant{AccessToken: "stored-access", RefreshToken: "stored-refresh"}
	_, err := repo.Upsert(context.Background(), userID, domain.ProviderGoogle, grant, clock.Now().Add(-time.Minute))
	require.NoError(t, err)

	// A blob that no longer opens (rotated master key, tampered row) cannot
	// be recovered; the user must re-consent.
	err = service.WithValidAccessToken(context.Background(), userID, domain.ProviderGoogle, func(string) error { return nil })
	assert.ErrorIs(t, err, domain.ErrReauthRequired)

	conn, err := repo.Get(context.Background(), userID, domain.ProviderGoogle)
	require.NoError(t, err)
	assert.True(t, conn.Revoked)
	assert.Equal(t, 0, refresher.callCount())
}

func TestService_Refresh_KeepsRefreshTokenWhenNotRotated(t *testing.T) {
	clock := clockwork.NewFakeClock()
	f := newFixture(t, clock)
	userID := uuid.New()

	f.seed(t, userID, domain.ProviderGoogle, clock.Now().Add(-time.Minute))
	f.refresher.grant = &domain.TokenGrant{AccessToken: "refreshed-access", ExpiresIn: 3600}

	err := f.service.WithValidAccessToken(context.Background(), userID, domain.ProviderGoogle, func(string) error { return nil })
	require.NoError(t, err)

	conn, err := f.repo.Get(context.Background(), userID, domain.ProviderGoogle)
	require.NoError(t, err)
	assert.Equal(t, "stored-refresh", conn.RefreshTokenEnc)
	assert.Equal(t, "refreshed-access", conn.AccessTokenEnc)
}
