package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/mailsift/mailsift/internal/domain"
	"github.com/mailsift/mailsift/internal/metrics"
)

const defaultTimeout = 10 * time.Second

var tokenEndpoints = map[domain.Provider]string{
	domain.ProviderGoogle:    "https://oauth2.googleapis.com/token",
	domain.ProviderMicrosoft: "https://login.microsoftonline.com/common/oauth2/v2.0/token",
}

// terminalOAuthErrors are provider error codes meaning the refresh token
// itself is no longer valid; retrying cannot help.
var terminalOAuthErrors = map[string]bool{
	"invalid_grant":       true,
	"unauthorized_client": true,
}

// RefreshError is returned by Refresh. Terminal marks failures where the
// stored refresh token is dead and the user must re-authenticate; everything
// else (timeouts, 5xx, open breaker) is transient and may be retried.
type RefreshError struct {
	Terminal bool
	Code     string // OAuth error code when the provider returned one
	Err      error
}

func (e *RefreshError) Error() string {
	if e.Terminal {
		return fmt.Sprintf("refresh token rejected: %v", e.Err)
	}
	return fmt.Sprintf("token refresh failed: %v", e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }

// ClientCredentials is one provider's OAuth app registration.
type ClientCredentials struct {
	ID     string
	Secret string
}

// Client exchanges refresh tokens at provider token endpoints. Each provider
// endpoint sits behind its own circuit breaker so a misbehaving provider
// cannot burn every caller's timeout budget.
type Client struct {
	creds      map[domain.Provider]ClientCredentials
	endpoints  map[domain.Provider]string
	httpClient *http.Client
	breakers   map[domain.Provider]circuitbreaker.CircuitBreaker[any]
}

func NewClient(creds map[domain.Provider]ClientCredentials, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	endpoints := make(map[domain.Provider]string, len(tokenEndpoints))
	for p, u := range tokenEndpoints {
		endpoints[p] = u
	}

	breakers := make(map[domain.Provider]circuitbreaker.CircuitBreaker[any], len(creds))
	for p := range creds {
		breakers[p] = newBreaker(string(p))
	}

	return &Client{
		creds:      creds,
		endpoints:  endpoints,
		httpClient: &http.Client{Timeout: timeout},
		breakers:   breakers,
	}
}

// newBreaker builds a provider circuit breaker: opens at 60% failures over a
// 10s window (min 5 requests), probes again after 30s.
func newBreaker(component string) circuitbreaker.CircuitBreaker[any] {
	return circuitbreaker.NewBuilder[any]().
		WithFailureRateThreshold(60, 5, 10*time.Second).
		WithDelay(30 * time.Second).
		WithSuccessThreshold(1).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			slog.Warn("Circuit breaker state changed",
				"component", component,
				"from", e.OldState.String(),
				"to", e.NewState.String(),
			)
			metrics.CircuitBreakerStateChanges.WithLabelValues(component, e.NewState.String()).Inc()
			metrics.CircuitBreakerState.WithLabelValues(component).Set(stateToFloat(e.NewState))
		}).
		Build()
}

func stateToFloat(state circuitbreaker.State) float64 {
	switch state {
	case circuitbreaker.ClosedState:
		return 0
	case circuitbreaker.HalfOpenState:
		return 1
	case circuitbreaker.OpenState:
		return 2
	default:
		return -1
	}
}

// SetEndpoint overrides a provider's token endpoint URL (tests).
func (c *Client) SetEndpoint(provider domain.Provider, endpoint string) {
	c.endpoints[provider] = endpoint
}

// Refresh exchanges refreshToken at the provider's token endpoint and returns
// the new grant. The plaintext refresh token never leaves this call except on
// the wire to the provider.
func (c *Client) Refresh(ctx context.Context, provider domain.Provider, refreshToken string) (*domain.TokenGrant, error) {
	creds, ok := c.creds[provider]
	if !ok {
		return nil, fmt.Errorf("no client credentials configured for provider %q: %w", provider, domain.ErrUnknownProvider)
	}

	cb := c.breakers[provider]
	if cb != nil && !cb.TryAcquirePermit() {
		return nil, &RefreshError{Err: fmt.Errorf("provider %s: %w", provider, circuitbreaker.ErrOpen)}
	}

	grant, err := c.exchange(ctx, c.endpoints[provider], creds, refreshToken)
	if cb != nil {
		// A definitive provider answer, even a rejection, means the endpoint
		// is healthy. Only transport failures and 5xx count against it.
		var refreshErr *RefreshError
		if err == nil || (errors.As(err, &refreshErr) && refreshErr.Code != "") {
			cb.RecordSuccess()
		} else {
			cb.RecordError(err)
		}
	}
	return grant, err
}

func (c *Client) exchange(ctx context.Context, endpoint string, creds ClientCredentials, refreshToken string) (*domain.TokenGrant, error) {
	data := url.Values{}
	data.Set("client_id", creds.ID)
	data.Set("client_secret", creds.Secret)
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, &RefreshError{Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &RefreshError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RefreshError{Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyFailure(resp.StatusCode, body)
	}

	var result struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
		Scope        string `json:"scope"`
		TokenType    string `json:"token_type"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, &RefreshError{Err: fmt.Errorf("malformed token response: %w", err)}
	}
	if result.AccessToken == "" {
		return nil, &RefreshError{Err: fmt.Errorf("token response missing access_token")}
	}

	return &domain.TokenGrant{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		TokenType:    result.TokenType,
		Scope:        strings.Fields(result.Scope),
		ExpiresIn:    result.ExpiresIn,
	}, nil
}

// classifyFailure maps a non-200 token response to a RefreshError. The error
// body is the OAuth error shape {error, error_description} when the provider
// sent one.
func classifyFailure(status int, body []byte) *RefreshError {
	var oauthErr struct {
		Error       string `json:"error"`
		Description string `json:"error_description"`
	}
	_ = json.Unmarshal(body, &oauthErr)

	terminal := terminalOAuthErrors[oauthErr.Error]
	if oauthErr.Error == "" {
		// No parseable OAuth error; fall back to status code semantics.
		terminal = status == http.StatusBadRequest || status == http.StatusUnauthorized
	}

	msg := fmt.Errorf("provider returned status %d", status)
	if oauthErr.Error != "" {
		msg = fmt.Errorf("provider returned status %d: %s (%s)", status, oauthErr.Error, oauthErr.Description)
	}

	return &RefreshError{
		Terminal: terminal && status < http.StatusInternalServerError,
		Code:     oauthErr.Error,
		Err:      msg,
	}
}
