package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/mailsift/mailsift/internal/domain"
	apperrors "github.com/mailsift/mailsift/internal/errors"
)

func (s *Server) handleHealth(c echo.Context) error {
	if s.db != nil {
		if err := s.db.Ping(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "degraded", "database": "unreachable"})
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// connectRequest is the grant payload delivered by the consent callback.
type connectRequest struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	TokenType    string   `json:"token_type"`
	Scope        []string `json:"scope"`
	ExpiresIn    int      `json:"expires_in"`
}

// connectionResponse deliberately omits the cipher blobs: token material,
// even encrypted, never appears on the API.
type connectionResponse struct {
	ID         uuid.UUID       `json:"id"`
	Provider   domain.Provider `json:"provider"`
	Scope      []string        `json:"scope"`
	ExpiryDate string          `json:"expiry_date"`
}

func (s *Server) handleConnect(c echo.Context) error {
	userID, provider, err := pathParams(c)
	if err != nil {
		return err
	}

	var req connectRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid request body")
	}
	if req.AccessToken == "" {
		return apperrors.ValidationError("access_token is required")
	}

	conn, err := s.app.Connect(c.Request().Context(), userID, provider, domain.TokenGrant{
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		TokenType:    req.TokenType,
		Scope:        req.Scope,
		ExpiresIn:    req.ExpiresIn,
	})
	if err != nil {
		return mapDomainError(err, provider)
	}

	return c.JSON(http.StatusCreated, connectionResponse{
		ID:         conn.ID,
		Provider:   conn.Provider,
		Scope:      conn.Scope,
		ExpiryDate: conn.ExpiryDate.Format(time.RFC3339),
	})
}

func (s *Server) handleListConnections(c echo.Context) error {
	userID, err := userIDParam(c)
	if err != nil {
		return err
	}

	summary, err := s.app.GetConnectionStatus(c.Request().Context(), userID)
	if err != nil {
		return apperrors.InternalError("failed to load connection status", err)
	}

	return c.JSON(http.StatusOK, summary)
}

func (s *Server) handleDisconnect(c echo.Context) error {
	userID, provider, err := pathParams(c)
	if err != nil {
		return err
	}

	if err := s.app.Disconnect(c.Request().Context(), userID, provider); err != nil {
		return mapDomainError(err, provider)
	}

	return c.NoContent(http.StatusNoContent)
}

func userIDParam(c echo.Context) (uuid.UUID, error) {
	userID, err := uuid.Parse(c.Param("userID"))
	if err != nil {
		return uuid.Nil, apperrors.ValidationError("invalid user ID")
	}
	return userID, nil
}

func pathParams(c echo.Context) (uuid.UUID, domain.Provider, error) {
	userID, err := userIDParam(c)
	if err != nil {
		return uuid.Nil, "", err
	}

	provider := domain.Provider(c.Param("provider"))
	if !provider.Valid() {
		return uuid.Nil, "", apperrors.ValidationError("unknown provider").WithContext("provider", string(provider))
	}

	return userID, provider, nil
}

func mapDomainError(err error, provider domain.Provider) error {
	switch {
	case errors.Is(err, domain.ErrConnectionNotFound):
		return apperrors.NotFoundError("connection not found").WithContext("provider", string(provider))
	case errors.Is(err, domain.ErrUnknownProvider):
		return apperrors.ValidationError("unknown provider").WithContext("provider", string(provider))
	case errors.Is(err, domain.ErrReauthRequired):
		return apperrors.UnauthorizedError("re-authentication required").WithContext("provider", string(provider))
	default:
		return apperrors.InternalError("operation failed", err)
	}
}
