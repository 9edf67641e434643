// Package server exposes the operational HTTP surface: health, metrics, and
// the connection management API consumed by the account frontend.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mailsift/mailsift/internal/crypto"
	"github.com/mailsift/mailsift/internal/domain"
	apperrors "github.com/mailsift/mailsift/internal/errors"
	"github.com/mailsift/mailsift/internal/platform/config"
	"github.com/mailsift/mailsift/internal/platform/correlation"
)

// ConnectionService is the application surface the HTTP layer depends on.
type ConnectionService interface {
	Connect(ctx context.Context, userID uuid.UUID, provider domain.Provider, grant domain.TokenGrant) (*domain.Connection, error)
	Disconnect(ctx context.Context, userID uuid.UUID, provider domain.Provider) error
	GetConnectionStatus(ctx context.Context, userID uuid.UUID) (*domain.Summary, error)
}

// Pinger reports database reachability for the health endpoint.
// *pgxpool.Pool satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	echo   *echo.Echo
	config *config.Config
	app    ConnectionService
	db     Pinger
}

func NewServer(cfg *config.Config, app ConnectionService, db Pinger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(correlationMiddleware())
	e.Use(apperrors.Middleware())

	srv := &Server{
		echo:   e,
		config: cfg,
		app:    app,
		db:     db,
	}

	srv.registerRoutes()
	return srv
}

func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := s.echo.Group("/api")
	if s.config.AdminTokenHash != "" {
		api.Use(bearerAuth(s.config.AdminTokenHash))
	}
	api.GET("/users/:userID/connections", s.handleListConnections)
	api.POST("/users/:userID/connections/:provider", s.handleConnect)
	api.DELETE("/users/:userID/connections/:provider", s.handleDisconnect)
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	return s.echo.Start(fmt.Sprintf(":%s", s.config.Port))
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// bearerAuth guards the management API with a bearer token checked against a
// salted hash, so the config never carries the token itself. The slow KDF
// makes each check cost tens of milliseconds, fine for this traffic.
func bearerAuth(tokenHash string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token, ok := strings.CutPrefix(c.Request().Header.Get("Authorization"), "Bearer ")
			if !ok || !crypto.VerifyHash(token, tokenHash) {
				return apperrors.UnauthorizedError("invalid management token")
			}
			return next(c)
		}
	}
}

// correlationMiddleware tags each request context with a correlation ID so
// every log line of a request shares one identifier.
func correlationMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := correlation.WithID(c.Request().Context(), correlation.NewID())
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}
