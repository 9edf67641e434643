package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// RefreshOutcome is the result category of one refresh attempt.
type RefreshOutcome string

const (
	RefreshOutcomeSuccess   RefreshOutcome = "success"
	RefreshOutcomeRevoked   RefreshOutcome = "revoked"
	RefreshOutcomeTransient RefreshOutcome = "transient_failure"
)

// RefreshEvent describes one token refresh attempt for the audit/usage
// collaborator. It carries no token material.
type RefreshEvent struct {
	UserID   uuid.UUID      `json:"user_id"`
	Provider Provider       `json:"provider"`
	Outcome  RefreshOutcome `json:"outcome"`
	At       time.Time      `json:"at"`
}

// RefreshEventPublisher receives one event per refresh attempt.
type RefreshEventPublisher interface {
	PublishRefresh(ctx context.Context, event RefreshEvent) error
}
