package domain

import "errors"

var (
	ErrConnectionNotFound = errors.New("connection not found")
	ErrUnknownProvider    = errors.New("unknown provider")

	// ErrReauthRequired signals that the stored refresh token is no longer
	// usable (revoked, or its cipher blob is unreadable) and the user must go
	// through provider consent again.
	ErrReauthRequired = errors.New("reauthentication required")
)
