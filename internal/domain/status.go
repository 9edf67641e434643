package domain

import "time"

// Status classifies how usable a connection currently is.
type Status string

const (
	StatusActive       Status = "active"
	StatusNeedsRefresh Status = "needs_refresh"
	StatusExpired      Status = "expired"
	StatusRevoked      Status = "revoked"
)

// NeedsRefresh reports whether a status should trigger a token refresh.
// Revoked connections are terminal and are never refreshed automatically.
func (s Status) NeedsRefresh() bool {
	return s == StatusNeedsRefresh || s == StatusExpired
}

// Classify maps a connection's revocation flag and expiry to a Status.
// The buffer boundary is inclusive: a token expiring exactly at now+buffer
// already classifies as needs_refresh, so refresh happens slightly early
// rather than risking a just-expired token.
func Classify(conn *Connection, now time.Time, buffer time.Duration) Status {
	switch {
	case conn.Revoked:
		return StatusRevoked
	case !conn.ExpiryDate.After(now):
		return StatusExpired
	case !conn.ExpiryDate.After(now.Add(buffer)):
		return StatusNeedsRefresh
	default:
		return StatusActive
	}
}

// ConnectionStatus is the per-connection entry of a Summary.
type ConnectionStatus struct {
	Provider   Provider  `json:"provider"`
	Status     Status    `json:"status"`
	ExpiryDate time.Time `json:"expiry_date"`
}

// Summary aggregates connection statuses for one user. Downstream automation
// may run only when at least one connection is active.
type Summary struct {
	Total        int                `json:"total"`
	Active       int                `json:"active"`
	NeedsRefresh int                `json:"needs_refresh"`
	Expired      int                `json:"expired"`
	Revoked      int                `json:"revoked"`
	Connections  []ConnectionStatus `json:"connections"`
}

// AutomationReady reports whether downstream automation is allowed to run.
func (s *Summary) AutomationReady() bool {
	return s.Active > 0
}

// Summarize builds the aggregate status view over a user's connections.
func Summarize(conns []Connection, now time.Time, buffer time.Duration) *Summary {
	summary := &Summary{
		Total:       len(conns),
		Connections: make([]ConnectionStatus, 0, len(conns)),
	}

	for i := range conns {
		status := Classify(&conns[i], now, buffer)
		switch status {
		case StatusActive:
			summary.Active++
		case StatusNeedsRefresh:
			summary.NeedsRefresh++
		case StatusExpired:
			summary.Expired++
		case StatusRevoked:
			summary.Revoked++
		}

		summary.Connections = append(summary.Connections, ConnectionStatus{
			Provider:   conns[i].Provider,
			Status:     status,
			ExpiryDate: conns[i].ExpiryDate,
		})
	}

	return summary
}
