package session

import (
	"strings"

	xerrors "AgentVault/internal/errors"
)

// Status reflects where a session sits in its lifecycle. Pending sessions
// become active on wallet-holder approval; expired, revoked and exhausted
// are terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusExpired   Status = "expired"
	StatusRevoked   Status = "revoked"
	StatusExhausted Status = "exhausted"
)

// IsTerminal reports whether a status permits no further transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusExpired, StatusRevoked, StatusExhausted:
		return true
	default:
		return false
	}
}

// IsLive reports whether a session still counts against the one-live-
// session-per-(agent, sessionKey) rule.
func (s Status) IsLive() bool {
	return s == StatusPending || s == StatusActive
}

// SpendingLimit caps the cumulative spend of one asset. Amounts are
// non-negative integers in base units; limits are immutable once attached
// to a session.
type SpendingLimit struct {
	Mint     string `json:"mint"`
	Amount   uint64 `json:"amount"`
	Decimals int    `json:"decimals"`
	Symbol   string `json:"symbol,omitempty"`
}

// Session is a time- and amount-bounded grant of spending authority to
// one agent. Timestamps are unix milliseconds.
type Session struct {
	ID              string            `json:"id"`
	RequestID       string            `json:"requestId"`
	AgentID         string            `json:"agentId"`
	WalletKey       string            `json:"walletKey"`
	SessionKey      string            `json:"sessionKey"`
	SessionSecret   string            `json:"sessionSecret,omitempty"`
	Limits          []SpendingLimit   `json:"limits"`
	DurationSeconds int64             `json:"durationSeconds"`
	CreatedAt       int64             `json:"createdAt"`
	ExpiresAt       int64             `json:"expiresAt"`
	Status          Status            `json:"status"`
	Spent           map[string]uint64 `json:"spent"`
}

// Limit returns the limit entry for a mint, if the session grants one.
func (s *Session) Limit(mint string) (SpendingLimit, bool) {
	for _, limit := range s.Limits {
		if limit.Mint == mint {
			return limit, true
		}
	}
	return SpendingLimit{}, false
}

func cloneSession(s *Session) *Session {
	if s == nil {
		return nil
	}
	copied := *s
	copied.Limits = append([]SpendingLimit(nil), s.Limits...)
	if s.Spent != nil {
		copied.Spent = make(map[string]uint64, len(s.Spent))
		for mint, amount := range s.Spent {
			copied.Spent[mint] = amount
		}
	}
	return &copied
}

var (
	// ErrSessionNotFound indicates the session id or request id is unknown.
	ErrSessionNotFound = xerrors.New(CodeSessionNotFound, "session not found")
	// ErrSessionConflict indicates the session is not in a state that
	// permits the requested transition.
	ErrSessionConflict = xerrors.New(CodeSessionConflict, "session conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrDuplicateRequest indicates a live session already exists for the
	// same agent and session key.
	ErrDuplicateRequest = xerrors.New(CodeSessionDuplicate, "duplicate session request")
	// ErrRequestRejected indicates the remote service rejected the
	// session request outright.
	ErrRequestRejected = xerrors.New(CodeSessionRejected, "session request rejected")
)

const (
	CodeSessionNotFound  xerrors.Code = "SESSION_NOT_FOUND"
	CodeSessionConflict  xerrors.Code = "SESSION_CONFLICT"
	CodeSessionDuplicate xerrors.Code = "SESSION_DUPLICATE_REQUEST"
	CodeSessionRejected  xerrors.Code = "SESSION_REQUEST_REJECTED"
)

func init() {
	xerrors.Register(CodeSessionNotFound, xerrors.Attributes{
		Message:  "session not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeSessionConflict, xerrors.Attributes{
		Message:  "session conflict",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeSessionDuplicate, xerrors.Attributes{
		Message:  "duplicate session request",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeSessionRejected, xerrors.Attributes{
		Message:  "session request rejected",
		Severity: xerrors.SeverityInfo,
	})
}

// ValidateLimits enforces the limit invariants before a request leaves
// the device: unique mints, non-negative decimals, a mint on every entry.
// Amounts are unsigned by type so negative amounts cannot be expressed.
func ValidateLimits(limits []SpendingLimit) error {
	if len(limits) == 0 {
		return xerrors.New(xerrors.CodeValidationFailed, "at least one spending limit is required")
	}
	seen := make(map[string]struct{}, len(limits))
	for _, limit := range limits {
		mint := strings.TrimSpace(limit.Mint)
		if mint == "" {
			return xerrors.New(xerrors.CodeValidationFailed, "spending limit missing mint")
		}
		if limit.Decimals < 0 {
			return xerrors.New(xerrors.CodeValidationFailed, "spending limit has negative decimals")
		}
		if _, dup := seen[mint]; dup {
			return xerrors.New(xerrors.CodeValidationFailed, "duplicate mint in spending limits",
				xerrors.WithMetadata("mint", mint))
		}
		seen[mint] = struct{}{}
	}
	return nil
}
