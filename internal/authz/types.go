package authz

import (
	"strings"

	xerrors "AgentVault/internal/errors"
)

// Status values reported by the remote authorization service for pairing
// attempts and session requests.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
	StatusExpired  = "expired"
)

func validStatus(status string) bool {
	switch status {
	case StatusPending, StatusApproved, StatusRejected, StatusExpired:
		return true
	default:
		return false
	}
}

// Limit mirrors one spending limit entry on the wire.
type Limit struct {
	Mint     string `json:"mint"`
	Amount   uint64 `json:"amount"`
	Decimals int    `json:"decimals"`
	Symbol   string `json:"symbol,omitempty"`
}

// PairingRequest starts a pairing attempt with a human-relayed code.
type PairingRequest struct {
	Code      string `json:"code"`
	AgentID   string `json:"agentId"`
	AgentName string `json:"agentName"`
}

// PairingTicket identifies an in-flight pairing attempt.
type PairingTicket struct {
	RequestID string `json:"requestId"`
	Code      string `json:"code"`
	ExpiresAt int64  `json:"expiresAt"`
}

// Validate checks the response schema before the ticket is used.
func (t *PairingTicket) Validate() error {
	if t == nil || strings.TrimSpace(t.RequestID) == "" {
		return xerrors.New(xerrors.CodeValidationFailed, "pairing ticket missing requestId")
	}
	return nil
}

// PairingStatus reports the current state of a pairing attempt.
type PairingStatus struct {
	Status    string `json:"status"`
	WalletKey string `json:"walletKey,omitempty"`
	AgentID   string `json:"agentId,omitempty"`
	AgentName string `json:"agentName,omitempty"`
}

// Validate checks the response schema before the status is used.
func (s *PairingStatus) Validate() error {
	if s == nil || !validStatus(s.Status) {
		return xerrors.New(xerrors.CodeValidationFailed, "pairing status carries unknown status")
	}
	if s.Status == StatusApproved && strings.TrimSpace(s.AgentID) == "" {
		return xerrors.New(xerrors.CodeValidationFailed, "approved pairing status missing agentId")
	}
	return nil
}

// SessionRequest submits a session grant for wallet-holder approval.
type SessionRequest struct {
	AgentID         string  `json:"agentId"`
	WalletKey       string  `json:"walletKey"`
	SessionKey      string  `json:"sessionKey"`
	DurationSeconds int64   `json:"durationSeconds"`
	Limits          []Limit `json:"limits"`
	Signature       string  `json:"signature"`
	Timestamp       int64   `json:"timestamp"`
	AuthSecret      string  `json:"authSecret,omitempty"`
}

// RemoteSession is the session payload the service returns on approval.
type RemoteSession struct {
	ID              string  `json:"id"`
	AgentID         string  `json:"agentId"`
	WalletKey       string  `json:"walletKey"`
	SessionKey      string  `json:"sessionKey"`
	SessionSecret   string  `json:"sessionSecret,omitempty"`
	Limits          []Limit `json:"limits"`
	DurationSeconds int64   `json:"durationSeconds"`
	CreatedAt       int64   `json:"createdAt"`
	ExpiresAt       int64   `json:"expiresAt"`
}

// Validate checks the schema of an approved session payload.
func (s *RemoteSession) Validate() error {
	if s == nil {
		return xerrors.New(xerrors.CodeValidationFailed, "session payload is missing")
	}
	if strings.TrimSpace(s.ID) == "" || strings.TrimSpace(s.AgentID) == "" {
		return xerrors.New(xerrors.CodeValidationFailed, "session payload missing identifiers")
	}
	if s.DurationSeconds <= 0 {
		return xerrors.New(xerrors.CodeValidationFailed, "session payload has non-positive duration")
	}
	for _, limit := range s.Limits {
		if strings.TrimSpace(limit.Mint) == "" {
			return xerrors.New(xerrors.CodeValidationFailed, "session limit missing mint")
		}
		if limit.Decimals < 0 {
			return xerrors.New(xerrors.CodeValidationFailed, "session limit has negative decimals")
		}
	}
	return nil
}

// SessionTicket is returned when a session request is submitted.
type SessionTicket struct {
	RequestID string         `json:"requestId"`
	Status    string         `json:"status"`
	Session   *RemoteSession `json:"session,omitempty"`
}

// Validate checks the response schema before the ticket is used.
func (t *SessionTicket) Validate() error {
	if t == nil || strings.TrimSpace(t.RequestID) == "" {
		return xerrors.New(xerrors.CodeValidationFailed, "session ticket missing requestId")
	}
	if !validStatus(t.Status) {
		return xerrors.New(xerrors.CodeValidationFailed, "session ticket carries unknown status")
	}
	if t.Status == StatusApproved {
		return t.Session.Validate()
	}
	return nil
}

// SessionDetails reports the current state of a session request.
type SessionDetails struct {
	Status  string         `json:"status"`
	Session *RemoteSession `json:"session,omitempty"`
}

// Validate checks the response schema before the details are used.
func (d *SessionDetails) Validate() error {
	if d == nil || !validStatus(d.Status) {
		return xerrors.New(xerrors.CodeValidationFailed, "session details carry unknown status")
	}
	if d.Status == StatusApproved {
		return d.Session.Validate()
	}
	return nil
}

// ApproveSessionRequest is the wallet holder's signed approval.
type ApproveSessionRequest struct {
	RequestID string `json:"requestId"`
	WalletKey string `json:"walletKey"`
	Signature string `json:"signature"`
}

// TransferRequest submits a spend of the native asset.
type TransferRequest struct {
	WalletKey     string `json:"walletKey"`
	SessionKey    string `json:"sessionKey"`
	SessionSecret string `json:"sessionSecret"`
	Destination   string `json:"destination"`
	Amount        uint64 `json:"amount"`
}

// TokenTransferRequest submits a spend of a fungible token.
type TokenTransferRequest struct {
	WalletKey     string `json:"walletKey"`
	SessionKey    string `json:"sessionKey"`
	SessionSecret string `json:"sessionSecret"`
	Destination   string `json:"destination"`
	Mint          string `json:"mint"`
	Amount        uint64 `json:"amount"`
}

// TransferResult carries the submission outcome.
type TransferResult struct {
	Signature string `json:"signature"`
	Status    string `json:"status"`
}

// Validate checks the response schema before the result is used.
func (r *TransferResult) Validate() error {
	if r == nil || strings.TrimSpace(r.Status) == "" {
		return xerrors.New(xerrors.CodeValidationFailed, "transfer result missing status")
	}
	return nil
}
