package agentreg

import (
	xerrors "AgentVault/internal/errors"
)

// Status reflects the lifecycle of a paired agent.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusRevoked  Status = "revoked"
)

// Agent is one paired automated actor. LastSeen is nil until the agent's
// first observed activity after pairing.
type Agent struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	WalletKey string `json:"walletKey"`
	PairedAt  int64  `json:"pairedAt"`
	LastSeen  *int64 `json:"lastSeen"`
	Status    Status `json:"status"`
}

var (
	// ErrAgentNotFound indicates the agent id is unknown.
	ErrAgentNotFound = xerrors.New(CodeAgentNotFound, "agent not found")
	// ErrAgentExists indicates a pairing collision on an existing id.
	ErrAgentExists = xerrors.New(CodeAgentExists, "agent already paired")
	// ErrAgentHasSessions indicates removal was attempted while live
	// sessions still reference the agent.
	ErrAgentHasSessions = xerrors.New(CodeAgentHasSessions, "agent still has live sessions")
	// ErrAgentRevoked indicates a transition out of the terminal state.
	ErrAgentRevoked = xerrors.New(CodeAgentRevoked, "agent is revoked")
)

const (
	CodeAgentNotFound    xerrors.Code = "AGENT_NOT_FOUND"
	CodeAgentExists      xerrors.Code = "AGENT_EXISTS"
	CodeAgentHasSessions xerrors.Code = "AGENT_HAS_SESSIONS"
	CodeAgentRevoked     xerrors.Code = "AGENT_REVOKED"
)

func init() {
	xerrors.Register(CodeAgentNotFound, xerrors.Attributes{
		Message:  "agent not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeAgentExists, xerrors.Attributes{
		Message:  "agent already paired",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeAgentHasSessions, xerrors.Attributes{
		Message:  "agent still has live sessions",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
	xerrors.Register(CodeAgentRevoked, xerrors.Attributes{
		Message:  "agent is revoked",
		Severity: xerrors.SeverityInfo,
	})
}

// IsValidStatus reports whether a status is one of the supported values.
func IsValidStatus(status Status) bool {
	switch status {
	case StatusActive, StatusInactive, StatusRevoked:
		return true
	default:
		return false
	}
}

func clone(agent *Agent) *Agent {
	if agent == nil {
		return nil
	}
	copied := *agent
	if agent.LastSeen != nil {
		seen := *agent.LastSeen
		copied.LastSeen = &seen
	}
	return &copied
}
