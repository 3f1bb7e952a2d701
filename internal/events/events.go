// Package events publishes agent and session lifecycle notifications so
// external observers (dashboards, alerting) can follow authorization
// decisions without polling the store.
package events

import (
	"context"
	"time"
)

// Kind enumerates the lifecycle notifications emitted by the core.
type Kind string

const (
	KindAgentPaired      Kind = "agent.paired"
	KindAgentUnpaired    Kind = "agent.unpaired"
	KindSessionRequested Kind = "session.requested"
	KindSessionApproved  Kind = "session.approved"
	KindSessionRejected  Kind = "session.rejected"
	KindSessionRevoked   Kind = "session.revoked"
	KindSessionExpired   Kind = "session.expired"
	KindSessionExhausted Kind = "session.exhausted"
	KindSpendAuthorized  Kind = "spend.authorized"
	KindSpendRejected    Kind = "spend.rejected"
)

// Event is one lifecycle notification.
type Event struct {
	Kind      Kind      `json:"kind"`
	AgentID   string    `json:"agent_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Mint      string    `json:"mint,omitempty"`
	Amount    uint64    `json:"amount,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// Publisher delivers lifecycle events to interested consumers.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Discard is a Publisher that drops every event.
type Discard struct{}

// Publish implements Publisher.
func (Discard) Publish(context.Context, Event) error { return nil }

// Close implements Publisher.
func (Discard) Close() error { return nil }
