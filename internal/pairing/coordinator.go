// Package pairing drives the handshake that binds an agent identity to a
// wallet using a short-lived, human-relayed code. The remote service owns
// the attempt lifecycle; the coordinator only observes it by polling and
// materializes the agent record exactly once on approval.
package pairing

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"AgentVault/internal/agentreg"
	"AgentVault/internal/authz"
	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/events"
	"AgentVault/pkg/logger"
)

// AuthorizationService is the slice of the remote service contract the
// coordinator consumes.
type AuthorizationService interface {
	RequestPairing(ctx context.Context, req authz.PairingRequest) (authz.PairingTicket, error)
	PairingStatus(ctx context.Context, requestID string) (authz.PairingStatus, error)
}

// OutcomeKind enumerates how a pairing attempt can end. Timeout is the
// coordinator giving up after the wall-clock bound without the service
// ever answering; expired is the service explicitly reporting expiry.
type OutcomeKind string

const (
	OutcomePending  OutcomeKind = "pending"
	OutcomeApproved OutcomeKind = "approved"
	OutcomeRejected OutcomeKind = "rejected"
	OutcomeExpired  OutcomeKind = "expired"
	OutcomeTimeout  OutcomeKind = "timeout"
)

// Outcome is the observed state of a pairing attempt.
type Outcome struct {
	Kind      OutcomeKind
	AgentID   string
	AgentName string
	WalletKey string
}

// ErrCanceled reports that the caller canceled the attempt; no partially
// received outcome has been applied.
var ErrCanceled = xerrors.New(CodePairingCanceled, "pairing canceled")

const (
	CodePairingCanceled xerrors.Code = "PAIRING_CANCELED"
	CodePairingTimeout  xerrors.Code = "PAIRING_TIMEOUT"
)

func init() {
	xerrors.Register(CodePairingCanceled, xerrors.Attributes{
		Message:  "pairing canceled",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodePairingTimeout, xerrors.Attributes{
		Message:  "pairing timed out",
		Severity: xerrors.SeverityWarning,
	})
}

// Defaults for the poll loop.
const (
	DefaultPollInterval = 2 * time.Second
	DefaultMaxWait      = 120 * time.Second
)

// Coordinator runs pairing attempts against the remote service.
type Coordinator struct {
	remote   AuthorizationService
	agents   *agentreg.Registry
	pub      events.Publisher
	interval time.Duration
	maxWait  time.Duration
	now      func() time.Time
	log      *slog.Logger
}

// Option configures optional coordinator parameters.
type Option func(*Coordinator)

// WithPollInterval overrides the fixed poll interval.
func WithPollInterval(interval time.Duration) Option {
	return func(c *Coordinator) {
		if interval > 0 {
			c.interval = interval
		}
	}
}

// WithMaxWait overrides the wall-clock bound on polling.
func WithMaxWait(maxWait time.Duration) Option {
	return func(c *Coordinator) {
		if maxWait > 0 {
			c.maxWait = maxWait
		}
	}
}

// WithPublisher wires the lifecycle event publisher.
func WithPublisher(pub events.Publisher) Option {
	return func(c *Coordinator) {
		c.pub = pub
	}
}

// WithClock overrides the time source, used in tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// NewCoordinator constructs a pairing coordinator.
func NewCoordinator(remote AuthorizationService, agents *agentreg.Registry, opts ...Option) *Coordinator {
	c := &Coordinator{
		remote:   remote,
		agents:   agents,
		pub:      events.Discard{},
		interval: DefaultPollInterval,
		maxWait:  DefaultMaxWait,
		now:      time.Now,
		log:      logger.Named("pairing"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Attempt is a handle on one in-flight pairing attempt. Cancel stops the
// poll loop; a canceled attempt never materializes an agent.
type Attempt struct {
	RequestID string
	AgentID   string
	AgentName string

	coordinator *Coordinator
	cancelCh    chan struct{}
	cancel      func()
}

// Cancel stops the attempt's poll loop. Safe to call more than once.
func (at *Attempt) Cancel() {
	at.cancel()
}

// Begin submits the pairing code to the remote service and returns the
// attempt handle. The agent name identifies the agent to the wallet
// holder in the approval prompt.
func (c *Coordinator) Begin(ctx context.Context, code, agentName string) (*Attempt, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, xerrors.New(xerrors.CodeValidationFailed, "pairing code is empty")
	}
	if strings.TrimSpace(agentName) == "" {
		return nil, xerrors.New(xerrors.CodeValidationFailed, "agent name is empty")
	}

	agentID := uuid.NewString()
	ticket, err := c.remote.RequestPairing(ctx, authz.PairingRequest{
		Code:      code,
		AgentID:   agentID,
		AgentName: agentName,
	})
	if err != nil {
		return nil, err
	}

	at := &Attempt{
		RequestID:   ticket.RequestID,
		AgentID:     agentID,
		AgentName:   agentName,
		coordinator: c,
		cancelCh:    make(chan struct{}),
	}
	var once sync.Once
	at.cancel = func() {
		once.Do(func() { close(at.cancelCh) })
	}
	c.log.Info("pairing started", slog.String("request_id", at.RequestID), slog.String("agent_name", agentName))
	return at, nil
}

// PollOnce observes the attempt once. On approval it materializes the
// agent record; materialization is idempotent on the agent id, so a
// retried poll after a transient failure cannot create a duplicate.
func (c *Coordinator) PollOnce(ctx context.Context, at *Attempt) (Outcome, error) {
	status, err := c.remote.PairingStatus(ctx, at.RequestID)
	if err != nil {
		return Outcome{}, err
	}
	switch status.Status {
	case authz.StatusPending:
		return Outcome{Kind: OutcomePending}, nil
	case authz.StatusRejected:
		return Outcome{Kind: OutcomeRejected}, nil
	case authz.StatusExpired:
		return Outcome{Kind: OutcomeExpired}, nil
	case authz.StatusApproved:
		agentID := status.AgentID
		if agentID == "" {
			agentID = at.AgentID
		}
		agentName := status.AgentName
		if agentName == "" {
			agentName = at.AgentName
		}
		outcome := Outcome{
			Kind:      OutcomeApproved,
			AgentID:   agentID,
			AgentName: agentName,
			WalletKey: status.WalletKey,
		}
		if _, err := c.agents.AddAgent(ctx, agentreg.Agent{
			ID:        agentID,
			Name:      agentName,
			WalletKey: status.WalletKey,
			PairedAt:  c.now().UnixMilli(),
			Status:    agentreg.StatusActive,
		}); err != nil {
			return Outcome{}, err
		}
		event := events.Event{Kind: events.KindAgentPaired, AgentID: agentID, At: c.now()}
		if pubErr := c.pub.Publish(ctx, event); pubErr != nil {
			c.log.Warn("publish pairing event", slog.Any("error", pubErr))
		}
		return outcome, nil
	default:
		return Outcome{}, xerrors.New(xerrors.CodeValidationFailed, "pairing status carries unknown status")
	}
}

// Wait polls the attempt on the fixed interval until an explicit outcome,
// the wall-clock bound, cancellation or context cancellation. Individual
// poll failures are swallowed and retried; validation failures (malformed
// responses) terminate the wait since retrying cannot fix them.
func (c *Coordinator) Wait(ctx context.Context, at *Attempt) (Outcome, error) {
	deadline := time.NewTimer(c.maxWait)
	defer deadline.Stop()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case <-at.cancelCh:
			return Outcome{}, ErrCanceled
		case <-deadline.C:
			c.log.Warn("pairing timed out", slog.String("request_id", at.RequestID))
			return Outcome{Kind: OutcomeTimeout}, nil
		case <-ticker.C:
		}

		outcome, err := c.PollOnce(ctx, at)

		// A cancellation that raced the poll discards whatever came back.
		select {
		case <-at.cancelCh:
			return Outcome{}, ErrCanceled
		default:
		}

		if err != nil {
			if xerrors.CodeOf(err) == xerrors.CodeValidationFailed {
				return Outcome{}, err
			}
			c.log.Debug("pairing poll failed, retrying",
				slog.String("request_id", at.RequestID), slog.Any("error", err))
			continue
		}
		if outcome.Kind != OutcomePending {
			return outcome, nil
		}
	}
}
