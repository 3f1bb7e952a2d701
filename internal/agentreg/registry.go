// Package agentreg owns the on-device catalogue of paired agents. The
// collection is persisted as one JSON document; every mutation reloads
// the document, applies its delta and writes the whole document back
// under the registry mutex.
package agentreg

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/store"
	"AgentVault/pkg/logger"
)

// SessionSource answers whether live (pending or active) sessions still
// reference an agent. Wired after construction to break the dependency
// cycle with the session authority.
type SessionSource interface {
	CountLiveSessions(ctx context.Context, agentID string) (int, error)
}

// Registry provides serialized access to the persisted agent collection.
type Registry struct {
	mu       sync.Mutex
	docs     store.DocumentStore
	sessions SessionSource
	now      func() time.Time
	log      *slog.Logger
}

// NewRegistry creates a registry over the given document store.
func NewRegistry(docs store.DocumentStore) *Registry {
	return &Registry{
		docs: docs,
		now:  time.Now,
		log:  logger.Named("agentreg"),
	}
}

// SetSessionSource wires the live-session precondition check for
// RemoveAgent.
func (r *Registry) SetSessionSource(src SessionSource) {
	r.mu.Lock()
	r.sessions = src
	r.mu.Unlock()
}

// SetClock overrides the time source, used in tests.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// load reads the whole agent collection. Only a document that fails to
// parse degrades to an empty collection, reported as STORAGE_CORRUPTED,
// since pairing state can be re-derived from the remote service of
// record. A backend read failure propagates untouched.
func (r *Registry) load(ctx context.Context) ([]*Agent, error) {
	body, err := r.docs.Read(ctx, store.KeyAgents)
	if xerrors.CodeOf(err) == xerrors.CodeNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var agents []*Agent
	if err := json.Unmarshal(body, &agents); err != nil {
		r.log.Error("agent collection corrupted, starting empty", slog.Any("error", err))
		return nil, xerrors.Wrap(xerrors.CodeStorageCorrupted, err, "parse agent collection")
	}
	return agents, nil
}

func (r *Registry) save(ctx context.Context, agents []*Agent) error {
	body, err := json.Marshal(agents)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "encode agent collection")
	}
	return r.docs.Write(ctx, store.KeyAgents, body)
}

// AddAgent persists a newly paired agent. Adding an id that already
// exists with identical pairing identity is a no-op so a retried pairing
// poll cannot duplicate the record; any other collision is a conflict.
func (r *Registry) AddAgent(ctx context.Context, agent Agent) (*Agent, error) {
	if strings.TrimSpace(agent.ID) == "" {
		return nil, xerrors.New(xerrors.CodeValidationFailed, "agent id is empty")
	}
	if agent.Status == "" {
		agent.Status = StatusActive
	}
	if !IsValidStatus(agent.Status) {
		return nil, xerrors.New(xerrors.CodeValidationFailed, "unknown agent status")
	}
	if agent.PairedAt == 0 {
		agent.PairedAt = r.now().UnixMilli()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	agents, err := r.load(ctx)
	if err != nil {
		if xerrors.CodeOf(err) != xerrors.CodeStorageCorrupted {
			return nil, err
		}
		r.log.Warn("adding agent over a corrupted collection", slog.Any("error", err))
	}
	for _, existing := range agents {
		if existing.ID == agent.ID {
			if existing.Name == agent.Name && existing.WalletKey == agent.WalletKey {
				return clone(existing), nil
			}
			return nil, ErrAgentExists
		}
	}
	agents = append(agents, clone(&agent))
	if err := r.save(ctx, agents); err != nil {
		return nil, err
	}
	logger.Audit().Info("agent paired",
		slog.String("agent_id", agent.ID),
		slog.String("agent_name", agent.Name),
	)
	return clone(&agent), nil
}

// Get returns the agent with the given id.
func (r *Registry) Get(ctx context.Context, id string) (*Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	agents, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	for _, agent := range agents {
		if agent.ID == id {
			return clone(agent), nil
		}
	}
	return nil, ErrAgentNotFound
}

// ListForWallet returns the agents paired with the given wallet, or all
// agents when walletKey is empty.
func (r *Registry) ListForWallet(ctx context.Context, walletKey string) ([]*Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	agents, loadErr := r.load(ctx)
	out := make([]*Agent, 0, len(agents))
	for _, agent := range agents {
		if walletKey == "" || agent.WalletKey == walletKey {
			out = append(out, clone(agent))
		}
	}
	return out, loadErr
}

// UpdateStatus transitions an agent's status. Revoked is terminal; the
// active/inactive pair may flip in either direction.
func (r *Registry) UpdateStatus(ctx context.Context, id string, status Status) error {
	if !IsValidStatus(status) {
		return xerrors.New(xerrors.CodeValidationFailed, "unknown agent status")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	agents, err := r.load(ctx)
	if err != nil {
		return err
	}
	for _, agent := range agents {
		if agent.ID != id {
			continue
		}
		if agent.Status == StatusRevoked && status != StatusRevoked {
			return ErrAgentRevoked
		}
		agent.Status = status
		return r.save(ctx, agents)
	}
	return ErrAgentNotFound
}

// UpdateLastSeen records observed agent activity.
func (r *Registry) UpdateLastSeen(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	agents, err := r.load(ctx)
	if err != nil {
		return err
	}
	for _, agent := range agents {
		if agent.ID != id {
			continue
		}
		seen := at.UnixMilli()
		agent.LastSeen = &seen
		return r.save(ctx, agents)
	}
	return ErrAgentNotFound
}

// RemoveAgent deletes an agent record. The caller must have revoked the
// agent's sessions first; removal fails loudly while live sessions still
// reference the agent.
func (r *Registry) RemoveAgent(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions != nil {
		live, err := r.sessions.CountLiveSessions(ctx, id)
		if err != nil {
			return err
		}
		if live > 0 {
			return xerrors.New(CodeAgentHasSessions, "",
				xerrors.WithMetadata("agent_id", id))
		}
	}
	agents, err := r.load(ctx)
	if err != nil {
		return err
	}
	kept := agents[:0]
	found := false
	for _, agent := range agents {
		if agent.ID == id {
			found = true
			continue
		}
		kept = append(kept, agent)
	}
	if !found {
		return ErrAgentNotFound
	}
	if err := r.save(ctx, kept); err != nil {
		return err
	}
	logger.Audit().Info("agent removed", slog.String("agent_id", id))
	return nil
}
