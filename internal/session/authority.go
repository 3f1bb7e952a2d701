// Package session owns the session lifecycle state machine and the
// spending ledger. The remote authorization service decides initial
// approvals; the authority mirrors the outcome locally and is then the
// authority for everything the session may spend.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"AgentVault/internal/agentreg"
	"AgentVault/internal/assets"
	"AgentVault/internal/authz"
	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/events"
	"AgentVault/internal/signer"
	"AgentVault/internal/store"
	"AgentVault/pkg/logger"
)

// RemoteService is the slice of the remote authorization service contract
// the authority consumes.
type RemoteService interface {
	RequestSession(ctx context.Context, req authz.SessionRequest) (authz.SessionTicket, error)
	SessionDetails(ctx context.Context, requestID string) (authz.SessionDetails, error)
	ApproveSession(ctx context.Context, req authz.ApproveSessionRequest) (authz.SessionDetails, error)
	RejectSession(ctx context.Context, requestID string) error
	SubmitTransfer(ctx context.Context, req authz.TransferRequest) (authz.TransferResult, error)
	SubmitTokenTransfer(ctx context.Context, req authz.TokenTransferRequest) (authz.TransferResult, error)
}

// Authority drives session lifecycle transitions and consults the ledger
// before any transfer is authorized. All collection mutations are
// serialized behind the authority mutex.
type Authority struct {
	mu      sync.Mutex
	docs    store.DocumentStore
	agents  *agentreg.Registry
	remote  RemoteService
	signer  signer.Signer
	catalog *assets.Catalog
	pub     events.Publisher
	now     func() time.Time
	log     *slog.Logger
}

// Option configures optional authority collaborators.
type Option func(*Authority)

// WithCatalog wires the asset catalog used to annotate limits.
func WithCatalog(catalog *assets.Catalog) Option {
	return func(a *Authority) {
		a.catalog = catalog
	}
}

// WithPublisher wires the lifecycle event publisher.
func WithPublisher(pub events.Publisher) Option {
	return func(a *Authority) {
		a.pub = pub
	}
}

// WithClock overrides the time source, used in tests.
func WithClock(now func() time.Time) Option {
	return func(a *Authority) {
		a.now = now
	}
}

// NewAuthority constructs the session authority.
func NewAuthority(docs store.DocumentStore, agents *agentreg.Registry, remote RemoteService, sig signer.Signer, opts ...Option) *Authority {
	a := &Authority{
		docs:   docs,
		agents: agents,
		remote: remote,
		signer: sig,
		pub:    events.Discard{},
		now:    time.Now,
		log:    logger.Named("session"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

func (a *Authority) publish(ctx context.Context, event events.Event) {
	event.At = a.now()
	if err := a.pub.Publish(ctx, event); err != nil {
		a.log.Warn("publish lifecycle event", slog.String("kind", string(event.Kind)), slog.Any("error", err))
	}
}

// load reads the whole session collection. Only a document that fails to
// parse degrades to an empty collection, reported as STORAGE_CORRUPTED;
// a backend read failure propagates untouched so callers never write an
// empty collection over state that still exists.
func (a *Authority) load(ctx context.Context) ([]*Session, error) {
	body, err := a.docs.Read(ctx, store.KeySessions)
	if xerrors.CodeOf(err) == xerrors.CodeNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var sessions []*Session
	if err := json.Unmarshal(body, &sessions); err != nil {
		a.log.Error("session collection corrupted, starting empty", slog.Any("error", err))
		return nil, xerrors.Wrap(xerrors.CodeStorageCorrupted, err, "parse session collection")
	}
	return sessions, nil
}

func (a *Authority) save(ctx context.Context, sessions []*Session) error {
	body, err := json.Marshal(sessions)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "encode session collection")
	}
	return a.docs.Write(ctx, store.KeySessions, body)
}

// applyExpiry flips an active session past its deadline to expired.
// Returns true when the status changed; the caller must persist the
// collection before acting on the session (write-before-read validity).
func applyExpiry(sess *Session, now time.Time) bool {
	if sess.Status != StatusActive {
		return false
	}
	if now.UnixMilli() >= sess.ExpiresAt {
		sess.Status = StatusExpired
		return true
	}
	return false
}

// expireLoaded applies lazy expiry across a loaded collection and
// persists when anything flipped.
func (a *Authority) expireLoaded(ctx context.Context, sessions []*Session) error {
	now := a.now()
	changed := false
	for _, sess := range sessions {
		if applyExpiry(sess, now) {
			changed = true
			a.publish(ctx, events.Event{Kind: events.KindSessionExpired, SessionID: sess.ID, AgentID: sess.AgentID})
			logger.Audit().Info("session expired", slog.String("session_id", sess.ID))
		}
	}
	if !changed {
		return nil
	}
	return a.save(ctx, sessions)
}

func findByID(sessions []*Session, id string) *Session {
	for _, sess := range sessions {
		if sess.ID == id {
			return sess
		}
	}
	return nil
}

func findByRequestID(sessions []*Session, requestID string) *Session {
	for _, sess := range sessions {
		if sess.RequestID == requestID {
			return sess
		}
	}
	return nil
}

// annotate fills in symbol/decimals from the catalog when the caller
// omitted them and cross-checks decimals when both sides are set.
func (a *Authority) annotate(limits []SpendingLimit) ([]SpendingLimit, error) {
	if a.catalog == nil {
		return limits, nil
	}
	out := make([]SpendingLimit, len(limits))
	copy(out, limits)
	for i := range out {
		asset, ok := a.catalog.Lookup(out[i].Mint)
		if !ok {
			continue
		}
		if out[i].Symbol == "" {
			out[i].Symbol = asset.Symbol
		}
		if out[i].Decimals == 0 {
			out[i].Decimals = asset.Decimals
		} else if out[i].Decimals != asset.Decimals {
			return nil, xerrors.New(xerrors.CodeValidationFailed,
				fmt.Sprintf("limit decimals %d disagree with catalog decimals %d for %s",
					out[i].Decimals, asset.Decimals, out[i].Mint))
		}
	}
	return out, nil
}

// requestDigest is the canonical signing payload for a session request.
func requestDigest(req authz.SessionRequest) []byte {
	mints := make([]string, 0, len(req.Limits))
	for _, limit := range req.Limits {
		mints = append(mints, fmt.Sprintf("%s:%d", limit.Mint, limit.Amount))
	}
	sort.Strings(mints)
	return signer.Digest(map[string]string{
		"agentId":         req.AgentID,
		"walletKey":       req.WalletKey,
		"sessionKey":      req.SessionKey,
		"durationSeconds": fmt.Sprintf("%d", req.DurationSeconds),
		"timestamp":       fmt.Sprintf("%d", req.Timestamp),
		"limits":          strings.Join(mints, ","),
	})
}

// RequestSession validates a grant request, signs it and submits it to
// the remote service, mirroring the outcome locally. The returned session
// is pending unless the service approved it inline.
func (a *Authority) RequestSession(ctx context.Context, agentID, walletKey, sessionKey string, durationSeconds int64, limits []SpendingLimit) (*Session, error) {
	if a.signer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "session authority has no signer")
	}
	if durationSeconds <= 0 {
		return nil, xerrors.New(xerrors.CodeValidationFailed, "durationSeconds must be positive")
	}
	if strings.TrimSpace(sessionKey) == "" {
		return nil, xerrors.New(xerrors.CodeValidationFailed, "sessionKey is empty")
	}
	if err := ValidateLimits(limits); err != nil {
		return nil, err
	}
	limits, err := a.annotate(limits)
	if err != nil {
		return nil, err
	}

	agent, err := a.agents.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent.Status == agentreg.StatusRevoked {
		return nil, agentreg.ErrAgentRevoked
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	sessions, err := a.load(ctx)
	if err != nil {
		if xerrors.CodeOf(err) != xerrors.CodeStorageCorrupted {
			return nil, err
		}
		a.log.Warn("requesting session over a corrupted collection", slog.Any("error", err))
	}
	if err := a.expireLoaded(ctx, sessions); err != nil {
		return nil, err
	}
	for _, sess := range sessions {
		if sess.AgentID == agentID && sess.SessionKey == sessionKey && sess.Status.IsLive() {
			return nil, ErrDuplicateRequest
		}
	}

	wireLimits := make([]authz.Limit, len(limits))
	for i, limit := range limits {
		wireLimits[i] = authz.Limit{Mint: limit.Mint, Amount: limit.Amount, Decimals: limit.Decimals, Symbol: limit.Symbol}
	}
	req := authz.SessionRequest{
		AgentID:         agentID,
		WalletKey:       walletKey,
		SessionKey:      sessionKey,
		DurationSeconds: durationSeconds,
		Limits:          wireLimits,
		Timestamp:       a.now().UnixMilli(),
	}
	req.Signature, err = a.signer.Sign(requestDigest(req))
	if err != nil {
		return nil, err
	}

	ticket, err := a.remote.RequestSession(ctx, req)
	if err != nil {
		return nil, err
	}
	if ticket.Status == authz.StatusRejected {
		return nil, ErrRequestRejected
	}

	sess := &Session{
		ID:              uuid.NewString(),
		RequestID:       ticket.RequestID,
		AgentID:         agentID,
		WalletKey:       walletKey,
		SessionKey:      sessionKey,
		Limits:          limits,
		DurationSeconds: durationSeconds,
		CreatedAt:       a.now().UnixMilli(),
		Status:          StatusPending,
	}
	if ticket.Status == authz.StatusApproved {
		a.activate(sess, ticket.Session)
	}

	sessions = append(sessions, sess)
	if err := a.save(ctx, sessions); err != nil {
		return nil, err
	}
	a.publish(ctx, events.Event{Kind: events.KindSessionRequested, SessionID: sess.ID, AgentID: agentID})
	if sess.Status == StatusActive {
		a.publish(ctx, events.Event{Kind: events.KindSessionApproved, SessionID: sess.ID, AgentID: agentID})
	}
	logger.Audit().Info("session requested",
		slog.String("session_id", sess.ID),
		slog.String("agent_id", agentID),
		slog.String("request_id", sess.RequestID),
		slog.String("status", string(sess.Status)),
	)
	return cloneSession(sess), nil
}

// activate applies an approved remote payload to a pending session: the
// status flips to active, every limited mint starts at zero spend and the
// deadline is fixed.
func (a *Authority) activate(sess *Session, remote *authz.RemoteSession) {
	sess.Status = StatusActive
	if sess.CreatedAt == 0 {
		sess.CreatedAt = a.now().UnixMilli()
	}
	if remote != nil {
		if remote.ID != "" {
			sess.ID = remote.ID
		}
		if remote.ExpiresAt > 0 {
			sess.ExpiresAt = remote.ExpiresAt
		}
		if remote.SessionKey != "" {
			sess.SessionKey = remote.SessionKey
		}
		if remote.SessionSecret != "" {
			sess.SessionSecret = remote.SessionSecret
		}
	}
	if sess.ExpiresAt == 0 {
		sess.ExpiresAt = sess.CreatedAt + sess.DurationSeconds*1000
	}
	sess.Spent = make(map[string]uint64, len(sess.Limits))
	for _, limit := range sess.Limits {
		sess.Spent[limit.Mint] = 0
	}
}

// Approve submits the wallet holder's signed approval for a pending
// session and activates the local mirror on success.
func (a *Authority) Approve(ctx context.Context, requestID string) (*Session, error) {
	if a.signer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "session authority has no signer")
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	sessions, err := a.load(ctx)
	if err != nil {
		return nil, err
	}
	sess := findByRequestID(sessions, requestID)
	if sess == nil {
		return nil, ErrSessionNotFound
	}
	if sess.Status != StatusPending {
		return nil, xerrors.New(CodeSessionConflict,
			fmt.Sprintf("session is %s, not pending", sess.Status))
	}

	sig, err := a.signer.Sign(signer.Digest(map[string]string{
		"requestId": requestID,
		"walletKey": sess.WalletKey,
	}))
	if err != nil {
		return nil, err
	}
	details, err := a.remote.ApproveSession(ctx, authz.ApproveSessionRequest{
		RequestID: requestID,
		WalletKey: sess.WalletKey,
		Signature: sig,
	})
	if err != nil {
		return nil, err
	}
	if details.Status != authz.StatusApproved {
		return nil, xerrors.New(xerrors.CodeRemoteServiceFailure,
			fmt.Sprintf("approval returned status %s", details.Status))
	}

	a.activate(sess, details.Session)
	if err := a.save(ctx, sessions); err != nil {
		return nil, err
	}
	a.publish(ctx, events.Event{Kind: events.KindSessionApproved, SessionID: sess.ID, AgentID: sess.AgentID})
	logger.Audit().Info("session approved",
		slog.String("session_id", sess.ID),
		slog.String("agent_id", sess.AgentID),
		slog.Int64("expires_at", sess.ExpiresAt),
	)
	return cloneSession(sess), nil
}

// Reject declines a pending session request. The session moves to
// revoked; no other origin state is permitted.
func (a *Authority) Reject(ctx context.Context, requestID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	sessions, err := a.load(ctx)
	if err != nil {
		return err
	}
	sess := findByRequestID(sessions, requestID)
	if sess == nil {
		return ErrSessionNotFound
	}
	if sess.Status != StatusPending {
		return xerrors.New(CodeSessionConflict,
			fmt.Sprintf("session is %s, not pending", sess.Status))
	}
	if err := a.remote.RejectSession(ctx, requestID); err != nil {
		return err
	}
	sess.Status = StatusRevoked
	if err := a.save(ctx, sessions); err != nil {
		return err
	}
	a.publish(ctx, events.Event{Kind: events.KindSessionRejected, SessionID: sess.ID, AgentID: sess.AgentID})
	logger.Audit().Info("session rejected", slog.String("session_id", sess.ID))
	return nil
}

// Revoke terminates an active session immediately. Spends already
// authorized by the ledger stay committed; only new authorizations are
// blocked.
func (a *Authority) Revoke(ctx context.Context, sessionID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	sessions, err := a.load(ctx)
	if err != nil {
		return err
	}
	sess := findByID(sessions, sessionID)
	if sess == nil {
		return ErrSessionNotFound
	}
	if err := a.revokeLoaded(ctx, sessions, sess); err != nil {
		return err
	}
	return a.save(ctx, sessions)
}

// revokeLoaded flips one live session to revoked within an already-loaded
// collection. The caller persists.
func (a *Authority) revokeLoaded(ctx context.Context, sessions []*Session, sess *Session) error {
	if sess.Status.IsTerminal() {
		return xerrors.New(CodeSessionConflict,
			fmt.Sprintf("session is already %s", sess.Status))
	}
	sess.Status = StatusRevoked
	a.publish(ctx, events.Event{Kind: events.KindSessionRevoked, SessionID: sess.ID, AgentID: sess.AgentID})
	logger.Audit().Info("session revoked", slog.String("session_id", sess.ID), slog.String("agent_id", sess.AgentID))
	return nil
}

// CheckExpiry applies the expiry rule to one session. Idempotent: a
// second call with the same clock yields the same terminal state.
func (a *Authority) CheckExpiry(ctx context.Context, sessionID string, now time.Time) (*Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	sessions, err := a.load(ctx)
	if err != nil {
		return nil, err
	}
	sess := findByID(sessions, sessionID)
	if sess == nil {
		return nil, ErrSessionNotFound
	}
	if applyExpiry(sess, now) {
		// The expiry write must land before the session is handed back.
		if err := a.save(ctx, sessions); err != nil {
			return nil, err
		}
		a.publish(ctx, events.Event{Kind: events.KindSessionExpired, SessionID: sess.ID, AgentID: sess.AgentID})
		logger.Audit().Info("session expired", slog.String("session_id", sess.ID))
	}
	return cloneSession(sess), nil
}

// Get returns one session, applying lazy expiry first.
func (a *Authority) Get(ctx context.Context, sessionID string) (*Session, error) {
	return a.CheckExpiry(ctx, sessionID, a.now())
}

// List returns all sessions, applying lazy expiry first. A corrupt
// collection yields an empty list alongside the storage error.
func (a *Authority) List(ctx context.Context) ([]*Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	sessions, loadErr := a.load(ctx)
	if loadErr != nil && xerrors.CodeOf(loadErr) != xerrors.CodeStorageCorrupted {
		return nil, loadErr
	}
	if err := a.expireLoaded(ctx, sessions); err != nil {
		return nil, err
	}
	out := make([]*Session, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, cloneSession(sess))
	}
	return out, loadErr
}

// CountLiveSessions implements agentreg.SessionSource. A corrupted
// collection counts as empty; any other load failure propagates so agent
// removal cannot proceed on unknown session state.
func (a *Authority) CountLiveSessions(ctx context.Context, agentID string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	sessions, err := a.load(ctx)
	if err != nil && xerrors.CodeOf(err) != xerrors.CodeStorageCorrupted {
		return 0, err
	}
	if err := a.expireLoaded(ctx, sessions); err != nil {
		return 0, err
	}
	count := 0
	for _, sess := range sessions {
		if sess.AgentID == agentID && sess.Status.IsLive() {
			count++
		}
	}
	return count, nil
}

// UnpairAgent revokes every live session of an agent and then removes the
// agent record, as one coordinated sequence. No orphaned live session may
// survive pointing at a missing agent.
func (a *Authority) UnpairAgent(ctx context.Context, agentID string) error {
	a.mu.Lock()
	sessions, err := a.load(ctx)
	if err != nil {
		if xerrors.CodeOf(err) != xerrors.CodeStorageCorrupted {
			a.mu.Unlock()
			return err
		}
		a.log.Warn("unpairing over a corrupted session collection", slog.Any("error", err))
	}
	changed := false
	for _, sess := range sessions {
		if sess.AgentID == agentID && !sess.Status.IsTerminal() {
			if err := a.revokeLoaded(ctx, sessions, sess); err != nil {
				a.mu.Unlock()
				return err
			}
			changed = true
		}
	}
	if changed {
		if err := a.save(ctx, sessions); err != nil {
			a.mu.Unlock()
			return err
		}
	}
	a.mu.Unlock()

	if err := a.agents.RemoveAgent(ctx, agentID); err != nil {
		return err
	}
	a.publish(ctx, events.Event{Kind: events.KindAgentUnpaired, AgentID: agentID})
	logger.Audit().Info("agent unpaired", slog.String("agent_id", agentID))
	return nil
}
