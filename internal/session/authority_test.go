package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"AgentVault/internal/agentreg"
	"AgentVault/internal/authz"
	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/signer"
	"AgentVault/internal/store"
)

// fakeRemote implements RemoteService with overridable behaviour.
type fakeRemote struct {
	requestFn       func(ctx context.Context, req authz.SessionRequest) (authz.SessionTicket, error)
	approveFn       func(ctx context.Context, req authz.ApproveSessionRequest) (authz.SessionDetails, error)
	rejectFn        func(ctx context.Context, requestID string) error
	transferFn      func(ctx context.Context, req authz.TransferRequest) (authz.TransferResult, error)
	tokenTransferFn func(ctx context.Context, req authz.TokenTransferRequest) (authz.TransferResult, error)
}

func (f *fakeRemote) RequestSession(ctx context.Context, req authz.SessionRequest) (authz.SessionTicket, error) {
	if f.requestFn != nil {
		return f.requestFn(ctx, req)
	}
	return authz.SessionTicket{RequestID: "req-1", Status: authz.StatusPending}, nil
}

func (f *fakeRemote) SessionDetails(_ context.Context, _ string) (authz.SessionDetails, error) {
	return authz.SessionDetails{Status: authz.StatusPending}, nil
}

func (f *fakeRemote) ApproveSession(ctx context.Context, req authz.ApproveSessionRequest) (authz.SessionDetails, error) {
	if f.approveFn != nil {
		return f.approveFn(ctx, req)
	}
	return authz.SessionDetails{Status: authz.StatusApproved}, nil
}

func (f *fakeRemote) RejectSession(ctx context.Context, requestID string) error {
	if f.rejectFn != nil {
		return f.rejectFn(ctx, requestID)
	}
	return nil
}

func (f *fakeRemote) SubmitTransfer(ctx context.Context, req authz.TransferRequest) (authz.TransferResult, error) {
	if f.transferFn != nil {
		return f.transferFn(ctx, req)
	}
	return authz.TransferResult{Signature: "sig", Status: "confirmed"}, nil
}

func (f *fakeRemote) SubmitTokenTransfer(ctx context.Context, req authz.TokenTransferRequest) (authz.TransferResult, error) {
	if f.tokenTransferFn != nil {
		return f.tokenTransferFn(ctx, req)
	}
	return authz.TransferResult{Signature: "sig", Status: "confirmed"}, nil
}

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time {
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

type fixture struct {
	authority *Authority
	registry  *agentreg.Registry
	remote    *fakeRemote
	clock     *testClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	docs := store.NewMemoryStore()
	registry := agentreg.NewRegistry(docs)
	remote := &fakeRemote{}
	sig, err := signer.GenerateLocalSigner()
	if err != nil {
		t.Fatalf("generate signer: %v", err)
	}
	clock := &testClock{now: time.UnixMilli(1_700_000_000_000)}
	registry.SetClock(clock.Now)
	authority := NewAuthority(docs, registry, remote, sig, WithClock(clock.Now))
	registry.SetSessionSource(authority)
	return &fixture{authority: authority, registry: registry, remote: remote, clock: clock}
}

func (f *fixture) addAgent(t *testing.T, id string) {
	t.Helper()
	if _, err := f.registry.AddAgent(context.Background(), agentreg.Agent{
		ID:        id,
		Name:      "Bot",
		WalletKey: "wallet-1",
		Status:    agentreg.StatusActive,
	}); err != nil {
		t.Fatalf("add agent: %v", err)
	}
}

func (f *fixture) activeSession(t *testing.T, limits []SpendingLimit) *Session {
	t.Helper()
	ctx := context.Background()
	f.addAgent(t, "a1")
	pending, err := f.authority.RequestSession(ctx, "a1", "wallet-1", "skey-1", 60, limits)
	if err != nil {
		t.Fatalf("request session: %v", err)
	}
	active, err := f.authority.Approve(ctx, pending.RequestID)
	if err != nil {
		t.Fatalf("approve session: %v", err)
	}
	return active
}

func solUsdcLimits() []SpendingLimit {
	return []SpendingLimit{
		{Mint: "native", Amount: 1_000_000_000, Decimals: 9, Symbol: "SOL"},
		{Mint: "usdc-mint", Amount: 100_000_000, Decimals: 6, Symbol: "USDC"},
	}
}

func TestRequestThenApproveActivates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addAgent(t, "a1")

	pending, err := f.authority.RequestSession(ctx, "a1", "wallet-1", "skey-1", 60, solUsdcLimits())
	if err != nil {
		t.Fatalf("request session: %v", err)
	}
	if pending.Status != StatusPending {
		t.Fatalf("expected pending, got %s", pending.Status)
	}
	if pending.RequestID == "" {
		t.Fatal("expected a request id")
	}

	active, err := f.authority.Approve(ctx, pending.RequestID)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if active.Status != StatusActive {
		t.Fatalf("expected active, got %s", active.Status)
	}
	for _, limit := range active.Limits {
		if active.Spent[limit.Mint] != 0 {
			t.Fatalf("expected zero spent for %s, got %d", limit.Mint, active.Spent[limit.Mint])
		}
	}
	if want := active.CreatedAt + 60*1000; active.ExpiresAt != want {
		t.Fatalf("expected expiresAt %d, got %d", want, active.ExpiresAt)
	}
}

func TestRequestSessionValidatesLimits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addAgent(t, "a1")

	cases := []struct {
		name     string
		duration int64
		limits   []SpendingLimit
	}{
		{"no limits", 60, nil},
		{"duplicate mints", 60, []SpendingLimit{
			{Mint: "native", Amount: 1},
			{Mint: "native", Amount: 2},
		}},
		{"missing mint", 60, []SpendingLimit{{Mint: "  ", Amount: 1}}},
		{"negative decimals", 60, []SpendingLimit{{Mint: "native", Amount: 1, Decimals: -1}}},
		{"zero duration", 0, []SpendingLimit{{Mint: "native", Amount: 1}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.authority.RequestSession(ctx, "a1", "wallet-1", "skey-x", tc.duration, tc.limits)
			if xerrors.CodeOf(err) != xerrors.CodeValidationFailed {
				t.Fatalf("expected validation failure, got %v", err)
			}
		})
	}
}

func TestRequestSessionUnknownAgent(t *testing.T) {
	f := newFixture(t)
	_, err := f.authority.RequestSession(context.Background(), "ghost", "wallet-1", "skey-1", 60, solUsdcLimits())
	if !errors.Is(err, agentreg.ErrAgentNotFound) {
		t.Fatalf("expected agent not found, got %v", err)
	}
}

func TestDuplicateLiveSessionRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addAgent(t, "a1")

	if _, err := f.authority.RequestSession(ctx, "a1", "wallet-1", "skey-1", 60, solUsdcLimits()); err != nil {
		t.Fatalf("first request: %v", err)
	}
	_, err := f.authority.RequestSession(ctx, "a1", "wallet-1", "skey-1", 60, solUsdcLimits())
	if !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("expected duplicate rejection, got %v", err)
	}

	// A different session key is fine.
	if _, err := f.authority.RequestSession(ctx, "a1", "wallet-1", "skey-2", 60, solUsdcLimits()); err != nil {
		t.Fatalf("request with new key: %v", err)
	}
}

func TestRejectPendingSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addAgent(t, "a1")

	pending, err := f.authority.RequestSession(ctx, "a1", "wallet-1", "skey-1", 60, solUsdcLimits())
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := f.authority.Reject(ctx, pending.RequestID); err != nil {
		t.Fatalf("reject: %v", err)
	}
	got, err := f.authority.Get(ctx, pending.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusRevoked {
		t.Fatalf("expected revoked, got %s", got.Status)
	}
	// Rejecting again must conflict.
	if err := f.authority.Reject(ctx, pending.RequestID); xerrors.CodeOf(err) != CodeSessionConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestApproveRequiresPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.activeSession(t, solUsdcLimits())

	_, err := f.authority.Approve(ctx, sess.RequestID)
	if xerrors.CodeOf(err) != CodeSessionConflict {
		t.Fatalf("expected conflict approving an active session, got %v", err)
	}
}

func TestCheckExpiryIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.activeSession(t, solUsdcLimits())

	at := time.UnixMilli(sess.CreatedAt + 61_000)
	first, err := f.authority.CheckExpiry(ctx, sess.ID, at)
	if err != nil {
		t.Fatalf("check expiry: %v", err)
	}
	if first.Status != StatusExpired {
		t.Fatalf("expected expired, got %s", first.Status)
	}
	second, err := f.authority.CheckExpiry(ctx, sess.ID, at)
	if err != nil {
		t.Fatalf("second check expiry: %v", err)
	}
	if second.Status != StatusExpired {
		t.Fatalf("expected expired on second check, got %s", second.Status)
	}
}

func TestExpiredSessionRejectsSpendWithoutMutation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.activeSession(t, solUsdcLimits())

	f.clock.Advance(61 * time.Second)
	decision, err := f.authority.AuthorizeSpend(ctx, sess.ID, "native", 1)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if decision.OK || decision.Reason != ReasonExpired {
		t.Fatalf("expected expired rejection, got %+v", decision)
	}
	got, err := f.authority.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Spent["native"] != 0 {
		t.Fatalf("spent mutated by rejected spend: %d", got.Spent["native"])
	}
}

func TestRevokeBlocksFurtherSpends(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.activeSession(t, solUsdcLimits())

	if err := f.authority.Revoke(ctx, sess.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	decision, err := f.authority.AuthorizeSpend(ctx, sess.ID, "native", 1)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if decision.OK || decision.Reason != ReasonNotActive {
		t.Fatalf("expected not-active rejection, got %+v", decision)
	}
	// Revoking a terminal session must conflict.
	if err := f.authority.Revoke(ctx, sess.ID); xerrors.CodeOf(err) != CodeSessionConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestUnpairCascade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addAgent(t, "a1")

	requestIDs := []string{"req-1", "req-2"}
	idx := 0
	f.remote.requestFn = func(_ context.Context, _ authz.SessionRequest) (authz.SessionTicket, error) {
		ticket := authz.SessionTicket{RequestID: requestIDs[idx], Status: authz.StatusPending}
		idx++
		return ticket, nil
	}

	var ids []string
	for i, key := range []string{"skey-1", "skey-2"} {
		pending, err := f.authority.RequestSession(ctx, "a1", "wallet-1", key, 60, solUsdcLimits())
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		active, err := f.authority.Approve(ctx, pending.RequestID)
		if err != nil {
			t.Fatalf("approve %d: %v", i, err)
		}
		ids = append(ids, active.ID)
	}

	// Removal without revocation must fail loudly.
	if err := f.registry.RemoveAgent(ctx, "a1"); xerrors.CodeOf(err) != agentreg.CodeAgentHasSessions {
		t.Fatalf("expected live-session precondition failure, got %v", err)
	}

	if err := f.authority.UnpairAgent(ctx, "a1"); err != nil {
		t.Fatalf("unpair: %v", err)
	}
	for _, id := range ids {
		sess, err := f.authority.Get(ctx, id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if sess.Status != StatusRevoked {
			t.Fatalf("expected revoked after unpair, got %s", sess.Status)
		}
	}
	if _, err := f.registry.Get(ctx, "a1"); !errors.Is(err, agentreg.ErrAgentNotFound) {
		t.Fatalf("expected agent removed, got %v", err)
	}
}

func TestRequestRejectedByService(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addAgent(t, "a1")

	f.remote.requestFn = func(_ context.Context, _ authz.SessionRequest) (authz.SessionTicket, error) {
		return authz.SessionTicket{RequestID: "req-1", Status: authz.StatusRejected}, nil
	}
	_, err := f.authority.RequestSession(ctx, "a1", "wallet-1", "skey-1", 60, solUsdcLimits())
	if !errors.Is(err, ErrRequestRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
	sessions, err := f.authority.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("rejected request must not persist a session, found %d", len(sessions))
	}
}

func TestCorruptSessionDocumentDegradesToEmpty(t *testing.T) {
	docs := store.NewMemoryStore()
	ctx := context.Background()
	if err := docs.Write(ctx, store.KeySessions, []byte("{not json")); err != nil {
		t.Fatalf("seed corrupt doc: %v", err)
	}
	registry := agentreg.NewRegistry(docs)
	sig, err := signer.GenerateLocalSigner()
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	authority := NewAuthority(docs, registry, &fakeRemote{}, sig)

	sessions, err := authority.List(ctx)
	if xerrors.CodeOf(err) != xerrors.CodeStorageCorrupted {
		t.Fatalf("expected surfaced corruption, got %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("expected empty collection, got %d", len(sessions))
	}
}

// flakyStore fails the next read of a key with the armed error while
// leaving writes untouched.
type flakyStore struct {
	store.DocumentStore
	readErr map[string]error
}

func (f *flakyStore) Read(ctx context.Context, key string) ([]byte, error) {
	if err, ok := f.readErr[key]; ok {
		delete(f.readErr, key)
		return nil, err
	}
	return f.DocumentStore.Read(ctx, key)
}

func TestRequestSessionReadFailureDoesNotWipeSessions(t *testing.T) {
	flaky := &flakyStore{DocumentStore: store.NewMemoryStore(), readErr: map[string]error{}}
	ctx := context.Background()
	registry := agentreg.NewRegistry(flaky)
	sig, err := signer.GenerateLocalSigner()
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	authority := NewAuthority(flaky, registry, &fakeRemote{}, sig)
	registry.SetSessionSource(authority)
	if _, err := registry.AddAgent(ctx, agentreg.Agent{ID: "a1", Name: "Bot", WalletKey: "wallet-1"}); err != nil {
		t.Fatalf("add agent: %v", err)
	}
	pending, err := authority.RequestSession(ctx, "a1", "wallet-1", "skey-1", 60, solUsdcLimits())
	if err != nil {
		t.Fatalf("first request: %v", err)
	}
	if _, err := authority.Approve(ctx, pending.RequestID); err != nil {
		t.Fatalf("approve: %v", err)
	}

	flaky.readErr[store.KeySessions] = xerrors.New(xerrors.CodeStorageFailure, "read timeout")
	_, err = authority.RequestSession(ctx, "a1", "wallet-1", "skey-2", 60, solUsdcLimits())
	if xerrors.CodeOf(err) != xerrors.CodeStorageFailure {
		t.Fatalf("read failure must propagate, got %v", err)
	}

	// The existing session must survive the failed attempt untouched.
	sessions, err := authority.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sessions) != 1 || sessions[0].SessionKey != "skey-1" {
		t.Fatalf("collection damaged by failed read: %+v", sessions)
	}
	if _, err := authority.RequestSession(ctx, "a1", "wallet-1", "skey-1", 60, solUsdcLimits()); !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("dedup lost after failed read: %v", err)
	}
}

func TestUnpairAgentReadFailurePropagates(t *testing.T) {
	flaky := &flakyStore{DocumentStore: store.NewMemoryStore(), readErr: map[string]error{}}
	ctx := context.Background()
	registry := agentreg.NewRegistry(flaky)
	sig, err := signer.GenerateLocalSigner()
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	authority := NewAuthority(flaky, registry, &fakeRemote{}, sig)
	registry.SetSessionSource(authority)
	if _, err := registry.AddAgent(ctx, agentreg.Agent{ID: "a1", Name: "Bot", WalletKey: "wallet-1"}); err != nil {
		t.Fatalf("add agent: %v", err)
	}
	pending, err := authority.RequestSession(ctx, "a1", "wallet-1", "skey-1", 60, solUsdcLimits())
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if _, err := authority.Approve(ctx, pending.RequestID); err != nil {
		t.Fatalf("approve: %v", err)
	}

	flaky.readErr[store.KeySessions] = xerrors.New(xerrors.CodeStorageFailure, "read timeout")
	if err := authority.UnpairAgent(ctx, "a1"); xerrors.CodeOf(err) != xerrors.CodeStorageFailure {
		t.Fatalf("read failure must propagate, got %v", err)
	}

	sessions, err := authority.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Status != StatusActive {
		t.Fatalf("collection damaged by failed unpair: %+v", sessions)
	}
	if _, err := registry.Get(ctx, "a1"); err != nil {
		t.Fatalf("agent removed despite failed read: %v", err)
	}
}
