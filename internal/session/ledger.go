package session

import (
	"context"
	"errors"
	"log/slog"

	"AgentVault/internal/agentreg"
	"AgentVault/internal/assets"
	"AgentVault/internal/authz"
	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/events"
	"AgentVault/pkg/logger"
)

// RejectReason is the structured reason a spend was refused. The
// underlying condition will not change on retry, so rejections are never
// retried automatically.
type RejectReason string

const (
	ReasonNotActive       RejectReason = "not-active"
	ReasonExpired         RejectReason = "expired"
	ReasonNoLimitForAsset RejectReason = "no-limit-for-asset"
	ReasonLimitExceeded   RejectReason = "limit-exceeded"
)

// Decision is the ledger's verdict on a proposed spend.
type Decision struct {
	OK     bool
	Reason RejectReason
	// Status is the session status observed at decision time.
	Status Status
	// NewSpent is the cumulative spend for the mint after an accepted
	// spend.
	NewSpent uint64
}

// RejectionError wraps a negative decision for callers that want a
// plain error.
func (d Decision) RejectionError() error {
	if d.OK {
		return nil
	}
	return xerrors.New(xerrors.CodeLedgerRejected, "",
		xerrors.WithMetadata("reason", string(d.Reason)),
		xerrors.WithMetadata("status", string(d.Status)))
}

// AuthorizeSpend checks a proposed spend against the session's limits and
// records it when accepted. All-or-nothing: a spend that would push the
// cumulative total past the limit is rejected whole. When every limited
// mint is fully spent the session transitions to exhausted.
func (a *Authority) AuthorizeSpend(ctx context.Context, sessionID, mint string, amount uint64) (Decision, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	sessions, err := a.load(ctx)
	if err != nil {
		return Decision{}, err
	}
	sess := findByID(sessions, sessionID)
	if sess == nil {
		return Decision{}, ErrSessionNotFound
	}

	// Eager expiry ahead of the status check; the flip is persisted
	// before the rejection is reported.
	if applyExpiry(sess, a.now()) {
		if err := a.save(ctx, sessions); err != nil {
			return Decision{}, err
		}
		a.publish(ctx, events.Event{Kind: events.KindSessionExpired, SessionID: sess.ID, AgentID: sess.AgentID})
		logger.Audit().Info("session expired", slog.String("session_id", sess.ID))
		return a.rejected(ctx, sess, mint, amount, ReasonExpired), nil
	}
	if sess.Status == StatusExpired {
		return a.rejected(ctx, sess, mint, amount, ReasonExpired), nil
	}
	if sess.Status != StatusActive {
		return a.rejected(ctx, sess, mint, amount, ReasonNotActive), nil
	}

	limit, ok := sess.Limit(mint)
	if !ok {
		return a.rejected(ctx, sess, mint, amount, ReasonNoLimitForAsset), nil
	}

	spent := sess.Spent[mint]
	newSpent := spent + amount
	if newSpent < spent || newSpent > limit.Amount {
		return a.rejected(ctx, sess, mint, amount, ReasonLimitExceeded), nil
	}

	sess.Spent[mint] = newSpent
	exhausted := true
	for _, l := range sess.Limits {
		if sess.Spent[l.Mint] < l.Amount {
			exhausted = false
			break
		}
	}
	if exhausted {
		sess.Status = StatusExhausted
	}
	if err := a.save(ctx, sessions); err != nil {
		return Decision{}, err
	}

	a.publish(ctx, events.Event{
		Kind:      events.KindSpendAuthorized,
		SessionID: sess.ID,
		AgentID:   sess.AgentID,
		Mint:      mint,
		Amount:    amount,
	})
	if exhausted {
		a.publish(ctx, events.Event{Kind: events.KindSessionExhausted, SessionID: sess.ID, AgentID: sess.AgentID})
		logger.Audit().Info("session exhausted", slog.String("session_id", sess.ID))
	}
	logger.Audit().Info("spend authorized",
		slog.String("session_id", sess.ID),
		slog.String("mint", mint),
		slog.Uint64("amount", amount),
		slog.Uint64("cumulative", newSpent),
	)
	return Decision{OK: true, Status: sess.Status, NewSpent: newSpent}, nil
}

func (a *Authority) rejected(ctx context.Context, sess *Session, mint string, amount uint64, reason RejectReason) Decision {
	a.publish(ctx, events.Event{
		Kind:      events.KindSpendRejected,
		SessionID: sess.ID,
		AgentID:   sess.AgentID,
		Mint:      mint,
		Amount:    amount,
		Reason:    string(reason),
	})
	logger.Audit().Info("spend rejected",
		slog.String("session_id", sess.ID),
		slog.String("mint", mint),
		slog.Uint64("amount", amount),
		slog.String("reason", string(reason)),
	)
	return Decision{OK: false, Reason: reason, Status: sess.Status}
}

// rollbackSpend compensates a recorded spend whose remote submission
// definitively failed. An exhaustion caused by that spend is undone with
// it.
func (a *Authority) rollbackSpend(ctx context.Context, sessionID, mint string, amount uint64) error {
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
	spent := sess.Spent[mint]
	if amount > spent {
		amount = spent
	}
	sess.Spent[mint] = spent - amount
	if sess.Status == StatusExhausted {
		sess.Status = StatusActive
	}
	if err := a.save(ctx, sessions); err != nil {
		return err
	}
	logger.Audit().Info("spend rolled back",
		slog.String("session_id", sess.ID),
		slog.String("mint", mint),
		slog.Uint64("amount", amount),
	)
	return nil
}

// Transfer authorizes a spend and submits it to the remote service. The
// ledger increment is committed before submission; a definitive remote
// rejection rolls it back, while an indeterminate network failure leaves
// it committed since the transfer may still land on chain.
func (a *Authority) Transfer(ctx context.Context, sessionID, destination, mint string, amount uint64) (authz.TransferResult, error) {
	if mint == "" {
		mint = assets.MintNative
	}
	decision, err := a.AuthorizeSpend(ctx, sessionID, mint, amount)
	if err != nil {
		return authz.TransferResult{}, err
	}
	if !decision.OK {
		return authz.TransferResult{}, decision.RejectionError()
	}

	sess, err := a.Get(ctx, sessionID)
	if err != nil {
		return authz.TransferResult{}, err
	}

	var result authz.TransferResult
	if mint == assets.MintNative {
		result, err = a.remote.SubmitTransfer(ctx, authz.TransferRequest{
			WalletKey:     sess.WalletKey,
			SessionKey:    sess.SessionKey,
			SessionSecret: sess.SessionSecret,
			Destination:   destination,
			Amount:        amount,
		})
	} else {
		result, err = a.remote.SubmitTokenTransfer(ctx, authz.TokenTransferRequest{
			WalletKey:     sess.WalletKey,
			SessionKey:    sess.SessionKey,
			SessionSecret: sess.SessionSecret,
			Destination:   destination,
			Mint:          mint,
			Amount:        amount,
		})
	}
	if err != nil {
		if definitiveFailure(err) {
			if rbErr := a.rollbackSpend(ctx, sessionID, mint, amount); rbErr != nil {
				a.log.Error("rollback after failed submission",
					slog.String("session_id", sessionID), slog.Any("error", rbErr))
			}
		}
		return authz.TransferResult{}, err
	}

	if upErr := a.agents.UpdateLastSeen(ctx, sess.AgentID, a.now()); upErr != nil && !errors.Is(upErr, agentreg.ErrAgentNotFound) {
		a.log.Warn("update agent last seen", slog.String("agent_id", sess.AgentID), slog.Any("error", upErr))
	}
	return result, nil
}

// definitiveFailure distinguishes a remote rejection (the service saw the
// request and refused it) from an indeterminate network failure.
func definitiveFailure(err error) bool {
	return xerrors.CodeOf(err) == xerrors.CodeRemoteServiceFailure ||
		xerrors.CodeOf(err) == xerrors.CodeValidationFailed
}
