// Package api exposes the wallet holder's local control surface over
// HTTP: pairing, session approval and revocation, unpairing and transfer
// submission. Screen rendering lives elsewhere; this is the boundary the
// UI drives.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"AgentVault/internal/agentreg"
	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/pairing"
	"AgentVault/internal/session"
)

// Server exposes the REST endpoints of the authorization core.
type Server struct {
	addr      string
	agents    *agentreg.Registry
	authority *session.Authority
	pairer    *pairing.Coordinator
}

// NewServer constructs the API server.
func NewServer(addr string, agents *agentreg.Registry, authority *session.Authority, pairer *pairing.Coordinator) *Server {
	return &Server{addr: addr, agents: agents, authority: authority, pairer: pairer}
}

// Start runs the HTTP server until the context is canceled or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Routes builds the handler mux, exported for tests.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/pairing", s.handlePairing)
	mux.HandleFunc("/api/v1/agents", s.handleAgents)
	mux.HandleFunc("/api/v1/sessions", s.handleSessions)
	mux.HandleFunc("/api/v1/sessions/approve", s.handleApprove)
	mux.HandleFunc("/api/v1/sessions/reject", s.handleReject)
	mux.HandleFunc("/api/v1/sessions/revoke", s.handleRevoke)
	mux.HandleFunc("/api/v1/transfers", s.handleTransfer)
	return mux
}

type pairingRequest struct {
	Code      string `json:"code"`
	AgentName string `json:"agentName"`
}

type pairingResponse struct {
	RequestID string `json:"requestId"`
	Outcome   string `json:"outcome"`
	AgentID   string `json:"agentId,omitempty"`
	AgentName string `json:"agentName,omitempty"`
}

// handlePairing begins a pairing attempt and polls until it resolves.
// Dropping the connection cancels the attempt; no partial outcome is
// applied in that case.
func (s *Server) handlePairing(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req pairingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.New(xerrors.CodeValidationFailed, "malformed request body"))
		return
	}
	attempt, err := s.pairer.Begin(r.Context(), req.Code, req.AgentName)
	if err != nil {
		writeError(w, err)
		return
	}
	outcome, err := s.pairer.Wait(r.Context(), attempt)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pairingResponse{
		RequestID: attempt.RequestID,
		Outcome:   string(outcome.Kind),
		AgentID:   outcome.AgentID,
		AgentName: outcome.AgentName,
	})
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		agents, err := s.agents.ListForWallet(r.Context(), r.URL.Query().Get("wallet"))
		if err != nil && len(agents) == 0 {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, agents)
	case http.MethodDelete:
		id := r.URL.Query().Get("id")
		if id == "" {
			writeError(w, xerrors.New(xerrors.CodeValidationFailed, "agent id is required"))
			return
		}
		if err := s.authority.UnpairAgent(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type sessionRequest struct {
	AgentID         string                  `json:"agentId"`
	WalletKey       string                  `json:"walletKey"`
	SessionKey      string                  `json:"sessionKey"`
	DurationSeconds int64                   `json:"durationSeconds"`
	Limits          []session.SpendingLimit `json:"limits"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		sessions, err := s.authority.List(r.Context())
		if err != nil && len(sessions) == 0 {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sessions)
	case http.MethodPost:
		var req sessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, xerrors.New(xerrors.CodeValidationFailed, "malformed request body"))
			return
		}
		sess, err := s.authority.RequestSession(r.Context(), req.AgentID, req.WalletKey, req.SessionKey, req.DurationSeconds, req.Limits)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, sess)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type requestIDBody struct {
	RequestID string `json:"requestId"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req requestIDBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.New(xerrors.CodeValidationFailed, "malformed request body"))
		return
	}
	sess, err := s.authority.Approve(r.Context(), req.RequestID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req requestIDBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.New(xerrors.CodeValidationFailed, "malformed request body"))
		return
	}
	if err := s.authority.Reject(r.Context(), req.RequestID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type revokeBody struct {
	SessionID string `json:"sessionId"`
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req revokeBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.New(xerrors.CodeValidationFailed, "malformed request body"))
		return
	}
	if err := s.authority.Revoke(r.Context(), req.SessionID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type transferBody struct {
	SessionID   string `json:"sessionId"`
	Destination string `json:"destination"`
	Mint        string `json:"mint"`
	Amount      uint64 `json:"amount"`
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req transferBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.New(xerrors.CodeValidationFailed, "malformed request body"))
		return
	}
	result, err := s.authority.Transfer(r.Context(), req.SessionID, req.Destination, req.Mint, req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type errorBody struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	body := errorBody{Code: string(xerrors.CodeUnknown), Message: err.Error()}
	if e, ok := xerrors.From(err); ok {
		body.Code = string(e.Code())
		body.Message = e.Message()
		body.Metadata = e.Metadata()
		status = statusFor(e.Code())
	}
	writeJSON(w, status, map[string]errorBody{"error": body})
}

func statusFor(code xerrors.Code) int {
	switch code {
	case xerrors.CodeValidationFailed:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, session.CodeSessionNotFound, agentreg.CodeAgentNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, session.CodeSessionConflict, session.CodeSessionDuplicate,
		agentreg.CodeAgentExists, agentreg.CodeAgentHasSessions, agentreg.CodeAgentRevoked:
		return http.StatusConflict
	case xerrors.CodeLedgerRejected, session.CodeSessionRejected:
		return http.StatusForbidden
	case xerrors.CodeNetworkFailure, xerrors.CodeRemoteServiceFailure:
		return http.StatusBadGateway
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// withContext rejects new requests once the root context is canceled.
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "server shutting down", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
