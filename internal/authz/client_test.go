package authz

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	xerrors "AgentVault/internal/errors"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestRequestPairing(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/pairing/request" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req PairingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Code != "ABC123" || req.AgentName != "Bot" {
			t.Fatalf("unexpected payload %+v", req)
		}
		json.NewEncoder(w).Encode(PairingTicket{RequestID: "pair-1", Code: req.Code, ExpiresAt: 1_700_000_120_000})
	}))

	ticket, err := client.RequestPairing(context.Background(), PairingRequest{Code: "ABC123", AgentID: "a1", AgentName: "Bot"})
	if err != nil {
		t.Fatalf("request pairing: %v", err)
	}
	if ticket.RequestID != "pair-1" {
		t.Fatalf("unexpected ticket %+v", ticket)
	}
}

func TestPairingStatusEscapesRequestID(t *testing.T) {
	var gotPath string
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		json.NewEncoder(w).Encode(PairingStatus{Status: StatusPending})
	}))

	if _, err := client.PairingStatus(context.Background(), "id/with slash"); err != nil {
		t.Fatalf("pairing status: %v", err)
	}
	if gotPath != "/pairing/status/id%2Fwith%20slash" {
		t.Fatalf("request id not escaped: %s", gotPath)
	}
}

func TestStructuredErrorResponse(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":{"code":"SESSION_REJECTED","message":"wallet holder declined"}}`))
	}))

	_, err := client.SessionDetails(context.Background(), "req-1")
	if xerrors.CodeOf(err) != xerrors.CodeRemoteServiceFailure {
		t.Fatalf("expected remote failure, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError in chain, got %v", err)
	}
	if apiErr.StatusCode != http.StatusForbidden || apiErr.Code != "SESSION_REJECTED" {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
}

func TestFlatErrorResponse(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":"INVALID_CODE","message":"unknown pairing code"}`))
	}))

	_, err := client.RequestPairing(context.Background(), PairingRequest{Code: "nope"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.Code != "INVALID_CODE" || apiErr.Message != "unknown pairing code" {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
}

func TestNonJSONErrorResponse(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream unavailable\n"))
	}))

	_, err := client.SessionDetails(context.Background(), "req-1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.Message != "upstream unavailable" {
		t.Fatalf("plain body must become the message, got %q", apiErr.Message)
	}
}

func TestNetworkFailureClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	client, err := NewClient(srv.URL, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.PairingStatus(context.Background(), "req-1")
	if xerrors.CodeOf(err) != xerrors.CodeNetworkFailure {
		t.Fatalf("expected network failure, got %v", err)
	}
}

func TestMalformedSuccessBody(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":`))
	}))

	_, err := client.PairingStatus(context.Background(), "req-1")
	if xerrors.CodeOf(err) != xerrors.CodeValidationFailed {
		t.Fatalf("expected validation failure for undecodable body, got %v", err)
	}
}

func TestUnknownStatusRejected(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(PairingStatus{Status: "frozen"})
	}))

	_, err := client.PairingStatus(context.Background(), "req-1")
	if xerrors.CodeOf(err) != xerrors.CodeValidationFailed {
		t.Fatalf("expected validation failure for unknown status, got %v", err)
	}
}

func TestSubmitTransfer(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/session/transfer" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		var req TransferRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Destination != "dest-wallet" || req.Amount != 500 {
			t.Fatalf("unexpected payload %+v", req)
		}
		json.NewEncoder(w).Encode(TransferResult{Signature: "sig-1", Status: "confirmed"})
	}))

	result, err := client.SubmitTransfer(context.Background(), TransferRequest{
		WalletKey:   "wallet-1",
		SessionKey:  "skey-1",
		Destination: "dest-wallet",
		Amount:      500,
	})
	if err != nil {
		t.Fatalf("submit transfer: %v", err)
	}
	if result.Signature != "sig-1" {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestSubmitTokenTransferPath(t *testing.T) {
	var gotPath string
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewEncoder(w).Encode(TransferResult{Signature: "sig-1", Status: "confirmed"})
	}))

	if _, err := client.SubmitTokenTransfer(context.Background(), TokenTransferRequest{
		WalletKey: "wallet-1", SessionKey: "skey-1", Destination: "dest-wallet", Mint: "usdc-mint", Amount: 1,
	}); err != nil {
		t.Fatalf("submit token transfer: %v", err)
	}
	if gotPath != "/session/transfer-token" {
		t.Fatalf("unexpected path %s", gotPath)
	}
}

func TestBaseURLPathPrefixPreserved(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewEncoder(w).Encode(PairingStatus{Status: StatusPending})
	}))
	t.Cleanup(srv.Close)

	client, err := NewClient(srv.URL+"/api/v2", srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := client.PairingStatus(context.Background(), "req-1"); err != nil {
		t.Fatalf("pairing status: %v", err)
	}
	if gotPath != "/api/v2/pairing/status/req-1" {
		t.Fatalf("base path dropped: %s", gotPath)
	}
}

type countingTransport struct {
	inner http.RoundTripper
	calls int
}

func (c *countingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	c.calls++
	return c.inner.RoundTrip(req)
}

func TestProvidedHTTPClientIsUsed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(PairingStatus{Status: StatusPending})
	}))
	t.Cleanup(srv.Close)

	transport := &countingTransport{inner: http.DefaultTransport}
	client, err := NewClient(srv.URL, &http.Client{Transport: transport})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := client.PairingStatus(context.Background(), "req-1"); err != nil {
		t.Fatalf("pairing status: %v", err)
	}
	if transport.calls != 1 {
		t.Fatalf("configured transport saw %d calls, want 1", transport.calls)
	}
}
