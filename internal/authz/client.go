// Package authz is the typed client for the remote authorization service.
// The service is the source of truth for pairing attempts and initial
// session approval decisions; this client only consumes its contract.
package authz

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	xerrors "AgentVault/internal/errors"
)

// DefaultHTTPTimeout applies to clients created without a custom
// http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the authorization service.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// APIError represents a non-2xx response with a structured error body.
// It is distinct from network failures (wrapped as NETWORK_FAILURE) and
// from malformed 2xx payloads (VALIDATION_FAILED).
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("authz api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("authz api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient builds a client for the given base URL. When httpClient is
// nil a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeValidationFailed, err, "parse authz base url")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// RequestPairing starts a pairing attempt for the given code.
func (c *Client) RequestPairing(ctx context.Context, req PairingRequest) (PairingTicket, error) {
	var ticket PairingTicket
	if err := c.post(ctx, "/pairing/request", req, &ticket); err != nil {
		return PairingTicket{}, err
	}
	if err := ticket.Validate(); err != nil {
		return PairingTicket{}, err
	}
	return ticket, nil
}

// PairingStatus fetches the state of a pairing attempt.
func (c *Client) PairingStatus(ctx context.Context, requestID string) (PairingStatus, error) {
	var status PairingStatus
	if err := c.get(ctx, "/pairing/status/"+url.PathEscape(requestID), &status); err != nil {
		return PairingStatus{}, err
	}
	if err := status.Validate(); err != nil {
		return PairingStatus{}, err
	}
	return status, nil
}

// RequestSession submits a session grant for approval.
func (c *Client) RequestSession(ctx context.Context, req SessionRequest) (SessionTicket, error) {
	var ticket SessionTicket
	if err := c.post(ctx, "/session/request", req, &ticket); err != nil {
		return SessionTicket{}, err
	}
	if err := ticket.Validate(); err != nil {
		return SessionTicket{}, err
	}
	return ticket, nil
}

// SessionDetails fetches the state of a session request.
func (c *Client) SessionDetails(ctx context.Context, requestID string) (SessionDetails, error) {
	var details SessionDetails
	if err := c.get(ctx, "/session/details/"+url.PathEscape(requestID), &details); err != nil {
		return SessionDetails{}, err
	}
	if err := details.Validate(); err != nil {
		return SessionDetails{}, err
	}
	return details, nil
}

// ApproveSession submits the wallet holder's signed approval.
func (c *Client) ApproveSession(ctx context.Context, req ApproveSessionRequest) (SessionDetails, error) {
	var details SessionDetails
	if err := c.post(ctx, "/session/approve", req, &details); err != nil {
		return SessionDetails{}, err
	}
	if err := details.Validate(); err != nil {
		return SessionDetails{}, err
	}
	return details, nil
}

// RejectSession rejects a pending session request.
func (c *Client) RejectSession(ctx context.Context, requestID string) error {
	var details SessionDetails
	if err := c.post(ctx, "/session/reject", map[string]string{"requestId": requestID}, &details); err != nil {
		return err
	}
	return details.Validate()
}

// SubmitTransfer submits a native-asset transfer for an active session.
func (c *Client) SubmitTransfer(ctx context.Context, req TransferRequest) (TransferResult, error) {
	var result TransferResult
	if err := c.post(ctx, "/session/transfer", req, &result); err != nil {
		return TransferResult{}, err
	}
	if err := result.Validate(); err != nil {
		return TransferResult{}, err
	}
	return result, nil
}

// SubmitTokenTransfer submits a token transfer for an active session.
func (c *Client) SubmitTokenTransfer(ctx context.Context, req TokenTransferRequest) (TransferResult, error) {
	var result TransferResult
	if err := c.post(ctx, "/session/transfer-token", req, &result); err != nil {
		return TransferResult{}, err
	}
	if err := result.Validate(); err != nil {
		return TransferResult{}, err
	}
	return result, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeValidationFailed, err, "encode request")
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeValidationFailed, err, "create request")
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeNetworkFailure, err, "perform request")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return xerrors.Wrap(xerrors.CodeNetworkFailure, readErr, "read error response")
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: apiErr}); err != nil {
				_ = json.Unmarshal(data, apiErr)
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return xerrors.Wrap(xerrors.CodeRemoteServiceFailure, apiErr, apiErr.Message,
			xerrors.WithMetadata("status", fmt.Sprintf("%d", resp.StatusCode)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return xerrors.Wrap(xerrors.CodeValidationFailed, err, "decode response")
	}
	return nil
}
