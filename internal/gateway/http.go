// Package gateway is the HTTP client for the portal backend. It implements
// both the sync engine's Gateway and the auth service's online login,
// mapping HTTP status classes onto the engine's error taxonomy.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"labsync/internal/model"
	"labsync/internal/offline"
)

// TokenSource supplies the bearer token for authenticated requests.
// Returning an empty string sends the request unauthenticated.
type TokenSource func(ctx context.Context) (string, error)

// Client talks JSON over HTTP to the portal backend.
type Client struct {
	baseURL string
	http    *http.Client
	token   TokenSource
	logger  offline.Logger
}

var _ offline.Gateway = (*Client)(nil)

// NewClient creates a gateway client. token may be nil for endpoints that
// never need authentication.
func NewClient(baseURL string, token TokenSource, logger offline.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		token:   token,
		logger:  logger,
	}
}

type mutationRequest struct {
	ID              string          `json:"id"`
	Table           string          `json:"table"`
	RecordID        string          `json:"record_id"`
	Operation       model.Operation `json:"operation"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	BaseVersion     int64           `json:"base_version"`
	ClientTimestamp time.Time       `json:"client_timestamp"`
}

type mutationResponse struct {
	Version   int64           `json:"version"`
	Data      json.RawMessage `json:"data,omitempty"`
	AppliedAt time.Time       `json:"applied_at"`
}

type conflictResponse struct {
	CurrentVersion int64 `json:"current_version"`
}

type recordResponse struct {
	Table          string          `json:"table"`
	ID             string          `json:"id"`
	Payload        json.RawMessage `json:"payload"`
	Version        int64           `json:"version"`
	LastModifiedAt time.Time       `json:"last_modified_at"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	User    model.User    `json:"user"`
	Session model.Session `json:"session"`
}

// SubmitMutation transmits one queued mutation to the backend.
func (c *Client) SubmitMutation(ctx context.Context, item *model.QueueItem, baseVersion int64) (*offline.MutationResult, error) {
	req := mutationRequest{
		ID:              item.ID,
		Table:           item.Table,
		RecordID:        item.RecordID,
		Operation:       item.Operation,
		Payload:         item.Payload,
		BaseVersion:     baseVersion,
		ClientTimestamp: item.ClientTimestamp,
	}

	resp, err := c.do(ctx, http.MethodPost, "/api/v1/sync/mutations", req)
	if err != nil {
		return nil, &offline.TransientSyncError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		var body mutationResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return nil, &offline.TransientSyncError{Err: fmt.Errorf("decoding mutation response: %w", err)}
		}
		return &offline.MutationResult{
			NewVersion: body.Version,
			ServerData: body.Data,
			AppliedAt:  body.AppliedAt,
		}, nil

	case resp.StatusCode == http.StatusConflict:
		var body conflictResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			c.logger.Warn("conflict response without body", "table", item.Table, "record_id", item.RecordID)
		}
		return nil, &offline.VersionConflictError{
			Table:           item.Table,
			RecordID:        item.RecordID,
			ExpectedVersion: baseVersion,
			CurrentVersion:  body.CurrentVersion,
		}

	default:
		return nil, c.statusError(resp)
	}
}

// FetchRecord retrieves the remote's current copy of one record.
func (c *Client) FetchRecord(ctx context.Context, table, id string) (*model.LocalRecord, error) {
	path := fmt.Sprintf("/api/v1/records/%s/%s", url.PathEscape(table), url.PathEscape(id))
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, &offline.TransientSyncError{Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var body recordResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return nil, &offline.TransientSyncError{Err: fmt.Errorf("decoding record response: %w", err)}
		}
		return &model.LocalRecord{
			Table:          body.Table,
			ID:             body.ID,
			Payload:        body.Payload,
			Version:        body.Version,
			LastModifiedAt: body.LastModifiedAt,
		}, nil
	case http.StatusNotFound:
		return nil, nil
	default:
		return nil, c.statusError(resp)
	}
}

// Ping checks backend reachability.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/api/v1/health", nil)
	if err != nil {
		return &offline.TransientSyncError{Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return c.statusError(resp)
	}
	return nil
}

// Login authenticates against the backend and returns the user profile
// with a fresh session.
func (c *Client) Login(ctx context.Context, email, password string) (*model.User, *model.Session, error) {
	resp, err := c.do(ctx, http.MethodPost, "/api/v1/auth/login", loginRequest{Email: email, Password: password})
	if err != nil {
		return nil, nil, &offline.TransientSyncError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, c.statusError(resp)
	}
	var body loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, nil, &offline.TransientSyncError{Err: fmt.Errorf("decoding login response: %w", err)}
	}
	return &body.User, &body.Session, nil
}

// Logout invalidates a session server-side.
func (c *Client) Logout(ctx context.Context, accessToken string) error {
	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/auth/logout", nil)
	if err != nil {
		return &offline.TransientSyncError{Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return &offline.TransientSyncError{Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return c.statusError(resp)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	if c.token != nil {
		tok, err := c.token(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolving token: %w", err)
		}
		if tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}
	return c.http.Do(req)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// statusError maps a non-success HTTP status onto the engine's error
// taxonomy. The body is drained (bounded) so the message carries whatever
// detail the backend sent.
func (c *Client) statusError(resp *http.Response) error {
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := fmt.Errorf("remote returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &offline.AuthError{Reason: msg.Error()}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &offline.TransientSyncError{Err: msg}
	default:
		return &offline.FatalSyncError{Err: msg}
	}
}
