// Package http is the reference HTTP/JSON binding of spec.md §6:
// GET /sync/pull and POST /sync/push, using the exact canonical field
// names from "Row JSON canonical field names", cookie or bearer auth,
// and the 401/403 → needsAuth + Unauthorized / other non-2xx →
// TransportError / shape violation → ProtocolError mapping. This
// package has no teacher precedent (the teacher's RPC layer is
// gRPC/protobuf) so it follows §6's wire contract literally using only
// net/http and encoding/json, per DESIGN.md's justification for that
// one exception to "prefer a pack library."
//
// The reference binding does not implement a server-initiated push
// channel (websocket/SSE); OnEvent only fires needsAuth, derived from
// this client's own push/pull calls observing a 401/403. A transport
// wanting serverChanges push notifications needs an additional
// mechanism layered on top of this client.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/rowsync/engine/common/errs"
	"github.com/rowsync/engine/common/logging"
	storageapi "github.com/rowsync/engine/storage/api"
	transportapi "github.com/rowsync/engine/transport/api"
)

// AuthMode selects how requests are authenticated.
type AuthMode int

const (
	// AuthCookie relies on the configured http.Client's cookie jar;
	// the client sends whatever credentials that jar already holds.
	AuthCookie AuthMode = iota + 1
	// AuthBearer calls TokenFunc per request and sends the result as
	// `Authorization: Bearer <token>`.
	AuthBearer
)

// TokenFunc returns the bearer token to use for the next request.
type TokenFunc func(ctx context.Context) (string, error)

// Config configures a Client.
type Config struct {
	BaseURL    string
	Namespace  string
	HTTPClient *http.Client
	AuthMode   AuthMode
	TokenFunc  TokenFunc
}

// Client is the reference transport.Transport HTTP binding.
type Client struct {
	baseURL    string
	namespace  string
	httpClient *http.Client
	authMode   AuthMode
	tokenFunc  TokenFunc
	logger     *logging.Logger

	mu             sync.Mutex
	listeners      map[int]transportapi.EventListener
	nextListenerID int
}

// New constructs a Client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errs.New(errs.KindInvalidArgument, "base_url must be non-empty")
	}
	if cfg.AuthMode == AuthBearer && cfg.TokenFunc == nil {
		return nil, errs.New(errs.KindInvalidArgument, "token_func is required for bearer auth")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		namespace:  cfg.Namespace,
		httpClient: httpClient,
		authMode:   cfg.AuthMode,
		tokenFunc:  cfg.TokenFunc,
		logger:     logging.GetLogger("transport/http"),
		listeners:  make(map[int]transportapi.EventListener),
	}, nil
}

// wire DTOs carrying the exact field names from spec.md §6.

type pushWireRequest struct {
	Operations []storageapi.PendingOp `json:"operations"`
	Namespace  string                 `json:"namespace,omitempty"`
}

type pushWireResponse struct {
	AcknowledgedThroughSequence *uint64 `json:"acknowledgedThroughSequence,omitempty"`
}

type pullWireResponse struct {
	Changes    []storageapi.Row  `json:"changes"`
	NextCursor *storageapi.Cursor `json:"nextCursor,omitempty"`
	HasMore    bool              `json:"hasMore"`
}

func (c *Client) applyAuth(req *http.Request, ctx context.Context) error {
	switch c.authMode {
	case AuthBearer:
		token, err := c.tokenFunc(ctx)
		if err != nil {
			return errs.Wrap(errs.KindUnauthorized, "token_func failed", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	default:
		// AuthCookie: nothing to add; the configured http.Client's
		// cookie jar (or transport-level session) carries credentials.
	}
	return nil
}

// Push implements transport.Transport.
func (c *Client) Push(ctx context.Context, req transportapi.PushRequest) (transportapi.PushResponse, error) {
	ns := req.Namespace
	if ns == "" {
		ns = c.namespace
	}
	body, err := json.Marshal(pushWireRequest{Operations: req.Operations, Namespace: ns})
	if err != nil {
		return transportapi.PushResponse{}, errs.Wrap(errs.KindSerializationError, "failed to encode push request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sync/push", bytes.NewReader(body))
	if err != nil {
		return transportapi.PushResponse{}, errs.Wrap(errs.KindAdapterBackendError, "failed to build push request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if err := c.applyAuth(httpReq, ctx); err != nil {
		return transportapi.PushResponse{}, err
	}

	respBody, err := c.do(httpReq)
	if err != nil {
		return transportapi.PushResponse{}, err
	}

	var wire pushWireResponse
	if err := json.Unmarshal(respBody, &wire); err != nil {
		return transportapi.PushResponse{}, errs.Protocol("push_response", "{acknowledgedThroughSequence?: int}")
	}
	return transportapi.PushResponse{AcknowledgedThroughSequence: wire.AcknowledgedThroughSequence}, nil
}

// Pull implements transport.Transport.
func (c *Client) Pull(ctx context.Context, req transportapi.PullRequest) (transportapi.PullResponse, error) {
	if req.Limit < 1 {
		return transportapi.PullResponse{}, errs.New(errs.KindInvalidArgument, "limit must be >= 1")
	}
	ns := req.Namespace
	if ns == "" {
		ns = c.namespace
	}

	q := url.Values{}
	q.Set("limit", strconv.Itoa(req.Limit))
	if req.CollectionID != nil {
		q.Set("collectionId", *req.CollectionID)
	}
	if req.ParentID != nil {
		q.Set("parentId", *req.ParentID)
	}
	if ns != "" {
		q.Set("namespace", ns)
	}
	if req.Cursor != nil {
		q.Set("cursorCommittedTimestampMs", strconv.FormatUint(req.Cursor.CommittedTimestampMS, 10))
		q.Set("cursorCollectionId", req.Cursor.CollectionID)
		q.Set("cursorId", req.Cursor.ID)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/sync/pull?"+q.Encode(), nil)
	if err != nil {
		return transportapi.PullResponse{}, errs.Wrap(errs.KindAdapterBackendError, "failed to build pull request", err)
	}
	if err := c.applyAuth(httpReq, ctx); err != nil {
		return transportapi.PullResponse{}, err
	}

	respBody, err := c.do(httpReq)
	if err != nil {
		return transportapi.PullResponse{}, err
	}

	var wire pullWireResponse
	if err := json.Unmarshal(respBody, &wire); err != nil {
		return transportapi.PullResponse{}, errs.Protocol("pull_response", "{changes: [Row], nextCursor?: Cursor, hasMore: bool}")
	}
	return transportapi.PullResponse{Changes: wire.Changes, NextCursor: wire.NextCursor, HasMore: wire.HasMore}, nil
}

// do executes httpReq, applying spec.md §6's status-code mapping, and
// returns the raw response body on success.
func (c *Client) do(httpReq *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransportError, "request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransportError, "failed to read response body", err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		c.emit(transportapi.Event{Kind: transportapi.EventNeedsAuth})
		return nil, errs.New(errs.KindUnauthorized, fmt.Sprintf("request rejected with status %d", resp.StatusCode))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errs.Transport(resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

// OnEvent implements transport.Transport.
func (c *Client) OnEvent(listener transportapi.EventListener) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextListenerID
	c.nextListenerID++
	c.listeners[id] = listener
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *Client) emit(event transportapi.Event) {
	c.mu.Lock()
	listeners := make([]transportapi.EventListener, 0, len(c.listeners))
	for _, l := range c.listeners {
		listeners = append(listeners, l)
	}
	c.mu.Unlock()
	for _, l := range listeners {
		l(event)
	}
}

var _ transportapi.Transport = (*Client)(nil)
