// Package issuer talks to a pair of Aries cloud agents over their admin APIs:
// the issuer agent offers credentials and the holder agent accepts them.
package issuer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/vietddude/bridge-oracle/internal/core/domain"
	"github.com/vietddude/bridge-oracle/internal/indexing/metrics"
)

// Config holds the agent endpoints and issuance parameters.
type Config struct {
	IssuerAdminURL         string        `yaml:"issuer_admin_url"`
	HolderAdminURL         string        `yaml:"holder_admin_url"`
	APIKey                 string        `yaml:"api_key"`
	CredentialDefinitionID string        `yaml:"credential_definition_id"`
	IssuerDID              string        `yaml:"issuer_did"`
	ConnectionTimeout      time.Duration `yaml:"connection_timeout"`
	IssuanceTimeout        time.Duration `yaml:"issuance_timeout"`
	RequestTimeout         time.Duration `yaml:"request_timeout"`
	PollInterval           time.Duration `yaml:"poll_interval"`
	RequestsPerSecond      float64       `yaml:"requests_per_second"`
	// AutoIssue lets the agents run the exchange on their own. When false the
	// client drives send-request and issue itself while polling.
	AutoIssue bool `yaml:"auto_issue"`
}

// WithDefaults fills unset fields.
func (c Config) WithDefaults() Config {
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = 60 * time.Second
	}
	if c.IssuanceTimeout <= 0 {
		c.IssuanceTimeout = 2 * time.Minute
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 15 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 20
	}
	return c
}

// Client is safe for concurrent use.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter

	mu sync.Mutex
	// holder DID -> issuer-side connection id
	conns map[string]string
	// connection id -> holder DID
	holders map[string]string
}

// NewClient creates a client for the configured agents.
func NewClient(cfg Config) *Client {
	cfg = cfg.WithDefaults()
	cfg.IssuerAdminURL = strings.TrimRight(cfg.IssuerAdminURL, "/")
	cfg.HolderAdminURL = strings.TrimRight(cfg.HolderAdminURL, "/")
	burst := max(int(cfg.RequestsPerSecond), 1)
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout:   cfg.RequestTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst),
		conns:   make(map[string]string),
		holders: make(map[string]string),
	}
}

// EnsureConnection returns an active issuer connection to holderDID, creating
// one through an invitation when none exists.
func (c *Client) EnsureConnection(ctx context.Context, holderDID string) (string, error) {
	c.mu.Lock()
	id, ok := c.conns[holderDID]
	c.mu.Unlock()
	if ok {
		return id, nil
	}

	for _, filter := range []string{"their_did", "alias"} {
		conn, err := c.findConnection(ctx, filter, holderDID)
		if err != nil {
			return "", err
		}
		if conn != nil {
			c.remember(holderDID, conn.ConnectionID)
			return conn.ConnectionID, nil
		}
	}

	q := url.Values{"alias": {holderDID}, "auto_accept": {"true"}}
	var inv invitationResponse
	err := c.do(ctx, "create_invitation", http.MethodPost,
		c.cfg.IssuerAdminURL+"/connections/create-invitation?"+q.Encode(), map[string]any{}, &inv)
	if err != nil {
		return "", err
	}
	if inv.ConnectionID == "" || inv.Invitation == nil {
		return "", &domain.IssuanceError{Op: "create_invitation", Message: "agent returned no invitation"}
	}

	hq := url.Values{"alias": {c.cfg.IssuerDID}, "auto_accept": {"true"}}
	err = c.do(ctx, "receive_invitation", http.MethodPost,
		c.cfg.HolderAdminURL+"/connections/receive-invitation?"+hq.Encode(), inv.Invitation, nil)
	if err != nil {
		return "", err
	}

	if err := c.waitConnection(ctx, inv.ConnectionID); err != nil {
		return "", err
	}
	c.remember(holderDID, inv.ConnectionID)
	slog.Info("Established holder connection", "did", holderDID, "connection", inv.ConnectionID)
	return inv.ConnectionID, nil
}

func (c *Client) remember(holderDID, connID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conns[holderDID] = connID
	c.holders[connID] = holderDID
}

// forget drops a cached connection. It reports whether connID was cached.
func (c *Client) forget(connID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	holder, ok := c.holders[connID]
	if !ok {
		return false
	}
	delete(c.holders, connID)
	if c.conns[holder] == connID {
		delete(c.conns, holder)
	}
	return true
}

// connectionGone reports whether the issuer agent no longer has connID in a
// usable state. Lookup errors other than 404 count as still there.
func (c *Client) connectionGone(ctx context.Context, connID string) bool {
	var conn connection
	err := c.do(ctx, "get_connection", http.MethodGet,
		c.cfg.IssuerAdminURL+"/connections/"+url.PathEscape(connID), nil, &conn)
	var issErr *domain.IssuanceError
	if errors.As(err, &issErr) {
		return issErr.Status == http.StatusNotFound
	}
	return err == nil && !connectionReady(conn.State)
}

func (c *Client) findConnection(ctx context.Context, filter, value string) (*connection, error) {
	q := url.Values{filter: {value}, "state": {"active"}}
	var list connectionList
	err := c.do(ctx, "list_connections", http.MethodGet,
		c.cfg.IssuerAdminURL+"/connections?"+q.Encode(), nil, &list)
	if err != nil {
		return nil, err
	}
	for i := range list.Results {
		if connectionReady(list.Results[i].State) {
			return &list.Results[i], nil
		}
	}
	return nil, nil
}

func (c *Client) waitConnection(ctx context.Context, connID string) error {
	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectionTimeout)
	defer cancel()
	pace := rate.NewLimiter(rate.Every(c.cfg.PollInterval), 1)

	for {
		if err := pace.Wait(waitCtx); err != nil {
			return c.waitErr(ctx, "connection", err)
		}
		var conn connection
		err := c.do(waitCtx, "get_connection", http.MethodGet,
			c.cfg.IssuerAdminURL+"/connections/"+url.PathEscape(connID), nil, &conn)
		if err != nil {
			if waitCtx.Err() != nil {
				return c.waitErr(ctx, "connection", waitCtx.Err())
			}
			if !domain.IsTransient(err) {
				return err
			}
			slog.Warn("Connection poll failed", "connection", connID, "error", err)
			continue
		}
		switch {
		case connectionReady(conn.State):
			return nil
		case conn.State == "error" || conn.State == "abandoned":
			return &domain.IssuanceError{Op: "connection", Message: "connection " + connID + " " + conn.State}
		}
	}
}

// IssueCredential sends a credential offer over connectionID and returns the
// exchange id. It does not wait for issuance. When the agent refuses the
// offer because a cached connection went away, the connection is dropped
// from the cache and the error is transient so a retry can reconnect.
func (c *Client) IssueCredential(ctx context.Context, connectionID string, attrs map[string]string) (string, error) {
	req := offerRequest{
		ConnectionID:      connectionID,
		CredDefID:         c.cfg.CredentialDefinitionID,
		IssuerDID:         c.cfg.IssuerDID,
		Comment:           "cross-chain bridge proof",
		AutoIssue:         c.cfg.AutoIssue,
		AutoRemove:        false,
		CredentialPreview: toPreview(attrs),
	}
	var rec exchangeRecord
	err := c.do(ctx, "send_offer", http.MethodPost,
		c.cfg.IssuerAdminURL+"/issue-credential/send-offer", req, &rec)
	var issErr *domain.IssuanceError
	if errors.As(err, &issErr) && issErr.Status >= 400 && issErr.Status < 500 &&
		c.connectionGone(ctx, connectionID) && c.forget(connectionID) {
		slog.Warn("Dropped stale holder connection", "connection", connectionID, "status", issErr.Status)
		return "", &domain.IssuanceError{
			Op:        "send_offer",
			Status:    issErr.Status,
			Message:   "connection " + connectionID + " is no longer active: " + issErr.Message,
			Transient: true,
			Err:       err,
		}
	}
	if err != nil {
		return "", err
	}
	if rec.CredentialExchangeID == "" {
		return "", &domain.IssuanceError{Op: "send_offer", Message: "agent returned no credential_exchange_id"}
	}
	return rec.CredentialExchangeID, nil
}

// PollUntilIssued polls the exchange until the holder acknowledged the
// credential, the exchange fails, or timeout elapses. An exchange that stops
// at credential_issued is not done. A timeout is transient; the same
// exchange can be polled again.
func (c *Client) PollUntilIssued(
	ctx context.Context,
	credentialExchangeID string,
	timeout time.Duration,
) (*domain.VerifiableCredentialRecord, error) {
	if timeout <= 0 {
		timeout = c.cfg.IssuanceTimeout
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	pace := rate.NewLimiter(rate.Every(c.cfg.PollInterval), 1)

	for {
		if err := pace.Wait(waitCtx); err != nil {
			return nil, c.waitErr(ctx, "poll", err)
		}
		rec, err := c.getRecord(waitCtx, credentialExchangeID)
		if err != nil {
			if waitCtx.Err() != nil {
				return nil, c.waitErr(ctx, "poll", waitCtx.Err())
			}
			if !domain.IsTransient(err) {
				return nil, err
			}
			slog.Warn("Credential poll failed", "exchange", credentialExchangeID, "error", err)
			continue
		}

		state, known := mapState(rec.State)
		if !known {
			slog.Debug("Untracked exchange state", "exchange", credentialExchangeID, "state", rec.State)
			continue
		}
		switch {
		case state.Done():
			return c.toRecord(rec, state), nil
		case state == domain.CredentialStateFailed:
			msg := "exchange " + rec.State
			if rec.ErrorMsg != "" {
				msg += ": " + rec.ErrorMsg
			}
			return nil, &domain.IssuanceError{Op: "poll", Message: msg}
		}

		if !c.cfg.AutoIssue {
			if err := c.advance(waitCtx, rec); err != nil && !domain.IsTransient(err) {
				return nil, err
			}
		}
	}
}

// advance performs the next manual step of the exchange.
func (c *Client) advance(ctx context.Context, rec *exchangeRecord) error {
	switch rec.State {
	case stateOfferSent:
		holderRec, err := c.holderRecord(ctx, rec.ThreadID)
		if err != nil || holderRec == nil || holderRec.State != stateOfferReceived {
			return err
		}
		return c.do(ctx, "send_request", http.MethodPost,
			c.cfg.HolderAdminURL+"/issue-credential/records/"+
				url.PathEscape(holderRec.CredentialExchangeID)+"/send-request", map[string]any{}, nil)
	case stateRequestReceived:
		return c.do(ctx, "issue", http.MethodPost,
			c.cfg.IssuerAdminURL+"/issue-credential/records/"+
				url.PathEscape(rec.CredentialExchangeID)+"/issue",
			map[string]any{"comment": "issued by bridge oracle"}, nil)
	case stateIssued:
		// The holder stores the credential, which acks it to the issuer.
		holderRec, err := c.holderRecord(ctx, rec.ThreadID)
		if err != nil || holderRec == nil || holderRec.State != stateReceived {
			return err
		}
		return c.do(ctx, "store", http.MethodPost,
			c.cfg.HolderAdminURL+"/issue-credential/records/"+
				url.PathEscape(holderRec.CredentialExchangeID)+"/store", map[string]any{}, nil)
	}
	return nil
}

func (c *Client) getRecord(ctx context.Context, id string) (*exchangeRecord, error) {
	var rec exchangeRecord
	err := c.do(ctx, "get_record", http.MethodGet,
		c.cfg.IssuerAdminURL+"/issue-credential/records/"+url.PathEscape(id), nil, &rec)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *Client) holderRecord(ctx context.Context, threadID string) (*exchangeRecord, error) {
	if threadID == "" {
		return nil, nil
	}
	var list exchangeList
	err := c.do(ctx, "holder_records", http.MethodGet,
		c.cfg.HolderAdminURL+"/issue-credential/records?"+url.Values{"thread_id": {threadID}}.Encode(), nil, &list)
	if err != nil || len(list.Results) == 0 {
		return nil, err
	}
	return &list.Results[0], nil
}

func (c *Client) toRecord(rec *exchangeRecord, state domain.CredentialState) *domain.VerifiableCredentialRecord {
	c.mu.Lock()
	holder := c.holders[rec.ConnectionID]
	c.mu.Unlock()

	out := &domain.VerifiableCredentialRecord{
		CredentialExchangeID: rec.CredentialExchangeID,
		ConnectionID:         rec.ConnectionID,
		IssuerDID:            c.cfg.IssuerDID,
		HolderDID:            holder,
		State:                state,
	}
	if rec.CredentialOfferDict != nil {
		out.Attributes = fromPreview(rec.CredentialOfferDict.CredentialPreview)
	}
	return out
}

// waitErr converts a wait failure. Parent cancellation is returned as is;
// running out of time is a transient IssuanceError.
func (c *Client) waitErr(parent context.Context, op string, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	return &domain.IssuanceError{Op: op, Message: "timed out", Transient: true, Err: err}
}

func (c *Client) do(ctx context.Context, op, method, target string, body, out any) (err error) {
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
		}
		metrics.IssuerCallsTotal.WithLabelValues(op, result).Inc()
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		return &domain.IssuanceError{Op: op, Transient: !errors.Is(err, context.Canceled), Err: err}
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return &domain.IssuanceError{Op: op, Message: "encode request", Err: err}
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return &domain.IssuanceError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &domain.IssuanceError{Op: op, Transient: !errors.Is(err, context.Canceled), Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &domain.IssuanceError{Op: op, Status: resp.StatusCode, Transient: true, Err: err}
	}
	if resp.StatusCode >= 300 {
		return &domain.IssuanceError{
			Op:        op,
			Status:    resp.StatusCode,
			Message:   strings.TrimSpace(string(data)),
			Transient: resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
		}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &domain.IssuanceError{Op: op, Status: resp.StatusCode, Message: fmt.Sprintf("decode response: %v", err)}
	}
	return nil
}
