// Package issuertest fakes an issuer and a holder Aries agent pair.
package issuertest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
)

// Exchange is a credential exchange as seen by the fake issuer.
type Exchange struct {
	ID           string
	HolderID     string
	ThreadID     string
	ConnectionID string
	State        string
	HolderState  string
	AutoIssue    bool
	Attributes   map[string]string
}

type conn struct {
	id, state, alias, invitation string
}

// Agent serves the issuer admin API on IssuerURL and the holder admin API on
// HolderURL. State is shared between the two.
type Agent struct {
	issuer *httptest.Server
	holder *httptest.Server

	mu        sync.Mutex
	seq       int
	conns     map[string]*conn
	exchanges map[string]*Exchange
	offers    int
	failures  map[string][]int
	abandon   bool
	stall     bool
	connReady int
}

// NewAgent starts both servers.
func NewAgent() *Agent {
	a := &Agent{
		conns:     make(map[string]*conn),
		exchanges: make(map[string]*Exchange),
		failures:  make(map[string][]int),
	}

	ir := chi.NewRouter()
	ir.Use(a.injectFailures)
	ir.Get("/connections", a.listConnections)
	ir.Post("/connections/create-invitation", a.createInvitation)
	ir.Get("/connections/{id}", a.getConnection)
	ir.Post("/issue-credential/send-offer", a.sendOffer)
	ir.Get("/issue-credential/records/{id}", a.getRecord)
	ir.Post("/issue-credential/records/{id}/issue", a.issue)
	a.issuer = httptest.NewServer(ir)

	hr := chi.NewRouter()
	hr.Use(a.injectFailures)
	hr.Post("/connections/receive-invitation", a.receiveInvitation)
	hr.Get("/issue-credential/records", a.holderRecords)
	hr.Post("/issue-credential/records/{id}/send-request", a.sendRequest)
	hr.Post("/issue-credential/records/{id}/store", a.store)
	a.holder = httptest.NewServer(hr)
	return a
}

func (a *Agent) IssuerURL() string { return a.issuer.URL }
func (a *Agent) HolderURL() string { return a.holder.URL }

func (a *Agent) Close() {
	a.issuer.Close()
	a.holder.Close()
}

// Fail makes the next requests whose path starts with prefix answer with the
// given statuses, one status per request.
func (a *Agent) Fail(prefix string, statuses ...int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures[prefix] = append(a.failures[prefix], statuses...)
}

// AbandonOffers makes every new exchange end up abandoned.
func (a *Agent) AbandonOffers(v bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.abandon = v
}

// StallAtIssued keeps auto-issue exchanges at credential_issued, as when the
// holder never stores the credential.
func (a *Agent) StallAtIssued(v bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stall = v
}

// DropConnection removes a connection from the issuer, so offers over it fail.
func (a *Agent) DropConnection(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.conns, id)
}

// ConnectionDelay makes new connections need n polls before becoming active.
func (a *Agent) ConnectionDelay(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connReady = n
}

// Offers returns the number of credential offers received.
func (a *Agent) Offers() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.offers
}

// Connections returns the number of connections created.
func (a *Agent) Connections() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.conns)
}

// Exchange returns a copy of the exchange with the given id.
func (a *Agent) Exchange(id string) (Exchange, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ex, ok := a.exchanges[id]
	if !ok {
		return Exchange{}, false
	}
	return *ex, true
}

func (a *Agent) injectFailures(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		for prefix, statuses := range a.failures {
			if len(statuses) > 0 && strings.HasPrefix(r.URL.Path, prefix) {
				status := statuses[0]
				a.failures[prefix] = statuses[1:]
				a.mu.Unlock()
				http.Error(w, "injected failure", status)
				return
			}
		}
		a.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (a *Agent) nextID(prefix string) string {
	a.seq++
	return fmt.Sprintf("%s-%d", prefix, a.seq)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (a *Agent) listConnections(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()
	want := r.URL.Query().Get("alias")
	if did := r.URL.Query().Get("their_did"); did != "" {
		want = did
	}
	results := []map[string]string{}
	for _, c := range a.conns {
		if c.alias == want && c.state == "active" {
			results = append(results, map[string]string{
				"connection_id": c.id, "state": c.state, "alias": c.alias, "their_did": c.alias,
			})
		}
	}
	writeJSON(w, map[string]any{"results": results})
}

func (a *Agent) createInvitation(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c := &conn{
		id:         a.nextID("conn"),
		state:      "invitation",
		alias:      r.URL.Query().Get("alias"),
		invitation: a.nextID("inv"),
	}
	a.conns[c.id] = c
	writeJSON(w, map[string]any{
		"connection_id": c.id,
		"invitation": map[string]any{
			"@type": "https://didcomm.org/connections/1.0/invitation",
			"@id":   c.invitation,
			"label": "issuer",
		},
	})
}

func (a *Agent) receiveInvitation(w http.ResponseWriter, r *http.Request) {
	var inv map[string]any
	if err := json.NewDecoder(r.Body).Decode(&inv); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range a.conns {
		if c.invitation == inv["@id"] {
			c.state = "request"
			writeJSON(w, map[string]any{"connection_id": "holder-" + c.id, "state": "request"})
			return
		}
	}
	http.Error(w, "unknown invitation", http.StatusBadRequest)
}

func (a *Agent) getConnection(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.conns[chi.URLParam(r, "id")]
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if c.state == "request" {
		if a.connReady > 0 {
			a.connReady--
		} else {
			c.state = "active"
		}
	}
	writeJSON(w, map[string]any{"connection_id": c.id, "state": c.state, "alias": c.alias})
}

func (a *Agent) sendOffer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConnectionID      string `json:"connection_id"`
		CredDefID         string `json:"cred_def_id"`
		AutoIssue         bool   `json:"auto_issue"`
		CredentialPreview struct {
			Attributes []struct {
				Name  string `json:"name"`
				Value string `json:"value"`
			} `json:"attributes"`
		} `json:"credential_preview"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.conns[req.ConnectionID]
	if !ok || c.state != "active" {
		http.Error(w, "connection not ready", http.StatusBadRequest)
		return
	}
	if req.CredDefID == "" {
		http.Error(w, "cred_def_id required", http.StatusUnprocessableEntity)
		return
	}
	ex := &Exchange{
		ID:           a.nextID("cx"),
		HolderID:     a.nextID("hcx"),
		ThreadID:     a.nextID("thread"),
		ConnectionID: c.id,
		State:        "offer_sent",
		HolderState:  "offer_received",
		AutoIssue:    req.AutoIssue,
		Attributes:   make(map[string]string),
	}
	for _, attr := range req.CredentialPreview.Attributes {
		ex.Attributes[attr.Name] = attr.Value
	}
	a.exchanges[ex.ID] = ex
	a.offers++
	writeJSON(w, recordJSON(ex))
}

func recordJSON(ex *Exchange) map[string]any {
	attrs := make([]map[string]string, 0, len(ex.Attributes))
	for name, value := range ex.Attributes {
		attrs = append(attrs, map[string]string{"name": name, "value": value})
	}
	return map[string]any{
		"credential_exchange_id": ex.ID,
		"connection_id":          ex.ConnectionID,
		"thread_id":              ex.ThreadID,
		"state":                  ex.State,
		"credential_offer_dict": map[string]any{
			"credential_preview": map[string]any{"attributes": attrs},
		},
	}
}

// getRecord advances auto-issue exchanges by one step per poll.
func (a *Agent) getRecord(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ex, ok := a.exchanges[chi.URLParam(r, "id")]
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	switch {
	case a.abandon:
		ex.State = "abandoned"
	case ex.AutoIssue && !a.stall && ex.State == "credential_issued":
		ex.State, ex.HolderState = "credential_acked", "credential_acked"
	case ex.AutoIssue && ex.State == "offer_sent":
		ex.State, ex.HolderState = "request_received", "request_sent"
	case ex.AutoIssue && ex.State == "request_received":
		ex.State, ex.HolderState = "credential_issued", "credential_received"
	}
	writeJSON(w, recordJSON(ex))
}

func (a *Agent) issue(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ex, ok := a.exchanges[chi.URLParam(r, "id")]
	if !ok || ex.State != "request_received" {
		http.Error(w, "invalid exchange state", http.StatusBadRequest)
		return
	}
	ex.State, ex.HolderState = "credential_issued", "credential_received"
	writeJSON(w, recordJSON(ex))
}

func (a *Agent) holderRecords(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()
	thread := r.URL.Query().Get("thread_id")
	results := []map[string]any{}
	for _, ex := range a.exchanges {
		if ex.ThreadID == thread {
			results = append(results, map[string]any{
				"credential_exchange_id": ex.HolderID,
				"thread_id":              ex.ThreadID,
				"state":                  ex.HolderState,
			})
		}
	}
	writeJSON(w, map[string]any{"results": results})
}

func (a *Agent) sendRequest(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := chi.URLParam(r, "id")
	for _, ex := range a.exchanges {
		if ex.HolderID == id {
			if ex.HolderState != "offer_received" {
				http.Error(w, "invalid exchange state", http.StatusBadRequest)
				return
			}
			ex.State, ex.HolderState = "request_received", "request_sent"
			writeJSON(w, map[string]any{"credential_exchange_id": id, "state": ex.HolderState})
			return
		}
	}
	http.Error(w, "not found", http.StatusNotFound)
}

// store is the holder saving a received credential, which acks it.
func (a *Agent) store(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := chi.URLParam(r, "id")
	for _, ex := range a.exchanges {
		if ex.HolderID == id {
			if ex.HolderState != "credential_received" {
				http.Error(w, "invalid exchange state", http.StatusBadRequest)
				return
			}
			ex.State, ex.HolderState = "credential_acked", "credential_acked"
			writeJSON(w, map[string]any{"credential_exchange_id": id, "state": ex.HolderState})
			return
		}
	}
	http.Error(w, "not found", http.StatusNotFound)
}
