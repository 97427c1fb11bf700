package issuer

import (
	"sort"

	"github.com/vietddude/bridge-oracle/internal/core/domain"
)

// Aries admin API payloads (issue-credential v1).

type connection struct {
	ConnectionID string `json:"connection_id"`
	State        string `json:"state"`
	TheirDID     string `json:"their_did,omitempty"`
	Alias        string `json:"alias,omitempty"`
}

type connectionList struct {
	Results []connection `json:"results"`
}

type invitationResponse struct {
	ConnectionID string         `json:"connection_id"`
	Invitation   map[string]any `json:"invitation"`
}

type previewAttribute struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type credentialPreview struct {
	Type       string             `json:"@type"`
	Attributes []previewAttribute `json:"attributes"`
}

type offerRequest struct {
	ConnectionID      string            `json:"connection_id"`
	CredDefID         string            `json:"cred_def_id"`
	IssuerDID         string            `json:"issuer_did,omitempty"`
	Comment           string            `json:"comment,omitempty"`
	AutoIssue         bool              `json:"auto_issue"`
	AutoRemove        bool              `json:"auto_remove"`
	Trace             bool              `json:"trace"`
	CredentialPreview credentialPreview `json:"credential_preview"`
}

type exchangeRecord struct {
	CredentialExchangeID string `json:"credential_exchange_id"`
	ConnectionID         string `json:"connection_id"`
	ThreadID             string `json:"thread_id"`
	State                string `json:"state"`
	ErrorMsg             string `json:"error_msg,omitempty"`
	CredentialOfferDict  *struct {
		CredentialPreview credentialPreview `json:"credential_preview"`
	} `json:"credential_offer_dict,omitempty"`
}

type exchangeList struct {
	Results []exchangeRecord `json:"results"`
}

const previewType = "issue-credential/1.0/credential-preview"

// Aries exchange states.
const (
	stateOfferSent       = "offer_sent"
	stateOfferReceived   = "offer_received"
	stateRequestSent     = "request_sent"
	stateRequestReceived = "request_received"
	stateIssued          = "credential_issued"
	stateReceived        = "credential_received"
	stateAcked           = "credential_acked"
	stateDone            = "done"
)

// mapState converts an Aries exchange state into a CredentialState. The
// second result is false for states the oracle does not track.
func mapState(s string) (domain.CredentialState, bool) {
	switch s {
	case stateOfferSent, stateOfferReceived:
		return domain.CredentialStateOffered, true
	case stateRequestReceived, stateRequestSent:
		return domain.CredentialStateRequested, true
	case stateIssued, stateReceived:
		return domain.CredentialStateIssued, true
	case stateAcked, stateDone:
		return domain.CredentialStateAcked, true
	case "abandoned", "error", "declined":
		return domain.CredentialStateFailed, true
	}
	return "", false
}

func connectionReady(state string) bool {
	return state == "active" || state == "completed"
}

func toPreview(attrs map[string]string) credentialPreview {
	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	sort.Strings(names)

	out := credentialPreview{Type: previewType, Attributes: make([]previewAttribute, 0, len(names))}
	for _, name := range names {
		out.Attributes = append(out.Attributes, previewAttribute{Name: name, Value: attrs[name]})
	}
	return out
}

func fromPreview(p credentialPreview) map[string]string {
	out := make(map[string]string, len(p.Attributes))
	for _, a := range p.Attributes {
		out[a.Name] = a.Value
	}
	return out
}
