package domain

// CredentialState is the normalized state of an Aries credential exchange.
type CredentialState string

const (
	CredentialStateOffered   CredentialState = "OFFERED"
	CredentialStateRequested CredentialState = "REQUESTED"
	CredentialStateIssued    CredentialState = "ISSUED"
	CredentialStateAcked     CredentialState = "ACKED"
	CredentialStateFailed    CredentialState = "FAILED"
)

// Done reports whether the holder acknowledged the credential. ISSUED only
// means the issuer sent it; the holder may still reject or never store it.
func (s CredentialState) Done() bool {
	return s == CredentialStateAcked
}

// VerifiableCredentialRecord tracks a credential exchange on the issuer agent.
type VerifiableCredentialRecord struct {
	CredentialExchangeID string            `json:"credential_exchange_id"`
	ConnectionID         string            `json:"connection_id"`
	IssuerDID            string            `json:"issuer_did"`
	HolderDID            string            `json:"holder_did"`
	Attributes           map[string]string `json:"attributes"`
	State                CredentialState   `json:"state"`
}
