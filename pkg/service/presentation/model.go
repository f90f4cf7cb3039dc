package presentation

import (
	"time"

	"github.com/TBD54566975/ssi-sdk/util"
	"github.com/goccy/go-json"
)

// StoredPresentation is a holder's VP kept for verification by id. OneTime is fixed at creation.
type StoredPresentation struct {
	ID           string          `json:"id"`
	HolderDID    string          `json:"holderDid"`
	Presentation json.RawMessage `json:"presentation"`
	OneTime      bool            `json:"oneTime"`
	CreatedAt    time.Time       `json:"createdAt"`
	// ConsumedAt is set once a one-time presentation has been verified; it is never served again.
	ConsumedAt *time.Time `json:"consumedAt,omitempty"`
}

type StorePresentationRequest struct {
	HolderDID    string          `json:"holderDid" validate:"required"`
	Presentation json.RawMessage `json:"presentation" validate:"required"`
	OneTime      bool            `json:"oneTime"`
}

func (r StorePresentationRequest) IsValid() bool {
	return util.IsValidStruct(r) == nil
}

type StorePresentationResponse struct {
	ID        string    `json:"id"`
	OneTime   bool      `json:"oneTime"`
	CreatedAt time.Time `json:"createdAt"`
}

type VerifyPresentationRequest struct {
	ID string `json:"id" validate:"required"`
	// VerifierDID is the authenticated caller, if any. One-time presentations require one.
	VerifierDID string `json:"verifierDid,omitempty"`
}

// CredentialResult is the outcome of checking one embedded credential's issuer proof.
type CredentialResult struct {
	ID     string `json:"id,omitempty"`
	Issuer string `json:"issuer,omitempty"`
	Valid  bool   `json:"valid"`
	Error  string `json:"error,omitempty"`
}

type VerifyPresentationResponse struct {
	ID          string             `json:"id"`
	Holder      string             `json:"holder"`
	HolderValid bool               `json:"holderValid"`
	HolderError string             `json:"holderError,omitempty"`
	Credentials []CredentialResult `json:"credentials"`
	// Verified is true when the holder proof and every credential proof are valid.
	Verified bool `json:"verified"`
	Consumed bool `json:"consumed"`
}

// presentationDocument is the part of a VP the verifier reads.
type presentationDocument struct {
	Holder               string            `json:"holder,omitempty"`
	VerifiableCredential []json.RawMessage `json:"verifiableCredential,omitempty"`
}

type credentialDocument struct {
	ID     string          `json:"id,omitempty"`
	Issuer json.RawMessage `json:"issuer,omitempty"`
}

// issuerID accepts both the string and the object form of a credential's issuer.
func (c credentialDocument) issuerID() string {
	if len(c.Issuer) == 0 {
		return ""
	}
	var id string
	if err := json.Unmarshal(c.Issuer, &id); err == nil {
		return id
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(c.Issuer, &obj); err == nil {
		return obj.ID
	}
	return ""
}
