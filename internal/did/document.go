// Package did models the DID documents returned by a registry and the contract used to resolve them.
package did

import (
	"strings"
)

// Status is the ledger status of a DID.
type Status string

const (
	StatusActive  Status = "Active"
	StatusRevoked Status = "Revoked"

	SecpJWKCurve = "secp256k1"
	ECJWKKeyType = "EC"

	EcdsaSecp256k1VerificationKey2019 = "EcdsaSecp256k1VerificationKey2019"
)

// Document is the subset of a DID document used for authentication. KeyID names the verification method that
// signs on behalf of the DID.
type Document struct {
	ID                 string               `json:"id" validate:"required"`
	Status             Status               `json:"status"`
	KeyID              string               `json:"keyId,omitempty"`
	VerificationMethod []VerificationMethod `json:"verificationMethod,omitempty"`
}

type VerificationMethod struct {
	ID                 string        `json:"id" validate:"required"`
	Type               string        `json:"type,omitempty"`
	Controller         string        `json:"controller,omitempty"`
	PublicKeyHex       string        `json:"publicKeyHex,omitempty"`
	PublicKeyBase58    string        `json:"publicKeyBase58,omitempty"`
	PublicKeyMultibase string        `json:"publicKeyMultibase,omitempty"`
	PublicKeyJWK       *PublicKeyJWK `json:"publicKeyJwk,omitempty"`
}

type PublicKeyJWK struct {
	KTY string `json:"kty"`
	CRV string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

func (d Document) IsEmpty() bool {
	return d.ID == ""
}

// IsActive compares status case-insensitively; registries disagree on casing.
func (d Document) IsActive() bool {
	return strings.EqualFold(string(d.Status), string(StatusActive))
}

// FindVerificationMethod looks up a method by full id, by fragment, or by the bare key id.
func (d Document) FindVerificationMethod(keyID string) (*VerificationMethod, bool) {
	if keyID == "" {
		return nil, false
	}
	fragment := keyFragment(keyID)
	for i, method := range d.VerificationMethod {
		if method.ID == keyID || keyFragment(method.ID) == fragment {
			return &d.VerificationMethod[i], true
		}
	}
	return nil, false
}

// VerificationMethodID is the fully qualified id of a key id on this document.
func (d Document) VerificationMethodID(keyID string) string {
	if strings.HasPrefix(keyID, "did:") {
		return keyID
	}
	return d.ID + "#" + strings.TrimPrefix(keyID, "#")
}

func keyFragment(id string) string {
	if i := strings.LastIndex(id, "#"); i >= 0 {
		return id[i+1:]
	}
	return id
}
