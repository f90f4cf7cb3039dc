package delivery

import (
	"time"

	"github.com/goccy/go-json"
	"go.einride.tech/aip/filtering"
)

// Kind separates the two delivery queues: credentials issued to a holder, and presentations shared with a
// verifier.
type Kind string

const (
	CredentialKind   Kind = "credential"
	PresentationKind Kind = "presentation"
)

func (k Kind) IsValid() bool {
	return k == CredentialKind || k == PresentationKind
}

func (k Kind) String() string {
	return string(k)
}

// Status is the delivery state of a record.
//
//	pending -> processing -> claimed
//	processing -> pending (reclaimed after a timeout)
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	// StatusClaimed records are tombstones: kept for audit with DeletedAt set, never delivered again.
	StatusClaimed Status = "claimed"
)

// Deliverable is an encrypted payload waiting for its owner.
type Deliverable struct {
	ID   string `json:"id"`
	Kind Kind   `json:"kind"`
	// OwnerDID is the recipient; the payload is encrypted to its key.
	OwnerDID  string `json:"ownerDid"`
	SenderDID string `json:"senderDid,omitempty"`
	// EncryptedPayload is the base64url ECIES envelope.
	EncryptedPayload string     `json:"encryptedPayload"`
	Status           Status     `json:"status"`
	CreatedAt        time.Time  `json:"createdAt"`
	ClaimedAt        *time.Time `json:"claimedAt,omitempty"`
	DeletedAt        *time.Time `json:"deletedAt,omitempty"`
}

// FilterVariablesMap exposes the fields admin listings can filter on.
func (d Deliverable) FilterVariablesMap() map[string]any {
	return map[string]any{
		"status":     string(d.Status),
		"owner_did":  d.OwnerDID,
		"sender_did": d.SenderDID,
		"kind":       string(d.Kind),
	}
}

// FilterDeclarations declares the identifiers of FilterVariablesMap and the operators the storage evaluator binds.
func FilterDeclarations() (*filtering.Declarations, error) {
	return filtering.NewDeclarations(
		filtering.DeclareFunction(filtering.FunctionEquals,
			filtering.NewFunctionOverload(
				filtering.FunctionOverloadEqualsString, filtering.TypeBool, filtering.TypeString, filtering.TypeString)),
		filtering.DeclareFunction(filtering.FunctionNotEquals,
			filtering.NewFunctionOverload(
				filtering.FunctionOverloadNotEqualsString, filtering.TypeBool, filtering.TypeString, filtering.TypeString)),
		filtering.DeclareFunction(filtering.FunctionAnd,
			filtering.NewFunctionOverload(
				filtering.FunctionOverloadAndBool, filtering.TypeBool, filtering.TypeBool, filtering.TypeBool)),
		filtering.DeclareFunction(filtering.FunctionOr,
			filtering.NewFunctionOverload(
				filtering.FunctionOverloadOrBool, filtering.TypeBool, filtering.TypeBool, filtering.TypeBool)),
		filtering.DeclareIdent("status", filtering.TypeString),
		filtering.DeclareIdent("owner_did", filtering.TypeString),
		filtering.DeclareIdent("sender_did", filtering.TypeString),
		filtering.DeclareIdent("kind", filtering.TypeString),
	)
}

type SubmitRequest struct {
	Kind      Kind   `json:"kind" validate:"required"`
	SenderDID string `json:"senderDid" validate:"required"`
	OwnerDID  string `json:"ownerDid" validate:"required"`
	// Payload is the plaintext credential or presentation. It is encrypted before it is stored.
	Payload json.RawMessage `json:"payload" validate:"required"`
}

type SubmitResponse struct {
	Deliverable Deliverable `json:"deliverable"`
}

type ClaimRequest struct {
	Kind     Kind
	OwnerDID string
	// Limit of zero means the configured default.
	Limit int
}

type ClaimResponse struct {
	Deliverables []Deliverable `json:"deliverables"`
	// Remaining is how many records are still pending for the owner after this claim.
	Remaining int  `json:"remaining"`
	HasMore   bool `json:"hasMore"`
}

type ConfirmRequest struct {
	Kind     Kind
	OwnerDID string
	IDs      []string
}

type ConfirmResponse struct {
	Requested    int      `json:"requested"`
	Confirmed    int      `json:"confirmed"`
	ConfirmedIDs []string `json:"confirmedIds"`
}

type ReclaimResponse struct {
	Kind   Kind      `json:"kind"`
	Count  int       `json:"count"`
	Cutoff time.Time `json:"cutoff"`
}
