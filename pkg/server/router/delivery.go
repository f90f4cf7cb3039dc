package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"

	"github.com/tbd54566975/ssi-relay/pkg/server/framework"
	"github.com/tbd54566975/ssi-relay/pkg/server/middleware"
	"github.com/tbd54566975/ssi-relay/pkg/service/delivery"
	svcframework "github.com/tbd54566975/ssi-relay/pkg/service/framework"
)

// DeliveryRouter serves one delivery queue. The same handlers back both the credential and the presentation
// routes, bound to their kind.
type DeliveryRouter struct {
	service *delivery.Service
	kind    delivery.Kind
}

func NewDeliveryRouter(s svcframework.Service, kind delivery.Kind) (*DeliveryRouter, error) {
	if s == nil {
		return nil, errors.New("service cannot be nil")
	}
	service, ok := s.(*delivery.Service)
	if !ok {
		return nil, errors.Errorf("could not create delivery router with service type: %s", s.Type())
	}
	if !kind.IsValid() {
		return nil, errors.Errorf("unknown delivery kind: %s", kind)
	}
	return &DeliveryRouter{service: service, kind: kind}, nil
}

type SubmitCredentialRequest struct {
	// DID of the holder the credential is delivered to. It is encrypted to this DID's current key.
	HolderDID string `json:"holderDid" validate:"required"`
	// The signed verifiable credential, as JSON.
	Credential json.RawMessage `json:"credential" validate:"required"`
}

type SharePresentationRequest struct {
	// DID of the verifier the presentation is shared with. It is encrypted to this DID's current key.
	VerifierDID string `json:"verifierDid" validate:"required"`
	// The signed verifiable presentation, as JSON.
	Presentation json.RawMessage `json:"presentation" validate:"required"`
}

type SubmitDeliverableResponse struct {
	ID        string `json:"id"`
	OwnerDID  string `json:"ownerDid"`
	Status    string `json:"status"`
	CreatedAt string `json:"createdAt"`
}

func toSubmitResponse(d delivery.Deliverable) SubmitDeliverableResponse {
	return SubmitDeliverableResponse{
		ID:        d.ID,
		OwnerDID:  d.OwnerDID,
		Status:    string(d.Status),
		CreatedAt: d.CreatedAt.Format(timeFormat),
	}
}

// SubmitCredential godoc
//
// @Summary     Submit credential
// @Description Encrypts a credential to the holder's key and queues it until the holder claims it. The caller
// @Description must authenticate with the issuer role.
// @Tags        DeliveryAPI
// @Accept      json
// @Produce     json
// @Param       request body     SubmitCredentialRequest true "request body"
// @Success     201     {object} SubmitDeliverableResponse
// @Failure     400     {object} framework.ErrorResponse "Bad request"
// @Failure     401     {object} framework.ErrorResponse "Unauthorized"
// @Failure     403     {object} framework.ErrorResponse "Forbidden"
// @Failure     502     {object} framework.ErrorResponse "DID registry unavailable"
// @Router      /v1/credentials/pending [put]
func (dr DeliveryRouter) SubmitCredential(c *gin.Context) {
	var request SubmitCredentialRequest
	if err := framework.Decode(c.Request, &request); err != nil {
		framework.LoggingRespondError(c, err, "invalid submit credential request")
		return
	}
	dr.submit(c, request.HolderDID, request.Credential)
}

// SharePresentation godoc
//
// @Summary     Share presentation
// @Description Encrypts a presentation to the verifier's key and queues it until the verifier claims it.
// @Tags        DeliveryAPI
// @Accept      json
// @Produce     json
// @Param       request body     SharePresentationRequest true "request body"
// @Success     201     {object} SubmitDeliverableResponse
// @Failure     400     {object} framework.ErrorResponse "Bad request"
// @Failure     401     {object} framework.ErrorResponse "Unauthorized"
// @Failure     502     {object} framework.ErrorResponse "DID registry unavailable"
// @Router      /v1/presentations/pending [put]
func (dr DeliveryRouter) SharePresentation(c *gin.Context) {
	var request SharePresentationRequest
	if err := framework.Decode(c.Request, &request); err != nil {
		framework.LoggingRespondError(c, err, "invalid share presentation request")
		return
	}
	dr.submit(c, request.VerifierDID, request.Presentation)
}

func (dr DeliveryRouter) submit(c *gin.Context, owner string, payload json.RawMessage) {
	resp, err := dr.service.Submit(c.Request.Context(), delivery.SubmitRequest{
		Kind:      dr.kind,
		SenderDID: middleware.CallerDID(c),
		OwnerDID:  owner,
		Payload:   payload,
	})
	if err != nil {
		framework.LoggingRespondError(c, err, "could not submit deliverable")
		return
	}
	framework.Respond(c, toSubmitResponse(resp.Deliverable), http.StatusCreated)
}

type ClaimResponse struct {
	// Absent when nothing is pending.
	Deliverable *delivery.Deliverable `json:"deliverable,omitempty"`
	Message     string                `json:"message,omitempty"`
}

// Claim godoc
//
// @Summary     Claim one
// @Description Claims the caller's oldest pending deliverable. It stays processing until confirmed.
// @Tags        DeliveryAPI
// @Produce     json
// @Success     200 {object} ClaimResponse
// @Failure     401 {object} framework.ErrorResponse "Unauthorized"
// @Failure     429 {object} framework.ErrorResponse "Too many requests"
// @Router      /v1/credentials/pending/claim [post]
// @Router      /v1/presentations/pending/claim [post]
func (dr DeliveryRouter) Claim(c *gin.Context) {
	d, err := dr.service.ClaimOne(c.Request.Context(), dr.kind, middleware.CallerDID(c))
	if err != nil {
		framework.LoggingRespondError(c, err, "could not claim deliverable")
		return
	}
	if d == nil {
		framework.Respond(c, ClaimResponse{Message: "none pending"}, http.StatusOK)
		return
	}
	framework.Respond(c, ClaimResponse{Deliverable: d}, http.StatusOK)
}

type ConfirmRequest struct {
	ID string `json:"id" validate:"required"`
}

type ConfirmResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

// Confirm godoc
//
// @Summary     Confirm one
// @Description Confirms the caller has stored a claimed deliverable. It is never delivered again.
// @Tags        DeliveryAPI
// @Accept      json
// @Produce     json
// @Param       request body     ConfirmRequest true "request body"
// @Success     200     {object} ConfirmResponse
// @Failure     400     {object} framework.ErrorResponse "Bad request"
// @Failure     401     {object} framework.ErrorResponse "Unauthorized"
// @Failure     409     {object} framework.ErrorResponse "Not awaiting confirmation"
// @Router      /v1/credentials/pending/confirm [post]
// @Router      /v1/presentations/pending/confirm [post]
func (dr DeliveryRouter) Confirm(c *gin.Context) {
	var request ConfirmRequest
	if err := framework.Decode(c.Request, &request); err != nil {
		framework.LoggingRespondError(c, err, "invalid confirm request")
		return
	}
	if err := dr.service.ConfirmOne(c.Request.Context(), dr.kind, middleware.CallerDID(c), request.ID); err != nil {
		framework.LoggingRespondError(c, err, "could not confirm deliverable")
		return
	}
	framework.Respond(c, ConfirmResponse{ID: request.ID, Message: "deliverable confirmed"}, http.StatusOK)
}

type ClaimBatchRequest struct {
	// Optional. Defaults to 10, at most 100.
	Limit int `json:"limit,omitempty" validate:"omitempty,min=1"`
}

type ClaimBatchResponse struct {
	Deliverables []delivery.Deliverable `json:"deliverables"`
	Remaining    int                    `json:"remaining"`
	HasMore      bool                   `json:"hasMore"`
}

// ClaimBatch godoc
//
// @Summary     Claim batch
// @Description Claims up to limit of the caller's pending deliverables, oldest first.
// @Tags        DeliveryAPI
// @Accept      json
// @Produce     json
// @Param       request body     ClaimBatchRequest false "request body"
// @Success     200     {object} ClaimBatchResponse
// @Failure     400     {object} framework.ErrorResponse "Bad request"
// @Failure     401     {object} framework.ErrorResponse "Unauthorized"
// @Failure     429     {object} framework.ErrorResponse "Too many requests"
// @Router      /v1/credentials/pending/claim-batch [post]
// @Router      /v1/presentations/pending/claim-batch [post]
func (dr DeliveryRouter) ClaimBatch(c *gin.Context) {
	var request ClaimBatchRequest
	if c.Request.ContentLength != 0 {
		if err := framework.Decode(c.Request, &request); err != nil {
			framework.LoggingRespondError(c, err, "invalid claim batch request")
			return
		}
	}
	resp, err := dr.service.Claim(c.Request.Context(), delivery.ClaimRequest{
		Kind:     dr.kind,
		OwnerDID: middleware.CallerDID(c),
		Limit:    request.Limit,
	})
	if err != nil {
		framework.LoggingRespondError(c, err, "could not claim deliverables")
		return
	}
	framework.Respond(c, ClaimBatchResponse{
		Deliverables: resp.Deliverables,
		Remaining:    resp.Remaining,
		HasMore:      resp.HasMore,
	}, http.StatusOK)
}

type ConfirmBatchRequest struct {
	IDs []string `json:"ids" validate:"required,min=1"`
}

type ConfirmBatchResponse struct {
	Requested    int      `json:"requested"`
	Confirmed    int      `json:"confirmed"`
	ConfirmedIDs []string `json:"confirmedIds"`
}

// ConfirmBatch godoc
//
// @Summary     Confirm batch
// @Description Confirms up to 100 claimed deliverables. Ids that are not awaiting the caller's confirmation
// @Description are left out of the result.
// @Tags        DeliveryAPI
// @Accept      json
// @Produce     json
// @Param       request body     ConfirmBatchRequest true "request body"
// @Success     200     {object} ConfirmBatchResponse
// @Failure     400     {object} framework.ErrorResponse "Bad request"
// @Failure     401     {object} framework.ErrorResponse "Unauthorized"
// @Router      /v1/credentials/pending/confirm-batch [post]
// @Router      /v1/presentations/pending/confirm-batch [post]
func (dr DeliveryRouter) ConfirmBatch(c *gin.Context) {
	var request ConfirmBatchRequest
	if err := framework.Decode(c.Request, &request); err != nil {
		framework.LoggingRespondError(c, err, "invalid confirm batch request")
		return
	}
	resp, err := dr.service.Confirm(c.Request.Context(), delivery.ConfirmRequest{
		Kind:     dr.kind,
		OwnerDID: middleware.CallerDID(c),
		IDs:      request.IDs,
	})
	if err != nil {
		framework.LoggingRespondError(c, err, "could not confirm deliverables")
		return
	}
	framework.Respond(c, ConfirmBatchResponse{
		Requested:    resp.Requested,
		Confirmed:    resp.Confirmed,
		ConfirmedIDs: resp.ConfirmedIDs,
	}, http.StatusOK)
}
