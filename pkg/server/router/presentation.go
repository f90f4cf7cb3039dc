package router

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"

	"github.com/tbd54566975/ssi-relay/config"
	"github.com/tbd54566975/ssi-relay/pkg/server/framework"
	"github.com/tbd54566975/ssi-relay/pkg/server/middleware"
	svcframework "github.com/tbd54566975/ssi-relay/pkg/service/framework"
	"github.com/tbd54566975/ssi-relay/pkg/service/presentation"
)

const timeFormat = time.RFC3339

type PresentationRouter struct {
	service *presentation.Service
}

func NewPresentationRouter(s svcframework.Service) (*PresentationRouter, error) {
	if s == nil {
		return nil, errors.New("service cannot be nil")
	}
	service, ok := s.(*presentation.Service)
	if !ok {
		return nil, errors.Errorf("could not create presentation router with service type: %s", s.Type())
	}
	return &PresentationRouter{service: service}, nil
}

type StorePresentationRequest struct {
	// The signed verifiable presentation. Its holder, if set, must be the caller.
	Presentation json.RawMessage `json:"presentation" validate:"required"`
	// A one-time presentation can be verified once and is gone afterwards. Reusable ones back printed codes.
	OneTime bool `json:"oneTime"`
}

type StorePresentationResponse struct {
	ID        string `json:"id"`
	OneTime   bool   `json:"oneTime"`
	CreatedAt string `json:"createdAt"`
	// VerifyURL is where a verifier checks the presentation, the link a holder encodes in a QR code.
	VerifyURL string `json:"verifyUrl"`
}

// StorePresentation godoc
//
// @Summary     Store presentation
// @Description Stores the caller's presentation so a verifier can check it by id, e.g. from a QR code.
// @Tags        PresentationAPI
// @Accept      json
// @Produce     json
// @Param       request body     StorePresentationRequest true "request body"
// @Success     201     {object} StorePresentationResponse
// @Failure     400     {object} framework.ErrorResponse "Bad request"
// @Failure     401     {object} framework.ErrorResponse "Unauthorized"
// @Failure     403     {object} framework.ErrorResponse "Holder mismatch"
// @Router      /v1/presentations [put]
func (pr PresentationRouter) StorePresentation(c *gin.Context) {
	var request StorePresentationRequest
	if err := framework.Decode(c.Request, &request); err != nil {
		framework.LoggingRespondError(c, err, "invalid store presentation request")
		return
	}
	resp, err := pr.service.StorePresentation(c.Request.Context(), presentation.StorePresentationRequest{
		HolderDID:    middleware.CallerDID(c),
		Presentation: request.Presentation,
		OneTime:      request.OneTime,
	})
	if err != nil {
		framework.LoggingRespondError(c, err, "could not store presentation")
		return
	}
	framework.Respond(c, StorePresentationResponse{
		ID:        resp.ID,
		OneTime:   resp.OneTime,
		CreatedAt: resp.CreatedAt.Format(timeFormat),
		VerifyURL: config.GetServicePath(svcframework.Presentation) + "/" + resp.ID + "/verify",
	}, http.StatusCreated)
}

// VerifyPresentation godoc
//
// @Summary     Verify presentation
// @Description Checks the holder's proof and every embedded credential's issuer proof. Anyone may verify a
// @Description reusable presentation; a one-time presentation needs an authenticated verifier and is consumed.
// @Tags        PresentationAPI
// @Produce     json
// @Param       id  path     string true "ID"
// @Success     200 {object} presentation.VerifyPresentationResponse
// @Failure     401 {object} framework.ErrorResponse "Unauthorized"
// @Failure     404 {object} framework.ErrorResponse "Not found or already consumed"
// @Failure     502 {object} framework.ErrorResponse "DID registry unavailable"
// @Router      /v1/presentations/{id}/verify [get]
func (pr PresentationRouter) VerifyPresentation(c *gin.Context) {
	id := framework.GetParam(c, IDParam)
	if id == nil {
		framework.LoggingRespondError(c, svcframework.NewFieldValidationError(IDParam, "required"), "cannot verify presentation without an ID parameter")
		return
	}
	resp, err := pr.service.VerifyPresentation(c.Request.Context(), presentation.VerifyPresentationRequest{
		ID:          *id,
		VerifierDID: middleware.CallerDID(c),
	})
	if err != nil {
		framework.LoggingRespondError(c, err, "could not verify presentation")
		return
	}
	framework.Respond(c, resp, http.StatusOK)
}
