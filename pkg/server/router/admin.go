package router

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"go.einride.tech/aip/filtering"

	"github.com/tbd54566975/ssi-relay/pkg/server/framework"
	"github.com/tbd54566975/ssi-relay/pkg/service/delivery"
	svcframework "github.com/tbd54566975/ssi-relay/pkg/service/framework"
)

const (
	DefaultReclaimMinutes = 15
	MaxReclaimMinutes     = 120
)

// AdminRouter serves operator routes over both delivery queues.
type AdminRouter struct {
	service      *delivery.Service
	declarations *filtering.Declarations
}

func NewAdminRouter(s svcframework.Service) (*AdminRouter, error) {
	if s == nil {
		return nil, errors.New("service cannot be nil")
	}
	service, ok := s.(*delivery.Service)
	if !ok {
		return nil, errors.Errorf("could not create admin router with service type: %s", s.Type())
	}
	declarations, err := delivery.FilterDeclarations()
	if err != nil {
		return nil, errors.Wrap(err, "creating filter declarations")
	}
	return &AdminRouter{service: service, declarations: declarations}, nil
}

type ResetStuckRequest struct {
	// Optional. Both kinds are reset when empty.
	Kind delivery.Kind `json:"kind,omitempty" validate:"omitempty,oneof=credential presentation"`
	// Optional. Records processing for longer than this are returned to pending. Defaults to 15, at most 120.
	TimeoutMinutes int `json:"timeoutMinutes,omitempty" validate:"omitempty,min=1,max=120"`
}

type ResetStuckResponse struct {
	Count   int                        `json:"count"`
	Cutoff  string                     `json:"cutoff"`
	Results []delivery.ReclaimResponse `json:"results"`
}

// ResetStuck godoc
//
// @Summary     Reset stuck deliverables
// @Description Returns deliverables that were claimed but never confirmed to pending.
// @Tags        AdminAPI
// @Accept      json
// @Produce     json
// @Param       request body     ResetStuckRequest false "request body"
// @Success     200     {object} ResetStuckResponse
// @Failure     400     {object} framework.ErrorResponse "Bad request"
// @Failure     401     {object} framework.ErrorResponse "Unauthorized"
// @Router      /v1/admin/reset-stuck [post]
func (ar AdminRouter) ResetStuck(c *gin.Context) {
	var request ResetStuckRequest
	if c.Request.ContentLength != 0 {
		if err := framework.Decode(c.Request, &request); err != nil {
			framework.LoggingRespondError(c, err, "invalid reset stuck request")
			return
		}
	}
	minutes := request.TimeoutMinutes
	if minutes == 0 {
		minutes = DefaultReclaimMinutes
	}
	kinds := []delivery.Kind{delivery.CredentialKind, delivery.PresentationKind}
	if request.Kind != "" {
		kinds = []delivery.Kind{request.Kind}
	}

	resp := ResetStuckResponse{Results: make([]delivery.ReclaimResponse, 0, len(kinds))}
	for _, kind := range kinds {
		result, err := ar.service.ReclaimStuck(c.Request.Context(), kind, time.Duration(minutes)*time.Minute)
		if err != nil {
			framework.LoggingRespondError(c, err, "could not reset stuck deliverables")
			return
		}
		resp.Count += result.Count
		resp.Cutoff = result.Cutoff.Format(timeFormat)
		resp.Results = append(resp.Results, *result)
	}
	framework.Respond(c, resp, http.StatusOK)
}

type ListDeliveriesRequest struct {
	// A standard filter expression conforming to https://google.aip.dev/160 over `status`, `owner_did`,
	// `sender_did` and `kind`. For example: `status = "processing"`.
	Filter string `json:"filter,omitempty"`
}

func (r ListDeliveriesRequest) GetFilter() string {
	return r.Filter
}

type ListDeliveriesResponse struct {
	Deliverables []delivery.Deliverable `json:"deliverables"`
}

// ListDeliveries godoc
//
// @Summary     List deliverables
// @Description Lists deliverables of a kind, optionally filtered.
// @Tags        AdminAPI
// @Produce     json
// @Param       kind   query    string true  "credential or presentation"
// @Param       filter query    string false "AIP-160 filter"
// @Success     200    {object} ListDeliveriesResponse
// @Failure     400    {object} framework.ErrorResponse "Bad request"
// @Failure     401    {object} framework.ErrorResponse "Unauthorized"
// @Router      /v1/admin/deliveries [get]
func (ar AdminRouter) ListDeliveries(c *gin.Context) {
	kind := framework.GetQueryValue(c, KindParam)
	if kind == nil {
		framework.LoggingRespondError(c, svcframework.NewFieldValidationError(KindParam, "required"), "cannot list deliverables without a kind")
		return
	}

	var request ListDeliveriesRequest
	if filter := framework.GetQueryValue(c, FilterParam); filter != nil {
		request.Filter = *filter
	}

	// Because parsing filters can be expensive, we limit is to a fixed len of chars.
	invalidFilterErr := "invalid filter"
	if len(request.GetFilter()) > FilterCharacterLimit {
		msg := fmt.Sprintf("filter longer than %d character size limit", FilterCharacterLimit)
		framework.LoggingRespondError(c, svcframework.NewFieldValidationError(FilterParam, msg), invalidFilterErr)
		return
	}
	filter, err := filtering.ParseFilter(request, ar.declarations)
	if err != nil {
		framework.LoggingRespondError(c, svcframework.NewFieldValidationError(FilterParam, err.Error()), invalidFilterErr)
		return
	}

	deliverables, err := ar.service.List(c.Request.Context(), delivery.Kind(*kind), filter)
	if err != nil {
		framework.LoggingRespondError(c, err, "could not list deliverables")
		return
	}
	framework.Respond(c, ListDeliveriesResponse{Deliverables: deliverables}, http.StatusOK)
}
