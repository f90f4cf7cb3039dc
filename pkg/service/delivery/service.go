package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	sdkutil "github.com/TBD54566975/ssi-sdk/util"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.einride.tech/aip/filtering"

	"github.com/tbd54566975/ssi-relay/config"
	"github.com/tbd54566975/ssi-relay/internal/codec"
	"github.com/tbd54566975/ssi-relay/internal/did"
	"github.com/tbd54566975/ssi-relay/internal/util"
	"github.com/tbd54566975/ssi-relay/pkg/service/framework"
	"github.com/tbd54566975/ssi-relay/pkg/storage"
)

// Service runs the two-phase delivery protocol. Claim hands pending records to their owner and Confirm retires
// them once the owner has stored them. Every transition is a compare-and-swap in the storage layer, so
// concurrent claims from any number of instances never hand out the same record twice.
type Service struct {
	config   config.DeliveryServiceConfig
	storage  *Storage
	resolver did.Resolver
	clock    clock.Clock
}

func (s Service) Type() framework.Type {
	return framework.Delivery
}

func (s Service) Status() framework.Status {
	ae := sdkutil.NewAppendError()
	if s.storage == nil {
		ae.AppendString("no storage configured")
	}
	if s.resolver == nil {
		ae.AppendString("no resolver configured")
	}
	if !ae.IsEmpty() {
		return framework.Status{
			Status:  framework.StatusNotReady,
			Message: fmt.Sprintf("delivery service is not ready: %s", ae.Error().Error()),
		}
	}
	return framework.Status{Status: framework.StatusReady}
}

func (s Service) Config() config.DeliveryServiceConfig {
	return s.config
}

func NewDeliveryService(config config.DeliveryServiceConfig, s storage.ServiceStorage, resolver did.Resolver, c clock.Clock) (*Service, error) {
	deliveryStorage, err := NewDeliveryStorage(s)
	if err != nil {
		return nil, sdkutil.LoggingErrorMsg(err, "could not instantiate storage for the delivery service")
	}
	if c == nil {
		c = clock.New()
	}
	service := Service{
		config:   config,
		storage:  deliveryStorage,
		resolver: resolver,
		clock:    c,
	}
	if !service.Status().IsReady() {
		return nil, errors.New(service.Status().Message)
	}
	return &service, nil
}

// Submit encrypts a payload to the owner's current key and enqueues it as pending.
func (s Service) Submit(ctx context.Context, request SubmitRequest) (*SubmitResponse, error) {
	if err := sdkutil.IsValidStruct(request); err != nil {
		return nil, framework.NewValidationError(err.Error())
	}
	if !request.Kind.IsValid() {
		return nil, framework.NewFieldValidationError("kind", "must be credential or presentation")
	}

	doc, err := s.resolver.Resolve(ctx, request.OwnerDID)
	if err != nil {
		if did.IsNotFound(err) {
			return nil, framework.NewFieldValidationError("ownerDid", "DID not found")
		}
		if framework.IsKind(err, framework.DependencyErrorKind) {
			return nil, err
		}
		return nil, framework.NewDependencyError(err, "could not resolve owner did")
	}
	if !doc.IsActive() {
		return nil, framework.NewFieldValidationError("ownerDid", "DID is not active")
	}
	ownerKey, err := doc.VerificationKey()
	if err != nil {
		return nil, framework.NewFieldValidationError("ownerDid", "DID has no usable key")
	}
	envelope, err := codec.EncryptToKey(request.Payload, ownerKey)
	if err != nil {
		return nil, errors.Wrap(err, "encrypting payload")
	}

	deliverable := Deliverable{
		ID:               uuid.NewString(),
		Kind:             request.Kind,
		OwnerDID:         request.OwnerDID,
		SenderDID:        request.SenderDID,
		EncryptedPayload: codec.EncodeEnvelope(envelope),
		Status:           StatusPending,
		CreatedAt:        s.clock.Now().UTC(),
	}
	if err = s.storage.StoreDeliverable(ctx, deliverable); err != nil {
		return nil, sdkutil.LoggingErrorMsg(err, "could not store deliverable")
	}
	submittedTotal.WithLabelValues(request.Kind.String()).Inc()
	logrus.WithFields(logrus.Fields{
		"kind":  request.Kind,
		"id":    deliverable.ID,
		"owner": util.SanitizeLog(request.OwnerDID),
	}).Info("deliverable submitted")
	return &SubmitResponse{Deliverable: deliverable}, nil
}

// Claim moves up to limit of the owner's pending records to processing, oldest first, and returns them. Nothing
// pending is an empty result, not an error.
func (s Service) Claim(ctx context.Context, request ClaimRequest) (*ClaimResponse, error) {
	if err := s.validateOwner(request.Kind, request.OwnerDID); err != nil {
		return nil, err
	}
	limit := request.Limit
	if limit == 0 {
		limit = s.config.DefaultClaimLimit
	}
	if limit < 1 || (s.config.MaxClaimLimit > 0 && limit > s.config.MaxClaimLimit) {
		return nil, framework.NewFieldValidationError("limit", fmt.Sprintf("must be between 1 and %d", s.config.MaxClaimLimit))
	}

	candidates, err := s.storage.ListOwnerDeliverables(ctx, request.Kind, request.OwnerDID, StatusPending)
	if err != nil {
		return nil, sdkutil.LoggingErrorMsg(err, "could not list pending deliverables")
	}

	now := s.clock.Now().UTC()
	claimed := make([]Deliverable, 0, limit)
	lost, conflicted := 0, 0
	for _, candidate := range candidates {
		if len(claimed) == limit {
			break
		}
		d, err := s.storage.transition(ctx, request.Kind, request.OwnerDID, candidate.ID, claimTransition(now))
		if err != nil {
			switch {
			case errors.Is(err, errNotEligible):
				// another claim took it first
				lost++
				continue
			case errors.Is(err, storage.ErrUpdateConflict):
				// still pending as far as we know, so it stays in remaining
				conflicted++
				continue
			}
			return nil, sdkutil.LoggingErrorMsgf(err, "could not claim deliverable: %s", candidate.ID)
		}
		claimed = append(claimed, *d)
	}
	if conflicted > 0 {
		logrus.WithFields(logrus.Fields{
			"kind":       request.Kind,
			"owner":      util.SanitizeLog(request.OwnerDID),
			"conflicted": conflicted,
		}).Warn("claim skipped contended deliverables")
	}

	claimedTotal.WithLabelValues(request.Kind.String()).Add(float64(len(claimed)))
	remaining := len(candidates) - len(claimed) - lost
	return &ClaimResponse{
		Deliverables: claimed,
		Remaining:    remaining,
		HasMore:      remaining > 0,
	}, nil
}

// ClaimOne claims the owner's oldest pending record. It returns nil when nothing is pending.
func (s Service) ClaimOne(ctx context.Context, kind Kind, owner string) (*Deliverable, error) {
	resp, err := s.Claim(ctx, ClaimRequest{Kind: kind, OwnerDID: owner, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(resp.Deliverables) == 0 {
		return nil, nil
	}
	return &resp.Deliverables[0], nil
}

// Confirm retires the owner's processing records among ids. Ids that are unknown, owned by someone else, or
// not processing are left out of the result rather than failing the call.
func (s Service) Confirm(ctx context.Context, request ConfirmRequest) (*ConfirmResponse, error) {
	if err := s.validateOwner(request.Kind, request.OwnerDID); err != nil {
		return nil, err
	}
	if len(request.IDs) == 0 {
		return nil, framework.NewFieldValidationError("ids", "at least one id is required")
	}
	if s.config.MaxConfirmIDs > 0 && len(request.IDs) > s.config.MaxConfirmIDs {
		return nil, framework.NewFieldValidationError("ids", fmt.Sprintf("at most %d ids may be confirmed at once", s.config.MaxConfirmIDs))
	}

	now := s.clock.Now().UTC()
	seen := make(map[string]struct{}, len(request.IDs))
	confirmed := make([]string, 0, len(request.IDs))
	for _, id := range request.IDs {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		if _, err := s.storage.transition(ctx, request.Kind, request.OwnerDID, id, confirmTransition(request.OwnerDID, now)); err != nil {
			if errors.Is(err, errNotEligible) || errors.Is(err, storage.ErrUpdateConflict) {
				continue
			}
			return nil, sdkutil.LoggingErrorMsgf(err, "could not confirm deliverable: %s", id)
		}
		confirmed = append(confirmed, id)
	}

	confirmedTotal.WithLabelValues(request.Kind.String()).Add(float64(len(confirmed)))
	return &ConfirmResponse{
		Requested:    len(request.IDs),
		Confirmed:    len(confirmed),
		ConfirmedIDs: confirmed,
	}, nil
}

// ConfirmOne retires a single processing record. A record that is not awaiting confirmation is a conflict.
func (s Service) ConfirmOne(ctx context.Context, kind Kind, owner, id string) error {
	if id == "" {
		return framework.NewFieldValidationError("id", "required")
	}
	resp, err := s.Confirm(ctx, ConfirmRequest{Kind: kind, OwnerDID: owner, IDs: []string{id}})
	if err != nil {
		return err
	}
	if resp.Confirmed == 0 {
		return framework.NewConflictError("deliverable is not awaiting confirmation")
	}
	return nil
}

// ReclaimStuck returns records that have been processing for longer than timeout to pending. Running it again
// with the same cutoff reclaims nothing more.
func (s Service) ReclaimStuck(ctx context.Context, kind Kind, timeout time.Duration) (*ReclaimResponse, error) {
	if !kind.IsValid() {
		return nil, framework.NewFieldValidationError("kind", "must be credential or presentation")
	}
	if timeout <= 0 {
		return nil, framework.NewFieldValidationError("timeout", "must be positive")
	}
	cutoff := s.clock.Now().UTC().Add(-timeout)

	stuck, err := s.storage.ListDeliverables(ctx, kind, func(d Deliverable) bool {
		return isStuck(d, cutoff)
	})
	if err != nil {
		return nil, sdkutil.LoggingErrorMsg(err, "could not list stuck deliverables")
	}

	count := 0
	for _, d := range stuck {
		if _, err = s.storage.transition(ctx, kind, d.OwnerDID, d.ID, reclaimTransition(cutoff)); err != nil {
			// a contended record is left for the next sweep
			if errors.Is(err, errNotEligible) || errors.Is(err, storage.ErrUpdateConflict) {
				continue
			}
			return nil, sdkutil.LoggingErrorMsgf(err, "could not reclaim deliverable: %s", d.ID)
		}
		count++
	}

	reclaimedTotal.WithLabelValues(kind.String()).Add(float64(count))
	if count > 0 {
		logrus.WithFields(logrus.Fields{"kind": kind, "count": count, "cutoff": cutoff}).Info("reclaimed stuck deliverables")
	}
	return &ReclaimResponse{Kind: kind, Count: count, Cutoff: cutoff}, nil
}

// List returns every record of a kind matching an AIP-160 filter, oldest first.
func (s Service) List(ctx context.Context, kind Kind, filter filtering.Filter) ([]Deliverable, error) {
	if !kind.IsValid() {
		return nil, framework.NewFieldValidationError("kind", "must be credential or presentation")
	}
	include, err := storage.Evaluator(filter)
	if err != nil {
		return nil, errors.Wrap(err, "compiling filter")
	}
	return s.storage.ListDeliverables(ctx, kind, func(d Deliverable) bool {
		return include(d)
	})
}

// Get returns one of the owner's records, or a not found error.
func (s Service) Get(ctx context.Context, kind Kind, owner, id string) (*Deliverable, error) {
	d, err := s.storage.GetDeliverable(ctx, kind, owner, id)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, framework.NewNotFoundError(fmt.Sprintf("deliverable not found with id: %s", id))
	}
	return d, nil
}

func (s Service) validateOwner(kind Kind, owner string) error {
	if !kind.IsValid() {
		return framework.NewFieldValidationError("kind", "must be credential or presentation")
	}
	if owner == "" {
		return framework.NewFieldValidationError("ownerDid", "required")
	}
	return nil
}
