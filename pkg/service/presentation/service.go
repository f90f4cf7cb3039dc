package presentation

import (
	"context"
	"fmt"

	"github.com/benbjohnson/clock"
	sdkutil "github.com/TBD54566975/ssi-sdk/util"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tbd54566975/ssi-relay/config"
	"github.com/tbd54566975/ssi-relay/internal/codec"
	"github.com/tbd54566975/ssi-relay/internal/didauth"
	"github.com/tbd54566975/ssi-relay/internal/proof"
	"github.com/tbd54566975/ssi-relay/internal/util"
	"github.com/tbd54566975/ssi-relay/pkg/service/framework"
	"github.com/tbd54566975/ssi-relay/pkg/storage"
)

// KeyResolver returns the key a DID currently signs with.
type KeyResolver interface {
	VerificationKey(ctx context.Context, id string) (*codec.PublicKey, error)
}

type Service struct {
	config   config.PresentationServiceConfig
	storage  *Storage
	verifier KeyResolver
	clock    clock.Clock
}

func (s Service) Type() framework.Type {
	return framework.Presentation
}

func (s Service) Status() framework.Status {
	ae := sdkutil.NewAppendError()
	if s.storage == nil {
		ae.AppendString("no storage configured")
	}
	if s.verifier == nil {
		ae.AppendString("no key resolver configured")
	}
	if !ae.IsEmpty() {
		return framework.Status{
			Status:  framework.StatusNotReady,
			Message: fmt.Sprintf("presentation service is not ready: %s", ae.Error().Error()),
		}
	}
	return framework.Status{Status: framework.StatusReady}
}

func (s Service) Config() config.PresentationServiceConfig {
	return s.config
}

func NewPresentationService(config config.PresentationServiceConfig, s storage.ServiceStorage, verifier KeyResolver, c clock.Clock) (*Service, error) {
	presentationStorage, err := NewPresentationStorage(s)
	if err != nil {
		return nil, sdkutil.LoggingErrorMsg(err, "could not instantiate storage for the presentation service")
	}
	if c == nil {
		c = clock.New()
	}
	service := Service{
		config:   config,
		storage:  presentationStorage,
		verifier: verifier,
		clock:    c,
	}
	if !service.Status().IsReady() {
		return nil, errors.New(service.Status().Message)
	}
	return &service, nil
}

// StorePresentation keeps a holder's VP for later verification. A VP that names a holder must name the caller.
func (s Service) StorePresentation(ctx context.Context, request StorePresentationRequest) (*StorePresentationResponse, error) {
	if !request.IsValid() {
		return nil, framework.NewValidationError("holder and presentation are required")
	}
	var doc presentationDocument
	if err := json.Unmarshal(request.Presentation, &doc); err != nil {
		return nil, framework.NewFieldValidationError("presentation", "must be a JSON object")
	}
	if doc.Holder != "" && doc.Holder != request.HolderDID {
		return nil, framework.NewForbiddenError("presentation holder does not match the caller")
	}

	stored := StoredPresentation{
		ID:           uuid.NewString(),
		HolderDID:    request.HolderDID,
		Presentation: request.Presentation,
		OneTime:      request.OneTime,
		CreatedAt:    s.clock.Now().UTC(),
	}
	if err := s.storage.StorePresentation(ctx, stored); err != nil {
		return nil, sdkutil.LoggingErrorMsg(err, "could not store presentation")
	}
	logrus.WithFields(logrus.Fields{
		"id":      stored.ID,
		"holder":  util.SanitizeLog(request.HolderDID),
		"oneTime": stored.OneTime,
	}).Info("presentation stored")
	return &StorePresentationResponse{ID: stored.ID, OneTime: stored.OneTime, CreatedAt: stored.CreatedAt}, nil
}

// VerifyPresentation checks the holder proof and each embedded credential's issuer proof. Failed proofs are
// reported in the response, not as errors. A one-time presentation is consumed once verified, whatever the
// outcome, and is not found afterwards.
func (s Service) VerifyPresentation(ctx context.Context, request VerifyPresentationRequest) (*VerifyPresentationResponse, error) {
	if request.ID == "" {
		return nil, framework.NewFieldValidationError("id", "required")
	}
	stored, err := s.storage.GetPresentation(ctx, request.ID)
	if err != nil {
		return nil, err
	}
	if stored == nil || stored.ConsumedAt != nil {
		return nil, framework.NewNotFoundError(fmt.Sprintf("presentation not found with id: %s", request.ID))
	}
	if stored.OneTime && request.VerifierDID == "" {
		return nil, framework.NewAuthenticationError("one-time presentations require an authenticated verifier")
	}

	resp, err := s.verify(ctx, *stored)
	if err != nil {
		return nil, err
	}

	if stored.OneTime {
		if err = s.storage.ConsumePresentation(ctx, stored.ID, s.clock.Now().UTC()); err != nil {
			if errors.Is(err, errConsumed) {
				// a concurrent verifier got it first
				return nil, framework.NewNotFoundError(fmt.Sprintf("presentation not found with id: %s", request.ID))
			}
			return nil, err
		}
		resp.Consumed = true
	}

	logrus.WithFields(logrus.Fields{
		"id":       stored.ID,
		"verifier": util.SanitizeLog(request.VerifierDID),
		"verified": resp.Verified,
		"consumed": resp.Consumed,
	}).Info("presentation verified")
	return resp, nil
}

func (s Service) verify(ctx context.Context, stored StoredPresentation) (*VerifyPresentationResponse, error) {
	var doc presentationDocument
	if err := json.Unmarshal(stored.Presentation, &doc); err != nil {
		return nil, framework.NewValidationError("stored presentation is not a JSON object")
	}
	holder := doc.Holder
	if holder == "" {
		holder = stored.HolderDID
	}

	resp := VerifyPresentationResponse{
		ID:          stored.ID,
		Holder:      holder,
		Credentials: make([]CredentialResult, 0, len(doc.VerifiableCredential)),
	}

	holderErr, err := s.verifyProof(ctx, stored.Presentation, holder)
	if err != nil {
		return nil, err
	}
	resp.HolderValid = holderErr == ""
	resp.HolderError = holderErr

	allValid := resp.HolderValid
	for _, raw := range doc.VerifiableCredential {
		result, err := s.verifyCredential(ctx, raw)
		if err != nil {
			return nil, err
		}
		allValid = allValid && result.Valid
		resp.Credentials = append(resp.Credentials, result)
	}
	resp.Verified = allValid
	return &resp, nil
}

func (s Service) verifyCredential(ctx context.Context, raw json.RawMessage) (CredentialResult, error) {
	var doc credentialDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return CredentialResult{Valid: false, Error: "credential is not a JSON object"}, nil
	}
	result := CredentialResult{ID: doc.ID, Issuer: doc.issuerID()}
	if result.Issuer == "" {
		result.Error = "credential has no issuer"
		return result, nil
	}
	reason, err := s.verifyProof(ctx, raw, result.Issuer)
	if err != nil {
		return result, err
	}
	result.Valid = reason == ""
	result.Error = reason
	return result, nil
}

// verifyProof returns a client safe reason when document's proof is not a valid proof by signer, and an error
// only when the check itself could not run.
func (s Service) verifyProof(ctx context.Context, document []byte, signer string) (string, error) {
	in, err := proof.SigningInput(document)
	if err != nil {
		return reason(err), nil
	}
	if in.Proof.Controller() != signer {
		return "proof was not made by the expected signer", nil
	}
	publicKey, err := s.verifier.VerificationKey(ctx, signer)
	if err != nil {
		if framework.IsKind(err, framework.DependencyErrorKind) {
			return "", err
		}
		return reason(err), nil
	}
	if !in.Verify(publicKey) {
		return didauth.ReasonInvalidSignature, nil
	}
	return "", nil
}

func reason(err error) string {
	if e, ok := framework.AsError(err); ok {
		return e.Msg
	}
	return "proof verification failed"
}
