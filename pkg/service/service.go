package service

import (
	"context"

	sdkutil "github.com/TBD54566975/ssi-sdk/util"
	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"github.com/tbd54566975/ssi-relay/config"
	"github.com/tbd54566975/ssi-relay/internal/didauth"
	"github.com/tbd54566975/ssi-relay/pkg/encryption"
	"github.com/tbd54566975/ssi-relay/pkg/service/delivery"
	"github.com/tbd54566975/ssi-relay/pkg/service/did"
	"github.com/tbd54566975/ssi-relay/pkg/service/framework"
	"github.com/tbd54566975/ssi-relay/pkg/service/presentation"
	"github.com/tbd54566975/ssi-relay/pkg/storage"
)

// SSIRelay represents all services and their dependencies independent of transport
type SSIRelay struct {
	DID           *did.Service
	Delivery      *delivery.Service
	Presentation  *presentation.Service
	Authenticator *didauth.Authenticator

	storage storage.ServiceStorage
}

// InstantiateSSIRelay creates all services and their dependencies independent of transport. A nil clock means
// the wall clock.
func InstantiateSSIRelay(ctx context.Context, config config.ServicesConfig, c clock.Clock) (*SSIRelay, error) {
	if err := validateServiceConfig(config); err != nil {
		return nil, sdkutil.LoggingErrorMsg(err, "could not instantiate SSI Relay, invalid config")
	}
	if c == nil {
		c = clock.New()
	}
	service, err := instantiateServices(ctx, config, c)
	if err != nil {
		return nil, sdkutil.LoggingErrorMsgf(err, "could not instantiate the ssi relay")
	}
	return service, nil
}

func validateServiceConfig(config config.ServicesConfig) error {
	if !storage.IsStorageAvailable(storage.Type(config.StorageProvider)) {
		return errors.Errorf("%s storage provider configured, but not available", config.StorageProvider)
	}
	if config.DIDConfig.IsEmpty() {
		return errors.Errorf("%s no config provided", framework.DID)
	}
	if !config.DIDConfig.LocalRegistry && config.DIDConfig.RegistryURL == "" {
		return errors.Errorf("%s needs a registry_url or local_registry", framework.DID)
	}
	if config.DeliveryConfig.IsEmpty() {
		return errors.Errorf("%s no config provided", framework.Delivery)
	}
	if config.PresentationConfig.IsEmpty() {
		return errors.Errorf("%s no config provided", framework.Presentation)
	}
	return nil
}

// instantiateServices begins all instantiates and their dependencies
func instantiateServices(ctx context.Context, config config.ServicesConfig, c clock.Clock) (*SSIRelay, error) {
	unencryptedStorageProvider, err := storage.NewStorage(storage.Type(config.StorageProvider), config.StorageOptions...)
	if err != nil {
		return nil, sdkutil.LoggingErrorMsgf(err, "could not instantiate storage provider: %s", config.StorageProvider)
	}

	encrypter, decrypter, err := encryption.NewStorageEncrypter(ctx, &config)
	if err != nil {
		return nil, sdkutil.LoggingErrorMsg(err, "could not instantiate storage encryption")
	}
	storageProvider := storage.NewEncryptedWrapper(unencryptedStorageProvider, encrypter, decrypter)

	didService, err := did.NewDIDService(config.DIDConfig, storageProvider)
	if err != nil {
		return nil, sdkutil.LoggingErrorMsg(err, "could not instantiate the DID service")
	}
	didResolver := didService.GetResolver()

	authenticator, err := didauth.NewAuthenticator(didResolver, didauth.Options{
		DIDPrefix: config.DIDConfig.DIDPrefix,
		ClockSkew: config.DIDConfig.ClockSkew,
		Clock:     c,
	})
	if err != nil {
		return nil, sdkutil.LoggingErrorMsg(err, "could not instantiate the DID authenticator")
	}

	deliveryService, err := delivery.NewDeliveryService(config.DeliveryConfig, storageProvider, didResolver, c)
	if err != nil {
		return nil, sdkutil.LoggingErrorMsg(err, "could not instantiate the delivery service")
	}

	presentationService, err := presentation.NewPresentationService(config.PresentationConfig, storageProvider, authenticator, c)
	if err != nil {
		return nil, sdkutil.LoggingErrorMsg(err, "could not instantiate the presentation service")
	}

	return &SSIRelay{
		DID:           didService,
		Delivery:      deliveryService,
		Presentation:  presentationService,
		Authenticator: authenticator,
		storage:       storageProvider,
	}, nil
}

// GetServices returns all services
func (s *SSIRelay) GetServices() []framework.Service {
	return []framework.Service{
		s.DID,
		s.Delivery,
		s.Presentation,
	}
}

// Close releases the storage every service shares.
func (s *SSIRelay) Close() error {
	if s.storage == nil {
		return nil
	}
	return s.storage.Close()
}
