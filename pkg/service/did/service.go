package did

import (
	"fmt"

	sdkutil "github.com/TBD54566975/ssi-sdk/util"
	"github.com/pkg/errors"

	"github.com/tbd54566975/ssi-relay/config"
	"github.com/tbd54566975/ssi-relay/internal/did"
	"github.com/tbd54566975/ssi-relay/pkg/service/did/resolution"
	"github.com/tbd54566975/ssi-relay/pkg/service/framework"
	"github.com/tbd54566975/ssi-relay/pkg/storage"
)

// Service owns DID resolution for the relay: the optional storage-backed registry and the resolver every
// authentication goes through.
type Service struct {
	config   config.DIDServiceConfig
	resolver *resolution.ServiceResolver
}

func (s *Service) Type() framework.Type {
	return framework.DID
}

// Status is a self-reporting status for the DID service.
func (s *Service) Status() framework.Status {
	ae := sdkutil.NewAppendError()
	if s.resolver == nil {
		ae.AppendString("no resolver configured")
	}
	if !ae.IsEmpty() {
		return framework.Status{
			Status:  framework.StatusNotReady,
			Message: fmt.Sprintf("did service is not ready: %s", ae.Error().Error()),
		}
	}
	return framework.Status{Status: framework.StatusReady}
}

func (s *Service) Config() config.DIDServiceConfig {
	return s.config
}

// GetResolver returns the resolver to inject into authentication and verification.
func (s *Service) GetResolver() did.Resolver {
	return s.resolver
}

// GetLocalRegistry returns the storage-backed registry, or nil when it is disabled.
func (s *Service) GetLocalRegistry() *resolution.LocalRegistry {
	if s.resolver == nil {
		return nil
	}
	return s.resolver.Local()
}

func NewDIDService(config config.DIDServiceConfig, s storage.ServiceStorage) (*Service, error) {
	var local *resolution.LocalRegistry
	if config.LocalRegistry {
		registry, err := resolution.NewLocalRegistry(s)
		if err != nil {
			return nil, errors.Wrap(err, "could not instantiate local DID registry")
		}
		local = registry
	}

	resolver, err := resolution.NewServiceResolver(local, resolution.Config{
		RegistryURL: config.RegistryURL,
		Timeout:     config.ResolutionTimeout,
		MaxRetries:  config.ResolutionMaxRetries,
	})
	if err != nil {
		return nil, errors.Wrap(err, "could not instantiate DID resolver")
	}

	return &Service{
		config:   config,
		resolver: resolver,
	}, nil
}
