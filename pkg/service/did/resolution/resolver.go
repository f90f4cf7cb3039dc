// Package resolution resolves DIDs against the configured registries: a storage-backed local registry and an
// HTTP ledger registry, tried in that order.
package resolution

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tbd54566975/ssi-relay/internal/did"
	"github.com/tbd54566975/ssi-relay/internal/util"
	"github.com/tbd54566975/ssi-relay/pkg/service/framework"
)

// Config selects and tunes the registries a ServiceResolver consults.
type Config struct {
	RegistryURL string
	Timeout     time.Duration
	MaxRetries  int
	// HTTPClient overrides the instrumented default client for the HTTP registry.
	HTTPClient *http.Client
}

// ServiceResolver resolves DIDs using a combination of the local registry and the HTTP registry. Documents are
// fetched fresh on every call.
type ServiceResolver struct {
	local    *LocalRegistry
	registry did.Resolver
}

var _ did.Resolver = (*ServiceResolver)(nil)

// NewServiceResolver creates a resolver over the given registries. local may be nil; an empty RegistryURL
// disables the HTTP registry. At least one of the two is required.
func NewServiceResolver(local *LocalRegistry, cfg Config) (*ServiceResolver, error) {
	var registry did.Resolver
	if cfg.RegistryURL != "" {
		rr, err := newRegistryResolver(cfg.RegistryURL, cfg.HTTPClient)
		if err != nil {
			return nil, errors.Wrap(err, "instantiating registry resolver")
		}
		registry = withRetry(rr, cfg.Timeout, cfg.MaxRetries)
	}
	if local == nil && registry == nil {
		return nil, errors.New("no did registry configured")
	}
	return &ServiceResolver{local: local, registry: registry}, nil
}

// Resolve returns the current document for a DID. The ordering is as follows:
// 1. Try the local registry
// 2. Try the HTTP registry
// A DID neither registry knows yields did.ErrNotFound; a registry that could not answer yields a dependency
// error.
func (sr *ServiceResolver) Resolve(ctx context.Context, id string) (*did.Document, error) {
	if _, err := util.GetMethodForDID(id); err != nil {
		return nil, errors.Wrapf(did.ErrNotFound, "malformed did: %s", err.Error())
	}

	if sr.local != nil {
		doc, err := sr.local.Resolve(ctx, id)
		if err == nil {
			return doc, nil
		}
		if !did.IsNotFound(err) {
			logrus.WithError(err).Errorf("error resolving %s with local registry", util.SanitizeLog(id))
			if sr.registry == nil {
				return nil, framework.NewDependencyError(err, "could not resolve did")
			}
		}
	}

	if sr.registry != nil {
		doc, err := sr.registry.Resolve(ctx, id)
		if err == nil {
			return doc, nil
		}
		if !did.IsNotFound(err) {
			logrus.WithError(err).Errorf("error resolving %s with registry", util.SanitizeLog(id))
		}
		return nil, err
	}
	return nil, errors.Wrapf(did.ErrNotFound, "unable to resolve %s", util.SanitizeLog(id))
}

// Local returns the storage-backed registry, or nil when it is disabled.
func (sr *ServiceResolver) Local() *LocalRegistry {
	return sr.local
}
