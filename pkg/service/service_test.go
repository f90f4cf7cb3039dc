package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbd54566975/ssi-relay/config"
	"github.com/tbd54566975/ssi-relay/pkg/encryption"
	"github.com/tbd54566975/ssi-relay/pkg/service/framework"
	"github.com/tbd54566975/ssi-relay/pkg/storage"
)

func TestInstantiateSSIRelay(t *testing.T) {
	t.Run("all services ready", func(tt *testing.T) {
		cfg := config.DefaultServicesConfig()
		cfg.StorageProvider = string(storage.Memory)

		relay, err := InstantiateSSIRelay(context.Background(), cfg, nil)
		require.NoError(tt, err)
		require.NotNil(tt, relay.Authenticator)
		require.NotNil(tt, relay.DID.GetLocalRegistry())

		services := relay.GetServices()
		assert.Len(tt, services, 3)
		for _, s := range services {
			assert.True(tt, s.Status().IsReady(), s.Type())
		}
		assert.NoError(tt, relay.Close())
	})

	t.Run("encrypted storage", func(tt *testing.T) {
		key, err := encryption.GenerateServiceKey()
		require.NoError(tt, err)
		cfg := config.DefaultServicesConfig()
		cfg.StorageProvider = string(storage.Memory)
		cfg.StorageEncryptionKey = key

		relay, err := InstantiateSSIRelay(context.Background(), cfg, nil)
		require.NoError(tt, err)
		assert.Len(tt, relay.GetServices(), 3)
	})

	t.Run("bad storage encryption key", func(tt *testing.T) {
		cfg := config.DefaultServicesConfig()
		cfg.StorageProvider = string(storage.Memory)
		cfg.StorageEncryptionKey = "not-base58-0OIl"

		_, err := InstantiateSSIRelay(context.Background(), cfg, nil)
		assert.Error(tt, err)
	})

	t.Run("unknown storage", func(tt *testing.T) {
		cfg := config.DefaultServicesConfig()
		cfg.StorageProvider = "cassandra"

		_, err := InstantiateSSIRelay(context.Background(), cfg, nil)
		assert.ErrorContains(tt, err, "storage provider configured, but not available")
	})

	t.Run("no registry", func(tt *testing.T) {
		cfg := config.DefaultServicesConfig()
		cfg.StorageProvider = string(storage.Memory)
		cfg.DIDConfig.LocalRegistry = false

		_, err := InstantiateSSIRelay(context.Background(), cfg, nil)
		assert.ErrorContains(tt, err, "needs a registry_url or local_registry")
	})

	t.Run("missing service config", func(tt *testing.T) {
		cfg := config.DefaultServicesConfig()
		cfg.StorageProvider = string(storage.Memory)
		cfg.DeliveryConfig = config.DeliveryServiceConfig{}

		_, err := InstantiateSSIRelay(context.Background(), cfg, nil)
		assert.ErrorContains(tt, err, string(framework.Delivery))
	})
}
