package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbd54566975/ssi-relay/pkg/storage"
)

func TestConfig(t *testing.T) {
	config, err := LoadConfig(ConfigFileName)
	assert.NoError(t, err)
	require.NotEmpty(t, config)

	assert.False(t, config.Server.ReadTimeout.String() == "")
	assert.False(t, config.Server.WriteTimeout.String() == "")
	assert.False(t, config.Server.ShutdownTimeout.String() == "")
	assert.False(t, config.Server.APIHost == "")
	assert.Equal(t, "http://localhost:3000", config.Server.ServiceEndpoint)
	assert.Equal(t, EnvironmentDev, config.Server.Environment)

	assert.Equal(t, string(storage.Bolt), config.Services.StorageProvider)
	require.Len(t, config.Services.StorageOptions, 1)
	assert.Equal(t, storage.BoltDBFilePathOption, config.Services.StorageOptions[0].ID)
	assert.Equal(t, "bolt.db", config.Services.StorageOptions[0].Option)

	assert.True(t, config.Services.DIDConfig.LocalRegistry)
	assert.Equal(t, 60*time.Second, config.Services.DIDConfig.ClockSkew)
	assert.Equal(t, time.Minute, config.Services.DeliveryConfig.ReclaimInterval)
	assert.Equal(t, 15*time.Minute, config.Services.DeliveryConfig.ReclaimTimeout)
}

func TestDefaultConfig(t *testing.T) {
	config, err := LoadConfig("")
	assert.NoError(t, err)
	require.NotEmpty(t, config)

	assert.Equal(t, "0.0.0.0:3000", config.Server.APIHost)
	assert.Equal(t, "http://localhost:3000", config.Server.ServiceEndpoint)
	assert.Equal(t, 5*time.Second, config.Server.ReadTimeout)
	assert.Zero(t, config.Server.ClaimRatePerSecond)

	services := config.Services
	assert.Equal(t, string(storage.Bolt), services.StorageProvider)
	assert.False(t, services.EncryptionEnabled())

	did := services.DIDConfig
	assert.False(t, did.IsEmpty())
	assert.True(t, did.LocalRegistry)
	assert.Empty(t, did.RegistryURL)
	assert.Equal(t, 5*time.Second, did.ResolutionTimeout)
	assert.Equal(t, 2, did.ResolutionMaxRetries)
	assert.Equal(t, "did:", did.DIDPrefix)
	assert.Equal(t, 60*time.Second, did.ClockSkew)

	delivery := services.DeliveryConfig
	assert.Equal(t, 10, delivery.DefaultClaimLimit)
	assert.Equal(t, 100, delivery.MaxClaimLimit)
	assert.Equal(t, 100, delivery.MaxConfirmIDs)
	assert.Zero(t, delivery.ReclaimInterval)
	assert.Equal(t, 15*time.Minute, delivery.ReclaimTimeout)

	assert.Equal(t, "presentation", services.PresentationConfig.Name)
}

func TestConfigPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.toml")
	contents := `
[server]
api_host = "127.0.0.1:8080"

[services]
storage = "memory"

[services.did]
registry_url = "http://registry:8080"
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0600))

	config, err := LoadConfig(path)
	assert.NoError(t, err)
	require.NotEmpty(t, config)

	assert.Equal(t, "127.0.0.1:8080", config.Server.APIHost)
	assert.Equal(t, string(storage.Memory), config.Services.StorageProvider)
	assert.Equal(t, "http://registry:8080", config.Services.DIDConfig.RegistryURL)
	assert.False(t, config.Services.DIDConfig.LocalRegistry)
	assert.Equal(t, 5*time.Second, config.Services.DIDConfig.ResolutionTimeout)
	assert.Equal(t, 10, config.Services.DeliveryConfig.DefaultClaimLimit)
}

func TestConfigEnvOverrides(t *testing.T) {
	t.Setenv(StorageEncryptionKey.String(), "service-key")
	t.Setenv(AdminTokenHash.String(), "abcd")

	config, err := LoadConfig(ConfigFileName)
	assert.NoError(t, err)
	require.NotEmpty(t, config)

	assert.Equal(t, "service-key", config.Services.GetStorageEncryptionKey())
	assert.Equal(t, "abcd", config.Server.AdminTokenHash)
}

func TestConfigBadPath(t *testing.T) {
	_, err := LoadConfig("config.yaml")
	assert.Error(t, err)

	_, err = LoadConfig("does-not-exist.toml")
	assert.Error(t, err)
}
