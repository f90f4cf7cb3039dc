package resolution

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/h2non/gock.v1"

	"github.com/tbd54566975/ssi-relay/internal/codec"
	"github.com/tbd54566975/ssi-relay/internal/did"
	"github.com/tbd54566975/ssi-relay/pkg/service/framework"
	"github.com/tbd54566975/ssi-relay/pkg/storage"
)

const (
	testRegistryURL = "https://registry.example.com"
	testDID         = "did:ethr:0x5ee6d2a4e07a1b0c3a9d0c7b4a0ea5a5c2b1c6d1"
	testPath        = "/1.0/identifiers/" + testDID
)

func newTestRegistryResolver(t *testing.T) (*retryingResolver, *http.Client) {
	client := &http.Client{}
	gock.InterceptClient(client)
	t.Cleanup(func() {
		gock.RestoreClient(client)
		gock.Off()
	})

	rr, err := newRegistryResolver(testRegistryURL, client)
	require.NoError(t, err)
	r := withRetry(rr, time.Second, DefaultMaxRetries)
	r.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return r, client
}

func TestRegistryResolver(t *testing.T) {
	privKey, err := codec.GenerateKey()
	require.NoError(t, err)
	pubKeyHex := codec.PublicKeyHex(privKey.PubKey())

	t.Run("found document exposes the signing key", func(tt *testing.T) {
		r, _ := newTestRegistryResolver(tt)
		gock.New(testRegistryURL).
			Get(testPath).
			Reply(http.StatusOK).
			JSON(map[string]any{
				"found":   true,
				"status":  "Active",
				"keyId":   "keys-1",
				"keys-1":  pubKeyHex,
				"unknown": 1,
			})

		doc, err := r.Resolve(context.Background(), testDID)
		assert.NoError(tt, err)
		require.NotEmpty(tt, doc)
		assert.Equal(tt, testDID, doc.ID)
		assert.True(tt, doc.IsActive())
		require.Len(tt, doc.VerificationMethod, 1)
		assert.Equal(tt, testDID+"#keys-1", doc.VerificationMethod[0].ID)

		key, err := doc.VerificationKey()
		assert.NoError(tt, err)
		assert.True(tt, key.IsEqual(privKey.PubKey()))
		assert.True(tt, gock.IsDone())
	})

	t.Run("verification methods from the registry are kept", func(tt *testing.T) {
		r, _ := newTestRegistryResolver(tt)
		gock.New(testRegistryURL).
			Get(testPath).
			Reply(http.StatusOK).
			JSON(map[string]any{
				"found":  true,
				"status": "Revoked",
				"keyId":  "keys-2",
				"verificationMethod": []map[string]any{{
					"id":           testDID + "#keys-2",
					"type":         did.EcdsaSecp256k1VerificationKey2019,
					"publicKeyHex": pubKeyHex,
				}},
			})

		doc, err := r.Resolve(context.Background(), testDID)
		assert.NoError(tt, err)
		require.NotEmpty(tt, doc)
		assert.False(tt, doc.IsActive())
		assert.Equal(tt, did.StatusRevoked, doc.Status)
		assert.Len(tt, doc.VerificationMethod, 1)
	})

	t.Run("404 is not found", func(tt *testing.T) {
		r, _ := newTestRegistryResolver(tt)
		gock.New(testRegistryURL).
			Get(testPath).
			Reply(http.StatusNotFound)

		_, err := r.Resolve(context.Background(), testDID)
		assert.Error(tt, err)
		assert.True(tt, did.IsNotFound(err))
		assert.True(tt, gock.IsDone())
	})

	t.Run("found false is not found", func(tt *testing.T) {
		r, _ := newTestRegistryResolver(tt)
		gock.New(testRegistryURL).
			Get(testPath).
			Reply(http.StatusOK).
			JSON(map[string]any{"found": false})

		_, err := r.Resolve(context.Background(), testDID)
		assert.Error(tt, err)
		assert.True(tt, did.IsNotFound(err))
	})

	t.Run("transient failure is retried", func(tt *testing.T) {
		r, _ := newTestRegistryResolver(tt)
		gock.New(testRegistryURL).
			Get(testPath).
			Reply(http.StatusBadGateway)
		gock.New(testRegistryURL).
			Get(testPath).
			Reply(http.StatusOK).
			JSON(map[string]any{"found": true, "status": "Active", "keyId": "keys-1", "keys-1": pubKeyHex})

		doc, err := r.Resolve(context.Background(), testDID)
		assert.NoError(tt, err)
		assert.NotEmpty(tt, doc)
		assert.True(tt, gock.IsDone())
	})

	t.Run("persistent failure is a dependency error after three attempts", func(tt *testing.T) {
		r, _ := newTestRegistryResolver(tt)
		gock.New(testRegistryURL).
			Get(testPath).
			Times(3).
			Reply(http.StatusServiceUnavailable)

		_, err := r.Resolve(context.Background(), testDID)
		assert.Error(tt, err)
		assert.False(tt, did.IsNotFound(err))
		assert.True(tt, framework.IsKind(err, framework.DependencyErrorKind))
		assert.True(tt, gock.IsDone())
	})

	t.Run("malformed response is not retried", func(tt *testing.T) {
		r, _ := newTestRegistryResolver(tt)
		gock.New(testRegistryURL).
			Get(testPath).
			Reply(http.StatusOK).
			BodyString("{not json")
		gock.New(testRegistryURL).
			Get(testPath).
			Reply(http.StatusOK).
			JSON(map[string]any{"found": true, "status": "Active"})

		_, err := r.Resolve(context.Background(), testDID)
		assert.Error(tt, err)
		assert.True(tt, framework.IsKind(err, framework.DependencyErrorKind))
		assert.False(tt, gock.IsDone())
	})

	t.Run("missing status is malformed", func(tt *testing.T) {
		r, _ := newTestRegistryResolver(tt)
		gock.New(testRegistryURL).
			Get(testPath).
			Reply(http.StatusOK).
			JSON(map[string]any{"found": true, "keyId": "keys-1"})

		_, err := r.Resolve(context.Background(), testDID)
		assert.Error(tt, err)
		assert.True(tt, framework.IsKind(err, framework.DependencyErrorKind))
	})

	t.Run("bad registry url", func(tt *testing.T) {
		_, err := newRegistryResolver("", nil)
		assert.Error(tt, err)

		_, err = newRegistryResolver("not a url", nil)
		assert.Error(tt, err)
	})
}

func TestRetryingResolverTimeout(t *testing.T) {
	var calls int32
	hanging := did.ResolverFunc(func(ctx context.Context, _ string) (*did.Document, error) {
		atomic.AddInt32(&calls, 1)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	r := withRetry(hanging, 50*time.Millisecond, DefaultMaxRetries)
	start := time.Now()
	_, err := r.Resolve(context.Background(), testDID)
	assert.Error(t, err)
	assert.True(t, framework.IsKind(err, framework.DependencyErrorKind))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestRetryingResolverStopsOnCancelledContext(t *testing.T) {
	var calls int32
	failing := did.ResolverFunc(func(ctx context.Context, _ string) (*did.Document, error) {
		atomic.AddInt32(&calls, 1)
		return nil, retryable(assert.AnError)
	})

	r := withRetry(failing, time.Second, 10)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Resolve(ctx, testDID)
	assert.Error(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func newTestLocalRegistry(t *testing.T) *LocalRegistry {
	db, err := storage.NewStorage(storage.Memory)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	local, err := NewLocalRegistry(db)
	require.NoError(t, err)
	return local
}

func TestLocalRegistry(t *testing.T) {
	privKey, err := codec.GenerateKey()
	require.NoError(t, err)
	doc := did.Document{
		ID:    testDID,
		KeyID: "keys-1",
		VerificationMethod: []did.VerificationMethod{{
			ID:           testDID + "#keys-1",
			Type:         did.EcdsaSecp256k1VerificationKey2019,
			PublicKeyHex: codec.PublicKeyHex(privKey.PubKey()),
		}},
	}

	t.Run("register and resolve", func(tt *testing.T) {
		local := newTestLocalRegistry(tt)
		ctx := context.Background()

		_, err := local.Resolve(ctx, testDID)
		assert.True(tt, did.IsNotFound(err))

		require.NoError(tt, local.Register(ctx, doc))
		resolved, err := local.Resolve(ctx, testDID)
		assert.NoError(tt, err)
		require.NotEmpty(tt, resolved)

		// registering fills in the status and keeps everything else
		expected := doc
		expected.Status = did.StatusActive
		if diff := cmp.Diff(expected, *resolved); diff != "" {
			tt.Errorf("resolved document mismatch (-want +got):\n%s", diff)
		}

		key, err := resolved.VerificationKey()
		assert.NoError(tt, err)
		assert.True(tt, key.IsEqual(privKey.PubKey()))
	})

	t.Run("revoke", func(tt *testing.T) {
		local := newTestLocalRegistry(tt)
		ctx := context.Background()
		require.NoError(tt, local.Register(ctx, doc))

		require.NoError(tt, local.SetStatus(ctx, testDID, did.StatusRevoked))
		resolved, err := local.Resolve(ctx, testDID)
		assert.NoError(tt, err)
		assert.False(tt, resolved.IsActive())

		err = local.SetStatus(ctx, "did:ethr:unknown", did.StatusRevoked)
		assert.True(tt, did.IsNotFound(err))
	})

	t.Run("delete", func(tt *testing.T) {
		local := newTestLocalRegistry(tt)
		ctx := context.Background()
		require.NoError(tt, local.Register(ctx, doc))

		require.NoError(tt, local.Delete(ctx, testDID))
		_, err := local.Resolve(ctx, testDID)
		assert.True(tt, did.IsNotFound(err))
	})

	t.Run("malformed did is rejected", func(tt *testing.T) {
		local := newTestLocalRegistry(tt)
		err := local.Register(context.Background(), did.Document{ID: "ethr:abc"})
		assert.Error(tt, err)
	})
}

func TestServiceResolver(t *testing.T) {
	privKey, err := codec.GenerateKey()
	require.NoError(t, err)
	pubKeyHex := codec.PublicKeyHex(privKey.PubKey())

	t.Run("requires a registry", func(tt *testing.T) {
		_, err := NewServiceResolver(nil, Config{})
		assert.Error(tt, err)
	})

	t.Run("local registry first then http registry", func(tt *testing.T) {
		local := newTestLocalRegistry(tt)
		client := &http.Client{}
		gock.InterceptClient(client)
		defer gock.RestoreClient(client)
		defer gock.Off()

		resolver, err := NewServiceResolver(local, Config{RegistryURL: testRegistryURL, HTTPClient: client})
		require.NoError(tt, err)
		assert.Equal(tt, local, resolver.Local())

		localDID := "did:ethr:local"
		require.NoError(tt, local.Register(context.Background(), did.Document{
			ID:    localDID,
			KeyID: "keys-1",
			VerificationMethod: []did.VerificationMethod{{
				ID:           localDID + "#keys-1",
				PublicKeyHex: pubKeyHex,
			}},
		}))

		doc, err := resolver.Resolve(context.Background(), localDID)
		assert.NoError(tt, err)
		assert.Equal(tt, localDID, doc.ID)

		gock.New(testRegistryURL).
			Get(testPath).
			Reply(http.StatusOK).
			JSON(map[string]any{"found": true, "status": "Active", "keyId": "keys-1", "keys-1": pubKeyHex})
		doc, err = resolver.Resolve(context.Background(), testDID)
		assert.NoError(tt, err)
		assert.Equal(tt, testDID, doc.ID)
		assert.True(tt, gock.IsDone())
	})

	t.Run("unknown did is not found", func(tt *testing.T) {
		resolver, err := NewServiceResolver(newTestLocalRegistry(tt), Config{})
		require.NoError(tt, err)

		_, err = resolver.Resolve(context.Background(), testDID)
		assert.True(tt, did.IsNotFound(err))

		_, err = resolver.Resolve(context.Background(), "did:nope")
		assert.True(tt, did.IsNotFound(err))
	})
}
