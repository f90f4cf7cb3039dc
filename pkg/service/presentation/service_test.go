package presentation

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbd54566975/ssi-relay/config"
	"github.com/tbd54566975/ssi-relay/internal/did"
	"github.com/tbd54566975/ssi-relay/internal/didauth"
	"github.com/tbd54566975/ssi-relay/internal/proof"
	"github.com/tbd54566975/ssi-relay/pkg/service/did/resolution"
	"github.com/tbd54566975/ssi-relay/pkg/service/framework"
	"github.com/tbd54566975/ssi-relay/pkg/storage"
	"github.com/tbd54566975/ssi-relay/pkg/testutil"
)

type testEnv struct {
	service  *Service
	registry *resolution.LocalRegistry
	holder   *testutil.TestDID
	issuer   *testutil.TestDID
	verifier *testutil.TestDID
	now      time.Time
}

func newTestEnv(t *testing.T, db storage.ServiceStorage) *testEnv {
	holder := testutil.NewTestDID(t)
	issuer := testutil.NewTestDID(t)
	verifier := testutil.NewTestDID(t)
	registry := testutil.NewTestRegistry(t, db, holder, issuer, verifier)

	authenticator, err := didauth.NewAuthenticator(registry, didauth.Options{})
	require.NoError(t, err)

	mock := clock.NewMock()
	mock.Set(time.Date(2023, 8, 1, 12, 0, 0, 0, time.UTC))
	service, err := NewPresentationService(config.PresentationServiceConfig{}, db, authenticator, mock)
	require.NoError(t, err)
	return &testEnv{
		service:  service,
		registry: registry,
		holder:   holder,
		issuer:   issuer,
		verifier: verifier,
		now:      mock.Now(),
	}
}

func signCredential(t *testing.T, issuer *testutil.TestDID, subject string) json.RawMessage {
	credential, err := json.Marshal(map[string]any{
		"@context":          []string{"https://www.w3.org/2018/credentials/v1"},
		"id":                "urn:uuid:" + subject,
		"type":              []string{"VerifiableCredential"},
		"issuer":            issuer.ID,
		"issuanceDate":      "2023-08-01T00:00:00Z",
		"credentialSubject": map[string]any{"id": subject, "degree": "BSc"},
	})
	require.NoError(t, err)
	signed, err := proof.Create(credential, issuer.PrivateKey, proof.Options{
		VerificationMethod: issuer.ID + "#keys-1",
		Created:            time.Date(2023, 8, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return signed
}

func signPresentation(t *testing.T, holder *testutil.TestDID, credentials ...json.RawMessage) json.RawMessage {
	presentation, err := json.Marshal(map[string]any{
		"@context":             []string{"https://www.w3.org/2018/credentials/v1"},
		"type":                 []string{"VerifiablePresentation"},
		"holder":               holder.ID,
		"verifiableCredential": credentials,
	})
	require.NoError(t, err)
	signed, err := proof.Create(presentation, holder.PrivateKey, proof.Options{
		VerificationMethod: holder.ID + "#keys-1",
		Purpose:            proof.AuthenticationPurpose,
		Created:            time.Date(2023, 8, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return signed
}

func (e *testEnv) store(t *testing.T, vp json.RawMessage, oneTime bool) string {
	resp, err := e.service.StorePresentation(context.Background(), StorePresentationRequest{
		HolderDID:    e.holder.ID,
		Presentation: vp,
		OneTime:      oneTime,
	})
	require.NoError(t, err)
	assert.Equal(t, oneTime, resp.OneTime)
	assert.True(t, e.now.Equal(resp.CreatedAt))
	return resp.ID
}

func TestPresentationService(t *testing.T) {
	for _, test := range testutil.TestDatabases {
		t.Run(test.Name, func(t *testing.T) {
			t.Run("reusable presentation verifies repeatedly", func(tt *testing.T) {
				env := newTestEnv(tt, test.ServiceStorage(tt))
				vp := signPresentation(tt, env.holder, signCredential(tt, env.issuer, env.holder.ID))
				id := env.store(tt, vp, false)

				for i := 0; i < 3; i++ {
					resp, err := env.service.VerifyPresentation(context.Background(), VerifyPresentationRequest{ID: id})
					require.NoError(tt, err)
					assert.True(tt, resp.Verified)
					assert.True(tt, resp.HolderValid)
					assert.False(tt, resp.Consumed)
					assert.Equal(tt, env.holder.ID, resp.Holder)
					require.Len(tt, resp.Credentials, 1)
					assert.Equal(tt, CredentialResult{
						ID:     "urn:uuid:" + env.holder.ID,
						Issuer: env.issuer.ID,
						Valid:  true,
					}, resp.Credentials[0])
				}
			})

			t.Run("one-time presentation is consumed", func(tt *testing.T) {
				env := newTestEnv(tt, test.ServiceStorage(tt))
				vp := signPresentation(tt, env.holder, signCredential(tt, env.issuer, env.holder.ID))
				id := env.store(tt, vp, true)
				ctx := context.Background()

				_, err := env.service.VerifyPresentation(ctx, VerifyPresentationRequest{ID: id})
				assert.True(tt, framework.IsKind(err, framework.AuthenticationErrorKind))

				resp, err := env.service.VerifyPresentation(ctx, VerifyPresentationRequest{ID: id, VerifierDID: env.verifier.ID})
				require.NoError(tt, err)
				assert.True(tt, resp.Verified)
				assert.True(tt, resp.Consumed)

				_, err = env.service.VerifyPresentation(ctx, VerifyPresentationRequest{ID: id, VerifierDID: env.verifier.ID})
				assert.True(tt, framework.IsKind(err, framework.NotFoundErrorKind))
			})

			t.Run("one-time presentation is consumed even when invalid", func(tt *testing.T) {
				env := newTestEnv(tt, test.ServiceStorage(tt))
				// altered after the holder signed it
				vp := signPresentation(tt, env.holder)
				var fields map[string]any
				require.NoError(tt, json.Unmarshal(vp, &fields))
				fields["extra"] = "tampered"
				tampered, err := json.Marshal(fields)
				require.NoError(tt, err)
				id := env.store(tt, tampered, true)
				ctx := context.Background()

				resp, err := env.service.VerifyPresentation(ctx, VerifyPresentationRequest{ID: id, VerifierDID: env.verifier.ID})
				require.NoError(tt, err)
				assert.False(tt, resp.Verified)
				assert.False(tt, resp.HolderValid)
				assert.Equal(tt, didauth.ReasonInvalidSignature, resp.HolderError)
				assert.True(tt, resp.Consumed)

				_, err = env.service.VerifyPresentation(ctx, VerifyPresentationRequest{ID: id, VerifierDID: env.verifier.ID})
				assert.True(tt, framework.IsKind(err, framework.NotFoundErrorKind))
			})

			t.Run("concurrent verifiers consume once", func(tt *testing.T) {
				env := newTestEnv(tt, test.ServiceStorage(tt))
				id := env.store(tt, signPresentation(tt, env.holder), true)

				var served int32
				var wg sync.WaitGroup
				for i := 0; i < 6; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						resp, err := env.service.VerifyPresentation(context.Background(), VerifyPresentationRequest{ID: id, VerifierDID: env.verifier.ID})
						if err == nil && resp.Consumed {
							atomic.AddInt32(&served, 1)
							return
						}
						assert.True(tt, framework.IsKind(err, framework.NotFoundErrorKind))
					}()
				}
				wg.Wait()
				assert.Equal(tt, int32(1), served)
			})
		})
	}
}

func TestVerifyPresentationResults(t *testing.T) {
	db, err := storage.NewStorage(storage.Memory)
	require.NoError(t, err)
	env := newTestEnv(t, db)
	ctx := context.Background()

	t.Run("revoked issuer", func(tt *testing.T) {
		revoked := testutil.NewTestDID(tt)
		revoked.Document.Status = did.StatusRevoked
		require.NoError(tt, env.registry.Register(ctx, revoked.Document))

		vp := signPresentation(tt, env.holder,
			signCredential(tt, env.issuer, env.holder.ID),
			signCredential(tt, revoked, env.holder.ID))
		id := env.store(tt, vp, false)

		resp, err := env.service.VerifyPresentation(ctx, VerifyPresentationRequest{ID: id})
		require.NoError(tt, err)
		assert.False(tt, resp.Verified)
		assert.True(tt, resp.HolderValid)
		require.Len(tt, resp.Credentials, 2)
		assert.True(tt, resp.Credentials[0].Valid)
		assert.False(tt, resp.Credentials[1].Valid)
		assert.Equal(tt, didauth.ReasonDIDInactive, resp.Credentials[1].Error)
	})

	t.Run("credential issued by a python issuer", func(tt *testing.T) {
		issuer := testutil.PythonIssuer(tt)
		require.NoError(tt, env.registry.Register(ctx, issuer.Document))

		vp := signPresentation(tt, env.holder, json.RawMessage(testutil.PythonIssuedCredential))
		id := env.store(tt, vp, false)

		resp, err := env.service.VerifyPresentation(ctx, VerifyPresentationRequest{ID: id})
		require.NoError(tt, err)
		assert.True(tt, resp.Verified)
		require.Len(tt, resp.Credentials, 1)
		assert.Equal(tt, CredentialResult{
			ID:     "urn:uuid:9d3c1f52-8a4e-4c6b-b1a7-2e5f0c8d7a64",
			Issuer: testutil.PythonIssuerDID,
			Valid:  true,
		}, resp.Credentials[0])
	})

	t.Run("credential signed by someone other than its issuer", func(tt *testing.T) {
		credential := signCredential(tt, env.issuer, env.holder.ID)
		var fields map[string]any
		require.NoError(tt, json.Unmarshal(credential, &fields))
		fields["issuer"] = map[string]any{"id": env.verifier.ID, "name": "Other"}
		forged, err := json.Marshal(fields)
		require.NoError(tt, err)

		id := env.store(tt, signPresentation(tt, env.holder, forged), false)
		resp, err := env.service.VerifyPresentation(ctx, VerifyPresentationRequest{ID: id})
		require.NoError(tt, err)
		require.Len(tt, resp.Credentials, 1)
		assert.Equal(tt, env.verifier.ID, resp.Credentials[0].Issuer)
		assert.False(tt, resp.Credentials[0].Valid)
		assert.Equal(tt, "proof was not made by the expected signer", resp.Credentials[0].Error)
	})

	t.Run("unsigned presentation", func(tt *testing.T) {
		id := env.store(tt, json.RawMessage(`{"holder":"`+env.holder.ID+`","verifiableCredential":["eyJhbGciOi"]}`), false)
		resp, err := env.service.VerifyPresentation(ctx, VerifyPresentationRequest{ID: id})
		require.NoError(tt, err)
		assert.False(tt, resp.Verified)
		assert.Equal(tt, "document has no proof", resp.HolderError)
		require.Len(tt, resp.Credentials, 1)
		assert.Equal(tt, "credential is not a JSON object", resp.Credentials[0].Error)
	})

	t.Run("unknown id", func(tt *testing.T) {
		_, err := env.service.VerifyPresentation(ctx, VerifyPresentationRequest{ID: "missing"})
		assert.True(tt, framework.IsKind(err, framework.NotFoundErrorKind))

		_, err = env.service.VerifyPresentation(ctx, VerifyPresentationRequest{})
		assert.True(tt, framework.IsKind(err, framework.ValidationErrorKind))
	})

	t.Run("dependency failures are not consumed", func(tt *testing.T) {
		failing := did.ResolverFunc(func(context.Context, string) (*did.Document, error) {
			return nil, framework.NewDependencyError(assert.AnError, "could not resolve did")
		})
		authenticator, err := didauth.NewAuthenticator(failing, didauth.Options{})
		require.NoError(tt, err)
		service, err := NewPresentationService(config.PresentationServiceConfig{}, db, authenticator, nil)
		require.NoError(tt, err)

		id := env.store(tt, signPresentation(tt, env.holder), true)
		_, err = service.VerifyPresentation(ctx, VerifyPresentationRequest{ID: id, VerifierDID: env.verifier.ID})
		assert.True(tt, framework.IsKind(err, framework.DependencyErrorKind))

		// still there for a verifier once the registry is back
		resp, err := env.service.VerifyPresentation(ctx, VerifyPresentationRequest{ID: id, VerifierDID: env.verifier.ID})
		require.NoError(tt, err)
		assert.True(tt, resp.Verified)
	})
}

func TestStorePresentation(t *testing.T) {
	db, err := storage.NewStorage(storage.Memory)
	require.NoError(t, err)
	env := newTestEnv(t, db)
	ctx := context.Background()

	_, err = env.service.StorePresentation(ctx, StorePresentationRequest{HolderDID: env.holder.ID})
	assert.True(t, framework.IsKind(err, framework.ValidationErrorKind))

	_, err = env.service.StorePresentation(ctx, StorePresentationRequest{HolderDID: env.holder.ID, Presentation: json.RawMessage(`[1]`)})
	assert.True(t, framework.IsKind(err, framework.ValidationErrorKind))

	// someone else's presentation
	_, err = env.service.StorePresentation(ctx, StorePresentationRequest{
		HolderDID:    env.verifier.ID,
		Presentation: signPresentation(t, env.holder),
	})
	assert.True(t, framework.IsKind(err, framework.ForbiddenErrorKind))

	_, err = NewPresentationService(config.PresentationServiceConfig{}, db, nil, nil)
	assert.Error(t, err)
}
