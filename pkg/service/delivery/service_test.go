package delivery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.einride.tech/aip/filtering"

	"github.com/tbd54566975/ssi-relay/config"
	"github.com/tbd54566975/ssi-relay/internal/codec"
	"github.com/tbd54566975/ssi-relay/internal/did"
	"github.com/tbd54566975/ssi-relay/pkg/service/framework"
	"github.com/tbd54566975/ssi-relay/pkg/storage"
	"github.com/tbd54566975/ssi-relay/pkg/testutil"
)

var testPayload = json.RawMessage(`{"type":["VerifiableCredential"],"credentialSubject":{"id":"did:ethr:0xabc"}}`)

type testEnv struct {
	service *Service
	clock   *clock.Mock
	owner   *testutil.TestDID
	issuer  *testutil.TestDID
	db      storage.ServiceStorage
}

func newTestEnv(t *testing.T, db storage.ServiceStorage) *testEnv {
	owner := testutil.NewTestDID(t)
	issuer := testutil.NewTestDID(t)
	registry := testutil.NewTestRegistry(t, db, owner, issuer)

	mock := clock.NewMock()
	mock.Set(time.Date(2023, 8, 1, 12, 0, 0, 0, time.UTC))
	service, err := NewDeliveryService(config.DeliveryServiceConfig{
		DefaultClaimLimit: 10,
		MaxClaimLimit:     100,
		MaxConfirmIDs:     100,
	}, db, registry, mock)
	require.NoError(t, err)
	return &testEnv{service: service, clock: mock, owner: owner, issuer: issuer, db: db}
}

func (e *testEnv) submit(t *testing.T, kind Kind, n int) []string {
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		resp, err := e.service.Submit(context.Background(), SubmitRequest{
			Kind:      kind,
			SenderDID: e.issuer.ID,
			OwnerDID:  e.owner.ID,
			Payload:   testPayload,
		})
		require.NoError(t, err)
		ids = append(ids, resp.Deliverable.ID)
		e.clock.Add(time.Second)
	}
	return ids
}

func TestNewDeliveryService(t *testing.T) {
	t.Run("nil storage", func(tt *testing.T) {
		_, err := NewDeliveryService(config.DeliveryServiceConfig{}, nil, did.ResolverFunc(nil), nil)
		assert.Error(tt, err)
		assert.Contains(tt, err.Error(), "storage cannot be nil")
	})

	t.Run("nil resolver", func(tt *testing.T) {
		db, err := storage.NewStorage(storage.Memory)
		require.NoError(tt, err)
		_, err = NewDeliveryService(config.DeliveryServiceConfig{}, db, nil, nil)
		assert.Error(tt, err)
		assert.Contains(tt, err.Error(), "no resolver configured")
	})
}

func TestSubmit(t *testing.T) {
	for _, test := range testutil.TestDatabases {
		t.Run(test.Name, func(t *testing.T) {
			t.Run("encrypts to the owner key", func(tt *testing.T) {
				env := newTestEnv(tt, test.ServiceStorage(tt))

				resp, err := env.service.Submit(context.Background(), SubmitRequest{
					Kind:      CredentialKind,
					SenderDID: env.issuer.ID,
					OwnerDID:  env.owner.ID,
					Payload:   testPayload,
				})
				require.NoError(tt, err)
				d := resp.Deliverable
				assert.NotEmpty(tt, d.ID)
				assert.Equal(tt, StatusPending, d.Status)
				assert.Equal(tt, env.owner.ID, d.OwnerDID)
				assert.Nil(tt, d.ClaimedAt)
				assert.NotContains(tt, d.EncryptedPayload, "VerifiableCredential")

				plaintext, err := codec.DecryptString(d.EncryptedPayload, env.owner.PrivateKey)
				require.NoError(tt, err)
				assert.JSONEq(tt, string(testPayload), string(plaintext))

				// the issuer cannot open it
				_, err = codec.DecryptString(d.EncryptedPayload, env.issuer.PrivateKey)
				assert.Error(tt, err)

				stored, err := env.service.Get(context.Background(), CredentialKind, env.owner.ID, d.ID)
				require.NoError(tt, err)
				assert.Equal(tt, d.EncryptedPayload, stored.EncryptedPayload)
			})

			t.Run("unknown owner", func(tt *testing.T) {
				env := newTestEnv(tt, test.ServiceStorage(tt))
				_, err := env.service.Submit(context.Background(), SubmitRequest{
					Kind:      CredentialKind,
					SenderDID: env.issuer.ID,
					OwnerDID:  "did:ethr:0xmissing",
					Payload:   testPayload,
				})
				assert.True(tt, framework.IsKind(err, framework.ValidationErrorKind))
			})

			t.Run("revoked owner", func(tt *testing.T) {
				env := newTestEnv(tt, test.ServiceStorage(tt))
				registry := testutil.NewTestRegistry(tt, env.db)
				require.NoError(tt, registry.SetStatus(context.Background(), env.owner.ID, did.StatusRevoked))

				_, err := env.service.Submit(context.Background(), SubmitRequest{
					Kind:      CredentialKind,
					SenderDID: env.issuer.ID,
					OwnerDID:  env.owner.ID,
					Payload:   testPayload,
				})
				e, ok := framework.AsError(err)
				require.True(tt, ok)
				assert.Equal(tt, framework.ValidationErrorKind, e.Kind)
				assert.Equal(tt, "DID is not active", e.Fields["ownerDid"])
			})
		})
	}

	t.Run("bad requests", func(tt *testing.T) {
		db, err := storage.NewStorage(storage.Memory)
		require.NoError(tt, err)
		env := newTestEnv(tt, db)

		_, err = env.service.Submit(context.Background(), SubmitRequest{Kind: CredentialKind, OwnerDID: env.owner.ID})
		assert.True(tt, framework.IsKind(err, framework.ValidationErrorKind))

		_, err = env.service.Submit(context.Background(), SubmitRequest{
			Kind:      "receipt",
			SenderDID: env.issuer.ID,
			OwnerDID:  env.owner.ID,
			Payload:   testPayload,
		})
		assert.True(tt, framework.IsKind(err, framework.ValidationErrorKind))
	})
}

func TestClaimAndConfirm(t *testing.T) {
	for _, test := range testutil.TestDatabases {
		t.Run(test.Name, func(t *testing.T) {
			t.Run("batch claim then confirm", func(tt *testing.T) {
				env := newTestEnv(tt, test.ServiceStorage(tt))
				ids := env.submit(tt, CredentialKind, 5)
				ctx := context.Background()

				resp, err := env.service.Claim(ctx, ClaimRequest{Kind: CredentialKind, OwnerDID: env.owner.ID, Limit: 3})
				require.NoError(tt, err)
				require.Len(tt, resp.Deliverables, 3)
				assert.Equal(tt, 2, resp.Remaining)
				assert.True(tt, resp.HasMore)
				for i, d := range resp.Deliverables {
					assert.Equal(tt, ids[i], d.ID, "oldest first")
					assert.Equal(tt, StatusProcessing, d.Status)
					assert.NotNil(tt, d.ClaimedAt)
				}

				resp, err = env.service.Claim(ctx, ClaimRequest{Kind: CredentialKind, OwnerDID: env.owner.ID})
				require.NoError(tt, err)
				require.Len(tt, resp.Deliverables, 2)
				assert.Equal(tt, 0, resp.Remaining)
				assert.False(tt, resp.HasMore)

				// nothing left to claim
				resp, err = env.service.Claim(ctx, ClaimRequest{Kind: CredentialKind, OwnerDID: env.owner.ID})
				require.NoError(tt, err)
				assert.Empty(tt, resp.Deliverables)

				confirmed, err := env.service.Confirm(ctx, ConfirmRequest{Kind: CredentialKind, OwnerDID: env.owner.ID, IDs: ids})
				require.NoError(tt, err)
				assert.Equal(tt, 5, confirmed.Requested)
				assert.Equal(tt, 5, confirmed.Confirmed)
				assert.ElementsMatch(tt, ids, confirmed.ConfirmedIDs)

				d, err := env.service.Get(ctx, CredentialKind, env.owner.ID, ids[0])
				require.NoError(tt, err)
				assert.Equal(tt, StatusClaimed, d.Status)
				assert.NotNil(tt, d.DeletedAt)

				// confirming again is a no-op
				confirmed, err = env.service.Confirm(ctx, ConfirmRequest{Kind: CredentialKind, OwnerDID: env.owner.ID, IDs: ids})
				require.NoError(tt, err)
				assert.Equal(tt, 0, confirmed.Confirmed)
			})

			t.Run("partial confirm", func(tt *testing.T) {
				env := newTestEnv(tt, test.ServiceStorage(tt))
				ids := env.submit(tt, PresentationKind, 3)
				ctx := context.Background()

				// only the first is processing
				claimed, err := env.service.ClaimOne(ctx, PresentationKind, env.owner.ID)
				require.NoError(tt, err)
				require.NotNil(tt, claimed)
				assert.Equal(tt, ids[0], claimed.ID)

				confirmed, err := env.service.Confirm(ctx, ConfirmRequest{
					Kind:     PresentationKind,
					OwnerDID: env.owner.ID,
					IDs:      []string{ids[0], ids[1], "unknown", ids[0]},
				})
				require.NoError(tt, err)
				assert.Equal(tt, 4, confirmed.Requested)
				assert.Equal(tt, 1, confirmed.Confirmed)
				assert.Equal(tt, []string{ids[0]}, confirmed.ConfirmedIDs)

				pending, err := env.service.Get(ctx, PresentationKind, env.owner.ID, ids[1])
				require.NoError(tt, err)
				assert.Equal(tt, StatusPending, pending.Status)
			})

			t.Run("owners and kinds are isolated", func(tt *testing.T) {
				env := newTestEnv(tt, test.ServiceStorage(tt))
				ids := env.submit(tt, CredentialKind, 2)
				ctx := context.Background()

				resp, err := env.service.Claim(ctx, ClaimRequest{Kind: CredentialKind, OwnerDID: env.issuer.ID})
				require.NoError(tt, err)
				assert.Empty(tt, resp.Deliverables)

				resp, err = env.service.Claim(ctx, ClaimRequest{Kind: PresentationKind, OwnerDID: env.owner.ID})
				require.NoError(tt, err)
				assert.Empty(tt, resp.Deliverables)

				_, err = env.service.ClaimOne(ctx, CredentialKind, env.owner.ID)
				require.NoError(tt, err)

				// someone else cannot confirm the owner's record
				confirmed, err := env.service.Confirm(ctx, ConfirmRequest{Kind: CredentialKind, OwnerDID: env.issuer.ID, IDs: ids})
				require.NoError(tt, err)
				assert.Equal(tt, 0, confirmed.Confirmed)
			})

			t.Run("concurrent claims are at most once", func(tt *testing.T) {
				env := newTestEnv(tt, test.ServiceStorage(tt))
				const total = 20
				ids := env.submit(tt, CredentialKind, total)
				ctx := context.Background()

				var mu sync.Mutex
				seen := make(map[string]int)
				record := func(ds []Deliverable) {
					mu.Lock()
					defer mu.Unlock()
					for _, d := range ds {
						seen[d.ID]++
					}
				}

				var wg sync.WaitGroup
				for w := 0; w < 8; w++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						for {
							resp, err := env.service.Claim(ctx, ClaimRequest{Kind: CredentialKind, OwnerDID: env.owner.ID, Limit: 2})
							if !assert.NoError(tt, err) {
								return
							}
							record(resp.Deliverables)
							if len(resp.Deliverables) == 0 && !resp.HasMore {
								return
							}
						}
					}()
				}
				wg.Wait()

				// workers only stop once nothing is pending, so there is nothing left to sweep
				resp, err := env.service.Claim(ctx, ClaimRequest{Kind: CredentialKind, OwnerDID: env.owner.ID, Limit: total})
				require.NoError(tt, err)
				assert.Empty(tt, resp.Deliverables)
				assert.Zero(tt, resp.Remaining)

				assert.Len(tt, seen, total)
				for _, id := range ids {
					assert.Equal(tt, 1, seen[id], "deliverable %s claimed more than once", id)
				}
			})
		})
	}
}

func TestClaimValidation(t *testing.T) {
	db, err := storage.NewStorage(storage.Memory)
	require.NoError(t, err)
	env := newTestEnv(t, db)
	ctx := context.Background()

	_, err = env.service.Claim(ctx, ClaimRequest{Kind: CredentialKind, OwnerDID: env.owner.ID, Limit: 101})
	assert.True(t, framework.IsKind(err, framework.ValidationErrorKind))

	_, err = env.service.Claim(ctx, ClaimRequest{Kind: CredentialKind, OwnerDID: env.owner.ID, Limit: -1})
	assert.True(t, framework.IsKind(err, framework.ValidationErrorKind))

	_, err = env.service.Claim(ctx, ClaimRequest{Kind: CredentialKind})
	assert.True(t, framework.IsKind(err, framework.ValidationErrorKind))

	_, err = env.service.Confirm(ctx, ConfirmRequest{Kind: CredentialKind, OwnerDID: env.owner.ID})
	assert.True(t, framework.IsKind(err, framework.ValidationErrorKind))

	tooMany := make([]string, 101)
	for i := range tooMany {
		tooMany[i] = "id"
	}
	_, err = env.service.Confirm(ctx, ConfirmRequest{Kind: CredentialKind, OwnerDID: env.owner.ID, IDs: tooMany})
	assert.True(t, framework.IsKind(err, framework.ValidationErrorKind))

	none, err := env.service.ClaimOne(ctx, CredentialKind, env.owner.ID)
	assert.NoError(t, err)
	assert.Nil(t, none)

	err = env.service.ConfirmOne(ctx, CredentialKind, env.owner.ID, "missing")
	assert.True(t, framework.IsKind(err, framework.ConflictErrorKind))
}

// contendedStorage fails updates of chosen keys the way a store does once it runs out of retries.
type contendedStorage struct {
	storage.ServiceStorage
	mu   sync.Mutex
	keys map[string]bool
}

func (s *contendedStorage) contend(key string, contended bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key] = contended
}

func (s *contendedStorage) Update(ctx context.Context, namespace, key string, updater storage.Updater) ([]byte, error) {
	s.mu.Lock()
	contended := s.keys[key]
	s.mu.Unlock()
	if contended {
		return nil, errors.Wrap(storage.ErrUpdateConflict, "retries exhausted")
	}
	return s.ServiceStorage.Update(ctx, namespace, key, updater)
}

func TestClaimUnderContention(t *testing.T) {
	db, err := storage.NewStorage(storage.Memory)
	require.NoError(t, err)
	db = &contendedStorage{ServiceStorage: db, keys: make(map[string]bool)}
	contended := db.(*contendedStorage)
	env := newTestEnv(t, db)
	ctx := context.Background()
	ids := env.submit(t, CredentialKind, 3)

	contended.contend(recordKey(env.owner.ID, ids[0]), true)
	resp, err := env.service.Claim(ctx, ClaimRequest{Kind: CredentialKind, OwnerDID: env.owner.ID})
	require.NoError(t, err)
	require.Len(t, resp.Deliverables, 2)
	assert.Equal(t, ids[1], resp.Deliverables[0].ID)
	assert.Equal(t, ids[2], resp.Deliverables[1].ID)
	// the contended record was not taken by anyone, so it is still owed to the owner
	assert.Equal(t, 1, resp.Remaining)
	assert.True(t, resp.HasMore)

	contended.contend(recordKey(env.owner.ID, ids[1]), true)
	err = env.service.ConfirmOne(ctx, CredentialKind, env.owner.ID, ids[1])
	assert.True(t, framework.IsKind(err, framework.ConflictErrorKind))
	contended.contend(recordKey(env.owner.ID, ids[1]), false)
	require.NoError(t, env.service.ConfirmOne(ctx, CredentialKind, env.owner.ID, ids[1]))

	contended.contend(recordKey(env.owner.ID, ids[0]), false)
	resp, err = env.service.Claim(ctx, ClaimRequest{Kind: CredentialKind, OwnerDID: env.owner.ID})
	require.NoError(t, err)
	require.Len(t, resp.Deliverables, 1)
	assert.Equal(t, ids[0], resp.Deliverables[0].ID)
	assert.Zero(t, resp.Remaining)
	assert.False(t, resp.HasMore)

	contended.contend(recordKey(env.owner.ID, ids[2]), true)
	env.clock.Add(time.Hour)
	reclaimed, err := env.service.ReclaimStuck(ctx, CredentialKind, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, reclaimed.Count)
}

func TestReclaimStuck(t *testing.T) {
	for _, test := range testutil.TestDatabases {
		t.Run(test.Name, func(tt *testing.T) {
			env := newTestEnv(tt, test.ServiceStorage(tt))
			ids := env.submit(tt, CredentialKind, 3)
			ctx := context.Background()

			resp, err := env.service.Claim(ctx, ClaimRequest{Kind: CredentialKind, OwnerDID: env.owner.ID, Limit: 2})
			require.NoError(tt, err)
			require.Len(tt, resp.Deliverables, 2)

			// not stuck yet
			reclaimed, err := env.service.ReclaimStuck(ctx, CredentialKind, 15*time.Minute)
			require.NoError(tt, err)
			assert.Equal(tt, 0, reclaimed.Count)

			env.clock.Add(20 * time.Minute)
			reclaimed, err = env.service.ReclaimStuck(ctx, CredentialKind, 15*time.Minute)
			require.NoError(tt, err)
			assert.Equal(tt, 2, reclaimed.Count)
			assert.Equal(tt, env.clock.Now().UTC().Add(-15*time.Minute), reclaimed.Cutoff)

			// idempotent
			reclaimed, err = env.service.ReclaimStuck(ctx, CredentialKind, 15*time.Minute)
			require.NoError(tt, err)
			assert.Equal(tt, 0, reclaimed.Count)

			d, err := env.service.Get(ctx, CredentialKind, env.owner.ID, ids[0])
			require.NoError(tt, err)
			assert.Equal(tt, StatusPending, d.Status)
			assert.Nil(tt, d.ClaimedAt)

			// a reclaimed record can be claimed and confirmed again
			resp, err = env.service.Claim(ctx, ClaimRequest{Kind: CredentialKind, OwnerDID: env.owner.ID})
			require.NoError(tt, err)
			assert.Len(tt, resp.Deliverables, 3)
			require.NoError(tt, env.service.ConfirmOne(ctx, CredentialKind, env.owner.ID, ids[0]))

			_, err = env.service.ReclaimStuck(ctx, "receipt", time.Minute)
			assert.True(tt, framework.IsKind(err, framework.ValidationErrorKind))
			_, err = env.service.ReclaimStuck(ctx, CredentialKind, 0)
			assert.True(tt, framework.IsKind(err, framework.ValidationErrorKind))
		})
	}
}

func TestStartReclaimer(t *testing.T) {
	db, err := storage.NewStorage(storage.Memory)
	require.NoError(t, err)
	env := newTestEnv(t, db)
	ctx := context.Background()
	ids := env.submit(t, PresentationKind, 1)

	_, err = env.service.ClaimOne(ctx, PresentationKind, env.owner.ID)
	require.NoError(t, err)

	stop := env.service.StartReclaimer(ctx, time.Minute, 5*time.Minute)
	defer stop()

	// let the reclaimer register its ticker before time moves
	time.Sleep(10 * time.Millisecond)

	assert.Eventually(t, func() bool {
		env.clock.Add(time.Minute)
		d, err := env.service.Get(ctx, PresentationKind, env.owner.ID, ids[0])
		return err == nil && d.Status == StatusPending
	}, time.Second, 10*time.Millisecond)

	stop()
	// stopping twice is safe
	stop()

	assert.NotNil(t, env.service.StartReclaimer(ctx, 0, time.Minute))
}

func TestList(t *testing.T) {
	db, err := storage.NewStorage(storage.Memory)
	require.NoError(t, err)
	env := newTestEnv(t, db)
	ctx := context.Background()
	ids := env.submit(t, CredentialKind, 3)
	_, err = env.service.ClaimOne(ctx, CredentialKind, env.owner.ID)
	require.NoError(t, err)

	all, err := env.service.List(ctx, CredentialKind, filtering.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	declarations, err := FilterDeclarations()
	require.NoError(t, err)
	filter, err := filtering.ParseFilter(listRequest(`status = "processing"`), declarations)
	require.NoError(t, err)

	processing, err := env.service.List(ctx, CredentialKind, filter)
	require.NoError(t, err)
	require.Len(t, processing, 1)
	assert.Equal(t, ids[0], processing[0].ID)

	filter, err = filtering.ParseFilter(listRequest(`status != "processing" AND owner_did = "`+env.owner.ID+`"`), declarations)
	require.NoError(t, err)
	others, err := env.service.List(ctx, CredentialKind, filter)
	require.NoError(t, err)
	assert.Len(t, others, 2)

	_, err = env.service.List(ctx, "receipt", filtering.Filter{})
	assert.True(t, framework.IsKind(err, framework.ValidationErrorKind))
}

type listRequest string

func (r listRequest) GetFilter() string {
	return string(r)
}
