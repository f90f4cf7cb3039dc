package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/tbd54566975/ssi-relay/internal/codec"
	"github.com/tbd54566975/ssi-relay/internal/did"
	"github.com/tbd54566975/ssi-relay/internal/didauth"
	"github.com/tbd54566975/ssi-relay/pkg/service/did/resolution"
	"github.com/tbd54566975/ssi-relay/pkg/storage"
)

const testKeyID = "keys-1"

// TestDID is a freshly generated secp256k1 identity and its active DID document.
type TestDID struct {
	ID         string
	PrivateKey *codec.PrivateKey
	Document   did.Document
}

func NewTestDID(t *testing.T) *TestDID {
	privKey, err := codec.GenerateKey()
	require.NoError(t, err)
	id := fmt.Sprintf("did:ethr:0x%s", uuid.NewString()[:8])
	return &TestDID{
		ID:         id,
		PrivateKey: privKey,
		Document: did.Document{
			ID:     id,
			Status: did.StatusActive,
			KeyID:  testKeyID,
			VerificationMethod: []did.VerificationMethod{{
				ID:           id + "#" + testKeyID,
				Type:         did.EcdsaSecp256k1VerificationKey2019,
				Controller:   id,
				PublicKeyHex: codec.PublicKeyHex(privKey.PubKey()),
			}},
		},
	}
}

// Token signs a bearer token for the DID, valid for an hour from now.
func (d *TestDID) Token(t *testing.T, role string, now time.Time) string {
	claims := didauth.NewClaims(d.ID, now, time.Hour)
	claims.Role = role
	token, err := didauth.SignToken(claims, testKeyID, d.PrivateKey)
	require.NoError(t, err)
	return token
}

// Bearer is Token formatted as an Authorization header value.
func (d *TestDID) Bearer(t *testing.T, role string, now time.Time) string {
	return "Bearer " + d.Token(t, role, now)
}

// NewTestRegistry registers dids in a storage backed registry.
func NewTestRegistry(t *testing.T, db storage.ServiceStorage, dids ...*TestDID) *resolution.LocalRegistry {
	registry, err := resolution.NewLocalRegistry(db)
	require.NoError(t, err)
	for _, d := range dids {
		require.NoError(t, registry.Register(context.Background(), d.Document))
	}
	return registry
}
