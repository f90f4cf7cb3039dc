package did

import (
	"encoding/base64"
	"testing"

	"github.com/mr-tron/base58"
	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-varint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbd54566975/ssi-relay/internal/codec"
)

func TestVerificationKey(t *testing.T) {
	priv, err := codec.GenerateKey()
	require.NoError(t, err)
	pub := priv.PubKey()
	uncompressed := pub.SerializeUncompressed()

	multicodecKey, err := multibase.Encode(multibase.Base58BTC, append(varint.ToUvarint(secp256k1PubCodec), pub.SerializeCompressed()...))
	require.NoError(t, err)
	rawMultibaseKey, err := multibase.Encode(multibase.Base58BTC, uncompressed)
	require.NoError(t, err)

	methods := map[string]VerificationMethod{
		"hex":                  {PublicKeyHex: codec.PublicKeyHex(pub)},
		"hex with 0x":          {PublicKeyHex: "0x" + codec.PublicKeyHex(pub)},
		"base58":               {PublicKeyBase58: base58.Encode(pub.SerializeCompressed())},
		"multibase multicodec": {PublicKeyMultibase: multicodecKey},
		"multibase raw":        {PublicKeyMultibase: rawMultibaseKey},
		"jwk": {PublicKeyJWK: &PublicKeyJWK{
			KTY: ECJWKKeyType,
			CRV: SecpJWKCurve,
			X:   base64.RawURLEncoding.EncodeToString(uncompressed[1:33]),
			Y:   base64.RawURLEncoding.EncodeToString(uncompressed[33:]),
		}},
	}
	for name, method := range methods {
		t.Run(name, func(tt *testing.T) {
			method.ID = "did:example:holder1#keys-1"
			doc := Document{ID: "did:example:holder1", Status: StatusActive, KeyID: "keys-1", VerificationMethod: []VerificationMethod{method}}

			key, err := doc.VerificationKey()
			require.NoError(tt, err)
			assert.True(tt, key.IsEqual(pub))
		})
	}

	t.Run("key id variants", func(tt *testing.T) {
		doc := Document{
			ID:     "did:example:holder1",
			Status: StatusActive,
			VerificationMethod: []VerificationMethod{
				{ID: "did:example:holder1#other", PublicKeyHex: "04abcd"},
				{ID: "did:example:holder1#keys-1", PublicKeyHex: codec.PublicKeyHex(pub)},
			},
		}
		for _, keyID := range []string{"keys-1", "#keys-1", "did:example:holder1#keys-1"} {
			doc.KeyID = keyID
			key, err := doc.VerificationKey()
			require.NoError(tt, err, keyID)
			assert.True(tt, key.IsEqual(pub))
		}
	})

	t.Run("missing or unusable key", func(tt *testing.T) {
		docs := map[string]Document{
			"empty":        {},
			"no key id":    {ID: "did:example:1", VerificationMethod: []VerificationMethod{{ID: "did:example:1#k", PublicKeyHex: codec.PublicKeyHex(pub)}}},
			"unknown id":   {ID: "did:example:1", KeyID: "nope", VerificationMethod: []VerificationMethod{{ID: "did:example:1#k", PublicKeyHex: codec.PublicKeyHex(pub)}}},
			"no material":  {ID: "did:example:1", KeyID: "k", VerificationMethod: []VerificationMethod{{ID: "did:example:1#k"}}},
			"bad hex":      {ID: "did:example:1", KeyID: "k", VerificationMethod: []VerificationMethod{{ID: "did:example:1#k", PublicKeyHex: "zz"}}},
			"ed25519 jwk":  {ID: "did:example:1", KeyID: "k", VerificationMethod: []VerificationMethod{{ID: "did:example:1#k", PublicKeyJWK: &PublicKeyJWK{KTY: "OKP", CRV: "Ed25519", X: "abc"}}}},
			"wrong length": {ID: "did:example:1", KeyID: "k", VerificationMethod: []VerificationMethod{{ID: "did:example:1#k", PublicKeyBase58: base58.Encode(uncompressed[1:])}}},
		}
		for name, doc := range docs {
			_, err := doc.VerificationKey()
			assert.ErrorIs(tt, err, ErrNoVerificationKey, name)
		}
	})
}

func TestDocumentStatus(t *testing.T) {
	assert.True(t, Document{Status: "active"}.IsActive())
	assert.True(t, Document{Status: StatusActive}.IsActive())
	assert.False(t, Document{Status: StatusRevoked}.IsActive())
	assert.False(t, Document{}.IsActive())

	doc := Document{ID: "did:example:1"}
	assert.Equal(t, "did:example:1#keys-1", doc.VerificationMethodID("keys-1"))
	assert.Equal(t, "did:example:1#keys-1", doc.VerificationMethodID("#keys-1"))
	assert.Equal(t, "did:example:2#k", doc.VerificationMethodID("did:example:2#k"))
}
