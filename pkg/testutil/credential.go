package testutil

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tbd54566975/ssi-relay/internal/codec"
	"github.com/tbd54566975/ssi-relay/internal/did"
)

// PythonIssuedCredential was signed the way python issuers sign: the message hashes
// json.dumps(sort_keys=True, separators=(',', ':')) output, which escapes non-ASCII as \uXXXX, and the ECDSA
// signature is over SHA-1 of that message with a high S value.
const PythonIssuedCredential = `{
  "@context": ["https://www.w3.org/2018/credentials/v1"],
  "id": "urn:uuid:9d3c1f52-8a4e-4c6b-b1a7-2e5f0c8d7a64",
  "type": ["VerifiableCredential", "UniversityDegreeCredential"],
  "issuer": "did:example:issuer123",
  "issuanceDate": "2024-06-01T08:30:00Z",
  "credentialSubject": {
    "id": "did:example:holder456",
    "nama": "Śri Ayu Nuraini",
    "nim": "13520042"
  },
  "proof": {
    "type": "EcdsaSecp256k1Signature2019",
    "created": "2024-06-01T08:30:00Z",
    "verificationMethod": "did:example:issuer123#keys-1",
    "proofPurpose": "assertionMethod",
    "proofValue": "sckipHc3sK/Xh/kaT5EtM/JqIrHSJDflNHpwQv7TZRPno5n2cu2dowq9uU37dH+DGszBa5O+vtzp678Ccd4rWQ=="
  }
}`

const (
	PythonIssuerDID    = "did:example:issuer123"
	pythonIssuerKeyHex = "0x2a871d0798f97d79848a013d4936a73bf4cc922c825d33c1cf7073dff6d409c6"
)

// PythonIssuer is the identity that signed PythonIssuedCredential.
func PythonIssuer(t *testing.T) *TestDID {
	privKey, err := codec.ParsePrivateKeyHex(pythonIssuerKeyHex)
	require.NoError(t, err)
	return &TestDID{
		ID:         PythonIssuerDID,
		PrivateKey: privKey,
		Document: did.Document{
			ID:     PythonIssuerDID,
			Status: did.StatusActive,
			KeyID:  testKeyID,
			VerificationMethod: []did.VerificationMethod{{
				ID:           PythonIssuerDID + "#" + testKeyID,
				Type:         did.EcdsaSecp256k1VerificationKey2019,
				Controller:   PythonIssuerDID,
				PublicKeyHex: codec.PublicKeyHex(privKey.PubKey()),
			}},
		},
	}
}
