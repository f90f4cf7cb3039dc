package codec

import (
	"crypto/sha256"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/goccy/go-json"
	"github.com/gowebpki/jcs"

	"github.com/tbd54566975/ssi-relay/pkg/service/framework"
)

// SignatureSize is the length of a compact r || s signature.
const SignatureSize = 64

// Canonicalize serializes payload as RFC 8785 canonical JSON. Byte slices and json.RawMessage are taken to be
// JSON text already and are only re-canonicalized.
func Canonicalize(payload any) ([]byte, error) {
	var raw []byte
	switch p := payload.(type) {
	case []byte:
		raw = p
	case json.RawMessage:
		raw = p
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, framework.NewValidationError("payload is not serializable to JSON")
		}
		raw = b
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, framework.NewValidationError("payload is not valid JSON")
	}
	return canonical, nil
}

// Sign signs the canonical form of payload.
func Sign(payload any, privateKey *PrivateKey) ([]byte, error) {
	canonical, err := Canonicalize(payload)
	if err != nil {
		return nil, err
	}
	return SignBytes(canonical, privateKey)
}

// Verify checks a signature produced by Sign. Malformed input of any kind yields false.
func Verify(payload any, signature []byte, publicKey *PublicKey) bool {
	canonical, err := Canonicalize(payload)
	if err != nil {
		return false
	}
	return VerifyBytes(canonical, signature, publicKey)
}

// SignBytes produces a 64 byte r || s signature over SHA-256(message).
func SignBytes(message []byte, privateKey *PrivateKey) ([]byte, error) {
	hash := sha256.Sum256(message)
	return SignDigest(hash[:], privateKey)
}

// SignDigest produces a 64 byte r || s signature over a digest the caller computed.
func SignDigest(digest []byte, privateKey *PrivateKey) ([]byte, error) {
	if privateKey == nil {
		return nil, framework.NewValidationError("private key required")
	}
	// compact signatures carry a leading recovery byte
	compact := ecdsa.SignCompact(privateKey, digest, false)
	return compact[1:], nil
}

// VerifyBytes checks a 64 byte r || s signature over SHA-256(message). It never panics.
func VerifyBytes(message, signature []byte, publicKey *PublicKey) bool {
	hash := sha256.Sum256(message)
	return VerifyDigest(hash[:], signature, publicKey)
}

// VerifyDigest checks a 64 byte r || s signature over digest. Digests shorter than 32 bytes are read as
// big-endian integers, the way other ECDSA implementations treat SHA-1 digests. High-S signatures are accepted.
func VerifyDigest(digest, signature []byte, publicKey *PublicKey) (valid bool) {
	defer func() {
		if r := recover(); r != nil {
			valid = false
		}
	}()
	if publicKey == nil || len(signature) != SignatureSize {
		return false
	}
	var r, s secp256k1.ModNScalar
	if overflow := r.SetByteSlice(signature[:32]); overflow || r.IsZero() {
		return false
	}
	if overflow := s.SetByteSlice(signature[32:]); overflow || s.IsZero() {
		return false
	}
	if len(digest) == 0 {
		return false
	}
	return ecdsa.NewSignature(&r, &s).Verify(digest, publicKey)
}
