package did

import (
	"encoding/base64"

	"github.com/mr-tron/base58"
	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-varint"
	"github.com/pkg/errors"

	"github.com/tbd54566975/ssi-relay/internal/codec"
)

// secp256k1-pub multicodec
const secp256k1PubCodec = 0xe7

var ErrNoVerificationKey = errors.New("no verification key")

// VerificationKey returns the public key named by the document's keyId.
func (d Document) VerificationKey() (*codec.PublicKey, error) {
	if d.IsEmpty() {
		return nil, errors.Wrap(ErrNoVerificationKey, "did document is empty")
	}
	method, ok := d.FindVerificationMethod(d.KeyID)
	if !ok {
		return nil, errors.Wrapf(ErrNoVerificationKey, "did<%s> has no method for key<%s>", d.ID, d.KeyID)
	}
	pubKey, err := ExtractKey(*method)
	if err != nil {
		return nil, errors.Wrapf(ErrNoVerificationKey, "did<%s> key<%s>: %s", d.ID, d.KeyID, err.Error())
	}
	return pubKey, nil
}

// ExtractKey decodes the secp256k1 key carried by a verification method in whichever encoding it uses.
func ExtractKey(method VerificationMethod) (*codec.PublicKey, error) {
	switch {
	case method.PublicKeyHex != "":
		return codec.ParsePublicKeyHex(method.PublicKeyHex)
	case method.PublicKeyMultibase != "":
		pubKeyBytes, err := multibaseToPubKeyBytes(method.PublicKeyMultibase)
		if err != nil {
			return nil, err
		}
		return codec.ParsePublicKey(pubKeyBytes)
	case method.PublicKeyBase58 != "":
		pubKeyBytes, err := base58.Decode(method.PublicKeyBase58)
		if err != nil {
			return nil, errors.Wrap(err, "decoding base58 key")
		}
		return codec.ParsePublicKey(pubKeyBytes)
	case method.PublicKeyJWK != nil:
		return jwkToPubKey(*method.PublicKeyJWK)
	}
	return nil, errors.New("no public key found in verification method")
}

// multibaseToPubKeyBytes accepts base58btc multibase, either the raw key or the key behind a secp256k1-pub
// multicodec prefix.
func multibaseToPubKeyBytes(mb string) ([]byte, error) {
	encoding, decoded, err := multibase.Decode(mb)
	if err != nil {
		return nil, errors.Wrap(err, "decoding multibase key")
	}
	if encoding != multibase.Base58BTC {
		return nil, errors.Errorf("expected base58btc multibase encoding but found %d", encoding)
	}
	if len(decoded) == codec.CompressedPublicKeySize || len(decoded) == codec.UncompressedPublicKeySize {
		return decoded, nil
	}

	code, n, err := varint.FromUvarint(decoded)
	if err != nil {
		return nil, errors.Wrap(err, "reading multicodec prefix")
	}
	if code != secp256k1PubCodec {
		return nil, errors.Errorf("unsupported multicodec: %#x", code)
	}
	return decoded[n:], nil
}

func jwkToPubKey(jwk PublicKeyJWK) (*codec.PublicKey, error) {
	if jwk.KTY != ECJWKKeyType || jwk.CRV != SecpJWKCurve {
		return nil, errors.Errorf("unsupported jwk: kty<%s> crv<%s>", jwk.KTY, jwk.CRV)
	}
	x, err := base64.RawURLEncoding.DecodeString(jwk.X)
	if err != nil || len(x) != 32 {
		return nil, errors.New("jwk x coordinate is malformed")
	}
	y, err := base64.RawURLEncoding.DecodeString(jwk.Y)
	if err != nil || len(y) != 32 {
		return nil, errors.New("jwk y coordinate is malformed")
	}
	uncompressed := make([]byte, 0, codec.UncompressedPublicKeySize)
	uncompressed = append(uncompressed, 0x04)
	uncompressed = append(uncompressed, x...)
	uncompressed = append(uncompressed, y...)
	return codec.ParsePublicKey(uncompressed)
}
