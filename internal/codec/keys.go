// Package codec holds the elliptic curve primitives used to protect credential payloads and authenticate
// requests: ECIES encryption to a recipient's key and compact ECDSA signatures, both over secp256k1.
package codec

import (
	"encoding/hex"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/tbd54566975/ssi-relay/pkg/service/framework"
)

const (
	PrivateKeySize            = 32
	CompressedPublicKeySize   = 33
	UncompressedPublicKeySize = 65

	uncompressedPrefix byte = 0x04
	compressedEven     byte = 0x02
	compressedOdd      byte = 0x03
)

type (
	PrivateKey = secp256k1.PrivateKey
	PublicKey  = secp256k1.PublicKey
)

// GenerateKey creates a fresh secp256k1 key pair.
func GenerateKey() (*PrivateKey, error) {
	return secp256k1.GeneratePrivateKey()
}

// ParsePublicKey accepts a 33 byte compressed (0x02/0x03) or 65 byte uncompressed (0x04) point. Any other length
// or prefix is rejected before the point is decoded.
func ParsePublicKey(b []byte) (*PublicKey, error) {
	switch {
	case len(b) == CompressedPublicKeySize && (b[0] == compressedEven || b[0] == compressedOdd):
	case len(b) == UncompressedPublicKeySize && b[0] == uncompressedPrefix:
	default:
		return nil, framework.NewValidationError("unsupported public key encoding")
	}
	pub, err := secp256k1.ParsePubKey(b)
	if err != nil {
		return nil, framework.NewValidationError("public key is not a valid curve point")
	}
	return pub, nil
}

// ParsePublicKeyHex parses a hex encoded public key, with or without a 0x prefix.
func ParsePublicKeyHex(h string) (*PublicKey, error) {
	b, err := hex.DecodeString(trimHexPrefix(h))
	if err != nil {
		return nil, framework.NewValidationError("public key is not valid hex")
	}
	return ParsePublicKey(b)
}

// ParsePrivateKey parses a raw 32 byte scalar.
func ParsePrivateKey(b []byte) (*PrivateKey, error) {
	if len(b) != PrivateKeySize {
		return nil, framework.NewValidationError("private key must be 32 bytes")
	}
	priv := secp256k1.PrivKeyFromBytes(b)
	if priv.Key.IsZero() {
		return nil, framework.NewValidationError("private key is not a valid scalar")
	}
	return priv, nil
}

// ParsePrivateKeyHex parses a hex encoded private key, with or without a 0x prefix.
func ParsePrivateKeyHex(h string) (*PrivateKey, error) {
	b, err := hex.DecodeString(trimHexPrefix(h))
	if err != nil {
		return nil, framework.NewValidationError("private key is not valid hex")
	}
	return ParsePrivateKey(b)
}

// PublicKeyHex is the hex encoding of the uncompressed form of pub, the form DID documents carry.
func PublicKeyHex(pub *PublicKey) string {
	return hex.EncodeToString(pub.SerializeUncompressed())
}

func trimHexPrefix(h string) string {
	h = strings.TrimSpace(h)
	if strings.HasPrefix(h, "0x") || strings.HasPrefix(h, "0X") {
		return h[2:]
	}
	return h
}
