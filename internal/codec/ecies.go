package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/pkg/errors"

	"github.com/tbd54566975/ssi-relay/pkg/service/framework"
)

const (
	IVSize  = 16
	TagSize = sha256.Size

	// MinEnvelopeSize is an envelope with an empty ciphertext.
	MinEnvelopeSize = UncompressedPublicKeySize + IVSize + TagSize

	encryptionKeySize = 32
)

// Encrypt seals plaintext for the holder of recipientPublicKey. The envelope is
// ephemeralPublicKey(65) || iv(16) || ciphertext || tag(32). A new ephemeral key is drawn on every call, so
// encrypting the same plaintext twice never yields the same envelope.
func Encrypt(plaintext, recipientPublicKey []byte) ([]byte, error) {
	recipient, err := ParsePublicKey(recipientPublicKey)
	if err != nil {
		return nil, err
	}
	return EncryptToKey(plaintext, recipient)
}

// EncryptToKey is Encrypt for an already parsed recipient key.
func EncryptToKey(plaintext []byte, recipient *PublicKey) ([]byte, error) {
	if recipient == nil {
		return nil, framework.NewValidationError("recipient public key required")
	}
	ephemeral, err := GenerateKey()
	if err != nil {
		return nil, errors.Wrap(err, "generating ephemeral key")
	}
	defer ephemeral.Zero()

	encKey, macKey := deriveKeys(secp256k1.GenerateSharedSecret(ephemeral, recipient))

	iv := make([]byte, IVSize)
	if _, err = rand.Read(iv); err != nil {
		return nil, errors.Wrap(err, "generating iv")
	}
	ciphertext, err := xorKeyStream(encKey, iv, plaintext)
	if err != nil {
		return nil, err
	}

	ephemeralPub := ephemeral.PubKey().SerializeUncompressed()
	envelope := make([]byte, 0, MinEnvelopeSize+len(ciphertext))
	envelope = append(envelope, ephemeralPub...)
	envelope = append(envelope, iv...)
	envelope = append(envelope, ciphertext...)
	envelope = append(envelope, tag(macKey, ephemeralPub, iv, ciphertext)...)
	return envelope, nil
}

// Decrypt opens an envelope produced by Encrypt. The tag is checked in constant time before any ciphertext is
// processed; a short envelope is a validation error and every other failure is an integrity error.
func Decrypt(envelope []byte, privateKey *PrivateKey) ([]byte, error) {
	if privateKey == nil {
		return nil, framework.NewValidationError("private key required")
	}
	if len(envelope) < MinEnvelopeSize {
		return nil, framework.NewValidationError("malformed envelope")
	}
	ephemeralPub := envelope[:UncompressedPublicKeySize]
	iv := envelope[UncompressedPublicKeySize : UncompressedPublicKeySize+IVSize]
	ciphertext := envelope[UncompressedPublicKeySize+IVSize : len(envelope)-TagSize]
	receivedTag := envelope[len(envelope)-TagSize:]

	if ephemeralPub[0] != uncompressedPrefix {
		return nil, framework.NewIntegrityError("envelope authentication failed")
	}
	ephemeral, err := secp256k1.ParsePubKey(ephemeralPub)
	if err != nil {
		return nil, framework.NewIntegrityError("envelope authentication failed")
	}

	encKey, macKey := deriveKeys(secp256k1.GenerateSharedSecret(privateKey, ephemeral))
	if !hmac.Equal(tag(macKey, ephemeralPub, iv, ciphertext), receivedTag) {
		return nil, framework.NewIntegrityError("envelope authentication failed")
	}
	return xorKeyStream(encKey, iv, ciphertext)
}

// EncryptToString is Encrypt followed by unpadded base64url encoding, the transport form of an envelope.
func EncryptToString(plaintext, recipientPublicKey []byte) (string, error) {
	envelope, err := Encrypt(plaintext, recipientPublicKey)
	if err != nil {
		return "", err
	}
	return EncodeEnvelope(envelope), nil
}

// DecryptString decodes a transport envelope and opens it.
func DecryptString(envelope string, privateKey *PrivateKey) ([]byte, error) {
	raw, err := DecodeEnvelope(envelope)
	if err != nil {
		return nil, err
	}
	return Decrypt(raw, privateKey)
}

func EncodeEnvelope(envelope []byte) string {
	return base64.RawURLEncoding.EncodeToString(envelope)
}

// DecodeEnvelope accepts padded or unpadded base64url.
func DecodeEnvelope(envelope string) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(strings.TrimSpace(envelope), "="))
	if err != nil {
		return nil, framework.NewValidationError("envelope is not valid base64url")
	}
	return raw, nil
}

// deriveKeys splits SHA-512(shared) into an AES-256 key and an HMAC-SHA256 key.
func deriveKeys(shared []byte) (encKey, macKey []byte) {
	derived := sha512.Sum512(shared)
	encKey = make([]byte, encryptionKeySize)
	macKey = make([]byte, len(derived)-encryptionKeySize)
	copy(encKey, derived[:encryptionKeySize])
	copy(macKey, derived[encryptionKeySize:])
	return encKey, macKey
}

func tag(macKey, ephemeralPub, iv, ciphertext []byte) []byte {
	mac := hmac.New(sha256.New, macKey)
	mac.Write(ephemeralPub)
	mac.Write(iv)
	mac.Write(ciphertext)
	return mac.Sum(nil)
}

func xorKeyStream(key, iv, in []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "creating cipher")
	}
	out := make([]byte, len(in))
	cipher.NewCTR(block, iv).XORKeyStream(out, in)
	return out, nil
}
