// Package encryption protects values at rest. Stored deliverables are already ECIES envelopes; this layer
// additionally hides record metadata such as owner and sender DIDs from whoever can read the database.
package encryption

import (
	"context"
	"strings"

	sdkutil "github.com/TBD54566975/ssi-sdk/util"
	"github.com/google/tink/go/aead"
	"github.com/google/tink/go/core/registry"
	"github.com/google/tink/go/integration/awskms"
	"github.com/google/tink/go/integration/gcpkms"
	"github.com/google/tink/go/keyset"
	"github.com/google/tink/go/tink"
	"github.com/mr-tron/base58"
	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
	"google.golang.org/api/option"

	"github.com/tbd54566975/ssi-relay/internal/util"
)

// Encrypter the interface for any encrypter implementation.
type Encrypter interface {
	Encrypt(ctx context.Context, plaintext, contextData []byte) ([]byte, error)
}

// Decrypter is the interface for any decrypter. The second parameter is treated as associated data for AEAD
// (as abstracted in https://datatracker.ietf.org/doc/html/rfc5116).
type Decrypter interface {
	Decrypt(ctx context.Context, ciphertext, contextInfo []byte) ([]byte, error)
}

type KeyResolver func(ctx context.Context) ([]byte, error)

type XChaCha20Poly1305Encrypter struct {
	keyResolver KeyResolver
}

func NewXChaCha20Poly1305EncrypterWithKey(key []byte) *XChaCha20Poly1305Encrypter {
	return &XChaCha20Poly1305Encrypter{func(ctx context.Context) ([]byte, error) {
		return key, nil
	}}
}

func NewXChaCha20Poly1305EncrypterWithKeyResolver(resolver KeyResolver) *XChaCha20Poly1305Encrypter {
	return &XChaCha20Poly1305Encrypter{resolver}
}

func (k XChaCha20Poly1305Encrypter) Encrypt(ctx context.Context, plaintext, _ []byte) ([]byte, error) {
	key, err := k.keyResolver(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "resolving key")
	}
	encrypted, err := util.XChaCha20Poly1305Encrypt(key, plaintext)
	if err != nil {
		return nil, sdkutil.LoggingErrorMsg(err, "could not encrypt value")
	}
	return encrypted, nil
}

func (k XChaCha20Poly1305Encrypter) Decrypt(ctx context.Context, ciphertext, _ []byte) ([]byte, error) {
	if ciphertext == nil {
		return nil, nil
	}
	key, err := k.keyResolver(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "resolving key")
	}
	decrypted, err := util.XChaCha20Poly1305Decrypt(key, ciphertext)
	if err != nil {
		return nil, sdkutil.LoggingErrorMsg(err, "could not decrypt value")
	}
	return decrypted, nil
}

var _ Decrypter = (*XChaCha20Poly1305Encrypter)(nil)
var _ Encrypter = (*XChaCha20Poly1305Encrypter)(nil)

// NewServiceKeyEncrypter builds an XChaCha20-Poly1305 encrypter from a base58 encoded 32 byte service key.
func NewServiceKeyEncrypter(encodedKey string) (*XChaCha20Poly1305Encrypter, error) {
	key, err := base58.Decode(encodedKey)
	if err != nil {
		return nil, sdkutil.LoggingErrorMsg(err, "decoding storage encryption key")
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, sdkutil.LoggingNewErrorf("storage encryption key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return NewXChaCha20Poly1305EncrypterWithKey(key), nil
}

// GenerateServiceKey creates a new base58 encoded service key suitable for NewServiceKeyEncrypter.
func GenerateServiceKey() (string, error) {
	keyBytes, err := util.GenerateKey(chacha20poly1305.KeySize)
	if err != nil {
		return "", sdkutil.LoggingErrorMsg(err, "generating bytes for service key")
	}
	return base58.Encode(keyBytes), nil
}

type noopDecrypter struct{}

func (n noopDecrypter) Decrypt(_ context.Context, ciphertext, _ []byte) ([]byte, error) {
	return ciphertext, nil
}

type noopEncrypter struct{}

func (n noopEncrypter) Encrypt(_ context.Context, plaintext, _ []byte) ([]byte, error) {
	return plaintext, nil
}

var _ Decrypter = (*noopDecrypter)(nil)
var _ Encrypter = (*noopEncrypter)(nil)

var (
	NoopDecrypter = noopDecrypter{}
	NoopEncrypter = noopEncrypter{}
)

type wrappedEncrypter struct {
	tink.AEAD
}

func (w wrappedEncrypter) Encrypt(_ context.Context, plaintext, contextData []byte) ([]byte, error) {
	return w.AEAD.Encrypt(plaintext, contextData)
}

var _ Encrypter = (*wrappedEncrypter)(nil)

type wrappedDecrypter struct {
	tink.AEAD
}

func (w wrappedDecrypter) Decrypt(_ context.Context, ciphertext, contextInfo []byte) ([]byte, error) {
	return w.AEAD.Decrypt(ciphertext, contextInfo)
}

var _ Decrypter = (*wrappedDecrypter)(nil)

const (
	gcpKMSScheme = "gcp-kms"
	awsKMSScheme = "aws-kms"
)

type ExternalEncryptionConfig interface {
	GetMasterKeyURI() string
	GetKMSCredentialsPath() string
	EncryptionEnabled() bool
}

// Config selects how stored values are protected: an external KMS, a local service key, or not at all.
type Config interface {
	ExternalEncryptionConfig
	GetStorageEncryptionKey() string
}

// NewStorageEncrypter picks the external KMS when a master key uri is configured, then the local service key,
// and falls back to no encryption.
func NewStorageEncrypter(ctx context.Context, cfg Config) (Encrypter, Decrypter, error) {
	if cfg.EncryptionEnabled() {
		return NewExternalEncrypter(ctx, cfg)
	}
	if cfg.GetStorageEncryptionKey() != "" {
		e, err := NewServiceKeyEncrypter(cfg.GetStorageEncryptionKey())
		if err != nil {
			return nil, nil, err
		}
		return e, e, nil
	}
	return NoopEncrypter, NoopDecrypter, nil
}

func NewExternalEncrypter(ctx context.Context, cfg ExternalEncryptionConfig) (Encrypter, Decrypter, error) {
	if !cfg.EncryptionEnabled() {
		return NoopEncrypter, NoopDecrypter, nil
	}
	var client registry.KMSClient
	var err error
	switch {
	case strings.HasPrefix(cfg.GetMasterKeyURI(), gcpKMSScheme):
		client, err = gcpkms.NewClientWithOptions(ctx, cfg.GetMasterKeyURI(), option.WithCredentialsFile(cfg.GetKMSCredentialsPath()))
		if err != nil {
			return nil, nil, errors.Wrap(err, "creating gcp kms client")
		}
	case strings.HasPrefix(cfg.GetMasterKeyURI(), awsKMSScheme):
		client, err = awskms.NewClientWithCredentials(cfg.GetMasterKeyURI(), cfg.GetKMSCredentialsPath())
		if err != nil {
			return nil, nil, errors.Wrap(err, "creating aws kms client")
		}
	default:
		return nil, nil, errors.Errorf("master_key_uri value %q is not supported", cfg.GetMasterKeyURI())
	}
	registry.RegisterKMSClient(client)
	dek := aead.AES256GCMKeyTemplate()
	kh, err := keyset.NewHandle(aead.KMSEnvelopeAEADKeyTemplate(cfg.GetMasterKeyURI(), dek))
	if err != nil {
		return nil, nil, errors.Wrap(err, "creating keyset handle")
	}
	a, err := aead.New(kh)
	if err != nil {
		return nil, nil, errors.Wrap(err, "creating aead from key handle")
	}
	return wrappedEncrypter{a}, wrappedDecrypter{a}, nil
}
