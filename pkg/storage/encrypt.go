package storage

import (
	"context"

	"github.com/pkg/errors"

	"github.com/tbd54566975/ssi-relay/pkg/encryption"
)

// EncryptedWrapper encrypts every value before it reaches the wrapped storage. Keys and namespaces are stored
// as is so prefix scans keep working.
type EncryptedWrapper struct {
	s         ServiceStorage
	encrypter encryption.Encrypter
	decrypter encryption.Decrypter
}

func NewEncryptedWrapper(s ServiceStorage, encrypter encryption.Encrypter, decrypter encryption.Decrypter) *EncryptedWrapper {
	return &EncryptedWrapper{
		s:         s,
		encrypter: encrypter,
		decrypter: decrypter,
	}
}

func (e EncryptedWrapper) Init(opts ...Option) error {
	return e.s.Init(opts...)
}

func (e EncryptedWrapper) Type() Type {
	return e.s.Type()
}

func (e EncryptedWrapper) URI() string {
	return e.s.URI()
}

func (e EncryptedWrapper) IsOpen() bool {
	return e.s.IsOpen()
}

func (e EncryptedWrapper) Close() error {
	return e.s.Close()
}

func (e EncryptedWrapper) Write(ctx context.Context, namespace, key string, value []byte) error {
	encryptedData, err := e.encrypter.Encrypt(ctx, value, nil)
	if err != nil {
		return errors.Wrap(err, "encrypting data")
	}
	return e.s.Write(ctx, namespace, key, encryptedData)
}

func (e EncryptedWrapper) Read(ctx context.Context, namespace, key string) ([]byte, error) {
	storedBytes, err := e.s.Read(ctx, namespace, key)
	if err != nil {
		return nil, err
	}
	return e.decrypt(ctx, storedBytes)
}

func (e EncryptedWrapper) Exists(ctx context.Context, namespace, key string) (bool, error) {
	return e.s.Exists(ctx, namespace, key)
}

func (e EncryptedWrapper) ReadAll(ctx context.Context, namespace string) (map[string][]byte, error) {
	encryptedKeyedBytes, err := e.s.ReadAll(ctx, namespace)
	if err != nil {
		return nil, err
	}
	return e.decryptMap(ctx, encryptedKeyedBytes)
}

func (e EncryptedWrapper) ReadPrefix(ctx context.Context, namespace, prefix string) (map[string][]byte, error) {
	encryptedMap, err := e.s.ReadPrefix(ctx, namespace, prefix)
	if err != nil {
		return nil, err
	}
	return e.decryptMap(ctx, encryptedMap)
}

func (e EncryptedWrapper) ReadAllKeys(ctx context.Context, namespace string) ([]string, error) {
	return e.s.ReadAllKeys(ctx, namespace)
}

func (e EncryptedWrapper) Delete(ctx context.Context, namespace, key string) error {
	return e.s.Delete(ctx, namespace, key)
}

func (e EncryptedWrapper) DeleteNamespace(ctx context.Context, namespace string) error {
	return e.s.DeleteNamespace(ctx, namespace)
}

// Update hands the updater plaintext and encrypts what it returns, all inside the wrapped backend's atomic
// update.
func (e EncryptedWrapper) Update(ctx context.Context, namespace, key string, updater Updater) ([]byte, error) {
	var plaintext []byte
	_, err := e.s.Update(ctx, namespace, key, encryptedUpdater{
		ctx:     ctx,
		wrapper: e,
		updater: updater,
		result:  &plaintext,
	})
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}

func (e EncryptedWrapper) decrypt(ctx context.Context, storedBytes []byte) ([]byte, error) {
	if storedBytes == nil {
		return nil, nil
	}
	decryptedData, err := e.decrypter.Decrypt(ctx, storedBytes, nil)
	if err != nil {
		return nil, errors.Wrap(err, "decrypting data")
	}
	return decryptedData, nil
}

func (e EncryptedWrapper) decryptMap(ctx context.Context, encryptedKeyedBytes map[string][]byte) (map[string][]byte, error) {
	decryptedValues := make(map[string][]byte, len(encryptedKeyedBytes))
	for key, encryptedBytes := range encryptedKeyedBytes {
		decryptedData, err := e.decrypt(ctx, encryptedBytes)
		if err != nil {
			return nil, err
		}
		decryptedValues[key] = decryptedData
	}
	return decryptedValues, nil
}

type encryptedUpdater struct {
	ctx     context.Context
	wrapper EncryptedWrapper
	updater Updater
	result  *[]byte
}

func (u encryptedUpdater) Validate([]byte) error {
	return nil
}

// Update decrypts, validates and re-encrypts in one step; a backend that retries calls it afresh each time.
func (u encryptedUpdater) Update(v []byte) ([]byte, error) {
	plaintext, err := u.wrapper.decrypt(u.ctx, v)
	if err != nil {
		return nil, err
	}
	if err = u.updater.Validate(plaintext); err != nil {
		return nil, err
	}
	updated, err := u.updater.Update(plaintext)
	if err != nil {
		return nil, err
	}
	encrypted, err := u.wrapper.encrypter.Encrypt(u.ctx, updated, nil)
	if err != nil {
		return nil, errors.Wrap(err, "encrypting data")
	}
	*u.result = updated
	return encrypted, nil
}

var _ ServiceStorage = (*EncryptedWrapper)(nil)
