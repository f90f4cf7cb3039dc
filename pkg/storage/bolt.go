package storage

import (
	"context"
	"strings"
	"time"

	"github.com/TBD54566975/ssi-sdk/util"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

func init() {
	if err := RegisterStorage(new(BoltDB)); err != nil {
		panic(err)
	}
}

const (
	DBFilePrefix         = "ssi-relay"
	BoltDBFilePathOption OptionKey = "boltdb-filepath-option"

	boltOpenTimeout = 3 * time.Second
)

type BoltDB struct {
	db *bolt.DB
}

// Init instantiates a file-based storage instance for Bolt https://github.com/etcd-io/bbolt
func (b *BoltDB) Init(opts ...Option) error {
	if b.db != nil {
		return nil
	}
	filePath := DBFilePrefix + "_bolt.db"
	if len(opts) > 0 {
		maybeFilePath, err := getStringOption(opts, BoltDBFilePathOption)
		if err != nil {
			return errors.Wrap(err, "reading bolt options")
		}
		if maybeFilePath != "" {
			filePath = maybeFilePath
		}
	}
	db, err := bolt.Open(filePath, 0600, &bolt.Options{Timeout: boltOpenTimeout})
	if err != nil {
		return err
	}
	b.db = db
	return nil
}

func (b *BoltDB) Type() Type {
	return Bolt
}

func (b *BoltDB) URI() string {
	return b.db.Path()
}

func (b *BoltDB) IsOpen() bool {
	return b.db != nil && b.db.Path() != ""
}

func (b *BoltDB) Close() error {
	return b.db.Close()
}

func (b *BoltDB) Write(_ context.Context, namespace string, key string, value []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(namespace))
		if err != nil {
			return err
		}
		return bucket.Put([]byte(key), value)
	})
}

func (b *BoltDB) Read(_ context.Context, namespace, key string) ([]byte, error) {
	var result []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(namespace))
		if bucket == nil {
			logrus.Infof("namespace<%s> does not exist", namespace)
			return nil
		}
		result = copyBytes(bucket.Get([]byte(key)))
		return nil
	})
	return result, err
}

func (b *BoltDB) Exists(ctx context.Context, namespace, key string) (bool, error) {
	value, err := b.Read(ctx, namespace, key)
	if err != nil {
		return false, err
	}
	return value != nil, nil
}

// ReadPrefix does a prefix query within a namespace.
func (b *BoltDB) ReadPrefix(_ context.Context, namespace, prefix string) (map[string][]byte, error) {
	result := make(map[string][]byte)
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(namespace))
		if bucket == nil {
			logrus.Infof("namespace<%s> does not exist", namespace)
			return nil
		}
		cursor := bucket.Cursor()
		for k, v := cursor.Seek([]byte(prefix)); k != nil && strings.HasPrefix(string(k), prefix); k, v = cursor.Next() {
			result[string(k)] = copyBytes(v)
		}
		return nil
	})
	return result, err
}

func (b *BoltDB) ReadAll(ctx context.Context, namespace string) (map[string][]byte, error) {
	return b.ReadPrefix(ctx, namespace, "")
}

func (b *BoltDB) ReadAllKeys(_ context.Context, namespace string) ([]string, error) {
	var result []string
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(namespace))
		if bucket == nil {
			logrus.Infof("namespace<%s> does not exist", namespace)
			return nil
		}
		cursor := bucket.Cursor()
		for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
			result = append(result, string(k))
		}
		return nil
	})
	return result, err
}

func (b *BoltDB) Delete(_ context.Context, namespace, key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(namespace))
		if bucket == nil {
			return util.LoggingNewErrorf("namespace<%s> does not exist", namespace)
		}
		return bucket.Delete([]byte(key))
	})
}

func (b *BoltDB) DeleteNamespace(_ context.Context, namespace string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(namespace)); err != nil {
			return util.LoggingErrorMsgf(err, "could not delete namespace<%s>", namespace)
		}
		return nil
	})
}

// Update runs inside a single bolt write transaction; bolt allows one writer at a time, which makes the
// read-validate-write atomic.
func (b *BoltDB) Update(_ context.Context, namespace string, key string, updater Updater) ([]byte, error) {
	var updatedValue []byte
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(namespace))
		if err != nil {
			return err
		}
		current := copyBytes(bucket.Get([]byte(key)))
		if err = updater.Validate(current); err != nil {
			return err
		}
		if updatedValue, err = updater.Update(current); err != nil {
			return err
		}
		return bucket.Put([]byte(key), updatedValue)
	})
	if err != nil {
		return nil, err
	}
	return updatedValue, nil
}

// bolt values are only valid for the life of the transaction
func copyBytes(v []byte) []byte {
	if v == nil {
		return nil
	}
	c := make([]byte, len(v))
	copy(c, v)
	return c
}

var _ ServiceStorage = (*BoltDB)(nil)
