package storage

import (
	"context"
	"reflect"
	"strings"

	"github.com/TBD54566975/ssi-sdk/util"
	"github.com/pkg/errors"
	goredislib "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	internalutil "github.com/tbd54566975/ssi-relay/internal/util"
)

type Type string

const (
	Bolt        Type = "bolt"
	Redis       Type = "redis"
	DatabaseSQL Type = "sql"
	Memory      Type = "memory"

	// keyDelimiter separates a namespace and a key when a backend stores both in a single flat key space
	keyDelimiter = ":"
)

type OptionKey string

// Option is a backend specific option, e.g. a file path or a connection string.
type Option struct {
	ID     OptionKey `json:"id,omitempty" toml:"id,omitempty"`
	Option any       `json:"option,omitempty" toml:"option,omitempty"`
}

// ErrUpdateConflict is returned when an optimistic update kept losing to concurrent writers.
var ErrUpdateConflict = errors.New("update conflict")

// database/sql does not export the error it returns once closed
const sqlClosedMessage = "sql: database is closed"

// IsClosed reports whether err came from a backend that was closed underneath its caller.
func IsClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, bolt.ErrDatabaseNotOpen) || errors.Is(err, goredislib.ErrClosed) {
		return true
	}
	return strings.Contains(err.Error(), sqlClosedMessage)
}

// Updater drives an atomic read-modify-write. Validate sees the current value (nil when absent) and may reject
// it; Update produces the value to write. Both run while the backend guarantees no concurrent writer changes
// the key.
type Updater interface {
	Validate(v []byte) error
	Update(v []byte) ([]byte, error)
}

// ServiceStorage describes the api for storage independent of DB providers
type ServiceStorage interface {
	Init(opts ...Option) error
	Type() Type
	URI() string
	IsOpen() bool
	Close() error

	Write(ctx context.Context, namespace, key string, value []byte) error
	Read(ctx context.Context, namespace, key string) ([]byte, error)
	Exists(ctx context.Context, namespace, key string) (bool, error)
	ReadAll(ctx context.Context, namespace string) (map[string][]byte, error)
	ReadPrefix(ctx context.Context, namespace, prefix string) (map[string][]byte, error)
	ReadAllKeys(ctx context.Context, namespace string) ([]string, error)
	Delete(ctx context.Context, namespace, key string) error
	DeleteNamespace(ctx context.Context, namespace string) error

	// Update atomically applies updater to the value at key and returns the written value. Errors from the
	// updater are returned with their cause intact.
	Update(ctx context.Context, namespace, key string, updater Updater) ([]byte, error)
}

// availableStorages holds a zero value prototype for each registered backend
var availableStorages map[Type]ServiceStorage

// RegisterStorage registers a backend; drivers call it from init.
func RegisterStorage(storage ServiceStorage) error {
	if !internalutil.IsStructPtr(storage) {
		return util.LoggingNewErrorf("storage<%T> must be a pointer to a struct", storage)
	}
	if availableStorages == nil {
		availableStorages = make(map[Type]ServiceStorage)
	}

	storageType := storage.Type()
	if IsStorageAvailable(storageType) {
		return util.LoggingNewErrorf("storage<%s> already registered", storageType)
	}
	availableStorages[storageType] = storage
	return nil
}

func IsStorageAvailable(storage Type) bool {
	_, ok := availableStorages[storage]
	return ok
}

// NewStorage creates and initializes a new instance of a registered backend.
func NewStorage(storageProvider Type, opts ...Option) (ServiceStorage, error) {
	prototype, ok := availableStorages[storageProvider]
	if !ok {
		return nil, util.LoggingNewErrorf("unsupported storage type: %s", storageProvider)
	}
	storage := reflect.New(reflect.TypeOf(prototype).Elem()).Interface().(ServiceStorage)
	if err := storage.Init(opts...); err != nil {
		return nil, util.LoggingErrorMsgf(err, "initializing storage<%s>", storageProvider)
	}
	logrus.Infof("storage<%s> initialized at: %s", storageProvider, storage.URI())
	return storage, nil
}

// MakeNamespace takes a set of possible namespace values and combines them as a convention
func MakeNamespace(ns ...string) string {
	return strings.Join(ns, "-")
}

// Join combines a namespace and key into a single flat key.
func Join(parts ...string) string {
	return strings.Join(parts, keyDelimiter)
}

func getOption(opts []Option, id OptionKey) (any, bool) {
	for _, opt := range opts {
		if opt.ID == id {
			return opt.Option, true
		}
	}
	return nil, false
}

func getStringOption(opts []Option, id OptionKey) (string, error) {
	value, ok := getOption(opts, id)
	if !ok {
		return "", errors.Errorf("missing option<%s>", id)
	}
	s, ok := value.(string)
	if !ok {
		return "", errors.Errorf("option<%s> must be a string", id)
	}
	return s, nil
}
