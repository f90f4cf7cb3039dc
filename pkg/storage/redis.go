package storage

import (
	"context"
	"strings"
	"time"

	"github.com/TBD54566975/ssi-sdk/util"
	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/extra/redisotel/v9"
	goredislib "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func init() {
	if err := RegisterStorage(new(RedisDB)); err != nil {
		panic(err)
	}
}

const (
	RedisAddressOption OptionKey = "redis-address-option"
	PasswordOption     OptionKey = "storage-password-option"

	PONG               = "PONG"
	RedisScanBatchSize = 1000

	// optimistic transactions are retried this many times before giving up with ErrUpdateConflict
	redisMaxUpdateRetries = 10
	redisRetryInterval    = 5 * time.Millisecond
)

type RedisDB struct {
	db *goredislib.Client
}

func (b *RedisDB) Init(opts ...Option) error {
	address, err := getStringOption(opts, RedisAddressOption)
	if err != nil {
		return errors.Wrap(err, "reading redis options")
	}
	password, _ := getStringOption(opts, PasswordOption)

	client := goredislib.NewClient(&goredislib.Options{
		Addr:     address,
		Password: password,
	})
	if err = redisotel.InstrumentTracing(client); err != nil {
		return errors.Wrap(err, "instrumenting redis tracing")
	}
	b.db = client
	return nil
}

func (b *RedisDB) Type() Type {
	return Redis
}

func (b *RedisDB) URI() string {
	return b.db.Options().Addr
}

func (b *RedisDB) IsOpen() bool {
	pong, err := b.db.Ping(context.Background()).Result()
	if err != nil {
		logrus.WithError(err).Error("pinging redis")
		return false
	}
	return pong == PONG
}

func (b *RedisDB) Close() error {
	return b.db.Close()
}

func (b *RedisDB) Write(ctx context.Context, namespace, key string, value []byte) error {
	// Zero expiration means the key has no expiration time.
	return b.db.Set(ctx, Join(namespace, key), value, 0).Err()
}

func (b *RedisDB) Read(ctx context.Context, namespace, key string) ([]byte, error) {
	res, err := b.db.Get(ctx, Join(namespace, key)).Bytes()
	if errors.Is(err, goredislib.Nil) {
		return nil, nil
	}
	return res, err
}

func (b *RedisDB) Exists(ctx context.Context, namespace, key string) (bool, error) {
	n, err := b.db.Exists(ctx, Join(namespace, key)).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (b *RedisDB) ReadPrefix(ctx context.Context, namespace, prefix string) (map[string][]byte, error) {
	keys, err := b.scan(ctx, Join(namespace, prefix))
	if err != nil {
		return nil, errors.Wrap(err, "read all keys error")
	}
	return b.readAll(ctx, namespace, keys)
}

func (b *RedisDB) ReadAll(ctx context.Context, namespace string) (map[string][]byte, error) {
	return b.ReadPrefix(ctx, namespace, "")
}

func (b *RedisDB) readAll(ctx context.Context, namespace string, keys []string) (map[string][]byte, error) {
	result := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return result, nil
	}

	values, err := b.db.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errors.Wrap(err, "getting multiple keys")
	}
	if len(keys) != len(values) {
		return nil, errors.New("key length does not match value length")
	}

	nsPrefix := Join(namespace, "")
	for i, val := range values {
		// deleted between SCAN and MGET
		s, ok := val.(string)
		if !ok {
			continue
		}
		result[strings.TrimPrefix(keys[i], nsPrefix)] = []byte(s)
	}
	return result, nil
}

func (b *RedisDB) ReadAllKeys(ctx context.Context, namespace string) ([]string, error) {
	keys, err := b.scan(ctx, Join(namespace, ""))
	if err != nil {
		return nil, err
	}
	nsPrefix := Join(namespace, "")
	for i := range keys {
		keys[i] = strings.TrimPrefix(keys[i], nsPrefix)
	}
	return keys, nil
}

func (b *RedisDB) scan(ctx context.Context, prefix string) ([]string, error) {
	var cursor uint64
	allKeys := make([]string, 0)
	match := escapeGlob(prefix) + "*"
	for {
		keys, nextCursor, err := b.db.Scan(ctx, cursor, match, RedisScanBatchSize).Result()
		if err != nil {
			return nil, errors.Wrap(err, "scan error")
		}
		allKeys = append(allKeys, keys...)
		if nextCursor == 0 {
			break
		}
		cursor = nextCursor
	}
	return allKeys, nil
}

func (b *RedisDB) Delete(ctx context.Context, namespace, key string) error {
	keys, err := b.scan(ctx, Join(namespace, ""))
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return util.LoggingNewErrorf("namespace<%s> does not exist", namespace)
	}
	return b.db.Del(ctx, Join(namespace, key)).Err()
}

func (b *RedisDB) DeleteNamespace(ctx context.Context, namespace string) error {
	keys, err := b.scan(ctx, Join(namespace, ""))
	if err != nil {
		return errors.Wrap(err, "read all keys")
	}
	if len(keys) == 0 {
		return util.LoggingNewErrorf("could not delete namespace<%s>, namespace does not exist", namespace)
	}
	return b.db.Del(ctx, keys...).Err()
}

// Update is an optimistic WATCH/MULTI transaction. A concurrent write to the key aborts the EXEC and the whole
// read-validate-write is retried; updater errors are never retried.
func (b *RedisDB) Update(ctx context.Context, namespace string, key string, updater Updater) ([]byte, error) {
	redisKey := Join(namespace, key)
	var updatedValue []byte

	txf := func(tx *goredislib.Tx) error {
		current, err := tx.Get(ctx, redisKey).Bytes()
		if err != nil {
			if !errors.Is(err, goredislib.Nil) {
				return err
			}
			current = nil
		}
		if err = updater.Validate(current); err != nil {
			return backoff.Permanent(err)
		}
		value, err := updater.Update(current)
		if err != nil {
			return backoff.Permanent(err)
		}
		if _, err = tx.TxPipelined(ctx, func(pipe goredislib.Pipeliner) error {
			pipe.Set(ctx, redisKey, value, 0)
			return nil
		}); err != nil {
			return err
		}
		updatedValue = value
		return nil
	}

	operation := func() error {
		err := b.db.Watch(ctx, txf, redisKey)
		if err == nil || errors.Is(err, goredislib.TxFailedErr) {
			return err
		}
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			return err
		}
		return backoff.Permanent(err)
	}

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(conflictBackOff(), redisMaxUpdateRetries), ctx))
	if err != nil {
		if errors.Is(err, goredislib.TxFailedErr) {
			return nil, errors.Wrapf(ErrUpdateConflict, "updating key<%s>", redisKey)
		}
		return nil, err
	}
	return updatedValue, nil
}

func conflictBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = redisRetryInterval
	b.MaxInterval = 20 * redisRetryInterval
	return b
}

// escapeGlob escapes the characters SCAN MATCH treats specially.
func escapeGlob(s string) string {
	var sb strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			sb.WriteRune('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

var _ ServiceStorage = (*RedisDB)(nil)
