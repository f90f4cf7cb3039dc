package storage

import (
	"context"
	"database/sql"
	"encoding/base64"
	"strings"

	"github.com/TBD54566975/ssi-sdk/util"
	// We include the postresql driver in our implementation, so users can pick "postgres" via configuration.
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

func init() {
	if err := RegisterStorage(new(SQLDB)); err != nil {
		panic(err)
	}
}

const (
	SQLConnectionString OptionKey = "sql-connection-string-option"
	SQLDriverName       OptionKey = "sql-driver-name-option"
)

type SQLDB struct {
	db               *sql.DB
	connectionString string
}

func (s *SQLDB) Init(opts ...Option) error {
	connString, sqlDriverName, err := processSQLOptions(opts...)
	if err != nil {
		return err
	}
	s.connectionString = connString

	db, err := sql.Open(sqlDriverName, connString)
	if err != nil {
		return err
	}

	if _, err = db.Exec(`CREATE TABLE IF NOT EXISTS key_values (
    key varchar PRIMARY KEY,
    value varchar
);`); err != nil {
		return errors.Wrap(err, "creating key_values table")
	}
	if _, err = db.Exec(`CREATE TABLE IF NOT EXISTS namespaces (
    namespace varchar PRIMARY KEY
);`); err != nil {
		return errors.Wrap(err, "creating namespaces table")
	}

	s.db = db
	return nil
}

func processSQLOptions(opts ...Option) (connString string, sqlDriverName string, err error) {
	if len(opts) != 2 {
		return "", "", errors.New("sql options must contain connection string and driver name")
	}
	if connString, err = getStringOption(opts, SQLConnectionString); err != nil {
		return "", "", err
	}
	if sqlDriverName, err = getStringOption(opts, SQLDriverName); err != nil {
		return "", "", err
	}
	if len(connString) == 0 || len(sqlDriverName) == 0 {
		return "", "", errors.New("sql connection string and driver name must not be empty")
	}
	return connString, sqlDriverName, nil
}

func (s *SQLDB) Type() Type {
	return DatabaseSQL
}

func (s *SQLDB) URI() string {
	return s.connectionString
}

func (s *SQLDB) IsOpen() bool {
	if err := s.db.Ping(); err != nil {
		logrus.WithError(err).Error("pinging db")
		return false
	}
	return true
}

func (s *SQLDB) Close() error {
	return s.db.Close()
}

type execContext interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type queryRow interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLDB) Write(ctx context.Context, namespace, key string, value []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(tx)

	if err = write(ctx, tx, namespace, key, value); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return errors.Wrap(err, "committing transaction")
	}
	return nil
}

func write(ctx context.Context, db execContext, namespace, key string, value []byte) error {
	if _, err := db.ExecContext(ctx, "INSERT INTO namespaces (namespace) VALUES ($1) ON CONFLICT DO NOTHING", namespace); err != nil {
		return err
	}
	_, err := db.ExecContext(ctx,
		"INSERT INTO key_values (key, value) VALUES ($1, $2) ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value",
		Join(namespace, key), base64.RawStdEncoding.EncodeToString(value))
	return err
}

func (s *SQLDB) Read(ctx context.Context, namespace, key string) ([]byte, error) {
	return read(ctx, s.db, "SELECT value FROM key_values WHERE key = $1", namespace, key)
}

func read(ctx context.Context, db queryRow, query, namespace, key string) ([]byte, error) {
	var value string
	if err := db.QueryRowContext(ctx, query, Join(namespace, key)).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return base64.RawStdEncoding.DecodeString(value)
}

func (s *SQLDB) Exists(ctx context.Context, namespace, key string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM key_values WHERE key = $1)", Join(namespace, key)).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

func (s *SQLDB) ReadAll(ctx context.Context, namespace string) (map[string][]byte, error) {
	return s.ReadPrefix(ctx, namespace, "")
}

func (s *SQLDB) ReadPrefix(ctx context.Context, namespace, prefix string) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key, value FROM key_values WHERE key LIKE $1", likePrefix(Join(namespace, prefix)))
	if err != nil {
		return nil, err
	}
	defer closeRows(rows)

	allValues := make(map[string][]byte)
	nsPrefix := Join(namespace, "")
	for rows.Next() {
		var key, value string
		if err = rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		decoded, err := base64.RawStdEncoding.DecodeString(value)
		if err != nil {
			return nil, err
		}
		allValues[strings.TrimPrefix(key, nsPrefix)] = decoded
	}
	return allValues, rows.Err()
}

func (s *SQLDB) ReadAllKeys(ctx context.Context, namespace string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key FROM key_values WHERE key LIKE $1", likePrefix(Join(namespace, "")))
	if err != nil {
		return nil, err
	}
	defer closeRows(rows)

	var keys []string
	nsPrefix := Join(namespace, "")
	for rows.Next() {
		var key string
		if err = rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, strings.TrimPrefix(key, nsPrefix))
	}
	return keys, rows.Err()
}

func (s *SQLDB) Delete(ctx context.Context, namespace, key string) error {
	var gotNamespace string
	if err := s.db.QueryRowContext(ctx, "SELECT namespace FROM namespaces WHERE namespace = $1", namespace).Scan(&gotNamespace); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return util.LoggingNewErrorf("namespace<%s> does not exist", namespace)
		}
		return err
	}
	_, err := s.db.ExecContext(ctx, "DELETE FROM key_values WHERE key = $1", Join(namespace, key))
	return err
}

func (s *SQLDB) DeleteNamespace(ctx context.Context, namespace string) error {
	var namespaceRemoved string
	if err := s.db.QueryRowContext(ctx, "DELETE FROM namespaces WHERE namespace = $1 RETURNING namespace", namespace).Scan(&namespaceRemoved); err != nil {
		return util.LoggingErrorMsgf(err, "could not delete namespace<%s>", namespace)
	}
	_, err := s.db.ExecContext(ctx, "DELETE FROM key_values WHERE key LIKE $1", likePrefix(Join(namespace, "")))
	return err
}

// Update locks the row with SELECT ... FOR UPDATE for the life of the transaction, so concurrent updaters of the
// same key are serialized by postgres.
func (s *SQLDB) Update(ctx context.Context, namespace string, key string, updater Updater) ([]byte, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer rollback(tx)

	current, err := read(ctx, tx, "SELECT value FROM key_values WHERE key = $1 FOR UPDATE", namespace, key)
	if err != nil {
		return nil, errors.Wrap(err, "locking row")
	}
	if err = updater.Validate(current); err != nil {
		return nil, err
	}
	updatedValue, err := updater.Update(current)
	if err != nil {
		return nil, err
	}
	if err = write(ctx, tx, namespace, key, updatedValue); err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "committing transaction")
	}
	return updatedValue, nil
}

func rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		logrus.WithError(err).Error("unable to rollback")
	}
}

func closeRows(rows *sql.Rows) {
	if err := rows.Close(); err != nil {
		logrus.WithError(err).Error("closing rows")
	}
}

// likePrefix escapes LIKE wildcards in prefix and matches anything after it.
func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}

var _ ServiceStorage = (*SQLDB)(nil)
