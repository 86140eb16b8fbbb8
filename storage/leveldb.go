package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	ldberrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/c360/edgecache/errors"
	"github.com/c360/edgecache/pkg/retry"
)

// nsSep separates the namespace from the request key in database keys.
// Namespace names must not contain it; config validation enforces that.
const nsSep = "!"

// LevelStore implements CacheStore on an embedded goleveldb database.
type LevelStore struct {
	db     *leveldb.DB
	logger *slog.Logger
}

// Open opens (or creates) the store at path. A corrupted database is
// recovered rather than discarded; opening retries briefly because a
// previous process instance may still hold the lock while shutting down.
func Open(ctx context.Context, path string, logger *slog.Logger) (*LevelStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := retry.DoWithResult(ctx, retry.Startup(), func() (*leveldb.DB, error) {
		db, err := leveldb.OpenFile(path, nil)
		if ldberrors.IsCorrupted(err) {
			logger.Warn("cache store corrupted, recovering", "path", path)
			db, err = leveldb.RecoverFile(path, nil)
		}
		return db, err
	})
	if err != nil {
		return nil, errors.WrapFatal(err, "storage", "Open", "open database")
	}

	return &LevelStore{db: db, logger: logger}, nil
}

var _ CacheStore = (*LevelStore)(nil)

// dbKey builds the full database key for an entry.
func dbKey(namespace, key string) []byte {
	return []byte(namespace + nsSep + key)
}

// Put stores an entry, overwriting any previous value under its key.
func (s *LevelStore) Put(ctx context.Context, namespace string, entry *Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if entry == nil {
		return errors.WrapInvalid(errors.ErrMalformedRecord, "storage", "Put", "entry cannot be nil")
	}
	if strings.Contains(namespace, nsSep) {
		return errors.WrapInvalid(
			fmt.Errorf("namespace %q contains %q", namespace, nsSep),
			"storage", "Put", "validate namespace")
	}

	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return errors.WrapFatal(err, "storage", "Put", "marshal entry")
	}

	if err := s.db.Put(dbKey(namespace, entry.Key()), data, nil); err != nil {
		if isQuotaError(err) {
			return errors.WrapFatal(errors.ErrQuotaExceeded, "storage", "Put", "write entry")
		}
		return errors.WrapTransient(err, "storage", "Put", "write entry")
	}

	return nil
}

// Get retrieves an entry. A record that fails to decode is treated as a
// miss and removed so it cannot poison later reads.
func (s *LevelStore) Get(ctx context.Context, namespace, key string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := s.db.Get(dbKey(namespace, key), nil)
	if err != nil {
		if err == leveldb.ErrNotFound {
			return nil, errors.ErrKeyNotFound
		}
		return nil, errors.WrapTransient(err, "storage", "Get", "read entry")
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		s.logger.Warn("malformed cache record, treating as miss",
			"namespace", namespace,
			"key", key,
			"error", err)
		_ = s.db.Delete(dbKey(namespace, key), nil)
		return nil, errors.ErrKeyNotFound
	}

	return &entry, nil
}

// Delete removes an entry; deleting a missing key succeeds.
func (s *LevelStore) Delete(ctx context.Context, namespace, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.db.Delete(dbKey(namespace, key), nil); err != nil {
		return errors.WrapTransient(err, "storage", "Delete", "delete entry")
	}
	return nil
}

// Keys returns all keys in a namespace in store-enumeration order.
func (s *LevelStore) Keys(ctx context.Context, namespace string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := []byte(namespace + nsSep)
	iter := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	var keys []string
	for iter.Next() {
		keys = append(keys, string(iter.Key()[len(prefix):]))
	}
	if err := iter.Error(); err != nil {
		return nil, errors.WrapTransient(err, "storage", "Keys", "iterate namespace")
	}
	return keys, nil
}

// Scan visits every well-formed entry in a namespace.
func (s *LevelStore) Scan(ctx context.Context, namespace string, fn func(key string, entry *Entry) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	prefix := []byte(namespace + nsSep)
	iter := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	for iter.Next() {
		key := string(iter.Key()[len(prefix):])

		var entry Entry
		if err := json.Unmarshal(iter.Value(), &entry); err != nil {
			s.logger.Warn("skipping malformed cache record during scan",
				"namespace", namespace,
				"key", key)
			continue
		}

		if err := fn(key, &entry); err != nil {
			return err
		}
	}
	if err := iter.Error(); err != nil {
		return errors.WrapTransient(err, "storage", "Scan", "iterate namespace")
	}
	return nil
}

// Count returns the number of entries in a namespace.
func (s *LevelStore) Count(ctx context.Context, namespace string) (int, error) {
	keys, err := s.Keys(ctx, namespace)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// TotalBytes sums stored body lengths across a namespace.
func (s *LevelStore) TotalBytes(ctx context.Context, namespace string) (int64, error) {
	var total int64
	err := s.Scan(ctx, namespace, func(_ string, entry *Entry) error {
		total += entry.Size()
		return nil
	})
	return total, err
}

// Namespaces lists every namespace holding at least one record.
func (s *LevelStore) Namespaces(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	iter := s.db.NewIterator(nil, nil)
	defer iter.Release()

	var names []string
	seen := make(map[string]struct{})
	for iter.Next() {
		full := string(iter.Key())
		idx := strings.Index(full, nsSep)
		if idx < 0 {
			continue
		}
		ns := full[:idx]
		if _, ok := seen[ns]; ok {
			continue
		}
		seen[ns] = struct{}{}
		names = append(names, ns)
	}
	if err := iter.Error(); err != nil {
		return nil, errors.WrapTransient(err, "storage", "Namespaces", "iterate store")
	}
	return names, nil
}

// DeleteNamespace removes every record in a namespace in one batch.
func (s *LevelStore) DeleteNamespace(ctx context.Context, namespace string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	prefix := []byte(namespace + nsSep)
	iter := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	if err := iter.Error(); err != nil {
		return errors.WrapTransient(err, "storage", "DeleteNamespace", "iterate namespace")
	}

	if err := s.db.Write(batch, nil); err != nil {
		return errors.WrapTransient(err, "storage", "DeleteNamespace", "delete namespace")
	}

	s.logger.Info("deleted cache namespace", "namespace", namespace)
	return nil
}

// Close releases the underlying database.
func (s *LevelStore) Close() error {
	return s.db.Close()
}

// isQuotaError detects storage-limit failures from the OS layer.
func isQuotaError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no space left") ||
		strings.Contains(msg, "disk quota") ||
		strings.Contains(msg, "file too large")
}
