package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

const (
	dbFile = "mailsync.db"

	messageBucket = "messages"
	indexBucket   = "account_index"
	metaBucket    = "account_meta"
	schemaBucket  = "schema"

	// schemaVersion changes whenever the stored record layout does. The
	// cache is only a copy of the mailbox, so a database written under
	// another version is emptied instead of migrated.
	schemaVersion = "1"
)

var (
	cacheBuckets = []string{messageBucket, indexBucket, metaBucket}
	schemaKey    = []byte("version")
)

// openDB opens the cache database in dataDir, creating it if needed
func openDB(dataDir string) (*bbolt.DB, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := bbolt.Open(filepath.Join(dataDir, dbFile), 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Update(prepareBuckets); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// prepareBuckets creates the cache buckets, dropping them first when they
// were written under another schema version
func prepareBuckets(tx *bbolt.Tx) error {
	schema, err := tx.CreateBucketIfNotExists([]byte(schemaBucket))
	if err != nil {
		return fmt.Errorf("create bucket %s: %w", schemaBucket, err)
	}

	if stored := schema.Get(schemaKey); stored != nil && string(stored) != schemaVersion {
		for _, name := range cacheBuckets {
			if err := tx.DeleteBucket([]byte(name)); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
				return fmt.Errorf("drop bucket %s: %w", name, err)
			}
		}
	}

	for _, name := range cacheBuckets {
		if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
			return fmt.Errorf("create bucket %s: %w", name, err)
		}
	}
	return schema.Put(schemaKey, []byte(schemaVersion))
}
