package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"mailsync/models"
	"mailsync/utils"
)

const (
	metaUIDValidity = "uid_validity"
	metaLastSynced  = "last_synced"
)

// Cache is the persistent message cache.
//
// Records live in the messages bucket keyed by record id. Each account has a
// nested bucket in account_index whose keys sort by (date, uidvalidity, uid)
// and whose values are record ids, so listing newest-first is a reverse
// cursor walk. account_meta holds UIDVALIDITY and the last sync time.
type Cache struct {
	db  *bbolt.DB
	log *utils.Logger
}

// NewCache wraps a database prepared by openDB
func NewCache(db *bbolt.DB, logger *utils.Logger) *Cache {
	if logger == nil {
		logger = utils.Log
	}
	return &Cache{db: db, log: logger.Component("cache")}
}

// OpenCache opens (or creates) the cache database in dataDir
func OpenCache(dataDir string, logger *utils.Logger) (*Cache, error) {
	db, err := openDB(dataDir)
	if err != nil {
		return nil, utils.CacheError("cannot open cache", err)
	}
	return NewCache(db, logger), nil
}

// Close closes the database
func (c *Cache) Close() error {
	return c.db.Close()
}

// indexKey orders records by date, then uidvalidity and uid.
// The sign bit is flipped so pre-1970 dates still sort first.
func indexKey(rec *models.MessageRecord) []byte {
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key[0:8], uint64(rec.Date.Unix())^(1<<63))
	binary.BigEndian.PutUint32(key[8:12], rec.UIDValidity)
	binary.BigEndian.PutUint32(key[12:16], rec.UID)
	return key
}

func accountIndex(tx *bbolt.Tx, accountID string, create bool) (*bbolt.Bucket, error) {
	root := tx.Bucket([]byte(indexBucket))
	if !create {
		return root.Bucket([]byte(accountID)), nil
	}
	return root.CreateBucketIfNotExists([]byte(accountID))
}

func accountMeta(tx *bbolt.Tx, accountID string, create bool) (*bbolt.Bucket, error) {
	root := tx.Bucket([]byte(metaBucket))
	if !create {
		return root.Bucket([]byte(accountID)), nil
	}
	return root.CreateBucketIfNotExists([]byte(accountID))
}

func getRecord(tx *bbolt.Tx, id string) (*models.MessageRecord, error) {
	data := tx.Bucket([]byte(messageBucket)).Get([]byte(id))
	if data == nil {
		return nil, nil
	}
	var rec models.MessageRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("corrupt record %s: %v", id, err)
	}
	return &rec, nil
}

func putRecord(tx *bbolt.Tx, rec *models.MessageRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return tx.Bucket([]byte(messageBucket)).Put([]byte(rec.ID), data)
}

// upsertTx writes rec, moving its index entry if the date changed.
// A cached body survives an update that carries none.
func upsertTx(tx *bbolt.Tx, accountID string, rec models.MessageRecord) error {
	rec.AccountID = accountID
	if rec.ID == "" {
		rec.ID = models.MessageKey(accountID, rec.UIDValidity, rec.UID)
	}

	idx, err := accountIndex(tx, accountID, true)
	if err != nil {
		return err
	}

	existing, err := getRecord(tx, rec.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		if err := idx.Delete(indexKey(existing)); err != nil {
			return err
		}
		if rec.Body == nil {
			rec.Body = existing.Body
		}
	}

	if err := putRecord(tx, &rec); err != nil {
		return err
	}
	return idx.Put(indexKey(&rec), []byte(rec.ID))
}

func removeTx(tx *bbolt.Tx, rec *models.MessageRecord) error {
	if idx, _ := accountIndex(tx, rec.AccountID, false); idx != nil {
		if err := idx.Delete(indexKey(rec)); err != nil {
			return err
		}
	}
	return tx.Bucket([]byte(messageBucket)).Delete([]byte(rec.ID))
}

// Upsert stores records of one account, replacing by id
func (c *Cache) Upsert(accountID string, records []models.MessageRecord) error {
	if len(records) == 0 {
		return nil
	}
	err := c.db.Update(func(tx *bbolt.Tx) error {
		for _, rec := range records {
			if err := upsertTx(tx, accountID, rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return utils.CacheError("upsert failed", err).WithContext("account", accountID)
	}
	return nil
}

// ReplaceWindow makes the cache agree with a refresh. fetched holds every UID
// the refresh saw, including messages that failed to decode, and records the
// ones that decoded. Cached records of the account with a UID at or above the
// lowest fetched UID that the refresh did not see are dropped. A record whose
// UID was seen but not decoded is kept as it was. No fetched UIDs means the
// mailbox is empty.
func (c *Cache) ReplaceWindow(accountID string, fetched []uint32, records []models.MessageRecord) error {
	seen := make(map[uint32]bool, len(fetched))
	var low uint32
	for i, uid := range fetched {
		seen[uid] = true
		if i == 0 || uid < low {
			low = uid
		}
	}

	err := c.db.Update(func(tx *bbolt.Tx) error {
		idx, err := accountIndex(tx, accountID, true)
		if err != nil {
			return err
		}

		var stale []*models.MessageRecord
		err = idx.ForEach(func(_, v []byte) error {
			rec, err := getRecord(tx, string(v))
			if err != nil || rec == nil {
				return err
			}
			if seen[rec.UID] {
				return nil
			}
			if len(fetched) == 0 || rec.UID >= low {
				stale = append(stale, rec)
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, rec := range stale {
			if err := removeTx(tx, rec); err != nil {
				return err
			}
		}
		for _, rec := range records {
			if err := upsertTx(tx, accountID, rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return utils.CacheError("replace window failed", err).WithContext("account", accountID)
	}
	return nil
}

// Get returns one record by id
func (c *Cache) Get(id string) (*models.MessageRecord, error) {
	var rec *models.MessageRecord
	err := c.db.View(func(tx *bbolt.Tx) error {
		var err error
		rec, err = getRecord(tx, id)
		return err
	})
	if err != nil {
		return nil, utils.CacheError("read failed", err)
	}
	if rec == nil {
		return nil, utils.NotFoundError("message not cached", nil).WithContext("id", id)
	}
	return rec, nil
}

// walk visits the account's records newest first until fn returns false
func (c *Cache) walk(accountID string, fn func(rec *models.MessageRecord) bool) error {
	return c.db.View(func(tx *bbolt.Tx) error {
		idx, _ := accountIndex(tx, accountID, false)
		if idx == nil {
			return nil
		}
		cur := idx.Cursor()
		for k, v := cur.Last(); k != nil; k, v = cur.Prev() {
			rec, err := getRecord(tx, string(v))
			if err != nil {
				return err
			}
			if rec == nil {
				continue
			}
			if !fn(rec) {
				return nil
			}
		}
		return nil
	})
}

// ListByAccount returns up to limit records ordered by date descending.
// A limit of zero or less returns everything.
func (c *Cache) ListByAccount(accountID string, limit int) ([]models.MessageRecord, error) {
	records := []models.MessageRecord{}
	err := c.walk(accountID, func(rec *models.MessageRecord) bool {
		records = append(records, *rec)
		return limit <= 0 || len(records) < limit
	})
	if err != nil {
		return nil, utils.CacheError("list failed", err).WithContext("account", accountID)
	}
	return records, nil
}

// Search does a case-insensitive substring match over subject, sender
// and preview, newest first.
func (c *Cache) Search(accountID, query string) ([]models.MessageRecord, error) {
	needle := utils.FoldForSearch(query)
	results := []models.MessageRecord{}
	if needle == "" {
		return results, nil
	}

	err := c.walk(accountID, func(rec *models.MessageRecord) bool {
		if utils.ContainsFolded(rec.Subject, needle) ||
			utils.ContainsFolded(rec.From.Name, needle) ||
			utils.ContainsFolded(rec.From.Email, needle) ||
			utils.ContainsFolded(rec.Preview, needle) {
			results = append(results, *rec)
		}
		return true
	})
	if err != nil {
		return nil, utils.CacheError("search failed", err).WithContext("account", accountID)
	}
	return results, nil
}

func (c *Cache) modify(id string, fn func(rec *models.MessageRecord)) error {
	found := true
	err := c.db.Update(func(tx *bbolt.Tx) error {
		rec, err := getRecord(tx, id)
		if err != nil {
			return err
		}
		if rec == nil {
			found = false
			return nil
		}
		fn(rec)
		return putRecord(tx, rec)
	})
	if err != nil {
		return utils.CacheError("update failed", err).WithContext("id", id)
	}
	if !found {
		return utils.NotFoundError("message not cached", nil).WithContext("id", id)
	}
	return nil
}

// SetReadStatus updates the read flag of a cached record
func (c *Cache) SetReadStatus(id string, isRead bool) error {
	return c.modify(id, func(rec *models.MessageRecord) {
		rec.IsRead = isRead
	})
}

// SetBody attaches a decoded body to a cached record
func (c *Cache) SetBody(id string, content models.EmailContent) error {
	return c.modify(id, func(rec *models.MessageRecord) {
		rec.Body = &content
	})
}

// Remove deletes a record; removing a missing record is not an error
func (c *Cache) Remove(id string) error {
	err := c.db.Update(func(tx *bbolt.Tx) error {
		rec, err := getRecord(tx, id)
		if err != nil || rec == nil {
			return err
		}
		return removeTx(tx, rec)
	})
	if err != nil {
		return utils.CacheError("remove failed", err).WithContext("id", id)
	}
	return nil
}

// ClearAccount drops every record and all bookkeeping of an account
func (c *Cache) ClearAccount(accountID string) error {
	err := c.db.Update(func(tx *bbolt.Tx) error {
		idx, _ := accountIndex(tx, accountID, false)
		if idx != nil {
			messages := tx.Bucket([]byte(messageBucket))
			if err := idx.ForEach(func(_, v []byte) error {
				return messages.Delete(v)
			}); err != nil {
				return err
			}
			if err := tx.Bucket([]byte(indexBucket)).DeleteBucket([]byte(accountID)); err != nil {
				return err
			}
		}
		if meta, _ := accountMeta(tx, accountID, false); meta != nil {
			return tx.Bucket([]byte(metaBucket)).DeleteBucket([]byte(accountID))
		}
		return nil
	})
	if err != nil {
		return utils.CacheError("clear failed", err).WithContext("account", accountID)
	}
	c.log.WithField("account", accountID).Info("cleared cached messages")
	return nil
}

// Stats summarises the cached records of an account
func (c *Cache) Stats(accountID string) (models.CacheStats, error) {
	var stats models.CacheStats
	err := c.walk(accountID, func(rec *models.MessageRecord) bool {
		if stats.Count == 0 {
			stats.Newest = rec.Date
		}
		stats.Oldest = rec.Date
		stats.Count++
		if !rec.IsRead {
			stats.UnreadCount++
		}
		return true
	})
	if err != nil {
		return models.CacheStats{}, utils.CacheError("stats failed", err).WithContext("account", accountID)
	}
	return stats, nil
}

// UIDValidity returns the stored UIDVALIDITY, zero if none is known
func (c *Cache) UIDValidity(accountID string) (uint32, error) {
	var v uint32
	err := c.db.View(func(tx *bbolt.Tx) error {
		meta, _ := accountMeta(tx, accountID, false)
		if meta == nil {
			return nil
		}
		if data := meta.Get([]byte(metaUIDValidity)); len(data) == 4 {
			v = binary.BigEndian.Uint32(data)
		}
		return nil
	})
	if err != nil {
		return 0, utils.CacheError("read uid validity failed", err)
	}
	return v, nil
}

// SetUIDValidity stores the UIDVALIDITY the cached records belong to
func (c *Cache) SetUIDValidity(accountID string, v uint32) error {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	return c.putMeta(accountID, metaUIDValidity, buf)
}

// LastSynced returns the persisted time of the last successful refresh
func (c *Cache) LastSynced(accountID string) (time.Time, error) {
	var t time.Time
	err := c.db.View(func(tx *bbolt.Tx) error {
		meta, _ := accountMeta(tx, accountID, false)
		if meta == nil {
			return nil
		}
		if data := meta.Get([]byte(metaLastSynced)); data != nil {
			return t.UnmarshalText(data)
		}
		return nil
	})
	if err != nil {
		return time.Time{}, utils.CacheError("read last sync failed", err)
	}
	return t, nil
}

// SetLastSynced persists the time of the last successful refresh
func (c *Cache) SetLastSynced(accountID string, t time.Time) error {
	data, err := t.UTC().MarshalText()
	if err != nil {
		return utils.CacheError("encode last sync failed", err)
	}
	return c.putMeta(accountID, metaLastSynced, data)
}

func (c *Cache) putMeta(accountID, key string, value []byte) error {
	err := c.db.Update(func(tx *bbolt.Tx) error {
		meta, err := accountMeta(tx, accountID, true)
		if err != nil {
			return err
		}
		return meta.Put([]byte(key), value)
	})
	if err != nil {
		return utils.CacheError("write "+key+" failed", err).WithContext("account", accountID)
	}
	return nil
}
