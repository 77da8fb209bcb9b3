package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/alwitt/restream/common"
	"github.com/apex/log"
	badger "github.com/dgraph-io/badger/v3"
	"github.com/pkg/errors"
)

// badgerItemCacheImpl implements ItemCache on an embedded badger store
type badgerItemCacheImpl struct {
	common.Component
	db *badger.DB
}

// DefineBadgerItemCache create an item cache backed by a badger data directory
func DefineBadgerItemCache(dataDir string) (ItemCache, error) {
	logTags := log.Fields{
		"module": "cache", "component": "badger-item-cache", "instance": dataDir,
	}
	opts := badger.DefaultOptions(dataDir).WithLoggingLevel(badger.WARNING)
	db, err := badger.Open(opts)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Failed to open badger store at %s", dataDir,
		)
		return nil, errors.Wrapf(err, "unable to open badger store at %s", dataDir)
	}
	log.WithFields(logTags).Info("Opened badger item cache")
	return &badgerItemCacheImpl{
		Component: common.Component{LogTags: logTags}, db: db,
	}, nil
}

// PutAndGetPrevious store the new sighting and fetch the replaced record in
// one update transaction
func (c *badgerItemCacheImpl) PutAndGetPrevious(
	ctxt context.Context,
	feed, itemID string,
	timestamp time.Time,
	payload map[string]interface{},
) (*Record, error) {
	if err := ctxt.Err(); err != nil {
		return nil, err
	}
	key := []byte(recordKey(feed, itemID))
	newRecord := Record{Timestamp: timestamp.Format(time.RFC3339), Payload: payload}
	serialized, err := json.Marshal(&newRecord)
	if err != nil {
		return nil, errors.Wrap(err, "unable to serialize item record")
	}
	var previous *Record
	err = c.db.Update(func(txn *badger.Txn) error {
		existing, err := txn.Get(key)
		if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err == nil {
			if err := existing.Value(func(val []byte) error {
				var record Record
				if err := json.Unmarshal(val, &record); err != nil {
					return err
				}
				previous = &record
				return nil
			}); err != nil {
				return err
			}
		}
		return txn.Set(key, serialized)
	})
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf(
			"Item record update failed for %s/%s", feed, itemID,
		)
		return nil, errors.Wrapf(err, "item record update failed for %s/%s", feed, itemID)
	}
	return previous, nil
}

// Close close the badger store
func (c *badgerItemCacheImpl) Close() error {
	log.WithFields(c.LogTags).Info("Closing badger item cache")
	return c.db.Close()
}
