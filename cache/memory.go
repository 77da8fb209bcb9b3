package cache

import (
	"context"
	"sync"
	"time"

	"github.com/alwitt/restream/common"
	"github.com/apex/log"
	"github.com/jellydator/ttlcache/v3"
)

// memoryItemCacheImpl implements ItemCache with an in-process TTL cache. Meant
// for standalone and dev deployments; records vanish after the retention
// period and on restart.
type memoryItemCacheImpl struct {
	common.Component
	records *ttlcache.Cache[string, Record]
	lock    *sync.Mutex
}

// DefineMemoryItemCache create an in-memory item cache with the given
// record retention period
func DefineMemoryItemCache(retention time.Duration) (ItemCache, error) {
	logTags := log.Fields{
		"module": "cache", "component": "memory-item-cache",
	}
	records := ttlcache.New[string, Record](
		ttlcache.WithTTL[string, Record](retention),
	)
	go records.Start()
	log.WithFields(logTags).Infof("Created memory item cache with %s retention", retention)
	return &memoryItemCacheImpl{
		Component: common.Component{LogTags: logTags},
		records:   records,
		lock:      &sync.Mutex{},
	}, nil
}

// PutAndGetPrevious store the new sighting and return the replaced record
func (c *memoryItemCacheImpl) PutAndGetPrevious(
	ctxt context.Context,
	feed, itemID string,
	timestamp time.Time,
	payload map[string]interface{},
) (*Record, error) {
	if err := ctxt.Err(); err != nil {
		return nil, err
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	key := recordKey(feed, itemID)
	var previous *Record
	if existing := c.records.Get(key); existing != nil {
		record := existing.Value()
		previous = &record
	}
	c.records.Set(key, Record{
		Timestamp: timestamp.Format(time.RFC3339), Payload: payload,
	}, ttlcache.DefaultTTL)
	return previous, nil
}

// Close stop the cache expiry loop
func (c *memoryItemCacheImpl) Close() error {
	c.records.Stop()
	return nil
}
