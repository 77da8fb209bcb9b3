package fetch

import (
	"context"
	"sync"
	"time"

	"github.com/alwitt/restream/common"
	"github.com/apex/log"
	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
)

// AdapterRegistry holds the metadata of every known fetch adapter, keyed by
// feed name. The set is reloaded wholesale no more often than the refresh
// interval; a reload is all-or-nothing, so a failing adapter never leaves a
// partially updated snapshot behind.
type AdapterRegistry interface {
	Metadata(feed string) *AdapterMetadata
	Snapshot() map[string]AdapterMetadata
	Refresh(ctxt context.Context, force bool) error
	RefreshWithRetry(ctxt context.Context, maxAttempts int) error
}

// adapterRegistryImpl implements AdapterRegistry
type adapterRegistryImpl struct {
	common.Component
	client      AdapterClient
	endpoints   []string
	refreshTTL  time.Duration
	lock        *sync.RWMutex
	snapshot    map[string]AdapterMetadata
	lastRefresh time.Time
}

// DefineAdapterRegistry create an adapter registry over the given adapter
// endpoints. The registry starts empty; call Refresh or RefreshWithRetry to
// load the first snapshot.
func DefineAdapterRegistry(
	client AdapterClient, endpoints []string, refreshTTL time.Duration,
) (AdapterRegistry, error) {
	logTags := log.Fields{
		"module": "fetch", "component": "adapter-registry",
	}
	return &adapterRegistryImpl{
		Component:  common.Component{LogTags: logTags},
		client:     client,
		endpoints:  endpoints,
		refreshTTL: refreshTTL,
		lock:       &sync.RWMutex{},
		snapshot:   map[string]AdapterMetadata{},
	}, nil
}

// Metadata look up the metadata for a feed name, nil if unknown
func (r *adapterRegistryImpl) Metadata(feed string) *AdapterMetadata {
	r.lock.RLock()
	defer r.lock.RUnlock()
	if metadata, ok := r.snapshot[feed]; ok {
		return &metadata
	}
	return nil
}

// Snapshot copy of the current metadata set
func (r *adapterRegistryImpl) Snapshot() map[string]AdapterMetadata {
	r.lock.RLock()
	defer r.lock.RUnlock()
	result := make(map[string]AdapterMetadata, len(r.snapshot))
	for feed, metadata := range r.snapshot {
		result[feed] = metadata
	}
	return result
}

// Refresh reload the metadata set from every adapter endpoint. Unless forced,
// a reload within the refresh TTL of the previous one is a no-op. If any
// adapter fails the previous snapshot stays in place.
func (r *adapterRegistryImpl) Refresh(ctxt context.Context, force bool) error {
	r.lock.RLock()
	sinceLast := time.Since(r.lastRefresh)
	r.lock.RUnlock()
	if !force && sinceLast < r.refreshTTL {
		log.WithFields(r.LogTags).Debug("Adapter metadata does not need reload")
		return nil
	}

	log.WithFields(r.LogTags).Info("Loading adapter metadata")
	replacement := make(map[string]AdapterMetadata, len(r.endpoints))
	for _, endpoint := range r.endpoints {
		metadata, err := r.client.Metadata(ctxt, endpoint)
		if err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf(
				"Metadata load from %s failed. Keeping previous snapshot", endpoint,
			)
			return errors.Wrapf(err, "metadata load from %s failed", endpoint)
		}
		log.WithFields(r.LogTags).Infof(
			"Storing metadata for feed %s from %s", metadata.Name, endpoint,
		)
		replacement[metadata.Name] = *metadata
	}

	r.lock.Lock()
	defer r.lock.Unlock()
	r.snapshot = replacement
	r.lastRefresh = time.Now()
	return nil
}

// RefreshWithRetry force reloads with exponential backoff, for process boot
// where the adapters may still be coming up
func (r *adapterRegistryImpl) RefreshWithRetry(
	ctxt context.Context, maxAttempts int,
) error {
	pacing := &backoff.Backoff{
		Min: time.Second, Max: time.Second * 30, Factor: 2, Jitter: true,
	}
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = r.Refresh(ctxt, true)
		if lastErr == nil {
			return nil
		}
		wait := pacing.Duration()
		log.WithError(lastErr).WithFields(r.LogTags).Warnf(
			"Adapter metadata load attempt %d failed. Retrying in %s", attempt+1, wait,
		)
		select {
		case <-ctxt.Done():
			return ctxt.Err()
		case <-time.After(wait):
		}
	}
	return lastErr
}
