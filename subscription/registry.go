package subscription

import (
	"context"
	"sync"
	"time"

	"github.com/alwitt/restream/channel"
	"github.com/alwitt/restream/common"
	"github.com/alwitt/restream/fetch"
	"github.com/apex/log"
)

// PollHandlerBuilder builds the poll tick handler for a channel when it
// becomes active. Injected so the registry stays decoupled from the polling
// machinery behind the handler.
type PollHandlerBuilder func(spec channel.Spec) (common.TimeoutHandler, error)

// Registry reference-counts channel subscriptions and tracks which channels
// each connection holds. A channel's poll timer is active exactly while its
// refcount is above zero: started on the 0 to 1 transition, stopped on the
// transition back to 0. All mutations are serialized behind one lock.
type Registry interface {
	Subscribe(key channel.Key, connectionID, feed string, params map[string]interface{}) error
	Unsubscribe(key channel.Key, connectionID string) error
	ReleaseAll(connectionID string) error
	IsSubscribed(key channel.Key, connectionID string) bool
	ChannelsOf(connectionID string) []channel.Key
	RefCount(key channel.Key) int
	TimerActive(key channel.Key) bool
	Touch(connectionID string)
	Connections() map[string]time.Time
}

// registryImpl implements Registry
type registryImpl struct {
	common.Component
	rootContext     context.Context
	wg              *sync.WaitGroup
	adapters        fetch.AdapterRegistry
	buildHandler    PollHandlerBuilder
	defaultInterval time.Duration
	lock            *sync.Mutex
	refCounts       map[channel.Key]int
	timers          map[channel.Key]common.IntervalTimer
	connChannels    map[string]map[channel.Key]bool
	lastActivity    map[string]time.Time
}

// DefineRegistry create new subscription registry
func DefineRegistry(
	rootCtxt context.Context,
	wg *sync.WaitGroup,
	adapters fetch.AdapterRegistry,
	buildHandler PollHandlerBuilder,
	defaultInterval time.Duration,
) (Registry, error) {
	logTags := log.Fields{
		"module": "subscription", "component": "registry",
	}
	return &registryImpl{
		Component:       common.Component{LogTags: logTags},
		rootContext:     rootCtxt,
		wg:              wg,
		adapters:        adapters,
		buildHandler:    buildHandler,
		defaultInterval: defaultInterval,
		lock:            &sync.Mutex{},
		refCounts:       map[channel.Key]int{},
		timers:          map[channel.Key]common.IntervalTimer{},
		connChannels:    map[string]map[channel.Key]bool{},
		lastActivity:    map[string]time.Time{},
	}, nil
}

// Subscribe add a connection's subscription on a channel. Re-subscribing an
// already subscribed connection is a no-op; refcount and timer are untouched.
func (r *registryImpl) Subscribe(
	key channel.Key, connectionID, feed string, params map[string]interface{},
) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	held := r.connChannels[connectionID]
	if held == nil {
		held = map[channel.Key]bool{}
		r.connChannels[connectionID] = held
	}
	if held[key] {
		log.WithFields(r.LogTags).Infof(
			"Connection %s already subscribed to %s", connectionID, key,
		)
		return nil
	}
	held[key] = true
	if _, known := r.lastActivity[connectionID]; !known {
		r.lastActivity[connectionID] = time.Now()
	}

	r.refCounts[key]++
	log.WithFields(r.LogTags).Debugf("%s count inc to %d", key, r.refCounts[key])
	if r.refCounts[key] == 1 {
		if err := r.startTimer(channel.Spec{Key: key, Feed: feed, Params: params}); err != nil {
			// Roll back so an active refcount always has a running timer
			delete(held, key)
			delete(r.refCounts, key)
			return err
		}
	}
	return nil
}

// startTimer bring up the poll timer for a newly active channel. Caller must
// hold the registry lock.
func (r *registryImpl) startTimer(spec channel.Spec) error {
	interval := r.defaultInterval
	if metadata := r.adapters.Metadata(spec.Feed); metadata != nil {
		if metadata.PollInterval > 0 {
			interval = time.Second * time.Duration(metadata.PollInterval)
			log.WithFields(r.LogTags).Infof(
				"Polling interval for %s set to %s", spec.Feed, interval,
			)
		} else {
			log.WithFields(r.LogTags).Warnf(
				"No polling interval found for %s. Using default %s", spec.Feed, interval,
			)
		}
	} else {
		// Configuration issue, not a runtime fault: the timer still runs so
		// polling starts as soon as metadata appears.
		log.WithFields(r.LogTags).Warnf("No adapter metadata for feed %s", spec.Feed)
	}

	handler, err := r.buildHandler(spec)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Unable to build poll handler for %s", spec.Key,
		)
		return err
	}
	timer, err := common.GetIntervalTimerInstance(
		string(spec.Key), r.rootContext, r.wg,
	)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Unable to define poll timer for %s", spec.Key,
		)
		return err
	}
	// First poll runs immediately rather than after the first interval
	if err := timer.Start(interval, handler, true); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Unable to start poll timer for %s", spec.Key,
		)
		return err
	}
	r.timers[spec.Key] = timer
	return nil
}

// Unsubscribe drop a connection's subscription on a channel. A decrement on
// an already zero count is clamped and logged; it signals a prior bug but
// must not crash the process.
func (r *registryImpl) Unsubscribe(key channel.Key, connectionID string) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.unsubscribeLocked(key, connectionID)
}

func (r *registryImpl) unsubscribeLocked(key channel.Key, connectionID string) error {
	if held := r.connChannels[connectionID]; held != nil {
		delete(held, key)
	}
	count := r.refCounts[key]
	if count <= 0 {
		log.WithFields(r.LogTags).Warnf("Channel count for %s already %d", key, count)
		r.refCounts[key] = 0
		return nil
	}
	r.refCounts[key] = count - 1
	log.WithFields(r.LogTags).Debugf("%s count dec to %d", key, r.refCounts[key])
	if r.refCounts[key] == 0 {
		if timer, ok := r.timers[key]; ok {
			_ = timer.Stop()
			delete(r.timers, key)
		}
		delete(r.refCounts, key)
	}
	return nil
}

// ReleaseAll drop every subscription a connection holds and discard its
// connection state. Used on disconnect and liveness expiry.
func (r *registryImpl) ReleaseAll(connectionID string) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	for key := range r.connChannels[connectionID] {
		log.WithFields(r.LogTags).Infof("Releasing %s from %s", connectionID, key)
		_ = r.unsubscribeLocked(key, connectionID)
	}
	delete(r.connChannels, connectionID)
	delete(r.lastActivity, connectionID)
	return nil
}

// IsSubscribed whether the connection currently holds the channel key
func (r *registryImpl) IsSubscribed(key channel.Key, connectionID string) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.connChannels[connectionID][key]
}

// ChannelsOf the channel keys a connection currently holds
func (r *registryImpl) ChannelsOf(connectionID string) []channel.Key {
	r.lock.Lock()
	defer r.lock.Unlock()
	result := make([]channel.Key, 0, len(r.connChannels[connectionID]))
	for key := range r.connChannels[connectionID] {
		result = append(result, key)
	}
	return result
}

// RefCount current subscriber count of a channel key
func (r *registryImpl) RefCount(key channel.Key) int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.refCounts[key]
}

// TimerActive whether the channel's poll timer is running
func (r *registryImpl) TimerActive(key channel.Key) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	_, active := r.timers[key]
	return active
}

// Touch refresh a connection's last activity timestamp. Called by the
// transport boundary on every inbound event before protocol handling.
func (r *registryImpl) Touch(connectionID string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.lastActivity[connectionID] = time.Now()
}

// Connections snapshot of known connections and their last activity time
func (r *registryImpl) Connections() map[string]time.Time {
	r.lock.Lock()
	defer r.lock.Unlock()
	result := make(map[string]time.Time, len(r.lastActivity))
	for connectionID, lastSeen := range r.lastActivity {
		result[connectionID] = lastSeen
	}
	return result
}
