package subscription

import (
	"context"
	"sync"
	"time"

	"github.com/alwitt/restream/common"
	"github.com/apex/log"
)

// ConnectionReleaser discards all state held for one connection. The registry
// satisfies this; so does the session protocol handler.
type ConnectionReleaser interface {
	ReleaseAll(connectionID string) error
}

// LivenessTracker periodically expires connections that have not been heard
// from within the TTL. An expired connection is treated exactly like an
// explicit disconnect: all its subscriptions are released and its state
// discarded, on the registry and on every additional releaser.
type LivenessTracker interface {
	Start() error
	Stop() error
	Sweep() error
}

// livenessTrackerImpl implements LivenessTracker
type livenessTrackerImpl struct {
	common.Component
	registry      Registry
	releasers     []ConnectionReleaser
	ttl           time.Duration
	sweepInterval time.Duration
	timer         common.IntervalTimer
}

// DefineLivenessTracker create new liveness tracker over the registry. Extra
// releasers are invoked for every expired connection after the registry.
func DefineLivenessTracker(
	rootCtxt context.Context,
	wg *sync.WaitGroup,
	registry Registry,
	ttl, sweepInterval time.Duration,
	releasers ...ConnectionReleaser,
) (LivenessTracker, error) {
	logTags := log.Fields{
		"module": "subscription", "component": "liveness-tracker",
	}
	timer, err := common.GetIntervalTimerInstance("liveness-sweep", rootCtxt, wg)
	if err != nil {
		return nil, err
	}
	return &livenessTrackerImpl{
		Component:     common.Component{LogTags: logTags},
		registry:      registry,
		releasers:     releasers,
		ttl:           ttl,
		sweepInterval: sweepInterval,
		timer:         timer,
	}, nil
}

// Start begin the periodic expiry sweep
func (t *livenessTrackerImpl) Start() error {
	return t.timer.Start(t.sweepInterval, t.Sweep, false)
}

// Stop halt the periodic expiry sweep
func (t *livenessTrackerImpl) Stop() error {
	return t.timer.Stop()
}

// Sweep release every connection whose inactivity exceeds the TTL
func (t *livenessTrackerImpl) Sweep() error {
	now := time.Now()
	for connectionID, lastSeen := range t.registry.Connections() {
		inactive := now.Sub(lastSeen)
		if inactive > t.ttl {
			log.WithFields(t.LogTags).Infof(
				"Connection %s inactive for %s. Releasing subscriptions",
				connectionID, inactive,
			)
			if err := t.registry.ReleaseAll(connectionID); err != nil {
				log.WithError(err).WithFields(t.LogTags).Errorf(
					"Failed to release connection %s", connectionID,
				)
			}
			for _, releaser := range t.releasers {
				if err := releaser.ReleaseAll(connectionID); err != nil {
					log.WithError(err).WithFields(t.LogTags).Errorf(
						"Failed to release connection %s", connectionID,
					)
				}
			}
		}
	}
	return nil
}
