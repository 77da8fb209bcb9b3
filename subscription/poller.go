package subscription

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/alwitt/restream/cache"
	"github.com/alwitt/restream/channel"
	"github.com/alwitt/restream/common"
	"github.com/alwitt/restream/detect"
	"github.com/alwitt/restream/fetch"
	"github.com/apex/log"
)

// Publisher fanout boundary: delivers a produced item payload to every
// connection on the channel's topic. Delivery fanout belongs to the
// transport; the core never enumerates subscriber connections.
type Publisher interface {
	Publish(ctxt context.Context, key channel.Key, payload map[string]interface{}) error
}

// ChannelPoller runs one channel's poll ticks: invoke the fetch adapter, run
// items through the change detector, and hand produced items to the fanout
// publisher in fetch order.
type ChannelPoller interface {
	PollOnce() error
}

// channelPollerImpl implements ChannelPoller
type channelPollerImpl struct {
	common.Component
	spec        channel.Spec
	registry    fetch.AdapterRegistry
	credentials fetch.CredentialStore
	client      fetch.AdapterClient
	itemCache   cache.ItemCache
	detector    detect.ChangeDetector
	publisher   Publisher
	ctxt        context.Context
	inFlight    int32
}

// DefineChannelPoller create the poller for one channel. The channel spec is
// built once when the channel becomes active and owned by the poller.
func DefineChannelPoller(
	ctxt context.Context,
	spec channel.Spec,
	registry fetch.AdapterRegistry,
	credentials fetch.CredentialStore,
	client fetch.AdapterClient,
	itemCache cache.ItemCache,
	detector detect.ChangeDetector,
	publisher Publisher,
) (ChannelPoller, error) {
	logTags := log.Fields{
		"module": "subscription", "component": "channel-poller", "channel": string(spec.Key),
	}
	return &channelPollerImpl{
		Component:   common.Component{LogTags: logTags},
		spec:        spec,
		registry:    registry,
		credentials: credentials,
		client:      client,
		itemCache:   itemCache,
		detector:    detector,
		publisher:   publisher,
		ctxt:        ctxt,
	}, nil
}

// PollOnce run one poll tick. A tick overlapping a still-running previous
// tick for the same channel is skipped; a slow adapter must not cause two
// concurrent polls of one channel.
func (p *channelPollerImpl) PollOnce() error {
	if !atomic.CompareAndSwapInt32(&p.inFlight, 0, 1) {
		log.WithFields(p.LogTags).Warn("Previous poll still in flight. Skipping tick")
		return nil
	}
	defer atomic.StoreInt32(&p.inFlight, 0)

	log.WithFields(p.LogTags).Infof("Polling %s", p.spec.Feed)
	metadata := p.registry.Metadata(p.spec.Feed)
	if metadata == nil {
		log.WithFields(p.LogTags).Warnf("No adapter metadata for feed %s", p.spec.Feed)
		return nil
	}

	keys := p.credentials.Keys(p.spec.Feed)
	result, err := p.client.Fetch(
		p.ctxt, metadata.Endpoint, p.spec.Feed, p.spec.Params, keys,
	)
	if err != nil {
		log.WithError(err).WithFields(p.LogTags).Errorf(
			"Fetch call for feed %s failed", p.spec.Feed,
		)
		return nil
	}

	var items []map[string]interface{}
	switch outcome := result.(type) {
	case fetch.FetchFailure:
		log.WithFields(p.LogTags).Warnf(
			"Feed %s returned %d: %s", p.spec.Feed, outcome.Status, outcome.Body,
		)
		return nil
	case fetch.FetchSuccess:
		items = outcome.Items
	default:
		return fmt.Errorf("unknown fetch result type for feed %s", p.spec.Feed)
	}

	timestamp := time.Now()
	produced := make([]*detect.ProducedItem, 0, len(items))
	for _, item := range items {
		idValue, ok := item[metadata.IDField]
		if !ok {
			log.WithFields(p.LogTags).Infof(
				"Item does not contain id field %s - skipping", metadata.IDField,
			)
			continue
		}
		itemID := fmt.Sprintf("%v", idValue)
		previous, err := p.itemCache.PutAndGetPrevious(
			p.ctxt, p.spec.Feed, itemID, timestamp, item,
		)
		if err != nil {
			// Without the previous record the item's new / changed status can
			// not be determined safely, so it is skipped rather than published.
			log.WithError(err).WithFields(p.LogTags).Errorf(
				"Cache write failed for item %s - skipping", itemID,
			)
			continue
		}
		var previousPayload map[string]interface{}
		if previous != nil {
			previousPayload = previous.Payload
		}
		if output := p.detector.Classify(previousPayload, item); output != nil {
			log.WithFields(p.LogTags).Debugf("Item %s is %s", itemID, output.Class)
			produced = append(produced, output)
		} else {
			log.WithFields(p.LogTags).Debugf("Item %s is unchanged", itemID)
		}
	}

	for _, output := range produced {
		if err := p.publisher.Publish(p.ctxt, p.spec.Key, output.Payload); err != nil {
			log.WithError(err).WithFields(p.LogTags).Errorf(
				"Publish of %s item failed", output.Class,
			)
		}
	}
	return nil
}
