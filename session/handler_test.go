package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/restream/channel"
	"github.com/alwitt/restream/common"
	"github.com/alwitt/restream/fetch"
	"github.com/alwitt/restream/subscription"
	"github.com/stretchr/testify/assert"
)

// staticAdapterRegistry static adapter metadata for tests
type staticAdapterRegistry struct {
	metadata map[string]fetch.AdapterMetadata
}

func (f *staticAdapterRegistry) Metadata(feed string) *fetch.AdapterMetadata {
	if metadata, ok := f.metadata[feed]; ok {
		return &metadata
	}
	return nil
}

func (f *staticAdapterRegistry) Snapshot() map[string]fetch.AdapterMetadata {
	return f.metadata
}

func (f *staticAdapterRegistry) Refresh(ctxt context.Context, force bool) error {
	return nil
}

func (f *staticAdapterRegistry) RefreshWithRetry(
	ctxt context.Context, maxAttempts int,
) error {
	return nil
}

func testSessionHandler(
	t *testing.T, ctxt context.Context, wg *sync.WaitGroup,
) (Handler, subscription.Registry) {
	assert := assert.New(t)
	adapters := &staticAdapterRegistry{
		metadata: map[string]fetch.AdapterMetadata{
			"stock-price": {Name: "stock-price", IDField: "symbol", PollInterval: 3600},
		},
	}
	builder := func(spec channel.Spec) (common.TimeoutHandler, error) {
		return func() error { return nil }, nil
	}
	registry, err := subscription.DefineRegistry(ctxt, wg, adapters, builder, time.Hour)
	assert.Nil(err)
	uut, err := DefineHandler(registry)
	assert.Nil(err)
	return uut, registry
}

// decodeDataEvent parse a client-facing TEXT event payload
func decodeDataEvent(t *testing.T, event Event) map[string]interface{} {
	assert := assert.New(t)
	assert.Equal(EventText, event.Type)
	parsed := map[string]interface{}{}
	assert.Nil(json.Unmarshal(event.Content, &parsed))
	return parsed
}

func TestSessionHandlerOpen(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, _ := testSessionHandler(t, ctxt, &wg)

	outbound := uut.ProcessEvents("conn-1", []Event{{Type: EventOpen}})
	assert.Len(outbound, 2)
	assert.Equal(EventOpen, outbound[0].Type)
	assert.Equal("ready", decodeDataEvent(t, outbound[1])["type"])
}

func TestSessionHandlerSubscribeFlow(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, registry := testSessionHandler(t, ctxt, &wg)

	uut.ProcessEvents("conn-1", []Event{{Type: EventOpen}})

	subscribeMsg := TextEvent(
		`{"action": "subscribe", "channel": "stock-price", "params": {"symbol": "AAPL"}}`,
	)
	key := channel.MakeKey("stock-price", map[string]interface{}{"symbol": "AAPL"})

	// Case 0: subscribe acknowledges and instructs the transport
	outbound := uut.ProcessEvents("conn-1", []Event{subscribeMsg})
	assert.Len(outbound, 2)
	ack := decodeDataEvent(t, outbound[0])
	assert.Equal("subscribed", ack["type"])
	assert.Equal(string(key), ack["channel"])
	operation, topic, ok := ParseControl(outbound[1])
	assert.True(ok)
	assert.Equal("subscribe", operation)
	assert.Equal(string(key), topic)
	assert.True(registry.IsSubscribed(key, "conn-1"))
	assert.Equal(1, registry.RefCount(key))

	// Case 1: duplicate subscribe is acknowledged without side effects
	outbound = uut.ProcessEvents("conn-1", []Event{subscribeMsg})
	assert.Len(outbound, 1)
	assert.Equal("already_subscribed", decodeDataEvent(t, outbound[0])["type"])
	assert.Equal(1, registry.RefCount(key))

	// Case 2: unsubscribe releases and instructs the transport
	outbound = uut.ProcessEvents("conn-1", []Event{TextEvent(
		`{"action": "unsubscribe", "channel": "stock-price", "params": {"symbol": "AAPL"}}`,
	)})
	assert.Len(outbound, 2)
	assert.Equal("unsubscribed", decodeDataEvent(t, outbound[0])["type"])
	operation, topic, ok = ParseControl(outbound[1])
	assert.True(ok)
	assert.Equal("unsubscribe", operation)
	assert.Equal(string(key), topic)
	assert.Equal(0, registry.RefCount(key))

	// Case 3: unsubscribing an unheld channel is acknowledged as such
	outbound = uut.ProcessEvents("conn-1", []Event{TextEvent(
		`{"action": "unsubscribe", "channel": "stock-price", "params": {"symbol": "AAPL"}}`,
	)})
	assert.Len(outbound, 1)
	assert.Equal("not_subscribed", decodeDataEvent(t, outbound[0])["type"])
}

func TestSessionHandlerMalformedMessage(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, registry := testSessionHandler(t, ctxt, &wg)

	uut.ProcessEvents("conn-1", []Event{{Type: EventOpen}})

	// A malformed message yields only an error event and mutates nothing
	outbound := uut.ProcessEvents("conn-1", []Event{TextEvent("not json")})
	assert.Len(outbound, 1)
	parsed := decodeDataEvent(t, outbound[0])
	assert.Equal("error", parsed["type"])
	assert.NotEmpty(parsed["message"])
	assert.Empty(registry.ChannelsOf("conn-1"))

	// The connection remains usable afterwards
	outbound = uut.ProcessEvents("conn-1", []Event{TextEvent(
		`{"action": "subscribe", "channel": "stock-price"}`,
	)})
	assert.Len(outbound, 2)
}

func TestSessionHandlerUnsubscribeAll(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, registry := testSessionHandler(t, ctxt, &wg)

	uut.ProcessEvents("conn-1", []Event{{Type: EventOpen}})
	uut.ProcessEvents("conn-1", []Event{
		TextEvent(`{"action": "subscribe", "channel": "stock-price", "params": {"symbol": "AAPL"}}`),
		TextEvent(`{"action": "subscribe", "channel": "stock-price", "params": {"symbol": "MSFT"}}`),
	})
	assert.Len(registry.ChannelsOf("conn-1"), 2)

	outbound := uut.ProcessEvents("conn-1", []Event{TextEvent(`{"action": "unsubscribe-all"}`)})
	assert.Len(outbound, 4)
	assert.Empty(registry.ChannelsOf("conn-1"))

	// The connection itself stays alive
	assert.Contains(registry.Connections(), "conn-1")
	outbound = uut.ProcessEvents("conn-1", []Event{TextEvent(
		`{"action": "subscribe", "channel": "stock-price"}`,
	)})
	assert.Len(outbound, 2)
}

func TestSessionHandlerExpiredConnection(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, registry := testSessionHandler(t, ctxt, &wg)

	liveness, err := subscription.DefineLivenessTracker(
		ctxt, &wg, registry, time.Millisecond*30, time.Hour, uut,
	)
	assert.Nil(err)

	key := channel.MakeKey("stock-price", map[string]interface{}{"symbol": "AAPL"})
	uut.ProcessEvents("conn-1", []Event{{Type: EventOpen}})
	uut.ProcessEvents("conn-1", []Event{TextEvent(
		`{"action": "subscribe", "channel": "stock-price", "params": {"symbol": "AAPL"}}`,
	)})
	assert.Equal(1, registry.RefCount(key))

	// TTL expiry discards registry and protocol handler state alike
	time.Sleep(time.Millisecond * 50)
	assert.Nil(liveness.Sweep())
	assert.Equal(0, registry.RefCount(key))
	assert.NotContains(registry.Connections(), "conn-1")
	impl := uut.(*handlerImpl)
	impl.lock.Lock()
	_, present := impl.states["conn-1"]
	impl.lock.Unlock()
	assert.False(present)

	// An expired connection id starting over behaves like a fresh connection
	outbound := uut.ProcessEvents("conn-1", []Event{{Type: EventOpen}})
	assert.Len(outbound, 2)
}

func TestSessionHandlerDisconnect(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, registry := testSessionHandler(t, ctxt, &wg)

	key := channel.MakeKey("stock-price", map[string]interface{}{"symbol": "AAPL"})
	uut.ProcessEvents("conn-1", []Event{{Type: EventOpen}})
	uut.ProcessEvents("conn-1", []Event{TextEvent(
		`{"action": "subscribe", "channel": "stock-price", "params": {"symbol": "AAPL"}}`,
	)})
	assert.Equal(1, registry.RefCount(key))

	// Disconnect releases everything and echoes the event
	outbound := uut.ProcessEvents("conn-1", []Event{{Type: EventDisconnect}})
	assert.Len(outbound, 1)
	assert.Equal(EventDisconnect, outbound[0].Type)
	assert.Equal(0, registry.RefCount(key))
	assert.NotContains(registry.Connections(), "conn-1")

	// Events in the same batch after a disconnect are ignored
	uut.ProcessEvents("conn-2", []Event{{Type: EventOpen}})
	outbound = uut.ProcessEvents("conn-2", []Event{
		{Type: EventDisconnect},
		TextEvent(`{"action": "subscribe", "channel": "stock-price"}`),
	})
	assert.Len(outbound, 1)
	assert.Equal(EventDisconnect, outbound[0].Type)
}
