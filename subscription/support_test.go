package subscription

import (
	"context"
	"sync"

	"github.com/alwitt/restream/channel"
	"github.com/alwitt/restream/fetch"
)

// fakeAdapterRegistry static adapter metadata for tests
type fakeAdapterRegistry struct {
	metadata map[string]fetch.AdapterMetadata
}

func (f *fakeAdapterRegistry) Metadata(feed string) *fetch.AdapterMetadata {
	if metadata, ok := f.metadata[feed]; ok {
		return &metadata
	}
	return nil
}

func (f *fakeAdapterRegistry) Snapshot() map[string]fetch.AdapterMetadata {
	return f.metadata
}

func (f *fakeAdapterRegistry) Refresh(ctxt context.Context, force bool) error {
	return nil
}

func (f *fakeAdapterRegistry) RefreshWithRetry(
	ctxt context.Context, maxAttempts int,
) error {
	return nil
}

// fakeAdapterClient scripted adapter fetch responses for tests
type fakeAdapterClient struct {
	fetchCB func() (fetch.FetchResult, error)
}

func (f *fakeAdapterClient) Metadata(
	ctxt context.Context, endpoint string,
) (*fetch.AdapterMetadata, error) {
	return nil, nil
}

func (f *fakeAdapterClient) Fetch(
	ctxt context.Context,
	endpoint, feed string,
	params map[string]interface{},
	keys map[string]string,
) (fetch.FetchResult, error) {
	return f.fetchCB()
}

// emptyCredentialStore always-empty credentials for tests
type emptyCredentialStore struct{}

func (emptyCredentialStore) Keys(feed string) map[string]string {
	return map[string]string{}
}

func (emptyCredentialStore) Reload() error { return nil }

// capturePublisher records published payloads for tests
type capturePublisher struct {
	lock      sync.Mutex
	published []map[string]interface{}
	keys      []channel.Key
}

func (p *capturePublisher) Publish(
	ctxt context.Context, key channel.Key, payload map[string]interface{},
) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.published = append(p.published, payload)
	p.keys = append(p.keys, key)
	return nil
}

func (p *capturePublisher) snapshot() []map[string]interface{} {
	p.lock.Lock()
	defer p.lock.Unlock()
	result := make([]map[string]interface{}, len(p.published))
	copy(result, p.published)
	return result
}

func (p *capturePublisher) publishedKeys() []channel.Key {
	p.lock.Lock()
	defer p.lock.Unlock()
	result := make([]channel.Key, len(p.keys))
	copy(result, p.keys)
	return result
}
