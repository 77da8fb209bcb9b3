package fetch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// metadataServer test adapter serving only the metadata call
func metadataServer(t *testing.T, name string, failing *int32) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing != nil && atomic.LoadInt32(failing) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]interface{}{
			"name": name, "id_field": "id", "poll_interval": 30,
		}); err != nil {
			t.Error(err)
		}
	}))
}

func TestAdapterRegistryRefresh(t *testing.T) {
	assert := assert.New(t)

	var betaFailing int32
	alpha := metadataServer(t, "alpha", nil)
	defer alpha.Close()
	beta := metadataServer(t, "beta", &betaFailing)
	defer beta.Close()

	client, err := DefineAdapterClient(time.Second * 5)
	assert.Nil(err)
	uut, err := DefineAdapterRegistry(
		client, []string{alpha.URL, beta.URL}, time.Hour,
	)
	assert.Nil(err)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Case 0: registry starts empty
	assert.Nil(uut.Metadata("alpha"))
	assert.Empty(uut.Snapshot())

	// Case 1: first load stores every adapter
	assert.Nil(uut.Refresh(ctxt, true))
	assert.NotNil(uut.Metadata("alpha"))
	assert.NotNil(uut.Metadata("beta"))
	assert.Equal(alpha.URL, uut.Metadata("alpha").Endpoint)
	assert.Len(uut.Snapshot(), 2)

	// Case 2: a failing adapter keeps the previous snapshot in place
	atomic.StoreInt32(&betaFailing, 1)
	assert.NotNil(uut.Refresh(ctxt, true))
	assert.NotNil(uut.Metadata("beta"))
	assert.Len(uut.Snapshot(), 2)

	// Case 3: unforced reload within the refresh TTL is a no-op
	assert.Nil(uut.Refresh(ctxt, false))
	assert.Len(uut.Snapshot(), 2)
}

func TestAdapterRegistryRefreshWithRetry(t *testing.T) {
	assert := assert.New(t)

	var failing int32 = 1
	svr := metadataServer(t, "alpha", &failing)
	defer svr.Close()

	client, err := DefineAdapterClient(time.Second * 5)
	assert.Nil(err)
	uut, err := DefineAdapterRegistry(client, []string{svr.URL}, time.Hour)
	assert.Nil(err)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Adapter comes up after the first failed attempt
	go func() {
		time.Sleep(time.Millisecond * 500)
		atomic.StoreInt32(&failing, 0)
	}()
	assert.Nil(uut.RefreshWithRetry(ctxt, 5))
	assert.NotNil(uut.Metadata("alpha"))
}

func TestAdapterRegistryRefreshWithRetryExhausted(t *testing.T) {
	assert := assert.New(t)

	var failing int32 = 1
	svr := metadataServer(t, "alpha", &failing)
	defer svr.Close()

	client, err := DefineAdapterClient(time.Second * 5)
	assert.Nil(err)
	uut, err := DefineAdapterRegistry(client, []string{svr.URL}, time.Hour)
	assert.Nil(err)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	assert.NotNil(uut.RefreshWithRetry(ctxt, 2))
	assert.Nil(uut.Metadata("alpha"))
}
