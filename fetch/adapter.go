package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/alwitt/restream/common"
	"github.com/apex/log"
	"github.com/pkg/errors"
)

// AdapterMetadata describes one deployed fetch adapter
type AdapterMetadata struct {
	// Name is the feed name the adapter serves
	Name string `json:"name" validate:"required"`
	// Description is a human readable description of the feed
	Description string `json:"description"`
	// IDField is the payload field holding an item's unique id
	IDField string `json:"id_field" validate:"required"`
	// APIURL is the upstream API the adapter polls
	APIURL string `json:"api_url"`
	// DocURL points at the upstream API documentation
	DocURL string `json:"doc_url"`
	// PollInterval is the adapter's desired poll cadence in seconds, 0 if undeclared
	PollInterval int `json:"poll_interval"`
	// RequiredKeys are the credential names the adapter needs to fetch
	RequiredKeys []string `json:"required_keys"`
	// Endpoint is the URI the adapter is reachable at
	Endpoint string `json:"endpoint"`
}

// FetchResult outcome of one adapter fetch call. Either FetchSuccess or
// FetchFailure; a transport level error is returned separately.
type FetchResult interface {
	isFetchResult()
}

// FetchSuccess adapter returned items
type FetchSuccess struct {
	// Items are the fetched feed items, in adapter order
	Items []map[string]interface{}
}

// FetchFailure adapter reported a non-success status
type FetchFailure struct {
	// Status is the adapter's status code
	Status int
	// Body is the adapter's response payload, for logging
	Body string
}

func (FetchSuccess) isFetchResult() {}
func (FetchFailure) isFetchResult() {}

// adapterRequest the request payload of the adapter call contract
type adapterRequest struct {
	Call    string                 `json:"call"`
	Channel string                 `json:"channel,omitempty"`
	Params  map[string]interface{} `json:"params,omitempty"`
	Keys    map[string]string      `json:"keys,omitempty"`
}

// fetchResponse the response payload of an adapter fetch call
type fetchResponse struct {
	StatusCode int             `json:"status_code"`
	Result     json.RawMessage `json:"result"`
}

// AdapterClient speaks the fetch adapter request / response contract. Adapters
// are independently deployed HTTP services; one client serves them all.
type AdapterClient interface {
	Metadata(ctxt context.Context, endpoint string) (*AdapterMetadata, error)
	Fetch(
		ctxt context.Context,
		endpoint, feed string,
		params map[string]interface{},
		keys map[string]string,
	) (FetchResult, error)
}

// adapterClientImpl implements AdapterClient over HTTP
type adapterClientImpl struct {
	common.Component
	client *http.Client
}

// DefineAdapterClient create an adapter client with the given per-call timeout
func DefineAdapterClient(callTimeout time.Duration) (AdapterClient, error) {
	logTags := log.Fields{
		"module": "fetch", "component": "adapter-client",
	}
	return &adapterClientImpl{
		Component: common.Component{LogTags: logTags},
		client:    &http.Client{Timeout: callTimeout},
	}, nil
}

// call POST one adapter request and return the raw response body
func (c *adapterClientImpl) call(
	ctxt context.Context, endpoint string, request adapterRequest,
) ([]byte, error) {
	serialized, err := json.Marshal(&request)
	if err != nil {
		return nil, errors.Wrap(err, "unable to serialize adapter request")
	}
	req, err := http.NewRequestWithContext(
		ctxt, http.MethodPost, endpoint, bytes.NewReader(serialized),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to build adapter request for %s", endpoint)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "adapter call to %s failed", endpoint)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read adapter response from %s", endpoint)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf(
			"adapter %s returned HTTP %d: %s", endpoint, resp.StatusCode, string(body),
		)
	}
	return body, nil
}

// Metadata query one adapter for its metadata
func (c *adapterClientImpl) Metadata(
	ctxt context.Context, endpoint string,
) (*AdapterMetadata, error) {
	body, err := c.call(ctxt, endpoint, adapterRequest{Call: "metadata"})
	if err != nil {
		return nil, err
	}
	var metadata AdapterMetadata
	if err := json.Unmarshal(body, &metadata); err != nil {
		return nil, errors.Wrapf(err, "adapter %s returned invalid metadata", endpoint)
	}
	metadata.Endpoint = endpoint
	return &metadata, nil
}

// Fetch invoke one adapter's fetch operation
func (c *adapterClientImpl) Fetch(
	ctxt context.Context,
	endpoint, feed string,
	params map[string]interface{},
	keys map[string]string,
) (FetchResult, error) {
	body, err := c.call(ctxt, endpoint, adapterRequest{
		Call: "fetch", Channel: feed, Params: params, Keys: keys,
	})
	if err != nil {
		return nil, err
	}
	var response fetchResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, errors.Wrapf(err, "adapter %s returned invalid fetch response", endpoint)
	}
	if response.StatusCode != http.StatusOK {
		return FetchFailure{
			Status: response.StatusCode, Body: string(response.Result),
		}, nil
	}
	var items []map[string]interface{}
	if err := json.Unmarshal(response.Result, &items); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf(
			"Adapter %s fetch result for %s is not an item list", endpoint, feed,
		)
		return nil, errors.Wrapf(err, "adapter %s fetch result is not an item list", endpoint)
	}
	return FetchSuccess{Items: items}, nil
}
