package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/alwitt/restream/channel"
	"github.com/alwitt/restream/common"
	"github.com/apex/log"
	"github.com/pkg/errors"
)

// GRIPPublishParams GRIP proxy control endpoint parameters
type GRIPPublishParams struct {
	// ControlURI base URI of the proxy's publish control endpoint
	ControlURI string `validate:"required,uri"`
	// PublishTimeout max duration of one publish call
	PublishTimeout time.Duration
}

// gripPublisherImpl pushes produced items to a GRIP proxy, which fans each
// item out to every connection subscribed to the channel's topic. The proxy
// owns the subscriber list; this process never sees it.
type gripPublisherImpl struct {
	common.Component
	controlURI string
	client     *http.Client
}

// GetGRIPPublisher define a fanout publisher targeting a GRIP proxy
func GetGRIPPublisher(params GRIPPublishParams) (*gripPublisherImpl, error) {
	logTags := log.Fields{
		"module": "core", "component": "grip-publisher", "instance": params.ControlURI,
	}
	return &gripPublisherImpl{
		Component:  common.Component{LogTags: logTags},
		controlURI: params.ControlURI,
		client:     &http.Client{Timeout: params.PublishTimeout},
	}, nil
}

// gripPublishItem one item of a GRIP publish call, in ws-message format
type gripPublishItem struct {
	Channel string                       `json:"channel"`
	Formats map[string]map[string]string `json:"formats"`
}

// Publish POST one produced item to the proxy's publish endpoint
func (p *gripPublisherImpl) Publish(
	ctxt context.Context, key channel.Key, payload map[string]interface{},
) error {
	content, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "unable to serialize published item")
	}
	body, err := json.Marshal(map[string]interface{}{
		"items": []gripPublishItem{{
			Channel: string(key),
			Formats: map[string]map[string]string{
				"ws-message": {"content": string(content)},
			},
		}},
	})
	if err != nil {
		return errors.Wrap(err, "unable to serialize publish request")
	}
	endpoint := fmt.Sprintf("%s/publish/", p.controlURI)
	req, err := http.NewRequestWithContext(
		ctxt, http.MethodPost, endpoint, bytes.NewReader(body),
	)
	if err != nil {
		return errors.Wrapf(err, "unable to build publish request for %s", endpoint)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		log.WithError(err).WithFields(p.LogTags).Errorf("Publish to %s failed", key)
		return errors.Wrapf(err, "publish to %s failed", key)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= http.StatusMultipleChoices {
		raw, _ := io.ReadAll(resp.Body)
		log.WithFields(p.LogTags).Errorf(
			"Publish to %s returned HTTP %d: %s", key, resp.StatusCode, string(raw),
		)
		return fmt.Errorf("publish to %s returned HTTP %d", key, resp.StatusCode)
	}
	log.WithFields(p.LogTags).Debugf("Published item on %s", key)
	return nil
}
