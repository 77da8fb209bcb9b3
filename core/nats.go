package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alwitt/restream/channel"
	"github.com/alwitt/restream/common"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

// NATSConnectParams NATS connection parameter
type NATSConnectParams struct {
	// ServerURI connect to NATS cluster with URI
	ServerURI string `validate:"required,uri"`
	// ConnectTimeout max time to wait for connection
	ConnectTimeout time.Duration
	// MaxReconnectAttempt on connection failure, max number of reconnect
	// attempt. "-1" means infinite
	MaxReconnectAttempt int
	// ReconnectWait wait duration between reconnect attempts
	ReconnectWait time.Duration
	// OnDisconnectCallback callback on disconnect
	OnDisconnectCallback func(*nats.Conn, error)
	// OnReconnectCallback callback on reconnect
	OnReconnectCallback func(*nats.Conn)
	// OnCloseCallback callback on close
	OnCloseCallback func(*nats.Conn)
}

// NatsClient NATS client wrapper
type NatsClient struct {
	common.Component
	nc *nats.Conn
}

// Close close the NATS client
func (c NatsClient) Close(ctxt context.Context) {
	if err := c.nc.FlushWithContext(ctxt); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("NATS flush failed")
	}
	c.nc.Close()
	log.WithFields(c.LogTags).Infof("Close NATS client")
}

// NATs fetch the NATS connection
func (c NatsClient) NATs() *nats.Conn {
	return c.nc
}

// GetNATSClient define a new NATS client
func GetNATSClient(param NATSConnectParams) (NatsClient, error) {
	logTags := log.Fields{
		"module":    "core",
		"component": "nats-backend",
		"instance":  param.ServerURI,
	}
	nc, err := nats.Connect(
		param.ServerURI,
		nats.Timeout(param.ConnectTimeout),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(param.MaxReconnectAttempt),
		nats.ReconnectWait(param.ReconnectWait),
		nats.DisconnectErrHandler(param.OnDisconnectCallback),
		nats.ReconnectHandler(param.OnReconnectCallback),
		nats.ClosedHandler(param.OnCloseCallback),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("NATS client connect failed")
		return NatsClient{}, err
	}
	log.WithFields(logTags).Info("Created NATS client")
	return NatsClient{
		Component: common.Component{LogTags: logTags},
		nc:        nc,
	}, nil
}

// ==========================================================================

// natsPublisherImpl fanout publisher mapping each channel key to a NATS
// subject; NATS performs the delivery fanout to subscribed consumers
type natsPublisherImpl struct {
	common.Component
	client NatsClient
}

// GetNATSPublisher define a fanout publisher over NATS
func GetNATSPublisher(client NatsClient) (*natsPublisherImpl, error) {
	logTags := log.Fields{
		"module": "core", "component": "nats-publisher",
	}
	return &natsPublisherImpl{
		Component: common.Component{LogTags: logTags}, client: client,
	}, nil
}

// Publish send one produced item on the channel's subject
func (p *natsPublisherImpl) Publish(
	ctxt context.Context, key channel.Key, payload map[string]interface{},
) error {
	if err := ctxt.Err(); err != nil {
		return err
	}
	content, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "unable to serialize published item")
	}
	subject := fmt.Sprintf("restream.%s", key)
	if err := p.client.NATs().Publish(subject, content); err != nil {
		log.WithError(err).WithFields(p.LogTags).Errorf("Publish on %s failed", subject)
		return errors.Wrapf(err, "publish on %s failed", subject)
	}
	log.WithFields(p.LogTags).Debugf("Published item on %s", subject)
	return nil
}
