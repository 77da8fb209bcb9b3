package core

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/alwitt/restream/channel"
	"github.com/alwitt/restream/common"
	"github.com/alwitt/restream/session"
	"github.com/apex/log"
)

// WebsocketHub is the in-process fanout transport for standalone deployments
// where no GRIP proxy fronts the server. It owns topic membership and
// per-connection outbound queues; the session core still only emits events
// and publishes to topics, never to individual connections.
type WebsocketHub struct {
	common.Component
	lock        *sync.RWMutex
	sendQueues  map[string]chan []byte
	topics      map[channel.Key]map[string]bool
	queueLength int
}

// GetWebsocketHub define a websocket hub with the given per-connection
// outbound queue length
func GetWebsocketHub(queueLength int) (*WebsocketHub, error) {
	logTags := log.Fields{
		"module": "core", "component": "websocket-hub",
	}
	return &WebsocketHub{
		Component:   common.Component{LogTags: logTags},
		lock:        &sync.RWMutex{},
		sendQueues:  map[string]chan []byte{},
		topics:      map[channel.Key]map[string]bool{},
		queueLength: queueLength,
	}, nil
}

// Register add a connection and return its outbound queue. The queue is
// closed on Deregister.
func (h *WebsocketHub) Register(connectionID string) <-chan []byte {
	h.lock.Lock()
	defer h.lock.Unlock()
	queue := make(chan []byte, h.queueLength)
	h.sendQueues[connectionID] = queue
	log.WithFields(h.LogTags).Infof("Registered connection %s", connectionID)
	return queue
}

// Deregister drop a connection from every topic and close its queue
func (h *WebsocketHub) Deregister(connectionID string) {
	h.lock.Lock()
	defer h.lock.Unlock()
	for key, members := range h.topics {
		delete(members, connectionID)
		if len(members) == 0 {
			delete(h.topics, key)
		}
	}
	if queue, ok := h.sendQueues[connectionID]; ok {
		close(queue)
		delete(h.sendQueues, connectionID)
	}
	log.WithFields(h.LogTags).Infof("Deregistered connection %s", connectionID)
}

// ApplyOutbound interpret the protocol handler's outbound events for one
// connection: control instructions mutate topic membership, data events are
// queued to the connection, and a disconnect echo requests socket close.
// Returns whether the socket should be closed.
func (h *WebsocketHub) ApplyOutbound(connectionID string, events []session.Event) bool {
	shouldClose := false
	for _, event := range events {
		if operation, topic, ok := session.ParseControl(event); ok {
			switch operation {
			case "subscribe":
				h.addToTopic(channel.Key(topic), connectionID)
			case "unsubscribe":
				h.removeFromTopic(channel.Key(topic), connectionID)
			default:
				log.WithFields(h.LogTags).Infof(
					"Control operation not recognized: %s", operation,
				)
			}
			continue
		}
		switch event.Type {
		case session.EventText:
			h.send(connectionID, event.Content)
		case session.EventDisconnect, session.EventClose:
			shouldClose = true
		}
	}
	return shouldClose
}

// addToTopic add a connection to a topic's member set
func (h *WebsocketHub) addToTopic(key channel.Key, connectionID string) {
	h.lock.Lock()
	defer h.lock.Unlock()
	members := h.topics[key]
	if members == nil {
		members = map[string]bool{}
		h.topics[key] = members
	}
	members[connectionID] = true
}

// removeFromTopic drop a connection from a topic's member set
func (h *WebsocketHub) removeFromTopic(key channel.Key, connectionID string) {
	h.lock.Lock()
	defer h.lock.Unlock()
	if members := h.topics[key]; members != nil {
		delete(members, connectionID)
		if len(members) == 0 {
			delete(h.topics, key)
		}
	}
}

// send queue a message to one connection, dropping it if the queue is full
func (h *WebsocketHub) send(connectionID string, message []byte) {
	h.lock.RLock()
	defer h.lock.RUnlock()
	queue, ok := h.sendQueues[connectionID]
	if !ok {
		return
	}
	select {
	case queue <- message:
	default:
		log.WithFields(h.LogTags).Warnf(
			"Outbound queue of %s full. Dropping message", connectionID,
		)
	}
}

// Publish fan one produced item out to every member of the channel's topic.
// Slow consumers are dropped rather than allowed to stall a poll tick.
func (h *WebsocketHub) Publish(
	ctxt context.Context, key channel.Key, payload map[string]interface{},
) error {
	if err := ctxt.Err(); err != nil {
		return err
	}
	content, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	h.lock.RLock()
	members := make([]string, 0, len(h.topics[key]))
	for connectionID := range h.topics[key] {
		members = append(members, connectionID)
	}
	h.lock.RUnlock()
	for _, connectionID := range members {
		h.send(connectionID, content)
	}
	log.WithFields(h.LogTags).Debugf(
		"Published item on %s to %d connections", key, len(members),
	)
	return nil
}
