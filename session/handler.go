package session

import (
	"encoding/json"
	"sync"

	"github.com/alwitt/restream/channel"
	"github.com/alwitt/restream/common"
	"github.com/alwitt/restream/subscription"
	"github.com/apex/log"
)

// connState lifecycle state of one connection
type connState int

const (
	// stateOpen connection known but open event not yet processed
	stateOpen connState = iota
	// stateActive connection acknowledged and accepting commands
	stateActive
	// stateClosed terminal; events after close are ignored
	stateClosed
)

// Handler is the session protocol state machine. It processes each
// connection's transport events in arrival order against the subscription
// registry, and emits the outbound acknowledgment, error and control events
// for the transport to deliver. ReleaseAll discards a connection's protocol
// state without a disconnect event, for connections expired by the liveness
// sweep.
type Handler interface {
	ProcessEvents(connectionID string, inbound []Event) []Event
	ReleaseAll(connectionID string) error
}

// handlerImpl implements Handler
type handlerImpl struct {
	common.Component
	registry subscription.Registry
	lock     *sync.Mutex
	states   map[string]connState
}

// DefineHandler create new session protocol handler over the registry
func DefineHandler(registry subscription.Registry) (Handler, error) {
	logTags := log.Fields{
		"module": "session", "component": "protocol-handler",
	}
	return &handlerImpl{
		Component: common.Component{LogTags: logTags},
		registry:  registry,
		lock:      &sync.Mutex{},
		states:    map[string]connState{},
	}, nil
}

// ProcessEvents run a connection's inbound events through the state machine.
// Events for one connection are serialized; a disconnect racing an in-flight
// command can not interleave registry mutations.
func (h *handlerImpl) ProcessEvents(connectionID string, inbound []Event) []Event {
	h.lock.Lock()
	defer h.lock.Unlock()

	outbound := []Event{}
	for _, event := range inbound {
		if h.states[connectionID] == stateClosed {
			log.WithFields(h.LogTags).Infof(
				"Ignoring %s event from closed connection %s", event.Type, connectionID,
			)
			continue
		}
		switch event.Type {
		case EventOpen:
			outbound = append(outbound, h.handleOpen(connectionID)...)
		case EventText:
			outbound = append(outbound, h.handleMessage(connectionID, event.Content)...)
		case EventDisconnect, EventClose:
			outbound = append(outbound, h.handleDisconnect(connectionID, event.Type)...)
		default:
			log.WithFields(h.LogTags).Infof(
				"Event type not recognized: %s", event.Type,
			)
		}
	}
	// Closed state is kept through the batch so trailing events are ignored
	if h.states[connectionID] == stateClosed {
		delete(h.states, connectionID)
	}
	return outbound
}

// handleOpen connection enters ACTIVE and is sent a ready acknowledgment
func (h *handlerImpl) handleOpen(connectionID string) []Event {
	h.states[connectionID] = stateActive
	log.WithFields(h.LogTags).Infof("Connection %s open", connectionID)
	return []Event{{Type: EventOpen}, dataEvent("ready", "")}
}

// handleMessage parse and dispatch one client command
func (h *handlerImpl) handleMessage(connectionID string, content []byte) []Event {
	if h.states[connectionID] != stateActive {
		// Transport guarantees open arrives first; tolerate a lost open frame
		log.WithFields(h.LogTags).Debugf(
			"Message from connection %s before open. Treating as active", connectionID,
		)
		h.states[connectionID] = stateActive
	}

	switch command := channel.ParseCommand(content).(type) {
	case channel.InvalidCommand:
		log.WithFields(h.LogTags).Infof(
			"Invalid command from %s: %s", connectionID, command.Reason,
		)
		return []Event{errorEvent(command.Reason)}
	case channel.SubscribeCommand:
		return h.handleSubscribe(connectionID, command)
	case channel.UnsubscribeCommand:
		return h.handleUnsubscribe(connectionID, command)
	case channel.UnsubscribeAllCommand:
		return h.handleUnsubscribeAll(connectionID)
	default:
		return []Event{errorEvent("command not recognized")}
	}
}

// handleSubscribe subscribe the connection to the requested channel. A
// duplicate subscribe is an idempotent no-op: no refcount change, no timer
// restart.
func (h *handlerImpl) handleSubscribe(
	connectionID string, command channel.SubscribeCommand,
) []Event {
	if h.registry.IsSubscribed(command.Key, connectionID) {
		log.WithFields(h.LogTags).Infof(
			"Connection %s already subscribed to %s", connectionID, command.Key,
		)
		return []Event{dataEvent("already_subscribed", command.Key)}
	}
	log.WithFields(h.LogTags).Infof("Subscribe %s to %s", connectionID, command.Key)
	outbound := []Event{dataEvent("subscribed", command.Key)}
	if control, err := ControlEvent("subscribe", string(command.Key)); err == nil {
		outbound = append(outbound, control)
	} else {
		log.WithError(err).WithFields(h.LogTags).Error("Unable to build control event")
	}
	if err := h.registry.Subscribe(
		command.Key, connectionID, command.Feed, command.Params,
	); err != nil {
		log.WithError(err).WithFields(h.LogTags).Errorf(
			"Subscribe of %s to %s failed", connectionID, command.Key,
		)
	}
	return outbound
}

// handleUnsubscribe symmetric to handleSubscribe
func (h *handlerImpl) handleUnsubscribe(
	connectionID string, command channel.UnsubscribeCommand,
) []Event {
	if !h.registry.IsSubscribed(command.Key, connectionID) {
		log.WithFields(h.LogTags).Infof(
			"Connection %s not subscribed to %s", connectionID, command.Key,
		)
		return []Event{dataEvent("not_subscribed", command.Key)}
	}
	log.WithFields(h.LogTags).Infof("Unsubscribe %s from %s", connectionID, command.Key)
	outbound := []Event{dataEvent("unsubscribed", command.Key)}
	if control, err := ControlEvent("unsubscribe", string(command.Key)); err == nil {
		outbound = append(outbound, control)
	} else {
		log.WithError(err).WithFields(h.LogTags).Error("Unable to build control event")
	}
	if err := h.registry.Unsubscribe(command.Key, connectionID); err != nil {
		log.WithError(err).WithFields(h.LogTags).Errorf(
			"Unsubscribe of %s from %s failed", connectionID, command.Key,
		)
	}
	return outbound
}

// handleUnsubscribeAll drop every channel the connection holds, keeping the
// connection itself alive
func (h *handlerImpl) handleUnsubscribeAll(connectionID string) []Event {
	outbound := []Event{}
	for _, key := range h.registry.ChannelsOf(connectionID) {
		log.WithFields(h.LogTags).Infof("Unsubscribe %s from %s", connectionID, key)
		outbound = append(outbound, dataEvent("unsubscribed", key))
		if control, err := ControlEvent("unsubscribe", string(key)); err == nil {
			outbound = append(outbound, control)
		}
		if err := h.registry.Unsubscribe(key, connectionID); err != nil {
			log.WithError(err).WithFields(h.LogTags).Errorf(
				"Unsubscribe of %s from %s failed", connectionID, key,
			)
		}
	}
	return outbound
}

// ReleaseAll discard a connection's protocol state. The liveness sweep calls
// this for expired connections, whose disconnect event was lost; registry
// subscriptions are released separately by the sweep.
func (h *handlerImpl) ReleaseAll(connectionID string) error {
	h.lock.Lock()
	defer h.lock.Unlock()
	if _, known := h.states[connectionID]; known {
		log.WithFields(h.LogTags).Infof(
			"Discarding session state of expired connection %s", connectionID,
		)
		delete(h.states, connectionID)
	}
	return nil
}

// handleDisconnect connection is closed; every subscription is released and
// the disconnect echoed back
func (h *handlerImpl) handleDisconnect(connectionID, eventType string) []Event {
	h.states[connectionID] = stateClosed
	log.WithFields(h.LogTags).Infof("Connection %s disconnected", connectionID)
	if err := h.registry.ReleaseAll(connectionID); err != nil {
		log.WithError(err).WithFields(h.LogTags).Errorf(
			"Release of connection %s failed", connectionID,
		)
	}
	return []Event{{Type: eventType}}
}

// dataEvent build a client-facing acknowledgment / data TEXT event
func dataEvent(kind string, key channel.Key) Event {
	payload := map[string]interface{}{"type": kind}
	if key != "" {
		payload["channel"] = string(key)
	}
	serialized, _ := json.Marshal(payload)
	return TextEvent(string(serialized))
}

// errorEvent build a client-facing protocol error TEXT event
func errorEvent(message string) Event {
	serialized, _ := json.Marshal(map[string]interface{}{
		"type": "error", "message": message,
	})
	return TextEvent(string(serialized))
}
