package apis

import (
	"net/http"

	"github.com/alwitt/goutils"
	"github.com/alwitt/restream/common"
	"github.com/alwitt/restream/core"
	"github.com/alwitt/restream/session"
	"github.com/alwitt/restream/subscription"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// APIWebsocketHandler serves direct websocket clients in standalone mode. The
// socket lifecycle is translated into the same session events the GRIP
// endpoint receives, and the in-process hub performs the topic fanout.
type APIWebsocketHandler struct {
	goutils.RestAPIHandler
	sessions session.Handler
	registry subscription.Registry
	hub      *core.WebsocketHub
	upgrader websocket.Upgrader
}

// GetAPIWebsocketHandler define APIWebsocketHandler
func GetAPIWebsocketHandler(
	httpConfig *common.HTTPConfig,
	sessions session.Handler,
	registry subscription.Registry,
	hub *core.WebsocketHub,
) (APIWebsocketHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "websocket",
	}
	return APIWebsocketHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		},
		sessions: sessions,
		registry: registry,
		hub:      hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}, nil
}

// ServeWebsocket godoc
// @Summary Serve one direct websocket client
// @Description Upgrades the request and bridges the socket into the session
// protocol handler with the in-process hub as fanout transport
// @tags Session
// @Router /ws [get]
func (h APIWebsocketHandler) ServeWebsocket(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Websocket upgrade failed")
		return
	}
	connectionID := uuid.New().String()
	queue := h.hub.Register(connectionID)

	// Outbound pump
	go func() {
		for message := range queue {
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.WithError(err).WithFields(localLogTags).Errorf(
					"Write to connection %s failed", connectionID,
				)
				return
			}
		}
	}()

	// The upgrade is this transport's open event
	h.registry.Touch(connectionID)
	outbound := h.sessions.ProcessEvents(
		connectionID, []session.Event{{Type: session.EventOpen}},
	)
	h.hub.ApplyOutbound(connectionID, outbound)

	for {
		_, content, err := conn.ReadMessage()
		if err != nil {
			log.WithFields(localLogTags).Infof(
				"Connection %s closed: %s", connectionID, err,
			)
			break
		}
		h.registry.Touch(connectionID)
		outbound := h.sessions.ProcessEvents(
			connectionID, []session.Event{{Type: session.EventText, Content: content}},
		)
		if h.hub.ApplyOutbound(connectionID, outbound) {
			break
		}
	}

	outbound = h.sessions.ProcessEvents(
		connectionID, []session.Event{{Type: session.EventDisconnect}},
	)
	h.hub.ApplyOutbound(connectionID, outbound)
	h.hub.Deregister(connectionID)
	_ = conn.Close()
}

// ServeWebsocketHandler Wrapper around ServeWebsocket
func (h APIWebsocketHandler) ServeWebsocketHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ServeWebsocket(w, r)
	}
}
