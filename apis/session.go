package apis

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/alwitt/goutils"
	"github.com/alwitt/restream/common"
	"github.com/alwitt/restream/fetch"
	"github.com/alwitt/restream/session"
	"github.com/alwitt/restream/subscription"
	"github.com/apex/log"
)

// connectionIDHeader is set by the GRIP proxy on every websocket-events request
const connectionIDHeader = "Connection-Id"

// ReadinessCheck probes whether the server's collaborators are usable
type ReadinessCheck func() error

// APIRestSessionHandler REST handler for the GRIP session endpoint and the
// adapter info endpoint
type APIRestSessionHandler struct {
	goutils.RestAPIHandler
	sessions  session.Handler
	registry  subscription.Registry
	adapters  fetch.AdapterRegistry
	readiness ReadinessCheck
}

// GetAPIRestSessionHandler define APIRestSessionHandler
func GetAPIRestSessionHandler(
	httpConfig *common.HTTPConfig,
	sessions session.Handler,
	registry subscription.Registry,
	adapters fetch.AdapterRegistry,
	readiness ReadinessCheck,
) (APIRestSessionHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "session",
	}
	return APIRestSessionHandler{
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
		sessions:  sessions,
		registry:  registry,
		adapters:  adapters,
		readiness: readiness,
	}, nil
}

// =======================================================================
// Session events

// SessionEvents godoc
// @Summary Process proxied websocket session events
// @Description Accepts websocket-events frames relayed by the GRIP proxy for
// one client connection, runs them through the session protocol handler, and
// returns the outbound frames
// @tags Session
// @Accept plain
// @Produce plain
// @Param Connection-Id header string true "Proxy assigned connection ID"
// @Success 200 {string} string "websocket-events"
// @Failure 400 {string} string "error"
// @Router /channels [post]
func (h APIRestSessionHandler) SessionEvents(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())

	connectionID := r.Header.Get(connectionIDHeader)
	if connectionID == "" {
		log.WithFields(localLogTags).Error("Request missing connection ID header")
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Unable to read request body")
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	inbound, err := session.DecodeWebSocketEvents(body)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Malformed websocket-events body")
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if len(inbound) == 0 {
		w.WriteHeader(http.StatusOK)
		return
	}

	// Any inbound event counts as connection activity
	h.registry.Touch(connectionID)
	outbound := h.sessions.ProcessEvents(connectionID, inbound)

	w.Header().Set("Sec-WebSocket-Extensions", "grip")
	w.Header().Set("Content-Type", "application/websocket-events")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(session.EncodeWebSocketEvents(outbound)); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to write response")
	}
}

// SessionEventsHandler Wrapper around SessionEvents
func (h APIRestSessionHandler) SessionEventsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.SessionEvents(w, r)
	}
}

// =======================================================================
// Adapter info

// Info godoc
// @Summary Read the adapter metadata snapshot
// @Description Returns the currently loaded fetch adapter metadata per feed
// @tags Session
// @Produce json
// @Success 200 {object} map[string]fetch.AdapterMetadata "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /info [get]
func (h APIRestSessionHandler) Info(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	snapshot := h.adapters.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(snapshot); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to write adapter info")
	}
}

// InfoHandler Wrapper around Info
func (h APIRestSessionHandler) InfoHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Info(w, r)
	}
}

// =======================================================================
// Health Checks

// Alive godoc
// @Summary For session REST API liveness check
// @Description Will return success to indicate session REST API module is live
// @tags Session
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /alive [get]
func (h APIRestSessionHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestSessionHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// Ready godoc
// @Summary For session REST API readiness check
// @Description Will return success if the server's collaborators are usable
// @tags Session
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /ready [get]
func (h APIRestSessionHandler) Ready(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if err := h.readiness(); err != nil {
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(
			r.Context(), http.StatusInternalServerError, "not ready", err.Error(),
		)
	} else {
		respCode = http.StatusOK
		respBody = h.GetStdRESTSuccessMsg(r.Context())
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestSessionHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
