package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/restream/apis"
	"github.com/alwitt/restream/cache"
	"github.com/alwitt/restream/channel"
	"github.com/alwitt/restream/common"
	"github.com/alwitt/restream/core"
	"github.com/alwitt/restream/detect"
	"github.com/alwitt/restream/fetch"
	"github.com/alwitt/restream/session"
	"github.com/alwitt/restream/subscription"
	"github.com/apex/log"
	"github.com/gorilla/mux"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// bootRefreshAttempts max adapter metadata load attempts before startup fails
const bootRefreshAttempts = 5

// RunServer run the restream server
func RunServer(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	natsClient *core.NatsClient,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "server",
		"instance":  instance,
	}

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	// -------------------------------------------------------------------
	// Item cache

	var itemCache cache.ItemCache
	var err error
	switch config.Cache.Backend {
	case "badger":
		itemCache, err = cache.DefineBadgerItemCache(config.Cache.BadgerDir)
	default:
		itemCache, err = cache.DefineMemoryItemCache(
			time.Minute * time.Duration(config.Cache.RetentionMinutes),
		)
	}
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define item cache")
		return err
	}
	defer func() { _ = itemCache.Close() }()

	// -------------------------------------------------------------------
	// Fetch adapters and credentials

	adapterClient, err := fetch.DefineAdapterClient(
		time.Second * time.Duration(config.Adapters.RequestTimeout),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define adapter client")
		return err
	}
	adapters, err := fetch.DefineAdapterRegistry(
		adapterClient,
		config.Adapters.Endpoints,
		time.Second*time.Duration(config.Adapters.RefreshIntervalSec),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define adapter registry")
		return err
	}
	// Unreachable adapters at boot are a fatal startup failure
	if err := adapters.RefreshWithRetry(localCtxt, bootRefreshAttempts); err != nil {
		log.WithError(err).WithFields(logTags).Error("Initial adapter metadata load failed")
		return err
	}
	credentials, err := fetch.DefineFileCredentialStore(config.Credentials.KeysFile)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define credential store")
		return err
	}

	// -------------------------------------------------------------------
	// Fanout publisher

	var publisher subscription.Publisher
	var hub *core.WebsocketHub
	switch config.Publisher.Backend {
	case "grip":
		if config.Publisher.GRIP == nil {
			return fmt.Errorf("grip publisher selected without grip configurations")
		}
		publisher, err = core.GetGRIPPublisher(core.GRIPPublishParams{
			ControlURI: config.Publisher.GRIP.ControlURI,
			PublishTimeout: time.Second * time.Duration(
				config.Publisher.GRIP.PublishTimeout,
			),
		})
	case "nats":
		if natsClient == nil {
			return fmt.Errorf("nats publisher selected without a NATS client")
		}
		publisher, err = core.GetNATSPublisher(*natsClient)
	case "hub":
		hub, err = core.GetWebsocketHub(64)
		publisher = hub
	}
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define fanout publisher")
		return err
	}

	// -------------------------------------------------------------------
	// Core engine

	detector, err := detect.DefineChangeDetector(detect.NewStructuralDiffer())
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define change detector")
		return err
	}

	buildPollHandler := func(spec channel.Spec) (common.TimeoutHandler, error) {
		poller, err := subscription.DefineChannelPoller(
			localCtxt, spec, adapters, credentials, adapterClient,
			itemCache, detector, publisher,
		)
		if err != nil {
			return nil, err
		}
		return poller.PollOnce, nil
	}
	registry, err := subscription.DefineRegistry(
		localCtxt, wg, adapters, buildPollHandler,
		time.Second*time.Duration(config.Adapters.DefaultPollInterval),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define subscription registry")
		return err
	}

	sessions, err := session.DefineHandler(registry)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define session handler")
		return err
	}

	// Expiry must also discard the handler's per-connection protocol state
	liveness, err := subscription.DefineLivenessTracker(
		localCtxt, wg, registry,
		time.Second*time.Duration(config.Session.Liveness.TTL),
		time.Second*time.Duration(config.Session.Liveness.SweepInterval),
		sessions,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define liveness tracker")
		return err
	}
	if err := liveness.Start(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start liveness tracker")
		return err
	}

	// Periodic wholesale metadata and credential reload
	refreshTimer, err := common.GetIntervalTimerInstance(
		"metadata-refresh", localCtxt, wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define refresh timer")
		return err
	}
	if err := refreshTimer.Start(
		time.Second*time.Duration(config.Adapters.RefreshIntervalSec),
		func() error {
			if err := credentials.Reload(); err != nil {
				log.WithError(err).WithFields(logTags).Warn("Credential reload failed")
			}
			return adapters.Refresh(localCtxt, false)
		},
		false,
	); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start refresh timer")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	readiness := func() error {
		if len(adapters.Snapshot()) == 0 {
			return fmt.Errorf("no adapter metadata loaded")
		}
		return nil
	}
	httpHandler, err := apis.GetAPIRestSessionHandler(
		&config.Session.HTTPSetting, sessions, registry, adapters, readiness,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
		return err
	}

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(
		router, config.Session.Endpoints.PathPrefix, nil,
	)

	// Session events relayed by the GRIP proxy
	_ = apis.RegisterPathPrefix(mainRouter, "/channels", map[string]http.HandlerFunc{
		"post": httpHandler.SessionEventsHandler(),
	})

	// Adapter metadata info
	_ = apis.RegisterPathPrefix(mainRouter, "/info", map[string]http.HandlerFunc{
		"get": httpHandler.InfoHandler(),
	})

	// Direct websocket clients, standalone mode only
	if hub != nil {
		wsHandler, err := apis.GetAPIWebsocketHandler(
			&config.Session.HTTPSetting, sessions, registry, hub,
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define websocket handler")
			return err
		}
		_ = apis.RegisterPathPrefix(mainRouter, "/ws", map[string]http.HandlerFunc{
			"get": wsHandler.ServeWebsocketHandler(),
		})
	}

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/alive", map[string]http.HandlerFunc{
		"get": httpHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/ready", map[string]http.HandlerFunc{
		"get": httpHandler.ReadyHandler(),
	})

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return httpHandler.LoggingMiddleware(next.ServeHTTP)
	})

	serverListen := fmt.Sprintf(
		"%s:%d",
		config.Session.HTTPSetting.Server.ListenOn,
		config.Session.HTTPSetting.Server.Port,
	)
	httpSrv := &http.Server{
		Addr:         serverListen,
		ReadTimeout:  time.Second * time.Duration(config.Session.HTTPSetting.Server.ReadTimeout),
		WriteTimeout: time.Second * time.Duration(config.Session.HTTPSetting.Server.WriteTimeout),
		IdleTimeout:  time.Second * time.Duration(config.Session.HTTPSetting.Server.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runTimeContext.Done()

	_ = liveness.Stop()
	_ = refreshTimer.Stop()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}
