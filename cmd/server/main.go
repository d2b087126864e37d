package main

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/routina/offline-gateway/internal/cachestore"
	"github.com/routina/offline-gateway/internal/client"
	"github.com/routina/offline-gateway/internal/config"
	"github.com/routina/offline-gateway/internal/errors"
	"github.com/routina/offline-gateway/internal/logger"
	"github.com/routina/offline-gateway/internal/metrics"
	"github.com/routina/offline-gateway/internal/push"
	"github.com/routina/offline-gateway/internal/pushserver"
	"github.com/routina/offline-gateway/internal/routing"
	"github.com/routina/offline-gateway/internal/storage/pg"
	"github.com/routina/offline-gateway/internal/strategy"
	"github.com/routina/offline-gateway/internal/subscription"
	"github.com/routina/offline-gateway/internal/worker"
)

// workerLifetime defers the lifetime binding so the router can be built before
// the worker that owns it.
type workerLifetime struct {
	worker *worker.Worker
}

func (l *workerLifetime) WaitUntil(fn func()) {
	if l.worker == nil {
		strategy.Detached{}.WaitUntil(fn)
		return
	}
	l.worker.WaitUntil(fn)
}

// workerRegistrar lets the subscription manager await worker readiness without
// re-running a startup that already happened.
type workerRegistrar struct {
	worker *worker.Worker
}

func (r workerRegistrar) Startup(ctx context.Context) error {
	if r.worker.State() == worker.StateActivated {
		return nil
	}
	return r.worker.Startup(ctx)
}

func main() {
	config.LoadConfig()
	cfg := config.AppConfig

	log := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat))

	log.Info("setting gin mode", slog.String("mode", cfg.GinMode))
	gin.SetMode(cfg.GinMode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Named cache stores.
	stores, err := cachestore.NewManager(cachestore.Options{
		Dir:      cfg.CacheDir,
		InMemory: cfg.CacheInMemory,
	}, log)
	if err != nil {
		log.Error("failed to open cache stores", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Window hub: notification surface, window registry and control channel.
	hub := client.NewHub(log)
	pushHandler := push.NewHandler(hub, hub, push.Defaults{}, log)

	fetcher, err := routing.NewUpstreamFetcher(cfg.UpstreamURL, time.Duration(cfg.NetworkTimeoutSeconds)*time.Second)
	if err != nil {
		log.Error("invalid upstream URL", slog.String("error", err.Error()))
		os.Exit(1)
	}

	lifetime := &workerLifetime{}
	rtr, err := routing.NewRouter(routing.Options{
		Rules:               cfg.RouteRules,
		CacheVersion:        cfg.CacheVersion,
		StaticAssets:        cfg.AppShellAssets,
		OfflineFallbackPath: cfg.OfflineFallbackPath,
		NetworkTimeout:      time.Duration(cfg.NetworkTimeoutSeconds) * time.Second,
	}, stores, fetcher, lifetime, log)
	if err != nil {
		log.Error("failed to build request router", slog.String("error", err.Error()))
		os.Exit(1)
	}

	wk := worker.New(stores, rtr, pushHandler, hub, fetcher, worker.Options{
		ShellAssets:     cfg.AppShellAssets,
		AutoActivate:    true,
		ShutdownTimeout: time.Duration(cfg.ServerShutdownTimeoutSeconds) * time.Second,
	}, log)
	lifetime.worker = wk
	hub.SetEventSink(wk)

	go wk.Run(ctx)

	if err := wk.Startup(ctx); err != nil {
		log.Error("worker startup failed, is the upstream reachable?",
			slog.String("upstream", cfg.UpstreamURL),
			slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Initialize Gin router
	router := gin.Default()

	// Request ID + request logging middleware
	router.Use(logger.RequestLoggingMiddleware(log))

	// Add CORS middleware
	router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", cfg.CORSAllowedOrigins)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"worker": wk.State().String(),
		})
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	router.GET("/ws", hub.ServeWS)

	// Push server API, when a database is configured.
	var db *pg.Database
	if cfg.PushEnabled && cfg.DatabaseURL != "" {
		db, err = pg.InitDatabase(cfg.DatabaseURL)
		if err != nil {
			log.Error("failed to initialize database", slog.String("error", err.Error()))
			os.Exit(1)
		}

		pushService, err := pushserver.NewService(pushserver.NewPGStore(db.DB), pushserver.Options{
			Enabled:         cfg.PushEnabled,
			VAPIDPublicKey:  cfg.VAPIDPublicKey,
			VAPIDPrivateKey: cfg.VAPIDPrivateKey,
			Subject:         cfg.VAPIDSubject,
		}, log)
		if err != nil {
			log.Error("failed to initialize push service", slog.String("error", err.Error()))
			os.Exit(1)
		}

		pushAPI := pushserver.NewHandler(pushService, log)
		// Deliver sent notifications straight to connected windows; the push
		// round trip only matters for clients that are not connected.
		pushAPI.OnSent(func(payload []byte) {
			wk.Dispatch(worker.Event{Type: worker.EventPush, Body: payload})
		})
		pushAPI.RegisterRoutes(router)
	} else {
		log.Warn("push API disabled",
			slog.Bool("push_enabled", cfg.PushEnabled),
			slog.Bool("database_configured", cfg.DatabaseURL != ""))
	}

	// Subscription manager, pointed at our own push API.
	platform := subscription.NewLocalPlatform("https://push.routina.app", nil)
	subService := subscription.NewService(subscription.Options{
		ServerURL: "http://127.0.0.1:" + cfg.Port,
		Device: subscription.DeviceInfo{
			UserAgent: "routina-gateway",
			Platform:  runtime.GOOS,
		},
		Grace: time.Duration(cfg.PollingGraceSeconds) * time.Second,
	}, platform, workerRegistrar{worker: wk}, func(ctx context.Context, payload []byte) {
		wk.Dispatch(worker.Event{Type: worker.EventPush, Body: payload})
	}, log)

	registerClientRoutes(router, subService, hub)

	// Everything else flows through the caching layer.
	router.NoRoute(func(c *gin.Context) {
		resp, err := wk.HandleFetch(c.Request.Context(), c.Request)
		if err != nil {
			errors.Internal(c, "upstream unreachable", map[string]interface{}{
				"error": err.Error(),
			})
			return
		}
		writeResponse(c, resp)
	})

	addr := ":" + cfg.Port
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Error("failed to listen", slog.String("addr", addr), slog.String("error", err.Error()))
		os.Exit(1)
	}

	srv := &http.Server{Handler: router}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error("server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	log.Info("offline gateway listening",
		slog.String("addr", addr),
		slog.String("upstream", cfg.UpstreamURL),
		slog.String("cache_version", cfg.CacheVersion))

	// The listener is accepting, so the capability probe against ourselves can run.
	if subService.Initialize(ctx) {
		if err := subService.StartPolling(cfg.PollingSchedule); err != nil {
			log.Warn("polling fallback not started", slog.String("error", err.Error()))
		}
	} else {
		log.Info("push subscriptions unavailable, running cache-only")
	}

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down gateway")

	subService.StopPolling()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.ServerShutdownTimeoutSeconds)*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", slog.String("error", err.Error()))
	}

	if err := wk.Shutdown(); err != nil {
		log.Warn("worker shutdown incomplete", slog.String("error", err.Error()))
	}

	cancel()

	if err := stores.Close(); err != nil {
		log.Warn("failed to close cache stores", slog.String("error", err.Error()))
	}
	if db != nil {
		db.DB.Close()
	}

	log.Info("gateway exited")
}

// registerClientRoutes exposes the subscription manager to the application UI.
func registerClientRoutes(router gin.IRouter, svc *subscription.Service, hub *client.Hub) {
	api := router.Group("/api/client")

	api.GET("/state", func(c *gin.Context) {
		state := gin.H{"state": svc.State()}
		if sub, ok := svc.Subscription(); ok {
			state["subscription"] = sub
		}
		c.JSON(http.StatusOK, state)
	})

	api.POST("/permission", func(c *gin.Context) {
		granted := svc.RequestPermission(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{"granted": granted, "state": svc.State()})
	})

	api.POST("/subscribe", func(c *gin.Context) {
		if !svc.Subscribe(c.Request.Context()) {
			c.JSON(http.StatusOK, gin.H{"subscribed": false, "state": svc.State()})
			return
		}
		sub, _ := svc.Subscription()
		hub.NotifySubscriptionUpdated(sub)
		c.JSON(http.StatusOK, gin.H{"subscribed": true, "state": svc.State(), "subscription": sub})
	})

	api.POST("/unsubscribe", func(c *gin.Context) {
		ok := svc.Unsubscribe(c.Request.Context())
		if ok {
			hub.NotifySubscriptionUpdated(nil)
		}
		c.JSON(http.StatusOK, gin.H{"unsubscribed": ok, "state": svc.State()})
	})
}

// writeResponse copies a resolved response onto the gin writer.
func writeResponse(c *gin.Context, resp *http.Response) {
	defer resp.Body.Close()

	header := c.Writer.Header()
	for key, values := range resp.Header {
		for _, value := range values {
			header.Add(key, value)
		}
	}

	status := resp.StatusCode
	if status == 0 {
		// Opaque cached entry; the body is served but the true status is unknown.
		status = http.StatusOK
	}
	c.Status(status)

	// A copy error here means the client went away mid-body.
	io.Copy(c.Writer, resp.Body) //nolint:errcheck
}
