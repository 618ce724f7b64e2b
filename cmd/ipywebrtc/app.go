package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/maartenbreddels/ipywebrtc/internal/core/catalog"
	"github.com/maartenbreddels/ipywebrtc/internal/core/codec"
	"github.com/maartenbreddels/ipywebrtc/internal/core/ports"
	"github.com/maartenbreddels/ipywebrtc/internal/core/schema"
	"github.com/maartenbreddels/ipywebrtc/internal/core/services"
	httphandlers "github.com/maartenbreddels/ipywebrtc/internal/handlers/http"
	"github.com/maartenbreddels/ipywebrtc/internal/infrastructure/middleware"
	"github.com/maartenbreddels/ipywebrtc/internal/infrastructure/monitoring"
	wstransport "github.com/maartenbreddels/ipywebrtc/internal/infrastructure/signal"
	"github.com/maartenbreddels/ipywebrtc/internal/infrastructure/storage"
	"github.com/maartenbreddels/ipywebrtc/internal/infrastructure/transport/memory"
	transportredis "github.com/maartenbreddels/ipywebrtc/internal/infrastructure/transport/redis"
	webrtcinfra "github.com/maartenbreddels/ipywebrtc/internal/infrastructure/webrtc"
	"github.com/maartenbreddels/ipywebrtc/pkg/circuitbreaker"
	"github.com/maartenbreddels/ipywebrtc/pkg/config"
	"github.com/maartenbreddels/ipywebrtc/pkg/logger"
	"github.com/maartenbreddels/ipywebrtc/pkg/retry"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	checkInterval  = 10 * time.Second
	checkTimeout   = 2 * time.Second
	connectTimeout = 15 * time.Second
)

// linkTransport is a transport that can report whether a front-end is
// attached right now.
type linkTransport interface {
	ports.Transport
	Connected() bool
}

// app holds every long-lived component of one serve process.
type app struct {
	cfg     *config.Config
	log     *zap.SugaredLogger
	started time.Time

	registry *prometheus.Registry
	metrics  *monitoring.PrometheusCollector
	health   *monitoring.HealthChecker
	store    *storage.FileStorage
	ice      *webrtcinfra.ICEDefaults
	auth     services.AuthService

	transport linkTransport
	ws        *wstransport.WebSocketTransport
	redis     *goredis.Client
	redisTr   *transportredis.Transport

	host     *services.Host
	loopback *services.Host
}

func newApp(cfg *config.Config, log *zap.SugaredLogger) (*app, error) {
	a := &app{
		cfg:      cfg,
		log:      log,
		started:  time.Now(),
		registry: prometheus.NewRegistry(),
		health:   monitoring.NewHealthChecker(),
		auth: services.NewAuthService(
			cfg.Auth.JWTSecret,
			cfg.Auth.Issuer,
			cfg.Auth.AccessTokenTTL,
			cfg.Auth.RefreshTokenTTL,
		),
	}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = monitoring.NewPrometheusCollector(a.registry)

	encoding, err := codec.ParseEncoding(cfg.Transport.Encoding)
	if err != nil {
		return nil, err
	}

	a.store, err = storage.NewFileStorage(cfg.Storage.Directory)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	a.health.AddStorageCheck(a.store.Exists, checkInterval, checkTimeout)

	a.ice, err = webrtcinfra.NewICEDefaults(cfg.WebRTC.ICEServers, log.Named("ice"))
	if err != nil {
		return nil, err
	}

	if cfg.Redis.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		a.redis, err = transportredis.NewRedisClient(ctx, transportredis.ClientConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
			Retry:    retry.DefaultConfig(),
		}, log.Named("redis"))
		cancel()
		if err != nil {
			return nil, err
		}
		a.health.AddRedisCheck(a.redis, checkInterval, checkTimeout)
	}

	if err := a.buildTransport(encoding); err != nil {
		return nil, err
	}
	a.health.AddTransportCheck(a.transport.Connected, checkInterval, checkTimeout)

	registry := schema.Builtin()
	cat := catalog.Builtin(registry)
	if err := a.ice.Install(cat); err != nil {
		return nil, err
	}
	a.host = a.newHost(a.transport, registry, cat, a.metrics, log)
	a.host.Bus().OnLinkChange(a.metrics.RecordLink)
	return a, nil
}

func (a *app) buildTransport(encoding codec.Encoding) error {
	switch a.cfg.Transport.Kind {
	case "memory":
		local, remote := memory.NewPipe(encoding)
		a.transport = local
		registry := schema.Builtin()
		a.loopback = a.newHost(remote, registry, catalog.Builtin(registry), nil, a.log.Named("loopback"))
	case "websocket":
		a.ws = wstransport.NewWebSocketTransport(wstransport.Config{
			Encoding:          encoding,
			PingInterval:      a.cfg.Transport.PingInterval,
			PongTimeout:       a.cfg.Transport.PongTimeout,
			WriteTimeout:      a.cfg.Transport.WriteTimeout,
			MaxMessageSize:    a.cfg.Transport.MaxMessageSize,
			MessagesPerSecond: a.wsRate(),
			Burst:             a.cfg.RateLimiting.WebSocket.Burst,
			AllowedOrigins:    a.cfg.Auth.AllowedOrigins,
		}, a.log.Named("websocket"))
		a.transport = a.ws
	case "redis":
		if a.redis == nil {
			return fmt.Errorf("redis transport requires redis.enabled")
		}
		a.redisTr = transportredis.NewTransport(a.redis, transportredis.Config{
			Prefix:           a.cfg.Redis.Prefix,
			Session:          a.cfg.Transport.Session,
			Side:             transportredis.SideHost,
			Encoding:         encoding,
			PresenceInterval: time.Second,
			Retry:            retry.DefaultConfig(),
			Breaker:          circuitbreaker.DefaultConfig(),
		}, a.log.Named("redis-transport"))
		a.transport = a.redisTr
	default:
		return fmt.Errorf("unknown transport kind %q", a.cfg.Transport.Kind)
	}
	return nil
}

func (a *app) wsRate() float64 {
	if !a.cfg.RateLimiting.Enabled {
		return 0
	}
	return a.cfg.RateLimiting.WebSocket.MessagesPerSecond
}

func (a *app) newHost(
	tr ports.Transport,
	registry *schema.Registry,
	cat *catalog.Catalog,
	metrics ports.SyncMetrics,
	log *zap.SugaredLogger,
) *services.Host {
	bus := services.NewSyncBus(tr, registry, log, metrics, services.BusConfig{
		QueueSize:   a.cfg.Bus.QueueSize,
		CloseGrace:  a.cfg.Bus.CloseGrace,
		SendTimeout: a.cfg.Bus.SendTimeout,
	})
	dispatcher := services.NewDispatcher(bus, log)
	media := services.NewMediaFiles(a.store, log)
	return services.NewHost(cat, bus, dispatcher, media, log, services.HostConfig{
		PendingTimeout: a.cfg.Bus.PendingTimeout,
	})
}

// start brings the transport and hosts up. The redis transport must be
// subscribed before the bus starts reading from it.
func (a *app) start(ctx context.Context) error {
	if a.redisTr != nil {
		if err := a.redisTr.Start(ctx); err != nil {
			return fmt.Errorf("redis transport: %w", err)
		}
	}
	a.host.Start(ctx)
	if a.loopback != nil {
		a.loopback.Start(ctx)
	}
	a.health.StartBackgroundChecks(ctx)
	return nil
}

// stop tears hosts down first so close messages can still reach the
// front-end, then closes the transport and the redis client.
func (a *app) stop(ctx context.Context) {
	if err := a.host.Shutdown(ctx); err != nil {
		a.log.Errorw("host shutdown incomplete", "error", err)
	}
	if a.loopback != nil {
		if err := a.loopback.Shutdown(ctx); err != nil {
			a.log.Errorw("loopback shutdown incomplete", "error", err)
		}
	}
	if err := a.transport.Close(); err != nil {
		a.log.Errorw("error closing transport", "error", err)
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Errorw("error closing redis client", "error", err)
		}
	}
}

// guards returns the middleware chains for read, write and front-end
// routes. With auth disabled every chain is a passthrough.
func (a *app) guards() (authn, read, write, frontend gin.HandlerFunc) {
	if !a.cfg.Auth.Enabled {
		pass := middleware.Passthrough()
		return pass, pass, pass, pass
	}
	return middleware.AuthMiddleware(a.auth),
		middleware.RequireRole(a.auth, services.RoleViewer),
		middleware.RequireRole(a.auth, services.RoleController),
		middleware.RequireRole(a.auth, services.RoleFrontend)
}

func (a *app) router() *gin.Engine {
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(a.log))
	router.Use(middleware.ErrorHandlerMiddleware(a.log))
	router.Use(middleware.TracingMiddleware())
	router.Use(middleware.RequestLoggingMiddleware(logger.NewContextLogger(a.log.Desugar().Named("http"))))
	router.Use(middleware.NewHTTPRateLimitMiddleware(a.cfg))

	authn, read, write, frontend := a.guards()

	api := router.Group("/api/v1")
	httphandlers.NewAuthHandler(a.auth, a.cfg.Auth.AccessTokenTTL).SetupRoutes(api, authn, write)

	protected := api.Group("")
	protected.Use(authn)
	httphandlers.NewEntityHandler(a.host).SetupRoutes(protected, read, write)
	protected.GET("/ice-servers", read, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"iceServers": a.ice.Servers()})
	})

	if a.ws != nil {
		router.GET("/ws", authn, frontend, gin.WrapF(a.ws.HandleWebSocket))
		router.GET("/ws/health", gin.WrapF(a.ws.HealthCheck))
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now(),
			"uptime":    time.Since(a.started).String(),
			"entities":  len(a.host.List()),
			"connected": a.transport.Connected(),
		})
	})

	router.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), checkTimeout)
		defer cancel()

		status := a.health.CheckAll(ctx)
		code := http.StatusOK
		if status.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})

	if a.cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})))
	}
	return router
}
