package serve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/charmbracelet/log"
	"github.com/chatlog-io/chatlog-service/internal/chat"
	"github.com/chatlog-io/chatlog-service/internal/config"
	routeadmin "github.com/chatlog-io/chatlog-service/internal/plugin/route/admin"
	routechat "github.com/chatlog-io/chatlog-service/internal/plugin/route/chat"
	routeconversations "github.com/chatlog-io/chatlog-service/internal/plugin/route/conversations"
	routesystem "github.com/chatlog-io/chatlog-service/internal/plugin/route/system"
	storemetrics "github.com/chatlog-io/chatlog-service/internal/plugin/store/metrics"
	registrycache "github.com/chatlog-io/chatlog-service/internal/registry/cache"
	registryllm "github.com/chatlog-io/chatlog-service/internal/registry/llm"
	registrymigrate "github.com/chatlog-io/chatlog-service/internal/registry/migrate"
	registryroute "github.com/chatlog-io/chatlog-service/internal/registry/route"
	registrystore "github.com/chatlog-io/chatlog-service/internal/registry/store"
	"github.com/chatlog-io/chatlog-service/internal/security"
	"github.com/chatlog-io/chatlog-service/internal/session"
	"github.com/gin-gonic/gin"
)

// Server holds the running server and its subsystems.
type Server struct {
	Config  *config.Config
	Store   registrystore.ChatLogStore
	Service *chat.Service
	Router  *gin.Engine
	// Port is the actual main listener port (useful with port 0).
	Port int

	httpServer     *http.Server
	mgmtServer     *http.Server
	mgmtListenAddr string
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if s.mgmtServer != nil {
		errs = append(errs, s.mgmtServer.Shutdown(ctx))
	}
	if s.httpServer != nil {
		errs = append(errs, s.httpServer.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

// StartServer initializes all subsystems and starts the HTTP server.
// Use cfg.Listener.Port=0 for a random port. Actual port: Server.Port.
func StartServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	log.Info("Starting chat log service",
		"httpPort", cfg.Listener.Port,
		"db", cfg.DatastoreType,
		"cache", cfg.CacheType,
		"llm", cfg.LLMType,
	)

	// Initialize Prometheus metrics with configured constant labels.
	metricsLabels, err := security.ParseMetricsLabels(cfg.MetricsLabels)
	if err != nil {
		return nil, fmt.Errorf("invalid --metrics-labels: %w", err)
	}
	security.InitMetrics(metricsLabels)

	// Run migrations
	if err := registrymigrate.RunAll(ctx); err != nil {
		return nil, fmt.Errorf("migrations failed: %w", err)
	}

	// Initialize cache and inject into context so store loaders can read it.
	if cacheLoader, err := registrycache.Select(cfg.CacheType); err != nil {
		log.Warn("Cache not available", "cache", cfg.CacheType, "err", err)
	} else if logCache, err := cacheLoader(ctx); err != nil {
		log.Warn("Failed to initialize cache", "cache", cfg.CacheType, "err", err)
	} else {
		ctx = registrycache.WithLogCacheContext(ctx, logCache)
	}

	// Initialize store
	storeLoader, err := registrystore.Select(cfg.DatastoreType)
	if err != nil {
		return nil, err
	}
	store, err := storeLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	store = storemetrics.Wrap(store)

	// Initialize the model provider.
	llmLoader, err := registryllm.Select(cfg.LLMType)
	if err != nil {
		return nil, err
	}
	responder, err := llmLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize model provider: %w", err)
	}

	svc := chat.New(store, responder, session.NewTracker(), chat.Options{
		RetryLimit:    cfg.AppendRetryLimit,
		RetryBackoff:  cfg.AppendRetryBackoff,
		HistoryWindow: cfg.HistoryWindow,
	})

	// Set up gin
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.ManagementAccessLog {
		router.Use(security.AccessLogMiddleware())
	} else {
		router.Use(security.AccessLogMiddleware("/health", "/ready", "/metrics"))
	}
	router.Use(security.MetricsMiddleware())
	router.Use(security.AdminAuditMiddleware())
	router.Use(maxBodySizeMiddleware(cfg.MaxBodySize))
	if cfg.CORSEnabled {
		router.Use(corsMiddleware(cfg.CORSOrigins))
	}

	// Mount main route plugins on the main router.
	for _, loader := range registryroute.MainRouteLoaders() {
		if err := loader(router); err != nil {
			return nil, fmt.Errorf("failed to load routes: %w", err)
		}
	}

	// Create shared token resolver and auth middleware.
	resolver := security.NewTokenResolver(cfg)
	auth := security.AuthMiddleware(resolver)

	// Mount API routes
	routechat.MountRoutes(router, svc, auth)
	routeconversations.MountRoutes(router, svc, auth)
	routeadmin.MountRoutes(router, store, svc, auth)

	srv := &Server{Config: cfg, Store: store, Service: svc, Router: router}

	// Mount management route plugins. With a dedicated management port they
	// run on a bare gin engine on that port; otherwise on the main router.
	if cfg.ManagementListenerEnabled {
		mgmtRouter := gin.New()
		mgmtRouter.Use(gin.Recovery())
		if cfg.ManagementAccessLog {
			mgmtRouter.Use(security.AccessLogMiddleware())
		}
		for _, loader := range registryroute.ManagementRouteLoaders() {
			if err := loader(mgmtRouter); err != nil {
				return nil, fmt.Errorf("failed to load management routes: %w", err)
			}
		}
		mgmtServer, mgmtAddr, err := startListener(cfg.ManagementListener, mgmtRouter)
		if err != nil {
			return nil, fmt.Errorf("failed to start management server: %w", err)
		}
		srv.mgmtServer = mgmtServer
		srv.mgmtListenAddr = mgmtAddr
		log.Info("Management server listening", "addr", mgmtAddr)
	} else {
		for _, loader := range registryroute.ManagementRouteLoaders() {
			if err := loader(router); err != nil {
				return nil, fmt.Errorf("failed to load management routes: %w", err)
			}
		}
	}

	httpServer, addr, err := startListener(cfg.Listener, router)
	if err != nil {
		return nil, err
	}
	srv.httpServer = httpServer
	if _, portStr, err := net.SplitHostPort(addr); err == nil {
		srv.Port, _ = strconv.Atoi(portStr)
	}

	log.Info("Server listening", "port", srv.Port)

	routesystem.MarkReady()
	return srv, nil
}

// startListener binds the listener and serves handler on it in the
// background. Serve errors other than graceful close are logged, not
// propagated: they happen after startup has already succeeded.
func startListener(lc config.ListenerConfig, handler http.Handler) (*http.Server, string, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", lc.Port))
	if err != nil {
		return nil, "", fmt.Errorf("failed to listen on port %d: %w", lc.Port, err)
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: lc.ReadHeaderTimeout,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", "addr", ln.Addr().String(), "err", err)
		}
	}()
	return srv, ln.Addr().String(), nil
}
