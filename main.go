package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/panjf2000/ants/v2"

	"anistream-proxy/work/buffer"
	"anistream-proxy/work/cache"
	"anistream-proxy/work/client"
	"anistream-proxy/work/config"
	"anistream-proxy/work/handlers"
	"anistream-proxy/work/logger"
	"anistream-proxy/work/metadata"
	"anistream-proxy/work/middleware"
	"anistream-proxy/work/proxy"
	"anistream-proxy/work/resolver"
)

var (
	Version = "v0.1.0" // default version
)

func main() {

	// load our config
	cfg := config.LoadConfig()

	// set up logging
	logger.SetLogLevel(cfg.LogLevel)

	// initialize the relay buffer pool
	bufferPool := buffer.NewPool()

	// initialize the shared HTTP client
	httpClient := client.NewHeaderSettingClient(cfg)

	// initialize the prefetch worker pool
	workerPool, err := ants.NewPool(cfg.WorkerThreads, ants.WithPreAlloc(true))
	if err != nil {
		logger.Error("{main} failed to create worker pool: %v", err)
		os.Exit(1)
	}
	defer workerPool.Release()

	// initialize the caches
	memo := cache.NewMemo(cfg.CacheEnabled)
	bundles := cache.NewBundleCache(cfg.SourceCacheTTL)
	defer bundles.Close()

	// wire the pipeline
	metaProvider := metadata.NewProvider(cfg, httpClient, memo)
	resolverInstance := resolver.New(cfg, httpClient, memo, bundles, metaProvider, workerPool)
	proxyInstance := proxy.New(cfg, httpClient, bufferPool)

	// setup HTTP routes
	router := mux.NewRouter()
	handlerSet := handlers.New(cfg, resolverInstance, proxyInstance)
	handlerSet.SetupRoutes(router)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.ListenPort),
		Handler:      middleware.Limit(cfg.MaxConnectionsToApp, router),
		ReadTimeout:  30 * time.Second,
		// no write timeout: the relay holds connections open for as long
		// as the player keeps consuming
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		logger.Info("{main} anistream-proxy %s listening on %s", Version, server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("{main} server error: %v", err)
			os.Exit(1)
		}
	}()

	// block until shutdown is requested, then drain
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("{main} shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("{main} shutdown: %v", err)
	}
}
