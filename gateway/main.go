package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sugardevspace/sugar-grok/gateway/handlers"
	"github.com/sugardevspace/sugar-grok/gateway/middleware"
	"github.com/sugardevspace/sugar-grok/internal/config"
	"github.com/sugardevspace/sugar-grok/internal/dispatcher"
	"github.com/sugardevspace/sugar-grok/internal/failover"
	"github.com/sugardevspace/sugar-grok/internal/health"
	"github.com/sugardevspace/sugar-grok/internal/keymanager"
	"github.com/sugardevspace/sugar-grok/internal/metricssink"
	"github.com/sugardevspace/sugar-grok/internal/obsmetrics"
	"github.com/sugardevspace/sugar-grok/internal/opsfeed"
	"github.com/sugardevspace/sugar-grok/internal/provider"
	"github.com/sugardevspace/sugar-grok/internal/queue"
	"github.com/sugardevspace/sugar-grok/internal/ratelimiter"
	"github.com/sugardevspace/sugar-grok/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	q := queue.New(queue.Config{
		Addr:           fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
		Password:       cfg.Redis.Password,
		DB:             cfg.Redis.Database,
		QueueKey:       cfg.Redis.QueueKey,
		ResponsePrefix: cfg.Redis.ResponsePrefix,
		ResponseTTL:    time.Duration(cfg.Redis.ResponseExpiry) * time.Second,
	})

	keys := keymanager.New(cfg.Gateway.ProviderKeys, cfg.Gateway.RateLimitRPS)

	registry := provider.NewRegistry(map[string]provider.Adapter{
		"grok":   provider.NewGrok(cfg.Gateway.GrokAPIURL, cfg.Gateway.GrokDefaultModel, keys, cfg.Gateway.MaxRetries, cfg.Gateway.BaseRetryDelay),
		"openai": provider.NewOpenAI(cfg.Gateway.OpenAIAPIURL, cfg.Gateway.OpenAIDefaultModel, keys, cfg.Gateway.MaxRetries, cfg.Gateway.BaseRetryDelay),
	})

	hub := opsfeed.NewHub()
	hubDone := make(chan struct{})
	go hub.Run(hubDone)

	fm := failover.New(failover.Config{
		Primary:        cfg.Gateway.PrimaryProvider,
		Backups:        cfg.Gateway.FailoverProviders,
		EnableFailover: cfg.Gateway.EnableFailover,
		Threshold:      cfg.Gateway.FailoverThreshold,
		RecoveryTime:   cfg.Gateway.FailoverRecoveryTime,
	}, registry, func(from, to string, inFailover bool) {
		obsmetrics.RecordFailoverTransition(from, to, registry.Names())
		hub.OnFailoverTransition(from, to, inFailover)
	})

	sink := metricssink.New(cfg.Gateway.MetricsWindowHours)

	costRates := make(map[string]metricssink.CostRates, len(cfg.Gateway.CostRates))
	for name, rate := range cfg.Gateway.CostRates {
		costRates[name] = metricssink.CostRates{PromptPerMillion: rate.PromptPerMillion, CompletionPerMillion: rate.CompletionPerMillion}
	}
	costCalc := metricssink.NewCostCalculator(costRates)

	limiter := ratelimiter.New(cfg.Gateway.RateLimitRPS)

	auditStore, err := storage.NewAuditStore(cfg)
	if err != nil {
		log.Fatalf("failed to initialize audit store: %v", err)
	}
	defer auditStore.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Gateway.EnableHealthChecker {
		checker := health.New(registry, keys, fm, cfg.Gateway.HealthCheckInterval)
		checker.OnProbe(hub.OnHealthProbe)
		go checker.Run(ctx)
	}

	go runMetricsPruner(ctx, sink)
	go runQueueDepthReporter(ctx, q)

	disp := dispatcher.New(limiter, keys, sink, costCalc, q, registry, fm, auditStore, dispatcher.Config{
		MaxRetries:          cfg.Gateway.MaxRetries,
		MaxConsecutiveError: 10,
	})
	go disp.Run(ctx)

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger())
	r.Use(middleware.Recovery())
	r.Use(middleware.CORS())
	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.RequestSizeLimit(cfg.Server.MaxBodySize))
	r.Use(middleware.Timeout(time.Duration(cfg.Server.WriteTimeout) * time.Second))
	r.Use(obsmetrics.Middleware())

	chatHandler := handlers.NewChatHandler(q)
	healthHandler := handlers.NewHealthHandler(q, registry, fm)
	adminHandler := handlers.NewAdminHandler(q, keys, sink, fm, registry)

	r.GET("/health", healthHandler.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ws/ops", middleware.BearerAuth(cfg.Gateway.ServerAPIKey), func(c *gin.Context) { opsfeed.HandleWebSocket(hub, c) })

	authorized := r.Group("/")
	authorized.Use(middleware.BearerAuth(cfg.Gateway.ServerAPIKey))
	{
		authorized.POST("/chat/completions", chatHandler.CreateCompletion)
		authorized.GET("/requests/:id", chatHandler.GetRequest)
		authorized.GET("/stats", adminHandler.Stats)
		authorized.GET("/system/status", adminHandler.SystemStatus)
		authorized.POST("/system/force-failover/:provider", adminHandler.ForceFailover)
		authorized.POST("/system/reset-provider/:provider", adminHandler.ResetProvider)
		authorized.GET("/providers", adminHandler.Providers)
	}

	server := &http.Server{
		Addr:           fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:        r,
		ReadTimeout:    time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout:   time.Duration(cfg.Server.WriteTimeout) * time.Second,
		MaxHeaderBytes: int(cfg.Server.MaxBodySize),
	}

	go func() {
		log.Printf("gateway listening on %s:%d", cfg.Server.Host, cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down")
	cancel()
	close(hubDone)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("server forced to shutdown: %v", err)
	}
	log.Println("gateway exited")
}

// runMetricsPruner drops metrics entries older than the sink's configured
// window once an hour, so the in-memory log doesn't grow unbounded over a
// long-lived process.
func runMetricsPruner(ctx context.Context, sink *metricssink.Sink) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sink.Prune()
		}
	}
}

// runQueueDepthReporter samples the queue length into the queue-depth gauge
// so /metrics reflects backlog without the dispatcher's hot loop paying for
// a gauge write on every dequeue.
func runQueueDepthReporter(ctx context.Context, q *queue.Queue) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if length, err := q.Length(); err == nil {
				obsmetrics.SetQueueDepth(length)
			}
		}
	}
}
