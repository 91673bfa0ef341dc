package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/mmdatafocus/opms_backend/config"
	"github.com/mmdatafocus/opms_backend/middlewares"
	"github.com/mmdatafocus/opms_backend/models"
	"github.com/mmdatafocus/opms_backend/netsuitesync"
	"github.com/mmdatafocus/opms_backend/utils"
)

const defaultPort = "8080"

// ready flips once DB and Redis are connected; the readiness probe and
// the request gate both read it.
var ready atomic.Bool

// RateLimiter is a fixed-window per-IP inbound limiter backed by Redis.
// Requests pass when Redis is down; throttling is protection, not policy.
func RateLimiter(maxPerMinute int) gin.HandlerFunc {
	return func(c *gin.Context) {
		rdb := config.GetRedisDB()
		if rdb == nil {
			c.Next()
			return
		}
		key := fmt.Sprintf("ApiRate:%s:%d", c.ClientIP(), time.Now().Unix()/60)
		count, err := rdb.Incr(config.GetRedisContext(), key).Result()
		if err != nil {
			c.Next()
			return
		}
		if count == 1 {
			rdb.Expire(config.GetRedisContext(), key, 2*time.Minute)
		}
		if count > int64(maxPerMinute) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// CorrelationIdMiddleware tags every request, honoring an inbound header
// so multi-service traces line up.
func CorrelationIdMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationId := c.Request.Header.Get("X-Correlation-Id")
		if correlationId == "" {
			correlationId = uuid.NewString()
		}
		ctx := utils.SetCorrelationIdInContext(c.Request.Context(), correlationId)
		c.Request = c.Request.WithContext(ctx)
		c.Writer.Header().Set("X-Correlation-Id", correlationId)
		c.Next()
	}
}

// ReadinessGate rejects traffic until the backends are connected. Health
// probes stay reachable so the platform can tell starting from dead.
func ReadinessGate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !ready.Load() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "starting up"})
			c.Abort()
			return
		}
		c.Next()
	}
}

func main() {
	logger := config.GetLogger()

	port := os.Getenv("PORT")
	if port == "" {
		port = defaultPort
	}

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		_ = v.RegisterValidation("itemcode", func(fl validator.FieldLevel) bool {
			return models.ValidItemCode(fl.Field().String())
		})
	}

	r := gin.Default()
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "token", "X-Correlation-Id"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	r.Use(CorrelationIdMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/readyz", func(c *gin.Context) {
		if !ready.Load() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	// NetSuite calls in; HMAC verification inside the handler is the
	// auth layer, sessions do not apply.
	r.POST("/netsuite/webhook", ReadinessGate(), RateLimiter(300), netsuitesync.WebhookHandler())

	internal := r.Group("/internal", ReadinessGate(), RateLimiter(600), middlewares.SessionMiddleware())
	{
		internal.POST("/items", createItemHandler)
		internal.GET("/items/:id", getItemHandler)
		internal.PUT("/items/:id", updateItemHandler)
		internal.POST("/products", createProductHandler)
		internal.PUT("/products/:id", updateProductHandler)
		internal.POST("/vendor-mappings", saveVendorMappingHandler)

		sync := internal.Group("/sync")
		{
			sync.POST("/trigger", netsuitesync.TriggerItemSyncHandler())
			sync.POST("/trigger-product", netsuitesync.TriggerProductSyncHandler())
			sync.POST("/trigger-all", netsuitesync.TriggerAllHandler())
			sync.GET("/queue", netsuitesync.QueueStatusHandler())
			sync.POST("/retry", netsuitesync.RetryFailedHandler())
			sync.POST("/jobs/:id/requeue", netsuitesync.RequeueJobHandler())
			sync.POST("/recover-stale", netsuitesync.RecoverStaleHandler())
			sync.GET("/status/:entityType/:id", netsuitesync.EntitySyncStatusHandler())
		}
	}

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}

	// Start listening before the backends connect (Cloud Run wants the
	// port open fast); the readiness gate holds real traffic back.
	go func() {
		log.Printf("listening on :%s", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	config.ConnectDatabaseWithRetry()
	models.MigrateTable()
	config.ConnectRedisWithRetry()
	ready.Store(true)
	logger.Info("backends connected, serving traffic")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := netsuitesync.NewClientFromEnv()
	adapter := netsuitesync.NewAdapter(client, config.SyncDryRun())
	worker := netsuitesync.NewWorker(adapter, netsuitesync.WorkerOptions{})
	go worker.Run(ctx)
	go NewStaleJobReaper(logger).Run(ctx)

	<-ctx.Done()
	logger.Info("shutdown signal received")

	worker.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	logger.Info("shutdown complete")
}
