package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	httpAdapter "github.com/moa-app/moa-server/internal/adapters/in/http"
	"github.com/moa-app/moa-server/internal/adapters/in/ws"
	"github.com/moa-app/moa-server/internal/adapters/out/db"
	"github.com/moa-app/moa-server/internal/adapters/out/mq"
	redisAdapter "github.com/moa-app/moa-server/internal/adapters/out/redis"
	"github.com/moa-app/moa-server/internal/application"
	"github.com/moa-app/moa-server/internal/config"
	"github.com/moa-app/moa-server/internal/ports/out"
	"github.com/moa-app/moa-server/pkg/zlog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zlog.MustInitGlobal(cfg.Log)
	defer func() { _ = zlog.Sync() }()
	zlog.RegisterMetrics(prometheus.DefaultRegisterer)
	application.RegisterMetrics(prometheus.DefaultRegisterer)

	// 基础设施
	database, err := initDB(cfg)
	if err != nil {
		log.Fatalf("Failed to init database: %v", err)
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("Failed to connect redis: %v", err)
	}

	// 出站适配器
	messageStore := db.NewMessageStoreMySQL(database)
	seqGen := redisAdapter.NewSequenceGeneratorRedis(rdb)
	feedIndex := redisAdapter.NewFeedIndexRedis(rdb, messageStore, redisAdapter.FeedIndexOptions{
		TTL:          cfg.Cache.FeedTTL,
		MaxLen:       cfg.Cache.FeedMaxLen,
		LockTTL:      cfg.Cache.RebuildLock,
		RebuildBatch: cfg.Cache.RebuildBatch,
	})
	msgCache := redisAdapter.NewMessageCacheRedis(rdb, messageStore, cfg.Cache.EntityTTL, cfg.Cache.TombstoneTTL)
	offlineQueue := redisAdapter.NewOfflineQueueRedis(rdb)
	pendingAcks := redisAdapter.NewPendingAckRedis(rdb, 10*time.Minute)
	inbox := redisAdapter.NewInboxSummaryRedis(rdb)

	var eventPub out.EventPublisher
	if cfg.Kafka.Enabled {
		kafkaPub, err := mq.NewKafkaEventPublisher(cfg.Kafka.Brokers)
		if err != nil {
			log.Fatalf("Failed to init kafka publisher: %v", err)
		}
		defer func() { _ = kafkaPub.Close() }()
		eventPub = kafkaPub
	}

	// 连接注册表与落库工作器
	registry := application.NewConnectionRegistry(cfg.Registry.HeartbeatTimeout, cfg.Registry.SweepInterval)
	persister := application.NewAsyncPersister(messageStore, 0)

	// 应用层
	chatUC := application.NewChatUseCase(
		seqGen, feedIndex, msgCache, offlineQueue, pendingAcks, inbox,
		registry, persister, eventPub,
		cfg.Delivery.AckGrace, cfg.Delivery.OfflinePageSize,
	)
	feedUC := application.NewFeedUseCase(feedIndex)

	// 上线即补投离线消息
	registry.OnRegister = func(userID uint64) {
		go chatUC.DrainOffline(userID)
	}

	registry.Start()
	persister.Start()

	// 入站适配器
	hub := ws.NewHub(registry, chatUC)

	router := gin.New()
	router.Use(gin.Recovery(), zlog.GinLogger())
	router.Use(identityMiddleware())

	chatController := httpAdapter.NewChatController(chatUC, feedUC)
	chatController.RegisterRoutes(router.Group("/api/v1"))

	router.GET("/ws", func(c *gin.Context) {
		userID := c.GetUint64("user_id")
		if userID == 0 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		hub.ServeWS(c.Writer, c.Request, userID, c.Query("device_id"))
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.Any("/log/level", gin.WrapF(zlog.LevelHTTPHandler()))

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler: router,
	}

	go func() {
		zap.L().Info("chat-server listening", zap.Int("port", cfg.Server.HTTPPort))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	// 优雅关停
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zap.L().Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		zap.L().Error("http shutdown error", zap.Error(err))
	}

	registry.Stop()
	persister.Stop()
}

// identityMiddleware 网关透传的用户身份
func identityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if userIDStr := c.GetHeader("X-User-ID"); userIDStr != "" {
			if userID, err := strconv.ParseUint(userIDStr, 10, 64); err == nil {
				c.Set("user_id", userID)
			}
		}
		c.Next()
	}
}

func initDB(cfg *config.Config) (*gorm.DB, error) {
	return gorm.Open(mysql.Open(cfg.MySQL.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
}
