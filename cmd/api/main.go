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

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nemonet1337/hikiateGoFramework/internal/config"
	"github.com/nemonet1337/hikiateGoFramework/internal/metrics"
	"github.com/nemonet1337/hikiateGoFramework/pkg/fulfillment"
	"github.com/nemonet1337/hikiateGoFramework/pkg/fulfillment/events"
	"github.com/nemonet1337/hikiateGoFramework/pkg/fulfillment/storage"
)

func main() {
	// ログ設定
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatal("ログ初期化に失敗しました:", err)
	}
	defer logger.Sync()

	// 設定読み込み
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("設定読み込みに失敗しました", zap.Error(err))
	}

	// ストレージ初期化
	var store fulfillment.Storage
	switch cfg.Database.Driver {
	case "memory":
		store = fulfillment.NewMemoryStorage()
		logger.Info("インメモリストレージを使用します")
	default:
		pg, err := storage.NewPostgreSQLStorage(cfg.DSN(), logger)
		if err != nil {
			logger.Fatal("データベース接続に失敗しました", zap.Error(err))
		}
		store = pg
	}
	defer store.Close()

	// メトリクス初期化
	m := metrics.Default()

	// イベント発行者初期化
	var publisher fulfillment.EventPublisher
	if cfg.Kafka.Enabled {
		kafkaPublisher := events.NewKafkaPublisher(cfg.Kafka.Broker, cfg.Kafka.Topic, logger)
		defer kafkaPublisher.Close()
		publisher = kafkaPublisher
		logger.Info("Kafkaイベント発行を有効化しました",
			zap.String("broker", cfg.Kafka.Broker),
			zap.String("topic", cfg.Kafka.Topic),
		)
	} else {
		channelPublisher := events.NewChannelPublisher(cfg.Fulfillment.EventBuffer, logger)
		go drainEvents(channelPublisher, m, logger)
		publisher = channelPublisher
	}

	// フルフィルメントレジストリ初期化
	engineConfig := &fulfillment.Config{
		DefaultLowStockThreshold: cfg.Fulfillment.DefaultLowStockThreshold,
		DefaultPriorityTier:      cfg.Fulfillment.DefaultPriorityTier,
		HistoryDefaultLimit:      cfg.Fulfillment.HistoryDefaultLimit,
	}

	// 顧客優先度は外部の顧客管理サービスが解決する。スタンドアロン構成
	// では全顧客がデフォルト層になる。
	registry := fulfillment.NewRegistry(store, publisher, nil, logger, engineConfig)

	// HTTPハンドラー設定
	handlers := NewHandlers(registry, store, m, logger)
	router := setupRouter(handlers, m, cfg.API.EnableMetrics)

	// HTTPサーバー設定
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.API.Port),
		Handler:      router,
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
		IdleTimeout:  cfg.API.IdleTimeout,
	}

	// グレースフルシャットダウン設定
	go func() {
		logger.Info("フルフィルメントAPIサーバーを開始します", zap.Int("port", cfg.API.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("サーバー開始に失敗しました", zap.Error(err))
		}
	}()

	// シャットダウンシグナル待機
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("サーバーをシャットダウンしています...")

	// グレースフルシャットダウン
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("サーバーシャットダウンに失敗しました", zap.Error(err))
	}

	logger.Info("サーバーが正常に停止しました")
}

// drainEvents logs events from the in-process publisher and counts
// low-stock signals
// プロセス内発行者からのイベントをログに流し、低在庫通知を計数する
func drainEvents(publisher *events.ChannelPublisher, m *metrics.Metrics, logger *zap.Logger) {
	for event := range publisher.Events() {
		if event.Type == events.TypeLowStock {
			m.LowStockEvents.Inc()
		}
		logger.Info("フルフィルメントイベント",
			zap.String("type", event.Type),
			zap.Any("payload", event.Payload),
		)
	}
}

// setupRouter sets up HTTP routes
// HTTPルートを設定
func setupRouter(handlers *Handlers, m *metrics.Metrics, enableMetrics bool) *mux.Router {
	router := mux.NewRouter()

	// ヘルスチェック
	router.HandleFunc("/health", handlers.HealthCheck).Methods("GET")
	if enableMetrics {
		router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	}

	// API v1ルート
	api := router.PathPrefix("/api/v1").Subrouter()

	// 品目管理
	api.HandleFunc("/items", handlers.RegisterItem).Methods("POST")
	api.HandleFunc("/items", handlers.ListItems).Methods("GET")
	api.HandleFunc("/items/{itemId}", handlers.GetItem).Methods("GET")
	api.HandleFunc("/items/{itemId}/history", handlers.GetItemHistory).Methods("GET")

	// 在庫受払
	api.HandleFunc("/items/{itemId}/receive", handlers.ReceiveStock).Methods("POST")
	api.HandleFunc("/items/{itemId}/adjust", handlers.AdjustStock).Methods("POST")

	// 部品表
	api.HandleFunc("/recipes/{finishedGoodId}", handlers.SaveRecipe).Methods("PUT")
	api.HandleFunc("/recipes/{finishedGoodId}", handlers.GetRecipe).Methods("GET")

	// 注文管理
	api.HandleFunc("/orders", handlers.CreateOrder).Methods("POST")
	api.HandleFunc("/orders/{orderId}", handlers.GetOrder).Methods("GET")
	api.HandleFunc("/orders/{orderId}/history", handlers.GetOrderHistory).Methods("GET")

	// 引当操作
	api.HandleFunc("/orders/{orderId}/check", handlers.CheckAvailability).Methods("POST")
	api.HandleFunc("/orders/{orderId}/assemble", handlers.AssembleOrder).Methods("POST")
	api.HandleFunc("/orders/{orderId}/seize", handlers.SeizeForOrder).Methods("POST")
	api.HandleFunc("/orders/{orderId}/production", handlers.TriggerProduction).Methods("POST")

	// 出荷系遷移
	api.HandleFunc("/orders/{orderId}/ship", handlers.ShipOrder).Methods("POST")
	api.HandleFunc("/orders/{orderId}/deliver", handlers.DeliverOrder).Methods("POST")
	api.HandleFunc("/orders/{orderId}/cancel", handlers.CancelOrder).Methods("POST")

	// 製造指図
	api.HandleFunc("/production/{productionOrderId}", handlers.GetProductionOrder).Methods("GET")
	api.HandleFunc("/production/{productionOrderId}/shortage", handlers.GetShortage).Methods("GET")
	api.HandleFunc("/production/{productionOrderId}/start", handlers.StartProduction).Methods("POST")
	api.HandleFunc("/production/{productionOrderId}/complete", handlers.CompleteProduction).Methods("POST")
	api.HandleFunc("/production/{productionOrderId}/cancel", handlers.CancelProduction).Methods("POST")

	// CORS設定（開発用）
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Actor")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	})

	// ログ・計測ミドルウェア
	router.Use(loggingMiddleware(handlers.logger))
	router.Use(metricsMiddleware(m))

	return router
}

// loggingMiddleware logs HTTP requests
// HTTPリクエストをログ出力するミドルウェア
func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// リクエスト処理
			next.ServeHTTP(w, r)

			// ログ出力
			logger.Info("HTTPリクエスト",
				zap.String("method", r.Method),
				zap.String("url", r.URL.Path),
				zap.String("remote_addr", r.RemoteAddr),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

// metricsMiddleware records request latency per matched route
// マッチしたルートごとにリクエスト所要時間を記録するミドルウェア
func metricsMiddleware(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := r.URL.Path
			if current := mux.CurrentRoute(r); current != nil {
				if template, err := current.GetPathTemplate(); err == nil {
					route = template
				}
			}
			m.InstrumentHandler(route, next).ServeHTTP(w, r)
		})
	}
}
