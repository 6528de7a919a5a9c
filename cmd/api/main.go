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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nemonet1337/zaiBatchLedger/internal/config"
	"github.com/nemonet1337/zaiBatchLedger/pkg/inventory"
	"github.com/nemonet1337/zaiBatchLedger/pkg/inventory/storage"
)

func main() {
	// 設定読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("設定読み込みに失敗しました:", err)
	}

	// ログ設定
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		log.Fatal("ログ初期化に失敗しました:", err)
	}
	defer logger.Sync()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// トレース設定
	shutdownTracer, err := initTracer(ctx, cfg.Telemetry)
	if err != nil {
		logger.Fatal("トレース初期化に失敗しました", zap.Error(err))
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("トレースの停止に失敗しました", zap.Error(err))
		}
	}()

	// ストレージ接続
	store, err := newStorage(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("ストレージ接続に失敗しました", zap.Error(err))
	}
	defer store.Close()

	// メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := inventory.NewMetrics(registry)

	// 台帳マネージャー初期化
	ledgerConfig := &inventory.Config{
		MaxConflictRetries: cfg.Ledger.MaxConflictRetries,
		MaxRequirements:    cfg.Ledger.MaxRequirements,
		DefaultCurrency:    cfg.Ledger.DefaultCurrency,
	}
	manager := inventory.NewManager(store, nil, logger, ledgerConfig, metrics)
	monitor := inventory.NewExpiryMonitor(store, logger, metrics)
	analytics := inventory.NewAnalytics(store, logger)

	// 期限切れ再分類の定期実行
	if cfg.Ledger.ExpirySweepInterval > 0 {
		go func() {
			if err := monitor.Run(ctx, cfg.Ledger.ExpirySweepInterval); err != nil && err != context.Canceled {
				logger.Error("期限切れ監視が停止しました", zap.Error(err))
			}
		}()
	}

	// HTTPハンドラー設定
	handlers := NewHandlers(manager, manager, monitor, analytics, store, logger, cfg.Ledger.DefaultExpiringDays)
	var metricsHandler http.Handler
	if cfg.API.EnableMetrics {
		metricsHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	}
	router := setupRouter(handlers, routerOptions{
		EnableCORS: cfg.API.EnableCORS,
		Metrics:    metricsHandler,
	})

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
		logger.Info("バッチ台帳APIサーバーを開始します",
			zap.Int("port", cfg.API.Port),
			zap.String("storage_driver", cfg.Ledger.StorageDriver),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("サーバー開始に失敗しました", zap.Error(err))
		}
	}()

	// シャットダウンシグナル待機
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("サーバーをシャットダウンしています...")
	stop()

	// グレースフルシャットダウン
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("サーバーシャットダウンに失敗しました", zap.Error(err))
	}

	logger.Info("サーバーが正常に停止しました")
}

// newLogger builds a zap logger from the logging section
// ログ設定からzapロガーを構築
func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	if cfg.Output != "" {
		zcfg.OutputPaths = []string{cfg.Output}
	}
	return zcfg.Build()
}

// newStorage opens the configured storage driver
// 設定されたストレージを開く
func newStorage(ctx context.Context, cfg *config.Config, logger *zap.Logger) (inventory.Storage, error) {
	switch cfg.Ledger.StorageDriver {
	case config.DriverMemory:
		logger.Warn("メモリストレージを使用します（再起動でデータは失われます）")
		return storage.NewMemoryStorage(logger), nil
	default:
		return storage.NewPostgreSQLStorage(ctx, cfg.DSN(), storage.PoolConfig{
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		}, logger)
	}
}

// initTracer installs an OTLP/HTTP tracer provider when an endpoint is configured
// OTLPエンドポイントが設定されている場合にトレースプロバイダーを登録
func initTracer(ctx context.Context, cfg config.TelemetryConfig) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	if cfg.OTLPEndpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion("1.0.0"),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

type routerOptions struct {
	EnableCORS bool
	Metrics    http.Handler // nilの場合は/metricsを公開しない
}

// setupRouter sets up HTTP routes
// HTTPルートを設定
func setupRouter(handlers *Handlers, opts routerOptions) *mux.Router {
	router := mux.NewRouter()

	// ヘルスチェック
	router.HandleFunc("/health", handlers.HealthCheck).Methods("GET")
	if opts.Metrics != nil {
		router.Handle("/metrics", opts.Metrics).Methods("GET")
	}

	// API v1ルート
	api := router.PathPrefix("/api/v1").Subrouter()

	// バッチ管理
	api.HandleFunc("/batches", handlers.CreateBatch).Methods("POST")
	api.HandleFunc("/batches/{id}", handlers.GetBatch).Methods("GET")
	api.HandleFunc("/batches/{id}", handlers.UpdateBatch).Methods("PUT")
	api.HandleFunc("/batches/{id}/adjust", handlers.AdjustBatch).Methods("POST")
	api.HandleFunc("/batches/{id}/damage", handlers.RecordDamage).Methods("POST")
	api.HandleFunc("/batches/{id}/movements", handlers.ListMovements).Methods("GET")
	api.HandleFunc("/batches/{id}/audit", handlers.AuditBatch).Methods("GET")

	// 品目別照会
	api.HandleFunc("/items/{itemId}/batches", handlers.ListBatchesByItem).Methods("GET")
	api.HandleFunc("/items/{itemId}/stock", handlers.ItemStock).Methods("GET")
	api.HandleFunc("/items/{itemId}/plan", handlers.PlanPreview).Methods("GET")

	// 消費
	api.HandleFunc("/consume", handlers.Consume).Methods("POST")
	api.HandleFunc("/consume/expiring", handlers.ConsumeExpiring).Methods("POST")
	api.HandleFunc("/orders/{orderId}/consume", handlers.ConsumeOrder).Methods("POST")
	api.HandleFunc("/orders/{orderId}/validate", handlers.ValidateOrder).Methods("POST")
	api.HandleFunc("/reverse", handlers.Reverse).Methods("POST")

	// 期限管理
	api.HandleFunc("/expiring", handlers.ExpiringBatches).Methods("GET")
	api.HandleFunc("/expiry/reclassify", handlers.Reclassify).Methods("POST")

	// 集計
	api.HandleFunc("/analytics", handlers.Analytics).Methods("GET")

	// CORS設定
	if opts.EnableCORS {
		router.Use(corsMiddleware)
	}

	router.Use(tracingMiddleware)
	router.Use(userMiddleware)
	router.Use(loggingMiddleware(handlers.logger))

	return router
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// tracingMiddleware continues an incoming W3C trace context
// 受信したトレースコンテキストを引き継ぐ
func tracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// userMiddleware attaches the X-User-ID header as the acting user
// X-User-IDヘッダーを操作ユーザーとして設定
func userMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user := r.Header.Get("X-User-ID"); user != "" {
			r = r.WithContext(inventory.WithUser(r.Context(), user))
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// loggingMiddleware logs HTTP requests
// HTTPリクエストをログ出力するミドルウェア
func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			// リクエスト処理
			next.ServeHTTP(rec, r)

			// ログ出力
			logger.Info("HTTPリクエスト",
				zap.String("method", r.Method),
				zap.String("url", r.URL.Path),
				zap.Int("status", rec.status),
				zap.String("remote_addr", r.RemoteAddr),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}
