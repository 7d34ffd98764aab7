// Package app はサブコマンドごとの依存関係のワイヤリングと起動処理を提供する。
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/finsync/internal/checkpoint"
	"github.com/hitoshi/finsync/internal/config"
	"github.com/hitoshi/finsync/internal/database"
	"github.com/hitoshi/finsync/internal/duplicate"
	"github.com/hitoshi/finsync/internal/handler"
	"github.com/hitoshi/finsync/internal/logger"
	"github.com/hitoshi/finsync/internal/metrics"
	"github.com/hitoshi/finsync/internal/middleware"
	"github.com/hitoshi/finsync/internal/notify"
	"github.com/hitoshi/finsync/internal/repository"
	"github.com/hitoshi/finsync/internal/security"
	"github.com/hitoshi/finsync/internal/syncclient"
	"github.com/hitoshi/finsync/internal/worker/cleanup"
	"github.com/hitoshi/finsync/internal/worker/syncjob"
)

const (
	// dbPingTimeout は起動時のDB疎通確認のタイムアウト。
	dbPingTimeout = 5 * time.Second
	// cleanupInterval は同期履歴クリーンアップの実行間隔。
	cleanupInterval = 24 * time.Hour
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再構成する
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to parse LOG_LEVEL: %w", err)
	}
	logger.SetupDefault(w, level)

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(fmt.Sprintf("http://localhost:%s/health", port))
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("sync_endpoint", cfg.SyncEndpointURL),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		var rest []string
		if len(args) > 1 {
			rest = args[1:]
		}
		margs, err := ParseMigrateArgs(rest)
		if err != nil {
			return err
		}
		return runMigrate(cfg, margs)
	default:
		return runServe(cfg)
	}
}

// components はserve/workerで共有する同期基盤の依存関係。
type components struct {
	accounts     *repository.PostgresAccountRepo
	runs         *repository.PostgresSyncRunRepo
	hub          *notify.Hub
	monitor      *syncjob.WaitMonitor
	orchestrator *syncjob.Orchestrator
	duplicates   *duplicate.Engine
}

// wire は設定とDB接続から同期基盤の依存関係を構築する。
func wire(cfg *config.Config, db *sql.DB, log *slog.Logger, m metrics.SyncMetrics) (*components, error) {
	// 1. リポジトリの初期化
	accountRepo := repository.NewPostgresAccountRepo(db)
	txRepo := repository.NewPostgresTransactionRepo(db)
	dupRepo := repository.NewPostgresDuplicateRepo(db)
	runRepo := repository.NewPostgresSyncRunRepo(db)

	// 2. 同期エンドポイントクライアント
	// ストリームの長さは同期処理に依存するため、http.Clientにはタイムアウトを設けない
	client, err := syncclient.NewClient(&http.Client{}, cfg.SyncEndpointURL, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create sync client: %w", err)
	}

	resolver, err := checkpoint.NewResolver(checkpoint.Config{
		OverlapDays:  cfg.SyncOverlapDays,
		FallbackDays: cfg.SyncFallbackDays,
	}, time.Now)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkpoint resolver: %w", err)
	}

	// 3. 同期パイプライン
	hub := notify.NewHub(notify.DefaultBuffer, log)
	sanitizer := security.NewTextSanitizer(security.DefaultMaxTextLength)
	monitor := syncjob.NewWaitMonitor(time.Now)
	controller := syncjob.NewController(client, monitor, sanitizer, m, log, cfg.SyncStreamTimeout)
	orchestrator := syncjob.NewOrchestrator(
		controller, resolver, txRepo, runRepo, hub, client, m, log,
		syncjob.OrchestratorConfig{
			AccountInterval: cfg.SyncAccountInterval,
			ProgressBuffer:  cfg.SyncProgressBuffer,
		},
	)

	// 4. 重複候補エンジン
	engine := duplicate.NewEngine(dupRepo, hub, m, log, duplicate.Config{
		ExactThreshold: cfg.DuplicateExactThreshold,
		WindowDays:     cfg.DuplicateDetectWindowDays,
		MinSimilarity:  cfg.DuplicateMinSimilarity,
		LookbackDays:   cfg.DuplicateLookbackDays,
	})

	return &components{
		accounts:     accountRepo,
		runs:         runRepo,
		hub:          hub,
		monitor:      monitor,
		orchestrator: orchestrator,
		duplicates:   engine,
	}, nil
}

// newRegistry はプロセス・Goランタイムのコレクターを登録したレジストリを返す。
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// openDB はDB接続を開き、疎通を確認する。
func openDB(cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL, database.DefaultPoolConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := database.Ping(context.Background(), db, dbPingTimeout); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	log := slog.Default()

	// 1. DB接続
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established")

	// 2. メトリクスと同期基盤
	reg := newRegistry()
	c, err := wire(cfg, db, log, metrics.NewCollector(reg))
	if err != nil {
		return err
	}

	// 3. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(
		middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitSyncPerMin),
		log,
	)
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            log,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		Sync:              c.orchestrator,
		Waits:             c.monitor,
		Accounts:          c.accounts,
		Runs:              c.runs,
		Duplicates:        c.duplicates,
		Events:            c.hub,
		HeartbeatInterval: handler.DefaultHeartbeatInterval,
		DB:                db,
		Metrics:           metrics.Handler(reg),
	})

	// 4. HTTPサーバーの起動
	// 同期実行と変更通知はストリーミング応答のため、書き込みタイムアウトは設けない
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-stop:
	case err := <-serveErr:
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、全アクティブアカウントの定期同期スケジューラを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	log := slog.Default()

	// 1. DB接続
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	// 2. 同期基盤
	// ワーカーはHTTPを公開しないため、メトリクスはプロセス内のレジストリにのみ記録する
	c, err := wire(cfg, db, log, metrics.NewCollector(prometheus.NewRegistry()))
	if err != nil {
		return err
	}

	scheduler := syncjob.NewScheduler(c.accounts, c.orchestrator, c.duplicates, log, cfg.SyncAutoResolve)
	cleanupJob := cleanup.NewRunHistoryJob(db, log, cfg.SyncRunRetentionDays)

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("schedule_interval", cfg.SyncScheduleInterval),
		slog.Duration("account_interval", cfg.SyncAccountInterval),
		slog.Bool("auto_resolve", cfg.SyncAutoResolve),
		slog.Int("run_retention_days", cfg.SyncRunRetentionDays),
	)

	// 同期履歴クリーンアップを日次でバックグラウンド実行
	go cleanupJob.Start(ctx, cleanupInterval)

	// スケジューラをメインgoroutineで実行（ブロッキング）
	scheduler.Start(ctx, cfg.SyncScheduleInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
func runMigrate(cfg *config.Config, args MigrateArgs) error {
	slog.Info("running database migrations",
		slog.String("action", string(args.Action)),
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	switch args.Action {
	case MigrateDown:
		if err := database.RollbackMigrations(cfg.DatabaseURL, args.Steps); err != nil {
			return fmt.Errorf("migration rollback failed: %w", err)
		}
	case MigrateVersion:
		version, dirty, err := database.MigrationVersion(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to read migration version: %w", err)
		}
		slog.Info("current migration version",
			slog.Uint64("version", uint64(version)),
			slog.Bool("dirty", dirty),
		)
		return nil
	default:
		if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(healthURL string) error {
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(healthURL)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	if u.User != nil {
		u.User = url.User("***")
	}
	u.RawQuery = ""
	return u.String()
}
