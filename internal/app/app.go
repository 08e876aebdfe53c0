package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/inviteman/internal/config"
	"github.com/hitoshi/inviteman/internal/database"
	"github.com/hitoshi/inviteman/internal/handler"
	"github.com/hitoshi/inviteman/internal/invite"
	"github.com/hitoshi/inviteman/internal/jfa"
	"github.com/hitoshi/inviteman/internal/logger"
	"github.com/hitoshi/inviteman/internal/metrics"
	"github.com/hitoshi/inviteman/internal/middleware"
	"github.com/hitoshi/inviteman/internal/notify"
	"github.com/hitoshi/inviteman/internal/repository"
	"github.com/hitoshi/inviteman/internal/worker/expiry"
	"github.com/hitoshi/inviteman/internal/worker/usersync"
)

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップしてから環境変数でConfigを読み込み、
// デバッグモードが有効な場合はログレベルを引き上げる。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, *slog.Logger, error) {
	// 設定読み込み前にログを使えるようにする
	log := logger.SetupDefault(w, false)

	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.DebugMode {
		log = logger.SetupDefault(w, true)
	}

	return cfg, log, nil
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
		return runHealthcheck(port)
	}

	cfg, log, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	log.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("database_path", cfg.DatabasePath),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg, log)
	default:
		return runBot(cfg, log)
	}
}

// runBot はボット本体を起動する。
// DB接続を開き、全依存関係をワイヤリングし、2つのスケジューラと
// 運用HTTPサーバー（/health、/metrics、管理API）を起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runBot(cfg *config.Config, log *slog.Logger) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := database.RunMigrations(db); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	log.Info("database ready")

	// 2. リポジトリの初期化
	inviteRepo := repository.NewSQLiteInviteRepo(db, cfg.LinkValidityDays)
	actionRepo := repository.NewSQLiteActionRepo(db)
	userRepo := repository.NewSQLiteRemoteUserRepo(db)

	// 3. メトリクスの初期化
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 4. リモートAPIクライアントの初期化
	jfaClient, err := jfa.NewClient(
		&http.Client{Timeout: 15 * time.Second},
		cfg.JfaBaseURL, cfg.JfaUsername, cfg.JfaPassword,
		cfg.DebugMode, logger.Component(log, "jfa_client"), collector,
	)
	if err != nil {
		return fmt.Errorf("failed to create remote client: %w", err)
	}

	// 5. Messengerの初期化
	// チャットアダプタを組み込む場合はここを差し替える
	messenger := notify.NewLogMessenger(logger.Component(log, "messenger"))

	// 6. ドメインサービスの初期化
	inviteService := invite.NewService(
		inviteRepo, actionRepo, userRepo, jfaClient, messenger,
		logger.Component(log, "invite_service"), collector,
		invite.Config{
			LinkValidityDays:  cfg.LinkValidityDays,
			TrialDurationDays: cfg.TrialDurationDays,
			TrialProfile:      cfg.TrialProfile,
			InviteLinkBaseURL: cfg.InviteLinkBaseURL,
			PlanRoleMap:       cfg.PlanRoleMap,
			TrialRoleName:     cfg.TrialRoleName,
			AdminLogChannelID: cfg.AdminLogChannelID,
		},
	)

	// 7. ワーカーの初期化
	expiryScheduler := expiry.NewScheduler(
		inviteRepo, messenger, logger.Component(log, "expiry_scheduler"), collector,
		expiry.Config{
			NoticeWindowDays:         cfg.NoticeWindowDays,
			NotificationIntervalDays: cfg.NotificationIntervalDays,
			NotificationOffsets:      cfg.NotificationOffsets,
			AdminChannelID:           cfg.AdminLogChannelID,
		},
	)
	syncJob := usersync.NewJob(
		jfaClient, userRepo, messenger, logger.Component(log, "usersync"), collector,
	)

	// 8. 運用HTTPサーバーの構築
	rateLimiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		HealthChecker:  db,
		MetricsHandler: metrics.Handler(registry),
		InviteService:  inviteService,
		AdminAPIToken:  cfg.AdminAPIToken,
		RateLimiter:    rateLimiter,
		Logger:         logger.Component(log, "http"),
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go expiryScheduler.Start(ctx, cfg.ExpiryCheckInterval)
	go syncJob.Start(ctx, cfg.UserSyncInterval)

	go func() {
		log.Info("ops server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	log.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	log.Info("stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config, log *slog.Logger) error {
	log.Info("running database migrations",
		slog.String("database_path", cfg.DatabasePath),
	)

	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := database.RunMigrations(db); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	log.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}
