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

	"github.com/carlmjohnson/requests"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/friendsync/internal/config"
	"github.com/hitoshi/friendsync/internal/database"
	"github.com/hitoshi/friendsync/internal/friend"
	"github.com/hitoshi/friendsync/internal/handler"
	"github.com/hitoshi/friendsync/internal/logger"
	"github.com/hitoshi/friendsync/internal/metrics"
	"github.com/hitoshi/friendsync/internal/middleware"
	"github.com/hitoshi/friendsync/internal/protocol"
	"github.com/hitoshi/friendsync/internal/publish"
	"github.com/hitoshi/friendsync/internal/reconcile"
	"github.com/hitoshi/friendsync/internal/repository"
	"github.com/hitoshi/friendsync/internal/security"
	"github.com/hitoshi/friendsync/internal/syndication"
	"github.com/hitoshi/friendsync/internal/token"
	"github.com/hitoshi/friendsync/internal/worker/cleanup"
	fetchpkg "github.com/hitoshi/friendsync/internal/worker/fetch"
)

// cleanupInterval はキャッシュ記事の保持期間切れ削除を実行する間隔。
const cleanupInterval = 24 * time.Hour

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd, err := ParseCommand(args)
	if err != nil {
		fmt.Fprint(w, Usage())
		return err
	}

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(context.Background(), "http://localhost:"+port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("site_url", cfg.SiteURL),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// components はプロセス内で共有する依存関係をまとめたもの。
type components struct {
	registry  *prometheus.Registry
	scheduler *fetchpkg.Scheduler
	friends   *friend.Service
	publisher *publish.Publisher
	items     *repository.PostgresCachedItemRepo
}

// wire はDB接続から全サービスを組み立てる。
// DBへの接続自体は行わないため、未接続の*sql.DBでも呼び出せる。
func wire(cfg *config.Config, db *sql.DB, log *slog.Logger) *components {
	// リポジトリ
	relRepo := repository.NewPostgresRelationshipRepo(db)
	tokenRepo := repository.NewPostgresTokenRepo(db)
	itemRepo := repository.NewPostgresCachedItemRepo(db)
	postRepo := repository.NewPostgresPostRepo(db)
	transactor := repository.NewPostgresTransactor(db)

	// セキュリティ
	ssrfGuard := security.NewSSRFGuard()
	sanitizer := security.NewContentSanitizer()

	// メトリクス
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	tokens := token.NewStore(tokenRepo)
	userAgent := "friendsync/" + protocol.Version + " (+" + cfg.SiteURL + ")"

	// フィード取得
	fetcher := syndication.NewFetcher(ssrfGuard, syndication.Config{
		Timeout:      cfg.FetchTimeout,
		MaxBodySize:  cfg.FetchMaxSize,
		MaxRedirects: cfg.HandshakeMaxRedirects,
		UserAgent:    userAgent,
	}, log)
	engine := reconcile.NewEngine(itemRepo, transactor, sanitizer, log)
	puller := fetchpkg.NewPuller(fetcher, engine, collector, log)
	scheduler := fetchpkg.NewScheduler(relRepo, puller, log, cfg.FetchMaxConcurrent, cfg.FetchTimeout*3)
	scheduler.UseLocker(repository.NewPostgresPullLock(db))

	// ハンドシェイク
	client := protocol.NewClient(ssrfGuard, protocol.ClientConfig{
		Timeout:      cfg.HandshakeTimeout,
		MaxRedirects: cfg.HandshakeMaxRedirects,
		UserAgent:    userAgent,
	}, log)
	friends := friend.NewService(friend.ServiceDeps{
		Relationships: relRepo,
		Items:         itemRepo,
		Transactor:    transactor,
		Tokens:        tokens,
		Client:        client,
		Puller:        scheduler,
		Metrics:       collector,
		Logger:        log,
		Validator:     ssrfGuard,
		Feeds:         fetcher,
		OwnSiteURL:    cfg.SiteURL,
		DisplayName:   cfg.DisplayName,
	})

	// フィード配信
	title := cfg.DisplayName
	if title == "" {
		title = cfg.SiteURL
	}
	publisher := publish.NewPublisher(postRepo, tokens, publish.Config{
		SiteURL: cfg.SiteURL,
		Title:   title,
	}, log)

	return &components{
		registry:  registry,
		scheduler: scheduler,
		friends:   friends,
		publisher: publisher,
		items:     itemRepo,
	}
}

// newRouter は組み立て済みのコンポーネントからHTTPハンドラーを構築する。
func newRouter(cfg *config.Config, db handler.Pinger, c *components, rl *middleware.RateLimiter, log *slog.Logger) http.Handler {
	return handler.NewRouter(&handler.RouterDeps{
		Logger:      log,
		RateLimiter: rl,
		Health:      db,
		Protocol:    c.friends,
		Feed:        c.publisher,
		Friends:     c.friends,
		Items:       c.items,
		Refresher:   c.scheduler,
		AdminCreds:  cfg.AdminCreds,
		Metrics:     metrics.Handler(c.registry),
	})
}

// openDB はDB接続を開いて疎通を確認する。
func openDB(databaseURL string) (*sql.DB, error) {
	db, err := database.Open(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// runServe はAPIサーバーモードで起動する。
// プロトコル、フィード配信、管理APIを1つのHTTPサーバーで提供する。
// 承認直後の取得はプロセス内のスケジューラで非同期に実行する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	db, err := openDB(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established")

	log := slog.Default()
	c := wire(cfg, db, log)
	rl := middleware.NewRateLimiter(
		middleware.PerMinuteConfig(cfg.RateLimitGeneral, cfg.RateLimitFriendRequest), log)
	defer rl.Stop()

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      newRouter(cfg, db, c, rl, log),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 150 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	listenErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErr <- err
		}
	}()

	select {
	case <-stop:
	case err := <-listenErr:
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	c.scheduler.Wait()

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 全関係の定期取得とキャッシュ記事のクリーンアップを実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	db, err := openDB(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	log := slog.Default()
	c := wire(cfg, db, log)

	cleanupJob := cleanup.NewCleanupJob(db, log, cfg.CacheRetentionDays)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	slog.Info("worker starting",
		slog.Duration("fetch_interval", cfg.FetchInterval),
		slog.Int("max_concurrent", cfg.FetchMaxConcurrent),
		slog.Int("retention_days", cfg.CacheRetentionDays),
	)

	go cleanupJob.Start(ctx, cleanupInterval)

	// フェッチスケジューラをメインgoroutineで実行（ブロッキング）
	c.scheduler.Start(ctx, cfg.FetchInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、200以外はエラーとする。
func runHealthcheck(ctx context.Context, baseURL string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := requests.
		URL(baseURL).
		Path("/health").
		CheckStatus(http.StatusOK).
		Fetch(ctx)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
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
