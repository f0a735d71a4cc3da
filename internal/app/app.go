package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/chatauth/internal/auth"
	"github.com/hitoshi/chatauth/internal/config"
	"github.com/hitoshi/chatauth/internal/database"
	"github.com/hitoshi/chatauth/internal/handler"
	"github.com/hitoshi/chatauth/internal/logger"
	"github.com/hitoshi/chatauth/internal/metrics"
	"github.com/hitoshi/chatauth/internal/middleware"
	"github.com/hitoshi/chatauth/internal/notify"
	"github.com/hitoshi/chatauth/internal/repository"
	"github.com/hitoshi/chatauth/internal/reset"
	"github.com/hitoshi/chatauth/internal/worker/cleanup"
)

// Version はビルド時に -ldflags で埋め込むバージョン。
var Version = "dev"

// defaultHealthcheckPort はSERVER_PORT未設定時のヘルスチェック先ポート。
const defaultHealthcheckPort = "8000"

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
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

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
			port = defaultHealthcheckPort
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("version", Version),
		slog.String("store", cfg.StoreDriver),
		slog.String("port", cfg.ServerPort),
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

// openStore はSTORE_DRIVERに応じてアカウントストアを開く。
// 返り値のclose関数で接続を解放する。
func openStore(ctx context.Context, cfg *config.Config) (repository.AccountRepository, func(), error) {
	switch cfg.StoreDriver {
	case config.StoreDriverMongo:
		client, err := database.OpenMongo(ctx, cfg.MongoURI)
		if err != nil {
			return nil, nil, err
		}
		closeFn := func() {
			dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := client.Disconnect(dctx); err != nil {
				slog.Warn("failed to disconnect mongodb", slog.String("error", err.Error()))
			}
		}
		repo := repository.NewMongoAccountRepo(database.AccountCollection(client, cfg.MongoDatabase))
		if err := repo.EnsureIndexes(ctx); err != nil {
			closeFn()
			return nil, nil, fmt.Errorf("failed to ensure mongodb indexes: %w", err)
		}
		slog.Info("mongodb connection established", slog.String("database", cfg.MongoDatabase))
		return repo, closeFn, nil

	default:
		db, err := database.Open(cfg.DatabaseURL, database.PoolConfig{MaxOpenConns: cfg.DBMaxOpenConns})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		slog.Info("database connection established")
		return repository.NewPostgresAccountRepo(db), func() { db.Close() }, nil
	}
}

// sessionSecret はセッショントークンの署名鍵を返す。
// SECRET_KEY未設定の場合はプロセスごとの鍵を生成するため、再起動で既存のトークンは無効になる。
func sessionSecret(cfg *config.Config) ([]byte, error) {
	if cfg.SecretKey != "" {
		return []byte(cfg.SecretKey), nil
	}
	secret, err := auth.GenerateSecret()
	if err != nil {
		return nil, err
	}
	slog.Warn("SECRET_KEY is not set; using a generated signing key, sessions will not survive a restart")
	return secret, nil
}

// buildNotifier はリセット通知の送信先を構成する。
// SMTPが未設定の場合は送信せずにログへ記録する。
func buildNotifier(cfg *config.Config, log *slog.Logger) (reset.Notifier, func(), error) {
	if !cfg.SMTPEnabled() {
		log.Warn("SMTP is not configured; reset notifications are logged only")
		return notify.NewLogSender(log), func() {}, nil
	}

	from := cfg.SMTPFrom
	var servers []notify.ServerConfig
	if cfg.SMTPConfigFile != "" {
		list, err := notify.LoadServerList(cfg.SMTPConfigFile)
		if err != nil {
			return nil, nil, err
		}
		if list.From != "" {
			from = list.From
		}
		servers = list.Servers
	} else {
		servers = []notify.ServerConfig{{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
		}}
	}

	composer, err := notify.NewMessageComposer(from, cfg.ResetLinkBaseURL, cfg.ResetTokenTTL)
	if err != nil {
		return nil, nil, err
	}
	sender, err := notify.NewSMTPSender(notify.SMTPConfig{
		Servers:     servers,
		From:        from,
		SendTimeout: cfg.SMTPSendTimeout,
	}, composer, log)
	if err != nil {
		return nil, nil, err
	}
	return sender, sender.Close, nil
}

// newRegistry はアプリケーションとランタイムのメトリクスを登録したレジストリを返す。
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// runServe はAPIサーバーモードで起動する。
// ストアを開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	log := slog.Default()

	// 1. ストア接続
	store, closeStore, err := openStore(context.Background(), cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	// 2. セッショントークン
	secret, err := sessionSecret(cfg)
	if err != nil {
		return fmt.Errorf("failed to prepare signing key: %w", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenConfig{
		Secret: secret,
		TTL:    cfg.AccessTokenTTL,
		Issuer: cfg.TokenIssuer,
	})
	if err != nil {
		return fmt.Errorf("failed to create token issuer: %w", err)
	}

	// 3. メトリクス
	reg := newRegistry()
	collector := metrics.NewCollector(reg)

	// 4. 通知
	notifier, closeNotifier, err := buildNotifier(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to configure notifier: %w", err)
	}
	defer closeNotifier()

	// 5. ドメインサービス
	hasher := auth.NewPasswordHasher()
	authService := auth.NewService(store, hasher, issuer, collector)
	resetManager := reset.NewManager(store, hasher, notifier, collector, log, reset.Config{
		TokenTTL:            cfg.ResetTokenTTL,
		MaxTokensPerAccount: cfg.ResetTokenMaxPerAccount,
		NotifyTimeout:       cfg.ResetNotifyTimeout,
	})

	// 6. ルーター
	rateLimiter := middleware.NewRateLimiter(
		middleware.RateLimiterConfigPerMinute(cfg.RateLimitAuth, cfg.RateLimitGeneral),
	)
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		TokenValidator:    issuer,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		Logger:            log,
		Metrics:           collector,
		MetricsHandler:    metrics.SetupMetricsRoute(reg),
		TrustProxyHeaders: cfg.TrustProxyHeaders,
		HealthChecker:     store,
		Version:           Version,
		AuthService:       authService,
		ResetService:      resetManager,
		AuthConfig:        handler.AuthHandlerConfig{TokenTTL: issuer.TTL()},
	})

	// 7. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("server listen error: %w", err)
	case <-stop:
	}
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	// 送信中のリセット通知を待ってから通知先を閉じる
	resetManager.Wait()

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// ストアを開き、期限切れリセットトークンのクリーンアップを定期実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	wm, err := startWorkerMetrics(cfg.WorkerMetricsPort)
	if err != nil {
		return err
	}
	defer wm.stop()

	job := cleanup.NewCleanupJob(store, slog.Default(), wm.collector)
	job.Retention = cfg.ResetTokenRetention

	slog.Info("worker starting",
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
		slog.Duration("retention", cfg.ResetTokenRetention),
	)

	// ctxがキャンセルされるまでブロックする
	job.Start(ctx, cfg.CleanupInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// workerMetrics はワーカーのメトリクス公開状態を保持する。
type workerMetrics struct {
	collector metrics.MetricsCollector
	port      int // 0の場合は公開していない
	stop      func()
}

// startWorkerMetrics はportが指定されている場合に/metricsを公開するHTTPサーバーを起動する。
// 未指定の場合は何も記録しないコレクターを返す。
func startWorkerMetrics(port string) (*workerMetrics, error) {
	if port == "" {
		return &workerMetrics{collector: metrics.Nop{}, stop: func() {}}, nil
	}

	ln, err := net.Listen("tcp", ":"+port)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for worker metrics: %w", err)
	}

	reg := newRegistry()
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.SetupMetricsRoute(reg))
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("worker metrics server error", slog.String("error", err.Error()))
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	slog.Info("worker metrics server starting", slog.Int("port", addr.Port))

	return &workerMetrics{
		collector: metrics.NewCollector(reg),
		port:      addr.Port,
		stop: func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				slog.Warn("failed to stop worker metrics server", slog.String("error", err.Error()))
			}
		},
	}, nil
}

// runMigrate はストアのスキーマを最新化する。
// PostgreSQLではマイグレーションを適用し、MongoDBでは一意インデックスを作成する。
func runMigrate(cfg *config.Config) error {
	if cfg.StoreDriver == config.StoreDriverMongo {
		slog.Info("ensuring mongodb indexes", slog.String("database", cfg.MongoDatabase))
		// openStoreがインデックス作成まで行う
		_, closeStore, err := openStore(context.Background(), cfg)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		closeStore()
		slog.Info("mongodb indexes are up to date")
		return nil
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
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

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
