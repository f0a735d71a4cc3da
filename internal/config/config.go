package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// ストアドライバーの種類
const (
	StoreDriverPostgres = "postgres"
	StoreDriverMongo    = "mongo"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Store
	StoreDriver    string
	DatabaseURL    string
	DBMaxOpenConns int
	MongoURI       string
	MongoDatabase  string

	// Session token
	SecretKey      string // 未設定の場合は起動時に生成する
	AccessTokenTTL time.Duration
	TokenIssuer    string

	// Reset token
	ResetTokenTTL           time.Duration
	ResetTokenMaxPerAccount int
	ResetTokenRetention     time.Duration
	CleanupInterval         time.Duration
	ResetLinkBaseURL        string
	ResetNotifyTimeout      time.Duration

	// SMTP
	SMTPHost        string
	SMTPPort        int
	SMTPUsername    string
	SMTPPassword    string
	SMTPFrom        string
	SMTPConfigFile  string
	SMTPSendTimeout time.Duration

	// Rate Limit（1分あたりのリクエスト数）
	RateLimitAuth    int
	RateLimitGeneral int

	// Server
	ServerPort        string
	CORSAllowedOrigin string
	TrustProxyHeaders bool // X-Forwarded-For等を信用するのは信頼できるプロキシ配下のみ

	// Worker
	WorkerMetricsPort string // 空の場合はワーカーのメトリクスを公開しない

	// Logging
	LogLevel string
}

// Load は環境変数からConfigを読み込む。
// ストアドライバーに応じた必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.StoreDriver = getEnvString("STORE_DRIVER", StoreDriverPostgres)
	if cfg.StoreDriver != StoreDriverPostgres && cfg.StoreDriver != StoreDriverMongo {
		return nil, fmt.Errorf("unsupported STORE_DRIVER: %q (want %q or %q)", cfg.StoreDriver, StoreDriverPostgres, StoreDriverMongo)
	}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.StoreDriver == StoreDriverPostgres && cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.MongoURI = os.Getenv("MONGODB_URI")
	if cfg.StoreDriver == StoreDriverMongo && cfg.MongoURI == "" {
		missing = append(missing, "MONGODB_URI")
	}

	cfg.SMTPHost = os.Getenv("SMTP_HOST")
	cfg.SMTPConfigFile = os.Getenv("SMTP_CONFIG_FILE")
	cfg.SMTPFrom = os.Getenv("SMTP_FROM")
	if cfg.SMTPHost != "" && cfg.SMTPConfigFile == "" && cfg.SMTPFrom == "" {
		missing = append(missing, "SMTP_FROM")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.MongoDatabase = getEnvString("MONGODB_DATABASE", "chatbot_auth")
	cfg.DBMaxOpenConns = getEnvInt("DB_MAX_OPEN_CONNS", 20)
	cfg.SecretKey = os.Getenv("SECRET_KEY")
	cfg.AccessTokenTTL = time.Duration(getEnvInt("ACCESS_TOKEN_TTL_MINUTES", 30)) * time.Minute
	cfg.TokenIssuer = getEnvString("TOKEN_ISSUER", "chatauth")
	cfg.ResetTokenTTL = getEnvDuration("RESET_TOKEN_TTL", time.Hour)
	cfg.ResetTokenMaxPerAccount = getEnvInt("RESET_TOKEN_MAX_PER_ACCOUNT", 5)
	cfg.ResetTokenRetention = getEnvDuration("RESET_TOKEN_RETENTION", 24*time.Hour)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", time.Hour)
	cfg.ResetLinkBaseURL = getEnvString("RESET_LINK_BASE_URL", "http://localhost:8000/auth/reset-password")
	cfg.ResetNotifyTimeout = getEnvDuration("RESET_NOTIFY_TIMEOUT", 30*time.Second)
	cfg.SMTPPort = getEnvInt("SMTP_PORT", 587)
	cfg.SMTPUsername = os.Getenv("SMTP_USERNAME")
	cfg.SMTPPassword = os.Getenv("SMTP_PASSWORD")
	cfg.SMTPSendTimeout = getEnvDuration("SMTP_SEND_TIMEOUT", 10*time.Second)
	cfg.RateLimitAuth = getEnvInt("RATE_LIMIT_AUTH", 10)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8000")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")
	cfg.TrustProxyHeaders = getEnvBool("TRUST_PROXY_HEADERS", false)
	cfg.WorkerMetricsPort = os.Getenv("WORKER_METRICS_PORT")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	return cfg, nil
}

// SMTPEnabled はSMTPによる通知送信が設定されているかを返す。
func (c *Config) SMTPEnabled() bool {
	return c.SMTPHost != "" || c.SMTPConfigFile != ""
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
