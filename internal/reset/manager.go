// Package reset はパスワードリセットとパスワード変更のフローを提供する。
package reset

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/chatauth/internal/auth"
	"github.com/hitoshi/chatauth/internal/metrics"
	"github.com/hitoshi/chatauth/internal/model"
	"github.com/hitoshi/chatauth/internal/repository"
)

// Acknowledgement はリセット要求に対して常に返す応答メッセージ。
// 顧客IDの存在有無によらず同一の文字列を返す。
const Acknowledgement = "顧客IDが登録されている場合、パスワードリセット用のメールを送信しました。"

// リセットトークンの既定値
const (
	DefaultTokenTTL            = time.Hour
	DefaultMaxTokensPerAccount = 5
	DefaultNotifyTimeout       = 30 * time.Second
	tokenBytes                 = 32
)

// Notifier はリセットトークンをアカウント所有者に届けるインターフェース。
type Notifier interface {
	SendResetNotification(ctx context.Context, email, token string) error
}

// Config はManagerの設定。
type Config struct {
	TokenTTL            time.Duration // リセットトークンの有効期間
	MaxTokensPerAccount int           // アカウントごとに保持するトークン数の上限
	NotifyTimeout       time.Duration // 通知1件あたりの送信期限
}

// Manager はリセットトークンの発行・消費とパスワード変更を扱う。
type Manager struct {
	accounts repository.AccountRepository
	hasher   auth.PasswordHasher
	notifier Notifier
	metrics  metrics.MetricsCollector
	logger   *slog.Logger
	config   Config
	now      func() time.Time

	// dispatch は通知送信を実行する。既定ではgoroutineで非同期に実行する
	dispatch func(func())
	pending  sync.WaitGroup
}

// NewManager はManagerを生成する。
// Configのゼロ値は既定値（有効期間1時間、上限5件）で補う。
func NewManager(
	accounts repository.AccountRepository,
	hasher auth.PasswordHasher,
	notifier Notifier,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	cfg Config,
) *Manager {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	if cfg.MaxTokensPerAccount <= 0 {
		cfg.MaxTokensPerAccount = DefaultMaxTokensPerAccount
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = DefaultNotifyTimeout
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		accounts: accounts,
		hasher:   hasher,
		notifier: notifier,
		metrics:  collector,
		logger:   logger,
		config:   cfg,
		now:      time.Now,
	}
	m.dispatch = m.runAsync
	return m
}

func (m *Manager) runAsync(fn func()) {
	m.pending.Add(1)
	go func() {
		defer m.pending.Done()
		fn()
	}()
}

// Wait は送信中の通知がすべて終わるまで待つ。シャットダウン時に呼び出す。
func (m *Manager) Wait() {
	m.pending.Wait()
}

// HashToken はリセットトークンの保存用ハッシュ（SHA-256の16進表現）を返す。
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func generateToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate reset token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func (m *Manager) timestamp() time.Time {
	return m.now().UTC().Truncate(time.Microsecond)
}

// RequestReset はリセットトークンを発行して通知する。
// 顧客IDが存在しない・形式不正・無効アカウントの場合は何も変更せず、成功時と同じ応答を返す。
// 通知は応答後に非同期で送信するため、応答時間は通知先の状態に左右されない。
// 通知の失敗はログとメトリクスに記録するのみで呼び出し元には返さない。
func (m *Manager) RequestReset(ctx context.Context, externalID string) (string, error) {
	if err := auth.ValidateExternalID(externalID); err != nil {
		return Acknowledgement, nil
	}

	account, err := m.accounts.FindByExternalID(ctx, externalID)
	if err != nil {
		return "", model.NewDependencyFailure("find account by external id", err)
	}
	if account == nil || !account.Active {
		m.logger.Debug("reset requested for unknown or inactive account")
		return Acknowledgement, nil
	}

	token, err := generateToken()
	if err != nil {
		return "", err
	}
	now := m.timestamp()
	entry := model.ResetToken{
		TokenHash: HashToken(token),
		ExpiresAt: now.Add(m.config.TokenTTL),
		Used:      false,
		CreatedAt: now,
	}
	if err := m.accounts.AppendResetToken(ctx, account.ID, entry, m.config.MaxTokensPerAccount); err != nil {
		return "", model.NewDependencyFailure("append reset token", err)
	}
	m.metrics.RecordResetRequested()
	m.logger.Info("reset token issued",
		slog.String("account_id", account.ID),
		slog.Time("expires_at", entry.ExpiresAt),
	)

	// リクエストのキャンセルで送信が打ち切られないよう、値だけを引き継ぐ
	notifyCtx := context.WithoutCancel(ctx)
	accountID, email := account.ID, account.Email
	m.dispatch(func() {
		m.notify(notifyCtx, accountID, email, token)
	})
	return Acknowledgement, nil
}

func (m *Manager) notify(ctx context.Context, accountID, email, token string) {
	ctx, cancel := context.WithTimeout(ctx, m.config.NotifyTimeout)
	defer cancel()

	if err := m.notifier.SendResetNotification(ctx, email, token); err != nil {
		m.metrics.RecordNotificationFailure()
		m.logger.Error("failed to send reset notification",
			slog.String("account_id", accountID),
			slog.String("error", err.Error()),
		)
		return
	}
	m.logger.Debug("reset notification sent", slog.String("account_id", accountID))
}

// ConsumeReset はリセットトークンを消費してパスワードを置き換える。
// パスワード強度を先に検証し、トークンの使用済み化とパスワード更新は1回の条件付き更新で行う。
// 同じトークンへの同時リクエストは1件だけが成功する。
// 無効化されたアカウントのトークンは無効なトークンとして扱う。
func (m *Manager) ConsumeReset(ctx context.Context, token, newPassword string) (err error) {
	defer func() {
		switch {
		case err == nil:
			m.metrics.RecordResetConsumed(metrics.ResultSuccess)
		case model.ErrorCode(err) != "":
			m.metrics.RecordResetConsumed(metrics.ResultRejected)
		default:
			m.metrics.RecordResetConsumed(metrics.ResultFailure)
		}
	}()

	if err := auth.ValidatePassword(newPassword); err != nil {
		return err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return model.NewInvalidResetTokenError()
	}

	tokenHash := HashToken(token)
	now := m.timestamp()

	account, err := m.accounts.FindByResetToken(ctx, tokenHash, now)
	if err != nil {
		return model.NewDependencyFailure("find account by reset token", err)
	}
	if account == nil || !account.Active {
		return model.NewInvalidResetTokenError()
	}

	digest, err := m.hasher.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	redeemed, err := m.accounts.MarkResetTokenUsed(ctx, account.ID, tokenHash, digest, now)
	if err != nil {
		return model.NewDependencyFailure("mark reset token used", err)
	}
	if !redeemed {
		return model.NewInvalidResetTokenError()
	}

	m.logger.Info("password reset completed", slog.String("account_id", account.ID))
	return nil
}

// ChangePassword は現在のパスワードを確認したうえでパスワードを変更する。
// 現在のパスワードが一致しない場合はダイジェストを変更しない。
// 無効化されたアカウントはトークンが有効期限内でも未認証として扱う。
func (m *Manager) ChangePassword(ctx context.Context, accountID, currentPassword, newPassword string) error {
	account, err := m.accounts.FindByID(ctx, accountID)
	if err != nil {
		return model.NewDependencyFailure("find account by id", err)
	}
	if account == nil {
		return model.NewAccountNotFoundError()
	}
	if !account.Active {
		return model.NewUnauthenticatedError()
	}
	if !m.hasher.Verify(currentPassword, account.PasswordDigest) {
		return model.NewWrongPasswordError()
	}
	if err := auth.ValidatePassword(newPassword); err != nil {
		return err
	}

	digest, err := m.hasher.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	if err := m.accounts.UpdatePassword(ctx, account.ID, digest); err != nil {
		return model.NewDependencyFailure("update password", err)
	}

	m.logger.Info("password changed", slog.String("account_id", account.ID))
	return nil
}
