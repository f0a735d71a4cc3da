// Package auth は顧客IDとパスワードによる認証、パスワードハッシュ、セッショントークンを提供する。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/chatauth/internal/metrics"
	"github.com/hitoshi/chatauth/internal/model"
	"github.com/hitoshi/chatauth/internal/repository"
)

// dummyDigest は存在しない顧客IDでのログイン時に照合する固定ダイジェスト。
// 存在するアカウントと同じだけハッシュ計算を行い、応答時間の差を小さくする。
const dummyDigest = "00000000000000000000000000000000:" +
	"0000000000000000000000000000000000000000000000000000000000000000"

// SessionIssuer はセッショントークンを発行するインターフェース。
type SessionIssuer interface {
	Issue(accountID string) (string, time.Time, error)
}

// SignupInput はサインアップの入力。
type SignupInput struct {
	ExternalID string
	Email      string
	Password   string
}

// AuthResult はサインアップ・ログイン成功時の結果。
type AuthResult struct {
	AccessToken string
	ExpiresAt   time.Time
	Account     *model.Account
}

// Service はサインアップ、ログイン、認証済みアカウントの参照を提供する。
type Service struct {
	accounts repository.AccountRepository
	hasher   PasswordHasher
	tokens   SessionIssuer
	metrics  metrics.MetricsCollector
	now      func() time.Time
}

// NewService はServiceを生成する。collectorがnilの場合はメトリクスを記録しない。
func NewService(
	accounts repository.AccountRepository,
	hasher PasswordHasher,
	tokens SessionIssuer,
	collector metrics.MetricsCollector,
) *Service {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Service{
		accounts: accounts,
		hasher:   hasher,
		tokens:   tokens,
		metrics:  collector,
		now:      time.Now,
	}
}

// Signup はアカウントを作成し、セッショントークンを発行する。
// 形式検証と重複確認はすべて書き込みの前に行う。
func (s *Service) Signup(ctx context.Context, in SignupInput) (result *AuthResult, err error) {
	defer func() { s.metrics.RecordSignup(resultLabel(err)) }()

	if err := ValidateExternalID(in.ExternalID); err != nil {
		return nil, err
	}
	email := NormalizeEmail(in.Email)
	if err := ValidateEmail(email); err != nil {
		return nil, err
	}
	if err := ValidatePassword(in.Password); err != nil {
		return nil, err
	}

	existing, err := s.accounts.FindByExternalID(ctx, in.ExternalID)
	if err != nil {
		return nil, model.NewDependencyFailure("find account by external id", err)
	}
	if existing != nil {
		return nil, model.NewDuplicateExternalIDError()
	}
	existing, err = s.accounts.FindByEmail(ctx, email)
	if err != nil {
		return nil, model.NewDependencyFailure("find account by email", err)
	}
	if existing != nil {
		return nil, model.NewDuplicateEmailError()
	}

	digest, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	now := s.now().UTC()
	account := &model.Account{
		ExternalID:     in.ExternalID,
		Email:          email,
		PasswordDigest: digest,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	// 事前確認と作成の間に競合した場合はストアの一意制約で重複エラーになる
	if err := s.accounts.Create(ctx, account); err != nil {
		var apiErr *model.APIError
		if errors.As(err, &apiErr) {
			return nil, apiErr
		}
		return nil, model.NewDependencyFailure("create account", err)
	}

	token, expiresAt, err := s.tokens.Issue(account.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to issue session token: %w", err)
	}

	slog.Info("account created",
		slog.String("account_id", account.ID),
		slog.String("external_id", account.ExternalID),
	)
	return &AuthResult{AccessToken: token, ExpiresAt: expiresAt, Account: account}, nil
}

// Login は顧客IDとパスワードを検証し、セッショントークンを発行する。
// 顧客IDの不存在・パスワード不一致・無効アカウントはすべて同じ認証失敗エラーを返す。
func (s *Service) Login(ctx context.Context, externalID, password string) (result *AuthResult, err error) {
	defer func() { s.metrics.RecordLogin(resultLabel(err)) }()

	account, err := s.accounts.FindByExternalID(ctx, externalID)
	if err != nil {
		return nil, model.NewDependencyFailure("find account by external id", err)
	}

	if account == nil {
		s.hasher.Verify(password, dummyDigest)
		return nil, model.NewAuthFailedError()
	}
	if !s.hasher.Verify(password, account.PasswordDigest) || !account.Active {
		return nil, model.NewAuthFailedError()
	}

	if err := s.accounts.TouchLastLogin(ctx, account.ID); err != nil {
		slog.Warn("failed to update last login",
			slog.String("account_id", account.ID),
			slog.String("error", err.Error()),
		)
	} else {
		now := s.now().UTC()
		account.LastLoginAt = &now
	}

	token, expiresAt, err := s.tokens.Issue(account.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to issue session token: %w", err)
	}

	slog.Info("account logged in", slog.String("account_id", account.ID))
	return &AuthResult{AccessToken: token, ExpiresAt: expiresAt, Account: account}, nil
}

// CurrentAccount はセッションに紐付くアカウントを返す。
// トークン発行後にアカウントが無効化された場合は未認証として扱う。
func (s *Service) CurrentAccount(ctx context.Context, accountID string) (*model.Account, error) {
	account, err := s.accounts.FindByID(ctx, accountID)
	if err != nil {
		return nil, model.NewDependencyFailure("find account by id", err)
	}
	if account == nil {
		return nil, model.NewAccountNotFoundError()
	}
	if !account.Active {
		return nil, model.NewUnauthenticatedError()
	}
	return account, nil
}

// Logout はログアウトを記録する。
// セッショントークンはサーバー側に状態を持たないため、破棄はクライアントが行う。
// 削除・無効化されたアカウントのトークンはCurrentAccountと同じエラーで拒否する。
func (s *Service) Logout(ctx context.Context, accountID string) error {
	account, err := s.CurrentAccount(ctx, accountID)
	if err != nil {
		return err
	}
	slog.Info("account logged out", slog.String("account_id", account.ID))
	return nil
}

// resultLabel はエラーをメトリクスの結果ラベルに変換する。
// 入力や認証情報による拒否とシステム障害を区別する。
func resultLabel(err error) string {
	if err == nil {
		return metrics.ResultSuccess
	}
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return metrics.ResultRejected
	}
	return metrics.ResultFailure
}
