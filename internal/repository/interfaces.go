// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/chatauth/internal/model"
)

// AccountRepository はアカウントデータの永続化インターフェース。
// リセットトークンの追加・消費は1アカウント単位の原子的な更新として実装する。
type AccountRepository interface {
	// Create はアカウントを作成する。IDが空の場合はストアが採番する。
	// 顧客IDまたはメールアドレスが重複する場合は重複エラー（*model.APIError）を返す。
	Create(ctx context.Context, account *model.Account) error

	// FindByID は指定IDのアカウントを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Account, error)

	// FindByExternalID は顧客IDでアカウントを検索する。見つからない場合はnilを返す。
	FindByExternalID(ctx context.Context, externalID string) (*model.Account, error)

	// FindByEmail はメールアドレスでアカウントを検索する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.Account, error)

	// FindByResetToken は未使用かつ有効期限内のリセットトークンを持つアカウントを検索する。
	// 見つからない場合はnilを返す。
	FindByResetToken(ctx context.Context, tokenHash string, now time.Time) (*model.Account, error)

	// UpdatePassword はパスワードダイジェストを置き換え、updated_atを更新する。
	UpdatePassword(ctx context.Context, accountID, digest string) error

	// AppendResetToken はリセットトークンを追加する。
	// 追加後に新しい順でkeep件を超えるトークンは古いものから削除する。
	AppendResetToken(ctx context.Context, accountID string, token model.ResetToken, keep int) error

	// MarkResetTokenUsed はトークンを使用済みにし、同時にパスワードダイジェストを更新する。
	// トークンが未使用かつ有効期限内である場合のみ更新し、更新できた場合にtrueを返す。
	MarkResetTokenUsed(ctx context.Context, accountID, tokenHash, digest string, now time.Time) (bool, error)

	// TouchLastLogin は最終ログイン日時を更新する。
	TouchLastLogin(ctx context.Context, accountID string) error

	// PruneResetTokens は有効期限がbefore以前のリセットトークンを削除し、
	// 更新したアカウント数を返す。
	PruneResetTokens(ctx context.Context, before time.Time) (int64, error)

	// Ping はストアへの接続を確認する。
	Ping(ctx context.Context) error
}
