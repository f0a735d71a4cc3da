// Package model はドメインモデルを定義する。
package model

import "time"

// Account は顧客IDとパスワードで認証するアカウントを表す。
// 物理削除は行わず、無効化はActiveフラグで表現する。
type Account struct {
	ID             string
	ExternalID     string // 顧客ID（6〜20文字の英数字）
	Email          string
	PasswordDigest string // "salt:hash" 形式
	Active         bool
	EmailVerified  bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastLoginAt    *time.Time
	ResetTokens    []ResetToken
}

// ResetToken はパスワードリセット用のワンタイムトークンを表す。
// 平文トークンは通知にのみ含め、永続化するのはSHA-256ハッシュのみ。
type ResetToken struct {
	TokenHash string    `json:"token_hash" bson:"token_hash"`
	ExpiresAt time.Time `json:"expires_at" bson:"expires_at"`
	Used      bool      `json:"used" bson:"used"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
}

// IsRedeemable はトークンが未使用かつ有効期限内であればtrueを返す。
// 有効期限ちょうどの時刻は期限切れとして扱う。
func (t ResetToken) IsRedeemable(now time.Time) bool {
	return !t.Used && now.Before(t.ExpiresAt)
}

// AccountSummary はAPIレスポンスに含めるアカウント情報。
// パスワードダイジェストとリセットトークンは含めない。
type AccountSummary struct {
	ID            string     `json:"id"`
	ExternalID    string     `json:"customer_id"`
	Email         string     `json:"email"`
	EmailVerified bool       `json:"email_verified"`
	Active        bool       `json:"is_active"`
	CreatedAt     time.Time  `json:"created_at"`
	LastLoginAt   *time.Time `json:"last_login_at"`
}

// Summary はアカウントの公開用サマリーを返す。
func (a *Account) Summary() AccountSummary {
	return AccountSummary{
		ID:            a.ID,
		ExternalID:    a.ExternalID,
		Email:         a.Email,
		EmailVerified: a.EmailVerified,
		Active:        a.Active,
		CreatedAt:     a.CreatedAt,
		LastLoginAt:   a.LastLoginAt,
	}
}
