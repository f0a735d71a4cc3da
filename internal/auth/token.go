package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken はセッショントークンが検証できない場合に返す。
// 署名不一致・形式不正・期限切れ・発行者不一致のいずれでも同じエラーになる。
var ErrInvalidToken = errors.New("invalid session token")

// DefaultTokenTTL はセッショントークンのデフォルト有効期間。
const DefaultTokenTTL = 30 * time.Minute

// TokenConfig はTokenIssuerの設定。
// Secretはプロセス起動時に1回だけ決定し、以降変更しない。
type TokenConfig struct {
	Secret []byte
	TTL    time.Duration
	Issuer string
}

// SessionClaims はセッショントークンのクレーム。
// Subjectにアカウントの内部IDを格納する。
type SessionClaims struct {
	jwt.RegisteredClaims
}

// AccountID はトークンに紐付くアカウントIDを返す。
func (c *SessionClaims) AccountID() string {
	return c.Subject
}

// TokenIssuer はHS256署名付きのセッショントークンを発行・検証する。
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	issuer string
	now    func() time.Time
}

// NewTokenIssuer はTokenIssuerを生成する。
// Secretが空の場合はエラーを返す。TTLが未指定の場合は30分を使用する。
func NewTokenIssuer(cfg TokenConfig) (*TokenIssuer, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("token secret must not be empty")
	}
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenIssuer{
		secret: cfg.Secret,
		ttl:    ttl,
		issuer: cfg.Issuer,
		now:    time.Now,
	}, nil
}

// GenerateSecret は署名用のランダムな32バイトの鍵を生成する。
// SECRET_KEY未設定時に起動時1回だけ使用する。
func GenerateSecret() ([]byte, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to generate token secret: %w", err)
	}
	return b, nil
}

// TTL はデフォルトの有効期間を返す。
func (i *TokenIssuer) TTL() time.Duration {
	return i.ttl
}

// Issue はデフォルトTTLでトークンを発行し、トークン文字列と有効期限を返す。
func (i *TokenIssuer) Issue(accountID string) (string, time.Time, error) {
	return i.IssueWithTTL(accountID, i.ttl)
}

// IssueWithTTL は指定TTLでトークンを発行する。
// ttlが0以下のトークンは発行直後から無効となる。
func (i *TokenIssuer) IssueWithTTL(accountID string, ttl time.Duration) (string, time.Time, error) {
	if accountID == "" {
		return "", time.Time{}, errors.New("account ID must not be empty")
	}

	now := i.now()
	expiresAt := now.Add(ttl)
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign session token: %w", err)
	}
	return signed, expiresAt, nil
}

// Validate はトークンの署名と有効期限を検証し、クレームを返す。
// 検証に失敗した場合は常にErrInvalidTokenを返す。
func (i *TokenIssuer) Validate(tokenString string) (*SessionClaims, error) {
	if tokenString == "" {
		return nil, ErrInvalidToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	}
	if i.issuer != "" {
		opts = append(opts, jwt.WithIssuer(i.issuer))
	}

	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return i.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
