package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/chatauth/internal/model"
	"github.com/lib/pq"
)

// PostgreSQLの一意制約違反を表すエラーコード。
const pqUniqueViolation = "23505"

// 制約名はマイグレーション 000001_create_accounts で定義している。
const (
	constraintExternalID = "accounts_external_id_key"
	constraintEmail      = "accounts_email_key"
)

const accountColumns = `id, external_id, email, password_digest, active, email_verified,
	reset_tokens, last_login_at, created_at, updated_at`

// PostgresAccountRepo はPostgreSQLを使用したアカウントリポジトリ。
// リセットトークンはaccounts.reset_tokens（JSONB配列）に保持し、
// 追加・消費は単一のUPDATE文で原子的に行う。
type PostgresAccountRepo struct {
	db *sql.DB
}

// NewPostgresAccountRepo はPostgresAccountRepoを生成する。
func NewPostgresAccountRepo(db *sql.DB) *PostgresAccountRepo {
	return &PostgresAccountRepo{db: db}
}

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*model.Account, error) {
	account := &model.Account{}
	var tokens []byte
	var lastLogin sql.NullTime
	err := row.Scan(
		&account.ID, &account.ExternalID, &account.Email, &account.PasswordDigest,
		&account.Active, &account.EmailVerified, &tokens, &lastLogin,
		&account.CreatedAt, &account.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lastLogin.Valid {
		t := lastLogin.Time
		account.LastLoginAt = &t
	}
	if len(tokens) > 0 {
		if err := json.Unmarshal(tokens, &account.ResetTokens); err != nil {
			return nil, fmt.Errorf("failed to decode reset tokens: %w", err)
		}
	}
	return account, nil
}

func (r *PostgresAccountRepo) findOne(ctx context.Context, query string, args ...any) (*model.Account, error) {
	account, err := scanAccount(r.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return account, nil
}

// Create はアカウントを作成する。
// active=true、空のリセットトークン一覧、現在時刻のタイムスタンプで登録する。
func (r *PostgresAccountRepo) Create(ctx context.Context, account *model.Account) error {
	if account.ID == "" {
		account.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	if account.UpdatedAt.IsZero() {
		account.UpdatedAt = account.CreatedAt
	}
	account.Active = true
	account.ResetTokens = nil

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO accounts (id, external_id, email, password_digest, active, email_verified,
			reset_tokens, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, '[]'::jsonb, $7, $8)`,
		account.ID, account.ExternalID, account.Email, account.PasswordDigest,
		account.Active, account.EmailVerified, account.CreatedAt, account.UpdatedAt,
	)
	if err != nil {
		if dupErr := duplicateError(err); dupErr != nil {
			return dupErr
		}
		return fmt.Errorf("failed to insert account: %w", err)
	}
	return nil
}

// duplicateError は一意制約違反を重複エラーに変換する。該当しない場合はnilを返す。
func duplicateError(err error) *model.APIError {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != pqUniqueViolation {
		return nil
	}
	if pqErr.Constraint == constraintEmail {
		return model.NewDuplicateEmailError()
	}
	return model.NewDuplicateExternalIDError()
}

// FindByID は指定IDのアカウントを取得する。見つからない場合はnilを返す。
func (r *PostgresAccountRepo) FindByID(ctx context.Context, id string) (*model.Account, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}
	account, err := r.findOne(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to find account by ID: %w", err)
	}
	return account, nil
}

// FindByExternalID は顧客IDでアカウントを検索する。見つからない場合はnilを返す。
func (r *PostgresAccountRepo) FindByExternalID(ctx context.Context, externalID string) (*model.Account, error) {
	account, err := r.findOne(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE external_id = $1`, externalID)
	if err != nil {
		return nil, fmt.Errorf("failed to find account by external ID: %w", err)
	}
	return account, nil
}

// FindByEmail はメールアドレスでアカウントを検索する。見つからない場合はnilを返す。
func (r *PostgresAccountRepo) FindByEmail(ctx context.Context, email string) (*model.Account, error) {
	account, err := r.findOne(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE email = $1`, email)
	if err != nil {
		return nil, fmt.Errorf("failed to find account by email: %w", err)
	}
	return account, nil
}

// FindByResetToken は未使用かつ有効期限内のリセットトークンを持つアカウントを検索する。
// @> による絞り込みはGINインデックス（jsonb_path_ops）を利用する。
func (r *PostgresAccountRepo) FindByResetToken(ctx context.Context, tokenHash string, now time.Time) (*model.Account, error) {
	account, err := r.findOne(ctx,
		`SELECT `+accountColumns+` FROM accounts
		 WHERE reset_tokens @> jsonb_build_array(jsonb_build_object('token_hash', $1::text, 'used', false))
		   AND EXISTS (
			SELECT 1 FROM jsonb_array_elements(reset_tokens) AS t(e)
			WHERE t.e->>'token_hash' = $1
			  AND (t.e->>'used')::boolean = false
			  AND (t.e->>'expires_at')::timestamptz > $2
		   )
		 LIMIT 1`,
		tokenHash, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to find account by reset token: %w", err)
	}
	return account, nil
}

// UpdatePassword はパスワードダイジェストを置き換え、updated_atを更新する。
func (r *PostgresAccountRepo) UpdatePassword(ctx context.Context, accountID, digest string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE accounts SET password_digest = $2, updated_at = $3 WHERE id = $1`,
		accountID, digest, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	return requireOneRow(result, accountID)
}

// AppendResetToken はリセットトークンを末尾に追加し、新しい順にkeep件だけ残す。
func (r *PostgresAccountRepo) AppendResetToken(ctx context.Context, accountID string, token model.ResetToken, keep int) error {
	entry, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to encode reset token: %w", err)
	}
	if keep < 1 {
		keep = 1
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE accounts
		 SET reset_tokens = (
				SELECT COALESCE(jsonb_agg(kept.e ORDER BY kept.ord), '[]'::jsonb)
				FROM (
					SELECT x.e, x.ord
					FROM jsonb_array_elements(accounts.reset_tokens || jsonb_build_array($2::jsonb))
						WITH ORDINALITY AS x(e, ord)
					ORDER BY x.ord DESC
					LIMIT $3
				) AS kept
			),
			updated_at = $4
		 WHERE id = $1`,
		accountID, string(entry), keep, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append reset token: %w", err)
	}
	return requireOneRow(result, accountID)
}

// MarkResetTokenUsed はトークンの使用済み化とパスワード更新を1つのUPDATE文で行う。
// WHERE句で未使用・有効期限内を再評価するため、同一トークンへの同時リクエストは
// 行ロックにより直列化され、先に更新した1件だけがtrueを返す。
func (r *PostgresAccountRepo) MarkResetTokenUsed(ctx context.Context, accountID, tokenHash, digest string, now time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE accounts
		 SET password_digest = $3,
			updated_at = $4,
			reset_tokens = (
				SELECT jsonb_agg(
					CASE WHEN x.e->>'token_hash' = $2 THEN jsonb_set(x.e, '{used}', 'true'::jsonb) ELSE x.e END
					ORDER BY x.ord)
				FROM jsonb_array_elements(accounts.reset_tokens) WITH ORDINALITY AS x(e, ord)
			)
		 WHERE id = $1
		   AND EXISTS (
			SELECT 1 FROM jsonb_array_elements(accounts.reset_tokens) AS t(e)
			WHERE t.e->>'token_hash' = $2
			  AND (t.e->>'used')::boolean = false
			  AND (t.e->>'expires_at')::timestamptz > $4
		   )`,
		accountID, tokenHash, digest, now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark reset token used: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected == 1, nil
}

// TouchLastLogin は最終ログイン日時を現在時刻に更新する。
func (r *PostgresAccountRepo) TouchLastLogin(ctx context.Context, accountID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE accounts SET last_login_at = $2 WHERE id = $1`,
		accountID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to update last login: %w", err)
	}
	return nil
}

// PruneResetTokens は有効期限がbefore以前のリセットトークンを削除する。
// 冪等: 削除対象がない場合は0を返す。
func (r *PostgresAccountRepo) PruneResetTokens(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE accounts
		 SET reset_tokens = COALESCE((
				SELECT jsonb_agg(x.e ORDER BY x.ord)
				FROM jsonb_array_elements(accounts.reset_tokens) WITH ORDINALITY AS x(e, ord)
				WHERE (x.e->>'expires_at')::timestamptz > $1
			), '[]'::jsonb)
		 WHERE EXISTS (
			SELECT 1 FROM jsonb_array_elements(accounts.reset_tokens) AS t(e)
			WHERE (t.e->>'expires_at')::timestamptz <= $1
		 )`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune reset tokens: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected, nil
}

// Ping はデータベースへの接続を確認する。
func (r *PostgresAccountRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func requireOneRow(result sql.Result, accountID string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("account not found: %s", accountID)
	}
	return nil
}

// compile-time interface check
var _ AccountRepository = (*PostgresAccountRepo)(nil)
