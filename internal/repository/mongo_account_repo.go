package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hitoshi/chatauth/internal/model"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// MongoDBのインデックス名。重複エラーの判別にも使用する。
const (
	MongoIndexExternalID = "uniq_external_id"
	MongoIndexEmail      = "uniq_email"
	MongoIndexResetToken = "uniq_reset_token_hash"
)

// accountDocument はaccountsコレクションのドキュメント表現。
type accountDocument struct {
	ID             primitive.ObjectID `bson:"_id,omitempty"`
	ExternalID     string             `bson:"external_id"`
	Email          string             `bson:"email"`
	PasswordDigest string             `bson:"password_digest"`
	Active         bool               `bson:"active"`
	EmailVerified  bool               `bson:"email_verified"`
	ResetTokens    []model.ResetToken `bson:"reset_tokens"`
	LastLoginAt    *time.Time         `bson:"last_login_at,omitempty"`
	CreatedAt      time.Time          `bson:"created_at"`
	UpdatedAt      time.Time          `bson:"updated_at"`
}

func (d *accountDocument) toModel() *model.Account {
	return &model.Account{
		ID:             d.ID.Hex(),
		ExternalID:     d.ExternalID,
		Email:          d.Email,
		PasswordDigest: d.PasswordDigest,
		Active:         d.Active,
		EmailVerified:  d.EmailVerified,
		ResetTokens:    d.ResetTokens,
		LastLoginAt:    d.LastLoginAt,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}
}

// MongoAccountRepo はMongoDBを使用したアカウントリポジトリ。
// 1アカウント=1ドキュメントとし、リセットトークンは埋め込み配列で保持する。
// 単一ドキュメント更新の原子性によりトークン消費の競合を防ぐ。
type MongoAccountRepo struct {
	coll *mongo.Collection
}

// NewMongoAccountRepo はMongoAccountRepoを生成する。
func NewMongoAccountRepo(coll *mongo.Collection) *MongoAccountRepo {
	return &MongoAccountRepo{coll: coll}
}

// EnsureIndexes は顧客ID・メールアドレス・リセットトークンの一意インデックスを作成する。
// 既に存在する場合は何もしない。
func (r *MongoAccountRepo) EnsureIndexes(ctx context.Context) error {
	models := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "external_id", Value: 1}},
			Options: options.Index().SetName(MongoIndexExternalID).SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "email", Value: 1}},
			Options: options.Index().SetName(MongoIndexEmail).SetUnique(true),
		},
		{
			// 空配列のドキュメント同士が衝突しないよう部分インデックスにする
			Keys: bson.D{{Key: "reset_tokens.token_hash", Value: 1}},
			Options: options.Index().
				SetName(MongoIndexResetToken).
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"reset_tokens.token_hash": bson.M{"$exists": true}}),
		},
	}
	if _, err := r.coll.Indexes().CreateMany(ctx, models); err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}
	return nil
}

// Create はアカウントを作成する。IDはMongoDBのObjectIDを採番する。
func (r *MongoAccountRepo) Create(ctx context.Context, account *model.Account) error {
	now := time.Now().UTC()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	if account.UpdatedAt.IsZero() {
		account.UpdatedAt = account.CreatedAt
	}
	account.Active = true
	account.ResetTokens = nil

	doc := accountDocument{
		ExternalID:     account.ExternalID,
		Email:          account.Email,
		PasswordDigest: account.PasswordDigest,
		Active:         account.Active,
		EmailVerified:  account.EmailVerified,
		ResetTokens:    []model.ResetToken{},
		CreatedAt:      account.CreatedAt,
		UpdatedAt:      account.UpdatedAt,
	}

	result, err := r.coll.InsertOne(ctx, doc)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			if strings.Contains(err.Error(), MongoIndexEmail) {
				return model.NewDuplicateEmailError()
			}
			return model.NewDuplicateExternalIDError()
		}
		return fmt.Errorf("failed to insert account: %w", err)
	}

	oid, ok := result.InsertedID.(primitive.ObjectID)
	if !ok {
		return fmt.Errorf("unexpected inserted ID type: %T", result.InsertedID)
	}
	account.ID = oid.Hex()
	return nil
}

func (r *MongoAccountRepo) findOne(ctx context.Context, filter any) (*model.Account, error) {
	var doc accountDocument
	err := r.coll.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return doc.toModel(), nil
}

// FindByID は指定IDのアカウントを取得する。見つからない場合はnilを返す。
func (r *MongoAccountRepo) FindByID(ctx context.Context, id string) (*model.Account, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, nil
	}
	account, err := r.findOne(ctx, bson.M{"_id": oid})
	if err != nil {
		return nil, fmt.Errorf("failed to find account by ID: %w", err)
	}
	return account, nil
}

// FindByExternalID は顧客IDでアカウントを検索する。見つからない場合はnilを返す。
func (r *MongoAccountRepo) FindByExternalID(ctx context.Context, externalID string) (*model.Account, error) {
	account, err := r.findOne(ctx, bson.M{"external_id": externalID})
	if err != nil {
		return nil, fmt.Errorf("failed to find account by external ID: %w", err)
	}
	return account, nil
}

// FindByEmail はメールアドレスでアカウントを検索する。見つからない場合はnilを返す。
func (r *MongoAccountRepo) FindByEmail(ctx context.Context, email string) (*model.Account, error) {
	account, err := r.findOne(ctx, bson.M{"email": email})
	if err != nil {
		return nil, fmt.Errorf("failed to find account by email: %w", err)
	}
	return account, nil
}

func redeemableTokenFilter(tokenHash string, now time.Time) bson.M {
	return bson.M{"$elemMatch": bson.M{
		"token_hash": tokenHash,
		"used":       false,
		"expires_at": bson.M{"$gt": now},
	}}
}

// FindByResetToken は未使用かつ有効期限内のリセットトークンを持つアカウントを検索する。
func (r *MongoAccountRepo) FindByResetToken(ctx context.Context, tokenHash string, now time.Time) (*model.Account, error) {
	account, err := r.findOne(ctx, bson.M{"reset_tokens": redeemableTokenFilter(tokenHash, now)})
	if err != nil {
		return nil, fmt.Errorf("failed to find account by reset token: %w", err)
	}
	return account, nil
}

// UpdatePassword はパスワードダイジェストを置き換え、updated_atを更新する。
func (r *MongoAccountRepo) UpdatePassword(ctx context.Context, accountID, digest string) error {
	oid, err := primitive.ObjectIDFromHex(accountID)
	if err != nil {
		return fmt.Errorf("account not found: %s", accountID)
	}
	result, err := r.coll.UpdateByID(ctx, oid, bson.M{"$set": bson.M{
		"password_digest": digest,
		"updated_at":      time.Now().UTC(),
	}})
	if err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("account not found: %s", accountID)
	}
	return nil
}

// AppendResetToken はリセットトークンを追加し、$sliceで新しいkeep件だけ残す。
func (r *MongoAccountRepo) AppendResetToken(ctx context.Context, accountID string, token model.ResetToken, keep int) error {
	oid, err := primitive.ObjectIDFromHex(accountID)
	if err != nil {
		return fmt.Errorf("account not found: %s", accountID)
	}
	if keep < 1 {
		keep = 1
	}
	result, err := r.coll.UpdateByID(ctx, oid, bson.M{
		"$push": bson.M{"reset_tokens": bson.M{
			"$each":  []model.ResetToken{token},
			"$slice": -keep,
		}},
		"$set": bson.M{"updated_at": time.Now().UTC()},
	})
	if err != nil {
		return fmt.Errorf("failed to append reset token: %w", err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("account not found: %s", accountID)
	}
	return nil
}

// MarkResetTokenUsed は$elemMatchで未使用・有効期限内のトークンに一致した場合のみ、
// 位置演算子でそのトークンを使用済みにし、同時にパスワードを更新する。
func (r *MongoAccountRepo) MarkResetTokenUsed(ctx context.Context, accountID, tokenHash, digest string, now time.Time) (bool, error) {
	oid, err := primitive.ObjectIDFromHex(accountID)
	if err != nil {
		return false, nil
	}
	filter := bson.M{
		"_id":          oid,
		"reset_tokens": redeemableTokenFilter(tokenHash, now),
	}
	update := bson.M{"$set": bson.M{
		"password_digest":     digest,
		"updated_at":          now,
		"reset_tokens.$.used": true,
	}}
	result, err := r.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, fmt.Errorf("failed to mark reset token used: %w", err)
	}
	return result.ModifiedCount == 1, nil
}

// TouchLastLogin は最終ログイン日時を現在時刻に更新する。
func (r *MongoAccountRepo) TouchLastLogin(ctx context.Context, accountID string) error {
	oid, err := primitive.ObjectIDFromHex(accountID)
	if err != nil {
		return fmt.Errorf("account not found: %s", accountID)
	}
	if _, err := r.coll.UpdateByID(ctx, oid, bson.M{"$set": bson.M{"last_login_at": time.Now().UTC()}}); err != nil {
		return fmt.Errorf("failed to update last login: %w", err)
	}
	return nil
}

// PruneResetTokens は有効期限がbefore以前のリセットトークンを$pullで削除する。
func (r *MongoAccountRepo) PruneResetTokens(ctx context.Context, before time.Time) (int64, error) {
	expired := bson.M{"expires_at": bson.M{"$lte": before}}
	result, err := r.coll.UpdateMany(ctx,
		bson.M{"reset_tokens": bson.M{"$elemMatch": expired}},
		bson.M{"$pull": bson.M{"reset_tokens": expired}},
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune reset tokens: %w", err)
	}
	return result.ModifiedCount, nil
}

// Ping はMongoDBへの接続を確認する。
func (r *MongoAccountRepo) Ping(ctx context.Context) error {
	return r.coll.Database().Client().Ping(ctx, readpref.Primary())
}

// compile-time interface check
var _ AccountRepository = (*MongoAccountRepo)(nil)
