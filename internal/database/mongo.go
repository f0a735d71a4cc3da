package database

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// AccountsCollection はアカウントを保持するMongoDBコレクション名。
const AccountsCollection = "accounts"

// mongoConnectTimeout は初回接続確認のタイムアウト。
const mongoConnectTimeout = 10 * time.Second

// OpenMongo はMongoDBクライアントを生成し、プライマリへの疎通を確認する。
// uriはMongoDBの接続URIを指定する（例: "mongodb://localhost:27017"）。
func OpenMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect mongodb: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, mongoConnectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	return client, nil
}

// AccountCollection は指定データベースのaccountsコレクションを返す。
func AccountCollection(client *mongo.Client, database string) *mongo.Collection {
	return client.Database(database).Collection(AccountsCollection)
}
