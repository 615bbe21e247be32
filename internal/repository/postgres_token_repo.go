package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/friendsync/internal/model"
)

// PostgresTokenRepo はPostgreSQLを使用したトークン索引リポジトリ。
// tokensテーブルは token を主キー、(identity_key, kind) を一意キーとして持つ。
type PostgresTokenRepo struct {
	db *sql.DB
}

// NewPostgresTokenRepo はPostgresTokenRepoを生成する。
func NewPostgresTokenRepo(db *sql.DB) *PostgresTokenRepo {
	return &PostgresTokenRepo{db: db}
}

// Put は (identityKey, kind) のトークンを1文のUPSERTで置き換える。
// 行のtokenが書き換わるため、旧トークンの逆引きは同時に無効になる。
func (r *PostgresTokenRepo) Put(ctx context.Context, identityKey string, kind model.TokenKind, token string) error {
	_, err := conn(ctx, r.db).ExecContext(ctx,
		`INSERT INTO tokens (token, identity_key, kind, created_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (identity_key, kind) DO UPDATE SET
		    token = EXCLUDED.token,
		    created_at = EXCLUDED.created_at`,
		token, identityKey, string(kind),
	)
	if err != nil {
		return fmt.Errorf("トークンの保存に失敗しました: %w", err)
	}
	return nil
}

// FindIdentity はトークンから識別キーを逆引きする。見つからない場合は空文字列を返す。
func (r *PostgresTokenRepo) FindIdentity(ctx context.Context, token string, kind model.TokenKind) (string, error) {
	var identityKey string
	err := conn(ctx, r.db).QueryRowContext(ctx,
		`SELECT identity_key FROM tokens WHERE token = $1 AND kind = $2`,
		token, string(kind),
	).Scan(&identityKey)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("トークンの逆引きに失敗しました: %w", err)
	}
	return identityKey, nil
}

// FindToken は識別キーの現在のトークンを返す。存在しない場合は空文字列を返す。
func (r *PostgresTokenRepo) FindToken(ctx context.Context, identityKey string, kind model.TokenKind) (string, error) {
	var token string
	err := conn(ctx, r.db).QueryRowContext(ctx,
		`SELECT token FROM tokens WHERE identity_key = $1 AND kind = $2`,
		identityKey, string(kind),
	).Scan(&token)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("トークンの取得に失敗しました: %w", err)
	}
	return token, nil
}

// Delete は (identityKey, kind) のトークンを削除する。
func (r *PostgresTokenRepo) Delete(ctx context.Context, identityKey string, kind model.TokenKind) error {
	_, err := conn(ctx, r.db).ExecContext(ctx,
		`DELETE FROM tokens WHERE identity_key = $1 AND kind = $2`,
		identityKey, string(kind),
	)
	if err != nil {
		return fmt.Errorf("トークンの削除に失敗しました: %w", err)
	}
	return nil
}

// DeleteAll は識別キーに紐づく全てのトークンを削除する。
func (r *PostgresTokenRepo) DeleteAll(ctx context.Context, identityKey string) error {
	_, err := conn(ctx, r.db).ExecContext(ctx,
		`DELETE FROM tokens WHERE identity_key = $1`, identityKey,
	)
	if err != nil {
		return fmt.Errorf("トークンの一括削除に失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var _ TokenRepository = (*PostgresTokenRepo)(nil)
