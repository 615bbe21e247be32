package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/friendsync/internal/model"
)

// PostgresCachedItemRepo はPostgreSQLを使用したキャッシュ記事リポジトリ。
type PostgresCachedItemRepo struct {
	db *sql.DB
}

// NewPostgresCachedItemRepo はPostgresCachedItemRepoを生成する。
func NewPostgresCachedItemRepo(db *sql.DB) *PostgresCachedItemRepo {
	return &PostgresCachedItemRepo{db: db}
}

// ListByIdentity は関係に属する全てのキャッシュ記事を公開日時の降順で返す。
func (r *PostgresCachedItemRepo) ListByIdentity(ctx context.Context, identityKey string) ([]*model.CachedItem, error) {
	rows, err := conn(ctx, r.db).QueryContext(ctx,
		`SELECT id, identity_key, remote_item_id, permalink, title, body, status,
		        comment_count, author_display_name, author_avatar_url,
		        published_at, updated_at, created_at
		 FROM cached_items
		 WHERE identity_key = $1
		 ORDER BY published_at DESC`,
		identityKey,
	)
	if err != nil {
		return nil, fmt.Errorf("キャッシュ記事一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var items []*model.CachedItem
	for rows.Next() {
		item := &model.CachedItem{}
		var permalink, body, authorName, avatarURL sql.NullString

		if err := rows.Scan(
			&item.ID, &item.IdentityKey, &item.RemoteItemID, &permalink,
			&item.Title, &body, &item.Status,
			&item.CommentCount, &authorName, &avatarURL,
			&item.PublishedAt, &item.UpdatedAt, &item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("キャッシュ記事行の読み取りに失敗しました: %w", err)
		}

		item.Permalink = nullStringValue(permalink)
		item.Body = nullStringValue(body)
		item.AuthorDisplayName = nullStringValue(authorName)
		item.AuthorAvatarURL = nullStringValue(avatarURL)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("キャッシュ記事一覧の走査に失敗しました: %w", err)
	}

	return items, nil
}

// Create は新規キャッシュ記事を作成する。
func (r *PostgresCachedItemRepo) Create(ctx context.Context, item *model.CachedItem) error {
	_, err := conn(ctx, r.db).ExecContext(ctx,
		`INSERT INTO cached_items (id, identity_key, remote_item_id, permalink, title, body, status,
		                           comment_count, author_display_name, author_avatar_url,
		                           published_at, updated_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		item.ID, item.IdentityKey, item.RemoteItemID, nullString(item.Permalink),
		item.Title, nullString(item.Body), item.Status,
		item.CommentCount, nullString(item.AuthorDisplayName), nullString(item.AuthorAvatarURL),
		item.PublishedAt, item.UpdatedAt, item.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("キャッシュ記事の作成に失敗しました: %w", err)
	}
	return nil
}

// Update は既存記事の本文系フィールドを上書き更新する。履歴は保持しない。
// created_at と published_at は変更しない。
func (r *PostgresCachedItemRepo) Update(ctx context.Context, item *model.CachedItem) error {
	_, err := conn(ctx, r.db).ExecContext(ctx,
		`UPDATE cached_items SET
		    title = $2, body = $3, status = $4, permalink = $5, updated_at = $6
		 WHERE id = $1`,
		item.ID, item.Title, nullString(item.Body), item.Status,
		nullString(item.Permalink), item.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("キャッシュ記事の更新に失敗しました: %w", err)
	}
	return nil
}

// UpsertMetadata は記事の非正規化メタデータを上書きする。
func (r *PostgresCachedItemRepo) UpsertMetadata(ctx context.Context, itemID string, meta model.ItemMetadata) error {
	_, err := conn(ctx, r.db).ExecContext(ctx,
		`UPDATE cached_items SET
		    author_display_name = $2, author_avatar_url = $3,
		    remote_item_id = $4, comment_count = $5
		 WHERE id = $1`,
		itemID, nullString(meta.AuthorDisplayName), nullString(meta.AuthorAvatarURL),
		meta.RemoteItemID, meta.CommentCount,
	)
	if err != nil {
		return fmt.Errorf("キャッシュ記事メタデータの更新に失敗しました: %w", err)
	}
	return nil
}

// DeleteByIdentity は関係に属する全てのキャッシュ記事を削除し、削除件数を返す。
func (r *PostgresCachedItemRepo) DeleteByIdentity(ctx context.Context, identityKey string) (int64, error) {
	result, err := conn(ctx, r.db).ExecContext(ctx,
		`DELETE FROM cached_items WHERE identity_key = $1`, identityKey,
	)
	if err != nil {
		return 0, fmt.Errorf("キャッシュ記事の削除に失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗しました: %w", err)
	}
	return n, nil
}

// compile-time interface check
var _ CachedItemRepository = (*PostgresCachedItemRepo)(nil)
