package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/friendsync/internal/model"
)

// PostgresPostRepo はPostgreSQLのpostsテーブルから自サイトの投稿を読み出すリポジトリ。
type PostgresPostRepo struct {
	db *sql.DB
}

// NewPostgresPostRepo はPostgresPostRepoを生成する。
func NewPostgresPostRepo(db *sql.DB) *PostgresPostRepo {
	return &PostgresPostRepo{db: db}
}

// ListForFeed は指定した公開状態の投稿を公開日時の降順で最大limit件返す。
// sinceがゼロ値でない場合はそれ以降に更新された投稿のみを返す。
func (r *PostgresPostRepo) ListForFeed(ctx context.Context, statuses []string, since time.Time, limit int) ([]*model.Post, error) {
	query := `
		SELECT id, title, content, excerpt, link, status, author_name, avatar_url,
		       comment_count, published_at, updated_at
		FROM posts
		WHERE status = ANY($1)`
	args := []interface{}{pq.Array(statuses)}

	if !since.IsZero() {
		query += ` AND updated_at >= $2 ORDER BY published_at DESC LIMIT $3`
		args = append(args, since, limit)
	} else {
		query += ` ORDER BY published_at DESC LIMIT $2`
		args = append(args, limit)
	}

	rows, err := conn(ctx, r.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("投稿一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var posts []*model.Post
	for rows.Next() {
		p := &model.Post{}
		var excerpt, authorName, avatarURL sql.NullString

		if err := rows.Scan(
			&p.ID, &p.Title, &p.Content, &excerpt, &p.Link, &p.Status,
			&authorName, &avatarURL, &p.CommentCount, &p.PublishedAt, &p.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("投稿行の読み取りに失敗しました: %w", err)
		}

		p.Excerpt = nullStringValue(excerpt)
		p.AuthorName = nullStringValue(authorName)
		p.AvatarURL = nullStringValue(avatarURL)
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("投稿一覧の走査に失敗しました: %w", err)
	}

	return posts, nil
}

// compile-time interface check
var _ PostRepository = (*PostgresPostRepo)(nil)
