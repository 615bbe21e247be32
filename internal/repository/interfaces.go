// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/friendsync/internal/model"
)

// RelationshipRepository はリモートサイトとの関係の永続化インターフェース。
type RelationshipRepository interface {
	// FindByIdentityKey は識別キーで関係を取得する。見つからない場合はnilを返す。
	// OutboundTokenはtokensテーブルのfeed種別エントリから読み込まれる。
	FindByIdentityKey(ctx context.Context, identityKey string) (*model.Relationship, error)

	// List は全ての関係を識別キー順に返す。
	List(ctx context.Context) ([]*model.Relationship, error)

	// Save は関係を作成または更新する。OutboundTokenは保存しない（トークンストアが管理する）。
	Save(ctx context.Context, rel *model.Relationship) error

	// Delete は関係を削除する。tokensとcached_itemsはCASCADE削除される。
	Delete(ctx context.Context, identityKey string) error
}

// TokenRepository はトークン索引（トークン→識別キー、識別キー→現在のトークン）の永続化インターフェース。
// (identity_key, kind) ごとに1行のみ存在し、両方向の対応が常に同じ行で表現される。
type TokenRepository interface {
	// Put は (identityKey, kind) のトークンを置き換える。
	// 以前のトークンの逆引きエントリは同じ書き込みで消える。
	Put(ctx context.Context, identityKey string, kind model.TokenKind, token string) error

	// FindIdentity はトークンから識別キーを逆引きする。見つからない場合は空文字列を返す。
	FindIdentity(ctx context.Context, token string, kind model.TokenKind) (string, error)

	// FindToken は識別キーの現在のトークンを返す。存在しない場合は空文字列を返す。
	FindToken(ctx context.Context, identityKey string, kind model.TokenKind) (string, error)

	// Delete は (identityKey, kind) のトークンを両方向とも削除する。
	Delete(ctx context.Context, identityKey string, kind model.TokenKind) error

	// DeleteAll は識別キーに紐づく全てのトークンを削除する。
	DeleteAll(ctx context.Context, identityKey string) error
}

// CachedItemRepository はキャッシュ記事の永続化インターフェース。
type CachedItemRepository interface {
	// ListByIdentity は関係に属する全てのキャッシュ記事を返す。
	ListByIdentity(ctx context.Context, identityKey string) ([]*model.CachedItem, error)

	// Create は新規キャッシュ記事を作成する。
	Create(ctx context.Context, item *model.CachedItem) error

	// Update は既存記事の本文系フィールドを上書き更新する。作成日時と公開日時は変更しない。
	Update(ctx context.Context, item *model.CachedItem) error

	// UpsertMetadata は記事の非正規化メタデータを上書きする。
	UpsertMetadata(ctx context.Context, itemID string, meta model.ItemMetadata) error

	// DeleteByIdentity は関係に属する全てのキャッシュ記事を削除する。
	DeleteByIdentity(ctx context.Context, identityKey string) (int64, error)
}

// PostRepository はこのサイト自身の投稿を読み出すインターフェース。
// 投稿の作成・編集はホスト側の責務であり、ここでは配信用の読み出しのみを扱う。
type PostRepository interface {
	// ListForFeed は指定した公開状態の投稿を公開日時の降順で最大limit件返す。
	ListForFeed(ctx context.Context, statuses []string, since time.Time, limit int) ([]*model.Post, error)
}

// Transactor はトランザクション境界と識別キー単位の排他を提供する。
type Transactor interface {
	// WithinTx はfnを1つのトランザクション内で実行する。
	// fnがエラーを返した場合はロールバックする。
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error

	// WithIdentityLock は識別キー単位の排他ロックを取得したうえでfnをトランザクション内で実行する。
	// 同じ関係に対する並行した状態遷移は直列化される。
	WithIdentityLock(ctx context.Context, identityKey string, fn func(ctx context.Context) error) error
}
