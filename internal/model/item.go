// Package model はドメインモデルを定義する。
package model

import "time"

// 記事の公開状態。
const (
	ItemStatusPublish = "publish"
	ItemStatusPrivate = "private"
)

// CachedItem は友達のフィードから取得しローカルにキャッシュした記事を表す。
// 1つの関係の中でRemoteItemIDは一意であり、同じ記事の再取得は既存行を更新する。
type CachedItem struct {
	ID                string // local_cache_id
	IdentityKey       string // 所有する関係（著者）
	RemoteItemID      string
	Permalink         string
	Title             string
	Body              string // サニタイズ済みHTML
	Status            string
	CommentCount      int
	AuthorDisplayName string
	AuthorAvatarURL   string
	PublishedAt       time.Time
	UpdatedAt         time.Time
	CreatedAt         time.Time
}

// ParsedItem はフィードパーサーから取得した未保存の記事データを表す。
// フェッチャーがフィードをパースした後、照合エンジンに渡される。
type ParsedItem struct {
	// RemoteItemID はリモートが拡張フィールドで提供したID。未提供の場合は空。
	RemoteItemID    string
	Permalink       string
	Title           string
	Content         string // 未サニタイズのHTML
	Status          string
	CommentCount    int
	AuthorName      string
	AuthorAvatarURL string
	PublishedAt     *time.Time
	UpdatedAt       *time.Time
}

// ItemMetadata は記事ごとに常に上書きされる非正規化メタデータ。
type ItemMetadata struct {
	AuthorDisplayName string
	AuthorAvatarURL   string
	RemoteItemID      string
	CommentCount      int
}

// Post はこのサイト自身の投稿を表す。フィード配信の入力となる。
type Post struct {
	ID           string
	Title        string
	Content      string
	Excerpt      string
	Link         string
	Status       string
	AuthorName   string
	AvatarURL    string
	CommentCount int
	PublishedAt  time.Time
	UpdatedAt    time.Time
}
