// Package publish はこのサイト自身の投稿をRSS 2.0として配信する。
//
// ?friend=<token> が有効なfeedトークンとして解決できた場合のみ、
// 非公開投稿と全文、友達プロトコルの拡張要素を含める。
// 認証状態はリクエストごとのFeedAuthとして明示的に受け渡す。
package publish

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"

	"github.com/hitoshi/friendsync/internal/model"
	"github.com/hitoshi/friendsync/internal/token"
)

const (
	friendsNamespace = "wordpress-plugin-friends:feed-additions:1"
	slashNamespace   = "http://purl.org/rss/1.0/modules/slash/"
	contentNamespace = "http://purl.org/rss/1.0/modules/content/"
	dcNamespace      = "http://purl.org/dc/elements/1.1/"

	defaultLimit      = 50
	excerptRuneLength = 280
)

// PostSource は配信対象の投稿を読み出す。
type PostSource interface {
	ListForFeed(ctx context.Context, statuses []string, since time.Time, limit int) ([]*model.Post, error)
}

// TokenResolver はfeedトークンを識別キーへ逆引きする。
type TokenResolver interface {
	Resolve(ctx context.Context, tok string, kind model.TokenKind) (string, error)
}

// FeedAuth はフィードリクエストの認証結果。ゼロ値は匿名を表す。
type FeedAuth struct {
	IdentityKey string
}

// Authenticated は友達として認証されているかを返す。
func (a FeedAuth) Authenticated() bool {
	return a.IdentityKey != ""
}

// Config はPublisherの設定。
type Config struct {
	SiteURL     string
	Title       string
	Description string
	Limit       int
}

// Publisher は自サイトのフィードを組み立てる。
type Publisher struct {
	posts  PostSource
	tokens TokenResolver
	cfg    Config
	strip  *bluemonday.Policy
	logger *slog.Logger
	now    func() time.Time
}

// NewPublisher はPublisherを生成する。
func NewPublisher(posts PostSource, tokens TokenResolver, cfg Config, logger *slog.Logger) *Publisher {
	if cfg.Limit <= 0 {
		cfg.Limit = defaultLimit
	}
	if cfg.Title == "" {
		cfg.Title = cfg.SiteURL
	}
	return &Publisher{
		posts:  posts,
		tokens: tokens,
		cfg:    cfg,
		strip:  bluemonday.StrictPolicy(),
		logger: logger,
		now:    time.Now,
	}
}

// Authenticate はfriendパラメータのトークンを解決する。
// 空、未知、失効済みのトークンは匿名として扱い、エラーにはしない。
func (p *Publisher) Authenticate(ctx context.Context, tok string) (FeedAuth, error) {
	if tok == "" {
		return FeedAuth{}, nil
	}
	identityKey, err := p.tokens.Resolve(ctx, tok, model.TokenKindFeed)
	if errors.Is(err, token.ErrTokenNotFound) {
		return FeedAuth{}, nil
	}
	if err != nil {
		return FeedAuth{}, fmt.Errorf("フィードトークンの解決に失敗しました: %w", err)
	}
	return FeedAuth{IdentityKey: identityKey}, nil
}

// Render は認証状態に応じた投稿一覧をRSS 2.0として出力する。
func (p *Publisher) Render(ctx context.Context, auth FeedAuth) ([]byte, error) {
	statuses := []string{model.ItemStatusPublish}
	if auth.Authenticated() {
		statuses = append(statuses, model.ItemStatusPrivate)
	}

	posts, err := p.posts.ListForFeed(ctx, statuses, time.Time{}, p.cfg.Limit)
	if err != nil {
		return nil, err
	}

	items := make([]itemXML, 0, len(posts))
	for _, post := range posts {
		items = append(items, p.item(post, auth))
	}

	out := rssXML{
		Version: "2.0",
		Channel: channelXML{
			Title:         p.cfg.Title,
			Link:          p.cfg.SiteURL,
			Description:   p.cfg.Description,
			LastBuildDate: p.now().UTC().Format(time.RFC1123Z),
			Items:         items,
		},
	}
	if auth.Authenticated() {
		out.FriendsNS = friendsNamespace
		out.SlashNS = slashNamespace
		out.ContentNS = contentNamespace
	}
	out.DCNS = dcNamespace

	body, err := xml.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("フィードの生成に失敗しました: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}

func (p *Publisher) item(post *model.Post, auth FeedAuth) itemXML {
	it := itemXML{
		Title:       post.Title,
		Link:        post.Link,
		GUID:        guidXML{Value: post.Link, IsPermaLink: "true"},
		PubDate:     post.PublishedAt.UTC().Format(time.RFC1123Z),
		Creator:     post.AuthorName,
		Description: p.excerpt(post),
	}
	if !auth.Authenticated() {
		return it
	}

	it.Content = &cdataXML{Value: post.Content}
	it.PostID = post.ID
	it.PostStatus = post.Status
	it.Gravatar = post.AvatarURL
	comments := strconv.Itoa(post.CommentCount)
	it.Comments = &comments
	return it
}

// excerpt は抜粋を返す。抜粋がない投稿は本文のタグを除いて切り詰める。
func (p *Publisher) excerpt(post *model.Post) string {
	if post.Excerpt != "" {
		return post.Excerpt
	}
	text := strings.TrimSpace(p.strip.Sanitize(post.Content))
	if utf8.RuneCountInString(text) <= excerptRuneLength {
		return text
	}
	runes := []rune(text)
	return string(runes[:excerptRuneLength]) + "…"
}

// ServeHTTP は GET /feed/ を処理する。
func (p *Publisher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	auth, err := p.Authenticate(r.Context(), r.URL.Query().Get("friend"))
	if err != nil {
		p.logger.Error("フィードの認証に失敗しました", slog.String("error", err.Error()))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	body, err := p.Render(r.Context(), auth)
	if err != nil {
		p.logger.Error("フィードの生成に失敗しました",
			slog.Bool("authenticated", auth.Authenticated()),
			slog.String("error", err.Error()),
		)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if auth.Authenticated() {
		p.logger.Debug("友達向けフィードを配信しました", slog.String("identity_key", auth.IdentityKey))
		w.Header().Set("Cache-Control", "private, no-store")
	}
	w.Header().Set("Content-Type", "application/rss+xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

type rssXML struct {
	XMLName   xml.Name   `xml:"rss"`
	Version   string     `xml:"version,attr"`
	FriendsNS string     `xml:"xmlns:friends,attr,omitempty"`
	SlashNS   string     `xml:"xmlns:slash,attr,omitempty"`
	ContentNS string     `xml:"xmlns:content,attr,omitempty"`
	DCNS      string     `xml:"xmlns:dc,attr,omitempty"`
	Channel   channelXML `xml:"channel"`
}

type channelXML struct {
	Title         string    `xml:"title"`
	Link          string    `xml:"link"`
	Description   string    `xml:"description"`
	LastBuildDate string    `xml:"lastBuildDate"`
	Items         []itemXML `xml:"item"`
}

type itemXML struct {
	Title       string    `xml:"title"`
	Link        string    `xml:"link"`
	GUID        guidXML   `xml:"guid"`
	PubDate     string    `xml:"pubDate"`
	Creator     string    `xml:"dc:creator,omitempty"`
	Description string    `xml:"description"`
	Content     *cdataXML `xml:"content:encoded,omitempty"`
	PostID      string    `xml:"friends:post-id,omitempty"`
	PostStatus  string    `xml:"friends:post-status,omitempty"`
	Gravatar    string    `xml:"friends:gravatar,omitempty"`
	Comments    *string   `xml:"slash:comments,omitempty"`
}

type guidXML struct {
	Value       string `xml:",chardata"`
	IsPermaLink string `xml:"isPermaLink,attr,omitempty"`
}

type cdataXML struct {
	Value string `xml:",cdata"`
}
