// Package syndication は関係の相手サイトのフィードを取得し、記事データに変換する。
package syndication

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/friendsync/internal/friend"
	"github.com/hitoshi/friendsync/internal/model"
)

// Namespace はフィードに付与される拡張要素の名前空間URI。
const Namespace = "wordpress-plugin-friends:feed-additions:1"

// SlashNamespace はコメント数を表すslashモジュールの名前空間URI。
const SlashNamespace = "http://purl.org/rss/1.0/modules/slash/"

// feedPath はサイトURLからフィードを取得するパス。
const feedPath = "/feed/"

const (
	defaultTimeout     = 20 * time.Second
	defaultMaxBodySize = 5 << 20
	defaultUserAgent   = "friendsync/1.0"
)

// ClientFactory はSSRF対策済みのHTTPクライアントを生成する。
type ClientFactory interface {
	NewSafeClient(timeout time.Duration, maxRedirects int) *http.Client
}

// Config はFetcherの設定。
type Config struct {
	Timeout      time.Duration
	MaxBodySize  int64
	MaxRedirects int
	UserAgent    string
}

// Fetcher は相手サイトのフィードをHTTPで取得してパースする。
// 状態は持たず、取得結果の保存は呼び出し元が行う。
type Fetcher struct {
	factory ClientFactory
	cfg     Config
	logger  *slog.Logger
}

// NewFetcher はFetcherを生成する。
func NewFetcher(factory ClientFactory, cfg Config, logger *slog.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = defaultMaxBodySize
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	return &Fetcher{factory: factory, cfg: cfg, logger: logger}
}

// FeedURL は関係のフィードURLを返す。
// 相手のトークンを使う状態であれば friend クエリパラメータを付与する。
func FeedURL(rel *model.Relationship) string {
	u := strings.TrimRight(rel.SiteURL, "/") + feedPath
	if rel.RemoteAuthToken != "" && friend.UsesRemoteToken(rel.Status) {
		u += "?" + url.Values{"friend": {rel.RemoteAuthToken}}.Encode()
	}
	return u
}

// Fetch は関係のフィードを取得し、記事の一覧を返す。
// 2xx以外の応答、通信失敗、パース失敗は *model.FetchError となる。
func (f *Fetcher) Fetch(ctx context.Context, rel *model.Relationship) ([]model.ParsedItem, error) {
	start := time.Now()
	feedURL := FeedURL(rel)
	// ログとエラーにはトークンを含めない
	displayURL := strings.TrimRight(rel.SiteURL, "/") + feedPath

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, &model.FetchError{URL: displayURL, Err: err}
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml, */*")

	client := f.factory.NewSafeClient(f.cfg.Timeout, f.cfg.MaxRedirects)
	resp, err := client.Do(req)
	if err != nil {
		f.logger.Warn("フィードの取得に失敗しました",
			slog.String("identity_key", rel.IdentityKey),
			slog.String("feed_url", displayURL),
			slog.String("error", redact(err, feedURL, displayURL)),
		)
		return nil, &model.FetchError{URL: displayURL, Err: errors.New(redact(err, feedURL, displayURL))}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		f.logger.Warn("フィードが成功以外のステータスを返しました",
			slog.String("identity_key", rel.IdentityKey),
			slog.String("feed_url", displayURL),
			slog.Int("http_status", resp.StatusCode),
		)
		return nil, &model.FetchError{URL: displayURL, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBodySize))
	if err != nil {
		return nil, &model.FetchError{URL: displayURL, Err: errors.New(redact(err, feedURL, displayURL))}
	}

	items, err := ParseFeed(body)
	if err != nil {
		f.logger.Warn("フィードのパースに失敗しました",
			slog.String("identity_key", rel.IdentityKey),
			slog.String("feed_url", displayURL),
			slog.String("error", err.Error()),
		)
		return nil, &model.FetchError{URL: displayURL, Err: err}
	}

	f.logger.Info("フィードを取得しました",
		slog.String("identity_key", rel.IdentityKey),
		slog.String("feed_url", displayURL),
		slog.Bool("authenticated", feedURL != displayURL),
		slog.Int("items_total", len(items)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return items, nil
}

// ParseFeed はフィード本文をパースして記事の一覧を返す。
// 拡張要素はフィードが宣言した接頭辞にかかわらず名前空間URIで識別する。
func ParseFeed(body []byte) ([]model.ParsedItem, error) {
	feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	return ConvertItems(feed.Items, namespacePrefix(body, Namespace, defaultPrefix)), nil
}

// defaultPrefix は名前空間の宣言が見つからない場合に使う接頭辞。
const defaultPrefix = "friends"

// namespacePrefix はbody中でnamespaceに束縛された接頭辞を返す。
// gofeedは拡張要素を文書が宣言した接頭辞で索引するため、URIから接頭辞を逆引きする。
func namespacePrefix(body []byte, namespace, fallback string) string {
	dec := xml.NewDecoder(bytes.NewReader(body))
	dec.Strict = false
	for {
		tok, err := dec.RawToken()
		if err != nil {
			return fallback
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		for _, attr := range start.Attr {
			if attr.Name.Space == "xmlns" && strings.TrimSpace(attr.Value) == namespace {
				return attr.Name.Local
			}
		}
	}
}

// ConvertItems はgofeedの記事を model.ParsedItem に変換する。
// prefixで示される拡張の post-id, post-status, gravatar と slash:comments を読み取る。
func ConvertItems(items []*gofeed.Item, prefix string) []model.ParsedItem {
	parsedItems := make([]model.ParsedItem, 0, len(items))

	for _, item := range items {
		if item == nil {
			continue
		}

		parsed := model.ParsedItem{
			RemoteItemID:    extensionValue(item, prefix, "post-id"),
			Permalink:       item.Link,
			Title:           item.Title,
			Content:         item.Content,
			Status:          extensionValue(item, prefix, "post-status"),
			AuthorAvatarURL: extensionValue(item, prefix, "gravatar"),
		}

		if parsed.Content == "" {
			parsed.Content = item.Description
		}
		if parsed.Status == "" {
			parsed.Status = model.ItemStatusPublish
		}
		if n, err := strconv.Atoi(extensionValue(item, "slash", "comments")); err == nil && n > 0 {
			parsed.CommentCount = n
		}

		if item.Author != nil {
			parsed.AuthorName = item.Author.Name
		}
		if parsed.AuthorName == "" && len(item.Authors) > 0 && item.Authors[0] != nil {
			parsed.AuthorName = item.Authors[0].Name
		}

		if item.PublishedParsed != nil {
			t := *item.PublishedParsed
			parsed.PublishedAt = &t
		}
		if item.UpdatedParsed != nil {
			t := *item.UpdatedParsed
			parsed.UpdatedAt = &t
		}

		// リンクがなくGUIDがURL形式の場合はGUIDをパーマリンクとして使用
		if parsed.Permalink == "" &&
			(strings.HasPrefix(item.GUID, "http://") || strings.HasPrefix(item.GUID, "https://")) {
			parsed.Permalink = item.GUID
		}

		parsedItems = append(parsedItems, parsed)
	}

	return parsedItems
}

func extensionValue(item *gofeed.Item, prefix, name string) string {
	values := item.Extensions[prefix][name]
	if len(values) == 0 {
		return ""
	}
	return strings.TrimSpace(values[0].Value)
}

// redact はエラーメッセージ中のトークン付きURLを置き換える。
func redact(err error, secretURL, displayURL string) string {
	return strings.ReplaceAll(err.Error(), secretURL, displayURL)
}
