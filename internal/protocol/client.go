package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/carlmjohnson/requests"

	"github.com/hitoshi/friendsync/internal/identity"
	"github.com/hitoshi/friendsync/internal/model"
)

// maxReplySize はプロトコル応答として読み込む最大バイト数。
const maxReplySize = 64 * 1024

// HTTPClientFactory は外向き通信用のHTTPクライアントを生成する。
// 本番ではsecurity.SSRFGuardServiceが実装する。
type HTTPClientFactory interface {
	NewSafeClient(timeout time.Duration, maxRedirects int) *http.Client
}

// ClientConfig はClientの設定。
type ClientConfig struct {
	Timeout      time.Duration
	MaxRedirects int
	UserAgent    string
}

// HelloResult はhelloの結果。
type HelloResult struct {
	Version string
	// SiteURL はリダイレクト追従後の最終URLから導いた正規化済みサイトURL。
	SiteURL string
}

// Client はリモートサイトのハンドシェイクエンドポイントを呼び出す。
// 自動リトライは行わない。
type Client struct {
	httpClient *http.Client
	userAgent  string
	logger     *slog.Logger
}

// NewClient はClientを生成する。
func NewClient(factory HTTPClientFactory, cfg ClientConfig, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.MaxRedirects < 0 {
		cfg.MaxRedirects = 0
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "friendsync/" + Version
	}
	return &Client{
		httpClient: factory.NewSafeClient(cfg.Timeout, cfg.MaxRedirects),
		userAgent:  cfg.UserAgent,
		logger:     logger,
	}
}

// Hello は相手サイトがプロトコルに対応しているかを確認する。
// 非対応の場合はmodel.ErrNoRouteを返す。
func (c *Client) Hello(ctx context.Context, siteURL string) (HelloResult, error) {
	var result HelloResult
	endpoint := Endpoint(siteURL, PathHello)

	err := c.call(ctx, "hello", endpoint, nil, func(resp *http.Response) error {
		var body HelloResponse
		if err := decodeJSON(resp.Body, &body); err != nil || body.Version == "" {
			// 何にでも200を返すサイトはプロトコル非対応とみなす
			return model.ErrNoRoute
		}
		result.Version = body.Version
		result.SiteURL = correctedSiteURL(resp, siteURL)
		return nil
	})
	if err != nil {
		return HelloResult{}, err
	}
	return result, nil
}

// FriendRequest は相手サイトに友達リクエストを送る。
func (c *Client) FriendRequest(ctx context.Context, siteURL string, body FriendRequestBody) (Reply, error) {
	return c.post(ctx, "friend-request", Endpoint(siteURL, PathFriendRequest), body)
}

// FriendRequestAccepted は相手サイトに承認を通知する。
// tokenは相手のリクエストに対してこちらが発行したトークン。
func (c *Client) FriendRequestAccepted(ctx context.Context, siteURL, token string) (Reply, error) {
	return c.post(ctx, "friend-request-accepted", Endpoint(siteURL, PathFriendRequestAccepted), AcceptedBody{Token: token})
}

func (c *Client) post(ctx context.Context, op, endpoint string, body any) (Reply, error) {
	var reply Reply
	err := c.call(ctx, op, endpoint, body, func(resp *http.Response) error {
		if err := decodeJSON(resp.Body, &reply); err != nil {
			return &model.RemoteProtocolError{
				StatusCode: resp.StatusCode,
				Code:       "unexpected_response",
				Message:    "response body is not a valid reply",
			}
		}
		if reply.Friend == "" && reply.Pending == "" {
			return &model.RemoteProtocolError{
				StatusCode: resp.StatusCode,
				Code:       "unexpected_response",
				Message:    "reply carries neither friend nor pending token",
			}
		}
		return nil
	})
	if err != nil {
		return Reply{}, err
	}
	return reply, nil
}

// call はエンドポイントを1回呼び出す。
// 応答を受け取れた場合の失敗は ErrNoRoute または *RemoteProtocolError、
// 応答を受け取れなかった場合は *TransportError として返す。
func (c *Client) call(ctx context.Context, op, endpoint string, body any, onSuccess func(*http.Response) error) error {
	start := time.Now()
	responded := false

	rb := requests.URL(endpoint).
		Client(c.httpClient).
		Header("User-Agent", c.userAgent).
		Accept("application/json").
		AddValidator(func(*http.Response) error { return nil }).
		Handle(func(resp *http.Response) error {
			responded = true
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return onSuccess(resp)
			}
			return failureFromResponse(resp)
		})
	if body != nil {
		rb = rb.BodyJSON(body).Method(http.MethodPost)
	}

	err := rb.Fetch(ctx)

	attrs := []any{
		slog.String("op", op),
		slog.String("url", endpoint),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	}
	if err == nil {
		c.logger.Info("ハンドシェイク呼び出しが完了しました", attrs...)
		return nil
	}

	if !responded {
		c.logger.Warn("ハンドシェイク呼び出しの通信に失敗しました", append(attrs, slog.String("error", err.Error()))...)
		return &model.TransportError{Op: op, URL: endpoint, Err: err}
	}

	c.logger.Info("ハンドシェイク呼び出しが拒否されました", append(attrs, slog.String("error", err.Error()))...)
	var remoteErr *model.RemoteProtocolError
	if errors.As(err, &remoteErr) {
		return remoteErr
	}
	if errors.Is(err, model.ErrNoRoute) {
		return model.ErrNoRoute
	}
	return err
}

// failureFromResponse は2xx以外の応答をエラーに変換する。
// 404、または rest_no_route / no_route コードはプロトコル非対応を表す。
func failureFromResponse(resp *http.Response) error {
	var body ErrorBody
	_ = decodeJSON(resp.Body, &body)

	if resp.StatusCode == http.StatusNotFound || body.Code == model.ErrCodeNoRoute || body.Code == "no_route" {
		return model.ErrNoRoute
	}

	if body.Code == "" {
		body.Code = "unexpected_response"
		body.Message = fmt.Sprintf("unexpected server response: %s", resp.Status)
	}
	return &model.RemoteProtocolError{
		StatusCode: resp.StatusCode,
		Code:       body.Code,
		Message:    body.Message,
	}
}

func decodeJSON(r io.Reader, v any) error {
	return json.NewDecoder(io.LimitReader(r, maxReplySize)).Decode(v)
}

// correctedSiteURL はリダイレクト後の最終リクエストURLからhelloのパスを除いたサイトURLを返す。
// 導出できない場合は元のsiteURLを返す。
func correctedSiteURL(resp *http.Response, fallback string) string {
	if resp.Request == nil || resp.Request.URL == nil {
		return fallback
	}
	u := *resp.Request.URL
	u.RawQuery = ""
	u.Fragment = ""
	final := u.String()
	if !strings.HasSuffix(final, PathHello) {
		return fallback
	}
	normalized, err := identity.NormalizeSiteURL(strings.TrimSuffix(final, PathHello))
	if err != nil {
		return fallback
	}
	return normalized
}
