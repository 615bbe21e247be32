// Package protocol は友達ハンドシェイクプロトコルのワイヤ形式と、
// リモートサイトに対する外向きクライアントを提供する。
//
// プロトコルのエンドポイントは各サイトの {site_url}/friends/v1/ 配下に置かれる。
package protocol

import "strings"

// Version はこのサイトが話すプロトコルのバージョン。helloの応答に含まれる。
const Version = "0.3"

// エンドポイントのパス。
const (
	BasePath                  = "/friends/v1"
	PathHello                 = BasePath + "/hello"
	PathFriendRequest         = BasePath + "/friend-request"
	PathFriendRequestAccepted = BasePath + "/friend-request-accepted"
)

// HelloResponse はhelloの応答ボディ。
type HelloResponse struct {
	Version string `json:"version"`
}

// FriendRequestBody はfriend-requestのリクエストボディ。
// NameとEmailは受理されるが必須ではない。
type FriendRequestBody struct {
	SiteURL string `json:"site_url"`
	Name    string `json:"name,omitempty"`
	Email   string `json:"email,omitempty"`
}

// AcceptedBody はfriend-request-acceptedのリクエストボディ。
type AcceptedBody struct {
	Token string `json:"token"`
}

// Reply はfriend-requestとfriend-request-acceptedの成功応答。
// FriendとPendingのどちらか一方のみが設定される。
type Reply struct {
	Friend  string `json:"friend,omitempty"`
	Pending string `json:"friend_request_pending,omitempty"`
}

// IsFriend は相手が友達として応答したかを返す。
func (r Reply) IsFriend() bool {
	return r.Friend != ""
}

// ErrorBody はプロトコルエンドポイントの失敗応答。全ての拒否で同じ形をとる。
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Endpoint はサイトURLとパスから呼び出し先URLを組み立てる。
func Endpoint(siteURL, path string) string {
	return strings.TrimRight(siteURL, "/") + path
}
