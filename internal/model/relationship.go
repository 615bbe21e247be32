// Package model はドメインモデルを定義する。
package model

import "time"

// Status はリモートサイトとの関係の状態を表す。
// 1つの関係は常にいずれか1つの状態のみを持つ。
type Status string

const (
	// StatusSubscription はハンドシェイク未完了のフィード購読のみの状態。
	StatusSubscription Status = "subscription"
	// StatusOutgoingRequestPending はこちらから友達リクエストを送り、承認待ちの状態。
	StatusOutgoingRequestPending Status = "outgoing_request_pending"
	// StatusIncomingRequestPending は相手から友達リクエストを受け取り、未承認の状態。
	StatusIncomingRequestPending Status = "incoming_request_pending"
	// StatusFriend は相互に認証済みの友達状態。
	StatusFriend Status = "friend"
)

// Valid は定義済みの状態かどうかを返す。
func (s Status) Valid() bool {
	switch s {
	case StatusSubscription, StatusOutgoingRequestPending, StatusIncomingRequestPending, StatusFriend:
		return true
	}
	return false
}

// Relationship はリモートサイト1つとの関係を表す。
// IdentityKey はSiteURLから決定的に導出され、主キーとして使用される。
type Relationship struct {
	IdentityKey string
	SiteURL     string
	Status      Status
	DisplayName string

	// OutboundToken はこちらが発行し相手に渡したトークン。
	// 相手がこちらのフィードやエンドポイントにアクセスする際の認証に使う。
	// トークンストアの feed 種別エントリから読み込まれる。
	OutboundToken string
	// InboundToken は受信した友達リクエストに対してこちらが発行した応答相関用トークン。
	InboundToken string
	// RemoteAuthToken は相手から受け取ったトークン。相手のフィード取得時に付与する。
	RemoteAuthToken string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TokenKind はトークンの用途を表す。
type TokenKind string

const (
	// TokenKindFeed はフィード・エンドポイント認証用のトークン。
	TokenKindFeed TokenKind = "feed"
	// TokenKindRequest は保留中の送信リクエストに対するコールバック照合用トークン。
	TokenKindRequest TokenKind = "request"
)
