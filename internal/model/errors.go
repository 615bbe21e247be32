// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: protocol, validation, feed, system
	Action   string // 呼び出し元向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード。
// friends_ で始まるコードはプロトコルのワイヤ形式の一部であり、相手サイトが解釈する。
const (
	ErrCodeInvalidURL           = "INVALID_URL"
	ErrCodeRelationshipNotFound = "RELATIONSHIP_NOT_FOUND"
	ErrCodeInvalidTransition    = "INVALID_TRANSITION"
	ErrCodeRemoteProtocol       = "REMOTE_PROTOCOL_ERROR"
	ErrCodeTransport            = "TRANSPORT_ERROR"
	ErrCodeFetchFailed          = "FETCH_FAILED"
	ErrCodeRateLimited          = "rate_limit_exceeded"
	ErrCodeInternal             = "INTERNAL_ERROR"

	ErrCodeInvalidSite         = "friends_invalid_site"
	ErrCodeUnsupportedSite     = "friends_unsupported_site"
	ErrCodeInvalidParameters   = "friends_invalid_parameters"
	ErrCodeOfferNoLongerValid  = "friends_offer_no_longer_valid"
	ErrCodeFriendRequestFailed = "friends_friend_request_failed"
	ErrCodeNoRoute             = "rest_no_route"
)

// NewInvalidURLError は無効なURLエラーを生成する。
func NewInvalidURLError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidURL,
		Message:  fmt.Sprintf("無効なURLです: %s", reason),
		Category: "validation",
		Action:   "http:// または https:// で始まる絶対URLを指定してください。",
	}
}

// NewRelationshipNotFoundError は関係が見つからない場合のエラーを生成する。
func NewRelationshipNotFoundError(identityKey string) *APIError {
	return &APIError{
		Code:     ErrCodeRelationshipNotFound,
		Message:  fmt.Sprintf("指定された関係が見つかりません: %s", identityKey),
		Category: "validation",
		Action:   "識別キーを確認してください。",
	}
}

// NewInvalidTransitionError は現在の状態から許可されない遷移を要求された場合のエラーを生成する。
func NewInvalidTransitionError(from Status, op string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidTransition,
		Message:  fmt.Sprintf("状態 %s では %s を実行できません。", from, op),
		Category: "validation",
		Action:   "関係の現在の状態を確認してください。",
	}
}

// NewInvalidSiteError は友達リクエストのサイトURLが不正な場合のエラーを生成する。
func NewInvalidSiteError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidSite,
		Message:  "An invalid site was given.",
		Category: "protocol",
	}
}

// NewUnsupportedSiteError は相手サイトがプロトコルに応答しない場合のエラーを生成する。
func NewUnsupportedSiteError() *APIError {
	return &APIError{
		Code:     ErrCodeUnsupportedSite,
		Message:  "An unsupported site was given.",
		Category: "protocol",
	}
}

// NewInvalidParametersError は必要なパラメータが不足または解決できない場合のエラーを生成する。
func NewInvalidParametersError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidParameters,
		Message:  "Not all necessary parameters were given.",
		Category: "protocol",
	}
}

// NewOfferNoLongerValidError はトークン発行後に関係の識別キーが変わった場合のエラーを生成する。
func NewOfferNoLongerValidError() *APIError {
	return &APIError{
		Code:     ErrCodeOfferNoLongerValid,
		Message:  "The friendship offer is no longer valid.",
		Category: "protocol",
	}
}

// NewFriendRequestFailedError は友達リクエストの記録に失敗した場合のエラーを生成する。
func NewFriendRequestFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeFriendRequestFailed,
		Message:  "Could not respond to the friend request.",
		Category: "protocol",
	}
}

// NewNoRouteError は未定義のルートへのアクセスに対するエラーを生成する。
// 相手サイトはこのコードでプロトコル非対応を判定する。
func NewNoRouteError() *APIError {
	return &APIError{
		Code:     ErrCodeNoRoute,
		Message:  "No route was found matching the URL and request method.",
		Category: "protocol",
	}
}

// ErrNoRoute は相手サイトがハンドシェイクプロトコルに対応していないことを表す。
var ErrNoRoute = errors.New("remote site does not support the friends protocol")

// RemoteProtocolError は相手サイトが明示的にリクエストを拒否したことを表す。
// 自動リトライはせず、操作した利用者にそのまま提示する。
type RemoteProtocolError struct {
	StatusCode int
	Code       string
	Message    string
}

// Error はerrorインターフェースを実装する。
func (e *RemoteProtocolError) Error() string {
	return fmt.Sprintf("remote protocol error (status %d): [%s] %s", e.StatusCode, e.Code, e.Message)
}

// TransportError はタイムアウト、DNS、TLSなどの通信失敗を表す。
// 次回のスケジュールでの再試行対象となる。
type TransportError struct {
	Op  string
	URL string
	Err error
}

// Error はerrorインターフェースを実装する。
func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

// Unwrap は元のエラーを返す。
func (e *TransportError) Unwrap() error {
	return e.Err
}

// FetchError はフィード取得またはパースの失敗を表す。
// 呼び出し元はその関係を今回のサイクルでスキップする。
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

// Error はerrorインターフェースを実装する。
func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch failed: %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch failed: %s: %v", e.URL, e.Err)
}

// Unwrap は元のエラーを返す。
func (e *FetchError) Unwrap() error {
	return e.Err
}

// ToAPIError はドメインのエラーを統一エラーフォーマットに変換する。
// 変換できない場合はnilを返す。
func ToAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	var remoteErr *RemoteProtocolError
	if errors.As(err, &remoteErr) {
		return &APIError{
			Code:     ErrCodeRemoteProtocol,
			Message:  fmt.Sprintf("相手サイトがリクエストを拒否しました: [%s] %s", remoteErr.Code, remoteErr.Message),
			Category: "protocol",
			Action:   "相手サイトの状態を確認してください。",
		}
	}

	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return &APIError{
			Code:     ErrCodeTransport,
			Message:  fmt.Sprintf("相手サイトとの通信に失敗しました: %s", transportErr.URL),
			Category: "protocol",
			Action:   "しばらく待ってから再度お試しください。",
		}
	}

	var fetchErr *FetchError
	if errors.As(err, &fetchErr) {
		return &APIError{
			Code:     ErrCodeFetchFailed,
			Message:  fmt.Sprintf("フィードの取得に失敗しました: %s", fetchErr.URL),
			Category: "feed",
			Action:   "URLが正しいか確認し、しばらく待ってから再度お試しください。",
		}
	}

	return nil
}
