package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/hitoshi/friendsync/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// 原因カテゴリと対処方法を含む。プロトコルの相手サイトはcodeとmessageのみを解釈する。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category,omitempty"`
	Action   string `json:"action,omitempty"`
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、呼び出し元には一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     model.ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}

// StatusForCode はエラーコードに対応するHTTPステータスを返す。
func StatusForCode(code string) int {
	switch code {
	case model.ErrCodeInvalidURL, model.ErrCodeInvalidTransition:
		return http.StatusBadRequest
	case model.ErrCodeRelationshipNotFound, model.ErrCodeNoRoute:
		return http.StatusNotFound
	case model.ErrCodeRemoteProtocol, model.ErrCodeTransport, model.ErrCodeFetchFailed:
		return http.StatusBadGateway
	case model.ErrCodeInvalidSite, model.ErrCodeUnsupportedSite, model.ErrCodeInvalidParameters,
		model.ErrCodeOfferNoLongerValid, model.ErrCodeFriendRequestFailed:
		return http.StatusForbidden
	case model.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// WriteError はドメインのエラーを統一フォーマットに変換して書き込む。
// 変換できないエラーはログに記録して500を返す。
func WriteError(w http.ResponseWriter, logger *slog.Logger, err error) {
	apiErr := model.ToAPIError(err)
	if apiErr == nil {
		logger.Error("予期しないエラーが発生しました", slog.String("error", err.Error()))
		WriteInternalServerError(w)
		return
	}
	WriteErrorResponse(w, StatusForCode(apiErr.Code), apiErr)
}
