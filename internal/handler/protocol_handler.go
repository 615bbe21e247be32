package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime"
	"net/http"

	"github.com/hitoshi/friendsync/internal/middleware"
	"github.com/hitoshi/friendsync/internal/model"
	"github.com/hitoshi/friendsync/internal/protocol"
)

// maxProtocolBody はプロトコルエンドポイントが受け付けるボディの上限。
const maxProtocolBody = 64 << 10

// ProtocolService はハンドシェイクのサーバー側操作を提供する。
type ProtocolService interface {
	HandleFriendRequest(ctx context.Context, siteURL, name, email string) (protocol.Reply, error)
	HandleFriendRequestAccepted(ctx context.Context, token string) (protocol.Reply, error)
}

// ProtocolHandler は /friends/v1 配下のエンドポイントを処理する。
// 拒否は全て403と {code, message} の形で返し、状態は変更しない。
type ProtocolHandler struct {
	service ProtocolService
	logger  *slog.Logger
}

// NewProtocolHandler はProtocolHandlerを生成する。
func NewProtocolHandler(service ProtocolService, logger *slog.Logger) *ProtocolHandler {
	return &ProtocolHandler{service: service, logger: logger}
}

// Hello はプロトコルのバージョンを返す。
// GET /friends/v1/hello
func (h *ProtocolHandler) Hello(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, protocol.HelloResponse{Version: protocol.Version})
}

// FriendRequest は相手サイトからの友達リクエストを処理する。
// POST /friends/v1/friend-request
func (h *ProtocolHandler) FriendRequest(w http.ResponseWriter, r *http.Request) {
	var body protocol.FriendRequestBody
	if err := decodeProtocolBody(w, r, &body, func(get func(string) string) {
		body.SiteURL = get("site_url")
		body.Name = get("name")
		body.Email = get("email")
	}); err != nil {
		h.reject(w, r, model.NewInvalidParametersError())
		return
	}

	reply, err := h.service.HandleFriendRequest(r.Context(), body.SiteURL, body.Name, body.Email)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

// FriendRequestAccepted は相手サイトからの承認通知を処理する。
// POST /friends/v1/friend-request-accepted
func (h *ProtocolHandler) FriendRequestAccepted(w http.ResponseWriter, r *http.Request) {
	var body protocol.AcceptedBody
	if err := decodeProtocolBody(w, r, &body, func(get func(string) string) {
		body.Token = get("token")
	}); err != nil {
		h.reject(w, r, model.NewInvalidParametersError())
		return
	}

	reply, err := h.service.HandleFriendRequestAccepted(r.Context(), body.Token)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

// NoRoute は未定義のルートに404 rest_no_routeを返す。
// 相手サイトはこの応答でプロトコル非対応を判定する。
func NoRoute(w http.ResponseWriter, r *http.Request) {
	writeProtocolError(w, http.StatusNotFound, model.NewNoRouteError())
}

func (h *ProtocolHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := model.ToAPIError(err)
	if apiErr == nil || apiErr.Category != "protocol" {
		h.logger.Error("プロトコル処理で予期しないエラーが発生しました",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		apiErr = model.NewFriendRequestFailedError()
	}
	h.reject(w, r, apiErr)
}

func (h *ProtocolHandler) reject(w http.ResponseWriter, r *http.Request, apiErr *model.APIError) {
	h.logger.Info("プロトコルリクエストを拒否しました",
		slog.String("path", r.URL.Path),
		slog.String("code", apiErr.Code),
		slog.String("client_ip", middleware.ClientIP(r)),
	)
	writeProtocolError(w, http.StatusForbidden, apiErr)
}

// decodeProtocolBody はJSONまたはフォーム形式のボディを読み込む。
// フォーム形式の場合はfromFormにフィールド取得関数を渡す。
func decodeProtocolBody(w http.ResponseWriter, r *http.Request, dst any, fromForm func(get func(string) string)) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxProtocolBody)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		err := json.NewDecoder(r.Body).Decode(dst)
		if err == io.EOF {
			return nil
		}
		return err
	}

	if err := r.ParseForm(); err != nil {
		return err
	}
	fromForm(r.Form.Get)
	return nil
}

func writeProtocolError(w http.ResponseWriter, status int, apiErr *model.APIError) {
	writeJSON(w, status, protocol.ErrorBody{Code: apiErr.Code, Message: apiErr.Message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
