package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/friendsync/internal/middleware"
	"github.com/hitoshi/friendsync/internal/model"
)

// FriendServiceInterface は管理APIが利用する関係操作のインターフェース。
type FriendServiceInterface interface {
	Initiate(ctx context.Context, siteURL string) (*model.Relationship, error)
	Subscribe(ctx context.Context, siteURL string) (*model.Relationship, error)
	Approve(ctx context.Context, identityKey string) (*model.Relationship, error)
	Delete(ctx context.Context, identityKey string) error
	List(ctx context.Context) ([]*model.Relationship, error)
	Get(ctx context.Context, identityKey string) (*model.Relationship, error)
}

// CachedItemLister は関係ごとのキャッシュ記事を読み出す。
type CachedItemLister interface {
	ListByIdentity(ctx context.Context, identityKey string) ([]*model.CachedItem, error)
}

// Refresher は全関係のフィード取得を1回実行する。
type Refresher interface {
	RunOnce(ctx context.Context) error
}

// FriendHandler はローカル利用者向けの管理APIを処理する。
type FriendHandler struct {
	service   FriendServiceInterface
	items     CachedItemLister
	refresher Refresher
	logger    *slog.Logger
}

// NewFriendHandler はFriendHandlerを生成する。
func NewFriendHandler(service FriendServiceInterface, items CachedItemLister, refresher Refresher, logger *slog.Logger) *FriendHandler {
	return &FriendHandler{
		service:   service,
		items:     items,
		refresher: refresher,
		logger:    logger,
	}
}

// siteRequest は関係を作成するリクエストのボディ。
type siteRequest struct {
	SiteURL string `json:"site_url"`
}

// relationshipResponse は関係のAPIレスポンス。トークンは含めない。
type relationshipResponse struct {
	IdentityKey string    `json:"identity_key"`
	SiteURL     string    `json:"site_url"`
	Status      string    `json:"status"`
	DisplayName string    `json:"display_name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// cachedItemResponse はキャッシュ記事のAPIレスポンス。
type cachedItemResponse struct {
	ID                string    `json:"id"`
	RemoteItemID      string    `json:"remote_item_id"`
	Permalink         string    `json:"permalink,omitempty"`
	Title             string    `json:"title"`
	Body              string    `json:"body,omitempty"`
	Status            string    `json:"status"`
	CommentCount      int       `json:"comment_count"`
	AuthorDisplayName string    `json:"author_display_name,omitempty"`
	AuthorAvatarURL   string    `json:"author_avatar_url,omitempty"`
	PublishedAt       time.Time `json:"published_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// ListFriends は全ての関係を返す。
// GET /api/friends
func (h *FriendHandler) ListFriends(w http.ResponseWriter, r *http.Request) {
	rels, err := h.service.List(r.Context())
	if err != nil {
		middleware.WriteError(w, h.logger, err)
		return
	}

	resp := make([]relationshipResponse, 0, len(rels))
	for _, rel := range rels {
		resp = append(resp, toRelationshipResponse(rel))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetFriend は1つの関係を返す。
// GET /api/friends/{key}
func (h *FriendHandler) GetFriend(w http.ResponseWriter, r *http.Request) {
	rel, err := h.service.Get(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		middleware.WriteError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toRelationshipResponse(rel))
}

// InitiateFriend は友達リクエストを送る。
// POST /api/friends
func (h *FriendHandler) InitiateFriend(w http.ResponseWriter, r *http.Request) {
	h.createWith(w, r, h.service.Initiate)
}

// Subscribe はハンドシェイクなしで購読する。
// POST /api/subscriptions
func (h *FriendHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	h.createWith(w, r, h.service.Subscribe)
}

func (h *FriendHandler) createWith(w http.ResponseWriter, r *http.Request, op func(context.Context, string) (*model.Relationship, error)) {
	var req siteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "リクエストボディの解析に失敗しました。",
			Category: "validation",
			Action:   "正しいJSON形式でリクエストしてください。",
		})
		return
	}
	if req.SiteURL == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidURLError("URLが空です"))
		return
	}

	rel, err := op(r.Context(), req.SiteURL)
	if err != nil {
		middleware.WriteError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRelationshipResponse(rel))
}

// ApproveFriend は受信した友達リクエストを承認する。
// POST /api/friends/{key}/approve
func (h *FriendHandler) ApproveFriend(w http.ResponseWriter, r *http.Request) {
	rel, err := h.service.Approve(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		middleware.WriteError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toRelationshipResponse(rel))
}

// DeleteFriend は関係とそのトークン、キャッシュ記事を削除する。
// DELETE /api/friends/{key}
func (h *FriendHandler) DeleteFriend(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Delete(r.Context(), chi.URLParam(r, "key")); err != nil {
		middleware.WriteError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListItems は関係のキャッシュ記事を返す。
// GET /api/friends/{key}/items
func (h *FriendHandler) ListItems(w http.ResponseWriter, r *http.Request) {
	rel, err := h.service.Get(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		middleware.WriteError(w, h.logger, err)
		return
	}

	items, err := h.items.ListByIdentity(r.Context(), rel.IdentityKey)
	if err != nil {
		middleware.WriteError(w, h.logger, err)
		return
	}

	resp := make([]cachedItemResponse, 0, len(items))
	for _, item := range items {
		resp = append(resp, cachedItemResponse{
			ID:                item.ID,
			RemoteItemID:      item.RemoteItemID,
			Permalink:         item.Permalink,
			Title:             item.Title,
			Body:              item.Body,
			Status:            item.Status,
			CommentCount:      item.CommentCount,
			AuthorDisplayName: item.AuthorDisplayName,
			AuthorAvatarURL:   item.AuthorAvatarURL,
			PublishedAt:       item.PublishedAt,
			UpdatedAt:         item.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// Refresh は全関係のフィード取得を同期的に1回実行する。
// POST /api/refresh
func (h *FriendHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	if err := h.refresher.RunOnce(r.Context()); err != nil {
		middleware.WriteError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func toRelationshipResponse(rel *model.Relationship) relationshipResponse {
	return relationshipResponse{
		IdentityKey: rel.IdentityKey,
		SiteURL:     rel.SiteURL,
		Status:      string(rel.Status),
		DisplayName: rel.DisplayName,
		CreatedAt:   rel.CreatedAt,
		UpdatedAt:   rel.UpdatedAt,
	}
}
