package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/friendsync/internal/middleware"
	"github.com/hitoshi/friendsync/internal/protocol"
)

// Pinger はヘルスチェックで疎通を確認する依存先。*sql.DBが満たす。
type Pinger interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger      *slog.Logger
	RateLimiter *middleware.RateLimiter
	Health      Pinger

	// ハンドシェイクプロトコル
	Protocol ProtocolService

	// 自サイトのフィード配信
	Feed http.Handler

	// 管理API
	Friends    FriendServiceInterface
	Items      CachedItemLister
	Refresher  Refresher
	AdminCreds map[string]string

	// Prometheusスクレイプ。nilの場合は公開しない。
	Metrics http.Handler
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → RealIP → Logging → Recovery → SecurityHeaders
//
// プロトコルとフィードは全般のレート制限を、friend-requestはさらに専用のレート制限を通る。
// 管理APIはBasic認証の内側に置く。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())

	r.NotFound(NoRoute)
	r.MethodNotAllowed(NoRoute)

	r.Get("/health", healthHandler(deps.Health))
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	protocolHandler := NewProtocolHandler(deps.Protocol, deps.Logger)
	friendHandler := NewFriendHandler(deps.Friends, deps.Items, deps.Refresher, deps.Logger)

	// --- 公開エンドポイント ---
	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Route(protocol.BasePath, func(r chi.Router) {
			r.Get("/hello", protocolHandler.Hello)
			r.With(deps.RateLimiter.FriendRequestMiddleware()).Post("/friend-request", protocolHandler.FriendRequest)
			r.Post("/friend-request-accepted", protocolHandler.FriendRequestAccepted)
		})

		if deps.Feed != nil {
			r.Method(http.MethodGet, "/feed/", deps.Feed)
			r.Method(http.MethodGet, "/feed", deps.Feed)
		}
	})

	// --- 管理API ---
	r.Route("/api", func(r chi.Router) {
		r.Use(chimw.BasicAuth("friendsync", deps.AdminCreds))
		r.Use(chimw.NoCache)
		r.Use(chimw.Timeout(2 * time.Minute))

		r.Route("/friends", func(r chi.Router) {
			r.Get("/", friendHandler.ListFriends)
			r.Post("/", friendHandler.InitiateFriend)

			r.Route("/{key}", func(r chi.Router) {
				r.Get("/", friendHandler.GetFriend)
				r.Delete("/", friendHandler.DeleteFriend)
				r.Post("/approve", friendHandler.ApproveFriend)
				r.Get("/items", friendHandler.ListItems)
			})
		})

		r.Post("/subscriptions", friendHandler.Subscribe)
		r.Post("/refresh", friendHandler.Refresh)
	})

	return r
}

// healthHandler はDB疎通を確認して200または503を返す。
func healthHandler(p Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if p != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
			defer cancel()
			if err := p.PingContext(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
