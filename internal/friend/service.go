package friend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/friendsync/internal/identity"
	"github.com/hitoshi/friendsync/internal/model"
	"github.com/hitoshi/friendsync/internal/protocol"
	"github.com/hitoshi/friendsync/internal/repository"
)

// ProtocolClient は相手サイトのハンドシェイクエンドポイントを呼び出すクライアント。
type ProtocolClient interface {
	Hello(ctx context.Context, siteURL string) (protocol.HelloResult, error)
	FriendRequest(ctx context.Context, siteURL string, body protocol.FriendRequestBody) (protocol.Reply, error)
	FriendRequestAccepted(ctx context.Context, siteURL, token string) (protocol.Reply, error)
}

// TokenStore はトークン索引の操作。token.Storeが実装する。
type TokenStore interface {
	Mint(ctx context.Context, identityKey string, kind model.TokenKind) (string, error)
	Adopt(ctx context.Context, identityKey string, kind model.TokenKind, tok string) error
	Resolve(ctx context.Context, tok string, kind model.TokenKind) (string, error)
	Current(ctx context.Context, identityKey string, kind model.TokenKind) (string, error)
	CurrentOrMint(ctx context.Context, identityKey string, kind model.TokenKind) (string, error)
	Revoke(ctx context.Context, identityKey string, kind model.TokenKind) error
	RevokeAll(ctx context.Context, identityKey string) error
}

// PullScheduler は関係のフィード取得を非同期に予約する。
type PullScheduler interface {
	Schedule(rel *model.Relationship)
}

// URLValidator は外向き通信の前にURLを静的に検証する。security.SSRFGuardServiceが実装する。
type URLValidator interface {
	ValidateURL(rawURL string) error
}

// FeedChecker は購読を登録する前に相手のフィードを取得できるか確認する。
// syndication.Fetcherが実装する。
type FeedChecker interface {
	Fetch(ctx context.Context, rel *model.Relationship) ([]model.ParsedItem, error)
}

// HandshakeRecorder はハンドシェイクの結果を記録する。
type HandshakeRecorder interface {
	RecordHandshake(op, result string)
}

// ServiceDeps はServiceの依存関係をまとめた構造体。
type ServiceDeps struct {
	Relationships repository.RelationshipRepository
	Items         repository.CachedItemRepository
	Transactor    repository.Transactor
	Tokens        TokenStore
	Client        ProtocolClient
	Puller        PullScheduler
	Metrics       HandshakeRecorder
	Logger        *slog.Logger
	// Validator はnilの場合、URLの事前検証を行わない。
	Validator URLValidator
	// Feeds はnilの場合、購読登録時のフィード確認を行わない。
	Feeds FeedChecker

	// OwnSiteURL はこのサイトの正規化済みURL。
	OwnSiteURL string
	// DisplayName は友達リクエストに添える表示名。空でもよい。
	DisplayName string
}

// Service は関係の状態機械を駆動する。
// 外向きのHTTP呼び出しはロックの外で行い、状態の変更のみをロック内で行う。
type Service struct {
	rels        repository.RelationshipRepository
	items       repository.CachedItemRepository
	tx          repository.Transactor
	tokens      TokenStore
	client      ProtocolClient
	puller      PullScheduler
	metrics     HandshakeRecorder
	validator   URLValidator
	feeds       FeedChecker
	logger      *slog.Logger
	ownSiteURL  string
	displayName string
	now         func() time.Time
}

// NewService はServiceを生成する。
func NewService(deps ServiceDeps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		rels:        deps.Relationships,
		items:       deps.Items,
		tx:          deps.Transactor,
		tokens:      deps.Tokens,
		client:      deps.Client,
		puller:      deps.Puller,
		metrics:     deps.Metrics,
		validator:   deps.Validator,
		feeds:       deps.Feeds,
		logger:      logger,
		ownSiteURL:  deps.OwnSiteURL,
		displayName: deps.DisplayName,
		now:         time.Now,
	}
}

// Initiate はsiteURLのサイトとの友達関係を開始する。
//
// 相手がプロトコルに対応していなければ購読として登録する。
// 相手からのリクエストを既に受信している場合は、新たなリクエストを送らずに承認する。
func (s *Service) Initiate(ctx context.Context, rawURL string) (*model.Relationship, error) {
	siteURL, _, err := identity.Resolve(rawURL)
	if err != nil {
		return nil, err
	}
	if identity.SameSite(siteURL, s.ownSiteURL) {
		return nil, model.NewInvalidURLError("自サイトには友達リクエストを送れません")
	}
	if !s.reachable(siteURL) {
		return nil, model.NewInvalidURLError("接続が許可されていないURLです")
	}

	hello, err := s.client.Hello(ctx, siteURL)
	if errors.Is(err, model.ErrNoRoute) {
		s.record("initiate", "subscription")
		return s.Subscribe(ctx, siteURL)
	}
	if err != nil {
		s.record("initiate", "error")
		return nil, err
	}

	siteURL = hello.SiteURL
	key := identity.IdentityKey(siteURL)

	existing, err := s.rels.FindByIdentityKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Status == model.StatusIncomingRequestPending {
		s.logger.Info("受信済みのリクエストがあるため承認します",
			slog.String("identity_key", key),
		)
		s.record("initiate", "approve")
		return s.Approve(ctx, key)
	}

	reply, err := s.client.FriendRequest(ctx, siteURL, protocol.FriendRequestBody{
		SiteURL: s.ownSiteURL,
		Name:    s.displayName,
	})
	if errors.Is(err, model.ErrNoRoute) {
		s.record("initiate", "subscription")
		return s.Subscribe(ctx, siteURL)
	}
	if err != nil {
		s.record("initiate", "error")
		return nil, err
	}

	var rel *model.Relationship
	err = s.tx.WithIdentityLock(ctx, key, func(ctx context.Context) error {
		var err error
		rel, err = s.ensure(ctx, siteURL, key, model.StatusOutgoingRequestPending)
		if err != nil {
			return err
		}
		return s.applyReply(ctx, rel, reply)
	})
	if errors.Is(err, errIncomingPending) {
		// 送信中に相手からのリクエストを受信した
		s.logger.Info("送信中に受信したリクエストを承認します",
			slog.String("identity_key", key),
		)
		s.record("initiate", "approve")
		return s.Approve(ctx, key)
	}
	if err != nil {
		s.record("initiate", "error")
		return nil, err
	}

	s.logger.Info("友達リクエストを送信しました",
		slog.String("identity_key", rel.IdentityKey),
		slog.String("site_url", rel.SiteURL),
		slog.String("status", string(rel.Status)),
	)
	s.record("initiate", string(rel.Status))
	s.schedule(rel)
	return rel, nil
}

// Subscribe はハンドシェイクを行わずにフィード購読のみを登録する。
// 既存の関係は格下げされない。
func (s *Service) Subscribe(ctx context.Context, rawURL string) (*model.Relationship, error) {
	siteURL, key, err := identity.Resolve(rawURL)
	if err != nil {
		return nil, err
	}
	if !s.reachable(siteURL) {
		return nil, model.NewInvalidURLError("接続が許可されていないURLです")
	}
	if err := s.checkFeed(ctx, siteURL, key); err != nil {
		return nil, err
	}

	var rel *model.Relationship
	err = s.tx.WithIdentityLock(ctx, key, func(ctx context.Context) error {
		var err error
		rel, err = s.ensure(ctx, siteURL, key, model.StatusSubscription)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("購読を登録しました",
		slog.String("identity_key", rel.IdentityKey),
		slog.String("status", string(rel.Status)),
	)
	s.schedule(rel)
	return rel, nil
}

// checkFeed は新しく購読する相手がフィードを公開しているか確認する。
// 既に関係がある相手は確認しない。
func (s *Service) checkFeed(ctx context.Context, siteURL, key string) error {
	if s.feeds == nil {
		return nil
	}
	existing, err := s.rels.FindByIdentityKey(ctx, key)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	if _, err := s.feeds.Fetch(ctx, &model.Relationship{
		IdentityKey: key,
		SiteURL:     siteURL,
		Status:      model.StatusSubscription,
	}); err != nil {
		s.logger.Warn("フィードを取得できないため購読を登録しません",
			slog.String("identity_key", key),
			slog.String("error", err.Error()),
		)
		s.record("subscribe", "no_feed")
		return err
	}
	return nil
}

// Approve は受信済みの友達リクエストを承認し、相手に承認を通知する。
// 通知の失敗はログに記録され、ローカルの友達状態は維持される。
func (s *Service) Approve(ctx context.Context, identityKey string) (*model.Relationship, error) {
	var rel *model.Relationship
	err := s.tx.WithIdentityLock(ctx, identityKey, func(ctx context.Context) error {
		var err error
		rel, err = s.mustFind(ctx, identityKey)
		if err != nil {
			return err
		}
		if !Allows(rel.Status, OpApprove) {
			return model.NewInvalidTransitionError(rel.Status, string(OpApprove))
		}

		rel.Status = model.StatusFriend
		rel.UpdatedAt = s.now()
		if err := s.rels.Save(ctx, rel); err != nil {
			return err
		}
		outbound, err := s.tokens.CurrentOrMint(ctx, identityKey, model.TokenKindFeed)
		if err != nil {
			return err
		}
		rel.OutboundToken = outbound
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.record("approve", "friend")

	if notified, err := s.NotifyAccepted(ctx, rel); err != nil {
		s.logger.Warn("承認の通知に失敗しました",
			slog.String("identity_key", identityKey),
			slog.String("error", err.Error()),
		)
	} else {
		rel = notified
	}

	s.schedule(rel)
	return rel, nil
}

// NotifyAccepted は相手に承認を通知し、応答に従って状態を確定させる。
// 友達として応答された場合は相手のトークンを共有シークレットとして採用し、
// 保留として応答された場合は送信済みリクエストの待ち状態に戻す。
func (s *Service) NotifyAccepted(ctx context.Context, rel *model.Relationship) (*model.Relationship, error) {
	if rel.InboundToken == "" {
		return nil, fmt.Errorf("承認通知に使うトークンがありません: %s", rel.IdentityKey)
	}

	reply, err := s.client.FriendRequestAccepted(ctx, rel.SiteURL, rel.InboundToken)
	if err != nil {
		s.record("notify_accepted", "error")
		return nil, err
	}

	var updated *model.Relationship
	err = s.tx.WithIdentityLock(ctx, rel.IdentityKey, func(ctx context.Context) error {
		var err error
		updated, err = s.mustFind(ctx, rel.IdentityKey)
		if err != nil {
			return err
		}
		return s.applyReply(ctx, updated, reply)
	})
	if err != nil {
		s.record("notify_accepted", "error")
		return nil, err
	}

	s.record("notify_accepted", string(updated.Status))
	return updated, nil
}

// Delete は関係を削除する。全てのトークンを失効させ、キャッシュ記事も削除する。
func (s *Service) Delete(ctx context.Context, identityKey string) error {
	return s.tx.WithIdentityLock(ctx, identityKey, func(ctx context.Context) error {
		if _, err := s.mustFind(ctx, identityKey); err != nil {
			return err
		}
		if err := s.tokens.RevokeAll(ctx, identityKey); err != nil {
			return err
		}
		removed, err := s.items.DeleteByIdentity(ctx, identityKey)
		if err != nil {
			return err
		}
		if err := s.rels.Delete(ctx, identityKey); err != nil {
			return err
		}
		s.logger.Info("関係を削除しました",
			slog.String("identity_key", identityKey),
			slog.Int64("items_removed", removed),
		)
		return nil
	})
}

// List は全ての関係を返す。
func (s *Service) List(ctx context.Context) ([]*model.Relationship, error) {
	return s.rels.List(ctx)
}

// Get は識別キーで関係を取得する。
func (s *Service) Get(ctx context.Context, identityKey string) (*model.Relationship, error) {
	return s.mustFind(ctx, identityKey)
}

// errIncomingPending は受信済みリクエストを保留応答で上書きしようとしたことを表す。
var errIncomingPending = errors.New("relationship has an incoming request pending")

// applyReply は相手の応答を関係に反映する。ロック内で呼び出すこと。
// 受信済みリクエストは保留応答で上書きせず、errIncomingPendingを返す。
func (s *Service) applyReply(ctx context.Context, rel *model.Relationship, reply protocol.Reply) error {
	if !reply.IsFriend() && rel.Status == model.StatusIncomingRequestPending {
		return errIncomingPending
	}
	rel.UpdatedAt = s.now()

	if reply.IsFriend() {
		rel.Status = model.StatusFriend
		rel.RemoteAuthToken = reply.Friend
		if err := s.rels.Save(ctx, rel); err != nil {
			return err
		}
		// 相手が発行したトークンを双方向の共有シークレットとして採用する
		if err := s.tokens.Adopt(ctx, rel.IdentityKey, model.TokenKindFeed, reply.Friend); err != nil {
			return err
		}
		rel.OutboundToken = reply.Friend
		return nil
	}

	rel.Status = model.StatusOutgoingRequestPending
	rel.RemoteAuthToken = reply.Pending
	if err := s.rels.Save(ctx, rel); err != nil {
		return err
	}
	if err := s.tokens.Adopt(ctx, rel.IdentityKey, model.TokenKindRequest, reply.Pending); err != nil {
		return err
	}
	if err := s.tokens.Revoke(ctx, rel.IdentityKey, model.TokenKindFeed); err != nil {
		return err
	}
	rel.OutboundToken = ""
	return nil
}

// ensure は関係を取得し、なければ作成する。既存の関係はUpgradeの規則で格上げされる。
// ロック内で呼び出すこと。
func (s *Service) ensure(ctx context.Context, siteURL, key string, target model.Status) (*model.Relationship, error) {
	rel, err := s.rels.FindByIdentityKey(ctx, key)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if rel == nil {
		rel = &model.Relationship{
			IdentityKey: key,
			SiteURL:     siteURL,
			Status:      target,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := s.rels.Save(ctx, rel); err != nil {
			return nil, err
		}
		return rel, nil
	}

	next := Upgrade(rel.Status, target)
	if next == rel.Status && rel.SiteURL != "" {
		return rel, nil
	}
	rel.Status = next
	if rel.SiteURL == "" {
		rel.SiteURL = siteURL
	}
	rel.UpdatedAt = now
	if err := s.rels.Save(ctx, rel); err != nil {
		return nil, err
	}
	return rel, nil
}

func (s *Service) mustFind(ctx context.Context, identityKey string) (*model.Relationship, error) {
	rel, err := s.rels.FindByIdentityKey(ctx, identityKey)
	if err != nil {
		return nil, err
	}
	if rel == nil {
		return nil, model.NewRelationshipNotFoundError(identityKey)
	}
	return rel, nil
}

func (s *Service) schedule(rel *model.Relationship) {
	if s.puller == nil || rel == nil {
		return
	}
	snapshot := *rel
	s.puller.Schedule(&snapshot)
}

func (s *Service) record(op, result string) {
	if s.metrics != nil {
		s.metrics.RecordHandshake(op, result)
	}
}

// reachable はsiteURLが外向き通信の許可対象かを返す。
func (s *Service) reachable(siteURL string) bool {
	if s.validator == nil {
		return true
	}
	if err := s.validator.ValidateURL(siteURL); err != nil {
		s.logger.Warn("URLの事前検証で拒否しました",
			slog.String("site_url", siteURL),
			slog.String("error", err.Error()),
		)
		return false
	}
	return true
}
