package friend

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hitoshi/friendsync/internal/identity"
	"github.com/hitoshi/friendsync/internal/model"
	"github.com/hitoshi/friendsync/internal/protocol"
	"github.com/hitoshi/friendsync/internal/token"
)

// HandleFriendRequest は相手サイトからの友達リクエストを処理し、応答を返す。
// 同じsite_urlからの再送には最初と同じトークンを返す。
func (s *Service) HandleFriendRequest(ctx context.Context, rawURL, name, email string) (protocol.Reply, error) {
	siteURL, key, err := identity.Resolve(rawURL)
	if err != nil || identity.SameSite(siteURL, s.ownSiteURL) || !s.reachable(siteURL) {
		s.record("friend_request", "invalid_site")
		return protocol.Reply{}, model.NewInvalidSiteError()
	}

	if _, err := s.client.Hello(ctx, siteURL); err != nil {
		s.logger.Warn("リクエスト元のhelloに失敗しました",
			slog.String("site_url", siteURL),
			slog.String("error", err.Error()),
		)
		s.record("friend_request", "unsupported_site")
		return protocol.Reply{}, model.NewUnsupportedSiteError()
	}

	var reply protocol.Reply
	var status model.Status
	err = s.tx.WithIdentityLock(ctx, key, func(ctx context.Context) error {
		rel, err := s.rels.FindByIdentityKey(ctx, key)
		if err != nil {
			return err
		}
		now := s.now()
		if rel == nil {
			rel = &model.Relationship{
				IdentityKey: key,
				SiteURL:     siteURL,
				Status:      model.StatusSubscription,
				CreatedAt:   now,
			}
		}
		if rel.DisplayName == "" {
			rel.DisplayName = name
		}
		if rel.SiteURL == "" {
			rel.SiteURL = siteURL
		}

		switch rel.Status {
		case model.StatusFriend:
			outbound, err := s.tokens.CurrentOrMint(ctx, key, model.TokenKindFeed)
			if err != nil {
				return err
			}
			reply = protocol.Reply{Friend: outbound}
			status = rel.Status
			return nil

		case model.StatusIncomingRequestPending:
			if rel.InboundToken != "" {
				reply = protocol.Reply{Pending: rel.InboundToken}
				status = rel.Status
				return nil
			}
		}

		previous := rel.Status
		inbound, err := token.Generate()
		if err != nil {
			return err
		}
		rel.Status = Upgrade(rel.Status, model.StatusIncomingRequestPending)
		rel.InboundToken = inbound
		rel.UpdatedAt = now
		if err := s.rels.Save(ctx, rel); err != nil {
			return err
		}
		if previous == model.StatusOutgoingRequestPending {
			// 相手がこちらのリクエストを失って再送してきたので、古い照合用トークンは捨てる
			if err := s.tokens.Revoke(ctx, key, model.TokenKindRequest); err != nil {
				return err
			}
		}

		reply = protocol.Reply{Pending: inbound}
		status = rel.Status
		return nil
	})
	if err != nil {
		s.logger.Error("友達リクエストの記録に失敗しました",
			slog.String("identity_key", key),
			slog.String("error", err.Error()),
		)
		s.record("friend_request", "error")
		return protocol.Reply{}, model.NewFriendRequestFailedError()
	}

	s.logger.Info("友達リクエストを受信しました",
		slog.String("identity_key", key),
		slog.String("site_url", siteURL),
		slog.String("status", string(status)),
		slog.Bool("has_email", email != ""),
	)
	s.record("friend_request", string(status))
	return reply, nil
}

// HandleFriendRequestAccepted は相手からの承認通知を処理する。
// tokenはこちらの送信済みリクエストに対して相手が返した照合用トークン。
// 成立時にこちらが発行したトークンを返し、以後は双方がそれを共有シークレットとして使う。
func (s *Service) HandleFriendRequestAccepted(ctx context.Context, tok string) (protocol.Reply, error) {
	if tok == "" {
		s.record("friend_request_accepted", "invalid_parameters")
		return protocol.Reply{}, model.NewInvalidParametersError()
	}

	key, err := s.tokens.Resolve(ctx, tok, model.TokenKindRequest)
	if err != nil {
		if !errors.Is(err, token.ErrTokenNotFound) {
			s.logger.Error("トークンの解決に失敗しました", slog.String("error", err.Error()))
		}
		s.record("friend_request_accepted", "invalid_parameters")
		return protocol.Reply{}, model.NewInvalidParametersError()
	}

	var rel *model.Relationship
	var replayed bool
	err = s.tx.WithIdentityLock(ctx, key, func(ctx context.Context) error {
		var err error
		rel, err = s.rels.FindByIdentityKey(ctx, key)
		if err != nil {
			return err
		}
		if rel == nil || rel.SiteURL == "" {
			return model.NewInvalidParametersError()
		}
		if identity.IdentityKey(rel.SiteURL) != rel.IdentityKey {
			return model.NewOfferNoLongerValidError()
		}
		if !Allows(rel.Status, OpReceiveAccepted) {
			return model.NewInvalidParametersError()
		}
		// 成立済みへの再通知は既存の共有シークレットを返すだけ
		if rel.Status == model.StatusFriend && rel.OutboundToken != "" {
			replayed = true
			return nil
		}

		rel.Status = model.StatusFriend
		rel.UpdatedAt = s.now()
		if err := s.rels.Save(ctx, rel); err != nil {
			return err
		}
		shared, err := s.tokens.CurrentOrMint(ctx, key, model.TokenKindFeed)
		if err != nil {
			return err
		}
		// 発行したトークンを相手のフィード取得にも使う共有シークレットとする
		rel.OutboundToken = shared
		rel.RemoteAuthToken = shared
		return s.rels.Save(ctx, rel)
	})
	if err != nil {
		var apiErr *model.APIError
		if errors.As(err, &apiErr) {
			s.record("friend_request_accepted", apiErr.Code)
			return protocol.Reply{}, apiErr
		}
		s.logger.Error("承認通知の処理に失敗しました",
			slog.String("identity_key", key),
			slog.String("error", err.Error()),
		)
		s.record("friend_request_accepted", "error")
		return protocol.Reply{}, model.NewFriendRequestFailedError()
	}

	if replayed {
		s.record("friend_request_accepted", "replay")
		return protocol.Reply{Friend: rel.OutboundToken}, nil
	}

	s.logger.Info("友達関係が成立しました",
		slog.String("identity_key", key),
		slog.String("site_url", rel.SiteURL),
	)
	s.record("friend_request_accepted", "friend")
	s.schedule(rel)
	return protocol.Reply{Friend: rel.OutboundToken}, nil
}
