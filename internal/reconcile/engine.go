// Package reconcile は取得したフィード記事をキャッシュ記事と照合し、作成または更新する。
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/friendsync/internal/model"
	"github.com/hitoshi/friendsync/internal/repository"
	"github.com/hitoshi/friendsync/internal/security"
)

// Engine は1つの関係のフィード記事をキャッシュに反映する。
//
// 照合は2段階で行う:
//  1. リモートID（拡張フィールドのpost-id、なければパーマリンク）
//  2. パーマリンク
//
// 既存記事は上書き更新し、作成日時と公開日時は変更しない。
// 同じ関係に対する並行実行は呼び出し元が防ぐこと。
type Engine struct {
	items     repository.CachedItemRepository
	tx        repository.Transactor
	sanitizer security.ContentSanitizerService
	logger    *slog.Logger
	now       func() time.Time
}

// NewEngine はEngineを生成する。
func NewEngine(
	items repository.CachedItemRepository,
	tx repository.Transactor,
	sanitizer security.ContentSanitizerService,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		items:     items,
		tx:        tx,
		sanitizer: sanitizer,
		logger:    logger,
		now:       time.Now,
	}
}

// index は1回の照合パスで使う識別子からローカルIDへの対応表。
// パス内で作成した記事も登録し、同じフィード内の重複を1件にまとめる。
type index struct {
	byRemoteID  map[string]*model.CachedItem
	byPermalink map[string]*model.CachedItem
}

func newIndex(existing []*model.CachedItem) *index {
	idx := &index{
		byRemoteID:  make(map[string]*model.CachedItem, len(existing)),
		byPermalink: make(map[string]*model.CachedItem, len(existing)),
	}
	for _, item := range existing {
		idx.add(item)
	}
	return idx
}

func (idx *index) add(item *model.CachedItem) {
	if item.RemoteItemID != "" {
		idx.byRemoteID[item.RemoteItemID] = item
	}
	if item.Permalink != "" {
		idx.byPermalink[item.Permalink] = item
	}
}

func (idx *index) find(remoteID, permalink string) *model.CachedItem {
	if item, ok := idx.byRemoteID[remoteID]; ok {
		return item
	}
	if permalink != "" {
		if item, ok := idx.byPermalink[permalink]; ok {
			return item
		}
	}
	return nil
}

// Reconcile は取得した記事を関係のキャッシュに反映し、挿入数と更新数を返す。
// 記事ごとに独立して書き込むため、途中で失敗しても反映済みの記事は残る。
func (e *Engine) Reconcile(ctx context.Context, rel *model.Relationship, parsed []model.ParsedItem) (inserted, updated int, err error) {
	if len(parsed) == 0 {
		return 0, 0, nil
	}

	existing, err := e.items.ListByIdentity(ctx, rel.IdentityKey)
	if err != nil {
		return 0, 0, fmt.Errorf("キャッシュ記事の読み込みに失敗: %w", err)
	}
	idx := newIndex(existing)
	now := e.now()

	var firstErr error
	failed := 0

	for _, p := range parsed {
		remoteID := p.RemoteItemID
		if remoteID == "" {
			remoteID = p.Permalink
		}
		if remoteID == "" {
			e.logger.Warn("識別子のない記事をスキップしました",
				slog.String("identity_key", rel.IdentityKey),
				slog.String("title", p.Title),
			)
			continue
		}

		meta := model.ItemMetadata{
			AuthorDisplayName: p.AuthorName,
			AuthorAvatarURL:   p.AuthorAvatarURL,
			RemoteItemID:      remoteID,
			CommentCount:      p.CommentCount,
		}
		if meta.AuthorDisplayName == "" {
			meta.AuthorDisplayName = rel.DisplayName
		}
		body := e.sanitizer.Sanitize(p.Content)

		if item := idx.find(remoteID, p.Permalink); item != nil {
			item.Title = p.Title
			item.Body = body
			item.Status = statusOf(p)
			if p.Permalink != "" {
				item.Permalink = p.Permalink
			}
			item.UpdatedAt = now
			if p.UpdatedAt != nil {
				item.UpdatedAt = *p.UpdatedAt
			}

			if err := e.write(ctx, item, meta, false); err != nil {
				failed++
				firstErr = firstError(firstErr, err)
				e.logger.Error("キャッシュ記事の更新に失敗しました",
					slog.String("identity_key", rel.IdentityKey),
					slog.String("item_id", item.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			applyMetadata(item, meta)
			idx.add(item)
			updated++
			continue
		}

		item := &model.CachedItem{
			ID:           uuid.New().String(),
			IdentityKey:  rel.IdentityKey,
			RemoteItemID: remoteID,
			Permalink:    p.Permalink,
			Title:        p.Title,
			Body:         body,
			Status:       statusOf(p),
			PublishedAt:  now,
			UpdatedAt:    now,
			CreatedAt:    now,
		}
		if p.PublishedAt != nil {
			item.PublishedAt = *p.PublishedAt
			item.UpdatedAt = *p.PublishedAt
		}
		if p.UpdatedAt != nil {
			item.UpdatedAt = *p.UpdatedAt
		}

		if err := e.write(ctx, item, meta, true); err != nil {
			failed++
			firstErr = firstError(firstErr, err)
			e.logger.Error("キャッシュ記事の作成に失敗しました",
				slog.String("identity_key", rel.IdentityKey),
				slog.String("remote_item_id", remoteID),
				slog.String("error", err.Error()),
			)
			continue
		}
		applyMetadata(item, meta)
		idx.add(item)
		inserted++
	}

	e.logger.Info("キャッシュ記事を照合しました",
		slog.String("identity_key", rel.IdentityKey),
		slog.Int("inserted", inserted),
		slog.Int("updated", updated),
		slog.Int("failed", failed),
	)

	if firstErr != nil {
		return inserted, updated, fmt.Errorf("%d件の記事の反映に失敗: %w", failed, firstErr)
	}
	return inserted, updated, nil
}

// write は記事本体とメタデータを1トランザクションで書き込む。
func (e *Engine) write(ctx context.Context, item *model.CachedItem, meta model.ItemMetadata, create bool) error {
	return e.tx.WithinTx(ctx, func(ctx context.Context) error {
		if create {
			if err := e.items.Create(ctx, item); err != nil {
				return err
			}
		} else if err := e.items.Update(ctx, item); err != nil {
			return err
		}
		return e.items.UpsertMetadata(ctx, item.ID, meta)
	})
}

func applyMetadata(item *model.CachedItem, meta model.ItemMetadata) {
	item.AuthorDisplayName = meta.AuthorDisplayName
	item.AuthorAvatarURL = meta.AuthorAvatarURL
	item.RemoteItemID = meta.RemoteItemID
	item.CommentCount = meta.CommentCount
}

func statusOf(p model.ParsedItem) string {
	if p.Status == "" {
		return model.ItemStatusPublish
	}
	return p.Status
}

func firstError(current, err error) error {
	if current != nil {
		return current
	}
	return err
}
