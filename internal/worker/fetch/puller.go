package fetch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hitoshi/friendsync/internal/model"
)

// FeedFetcher は関係のフィードを取得してパースする。
type FeedFetcher interface {
	Fetch(ctx context.Context, rel *model.Relationship) ([]model.ParsedItem, error)
}

// Reconciler は取得した記事をキャッシュに反映する。
type Reconciler interface {
	Reconcile(ctx context.Context, rel *model.Relationship, items []model.ParsedItem) (inserted, updated int, err error)
}

// FetchRecorder はフィード取得のメトリクスを記録する。
type FetchRecorder interface {
	RecordFetchSuccess(identityKey string)
	RecordFetchFailure(identityKey string, reason string)
	RecordHTTPStatus(statusCode int)
	RecordFetchLatency(duration time.Duration)
	RecordItems(inserted, updated int)
}

// Puller は取得から照合までを1つの関係について実行する。
type Puller struct {
	fetcher    FeedFetcher
	reconciler Reconciler
	metrics    FetchRecorder
	logger     *slog.Logger
}

// NewPuller はPullerを生成する。metricsはnilでもよい。
func NewPuller(fetcher FeedFetcher, reconciler Reconciler, metrics FetchRecorder, logger *slog.Logger) *Puller {
	return &Puller{
		fetcher:    fetcher,
		reconciler: reconciler,
		metrics:    metrics,
		logger:     logger,
	}
}

// Pull は関係のフィードを取得し、キャッシュ記事を作成・更新する。
func (p *Puller) Pull(ctx context.Context, rel *model.Relationship) error {
	start := time.Now()

	items, err := p.fetcher.Fetch(ctx, rel)
	if err != nil {
		p.recordFailure(rel.IdentityKey, err)
		return err
	}

	inserted, updated, err := p.reconciler.Reconcile(ctx, rel, items)
	if p.metrics != nil {
		p.metrics.RecordItems(inserted, updated)
	}
	if err != nil {
		if p.metrics != nil {
			p.metrics.RecordFetchFailure(rel.IdentityKey, "reconcile")
		}
		return err
	}

	duration := time.Since(start)
	if p.metrics != nil {
		p.metrics.RecordFetchSuccess(rel.IdentityKey)
		p.metrics.RecordFetchLatency(duration)
	}

	p.logger.Info("フィードの取得と照合が完了しました",
		slog.String("identity_key", rel.IdentityKey),
		slog.String("status", string(rel.Status)),
		slog.Int("items_total", len(items)),
		slog.Int("items_inserted", inserted),
		slog.Int("items_updated", updated),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
	return nil
}

func (p *Puller) recordFailure(identityKey string, err error) {
	if p.metrics == nil {
		return
	}
	var fe *model.FetchError
	switch {
	case errors.As(err, &fe) && fe.StatusCode != 0:
		p.metrics.RecordHTTPStatus(fe.StatusCode)
		p.metrics.RecordFetchFailure(identityKey, "http_status")
	case errors.As(err, &fe):
		p.metrics.RecordFetchFailure(identityKey, "fetch")
	default:
		p.metrics.RecordFetchFailure(identityKey, "other")
	}
}
