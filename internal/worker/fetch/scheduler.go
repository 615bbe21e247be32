// Package fetch は関係のフィードをバックグラウンドで取得し、キャッシュに反映する。
// スケジューラ、取得から照合までのパイプライン、バックオフ戦略を含む。
package fetch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/friendsync/internal/model"
)

// RelationshipLister は取得対象の関係を列挙する。
type RelationshipLister interface {
	List(ctx context.Context) ([]*model.Relationship, error)
}

// PullLocker はプロセスをまたいで同じ関係の取得を排他する。
// 既に他で保持されている場合、fnを実行せずに (false, nil) を返す。
type PullLocker interface {
	TryLock(ctx context.Context, identityKey string, fn func(ctx context.Context) error) (bool, error)
}

// FeedPuller は1つの関係のフィードを取得してキャッシュに反映する。
type FeedPuller interface {
	Pull(ctx context.Context, rel *model.Relationship) error
}

const (
	defaultMaxConcurrency = 4
	defaultCallTimeout    = 60 * time.Second
)

// Scheduler は全ての関係のフィード取得を定期実行する。
//
// 最大並列数はsemaphoreで制御し、同じ関係の取得が同時に2つ走ることはない。
// 取得中の関係に対する新たな要求はスキップされる。
type Scheduler struct {
	rels           RelationshipLister
	puller         FeedPuller
	logger         *slog.Logger
	maxConcurrency int
	callTimeout    time.Duration
	backoff        *backoffTracker
	locker         PullLocker
	now            func() time.Time

	mu       sync.Mutex
	inFlight map[string]struct{}
	bg       sync.WaitGroup
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// maxConcurrencyが0以下の場合はデフォルト値4を使用する。
// callTimeoutは関係1つ分の取得と照合にかける上限時間。
func NewScheduler(
	rels RelationshipLister,
	puller FeedPuller,
	logger *slog.Logger,
	maxConcurrency int,
	callTimeout time.Duration,
) *Scheduler {
	if maxConcurrency <= 0 {
		maxConcurrency = defaultMaxConcurrency
	}
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}
	return &Scheduler{
		rels:           rels,
		puller:         puller,
		logger:         logger,
		maxConcurrency: maxConcurrency,
		callTimeout:    callTimeout,
		backoff:        newBackoffTracker(),
		now:            time.Now,
		inFlight:       make(map[string]struct{}),
	}
}

// Start はinterval間隔のティッカーでスケジューラを起動する。
// 起動直後に1回実行し、コンテキストがキャンセルされるまで継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("フェッチスケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Int("max_concurrency", s.maxConcurrency),
	)

	if err := s.RunOnce(ctx); err != nil {
		s.logger.Error("フェッチサイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			s.Wait()
			s.logger.Info("フェッチスケジューラを停止しました")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("フェッチサイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce は全ての関係を1回ずつ取得する。
// バックオフ中の関係と取得中の関係はスキップする。個別の失敗はエラーとして返さない。
func (s *Scheduler) RunOnce(ctx context.Context) error {
	start := s.now()

	rels, err := s.rels.List(ctx)
	if err != nil {
		return err
	}

	if len(rels) == 0 {
		s.logger.Info("取得対象の関係はありません")
		return nil
	}

	s.logger.Info("フェッチサイクルを開始します",
		slog.Int("relationship_count", len(rels)),
	)

	sem := make(chan struct{}, s.maxConcurrency)
	var wg sync.WaitGroup
	skipped := 0

	for _, rel := range rels {
		if !s.backoff.due(rel.IdentityKey, start) {
			skipped++
			continue
		}
		if !s.acquire(rel.IdentityKey) {
			skipped++
			continue
		}

		wg.Add(1)
		sem <- struct{}{}

		go func(r *model.Relationship) {
			defer wg.Done()
			defer func() { <-sem }()
			defer s.release(r.IdentityKey)

			s.pull(ctx, r)
		}(rel)
	}

	wg.Wait()

	s.logger.Info("フェッチサイクルが完了しました",
		slog.Int("relationship_count", len(rels)),
		slog.Int("skipped", skipped),
		slog.Float64("duration_ms", float64(s.now().Sub(start).Milliseconds())),
	)

	return nil
}

// Schedule は関係の取得をバックグラウンドで即時実行する。
// 状態遷移の直後に呼ばれるため、バックオフは無視する。取得中であれば何もしない。
func (s *Scheduler) Schedule(rel *model.Relationship) {
	if rel == nil || !s.acquire(rel.IdentityKey) {
		return
	}

	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		defer s.release(rel.IdentityKey)

		s.pull(context.Background(), rel)
	}()
}

// UseLocker はプロセス間の取得ロックを設定する。
// 未設定の場合はプロセス内の取得中ガードのみで排他する。
func (s *Scheduler) UseLocker(l PullLocker) {
	s.locker = l
}

// Wait はScheduleで開始した取得が全て終わるまで待つ。
func (s *Scheduler) Wait() {
	s.bg.Wait()
}

func (s *Scheduler) pull(ctx context.Context, rel *model.Relationship) {
	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	var err error
	if s.locker == nil {
		err = s.puller.Pull(ctx, rel)
	} else {
		var acquired bool
		acquired, err = s.locker.TryLock(ctx, rel.IdentityKey, func(ctx context.Context) error {
			return s.puller.Pull(ctx, rel)
		})
		if err == nil && !acquired {
			s.logger.Info("他のプロセスが取得中のためスキップしました",
				slog.String("identity_key", rel.IdentityKey),
			)
			return
		}
	}
	if err == nil {
		s.backoff.success(rel.IdentityKey)
		return
	}

	delay := s.backoff.failure(rel.IdentityKey, ClassifyError(err), s.now())
	s.logger.Error("フィード取得に失敗しました",
		slog.String("identity_key", rel.IdentityKey),
		slog.String("site_url", rel.SiteURL),
		slog.String("error", err.Error()),
		slog.Int("consecutive_errors", s.backoff.consecutiveErrors(rel.IdentityKey)),
		slog.Duration("retry_after", delay),
	)
}

// acquire は関係を取得中として登録する。既に取得中ならfalseを返す。
func (s *Scheduler) acquire(identityKey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[identityKey]; busy {
		return false
	}
	s.inFlight[identityKey] = struct{}{}
	return true
}

func (s *Scheduler) release(identityKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, identityKey)
}
