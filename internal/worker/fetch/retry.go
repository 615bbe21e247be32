package fetch

import (
	"errors"
	"sync"
	"time"

	"github.com/hitoshi/friendsync/internal/model"
)

// FetchResult は取得失敗の分類。
type FetchResult int

const (
	// FetchResultOK は取得成功（2xx）。
	FetchResultOK FetchResult = iota
	// FetchResultStop は長期間の待機が必要なステータス（404/410/401/403）。
	FetchResultStop
	// FetchResultBackoff は指数バックオフが必要なステータス（429/5xx）または通信失敗。
	FetchResultBackoff
	// FetchResultUnknown は未知のステータスコード。
	FetchResultUnknown
)

const (
	// initialBackoff は指数バックオフの初回遅延（30分）。
	initialBackoff = 30 * time.Minute
	// maxBackoff は指数バックオフの最大遅延（12時間）。
	maxBackoff = 12 * time.Hour
)

// ClassifyHTTPStatus はHTTPステータスコードを取得結果に分類する。
func ClassifyHTTPStatus(statusCode int) FetchResult {
	switch {
	case statusCode >= 200 && statusCode <= 299:
		return FetchResultOK
	case statusCode == 404 || statusCode == 410:
		return FetchResultStop
	case statusCode == 401 || statusCode == 403:
		return FetchResultStop
	case statusCode == 429:
		return FetchResultBackoff
	case statusCode >= 500:
		return FetchResultBackoff
	default:
		return FetchResultUnknown
	}
}

// ClassifyError は取得エラーを分類する。
// ステータスコードを持たない失敗（通信、パース）はバックオフ扱いとする。
func ClassifyError(err error) FetchResult {
	if err == nil {
		return FetchResultOK
	}
	var fe *model.FetchError
	if errors.As(err, &fe) && fe.StatusCode != 0 {
		return ClassifyHTTPStatus(fe.StatusCode)
	}
	return FetchResultBackoff
}

// CalculateBackoff は連続エラー回数に基づいて指数バックオフ遅延を計算する。
// 初回30分、2倍ずつ増加、最大12時間。
func CalculateBackoff(consecutiveErrors int) time.Duration {
	delay := initialBackoff
	for i := 0; i < consecutiveErrors; i++ {
		delay *= 2
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

type backoffEntry struct {
	consecutiveErrors int
	nextAttempt       time.Time
}

// backoffTracker は関係ごとの連続失敗回数と次回試行時刻をメモリ上で管理する。
// プロセス再起動でリセットされる。
type backoffTracker struct {
	mu      sync.Mutex
	entries map[string]backoffEntry
}

func newBackoffTracker() *backoffTracker {
	return &backoffTracker{entries: make(map[string]backoffEntry)}
}

// due は識別キーの取得を今実行してよいかを返す。
func (b *backoffTracker) due(identityKey string, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[identityKey]
	return !ok || !now.Before(e.nextAttempt)
}

// failure は失敗を記録し、次回試行までの遅延を返す。
func (b *backoffTracker) failure(identityKey string, result FetchResult, now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entries[identityKey]
	delay := CalculateBackoff(e.consecutiveErrors)
	if result == FetchResultStop {
		delay = maxBackoff
	}
	e.consecutiveErrors++
	e.nextAttempt = now.Add(delay)
	b.entries[identityKey] = e
	return delay
}

// success は識別キーの失敗記録を消す。
func (b *backoffTracker) success(identityKey string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, identityKey)
}

// consecutiveErrors は識別キーの連続失敗回数を返す。
func (b *backoffTracker) consecutiveErrors(identityKey string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.entries[identityKey].consecutiveErrors
}
