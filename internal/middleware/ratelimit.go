package middleware

import (
	"encoding/json"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/friendsync/internal/model"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	GeneralRate        rate.Limit    // プロトコルエンドポイント全般のレート（req/sec）
	GeneralBurst       int           // 全般のバーストサイズ
	FriendRequestRate  rate.Limit    // friend-requestのレート（req/sec）
	FriendRequestBurst int           // friend-requestのバーストサイズ
	CleanupInterval    time.Duration // 期限切れエントリのクリーンアップ間隔
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
// 全般 120 req/min/IP、friend-request 10 req/min/IP。
func DefaultRateLimiterConfig() RateLimiterConfig {
	return PerMinuteConfig(120, 10)
}

// PerMinuteConfig は1分あたりのリクエスト数からレート制限設定を組み立てる。
// バーストは1分ぶんの件数とする。
func PerMinuteConfig(general, friendRequest int) RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:        rate.Limit(float64(general) / 60.0),
		GeneralBurst:       general,
		FriendRequestRate:  rate.Limit(float64(friendRequest) / 60.0),
		FriendRequestBurst: friendRequest,
		CleanupInterval:    5 * time.Minute,
	}
}

// clientLimiter はクライアントごとのリミッターと最終アクセス時刻を保持する。
type clientLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// limiterTable はクライアントIPをキーとするリミッターの集合。
type limiterTable struct {
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
	limiters map[string]*clientLimiter
}

func newLimiterTable(r rate.Limit, burst int) *limiterTable {
	return &limiterTable{rate: r, burst: burst, limiters: make(map[string]*clientLimiter)}
}

func (t *limiterTable) get(key string, now time.Time) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()

	cl, ok := t.limiters[key]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(t.rate, t.burst)}
		t.limiters[key] = cl
	}
	cl.lastAccess = now
	return cl.limiter
}

func (t *limiterTable) expire(now time.Time, ttl time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, cl := range t.limiters {
		if now.Sub(cl.lastAccess) > ttl {
			delete(t.limiters, key)
		}
	}
}

func (t *limiterTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.limiters)
}

// RateLimiter はクライアントIPごとのレート制限を管理する。
// 全般のレート制限とfriend-request専用のレート制限の2種類を提供する。
type RateLimiter struct {
	config        RateLimiterConfig
	general       *limiterTable
	friendRequest *limiterTable
	logger        *slog.Logger
	stopCh        chan struct{}
	stopOnce      sync.Once
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig, logger *slog.Logger) *RateLimiter {
	rl := &RateLimiter{
		config:        config,
		general:       newLimiterTable(config.GeneralRate, config.GeneralBurst),
		friendRequest: newLimiterTable(config.FriendRequestRate, config.FriendRequestBurst),
		logger:        logger,
		stopCh:        make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// GeneralMiddleware は全般のレート制限ミドルウェアを返す。
func (rl *RateLimiter) GeneralMiddleware() func(next http.Handler) http.Handler {
	return rl.middleware(rl.general, rl.config.GeneralRate, "general")
}

// FriendRequestMiddleware はfriend-request専用のレート制限ミドルウェアを返す。
// 全般のレート制限とは独立に動作する。
func (rl *RateLimiter) FriendRequestMiddleware() func(next http.Handler) http.Handler {
	return rl.middleware(rl.friendRequest, rl.config.FriendRequestRate, "friend_request")
}

func (rl *RateLimiter) middleware(table *limiterTable, r rate.Limit, limitType string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ip := ClientIP(req)
			if !table.get(ip, time.Now()).Allow() {
				writeRateLimitResponse(w, r)
				rl.logger.Warn("rate limit exceeded",
					slog.String("client_ip", ip),
					slog.String("limit_type", limitType),
				)
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

// GeneralLimiterCount は管理中の全般リミッターのエントリ数を返す。
func (rl *RateLimiter) GeneralLimiterCount() int {
	return rl.general.len()
}

// FriendRequestLimiterCount は管理中のfriend-requestリミッターのエントリ数を返す。
func (rl *RateLimiter) FriendRequestLimiterCount() int {
	return rl.friendRequest.len()
}

// ClientIP はリクエスト元のIPを返す。
// chiのRealIPミドルウェアの後段ではX-Forwarded-For等が反映済みのRemoteAddrを使う。
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup(time.Now())
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup は最終アクセスからCleanupIntervalの2倍を超えたエントリを削除する。
func (rl *RateLimiter) cleanup(now time.Time) {
	ttl := rl.config.CleanupInterval * 2
	rl.general.expire(now, ttl)
	rl.friendRequest.expire(now, ttl)
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterにはトークンが1つ補充されるまでの秒数を設定する。
func writeRateLimitResponse(w http.ResponseWriter, r rate.Limit) {
	retryAfterSec := 1
	if r > 0 {
		retryAfterSec = int(math.Ceil(1.0 / float64(r)))
		if retryAfterSec < 1 {
			retryAfterSec = 1
		}
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)

	_ = json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     model.ErrCodeRateLimited,
		Message:  "Too many requests. Please try again later.",
		Category: "system",
		Action:   "Retry-Afterの秒数だけ待ってから再度お試しください。",
	})
}
