package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/friendsync/internal/middleware"
	"github.com/hitoshi/friendsync/internal/model"
	"github.com/hitoshi/friendsync/internal/protocol"
)

// --- モック定義 ---

type mockProtocolService struct {
	friendRequestFn func(ctx context.Context, siteURL, name, email string) (protocol.Reply, error)
	acceptedFn      func(ctx context.Context, token string) (protocol.Reply, error)
}

func (m *mockProtocolService) HandleFriendRequest(ctx context.Context, siteURL, name, email string) (protocol.Reply, error) {
	if m.friendRequestFn != nil {
		return m.friendRequestFn(ctx, siteURL, name, email)
	}
	return protocol.Reply{Pending: "pending-token"}, nil
}

func (m *mockProtocolService) HandleFriendRequestAccepted(ctx context.Context, token string) (protocol.Reply, error) {
	if m.acceptedFn != nil {
		return m.acceptedFn(ctx, token)
	}
	return protocol.Reply{Friend: "shared-token"}, nil
}

type mockFriendService struct {
	initiateFn  func(ctx context.Context, siteURL string) (*model.Relationship, error)
	subscribeFn func(ctx context.Context, siteURL string) (*model.Relationship, error)
	approveFn   func(ctx context.Context, key string) (*model.Relationship, error)
	deleteFn    func(ctx context.Context, key string) error
	rels        map[string]*model.Relationship
}

func (m *mockFriendService) Initiate(ctx context.Context, siteURL string) (*model.Relationship, error) {
	return m.initiateFn(ctx, siteURL)
}

func (m *mockFriendService) Subscribe(ctx context.Context, siteURL string) (*model.Relationship, error) {
	return m.subscribeFn(ctx, siteURL)
}

func (m *mockFriendService) Approve(ctx context.Context, key string) (*model.Relationship, error) {
	return m.approveFn(ctx, key)
}

func (m *mockFriendService) Delete(ctx context.Context, key string) error {
	return m.deleteFn(ctx, key)
}

func (m *mockFriendService) List(ctx context.Context) ([]*model.Relationship, error) {
	var out []*model.Relationship
	for _, rel := range m.rels {
		out = append(out, rel)
	}
	return out, nil
}

func (m *mockFriendService) Get(ctx context.Context, key string) (*model.Relationship, error) {
	rel, ok := m.rels[key]
	if !ok {
		return nil, model.NewRelationshipNotFoundError(key)
	}
	return rel, nil
}

type mockItemLister struct {
	items map[string][]*model.CachedItem
}

func (m *mockItemLister) ListByIdentity(ctx context.Context, key string) ([]*model.CachedItem, error) {
	return m.items[key], nil
}

type mockRefresher struct {
	calls int
	err   error
}

func (m *mockRefresher) RunOnce(ctx context.Context) error {
	m.calls++
	return m.err
}

type mockPinger struct{ err error }

func (m *mockPinger) PingContext(ctx context.Context) error { return m.err }

// --- テストヘルパー ---

const (
	adminUser = "admin"
	adminPass = "secret"
)

var createdAt = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

type testEnv struct {
	router    http.Handler
	protocol  *mockProtocolService
	friends   *mockFriendService
	refresher *mockRefresher
	logs      *bytes.Buffer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	rl := middleware.NewRateLimiter(middleware.PerMinuteConfig(120, 2), logger)
	t.Cleanup(rl.Stop)

	env := &testEnv{
		protocol: &mockProtocolService{},
		friends: &mockFriendService{rels: map[string]*model.Relationship{
			"b.example": {
				IdentityKey: "b.example", SiteURL: "https://b.example",
				Status: model.StatusFriend, OutboundToken: "never-exposed",
				RemoteAuthToken: "never-exposed-either", CreatedAt: createdAt, UpdatedAt: createdAt,
			},
		}},
		refresher: &mockRefresher{},
		logs:      &buf,
	}
	env.router = NewRouter(&RouterDeps{
		Logger:      logger,
		RateLimiter: rl,
		Health:      &mockPinger{},
		Protocol:    env.protocol,
		Feed: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/rss+xml")
			_, _ = w.Write([]byte("<rss/>"))
		}),
		Friends: env.friends,
		Items: &mockItemLister{items: map[string][]*model.CachedItem{
			"b.example": {{ID: "item-1", IdentityKey: "b.example", RemoteItemID: "7", Title: "Hello", Status: model.ItemStatusPrivate}},
		}},
		Refresher:  env.refresher,
		AdminCreds: map[string]string{adminUser: adminPass},
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("# metrics"))
		}),
	})
	return env
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func adminRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.SetBasicAuth(adminUser, adminPass)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

func decodeProtocolError(t *testing.T, w *httptest.ResponseRecorder) protocol.ErrorBody {
	t.Helper()
	var body protocol.ErrorBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error body: %v", err)
	}
	return body
}

// --- プロトコルエンドポイント ---

func TestHello(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(httptest.NewRequest(http.MethodGet, "/friends/v1/hello", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body protocol.HelloResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Version != protocol.Version {
		t.Errorf("version = %q, want %q", body.Version, protocol.Version)
	}
}

func TestFriendRequest_JSONAndForm(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
	}{
		{"json", "application/json", `{"site_url":"https://c.example","name":"C","email":"c@example.com"}`},
		{"form", "application/x-www-form-urlencoded", url.Values{"site_url": {"https://c.example"}, "name": {"C"}, "email": {"c@example.com"}}.Encode()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			var gotURL, gotName, gotEmail string
			env.protocol.friendRequestFn = func(ctx context.Context, siteURL, name, email string) (protocol.Reply, error) {
				gotURL, gotName, gotEmail = siteURL, name, email
				return protocol.Reply{Pending: "p-token"}, nil
			}

			req := httptest.NewRequest(http.MethodPost, "/friends/v1/friend-request", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", tt.contentType)
			w := env.do(req)

			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
			}
			if gotURL != "https://c.example" || gotName != "C" || gotEmail != "c@example.com" {
				t.Errorf("args = %q %q %q", gotURL, gotName, gotEmail)
			}
			var reply map[string]string
			if err := json.NewDecoder(w.Body).Decode(&reply); err != nil {
				t.Fatal(err)
			}
			if reply["friend_request_pending"] != "p-token" {
				t.Errorf("reply = %v", reply)
			}
			if _, ok := reply["friend"]; ok {
				t.Error("保留中の応答にfriendを含めない")
			}
		})
	}
}

func TestFriendRequest_RejectionShape(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
	}{
		{"invalid site", model.NewInvalidSiteError(), model.ErrCodeInvalidSite},
		{"unsupported site", model.NewUnsupportedSiteError(), model.ErrCodeUnsupportedSite},
		{"persistence failure", model.NewFriendRequestFailedError(), model.ErrCodeFriendRequestFailed},
		{"unexpected error is masked", errors.New("pq: connection refused"), model.ErrCodeFriendRequestFailed},
		{"non-protocol api error is masked", model.NewInvalidURLError("x"), model.ErrCodeFriendRequestFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.protocol.friendRequestFn = func(ctx context.Context, siteURL, name, email string) (protocol.Reply, error) {
				return protocol.Reply{}, tt.err
			}

			req := httptest.NewRequest(http.MethodPost, "/friends/v1/friend-request", strings.NewReader(`{"site_url":"x"}`))
			req.Header.Set("Content-Type", "application/json")
			w := env.do(req)

			if w.Code != http.StatusForbidden {
				t.Fatalf("status = %d, want 403", w.Code)
			}
			body := decodeProtocolError(t, w)
			if body.Code != tt.wantCode || body.Message == "" {
				t.Errorf("body = %+v, want code %s", body, tt.wantCode)
			}
			if strings.Contains(w.Body.String(), "pq:") {
				t.Error("内部エラーの詳細が応答に含まれている")
			}
		})
	}
}

func TestFriendRequest_MalformedJSON(t *testing.T) {
	env := newTestEnv(t)
	called := false
	env.protocol.friendRequestFn = func(ctx context.Context, siteURL, name, email string) (protocol.Reply, error) {
		called = true
		return protocol.Reply{}, nil
	}

	req := httptest.NewRequest(http.MethodPost, "/friends/v1/friend-request", strings.NewReader(`{"site_url":`))
	req.Header.Set("Content-Type", "application/json")
	w := env.do(req)

	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
	if decodeProtocolError(t, w).Code != model.ErrCodeInvalidParameters {
		t.Error("不正なボディは friends_invalid_parameters")
	}
	if called {
		t.Error("不正なボディでサービスを呼び出してはならない")
	}
}

func TestFriendRequest_RateLimited(t *testing.T) {
	env := newTestEnv(t)

	var codes []int
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/friends/v1/friend-request", strings.NewReader(`{"site_url":"https://c.example"}`))
		req.Header.Set("Content-Type", "application/json")
		req.RemoteAddr = "192.0.2.10:5555"
		codes = append(codes, env.do(req).Code)
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Errorf("codes = %v, 3回目は429", codes)
	}

	// helloは専用制限の対象外
	req := httptest.NewRequest(http.MethodGet, "/friends/v1/hello", nil)
	req.RemoteAddr = "192.0.2.10:5555"
	if w := env.do(req); w.Code != http.StatusOK {
		t.Errorf("hello status = %d, want 200", w.Code)
	}
}

func TestFriendRequestAccepted(t *testing.T) {
	env := newTestEnv(t)
	var gotToken string
	env.protocol.acceptedFn = func(ctx context.Context, token string) (protocol.Reply, error) {
		gotToken = token
		if token != "p-token" {
			return protocol.Reply{}, model.NewInvalidParametersError()
		}
		return protocol.Reply{Friend: "shared"}, nil
	}

	form := url.Values{"token": {"p-token"}}.Encode()
	req := httptest.NewRequest(http.MethodPost, "/friends/v1/friend-request-accepted", strings.NewReader(form))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := env.do(req)

	if w.Code != http.StatusOK || gotToken != "p-token" {
		t.Fatalf("status = %d token = %q", w.Code, gotToken)
	}
	if !strings.Contains(w.Body.String(), `"friend":"shared"`) {
		t.Errorf("body = %s", w.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/friends/v1/friend-request-accepted", strings.NewReader(`{"token":"wrong"}`))
	req.Header.Set("Content-Type", "application/json")
	w = env.do(req)
	if w.Code != http.StatusForbidden || decodeProtocolError(t, w).Code != model.ErrCodeInvalidParameters {
		t.Errorf("unknown token: status = %d", w.Code)
	}
}

func TestFriendRequestAccepted_EmptyBody(t *testing.T) {
	env := newTestEnv(t)
	env.protocol.acceptedFn = func(ctx context.Context, token string) (protocol.Reply, error) {
		if token == "" {
			return protocol.Reply{}, model.NewInvalidParametersError()
		}
		return protocol.Reply{Friend: token}, nil
	}

	req := httptest.NewRequest(http.MethodPost, "/friends/v1/friend-request-accepted", nil)
	req.Header.Set("Content-Type", "application/json")
	w := env.do(req)

	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
}

func TestNoRoute(t *testing.T) {
	env := newTestEnv(t)

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/friends/v2/hello"},
		{http.MethodGet, "/wp-json/friends/v1/hello"},
		{http.MethodDelete, "/friends/v1/hello"},
	} {
		w := env.do(httptest.NewRequest(tc.method, tc.path, nil))
		if w.Code != http.StatusNotFound {
			t.Errorf("%s %s: status = %d, want 404", tc.method, tc.path, w.Code)
			continue
		}
		if decodeProtocolError(t, w).Code != model.ErrCodeNoRoute {
			t.Errorf("%s %s: code != rest_no_route", tc.method, tc.path)
		}
	}
}

func TestFeedRouteAndHealth(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(httptest.NewRequest(http.MethodGet, "/feed/?friend=tok", nil))
	if w.Code != http.StatusOK || w.Body.String() != "<rss/>" {
		t.Errorf("feed: status = %d body = %q", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("セキュリティヘッダーが付与されていない")
	}

	w = env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("health status = %d", w.Code)
	}

	w = env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "# metrics") {
		t.Errorf("metrics status = %d", w.Code)
	}
}

func TestHealth_Unavailable(t *testing.T) {
	w := httptest.NewRecorder()
	healthHandler(&mockPinger{err: errors.New("down")}).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

// --- 管理API ---

func TestAdmin_RequiresBasicAuth(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(httptest.NewRequest(http.MethodGet, "/api/friends", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no creds: status = %d, want 401", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/friends", nil)
	req.SetBasicAuth(adminUser, "wrong")
	if w := env.do(req); w.Code != http.StatusUnauthorized {
		t.Errorf("wrong creds: status = %d, want 401", w.Code)
	}
}

func TestAdmin_ListAndGetDoNotExposeTokens(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(adminRequest(http.MethodGet, "/api/friends", ""))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var list []relationshipResponse
	if err := json.NewDecoder(w.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Status != string(model.StatusFriend) {
		t.Errorf("list = %+v", list)
	}

	w = env.do(adminRequest(http.MethodGet, "/api/friends/b.example", ""))
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "never-exposed") {
		t.Errorf("トークンが応答に含まれている: %s", w.Body.String())
	}
	if w.Header().Get("Cache-Control") == "" {
		t.Error("管理APIはキャッシュさせない")
	}

	w = env.do(adminRequest(http.MethodGet, "/api/friends/missing.example", ""))
	if w.Code != http.StatusNotFound {
		t.Errorf("missing: status = %d, want 404", w.Code)
	}
}

func TestAdmin_InitiateAndSubscribe(t *testing.T) {
	env := newTestEnv(t)
	env.friends.initiateFn = func(ctx context.Context, siteURL string) (*model.Relationship, error) {
		return &model.Relationship{IdentityKey: "c.example", SiteURL: siteURL, Status: model.StatusOutgoingRequestPending}, nil
	}
	env.friends.subscribeFn = func(ctx context.Context, siteURL string) (*model.Relationship, error) {
		return &model.Relationship{IdentityKey: "d.example", SiteURL: siteURL, Status: model.StatusSubscription}, nil
	}

	w := env.do(adminRequest(http.MethodPost, "/api/friends", `{"site_url":"https://c.example"}`))
	if w.Code != http.StatusCreated || !strings.Contains(w.Body.String(), string(model.StatusOutgoingRequestPending)) {
		t.Errorf("initiate: status = %d body = %s", w.Code, w.Body.String())
	}

	w = env.do(adminRequest(http.MethodPost, "/api/subscriptions", `{"site_url":"https://d.example"}`))
	if w.Code != http.StatusCreated || !strings.Contains(w.Body.String(), string(model.StatusSubscription)) {
		t.Errorf("subscribe: status = %d body = %s", w.Code, w.Body.String())
	}
}

func TestAdmin_InitiateErrors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"empty url", `{"site_url":""}`, nil, http.StatusBadRequest, model.ErrCodeInvalidURL},
		{"bad json", `{`, nil, http.StatusBadRequest, "INVALID_REQUEST"},
		{"invalid url", `{"site_url":"ftp://x"}`, model.NewInvalidURLError("scheme"), http.StatusBadRequest, model.ErrCodeInvalidURL},
		{"remote rejection", `{"site_url":"https://c.example"}`, &model.RemoteProtocolError{StatusCode: 403, Code: model.ErrCodeInvalidSite}, http.StatusBadGateway, model.ErrCodeRemoteProtocol},
		{"transport", `{"site_url":"https://c.example"}`, &model.TransportError{Op: "hello", URL: "https://c.example", Err: errors.New("timeout")}, http.StatusBadGateway, model.ErrCodeTransport},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.friends.initiateFn = func(ctx context.Context, siteURL string) (*model.Relationship, error) {
				return nil, tt.err
			}

			w := env.do(adminRequest(http.MethodPost, "/api/friends", tt.body))

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			var body middleware.ErrorResponseBody
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatal(err)
			}
			if body.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", body.Code, tt.wantCode)
			}
		})
	}
}

func TestAdmin_ApproveAndDelete(t *testing.T) {
	env := newTestEnv(t)
	env.friends.approveFn = func(ctx context.Context, key string) (*model.Relationship, error) {
		if key != "b.example" {
			return nil, model.NewInvalidTransitionError(model.StatusSubscription, "approve")
		}
		return &model.Relationship{IdentityKey: key, Status: model.StatusFriend}, nil
	}
	var deleted string
	env.friends.deleteFn = func(ctx context.Context, key string) error {
		deleted = key
		return nil
	}

	if w := env.do(adminRequest(http.MethodPost, "/api/friends/b.example/approve", "")); w.Code != http.StatusOK {
		t.Errorf("approve status = %d", w.Code)
	}
	if w := env.do(adminRequest(http.MethodPost, "/api/friends/x.example/approve", "")); w.Code != http.StatusBadRequest {
		t.Errorf("invalid transition status = %d, want 400", w.Code)
	}
	if w := env.do(adminRequest(http.MethodDelete, "/api/friends/b.example", "")); w.Code != http.StatusNoContent || deleted != "b.example" {
		t.Errorf("delete status = %d deleted = %q", w.Code, deleted)
	}
}

func TestAdmin_ItemsAndRefresh(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(adminRequest(http.MethodGet, "/api/friends/b.example/items", ""))
	if w.Code != http.StatusOK {
		t.Fatalf("items status = %d", w.Code)
	}
	var items []cachedItemResponse
	if err := json.NewDecoder(w.Body).Decode(&items); err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].RemoteItemID != "7" {
		t.Errorf("items = %+v", items)
	}

	if w := env.do(adminRequest(http.MethodGet, "/api/friends/nope/items", "")); w.Code != http.StatusNotFound {
		t.Errorf("items of unknown relationship: status = %d", w.Code)
	}

	if w := env.do(adminRequest(http.MethodPost, "/api/refresh", "")); w.Code != http.StatusAccepted || env.refresher.calls != 1 {
		t.Errorf("refresh: status = %d calls = %d", w.Code, env.refresher.calls)
	}

	env.refresher.err = errors.New("list failed")
	if w := env.do(adminRequest(http.MethodPost, "/api/refresh", "")); w.Code != http.StatusInternalServerError {
		t.Errorf("refresh failure: status = %d", w.Code)
	}
}
