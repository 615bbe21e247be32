package friend

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/friendsync/internal/model"
	"github.com/hitoshi/friendsync/internal/protocol"
	"github.com/hitoshi/friendsync/internal/token"
)

// --- テスト用モック ---

type tokenSlot struct {
	identityKey string
	kind        model.TokenKind
}

// mockTokenRepo はテスト用のTokenRepositoryモック。
type mockTokenRepo struct {
	mu     sync.Mutex
	tokens map[tokenSlot]string
}

func newMockTokenRepo() *mockTokenRepo {
	return &mockTokenRepo{tokens: make(map[tokenSlot]string)}
}

func (m *mockTokenRepo) Put(_ context.Context, identityKey string, kind model.TokenKind, tok string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[tokenSlot{identityKey, kind}] = tok
	return nil
}

func (m *mockTokenRepo) FindIdentity(_ context.Context, tok string, kind model.TokenKind) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for s, v := range m.tokens {
		if v == tok && s.kind == kind {
			return s.identityKey, nil
		}
	}
	return "", nil
}

func (m *mockTokenRepo) FindToken(_ context.Context, identityKey string, kind model.TokenKind) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens[tokenSlot{identityKey, kind}], nil
}

func (m *mockTokenRepo) Delete(_ context.Context, identityKey string, kind model.TokenKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, tokenSlot{identityKey, kind})
	return nil
}

func (m *mockTokenRepo) DeleteAll(_ context.Context, identityKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for s := range m.tokens {
		if s.identityKey == identityKey {
			delete(m.tokens, s)
		}
	}
	return nil
}

// mockRelationshipRepo はテスト用のRelationshipRepositoryモック。
// 実装と同様にOutboundTokenはトークン索引のfeed種別から読み込む。
type mockRelationshipRepo struct {
	mu      sync.Mutex
	rels    map[string]model.Relationship
	tokens  *mockTokenRepo
	saveErr error
	saves   int
}

func newMockRelationshipRepo(tokens *mockTokenRepo) *mockRelationshipRepo {
	return &mockRelationshipRepo{rels: make(map[string]model.Relationship), tokens: tokens}
}

func (m *mockRelationshipRepo) FindByIdentityKey(ctx context.Context, identityKey string) (*model.Relationship, error) {
	m.mu.Lock()
	rel, ok := m.rels[identityKey]
	m.mu.Unlock()
	if !ok {
		return nil, nil
	}
	rel.OutboundToken, _ = m.tokens.FindToken(ctx, identityKey, model.TokenKindFeed)
	return &rel, nil
}

func (m *mockRelationshipRepo) List(ctx context.Context) ([]*model.Relationship, error) {
	m.mu.Lock()
	keys := make([]string, 0, len(m.rels))
	for k := range m.rels {
		keys = append(keys, k)
	}
	m.mu.Unlock()

	var rels []*model.Relationship
	for _, k := range keys {
		rel, _ := m.FindByIdentityKey(ctx, k)
		rels = append(rels, rel)
	}
	return rels, nil
}

func (m *mockRelationshipRepo) Save(_ context.Context, rel *model.Relationship) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saves++
	stored := *rel
	stored.OutboundToken = ""
	if existing, ok := m.rels[rel.IdentityKey]; ok {
		stored.CreatedAt = existing.CreatedAt
	}
	m.rels[rel.IdentityKey] = stored
	return nil
}

func (m *mockRelationshipRepo) Delete(_ context.Context, identityKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rels, identityKey)
	return nil
}

func (m *mockRelationshipRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rels)
}

// mockCachedItemRepo はDeleteByIdentityのみを記録するモック。
type mockCachedItemRepo struct {
	mu      sync.Mutex
	deleted []string
}

func (m *mockCachedItemRepo) ListByIdentity(context.Context, string) ([]*model.CachedItem, error) {
	return nil, nil
}
func (m *mockCachedItemRepo) Create(context.Context, *model.CachedItem) error { return nil }
func (m *mockCachedItemRepo) Update(context.Context, *model.CachedItem) error { return nil }
func (m *mockCachedItemRepo) UpsertMetadata(context.Context, string, model.ItemMetadata) error {
	return nil
}
func (m *mockCachedItemRepo) DeleteByIdentity(_ context.Context, identityKey string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, identityKey)
	return 3, nil
}

// mockTransactor は識別キーごとのミューテックスで排他するTransactorモック。
type mockTransactor struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newMockTransactor() *mockTransactor {
	return &mockTransactor{locks: make(map[string]*sync.Mutex)}
}

func (m *mockTransactor) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (m *mockTransactor) WithIdentityLock(ctx context.Context, identityKey string, fn func(ctx context.Context) error) error {
	m.mu.Lock()
	l, ok := m.locks[identityKey]
	if !ok {
		l = &sync.Mutex{}
		m.locks[identityKey] = l
	}
	m.mu.Unlock()

	l.Lock()
	defer l.Unlock()
	return fn(ctx)
}

// mockPuller は予約された関係を記録する。
type mockPuller struct {
	mu        sync.Mutex
	scheduled []model.Relationship
}

func (m *mockPuller) Schedule(rel *model.Relationship) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scheduled = append(m.scheduled, *rel)
}

func (m *mockPuller) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.scheduled)
}

// mockRecorder はハンドシェイク結果を記録する。
type mockRecorder struct {
	mu      sync.Mutex
	results []string
}

func (m *mockRecorder) RecordHandshake(op, result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, op+":"+result)
}

// network は複数のサイトを同一プロセス内でつなぐ疑似ネットワーク。
// 登録されていないサイトへの呼び出しはプロトコル非対応として扱う。
type network struct {
	mu       sync.Mutex
	sites    map[string]*Service
	requests map[string]int // 宛先サイトURLごとのfriend-request回数
}

func newNetwork() *network {
	return &network{sites: make(map[string]*Service), requests: make(map[string]int)}
}

func (n *network) register(siteURL string, svc *Service) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sites[siteURL] = svc
}

func (n *network) lookup(siteURL string) *Service {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sites[siteURL]
}

func (n *network) requestCount(siteURL string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.requests[siteURL]
}

// peerClient はnetwork経由で相手のServiceを直接呼び出すProtocolClient。
type peerClient struct {
	net *network
}

func (c *peerClient) Hello(_ context.Context, siteURL string) (protocol.HelloResult, error) {
	if c.net.lookup(siteURL) == nil {
		return protocol.HelloResult{}, model.ErrNoRoute
	}
	return protocol.HelloResult{Version: protocol.Version, SiteURL: siteURL}, nil
}

func (c *peerClient) FriendRequest(ctx context.Context, siteURL string, body protocol.FriendRequestBody) (protocol.Reply, error) {
	peer := c.net.lookup(siteURL)
	if peer == nil {
		return protocol.Reply{}, model.ErrNoRoute
	}
	c.net.mu.Lock()
	c.net.requests[siteURL]++
	c.net.mu.Unlock()
	reply, err := peer.HandleFriendRequest(ctx, body.SiteURL, body.Name, body.Email)
	return reply, asRemoteError(err)
}

func (c *peerClient) FriendRequestAccepted(ctx context.Context, siteURL, tok string) (protocol.Reply, error) {
	peer := c.net.lookup(siteURL)
	if peer == nil {
		return protocol.Reply{}, model.ErrNoRoute
	}
	reply, err := peer.HandleFriendRequestAccepted(ctx, tok)
	return reply, asRemoteError(err)
}

func asRemoteError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return &model.RemoteProtocolError{StatusCode: 403, Code: apiErr.Code, Message: apiErr.Message}
	}
	return err
}

// mockProtocolClient は関数フィールドで振る舞いを差し替えるProtocolClient。
type mockProtocolClient struct {
	helloFn    func(ctx context.Context, siteURL string) (protocol.HelloResult, error)
	requestFn  func(ctx context.Context, siteURL string, body protocol.FriendRequestBody) (protocol.Reply, error)
	acceptedFn func(ctx context.Context, siteURL, tok string) (protocol.Reply, error)
}

func (m *mockProtocolClient) Hello(ctx context.Context, siteURL string) (protocol.HelloResult, error) {
	if m.helloFn != nil {
		return m.helloFn(ctx, siteURL)
	}
	return protocol.HelloResult{Version: protocol.Version, SiteURL: siteURL}, nil
}

func (m *mockProtocolClient) FriendRequest(ctx context.Context, siteURL string, body protocol.FriendRequestBody) (protocol.Reply, error) {
	if m.requestFn != nil {
		return m.requestFn(ctx, siteURL, body)
	}
	return protocol.Reply{}, errors.New("unexpected FriendRequest")
}

func (m *mockProtocolClient) FriendRequestAccepted(ctx context.Context, siteURL, tok string) (protocol.Reply, error) {
	if m.acceptedFn != nil {
		return m.acceptedFn(ctx, siteURL, tok)
	}
	return protocol.Reply{}, errors.New("unexpected FriendRequestAccepted")
}

// testSite は1つのサイトを構成するServiceと依存関係。
type testSite struct {
	url      string
	svc      *Service
	rels     *mockRelationshipRepo
	tokenDB  *mockTokenRepo
	tokens   *token.Store
	items    *mockCachedItemRepo
	puller   *mockPuller
	recorder *mockRecorder
	logs     *bytes.Buffer
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

func newTestSite(siteURL string, client ProtocolClient) *testSite {
	tokenDB := newMockTokenRepo()
	site := &testSite{
		url:      siteURL,
		rels:     newMockRelationshipRepo(tokenDB),
		tokenDB:  tokenDB,
		tokens:   token.NewStore(tokenDB),
		items:    &mockCachedItemRepo{},
		puller:   &mockPuller{},
		recorder: &mockRecorder{},
		logs:     &bytes.Buffer{},
	}
	site.svc = NewService(ServiceDeps{
		Relationships: site.rels,
		Items:         site.items,
		Transactor:    newMockTransactor(),
		Tokens:        site.tokens,
		Client:        client,
		Puller:        site.puller,
		Metrics:       site.recorder,
		Logger:        newTestLogger(site.logs),
		OwnSiteURL:    siteURL,
		DisplayName:   "test",
	})
	site.svc.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return site
}

// joinNetwork はサイトを生成してnetworkに登録する。
func joinNetwork(n *network, siteURL string) *testSite {
	site := newTestSite(siteURL, &peerClient{net: n})
	n.register(siteURL, site.svc)
	return site
}
