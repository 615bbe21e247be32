// Package token はリモートサイトとの間で共有する不透明トークンの発行と索引を提供する。
//
// トークンは (識別キー, 種別) ごとに1つだけ有効であり、
// 置き換えや失効の際には逆引きエントリも同時に消える。
package token

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/hitoshi/friendsync/internal/model"
	"github.com/hitoshi/friendsync/internal/repository"
)

// tokenBytes は生成するトークンのバイト長。16進文字列で40文字になる。
const tokenBytes = 20

// ErrTokenNotFound はトークンがどの関係にも対応していないことを表す。
var ErrTokenNotFound = errors.New("token not found")

// Store はトークン索引への操作を提供する。
// 同一識別キーに対する読み取り・更新はプロセス内で直列化され、
// 永続化層では (identity_key, kind) の一意制約による単文UPSERTで置き換えられる。
type Store struct {
	repo  repository.TokenRepository
	locks keyedMutex
}

// NewStore はStoreを生成する。
func NewStore(repo repository.TokenRepository) *Store {
	return &Store{repo: repo}
}

// Generate は暗号論的乱数から新しいトークン文字列を生成する。
func Generate() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("トークンの生成に失敗しました: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Mint は新しいトークンを生成し、(identityKey, kind) の現在のトークンとして登録する。
// 以前のトークンは同じ書き込みで失効する。
func (s *Store) Mint(ctx context.Context, identityKey string, kind model.TokenKind) (string, error) {
	tok, err := Generate()
	if err != nil {
		return "", err
	}
	if err := s.Adopt(ctx, identityKey, kind, tok); err != nil {
		return "", err
	}
	return tok, nil
}

// Adopt は相手から受け取ったトークンを (identityKey, kind) の現在のトークンとして登録する。
func (s *Store) Adopt(ctx context.Context, identityKey string, kind model.TokenKind, tok string) error {
	if tok == "" {
		return fmt.Errorf("空のトークンは登録できません: %s", identityKey)
	}

	unlock := s.locks.lock(identityKey)
	defer unlock()

	if err := s.repo.Put(ctx, identityKey, kind, tok); err != nil {
		return err
	}
	return nil
}

// Resolve はトークンから識別キーを逆引きする。
// 未知または失効済みのトークンにはErrTokenNotFoundを返す。
func (s *Store) Resolve(ctx context.Context, tok string, kind model.TokenKind) (string, error) {
	if tok == "" {
		return "", ErrTokenNotFound
	}
	identityKey, err := s.repo.FindIdentity(ctx, tok, kind)
	if err != nil {
		return "", err
	}
	if identityKey == "" {
		return "", ErrTokenNotFound
	}
	return identityKey, nil
}

// Current は (identityKey, kind) の現在のトークンを返す。存在しない場合は空文字列。
func (s *Store) Current(ctx context.Context, identityKey string, kind model.TokenKind) (string, error) {
	unlock := s.locks.lock(identityKey)
	defer unlock()

	return s.repo.FindToken(ctx, identityKey, kind)
}

// CurrentOrMint は現在のトークンがあればそれを返し、なければ新たに発行する。
// 同一識別キーに対する並行呼び出しでも発行は1回に限られる。
func (s *Store) CurrentOrMint(ctx context.Context, identityKey string, kind model.TokenKind) (string, error) {
	unlock := s.locks.lock(identityKey)
	defer unlock()

	tok, err := s.repo.FindToken(ctx, identityKey, kind)
	if err != nil {
		return "", err
	}
	if tok != "" {
		return tok, nil
	}

	tok, err = Generate()
	if err != nil {
		return "", err
	}
	if err := s.repo.Put(ctx, identityKey, kind, tok); err != nil {
		return "", err
	}
	return tok, nil
}

// Revoke は (identityKey, kind) のトークンを両方向とも削除する。
func (s *Store) Revoke(ctx context.Context, identityKey string, kind model.TokenKind) error {
	unlock := s.locks.lock(identityKey)
	defer unlock()

	return s.repo.Delete(ctx, identityKey, kind)
}

// RevokeAll は識別キーに紐づく全てのトークンを削除する。
func (s *Store) RevokeAll(ctx context.Context, identityKey string) error {
	unlock := s.locks.lock(identityKey)
	defer unlock()

	return s.repo.DeleteAll(ctx, identityKey)
}

// keyedMutex はキーごとの排他ロック。参照カウントが0になったエントリは破棄される。
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
