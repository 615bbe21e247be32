package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// pullLockClass は取得ロック用のアドバイザリロック空間。
// 2引数形式のキーは1引数形式（WithIdentityLock）のキーと重ならない。
const pullLockClass = 0x46534e43

// PostgresPullLock はセッションレベルのアドバイザリロックで、
// 同じ関係の取得と照合がプロセスをまたいで同時に走らないようにする。
type PostgresPullLock struct {
	db *sql.DB
}

// NewPostgresPullLock はPostgresPullLockを生成する。
func NewPostgresPullLock(db *sql.DB) *PostgresPullLock {
	return &PostgresPullLock{db: db}
}

// TryLock は識別キーの取得ロックを待たずに試み、取得できた場合のみfnを実行する。
// 他のプロセスが保持している場合は (false, nil) を返す。
// ロックは専用の接続に保持し、fnの終了後に解放する。
func (l *PostgresPullLock) TryLock(ctx context.Context, identityKey string, fn func(ctx context.Context) error) (bool, error) {
	c, err := l.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("取得ロック用の接続に失敗しました: %w", err)
	}
	defer c.Close()

	var acquired bool
	if err := c.QueryRowContext(ctx,
		`SELECT pg_try_advisory_lock($1, hashtext($2))`, pullLockClass, identityKey,
	).Scan(&acquired); err != nil {
		return false, fmt.Errorf("取得ロックの取得に失敗しました: %w", err)
	}
	if !acquired {
		return false, nil
	}
	defer func() {
		_, _ = c.ExecContext(context.WithoutCancel(ctx),
			`SELECT pg_advisory_unlock($1, hashtext($2))`, pullLockClass, identityKey)
	}()

	return true, fn(ctx)
}
