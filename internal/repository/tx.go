package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// DBTX は *sql.DB と *sql.Tx の共通インターフェース。
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type txKey struct{}

// conn はコンテキストにトランザクションがあればそれを、なければdbを返す。
func conn(ctx context.Context, db *sql.DB) DBTX {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return db
}

// PostgresTransactor はPostgreSQLのトランザクションとアドバイザリロックによるTransactorの実装。
type PostgresTransactor struct {
	db *sql.DB
}

// NewPostgresTransactor はPostgresTransactorを生成する。
func NewPostgresTransactor(db *sql.DB) *PostgresTransactor {
	return &PostgresTransactor{db: db}
}

// WithinTx はfnを1つのトランザクション内で実行する。
// 既にトランザクション内であればそのトランザクションを再利用する。
func (t *PostgresTransactor) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

// WithIdentityLock はpg_advisory_xact_lockで識別キー単位のロックを取得してからfnを実行する。
// ロックはトランザクション終了時に自動的に解放される。
func (t *PostgresTransactor) WithIdentityLock(ctx context.Context, identityKey string, fn func(ctx context.Context) error) error {
	return t.WithinTx(ctx, func(ctx context.Context) error {
		if _, err := conn(ctx, t.db).ExecContext(ctx,
			`SELECT pg_advisory_xact_lock(hashtext($1))`, identityKey,
		); err != nil {
			return fmt.Errorf("識別キーのロック取得に失敗しました: %w", err)
		}
		return fn(ctx)
	})
}

// compile-time interface check
var _ Transactor = (*PostgresTransactor)(nil)
