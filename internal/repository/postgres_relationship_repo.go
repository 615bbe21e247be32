package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/friendsync/internal/model"
)

// PostgresRelationshipRepo はPostgreSQLを使用した関係リポジトリ。
type PostgresRelationshipRepo struct {
	db *sql.DB
}

// NewPostgresRelationshipRepo はPostgresRelationshipRepoを生成する。
func NewPostgresRelationshipRepo(db *sql.DB) *PostgresRelationshipRepo {
	return &PostgresRelationshipRepo{db: db}
}

const selectRelationship = `
	SELECT r.identity_key, r.site_url, r.status, r.display_name,
	       t.token, r.inbound_token, r.remote_auth_token,
	       r.created_at, r.updated_at
	FROM relationships r
	LEFT JOIN tokens t ON t.identity_key = r.identity_key AND t.kind = 'feed'`

// scanner は *sql.Row と *sql.Rows の共通インターフェース。
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRelationship(s scanner) (*model.Relationship, error) {
	rel := &model.Relationship{}
	var status string
	var displayName, outbound, inbound, remoteAuth sql.NullString

	if err := s.Scan(
		&rel.IdentityKey, &rel.SiteURL, &status, &displayName,
		&outbound, &inbound, &remoteAuth,
		&rel.CreatedAt, &rel.UpdatedAt,
	); err != nil {
		return nil, err
	}

	rel.Status = model.Status(status)
	rel.DisplayName = nullStringValue(displayName)
	rel.OutboundToken = nullStringValue(outbound)
	rel.InboundToken = nullStringValue(inbound)
	rel.RemoteAuthToken = nullStringValue(remoteAuth)
	return rel, nil
}

// FindByIdentityKey は識別キーで関係を取得する。見つからない場合はnilを返す。
func (r *PostgresRelationshipRepo) FindByIdentityKey(ctx context.Context, identityKey string) (*model.Relationship, error) {
	rel, err := scanRelationship(conn(ctx, r.db).QueryRowContext(ctx,
		selectRelationship+` WHERE r.identity_key = $1`,
		identityKey,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("関係の取得に失敗しました: %w", err)
	}
	return rel, nil
}

// List は全ての関係を識別キー順に返す。
func (r *PostgresRelationshipRepo) List(ctx context.Context) ([]*model.Relationship, error) {
	rows, err := conn(ctx, r.db).QueryContext(ctx, selectRelationship+` ORDER BY r.identity_key`)
	if err != nil {
		return nil, fmt.Errorf("関係一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var rels []*model.Relationship
	for rows.Next() {
		rel, err := scanRelationship(rows)
		if err != nil {
			return nil, fmt.Errorf("関係行の読み取りに失敗しました: %w", err)
		}
		rels = append(rels, rel)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("関係一覧の走査に失敗しました: %w", err)
	}
	return rels, nil
}

// Save は関係を作成または更新する。created_atは作成時のみ設定される。
func (r *PostgresRelationshipRepo) Save(ctx context.Context, rel *model.Relationship) error {
	_, err := conn(ctx, r.db).ExecContext(ctx,
		`INSERT INTO relationships (identity_key, site_url, status, display_name,
		                            inbound_token, remote_auth_token, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (identity_key) DO UPDATE SET
		    site_url = EXCLUDED.site_url,
		    status = EXCLUDED.status,
		    display_name = EXCLUDED.display_name,
		    inbound_token = EXCLUDED.inbound_token,
		    remote_auth_token = EXCLUDED.remote_auth_token,
		    updated_at = EXCLUDED.updated_at`,
		rel.IdentityKey, rel.SiteURL, string(rel.Status), nullString(rel.DisplayName),
		nullString(rel.InboundToken), nullString(rel.RemoteAuthToken),
		rel.CreatedAt, rel.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("関係の保存に失敗しました: %w", err)
	}
	return nil
}

// Delete は関係を削除する。tokensとcached_itemsはCASCADE削除される。
func (r *PostgresRelationshipRepo) Delete(ctx context.Context, identityKey string) error {
	_, err := conn(ctx, r.db).ExecContext(ctx,
		`DELETE FROM relationships WHERE identity_key = $1`, identityKey,
	)
	if err != nil {
		return fmt.Errorf("関係の削除に失敗しました: %w", err)
	}
	return nil
}

// nullString は空文字列をsql.NullStringに変換する。
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullStringValue はsql.NullStringから文字列を取得する。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// compile-time interface check
var _ RelationshipRepository = (*PostgresRelationshipRepo)(nil)
