package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/hitoshi/friendsync/internal/model"
)

// TestPostgresRepos_ImplementInterfaces は各PostgreSQLリポジトリがインターフェースを満たすことを検証する。
func TestPostgresRepos_ImplementInterfaces(t *testing.T) {
	var _ RelationshipRepository = (*PostgresRelationshipRepo)(nil)
	var _ TokenRepository = (*PostgresTokenRepo)(nil)
	var _ CachedItemRepository = (*PostgresCachedItemRepo)(nil)
	var _ PostRepository = (*PostgresPostRepo)(nil)
	var _ Transactor = (*PostgresTransactor)(nil)
}

// fakeRow はScanに渡された宛先へ値を書き込むscanner。
type fakeRow struct {
	values []interface{}
	err    error
}

func (f *fakeRow) Scan(dest ...interface{}) error {
	if f.err != nil {
		return f.err
	}
	if len(dest) != len(f.values) {
		return errors.New("column count mismatch")
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = f.values[i].(string)
		case *sql.NullString:
			*p = f.values[i].(sql.NullString)
		case *time.Time:
			*p = f.values[i].(time.Time)
		default:
			return errors.New("unsupported destination")
		}
	}
	return nil
}

func TestScanRelationship(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	row := &fakeRow{values: []interface{}{
		"b.example", "https://b.example", "friend", sql.NullString{String: "Bob", Valid: true},
		sql.NullString{String: "T", Valid: true}, sql.NullString{}, sql.NullString{String: "R", Valid: true},
		created, created.Add(time.Hour),
	}}

	rel, err := scanRelationship(row)
	if err != nil {
		t.Fatalf("scanRelationship() error = %v", err)
	}
	if rel.Status != model.StatusFriend || rel.DisplayName != "Bob" {
		t.Errorf("rel = %+v", rel)
	}
	if rel.OutboundToken != "T" || rel.InboundToken != "" || rel.RemoteAuthToken != "R" {
		t.Errorf("tokens = %q/%q/%q", rel.OutboundToken, rel.InboundToken, rel.RemoteAuthToken)
	}
	if !rel.UpdatedAt.Equal(created.Add(time.Hour)) {
		t.Errorf("UpdatedAt = %v", rel.UpdatedAt)
	}
}

func TestScanRelationship_PropagatesError(t *testing.T) {
	if _, err := scanRelationship(&fakeRow{err: sql.ErrNoRows}); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("err = %v, want sql.ErrNoRows", err)
	}
}

func TestNullString(t *testing.T) {
	if ns := nullString(""); ns.Valid {
		t.Error("empty string should be NULL")
	}
	if ns := nullString("x"); !ns.Valid || ns.String != "x" {
		t.Errorf("nullString(x) = %+v", ns)
	}
	if nullStringValue(sql.NullString{}) != "" {
		t.Error("NULL should read as empty string")
	}
}

// TestConn_PrefersContextTx はコンテキストにトランザクションが無ければDBを使うことを検証する。
func TestConn_PrefersContextTx(t *testing.T) {
	db := &sql.DB{}
	if got := conn(context.Background(), db); got != DBTX(db) {
		t.Error("conn without tx should return db")
	}
}
