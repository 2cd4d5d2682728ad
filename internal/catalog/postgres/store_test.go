package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaulthalla/vaulthalla/internal/catalog"
	"github.com/vaulthalla/vaulthalla/internal/logging"
	"github.com/vaulthalla/vaulthalla/internal/types"
)

func mockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return &Store{
		db:  sqlx.NewDb(db, "sqlmock"),
		log: logging.Nop(),
	}, mock
}

func entryRowColumns() []string {
	return []string{
		"id", "kind", "inode", "vault_id", "parent_id", "name", "base32_alias",
		"path", "fuse_path", "backing_path", "mode", "owner_uid", "group_gid",
		"is_hidden", "is_system", "created_by", "last_modified_by",
		"created_at", "updated_at", "size_bytes", "file_count",
		"subdirectory_count", "mime_type", "content_hash", "encryption_iv",
		"encrypted_with_key_version",
	}
}

func TestFileByPathScansFile(t *testing.T) {
	s, mock := mockStore(t)
	now := time.Now()

	mock.ExpectQuery(`SELECT .* FROM entries WHERE vault_id = \$1 AND path = \$2 AND kind = 1`).
		WithArgs(uint(3), "/a.txt").
		WillReturnRows(sqlmock.NewRows(entryRowColumns()).AddRow(
			7, kindFile, 12, 3, nil, "a.txt", "AL1AS", "/a.txt", "/a.txt",
			"/backing/AL1AS", 0o644, 0, 0, false, false, 1, 1, now, now,
			5, 0, 0, "text/plain", "hash", "aXYxMg==", 1,
		))

	f, err := s.Entries().FileByPath(context.Background(), 3, "/a.txt")
	require.NoError(t, err)
	assert.Equal(t, uint(7), f.ID)
	assert.Equal(t, uint64(12), f.Inode)
	assert.Equal(t, "aXYxMg==", f.EncryptionIV)
	assert.Equal(t, uint(1), f.EncryptedWithKeyVersion)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestByPathMapsNoRowsToNotFound(t *testing.T) {
	s, mock := mockStore(t)

	mock.ExpectQuery(`SELECT .* FROM entries WHERE vault_id = \$1 AND path = \$2`).
		WithArgs(uint(3), "/missing").
		WillReturnError(sql.ErrNoRows)

	_, err := s.Entries().ByPath(context.Background(), 3, "/missing")
	assert.ErrorIs(t, err, catalog.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertFileMapsUniqueViolationToConflict(t *testing.T) {
	s, mock := mockStore(t)

	mock.ExpectQuery(`INSERT INTO entries`).
		WillReturnError(&pq.Error{Code: "23505"})

	err := s.Entries().UpsertFile(context.Background(), &types.File{
		Entry: types.Entry{Inode: 9, VaultID: 1, Path: "/dup", FusePath: "/dup"},
	})
	assert.ErrorIs(t, err, catalog.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNextInode(t *testing.T) {
	s, mock := mockStore(t)

	mock.ExpectQuery(`SELECT nextval\('inode_seq'\)`).
		WillReturnRows(sqlmock.NewRows([]string{"nextval"}).AddRow(42))

	inode, err := s.Entries().NextInode(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(42), inode)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRotationInProgressDefaultsFalse(t *testing.T) {
	s, mock := mockStore(t)

	mock.ExpectQuery(`SELECT COALESCE`).
		WithArgs(uint(5)).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(false))

	rotating, err := s.Keys().RotationInProgress(context.Background(), 5)
	require.NoError(t, err)
	assert.False(t, rotating)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTxJoinsExistingTransaction(t *testing.T) {
	s, mock := mockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT nextval\('inode_seq'\)`).
		WillReturnRows(sqlmock.NewRows([]string{"nextval"}).AddRow(2))
	mock.ExpectQuery(`SELECT nextval\('inode_seq'\)`).
		WillReturnRows(sqlmock.NewRows([]string{"nextval"}).AddRow(3))
	mock.ExpectCommit()

	err := s.WithTx(context.Background(), func(ctx context.Context) error {
		if _, err := s.Entries().NextInode(ctx); err != nil {
			return err
		}
		// A nested WithTx must not open a second transaction.
		return s.WithTx(ctx, func(ctx context.Context) error {
			_, err := s.Entries().NextInode(ctx)
			return err
		})
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTxRollsBackOnError(t *testing.T) {
	s, mock := mockStore(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	wantErr := assert.AnError
	err := s.WithTx(context.Background(), func(context.Context) error { return wantErr })
	assert.ErrorIs(t, err, wantErr)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAPIKeySealedRoundTrip(t *testing.T) {
	s, mock := mockStore(t)
	copy(s.master[:], []byte("0123456789abcdef0123456789abcdef"))

	var sealedAccess, sealedSecret []byte
	mock.ExpectQuery(`INSERT INTO api_keys`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(11))

	key := &types.APIKey{
		OwnerID:         1,
		Provider:        "minio",
		Region:          "us-east-1",
		AccessKey:       "AKIA_TEST",
		SecretAccessKey: "s3cret",
		Endpoint:        "http://localhost:9000",
	}
	id, err := s.Vaults().PutAPIKey(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, uint(11), id)

	// Seal and read back through the store's own open path.
	v := vaults{s}
	sealedAccess, err = v.seal([]byte(key.AccessKey))
	require.NoError(t, err)
	sealedSecret, err = v.seal([]byte(key.SecretAccessKey))
	require.NoError(t, err)
	assert.NotContains(t, string(sealedAccess), "AKIA_TEST")

	mock.ExpectQuery(`SELECT id, owner_id, provider, region, access_key, secret_access_key, endpoint`).
		WithArgs(uint(11)).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "owner_id", "provider", "region", "access_key", "secret_access_key", "endpoint",
		}).AddRow(11, 1, "minio", "us-east-1", sealedAccess, sealedSecret, "http://localhost:9000"))

	got, err := s.Vaults().APIKey(context.Background(), 11)
	require.NoError(t, err)
	assert.Equal(t, "AKIA_TEST", got.AccessKey)
	assert.Equal(t, "s3cret", got.SecretAccessKey)
	assert.NoError(t, mock.ExpectationsWereMet())
}
