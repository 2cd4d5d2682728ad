package postgres

import (
	"context"

	"github.com/vaulthalla/vaulthalla/internal/catalog"
	"github.com/vaulthalla/vaulthalla/internal/types"
)

const (
	kindDirectory = 0
	kindFile      = 1
)

// entryRow is the single-table representation of directories and files.
type entryRow struct {
	types.Entry
	Kind                    int    `db:"kind"`
	SizeBytes               uint64 `db:"size_bytes"`
	FileCount               uint64 `db:"file_count"`
	SubdirectoryCount       uint64 `db:"subdirectory_count"`
	MimeType                string `db:"mime_type"`
	ContentHash             string `db:"content_hash"`
	EncryptionIV            string `db:"encryption_iv"`
	EncryptedWithKeyVersion uint   `db:"encrypted_with_key_version"`
}

func (r *entryRow) node() types.Node {
	if r.Kind == kindDirectory {
		return &types.Directory{
			Entry:             r.Entry,
			SizeBytes:         r.SizeBytes,
			FileCount:         r.FileCount,
			SubdirectoryCount: r.SubdirectoryCount,
		}
	}
	return &types.File{
		Entry:                   r.Entry,
		SizeBytes:               r.SizeBytes,
		MimeType:                r.MimeType,
		ContentHash:             r.ContentHash,
		EncryptionIV:            r.EncryptionIV,
		EncryptedWithKeyVersion: r.EncryptedWithKeyVersion,
	}
}

const entryColumns = `id, kind, inode, vault_id, parent_id, name, base32_alias,
	path, fuse_path, backing_path, mode, owner_uid, group_gid, is_hidden,
	is_system, created_by, last_modified_by, created_at, updated_at,
	size_bytes, file_count, subdirectory_count, mime_type, content_hash,
	encryption_iv, encrypted_with_key_version`

type entries struct{ s *Store }

const upsertEntrySQL = `
INSERT INTO entries (kind, inode, vault_id, parent_id, name, base32_alias,
	path, fuse_path, backing_path, mode, owner_uid, group_gid, is_hidden,
	is_system, created_by, last_modified_by, size_bytes, file_count,
	subdirectory_count, mime_type, content_hash, encryption_iv,
	encrypted_with_key_version)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)
ON CONFLICT (inode) DO UPDATE SET
	vault_id = EXCLUDED.vault_id,
	parent_id = EXCLUDED.parent_id,
	name = EXCLUDED.name,
	base32_alias = EXCLUDED.base32_alias,
	path = EXCLUDED.path,
	fuse_path = EXCLUDED.fuse_path,
	backing_path = EXCLUDED.backing_path,
	mode = EXCLUDED.mode,
	is_hidden = EXCLUDED.is_hidden,
	is_system = EXCLUDED.is_system,
	last_modified_by = EXCLUDED.last_modified_by,
	updated_at = now(),
	size_bytes = EXCLUDED.size_bytes,
	file_count = EXCLUDED.file_count,
	subdirectory_count = EXCLUDED.subdirectory_count,
	mime_type = EXCLUDED.mime_type,
	content_hash = EXCLUDED.content_hash,
	encryption_iv = EXCLUDED.encryption_iv,
	encrypted_with_key_version = EXCLUDED.encrypted_with_key_version
RETURNING id, created_at, updated_at`

func (e entries) upsert(ctx context.Context, kind int, row *entryRow) error {
	err := e.s.q(ctx).QueryRowxContext(ctx, upsertEntrySQL,
		kind, row.Inode, row.VaultID, row.ParentID, row.Name, row.Base32Alias,
		row.Path, row.FusePath, row.BackingPath, row.Mode, row.OwnerUID,
		row.GroupGID, row.IsHidden, row.IsSystem, row.CreatedBy,
		row.LastModifiedBy, row.SizeBytes, row.FileCount,
		row.SubdirectoryCount, row.MimeType, row.ContentHash,
		row.EncryptionIV, row.EncryptedWithKeyVersion,
	).Scan(&row.ID, &row.CreatedAt, &row.UpdatedAt)
	return mapErr(err)
}

func (e entries) UpsertDirectory(ctx context.Context, d *types.Directory) error {
	row := &entryRow{
		Entry:             d.Entry,
		SizeBytes:         d.SizeBytes,
		FileCount:         d.FileCount,
		SubdirectoryCount: d.SubdirectoryCount,
	}
	if err := e.upsert(ctx, kindDirectory, row); err != nil {
		return err
	}
	d.Entry = row.Entry
	return nil
}

func (e entries) UpsertFile(ctx context.Context, f *types.File) error {
	row := &entryRow{
		Entry:                   f.Entry,
		SizeBytes:               f.SizeBytes,
		MimeType:                f.MimeType,
		ContentHash:             f.ContentHash,
		EncryptionIV:            f.EncryptionIV,
		EncryptedWithKeyVersion: f.EncryptedWithKeyVersion,
	}
	if err := e.upsert(ctx, kindFile, row); err != nil {
		return err
	}
	f.Entry = row.Entry
	return nil
}

func (e entries) get(ctx context.Context, where string, args ...any) (types.Node, error) {
	var row entryRow
	err := e.s.q(ctx).GetContext(ctx, &row,
		`SELECT `+entryColumns+` FROM entries WHERE `+where, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	return row.node(), nil
}

func (e entries) ByID(ctx context.Context, id uint) (types.Node, error) {
	return e.get(ctx, "id = $1", id)
}

func (e entries) ByInode(ctx context.Context, inode uint64) (types.Node, error) {
	return e.get(ctx, "inode = $1", inode)
}

func (e entries) ByPath(ctx context.Context, vaultID uint, path string) (types.Node, error) {
	return e.get(ctx, "vault_id = $1 AND path = $2", vaultID, path)
}

func (e entries) ByFusePath(ctx context.Context, fusePath string) (types.Node, error) {
	return e.get(ctx, "fuse_path = $1", fusePath)
}

func (e entries) FileByPath(ctx context.Context, vaultID uint, path string) (*types.File, error) {
	n, err := e.get(ctx, "vault_id = $1 AND path = $2 AND kind = 1", vaultID, path)
	if err != nil {
		return nil, err
	}
	return n.(*types.File), nil
}

func (e entries) DirectoryByPath(ctx context.Context, vaultID uint, path string) (*types.Directory, error) {
	n, err := e.get(ctx, "vault_id = $1 AND path = $2 AND kind = 0", vaultID, path)
	if err != nil {
		return nil, err
	}
	return n.(*types.Directory), nil
}

func (e entries) list(ctx context.Context, query string, args ...any) ([]types.Node, error) {
	var rows []entryRow
	if err := e.s.q(ctx).SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, mapErr(err)
	}
	out := make([]types.Node, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].node())
	}
	return out, nil
}

func (e entries) ListDir(ctx context.Context, parentID uint, recursive bool) ([]types.Node, error) {
	if !recursive {
		return e.list(ctx,
			`SELECT `+entryColumns+` FROM entries WHERE parent_id = $1 ORDER BY path`, parentID)
	}
	return e.list(ctx, `
WITH RECURSIVE subtree AS (
	SELECT * FROM entries WHERE parent_id = $1
	UNION ALL
	SELECT e.* FROM entries e JOIN subtree s ON e.parent_id = s.id
)
SELECT `+entryColumns+` FROM subtree ORDER BY path`, parentID)
}

func (e entries) ListFiles(ctx context.Context, vaultID uint) ([]*types.File, error) {
	nodes, err := e.list(ctx,
		`SELECT `+entryColumns+` FROM entries WHERE vault_id = $1 AND kind = 1 ORDER BY path`, vaultID)
	if err != nil {
		return nil, err
	}
	files := make([]*types.File, 0, len(nodes))
	for _, n := range nodes {
		files = append(files, n.(*types.File))
	}
	return files, nil
}

func (e entries) FilesBelowKeyVersion(ctx context.Context, vaultID uint, version uint) ([]*types.File, error) {
	nodes, err := e.list(ctx, `
SELECT `+entryColumns+` FROM entries
WHERE vault_id = $1 AND kind = 1 AND encryption_iv <> ''
  AND encrypted_with_key_version < $2
ORDER BY path`, vaultID, version)
	if err != nil {
		return nil, err
	}
	files := make([]*types.File, 0, len(nodes))
	for _, n := range nodes {
		files = append(files, n.(*types.File))
	}
	return files, nil
}

func (e entries) NextInode(ctx context.Context) (uint64, error) {
	var inode uint64
	err := e.s.q(ctx).GetContext(ctx, &inode, `SELECT nextval('inode_seq')`)
	return inode, mapErr(err)
}

func (e entries) Delete(ctx context.Context, id uint) error {
	res, err := e.s.q(ctx).ExecContext(ctx, `DELETE FROM entries WHERE id = $1`, id)
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return catalog.ErrNotFound
	}
	return nil
}

// CollectParentStats recomputes the roll-up stats of the directory and all
// of its ancestors, deepest first so parent sums see fresh child values.
func (e entries) CollectParentStats(ctx context.Context, parentID uint) error {
	id := parentID
	for {
		var row struct {
			ParentID *uint `db:"parent_id"`
		}
		if err := e.s.q(ctx).GetContext(ctx, &row,
			`SELECT parent_id FROM entries WHERE id = $1 AND kind = 0`, id); err != nil {
			return mapErr(err)
		}

		if _, err := e.s.q(ctx).ExecContext(ctx, `
UPDATE entries SET
	size_bytes = COALESCE((SELECT SUM(c.size_bytes) FROM entries c WHERE c.parent_id = $1), 0),
	file_count = (SELECT COUNT(*) FROM entries c WHERE c.parent_id = $1 AND c.kind = 1),
	subdirectory_count = (SELECT COUNT(*) FROM entries c WHERE c.parent_id = $1 AND c.kind = 0)
WHERE id = $1`, id); err != nil {
			return mapErr(err)
		}

		if row.ParentID == nil {
			return nil
		}
		id = *row.ParentID
	}
}
