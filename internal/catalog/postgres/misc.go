package postgres

import (
	"context"
	"strconv"
	"strings"

	"github.com/vaulthalla/vaulthalla/internal/catalog"
	"github.com/vaulthalla/vaulthalla/internal/types"
)

// --- trash ---

type trash struct{ s *Store }

func (t trash) Add(ctx context.Context, row *types.TrashedFile) error {
	err := t.s.q(ctx).QueryRowxContext(ctx, `
INSERT INTO trashed_files (vault_id, base32_alias, path, backing_path, trashed_by, size_bytes)
VALUES ($1,$2,$3,$4,$5,$6) RETURNING id, trashed_at`,
		row.VaultID, row.Base32Alias, row.Path, row.BackingPath,
		row.TrashedBy, row.SizeBytes,
	).Scan(&row.ID, &row.TrashedAt)
	return mapErr(err)
}

func (t trash) MarkDeleted(ctx context.Context, id uint) error {
	res, err := t.s.q(ctx).ExecContext(ctx,
		`UPDATE trashed_files SET deleted_at = now() WHERE id = $1`, id)
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return catalog.ErrNotFound
	}
	return nil
}

func (t trash) List(ctx context.Context, vaultID uint) ([]*types.TrashedFile, error) {
	var rows []types.TrashedFile
	err := t.s.q(ctx).SelectContext(ctx, &rows, `
SELECT id, vault_id, base32_alias, path, backing_path, trashed_at, trashed_by,
       deleted_at, size_bytes
FROM trashed_files WHERE vault_id = $1 ORDER BY id`, vaultID)
	if err != nil {
		return nil, mapErr(err)
	}
	out := make([]*types.TrashedFile, 0, len(rows))
	for i := range rows {
		out = append(out, &rows[i])
	}
	return out, nil
}

func (t trash) Sweep(ctx context.Context, vaultID uint) error {
	_, err := t.s.q(ctx).ExecContext(ctx,
		`DELETE FROM trashed_files WHERE vault_id = $1 AND deleted_at IS NOT NULL`, vaultID)
	return mapErr(err)
}

// --- operations ---

type operations struct{ s *Store }

func (o operations) Enqueue(ctx context.Context, op *types.Operation) error {
	err := o.s.q(ctx).QueryRowxContext(ctx, `
INSERT INTO operations (vault_id, file_id, op, source_path, destination_path)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (file_id) DO UPDATE SET
	op = EXCLUDED.op,
	source_path = EXCLUDED.source_path,
	destination_path = EXCLUDED.destination_path,
	created_at = now()
RETURNING id, created_at`,
		op.VaultID, op.FileID, op.Op, op.SourcePath, op.DestinationPath,
	).Scan(&op.ID, &op.CreatedAt)
	return mapErr(err)
}

func (o operations) ListByVault(ctx context.Context, vaultID uint) ([]*types.Operation, error) {
	var rows []types.Operation
	err := o.s.q(ctx).SelectContext(ctx, &rows, `
SELECT id, vault_id, file_id, op, source_path, destination_path, created_at
FROM operations WHERE vault_id = $1 ORDER BY id`, vaultID)
	if err != nil {
		return nil, mapErr(err)
	}
	out := make([]*types.Operation, 0, len(rows))
	for i := range rows {
		out = append(out, &rows[i])
	}
	return out, nil
}

func (o operations) Clear(ctx context.Context, id uint) error {
	res, err := o.s.q(ctx).ExecContext(ctx, `DELETE FROM operations WHERE id = $1`, id)
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return catalog.ErrNotFound
	}
	return nil
}

// --- users ---

type users struct{ s *Store }

const userColumns = `id, name, uid, gid, is_superadmin, created_at, updated_at`

func (u users) Get(ctx context.Context, id uint) (*types.User, error) {
	var usr types.User
	err := u.s.q(ctx).GetContext(ctx, &usr,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	if err != nil {
		return nil, mapErr(err)
	}
	return &usr, nil
}

func (u users) GetByName(ctx context.Context, name string) (*types.User, error) {
	var usr types.User
	err := u.s.q(ctx).GetContext(ctx, &usr,
		`SELECT `+userColumns+` FROM users WHERE name = $1`, name)
	if err != nil {
		return nil, mapErr(err)
	}
	return &usr, nil
}

func (u users) List(ctx context.Context, page catalog.Page) ([]*types.User, error) {
	query := `SELECT ` + userColumns + ` FROM users ORDER BY id`
	var args []any
	if page.Limit > 0 {
		args = append(args, page.Limit)
		query += " LIMIT $1"
	}
	if page.Offset > 0 {
		args = append(args, page.Offset)
		if len(args) == 1 {
			query += " OFFSET $1"
		} else {
			query += " OFFSET $2"
		}
	}
	var rows []types.User
	if err := u.s.q(ctx).SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, mapErr(err)
	}
	out := make([]*types.User, 0, len(rows))
	for i := range rows {
		out = append(out, &rows[i])
	}
	return out, nil
}

func (u users) Create(ctx context.Context, usr *types.User) (uint, error) {
	err := u.s.q(ctx).QueryRowxContext(ctx, `
INSERT INTO users (name, uid, gid, is_superadmin)
VALUES ($1,$2,$3,$4) RETURNING id, created_at, updated_at`,
		usr.Name, usr.UID, usr.GID, usr.IsSuperadmin,
	).Scan(&usr.ID, &usr.CreatedAt, &usr.UpdatedAt)
	return usr.ID, mapErr(err)
}

func (u users) Update(ctx context.Context, usr *types.User) error {
	res, err := u.s.q(ctx).ExecContext(ctx, `
UPDATE users SET name=$2, uid=$3, gid=$4, is_superadmin=$5, updated_at=now()
WHERE id=$1`,
		usr.ID, usr.Name, usr.UID, usr.GID, usr.IsSuperadmin)
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return catalog.ErrNotFound
	}
	return nil
}

func (u users) Delete(ctx context.Context, id uint) error {
	res, err := u.s.q(ctx).ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return catalog.ErrNotFound
	}
	return nil
}

func (u users) Grant(ctx context.Context, g types.Grant) error {
	_, err := u.s.q(ctx).ExecContext(ctx, `
INSERT INTO grants (user_id, vault_id, permission) VALUES ($1,$2,$3)
ON CONFLICT DO NOTHING`,
		g.UserID, g.VaultID, g.Permission)
	return mapErr(err)
}

func (u users) Revoke(ctx context.Context, g types.Grant) error {
	_, err := u.s.q(ctx).ExecContext(ctx,
		`DELETE FROM grants WHERE user_id=$1 AND vault_id=$2 AND permission=$3`,
		g.UserID, g.VaultID, g.Permission)
	return mapErr(err)
}

func (u users) Can(ctx context.Context, userID, vaultID uint, p types.Permission) (bool, error) {
	var isSuperadmin bool
	if err := u.s.q(ctx).GetContext(ctx, &isSuperadmin,
		`SELECT is_superadmin FROM users WHERE id = $1`, userID); err != nil {
		return false, mapErr(err)
	}
	if isSuperadmin {
		return true, nil
	}

	held := impliedBy(p)
	placeholders := make([]string, len(held))
	args := []any{userID, vaultID}
	for i, perm := range held {
		args = append(args, perm)
		placeholders[i] = "$" + strconv.Itoa(len(args))
	}
	var ok bool
	err := u.s.q(ctx).GetContext(ctx, &ok, `
SELECT EXISTS (
	SELECT 1 FROM grants
	WHERE user_id = $1 AND vault_id = $2 AND permission IN (`+strings.Join(placeholders, ",")+`)
)`, args...)
	return ok, mapErr(err)
}

// impliedBy lists the permissions whose possession satisfies p: manage
// implies write implies read.
func impliedBy(p types.Permission) []types.Permission {
	switch p {
	case types.PermRead:
		return []types.Permission{types.PermRead, types.PermWrite, types.PermManage}
	case types.PermWrite:
		return []types.Permission{types.PermWrite, types.PermManage}
	default:
		return []types.Permission{types.PermManage}
	}
}

