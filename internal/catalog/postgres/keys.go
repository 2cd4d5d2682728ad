package postgres

import (
	"context"

	"github.com/vaulthalla/vaulthalla/internal/types"
)

type keys struct{ s *Store }

const vaultKeyColumns = `vault_id, version, encrypted_key, iv, created_at`

func (k keys) Newest(ctx context.Context, vaultID uint) (*types.VaultKey, error) {
	var key types.VaultKey
	err := k.s.q(ctx).GetContext(ctx, &key,
		`SELECT `+vaultKeyColumns+` FROM vault_keys
		 WHERE vault_id = $1 ORDER BY version DESC LIMIT 1`, vaultID)
	if err != nil {
		return nil, mapErr(err)
	}
	return &key, nil
}

func (k keys) Previous(ctx context.Context, vaultID uint) (*types.VaultKey, error) {
	var key types.VaultKey
	err := k.s.q(ctx).GetContext(ctx, &key,
		`SELECT `+vaultKeyColumns+` FROM vault_keys
		 WHERE vault_id = $1 ORDER BY version DESC LIMIT 1 OFFSET 1`, vaultID)
	if err != nil {
		return nil, mapErr(err)
	}
	return &key, nil
}

func (k keys) Add(ctx context.Context, key *types.VaultKey) error {
	err := k.s.q(ctx).QueryRowxContext(ctx, `
INSERT INTO vault_keys (vault_id, version, encrypted_key, iv)
VALUES ($1,$2,$3,$4) RETURNING created_at`,
		key.VaultID, key.Version, key.EncryptedKey, key.IV,
	).Scan(&key.CreatedAt)
	return mapErr(err)
}

func (k keys) SetRotationInProgress(ctx context.Context, vaultID uint, inProgress bool) error {
	_, err := k.s.q(ctx).ExecContext(ctx, `
INSERT INTO vault_key_rotations (vault_id, in_progress) VALUES ($1,$2)
ON CONFLICT (vault_id) DO UPDATE SET in_progress = EXCLUDED.in_progress`,
		vaultID, inProgress)
	return mapErr(err)
}

func (k keys) RotationInProgress(ctx context.Context, vaultID uint) (bool, error) {
	var inProgress bool
	err := k.s.q(ctx).GetContext(ctx, &inProgress,
		`SELECT COALESCE((SELECT in_progress FROM vault_key_rotations WHERE vault_id = $1), FALSE)`,
		vaultID)
	return inProgress, mapErr(err)
}
