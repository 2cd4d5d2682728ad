package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vaulthalla/vaulthalla/internal/catalog"
	"github.com/vaulthalla/vaulthalla/internal/crypto"
	"github.com/vaulthalla/vaulthalla/internal/types"
)

type vaults struct{ s *Store }

func (v vaults) Upsert(ctx context.Context, vault *types.Vault, policy *types.Policy) (uint, error) {
	err := v.s.WithTx(ctx, func(ctx context.Context) error {
		q := v.s.q(ctx)

		if vault.ID == 0 {
			err := q.QueryRowxContext(ctx, `
INSERT INTO vaults (name, description, type, owner_id, quota_bytes, mount_alias, is_active)
VALUES ($1,$2,$3,$4,$5,$6,$7)
RETURNING id, created_at, updated_at`,
				vault.Name, vault.Description, vault.Type, vault.OwnerID,
				vault.QuotaBytes, vault.MountAlias, vault.IsActive,
			).Scan(&vault.ID, &vault.CreatedAt, &vault.UpdatedAt)
			if err != nil {
				return mapErr(err)
			}
		} else {
			_, err := q.ExecContext(ctx, `
UPDATE vaults SET name=$2, description=$3, type=$4, owner_id=$5,
	quota_bytes=$6, mount_alias=$7, is_active=$8, updated_at=now()
WHERE id=$1`,
				vault.ID, vault.Name, vault.Description, vault.Type,
				vault.OwnerID, vault.QuotaBytes, vault.MountAlias, vault.IsActive)
			if err != nil {
				return mapErr(err)
			}
		}

		if vault.Cloud != nil {
			_, err := q.ExecContext(ctx, `
INSERT INTO cloud_vaults (vault_id, api_key_id, bucket, encrypt_upstream)
VALUES ($1,$2,$3,$4)
ON CONFLICT (vault_id) DO UPDATE SET
	api_key_id=EXCLUDED.api_key_id, bucket=EXCLUDED.bucket,
	encrypt_upstream=EXCLUDED.encrypt_upstream`,
				vault.ID, vault.Cloud.APIKeyID, vault.Cloud.Bucket, vault.Cloud.EncryptUpstream)
			if err != nil {
				return mapErr(err)
			}
		}

		if policy != nil {
			policy.VaultID = vault.ID
			err := q.QueryRowxContext(ctx, `
INSERT INTO policies (vault_id, interval_seconds, enabled, last_sync_at,
	config_hash, conflict_policy, strategy, mirror_source)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (vault_id) DO UPDATE SET
	interval_seconds=EXCLUDED.interval_seconds, enabled=EXCLUDED.enabled,
	config_hash=EXCLUDED.config_hash, conflict_policy=EXCLUDED.conflict_policy,
	strategy=EXCLUDED.strategy, mirror_source=EXCLUDED.mirror_source
RETURNING id`,
				policy.VaultID, policy.IntervalSeconds, policy.Enabled,
				policy.LastSyncAt, policy.ConfigHash, policy.ConflictPolicy,
				policy.Strategy, policy.MirrorSource,
			).Scan(&policy.ID)
			if err != nil {
				return mapErr(err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return vault.ID, nil
}

func (v vaults) scanOne(ctx context.Context, where string, arg any) (*types.Vault, error) {
	var vault types.Vault
	err := v.s.q(ctx).GetContext(ctx, &vault,
		`SELECT id, name, description, type, owner_id, quota_bytes, mount_alias,
		        is_active, created_at, updated_at
		 FROM vaults WHERE `+where, arg)
	if err != nil {
		return nil, mapErr(err)
	}
	if err := v.attachCloud(ctx, &vault); err != nil {
		return nil, err
	}
	return &vault, nil
}

func (v vaults) attachCloud(ctx context.Context, vault *types.Vault) error {
	if vault.Type != types.VaultCloud {
		return nil
	}
	var cloud types.CloudVault
	err := v.s.q(ctx).GetContext(ctx, &cloud,
		`SELECT api_key_id, bucket, encrypt_upstream FROM cloud_vaults WHERE vault_id = $1`,
		vault.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return mapErr(err)
	}
	vault.Cloud = &cloud
	return nil
}

func (v vaults) Get(ctx context.Context, id uint) (*types.Vault, error) {
	return v.scanOne(ctx, "id = $1", id)
}

func (v vaults) GetByName(ctx context.Context, name string) (*types.Vault, error) {
	return v.scanOne(ctx, "name = $1", name)
}

func (v vaults) List(ctx context.Context, f catalog.VaultFilter, page catalog.Page) ([]*types.Vault, error) {
	query := `SELECT id, name, description, type, owner_id, quota_bytes, mount_alias,
	                 is_active, created_at, updated_at
	          FROM vaults WHERE 1=1`
	var args []any
	if f.OwnerID != 0 {
		args = append(args, f.OwnerID)
		query += fmt.Sprintf(" AND owner_id = $%d", len(args))
	}
	if f.Type != "" {
		args = append(args, f.Type)
		query += fmt.Sprintf(" AND type = $%d", len(args))
	}
	if f.ActiveOnly {
		query += " AND is_active"
	}
	query += " ORDER BY id"
	if page.Limit > 0 {
		args = append(args, page.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if page.Offset > 0 {
		args = append(args, page.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	var rows []types.Vault
	if err := v.s.q(ctx).SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, mapErr(err)
	}
	out := make([]*types.Vault, 0, len(rows))
	for i := range rows {
		if err := v.attachCloud(ctx, &rows[i]); err != nil {
			return nil, err
		}
		out = append(out, &rows[i])
	}
	return out, nil
}

// Remove deletes the vault; entries, trash, operations, events, keys and
// the policy cascade away with it.
func (v vaults) Remove(ctx context.Context, id uint) error {
	return v.s.WithTx(ctx, func(ctx context.Context) error {
		q := v.s.q(ctx)
		if _, err := q.ExecContext(ctx, `DELETE FROM entries WHERE vault_id = $1`, id); err != nil {
			return mapErr(err)
		}
		res, err := q.ExecContext(ctx, `DELETE FROM vaults WHERE id = $1`, id)
		if err != nil {
			return mapErr(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return catalog.ErrNotFound
		}
		return nil
	})
}

func (v vaults) Policy(ctx context.Context, vaultID uint) (*types.Policy, error) {
	var p types.Policy
	err := v.s.q(ctx).GetContext(ctx, &p,
		`SELECT id, vault_id, interval_seconds, enabled, last_sync_at,
		        config_hash, conflict_policy, strategy, mirror_source
		 FROM policies WHERE vault_id = $1`, vaultID)
	if err != nil {
		return nil, mapErr(err)
	}
	return &p, nil
}

func (v vaults) UpdatePolicy(ctx context.Context, p *types.Policy) error {
	res, err := v.s.q(ctx).ExecContext(ctx, `
UPDATE policies SET interval_seconds=$2, enabled=$3, last_sync_at=$4,
	config_hash=$5, conflict_policy=$6, strategy=$7, mirror_source=$8
WHERE vault_id=$1`,
		p.VaultID, p.IntervalSeconds, p.Enabled, p.LastSyncAt,
		p.ConfigHash, p.ConflictPolicy, p.Strategy, p.MirrorSource)
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return catalog.ErrNotFound
	}
	return nil
}

// API keys are sealed with the master key before they touch a row.

func (v vaults) APIKey(ctx context.Context, id uint) (*types.APIKey, error) {
	var row struct {
		ID              uint   `db:"id"`
		OwnerID         uint   `db:"owner_id"`
		Provider        string `db:"provider"`
		Region          string `db:"region"`
		AccessKey       []byte `db:"access_key"`
		SecretAccessKey []byte `db:"secret_access_key"`
		Endpoint        string `db:"endpoint"`
	}
	err := v.s.q(ctx).GetContext(ctx, &row,
		`SELECT id, owner_id, provider, region, access_key, secret_access_key, endpoint
		 FROM api_keys WHERE id = $1`, id)
	if err != nil {
		return nil, mapErr(err)
	}

	access, err := v.open(row.AccessKey)
	if err != nil {
		return nil, fmt.Errorf("unseal access key: %w", err)
	}
	secret, err := v.open(row.SecretAccessKey)
	if err != nil {
		return nil, fmt.Errorf("unseal secret key: %w", err)
	}
	return &types.APIKey{
		ID:              row.ID,
		OwnerID:         row.OwnerID,
		Provider:        row.Provider,
		Region:          row.Region,
		AccessKey:       string(access),
		SecretAccessKey: string(secret),
		Endpoint:        row.Endpoint,
	}, nil
}

func (v vaults) PutAPIKey(ctx context.Context, k *types.APIKey) (uint, error) {
	access, err := v.seal([]byte(k.AccessKey))
	if err != nil {
		return 0, err
	}
	secret, err := v.seal([]byte(k.SecretAccessKey))
	if err != nil {
		return 0, err
	}

	if k.ID == 0 {
		err = v.s.q(ctx).QueryRowxContext(ctx, `
INSERT INTO api_keys (owner_id, provider, region, access_key, secret_access_key, endpoint)
VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`,
			k.OwnerID, k.Provider, k.Region, access, secret, k.Endpoint,
		).Scan(&k.ID)
		return k.ID, mapErr(err)
	}

	_, err = v.s.q(ctx).ExecContext(ctx, `
UPDATE api_keys SET owner_id=$2, provider=$3, region=$4, access_key=$5,
	secret_access_key=$6, endpoint=$7
WHERE id=$1`,
		k.ID, k.OwnerID, k.Provider, k.Region, access, secret, k.Endpoint)
	return k.ID, mapErr(err)
}

// seal prepends the IV to the AEAD output; the pair travels in one column.
func (v vaults) seal(plaintext []byte) ([]byte, error) {
	ciphertext, iv, err := crypto.Encrypt(plaintext, v.s.master[:])
	if err != nil {
		return nil, err
	}
	return append(iv, ciphertext...), nil
}

func (v vaults) open(sealed []byte) ([]byte, error) {
	if len(sealed) < crypto.IVSize {
		return nil, crypto.ErrDecryptionFailed
	}
	return crypto.Decrypt(sealed[crypto.IVSize:], v.s.master[:], sealed[:crypto.IVSize])
}
