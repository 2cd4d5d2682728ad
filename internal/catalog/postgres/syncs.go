package postgres

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vaulthalla/vaulthalla/internal/catalog"
	"github.com/vaulthalla/vaulthalla/internal/types"
)

type syncs struct{ s *Store }

const eventColumns = `id, run_uuid, vault_id, status, trigger, timestamp_begin,
	timestamp_end, heartbeat_at, error_message, config_hash`

func (y syncs) Create(ctx context.Context, e *types.SyncEvent) error {
	if e.RunUUID == "" {
		e.RunUUID = uuid.NewString()
	}
	err := y.s.q(ctx).QueryRowxContext(ctx, `
INSERT INTO sync_events (run_uuid, vault_id, status, trigger, config_hash)
VALUES ($1,$2,$3,$4,$5)
RETURNING id, timestamp_begin, heartbeat_at`,
		e.RunUUID, e.VaultID, e.Status, e.Trigger, e.ConfigHash,
	).Scan(&e.ID, &e.TimestampBegin, &e.HeartbeatAt)
	return mapErr(err)
}

// Save persists the event row, replaces its throughputs (with scoped ops)
// and inserts the conflicts not yet persisted, in one transaction.
func (y syncs) Save(ctx context.Context, e *types.SyncEvent) error {
	return y.s.WithTx(ctx, func(ctx context.Context) error {
		q := y.s.q(ctx)

		res, err := q.ExecContext(ctx, `
UPDATE sync_events SET status=$2, trigger=$3, timestamp_end=$4,
	heartbeat_at=$5, error_message=$6, config_hash=$7
WHERE id=$1`,
			e.ID, e.Status, e.Trigger, e.TimestampEnd, e.HeartbeatAt,
			e.ErrorMessage, e.ConfigHash)
		if err != nil {
			return mapErr(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return catalog.ErrNotFound
		}

		if _, err := q.ExecContext(ctx,
			`DELETE FROM throughputs WHERE event_id = $1`, e.ID); err != nil {
			return mapErr(err)
		}
		for _, tp := range e.Throughputs {
			err := q.QueryRowxContext(ctx, `
INSERT INTO throughputs (event_id, metric, num_ops, failed_ops, size_bytes, duration_ms)
VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`,
				e.ID, tp.Metric, tp.NumOps, tp.FailedOps, tp.SizeBytes, tp.DurationMS,
			).Scan(&tp.ID)
			if err != nil {
				return mapErr(err)
			}
			tp.EventID = e.ID
			for _, op := range tp.ScopedOps {
				if _, err := q.ExecContext(ctx, `
INSERT INTO scoped_ops (throughput_id, size_bytes, timestamp_begin, timestamp_end, success)
VALUES ($1,$2,$3,$4,$5)`,
					tp.ID, op.SizeBytes, nullTime(op.TimestampBegin),
					nullTime(op.TimestampEnd), op.Success); err != nil {
					return mapErr(err)
				}
			}
		}

		for _, c := range e.Conflicts {
			if c.ID != 0 {
				continue // already persisted
			}
			c.EventID = e.ID
			err := q.QueryRowxContext(ctx, `
INSERT INTO conflicts (file_id, event_id, resolution, failed_to_decrypt_upstream,
	reasons, created_at, resolved_at)
VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id`,
				c.FileID, c.EventID, c.Resolution, c.FailedToDecryptUpstream,
				strings.Join(c.Reasons, ";"), c.CreatedAt, c.ResolvedAt,
			).Scan(&c.ID)
			if err != nil {
				return mapErr(err)
			}
			for _, artifact := range []*types.ConflictArtifact{c.Local, c.Upstream} {
				if artifact == nil || artifact.File == nil {
					continue
				}
				if _, err := q.ExecContext(ctx, `
INSERT INTO conflict_artifacts (conflict_id, side, path, size_bytes, content_hash)
VALUES ($1,$2,$3,$4,$5)`,
					c.ID, artifact.Side, artifact.File.Path,
					artifact.File.SizeBytes, artifact.File.ContentHash); err != nil {
					return mapErr(err)
				}
			}
		}
		return nil
	})
}

func (y syncs) Heartbeat(ctx context.Context, eventID uint, at time.Time) error {
	res, err := y.s.q(ctx).ExecContext(ctx,
		`UPDATE sync_events SET heartbeat_at = $2 WHERE id = $1`, eventID, at)
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return catalog.ErrNotFound
	}
	return nil
}

func (y syncs) Latest(ctx context.Context, vaultID uint) (*types.SyncEvent, error) {
	var e types.SyncEvent
	err := y.s.q(ctx).GetContext(ctx, &e,
		`SELECT `+eventColumns+` FROM sync_events
		 WHERE vault_id = $1 ORDER BY id DESC LIMIT 1`, vaultID)
	if err != nil {
		return nil, mapErr(err)
	}
	if err := y.attach(ctx, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (y syncs) List(ctx context.Context, vaultID uint, page catalog.Page) ([]*types.SyncEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM sync_events
	          WHERE vault_id = $1 ORDER BY id DESC`
	args := []any{vaultID}
	if page.Limit > 0 {
		args = append(args, page.Limit)
		query += " LIMIT $2"
	}
	if page.Offset > 0 {
		args = append(args, page.Offset)
		query += " OFFSET $" + strconv.Itoa(len(args))
	}
	var rows []types.SyncEvent
	if err := y.s.q(ctx).SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, mapErr(err)
	}
	out := make([]*types.SyncEvent, 0, len(rows))
	for i := range rows {
		if err := y.attach(ctx, &rows[i]); err != nil {
			return nil, err
		}
		out = append(out, &rows[i])
	}
	return out, nil
}

func (y syncs) attach(ctx context.Context, e *types.SyncEvent) error {
	var tps []types.Throughput
	err := y.s.q(ctx).SelectContext(ctx, &tps, `
SELECT id, event_id, metric, num_ops, failed_ops, size_bytes, duration_ms
FROM throughputs WHERE event_id = $1 ORDER BY id`, e.ID)
	if err != nil {
		return mapErr(err)
	}
	e.Throughputs = make([]*types.Throughput, 0, len(tps))
	for i := range tps {
		tp := &tps[i]
		var ops []types.ScopedOp
		err := y.s.q(ctx).SelectContext(ctx, &ops, `
SELECT size_bytes, COALESCE(timestamp_begin, 'epoch') AS timestamp_begin,
       COALESCE(timestamp_end, 'epoch') AS timestamp_end, success
FROM scoped_ops WHERE throughput_id = $1 ORDER BY id`, tp.ID)
		if err != nil {
			return mapErr(err)
		}
		for j := range ops {
			tp.ScopedOps = append(tp.ScopedOps, &ops[j])
		}
		e.Throughputs = append(e.Throughputs, tp)
	}

	type conflictRow struct {
		types.Conflict
		ReasonsRaw string `db:"reasons"`
	}
	var conflicts []conflictRow
	err = y.s.q(ctx).SelectContext(ctx, &conflicts, `
SELECT id, file_id, event_id, resolution, failed_to_decrypt_upstream,
       reasons, created_at, resolved_at
FROM conflicts WHERE event_id = $1 ORDER BY id`, e.ID)
	if err != nil {
		return mapErr(err)
	}
	e.Conflicts = make([]*types.Conflict, 0, len(conflicts))
	for i := range conflicts {
		c := conflicts[i].Conflict
		if conflicts[i].ReasonsRaw != "" {
			c.Reasons = strings.Split(conflicts[i].ReasonsRaw, ";")
		}
		e.Conflicts = append(e.Conflicts, &c)
	}
	return nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
