package types

import (
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Strategy selects how a cloud vault reconciles with its bucket.
type Strategy string

const (
	// StrategyNone marks a local-only policy.
	StrategyNone Strategy = ""
	// StrategySync is bidirectional with policy-driven conflict resolution.
	StrategySync Strategy = "sync"
	// StrategyMirror makes one side authoritative, the other an overwrite
	// target; MirrorSource names the authoritative side.
	StrategyMirror Strategy = "mirror"
	// StrategyCache keeps the remote authoritative and the local side an
	// index plus on-demand fetches that may be evicted.
	StrategyCache Strategy = "cache"
)

// ConflictPolicy is the operator-chosen default resolution.
type ConflictPolicy string

const (
	ConflictKeepLocal    ConflictPolicy = "keep_local"
	ConflictKeepUpstream ConflictPolicy = "keep_upstream"
	ConflictKeepBoth     ConflictPolicy = "keep_both"
	ConflictEscalate     ConflictPolicy = "escalate"
)

// Policy drives a vault's sync task. Local vaults carry StrategyNone; cloud
// vaults carry one of Sync/Mirror/Cache.
type Policy struct {
	ID              uint           `db:"id"`
	VaultID         uint           `db:"vault_id"`
	IntervalSeconds uint           `db:"interval_seconds"`
	Enabled         bool           `db:"enabled"`
	LastSyncAt      time.Time      `db:"last_sync_at"`
	ConfigHash      string         `db:"config_hash"`
	ConflictPolicy  ConflictPolicy `db:"conflict_policy"`
	Strategy        Strategy       `db:"strategy"`

	// MirrorSource is meaningful only for StrategyMirror.
	MirrorSource Side `db:"mirror_source"`
}

// Interval returns the sync interval as a duration.
func (p *Policy) Interval() time.Duration {
	return time.Duration(p.IntervalSeconds) * time.Second
}

// AllowsUpload reports whether the strategy ever pushes local-only files.
func (p *Policy) AllowsUpload() bool {
	switch p.Strategy {
	case StrategySync:
		return true
	case StrategyMirror:
		return p.MirrorSource == SideLocal
	}
	return false
}

// AllowsDownload reports whether the strategy ever pulls remote-only files.
func (p *Policy) AllowsDownload() bool {
	switch p.Strategy {
	case StrategySync, StrategyCache:
		return true
	case StrategyMirror:
		return p.MirrorSource == SideUpstream
	}
	return false
}

// Resolve maps the configured conflict policy onto a resolution.
func (p *Policy) Resolve() Resolution {
	switch p.ConflictPolicy {
	case ConflictKeepLocal:
		return KeptLocal
	case ConflictKeepUpstream:
		return KeptUpstream
	case ConflictKeepBoth:
		return KeptBoth
	}
	return Unresolved
}

// Hash pins the policy's sync-relevant fields; events record it so a config
// change mid-run is detectable.
func (p *Policy) Hash() string {
	material := fmt.Sprintf("%d|%d|%t|%s|%s|%s",
		p.VaultID, p.IntervalSeconds, p.Enabled, p.ConflictPolicy, p.Strategy, p.MirrorSource)
	sum := blake2b.Sum256([]byte(material))
	return fmt.Sprintf("%x", sum[:8])
}
