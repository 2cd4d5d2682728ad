// Package sync implements the per-vault synchronization machinery: the
// scheduled task with its staged run, the plan builder that reconciles
// local and remote inventories, and the phased executor.
package sync

import (
	"errors"
	"sort"

	"github.com/vaulthalla/vaulthalla/internal/types"
)

var (
	// ErrInsufficientDiskSpace fails the event when planned downloads
	// exceed the engine's free space.
	ErrInsufficientDiskSpace = errors.New("sync: insufficient disk space")
	// ErrInterrupted unwinds a task whose interrupt flag was raised; the
	// event transitions to Cancelled.
	ErrInterrupted = errors.New("sync: interrupted")
)

// ActionType orders the executor phases.
type ActionType int

const (
	ActionEnsureDirectories ActionType = iota
	ActionUpload
	ActionDownload
	ActionDeleteRemote
	ActionDeleteLocal
)

func (t ActionType) String() string {
	switch t {
	case ActionEnsureDirectories:
		return "ensure_directories"
	case ActionUpload:
		return "upload"
	case ActionDownload:
		return "download"
	case ActionDeleteRemote:
		return "delete_remote"
	case ActionDeleteLocal:
		return "delete_local"
	}
	return "unknown"
}

// Action is one planned step.
type Action struct {
	Type   ActionType
	Key    string // vault-relative path
	Local  *types.File
	Remote *types.File
	// FreeAfterDownload marks Cache-strategy fetches that index and drop.
	FreeAfterDownload bool
}

// Plan is an ordered action list plus the conflicts the comparison raised.
type Plan struct {
	Actions   []Action
	Conflicts []*types.Conflict
}

// DownloadBytes sums the sizes of planned downloads for the space check.
func (p *Plan) DownloadBytes() uint64 {
	var total uint64
	for _, a := range p.Actions {
		if a.Type == ActionDownload && a.Remote != nil {
			total += a.Remote.SizeBytes
		}
	}
	return total
}

// PlanInput is the comparison state the Cloud task binned up.
type PlanInput struct {
	LocalMap  map[string]*types.File
	RemoteMap map[string]*types.File
	// RemoteHashes holds content-hash metadata for keys present on both
	// sides; a missing key means the remote never recorded one.
	RemoteHashes map[string]string
	// RemoteDecryptFailed marks keys whose remote ciphertext cannot be
	// decrypted (missing iv/key-version, or decryption failed outright).
	RemoteDecryptFailed map[string]bool
	Policy              *types.Policy
}

// HasPotentialConflict reports a disagreement needing policy resolution:
// sizes differ, hashes differ, or the upstream copy failed to decrypt.
func HasPotentialConflict(local, upstream *types.File, upstreamDecryptFailed bool) bool {
	if upstreamDecryptFailed {
		return true
	}
	if local.SizeBytes != upstream.SizeBytes {
		return true
	}
	if upstream.ContentHash != "" && upstream.ContentHash != local.ContentHash {
		return true
	}
	return false
}

// BuildPlan walks the sorted union of keys and emits the phased action
// list. Given identical inputs it returns an identical plan.
func BuildPlan(in PlanInput) *Plan {
	plan := &Plan{}
	policy := in.Policy

	keys := make([]string, 0, len(in.LocalMap)+len(in.RemoteMap))
	seen := make(map[string]struct{}, len(in.LocalMap)+len(in.RemoteMap))
	for k := range in.LocalMap {
		keys = append(keys, k)
		seen[k] = struct{}{}
	}
	for k := range in.RemoteMap {
		if _, dup := seen[k]; !dup {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var hasDownload bool
	for _, key := range keys {
		local, hasLocal := in.LocalMap[key]
		remote, hasRemote := in.RemoteMap[key]

		switch {
		case hasLocal && !hasRemote:
			if policy.AllowsUpload() {
				plan.Actions = append(plan.Actions, Action{Type: ActionUpload, Key: key, Local: local})
			} else if policy.Strategy == types.StrategyMirror && policy.MirrorSource == types.SideUpstream {
				plan.Actions = append(plan.Actions, Action{Type: ActionDeleteLocal, Key: key, Local: local})
			}

		case !hasLocal && hasRemote:
			if policy.AllowsDownload() {
				plan.Actions = append(plan.Actions, Action{
					Type:              ActionDownload,
					Key:               key,
					Remote:            remote,
					FreeAfterDownload: policy.Strategy == types.StrategyCache,
				})
				hasDownload = true
			} else if policy.Strategy == types.StrategyMirror && policy.MirrorSource == types.SideLocal {
				plan.Actions = append(plan.Actions, Action{Type: ActionDeleteRemote, Key: key, Remote: remote})
			}

		default:
			upstream := *remote
			upstream.ContentHash = in.RemoteHashes[key]
			decryptFailed := in.RemoteDecryptFailed[key]

			if !decryptFailed && local.SizeBytes == upstream.SizeBytes &&
				upstream.ContentHash != "" && upstream.ContentHash == local.ContentHash {
				continue // contents equal
			}

			if HasPotentialConflict(local, &upstream, decryptFailed) {
				c := buildConflict(local, &upstream, decryptFailed, policy)
				plan.Conflicts = append(plan.Conflicts, c)
				switch c.Resolution {
				case types.KeptLocal:
					plan.Actions = append(plan.Actions, Action{Type: ActionUpload, Key: key, Local: local, Remote: remote})
				case types.KeptUpstream:
					plan.Actions = append(plan.Actions, Action{
						Type: ActionDownload, Key: key, Local: local, Remote: remote,
						FreeAfterDownload: policy.Strategy == types.StrategyCache,
					})
					hasDownload = true
				case types.KeptBoth:
					plan.Actions = append(plan.Actions,
						Action{Type: ActionUpload, Key: key, Local: local, Remote: remote},
						Action{Type: ActionDownload, Key: key, Local: local, Remote: remote,
							FreeAfterDownload: policy.Strategy == types.StrategyCache},
					)
					hasDownload = true
				case types.Unresolved:
					// Operator intervention; no action.
				}
				continue
			}

			// Not provably in conflict (no remote hash recorded): pick a
			// direction by strategy and mtime.
			switch {
			case policy.Strategy == types.StrategyCache:
				plan.Actions = append(plan.Actions, Action{
					Type: ActionDownload, Key: key, Local: local, Remote: remote, FreeAfterDownload: true,
				})
				hasDownload = true
			case policy.Strategy == types.StrategyMirror && policy.MirrorSource == types.SideUpstream:
				plan.Actions = append(plan.Actions, Action{Type: ActionDownload, Key: key, Local: local, Remote: remote})
				hasDownload = true
			case policy.Strategy == types.StrategyMirror:
				plan.Actions = append(plan.Actions, Action{Type: ActionUpload, Key: key, Local: local, Remote: remote})
			case remote.UpdatedAt.After(local.UpdatedAt):
				plan.Actions = append(plan.Actions, Action{Type: ActionDownload, Key: key, Local: local, Remote: remote})
				hasDownload = true
			default:
				plan.Actions = append(plan.Actions, Action{Type: ActionUpload, Key: key, Local: local, Remote: remote})
			}
		}
	}

	if hasDownload && policy.Strategy != types.StrategyCache {
		plan.Actions = append([]Action{{Type: ActionEnsureDirectories}}, plan.Actions...)
	}

	// Phase order first, lexicographic key order within a phase.
	sort.SliceStable(plan.Actions, func(i, j int) bool {
		if plan.Actions[i].Type != plan.Actions[j].Type {
			return plan.Actions[i].Type < plan.Actions[j].Type
		}
		return plan.Actions[i].Key < plan.Actions[j].Key
	})
	return plan
}

func buildConflict(local, upstream *types.File, decryptFailed bool, policy *types.Policy) *types.Conflict {
	c := &types.Conflict{
		FileID:                  local.ID,
		Local:                   &types.ConflictArtifact{Side: types.SideLocal, File: local},
		Upstream:                &types.ConflictArtifact{Side: types.SideUpstream, File: upstream},
		FailedToDecryptUpstream: decryptFailed,
		Resolution:              policy.Resolve(),
	}
	if local.SizeBytes != upstream.SizeBytes {
		c.Reasons = append(c.Reasons, "size mismatch")
	}
	if upstream.ContentHash != "" && upstream.ContentHash != local.ContentHash {
		c.Reasons = append(c.Reasons, "content_hash mismatch")
	}
	if decryptFailed {
		c.Reasons = append(c.Reasons, "upstream decryption failed")
	}
	return c
}
