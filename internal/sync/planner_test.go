package sync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaulthalla/vaulthalla/internal/types"
)

func planFile(path string, size uint64, hash string, mtime time.Time) *types.File {
	return &types.File{
		Entry:       types.Entry{Path: path, UpdatedAt: mtime},
		SizeBytes:   size,
		ContentHash: hash,
	}
}

func syncPolicy(cp types.ConflictPolicy) *types.Policy {
	return &types.Policy{Strategy: types.StrategySync, ConflictPolicy: cp}
}

func TestPlanLocalOnlyUploadsUnderSync(t *testing.T) {
	plan := BuildPlan(PlanInput{
		LocalMap:  map[string]*types.File{"/a": planFile("/a", 1, "h", time.Time{})},
		RemoteMap: map[string]*types.File{},
		Policy:    syncPolicy(types.ConflictKeepLocal),
	})
	require.Len(t, plan.Actions, 1)
	assert.Equal(t, ActionUpload, plan.Actions[0].Type)
	assert.Equal(t, "/a", plan.Actions[0].Key)
}

func TestPlanRemoteOnlyDownloads(t *testing.T) {
	plan := BuildPlan(PlanInput{
		LocalMap:  map[string]*types.File{},
		RemoteMap: map[string]*types.File{"/b": planFile("/b", 2, "", time.Time{})},
		Policy:    syncPolicy(types.ConflictKeepLocal),
	})
	require.Len(t, plan.Actions, 2)
	assert.Equal(t, ActionEnsureDirectories, plan.Actions[0].Type)
	assert.Equal(t, ActionDownload, plan.Actions[1].Type)
	assert.False(t, plan.Actions[1].FreeAfterDownload)
}

func TestPlanCacheStrategyMarksFreeAfterDownload(t *testing.T) {
	plan := BuildPlan(PlanInput{
		LocalMap:  map[string]*types.File{},
		RemoteMap: map[string]*types.File{"/b": planFile("/b", 2, "", time.Time{})},
		Policy:    &types.Policy{Strategy: types.StrategyCache},
	})
	require.Len(t, plan.Actions, 1, "cache plans carry no EnsureDirectories")
	assert.Equal(t, ActionDownload, plan.Actions[0].Type)
	assert.True(t, plan.Actions[0].FreeAfterDownload)
}

func TestPlanEqualContentSkips(t *testing.T) {
	plan := BuildPlan(PlanInput{
		LocalMap:     map[string]*types.File{"/x": planFile("/x", 5, "same", time.Time{})},
		RemoteMap:    map[string]*types.File{"/x": planFile("/x", 5, "", time.Time{})},
		RemoteHashes: map[string]string{"/x": "same"},
		Policy:       syncPolicy(types.ConflictKeepLocal),
	})
	assert.Empty(t, plan.Actions)
	assert.Empty(t, plan.Conflicts)
}

func TestPlanHashMismatchConflictKeepLocal(t *testing.T) {
	plan := BuildPlan(PlanInput{
		LocalMap:     map[string]*types.File{"/x": planFile("/x", 5, "local", time.Time{})},
		RemoteMap:    map[string]*types.File{"/x": planFile("/x", 5, "", time.Time{})},
		RemoteHashes: map[string]string{"/x": "remote"},
		Policy:       syncPolicy(types.ConflictKeepLocal),
	})
	require.Len(t, plan.Actions, 1)
	assert.Equal(t, ActionUpload, plan.Actions[0].Type)

	require.Len(t, plan.Conflicts, 1)
	c := plan.Conflicts[0]
	assert.Equal(t, types.KeptLocal, c.Resolution)
	assert.Contains(t, c.Reasons, "content_hash mismatch")
	assert.False(t, c.FailedToDecryptUpstream)
}

func TestPlanSizeMismatchIsConflictToo(t *testing.T) {
	plan := BuildPlan(PlanInput{
		LocalMap:  map[string]*types.File{"/x": planFile("/x", 5, "h", time.Time{})},
		RemoteMap: map[string]*types.File{"/x": planFile("/x", 9, "", time.Time{})},
		Policy:    syncPolicy(types.ConflictKeepUpstream),
	})
	require.Len(t, plan.Conflicts, 1)
	assert.Contains(t, plan.Conflicts[0].Reasons, "size mismatch")
	require.Len(t, plan.Actions, 2)
	assert.Equal(t, ActionEnsureDirectories, plan.Actions[0].Type)
	assert.Equal(t, ActionDownload, plan.Actions[1].Type)
}

func TestPlanDecryptFailureEscalates(t *testing.T) {
	plan := BuildPlan(PlanInput{
		LocalMap:            map[string]*types.File{"/x": planFile("/x", 5, "h", time.Time{})},
		RemoteMap:           map[string]*types.File{"/x": planFile("/x", 5, "", time.Time{})},
		RemoteHashes:        map[string]string{"/x": "h"},
		RemoteDecryptFailed: map[string]bool{"/x": true},
		Policy:              syncPolicy(types.ConflictEscalate),
	})
	assert.Empty(t, plan.Actions, "unresolved conflicts take no action")
	require.Len(t, plan.Conflicts, 1)
	assert.Equal(t, types.Unresolved, plan.Conflicts[0].Resolution)
	assert.True(t, plan.Conflicts[0].FailedToDecryptUpstream)
	assert.Contains(t, plan.Conflicts[0].Reasons, "upstream decryption failed")
}

func TestPlanKeepBothEmitsBothPhaseOrdered(t *testing.T) {
	plan := BuildPlan(PlanInput{
		LocalMap:     map[string]*types.File{"/x": planFile("/x", 5, "local", time.Time{})},
		RemoteMap:    map[string]*types.File{"/x": planFile("/x", 5, "", time.Time{})},
		RemoteHashes: map[string]string{"/x": "remote"},
		Policy:       syncPolicy(types.ConflictKeepBoth),
	})
	var kinds []ActionType
	for _, a := range plan.Actions {
		if a.Key == "/x" {
			kinds = append(kinds, a.Type)
		}
	}
	assert.Equal(t, []ActionType{ActionUpload, ActionDownload}, kinds)
}

func TestPlanMirrorKeepRemoteDeletesLocalLeftovers(t *testing.T) {
	plan := BuildPlan(PlanInput{
		LocalMap:  map[string]*types.File{"/a": planFile("/a", 1, "h", time.Time{})},
		RemoteMap: map[string]*types.File{},
		Policy: &types.Policy{
			Strategy:     types.StrategyMirror,
			MirrorSource: types.SideUpstream,
		},
	})
	require.Len(t, plan.Actions, 1)
	assert.Equal(t, ActionDeleteLocal, plan.Actions[0].Type)
}

func TestPlanMirrorKeepLocalDeletesRemoteLeftovers(t *testing.T) {
	plan := BuildPlan(PlanInput{
		LocalMap:  map[string]*types.File{},
		RemoteMap: map[string]*types.File{"/a": planFile("/a", 1, "", time.Time{})},
		Policy: &types.Policy{
			Strategy:     types.StrategyMirror,
			MirrorSource: types.SideLocal,
		},
	})
	require.Len(t, plan.Actions, 1)
	assert.Equal(t, ActionDeleteRemote, plan.Actions[0].Type)
}

func TestPlanNoHashPicksByMtime(t *testing.T) {
	older := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)

	plan := BuildPlan(PlanInput{
		LocalMap:  map[string]*types.File{"/x": planFile("/x", 5, "h", older)},
		RemoteMap: map[string]*types.File{"/x": planFile("/x", 5, "", newer)},
		Policy:    syncPolicy(types.ConflictKeepLocal),
	})
	require.NotEmpty(t, plan.Actions)
	last := plan.Actions[len(plan.Actions)-1]
	assert.Equal(t, ActionDownload, last.Type)
	assert.Empty(t, plan.Conflicts)
}

func TestPlanDeterministic(t *testing.T) {
	in := PlanInput{
		LocalMap: map[string]*types.File{
			"/a": planFile("/a", 1, "x", time.Time{}),
			"/b": planFile("/b", 2, "y", time.Time{}),
			"/c": planFile("/c", 3, "z", time.Time{}),
		},
		RemoteMap: map[string]*types.File{
			"/b": planFile("/b", 2, "", time.Time{}),
			"/d": planFile("/d", 4, "", time.Time{}),
		},
		RemoteHashes: map[string]string{"/b": "other"},
		Policy:       syncPolicy(types.ConflictKeepLocal),
	}
	first := BuildPlan(in)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, BuildPlan(in))
	}
}

func TestPlanOrderWithinPhaseIsLexicographic(t *testing.T) {
	plan := BuildPlan(PlanInput{
		LocalMap: map[string]*types.File{
			"/z": planFile("/z", 1, "h", time.Time{}),
			"/a": planFile("/a", 1, "h", time.Time{}),
			"/m": planFile("/m", 1, "h", time.Time{}),
		},
		RemoteMap: map[string]*types.File{},
		Policy:    syncPolicy(types.ConflictKeepLocal),
	})
	require.Len(t, plan.Actions, 3)
	assert.Equal(t, []string{"/a", "/m", "/z"}, []string{
		plan.Actions[0].Key, plan.Actions[1].Key, plan.Actions[2].Key,
	})
}

func TestDownloadBytes(t *testing.T) {
	plan := BuildPlan(PlanInput{
		LocalMap: map[string]*types.File{},
		RemoteMap: map[string]*types.File{
			"/a": planFile("/a", 100, "", time.Time{}),
			"/b": planFile("/b", 50, "", time.Time{}),
		},
		Policy: &types.Policy{Strategy: types.StrategyCache},
	})
	assert.Equal(t, uint64(150), plan.DownloadBytes())
}
