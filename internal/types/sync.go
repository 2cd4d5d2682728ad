package types

import "time"

// EventStatus is the lifecycle state of a sync event.
type EventStatus string

const (
	EventPending   EventStatus = "pending"
	EventRunning   EventStatus = "running"
	EventSuccess   EventStatus = "success"
	EventError     EventStatus = "error"
	EventCancelled EventStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s EventStatus) Terminal() bool {
	switch s {
	case EventSuccess, EventError, EventCancelled:
		return true
	}
	return false
}

// EventTrigger records what started a sync event.
type EventTrigger string

const (
	TriggerScheduled   EventTrigger = "scheduled"
	TriggerManual      EventTrigger = "manual"
	TriggerWebhook     EventTrigger = "webhook"
	TriggerKeyRotation EventTrigger = "key_rotation"
	TriggerStartup     EventTrigger = "startup"
)

// SyncEvent is one execution of a vault's sync task.
type SyncEvent struct {
	ID             uint         `db:"id"`
	RunUUID        string       `db:"run_uuid"`
	VaultID        uint         `db:"vault_id"`
	Status         EventStatus  `db:"status"`
	Trigger        EventTrigger `db:"trigger"`
	TimestampBegin time.Time    `db:"timestamp_begin"`
	TimestampEnd   *time.Time   `db:"timestamp_end"`
	HeartbeatAt    time.Time    `db:"heartbeat_at"`
	ErrorMessage   string       `db:"error_message"`
	ConfigHash     string       `db:"config_hash"`

	Throughputs []*Throughput `db:"-"`
	Conflicts   []*Conflict   `db:"-"`
}

// Throughput returns the event's accumulator for metric, creating it on
// first use.
func (e *SyncEvent) Throughput(metric Metric) *Throughput {
	for _, t := range e.Throughputs {
		if t.Metric == metric {
			return t
		}
	}
	t := &Throughput{Metric: metric}
	e.Throughputs = append(e.Throughputs, t)
	return t
}

// FailedOps sums failures across all metrics.
func (e *SyncEvent) FailedOps() uint64 {
	var n uint64
	for _, t := range e.Throughputs {
		n += t.FailedOps
	}
	return n
}

// Metric classifies a throughput row.
type Metric string

const (
	MetricUpload   Metric = "upload"
	MetricDownload Metric = "download"
	MetricRename   Metric = "rename"
	MetricCopy     Metric = "copy"
	MetricDelete   Metric = "delete"
)

// Throughput aggregates the scoped ops of one metric within one event.
type Throughput struct {
	ID         uint   `db:"id"`
	EventID    uint   `db:"event_id"`
	Metric     Metric `db:"metric"`
	NumOps     uint64 `db:"num_ops"`
	FailedOps  uint64 `db:"failed_ops"`
	SizeBytes  uint64 `db:"size_bytes"`
	DurationMS uint64 `db:"duration_ms"`

	ScopedOps []*ScopedOp `db:"-"`
}

// NewOp appends and returns a fresh scoped op.
func (t *Throughput) NewOp() *ScopedOp {
	op := &ScopedOp{}
	t.ScopedOps = append(t.ScopedOps, op)
	return op
}

// Aggregate recomputes the roll-up counters from the scoped ops.
func (t *Throughput) Aggregate() {
	t.NumOps, t.FailedOps, t.SizeBytes, t.DurationMS = 0, 0, 0, 0
	for _, op := range t.ScopedOps {
		t.NumOps++
		if !op.Success {
			t.FailedOps++
		}
		t.SizeBytes += op.SizeBytes
		t.DurationMS += op.DurationMS()
	}
}

// ScopedOp is one timed, sized sub-operation within an event.
type ScopedOp struct {
	SizeBytes      uint64    `db:"size_bytes"`
	TimestampBegin time.Time `db:"timestamp_begin"`
	TimestampEnd   time.Time `db:"timestamp_end"`
	Success        bool      `db:"success"`
}

// Start stamps the begin time and, when given, the op size.
func (op *ScopedOp) Start(sizeBytes uint64) {
	op.SizeBytes = sizeBytes
	op.TimestampBegin = time.Now().UTC()
}

// Stop stamps the end time and records the outcome.
func (op *ScopedOp) Stop(success bool) {
	op.TimestampEnd = time.Now().UTC()
	op.Success = success
}

// DurationMS is the elapsed wall time in milliseconds.
func (op *ScopedOp) DurationMS() uint64 {
	if op.TimestampEnd.Before(op.TimestampBegin) {
		return 0
	}
	return uint64(op.TimestampEnd.Sub(op.TimestampBegin).Milliseconds())
}

// Side identifies which copy of a file a conflict artifact describes.
type Side string

const (
	SideLocal    Side = "local"
	SideUpstream Side = "upstream"
)

// Resolution is the outcome of conflict handling.
type Resolution string

const (
	KeptLocal    Resolution = "kept_local"
	KeptUpstream Resolution = "kept_upstream"
	KeptBoth     Resolution = "kept_both"
	Unresolved   Resolution = "unresolved"
)

// ConflictArtifact captures one side's file state at conflict time.
type ConflictArtifact struct {
	ID         uint  `db:"id"`
	ConflictID uint  `db:"conflict_id"`
	Side       Side  `db:"side"`
	File       *File `db:"-"`
}

// Conflict records a disagreement between local and upstream versions of the
// same rel-path that the policy must resolve or escalate.
type Conflict struct {
	ID      uint `db:"id"`
	FileID  uint `db:"file_id"`
	EventID uint `db:"event_id"`

	Local    *ConflictArtifact `db:"-"`
	Upstream *ConflictArtifact `db:"-"`

	Reasons                 []string   `db:"-"`
	Resolution              Resolution `db:"resolution"`
	FailedToDecryptUpstream bool       `db:"failed_to_decrypt_upstream"`
	CreatedAt               time.Time  `db:"created_at"`
	ResolvedAt              *time.Time `db:"resolved_at"`
}
