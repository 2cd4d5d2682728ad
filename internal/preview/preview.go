// Package preview decouples the core from thumbnail generation. The core
// emits candidate files to a Sink; rendering happens elsewhere. The package
// also mirrors entry operations onto the thumbnail cache directory.
package preview

import (
	"strings"

	"github.com/vaulthalla/vaulthalla/internal/types"
)

// Sink receives files whose previews should be (re)generated.
type Sink interface {
	// Enqueue offers the file's plaintext for preview generation. Callers
	// do not wait; failures are the sink's problem.
	Enqueue(f *types.File, plaintext []byte)
}

// Eligible reports whether a mime type gets a preview at all.
func Eligible(mimeType string) bool {
	return strings.HasPrefix(mimeType, "image/") || strings.HasPrefix(mimeType, "application/")
}

// NopSink drops everything; used when previews are disabled and in tests.
type NopSink struct{}

func (NopSink) Enqueue(*types.File, []byte) {}

// QueueSink forwards eligible files to a submit function, typically bound
// to the thumbnail worker pool.
type QueueSink struct {
	Submit func(f *types.File, plaintext []byte)
}

func (q QueueSink) Enqueue(f *types.File, plaintext []byte) {
	if q.Submit == nil || !Eligible(f.MimeType) {
		return
	}
	cp := *f
	buf := make([]byte, len(plaintext))
	copy(buf, plaintext)
	q.Submit(&cp, buf)
}

// RecordingSink captures enqueued files; used by tests.
type RecordingSink struct {
	Files []*types.File
}

func (r *RecordingSink) Enqueue(f *types.File, _ []byte) {
	r.Files = append(r.Files, f)
}
