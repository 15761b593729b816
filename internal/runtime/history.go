package runtime

import (
	"sync"
	"time"

	"github.com/sniffler/sniffler-core/internal/model"
)

// history is the bounded, mutex-guarded ring buffer of Operations for
// one listener. Connections run on their own goroutines, so every
// accessor takes the mutex.
type history struct {
	mu      sync.Mutex
	ops     []*model.Operation
	maxSize int
}

func newHistory(maxSize int) *history {
	return &history{maxSize: maxSize}
}

// push appends op, evicting the oldest entry first if the history is
// already at capacity.
func (h *history) push(op *model.Operation) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ops = append(h.ops, op)
	for h.maxSize > 0 && len(h.ops) > h.maxSize {
		h.ops = h.ops[1:]
	}
}

// list returns operations newest-first, matching the command surface's
// operation.list contract.
func (h *history) list() []*model.Operation {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*model.Operation, len(h.ops))
	for i, op := range h.ops {
		out[len(h.ops)-1-i] = op
	}
	return out
}

func (h *history) clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ops = nil
}

// findDuplicate searches for a pending or recently-started operation
// with the same fingerprint from a different connection within
// windowMs, backing the enable_deduplication setting.
func (h *history) findDuplicate(fingerprint, excludeConnID string, windowMs int64) *model.Operation {
	h.mu.Lock()
	defer h.mu.Unlock()
	cutoff := time.Now().Add(-time.Duration(windowMs) * time.Millisecond)
	for i := len(h.ops) - 1; i >= 0; i-- {
		op := h.ops[i]
		if op.StartedAt.Before(cutoff) {
			break // ops are appended in start order; older than cutoff, stop
		}
		if op.Fingerprint == fingerprint && op.ConnectionID != excludeConnID {
			return op
		}
	}
	return nil
}

// sweepStale finalizes every still-pending operation older than
// timeoutMs as failed with a synthetic timeout response, returning the
// ones it finalized so the caller can emit operation-response events.
func (h *history) sweepStale(timeoutMs int64) []*model.Operation {
	h.mu.Lock()
	defer h.mu.Unlock()
	cutoff := time.Now().Add(-time.Duration(timeoutMs) * time.Millisecond)
	var finalized []*model.Operation
	for _, op := range h.ops {
		if op.Status == model.StatusPending && op.StartedAt.Before(cutoff) {
			op.Finish(model.StatusFailed, &model.Response{
				IsError:    true,
				ErrMessage: "operation exceeded stale_pending_timeout_ms",
			}, &model.ErrorInfo{
				Message: "operation exceeded stale_pending_timeout_ms",
				Kind:    "TimeoutError",
			})
			finalized = append(finalized, op)
		}
	}
	return finalized
}

// tagFingerprint appends tag to every operation matching fingerprint
// other than excludeID, used when a mock is auto-replaced to mark
// prior live operations as "replaced"
// without also tagging the operation that triggered the replacement.
func (h *history) tagFingerprint(fingerprint, tag, excludeID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, op := range h.ops {
		if op.Fingerprint == fingerprint && op.ID != excludeID {
			op.Tags = append(op.Tags, tag)
		}
	}
}
