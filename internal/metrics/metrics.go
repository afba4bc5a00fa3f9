package metrics

import (
	"sync"
	"sync/atomic"
)

// Process-local counters for scheduler firings and ledger appends. Kept
// simple/thread-safe for use from workers, middlewares and exposition.

var (
	fireExecuted uint64
	fireFailed   uint64

	skipMu      sync.Mutex
	skipReasons = map[string]uint64{}

	appendCommitted uint64
	appendRejected  uint64

	rlMu       sync.Mutex
	rlTotal    uint64
	rlByPrefix = map[string]uint64{}
)

func IncFireExecuted() { atomic.AddUint64(&fireExecuted, 1) }
func IncFireFailed()   { atomic.AddUint64(&fireFailed, 1) }

// IncFireSkipped counts a skipped fire by reason: "overlap", "misfire",
// "queue_full", "disabled", "window".
func IncFireSkipped(reason string) {
	skipMu.Lock()
	skipReasons[reason]++
	skipMu.Unlock()
}

func IncAppendCommitted() { atomic.AddUint64(&appendCommitted, 1) }
func IncAppendRejected()  { atomic.AddUint64(&appendRejected, 1) }

// IncRateLimitDrop increments 429 counters for the given route prefix. Use
// prefix "global" for global limiter rejections.
func IncRateLimitDrop(prefix string) {
	if prefix == "" {
		prefix = "global"
	}
	rlMu.Lock()
	rlTotal++
	rlByPrefix[prefix]++
	rlMu.Unlock()
}

// Snapshot is a point-in-time copy of every counter, for the /metrics handler.
type Snapshot struct {
	FiresExecuted    uint64            `json:"fires_executed"`
	FiresFailed      uint64            `json:"fires_failed"`
	FiresSkipped     map[string]uint64 `json:"fires_skipped"`
	AppendsCommitted uint64            `json:"appends_committed"`
	AppendsRejected  uint64            `json:"appends_rejected"`
	RateLimitDrops   uint64            `json:"rate_limit_drops"`
	RateLimitByPath  map[string]uint64 `json:"rate_limit_by_path"`
}

func Collect() Snapshot {
	snap := Snapshot{
		FiresExecuted:    atomic.LoadUint64(&fireExecuted),
		FiresFailed:      atomic.LoadUint64(&fireFailed),
		AppendsCommitted: atomic.LoadUint64(&appendCommitted),
		AppendsRejected:  atomic.LoadUint64(&appendRejected),
		FiresSkipped:     map[string]uint64{},
		RateLimitByPath:  map[string]uint64{},
	}
	skipMu.Lock()
	for k, v := range skipReasons {
		snap.FiresSkipped[k] = v
	}
	skipMu.Unlock()
	rlMu.Lock()
	snap.RateLimitDrops = rlTotal
	for k, v := range rlByPrefix {
		snap.RateLimitByPath[k] = v
	}
	rlMu.Unlock()
	return snap
}
