package mesh

import "time"

// latencyBuckets are the upper bounds (inclusive) of the reply-latency
// histogram, chosen to span sub-millisecond cache hits up through
// multi-second worst-case recursion. The last bucket is implicitly "+Inf".
var latencyBuckets = []time.Duration{
	time.Millisecond,
	5 * time.Millisecond,
	25 * time.Millisecond,
	100 * time.Millisecond,
	500 * time.Millisecond,
	2 * time.Second,
	10 * time.Second,
}

// Histogram is a fixed-bucket latency histogram. Non-goals explicitly
// exclude anything beyond simple counters (§1), so this stays a plain
// bucket-count array rather than reaching for a full metrics library.
type Histogram struct {
	counts []uint64 // len(latencyBuckets)+1
}

func newHistogram() *Histogram {
	return &Histogram{counts: make([]uint64, len(latencyBuckets)+1)}
}

// Observe records one latency sample.
func (h *Histogram) Observe(d time.Duration) {
	for i, upper := range latencyBuckets {
		if d <= upper {
			h.counts[i]++
			return
		}
	}
	h.counts[len(h.counts)-1]++
}

// Counts returns a copy of the bucket counts, indexed the same as
// latencyBuckets plus one overflow bucket.
func (h *Histogram) Counts() []uint64 {
	out := make([]uint64, len(h.counts))
	copy(out, h.counts)
	return out
}

// Counters tracks the running totals §4.4 requires. All fields are
// updated only from the single Mesh goroutine; no locking.
type Counters struct {
	NumReplyAddrs     uint64 // ClientReply entries currently attached across all states
	NumReplyStates    uint64 // states currently holding >=1 ClientReply
	NumDetachedStates uint64
	RepliesSent       uint64
	RepliesSumWait    time.Duration
	Latency           *Histogram
}

func newCounters() *Counters {
	return &Counters{Latency: newHistogram()}
}
