package wire

import (
	"sync"
	"time"

	"github.com/juju/errors"
)

var (
	ErrStale     = errors.New("stale command")
	ErrDuplicate = errors.New("duplicate command")
)

const (
	// Dedup cache bound. On overflow all entries older than the staleness
	// window are pruned before the next insert.
	dedupMax = 128
	// Prune age floor when staleness checking is disabled.
	dedupPruneFloor = 1 * time.Second
)

// Filter admits envelopes past two independent checks: staleness by
// timestamp age and duplicate suppression by cmdId. Safe for one writer
// plus concurrent readers, the usual receive path arrangement.
type Filter struct { //nolint:maligned
	sync.Mutex
	window time.Duration // 0 disables staleness checking
	seen   map[string]int64
	now    func() time.Time
}

func NewFilter(window time.Duration) *Filter {
	return &Filter{
		window: window,
		seen:   make(map[string]int64, dedupMax),
		now:    time.Now,
	}
}

// Admit returns nil, ErrStale or ErrDuplicate. Admission with a cmdId
// inserts it into the dedup cache.
func (f *Filter) Admit(e *Envelope) error {
	now := f.now()

	if f.window > 0 && e.Timestamp != 0 {
		if age := now.Sub(e.Time()); age > f.window {
			return errors.Annotatef(ErrStale, "age=%v window=%v", age, f.window)
		}
	}

	if e.CmdID == "" {
		return nil
	}

	f.Lock()
	defer f.Unlock()
	if _, ok := f.seen[e.CmdID]; ok {
		return errors.Annotatef(ErrDuplicate, "cmdId=%s", e.CmdID)
	}
	if len(f.seen) >= dedupMax {
		f.prune(now)
	}
	f.seen[e.CmdID] = now.Unix()
	return nil
}

// Len reports current dedup cache size.
func (f *Filter) Len() int {
	f.Lock()
	defer f.Unlock()
	return len(f.seen)
}

// must be called with lock
func (f *Filter) prune(now time.Time) {
	keep := f.window
	if keep <= 0 {
		keep = dedupPruneFloor
	}
	cutoff := now.Add(-keep).Unix()
	for id, t := range f.seen {
		if t < cutoff {
			delete(f.seen, id)
		}
	}
}
