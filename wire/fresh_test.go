package wire

import (
	"fmt"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFilter(window time.Duration, start time.Time) (*Filter, *time.Time) {
	now := start
	f := NewFilter(window)
	f.now = func() time.Time { return now }
	return f, &now
}

func TestAdmitDuplicate(t *testing.T) {
	t.Parallel()

	f, _ := testFilter(0, time.Unix(1700000000, 0))
	e := &Envelope{Action: "Beep", Timestamp: 1700000000, CmdID: "c1"}
	require.NoError(t, f.Admit(e))
	err := f.Admit(e)
	require.Error(t, err)
	assert.Equal(t, ErrDuplicate, errors.Cause(err))

	// no cmdId: always passes
	bare := &Envelope{Action: "Beep", Timestamp: 1700000000}
	assert.NoError(t, f.Admit(bare))
	assert.NoError(t, f.Admit(bare))
}

func TestAdmitStaleBoundary(t *testing.T) {
	t.Parallel()

	const window = 30 * time.Second
	base := time.Unix(1700000000, 0)
	cases := []struct {
		name string
		age  time.Duration
		ok   bool
	}{
		{"fresh", 1 * time.Second, true},
		{"at-boundary", window, true},
		{"past-boundary", window + time.Second, false},
		{"future", -5 * time.Second, true},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			f, _ := testFilter(window, base)
			e := &Envelope{Action: "Beep", Timestamp: base.Add(-c.age).Unix()}
			err := f.Admit(e)
			if c.ok {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Equal(t, ErrStale, errors.Cause(err))
			}
		})
	}
}

func TestAdmitStaleDisabled(t *testing.T) {
	t.Parallel()

	f, _ := testFilter(0, time.Unix(1700000000, 0))
	ancient := &Envelope{Action: "Beep", Timestamp: 1}
	assert.NoError(t, f.Admit(ancient))
}

func TestAdmitZeroTimestamp(t *testing.T) {
	t.Parallel()

	f, _ := testFilter(10*time.Second, time.Unix(1700000000, 0))
	e := &Envelope{Action: "Beep"}
	assert.NoError(t, f.Admit(e))
}

func TestDedupPrune(t *testing.T) {
	t.Parallel()

	const window = 30 * time.Second
	f, now := testFilter(window, time.Unix(1700000000, 0))

	for i := 0; i < dedupMax; i++ {
		e := &Envelope{Action: "Beep", Timestamp: now.Unix(), CmdID: fmt.Sprintf("old-%d", i)}
		require.NoError(t, f.Admit(e))
	}
	require.Equal(t, dedupMax, f.Len())

	// everything in cache is now older than the window, next insert prunes
	*now = now.Add(window + 2*time.Second)
	e := &Envelope{Action: "Beep", Timestamp: now.Unix(), CmdID: "fresh"}
	require.NoError(t, f.Admit(e))
	assert.Equal(t, 1, f.Len())

	// pruned ids are admitted again
	assert.NoError(t, f.Admit(&Envelope{Action: "Beep", Timestamp: now.Unix(), CmdID: "old-1"}))
}

func TestDedupPruneKeepsFresh(t *testing.T) {
	t.Parallel()

	const window = 30 * time.Second
	f, now := testFilter(window, time.Unix(1700000000, 0))

	for i := 0; i < dedupMax/2; i++ {
		require.NoError(t, f.Admit(&Envelope{Action: "a", Timestamp: now.Unix(), CmdID: fmt.Sprintf("old-%d", i)}))
	}
	*now = now.Add(window + time.Second)
	for i := 0; i < dedupMax/2; i++ {
		require.NoError(t, f.Admit(&Envelope{Action: "a", Timestamp: now.Unix(), CmdID: fmt.Sprintf("new-%d", i)}))
	}
	require.Equal(t, dedupMax, f.Len())

	// overflow prunes only the old half
	require.NoError(t, f.Admit(&Envelope{Action: "a", Timestamp: now.Unix(), CmdID: "trigger"}))
	assert.Equal(t, dedupMax/2+1, f.Len())
	err := f.Admit(&Envelope{Action: "a", Timestamp: now.Unix(), CmdID: "new-1"})
	assert.Equal(t, ErrDuplicate, errors.Cause(err))
}
