package host

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetlink/fleetlink/log2"
	"github.com/fleetlink/fleetlink/wire"
)

func testRoster(t testing.TB, opt RosterOptions) (*Roster, *time.Time) {
	opt.Log = log2.NewTest(t, log2.LDebug)
	r := NewRoster(opt)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }
	return r, &now
}

func TestRosterMergeIdempotent(t *testing.T) {
	t.Parallel()
	r, now := testRoster(t, RosterOptions{})
	from := &net.UDPAddr{IP: net.IPv4(192, 168, 1, 20), Port: 40000}
	rec := &wire.Record{
		DeviceID:    "abc",
		DeviceName:  "Lobby",
		Platform:    "linux",
		CommandPort: 3939,
	}

	first := *r.Apply(rec, from)
	firstSeen := first.LastSeen()
	*now = now.Add(3 * time.Second)
	second := *r.Apply(rec, from)

	assert.Equal(t, 1, r.Len())
	assert.True(t, second.LastSeen().After(firstSeen), "lastSeen strictly advances")
	first.lastSeen, second.lastSeen = nil, nil
	assert.Equal(t, first, second)
}

func TestRosterMergeKeepsPresentFields(t *testing.T) {
	t.Parallel()
	r, _ := testRoster(t, RosterOptions{})
	from := &net.UDPAddr{IP: net.IPv4(192, 168, 1, 20), Port: 40000}

	r.Apply(&wire.Record{DeviceID: "abc", DeviceName: "Lobby", Platform: "linux", CommandPort: 3939}, from)
	// a sparse heartbeat must not blank anything
	d := r.Apply(&wire.Record{DeviceID: "abc"}, from)

	assert.Equal(t, "Lobby", d.DeviceName)
	assert.Equal(t, "linux", d.Platform)
	assert.Equal(t, 3939, d.CommandPort)

	d = r.Apply(&wire.Record{DeviceID: "abc", Scene: "menu"}, from)
	assert.Equal(t, "menu", d.Scene)
	assert.Equal(t, "Lobby", d.DeviceName)
}

func TestRosterKeyFallbacks(t *testing.T) {
	t.Parallel()
	r, _ := testRoster(t, RosterOptions{})
	from := &net.UDPAddr{IP: net.IPv4(192, 168, 1, 20), Port: 40000}

	d := r.Apply(&wire.Record{}, from)
	assert.Equal(t, from.String(), d.DeviceID)
	assert.Equal(t, from.String(), d.DeviceName, "deviceName defaults to the key")

	d = r.Apply(&wire.Record{}, nil)
	assert.True(t, strings.HasPrefix(d.DeviceID, "anon-"), "got %q", d.DeviceID)
	assert.Equal(t, 2, r.Len())
}

func TestRosterDefaultCommandPort(t *testing.T) {
	t.Parallel()
	r, _ := testRoster(t, RosterOptions{CommandPort: 3939})
	from := &net.UDPAddr{IP: net.IPv4(192, 168, 1, 20), Port: 40000}

	d := r.Apply(&wire.Record{DeviceID: "abc"}, from)
	assert.Equal(t, 3939, d.CommandPort)
	require.NotNil(t, d.CommandAddr())
	assert.Equal(t, "192.168.1.20:3939", d.CommandAddr().String())

	// advertised port wins over the default
	d = r.Apply(&wire.Record{DeviceID: "abc", CommandPort: 4040}, from)
	assert.Equal(t, 4040, d.CommandPort)
}

func TestRosterLiveness(t *testing.T) {
	t.Parallel()
	r, now := testRoster(t, RosterOptions{Liveness: 10 * time.Second})
	from := &net.UDPAddr{IP: net.IPv4(192, 168, 1, 20), Port: 40000}

	r.Apply(&wire.Record{DeviceID: "abc"}, from)

	online := func() bool {
		snap := r.Snapshot()
		require.Len(t, snap, 1)
		return snap[0].Online
	}

	assert.True(t, online())
	*now = now.Add(10 * time.Second)
	assert.True(t, online(), "age == timeout is still online")
	*now = now.Add(500 * time.Millisecond)
	assert.False(t, online(), "offline at 10.5s with no eviction")
	assert.Equal(t, 1, r.Len())

	// second heartbeat 11s after the first brings it right back
	r.Apply(&wire.Record{DeviceID: "abc"}, from)
	assert.True(t, online())
}

func TestRosterSnapshotDetached(t *testing.T) {
	t.Parallel()
	r, now := testRoster(t, RosterOptions{Liveness: 10 * time.Second})
	from := &net.UDPAddr{IP: net.IPv4(192, 168, 1, 20), Port: 40000}

	r.Apply(&wire.Record{DeviceID: "abc"}, from)
	snap := r.Snapshot()
	require.Len(t, snap, 1)
	seen := snap[0].LastSeen()

	// a later heartbeat must not move an already-taken snapshot
	*now = now.Add(5 * time.Second)
	r.Apply(&wire.Record{DeviceID: "abc"}, from)
	assert.Equal(t, seen, snap[0].LastSeen())
}

func TestRosterSnapshotSorted(t *testing.T) {
	t.Parallel()
	r, _ := testRoster(t, RosterOptions{})
	from := &net.UDPAddr{IP: net.IPv4(192, 168, 1, 20), Port: 40000}
	for _, id := range []string{"charlie", "alpha", "bravo"} {
		r.Apply(&wire.Record{DeviceID: id}, from)
	}
	snap := r.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "alpha", snap[0].DeviceID)
	assert.Equal(t, "bravo", snap[1].DeviceID)
	assert.Equal(t, "charlie", snap[2].DeviceID)
}
