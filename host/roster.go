// Package host is the dashboard side: answer discovery probes, track
// the device roster and fan commands out to agents.
package host

import (
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetlink/fleetlink/helpers/atomic_clock"
	"github.com/fleetlink/fleetlink/log2"
	"github.com/fleetlink/fleetlink/wire"
)

const DefaultLivenessTimeout = 10 * time.Second

// Device is one roster entry. lastSeen refreshes on every sighting,
// other fields only move to new non-empty values.
type Device struct {
	DeviceID     string
	DeviceName   string
	Platform     string
	BuildVersion string
	Scene        string
	Addr         *net.UDPAddr
	CommandPort  int
	lastSeen     *atomic_clock.Clock
}

// Online is a pure function of lastSeen, the roster never evicts.
func (d *Device) Online(now time.Time, timeout time.Duration) bool {
	return now.UnixNano()-d.lastSeen.UnixNano() <= int64(timeout)
}

func (d *Device) LastSeen() time.Time { return time.Unix(0, d.lastSeen.UnixNano()) }

// CommandAddr is where commands for this device go: the observed source
// address with the advertised command port.
func (d *Device) CommandAddr() *net.UDPAddr {
	if d.Addr == nil || d.CommandPort <= 0 {
		return nil
	}
	return &net.UDPAddr{IP: d.Addr.IP, Port: d.CommandPort}
}

type RosterOptions struct {
	Log *log2.Log

	// Liveness is the online window, default 10s.
	Liveness time.Duration

	// CommandPort substitutes when a record advertises none.
	CommandPort int
}

type Roster struct {
	sync.Mutex
	log     *log2.Log
	opt     RosterOptions
	devices map[string]*Device
	now     func() time.Time
}

func NewRoster(opt RosterOptions) *Roster {
	if opt.Liveness <= 0 {
		opt.Liveness = DefaultLivenessTimeout
	}
	return &Roster{
		log:     opt.Log,
		opt:     opt,
		devices: make(map[string]*Device),
		now:     time.Now,
	}
}

// key prefers the advertised device id, then the observed sender
// address, then a generated placeholder so the sighting still lands.
func (r *Roster) key(rec *wire.Record, from *net.UDPAddr) string {
	if rec.DeviceID != "" {
		return rec.DeviceID
	}
	if from != nil {
		return from.String()
	}
	return "anon-" + uuid.NewString()
}

// Apply merges a sighting into the roster. Identical repeats only
// refresh lastSeen.
func (r *Roster) Apply(rec *wire.Record, from *net.UDPAddr) *Device {
	r.Lock()
	defer r.Unlock()

	k := r.key(rec, from)
	d, ok := r.devices[k]
	if !ok {
		d = &Device{DeviceID: k, lastSeen: atomic_clock.New(0)}
		r.devices[k] = d
		r.log.Infof("roster new device=%s from=%s", k, from)
	}

	if rec.DeviceName != "" {
		d.DeviceName = rec.DeviceName
	}
	if rec.Platform != "" {
		d.Platform = rec.Platform
	}
	if rec.BuildVersion != "" {
		d.BuildVersion = rec.BuildVersion
	}
	if rec.Scene != "" {
		d.Scene = rec.Scene
	}
	if from != nil {
		d.Addr = from
	} else if ip := net.ParseIP(rec.IPv4); ip != nil {
		d.Addr = &net.UDPAddr{IP: ip}
	}
	if rec.CommandPort > 0 {
		d.CommandPort = rec.CommandPort
	} else if d.CommandPort == 0 {
		d.CommandPort = r.opt.CommandPort
	}
	if d.DeviceName == "" {
		d.DeviceName = d.DeviceID
	}
	d.lastSeen.Set(r.now().UnixNano())
	return d
}

func (r *Roster) Get(deviceID string) (*Device, bool) {
	r.Lock()
	defer r.Unlock()
	d, ok := r.devices[deviceID]
	return d, ok
}

func (r *Roster) Len() int {
	r.Lock()
	defer r.Unlock()
	return len(r.devices)
}

// Entry is a point-in-time roster view with liveness computed.
type Entry struct {
	Device
	Online bool
}

func (r *Roster) Snapshot() []Entry {
	r.Lock()
	defer r.Unlock()
	now := r.now()
	out := make([]Entry, 0, len(r.devices))
	for _, d := range r.devices {
		e := Entry{Device: *d, Online: d.Online(now, r.opt.Liveness)}
		// detach from the live clock, later heartbeats must not move a
		// snapshot's LastSeen
		e.lastSeen = atomic_clock.New(d.lastSeen.UnixNano())
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}
