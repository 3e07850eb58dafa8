// Package agent is the device side: locate a dashboard host by broadcast
// discovery, keep registration/heartbeat flowing and execute inbound
// commands.
package agent

import (
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"

	"github.com/fleetlink/fleetlink/link"
	"github.com/fleetlink/fleetlink/log2"
	"github.com/fleetlink/fleetlink/wire"
)

type Status int32

const (
	StatusIdle Status = iota
	StatusProbing
	StatusResolved
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusProbing:
		return "probing"
	case StatusResolved:
		return "resolved"
	}
	return "unknown!"
}

const (
	DefaultProbeTimeout  = 2 * time.Second
	DefaultRetryInterval = 10 * time.Second
	DefaultAttempts      = 3
)

type Identity struct {
	DeviceID     string
	DeviceName   string
	Platform     string
	BuildVersion string
	Scene        string
}

type DiscoveryOptions struct {
	Log    *log2.Log
	Enable bool
	Secret string
	Ident  Identity

	// HostPort is where hosts listen for probes, also the port fallback
	// when an announcement carries no usable hostPort.
	HostPort    int
	CommandPort int

	// BroadcastAddr overrides the probe destination, tests point it at
	// loopback. Default is 255.255.255.255:HostPort.
	BroadcastAddr *net.UDPAddr

	Timeout       time.Duration // per attempt
	RetryInterval time.Duration // between cycles
	Attempts      int           // per cycle, not a global cap
}

// Coordinator drives the host discovery handshake: broadcast probe,
// bounded timed attempts per cycle, indefinite cycles until resolved.
// Unsolicited announcements may resolve it at any time, probing or not.
type Coordinator struct { //nolint:maligned
	sync.Mutex
	alive      *alive.Alive
	log        *log2.Log
	opt        DiscoveryOptions
	status     Status
	host       *net.UDPAddr
	registered bool
	onChange   func(*net.UDPAddr)
}

func NewCoordinator(opt DiscoveryOptions) *Coordinator {
	if opt.Timeout == 0 {
		opt.Timeout = DefaultProbeTimeout
	}
	if opt.RetryInterval == 0 {
		opt.RetryInterval = DefaultRetryInterval
	}
	if opt.Attempts == 0 {
		opt.Attempts = DefaultAttempts
	}
	return &Coordinator{
		alive:  alive.NewAlive(),
		log:    opt.Log,
		opt:    opt,
		status: StatusIdle,
	}
}

// SetOnChange registers the endpoint-change hook, fired after the cached
// endpoint was invalidated by an announcement. Set before Run.
func (c *Coordinator) SetOnChange(f func(*net.UDPAddr)) { c.onChange = f }

func (c *Coordinator) Status() Status {
	c.Lock()
	defer c.Unlock()
	return c.status
}

// Host returns the resolved command endpoint, nil while unresolved.
func (c *Coordinator) Host() *net.UDPAddr {
	c.Lock()
	defer c.Unlock()
	return c.host
}

// TakeRegistration returns true exactly once per (re)resolution: the
// caller owes the host a fresh registration.
func (c *Coordinator) TakeRegistration() bool {
	c.Lock()
	defer c.Unlock()
	if c.host == nil || c.registered {
		return false
	}
	c.registered = true
	return true
}

// Seed marks a previously known endpoint resolved without probing, used
// for warm start from the persisted cache. A later announcement with a
// different endpoint overrides it like any other change.
func (c *Coordinator) Seed(addr *net.UDPAddr) {
	if addr == nil {
		return
	}
	c.Lock()
	defer c.Unlock()
	c.host = addr
	c.registered = false
	c.status = StatusResolved
	c.log.Debugf("discovery seed host=%s", addr)
}

// Apply takes a HostAnnouncement, solicited or not. Address falls back to
// the observed sender, port to the configured host port. Endpoint change
// invalidates the cached endpoint and resets the registration flag.
func (c *Coordinator) Apply(ann *wire.Announce, from *net.UDPAddr) {
	addr := ann.HostAddress
	if addr == "" && from != nil {
		addr = from.IP.String()
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		c.log.Errorf("announcement unusable hostAddress=%q from=%s", ann.HostAddress, from)
		return
	}
	port := ann.HostPort
	if port <= 0 {
		port = c.opt.HostPort
	}
	ep := &net.UDPAddr{IP: ip, Port: port}

	var changed bool
	c.Lock()
	changed = c.host == nil || !c.host.IP.Equal(ep.IP) || c.host.Port != ep.Port
	if changed {
		c.host = ep
		c.registered = false
	}
	c.status = StatusResolved
	c.Unlock()

	if changed {
		c.log.Infof("host resolved endpoint=%s name=%s", ep, ann.HostName)
		if c.onChange != nil {
			c.onChange(ep)
		}
	}
}

// Run loops probe cycles until Stop. Does nothing when discovery is
// disabled.
func (c *Coordinator) Run() {
	if !c.opt.Enable {
		return
	}
	if !c.alive.Add(1) {
		return
	}
	defer c.alive.Done()

	for c.alive.IsRunning() {
		if c.Status() == StatusResolved {
			if c.sleep(c.opt.RetryInterval) != nil {
				return
			}
			continue
		}

		c.setStatus(StatusProbing)
		for i := 0; i < c.opt.Attempts && c.alive.IsRunning(); i++ {
			if c.Status() == StatusResolved {
				break
			}
			ann, from, err := c.attempt()
			if err == nil {
				c.Apply(ann, from)
				break
			}
			// timeout is the normal retry trigger, not an error
			c.log.Debugf("discovery attempt=%d/%d err=%v", i+1, c.opt.Attempts, err)
		}

		if c.Status() != StatusResolved {
			c.setStatus(StatusIdle)
			if c.sleep(c.opt.RetryInterval) != nil {
				return
			}
		}
	}
}

func (c *Coordinator) Stop() {
	c.alive.Stop()
	c.alive.Wait()
}

func (c *Coordinator) setStatus(s Status) {
	c.Lock()
	c.status = s
	c.Unlock()
}

func (c *Coordinator) sleep(d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-c.alive.StopChan():
		return link.ErrClosing
	}
}

// attempt sends one probe from a fresh ephemeral socket and waits up to
// the per-attempt timeout for an announcement. The socket dies with the
// attempt so a late reply can never corrupt a later one.
func (c *Coordinator) attempt() (*wire.Announce, *net.UDPAddr, error) {
	sock, err := link.ListenBroadcastUDP(0)
	if err != nil {
		return nil, nil, errors.Annotate(err, "probe socket")
	}
	defer sock.Close()

	probe := wire.Probe{
		DeviceID:     c.opt.Ident.DeviceID,
		DeviceName:   c.opt.Ident.DeviceName,
		Platform:     c.opt.Ident.Platform,
		BuildVersion: c.opt.Ident.BuildVersion,
		Scene:        c.opt.Ident.Scene,
		RequestPort:  sock.LocalAddr().(*net.UDPAddr).Port,
		CommandPort:  c.opt.CommandPort,
	}
	payload, err := wire.EncodePayload(&probe)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	env := wire.NewEnvelope(wire.ActionDiscoverHost, payload)
	env.CmdID = uuid.NewString()
	if c.opt.Secret != "" {
		env.Signature = wire.Sign(c.opt.Secret, env)
	}
	b, err := env.Marshal()
	if err != nil {
		return nil, nil, errors.Trace(err)
	}

	dst := c.opt.BroadcastAddr
	if dst == nil {
		dst = link.BroadcastAddr(c.opt.HostPort)
	}
	if _, err = sock.WriteToUDP(b, dst); err != nil {
		return nil, nil, errors.Annotatef(err, "probe send dst=%s", dst)
	}

	if err = sock.SetReadDeadline(time.Now().Add(c.opt.Timeout)); err != nil {
		return nil, nil, errors.Trace(err)
	}
	buf := make([]byte, 4096)
	for {
		n, from, err := sock.ReadFromUDP(buf)
		if err != nil {
			return nil, nil, errors.Annotate(err, "probe wait")
		}
		reply, err := wire.Parse(buf[:n])
		if err != nil {
			c.log.Debugf("probe reply malformed from=%s err=%v", from, err)
			continue
		}
		if !strings.EqualFold(reply.Action, wire.ActionHostAnnouncement) {
			continue
		}
		if !wire.Verify(c.opt.Secret, reply) {
			c.log.Errorf("probe reply auth failure from=%s", from)
			continue
		}
		ann := new(wire.Announce)
		if err = wire.DecodePayload(reply.Payload, ann); err != nil {
			c.log.Debugf("probe reply payload err=%v", err)
			continue
		}
		return ann, from, nil
	}
}
