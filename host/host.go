package host

import (
	"net"

	"github.com/juju/errors"

	"github.com/fleetlink/fleetlink/config"
	"github.com/fleetlink/fleetlink/helpers"
	"github.com/fleetlink/fleetlink/link"
	"github.com/fleetlink/fleetlink/log2"
	"github.com/fleetlink/fleetlink/wire"
)

// Host answers discovery probes with announcements, folds registrations
// and heartbeats into the roster and sends commands to agents.
type Host struct {
	log      *log2.Log
	cfg      *config.Config
	Listener *link.Listener
	Dispatch *link.Dispatcher
	Roster   *Roster
}

func New(cfg *config.Config, log *log2.Log) *Host {
	h := &Host{
		log: log,
		cfg: cfg,
	}
	h.Listener = link.NewListener(link.ListenerOptions{
		Log:         log,
		Port:        cfg.Discovery.HostPort,
		Secret:      cfg.Listen.Secret,
		StaleWindow: helpers.IntSecondZero(cfg.Listen.StaleSec),
	})
	h.Dispatch = link.NewDispatcher(link.DispatcherOptions{
		Log:   log,
		Ack:   cfg.Listen.Ack,
		Acker: h.Listener,
	})
	h.Roster = NewRoster(RosterOptions{
		Log:         log,
		Liveness:    helpers.IntSecondDefault(cfg.Host.LivenessSec, DefaultLivenessTimeout),
		CommandPort: cfg.Host.CommandPort,
	})
	h.Dispatch.Handle(wire.ActionDiscoverHost, h.onProbe)
	h.Dispatch.Handle(wire.ActionRegisterClient, h.onRecord)
	h.Dispatch.Handle(wire.ActionHeartbeat, h.onRecord)
	return h
}

func (h *Host) Start() error {
	if err := h.Listener.Bind(); err != nil {
		return errors.Annotate(err, "host listen")
	}
	h.log.Infof("host %s listening on %s", h.cfg.Host.Name, h.Listener.LocalAddr())
	go h.Dispatch.Run(h.Listener.Inbox())
	return nil
}

func (h *Host) Stop() {
	h.Dispatch.Stop()
	_ = h.Listener.Close()
}

// onProbe answers with an announcement and records the probing device.
// The reply goes to the probe's ephemeral requestPort, not the command
// port, so it reaches the socket still waiting on the attempt.
func (h *Host) onProbe(env *wire.Envelope, from *net.UDPAddr) {
	probe := new(wire.Probe)
	if err := wire.DecodePayload(env.Payload, probe); err != nil {
		h.log.Debugf("probe payload from=%s err=%v", from, err)
		return
	}
	h.Roster.Apply(&wire.Record{
		DeviceID:     probe.DeviceID,
		DeviceName:   probe.DeviceName,
		Platform:     probe.Platform,
		BuildVersion: probe.BuildVersion,
		Scene:        probe.Scene,
		CommandPort:  probe.CommandPort,
	}, from)

	to := &net.UDPAddr{IP: from.IP, Port: probe.RequestPort}
	if to.Port <= 0 {
		to.Port = from.Port
	}
	if err := h.Listener.Send(h.announcement(), to); err != nil {
		h.log.Errorf("announce reply to=%s err=%v", to, err)
	}
}

func (h *Host) onRecord(env *wire.Envelope, from *net.UDPAddr) {
	rec := new(wire.Record)
	if err := wire.DecodePayload(env.Payload, rec); err != nil {
		h.log.Debugf("record payload from=%s err=%v", from, err)
		return
	}
	if rec.IPv4 == "" && from != nil {
		rec.IPv4 = from.IP.String()
	}
	h.Roster.Apply(rec, from)
}

func (h *Host) announcement() *wire.Envelope {
	payload, err := wire.EncodePayload(&wire.Announce{
		HostName:    h.cfg.Host.Name,
		HostAddress: h.cfg.Host.Address,
		HostPort:    h.cfg.Discovery.HostPort,
		CommandPort: h.cfg.Host.CommandPort,
	})
	if err != nil {
		// static payload, cannot fail at runtime
		h.log.Errorf("announce payload err=%v", err)
	}
	return wire.NewEnvelope(wire.ActionHostAnnouncement, payload)
}

// Announce broadcasts an unsolicited announcement to the agents'
// command port, resolving idle coordinators without a probe.
func (h *Host) Announce() error {
	to := link.BroadcastAddr(h.cfg.Host.CommandPort)
	return errors.Annotatef(h.Listener.Send(h.announcement(), to), "announce to=%s", to)
}

// Send signs and transmits one envelope to a roster device.
func (h *Host) Send(deviceID string, env *wire.Envelope) error {
	d, ok := h.Roster.Get(deviceID)
	if !ok {
		return errors.NotFoundf("device %s", deviceID)
	}
	to := d.CommandAddr()
	if to == nil {
		return errors.Errorf("device %s has no command address", deviceID)
	}
	return errors.Annotatef(h.Listener.Send(env, to), "send device=%s to=%s", deviceID, to)
}

// SendAll fans one command out to the whole roster, online devices
// first-class, offline ones simply likely to fail or vanish.
func (h *Host) SendAll(env *wire.Envelope) link.Report {
	snapshot := h.Roster.Snapshot()
	targets := make([]link.Target, 0, len(snapshot))
	for i := range snapshot {
		targets = append(targets, link.Target{
			Key:  snapshot[i].DeviceID,
			Addr: snapshot[i].CommandAddr(),
		})
	}
	return link.MultiSend(h.Listener, env, targets, h.log)
}
