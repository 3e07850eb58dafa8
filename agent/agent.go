package agent

import (
	"net"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"

	"github.com/fleetlink/fleetlink/config"
	"github.com/fleetlink/fleetlink/helpers"
	"github.com/fleetlink/fleetlink/link"
	"github.com/fleetlink/fleetlink/log2"
	"github.com/fleetlink/fleetlink/persist"
	"github.com/fleetlink/fleetlink/wire"
)

const DefaultHeartbeat = 30 * time.Second

// Agent wires the command listener, dispatcher, discovery coordinator
// and heartbeat loop into one service.
type Agent struct {
	alive    *alive.Alive
	log      *log2.Log
	cfg      *config.Config
	Listener *link.Listener
	Dispatch *link.Dispatcher
	Coord    *Coordinator
	persist  persist.Persist
	cache    hostCache
	kick     chan struct{}
}

func New(cfg *config.Config, log *log2.Log) *Agent {
	a := &Agent{
		alive: alive.NewAlive(),
		log:   log,
		cfg:   cfg,
		kick:  make(chan struct{}, 1),
	}
	a.Listener = link.NewListener(link.ListenerOptions{
		Log:         log,
		Port:        cfg.Listen.Port,
		Secret:      cfg.Listen.Secret,
		StaleWindow: helpers.IntSecondZero(cfg.Listen.StaleSec),
	})
	a.Dispatch = link.NewDispatcher(link.DispatcherOptions{
		Log:   log,
		Ack:   cfg.Listen.Ack,
		Acker: a.Listener,
	})
	a.Coord = NewCoordinator(DiscoveryOptions{
		Log:           log,
		Enable:        cfg.Discovery.Enable,
		Secret:        cfg.Listen.Secret,
		Ident:         a.ident(),
		HostPort:      cfg.Discovery.HostPort,
		CommandPort:   cfg.Listen.Port,
		Timeout:       helpers.IntSecondZero(cfg.Discovery.TimeoutSec),
		RetryInterval: helpers.IntSecondZero(cfg.Discovery.RetrySec),
		Attempts:      cfg.Discovery.Attempts,
	})
	a.Coord.SetOnChange(a.onHostChange)
	a.Dispatch.Handle(wire.ActionHostAnnouncement, a.onAnnouncement)
	return a
}

func (a *Agent) ident() Identity {
	return Identity{
		DeviceID:     a.cfg.Ident.DeviceID,
		DeviceName:   a.cfg.Ident.DeviceName,
		Platform:     a.cfg.Ident.Platform,
		BuildVersion: a.cfg.Ident.BuildVersion,
		Scene:        a.cfg.Ident.Scene,
	}
}

// Handle exposes command registration to the application.
func (a *Agent) Handle(action string, f link.HandlerFunc) { a.Dispatch.Handle(action, f) }

func (a *Agent) Start() error {
	if err := a.persist.Init("agent", &a.cache, a.cfg.Persist.Root, a.log); err != nil {
		return errors.Annotate(err, "agent persist")
	}
	if err := a.persist.Load(); err != nil {
		a.log.Errorf("agent persist load err=%v", err)
	} else {
		a.Coord.Seed(a.cache.Addr())
	}
	if err := a.Listener.Bind(); err != nil {
		return errors.Annotate(err, "agent listen")
	}
	a.log.Infof("agent listening on %s device=%s", a.Listener.LocalAddr(), a.cfg.Ident.DeviceID)

	a.alive.Add(3)
	go func() {
		defer a.alive.Done()
		a.Dispatch.Run(a.Listener.Inbox())
	}()
	go func() {
		defer a.alive.Done()
		a.Coord.Run()
	}()
	go func() {
		defer a.alive.Done()
		a.heartbeatLoop()
	}()
	return nil
}

func (a *Agent) Stop() {
	a.alive.Stop()
	a.Coord.Stop()
	a.Dispatch.Stop()
	_ = a.Listener.Close()
	a.alive.Wait()
}

func (a *Agent) onAnnouncement(env *wire.Envelope, from *net.UDPAddr) {
	ann := new(wire.Announce)
	if err := wire.DecodePayload(env.Payload, ann); err != nil {
		a.log.Debugf("announcement payload err=%v", err)
		return
	}
	a.Coord.Apply(ann, from)
}

func (a *Agent) onHostChange(ep *net.UDPAddr) {
	a.cache.SetAddr(ep)
	if err := a.persist.Store(); err != nil {
		a.log.Errorf("agent persist store err=%v", err)
	}
	// wake the heartbeat loop so registration goes out now
	select {
	case a.kick <- struct{}{}:
	default:
	}
}

func (a *Agent) heartbeatLoop() {
	interval := helpers.IntSecondDefault(a.cfg.HeartbeatSec, DefaultHeartbeat)
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
		case <-a.kick:
		case <-a.alive.StopChan():
			return
		}
		a.beat()
	}
}

// beat sends RegisterClient once after each (re)resolution, Heartbeat
// otherwise. No host yet means nothing to do.
func (a *Agent) beat() {
	host := a.Coord.Host()
	if host == nil {
		return
	}
	action := wire.ActionHeartbeat
	if a.Coord.TakeRegistration() {
		action = wire.ActionRegisterClient
	}
	rec := wire.Record{
		DeviceID:     a.cfg.Ident.DeviceID,
		DeviceName:   a.cfg.Ident.DeviceName,
		Platform:     a.cfg.Ident.Platform,
		BuildVersion: a.cfg.Ident.BuildVersion,
		Scene:        a.cfg.Ident.Scene,
		CommandPort:  a.cfg.Listen.Port,
	}
	payload, err := wire.EncodePayload(&rec)
	if err != nil {
		a.log.Errorf("heartbeat payload err=%v", err)
		return
	}
	env := wire.NewEnvelope(action, payload)
	if err := a.Listener.Send(env, host); err != nil {
		a.log.Errorf("heartbeat send host=%s err=%v", host, err)
	} else {
		a.log.Debugf("sent %s host=%s", action, host)
	}
}
