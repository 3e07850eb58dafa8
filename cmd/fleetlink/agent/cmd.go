package agent

import (
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"

	"github.com/fleetlink/fleetlink/agent"
	"github.com/fleetlink/fleetlink/cmd/fleetlink/subcmd"
	"github.com/fleetlink/fleetlink/config"
	"github.com/fleetlink/fleetlink/link"
	"github.com/fleetlink/fleetlink/log2"
	"github.com/fleetlink/fleetlink/wire"
)

const modName = "agent"

var Mod = subcmd.Mod{Name: modName, Main: Main}

// Main runs the device daemon: command listener, discovery, heartbeat.
func Main(cfg *config.Config, log *log2.Log) error {
	a := agent.New(cfg, log)
	a.Handle("Ping", pingHandler(a, log))
	if err := a.Start(); err != nil {
		return errors.Annotate(err, modName)
	}
	subcmd.SdNotify(daemon.SdNotifyReady)
	log.Infof("%s running device=%s listen=%s", modName, cfg.Ident.DeviceID, a.Listener.LocalAddr())

	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigch
	log.Infof("%s stopping signal=%v", modName, sig)
	a.Stop()
	return nil
}

func pingHandler(a *agent.Agent, log *log2.Log) link.HandlerFunc {
	return func(env *wire.Envelope, from *net.UDPAddr) {
		reply := wire.NewEnvelope("Pong", env.Payload)
		if err := a.Listener.Send(reply, from); err != nil {
			log.Errorf("pong to=%s err=%v", from, err)
		}
	}
}
