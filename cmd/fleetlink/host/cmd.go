package host

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"

	"github.com/fleetlink/fleetlink/cmd/fleetlink/subcmd"
	"github.com/fleetlink/fleetlink/config"
	"github.com/fleetlink/fleetlink/host"
	"github.com/fleetlink/fleetlink/log2"
)

const modName = "host"

// announceInterval paces unsolicited announcements so idle agents
// resolve without probing.
const announceInterval = 30 * time.Second

var Mod = subcmd.Mod{Name: modName, Main: Main}

// Main runs the headless dashboard daemon.
func Main(cfg *config.Config, log *log2.Log) error {
	h := host.New(cfg, log)
	if err := h.Start(); err != nil {
		return errors.Annotate(err, modName)
	}
	subcmd.SdNotify(daemon.SdNotifyReady)
	log.Infof("%s %s listening on %s", modName, cfg.Host.Name, h.Listener.LocalAddr())

	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
	tick := time.NewTicker(announceInterval)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			if err := h.Announce(); err != nil {
				log.Errorf("announce err=%v", err)
			}
		case sig := <-sigch:
			log.Infof("%s stopping signal=%v", modName, sig)
			h.Stop()
			return nil
		}
	}
}
