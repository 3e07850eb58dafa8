// Interactive dashboard console on top of the host service.
package console

import (
	"fmt"
	"strings"

	"github.com/c-bata/go-prompt"
	"github.com/google/uuid"
	"github.com/juju/errors"

	"github.com/fleetlink/fleetlink/cmd/fleetlink/subcmd"
	"github.com/fleetlink/fleetlink/config"
	"github.com/fleetlink/fleetlink/helpers/cli"
	"github.com/fleetlink/fleetlink/host"
	"github.com/fleetlink/fleetlink/log2"
	"github.com/fleetlink/fleetlink/wire"
)

const modName = "console"

var Mod = subcmd.Mod{Name: modName, Main: Main}

const usage = `commands:
  help
  roster                          list known devices with liveness
  send <deviceId|all> <action> [payload]
  announce                        broadcast an unsolicited announcement
  stat                            listener counters
`

func Main(cfg *config.Config, log *log2.Log) error {
	h := host.New(cfg, log)
	if err := h.Start(); err != nil {
		return errors.Annotate(err, modName)
	}
	defer h.Stop()
	log.Infof("%s on %s, type help", modName, h.Listener.LocalAddr())

	cli.MainLoop(modName, newExecutor(h, log), newCompleter(h))
	return nil
}

func newExecutor(h *host.Host, log *log2.Log) func(string) {
	return func(line string) {
		words := strings.Fields(line)
		if len(words) == 0 {
			return
		}
		switch words[0] {
		case "help":
			fmt.Print(usage)

		case "roster":
			snap := h.Roster.Snapshot()
			if len(snap) == 0 {
				fmt.Println("roster empty")
				return
			}
			for _, e := range snap {
				state := "offline"
				if e.Online {
					state = "online"
				}
				fmt.Printf("%-20s %-8s %-12s last-seen=%s addr=%s\n",
					e.DeviceID, state, e.Platform,
					e.LastSeen().Format("15:04:05"), e.CommandAddr())
			}

		case "send":
			if len(words) < 3 {
				fmt.Println("usage: send <deviceId|all> <action> [payload]")
				return
			}
			payload := strings.Join(words[3:], " ")
			env := wire.NewEnvelope(words[2], payload)
			env.CmdID = uuid.NewString()
			if words[1] == "all" {
				report := h.SendAll(env)
				fmt.Println(report.String())
				return
			}
			if err := h.Send(words[1], env); err != nil {
				fmt.Printf("send error: %v\n", err)
				return
			}
			fmt.Printf("sent cmdId=%s\n", env.CmdID)

		case "announce":
			if err := h.Announce(); err != nil {
				fmt.Printf("announce error: %v\n", err)
			}

		case "stat":
			fmt.Println(h.Listener.Stat().String())

		default:
			log.Errorf("unknown command=%q, try help", words[0])
		}
	}
}

func newCompleter(h *host.Host) func(prompt.Document) []prompt.Suggest {
	commands := []prompt.Suggest{
		{Text: "help"},
		{Text: "roster", Description: "list known devices"},
		{Text: "send", Description: "send <deviceId|all> <action> [payload]"},
		{Text: "announce", Description: "broadcast announcement"},
		{Text: "stat", Description: "listener counters"},
	}
	return func(d prompt.Document) []prompt.Suggest {
		words := strings.Fields(d.TextBeforeCursor())
		if len(words) > 1 || (len(words) == 1 && d.GetWordBeforeCursor() == "") {
			if words[0] != "send" {
				return nil
			}
			suggests := []prompt.Suggest{{Text: "all", Description: "whole roster"}}
			for _, e := range h.Roster.Snapshot() {
				suggests = append(suggests, prompt.Suggest{Text: e.DeviceID, Description: e.DeviceName})
			}
			return prompt.FilterHasPrefix(suggests, d.GetWordBeforeCursor(), true)
		}
		return prompt.FilterHasPrefix(commands, d.GetWordBeforeCursor(), true)
	}
}
