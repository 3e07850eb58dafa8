package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/juju/errors"
	"github.com/mattn/go-isatty"

	agent_cmd "github.com/fleetlink/fleetlink/cmd/fleetlink/agent"
	console_cmd "github.com/fleetlink/fleetlink/cmd/fleetlink/console"
	host_cmd "github.com/fleetlink/fleetlink/cmd/fleetlink/host"
	"github.com/fleetlink/fleetlink/cmd/fleetlink/subcmd"
	"github.com/fleetlink/fleetlink/config"
	"github.com/fleetlink/fleetlink/log2"
)

var modules = []subcmd.Mod{
	agent_cmd.Mod,
	console_cmd.Mod,
	host_cmd.Mod,
}

var BuildVersion string = "unknown" // set by ldflags -X

func main() {
	flagConfig := flag.String("config", "fleetlink.hcl", "")
	flagVersion := flag.Bool("version", false, "print build version and exit")
	flag.Parse()

	if *flagVersion {
		fmt.Printf("fleetlink %s\n", BuildVersion)
		return
	}

	log := log2.NewStderr(log2.LInfo)
	log.SetFlags(log2.LInteractiveFlags)
	if subcmd.SdNotify("start") {
		// under systemd assume systemd journal logging, remove timestamp
		log.SetFlags(log2.LServiceFlags)
	} else if !isatty.IsTerminal(os.Stderr.Fd()) {
		log.SetFlags(log2.LServiceFlags)
	}

	mod, err := subcmd.Parse(flag.Arg(0), modules)
	if err != nil {
		fmt.Fprintf(os.Stderr, "command line error: %v\nusage: fleetlink [flags] command\ncommands:\n", err)
		for _, m := range modules {
			fmt.Fprintf(os.Stderr, "  %s\n", m.Name)
		}
		os.Exit(1)
	}

	log.SetPrefix(mod.Name + ": ")

	cfg := config.MustReadConfig(log, config.NewOsFullReader(), *flagConfig)
	if cfg.LogDebug {
		log.SetLevel(log2.LDebug)
	}
	if cfg.Ident.BuildVersion == "" {
		cfg.Ident.BuildVersion = BuildVersion
	}
	log.Debugf("config=%+v", cfg)

	if err := mod.Main(cfg, log); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
}
