package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/juju/errors"
	"github.com/mattn/go-isatty"
	"github.com/temoto/meterhub/cmd/meterhub/envelope"
	"github.com/temoto/meterhub/cmd/meterhub/fwinfo"
	"github.com/temoto/meterhub/cmd/meterhub/serve"
	"github.com/temoto/meterhub/cmd/meterhub/subcmd"
	"github.com/temoto/meterhub/internal/config"
	"github.com/temoto/meterhub/log2"
)

var BuildVersion string = "unknown" // set by ldflags -X

var log = log2.NewStderr(log2.LDebug)

var modules = []subcmd.Mod{
	serve.Mod,
	fwinfo.Mod,
	envelope.Mod,
}

func main() {
	flagConfig := flag.String("config", "meterhub.hcl", "")
	flagVersion := flag.Bool("version", false, "print build version and exit")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [option] [command] [args]\nOptions:\n", os.Args[0])
		flag.PrintDefaults()
		fmt.Fprintf(flag.CommandLine.Output(), "Commands: serve (default), firmware-info FILE..., envelope [HEX...]\n")
	}
	flag.Parse()
	if *flagVersion {
		fmt.Printf("meterhub %s\n", BuildVersion)
		return
	}

	command := "serve"
	args := flag.Args()
	if len(args) != 0 {
		command, args = args[0], args[1:]
	}
	mod, err := subcmd.Parse(command, modules)
	if err != nil {
		log.Fatal(err)
	}

	if subcmd.SdNotify("start") {
		// under systemd assume journal logging, remove timestamp
		log.SetFlags(log2.LServiceFlags)
	} else if isatty.IsTerminal(os.Stderr.Fd()) {
		log.SetFlags(log2.LInteractiveFlags)
	}

	var cfg *config.Config
	if _, statErr := os.Stat(*flagConfig); mod.NoConfig && os.IsNotExist(statErr) {
		cfg = &config.Config{}
	} else {
		cfg = config.MustRead(log, config.NewOsFullReader(), *flagConfig)
	}
	if !cfg.LogDebug {
		log.SetLevel(log2.LInfo)
	}
	log.Infof("meterhub version=%s command=%s", BuildVersion, mod.Name)

	ctx := log2.ContextWithLogger(context.Background(), log)
	if err := mod.Main(ctx, cfg, args); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
}
