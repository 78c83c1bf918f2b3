package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/danmuck/buildrmi/internal/daemon"
	"github.com/danmuck/buildrmi/internal/logging"
	"github.com/danmuck/buildrmi/internal/rmi"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "", "path to rmid config.toml")
	listen := flag.String("listen", "", "override listen_addr")
	root := flag.String("root", "", "override the daemon root")
	flag.Parse()

	logging.ConfigureRuntime()

	cfg := daemon.DefaultConfig()
	if *configPath != "" {
		loaded, err := loadDaemonConfig(*configPath)
		if err != nil {
			fail(err)
		}
		cfg = loaded
	}
	if err := applyEnvOverrides(&cfg); err != nil {
		fail(err)
	}
	if *listen != "" {
		cfg.ListenAddr = *listen
	}
	if *root != "" {
		cfg.Root = *root
	}

	srv, err := daemon.NewServer(cfg, rmi.WithLogger(log.Logger))
	if err != nil {
		fail(err)
	}
	if err := srv.Run(context.Background()); err != nil {
		fail(err)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "rmid: %v\n", err)
	os.Exit(1)
}
