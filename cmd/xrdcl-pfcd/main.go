// Command xrdcl-pfcd is the caching proxy daemon: it fronts a PostMaster
// with the disk-backed block cache (C12) and the throttle manager (C13),
// blocking on signals for graceful shutdown/reload. Like xrdcl-fetch it is
// a thin wrapper — internal/pfcd carries the implementation — mirroring
// the teacher's cmd/nbackup-server split.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/xrdgo/xrdcl/internal/config"
	"github.com/xrdgo/xrdcl/internal/logging"
	"github.com/xrdgo/xrdcl/internal/pfcd"
)

func main() {
	bootstrapPath := flag.String("config", "/etc/xrdcl/pfcd.yaml", "path to bootstrap config file")
	flag.Parse()

	boot, err := config.LoadBootstrap(*bootstrapPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "xrdcl-pfcd: error loading config: %v\n", err)
		os.Exit(1)
	}

	level := boot.Logging.Level
	if os.Getenv("XRDDEBUG") != "" {
		level = "debug"
	}
	logger, logCloser := logging.NewLogger(level, boot.Logging.Format, boot.Logging.File)
	defer logCloser.Close()
	if instance := os.Getenv("XRDINSTANCE"); instance != "" {
		logger = logger.With("instance", instance)
	}

	if err := pfcd.Run(boot, logger); err != nil {
		logger.Error("daemon error", "error", err)
		os.Exit(1)
	}
}
