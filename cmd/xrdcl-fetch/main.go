// Command xrdcl-fetch is a thin CLI over internal/fetchclient: it opens a
// PostMaster, resolves a root:// URL through the File State Handler, and
// streams the bytes to stdout or a named output file, mirroring the split
// the teacher keeps between cmd/nbackup-agent and internal/agent.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/xrdgo/xrdcl/internal/fetchclient"
	"github.com/xrdgo/xrdcl/internal/logging"
)

func main() {
	out := flag.String("out", "-", "output file path, or - for stdout")
	logLevel := flag.String("log-level", "info", "log level (debug|info|warn|error)")
	logFormat := flag.String("log-format", "text", "log format (text|json)")
	progress := flag.Bool("progress", false, "show a progress bar on stderr")
	timeout := flag.Duration("timeout", 60*time.Second, "per-request expiry")
	tlsCert := flag.String("tls-cert", "", "client certificate for a roots:// URL")
	tlsKey := flag.String("tls-key", "", "client private key for a roots:// URL")
	tlsCACert := flag.String("tls-ca-cert", "", "CA certificate that signs the server for a roots:// URL")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: xrdcl-fetch [flags] root://host[:port]/path")
		os.Exit(2)
	}
	url := flag.Arg(0)

	level := *logLevel
	if os.Getenv("XRDDEBUG") != "" {
		level = "debug"
	}
	logger, logCloser := logging.NewLogger(level, *logFormat, "")
	defer logCloser.Close()
	if instance := os.Getenv("XRDINSTANCE"); instance != "" {
		logger = logger.With("instance", instance)
	}

	w := os.Stdout
	if *out != "-" {
		f, err := os.Create(*out)
		if err != nil {
			fmt.Fprintf(os.Stderr, "xrdcl-fetch: creating output file: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		w = f
	}

	n, err := fetchclient.Fetch(context.Background(), url, w, logger, fetchclient.Options{
		ReadTimeout:  *timeout,
		ShowProgress: *progress,
		TLSCert:      *tlsCert,
		TLSKey:       *tlsKey,
		TLSCACert:    *tlsCACert,
	})
	if err != nil {
		logger.Error("fetch failed", "url", url, "error", err)
		os.Exit(1)
	}
	logger.Debug("done", "bytes", n)
}
