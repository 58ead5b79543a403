// Command nuefsd is the overlay filesystem daemon: it owns mount sessions
// and answers control-plane requests over a Unix socket (spec §1, §6). It
// is deliberately thin; the real logic lives in internal/daemon.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nuefs/nuefsd/internal/daemon"
	"github.com/nuefs/nuefsd/internal/nuefsconf"
)

func main() {
	var logPath string

	root := &cobra.Command{
		Use:          "nuefsd",
		Short:        "Overlay filesystem daemon",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(logPath)
		},
	}
	root.Flags().StringVar(&logPath, "log", nuefsconf.LogPath(), "path to the daemon log file")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(daemon.ExitUsage)
	}
}

func run(logPath string) error {
	d, err := daemon.New(logPath, uint64(time.Now().Unix()))
	if err != nil {
		fmt.Fprintln(os.Stderr, "nuefsd: startup failed:", err)
		os.Exit(daemon.ExitStartupFail)
	}

	stop := make(chan struct{})
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		close(stop)
	}()

	os.Exit(d.Run(stop))
	return nil
}
