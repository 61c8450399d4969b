package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/pflag"

	"tasksched/internal/app"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flagSet := pflag.NewFlagSet("schedd", pflag.ContinueOnError)
	var (
		cfgPath     string
		nodeID      string
		stopTimeout time.Duration
	)
	flagSet.StringVarP(&cfgPath, "config", "c", "./config.json", "path to config file (.json, .jsonc, .yaml)")
	flagSet.StringVar(&nodeID, "node-id", "", "lease owner id (default: scheduler.node_id or a random uuid)")
	flagSet.DurationVar(&stopTimeout, "stop-timeout", 10*time.Second, "upper bound for graceful shutdown")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, "schedd:", err)
		return 2
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	a, err := app.New(cfgPath, app.Options{NodeID: nodeID})
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		return 1
	}
	if err := a.Start(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		_ = a.Stop(context.Background(), app.StopFatalError)
		return 1
	}
	notify(a, daemon.SdNotifyReady)

	var reason app.StopReason
	select {
	case sig := <-sigCh:
		reason = app.StopSIGTERM
		if sig == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
	}
	notify(a, daemon.SdNotifyStopping)

	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	_ = a.Stop(ctx, reason)
	if reason == app.StopFatalError {
		if err := a.Err(); err != nil {
			fmt.Fprintln(os.Stderr, "fatal:", err)
		}
		return 1
	}
	return 0
}

// notify is a no-op outside systemd.
func notify(a *app.App, state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		a.Logger().Debug("sd_notify failed: " + err.Error())
	}
}
