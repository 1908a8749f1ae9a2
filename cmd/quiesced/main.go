package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	sdnotify "github.com/coreos/go-systemd/v22/daemon"

	"quiesce/internal/app"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./quiesce.yaml", "path to config file")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	if err := a.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		os.Exit(1)
	}
	// Best-effort: no-op outside a systemd unit.
	_, _ = sdnotify.SdNotify(false, sdnotify.SdNotifyReady)

	reason := app.StopAppStop
	select {
	case sig := <-sigCh:
		switch sig {
		case syscall.SIGTERM:
			reason = app.StopSIGTERM
		default:
			reason = app.StopSIGINT
		}
	case <-a.Done():
		if a.Err() != nil {
			reason = app.StopFatalError
		}
	}

	_, _ = sdnotify.SdNotify(false, sdnotify.SdNotifyStopping)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)

	if a.Err() != nil {
		fmt.Println("fatal:", a.Err())
		os.Exit(1)
	}
}
