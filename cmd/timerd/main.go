package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"timerd/internal/app"
	"timerd/internal/config"
	logx "timerd/pkg/logx"
	"timerd/pkg/systemd"
)

func main() {
	var cfgPath, env string
	flag.StringVar(&cfgPath, "config", "", "path to config file (yaml or json)")
	flag.StringVar(&env, "env", os.Getenv(config.EnvVar), "environment name; selects <env>-config.yaml")
	flag.Parse()

	path := config.ResolvePath(cfgPath, env)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	log := logx.NewConsole("INFO").With(logx.String("comp", "main"))

	a, err := app.NewApp(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}

	if _, err := systemd.Ready(); err != nil {
		log.Warn("systemd notify failed", logx.Err(err))
	}
	go func() { _ = systemd.Watchdog(ctx, log) }()

	reason := app.StopUnknown
	select {
	case sig := <-sigCh:
		reason = app.StopSIGTERM
		if sig == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
		if err := a.Err(); err != nil {
			fmt.Fprintln(os.Stderr, "fatal:", err)
		}
	}

	_, _ = systemd.Stopping()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
}
