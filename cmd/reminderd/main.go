package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"reminderd/internal/app"
)

func main() {
	var (
		cfgPath    string
		once       bool
		importPath string
	)
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config json or yaml")
	flag.BoolVar(&once, "once", false, "run the scheduler once, print stats as JSON and exit")
	flag.StringVar(&importPath, "import", "", "create items from a JSON or YAML file and exit")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	if importPath != "" || once {
		code := 0
		if importPath != "" {
			n, err := a.Import(ctx, importPath)
			fmt.Fprintf(os.Stderr, "imported %d item(s)\n", n)
			if err != nil {
				fmt.Fprintln(os.Stderr, "import:", err)
				code = 1
			}
		}
		if once && code == 0 {
			stats := a.RunOnce(ctx)
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			_ = enc.Encode(stats)
			if stats.Errors > 0 || stats.Skipped != "" {
				code = 2
			}
		}
		_ = a.Stop(context.Background(), app.StopOnce)
		os.Exit(code)
	}

	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}

	select {
	case <-ctx.Done():
	case <-a.Done():
	}
	reason := app.StopSignal
	if ctx.Err() == nil {
		reason = app.StopFatalError
	}
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if err := a.Err(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
