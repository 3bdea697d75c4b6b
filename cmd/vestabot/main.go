package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata"

	"vestabot/internal/app"
	"vestabot/internal/config"
	"vestabot/internal/content"
	"vestabot/internal/dispatch"
	logx "vestabot/pkg/logx"
)

const helloText = "Hello from Vestaboard Local!"

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `usage: vestabot [-config path] [command]

commands:
  serve         run the scheduler and the HTTP API (default)
  test          check the board is reachable
  send <text>   put text on the board
  hello         send a test message
  clear         blank the board
`)
	flag.PrintDefaults()
}

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to config file (yaml or json); empty means defaults plus environment")
	flag.Usage = usage
	flag.Parse()

	boot := logx.NewConsole("info")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cmd, args := "serve", flag.Args()
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "serve":
		err = serve(ctx, cfgPath)
	case "test":
		err = probe(ctx, cfgPath)
	case "send":
		if len(args) == 0 {
			fmt.Fprintln(os.Stderr, "usage: vestabot send 'Your message here'")
			os.Exit(2)
		}
		err = oneShot(ctx, cfgPath, content.KindText, strings.Join(args, " "))
	case "hello":
		err = oneShot(ctx, cfgPath, content.KindText, helloText)
	case "clear":
		err = oneShot(ctx, cfgPath, content.KindClear, "")
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		usage()
		os.Exit(2)
	}
	if err != nil {
		boot.Error("fatal", logx.String("cmd", cmd), logx.Err(err))
		os.Exit(1)
	}
}

func newApp(cfgPath string) (*app.App, error) {
	cfgm := config.NewManager(cfgPath)
	if _, err := cfgm.Load(); err != nil {
		return nil, err
	}
	return app.New(cfgm)
}

func serve(ctx context.Context, cfgPath string) error {
	a, err := newApp(cfgPath)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		if a.Err() != nil {
			reason = app.StopFatalError
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	_ = a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}

func probe(ctx context.Context, cfgPath string) error {
	a, err := newApp(cfgPath)
	if err != nil {
		return err
	}
	defer func() { _ = a.Stop(context.Background(), app.StopCommand) }()

	pctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := a.Device().Probe(pctx); err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	c := a.Device().Capability()
	a.Logger().Info("connection successful", logx.String("model", c.Model), logx.Int("rows", c.Rows), logx.Int("cols", c.Cols))
	return nil
}

// oneShot runs a single job through the dispatch pipeline without the
// scheduler or the HTTP surface.
func oneShot(ctx context.Context, cfgPath string, kind content.Kind, spec string) error {
	a, err := newApp(cfgPath)
	if err != nil {
		return err
	}
	defer func() { _ = a.Stop(context.Background(), app.StopCommand) }()

	if err := a.StartDispatch(ctx); err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	out, err := a.Dispatch().SubmitWait(wctx, dispatch.Job{Source: dispatch.SourceManual, Kind: kind, Spec: spec})
	if err != nil {
		return err
	}
	if out.Status != dispatch.StatusSent {
		if out.Error == "" {
			return errors.New(string(out.Status))
		}
		return errors.New(out.Error)
	}
	a.Logger().Info("message sent", logx.String("job", out.Job.ID), logx.String("kind", string(kind)))
	return nil
}
