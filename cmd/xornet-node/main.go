package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/maidsafe/temp-safe-network-sub015/internal/config"
	"github.com/maidsafe/temp-safe-network-sub015/internal/daemon"
	"github.com/maidsafe/temp-safe-network-sub015/internal/errs"
	"github.com/maidsafe/temp-safe-network-sub015/internal/logging"
	"github.com/maidsafe/temp-safe-network-sub015/internal/node"
	"github.com/maidsafe/temp-safe-network-sub015/internal/pprofutil"
)

var log = logging.MustGetLogger("main")

const (
	exitOK        = 0
	exitConfig    = 1
	exitBootstrap = 2
	exitInternal  = 3
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Getenv, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, env func(string) string, stdout, stderr io.Writer) int {
	cfg, err := config.Parse(args, env)
	var usage config.Usage
	if errors.As(err, &usage) {
		fmt.Fprintln(stdout, usage)
		return exitOK
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitConfig
	}
	closer, err := logging.Setup(logging.Config{Level: env("LOG_LEVEL"), Output: env("LOG_OUTPUT")})
	if err != nil {
		fmt.Fprintf(stderr, "logging: %v\n", err)
		return exitConfig
	}
	defer closer.Close()
	if addr, err := pprofutil.StartFromEnv(env); err != nil {
		log.Warningf("pprof: %v", err)
	} else if addr != "" {
		log.Infof("pprof at %s", addr)
	}

	r, err := daemon.NewRunner(cfg, daemon.Options{})
	if err != nil {
		log.Errorf("starting node: %v", err)
		return exitCode(err)
	}
	log.Infof("node %s listening on %s", r.Node.Name(), r.Addr())
	if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Errorf("node stopped: %v", err)
		return exitCode(err)
	}
	log.Info("node shut down")
	return exitOK
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errs.ErrFatalConfig):
		return exitConfig
	case errors.Is(err, node.ErrBootstrap):
		return exitBootstrap
	default:
		return exitInternal
	}
}
