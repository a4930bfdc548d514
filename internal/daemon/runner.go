// Package daemon wires a node to its QUIC endpoint, metrics server and
// snapshot writer, and runs them together.
package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/maidsafe/temp-safe-network-sub015/internal/config"
	"github.com/maidsafe/temp-safe-network-sub015/internal/errs"
	"github.com/maidsafe/temp-safe-network-sub015/internal/logging"
	"github.com/maidsafe/temp-safe-network-sub015/internal/metrics"
	"github.com/maidsafe/temp-safe-network-sub015/internal/network"
	"github.com/maidsafe/temp-safe-network-sub015/internal/node"
)

var log = logging.MustGetLogger("daemon")

const (
	// SnapshotFile is the metrics snapshot written under the root dir.
	SnapshotFile            = "metrics.json"
	DefaultSnapshotInterval = 10 * time.Second
)

type Options struct {
	Metrics          *metrics.Metrics
	SnapshotInterval time.Duration
	Clock            clock.WithTicker
	// Ready, when set, receives the bound address once the node has
	// started or joined its section.
	Ready chan<- string
}

type Runner struct {
	Root    string
	Node    *node.Node
	Metrics *metrics.Metrics

	cfg      config.Config
	opts     Options
	snapPath string
}

func NewRunner(cfg config.Config, opts Options) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Root, 0700); err != nil {
		return nil, fmt.Errorf("%w: root dir: %v", errs.ErrFatalConfig, err)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.SnapshotInterval <= 0 {
		opts.SnapshotInterval = DefaultSnapshotInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	r := &Runner{
		Root:     cfg.Root,
		Metrics:  opts.Metrics,
		cfg:      cfg,
		opts:     opts,
		snapPath: filepath.Join(cfg.Root, SnapshotFile),
	}
	ncfg := node.Config{
		Root:          cfg.Root,
		Genesis:       cfg.Genesis,
		Contacts:      cfg.Contacts,
		ElderCount:    cfg.ElderCount,
		DataCopyCount: cfg.DataCopyCount,
		MaxCapacity:   cfg.MaxCapacity,
		Clock:         opts.Clock,
		Metrics:       opts.Metrics,
	}
	keys, err := node.LoadKeys(ncfg)
	if err != nil {
		return nil, fmt.Errorf("loading node keys: %w", err)
	}
	ncfg.Keypair = &keys
	ncfg.Listen = func(h network.Handler) (network.Endpoint, error) {
		ep, err := network.ListenQUIC(network.QUICConfig{
			ListenAddr: cfg.Listen,
			Identity:   keys.Private,
			Handler:    h,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: listen on %s: %v", errs.ErrFatalConfig, cfg.Listen, err)
		}
		return ep, nil
	}
	if r.Node, err = node.New(ncfg); err != nil {
		return nil, err
	}
	return r, nil
}

// Addr is the bound UDP address.
func (r *Runner) Addr() string { return r.Node.Addr() }

// Run serves until ctx is done or a component fails. The node's error,
// if any, is the one returned.
func (r *Runner) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.Node.Run(gctx)
	})
	g.Go(func() error {
		select {
		case <-r.Node.Joined():
			log.Infof("node %s ready at %s", r.Node.Name(), r.Addr())
			if r.opts.Ready != nil {
				select {
				case r.opts.Ready <- r.Addr():
				case <-gctx.Done():
				}
			}
		case <-gctx.Done():
		}
		return nil
	})
	if r.cfg.MetricsAddr != "" {
		g.Go(func() error {
			log.Infof("serving metrics on %s", r.cfg.MetricsAddr)
			return r.Metrics.Serve(gctx, r.cfg.MetricsAddr)
		})
	}
	g.Go(func() error {
		r.snapshotLoop(gctx)
		return nil
	})
	err := g.Wait()
	if werr := r.Metrics.WriteSnapshot(r.snapPath); werr != nil {
		log.Warningf("writing metrics snapshot: %v", werr)
	}
	return err
}

func (r *Runner) snapshotLoop(ctx context.Context) {
	ticker := r.opts.Clock.NewTicker(r.opts.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if err := r.Metrics.WriteSnapshot(r.snapPath); err != nil {
				log.Debugf("writing metrics snapshot: %v", err)
			}
		}
	}
}
