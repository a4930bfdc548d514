package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/maidsafe/temp-safe-network-sub015/internal/client"
	"github.com/maidsafe/temp-safe-network-sub015/internal/config"
	"github.com/maidsafe/temp-safe-network-sub015/internal/crypto"
	"github.com/maidsafe/temp-safe-network-sub015/internal/errs"
	"github.com/maidsafe/temp-safe-network-sub015/internal/network"
	"github.com/maidsafe/temp-safe-network-sub015/internal/node"
	"github.com/maidsafe/temp-safe-network-sub015/internal/register"
	"github.com/maidsafe/temp-safe-network-sub015/internal/sectiontree"
	"github.com/maidsafe/temp-safe-network-sub015/internal/xorname"
)

func genesisConfig(root string) config.Config {
	return config.Config{
		Genesis:       true,
		Root:          root,
		Listen:        "127.0.0.1:0",
		DataCopyCount: 4,
		MaxCapacity:   1 << 20,
	}
}

// start runs r in the background and waits until it is ready.
func start(t *testing.T, cfg config.Config) (*Runner, context.CancelFunc, <-chan error) {
	t.Helper()
	ready := make(chan string, 1)
	r, err := NewRunner(cfg, Options{Ready: ready, SnapshotInterval: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("new runner failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	select {
	case <-ready:
	case err := <-done:
		cancel()
		t.Fatalf("runner stopped early: %v", err)
	case <-time.After(10 * time.Second):
		cancel()
		t.Fatalf("runner not ready")
	}
	return r, cancel, done
}

func stop(t *testing.T, cancel context.CancelFunc, done <-chan error) {
	t.Helper()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run failed: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("runner did not stop")
	}
}

func TestRunnerServesClientsOverQUIC(t *testing.T) {
	root := t.TempDir()
	r, cancel, done := start(t, genesisConfig(root))
	defer cancel()

	kp, err := crypto.GenKeypair()
	if err != nil {
		t.Fatalf("keypair failed: %v", err)
	}
	ctx, cancelCtx := context.WithTimeout(context.Background(), time.Minute)
	defer cancelCtx()
	cl, err := client.Connect(ctx, client.Config{
		Contacts: []string{r.Addr()},
		Keypair:  &kp,
		Listen: func(h network.Handler) (network.Endpoint, error) {
			return network.ListenQUIC(network.QUICConfig{ListenAddr: "127.0.0.1:0", Identity: kp.Private, Handler: h})
		},
		DataCopyCount: 1,
		QueryTimeout:  20 * time.Second,
	})
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	// a lone genesis node has no adults to hold data, and says so
	_, err = cl.RegisterCreate(ctx, xorname.Random(), 1, false, cl.OwnerPolicy())
	if !errors.Is(err, errs.ErrInsufficientAdults) {
		t.Fatalf("register create: expected insufficient adults, got %v", err)
	}
	_, err = cl.RegisterRead(ctx, register.Address{Name: xorname.Random(), Tag: 1}, nil)
	if !errors.Is(err, errs.ErrInsufficientAdults) {
		t.Fatalf("register read: expected insufficient adults, got %v", err)
	}
	_ = cl.Close()

	stop(t, cancel, done)
	for _, name := range []string{SnapshotFile, sectiontree.FileName, node.KeysDir} {
		if _, err := os.Stat(filepath.Join(root, name)); err != nil {
			t.Fatalf("%s missing after shutdown: %v", name, err)
		}
	}
}

func TestRunnerKeepsIdentityAcrossRestarts(t *testing.T) {
	root := t.TempDir()
	r, cancel, done := start(t, genesisConfig(root))
	first := r.Node.Name()
	stop(t, cancel, done)

	r, cancel, done = start(t, genesisConfig(root))
	defer stop(t, cancel, done)
	if got := r.Node.Name(); got != first {
		t.Fatalf("restarted as %s, want %s", got, first)
	}
}

func TestRunnerListenFailureIsConfigError(t *testing.T) {
	cfg := genesisConfig(t.TempDir())
	cfg.Listen = "not-an-address"
	if _, err := NewRunner(cfg, Options{}); !errors.Is(err, errs.ErrFatalConfig) {
		t.Fatalf("expected a fatal config error, got %v", err)
	}
}
