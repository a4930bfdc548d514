// Package config parses the node's command line.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/c2h5oh/datasize"
	"github.com/jessevdk/go-flags"
	"github.com/mitchellh/go-homedir"

	"github.com/maidsafe/temp-safe-network-sub015/internal/errs"
	"github.com/maidsafe/temp-safe-network-sub015/internal/store"
)

const (
	DefaultRootDir = "~/.xornet/node"
	DefaultListen  = "0.0.0.0:12000"
	// ContactsEnv lists bootstrap contacts when --bootstrap is not given.
	ContactsEnv = "BOOTSTRAP_CONTACTS"
)

// Usage is returned when the caller asked for help. It reads as the help
// text.
type Usage string

func (u Usage) Error() string { return string(u) }

type Options struct {
	First         bool     `long:"first" description:"start the first section of a new network"`
	Bootstrap     []string `long:"bootstrap" value-name:"ADDR[,ADDR...]" description:"join an existing section through these contacts"`
	RootDir       string   `long:"root-dir" description:"directory holding the node's data and keys" default:"~/.xornet/node"`
	MaxCapacity   string   `long:"max-capacity" value-name:"SIZE" description:"chunk storage to offer, in bytes or with a unit such as 10GB"`
	Listen        string   `long:"listen" description:"UDP address to listen on" default:"0.0.0.0:12000"`
	MetricsAddr   string   `long:"metrics-addr" description:"serve prometheus metrics on this address"`
	DataCopyCount int      `long:"data-copy-count" description:"adults holding each chunk" default:"4"`
	ElderCount    int      `long:"elder-count" description:"elders per section, at most 7"`
}

// Config is the resolved node configuration.
type Config struct {
	Genesis       bool
	Contacts      []string
	Root          string
	MaxCapacity   uint64
	Listen        string
	MetricsAddr   string
	DataCopyCount int
	ElderCount    int
}

// Parse reads args, falling back to env for bootstrap contacts. Every
// returned error other than Usage wraps errs.ErrFatalConfig.
func Parse(args []string, env func(string) string) (Config, error) {
	var opts Options
	parser := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
	parser.Name = "xornet-node"
	rest, err := parser.ParseArgs(args)
	if err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			return Config{}, Usage(ferr.Message)
		}
		return Config{}, fmt.Errorf("%w: %v", errs.ErrFatalConfig, err)
	}
	if len(rest) > 0 {
		return Config{}, fmt.Errorf("%w: unexpected arguments %v", errs.ErrFatalConfig, rest)
	}
	return opts.resolve(env)
}

func (o Options) resolve(env func(string) string) (Config, error) {
	root, err := homedir.Expand(filepath.Clean(o.RootDir))
	if err != nil {
		return Config{}, fmt.Errorf("%w: root dir: %v", errs.ErrFatalConfig, err)
	}
	var capacity datasize.ByteSize
	if o.MaxCapacity != "" {
		if err := capacity.UnmarshalText([]byte(o.MaxCapacity)); err != nil {
			return Config{}, fmt.Errorf("%w: max capacity: %v", errs.ErrFatalConfig, err)
		}
	}
	contacts := splitContacts(o.Bootstrap)
	if len(contacts) == 0 && !o.First && env != nil {
		contacts = splitContacts([]string{env(ContactsEnv)})
	}
	cfg := Config{
		Genesis:       o.First,
		Contacts:      contacts,
		Root:          root,
		MaxCapacity:   uint64(capacity),
		Listen:        o.Listen,
		MetricsAddr:   o.MetricsAddr,
		DataCopyCount: o.DataCopyCount,
		ElderCount:    o.ElderCount,
	}
	if cfg.MaxCapacity == 0 {
		cfg.MaxCapacity = store.DefaultMaxCapacity
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch {
	case c.Genesis && len(c.Contacts) > 0:
		return fmt.Errorf("%w: --first and --bootstrap are exclusive", errs.ErrFatalConfig)
	case !c.Genesis && len(c.Contacts) == 0:
		return fmt.Errorf("%w: need --first, --bootstrap or %s", errs.ErrFatalConfig, ContactsEnv)
	case c.DataCopyCount < 1:
		return fmt.Errorf("%w: data copy count must be positive", errs.ErrFatalConfig)
	case c.ElderCount < 0:
		return fmt.Errorf("%w: elder count must not be negative", errs.ErrFatalConfig)
	case c.Listen == "":
		return fmt.Errorf("%w: empty listen address", errs.ErrFatalConfig)
	case c.Root == "":
		return fmt.Errorf("%w: empty root dir", errs.ErrFatalConfig)
	}
	return nil
}

func splitContacts(in []string) []string {
	var out []string
	for _, s := range in {
		for _, addr := range strings.Split(s, ",") {
			if addr = strings.TrimSpace(addr); addr != "" {
				out = append(out, addr)
			}
		}
	}
	return out
}
