// Package pprofutil serves net/http/pprof for a running node when asked
// to through the environment.
package pprofutil

import (
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/maidsafe/temp-safe-network-sub015/internal/logging"
)

var log = logging.MustGetLogger("pprof")

const (
	EnvEnable      = "XORNET_PPROF"
	EnvAddr        = "XORNET_PPROF_ADDR"
	EnvAllowPublic = "XORNET_PPROF_ALLOW_PUBLIC"
	defaultAddr    = "127.0.0.1:6060"
)

var (
	startOnce sync.Once
	startErr  error
	boundAddr string
)

// StartFromEnv starts the profiler when XORNET_PPROF=1 and returns the
// bound address. Non-loopback addresses need XORNET_PPROF_ALLOW_PUBLIC=1.
func StartFromEnv(env func(string) string) (string, error) {
	if strings.TrimSpace(env(EnvEnable)) != "1" {
		return "", nil
	}
	startOnce.Do(func() {
		addr := strings.TrimSpace(env(EnvAddr))
		if addr == "" {
			addr = defaultAddr
		}
		if strings.TrimSpace(env(EnvAllowPublic)) != "1" && !isLoopback(addr) {
			startErr = fmt.Errorf("%s must be loopback unless %s=1: %s", EnvAddr, EnvAllowPublic, addr)
			return
		}
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			startErr = fmt.Errorf("pprof listen failed: %w", err)
			return
		}
		boundAddr = ln.Addr().String()
		log.Noticef("pprof enabled: http://%s/debug/pprof/", boundAddr)
		srv := &http.Server{
			Handler:           http.DefaultServeMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
				log.Warningf("pprof server stopped: %v", err)
			}
		}()
	})
	return boundAddr, startErr
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
