// Package pprofutil exposes the node's pprof endpoints on demand. Profiling
// is opt-in via SWARMMESH_PPROF=1 and the server refuses non-loopback binds
// unless the operator explicitly allows them.
package pprofutil

import (
	"fmt"
	"io"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"strings"
	"sync"
	"time"
)

const (
	envEnable      = "SWARMMESH_PPROF"
	envAddr        = "SWARMMESH_PPROF_ADDR"
	envAllowPublic = "SWARMMESH_PPROF_ALLOW_PUBLIC"

	defaultAddr = "127.0.0.1:6060"
)

var (
	once    sync.Once
	onceErr error
)

// StartFromEnv reads the SWARMMESH_PPROF* variables and, when profiling is
// enabled, binds the debug server once for the process lifetime. Repeated
// calls return the outcome of the first.
func StartFromEnv(logw io.Writer) error {
	if os.Getenv(envEnable) != "1" {
		return nil
	}
	once.Do(func() {
		addr := strings.TrimSpace(os.Getenv(envAddr))
		if addr == "" {
			addr = defaultAddr
		}
		onceErr = start(addr, os.Getenv(envAllowPublic) == "1", logw)
	})
	return onceErr
}

// start enforces the bind policy and serves. Split from StartFromEnv so the
// policy is testable without mutating process env.
func start(addr string, allowPublic bool, logw io.Writer) error {
	if !allowPublic && !loopbackAddr(addr) {
		return fmt.Errorf("refusing non-loopback pprof bind %s (set %s=1 to override)", addr, envAllowPublic)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("pprof listen on %s: %w", addr, err)
	}
	if logw != nil {
		fmt.Fprintf(logw, "pprof enabled: http://%s/debug/pprof/\n", ln.Addr())
	}
	srv := &http.Server{
		Handler:           http.DefaultServeMux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() { _ = srv.Serve(ln) }()
	return nil
}

func loopbackAddr(addr string) bool {
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
