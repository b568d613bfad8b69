// Package config builds process-level configuration for the server
// and control binaries from CLI flags and positional arguments
// (spec.md §6's CLI surface).
package config

import (
	"flag"
	"time"

	"github.com/pkg/errors"
)

const defaultWorkerPoolSize = 10

// ServerConfig is the process configuration for cmd/server.
type ServerConfig struct {
	// BindAddr is this server's own listening address.
	BindAddr string
	// KnownPeer is an existing cluster member to join, empty if this
	// server is the first in the cluster.
	KnownPeer string

	WorkerPoolSize int
	PingInterval   time.Duration
	MetricsAddr    string
	Debug          bool
}

// ParseServerConfig parses `server <bind-addr-or-port> [<known-peer-addr-or-port>]`
// plus optional flags (spec.md §6).
func ParseServerConfig(args []string) (ServerConfig, error) {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	pool := fs.Int("workers", defaultWorkerPoolSize, "fixed worker pool size")
	ping := fs.Duration("ping-interval", time.Second, "liveness ping interval")
	metricsAddr := fs.String("metrics-addr", "", "address to serve /metrics on, empty disables it")
	debug := fs.Bool("debug", false, "enable debug logging")

	if err := fs.Parse(args); err != nil {
		return ServerConfig{}, err
	}

	positional := fs.Args()
	if len(positional) < 1 {
		return ServerConfig{}, errors.New("usage: server <bind-addr-or-port> [<known-peer-addr-or-port>]")
	}

	cfg := ServerConfig{
		BindAddr:       normalizeAddr(positional[0]),
		WorkerPoolSize: *pool,
		PingInterval:   *ping,
		MetricsAddr:    *metricsAddr,
		Debug:          *debug,
	}
	if len(positional) > 1 {
		cfg.KnownPeer = normalizeAddr(positional[1])
	}
	return cfg, nil
}

// ControlConfig is the process configuration for cmd/control.
type ControlConfig struct {
	// TargetAddr is the server address given on the command line.
	// cmd/control does not read it: each stdin line "d <addr>" or
	// "c <addr>" names the server that control frame is sent to.
	TargetAddr string
}

// ParseControlConfig parses `control <server-addr-or-port>`.
func ParseControlConfig(args []string) (ControlConfig, error) {
	fs := flag.NewFlagSet("control", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return ControlConfig{}, err
	}

	positional := fs.Args()
	if len(positional) < 1 {
		return ControlConfig{}, errors.New("usage: control <server-addr-or-port>")
	}
	return ControlConfig{TargetAddr: normalizeAddr(positional[0])}, nil
}

// normalizeAddr allows a bare port ("9000") as shorthand for
// "127.0.0.1:9000" (spec.md §6: "bind-addr-or-port").
func normalizeAddr(s string) string {
	for _, r := range s {
		if r == ':' {
			return s
		}
	}
	return "127.0.0.1:" + s
}
