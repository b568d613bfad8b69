// Command server runs one pointcluster node: a replicated,
// transactional loyalty-points store that coordinates Lock/Free/Commit
// orders with its peers over two-phase commit (spec.md §1–§4).
package main

import (
	"net/http"
	"os"

	"github.com/jabolina/pointcluster/config"
	"github.com/jabolina/pointcluster/internal/engine"
	"github.com/jabolina/pointcluster/internal/logging"
	"github.com/jabolina/pointcluster/internal/membership"
	"github.com/jabolina/pointcluster/internal/metrics"
	"github.com/jabolina/pointcluster/internal/server"
	"github.com/jabolina/pointcluster/internal/storage"
	"github.com/jabolina/pointcluster/internal/workpool"
)

func main() {
	cfg, err := config.ParseServerConfig(os.Args[1:])
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(2)
	}

	log := logging.New("server", cfg.Debug)
	m := metrics.New(cfg.BindAddr)
	pool := workpool.New(cfg.WorkerPoolSize)

	store := storage.New(cfg.BindAddr, log.With(logging.Fields{"component": "storage"}), m)
	eng := engine.New(store, log.With(logging.Fields{"component": "engine"}), m)
	store.SetEngine(eng)

	members := membership.New(store, pool, log.With(logging.Fields{"component": "membership"}), m, cfg.PingInterval)

	if cfg.MetricsAddr != "" {
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, m.Handler()); err != nil {
				log.Errorf("metrics server failed: %v", err)
			}
		}()
	}

	srv := server.New(cfg.BindAddr, store, members, pool, log, m)

	if cfg.KnownPeer != "" {
		if err := members.Join(cfg.KnownPeer); err != nil {
			log.Warnf("join %s failed, starting standalone: %v", cfg.KnownPeer, err)
		}
	}

	members.StartPingLoop()
	srv.StartPendingDrain()

	log.Infof("pointcluster node starting on %s", cfg.BindAddr)
	if err := srv.ListenAndServe(); err != nil {
		log.Errorf("server exited: %v", err)
		os.Exit(1)
	}
}
