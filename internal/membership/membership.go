// Package membership implements the liveness ping loop and the
// CONNECT/SYNC exchange described in spec.md §4.5/§4.6: growing the
// server set as peers join, copying state to a freshly joined peer,
// and periodically probing reachability to drive the pending queue's
// online token.
package membership

import (
	"time"

	"github.com/jabolina/pointcluster/internal/logging"
	"github.com/jabolina/pointcluster/internal/metrics"
	"github.com/jabolina/pointcluster/internal/pending"
	"github.com/jabolina/pointcluster/internal/points"
	"github.com/jabolina/pointcluster/internal/transport"
	"github.com/jabolina/pointcluster/internal/workpool"
	"github.com/pkg/errors"
)

// ConnectRequest is the CONNECT body (spec.md §4.6): addr is the
// joining server's own address, copy distinguishes an original join
// request from a broadcast copy of one.
type ConnectRequest struct {
	Addr string `json:"addr"`
	Copy bool   `json:"copy"`
}

// Store is the subset of storage.Storage membership needs. Kept as an
// interface here for the same reason engine.Store is: storage can
// import membership without a cycle.
type Store interface {
	SelfAddress() string
	OtherServers() []string
	AllServers() []string
	AddServer(addr string) bool
	Snapshot() (points.Map, error)
	ReplaceAll(points.Map)
	Connect(dialer func(addr string) (points.Map, error))
	Disconnect()
	IsOnline() bool
	PendingQueue() *pending.Queue
}

// Service drives membership growth and liveness detection over a
// Store.
type Service struct {
	store   Store
	pool    *workpool.Pool
	log     logging.Logger
	metrics *metrics.Metrics

	pingInterval time.Duration
	stop         chan struct{}
}

// New builds a Service. pingInterval defaults to 1s (spec.md §4.5) if
// zero.
func New(store Store, pool *workpool.Pool, log logging.Logger, m *metrics.Metrics, pingInterval time.Duration) *Service {
	if pingInterval <= 0 {
		pingInterval = time.Second
	}
	return &Service{
		store:        store,
		pool:         pool,
		log:          log,
		metrics:      m,
		pingInterval: pingInterval,
		stop:         make(chan struct{}),
	}
}

// Join dials a known peer and performs the original (copy=false)
// CONNECT handshake, adding every address in the reply to the local
// server set and fetching a SYNC from the same peer (spec.md §4.6).
func (s *Service) Join(knownPeer string) error {
	conn, err := transport.Dial(knownPeer)
	if err != nil {
		return errors.Wrapf(err, "dial known peer %s", knownPeer)
	}
	defer conn.Close()

	req := ConnectRequest{Addr: s.store.SelfAddress(), Copy: false}
	if err := transport.WriteServerRequest(conn, transport.Connect, req); err != nil {
		return errors.Wrap(err, "write connect request")
	}

	var peers []string
	if err := transport.ReadJSONLine(conn, transport.GenericTimeout, &peers); err != nil {
		return errors.Wrap(err, "read connect reply")
	}
	for _, addr := range peers {
		if addr != s.store.SelfAddress() {
			s.store.AddServer(addr)
		}
	}
	s.store.AddServer(knownPeer)

	return s.syncFrom(knownPeer)
}

func (s *Service) syncFrom(peer string) error {
	m, err := s.requestSync(peer)
	if err != nil {
		return err
	}
	s.store.ReplaceAll(m)
	return nil
}

// RequestSync dials peer and fetches its PointMap, used as the dialer
// storage.Connect drains on an administrative reconnect (spec.md
// §4.2's connect() contract).
func (s *Service) RequestSync(peer string) (points.Map, error) {
	return s.requestSync(peer)
}

func (s *Service) requestSync(peer string) (points.Map, error) {
	conn, err := transport.Dial(peer)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s for sync", peer)
	}
	defer conn.Close()

	if err := transport.WriteServerRequest(conn, transport.Sync, struct{}{}); err != nil {
		return nil, errors.Wrap(err, "write sync request")
	}

	var m points.Map
	if err := transport.ReadJSONLine(conn, transport.GenericTimeout, &m); err != nil {
		return nil, errors.Wrap(err, "read sync reply")
	}
	return m, nil
}

// HandleConnect implements the receiving side of CONNECT (spec.md
// §4.6): an original request (copy=false) adds the sender, broadcasts
// a copy to every other known peer, and replies with the current
// server set; a copy (copy=true) just adds the sender silently and
// replies empty.
func (s *Service) HandleConnect(req ConnectRequest) (interface{}, error) {
	if !s.store.IsOnline() {
		return nil, errors.New("offline")
	}

	added := s.store.AddServer(req.Addr)
	if req.Copy {
		return nil, nil
	}

	if added && s.pool != nil {
		for _, peer := range s.store.OtherServers() {
			if peer == req.Addr {
				continue
			}
			peer := peer
			s.pool.Spawn(func() {
				s.broadcastCopy(peer, req.Addr)
			})
		}
	}

	return s.store.AllServers(), nil
}

func (s *Service) broadcastCopy(peer, joined string) {
	conn, err := transport.Dial(peer)
	if err != nil {
		if s.log != nil {
			s.log.Warnf("broadcast connect to %s failed: %v", peer, err)
		}
		return
	}
	defer conn.Close()

	req := ConnectRequest{Addr: joined, Copy: true}
	if err := transport.WriteServerRequest(conn, transport.Connect, req); err != nil && s.log != nil {
		s.log.Warnf("broadcast connect to %s failed: %v", peer, err)
	}
}

// HandleSync implements the receiving side of SYNC (spec.md §4.6):
// serialize and return the current PointMap.
func (s *Service) HandleSync() (points.Map, error) {
	return s.store.Snapshot()
}

// HandlePing implements the receiving side of PING (spec.md §4.5): a
// trivial acknowledgement, present at all only so the caller can tell
// a reachable-but-offline peer apart from a dead one... except the
// spec says that distinction is unobservable, so this just answers.
func (s *Service) HandlePing() (struct{}, error) {
	return struct{}{}, nil
}

// StartPingLoop launches the periodic liveness probe (spec.md §4.5) on
// the worker pool. Stop ends it.
func (s *Service) StartPingLoop() {
	s.pool.Spawn(func() {
		ticker := time.NewTicker(s.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				s.pingOnce()
			}
		}
	})
}

// Stop ends the ping loop.
func (s *Service) Stop() {
	close(s.stop)
}

// pingOnce probes every known peer once. Unreachable peers are
// logged and otherwise ignored (spec.md §4.5: indistinguishable from
// offline, acceptable); if every peer is unreachable the pending
// queue is marked disconnected, and the first successful ping
// reconnects it (see DESIGN.md for why a single shared online flag is
// the right granularity here).
func (s *Service) pingOnce() {
	if !s.store.IsOnline() {
		// Administratively offline; the pending consumer stays stalled
		// regardless of peer reachability (spec.md §4.7).
		return
	}

	peers := s.store.OtherServers()
	if len(peers) == 0 {
		return
	}

	reachable := false
	for _, peer := range peers {
		if s.pingPeer(peer) {
			reachable = true
		}
	}

	if reachable {
		s.store.PendingQueue().Connect()
	} else {
		s.store.PendingQueue().Disconnect()
	}
}

func (s *Service) pingPeer(peer string) bool {
	conn, err := transport.Dial(peer)
	if err != nil {
		return false
	}
	defer conn.Close()

	if err := transport.WriteServerRequest(conn, transport.Ping, struct{}{}); err != nil {
		return false
	}
	var reply struct{}
	if err := transport.ReadJSONLine(conn, transport.GenericTimeout, &reply); err != nil {
		return false
	}
	return true
}
