// Package storage is the Point Storage component from spec.md §4.2:
// the client_id → PointRecord map, the server membership set, the
// online flag, and a handle to the pending queue. All inter-record
// coordination threads through it.
package storage

import (
	"net"
	"sync"

	"github.com/jabolina/pointcluster/internal/engine"
	"github.com/jabolina/pointcluster/internal/logging"
	"github.com/jabolina/pointcluster/internal/metrics"
	"github.com/jabolina/pointcluster/internal/order"
	"github.com/jabolina/pointcluster/internal/pending"
	"github.com/jabolina/pointcluster/internal/points"
	"github.com/pkg/errors"
)

// ErrOffline is returned by operations the dispatcher must refuse
// while the server is administratively offline (spec.md §4.2, §4.7).
var ErrOffline = errors.New("server is offline")

// Storage is the single point all record, membership, and online-flag
// mutation threads through. Its own mutex guards only short critical
// sections — record-handle lookup, membership mutation, the online
// flag — and is always released before a per-record lock is taken
// (spec.md §5: Storage → Record → Points lock order).
type Storage struct {
	mu      sync.Mutex
	records map[uint16]*points.Record
	servers map[string]struct{}
	self    string
	online  bool

	pending *pending.Queue
	engine  *engine.Engine
	log     logging.Logger
	metrics *metrics.Metrics
}

// New builds a Storage for the given self address. The engine is
// wired in afterward via SetEngine since Engine needs a Store to be
// constructed and Storage needs an Engine to coordinate; engine.Store's
// doc explains why the engine package never imports storage.
func New(self string, log logging.Logger, m *metrics.Metrics) *Storage {
	s := &Storage{
		records: make(map[uint16]*points.Record),
		servers: map[string]struct{}{self: {}},
		self:    self,
		online:  true,
		log:     log,
		metrics: m,
	}
	s.pending = pending.New(log, m, s.onReconnect)
	return s
}

// SetEngine wires in the transaction engine once constructed.
func (s *Storage) SetEngine(e *engine.Engine) {
	s.engine = e
}

// GetOrCreateRecord returns a stable, shared reference to the record
// for id, creating (0,0) if absent. Creation is idempotent under
// concurrent callers (spec.md §4.2).
func (s *Storage) GetOrCreateRecord(id uint16) *points.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		r = points.NewRecord()
		s.records[id] = r
	}
	return r
}

// OtherServers returns a snapshot of servers \ {self} (spec.md §4.2).
func (s *Storage) OtherServers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.servers))
	for addr := range s.servers {
		if addr != s.self {
			out = append(out, addr)
		}
	}
	return out
}

// AllServers returns a snapshot of the full server set, including self.
func (s *Storage) AllServers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.servers))
	for addr := range s.servers {
		out = append(out, addr)
	}
	return out
}

// SelfAddress returns this server's own advertised address.
func (s *Storage) SelfAddress() string {
	return s.self
}

// PendingQueue returns the pending transaction queue.
func (s *Storage) PendingQueue() *pending.Queue {
	return s.pending
}

// IsOnline reports the administrative online flag.
func (s *Storage) IsOnline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// AddServer adds addr to the membership set, reporting whether it was
// newly added (spec.md §4.6).
func (s *Storage) AddServer(addr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.servers[addr]; ok {
		return false
	}
	s.servers[addr] = struct{}{}
	if s.metrics != nil {
		s.metrics.PeersKnown.Set(float64(len(s.servers) - 1))
	}
	return true
}

// Snapshot serializes the current PointMap for SYNC (spec.md §4.2,
// §4.6). Fails if offline.
func (s *Storage) Snapshot() (points.Map, error) {
	if !s.IsOnline() {
		return nil, ErrOffline
	}

	s.mu.Lock()
	ids := make([]uint16, 0, len(s.records))
	recs := make([]*points.Record, 0, len(s.records))
	for id, r := range s.records {
		ids = append(ids, id)
		recs = append(recs, r)
	}
	s.mu.Unlock()

	out := make(points.Map, len(ids))
	for i, id := range ids {
		out[id] = points.EntryFor(recs[i].Snapshot())
	}
	return out, nil
}

// ReplaceAll overwrites the local PointMap with m, used when a SYNC
// response arrives on connect() (spec.md §4.2).
func (s *Storage) ReplaceAll(m points.Map) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[uint16]*points.Record, len(m))
	for id, entry := range m {
		r := points.NewRecord()
		// Lock requires available >= points, so the locked share is
		// added to available first and then moved across, leaving the
		// record at exactly (available, locked) as received.
		if total := entry.Points.Available + entry.Points.Locked; total > 0 {
			_ = r.Apply(points.Add, total)
		}
		if entry.Points.Locked > 0 {
			_ = r.Apply(points.Lock, entry.Points.Locked)
		}
		s.records[id] = r
	}
}

func (s *Storage) onReconnect() {
	if s.log != nil {
		s.log.Info("pending queue reconnected")
	}
}

// Disconnect sets the administrative online flag to false (spec.md
// §4.2, §4.7).
func (s *Storage) Disconnect() {
	s.mu.Lock()
	s.online = false
	s.mu.Unlock()
	s.pending.Disconnect()
	if s.metrics != nil {
		s.metrics.Online.Set(0)
	}
	if s.log != nil {
		s.log.Warn("server administratively disconnected")
	}
}

// Connect sets the administrative online flag to true and attempts to
// drain a peer for a SYNC, overwriting local state with the response.
// If every peer is unreachable this is logged but not fatal (spec.md
// §4.2).
func (s *Storage) Connect(dialer func(addr string) (points.Map, error)) {
	s.mu.Lock()
	s.online = true
	s.mu.Unlock()
	s.pending.Connect()
	if s.metrics != nil {
		s.metrics.Online.Set(1)
	}

	for _, peer := range s.OtherServers() {
		m, err := dialer(peer)
		if err != nil {
			if s.log != nil {
				s.log.Warnf("sync from %s failed: %v", peer, err)
			}
			continue
		}
		s.ReplaceAll(m)
		if s.log != nil {
			s.log.Infof("synced from %s on reconnect", peer)
		}
		return
	}
	if s.log != nil {
		s.log.Warn("connect: no peer reachable for sync")
	}
}

// CoordinateMessage builds a Transaction from an inbound client
// message and runs coordination (spec.md §4.2, §4.3.1). FILL's Lock
// and Free phases are pure local bookkeeping with no peer
// coordination and always succeed.
func (s *Storage) CoordinateMessage(msg order.ClientMessage) error {
	if msg.Order.Action == order.Fill && (msg.Kind == order.Lock || msg.Kind == order.Free) {
		return nil
	}

	action, err := mapToAction(msg)
	if err != nil {
		return err
	}

	tx := points.New(s.self, msg.Order.ClientID, action, msg.Order.Points)
	_, err = s.engine.Coordinate(tx)
	return err
}

// CoordinateTransaction re-runs coordination for a transaction already
// sitting in the pending queue (spec.md §4.2).
func (s *Storage) CoordinateTransaction(tx points.Transaction) error {
	_, err := s.engine.Coordinate(tx)
	return err
}

// HandleTransaction is the participant-side entry point invoked by the
// dispatcher on an inbound TRANSACTION server message (spec.md §4.2,
// §4.3.3).
func (s *Storage) HandleTransaction(conn net.Conn, tx points.Transaction) {
	s.engine.Participate(conn, tx)
}

func mapToAction(msg order.ClientMessage) (points.Action, error) {
	switch {
	case msg.Kind == order.Lock && msg.Order.Action == order.Use:
		return points.Lock, nil
	case msg.Kind == order.Free && msg.Order.Action == order.Use:
		return points.Free, nil
	case msg.Kind == order.Commit && msg.Order.Action == order.Use:
		return points.Consume, nil
	case msg.Kind == order.Commit && msg.Order.Action == order.Fill:
		return points.Add, nil
	default:
		return 0, errors.Errorf("invalid message/action combination: %s/%s", msg.Kind, msg.Order.Action)
	}
}
