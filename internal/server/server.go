// Package server is the Listener/Dispatcher from spec.md §4.1: it
// binds the TCP port, reads the leading frame-type byte off every
// accepted connection, and dispatches CLIENT/SERVER/CONTROL work onto
// a fixed-size worker pool.
package server

import (
	"encoding/json"
	"net"
	"time"

	"github.com/jabolina/pointcluster/internal/logging"
	"github.com/jabolina/pointcluster/internal/membership"
	"github.com/jabolina/pointcluster/internal/metrics"
	"github.com/jabolina/pointcluster/internal/order"
	"github.com/jabolina/pointcluster/internal/points"
	"github.com/jabolina/pointcluster/internal/storage"
	"github.com/jabolina/pointcluster/internal/transport"
	"github.com/jabolina/pointcluster/internal/workpool"
	"github.com/pkg/errors"
)

// offlineClientStall is how long a CLIENT_CONNECTION request blocks
// before failing while the server is administratively offline (spec.md
// §4.7: TIMEOUT + TIMEOUT/10, TIMEOUT = 1s).
const offlineClientStall = transport.GenericTimeout + transport.GenericTimeout/10

// Server binds a listening socket and dispatches accepted connections.
type Server struct {
	addr    string
	store   *storage.Storage
	members *membership.Service
	pool    *workpool.Pool
	log     logging.Logger
	metrics *metrics.Metrics

	ln net.Listener
}

// New builds a Server. The storage, membership service, and pool must
// already be wired together by the caller (see cmd/server).
func New(addr string, store *storage.Storage, members *membership.Service, pool *workpool.Pool, log logging.Logger, m *metrics.Metrics) *Server {
	return &Server{
		addr:    addr,
		store:   store,
		members: members,
		pool:    pool,
		log:     log,
		metrics: m,
	}
}

// ListenAndServe binds addr and accepts connections until the
// listener is closed, dispatching each onto the worker pool.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", s.addr)
	}
	s.ln = ln

	if s.log != nil {
		s.log.Infof("listening on %s", ln.Addr())
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			return errors.Wrap(err, "accept")
		}
		s.pool.Spawn(func() {
			s.dispatch(conn)
		})
	}
}

// StartPendingDrain launches the pending-queue consumer on the worker
// pool (spec.md §4.4, §8 scenario S3/S4): it blocks on Dequeue, which
// itself blocks while the queue is administratively or liveness-wise
// offline, and re-runs coordination for whatever it is handed through
// CoordinateTransaction. A transaction that still can't reach a
// majority of peers is re-queued by Coordinate itself, so this loop
// only needs to retry forever and log failures; Close unblocks it by
// closing the pending queue.
func (s *Server) StartPendingDrain() {
	s.pool.Spawn(func() {
		for {
			tx, ok := s.store.PendingQueue().Dequeue()
			if !ok {
				return
			}
			if err := s.store.CoordinateTransaction(tx); err != nil {
				if s.log != nil {
					s.log.Warnf("pending transaction retry failed: %v", err)
				}
			}
		}
	})
}

// Close stops accepting new connections and unblocks the pending-queue
// drain loop started by StartPendingDrain.
func (s *Server) Close() error {
	s.store.PendingQueue().Close()
	if s.ln == nil {
		return nil
	}
	return s.ln.Close()
}

func (s *Server) dispatch(conn net.Conn) {
	defer conn.Close()

	tag := make([]byte, 1)
	if _, err := conn.Read(tag); err != nil {
		return
	}

	switch transport.FrameType(tag[0]) {
	case transport.FrameClient:
		s.dispatchClient(conn)
	case transport.FrameServer:
		s.dispatchServer(conn)
	case transport.FrameControl:
		s.dispatchControl(conn)
	default:
		if s.log != nil {
			s.log.Warnf("unknown frame type tag %d", tag[0])
		}
	}
}

// dispatchClient implements the 0x01 CLIENT_CONNECTION loop (spec.md
// §4.1): read a fixed 7-byte frame, coordinate it, reply with a single
// ok/fail byte, repeat until the peer disconnects.
func (s *Server) dispatchClient(conn net.Conn) {
	buf := make([]byte, order.FrameSize)
	for {
		if _, err := readFull(conn, buf); err != nil {
			return
		}

		msg, err := order.DecodeFrame(buf)
		if err != nil {
			if s.log != nil {
				s.log.Warnf("invalid client frame: %v", err)
			}
			return
		}

		if !s.store.IsOnline() {
			time.Sleep(offlineClientStall)
			writeClientReply(conn, errors.New("offline"))
			continue
		}

		err = s.store.CoordinateMessage(msg)
		writeClientReply(conn, err)
	}
}

func writeClientReply(conn net.Conn, err error) {
	reply := []byte{transport.ClientOK}
	if err != nil {
		reply = []byte{transport.ClientFail}
	}
	_, _ = conn.Write(reply)
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := conn.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// dispatchServer implements the 0x02 SERVER_MESSAGE envelope (spec.md
// §4.1, §6): CONNECT/SYNC/TRANSACTION/PING, silently dropped if the
// server is offline (spec.md §4.7).
func (s *Server) dispatchServer(conn net.Conn) {
	sub, body, err := transport.ReadServerRequest(conn)
	if err != nil {
		return
	}

	if !s.store.IsOnline() {
		return
	}

	switch sub {
	case transport.Connect:
		s.handleConnect(conn, body)
	case transport.Sync:
		s.handleSync(conn)
	case transport.TxMessage:
		s.handleTransaction(conn, body)
	case transport.Ping:
		s.handlePing(conn)
	default:
		if s.log != nil {
			s.log.Warnf("unknown server sub-type %d", sub)
		}
	}
}

func (s *Server) handleConnect(conn net.Conn, body []byte) {
	var req membership.ConnectRequest
	if err := json.Unmarshal(body, &req); err != nil {
		if s.log != nil {
			s.log.Warnf("invalid connect body: %v", err)
		}
		return
	}

	reply, err := s.members.HandleConnect(req)
	if err != nil {
		if s.log != nil {
			s.log.Warnf("connect rejected: %v", err)
		}
		return
	}
	if err := transport.WriteJSONLine(conn, reply); err != nil && s.log != nil {
		s.log.Warnf("failed writing connect reply: %v", err)
	}
}

func (s *Server) handleSync(conn net.Conn) {
	m, err := s.members.HandleSync()
	if err != nil {
		if s.log != nil {
			s.log.Warnf("sync failed: %v", err)
		}
		return
	}
	if err := transport.WriteJSONLine(conn, m); err != nil && s.log != nil {
		s.log.Warnf("failed writing sync reply: %v", err)
	}
}

func (s *Server) handleTransaction(conn net.Conn, body []byte) {
	var tx points.Transaction
	if err := json.Unmarshal(body, &tx); err != nil {
		if s.log != nil {
			s.log.Warnf("invalid transaction body: %v", err)
		}
		return
	}
	s.store.HandleTransaction(conn, tx)
}

func (s *Server) handlePing(conn net.Conn) {
	ack, _ := s.members.HandlePing()
	if err := transport.WriteJSONLine(conn, ack); err != nil && s.log != nil {
		s.log.Warnf("failed writing ping reply: %v", err)
	}
}

// dispatchControl implements the 0x03 CONTROL envelope (spec.md §4.7):
// a single byte selecting disconnect/connect.
func (s *Server) dispatchControl(conn net.Conn) {
	code := make([]byte, 1)
	if _, err := conn.Read(code); err != nil {
		return
	}

	switch transport.ControlCode(code[0]) {
	case transport.ControlDisconnect:
		s.store.Disconnect()
	case transport.ControlConnect:
		s.store.Connect(s.members.RequestSync)
	default:
		if s.log != nil {
			s.log.Warnf("unknown control code %d", code[0])
		}
	}
}
