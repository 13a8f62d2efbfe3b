// Package connmgr implements the Connection Manager (spec.md §4.E): a
// per-peer session cache, mutual HELLO_SECURE handshake, keyed session
// table, heartbeat, and bounded per-socket write serialization.
//
// Grounded on client2/connection.go's handshake-then-read-loop split
// (onTCPConn/onWireConn) and its channel-based write path. Unlike the
// teacher's connectWorker, GetConnection dials once with a timeout and does
// not retry or back off, and the read loop dispatches decoded frames
// directly rather than through a command channel.
package connmgr

import (
	"bufio"
	"net"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gofrs/uuid"

	"github.com/hyperconnect/hyperconnect/internal/cryptosession"
	"github.com/hyperconnect/hyperconnect/internal/model"
	"github.com/hyperconnect/hyperconnect/internal/wire"
	"github.com/hyperconnect/hyperconnect/internal/worker"
)

// writeQueueSize bounds the per-socket write queue (spec.md §5).
const writeQueueSize = 64

// sessionState names the state machine in spec.md §4.E.
type sessionState int

const (
	stateHandshaking sessionState = iota
	stateEstablished
	stateClosed
)

type writeRequest struct {
	frame  interface{}
	doneCh chan error
}

// session is one authenticated, encrypted channel to a peer, bound to one
// TCP socket (spec.md §3 Session).
type session struct {
	worker.Worker

	mgr    *Manager
	peerID uuid.UUID
	conn   net.Conn
	br     *bufio.Reader
	w      *wire.Writer

	sessionKey [cryptosession.SessionKeySize]byte

	mu           sync.Mutex
	state        sessionState
	lastActivity time.Time
	established  bool

	writeCh chan writeRequest
}

func newSession(mgr *Manager, peerID uuid.UUID, conn net.Conn) *session {
	return &session{
		mgr:          mgr,
		peerID:       peerID,
		conn:         conn,
		br:           bufio.NewReaderSize(conn, 64*1024),
		w:            wire.NewWriter(conn),
		state:        stateHandshaking,
		lastActivity: time.Now(),
		writeCh:      make(chan writeRequest, writeQueueSize),
	}
}

func (s *session) markEstablished(key [cryptosession.SessionKeySize]byte) {
	s.mu.Lock()
	s.sessionKey = key
	s.established = true
	s.state = stateEstablished
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *session) isEstablished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.established
}

func (s *session) key() [cryptosession.SessionKeySize]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionKey
}

// enqueue posts frame to the write serializer, failing with
// hcerr.BackpressureError if the bounded queue is full (spec.md §5).
func (s *session) enqueue(frame interface{}) error {
	done := make(chan error, 1)
	select {
	case s.writeCh <- writeRequest{frame: frame, doneCh: done}:
	default:
		return backpressureErr()
	}
	select {
	case err := <-done:
		return err
	case <-s.HaltCh():
		return errSessionClosed
	}
}

// writerLoop is the single serializer for this socket's writes, preventing
// interleaved frame bytes from concurrent producers (spec.md §4.E, §9).
func (s *session) writerLoop() {
	for {
		select {
		case <-s.HaltCh():
			return
		case req := <-s.writeCh:
			err := s.w.WriteFrame(req.frame)
			req.doneCh <- err
			if err != nil {
				s.mgr.log.Warnf("write failed for peer %s: %v", s.peerID, err)
				s.teardown()
				return
			}
		}
	}
}

func (s *session) close() {
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return
	}
	s.state = stateClosed
	s.mu.Unlock()

	s.Halt()
	s.conn.Close()
}

// teardown removes the session from the manager's table and emits
// device_disconnected (spec.md §4.E terminal CLOSED state).
func (s *session) teardown() {
	s.close()
	s.mgr.removeSession(s.peerID, s)
}
