package connmgr

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gofrs/uuid"

	"github.com/hyperconnect/hyperconnect/internal/cryptosession"
	"github.com/hyperconnect/hyperconnect/internal/events"
	"github.com/hyperconnect/hyperconnect/internal/hcerr"
	"github.com/hyperconnect/hyperconnect/internal/model"
	"github.com/hyperconnect/hyperconnect/internal/wire"
	"github.com/hyperconnect/hyperconnect/internal/worker"
)

var errSessionClosed = errors.New("connmgr: session closed")

func backpressureErr() error { return hcerr.NewBackpressureError("write queue full") }

// FrameHandler receives decoded, already-decrypted control frames from
// established sessions. Implemented by the process's top-level dispatcher,
// which routes by model.ControlType to the Messaging and Transfer engines.
type FrameHandler interface {
	HandleFrame(peerID uuid.UUID, msg *model.ControlMessage)
}

// FileStreamHandler receives raw file-stream sockets once their header has
// been parsed off, handing control to the Transfer engine (spec.md §4.B).
type FileStreamHandler interface {
	HandleFileStream(conn net.Conn, fileID string, residual []byte)
}

// PeerPromoter marks a peer online on any inbound traffic, independent of
// the heartbeat/browse cycle. Implemented by internal/discovery.Service.
type PeerPromoter interface {
	PromoteOnTraffic(id uuid.UUID)
}

// Manager is the Connection Manager (spec.md §4.E): dial, handshake,
// session table, heartbeat, reconnection.
type Manager struct {
	worker.Worker

	log  *log.Logger
	self model.NodeIdentity
	bus  *events.Bus

	dialTimeout      time.Duration
	handshakeTimeout time.Duration

	handler       FrameHandler
	streamHandler FileStreamHandler
	promoter      PeerPromoter

	mu       sync.Mutex
	sessions map[uuid.UUID]*session

	pingMu       sync.Mutex
	pendingPings map[uuid.UUID]chan struct{}

	listener net.Listener
}

// New constructs a Manager. SetHandlers must be called before Listen.
func New(self model.NodeIdentity, dialTimeout, handshakeTimeout time.Duration, bus *events.Bus, logger *log.Logger) *Manager {
	return &Manager{
		log:              logger.WithPrefix("connmgr"),
		self:             self,
		bus:              bus,
		dialTimeout:      dialTimeout,
		handshakeTimeout: handshakeTimeout,
		sessions:         make(map[uuid.UUID]*session),
		pendingPings:     make(map[uuid.UUID]chan struct{}),
	}
}

// SetHandlers installs the control-frame and file-stream handlers.
func (m *Manager) SetHandlers(h FrameHandler, fh FileStreamHandler) {
	m.handler = h
	m.streamHandler = fh
}

// SetPeerPromoter installs the promote-on-traffic sink (spec.md §4.D),
// called for every decoded inbound frame regardless of type.
func (m *Manager) SetPeerPromoter(p PeerPromoter) {
	m.promoter = p
}

// Listen starts accepting inbound connections on addr (e.g. ":47100").
func (m *Manager) Listen(addr string) (port int, err error) {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return 0, hcerr.NewDialError("listen %s: %w", addr, err)
	}
	m.listener = ln
	m.Go(m.acceptLoop)
	return ln.Addr().(*net.TCPAddr).Port, nil
}

// Stop closes the listener, every session, and halts background work.
func (m *Manager) Stop() {
	if m.listener != nil {
		m.listener.Close()
	}
	m.mu.Lock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}
	m.Halt()
	m.Wait()
}

func (m *Manager) acceptLoop() {
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			select {
			case <-m.HaltCh():
				return
			default:
				m.log.Warnf("accept failed: %v", err)
				return
			}
		}
		go m.acceptConn(conn)
	}
}

func (m *Manager) acceptConn(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
		tc.SetKeepAlive(true)
	}

	br := bufio.NewReaderSize(conn, 64*1024)
	isStream, fileID, residual, err := wire.PeekFileStream(br)
	if err != nil {
		conn.Close()
		return
	}
	if isStream {
		if m.streamHandler != nil {
			m.streamHandler.HandleFileStream(conn, fileID, residual)
		} else {
			conn.Close()
		}
		return
	}

	deadline := time.Now().Add(m.handshakeTimeout)
	conn.SetDeadline(deadline)

	kp, err := cryptosession.GenerateKeyPair()
	if err != nil {
		m.log.Errorf("keypair generation failed: %v", err)
		conn.Close()
		m.bus.Emit(events.Event{Kind: events.SecurityError, ErrorKind: "HandshakeError", ErrorText: err.Error()})
		return
	}

	sess, peerID, err := m.performHandshake(conn, br, kp, true)
	if err != nil {
		m.log.Warnf("inbound handshake failed: %v", err)
		conn.Close()
		m.bus.Emit(events.Event{Kind: events.SecurityError, ErrorKind: "HandshakeError", ErrorText: err.Error()})
		return
	}
	conn.SetDeadline(time.Time{})
	m.installSession(peerID, sess)
}

// GetConnection returns a cached, writable session for peer, or dials a
// new one and performs the handshake (spec.md §4.E steps 1-7).
func (m *Manager) GetConnection(ctx context.Context, peer *model.PeerRecord) (*session, error) {
	m.mu.Lock()
	if s, ok := m.sessions[peer.DeviceID]; ok && s.isEstablished() {
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	addr := peer.DialAddr()
	if addr == nil {
		return nil, hcerr.NewDialError("no reachable address for peer %s", peer.DeviceID)
	}
	dialAddr := fmt.Sprintf("%s:%d", addr.String(), peer.Port)

	dialer := net.Dialer{Timeout: m.dialTimeout, KeepAlive: 30 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", dialAddr)
	if err != nil {
		return nil, hcerr.NewDialError("dial %s: %w", dialAddr, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
		tc.SetKeepAlive(true)
	}

	conn.SetDeadline(time.Now().Add(m.handshakeTimeout))
	kp, err := cryptosession.GenerateKeyPair()
	if err != nil {
		conn.Close()
		return nil, hcerr.NewHandshakeError("keypair: %w", err)
	}

	br := bufio.NewReaderSize(conn, 64*1024)
	sess, peerID, err := m.performHandshake(conn, br, kp, false)
	if err != nil {
		conn.Close()
		m.bus.Emit(events.Event{Kind: events.SecurityError, ErrorKind: "HandshakeError", ErrorText: err.Error()})
		return nil, err
	}
	conn.SetDeadline(time.Time{})

	if peerID != peer.DeviceID {
		sess.close()
		return nil, hcerr.NewHandshakeError("peer identified as %s, expected %s", peerID, peer.DeviceID)
	}

	m.installSession(peerID, sess)
	return sess, nil
}

// performHandshake executes the mutual HELLO_SECURE exchange described in
// spec.md §4.E steps 4-6, symmetric for both dialer and acceptor: each side
// sends its HELLO_SECURE immediately, then reads the peer's.
func (m *Manager) performHandshake(conn net.Conn, br *bufio.Reader, kp *cryptosession.KeyPair, _inbound bool) (*session, uuid.UUID, error) {
	pub, err := kp.PublicSPKIBase64()
	if err != nil {
		return nil, uuid.UUID{}, hcerr.NewHandshakeError("export public key: %w", err)
	}

	hello := model.ControlMessage{
		Type:        model.TypeHelloSecure,
		SenderID:    m.self.DeviceID,
		Timestamp:   time.Now().UnixMilli(),
		PublicKey:   pub,
		DisplayName: m.self.DisplayName,
		Platform:    m.self.Platform,
	}
	w := wire.NewWriter(conn)
	if err := w.WriteFrame(hello); err != nil {
		return nil, uuid.UUID{}, hcerr.NewHandshakeError("send hello: %w", err)
	}

	r := wireReaderFromBuffered(br)
	var peerHello model.ControlMessage
	if err := r.Next(&peerHello); err != nil {
		return nil, uuid.UUID{}, hcerr.NewHandshakeError("recv hello: %w", err)
	}
	if peerHello.Type != model.TypeHelloSecure {
		return nil, uuid.UUID{}, hcerr.NewHandshakeError("expected HELLO_SECURE, got %s", peerHello.Type)
	}

	sessionKey, err := kp.DeriveSessionKey(peerHello.PublicKey)
	if err != nil {
		return nil, uuid.UUID{}, err
	}

	sess := newSession(m, peerHello.SenderID, conn)
	sess.br = br
	sess.markEstablished(sessionKey)
	sess.Go(sess.writerLoop)
	sess.Go(func() { m.readLoop(sess) })

	return sess, peerHello.SenderID, nil
}

// wireReaderFromBuffered adapts an already-buffered *bufio.Reader (used to
// peek for the file-stream header first) into a wire.Reader without
// re-wrapping it in a second bufio layer.
func wireReaderFromBuffered(br *bufio.Reader) *wire.Reader {
	return wire.NewReader(br)
}

func (m *Manager) installSession(peerID uuid.UUID, sess *session) {
	m.mu.Lock()
	if old, ok := m.sessions[peerID]; ok {
		m.mu.Unlock()
		old.close()
		m.mu.Lock()
	}
	m.sessions[peerID] = sess
	m.mu.Unlock()

	m.bus.Emit(events.Event{Kind: events.DeviceConnected, Device: peerID})
}

func (m *Manager) removeSession(peerID uuid.UUID, sess *session) {
	m.mu.Lock()
	if cur, ok := m.sessions[peerID]; ok && cur == sess {
		delete(m.sessions, peerID)
	}
	m.mu.Unlock()
	m.bus.Emit(events.Event{Kind: events.DeviceDisconnected, Device: peerID})
}

// Send delivers msg to peerID over its established session, always wrapped
// in an ENCRYPTED_MESSAGE envelope. There is no plaintext fallback: if no
// established session exists, Send fails with ErrPeerOffline rather than
// queuing or degrading (spec.md §4.E, §4.F's no-durable-queue Non-goal).
func (m *Manager) Send(peerID uuid.UUID, msg *model.ControlMessage) error {
	m.mu.Lock()
	sess, ok := m.sessions[peerID]
	m.mu.Unlock()

	if !ok || !sess.isEstablished() {
		return hcerr.ErrPeerOffline
	}
	return m.sendEncrypted(sess, msg)
}

func (m *Manager) sendEncrypted(sess *session, msg *model.ControlMessage) error {
	plaintext, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	iv, tag, payload, err := cryptosession.SealControlFrame(sess.key(), plaintext)
	if err != nil {
		return err
	}
	env := model.EncryptedEnvelope{
		Type:    model.TypeEncryptedMessage,
		IV:      iv,
		Tag:     tag,
		Payload: payload,
	}
	return sess.enqueue(env)
}

// SessionKey returns the derived AES key for peerID's established control
// session, for use by the Transfer engine when keying a file stream's
// AES-256-CTR cipher (spec.md §4.C, §4.G).
func (m *Manager) SessionKey(peerID uuid.UUID) ([cryptosession.SessionKeySize]byte, bool) {
	m.mu.Lock()
	s, ok := m.sessions[peerID]
	m.mu.Unlock()
	if !ok || !s.isEstablished() {
		return [cryptosession.SessionKeySize]byte{}, false
	}
	return s.key(), true
}

// DialStream opens a new, unauthenticated TCP connection to peer for a
// dedicated file-transfer stream socket (spec.md §4.G). The caller is
// responsible for writing the FILE_STREAM header and IV.
func (m *Manager) DialStream(ctx context.Context, peer *model.PeerRecord) (net.Conn, error) {
	addr := peer.DialAddr()
	if addr == nil {
		return nil, hcerr.NewDialError("no reachable address for peer %s", peer.DeviceID)
	}
	dialAddr := fmt.Sprintf("%s:%d", addr.String(), peer.Port)
	dialer := net.Dialer{Timeout: m.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", dialAddr)
	if err != nil {
		return nil, hcerr.NewDialError("dial stream %s: %w", dialAddr, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	return conn, nil
}

// Ping implements discovery.Pinger: open or reuse a session, send a PING,
// and block until the matching PONG arrives on the read loop or ctx expires
// (spec.md §4.D, §5's bounded heartbeat round trip).
func (m *Manager) Ping(ctx context.Context, peer *model.PeerRecord) error {
	sess, err := m.GetConnection(ctx, peer)
	if err != nil {
		return err
	}

	pongCh := m.awaitPong(peer.DeviceID)
	ping := &model.ControlMessage{Type: model.TypePing, SenderID: m.self.DeviceID, Timestamp: time.Now().UnixMilli()}
	if err := m.sendEncrypted(sess, ping); err != nil {
		m.clearPong(peer.DeviceID)
		return err
	}

	select {
	case <-pongCh:
		return nil
	case <-ctx.Done():
		m.clearPong(peer.DeviceID)
		return hcerr.NewDialError("heartbeat: no PONG from %s: %w", peer.DeviceID, ctx.Err())
	}
}

// awaitPong registers a one-shot wait for the next PONG from peerID,
// replacing any prior unresolved wait (a new round supersedes the last).
func (m *Manager) awaitPong(peerID uuid.UUID) <-chan struct{} {
	ch := make(chan struct{})
	m.pingMu.Lock()
	m.pendingPings[peerID] = ch
	m.pingMu.Unlock()
	return ch
}

func (m *Manager) clearPong(peerID uuid.UUID) {
	m.pingMu.Lock()
	delete(m.pendingPings, peerID)
	m.pingMu.Unlock()
}

// resolvePong signals any goroutine blocked in Ping awaiting a PONG from
// peerID (spec.md §5).
func (m *Manager) resolvePong(peerID uuid.UUID) {
	m.pingMu.Lock()
	ch, ok := m.pendingPings[peerID]
	if ok {
		delete(m.pendingPings, peerID)
	}
	m.pingMu.Unlock()
	if ok {
		close(ch)
	}
}

// readLoop is the single reader goroutine per socket (spec.md §5).
func (m *Manager) readLoop(sess *session) {
	r := wire.NewReader(sess.br)
	failures := 0
	const maxConsecutiveDecryptFailures = 5

	for {
		var frame json.RawMessage
		if err := r.Next(&frame); err != nil {
			var parseErr *hcerr.FrameParseError
			if errors.As(err, &parseErr) {
				m.log.Warnf("dropping malformed frame from %s: %v", sess.peerID, err)
				continue
			}
			m.log.Debugf("read loop for %s terminating: %v", sess.peerID, err)
			sess.teardown()
			return
		}

		sess.touch()
		m.dispatchRaw(sess, frame, &failures, maxConsecutiveDecryptFailures)
	}
}

func (m *Manager) dispatchRaw(sess *session, raw json.RawMessage, failures *int, maxFailures int) {
	var probe struct {
		Type model.ControlType `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		m.log.Warnf("dropping unparseable frame from %s", sess.peerID)
		return
	}

	if probe.Type == model.TypeEncryptedMessage {
		var env model.EncryptedEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			m.log.Warnf("dropping malformed envelope from %s", sess.peerID)
			return
		}
		plaintext, err := cryptosession.OpenControlFrame(sess.key(), env.IV, env.Tag, env.Payload)
		if err != nil {
			*failures++
			m.bus.Emit(events.Event{Kind: events.SecurityError, ErrorKind: "DecryptionError", ErrorText: err.Error()})
			if *failures >= maxFailures {
				m.log.Warnf("too many decryption failures from %s, tearing down session", sess.peerID)
				sess.teardown()
			}
			return
		}
		*failures = 0

		var inner model.ControlMessage
		if err := json.Unmarshal(plaintext, &inner); err != nil {
			m.log.Warnf("dropping malformed decrypted frame from %s", sess.peerID)
			return
		}
		m.handleDecoded(sess, &inner)
		return
	}

	// Non-enveloped frame: reject any sensitive type transmitted in
	// plaintext per the Encrypted Frame Envelope invariant (spec.md §3).
	var plain model.ControlMessage
	if err := json.Unmarshal(raw, &plain); err != nil {
		m.log.Warnf("dropping unparseable plaintext frame from %s", sess.peerID)
		return
	}
	if model.IsSensitive(plain.Type) {
		m.bus.Emit(events.Event{Kind: events.SecurityError, ErrorKind: "PolicyError", ErrorText: fmt.Sprintf("sensitive type %s arrived in plaintext", plain.Type)})
		return
	}
	m.handleDecoded(sess, &plain)
}

func (m *Manager) handleDecoded(sess *session, msg *model.ControlMessage) {
	if m.promoter != nil {
		m.promoter.PromoteOnTraffic(sess.peerID)
	}

	switch msg.Type {
	case model.TypePing:
		pong := &model.ControlMessage{Type: model.TypePong, SenderID: m.self.DeviceID, Timestamp: time.Now().UnixMilli()}
		if err := m.sendEncrypted(sess, pong); err != nil {
			m.log.Warnf("failed to send PONG to %s: %v", sess.peerID, err)
		}
		return
	case model.TypePong:
		m.resolvePong(sess.peerID)
		return
	}
	if m.handler != nil {
		m.handler.HandleFrame(sess.peerID, msg)
	}
}
