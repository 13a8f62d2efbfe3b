// Package transfer implements the File Transfer Engine (spec.md §4.G):
// initiate/accept/reject/cancel, a dedicated stream socket per transfer,
// chunked AES-256-CTR streaming with progress/speed/ETA, and an
// end-of-transfer SHA-256 integrity check.
//
// Grounded on stream/stream.go's frame-sequenced push shape, simplified
// down to a plain chunked push since this spec has no retransmission
// requirement, and on the pack's PTHyperdrive-Hoshizora-RSW
// go-node/file_transfer.go chunk-then-hash-then-assemble pipeline, the
// closest pack example to "stream chunks, track a running SHA-256, verify
// at EOF".
package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gofrs/uuid"

	"github.com/hyperconnect/hyperconnect/internal/cryptosession"
	"github.com/hyperconnect/hyperconnect/internal/events"
	"github.com/hyperconnect/hyperconnect/internal/hcerr"
	"github.com/hyperconnect/hyperconnect/internal/model"
)

// ChunkSize is the recommended streaming unit (spec.md §4.G).
const ChunkSize = 256 * 1024

// IdleTimeout tears down a stalled active transfer (spec.md §7).
const IdleTimeout = 30 * time.Second

// Sender delivers a control frame to an established session.
type Sender interface {
	Send(peerID uuid.UUID, msg *model.ControlMessage) error
}

// PeerResolver looks up a peer's dialable address for opening the
// dedicated stream socket.
type PeerResolver interface {
	Peer(id uuid.UUID) (*model.PeerRecord, bool)
}

// SessionKeyer exposes the derived session key for an established control
// session, reused to key the file stream's AES-256-CTR cipher.
type SessionKeyer interface {
	SessionKey(peerID uuid.UUID) ([cryptosession.SessionKeySize]byte, bool)
}

// StreamDialer opens the raw TCP socket used for one file transfer.
type StreamDialer interface {
	DialStream(ctx context.Context, peer *model.PeerRecord) (net.Conn, error)
}

// Engine is the File Transfer Engine.
type Engine struct {
	log          *log.Logger
	bus          *events.Bus
	self         uuid.UUID
	sender       Sender
	peers        PeerResolver
	sessions     SessionKeyer
	dialer       StreamDialer
	downloadsDir func() string
	autoAccept   func() bool
	dialTimeout  time.Duration

	mu        sync.Mutex
	transfers map[string]*transferState
}

type transferState struct {
	record     model.FileTransferRecord
	localPath  string // outgoing source path
	conn       net.Conn
	lastActive time.Time
}

// New constructs an Engine. autoAccept is called fresh on each inbound
// FILE_META and downloadsDir on each accept, so runtime config changes take
// effect without restart.
func New(self uuid.UUID, sender Sender, peers PeerResolver, sessions SessionKeyer, dialer StreamDialer, downloadsDir func() string, autoAccept func() bool, dialTimeout time.Duration, bus *events.Bus, logger *log.Logger) *Engine {
	return &Engine{
		log:          logger.WithPrefix("transfer"),
		bus:          bus,
		self:         self,
		sender:       sender,
		peers:        peers,
		sessions:     sessions,
		dialer:       dialer,
		downloadsDir: downloadsDir,
		autoAccept:   autoAccept,
		dialTimeout:  dialTimeout,
		transfers:    make(map[string]*transferState),
	}
}

// InitiateTransfer stats localPath, mints a fileId, and sends FILE_META to
// peerID (spec.md §4.G outbound initiate).
func (e *Engine) InitiateTransfer(peerID uuid.UUID, localPath string) (string, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return "", hcerr.NewTransferError("stat %s: %w", localPath, err)
	}
	id, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	fileID := id.String()

	rec := model.FileTransferRecord{
		FileID:    fileID,
		Direction: model.DirectionOutgoing,
		PeerID:    peerID,
		Filename:  filepath.Base(localPath),
		Path:      localPath,
		Size:      info.Size(),
		Status:    model.TransferPending,
		StartedAt: time.Now(),
	}
	e.mu.Lock()
	e.transfers[fileID] = &transferState{record: rec, localPath: localPath, lastActive: time.Now()}
	e.mu.Unlock()

	e.bus.Emit(events.Event{Kind: events.TransferCreated, Device: peerID, Transfer: &rec})

	msg := &model.ControlMessage{
		Type:      model.TypeFileMeta,
		SenderID:  e.self,
		Timestamp: time.Now().UnixMilli(),
		FileID:    fileID,
		Name:      rec.Filename,
		Size:      rec.Size,
	}
	if err := e.sender.Send(peerID, msg); err != nil {
		e.failTransfer(fileID, err)
		return "", err
	}
	return fileID, nil
}

// AcceptTransfer resolves a collision-safe target path in the configured
// downloads directory and sends FILE_ACCEPT (spec.md §4.G accept flow).
func (e *Engine) AcceptTransfer(fileID string) error {
	e.mu.Lock()
	st, ok := e.transfers[fileID]
	e.mu.Unlock()
	if !ok {
		return hcerr.NewTransferError("unknown transfer %s", fileID)
	}

	target := resolveCollisionFreePath(e.downloadsDir(), st.record.Filename)

	e.mu.Lock()
	st.record.Path = target
	st.record.Status = model.TransferActive
	e.mu.Unlock()

	return e.sender.Send(st.record.PeerID, &model.ControlMessage{
		Type:      model.TypeFileAccept,
		SenderID:  e.self,
		Timestamp: time.Now().UnixMilli(),
		FileID:    fileID,
	})
}

// RejectTransfer sends FILE_REJECT and discards the pending record.
func (e *Engine) RejectTransfer(fileID string) error {
	e.mu.Lock()
	st, ok := e.transfers[fileID]
	if ok {
		delete(e.transfers, fileID)
	}
	e.mu.Unlock()
	if !ok {
		return hcerr.NewTransferError("unknown transfer %s", fileID)
	}

	err := e.sender.Send(st.record.PeerID, &model.ControlMessage{
		Type:      model.TypeFileReject,
		SenderID:  e.self,
		Timestamp: time.Now().UnixMilli(),
		FileID:    fileID,
	})
	st.record.Status = model.TransferRejected
	e.bus.Emit(events.Event{Kind: events.TransferRejected, Device: st.record.PeerID, Transfer: &st.record})
	return err
}

// CancelTransfer sends FILE_CANCEL and, if the stream is active, closes
// its socket (spec.md §4.G reject/cancel).
func (e *Engine) CancelTransfer(fileID string) error {
	e.mu.Lock()
	st, ok := e.transfers[fileID]
	if ok {
		st.record.Status = model.TransferCancelled
		if st.conn != nil {
			st.conn.Close()
		}
		delete(e.transfers, fileID)
	}
	e.mu.Unlock()
	if !ok {
		return hcerr.NewTransferError("unknown transfer %s", fileID)
	}

	err := e.sender.Send(st.record.PeerID, &model.ControlMessage{
		Type:      model.TypeFileCancel,
		SenderID:  e.self,
		Timestamp: time.Now().UnixMilli(),
		FileID:    fileID,
	})
	e.bus.Emit(events.Event{Kind: events.TransferCancelled, Device: st.record.PeerID, Transfer: &st.record})
	return err
}

// HandleFrame implements connmgr.FrameHandler for file-related control
// types.
func (e *Engine) HandleFrame(peerID uuid.UUID, msg *model.ControlMessage) {
	switch msg.Type {
	case model.TypeFileMeta:
		e.onFileMeta(peerID, msg)
	case model.TypeFileAccept:
		e.onFileAccept(peerID, msg)
	case model.TypeFileReject:
		e.onFileReject(peerID, msg)
	case model.TypeFileCancel:
		e.onFileCancel(peerID, msg)
	}
}

// onFileMeta is the receiver side of an inbound FILE_META: it records a
// pending transfer and either surfaces it for the host to accept/reject, or,
// if auto-accept is configured, immediately runs the accept flow itself
// (spec.md §4.G inbound meta).
func (e *Engine) onFileMeta(peerID uuid.UUID, msg *model.ControlMessage) {
	rec := model.FileTransferRecord{
		FileID:    msg.FileID,
		Direction: model.DirectionIncoming,
		PeerID:    peerID,
		Filename:  msg.Name,
		Size:      msg.Size,
		SHA256:    msg.SHA256,
		Status:    model.TransferPending,
		StartedAt: time.Now(),
	}
	e.mu.Lock()
	e.transfers[msg.FileID] = &transferState{record: rec, lastActive: time.Now()}
	e.mu.Unlock()
	e.bus.Emit(events.Event{Kind: events.TransferCreated, Device: peerID, Transfer: &rec})

	if e.autoAccept != nil && e.autoAccept() {
		if err := e.AcceptTransfer(msg.FileID); err != nil {
			e.log.Warnf("auto-accept failed for %s: %v", msg.FileID, err)
		}
	}
}

// onFileAccept is the sender side reacting to the receiver's FILE_ACCEPT:
// dial the dedicated stream socket and push the file (spec.md §4.G
// streaming-sender steps 1-3).
func (e *Engine) onFileAccept(peerID uuid.UUID, msg *model.ControlMessage) {
	e.mu.Lock()
	st, ok := e.transfers[msg.FileID]
	e.mu.Unlock()
	if !ok || st.record.Direction != model.DirectionOutgoing {
		return
	}

	peer, ok := e.peers.Peer(peerID)
	if !ok {
		e.failTransfer(msg.FileID, hcerr.ErrPeerNotFound)
		return
	}
	key, ok := e.sessions.SessionKey(peerID)
	if !ok {
		e.failTransfer(msg.FileID, hcerr.ErrPeerOffline)
		return
	}

	go e.streamOut(peer, key, st)
}

func (e *Engine) streamOut(peer *model.PeerRecord, key [cryptosession.SessionKeySize]byte, st *transferState) {
	fileID := st.record.FileID
	ctx, cancel := context.WithTimeout(context.Background(), e.dialTimeout)
	defer cancel()

	conn, err := e.dialer.DialStream(ctx, peer)
	if err != nil {
		e.failTransfer(fileID, err)
		return
	}
	defer conn.Close()

	e.mu.Lock()
	st.conn = conn
	st.record.Status = model.TransferActive
	e.mu.Unlock()

	f, err := os.Open(st.localPath)
	if err != nil {
		e.failTransfer(fileID, err)
		return
	}
	defer f.Close()

	if _, err := io.WriteString(conn, "FILE_STREAM:"+fileID+"\n"); err != nil {
		e.failTransfer(fileID, err)
		return
	}
	iv, stream, err := cryptosession.NewFileStreamEncrypter(key)
	if err != nil {
		e.failTransfer(fileID, err)
		return
	}
	if _, err := conn.Write(iv); err != nil {
		e.failTransfer(fileID, err)
		return
	}

	start := time.Now()
	var transferred int64
	buf := make([]byte, ChunkSize)
	ciphertext := make([]byte, ChunkSize)

	for {
		n, readErr := f.Read(buf)
		if n > 0 {
			stream.XORKeyStream(ciphertext[:n], buf[:n])
			if _, err := conn.Write(ciphertext[:n]); err != nil {
				e.failTransfer(fileID, err)
				return
			}
			transferred += int64(n)
			e.reportProgress(fileID, transferred, start)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			e.failTransfer(fileID, readErr)
			return
		}
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		tc.CloseWrite()
	}
	e.completeTransfer(fileID, transferred, start, "")
}

func (e *Engine) onFileReject(peerID uuid.UUID, msg *model.ControlMessage) {
	e.mu.Lock()
	st, ok := e.transfers[msg.FileID]
	if ok {
		delete(e.transfers, msg.FileID)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	st.record.Status = model.TransferRejected
	e.bus.Emit(events.Event{Kind: events.TransferRejected, Device: peerID, Transfer: &st.record})
}

func (e *Engine) onFileCancel(peerID uuid.UUID, msg *model.ControlMessage) {
	e.mu.Lock()
	st, ok := e.transfers[msg.FileID]
	if ok {
		if st.conn != nil {
			st.conn.Close()
		}
		delete(e.transfers, msg.FileID)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	st.record.Status = model.TransferCancelled
	e.bus.Emit(events.Event{Kind: events.TransferCancelled, Device: peerID, Transfer: &st.record})
}

// HandleFileStream implements connmgr.FileStreamHandler: the receiver side
// of spec.md §4.G's streaming flow. conn has already had its
// FILE_STREAM:<fileId> header line consumed by the caller; residual holds
// any bytes already buffered past that header (the start of the IV, or
// the IV plus the start of ciphertext, depending on how much the OS
// coalesced into the first read).
func (e *Engine) HandleFileStream(conn net.Conn, fileID string, residual []byte) {
	defer conn.Close()

	e.mu.Lock()
	st, ok := e.transfers[fileID]
	e.mu.Unlock()
	if !ok || st.record.Direction != model.DirectionIncoming {
		e.log.Warnf("file stream for unknown or unexpected transfer %s", fileID)
		return
	}

	key, ok := e.sessions.SessionKey(st.record.PeerID)
	if !ok {
		e.failTransfer(fileID, hcerr.ErrPeerOffline)
		return
	}

	iv, residual, err := readExactly(conn, residual, cryptosession.CTRIVSize)
	if err != nil {
		e.failTransfer(fileID, err)
		return
	}
	stream, err := cryptosession.NewFileStreamDecrypter(key, iv)
	if err != nil {
		e.failTransfer(fileID, err)
		return
	}

	if err := os.MkdirAll(filepath.Dir(st.record.Path), 0o755); err != nil {
		e.failTransfer(fileID, err)
		return
	}
	out, err := os.Create(st.record.Path)
	if err != nil {
		e.failTransfer(fileID, err)
		return
	}
	defer out.Close()

	e.mu.Lock()
	st.conn = conn
	e.mu.Unlock()

	hash := sha256.New()
	start := time.Now()
	var received int64

	plaintext := make([]byte, len(residual))
	if len(residual) > 0 {
		stream.XORKeyStream(plaintext, residual)
		if _, err := out.Write(plaintext); err != nil {
			e.failTransfer(fileID, err)
			return
		}
		hash.Write(plaintext)
		received += int64(len(residual))
		e.reportProgress(fileID, received, start)
	}

	buf := make([]byte, ChunkSize)
	plainBuf := make([]byte, ChunkSize)
	for {
		conn.SetReadDeadline(time.Now().Add(IdleTimeout))
		n, readErr := conn.Read(buf)
		if n > 0 {
			stream.XORKeyStream(plainBuf[:n], buf[:n])
			if _, err := out.Write(plainBuf[:n]); err != nil {
				e.failTransfer(fileID, err)
				return
			}
			hash.Write(plainBuf[:n])
			received += int64(n)
			e.reportProgress(fileID, received, start)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if ne, ok := readErr.(net.Error); ok && ne.Timeout() {
				e.failTransfer(fileID, hcerr.NewTransferError("idle timeout after %s", IdleTimeout))
				return
			}
			e.failTransfer(fileID, readErr)
			return
		}
	}

	sum := hex.EncodeToString(hash.Sum(nil))
	if st.record.SHA256 != "" && !strings.EqualFold(st.record.SHA256, sum) {
		e.failTransfer(fileID, hcerr.NewTransferError("checksum mismatch: expected %s got %s", st.record.SHA256, sum))
		return
	}
	e.completeTransfer(fileID, received, start, sum)
}

func (e *Engine) reportProgress(fileID string, transferred int64, start time.Time) {
	e.mu.Lock()
	st, ok := e.transfers[fileID]
	if !ok {
		e.mu.Unlock()
		return
	}
	st.record.Transferred = transferred
	st.lastActive = time.Now()
	elapsed := time.Since(start).Seconds()
	if elapsed > 0 {
		st.record.SpeedBps = float64(transferred) / elapsed
	}
	if st.record.SpeedBps > 0 {
		st.record.ETASeconds = float64(st.record.Size-transferred) / st.record.SpeedBps
	}
	rec := st.record
	e.mu.Unlock()

	e.bus.Emit(events.Event{Kind: events.TransferProgress, Device: rec.PeerID, Transfer: &rec})
}

func (e *Engine) completeTransfer(fileID string, transferred int64, start time.Time, sha string) {
	e.mu.Lock()
	st, ok := e.transfers[fileID]
	if !ok {
		e.mu.Unlock()
		return
	}
	st.record.Status = model.TransferCompleted
	st.record.Transferred = transferred
	st.record.SpeedBps = 0
	st.record.ETASeconds = 0
	if sha != "" {
		st.record.SHA256 = sha
	}
	delete(e.transfers, fileID)
	rec := st.record
	e.mu.Unlock()

	e.bus.Emit(events.Event{Kind: events.TransferCompleted, Device: rec.PeerID, Transfer: &rec})
}

func (e *Engine) failTransfer(fileID string, cause error) {
	e.mu.Lock()
	st, ok := e.transfers[fileID]
	if !ok {
		e.mu.Unlock()
		return
	}
	st.record.Status = model.TransferFailed
	st.record.Error = cause.Error()
	delete(e.transfers, fileID)
	rec := st.record
	e.mu.Unlock()

	e.log.Warnf("transfer %s failed: %v", fileID, cause)
	e.bus.Emit(events.Event{Kind: events.TransferFailed, Device: rec.PeerID, Transfer: &rec, ErrorKind: "TransferError", ErrorText: cause.Error()})
}

// resolveCollisionFreePath appends " (n)" to the base name until the
// candidate path does not already exist (spec.md §4.G accept flow).
func resolveCollisionFreePath(dir, filename string) string {
	candidate := filepath.Join(dir, filename)
	if _, err := os.Stat(candidate); os.IsNotExist(err) {
		return candidate
	}
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filename, ext)
	for n := 1; ; n++ {
		candidate = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", base, n, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

// readExactly returns the first n bytes available, drawing first from
// residual (already-buffered bytes from the header peek) and then reading
// the remainder from conn. It also returns whatever of residual is left
// over past n, which belongs to the ciphertext stream.
func readExactly(conn net.Conn, residual []byte, n int) (head []byte, rest []byte, err error) {
	if len(residual) >= n {
		return residual[:n], residual[n:], nil
	}
	head = make([]byte, n)
	copy(head, residual)
	if _, err := io.ReadFull(conn, head[len(residual):]); err != nil {
		return nil, nil, err
	}
	return head, nil, nil
}
