// Package history persists a local snapshot of messages and completed
// transfers across restarts. It is supporting infrastructure, not a
// spec.md component: the protocol itself has no durable queue or
// resumable-transfer requirement (an explicit non-goal), but a usable chat
// client still needs to show past conversations after a restart.
//
// Grounded on disk.go's StateWriter: a worker goroutine draining a channel
// of snapshots and writing them atomically via a temp-file-then-rename.
// CBOR (github.com/fxamacker/cbor/v2) replaces the teacher's
// ugorji/go/codec encoding of the same shape, so the module does not carry
// two CBOR implementations for one job; there is no passphrase-derived
// encryption layer here since this snapshot holds no key material, unlike
// disk.go's State.
package history

import (
	"os"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fxamacker/cbor/v2"
	"github.com/gofrs/uuid"

	"github.com/hyperconnect/hyperconnect/internal/model"
	"github.com/hyperconnect/hyperconnect/internal/worker"
)

// messageRecord is one chat message as retained for history display.
type messageRecord struct {
	PeerID      uuid.UUID
	MessageID   string
	Payload     string
	Outgoing    bool
	Timestamp   time.Time
	Deleted     bool
	DeleteScope model.DeleteScope
}

// snapshot is the on-disk CBOR shape.
type snapshot struct {
	Messages  []messageRecord
	Transfers []model.FileTransferRecord
}

// Store is the local history persistence layer.
type Store struct {
	worker.Worker

	log  *log.Logger
	path string

	mu        sync.Mutex
	messages  map[string]*messageRecord // keyed by MessageID
	transfers []model.FileTransferRecord

	writeCh chan snapshot
}

// Load reads an existing snapshot from path, or starts empty if none
// exists, and launches the background writer.
func Load(path string, logger *log.Logger) (*Store, error) {
	s := &Store{
		log:      logger.WithPrefix("history"),
		path:     path,
		messages: make(map[string]*messageRecord),
		writeCh:  make(chan snapshot, 1),
	}

	if data, err := os.ReadFile(path); err == nil {
		var snap snapshot
		if err := cbor.Unmarshal(data, &snap); err != nil {
			return nil, err
		}
		for i := range snap.Messages {
			m := snap.Messages[i]
			s.messages[m.MessageID] = &m
		}
		s.transfers = snap.Transfers
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	s.Go(s.writerLoop)
	return s, nil
}

func (s *Store) writerLoop() {
	for {
		select {
		case <-s.HaltCh():
			return
		case snap := <-s.writeCh:
			if err := s.writeAtomic(snap); err != nil {
				s.log.Errorf("failed to persist history: %v", err)
			}
		}
	}
}

func (s *Store) writeAtomic(snap snapshot) error {
	data, err := cbor.Marshal(snap)
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *Store) enqueueFlush() {
	s.mu.Lock()
	snap := snapshot{
		Messages:  make([]messageRecord, 0, len(s.messages)),
		Transfers: append([]model.FileTransferRecord{}, s.transfers...),
	}
	for _, m := range s.messages {
		snap.Messages = append(snap.Messages, *m)
	}
	s.mu.Unlock()

	select {
	case s.writeCh <- snap:
	default:
		// A flush is already pending; the next mutation's enqueueFlush
		// will carry the latest state, so dropping this one is safe.
	}
}

// RecordOutgoing implements messaging.History.
func (s *Store) RecordOutgoing(peerID uuid.UUID, messageID string, payload string, sentAt time.Time) {
	s.mu.Lock()
	s.messages[messageID] = &messageRecord{PeerID: peerID, MessageID: messageID, Payload: payload, Outgoing: true, Timestamp: sentAt}
	s.mu.Unlock()
	s.enqueueFlush()
}

// RecordIncoming implements messaging.History.
func (s *Store) RecordIncoming(peerID uuid.UUID, messageID string, payload string, receivedAt time.Time) {
	s.mu.Lock()
	s.messages[messageID] = &messageRecord{PeerID: peerID, MessageID: messageID, Payload: payload, Outgoing: false, Timestamp: receivedAt}
	s.mu.Unlock()
	s.enqueueFlush()
}

// MessageSentAt implements messaging.History.
func (s *Store) MessageSentAt(messageID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return time.Time{}, false
	}
	return m.Timestamp, true
}

// MarkDeleted implements messaging.History.
func (s *Store) MarkDeleted(messageID string, scope model.DeleteScope) {
	s.mu.Lock()
	if m, ok := s.messages[messageID]; ok {
		m.Deleted = true
		m.DeleteScope = scope
	}
	s.mu.Unlock()
	s.enqueueFlush()
}

// Conversation returns all non-deleted messages exchanged with peerID,
// oldest first, for rendering chat history on startup.
func (s *Store) Conversation(peerID uuid.UUID) []model.ControlMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.ControlMessage, 0)
	for _, m := range s.messages {
		if m.PeerID != peerID || m.Deleted {
			continue
		}
		out = append(out, model.ControlMessage{
			Type:      model.TypeMessage,
			MessageID: m.MessageID,
			Payload:   m.Payload,
			Timestamp: m.Timestamp.UnixMilli(),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

// RecordTransfer appends a terminal transfer record for history display.
func (s *Store) RecordTransfer(rec model.FileTransferRecord) {
	s.mu.Lock()
	s.transfers = append(s.transfers, rec)
	s.mu.Unlock()
	s.enqueueFlush()
}

// Close halts the writer goroutine, then performs a final synchronous flush.
func (s *Store) Close() {
	s.Halt()
	s.Wait()

	s.mu.Lock()
	snap := snapshot{
		Messages:  make([]messageRecord, 0, len(s.messages)),
		Transfers: append([]model.FileTransferRecord{}, s.transfers...),
	}
	for _, m := range s.messages {
		snap.Messages = append(snap.Messages, *m)
	}
	s.mu.Unlock()

	if err := s.writeAtomic(snap); err != nil {
		s.log.Errorf("failed final history flush: %v", err)
	}
}
