// Package messaging implements the Messaging Engine (spec.md §4.F): chat
// send/receive, delivery and read receipts, and remote/local deletion.
//
// Message-id-keyed bookkeeping follows client2/arq.go's ARQ.surbIDMap
// shape (a lock-guarded map keyed by message id); here that map lives in
// the History implementation, and the Engine itself holds no map, lock or
// worker goroutine. The retransmission-on-timeout half of ARQ has no
// counterpart here since spec.md's transport is a reliable TCP stream, not
// a lossy mix network — see DESIGN.md.
package messaging

import (
	"time"

	"github.com/charmbracelet/log"
	"github.com/gofrs/uuid"

	"github.com/hyperconnect/hyperconnect/internal/events"
	"github.com/hyperconnect/hyperconnect/internal/hcerr"
	"github.com/hyperconnect/hyperconnect/internal/model"
)

// DeleteWindow bounds how long after sending a message delete_remote may
// still reach the peer (spec.md §4.F).
const DeleteWindow = 15 * time.Minute

// Sender delivers a ControlMessage to a peer's established session,
// enforcing the encrypted-envelope policy for sensitive types. Implemented
// by internal/connmgr.Manager.
type Sender interface {
	Send(peerID uuid.UUID, msg *model.ControlMessage) error
}

// History records sent/received messages and their status for later
// lookup (e.g. to validate delete_remote's time window). Implemented by
// internal/history.Store.
type History interface {
	RecordOutgoing(peerID uuid.UUID, messageID string, payload string, sentAt time.Time)
	RecordIncoming(peerID uuid.UUID, messageID string, payload string, receivedAt time.Time)
	MessageSentAt(messageID string) (time.Time, bool)
	MarkDeleted(messageID string, scope model.DeleteScope)
}

// Engine is the Messaging Engine.
type Engine struct {
	log     *log.Logger
	bus     *events.Bus
	sender  Sender
	history History
	self    uuid.UUID
}

// New constructs an Engine. self is this node's device id, used to stamp
// outgoing frames.
func New(self uuid.UUID, sender Sender, history History, bus *events.Bus, logger *log.Logger) *Engine {
	return &Engine{
		log:     logger.WithPrefix("messaging"),
		bus:     bus,
		sender:  sender,
		history: history,
		self:    self,
	}
}

// SendMessage sends a chat message to peerID, optionally replying to
// replyTo, and returns the newly minted message id.
func (e *Engine) SendMessage(peerID uuid.UUID, text string, replyTo *string) (string, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	messageID := id.String()
	now := time.Now()

	msg := &model.ControlMessage{
		Type:      model.TypeMessage,
		SenderID:  e.self,
		MessageID: messageID,
		Timestamp: now.UnixMilli(),
		Payload:   text,
		ReplyTo:   replyTo,
	}
	if err := e.sender.Send(peerID, msg); err != nil {
		return "", err
	}

	e.history.RecordOutgoing(peerID, messageID, text, now)
	e.bus.Emit(events.Event{Kind: events.MessageSent, Device: peerID, MessageID: messageID, From: e.self, Payload: text})
	return messageID, nil
}

// HandleFrame implements connmgr.FrameHandler for the message-related
// control types; other types are ignored so Messaging and Transfer can
// share one dispatcher without either owning routing.
func (e *Engine) HandleFrame(peerID uuid.UUID, msg *model.ControlMessage) {
	switch msg.Type {
	case model.TypeMessage:
		e.onMessage(peerID, msg)
	case model.TypeMessageDelivered:
		e.onReceipt(peerID, msg, "delivered")
	case model.TypeMessageRead:
		e.onReceipt(peerID, msg, "read")
	case model.TypeMessageDelete:
		e.onDeleteRequest(peerID, msg)
	}
}

func (e *Engine) onMessage(peerID uuid.UUID, msg *model.ControlMessage) {
	e.history.RecordIncoming(peerID, msg.MessageID, msg.Payload, time.Now())
	e.bus.Emit(events.Event{Kind: events.MessageReceived, Device: peerID, MessageID: msg.MessageID, From: peerID, Payload: msg.Payload})

	ack := &model.ControlMessage{
		Type:      model.TypeMessageDelivered,
		SenderID:  e.self,
		Timestamp: time.Now().UnixMilli(),
		AckID:     msg.MessageID,
	}
	if err := e.sender.Send(peerID, ack); err != nil {
		e.log.Warnf("failed to send delivery receipt for %s: %v", msg.MessageID, err)
	}
}

func (e *Engine) onReceipt(peerID uuid.UUID, msg *model.ControlMessage, status string) {
	e.bus.Emit(events.Event{Kind: events.MessageStatusUpdated, Device: peerID, MessageID: msg.AckID, Status: status})
}

// MarkRead sends a read receipt for messageID to peerID. Idempotent:
// sending a duplicate MESSAGE_READ is harmless since the receiving side
// only updates status, never rejects a repeat (spec.md §8).
func (e *Engine) MarkRead(peerID uuid.UUID, messageID string) error {
	msg := &model.ControlMessage{
		Type:      model.TypeMessageRead,
		SenderID:  e.self,
		Timestamp: time.Now().UnixMilli(),
		AckID:     messageID,
	}
	return e.sender.Send(peerID, msg)
}

// DeleteLocal removes messageID from local history only, without any
// network round trip.
func (e *Engine) DeleteLocal(messageID string) {
	e.history.MarkDeleted(messageID, model.DeleteScopeLocal)
	e.bus.Emit(events.Event{Kind: events.MessageDeleted, MessageID: messageID, Status: string(model.DeleteScopeLocal)})
}

// DeleteRemote requests deletion of messageID on both ends. It fails
// synchronously with hcerr.ErrPeerOffline if no session is currently
// established with peerID; there is no queuing of a deferred delete
// (spec.md §9 open question, resolved in DESIGN.md).
func (e *Engine) DeleteRemote(peerID uuid.UUID, messageID string) error {
	sentAt, ok := e.history.MessageSentAt(messageID)
	if !ok {
		return hcerr.ErrPeerNotFound
	}
	if time.Since(sentAt) > DeleteWindow {
		return hcerr.NewPolicyError("delete window expired for message %s", messageID)
	}

	msg := &model.ControlMessage{
		Type:      model.TypeMessageDelete,
		SenderID:  e.self,
		Timestamp: time.Now().UnixMilli(),
		AckID:     messageID,
		Scope:     model.DeleteScopeEveryone,
	}
	if err := e.sender.Send(peerID, msg); err != nil {
		return err
	}

	e.history.MarkDeleted(messageID, model.DeleteScopeEveryone)
	e.bus.Emit(events.Event{Kind: events.MessageDeleted, Device: peerID, MessageID: messageID, Status: string(model.DeleteScopeEveryone)})
	return nil
}

func (e *Engine) onDeleteRequest(peerID uuid.UUID, msg *model.ControlMessage) {
	e.history.MarkDeleted(msg.AckID, msg.Scope)
	e.bus.Emit(events.Event{Kind: events.MessageDeleted, Device: peerID, MessageID: msg.AckID, Status: string(msg.Scope)})
}
