// Package events is hyperconnect's single outward Event Bus. It adapts the
// teacher's client/cborplugin/events.go pattern — one tagged struct with a
// field per event kind, fanned out over an encoder — into a closed Go sum
// type delivered over a single buffered channel, matching spec.md §4.H.
package events

import (
	"github.com/charmbracelet/log"
	"github.com/gofrs/uuid"

	"github.com/hyperconnect/hyperconnect/internal/model"
)

// Kind identifies which field of Event is populated.
type Kind string

const (
	DeviceFound           Kind = "device_found"
	DeviceLost            Kind = "device_lost"
	DeviceConnected       Kind = "device_connected"
	DeviceDisconnected    Kind = "device_disconnected"
	MessageReceived       Kind = "message_received"
	MessageSent           Kind = "message_sent"
	MessageStatusUpdated  Kind = "message_status_updated"
	MessageDeleted        Kind = "message_deleted"
	TransferCreated       Kind = "transfer_created"
	TransferProgress      Kind = "transfer_progress"
	TransferCompleted     Kind = "transfer_completed"
	TransferFailed        Kind = "transfer_failed"
	TransferCancelled     Kind = "transfer_cancelled"
	TransferRejected      Kind = "transfer_rejected"
	SecurityError         Kind = "security_error"
)

// Event is the single wire type emitted to the shell. Kind says which
// fields are set: Peer for device_found/device_lost, Transfer for
// transfer_* events, MessageID/From/Payload/Status for message events,
// ErrorKind/ErrorText for security_error and transfer_failed, and Device
// for most kinds. Fields not used by a kind are left at their zero value.
type Event struct {
	Kind Kind

	Peer   *model.PeerRecord
	Device uuid.UUID

	MessageID string
	From      uuid.UUID
	Payload   string
	Status    string

	Transfer *model.FileTransferRecord

	ErrorKind string
	ErrorText string
}

// Bus is a best-effort, non-blocking outward sink. A full channel drops
// the event and logs, per spec.md §4.H.
type Bus struct {
	ch  chan Event
	log *log.Logger
}

// New creates a Bus with the given buffer size.
func New(buf int, logger *log.Logger) *Bus {
	return &Bus{
		ch:  make(chan Event, buf),
		log: logger.WithPrefix("events"),
	}
}

// Events returns the channel consumers should range over.
func (b *Bus) Events() <-chan Event {
	return b.ch
}

// Emit attempts to deliver ev without blocking. On overflow the event is
// dropped and logged.
func (b *Bus) Emit(ev Event) {
	select {
	case b.ch <- ev:
	default:
		b.log.Warnf("event sink full, dropping %s event", ev.Kind)
	}
}

// Close releases the channel. Safe to call once, after all producers have
// stopped.
func (b *Bus) Close() {
	close(b.ch)
}
