// Package model holds the data types shared across hyperconnect's
// components: node identity, peer records, sessions, wire control messages,
// and file transfer records. Field shape follows disk.go's State struct
// (a flat collection of domain records) and contact.go's Contact type from
// the teacher codebase.
package model

import (
	"net"
	"time"

	"github.com/gofrs/uuid"
)

// NodeIdentity is this process's stable identity, persisted to disk by
// internal/identity.
type NodeIdentity struct {
	DeviceID     uuid.UUID `json:"deviceId"`
	DisplayName  string    `json:"displayName"`
	Platform     string    `json:"platform"`
	AppVersion   string    `json:"appVersion"`
	ProfileImage []byte    `json:"profileImage,omitempty"`
}

// PeerRecord describes a discovered or connected peer, keyed by DeviceID.
type PeerRecord struct {
	DeviceID     uuid.UUID
	DisplayName  string
	Hostname     string
	Addrs        []net.IP
	Port         uint16
	LastSeenMS   int64
	Online       bool
	ProfileImage []byte
}

// DialAddr returns the preferred address to dial: the first non-loopback
// IPv4 address, falling back to the first address of any kind.
func (p *PeerRecord) DialAddr() net.IP {
	var fallback net.IP
	for _, a := range p.Addrs {
		if fallback == nil {
			fallback = a
		}
		if v4 := a.To4(); v4 != nil && !a.IsLoopback() {
			return v4
		}
	}
	return fallback
}

// ControlType enumerates the closed set of control-frame tags.
type ControlType string

const (
	TypeHelloSecure       ControlType = "HELLO_SECURE"
	TypePing              ControlType = "PING"
	TypePong              ControlType = "PONG"
	TypeMessage           ControlType = "MESSAGE"
	TypeMessageDelivered  ControlType = "MESSAGE_DELIVERED"
	TypeMessageRead       ControlType = "MESSAGE_READ"
	TypeMessageDelete     ControlType = "MESSAGE_DELETE"
	TypeFileMeta          ControlType = "FILE_META"
	TypeFileAccept        ControlType = "FILE_ACCEPT"
	TypeFileReject        ControlType = "FILE_REJECT"
	TypeFileCancel        ControlType = "FILE_CANCEL"
	TypeEncryptedMessage  ControlType = "ENCRYPTED_MESSAGE"
)

// sensitiveTypes is the set of control types that must never appear in
// plaintext on the wire (spec §3 invariants).
var sensitiveTypes = map[ControlType]bool{
	TypeMessage:       true,
	TypeFileMeta:      true,
	TypeFileAccept:    true,
	TypeFileReject:    true,
	TypeMessageDelete: true,
}

// IsSensitive reports whether t must be carried inside an encrypted
// envelope.
func IsSensitive(t ControlType) bool {
	return sensitiveTypes[t]
}

// DeleteScope is the scope of a MESSAGE_DELETE request.
type DeleteScope string

const (
	DeleteScopeLocal    DeleteScope = "local"
	DeleteScopeEveryone DeleteScope = "everyone"
)

// ControlMessage is the envelope-free decoded form of a single NDJSON
// frame. Payload fields are optional depending on Type.
type ControlMessage struct {
	Type      ControlType `json:"type"`
	SenderID  uuid.UUID   `json:"senderId,omitempty"`
	MessageID string      `json:"messageId,omitempty"`
	Timestamp int64       `json:"timestamp,omitempty"`

	// HELLO_SECURE
	PublicKey    string `json:"publicKey,omitempty"`
	DisplayName  string `json:"displayName,omitempty"`
	Platform     string `json:"platform,omitempty"`
	ProfileImage []byte `json:"profileImage,omitempty"`

	// MESSAGE
	Payload string  `json:"payload,omitempty"`
	ReplyTo *string `json:"replyTo,omitempty"`

	// MESSAGE_DELIVERED / MESSAGE_READ / MESSAGE_DELETE
	AckID string      `json:"ackId,omitempty"`
	Scope DeleteScope `json:"scope,omitempty"`

	// FILE_META
	FileID   string `json:"fileId,omitempty"`
	Name     string `json:"name,omitempty"`
	Size     int64  `json:"size,omitempty"`
	SHA256   string `json:"sha256,omitempty"`
}

// EncryptedEnvelope is the wire wrapper for any sensitive ControlMessage.
type EncryptedEnvelope struct {
	Type    ControlType `json:"type"`
	IV      string      `json:"iv"`
	Tag     string      `json:"tag"`
	Payload string      `json:"payload"`
}

// TransferDirection is the direction of a file transfer relative to this
// node.
type TransferDirection string

const (
	DirectionOutgoing TransferDirection = "outgoing"
	DirectionIncoming TransferDirection = "incoming"
)

// TransferStatus is the lifecycle state of a FileTransferRecord.
type TransferStatus string

const (
	TransferPending   TransferStatus = "pending"
	TransferActive    TransferStatus = "active"
	TransferCompleted TransferStatus = "completed"
	TransferFailed    TransferStatus = "failed"
	TransferRejected  TransferStatus = "rejected"
	TransferCancelled TransferStatus = "cancelled"
)

// FileTransferRecord tracks one file transfer, keyed by FileID.
type FileTransferRecord struct {
	FileID      string
	Direction   TransferDirection
	PeerID      uuid.UUID
	Filename    string
	Path        string
	Size        int64
	Transferred int64
	SpeedBps    float64
	ETASeconds  float64
	Status      TransferStatus
	Error       string
	SHA256      string
	StartedAt   time.Time
}

// Progress returns the fraction of bytes transferred, in [0,1].
func (f *FileTransferRecord) Progress() float64 {
	if f.Size <= 0 {
		return 0
	}
	return float64(f.Transferred) / float64(f.Size)
}
