package messaging

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperconnect/hyperconnect/internal/events"
	"github.com/hyperconnect/hyperconnect/internal/hcerr"
	"github.com/hyperconnect/hyperconnect/internal/model"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []*model.ControlMessage
	fail bool
}

func (f *fakeSender) Send(peerID uuid.UUID, msg *model.ControlMessage) error {
	if f.fail {
		return hcerr.ErrPeerOffline
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

type fakeHistory struct {
	mu       sync.Mutex
	sentAt   map[string]time.Time
	deleted  map[string]model.DeleteScope
	incoming map[string]string
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{
		sentAt:   make(map[string]time.Time),
		deleted:  make(map[string]model.DeleteScope),
		incoming: make(map[string]string),
	}
}

func (h *fakeHistory) RecordOutgoing(peerID uuid.UUID, messageID string, payload string, sentAt time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sentAt[messageID] = sentAt
}

func (h *fakeHistory) RecordIncoming(peerID uuid.UUID, messageID string, payload string, receivedAt time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.incoming[messageID] = payload
}

func (h *fakeHistory) MessageSentAt(messageID string) (time.Time, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.sentAt[messageID]
	return t, ok
}

func (h *fakeHistory) MarkDeleted(messageID string, scope model.DeleteScope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deleted[messageID] = scope
}

func testLogger() *log.Logger {
	return log.New(io.Discard)
}

func newTestEngine(t *testing.T) (*Engine, *fakeSender, *fakeHistory, *events.Bus) {
	self, err := uuid.NewV4()
	require.NoError(t, err)
	sender := &fakeSender{}
	history := newFakeHistory()
	bus := events.New(16, testLogger())
	return New(self, sender, history, bus, testLogger()), sender, history, bus
}

func TestSendMessageRecordsAndEmits(t *testing.T) {
	e, sender, history, bus := newTestEngine(t)
	peer, _ := uuid.NewV4()

	id, err := e.SendMessage(peer, "hello", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	assert.Len(t, sender.sent, 1)
	assert.Equal(t, model.TypeMessage, sender.sent[0].Type)

	_, ok := history.MessageSentAt(id)
	assert.True(t, ok)

	ev := <-bus.Events()
	assert.Equal(t, events.MessageSent, ev.Kind)
}

func TestHandleFrameMessageSendsDeliveryReceipt(t *testing.T) {
	e, sender, history, bus := newTestEngine(t)
	peer, _ := uuid.NewV4()

	e.HandleFrame(peer, &model.ControlMessage{Type: model.TypeMessage, MessageID: "m1", Payload: "hi"})

	assert.Len(t, sender.sent, 1)
	assert.Equal(t, model.TypeMessageDelivered, sender.sent[0].Type)
	assert.Equal(t, "m1", sender.sent[0].AckID)
	assert.Equal(t, "hi", history.incoming["m1"])

	ev := <-bus.Events()
	assert.Equal(t, events.MessageReceived, ev.Kind)
}

func TestMarkReadIsIdempotent(t *testing.T) {
	e, sender, _, _ := newTestEngine(t)
	peer, _ := uuid.NewV4()

	require.NoError(t, e.MarkRead(peer, "m1"))
	require.NoError(t, e.MarkRead(peer, "m1"))
	assert.Len(t, sender.sent, 2)
}

func TestDeleteRemoteFailsWhenPeerOffline(t *testing.T) {
	e, sender, history, _ := newTestEngine(t)
	peer, _ := uuid.NewV4()
	sender.fail = true
	history.sentAt["m1"] = time.Now()

	err := e.DeleteRemote(peer, "m1")
	assert.ErrorIs(t, err, hcerr.ErrPeerOffline)
}

func TestDeleteRemoteFailsAfterWindowExpires(t *testing.T) {
	e, _, history, _ := newTestEngine(t)
	peer, _ := uuid.NewV4()
	history.sentAt["m1"] = time.Now().Add(-DeleteWindow - time.Minute)

	err := e.DeleteRemote(peer, "m1")
	require.Error(t, err)
}

func TestDeleteRemoteUnknownMessageFailsNotFound(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	peer, _ := uuid.NewV4()

	err := e.DeleteRemote(peer, "missing")
	assert.ErrorIs(t, err, hcerr.ErrPeerNotFound)
}
