package history

import (
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperconnect/hyperconnect/internal/model"
)

func testLogger() *log.Logger {
	return log.New(io.Discard)
}

func TestRecordAndReloadSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.cbor")
	peerID, err := uuid.NewV4()
	require.NoError(t, err)

	s1, err := Load(path, testLogger())
	require.NoError(t, err)

	s1.RecordOutgoing(peerID, "m1", "hello", time.Now())
	s1.RecordIncoming(peerID, "m2", "hi back", time.Now())
	s1.Close()

	s2, err := Load(path, testLogger())
	require.NoError(t, err)
	defer s2.Close()

	convo := s2.Conversation(peerID)
	assert.Len(t, convo, 2)

	sentAt, ok := s2.MessageSentAt("m1")
	assert.True(t, ok)
	assert.WithinDuration(t, time.Now(), sentAt, time.Minute)
}

func TestMarkDeletedExcludesFromConversation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.cbor")
	peerID, err := uuid.NewV4()
	require.NoError(t, err)

	s, err := Load(path, testLogger())
	require.NoError(t, err)
	defer s.Close()

	s.RecordOutgoing(peerID, "m1", "secret", time.Now())
	s.MarkDeleted("m1", model.DeleteScopeEveryone)

	assert.Empty(t, s.Conversation(peerID))
}

func TestLoadWithNoExistingFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist.cbor")
	s, err := Load(path, testLogger())
	require.NoError(t, err)
	defer s.Close()

	peerID, _ := uuid.NewV4()
	assert.Empty(t, s.Conversation(peerID))
}
