package wire

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperconnect/hyperconnect/internal/hcerr"
)

type frame struct {
	Type string `json:"type"`
	N    int    `json:"n"`
}

func TestWriteFrameThenNextRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteFrame(frame{Type: "PING", N: 1}))
	require.NoError(t, w.WriteFrame(frame{Type: "PONG", N: 2}))

	r := NewReader(&buf)
	var f1, f2 frame
	require.NoError(t, r.Next(&f1))
	require.NoError(t, r.Next(&f2))
	assert.Equal(t, frame{Type: "PING", N: 1}, f1)
	assert.Equal(t, frame{Type: "PONG", N: 2}, f2)
}

func TestNextReturnsFrameParseErrorOnMalformedLineAndKeepsReading(t *testing.T) {
	input := "not json\n" + `{"type":"PING","n":7}` + "\n"
	r := NewReader(strings.NewReader(input))

	var f frame
	err := r.Next(&f)
	require.Error(t, err)
	var parseErr *hcerr.FrameParseError
	assert.True(t, errors.As(err, &parseErr))

	require.NoError(t, r.Next(&f))
	assert.Equal(t, 7, f.N)
}

func TestNextReturnsIOEOFAtStreamEnd(t *testing.T) {
	r := NewReader(strings.NewReader(""))
	var f frame
	err := r.Next(&f)
	require.Error(t, err)
	var parseErr *hcerr.FrameParseError
	assert.False(t, errors.As(err, &parseErr))
	assert.ErrorIs(t, err, io.EOF)
}

func TestWriteFileStreamHeaderAndPeekFileStream(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteFileStreamHeader("abc-123"))
	buf.WriteString("ciphertext-bytes-follow")

	br := bufio.NewReaderSize(&buf, 4096)
	isStream, fileID, residual, err := PeekFileStream(br)
	require.NoError(t, err)
	assert.True(t, isStream)
	assert.Equal(t, "abc-123", fileID)
	assert.Equal(t, "ciphertext-bytes-follow", string(residual))
}

func TestPeekFileStreamFalseForControlFrame(t *testing.T) {
	br := bufio.NewReaderSize(strings.NewReader(`{"type":"PING"}`+"\n"), 4096)
	isStream, fileID, residual, err := PeekFileStream(br)
	require.NoError(t, err)
	assert.False(t, isStream)
	assert.Empty(t, fileID)
	assert.Nil(t, residual)
}
