// Package wire implements the Frame Codec (spec.md §4.B): newline-delimited
// JSON framing over a control socket, plus detection of the raw file-stream
// header that hands a connection off to the transfer engine.
//
// Grounded on client/cborplugin/incoming_conn.go's decoder-per-connection
// shape (one decoder bound to one net.Conn, a single read loop per
// connection) adapted from CBOR to the spec's mandatory NDJSON framing.
package wire

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/hyperconnect/hyperconnect/internal/hcerr"
)

// FileStreamPrefix is the 12-byte literal that distinguishes a raw
// file-stream socket from an NDJSON control socket (spec.md §4.B, §6).
const FileStreamPrefix = "FILE_STREAM:"

// Writer serializes frames as newline-terminated JSON onto w. Safe for use
// by a single writer goroutine; callers needing multi-producer safety
// should wrap calls in the per-socket serializer described in spec.md §4.E.
type Writer struct {
	w io.Writer
}

func NewWriter(w io.Writer) *Writer { return &Writer{w: w} }

// WriteFrame marshals v to JSON and writes it followed by a newline.
func (w *Writer) WriteFrame(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("wire: marshal frame: %w", err)
	}
	data = append(data, '\n')
	_, err = w.w.Write(data)
	return err
}

// WriteFileStreamHeader writes the FILE_STREAM:<fileId> header line that
// opens a dedicated file-transfer socket (spec.md §4.G step 2).
func (w *Writer) WriteFileStreamHeader(fileID string) error {
	_, err := io.WriteString(w.w, FileStreamPrefix+fileID+"\n")
	return err
}

// Reader buffers incoming bytes, splits on '\n', and yields decoded
// frames. Partial trailing content is retained across calls to Next;
// a parse failure on one line is reported but does not terminate the
// stream, matching spec.md §4.B's error policy.
type Reader struct {
	br *bufio.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 64*1024)}
}

// Next reads and decodes the next complete NDJSON line into v. It returns
// a *hcerr.FrameParseError if the line was malformed JSON — callers should
// log and continue reading rather than closing the connection. Any other
// returned error (including io.EOF) indicates the underlying stream ended
// or failed and the connection should be torn down.
func (r *Reader) Next(v interface{}) error {
	for {
		line, err := r.br.ReadBytes('\n')
		if len(line) == 0 && err != nil {
			return err
		}
		line = bytes.TrimRight(line, "\r\n")
		if len(line) == 0 {
			if err != nil {
				return err
			}
			continue
		}
		if jsonErr := json.Unmarshal(line, v); jsonErr != nil {
			if err != nil {
				return err
			}
			return hcerr.NewFrameParseError("%w", jsonErr)
		}
		return nil
	}
}

// PeekFileStream inspects the first bytes available from r without
// consuming the NDJSON decode path for a control socket. It is intended to
// be called once, immediately after Accept/Dial, before constructing a
// Reader: if the connection opens with FileStreamPrefix, the caller hands
// off to the transfer engine instead of the control-frame path.
//
// fileID is the UUID parsed from the header line, and residual holds any
// bytes read past the header's trailing newline that belong to the
// stream's ciphertext and must be forwarded to the file writer before
// further reads (spec.md §4.B, §4.G step 2 of the receiver side).
func PeekFileStream(br *bufio.Reader) (isFileStream bool, fileID string, residual []byte, err error) {
	probe, err := br.Peek(len(FileStreamPrefix))
	if err != nil {
		// The stream ended or failed before enough bytes arrived to tell;
		// treat as not-a-stream and let the control path's Reader handle
		// the error.
		return false, "", nil, nil
	}
	if string(probe) != FileStreamPrefix {
		return false, "", nil, nil
	}
	header, err := br.ReadString('\n')
	if err != nil {
		return true, "", nil, err
	}
	id := strings.TrimSuffix(strings.TrimPrefix(header, FileStreamPrefix), "\n")
	id = strings.TrimSuffix(id, "\r")

	n := br.Buffered()
	if n > 0 {
		residual = make([]byte, n)
		if _, err := io.ReadFull(br, residual); err != nil {
			return true, id, nil, err
		}
	}
	return true, id, residual, nil
}
