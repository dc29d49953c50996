// Package protocol implements the framed socket protocol spoken between the
// kiln client and the build daemon.
//
// Communications proceed as follows:
//
//  1. Client connects to the daemon's TCP port
//  2. Client transmits zero or more Argv chunks
//  3. Client transmits zero or more Env chunks
//  4. Client transmits exactly one WorkingDir chunk
//  5. Client transmits a Start chunk (or the first Stdin chunk, which
//     implicitly starts the request)
//
// After step 5, interleaved and in any order:
//
//  6. Client transmits zero or more Stdin chunks, terminated by StdinEOF
//  7. Server transmits zero or more Stdout and Stderr chunks
//
// The exchange ends when the server transmits exactly one Exit chunk, which
// is always the final chunk of a response. Heartbeat chunks may be sent by
// the client at any time and carry no payload.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

// Chunk types on the wire. Single printable bytes to keep captures readable.
const (
	ChunkArgv       byte = 'A'
	ChunkEnv        byte = 'E'
	ChunkWorkingDir byte = 'D'
	ChunkStart      byte = 'S'
	ChunkStdin      byte = '0'
	ChunkStdinEOF   byte = '.'
	ChunkStdout     byte = '1'
	ChunkStderr     byte = '2'
	ChunkExit       byte = 'X'
	ChunkHeartbeat  byte = 'H'
)

// MaxPayload limits individual chunk payloads to 1MB.
const MaxPayload = 1 << 20

// headerBytes is the fixed chunk header size: 1-byte type + 4-byte length.
const headerBytes = 5

// Chunk is one typed, length-prefixed unit of the wire protocol.
type Chunk struct {
	Type    byte
	Payload []byte
}

// ViolationError reports a malformed chunk. The connection that produced it
// must be dropped; other connections are unaffected.
type ViolationError struct {
	Reason string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("protocol violation: %s", e.Reason)
}

func validType(t byte) bool {
	switch t {
	case ChunkArgv, ChunkEnv, ChunkWorkingDir, ChunkStart,
		ChunkStdin, ChunkStdinEOF, ChunkStdout, ChunkStderr,
		ChunkExit, ChunkHeartbeat:
		return true
	}
	return false
}

// WriteChunk writes a single framed chunk to w.
// Wire format: [type:1][length:4 BE][payload].
func WriteChunk(w io.Writer, c Chunk) error {
	if len(c.Payload) > MaxPayload {
		return &ViolationError{Reason: fmt.Sprintf("payload of %d bytes exceeds limit", len(c.Payload))}
	}
	header := make([]byte, headerBytes)
	header[0] = c.Type
	binary.BigEndian.PutUint32(header[1:5], uint32(len(c.Payload)))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write chunk header: %w", err)
	}
	if len(c.Payload) > 0 {
		if _, err := w.Write(c.Payload); err != nil {
			return fmt.Errorf("write chunk payload: %w", err)
		}
	}
	return nil
}

// ReadChunk reads a single framed chunk from r. The payload is drained
// before the type is validated so a bad chunk never leaves stale payload
// bytes on the stream.
func ReadChunk(r io.Reader) (Chunk, error) {
	header := make([]byte, headerBytes)
	if _, err := io.ReadFull(r, header); err != nil {
		return Chunk{}, err
	}
	c := Chunk{Type: header[0]}
	length := binary.BigEndian.Uint32(header[1:5])

	if length > MaxPayload {
		return Chunk{}, &ViolationError{
			Reason: fmt.Sprintf("declared payload of %d bytes exceeds limit", length),
		}
	}
	if length > 0 {
		c.Payload = make([]byte, length)
		if _, err := io.ReadFull(r, c.Payload); err != nil {
			return Chunk{}, fmt.Errorf("read chunk payload: %w", err)
		}
	}
	if !validType(c.Type) {
		return Chunk{}, &ViolationError{
			Reason: fmt.Sprintf("unknown chunk type 0x%02x", c.Type),
		}
	}
	return c, nil
}

// EncodeExitCode encodes an exit code as the Exit chunk payload: a 4-byte
// big-endian signed integer.
func EncodeExitCode(code int) []byte {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(int32(code)))
	return payload
}

// DecodeExitCode decodes an Exit chunk payload.
func DecodeExitCode(payload []byte) (int, error) {
	if len(payload) != 4 {
		return 0, &ViolationError{
			Reason: fmt.Sprintf("exit payload is %d bytes, want 4", len(payload)),
		}
	}
	return int(int32(binary.BigEndian.Uint32(payload))), nil
}

// ChunkWriter wraps an io.Writer with mutex protection so concurrent
// goroutines (stdout relay, stderr relay, exit) can write chunks safely.
type ChunkWriter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewChunkWriter creates a thread-safe chunk writer.
func NewChunkWriter(w io.Writer) *ChunkWriter {
	return &ChunkWriter{w: w}
}

// Write sends a chunk with mutex protection.
func (cw *ChunkWriter) Write(c Chunk) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return WriteChunk(cw.w, c)
}

// StreamWriter adapts a ChunkWriter to io.Writer for a fixed chunk type,
// splitting writes larger than MaxPayload into multiple chunks. Used to
// relay executor stdout/stderr as they are produced.
type StreamWriter struct {
	cw        *ChunkWriter
	chunkType byte
}

// NewStreamWriter returns an io.Writer that emits each Write as one or more
// chunks of the given type.
func NewStreamWriter(cw *ChunkWriter, chunkType byte) *StreamWriter {
	return &StreamWriter{cw: cw, chunkType: chunkType}
}

func (sw *StreamWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		n := len(p)
		if n > MaxPayload {
			n = MaxPayload
		}
		if err := sw.cw.Write(Chunk{Type: sw.chunkType, Payload: p[:n]}); err != nil {
			return written, err
		}
		written += n
		p = p[n:]
	}
	return written, nil
}
