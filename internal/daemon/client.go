package daemon

import (
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"golang.org/x/term"

	"github.com/kiln-build/kiln/internal/protocol"
)

// UnavailableError means the daemon could not be reached or went away before
// delivering an exit chunk. Callers must not confuse it with a build failure:
// a build failure arrives as an ordinary exit code.
type UnavailableError struct {
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("daemon unavailable: %v", e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

const (
	dialAttempts = 5
	dialBackoff  = 100 * time.Millisecond
)

// heartbeatInterval is how often the client reminds the daemon that it is
// still waiting on a long build. A variable so tests can shorten it.
var heartbeatInterval = 30 * time.Second

// Connect dials the daemon on the given loopback port with bounded retries.
// A daemon that just wrote its metadata may still be a few milliseconds away
// from accepting connections.
func Connect(port int) (net.Conn, error) {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	var lastErr error
	for i := 0; i < dialAttempts; i++ {
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		time.Sleep(dialBackoff)
	}
	return nil, &UnavailableError{Err: lastErr}
}

// Execute sends one request over the connection and relays the response
// streams until the exit chunk arrives. Stdin is forwarded in the background
// unless it is an interactive terminal, in which case the daemon immediately
// sees end of input. Periodic heartbeats keep the connection warm for the
// whole build.
func Execute(conn net.Conn, req protocol.Request, stdin *os.File, stdout, stderr io.Writer) (int, error) {
	if err := protocol.SendRequest(conn, req); err != nil {
		return 0, &UnavailableError{Err: err}
	}

	out := protocol.NewChunkWriter(conn)
	go pumpClientStdin(out, stdin)

	stopHeartbeats := make(chan struct{})
	defer close(stopHeartbeats)
	go pumpHeartbeats(out, stopHeartbeats)

	for {
		chunk, err := protocol.ReadChunk(conn)
		if err != nil {
			if _, ok := err.(*protocol.ViolationError); ok {
				return 0, err
			}
			return 0, &UnavailableError{Err: err}
		}

		switch chunk.Type {
		case protocol.ChunkStdout:
			if _, err := stdout.Write(chunk.Payload); err != nil {
				return 0, err
			}
		case protocol.ChunkStderr:
			if _, err := stderr.Write(chunk.Payload); err != nil {
				return 0, err
			}
		case protocol.ChunkExit:
			return protocol.DecodeExitCode(chunk.Payload)
		default:
			return 0, &protocol.ViolationError{
				Reason: fmt.Sprintf("unexpected response chunk type %q", chunk.Type),
			}
		}
	}
}

// pumpHeartbeats sends a heartbeat chunk every heartbeatInterval until the
// invocation finishes. The daemon restarts its idle countdown on every
// inbound chunk, so a slow build never looks abandoned.
func pumpHeartbeats(out *protocol.ChunkWriter, stop <-chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := out.Write(protocol.Chunk{Type: protocol.ChunkHeartbeat}); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

// pumpClientStdin forwards local stdin to the daemon as stdin chunks,
// terminated by a stdin-eof chunk. An interactive terminal is not pumped;
// builds are non-interactive and reading a tty would hang the invocation.
func pumpClientStdin(out *protocol.ChunkWriter, stdin *os.File) {
	if stdin == nil || term.IsTerminal(int(stdin.Fd())) {
		out.Write(protocol.Chunk{Type: protocol.ChunkStdinEOF})
		return
	}

	buf := make([]byte, 32*1024)
	for {
		n, err := stdin.Read(buf)
		if n > 0 {
			if werr := out.Write(protocol.Chunk{Type: protocol.ChunkStdin, Payload: buf[:n]}); werr != nil {
				return
			}
		}
		if err != nil {
			out.Write(protocol.Chunk{Type: protocol.ChunkStdinEOF})
			return
		}
	}
}
