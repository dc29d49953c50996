package protocol

import (
	"fmt"
	"io"
	"strings"
)

// Request carries everything the daemon needs to execute one command.
// Argv[0] is the command name; reserved names (status, shutdown, logs) are
// handled by the daemon itself, everything else is forwarded to the build
// executor.
type Request struct {
	Argv       []string
	Env        map[string]string
	WorkingDir string
}

// envSep separates key from value in Env chunk payloads.
const envSep = "="

// SendRequest writes the request phase of the protocol: one Argv chunk per
// argument, one Env chunk per variable, the WorkingDir chunk, and a final
// Start chunk marking the request complete.
func SendRequest(w io.Writer, req Request) error {
	for _, arg := range req.Argv {
		if err := WriteChunk(w, Chunk{Type: ChunkArgv, Payload: []byte(arg)}); err != nil {
			return err
		}
	}
	for key, value := range req.Env {
		payload := []byte(key + envSep + value)
		if err := WriteChunk(w, Chunk{Type: ChunkEnv, Payload: payload}); err != nil {
			return err
		}
	}
	if err := WriteChunk(w, Chunk{Type: ChunkWorkingDir, Payload: []byte(req.WorkingDir)}); err != nil {
		return err
	}
	return WriteChunk(w, Chunk{Type: ChunkStart})
}

// ParseRequest reads chunks from r until the request phase is complete:
// Argv, Env and WorkingDir chunks in any order, terminated by a Start chunk
// or implicitly by the first Stdin/StdinEOF chunk. The terminating chunk is
// returned so the caller can feed an implicit-start Stdin chunk into its
// stdin stream. Heartbeats are tolerated and skipped.
//
// onChunk, if non-nil, is invoked for every chunk received. The server uses
// this to reset its idle timer on any traffic.
func ParseRequest(r io.Reader, onChunk func()) (Request, *Chunk, error) {
	req := Request{Env: make(map[string]string)}
	haveWorkingDir := false

	for {
		c, err := ReadChunk(r)
		if err != nil {
			return Request{}, nil, err
		}
		if onChunk != nil {
			onChunk()
		}

		switch c.Type {
		case ChunkArgv:
			req.Argv = append(req.Argv, string(c.Payload))
		case ChunkEnv:
			key, value, found := strings.Cut(string(c.Payload), envSep)
			if !found {
				return Request{}, nil, &ViolationError{
					Reason: fmt.Sprintf("env chunk %q has no separator", c.Payload),
				}
			}
			req.Env[key] = value
		case ChunkWorkingDir:
			req.WorkingDir = string(c.Payload)
			haveWorkingDir = true
		case ChunkHeartbeat:
			// Traffic only; nothing to record.
		case ChunkStart, ChunkStdin, ChunkStdinEOF:
			if len(req.Argv) == 0 || !haveWorkingDir {
				return Request{}, nil, &ViolationError{
					Reason: "request started before argv and working dir were received",
				}
			}
			started := c
			return req, &started, nil
		default:
			return Request{}, nil, &ViolationError{
				Reason: fmt.Sprintf("unexpected chunk type %q during request phase", c.Type),
			}
		}
	}
}
