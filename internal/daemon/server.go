package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kiln-build/kiln/internal/build"
	"github.com/kiln-build/kiln/internal/core"
	"github.com/kiln-build/kiln/internal/db"
	"github.com/kiln-build/kiln/internal/graph"
	"github.com/kiln-build/kiln/internal/protocol"
	"github.com/kiln-build/kiln/internal/service"
)

// Admin commands handled by the server itself instead of the build executor.
const (
	AdminStatus   = "status"
	AdminShutdown = "shutdown"
	AdminLogs     = "logs"
)

// Server accepts framed client connections on a loopback TCP port and runs
// one build invocation per connection. Each request is bound to the graph
// snapshot that is current when its Start chunk arrives; concurrent requests
// never share mutable state.
type Server struct {
	cfg          *core.Configuration
	executor     build.Executor
	graphSource  graph.Source
	runtime      *service.Runtime
	database     *db.DB
	logBroadcast *LogBroadcaster

	listener net.Listener
	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	active   int
	closed   bool

	idleTimer  *time.Timer
	idleCh     chan struct{}
	shutdownCh chan string

	wg        sync.WaitGroup
	startedAt time.Time
}

func NewServer(cfg *core.Configuration, executor build.Executor, graphSource graph.Source, runtime *service.Runtime, database *db.DB, broadcast *LogBroadcaster) *Server {
	return &Server{
		cfg:          cfg,
		executor:     executor,
		graphSource:  graphSource,
		runtime:      runtime,
		database:     database,
		logBroadcast: broadcast,
		conns:        make(map[net.Conn]struct{}),
		idleCh:       make(chan struct{}, 1),
		shutdownCh:   make(chan string, 1),
		startedAt:    time.Now(),
	}
}

// Listen binds the loopback listener and returns the bound port. With port 0
// in the config the kernel picks a free port; the caller must publish the
// returned port in the daemon metadata before clients can find it.
func (s *Server) Listen() (int, error) {
	addr := fmt.Sprintf("127.0.0.1:%d", s.cfg.Daemon.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("failed to bind %s: %w", addr, err)
	}
	s.listener = listener
	port := listener.Addr().(*net.TCPAddr).Port
	slog.Info("Server listening", "addr", listener.Addr().String())
	return port, nil
}

// Port returns the bound port. Only valid after Listen.
func (s *Server) Port() int {
	if s.listener == nil {
		return 0
	}
	return s.listener.Addr().(*net.TCPAddr).Port
}

// IdleFired reports when the idle timeout has elapsed with no client
// activity. The daemon main loop treats it like a shutdown request.
func (s *Server) IdleFired() <-chan struct{} {
	return s.idleCh
}

// ShutdownRequested carries admin shutdown requests from clients.
func (s *Server) ShutdownRequested() <-chan string {
	return s.shutdownCh
}

// Name implements service.Service.
func (s *Server) Name() string {
	return "server"
}

// Run hosts the accept loop under the service runtime until the context is
// cancelled or the listener is closed. Each connection gets its own
// goroutine; the idle timer is paused while any connection is in flight and
// restarts from zero when the last one finishes. A paused server keeps
// accepted connections open but does not serve them until resumed.
func (s *Server) Run(ctx context.Context, gate *service.Gate) error {
	s.mu.Lock()
	s.idleTimer = time.AfterFunc(s.cfg.IdleTimeout(), func() {
		select {
		case s.idleCh <- struct{}{}:
		default:
		}
	})
	s.mu.Unlock()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.Shutdown(s.cfg.ShutdownGrace())
		case <-stop:
		}
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				slog.Warn("Error accepting connection", "error", err)
			}
			return nil
		}

		if err := gate.WaitResumed(ctx); err != nil {
			conn.Close()
			return nil
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return nil
		}
		s.conns[conn] = struct{}{}
		s.active++
		s.idleTimer.Stop()
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.release(conn)
			s.handleConnection(conn)
		}()
	}
}

func (s *Server) release(conn net.Conn) {
	conn.Close()
	s.mu.Lock()
	delete(s.conns, conn)
	s.active--
	if s.active == 0 && !s.closed {
		s.idleTimer.Reset(s.cfg.IdleTimeout())
	}
	s.mu.Unlock()
}

// touch restarts the idle countdown. Called on every inbound chunk so a
// client holding a connection open with heartbeats keeps the daemon alive.
func (s *Server) touch() {
	s.mu.Lock()
	if s.active == 0 && !s.closed {
		s.idleTimer.Reset(s.cfg.IdleTimeout())
	}
	s.mu.Unlock()
}

// Shutdown stops accepting connections and waits up to grace for in-flight
// invocations to finish, then force-closes the stragglers.
func (s *Server) Shutdown(grace time.Duration) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.mu.Unlock()

	if s.listener != nil {
		s.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		slog.Warn("Shutdown grace expired, closing remaining connections")
		s.mu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
		<-done
	}
}

// handleConnection parses one request and runs it to completion, writing
// exactly one exit chunk per connection for everything except protocol
// violations, which drop the connection without one.
func (s *Server) handleConnection(conn net.Conn) {
	req, terminator, err := protocol.ParseRequest(conn, s.touch)
	if err != nil {
		var violation *protocol.ViolationError
		if errors.As(err, &violation) {
			slog.Warn("Dropping connection after protocol violation", "reason", violation.Reason)
		} else if !errors.Is(err, io.EOF) {
			slog.Warn("Failed to read request", "error", err)
		}
		return
	}

	out := protocol.NewChunkWriter(conn)

	if len(req.Argv) > 0 {
		switch req.Argv[0] {
		case AdminStatus:
			s.handleStatus(out, req.Argv[1:])
			return
		case AdminShutdown:
			s.handleShutdown(out)
			return
		case AdminLogs:
			s.handleLogs(conn, out, req.Argv[1:])
			return
		}
	}

	s.handleInvocation(conn, out, req, terminator)
}

// handleInvocation binds the request to the current graph snapshot and runs
// it through the executor, relaying stdin from the client and stdout/stderr
// back as stream chunks.
func (s *Server) handleInvocation(conn net.Conn, out *protocol.ChunkWriter, req protocol.Request, terminator *protocol.Chunk) {
	snapshot := s.graphSource.CurrentVersion()
	slog.Info("Invocation started",
		"argv", strings.Join(req.Argv, " "),
		"cwd", req.WorkingDir,
		"graph_version", snapshot.Version)

	stdinReader, stdinWriter := io.Pipe()
	go s.pumpStdin(conn, stdinWriter, terminator)

	inv := build.Invocation{
		Argv:       req.Argv,
		Env:        req.Env,
		WorkingDir: req.WorkingDir,
		Stdin:      stdinReader,
	}

	start := time.Now()
	exitCode, err := s.executor.Execute(context.Background(), inv,
		snapshot,
		protocol.NewStreamWriter(out, protocol.ChunkStdout),
		protocol.NewStreamWriter(out, protocol.ChunkStderr))
	duration := time.Since(start)
	stdinReader.Close()

	if err != nil {
		slog.Error("Invocation failed", "error", err)
		if exitCode == 0 {
			exitCode = 1
		}
	}

	if s.database != nil {
		if dbErr := s.database.LogInvocation(req.Argv, req.WorkingDir, exitCode, duration, snapshot.Version); dbErr != nil {
			slog.Warn("Failed to record invocation", "error", dbErr)
		}
	}

	slog.Info("Invocation finished",
		"exit_code", exitCode,
		"duration", duration.Round(time.Millisecond))

	if writeErr := out.Write(protocol.Chunk{Type: protocol.ChunkExit, Payload: protocol.EncodeExitCode(exitCode)}); writeErr != nil {
		slog.Warn("Failed to send exit chunk", "error", writeErr)
	}
}

// pumpStdin forwards stdin chunks from the client into the invocation's
// stdin pipe. The terminator chunk from request parsing is replayed first
// so clients that begin streaming stdin without an explicit start chunk
// lose no data. After stdin EOF the pump keeps draining heartbeats so a
// client can keep its connection warm for the whole build.
func (s *Server) pumpStdin(conn net.Conn, stdin *io.PipeWriter, terminator *protocol.Chunk) {
	defer stdin.Close()

	eof := false
	if terminator != nil {
		switch terminator.Type {
		case protocol.ChunkStdin:
			if _, err := stdin.Write(terminator.Payload); err != nil {
				return
			}
		case protocol.ChunkStdinEOF:
			stdin.Close()
			eof = true
		}
	}

	for {
		chunk, err := protocol.ReadChunk(conn)
		if err != nil {
			// Client went away or misbehaved; either way stdin is over.
			return
		}
		s.touch()
		switch chunk.Type {
		case protocol.ChunkStdin:
			if eof {
				slog.Warn("Stdin chunk after stdin EOF")
				return
			}
			if _, err := stdin.Write(chunk.Payload); err != nil {
				return
			}
		case protocol.ChunkStdinEOF:
			stdin.Close()
			eof = true
		case protocol.ChunkHeartbeat:
			// Keepalive only.
		default:
			slog.Warn("Unexpected chunk on stdin stream", "type", string(chunk.Type))
			return
		}
	}
}

// handleStatus writes a human-readable daemon summary and exits 0. With
// --history it appends the most recent served invocations and lifecycle
// events from the database.
func (s *Server) handleStatus(out *protocol.ChunkWriter, args []string) {
	showHistory := false
	for _, arg := range args {
		if arg == "--history" {
			showHistory = true
		}
	}

	snapshot := s.graphSource.CurrentVersion()

	var b strings.Builder
	fmt.Fprintf(&b, "kiln daemon %s\n", core.FormatVersion(core.Version))
	fmt.Fprintf(&b, "  pid:            %d\n", os.Getpid())
	fmt.Fprintf(&b, "  uptime:         %s\n", time.Since(s.startedAt).Round(time.Second))
	fmt.Fprintf(&b, "  fingerprint:    %s\n", s.cfg.Fingerprint())
	fmt.Fprintf(&b, "  graph version:  %d\n", snapshot.Version)

	s.mu.Lock()
	// The status connection itself is one of the active ones.
	inflight := s.active - 1
	s.mu.Unlock()
	fmt.Fprintf(&b, "  in flight:      %d\n", inflight)

	if s.database != nil {
		if count, err := s.database.CountInvocations(); err == nil {
			fmt.Fprintf(&b, "  invocations:    %d\n", count)
		}
	}

	if s.runtime != nil {
		states := s.runtime.States()
		names := make([]string, 0, len(states))
		for name := range states {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintf(&b, "  services:\n")
		for _, name := range names {
			fmt.Fprintf(&b, "    %-12s %s\n", name, states[name])
		}
	}

	if showHistory && s.database != nil {
		if recent, err := s.database.GetRecentInvocations(10); err == nil && len(recent) > 0 {
			fmt.Fprintf(&b, "  recent invocations:\n")
			for _, inv := range recent {
				fmt.Fprintf(&b, "    %s ago  exit %d  %s  %s\n",
					time.Since(inv.Timestamp).Round(time.Second),
					inv.ExitCode,
					inv.Duration.Round(time.Millisecond),
					inv.Argv)
			}
		}
		if events, err := s.database.GetRecentDaemonEvents(10); err == nil && len(events) > 0 {
			fmt.Fprintf(&b, "  recent events:\n")
			for _, e := range events {
				fmt.Fprintf(&b, "    %s ago  %s  %s\n",
					time.Since(e.Timestamp).Round(time.Second),
					e.EventType,
					e.Details)
			}
		}
	}

	writeDiagnostic(out, b.String(), 0)
}

// handleShutdown acknowledges the request before signaling the main loop,
// so the client sees its exit chunk before the listener goes away.
func (s *Server) handleShutdown(out *protocol.ChunkWriter) {
	writeDiagnostic(out, "Shutting down kiln daemon.\n", 0)
	select {
	case s.shutdownCh <- "client request":
	default:
	}
}

// handleLogs streams recent history and then live daemon logs as stdout
// chunks until the client disconnects.
func (s *Server) handleLogs(conn net.Conn, out *protocol.ChunkWriter, args []string) {
	historyLines := 20
	for _, arg := range args {
		if arg == "--no-history" {
			historyLines = 0
		}
	}

	var logChan chan string
	var history []string
	if historyLines > 0 {
		logChan, history = s.logBroadcast.SubscribeWithHistory(historyLines)
	} else {
		logChan = s.logBroadcast.Subscribe()
	}
	defer s.logBroadcast.Unsubscribe(logChan)

	for _, msg := range history {
		if err := out.Write(protocol.Chunk{Type: protocol.ChunkStdout, Payload: []byte(msg)}); err != nil {
			return
		}
	}

	// Detect client disconnect by reading until error. Heartbeats also keep
	// the idle timer from firing during a long tail.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, err := protocol.ReadChunk(conn); err != nil {
				return
			}
			s.touch()
		}
	}()

	for {
		select {
		case msg, ok := <-logChan:
			if !ok {
				return
			}
			if err := out.Write(protocol.Chunk{Type: protocol.ChunkStdout, Payload: []byte(msg)}); err != nil {
				return
			}
		case <-done:
			out.Write(protocol.Chunk{Type: protocol.ChunkExit, Payload: protocol.EncodeExitCode(0)})
			return
		}
	}
}

func writeDiagnostic(out *protocol.ChunkWriter, message string, exitCode int) {
	if err := out.Write(protocol.Chunk{Type: protocol.ChunkStdout, Payload: []byte(message)}); err != nil {
		return
	}
	out.Write(protocol.Chunk{Type: protocol.ChunkExit, Payload: protocol.EncodeExitCode(exitCode)})
}
