package server

import (
	"bytes"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"aevumdb/src/directors"
	"aevumdb/src/engine"
	"aevumdb/src/helpers"
	"aevumdb/src/settings"
	"aevumdb/src/workers"
)

// readBufferSize bounds a single request read.
const readBufferSize = 8192

var goodbyeMarker = []byte(`"status":"goodbye"`)

// Server is the TCP front of the database. The accept loop is
// single-threaded and blocking; each accepted session is handed to the
// worker pool and served by one worker until it ends. Connections are
// tracked in a registry so shutdown can close them exactly once.
type Server struct {
	Host string
	Port int

	db       *engine.DBEngine
	listener net.Listener
	running  atomic.Bool
	loopDone chan struct{}
	conns    *xsync.MapOf[string, net.Conn]
	pool     *workers.Pool
	logger   *zap.SugaredLogger
}

// NewServer wires a server for the given engine and settings.
func NewServer(db *engine.DBEngine, config *settings.Arguments, logger *zap.SugaredLogger) *Server {
	return &Server{
		Host:   config.Host,
		Port:   config.Port,
		db:     db,
		conns:  xsync.NewMapOf[string, net.Conn](),
		pool:   workers.NewPool(config.Workers, logger),
		logger: logger,
	}
}

// Run binds the listener and enters the accept loop. It blocks until
// Stop is called.
func (s *Server) Run() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Listen binds the TCP listener without serving yet.
func (s *Server) Listen() error {
	addr := fmt.Sprintf("%s:%d", s.Host, s.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("error starting server on %s: %w", addr, err)
	}

	s.listener = listener
	s.loopDone = make(chan struct{})
	s.running.Store(true)
	s.logger.Infof("Network: AevumDB listening on %s", listener.Addr())
	return nil
}

// Addr returns the bound listener address. Valid after Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve runs the blocking accept loop until Stop is called.
func (s *Server) Serve() error {
	defer close(s.loopDone)

	for s.running.Load() {
		conn, err := s.listener.Accept()
		if err != nil {
			if !s.running.Load() {
				break
			}
			s.logger.Errorw("Network: accept failed", "error", err)
			continue
		}
		if !s.running.Load() {
			conn.Close()
			break
		}

		connID := helpers.GenerateUUID()
		s.logger.Infof("Network: new connection from %s", conn.RemoteAddr())
		s.conns.Store(connID, conn)

		s.pool.Enqueue(func() {
			s.handleClient(connID, conn)
		})
	}

	s.logger.Info("Network: server event loop terminated")
	return nil
}

// handleClient serves one session: read up to 8 KiB, dispatch, write
// one JSON line back, until the client exits or disconnects.
func (s *Server) handleClient(connID string, conn net.Conn) {
	defer s.removeClient(connID)

	buffer := make([]byte, readBufferSize)
	for s.running.Load() {
		n, err := conn.Read(buffer)
		if err != nil {
			s.logger.Debugf("Network: client %s disconnected: %v", connID, err)
			return
		}

		response := directors.CommandDirector(s.db, buffer[:n], s.logger)
		if _, err := conn.Write(append(response, '\n')); err != nil {
			s.logger.Debugf("Network: write to client %s failed: %v", connID, err)
			return
		}

		if bytes.Contains(response, goodbyeMarker) {
			s.logger.Infof("Network: client %s requested disconnect", connID)
			return
		}
	}
}

// removeClient deregisters and closes a connection. The registry delete
// happens first so shutdown and session teardown never double-close.
func (s *Server) removeClient(connID string) {
	if conn, loaded := s.conns.LoadAndDelete(connID); loaded {
		conn.Close()
	}
}

// Stop gracefully terminates the server: no new accepts, the listener
// is closed to unblock the accept loop, every tracked client socket is
// closed to force workers out of reads, and the pool drains.
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	s.logger.Info("Network: shutdown signal received, stopping server")

	var errs error
	if s.listener != nil {
		errs = multierr.Append(errs, s.listener.Close())
	}

	closeAll := func() {
		s.conns.Range(func(connID string, _ net.Conn) bool {
			s.removeClient(connID)
			return true
		})
	}

	// Unblock workers stuck in reads, then wait for the accept loop to
	// exit, then sweep again for a connection its final iteration may
	// have registered meanwhile. Only then may the pool drain.
	closeAll()
	if s.loopDone != nil {
		<-s.loopDone
	}
	closeAll()

	s.pool.Shutdown()
	s.logger.Info("Network: server shutdown complete")
	return errs
}
