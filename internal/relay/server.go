package relay

import (
	"bufio"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/moznion/go-optional"
	"go.uber.org/zap"

	"github.com/rxtech-lab/iqfeed/internal/logger"
)

// DefaultProbeTimeout is how long a client may stay silent before the server
// probes it with a connection acknowledgment.
const DefaultProbeTimeout = 5 * time.Second

const lineTerminator = "\r\n"

// ServerConfig configures the relay server.
type ServerConfig struct {
	// ProbeTimeout overrides DefaultProbeTimeout when set.
	ProbeTimeout optional.Option[time.Duration]
}

// Server accepts client connections and answers their bar requests. Each
// client gets its own goroutine; the Worker dials a fresh feed connection
// per job.
type Server struct {
	log    *logger.Logger
	worker *Worker
	probe  time.Duration

	mu       sync.Mutex
	listener net.Listener
	quit     chan struct{}
	wg       sync.WaitGroup
}

// NewServer creates a relay server.
func NewServer(log *logger.Logger, worker *Worker, config ServerConfig) *Server {
	if log == nil {
		log = logger.NewNopLogger()
	}

	return &Server{
		log:      log,
		worker:   worker,
		probe:    config.ProbeTimeout.TakeOr(DefaultProbeTimeout),
		mu:       sync.Mutex{},
		listener: nil,
		quit:     nil,
		wg:       sync.WaitGroup{},
	}
}

// Start begins listening on addr and serving clients in the background.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	quit := make(chan struct{})

	s.mu.Lock()
	s.listener = listener
	s.quit = quit
	s.mu.Unlock()

	s.log.Info("relay server listening", zap.String("addr", listener.Addr().String()))

	s.wg.Add(1)
	go s.acceptLoop(listener, quit)

	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return ""
	}

	return s.listener.Addr().String()
}

// Stop closes the listener and waits for in-flight client handlers to
// finish.
func (s *Server) Stop() {
	s.mu.Lock()
	listener := s.listener
	quit := s.quit
	s.listener = nil
	s.quit = nil
	s.mu.Unlock()

	if listener == nil {
		return
	}

	close(quit)
	_ = listener.Close()
	s.wg.Wait()

	s.log.Info("relay server stopped")
}

func (s *Server) acceptLoop(listener net.Listener, quit <-chan struct{}) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			return
		}

		s.wg.Add(1)

		go func() {
			defer s.wg.Done()
			s.handleClient(conn, quit)
		}()
	}
}

// handleClient processes one client until it disconnects, stops answering
// liveness probes, or the server shuts down.
func (s *Server) handleClient(conn net.Conn, quit <-chan struct{}) {
	defer func() { _ = conn.Close() }()

	clientID := uuid.NewString()
	log := s.log.With(zap.String("client", clientID))

	log.Info("client connected", zap.String("remote", conn.RemoteAddr().String()))

	reader := bufio.NewReader(conn)

	for {
		select {
		case <-quit:
			log.Info("dropping client on shutdown")

			return
		default:
		}

		message, alive := s.nextMessage(conn, reader, log)
		if !alive {
			log.Info("client disconnected")

			return
		}

		if message == "" {
			continue
		}

		log.Info("received message", zap.String("message", message))

		switch {
		case message == "S,CONNECT":
			if !s.send(conn, log, "S,SERVER CONNECTED") {
				return
			}
		case strings.HasPrefix(message, "BW,"):
			fields := strings.Split(message, ",")
			if len(fields) < 4 {
				log.Warn("malformed bar request", zap.String("message", message))

				continue
			}

			ticker := fields[1]
			date, _, _ := strings.Cut(fields[3], " ")

			if !s.send(conn, log, s.worker.ProcessJob(ticker, date)...) {
				return
			}
		default:
			// Anything else is ignored, matching the feed's tolerance for
			// unknown commands.
		}
	}
}

// nextMessage reads one line with the probe timeout. On idle it verifies the
// client is still reachable by sending the connection acknowledgment.
func (s *Server) nextMessage(conn net.Conn, reader *bufio.Reader, log *zap.Logger) (string, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(s.probe))

	line, err := reader.ReadString('\n')
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			// Idle: check that we're still connected.
			return "", s.send(conn, log, "S,SERVER CONNECTED")
		}

		return "", false
	}

	return strings.TrimSpace(line), true
}

// send writes reply lines to the client. It reports false once the client is
// gone.
func (s *Server) send(conn net.Conn, log *zap.Logger, messages ...string) bool {
	for _, message := range messages {
		log.Debug("sending", zap.String("message", message))

		_ = conn.SetWriteDeadline(time.Now().Add(s.probe))

		if _, err := conn.Write([]byte(message + lineTerminator)); err != nil {
			log.Info("client disconnected", zap.Error(err))

			return false
		}
	}

	return true
}
