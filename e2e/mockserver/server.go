// Package mockserver provides a mock IQFeed server for testing.
// It speaks the feed's line protocol over plain TCP: comma-delimited,
// CRLF-terminated messages with scripted replies per ticker.
package mockserver

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// protocolVersion is the protocol version the mock acknowledges.
const protocolVersion = "6.1"

// Request field positions of the ticker and the request id.
const (
	historyTickerField    = 1
	historyRequestIDField = 9
	dailyRequestIDField   = 6
)

// MockFeedServer provides a scripted IQFeed endpoint for testing. Replies
// are configured per ticker; anything unconfigured gets the protocol's
// no-data answer.
type MockFeedServer struct {
	mu sync.RWMutex

	listener net.Listener
	quit     chan struct{}
	wg       sync.WaitGroup

	// Scripted replies, keyed by ticker.
	watchReplays   map[string][]string
	historyReplies map[string][]string
	dailyReplies   map[string][]string

	// Every line received from clients, in arrival order.
	received []string
}

// NewMockFeedServer creates a mock feed server with no scripted replies.
func NewMockFeedServer() *MockFeedServer {
	return &MockFeedServer{
		mu:             sync.RWMutex{},
		listener:       nil,
		quit:           nil,
		wg:             sync.WaitGroup{},
		watchReplays:   make(map[string][]string),
		historyReplies: make(map[string][]string),
		dailyReplies:   make(map[string][]string),
		received:       nil,
	}
}

// Start starts the mock server on the given address.
// If address is empty, a random loopback port is used.
func (s *MockFeedServer) Start(address string) error {
	if address == "" {
		address = "127.0.0.1:0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.quit = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)

	go s.acceptLoop(listener)

	return nil
}

// Stop stops the mock server and closes every client connection.
func (s *MockFeedServer) Stop() {
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
}

// Address returns the address the server is listening on.
func (s *MockFeedServer) Address() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.listener == nil {
		return ""
	}

	return s.listener.Addr().String()
}

// Host returns the listen host.
func (s *MockFeedServer) Host() string {
	host, _, _ := net.SplitHostPort(s.Address())

	return host
}

// Port returns the listen port.
func (s *MockFeedServer) Port() int {
	_, portStr, err := net.SplitHostPort(s.Address())
	if err != nil {
		return 0
	}

	port, _ := strconv.Atoi(portStr)

	return port
}

// SetWatchReplay scripts the raw lines replayed when a client watches
// ticker. Lines are sent verbatim, so they should carry the feed's push
// shape (request id, BH/BC tag, bar fields).
func (s *MockFeedServer) SetWatchReplay(ticker string, lines []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.watchReplays[ticker] = lines
}

// SetHistoryReply scripts the bar lines returned for interval history
// requests on ticker. Each line is sent prefixed with the client's request
// id, followed by the end-of-message marker.
func (s *MockFeedServer) SetHistoryReply(ticker string, lines []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.historyReplies[ticker] = lines
}

// SetDailyReply scripts the bar lines returned for daily history requests
// on ticker.
func (s *MockFeedServer) SetDailyReply(ticker string, lines []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dailyReplies[ticker] = lines
}

// Received returns every line received so far, in arrival order.
func (s *MockFeedServer) Received() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]string, len(s.received))
	copy(result, s.received)

	return result
}

func (s *MockFeedServer) acceptLoop(listener net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			return
		}

		s.wg.Add(1)

		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *MockFeedServer) handleConn(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	reader := bufio.NewReader(conn)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))

		line, err := reader.ReadString('\n')
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				if s.stopped() {
					return
				}

				continue
			}

			return
		}

		message := strings.TrimSpace(line)
		if message == "" {
			continue
		}

		s.record(message)

		if !s.dispatch(conn, message) {
			return
		}
	}
}

func (s *MockFeedServer) stopped() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.quit == nil
}

func (s *MockFeedServer) record(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.received = append(s.received, message)
}

// dispatch answers one client message. It reports false once the
// connection should be dropped.
func (s *MockFeedServer) dispatch(conn net.Conn, message string) bool {
	fields := strings.Split(message, ",")

	switch {
	case strings.HasPrefix(message, "S,SET PROTOCOL,"):
		return s.send(conn, "S,CURRENT PROTOCOL,"+protocolVersion)
	case message == "S,CONNECT":
		return s.send(conn, "S,SERVER CONNECTED")
	case message == "S,DISCONNECT":
		return false
	case strings.HasPrefix(message, "BW,"):
		return s.replayWatch(conn, fields[1])
	case strings.HasPrefix(message, "BR,"):
		// Unwatch has no reply.
		return true
	case strings.HasPrefix(message, "HIT,"):
		return s.replyHistory(conn, fields, historyRequestIDField, s.historyReplies)
	case strings.HasPrefix(message, "HDT,"):
		return s.replyHistory(conn, fields, dailyRequestIDField, s.dailyReplies)
	default:
		return true
	}
}

func (s *MockFeedServer) replayWatch(conn net.Conn, ticker string) bool {
	s.mu.RLock()
	lines, ok := s.watchReplays[ticker]
	s.mu.RUnlock()

	if !ok {
		return s.send(conn, "n,"+ticker)
	}

	return s.send(conn, lines...)
}

func (s *MockFeedServer) replyHistory(conn net.Conn, fields []string, requestIDField int, replies map[string][]string) bool {
	if len(fields) <= requestIDField {
		return true
	}

	ticker := fields[historyTickerField]
	requestID := fields[requestIDField]

	s.mu.RLock()
	lines, ok := replies[ticker]
	s.mu.RUnlock()

	if !ok {
		return s.send(conn, requestID+",E,!NO_DATA!,")
	}

	for _, line := range lines {
		if !s.send(conn, requestID+","+line) {
			return false
		}
	}

	return s.send(conn, requestID+",!ENDMSG!,")
}

func (s *MockFeedServer) send(conn net.Conn, messages ...string) bool {
	for _, message := range messages {
		if _, err := conn.Write([]byte(message + "\r\n")); err != nil {
			return false
		}
	}

	return true
}
