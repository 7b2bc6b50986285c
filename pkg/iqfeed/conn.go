// Package iqfeed implements a client for DTN IQFeed's line-oriented TCP
// protocol. Conn owns the socket and the request/response correlation engine;
// BarConn adds live/historical bar streaming and HistoryConn adds bounded
// historical lookups.
package iqfeed

import (
	"bufio"
	stderrors "errors"
	"fmt"
	"math/rand/v2"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"go.uber.org/zap"

	"github.com/rxtech-lab/iqfeed/internal/logger"
	"github.com/rxtech-lab/iqfeed/pkg/errors"
)

// ProtocolVersion is the feed protocol version negotiated on connect.
const ProtocolVersion = "6.1"

// DefaultIdleTimeout bounds a single blocking read in the read loop.
const DefaultIdleTimeout = 4 * time.Second

const lineTerminator = "\r\n"

// Inbound sentinels. Field positions are fixed by the protocol: the stream
// terminator and error marker arrive in the second field, the no-data marker
// in the third.
const (
	systemMessage   = "S"
	currentProtocol = "CURRENT PROTOCOL"
	serverConnected = "SERVER CONNECTED"
	endOfMessage    = "!ENDMSG!"
	noDataSentinel  = "!NO_DATA!"
	errorSentinel   = "E"
)

// ConnectionState indicates what state a Conn is in.
type ConnectionState int

const (
	// StateNotRunning is both the initial and the terminal state. A Conn can
	// be reused for a new Connect after disconnecting.
	StateNotRunning ConnectionState = iota
	// StateReadingMessages means the read loop is running.
	StateReadingMessages
)

// String implements fmt.Stringer.
func (s ConnectionState) String() string {
	switch s {
	case StateNotRunning:
		return "NOT_RUNNING"
	case StateReadingMessages:
		return "READING_MESSAGES"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}

// TerminationStyle governs how the read loop reacts to an idle read timeout.
type TerminationStyle int

const (
	// RunForever keeps the read loop alive through idle periods.
	RunForever TerminationStyle = iota
	// TerminateOnIdle exits the read loop after an idle period with no data.
	TerminateOnIdle
)

// HandlerResult reports whether a MessageHandler consumed a message.
type HandlerResult int

const (
	Handled HandlerResult = iota
	UnknownMessage
)

// MessageHandler intercepts inbound messages before the generic request-table
// dispatch. Push-style messages carry no registered request id, so the
// handler must be consulted first.
type MessageHandler interface {
	HandleMessage(fields []string) HandlerResult
}

// LineHandler parses one inbound data line into a record. The leading field
// always carries the ticker, never the synthetic request id.
type LineHandler func(fields []string) (any, error)

// pendingRequest tracks one outstanding command until its terminal sentinel,
// an error sentinel, or a timeout. It resolves at most once.
type pendingRequest struct {
	ticker  string
	handler LineHandler
	once    sync.Once
	done    chan struct{}
	results []any
	err     error
}

func newPendingRequest(ticker string, handler LineHandler) *pendingRequest {
	return &pendingRequest{
		ticker:  ticker,
		handler: handler,
		once:    sync.Once{},
		done:    make(chan struct{}),
		results: nil,
		err:     nil,
	}
}

// resolve delivers the terminal outcome. Calls after the first are no-ops.
func (p *pendingRequest) resolve(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

func (p *pendingRequest) isDone() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Conn owns one TCP connection to the feed: the outbound command writer, the
// inbound read loop, and the table of outstanding requests. BarConn and
// HistoryConn build on it.
//
// Results and the last-bar caches of embedding types are only ever mutated on
// the read-loop goroutine; the request table is additionally touched by
// callers registering and deregistering requests and is mutex-guarded.
type Conn struct {
	log     *logger.Logger
	handler MessageHandler

	mu       sync.Mutex
	conn     net.Conn
	state    ConnectionState
	reqNum   int64
	pending  map[string]*pendingRequest
	closing  chan struct{}
	loopDone chan struct{}

	writeMu sync.Mutex

	// idleTimeout is DefaultIdleTimeout outside of tests.
	idleTimeout time.Duration
}

// NewConn creates a disconnected Conn. A nil log falls back to a no-op logger.
func NewConn(log *logger.Logger) *Conn {
	if log == nil {
		log = logger.NewNopLogger()
	}

	return &Conn{
		log:         log,
		handler:     nil,
		mu:          sync.Mutex{},
		conn:        nil,
		state:       StateNotRunning,
		reqNum:      0,
		pending:     make(map[string]*pendingRequest),
		closing:     nil,
		loopDone:    nil,
		writeMu:     sync.Mutex{},
		idleTimeout: DefaultIdleTimeout,
	}
}

// SetMessageHandler installs the push-message interceptor. It must be set
// before Connect and not changed while connected.
func (c *Conn) SetMessageHandler(handler MessageHandler) {
	c.handler = handler
}

// State returns the current connection state.
func (c *Conn) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// Connect opens the TCP connection, negotiates the protocol version and
// starts the read loop. It fails if the Conn is already connected.
func (c *Conn) Connect(host string, port int, style TerminationStyle) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()

		return errors.New(errors.ErrCodeAlreadyConnected, "already connected to the feed")
	}
	c.mu.Unlock()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		c.log.Error("unable to connect to the feed", zap.String("addr", addr), zap.Error(err))

		return errors.Wrapf(errors.ErrCodeConnectionFailed, err, "unable to connect to the feed at %s", addr)
	}

	if err := c.writeLine(conn, "S,SET PROTOCOL,"+ProtocolVersion); err != nil {
		_ = conn.Close()

		return err
	}

	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		_ = conn.Close()

		return errors.New(errors.ErrCodeAlreadyConnected, "already connected to the feed")
	}

	c.conn = conn
	c.state = StateReadingMessages
	c.closing = make(chan struct{})
	c.loopDone = make(chan struct{})
	c.mu.Unlock()

	go c.readLoop(conn, bufio.NewReader(conn), style, c.closing, c.loopDone)

	return nil
}

// Disconnect stops the read loop, sends the disconnect command and closes the
// socket. Outstanding requests are failed with a connection-closed error
// rather than left to time out. The Conn returns to StateNotRunning and can
// be connected again.
func (c *Conn) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	closing := c.closing
	loopDone := c.loopDone
	c.conn = nil
	c.closing = nil
	c.loopDone = nil
	c.mu.Unlock()

	if conn == nil {
		return errors.New(errors.ErrCodeNotConnected, "not connected to the feed")
	}

	close(closing)

	if err := c.writeLine(conn, "S,DISCONNECT"); err != nil {
		c.log.Debug("disconnect command failed", zap.Error(err))
	}

	_ = conn.Close()
	<-loopDone

	return nil
}

// SendCommand writes one command line to the feed. The line terminator is
// appended and the payload is written in the wire's single-byte encoding. The
// write blocks until accepted by the transport, so socket backpressure is
// respected synchronously.
func (c *Conn) SendCommand(command string) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return errors.New(errors.ErrCodeNotConnected, "not connected to the feed")
	}

	return c.writeLine(conn, command)
}

func (c *Conn) writeLine(conn net.Conn, command string) error {
	payload, err := encodeLatin1(command + lineTerminator)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := conn.Write(payload); err != nil {
		return errors.Wrapf(errors.ErrCodeConnectionClosed, err, "unable to send %q", command)
	}

	return nil
}

// NextRequestID builds the next request id from the prefix, the ticker and a
// zero-padded counter jittered by a small random offset. The counter is
// strictly increasing per connection; uniqueness is probabilistic, not
// guaranteed, at very high request rates.
func (c *Conn) NextRequestID(prefix string, ticker string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := fmt.Sprintf("%s%s%010d", prefix, ticker, c.reqNum+int64(rand.IntN(100))+1)
	c.reqNum++

	return id
}

// WaitForCommand registers a pending request under reqID, sends the command
// and blocks the caller until the request resolves or the timeout elapses.
// The pending request is deregistered on every outcome, so late lines for it
// are logged as unknown rather than silently retained. A reqID that is
// already registered is rejected instead of overwritten.
func (c *Conn) WaitForCommand(command string, ticker string, reqID string, handler LineHandler, timeout time.Duration) ([]any, error) {
	p := newPendingRequest(ticker, handler)

	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()

		return nil, errors.New(errors.ErrCodeNotConnected, "not connected to the feed")
	}

	if _, exists := c.pending[reqID]; exists {
		c.mu.Unlock()

		return nil, errors.Newf(errors.ErrCodeDuplicateRequestID, "request id %s is already registered", reqID)
	}

	c.pending[reqID] = p
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, reqID)
		c.mu.Unlock()
	}()

	if err := c.SendCommand(command); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.done:
		if p.err != nil {
			return nil, p.err
		}

		return p.results, nil
	case <-timer.C:
		return nil, errors.Newf(errors.ErrCodeRequestTimeout, "request %s for %s timed out after %s", reqID, ticker, timeout)
	}
}

// readLoop reads one line at a time until cancelled or, under TerminateOnIdle,
// until an idle read timeout. A partial line interrupted by a deadline expiry
// is carried over to the next read.
func (c *Conn) readLoop(conn net.Conn, reader *bufio.Reader, style TerminationStyle, closing <-chan struct{}, loopDone chan<- struct{}) {
	defer c.finishLoop(loopDone)

	var partial []byte

	for {
		select {
		case <-closing:
			return
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(c.idleTimeout))

		chunk, err := reader.ReadBytes('\n')
		partial = append(partial, chunk...)

		if err != nil {
			var netErr net.Error
			if stderrors.As(err, &netErr) && netErr.Timeout() {
				if style == TerminateOnIdle {
					return
				}

				continue
			}

			select {
			case <-closing:
			default:
				c.log.Error("read loop terminated", zap.Error(err))
			}

			return
		}

		message := strings.TrimSpace(decodeLatin1(partial))
		partial = partial[:0]

		if message != "" {
			c.handleMessage(message)
		}
	}
}

// finishLoop transitions back to StateNotRunning and fails every request
// still outstanding. No pending request may outlive its connection.
func (c *Conn) finishLoop(loopDone chan<- struct{}) {
	c.mu.Lock()
	c.state = StateNotRunning
	pending := c.pending
	c.pending = make(map[string]*pendingRequest)
	c.mu.Unlock()

	for reqID, p := range pending {
		p.resolve(errors.Newf(errors.ErrCodeConnectionClosed, "connection closed with request %s outstanding", reqID))
	}

	close(loopDone)
}

// handleMessage dispatches one inbound line. The priority order is
// load-bearing: system messages must never be mistaken for request payloads,
// and push messages must be offered to the message handler before the request
// table because they carry no registered request id.
func (c *Conn) handleMessage(message string) {
	fields := strings.Split(strings.Trim(message, ","), ",")

	switch {
	case fields[0] == systemMessage && GetField(fields, 1) == currentProtocol:
		c.checkProtocol(fields)
	case fields[0] == systemMessage && GetField(fields, 1) == serverConnected:
		// Connection acknowledgment, nothing to do.
	case c.handler != nil && c.handler.HandleMessage(fields) == Handled:
	default:
		c.mu.Lock()
		p, ok := c.pending[fields[0]]
		c.mu.Unlock()

		if !ok {
			c.log.Debug("unknown message", zap.String("message", message))

			return
		}

		c.processRequestResult(fields, p)
	}
}

// processRequestResult routes one line that carries a registered request id.
// Runs only on the read-loop goroutine.
func (c *Conn) processRequestResult(fields []string, p *pendingRequest) {
	if p.isDone() {
		return
	}

	switch {
	case GetField(fields, 1) == endOfMessage:
		p.resolve(nil)
	case GetField(fields, 2) == noDataSentinel:
		p.resolve(errors.Newf(errors.ErrCodeNoData, "no data available for %s", p.ticker))
	case GetField(fields, 1) == errorSentinel:
		p.resolve(errors.Newf(errors.ErrCodeFeedError, "feed error for %s: %s", p.ticker, GetField(fields, 2)))
	default:
		// Replace the request id with the ticker so line handlers never see
		// the synthetic id.
		record, err := p.handler(append([]string{p.ticker}, fields[1:]...))
		if err != nil {
			c.log.Error("could not interpret fields",
				zap.String("message", strings.Join(fields, ",")),
				zap.Error(err),
			)

			return
		}

		p.results = append(p.results, record)
	}
}

// checkProtocol validates the negotiated protocol version. Only major and
// minor are compared; a mismatch is logged, not fatal.
func (c *Conn) checkProtocol(fields []string) {
	want := semver.MustParse(ProtocolVersion)

	got, err := semver.NewVersion(GetField(fields, 2))
	if err != nil || got.Major() != want.Major() || got.Minor() != want.Minor() {
		c.log.Error("bad protocol received", zap.String("message", strings.Join(fields, ",")))
	}
}
