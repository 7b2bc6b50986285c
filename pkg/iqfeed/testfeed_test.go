package iqfeed

import (
	"bufio"
	"net"
	"strings"
	"sync"
	"time"
)

// testFeed is a scripted TCP endpoint standing in for the vendor feed. It
// records every command line the client sends and lets tests push arbitrary
// reply lines. The protocol negotiation is acknowledged automatically.
type testFeed struct {
	listener net.Listener
	received chan string

	mu   sync.Mutex
	conn net.Conn
}

func newTestFeed() (*testFeed, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	f := &testFeed{
		listener: listener,
		received: make(chan string, 64),
		mu:       sync.Mutex{},
		conn:     nil,
	}

	go f.acceptLoop()

	return f, nil
}

func (f *testFeed) acceptLoop() {
	for {
		conn, err := f.listener.Accept()
		if err != nil {
			return
		}

		f.mu.Lock()
		f.conn = conn
		f.mu.Unlock()

		go f.readLoop(conn)
	}
}

func (f *testFeed) readLoop(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "S,SET PROTOCOL,") {
			f.send("S,CURRENT PROTOCOL," + ProtocolVersion)
		}

		select {
		case f.received <- line:
		default:
		}
	}
}

func (f *testFeed) hostPort() (string, int) {
	addr := f.listener.Addr().(*net.TCPAddr)

	return "127.0.0.1", addr.Port
}

// send writes reply lines to the most recently accepted connection.
func (f *testFeed) send(lines ...string) {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()

	if conn == nil {
		return
	}

	for _, line := range lines {
		_, _ = conn.Write([]byte(line + "\r\n"))
	}
}

// expect waits for a received command line with the given prefix.
func (f *testFeed) expect(prefix string, timeout time.Duration) (string, bool) {
	deadline := time.After(timeout)

	for {
		select {
		case line := <-f.received:
			if strings.HasPrefix(line, prefix) {
				return line, true
			}
		case <-deadline:
			return "", false
		}
	}
}

func (f *testFeed) close() {
	_ = f.listener.Close()

	f.mu.Lock()
	if f.conn != nil {
		_ = f.conn.Close()
	}
	f.mu.Unlock()
}
