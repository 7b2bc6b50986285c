package relay

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/moznion/go-optional"
	"github.com/stretchr/testify/suite"

	"github.com/rxtech-lab/iqfeed/internal/logger"
	"github.com/rxtech-lab/iqfeed/pkg/iqfeed"
)

type ServerTestSuite struct {
	suite.Suite

	client *fakeHistoryClient
	server *Server
	conn   net.Conn
	reader *bufio.Reader
}

func TestServerSuite(t *testing.T) {
	suite.Run(t, new(ServerTestSuite))
}

func (suite *ServerTestSuite) SetupTest() {
	suite.client = &fakeHistoryClient{}

	worker := NewWorker(logger.NewNopLogger(), "127.0.0.1", 9100)
	worker.newClient = func() historyClient { return suite.client }

	suite.server = NewServer(logger.NewNopLogger(), worker, ServerConfig{
		ProbeTimeout: optional.Some(time.Second),
	})
	suite.Require().NoError(suite.server.Start("127.0.0.1:0"))

	conn, err := net.Dial("tcp", suite.server.Addr())
	suite.Require().NoError(err)

	suite.conn = conn
	suite.reader = bufio.NewReader(conn)
}

func (suite *ServerTestSuite) TearDownTest() {
	if suite.conn != nil {
		_ = suite.conn.Close()
	}

	suite.server.Stop()
}

func (suite *ServerTestSuite) write(line string) {
	_, err := suite.conn.Write([]byte(line + "\r\n"))
	suite.Require().NoError(err)
}

func (suite *ServerTestSuite) readLine() string {
	suite.Require().NoError(suite.conn.SetReadDeadline(time.Now().Add(5 * time.Second)))

	line, err := suite.reader.ReadString('\n')
	suite.Require().NoError(err)

	return line
}

func (suite *ServerTestSuite) TestConnectHandshake() {
	suite.write("S,CONNECT")

	suite.Equal("S,SERVER CONNECTED\r\n", suite.readLine())
}

func (suite *ServerTestSuite) TestBarRequestRelaysWorkerLines() {
	suite.client.bars = []iqfeed.Bar{
		{
			Ticker:       "AAPL",
			Timestamp:    time.Date(2019, 11, 29, 9, 30, 0, 0, time.UTC),
			Open:         267.5,
			High:         268.1,
			Low:          267.3,
			Close:        267.9,
			TotalVolume:  1000,
			PeriodVolume: 100,
			NumTrades:    10,
		},
	}

	suite.write("BW,AAPL,60,20191129 093000,,,,,,s,,")

	suite.Equal("B-AAPL-0060-s,BC,AAPL,2019-11-29 09:30:00,267.5,268.1,267.3,267.9,1000,100,10\r\n", suite.readLine())
	suite.Equal(time.Date(2019, 11, 29, 9, 30, 0, 0, time.UTC), suite.client.start)
	suite.Equal(time.Date(2019, 11, 29, 16, 0, 0, 0, time.UTC), suite.client.end)
}

func (suite *ServerTestSuite) TestBarRequestWithoutDataRelaysNoDataLine() {
	suite.client.connectErr = net.ErrClosed

	suite.write("BW,MSFT,60,20191129 093000,,,,,,s,,")

	suite.Equal("n,MSFT\r\n", suite.readLine())
}

func (suite *ServerTestSuite) TestIdleClientGetsLivenessProbe() {
	// Say nothing; the probe timeout fires and the server checks on us.
	suite.Equal("S,SERVER CONNECTED\r\n", suite.readLine())
}

func (suite *ServerTestSuite) TestMalformedBarRequestIsIgnored() {
	suite.write("BW,AAPL")
	suite.write("S,CONNECT")

	suite.Equal("S,SERVER CONNECTED\r\n", suite.readLine())
}

func (suite *ServerTestSuite) TestUnknownCommandIsIgnored() {
	suite.write("Q,AAPL")
	suite.write("S,CONNECT")

	suite.Equal("S,SERVER CONNECTED\r\n", suite.readLine())
}

func (suite *ServerTestSuite) TestStopClosesListener() {
	addr := suite.server.Addr()
	suite.server.Stop()

	_, err := net.Dial("tcp", addr)
	suite.Error(err)
}
