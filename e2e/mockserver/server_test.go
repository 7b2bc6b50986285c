package mockserver

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

type MockFeedServerTestSuite struct {
	suite.Suite

	server *MockFeedServer
	conn   net.Conn
	reader *bufio.Reader
}

func TestMockFeedServerSuite(t *testing.T) {
	suite.Run(t, new(MockFeedServerTestSuite))
}

func (suite *MockFeedServerTestSuite) SetupTest() {
	suite.server = NewMockFeedServer()
	suite.Require().NoError(suite.server.Start(""))

	conn, err := net.Dial("tcp", suite.server.Address())
	suite.Require().NoError(err)

	suite.conn = conn
	suite.reader = bufio.NewReader(conn)
}

func (suite *MockFeedServerTestSuite) TearDownTest() {
	if suite.conn != nil {
		_ = suite.conn.Close()
	}

	suite.server.Stop()
}

func (suite *MockFeedServerTestSuite) write(line string) {
	_, err := suite.conn.Write([]byte(line + "\r\n"))
	suite.Require().NoError(err)
}

func (suite *MockFeedServerTestSuite) readLine() string {
	suite.Require().NoError(suite.conn.SetReadDeadline(time.Now().Add(5 * time.Second)))

	line, err := suite.reader.ReadString('\n')
	suite.Require().NoError(err)

	return line
}

func (suite *MockFeedServerTestSuite) TestProtocolNegotiation() {
	suite.write("S,SET PROTOCOL,6.1")

	suite.Equal("S,CURRENT PROTOCOL,6.1\r\n", suite.readLine())
}

func (suite *MockFeedServerTestSuite) TestConnectHandshake() {
	suite.write("S,CONNECT")

	suite.Equal("S,SERVER CONNECTED\r\n", suite.readLine())
}

func (suite *MockFeedServerTestSuite) TestHistoryReplyCarriesRequestID() {
	suite.server.SetHistoryReply("AAPL", []string{
		"2019-11-29 09:31:00,268.1,267.3,267.5,267.9,1000,100,10",
	})

	suite.write("HIT,AAPL,60,20191129 093000,20191129 160000,,,,1,REQ7,,s,")

	suite.Equal("REQ7,2019-11-29 09:31:00,268.1,267.3,267.5,267.9,1000,100,10\r\n", suite.readLine())
	suite.Equal("REQ7,!ENDMSG!,\r\n", suite.readLine())
}

func (suite *MockFeedServerTestSuite) TestHistoryRequestWithoutScriptGetsNoData() {
	suite.write("HIT,MSFT,60,20191129 093000,20191129 160000,,,,1,REQ1,,s,")

	suite.Equal("REQ1,E,!NO_DATA!,\r\n", suite.readLine())
}

func (suite *MockFeedServerTestSuite) TestDailyReplyUsesItsOwnRequestIDField() {
	suite.server.SetDailyReply("AAPL", []string{
		"2019-11-29,268.1,267.3,267.5,267.9,100,0",
	})

	suite.write("HDT,AAPL,20191129,20191129,,1,DREQ,,")

	suite.Equal("DREQ,2019-11-29,268.1,267.3,267.5,267.9,100,0\r\n", suite.readLine())
	suite.Equal("DREQ,!ENDMSG!,\r\n", suite.readLine())
}

func (suite *MockFeedServerTestSuite) TestWatchReplaysScriptedLines() {
	suite.server.SetWatchReplay("AAPL", []string{
		"B-AAPL-0060-s,BC,AAPL,2019-11-29 11:37:00,267.5,268.1,267.3,267.9,1000,100,10",
	})

	suite.write("BW,AAPL,60,20191129 093000,,,,,,s,,")

	suite.Equal("B-AAPL-0060-s,BC,AAPL,2019-11-29 11:37:00,267.5,268.1,267.3,267.9,1000,100,10\r\n", suite.readLine())
}

func (suite *MockFeedServerTestSuite) TestWatchWithoutScriptGetsNoData() {
	suite.write("BW,TSLA,60,20191129 093000,,,,,,s,,")

	suite.Equal("n,TSLA\r\n", suite.readLine())
}

func (suite *MockFeedServerTestSuite) TestDisconnectClosesConnection() {
	suite.write("S,DISCONNECT")

	suite.Require().NoError(suite.conn.SetReadDeadline(time.Now().Add(5 * time.Second)))

	_, err := suite.reader.ReadString('\n')
	suite.Error(err)
}

func (suite *MockFeedServerTestSuite) TestReceivedRecordsLinesInOrder() {
	suite.write("S,SET PROTOCOL,6.1")
	suite.Equal("S,CURRENT PROTOCOL,6.1\r\n", suite.readLine())

	suite.write("BR,AAPL")

	suite.Require().Eventually(func() bool {
		return len(suite.server.Received()) == 2
	}, 5*time.Second, 10*time.Millisecond)

	suite.Equal([]string{"S,SET PROTOCOL,6.1", "BR,AAPL"}, suite.server.Received())
}
