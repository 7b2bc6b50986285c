package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/moznion/go-optional"
	"github.com/stretchr/testify/suite"

	"github.com/rxtech-lab/iqfeed/pkg/errors"
)

type ConfigTestSuite struct {
	suite.Suite
}

func TestConfigSuite(t *testing.T) {
	suite.Run(t, new(ConfigTestSuite))
}

func (suite *ConfigTestSuite) SetupTest() {
	suite.T().Setenv(envFeedHost, "")
	suite.T().Setenv(envLookupPort, "")
	suite.T().Setenv(envBarPort, "")
	suite.T().Setenv(envListenAddr, "")
}

func (suite *ConfigTestSuite) TestDefaultConfig() {
	cfg := DefaultConfig()

	suite.Equal("", cfg.Feed.Host)
	suite.Equal(DefaultLookupPort, cfg.Feed.LookupPort)
	suite.Equal(DefaultBarPort, cfg.Feed.BarPort)
	suite.Equal(DefaultListenAddr, cfg.Relay.ListenAddr)
}

func (suite *ConfigTestSuite) TestLoadRequiresHost() {
	_, err := Load(optional.None[string]())

	suite.Error(err)
	suite.True(errors.HasCode(err, errors.ErrCodeInvalidConfiguration))
}

func (suite *ConfigTestSuite) TestLoadFromEnv() {
	suite.T().Setenv(envFeedHost, "feed.example.com")
	suite.T().Setenv(envLookupPort, "9101")

	cfg, err := Load(optional.None[string]())

	suite.NoError(err)
	suite.Equal("feed.example.com", cfg.Feed.Host)
	suite.Equal(9101, cfg.Feed.LookupPort)
	suite.Equal(DefaultBarPort, cfg.Feed.BarPort)
}

func (suite *ConfigTestSuite) TestLoadFromFile() {
	path := filepath.Join(suite.T().TempDir(), "config.yaml")
	content := []byte("feed:\n  host: 127.0.0.1\n  lookupPort: 9100\n  barPort: 9400\nrelay:\n  listenAddr: 127.0.0.1:9999\n")
	suite.Require().NoError(os.WriteFile(path, content, 0o600))

	cfg, err := Load(optional.Some(path))

	suite.NoError(err)
	suite.Equal("127.0.0.1", cfg.Feed.Host)
	suite.Equal("127.0.0.1:9999", cfg.Relay.ListenAddr)
}

func (suite *ConfigTestSuite) TestEnvOverridesFile() {
	path := filepath.Join(suite.T().TempDir(), "config.yaml")
	content := []byte("feed:\n  host: from-file\n")
	suite.Require().NoError(os.WriteFile(path, content, 0o600))

	suite.T().Setenv(envFeedHost, "from-env")

	cfg, err := Load(optional.Some(path))

	suite.NoError(err)
	suite.Equal("from-env", cfg.Feed.Host)
}

func (suite *ConfigTestSuite) TestLoadMissingFile() {
	_, err := Load(optional.Some(filepath.Join(suite.T().TempDir(), "missing.yaml")))

	suite.Error(err)
	suite.True(errors.HasCode(err, errors.ErrCodeInvalidConfiguration))
}

func (suite *ConfigTestSuite) TestValidateRejectsBadPort() {
	cfg := DefaultConfig()
	cfg.Feed.Host = "127.0.0.1"
	cfg.Feed.LookupPort = -1

	suite.Error(cfg.Validate())
}
