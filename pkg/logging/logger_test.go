package logging

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/suite"
)

type LoggerSuite struct {
	suite.Suite
	out *bytes.Buffer
}

func TestLoggerSuite(t *testing.T) {
	suite.Run(t, new(LoggerSuite))
}

func (s *LoggerSuite) SetupTest() {
	s.out = &bytes.Buffer{}
	SetOutput(s.out)
	s.Require().NoError(Configure("debug", "json"))
}

func (s *LoggerSuite) TearDownTest() {
	SetLoggerFactory(nil)
	s.Require().NoError(Configure("info", "text"))
}

func (s *LoggerSuite) TestRequestIDIsAttached() {
	ctx := WithRequestID(context.Background(), "req-123")
	NewLogger(ctx).Infof("recommend_request query_len=%d", 4)

	s.Contains(s.out.String(), `"request_id":"req-123"`)
	s.Contains(s.out.String(), "recommend_request query_len=4")
}

func (s *LoggerSuite) TestWithFieldAddsField() {
	NewLogger(context.Background()).WithField("purpose", "cover").Warn("slow")

	s.Contains(s.out.String(), `"purpose":"cover"`)
}

func (s *LoggerSuite) TestConfigureRejectsUnknownValues() {
	s.Error(Configure("loud", "text"))
	s.Error(Configure("info", "xml"))
}

func (s *LoggerSuite) TestFactoryOverridesDefault() {
	factory := &recordingFactory{}
	SetLoggerFactory(factory)

	NewLogger(context.Background())

	s.Equal(1, factory.calls)
}

type recordingFactory struct {
	calls int
}

func (f *recordingFactory) CreateLogger(ctx context.Context) Logger {
	f.calls++
	return newLogrusLogger(ctx)
}
