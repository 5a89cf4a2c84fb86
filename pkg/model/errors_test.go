package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/suite"
)

type ErrorsSuite struct {
	suite.Suite
}

func TestErrorsSuite(t *testing.T) {
	suite.Run(t, new(ErrorsSuite))
}

func (s *ErrorsSuite) TestClassifyKeepsBothChains() {
	cause := errors.New("dial tcp: refused")
	err := Classify(ErrRetrieval, cause)

	s.ErrorIs(err, ErrRetrieval)
	s.ErrorIs(err, cause)
	s.NotErrorIs(err, ErrGeneration)
}

func (s *ErrorsSuite) TestClassifyIsIdempotent() {
	err := Classify(ErrNoSpeech, errors.New("blank"))
	s.Same(err, Classify(ErrNoSpeech, err))
	s.NoError(Classify(ErrNoSpeech, nil))
}

func (s *ErrorsSuite) TestToolRoundsDefault() {
	s.Equal(DefaultMaxToolRounds, ResolveGeneratorOpts().ToolRounds())
	s.Equal(2, ResolveGeneratorOpts(WithMaxToolRounds(2)).ToolRounds())
	s.Equal(DefaultMaxToolRounds, ResolveGeneratorOpts(WithMaxToolRounds(0)).ToolRounds())
}
