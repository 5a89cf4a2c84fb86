package utils

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/suite"
)

type ErrorUtilsSuite struct {
	suite.Suite
}

func TestErrorUtilsSuite(t *testing.T) {
	suite.Run(t, new(ErrorUtilsSuite))
}

func (s *ErrorUtilsSuite) TestWrapIfNotNilReturnsNilForNil() {
	s.NoError(WrapIfNotNil(nil, "ignored"))
}

func (s *ErrorUtilsSuite) TestWrapIfNotNilPrefixesShortCallerName() {
	base := errors.New("boom")
	err := WrapIfNotNil(base, "id=abc", " ")

	s.Require().Error(err)
	s.ErrorIs(err, base)
	s.Contains(err.Error(), "utils.(*ErrorUtilsSuite).TestWrapIfNotNilPrefixesShortCallerName - id=abc: boom")
	s.NotContains(err.Error(), "github.com/")
}

func (s *ErrorUtilsSuite) TestContainsErrorSubstringWalksChain() {
	err := WrapIfNotNil(WrapIfNotNil(errors.New("no speech detected")))

	s.True(ContainsErrorSubstring(err, "no speech"))
	s.False(ContainsErrorSubstring(err, "timeout"))
	s.False(ContainsErrorSubstring(nil, "anything"))
}

func (s *ErrorUtilsSuite) TestShortFuncName() {
	s.Equal("media.(*Store).Write", shortFuncName("github.com/Nephrolytics-ai/smart-librarian/pkg/media.(*Store).Write"))
	s.Equal("main.main", shortFuncName("main.main"))
}
