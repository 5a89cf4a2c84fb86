package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Nephrolytics-ai/smart-librarian/pkg/config"
	"github.com/joho/godotenv"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// ExternalDependenciesSuite loads provider credentials from SETTINGS_FILE (default $HOME/.env).
type ExternalDependenciesSuite struct {
	suite.Suite
	settingsFile string
}

func (s *ExternalDependenciesSuite) SetupSuite() {
	settingsFromEnv := strings.TrimSpace(os.Getenv("SETTINGS_FILE"))
	settingsFile := settingsFromEnv
	if settingsFile == "" {
		homeDir, err := os.UserHomeDir()
		require.NoError(s.T(), err)
		settingsFile = filepath.Join(homeDir, ".env")
	}
	s.settingsFile = settingsFile

	if _, err := os.Stat(settingsFile); err != nil {
		if errors.Is(err, os.ErrNotExist) && settingsFromEnv == "" {
			return
		}
		require.NoError(s.T(), err)
		return
	}
	require.NoError(s.T(), godotenv.Overload(settingsFile))
}

type LiveOpenAISuite struct {
	ExternalDependenciesSuite
	apiKey string
}

func TestLiveOpenAISuite(t *testing.T) {
	suite.Run(t, new(LiveOpenAISuite))
}

func (s *LiveOpenAISuite) SetupSuite() {
	s.ExternalDependenciesSuite.SetupSuite()
	s.apiKey = strings.TrimSpace(os.Getenv(config.APIKeyFallbackEnv))
	if s.apiKey == "" {
		s.T().Skip("OPENAI_API_KEY is not set; skipping external dependency test")
	}
}

func (s *LiveOpenAISuite) TestRecommendationAgainstOpenAI() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	cfg := config.Defaults()
	cfg.APIKey = s.apiKey
	cfg.Catalog.Path = datasetPath
	cfg.Media.Dir = s.T().TempDir()
	cfg.STT.IndexDir = ""
	cfg.EnableNarration = false
	cfg.EnableCover = false

	a, err := Build(ctx, cfg, "live", Providers{})
	s.Require().NoError(err)
	defer func() { s.NoError(a.Close()) }()

	result, err := a.Recommender.Recommend(ctx, "a story about friendship and a dragon guarding treasure")
	s.Require().NoError(err)
	s.NotEmpty(strings.TrimSpace(result.Answer))
	s.NotEmpty(result.Candidates)
}
