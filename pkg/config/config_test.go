package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

type ConfigSuite struct {
	suite.Suite
	dir string
}

func TestConfigSuite(t *testing.T) {
	suite.Run(t, new(ConfigSuite))
}

func (s *ConfigSuite) SetupTest() {
	s.dir = s.T().TempDir()
	s.T().Setenv(APIKeyFallbackEnv, "")
	s.T().Setenv(EnvPrefix+"API_KEY", "")
	s.T().Setenv(GeminiKeyEnv, "")
}

func (s *ConfigSuite) writeFile(body string) string {
	path := filepath.Join(s.dir, "config.yaml")
	s.Require().NoError(os.WriteFile(path, []byte(body), 0o600))
	return path
}

func (s *ConfigSuite) TestDefaultsWithAPIKey() {
	s.T().Setenv(EnvPrefix+"API_KEY", "sk-test")

	cfg, err := LoadFile("")
	s.Require().NoError(err)

	s.Equal("sk-test", cfg.APIKey)
	s.Equal("gpt-4o-mini", cfg.ChatModel)
	s.True(cfg.EnableNarration)
	s.True(cfg.EnableCover)
	s.Equal(":8000", cfg.Server.Addr)
	s.Equal("/media", cfg.Server.MediaPrefix)
	s.Equal([]string{"*"}, cfg.Server.CORSOrigins)
	s.Equal(3, cfg.Retrieval.TopK)
	s.Equal("memory", cfg.Retrieval.Backend)
	s.InDelta(0.4, cfg.LLM.Temperature, 1e-9)
	s.Equal(6, cfg.LLM.MaxToolRounds)
	s.Equal("whisper-1", cfg.STT.Model)
	s.Equal(2*time.Minute, cfg.Generation.Timeout)
	s.Equal("smart-librarian-media", cfg.NATS.Bucket)
}

func (s *ConfigSuite) TestMissingAPIKeyFails() {
	_, err := LoadFile("")
	s.Require().Error(err)
	s.Contains(err.Error(), "APIKey")
}

func (s *ConfigSuite) TestOpenAIKeyFallback() {
	s.T().Setenv(APIKeyFallbackEnv, "sk-fallback")

	cfg, err := LoadFile("")
	s.Require().NoError(err)
	s.Equal("sk-fallback", cfg.APIKey)
}

func (s *ConfigSuite) TestFileThenEnvironmentPrecedence() {
	path := s.writeFile(`
api_key: sk-file
chat_model: gpt-4.1-mini
enable_cover: false
server:
  addr: ":9000"
  cors_origins: ["http://localhost:5173"]
generation:
  timeout: 45s
retrieval:
  top_k: 5
`)
	s.T().Setenv(EnvPrefix+"SERVER__ADDR", ":9100")
	s.T().Setenv(EnvPrefix+"ENABLE_NARRATION", "false")
	s.T().Setenv(EnvPrefix+"MCP__TOOLS", "search_books, get_summary_by_title")

	cfg, err := LoadFile(path)
	s.Require().NoError(err)

	s.Equal("sk-file", cfg.APIKey)
	s.Equal("gpt-4.1-mini", cfg.ChatModel)
	s.False(cfg.EnableCover)
	s.False(cfg.EnableNarration)
	s.Equal(":9100", cfg.Server.Addr)
	s.Equal([]string{"http://localhost:5173"}, cfg.Server.CORSOrigins)
	s.Equal(45*time.Second, cfg.Generation.Timeout)
	s.Equal(5, cfg.Retrieval.TopK)
	s.Equal([]string{"search_books", "get_summary_by_title"}, cfg.MCP.Tools)
}

func (s *ConfigSuite) TestPostgresBackendNeedsDSN() {
	s.T().Setenv(EnvPrefix+"API_KEY", "sk-test")
	s.T().Setenv(EnvPrefix+"RETRIEVAL__BACKEND", "postgres")

	_, err := LoadFile("")
	s.Require().Error(err)
	s.Contains(err.Error(), "PostgresDSN")

	s.T().Setenv(EnvPrefix+"RETRIEVAL__POSTGRES_DSN", "postgres://localhost/librarian")
	cfg, err := LoadFile("")
	s.Require().NoError(err)
	s.Equal("postgres", cfg.Retrieval.Backend)
}

func (s *ConfigSuite) TestUnknownProviderRejected() {
	s.T().Setenv(EnvPrefix+"API_KEY", "sk-test")
	s.T().Setenv(EnvPrefix+"LLM__PROVIDER", "carrier-pigeon")

	_, err := LoadFile("")
	s.Require().Error(err)
	s.Contains(err.Error(), "Provider")
}

func (s *ConfigSuite) TestLoadUsesExplicitPath() {
	s.T().Setenv(ConfigPathEnv, s.writeFile("api_key: sk-explicit\n"))

	cfg, err := Load()
	s.Require().NoError(err)
	s.Equal("sk-explicit", cfg.APIKey)

	s.T().Setenv(ConfigPathEnv, filepath.Join(s.dir, "missing.yaml"))
	_, err = Load()
	s.Error(err)
}

func (s *ConfigSuite) TestEnvKeyMapping() {
	s.Equal("server.media_prefix", envKey(EnvPrefix+"SERVER__MEDIA_PREFIX"))
	s.Equal("api_key", envKey(EnvPrefix+"API_KEY"))
	s.Equal("", envKey(ConfigPathEnv))
}
