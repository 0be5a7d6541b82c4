package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(body), 0o644))
	return dir
}

func TestLoadConfigDefaults(t *testing.T) {
	dir := writeConfig(t, `
server:
  mode: debug
storage:
  type: memory
jwt:
  secret: test
  expire_hours: 2
`)

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 2*time.Hour, cfg.JWT.ExpireTime)
	assert.Equal(t, "OC", cfg.Certificate.Prefix)
	assert.Equal(t, "db", cfg.Certificate.SequenceBackend)
	assert.Equal(t, 300*time.Second, cfg.Certificate.VerifyCacheTTL)
	assert.False(t, cfg.Progress.QuizzesCountTowardProgress)
	assert.True(t, cfg.Progress.AutoComplete)
	assert.Equal(t, 60, cfg.Progress.QuizPassScore)
	assert.Equal(t, "logs/app.log", cfg.Log.File)
	assert.Equal(t, 100, cfg.Log.MaxSizeMB)
	assert.Equal(t, 2*time.Hour, cfg.Quiz.MaxUntimed)
}

func TestLoadConfigOverrides(t *testing.T) {
	dir := writeConfig(t, `
storage:
  type: memory
progress:
  quizzes_count_toward_progress: true
  quiz_pass_score: 80
certificate:
  prefix: XY
`)

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	assert.True(t, cfg.Progress.QuizzesCountTowardProgress)
	assert.Equal(t, 80, cfg.Progress.QuizPassScore)
	assert.Equal(t, "XY", cfg.Certificate.Prefix)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Server:      ServerConfig{Mode: "debug"},
			Progress:    ProgressConfig{QuizPassScore: 60},
			Certificate: CertificateConfig{Prefix: "OC", SequenceBackend: "db"},
		}
	}

	cases := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"short secret in release", func(c *Config) { c.Server.Mode = "release"; c.JWT.Secret = "short" }, true},
		{"redis backend without redis", func(c *Config) { c.Certificate.SequenceBackend = "redis" }, true},
		{"redis backend with redis", func(c *Config) { c.Certificate.SequenceBackend = "redis"; c.Redis.Enabled = true }, false},
		{"unknown backend", func(c *Config) { c.Certificate.SequenceBackend = "etcd" }, true},
		{"pass score out of range", func(c *Config) { c.Progress.QuizPassScore = 120 }, true},
		{"negative untimed lifetime", func(c *Config) { c.Quiz.MaxUntimed = -time.Minute }, true},
		{"empty prefix", func(c *Config) { c.Certificate.Prefix = " " }, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := base()
			tc.mutate(c)
			err := c.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
