package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devilmonastery/bioverify/internal/domain/entities"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func TestWithIdentity(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(newHandler(&buf, Config{Format: "json"}))

	WithIdentity(log, entities.Identity{CommunityID: "g1", MemberID: "u1"}).Info("checked")

	out := buf.String()
	assert.Contains(t, out, `"community_id":"g1"`)
	assert.Contains(t, out, `"member_id":"u1"`)
}

func TestSetupLoggerWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "bot.log")
	log, err := SetupLogger(Config{Level: slog.LevelDebug, LogFile: path, Format: "text"})
	require.NoError(t, err)

	log.Debug("hello", slog.String("k", "v"))

	data, err := readFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(data, "hello"))
	assert.Contains(t, data, "k=v")
}

func TestDefaultLogFile(t *testing.T) {
	assert.Equal(t, "bot.log", filepath.Base(GetDefaultLogFile("bot")))
	assert.Equal(t, "bioverify", filepath.Base(filepath.Dir(GetDefaultLogFile("bot"))))
}

func readFile(path string) (string, error) {
	b, err := os.ReadFile(path)
	return string(b), err
}
