package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRotatingWriter(t *testing.T) {
	tests := []struct {
		name      string
		cfg       *RotationConfig
		wantError bool
	}{
		{name: "nil config uses defaults"},
		{name: "valid config", cfg: &RotationConfig{MaxSize: "10MB", MaxAge: "7d", MaxBackups: 5}},
		{name: "invalid max_size", cfg: &RotationConfig{MaxSize: "invalid"}, wantError: true},
		{name: "zero max_size", cfg: &RotationConfig{MaxSize: "0MB"}, wantError: true},
		{name: "invalid max_age", cfg: &RotationConfig{MaxAge: "soon"}, wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := newRotatingWriter(filepath.Join(t.TempDir(), "test.log"), tt.cfg)
			if tt.wantError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			_ = w.Close()
		})
	}
}

func TestRotatingWriterRotates(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "autotask.log")

	w, err := newRotatingWriter(logFile, &RotationConfig{MaxSize: "1KB", MaxBackups: 2})
	require.NoError(t, err)
	rw := w.(*rotatingWriter)
	defer func() { _ = rw.Close() }()

	clock := time.Date(2026, 1, 2, 3, 4, 5, 0, time.Local)
	rw.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	line := []byte(strings.Repeat("x", 600) + "\n")
	for i := 0; i < 5; i++ {
		_, err := rw.Write(line)
		require.NoError(t, err, "write %d", i)
	}

	require.Len(t, rw.backups(), 2, "backups should be pruned to max_backups")

	info, err := os.Stat(logFile)
	require.NoError(t, err)
	assert.LessOrEqual(t, info.Size(), int64(1024), "current file should have rotated")
}

func TestRotatingWriterBackupName(t *testing.T) {
	rw := &rotatingWriter{filename: "/var/log/autotask.log"}
	assert.Equal(t, "/var/log/autotask.20261018-093000.log",
		rw.backupName(time.Date(2026, 10, 18, 9, 30, 0, 0, time.UTC)))
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
		hasError bool
	}{
		{"100", 100, false},
		{"100B", 100, false},
		{"100KB", 100 * 1024, false},
		{"100MB", 100 * 1024 * 1024, false},
		{"1GB", 1024 * 1024 * 1024, false},
		{"100mb", 100 * 1024 * 1024, false},
		{"invalid", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := parseSize(tt.input)
			if tt.hasError {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		input    string
		expected time.Duration
		hasError bool
	}{
		{"7d", 7 * 24 * time.Hour, false},
		{"1w", 7 * 24 * time.Hour, false},
		{"2w", 14 * 24 * time.Hour, false},
		{"24h", 24 * time.Hour, false},
		{"invalid", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := parseDuration(tt.input)
			if tt.hasError {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.expected, got)
		})
	}
}
