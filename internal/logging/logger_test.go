package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: LevelDebug, Output: &buf})

	log.WithComponent("store").Info("schema ready", "tables", 10)

	line := buf.String()
	assert.Contains(t, line, "peerd[")
	assert.Contains(t, line, "[info] store: schema ready")
	assert.Contains(t, line, "tables=10")
	assert.True(t, strings.HasSuffix(line, "\n"))
}

func TestConsoleQuotesValuesWithSpaces(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: LevelInfo, Output: &buf})

	log.Info("msg", "err", "no such table")
	assert.Contains(t, buf.String(), `err="no such table"`)
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: LevelWarn, Output: &buf})

	log.Info("hidden")
	assert.Empty(t, buf.String())

	log.Warn("shown")
	assert.Contains(t, buf.String(), "shown")

	log.SetLevel(LevelDebug)
	log.Debug("now visible")
	assert.Contains(t, buf.String(), "now visible")
}

func TestJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: LevelInfo, Output: &buf, JSON: true})

	log.WithComponent("api").Info("listening", "addr", ":8443")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "listening", entry["msg"])
	assert.Equal(t, "api", entry["component"])
	assert.Equal(t, ":8443", entry["addr"])
}
