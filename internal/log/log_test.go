package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInfoWritesKeyValues(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetLevel(LevelInfo)

	Info("series created", "series_id", "s-1", "segments", 2, "dangling")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "series created", line["message"])
	assert.Equal(t, "s-1", line["series_id"])
	assert.Equal(t, float64(2), line["segments"])
	assert.Equal(t, "info", line["level"])
	_, hasDangling := line["dangling"]
	assert.False(t, hasDangling)
}

func TestErrorIncludesErr(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetLevel(LevelInfo)

	Error("reconcile failed", errors.New("boom"), "series_id", "s-2")
	assert.Contains(t, buf.String(), `"error":"boom"`)
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)

	SetLevel(LevelError)
	Info("hidden")
	Debug("hidden too")
	assert.Empty(t, strings.TrimSpace(buf.String()))

	SetLevel(LevelDebug)
	Debug("visible")
	assert.Contains(t, buf.String(), "visible")
	SetLevel(LevelInfo)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelError, ParseLevel("ERROR"))
	assert.Equal(t, LevelInfo, ParseLevel("verbose"))
}
