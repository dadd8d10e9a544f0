package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextFieldsAreCarried(t *testing.T) {
	var buf bytes.Buffer
	logg := New(Options{ServiceName: "agentsettle", Output: &buf})

	ctx := logg.WithSessionID(context.Background(), "sess-1")
	ctx = logg.WithComponent(ctx, "reconciliation")
	logg.Info(ctx, "matching completed")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "agentsettle", entry["service"])
	assert.Equal(t, "sess-1", entry["session_id"])
	assert.Equal(t, "reconciliation", entry["component"])
	assert.Equal(t, "matching completed", entry["message"])
}

func TestErrorIncludesCause(t *testing.T) {
	var buf bytes.Buffer
	logg := New(Options{Output: &buf})
	logg.Error(context.Background(), "write failed", errors.New("boom"))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "boom", entry["error"])
	assert.Equal(t, "error", entry["level"])
}

func TestLevelFiltersOutput(t *testing.T) {
	var buf bytes.Buffer
	logg := New(Options{Output: &buf, Level: zerolog.WarnLevel})
	logg.Info(context.Background(), "dropped")
	assert.Zero(t, buf.Len())
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel(" DEBUG "))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel(""))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("nonsense"))
}
