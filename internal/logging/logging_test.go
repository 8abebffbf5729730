package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithWriterJSON(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "gw", "warn", "json")

	l.Info().Msg("hidden")
	cl := Component(l, "poller")
	cl.Warn().Int("device_id", 7).Msg("device offline")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "gw", entry["service"])
	assert.Equal(t, "poller", entry["component"])
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, float64(7), entry["device_id"])
}

func TestNewWithWriterBadLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "gw", "chatty", "json")
	l.Debug().Msg("dropped")
	l.Info().Msg("kept")
	assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte("\n")))
}
