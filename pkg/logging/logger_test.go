package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitLogging_JSONFormat(t *testing.T) {
	InitLogging("debug", "json")
	var buf bytes.Buffer
	SetOutput(&buf)

	WithFields(Fields{"nickname": "nick1"}).Info("donation recorded")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "donation recorded", entry["msg"])
	assert.Equal(t, "nick1", entry["nickname"])
	assert.Equal(t, "info", entry["level"])
}

func TestInitLogging_LevelFilters(t *testing.T) {
	InitLogging("warn", "text")
	var buf bytes.Buffer
	SetOutput(&buf)

	Infof("hidden %d", 1)
	assert.Empty(t, buf.String())

	Warnf("shown %d", 2)
	assert.Contains(t, buf.String(), "shown 2")
}

func TestInitLogging_UnknownLevelDefaultsToInfo(t *testing.T) {
	InitLogging("chatty", "text")
	var buf bytes.Buffer
	SetOutput(&buf)

	Debugf("debug line")
	Infof("info line")
	assert.NotContains(t, buf.String(), "debug line")
	assert.Contains(t, buf.String(), "info line")
}
