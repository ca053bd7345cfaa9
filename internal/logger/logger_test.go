package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/scienceserver/internal/config"
)

func TestNewJSONFormatter(t *testing.T) {
	var buf bytes.Buffer
	log, err := newWithOutput(config.LogConfig{Level: "debug", Format: "json"}, &buf)
	require.NoError(t, err)

	log.WithField("session", "abc").Debug("created")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "created", entry["msg"])
	assert.Equal(t, "abc", entry["session"])
}

func TestNewTextLevel(t *testing.T) {
	var buf bytes.Buffer
	log, err := newWithOutput(config.LogConfig{Level: "warn", Format: "text"}, &buf)
	require.NoError(t, err)

	assert.Equal(t, logrus.WarnLevel, log.GetLevel())
	log.Info("hidden")
	assert.Empty(t, buf.String())
}

func TestNewInvalidLevel(t *testing.T) {
	_, err := New(config.LogConfig{Level: "loud", Format: "text"})
	require.Error(t, err)
}
