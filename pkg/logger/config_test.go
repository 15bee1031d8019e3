package logger

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/determined-ai/ephemeral-agents/pkg/check"
)

func TestConfigValidate(t *testing.T) {
	require.NoError(t, check.Validate(DefaultConfig()))
	require.NoError(t, check.Validate(Config{Level: "WARN"}))
	require.ErrorContains(t, check.Validate(Config{Level: "chatty"}), "invalid log level")
}

func TestFormatter(t *testing.T) {
	_, ok := Config{Structured: true, Color: true}.formatter().(*logrus.JSONFormatter)
	require.True(t, ok)

	text, ok := DefaultConfig().formatter().(*logrus.TextFormatter)
	require.True(t, ok)
	require.True(t, text.ForceColors)
	require.False(t, text.DisableColors)
}

func TestSetLogrusKeepsLevelOnBadInput(t *testing.T) {
	prev := logrus.GetLevel()
	defer logrus.SetLevel(prev)

	SetLogrus(Config{Level: "debug"})
	require.Equal(t, logrus.DebugLevel, logrus.GetLevel())
	SetLogrus(Config{Level: "chatty"})
	require.Equal(t, logrus.DebugLevel, logrus.GetLevel())
	logrus.SetFormatter(&logrus.TextFormatter{})
}

func TestEchoLoggerWritesThroughEntry(t *testing.T) {
	l, hook := test.NewNullLogger()
	l.SetLevel(logrus.InfoLevel)
	el := NewEchoLogger(l.WithField("component", "api-server"))

	el.Infof("listening on %s", ":8080")
	el.Debug("dropped")

	require.Len(t, hook.AllEntries(), 1)
	require.Equal(t, "listening on :8080", hook.LastEntry().Message)
	require.Equal(t, "api-server", hook.LastEntry().Data["component"])
}
