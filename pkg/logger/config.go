package logger

import (
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/determined-ai/ephemeral-agents/pkg/check"
)

var levels = []string{"trace", "debug", "info", "warn", "warning", "error", "fatal", "panic"}

// Config is the configuration of the process-wide logrus logger.
type Config struct {
	Level string `json:"level"`
	// Color is ignored when Structured is set.
	Color      bool `json:"color"`
	Structured bool `json:"structured"`
}

// DefaultConfig logs at info with colored text.
func DefaultConfig() Config {
	return Config{Level: "info", Color: true}
}

// Validate implements the check.Validatable interface.
func (c Config) Validate() []error {
	return []error{
		check.In(strings.ToLower(c.Level), levels, "invalid log level"),
	}
}

func (c Config) formatter() logrus.Formatter {
	if c.Structured {
		return &logrus.JSONFormatter{}
	}
	return &logrus.TextFormatter{
		FullTimestamp: true,
		ForceColors:   c.Color,
		DisableColors: !c.Color,
	}
}

// SetLogrus applies c to the standard logger. An unparseable level leaves the current level in
// place.
func SetLogrus(c Config) {
	if level, err := logrus.ParseLevel(c.Level); err != nil {
		logrus.WithError(err).Warnf("keeping log level %s", logrus.GetLevel())
	} else {
		logrus.SetLevel(level)
	}
	logrus.SetFormatter(c.formatter())
}
