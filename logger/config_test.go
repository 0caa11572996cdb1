package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
	require.NoError(t, Config{Level: "debug"}.Validate())
	require.Error(t, Config{Level: "loud"}.Validate())
}

func TestNew(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{Level: "warn", JSON: true}, &buf)
	require.NoError(t, err)
	require.Equal(t, logrus.WarnLevel, l.GetLevel())

	l.Info("dropped")
	l.WithField("worker", "local-0").Warn("kept")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "kept", entry["msg"])
	require.Equal(t, "local-0", entry["worker"])

	_, err = New(Config{Level: "nope"}, nil)
	require.Error(t, err)
}

func TestSetLogrus(t *testing.T) {
	prev := logrus.GetLevel()
	defer logrus.SetLevel(prev)

	SetLogrus(Config{Level: "debug"})
	require.Equal(t, logrus.DebugLevel, logrus.GetLevel())

	require.Panics(t, func() { SetLogrus(Config{Level: "bogus"}) })
}
