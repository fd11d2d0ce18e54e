package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/prometheus/common/model"
	"github.com/stretchr/testify/require"

	"github.com/timzifer/plscan/config"
)

func TestSetupJSONLevels(t *testing.T) {
	var buf bytes.Buffer
	logger, cleanup, err := SetupWriter(config.LoggingConfig{Level: "WARN"}, &buf)
	require.NoError(t, err)
	defer cleanup()

	logger.Info().Msg("hidden")
	devLogger := Device(logger, "lockin")
	devLogger.Warn().Msg("overload")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	require.Equal(t, "lockin", entry["device"])
	require.Equal(t, "overload", entry["message"])
	require.Contains(t, entry, "time")
}

func TestSetupTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, _, err := SetupWriter(config.LoggingConfig{Format: "text"}, &buf)
	require.NoError(t, err)
	logger.Info().Str("device", "mono").Msg("ready")
	require.Contains(t, buf.String(), "ready")
	require.Contains(t, buf.String(), "device=mono")
}

func TestSetupErrors(t *testing.T) {
	_, _, err := SetupWriter(config.LoggingConfig{Level: "chatty"}, &bytes.Buffer{})
	require.Error(t, err)
	_, _, err = SetupWriter(config.LoggingConfig{Loki: config.LokiConfig{Enabled: true}}, &bytes.Buffer{})
	require.Error(t, err)
}

func TestLokiLabelsDefaultApp(t *testing.T) {
	require.Equal(t, model.LabelSet{"app": "plscan"}, lokiLabels(nil))
	require.Equal(t, model.LabelSet{"app": "x", "bench": "b1"}, lokiLabels(map[string]string{"app": "x", "bench": "b1"}))
}
