package logging_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duynguyen2626/money-flow-sub010/logging"
)

func TestNew_ProductionLogsJSON(t *testing.T) {
	var buf bytes.Buffer
	log := logging.NewWithOutput(&buf, "debug", "production")

	log.WithField("cycle_tag", "2025-03").Debug("recomputed")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "recomputed", line["msg"])
	assert.Equal(t, "2025-03", line["cycle_tag"])
	assert.Equal(t, logrus.DebugLevel, log.GetLevel())
}

func TestNew_DevelopmentLogsText(t *testing.T) {
	var buf bytes.Buffer
	log := logging.NewWithOutput(&buf, "warn", "development")

	log.Info("hidden")
	log.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "msg=shown")
}

func TestNew_UnknownLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	log := logging.NewWithOutput(&buf, "loud", "development")

	assert.Equal(t, logrus.InfoLevel, log.GetLevel())
	assert.Contains(t, buf.String(), "invalid log level 'loud'")
}
