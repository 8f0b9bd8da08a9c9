package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPassesValidation(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.ProcessorTuning.OversamplingFactor)
	assert.True(t, cfg.MixerTuning.EnableAdaptiveBufferDrain)
}

func TestDumpYAMLIncludesTuningKnobs(t *testing.T) {
	cfg := Default()
	out, err := DumpYAML(cfg)
	require.NoError(t, err)
	assert.True(t, strings.Contains(out, "drain_rate_ms_per_sec"))
	assert.True(t, strings.Contains(out, "oversampling_factor"))
}
