// Package config loads the tuning knobs the dataplane consumes (spec §6).
// It follows the same viper + mapstructure + validator pattern used by the
// rest of the ScreamRouter services' AppConfig loaders: defaults are set on
// a fresh viper instance, a YAML file and environment variables are layered
// on top, and the result is unmarshaled and validated before use.
package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// ProcessorTuning configures the Input Processor DSP pipeline (spec §4.3, §6).
type ProcessorTuning struct {
	OversamplingFactor          int     `mapstructure:"oversampling_factor" yaml:"oversampling_factor" validate:"min=1"`
	VolumeSmoothingFactor       float64 `mapstructure:"volume_smoothing_factor" yaml:"volume_smoothing_factor" validate:"min=0,max=1"`
	NormalizationTargetRMS      float64 `mapstructure:"normalization_target_rms" yaml:"normalization_target_rms" validate:"min=0"`
	NormalizationAttackSmoothing float64 `mapstructure:"normalization_attack_smoothing" yaml:"normalization_attack_smoothing" validate:"min=0,max=1"`
	NormalizationDecaySmoothing  float64 `mapstructure:"normalization_decay_smoothing" yaml:"normalization_decay_smoothing" validate:"min=0,max=1"`
	DCFilterCutoffHz            float64 `mapstructure:"dc_filter_cutoff_hz" yaml:"dc_filter_cutoff_hz" validate:"min=0"`
	DitherNoiseShapingFactor    float64 `mapstructure:"dither_noise_shaping_factor" yaml:"dither_noise_shaping_factor" validate:"min=0,max=1"`
}

// MixerTuning configures the per-sink Sink Mixer (spec §4.7, §6).
type MixerTuning struct {
	UnderrunHoldTimeoutMs     int64   `mapstructure:"underrun_hold_timeout_ms" yaml:"underrun_hold_timeout_ms" validate:"min=0"`
	MP3OutputQueueMaxSize     int     `mapstructure:"mp3_output_queue_max_size" yaml:"mp3_output_queue_max_size" validate:"min=1"`
	MP3BitrateKbps            int     `mapstructure:"mp3_bitrate_kbps" yaml:"mp3_bitrate_kbps" validate:"min=8"`
	MP3VBREnabled             bool    `mapstructure:"mp3_vbr_enabled" yaml:"mp3_vbr_enabled"`
	EnableAdaptiveBufferDrain bool    `mapstructure:"enable_adaptive_buffer_drain" yaml:"enable_adaptive_buffer_drain"`
	TargetBufferLevelMs       float64 `mapstructure:"target_buffer_level_ms" yaml:"target_buffer_level_ms" validate:"min=0"`
	BufferToleranceMs         float64 `mapstructure:"buffer_tolerance_ms" yaml:"buffer_tolerance_ms" validate:"min=0"`
	DrainRateMsPerSec         float64 `mapstructure:"drain_rate_ms_per_sec" yaml:"drain_rate_ms_per_sec" validate:"min=0"`
	MaxSpeedupFactor          float64 `mapstructure:"max_speedup_factor" yaml:"max_speedup_factor" validate:"min=1"`
	DrainSmoothingFactor      float64 `mapstructure:"drain_smoothing_factor" yaml:"drain_smoothing_factor" validate:"min=0,max=1"`
	BufferMeasurementInterval int64   `mapstructure:"buffer_measurement_interval_ms" yaml:"buffer_measurement_interval_ms" validate:"min=1"`
}

// ProfilerConfig toggles periodic profiler snapshots.
type ProfilerConfig struct {
	Enabled       bool  `mapstructure:"enabled" yaml:"enabled"`
	LogIntervalMs int64 `mapstructure:"log_interval_ms" yaml:"log_interval_ms" validate:"min=0"`
}

// TelemetryConfig toggles periodic telemetry snapshots.
type TelemetryConfig struct {
	Enabled       bool  `mapstructure:"enabled" yaml:"enabled"`
	LogIntervalMs int64 `mapstructure:"log_interval_ms" yaml:"log_interval_ms" validate:"min=0"`
}

// EngineConfig is the full set of tuning knobs the core consumes.
type EngineConfig struct {
	ProcessorTuning ProcessorTuning `mapstructure:"processor_tuning" yaml:"processor_tuning" validate:"required"`
	MixerTuning     MixerTuning     `mapstructure:"mixer_tuning" yaml:"mixer_tuning" validate:"required"`
	Profiler        ProfilerConfig  `mapstructure:"profiler" yaml:"profiler"`
	Telemetry       TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`
}

// DumpYAML renders the effective configuration as YAML, for startup
// logging and diagnostics — not a persistence mechanism (spec §6: "no
// persisted state in the core").
func DumpYAML(cfg EngineConfig) (string, error) {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("config: marshal: %w", err)
	}
	return string(out), nil
}

// Default returns the engine configuration reproducing the original
// implementation's defaults.
func Default() EngineConfig {
	return EngineConfig{
		ProcessorTuning: ProcessorTuning{
			OversamplingFactor:           2,
			VolumeSmoothingFactor:        0.01,
			NormalizationTargetRMS:       0.1,
			NormalizationAttackSmoothing: 0.2,
			NormalizationDecaySmoothing:  0.02,
			DCFilterCutoffHz:             20,
			DitherNoiseShapingFactor:     0.5,
		},
		MixerTuning: MixerTuning{
			UnderrunHoldTimeoutMs:     30,
			MP3OutputQueueMaxSize:     32,
			MP3BitrateKbps:            192,
			MP3VBREnabled:             false,
			EnableAdaptiveBufferDrain: true,
			TargetBufferLevelMs:       40,
			BufferToleranceMs:         10,
			DrainRateMsPerSec:         500,
			MaxSpeedupFactor:          1.02,
			DrainSmoothingFactor:      0.9,
			BufferMeasurementInterval: 500,
		},
		Profiler:  ProfilerConfig{Enabled: false, LogIntervalMs: 10000},
		Telemetry: TelemetryConfig{Enabled: false, LogIntervalMs: 10000},
	}
}

// Load reads configuration from the given YAML file (optional — pass "" to
// skip) layered over defaults and `SCREAMROUTER_*` environment variables,
// then validates the result.
func Load(path string) (EngineConfig, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix("SCREAMROUTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, cfg)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return cfg, fmt.Errorf("config: validation: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg EngineConfig) {
	v.SetDefault("processor_tuning.oversampling_factor", cfg.ProcessorTuning.OversamplingFactor)
	v.SetDefault("processor_tuning.volume_smoothing_factor", cfg.ProcessorTuning.VolumeSmoothingFactor)
	v.SetDefault("processor_tuning.normalization_target_rms", cfg.ProcessorTuning.NormalizationTargetRMS)
	v.SetDefault("processor_tuning.normalization_attack_smoothing", cfg.ProcessorTuning.NormalizationAttackSmoothing)
	v.SetDefault("processor_tuning.normalization_decay_smoothing", cfg.ProcessorTuning.NormalizationDecaySmoothing)
	v.SetDefault("processor_tuning.dc_filter_cutoff_hz", cfg.ProcessorTuning.DCFilterCutoffHz)
	v.SetDefault("processor_tuning.dither_noise_shaping_factor", cfg.ProcessorTuning.DitherNoiseShapingFactor)

	v.SetDefault("mixer_tuning.underrun_hold_timeout_ms", cfg.MixerTuning.UnderrunHoldTimeoutMs)
	v.SetDefault("mixer_tuning.mp3_output_queue_max_size", cfg.MixerTuning.MP3OutputQueueMaxSize)
	v.SetDefault("mixer_tuning.mp3_bitrate_kbps", cfg.MixerTuning.MP3BitrateKbps)
	v.SetDefault("mixer_tuning.mp3_vbr_enabled", cfg.MixerTuning.MP3VBREnabled)
	v.SetDefault("mixer_tuning.enable_adaptive_buffer_drain", cfg.MixerTuning.EnableAdaptiveBufferDrain)
	v.SetDefault("mixer_tuning.target_buffer_level_ms", cfg.MixerTuning.TargetBufferLevelMs)
	v.SetDefault("mixer_tuning.buffer_tolerance_ms", cfg.MixerTuning.BufferToleranceMs)
	v.SetDefault("mixer_tuning.drain_rate_ms_per_sec", cfg.MixerTuning.DrainRateMsPerSec)
	v.SetDefault("mixer_tuning.max_speedup_factor", cfg.MixerTuning.MaxSpeedupFactor)
	v.SetDefault("mixer_tuning.drain_smoothing_factor", cfg.MixerTuning.DrainSmoothingFactor)
	v.SetDefault("mixer_tuning.buffer_measurement_interval_ms", cfg.MixerTuning.BufferMeasurementInterval)

	v.SetDefault("profiler.enabled", cfg.Profiler.Enabled)
	v.SetDefault("profiler.log_interval_ms", cfg.Profiler.LogIntervalMs)
	v.SetDefault("telemetry.enabled", cfg.Telemetry.Enabled)
	v.SetDefault("telemetry.log_interval_ms", cfg.Telemetry.LogIntervalMs)
}
