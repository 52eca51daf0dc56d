package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode"
)

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"warning": true,
	"error": true,
}

// ValidationResult separates configuration problems that must abort
// startup (Fatals) from ones that are logged and clamped to a safe
// default so the process can still run (Warnings). Mirrors spec.md §7's
// "External dependency"/"Fatal" rows being stricter than the rest.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

// HasFatals reports whether any fatal validation error was recorded.
func (r ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

// ValidateTiered checks the config for invalid values. JWT secret and
// storage DSN absence are fatal (the service cannot issue tokens or
// reach durable storage), as are control characters in the JWT secret
// and a timezone that is not a valid IANA zone. Everything else is a warning with the value
// clamped to a safe default so the service degrades instead of crashing.
func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult

	if strings.TrimSpace(c.JWTSecret) == "" {
		r.Fatals = append(r.Fatals, fmt.Errorf("jwt_secret must not be empty"))
	}
	for _, ch := range c.JWTSecret {
		if unicode.IsControl(ch) {
			r.Fatals = append(r.Fatals, fmt.Errorf("jwt_secret contains control characters"))
			break
		}
	}

	if strings.TrimSpace(c.StoreDSN) == "" {
		r.Fatals = append(r.Fatals, fmt.Errorf("store_dsn must not be empty"))
	}

	if _, err := time.LoadLocation(c.Timezone); err != nil {
		r.Fatals = append(r.Fatals, fmt.Errorf("timezone %q is not a valid IANA zone: %w", c.Timezone, err))
	}

	if c.ListenAddr != "" {
		if _, err := url.Parse("http://" + strings.TrimPrefix(c.ListenAddr, ":")); err != nil {
			r.Warnings = append(r.Warnings, fmt.Errorf("listen_addr %q looks malformed: %w", c.ListenAddr, err))
		}
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
		c.LogLevel = "info"
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
		c.LogFormat = "text"
	}

	if c.DetectEveryN < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("detect_every_n %d is below minimum 1, clamping", c.DetectEveryN))
		c.DetectEveryN = 1
	}
	if c.SimilarityThreshold < 0 || c.SimilarityThreshold > 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("similarity_threshold %v out of [0,1], resetting to 0.5", c.SimilarityThreshold))
		c.SimilarityThreshold = 0.5
	}
	if c.FlushIntervalSeconds < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("flush_interval_seconds %d is below minimum 1, clamping", c.FlushIntervalSeconds))
		c.FlushIntervalSeconds = 1
	}
	if c.DefaultDeadlineSecs < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("default_deadline_seconds %d must be > 0, resetting to 600", c.DefaultDeadlineSecs))
		c.DefaultDeadlineSecs = 600
	}
	if c.FrameWidth < 1 || c.FrameHeight < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("frame_width/frame_height must be > 0, resetting to 960x540"))
		c.FrameWidth, c.FrameHeight = 960, 540
	}
	if c.AccumulatorCapFrames < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("accumulator_cap_frames %d is below minimum 1, clamping", c.AccumulatorCapFrames))
		c.AccumulatorCapFrames = 1
	}
	if c.ViewerFrameIntervalMillis < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("viewer_frame_interval_millis %d is below minimum 1, resetting to 40", c.ViewerFrameIntervalMillis))
		c.ViewerFrameIntervalMillis = 40
	}
	if c.ResourceSampleIntervalSeconds < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("resource_sample_interval_seconds %d is below minimum 1, resetting to 15", c.ResourceSampleIntervalSeconds))
		c.ResourceSampleIntervalSeconds = 15
	}
	if c.DecoderMaxRSSMB < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("decoder_max_rss_mb %d is below minimum 1, resetting to 1024", c.DecoderMaxRSSMB))
		c.DecoderMaxRSSMB = 1024
	}

	return r
}
