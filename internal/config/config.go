// Package config loads and validates aulavision-ingest's runtime configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/viper"

	"github.com/aulavision/ingest/internal/logging"
	"github.com/aulavision/ingest/internal/vision"
)

var log = logging.L("config")

// Config holds every tunable named or implied by the specification: HTTP
// surface, JWT signing, storage, timetable timezone, and the ingest
// worker's detection/tracking/flush policy knobs.
type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`

	JWTSecret          string `mapstructure:"jwt_secret"`
	StopTransmitTimeout int   `mapstructure:"stop_transmit_timeout_seconds"`

	StoreDriver string `mapstructure:"store_driver"` // "sqlite"
	StoreDSN    string `mapstructure:"store_dsn"`

	Timezone string `mapstructure:"timezone"` // IANA name, e.g. "Europe/Madrid"

	// Logging configuration
	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`

	// Ingest worker policy (spec.md §4.4, §4.5, §4.6, Open Questions)
	DetectEveryN          int     `mapstructure:"detect_every_n"`
	SimilarityThreshold   float64 `mapstructure:"similarity_threshold"`
	FlushIntervalSeconds  int     `mapstructure:"flush_interval_seconds"`
	DefaultDeadlineSecs   int     `mapstructure:"default_deadline_seconds"`
	DeadlineAdjustWindow  int     `mapstructure:"deadline_adjust_window_seconds"`
	FrameWidth            int     `mapstructure:"frame_width"`
	FrameHeight           int     `mapstructure:"frame_height"`
	AccumulatorCapFrames  int     `mapstructure:"accumulator_cap_frames"`
	DecoderReadChunkBytes int     `mapstructure:"decoder_read_chunk_bytes"`
	SDPPort               int     `mapstructure:"sdp_port"`
	SDPHost               string  `mapstructure:"sdp_host"`

	// Ingest source selection: "decoder" (ffmpeg reads RTP/UDP itself
	// from a generated SDP file), "rtp_relay" (aulavision binds the UDP
	// socket, depacketizes H.264, and pipes it to the decoder's stdin),
	// or "local" (a file/camera device node, for dev/demo).
	IngestMode        string `mapstructure:"ingest_mode"`
	DecoderBinaryPath string `mapstructure:"decoder_binary_path"`
	LocalSourcePath   string `mapstructure:"local_source_path"`

	// Decoder resource monitoring: periodic gopsutil polling of the spawned
	// decoder subprocess, surfaced through the per-aula health checks.
	ResourceSampleIntervalSeconds int `mapstructure:"resource_sample_interval_seconds"`
	DecoderMaxRSSMB               int `mapstructure:"decoder_max_rss_mb"`

	// Viewer fan-out
	ViewerFrameIntervalMillis int `mapstructure:"viewer_frame_interval_millis"`

	// Tracker defaults (spec.md §6.2)
	TrackHighThresh float64 `mapstructure:"track_high_thresh"`
	TrackLowThresh  float64 `mapstructure:"track_low_thresh"`
	NewTrackThresh  float64 `mapstructure:"new_track_thresh"`
	TrackBuffer     int     `mapstructure:"track_buffer"`
	MatchThresh     float64 `mapstructure:"match_thresh"`
	FuseScore       bool    `mapstructure:"fuse_score"`
	TrackerFrameRate int    `mapstructure:"tracker_frame_rate"`

	// Audit configuration
	AuditEnabled    bool `mapstructure:"audit_enabled"`
	AuditMaxSizeMB  int  `mapstructure:"audit_max_size_mb"`
	AuditMaxBackups int  `mapstructure:"audit_max_backups"`
}

// Default returns the configuration fixed or defaulted by the specification:
// detect_every_n=3, similarity threshold 0.5 (≥), flush interval 10s, on-time
// deadline 600s adjustable within the first 300s, frame size 960x540,
// SDP port 5000, tracker defaults 0.6/0.1/0.5/20/0.6/false/30.
func Default() *Config {
	cfg := &Config{
		ListenAddr:           ":8080",
		StopTransmitTimeout:  5,
		StoreDriver:          "sqlite",
		StoreDSN:             "file:aulavision.db?_pragma=foreign_keys(1)",
		Timezone:             "Europe/Madrid",
		LogLevel:             "info",
		LogFormat:            "text",
		LogMaxSizeMB:         50,
		LogMaxBackups:        3,
		DetectEveryN:         3,
		SimilarityThreshold:  0.5,
		FlushIntervalSeconds: 10,
		DefaultDeadlineSecs:  600,
		DeadlineAdjustWindow: 300,
		FrameWidth:           960,
		FrameHeight:          540,
		AccumulatorCapFrames: 4,
		DecoderReadChunkBytes: 64 * 1024,
		SDPPort:              5000,
		SDPHost:              "0.0.0.0",
		IngestMode:           "decoder",
		DecoderBinaryPath:    "ffmpeg",
		ResourceSampleIntervalSeconds: 15,
		DecoderMaxRSSMB:               1024,

		ViewerFrameIntervalMillis: 40,

		AuditEnabled:    true,
		AuditMaxSizeMB:  50,
		AuditMaxBackups: 3,
	}

	tp := vision.DefaultTrackerParams()
	cfg.TrackHighThresh = tp.TrackHighThresh
	cfg.TrackLowThresh = tp.TrackLowThresh
	cfg.NewTrackThresh = tp.NewTrackThresh
	cfg.TrackBuffer = tp.TrackBuffer
	cfg.MatchThresh = tp.MatchThresh
	cfg.FuseScore = tp.FuseScore
	cfg.TrackerFrameRate = tp.FrameRate

	return cfg
}

// Load reads configuration from cfgFile (or the default search path),
// overlaying environment variables prefixed AULAVISION_, and validates
// the result. Fatals abort startup (spec.md §7 "Fatal" row); warnings are
// logged and the process continues with clamped values.
func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("aulavision")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(configDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("AULAVISION")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}

	result := cfg.ValidateTiered()
	for _, err := range result.Warnings {
		log.Warn("config validation", "error", err)
	}
	if result.HasFatals() {
		for _, err := range result.Fatals {
			log.Error("config validation fatal", "error", err)
		}
		return nil, fmt.Errorf("config has fatal validation errors: %v", result.Fatals[0])
	}

	return cfg, nil
}

// GetDataDir returns the platform-specific data directory for the service.
func GetDataDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "AulaVision", "data")
	case "darwin":
		return "/Library/Application Support/AulaVision/data"
	default:
		return "/var/lib/aulavision"
	}
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "AulaVision")
	case "darwin":
		return "/Library/Application Support/AulaVision"
	default:
		return "/etc/aulavision"
	}
}
