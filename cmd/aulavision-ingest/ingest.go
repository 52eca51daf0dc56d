package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aulavision/ingest/internal/attendance"
	"github.com/aulavision/ingest/internal/config"
	"github.com/aulavision/ingest/internal/health"
	"github.com/aulavision/ingest/internal/logging"
	"github.com/aulavision/ingest/internal/session"
	"github.com/aulavision/ingest/internal/store"
	"github.com/aulavision/ingest/internal/timetable"
	"github.com/aulavision/ingest/internal/vision"
)

// workerBuilder constructs a session.Worker for each Session the Registry
// opens, picking the configured ingest source (decoder-native, rtp_relay,
// or local file/camera) and wiring the Attendance Writer's flush into the
// worker's periodic commit step.
type workerBuilder struct {
	cfg    *config.Config
	store  *store.Store
	oracle *timetable.Oracle
	ctx    context.Context
	health *health.Monitor
}

// start is passed to session.New as the Registry's startWorker hook: it
// builds the session's FrameSource, detector, and tracker, then launches
// the worker loop on its own goroutine.
func (b *workerBuilder) start(sess *session.Session) {
	healthName := sess.AulaID + "-decoder"

	source, err := b.buildSource(sess)
	if err != nil {
		log.Error("build frame source failed, session will not ingest frames",
			logging.KeyAula, sess.AulaID, logging.KeyError, err)
		b.health.Update(healthName, health.Unhealthy, err.Error())
		return
	}
	b.health.Update(healthName, health.Healthy, "")

	worker := session.NewWorker(sess, session.WorkerDeps{
		Detector:      &vision.FakeDetector{},
		Tracker:       &vision.FakeTracker{Params: b.trackerParams()},
		Source:        source,
		Width:         b.cfg.FrameWidth,
		Height:        b.cfg.FrameHeight,
		DetectEveryN:  b.cfg.DetectEveryN,
		FlushInterval: time.Duration(b.cfg.FlushIntervalSeconds) * time.Second,
		Flusher:       b.flush,

		ResourceSampleInterval: time.Duration(b.cfg.ResourceSampleIntervalSeconds) * time.Second,
		OnResourceSample: func(cpuPercent float64, rssBytes uint64, err error) {
			b.reportResourceUsage(sess, cpuPercent, rssBytes, err)
		},
	})

	go worker.Run(b.ctx)
}

// trackerParams builds the Tracker's tuning knobs from configuration
// (spec.md §6.2's defaults, overridable per deployment).
func (b *workerBuilder) trackerParams() vision.TrackerParams {
	return vision.TrackerParams{
		TrackHighThresh: b.cfg.TrackHighThresh,
		TrackLowThresh:  b.cfg.TrackLowThresh,
		NewTrackThresh:  b.cfg.NewTrackThresh,
		TrackBuffer:     b.cfg.TrackBuffer,
		MatchThresh:     b.cfg.MatchThresh,
		FuseScore:       b.cfg.FuseScore,
		FrameRate:       b.cfg.TrackerFrameRate,
	}
}

// reportResourceUsage feeds one decoder resource sample into the health
// monitor under the same "<aula>-decoder" component start uses, so an
// over-budget subprocess surfaces on /healthz without a separate component
// name to track. A failed sample is only logged at debug level and leaves
// the component's status unchanged.
func (b *workerBuilder) reportResourceUsage(sess *session.Session, cpuPercent float64, rssBytes uint64, err error) {
	name := sess.AulaID + "-decoder"
	if err != nil {
		log.Debug("decoder resource sample failed", logging.KeyAula, sess.AulaID, logging.KeyError, err)
		return
	}

	maxRSS := uint64(b.cfg.DecoderMaxRSSMB) * 1024 * 1024
	if maxRSS > 0 && rssBytes > maxRSS {
		b.health.Update(name, health.Degraded, fmt.Sprintf("decoder rss %dMB exceeds %dMB limit", rssBytes/1024/1024, b.cfg.DecoderMaxRSSMB))
		return
	}
	b.health.Update(name, health.Healthy, fmt.Sprintf("cpu=%.1f%% rss=%dMB", cpuPercent, rssBytes/1024/1024))
}

// flush adapts the Attendance Writer's Flush call to the Worker's Flusher
// hook shape, resolving the attendance document's date key from the same
// Timetable Oracle that arbitrates schedule membership.
func (b *workerBuilder) flush(ctx context.Context, sess *session.Session, now time.Time) {
	writer := attendance.NewWriter(b.store)
	fecha := b.oracle.LocalDate(now)
	writer.Flush(ctx, sess.Aggregator(), sess.ClaseID(), fecha, sess.AulaID, sess.StartedAt(), sess.DeadlineSeconds(), now)
}

// buildSource picks the per-session FrameSource per cfg.IngestMode.
func (b *workerBuilder) buildSource(sess *session.Session) (session.FrameSource, error) {
	switch b.cfg.IngestMode {
	case "local":
		return session.NewLocalFileSource(b.cfg.LocalSourcePath, b.cfg.FrameWidth, b.cfg.FrameHeight, 25, true)

	case "rtp_relay":
		return b.buildRTPRelaySource(sess)

	default: // "decoder": ffmpeg reads the RTP/UDP stream itself from a generated SDP file
		return b.buildDecoderNativeSource(sess)
	}
}

func (b *workerBuilder) buildDecoderNativeSource(sess *session.Session) (session.FrameSource, error) {
	port := sess.Device().Port
	if port == 0 {
		port = b.cfg.SDPPort
	}

	sdpBytes, err := session.GenerateSDP(b.cfg.SDPHost, port)
	if err != nil {
		return nil, fmt.Errorf("generate sdp for aula %s: %w", sess.AulaID, err)
	}
	sdpFile, err := os.CreateTemp("", "aulavision-"+sess.AulaID+"-*.sdp")
	if err != nil {
		return nil, fmt.Errorf("create sdp file: %w", err)
	}
	if _, err := sdpFile.Write(sdpBytes); err != nil {
		sdpFile.Close()
		return nil, fmt.Errorf("write sdp file: %w", err)
	}
	sdpFile.Close()

	args := []string{
		"-loglevel", "error",
		"-protocol_whitelist", "file,udp,rtp",
		"-i", sdpFile.Name(),
		"-f", "rawvideo",
		"-pix_fmt", "bgr24",
		"-s", fmt.Sprintf("%dx%d", b.cfg.FrameWidth, b.cfg.FrameHeight),
		"pipe:1",
	}

	return session.NewDecoderSource(b.ctx, b.cfg.DecoderBinaryPath, args, nil,
		b.cfg.FrameWidth, b.cfg.FrameHeight, b.cfg.DecoderReadChunkBytes, b.cfg.AccumulatorCapFrames)
}

// buildRTPRelaySource binds the UDP port itself, depacketizes H.264, and
// pipes the resulting Annex-B stream to the decoder's stdin — used when
// the device's own port can't be trusted to hand off directly to ffmpeg's
// RTP demuxer (e.g. devices behind NAT rewriting the source port).
func (b *workerBuilder) buildRTPRelaySource(sess *session.Session) (session.FrameSource, error) {
	port := sess.Device().Port
	if port == 0 {
		port = b.cfg.SDPPort
	}

	pr, pw := io.Pipe()
	relay, err := session.NewRTPRelay(b.cfg.SDPHost, port, pw)
	if err != nil {
		return nil, fmt.Errorf("bind rtp relay for aula %s: %w", sess.AulaID, err)
	}
	go func() {
		if err := relay.Run(b.ctx); err != nil {
			log.Debug("rtp relay ended", logging.KeyAula, sess.AulaID, logging.KeyError, err)
		}
	}()

	args := []string{
		"-loglevel", "error",
		"-f", "h264",
		"-i", "pipe:0",
		"-f", "rawvideo",
		"-pix_fmt", "bgr24",
		"-s", fmt.Sprintf("%dx%d", b.cfg.FrameWidth, b.cfg.FrameHeight),
		"pipe:1",
	}

	return session.NewDecoderSource(b.ctx, b.cfg.DecoderBinaryPath, args, pr,
		b.cfg.FrameWidth, b.cfg.FrameHeight, b.cfg.DecoderReadChunkBytes, b.cfg.AccumulatorCapFrames)
}
