package session

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"time"

	"github.com/aulavision/ingest/internal/logging"
	"github.com/aulavision/ingest/internal/vision"
)

// FrameSource yields raw BGR frames of a fixed width*height*3 size. Both
// local-file/camera mode and the decoder-subprocess mode implement it;
// the worker's per-frame pipeline is identical either way.
type FrameSource interface {
	// NextFrame blocks until a full frame is available or ctx is done.
	// FrameIntervalHint reports the source's intrinsic pacing, if any
	// (local/file mode); zero means "as fast as frames arrive" (network mode).
	NextFrame(ctx context.Context) (bgr []byte, err error)
	FrameIntervalHint() time.Duration
	Close() error
}

// ResourceSampler is optionally implemented by a FrameSource that runs a
// subprocess worth monitoring (network mode's DecoderSource, via gopsutil
// against the spawned decoder PID). Local/file sources don't implement it.
type ResourceSampler interface {
	SampleResourceUsage() (cpuPercent float64, rssBytes uint64, err error)
}

// FrameAnnotator optionally draws on a frame before it's stored as the
// session's latest frame. The protocol does not mandate content (spec
// §4.4 step 6); NoopAnnotator is the default.
type FrameAnnotator interface {
	Annotate(img *image.RGBA, tracks []vision.Track, identities map[int]string)
}

// NoopAnnotator draws nothing.
type NoopAnnotator struct{}

func (NoopAnnotator) Annotate(*image.RGBA, []vision.Track, map[int]string) {}

// WorkerDeps bundles the Worker's collaborators so Registry.Open (or a
// CLI wiring function) can construct one without the session package
// needing to know about HTTP, SQL, or subprocess details.
type WorkerDeps struct {
	Detector   vision.Detector
	Tracker    vision.Tracker
	Source     FrameSource
	Width      int
	Height     int
	DetectEveryN int
	FlushInterval time.Duration
	Annotator  FrameAnnotator
	Flusher    func(ctx context.Context, sess *Session, now time.Time) // commits the aggregator; bound to a concrete attendance.Writer by the caller

	// ResourceSampleInterval paces calls into Source's ResourceSampler, if
	// it implements one; zero disables sampling entirely. OnResourceSample
	// receives every sample (including a non-nil err on a failed poll) so
	// the caller can feed it into a health monitor.
	ResourceSampleInterval time.Duration
	OnResourceSample       func(cpuPercent float64, rssBytes uint64, err error)
}

// Worker runs one Session's ingest loop until its termination signal
// fires (spec §4.4). It owns no goroutine itself — Run is meant to be
// launched with `go`.
type Worker struct {
	sess               *Session
	deps               WorkerDeps
	lastResourceSample time.Time
}

// NewWorker builds a worker for sess. Attached to sess.worker so future
// extensions (e.g. a status endpoint) can introspect it.
func NewWorker(sess *Session, deps WorkerDeps) *Worker {
	if deps.DetectEveryN < 1 {
		deps.DetectEveryN = 1
	}
	if deps.Annotator == nil {
		deps.Annotator = NoopAnnotator{}
	}
	w := &Worker{sess: sess, deps: deps}
	sess.worker = w
	return w
}

// Run drives the per-frame pipeline until sess.Done() fires, then drains
// the source and performs a final flush.
func (w *Worker) Run(ctx context.Context) {
	defer w.deps.Source.Close()

	var lastDetections []vision.Detection
	frameN := 0
	interval := w.deps.Source.FrameIntervalHint()

	for {
		select {
		case <-w.sess.Done():
			w.finalFlush(ctx)
			return
		default:
		}

		loopStart := time.Now()

		bgr, err := w.deps.Source.NextFrame(ctx)
		if err != nil {
			log.Warn("frame source error, ending session", logging.KeyAula, w.sess.AulaID, logging.KeyError, err)
			w.finalFlush(ctx)
			return
		}

		select {
		case <-w.sess.Done():
			w.finalFlush(ctx)
			return
		default:
		}

		w.sampleResourceUsageIfDue()

		runDetection := frameN%w.deps.DetectEveryN == 0
		var detections []vision.Detection
		if runDetection {
			detections = w.deps.Detector.Detect(bgr, w.deps.Width, w.deps.Height)
			lastDetections = detections
		} else {
			detections = lastDetections
		}

		trackerInput := make([]vision.TrackerDetection, len(detections))
		for i, d := range detections {
			trackerInput[i] = vision.TrackerDetection{CXYWH: xyxyToCxywh(d.BBoxXYXY), Score: d.Score, Class: 0}
		}
		tracks := w.deps.Tracker.Update(trackerInput)

		w.sess.identityMu.Lock()
		confidences, resetTracker := w.sess.table.Resolve(w.sess.Gallery(), tracks, detections)
		w.sess.aggregator.Merge(confidences)
		needsFlush := w.sess.lastFlush.IsZero() || time.Since(w.sess.lastFlush) >= w.deps.FlushInterval
		w.sess.identityMu.Unlock()

		if resetTracker {
			w.deps.Tracker.Reset()
		}

		if needsFlush && w.deps.Flusher != nil {
			w.deps.Flusher(ctx, w.sess, time.Now())
			w.sess.identityMu.Lock()
			w.sess.lastFlush = time.Now()
			w.sess.identityMu.Unlock()
		}

		jpegBytes := w.encodeFrame(bgr, tracks, confidences)
		w.sess.setLatestFrame(jpegBytes)

		frameN++

		if interval > 0 {
			elapsed := time.Since(loopStart)
			if remaining := interval - elapsed; remaining > 0 {
				time.Sleep(remaining)
			}
		}
	}
}

// sampleResourceUsageIfDue polls the frame source's resource usage (when it
// implements ResourceSampler and the worker was configured to sample) at
// most once per ResourceSampleInterval, and hands the result to
// OnResourceSample so the caller can feed a health monitor.
func (w *Worker) sampleResourceUsageIfDue() {
	if w.deps.ResourceSampleInterval <= 0 || w.deps.OnResourceSample == nil {
		return
	}
	sampler, ok := w.deps.Source.(ResourceSampler)
	if !ok {
		return
	}
	if !w.lastResourceSample.IsZero() && time.Since(w.lastResourceSample) < w.deps.ResourceSampleInterval {
		return
	}
	w.lastResourceSample = time.Now()

	cpuPercent, rssBytes, err := sampler.SampleResourceUsage()
	w.deps.OnResourceSample(cpuPercent, rssBytes, err)
}

func (w *Worker) finalFlush(ctx context.Context) {
	if w.deps.Flusher != nil {
		w.deps.Flusher(ctx, w.sess, time.Now())
	}
}

// encodeFrame converts a raw BGR buffer to an RGBA image, optionally
// annotates it, and JPEG-encodes the result for the viewer fan-out.
func (w *Worker) encodeFrame(bgr []byte, tracks []vision.Track, confidences map[string]float64) []byte {
	img := image.NewRGBA(image.Rect(0, 0, w.deps.Width, w.deps.Height))
	bgrToRGBA(bgr, img, w.deps.Width, w.deps.Height)

	if _, ok := w.deps.Annotator.(NoopAnnotator); !ok {
		idByTrack := make(map[int]string, len(tracks))
		for _, t := range tracks {
			idByTrack[t.TrackID] = "" // the annotator resolves labels itself from the identity table if it needs them
		}
		w.deps.Annotator.Annotate(img, tracks, idByTrack)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}); err != nil {
		log.Warn("jpeg encode failed, frame dropped", logging.KeyAula, w.sess.AulaID, logging.KeyError, err)
		return nil
	}
	return buf.Bytes()
}

func bgrToRGBA(bgr []byte, img *image.RGBA, width, height int) {
	need := width * height * 3
	if len(bgr) < need {
		return
	}
	for y := 0; y < height; y++ {
		rowOff := y * width * 3
		for x := 0; x < width; x++ {
			i := rowOff + x*3
			b, g, r := bgr[i], bgr[i+1], bgr[i+2]
			img.SetRGBA(x, y, color.RGBA{R: r, G: g, B: b, A: 255})
		}
	}
}

func xyxyToCxywh(xyxy [4]int) [4]float64 {
	x1, y1, x2, y2 := float64(xyxy[0]), float64(xyxy[1]), float64(xyxy[2]), float64(xyxy[3])
	w := x2 - x1
	h := y2 - y1
	return [4]float64{x1 + w/2, y1 + h/2, w, h}
}
