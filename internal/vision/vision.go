// Package vision defines the face detector and tracker abstractions the
// ingest worker consumes. A real model lives outside this package; vision
// fixes the contract and the default tracker parameters, and fake.go holds
// the fixture-driven FakeDetector and FakeTracker.
package vision

// Detection is one face found in a frame: its bounding box in the source
// image, the detector's confidence, and a unit-norm 512-d embedding.
type Detection struct {
	BBoxXYXY      [4]int
	Score         float64
	NormedEmbedding []float32
}

// Detector returns zero or more faces found in a BGR image. Implementations
// must treat internal failures as "no faces" rather than propagating an
// error — spec §6.1 models detector failure as an empty result, not a
// fatal condition for the session.
type Detector interface {
	Detect(bgr []byte, width, height int) []Detection
}

// Track is one tracked object: its centre-xywh box, a stable id, the
// tracker's own confidence, and the index of the detection it was
// associated with this frame (-1 if coasting without a current detection).
type Track struct {
	CXYWH   [4]float64
	TrackID int
	Score   float64
	Class   int
	DetIdx  int
}

// TrackerParams configures a Tracker. Defaults per spec §6.2.
type TrackerParams struct {
	TrackHighThresh float64
	TrackLowThresh  float64
	NewTrackThresh  float64
	TrackBuffer     int
	MatchThresh     float64
	FuseScore       bool
	FrameRate       int
}

// DefaultTrackerParams returns the spec-mandated defaults:
// 0.6, 0.1, 0.5, 20, 0.6, false, 30.
func DefaultTrackerParams() TrackerParams {
	return TrackerParams{
		TrackHighThresh: 0.6,
		TrackLowThresh:  0.1,
		NewTrackThresh:  0.5,
		TrackBuffer:     20,
		MatchThresh:     0.6,
		FuseScore:       false,
		FrameRate:       30,
	}
}

// TrackerDetection is one input to Tracker.Update: a detection in
// centre-xywh form with the detector's confidence and class (always 0 for
// faces, kept for interface symmetry with general-purpose trackers).
type TrackerDetection struct {
	CXYWH [4]float64
	Score float64
	Class int
}

// Tracker is stateful across frames; it must be driven every frame even
// when detection itself only runs every N-th frame (spec §4.4).
type Tracker interface {
	Update(detections []TrackerDetection) []Track
	Reset()
}
