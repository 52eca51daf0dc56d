package vision

// FakeDetector returns a fixed, caller-supplied sequence of detections on
// each call, cycling through Frames. Used by the service wiring and by the
// worker and viewer tests as a deterministic detector without a real model.
type FakeDetector struct {
	Frames [][]Detection
	calls  int
}

func (f *FakeDetector) Detect(_ []byte, _, _ int) []Detection {
	if len(f.Frames) == 0 {
		return nil
	}
	d := f.Frames[f.calls%len(f.Frames)]
	f.calls++
	return d
}

// fakeSlot is the persistent state FakeTracker keeps for one detection
// "slot" (its position in the caller's per-frame detection slice) across
// calls to Update, so the same slot keeps the same TrackID while it keeps
// being detected or coasts within Params.TrackBuffer.
type fakeSlot struct {
	trackID int
	cxywh   [4]float64
	score   float64
	class   int
	missed  int
}

// FakeTracker is a deterministic stand-in for a real IoU-based tracker
// (e.g. ByteTrack), driven by the same TrackerParams a real tracker would
// take: TrackLowThresh discards detector noise outright, NewTrackThresh
// gates starting a brand-new track, and TrackBuffer (scaled by FrameRate,
// following ByteTrack's `frame_rate/30 * track_buffer` buffer-size
// formula) bounds how long a slot coasts without a fresh detection before
// it's dropped. TrackHighThresh, MatchThresh, and FuseScore are reserved
// for a real IoU-based tracker's two-stage matching; this fixture tracker
// has no geometry to match against, so it has nothing to spend them on.
type FakeTracker struct {
	Params TrackerParams

	nextID int
	resets int
	slots  map[int]*fakeSlot
}

// Update assigns or refreshes a track per detection "slot" (its index in
// dets) above Params.TrackLowThresh, creating a new track only once
// Params.NewTrackThresh is met, and reports any slot not refreshed this
// frame as coasting (DetIdx -1) until it exceeds its buffer budget.
func (f *FakeTracker) Update(dets []TrackerDetection) []Track {
	if f.slots == nil {
		f.slots = make(map[int]*fakeSlot)
	}

	seen := make(map[int]bool, len(dets))
	var tracks []Track

	for i, d := range dets {
		if d.Score < f.Params.TrackLowThresh {
			continue // below the low threshold: detector noise, never tracked
		}
		seen[i] = true

		slot, exists := f.slots[i]
		if !exists {
			if d.Score < f.Params.NewTrackThresh {
				continue // too low-confidence to start a new track this frame
			}
			f.nextID++
			slot = &fakeSlot{trackID: f.nextID}
			f.slots[i] = slot
		}
		slot.cxywh, slot.score, slot.class, slot.missed = d.CXYWH, d.Score, d.Class, 0
		tracks = append(tracks, Track{CXYWH: slot.cxywh, TrackID: slot.trackID, Score: slot.score, Class: slot.class, DetIdx: i})
	}

	bufferFrames := f.Params.TrackBuffer
	if f.Params.FrameRate > 0 {
		bufferFrames = bufferFrames * f.Params.FrameRate / 30
	}
	for i, slot := range f.slots {
		if seen[i] {
			continue
		}
		slot.missed++
		if slot.missed > bufferFrames {
			delete(f.slots, i)
			continue
		}
		tracks = append(tracks, Track{CXYWH: slot.cxywh, TrackID: slot.trackID, Score: slot.score, Class: slot.class, DetIdx: -1})
	}

	return tracks
}

// Reset clears every tracked slot (spec §4.5's stale-id-growth guard).
func (f *FakeTracker) Reset() {
	f.slots = nil
	f.resets++
}
