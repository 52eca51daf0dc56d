// Package identity matches tracked faces against a per-class enrolled
// embedding gallery and maintains the per-track identity table described
// in spec §4.5: at most one identity per track, confidence monotone,
// never downgraded from a known student back to unknown.
package identity

import (
	"math"

	"github.com/aulavision/ingest/internal/store"
	"github.com/aulavision/ingest/internal/vision"
)

// Unknown is the sentinel identity for a track with no confident match.
const Unknown = ""

const embeddingDims = 512

// DefaultThreshold is τ, the minimum cosine similarity to assign a known
// identity rather than Unknown.
const DefaultThreshold = 0.5

// Gallery is an immutable snapshot of enrolled embeddings for one class,
// taken at session creation or class-switch and never mutated during a
// run (spec §3 Session invariant). Rows are unit-norm, so cosine
// similarity against a unit-norm query is a plain dot product.
type Gallery struct {
	embeddings [][]float32 // n x 512
	studentIDs []string    // parallel to embeddings
}

// NewGallery flattens each student's embedding rows into one gallery,
// repeating the student id once per enrolled image.
func NewGallery(students []store.Student) *Gallery {
	g := &Gallery{}
	for _, st := range students {
		for _, emb := range st.Embeddings {
			if len(emb) != embeddingDims {
				continue // malformed rows are filtered at the store layer already; defensive here too
			}
			g.embeddings = append(g.embeddings, emb)
			g.studentIDs = append(g.studentIDs, st.ID)
		}
	}
	return g
}

// Size returns the number of enrolled embedding rows in the gallery.
func (g *Gallery) Size() int {
	return len(g.embeddings)
}

// best returns the best-matching student id and cosine similarity for a
// query embedding. Returns (Unknown, 0) if the gallery is empty.
func (g *Gallery) best(query []float32) (string, float64) {
	bestID := Unknown
	bestScore := math.Inf(-1)
	for i, row := range g.embeddings {
		score := dot(row, query)
		if score > bestScore {
			bestScore = score
			bestID = g.studentIDs[i]
		}
	}
	if bestID == Unknown {
		return Unknown, 0
	}
	return bestID, bestScore
}

func dot(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// TrackIdentity is one entry of the per-track identity table: the
// assigned student (or Unknown) and the confidence at which it was
// assigned or last upgraded.
type TrackIdentity struct {
	StudentID  string
	Confidence float64
}

// Table is the per-session track identity table plus its eviction and
// clear-on-empty bookkeeping. Callers (the ingest worker) are expected to
// hold their own mutex around Table's methods; Table itself is not
// concurrency-safe, matching the Session's single identity_mutex design.
type Table struct {
	byTrack   map[int]TrackIdentity
	threshold float64 // minimum cosine similarity to assign a known identity
}

// NewTable creates an empty identity table that assigns a known identity
// only at or above threshold (spec §9's similarity_threshold, config-controlled
// rather than the package's DefaultThreshold constant).
func NewTable(threshold float64) *Table {
	return &Table{byTrack: make(map[int]TrackIdentity), threshold: threshold}
}

// Resolve applies one frame's tracks and detections to the table: for
// each track with a live detection (DetIdx >= 0), assigns or upgrades its
// identity against gallery, then evicts any track id absent from tracks.
// Returns the current table contents (known identities only) for the
// Detection Aggregator to merge, and whether the caller should reset its
// tracker (zero detections and zero tracks this frame: spec §4.5's
// stale-id-growth guard, which only the worker can act on since it owns
// the tracker instance).
func (t *Table) Resolve(gallery *Gallery, tracks []vision.Track, detections []vision.Detection) (confidences map[string]float64, resetTracker bool) {
	live := make(map[int]bool, len(tracks))
	for _, tr := range tracks {
		live[tr.TrackID] = true

		if tr.DetIdx < 0 || tr.DetIdx >= len(detections) {
			continue // coasting track this frame: keep previous identity untouched
		}

		query := detections[tr.DetIdx].NormedEmbedding
		matchID, score := gallery.best(query)
		score = round4(score)

		prev, ok := t.byTrack[tr.TrackID]
		switch {
		case !ok || prev.StudentID == Unknown:
			if matchID != Unknown && score >= t.threshold {
				t.byTrack[tr.TrackID] = TrackIdentity{StudentID: matchID, Confidence: score}
			} else {
				t.byTrack[tr.TrackID] = TrackIdentity{StudentID: Unknown, Confidence: score}
			}
		default: // already has a known identity: only upgrade on strictly higher confidence
			if score > prev.Confidence {
				t.byTrack[tr.TrackID] = TrackIdentity{StudentID: matchID, Confidence: score}
			}
		}
	}

	// Evict stale tracks absent from this frame's tracker output.
	for id := range t.byTrack {
		if !live[id] {
			delete(t.byTrack, id)
		}
	}

	// If the tracker lost every track and nothing was detected, clear the
	// table outright to prevent stale id growth (spec §4.5).
	if len(tracks) == 0 && len(detections) == 0 {
		t.byTrack = make(map[int]TrackIdentity)
		resetTracker = true
	}

	return t.knownConfidences(), resetTracker
}

// knownConfidences returns id_estudiante -> confidence for every track
// currently assigned a known identity, collapsing duplicate students
// (same student tracked twice) to their max confidence.
func (t *Table) knownConfidences() map[string]float64 {
	out := make(map[string]float64)
	for _, ti := range t.byTrack {
		if ti.StudentID == Unknown {
			continue
		}
		if cur, ok := out[ti.StudentID]; !ok || ti.Confidence > cur {
			out[ti.StudentID] = ti.Confidence
		}
	}
	return out
}

// Len returns the number of tracks currently in the table (known and
// unknown), mostly useful for tests and metrics.
func (t *Table) Len() int {
	return len(t.byTrack)
}

func round4(f float64) float64 {
	return math.Round(f*10000) / 10000
}
