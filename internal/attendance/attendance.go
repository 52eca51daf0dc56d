// Package attendance caches per-session best-confidence identity
// observations and periodically commits them to durable storage with
// on-time/late classification (spec §4.6).
package attendance

import (
	"context"
	"time"

	"github.com/aulavision/ingest/internal/logging"
	"github.com/aulavision/ingest/internal/store"
)

var log = logging.L("attendance")

// Aggregator caches the best confidence seen per id_estudiante since the
// last flush. Not concurrency-safe on its own; the ingest worker serialises
// access under its identity mutex (spec §4.8).
type Aggregator struct {
	best map[string]float64
}

// NewAggregator creates an empty cache.
func NewAggregator() *Aggregator {
	return &Aggregator{best: make(map[string]float64)}
}

// Merge folds one frame's known-identity confidences into the cache,
// keeping the max confidence per student. UNKNOWN never reaches here —
// callers only pass the Identity Resolver's known-identity map.
func (a *Aggregator) Merge(confidences map[string]float64) {
	for studentID, c := range confidences {
		if cur, ok := a.best[studentID]; !ok || c > cur {
			a.best[studentID] = c
		}
	}
}

// Snapshot returns a copy of the current cache contents.
func (a *Aggregator) Snapshot() map[string]float64 {
	out := make(map[string]float64, len(a.best))
	for k, v := range a.best {
		out[k] = v
	}
	return out
}

// Remove drops one entry, used after a successful per-student flush write.
func (a *Aggregator) Remove(studentID string) {
	delete(a.best, studentID)
}

// Len reports the number of cached entries.
func (a *Aggregator) Len() int {
	return len(a.best)
}

// AttendanceStore is the subset of store.Store the Writer needs.
type AttendanceStore interface {
	ConditionalUpdateStudentRecord(ctx context.Context, claseID, fecha, aulaID, studentID string, fn func(store.AttendanceRecord) store.AttendanceRecord) error
}

// Writer commits an Aggregator's cache to the AttendanceStore with the
// on-time/late policy of spec §4.6.
type Writer struct {
	store AttendanceStore
}

// NewWriter wraps an AttendanceStore.
func NewWriter(s AttendanceStore) *Writer {
	return &Writer{store: s}
}

// Flush applies the on-time/late policy for every cached entry and commits
// it. Entries whose store write fails are left in the cache so the next
// flush retries them (spec §7 "Runtime external" policy); only
// successfully written entries are removed. Returns the number of entries
// still pending after the call (0 means a fully successful flush, after
// which spec §8 property 4 — "cache is empty" — holds).
func (w *Writer) Flush(ctx context.Context, agg *Aggregator, claseID, fecha, aulaID string, sessionStart time.Time, deadlineSeconds int, now time.Time) int {
	elapsed := now.Sub(sessionStart)
	onTime := elapsed < time.Duration(deadlineSeconds)*time.Second

	for studentID, confidence := range agg.Snapshot() {
		err := w.store.ConditionalUpdateStudentRecord(ctx, claseID, fecha, aulaID, studentID, func(rec store.AttendanceRecord) store.AttendanceRecord {
			return applyPolicy(rec, confidence, onTime, now)
		})
		if err != nil {
			log.Error("attendance flush failed for student, retaining cache entry", "error", err, "student", studentID, "clase", claseID)
			continue
		}
		agg.Remove(studentID)
	}
	return agg.Len()
}

// applyPolicy implements spec §4.6's state transition table. It never
// touches ModificadoPorUsuario/ModificadoFecha — those are owned
// exclusively by manual overrides.
func applyPolicy(rec store.AttendanceRecord, confidence float64, onTime bool, now time.Time) store.AttendanceRecord {
	nowCopy := now.UTC()

	switch rec.Estado {
	case store.StateAusente:
		c := confidence
		rec.Confianza = &c
		if onTime {
			rec.Estado = store.StateConfirmado
			rec.FechaDeteccion = &nowCopy
			rec.FechaDeteccionTardia = nil
		} else {
			rec.Estado = store.StateTarde
			rec.FechaDeteccion = nil
			rec.FechaDeteccionTardia = &nowCopy
		}

	case store.StateConfirmado, store.StateTarde:
		existing := 0.0
		if rec.Confianza != nil {
			existing = *rec.Confianza
		}
		if confidence > existing {
			c := confidence
			rec.Confianza = &c
			if onTime {
				rec.FechaDeteccion = &nowCopy
			} else {
				rec.FechaDeteccionTardia = &nowCopy
			}
		}
		if !onTime && rec.FechaDeteccionTardia == nil {
			rec.FechaDeteccionTardia = &nowCopy
		}

	default:
		// Unexpected state: leave untouched rather than guess at a transition.
	}

	return rec
}
