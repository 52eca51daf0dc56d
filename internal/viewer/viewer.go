// Package viewer implements the MJPEG Fan-out (spec §4.7): one
// multipart/x-mixed-replace byte stream per class, reading a running
// Session's shared latest frame. There is no per-viewer queue — every
// connected viewer reads the same frame pointer at its own pace.
package viewer

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/aulavision/ingest/internal/logging"
	"github.com/aulavision/ingest/internal/session"
)

var log = logging.L("viewer")

const boundary = "frame"

// ClassLocator resolves the aula currently hosting a class, for the
// viewer's id_clase-keyed endpoint.
type ClassLocator interface {
	AulaForClass(ctx context.Context, claseID string, now time.Time) (string, error)
}

// SessionLookup is the subset of *session.Registry the fan-out needs.
type SessionLookup interface {
	Lookup(aulaID string) *session.Session
}

// Handler serves GET /transmision/video/{id_clase}.
type Handler struct {
	oracle        ClassLocator
	registry      SessionLookup
	frameInterval time.Duration
}

// New builds a fan-out Handler. frameInterval is the sleep between frames
// (spec §4.7: "~40ms, ≈25fps").
func New(oracle ClassLocator, registry SessionLookup, frameInterval time.Duration) *Handler {
	return &Handler{oracle: oracle, registry: registry, frameInterval: frameInterval}
}

// ServeHTTP resolves id_clase to its aula and running Session, then streams
// the Session's latest frame as a multipart/x-mixed-replace response until
// the client disconnects or the session ends.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claseID := r.PathValue("id_clase")

	aulaID, err := h.oracle.AulaForClass(r.Context(), claseID, time.Now())
	if err != nil {
		log.Error("resolve aula for class failed", logging.KeyClase, claseID, logging.KeyError, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if aulaID == "" {
		http.Error(w, "class not found or not currently scheduled", http.StatusNotFound)
		return
	}

	sess := h.registry.Lookup(aulaID)
	if sess == nil {
		http.Error(w, "no active transmission for this class", http.StatusServiceUnavailable)
		return
	}

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", fmt.Sprintf("multipart/x-mixed-replace; boundary=%s", boundary))
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(http.StatusOK)

	ticker := time.NewTicker(h.frameInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sess.Done():
			return
		case <-ticker.C:
			frame := sess.LatestFrame()
			if frame == nil {
				continue
			}
			if err := writePart(w, frame); err != nil {
				log.Debug("viewer write failed, terminating generator", logging.KeyClase, claseID, logging.KeyError, err)
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

// writePart emits one multipart frame: the boundary line, headers, the
// JPEG payload, and the trailing CRLF spec §4.7 names explicitly.
func writePart(w http.ResponseWriter, jpeg []byte) error {
	if _, err := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", boundary, len(jpeg)); err != nil {
		return err
	}
	if _, err := w.Write(jpeg); err != nil {
		return err
	}
	_, err := w.Write([]byte("\r\n"))
	return err
}
