package viewer

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aulavision/ingest/internal/session"
	"github.com/aulavision/ingest/internal/store"
	"github.com/aulavision/ingest/internal/vision"
)

type fakeOracle struct {
	aulas map[string]string
}

func (f *fakeOracle) AulaForClass(_ context.Context, claseID string, _ time.Time) (string, error) {
	return f.aulas[claseID], nil
}

type fakeRegistry struct {
	byAula map[string]*session.Session
}

func (f *fakeRegistry) Lookup(aulaID string) *session.Session {
	return f.byAula[aulaID]
}

type fakeGallerySource struct{}

func (fakeGallerySource) StudentsByClass(_ context.Context, _ string) ([]store.Student, error) {
	return nil, nil
}

// oneFrameSource yields a single fixed BGR frame, then io.EOF forever.
type oneFrameSource struct {
	frame []byte
	sent  bool
}

func (s *oneFrameSource) NextFrame(context.Context) ([]byte, error) {
	if s.sent {
		return nil, io.EOF
	}
	s.sent = true
	return s.frame, nil
}

func (s *oneFrameSource) FrameIntervalHint() time.Duration { return 0 }
func (s *oneFrameSource) Close() error                     { return nil }

// newTestSessionWithFrame opens a real Session and runs its Worker to
// completion against a one-frame source, so LatestFrame() is populated the
// same way production code populates it (spec §4.4's encode-and-store step).
func newTestSessionWithFrame(t *testing.T, width, height int) *session.Session {
	t.Helper()
	reg := session.New(fakeGallerySource{}, 600, 0.5, nil)
	sess, err := reg.Open(context.Background(), "aula-1", "clase-A", session.DeviceBinding{DeviceID: "rpi-1"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	worker := session.NewWorker(sess, session.WorkerDeps{
		Detector:      &vision.FakeDetector{},
		Tracker:       &vision.FakeTracker{},
		Source:        &oneFrameSource{frame: make([]byte, width*height*3)},
		Width:         width,
		Height:        height,
		DetectEveryN:  1,
		FlushInterval: time.Hour,
	})
	worker.Run(context.Background())

	return sess
}

func TestServeHTTPReturns404WhenClassNotScheduled(t *testing.T) {
	h := New(&fakeOracle{aulas: map[string]string{}}, &fakeRegistry{byAula: map[string]*session.Session{}}, 10*time.Millisecond)

	req := httptest.NewRequest(http.MethodGet, "/transmision/video/clase-A", nil)
	req.SetPathValue("id_clase", "clase-A")
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestServeHTTPReturns503WhenNoActiveSession(t *testing.T) {
	h := New(&fakeOracle{aulas: map[string]string{"clase-A": "aula-1"}}, &fakeRegistry{byAula: map[string]*session.Session{}}, 10*time.Millisecond)

	req := httptest.NewRequest(http.MethodGet, "/transmision/video/clase-A", nil)
	req.SetPathValue("id_clase", "clase-A")
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestServeHTTPStreamsFramesUntilClientDisconnects(t *testing.T) {
	sess := newTestSessionWithFrame(t, 4, 4)

	h := New(
		&fakeOracle{aulas: map[string]string{"clase-A": "aula-1"}},
		&fakeRegistry{byAula: map[string]*session.Session{"aula-1": sess}},
		5*time.Millisecond,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/transmision/video/clase-A", nil).WithContext(ctx)
	req.SetPathValue("id_clase", "clase-A")
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	ct := rec.Header().Get("Content-Type")
	if ct != "multipart/x-mixed-replace; boundary=frame" {
		t.Fatalf("Content-Type = %q, want multipart/x-mixed-replace; boundary=frame", ct)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("--frame\r\n")) {
		t.Fatal("expected at least one multipart boundary in the body")
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("Content-Type: image/jpeg")) {
		t.Fatal("expected an image/jpeg part header in the body")
	}
}
