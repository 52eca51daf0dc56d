// Package session implements the Session Registry (spec §4.2) and the
// per-aula Ingest Worker (spec §4.4): one goroutine per active aula that
// decodes frames, runs detection/tracking, resolves identities, and folds
// in the Attendance Writer's flush cadence.
package session

import (
	"sync"
	"time"

	"github.com/aulavision/ingest/internal/attendance"
	"github.com/aulavision/ingest/internal/identity"
	"github.com/aulavision/ingest/internal/logging"
)

var log = logging.L("session")

// DeviceBinding is the edge device bound to a Session at open time.
// Written only at open and read by status/adjust_deadline (spec §5).
type DeviceBinding struct {
	DeviceID string
	IP       string
	Port     int
	Token    string
}

// Session is the runtime entity keyed by id_aula. Every Session has a
// frame mutex guarding the latest encoded frame, and a single identity
// mutex guarding both the track-identity table and the detection cache
// (spec §4.8 names them separately but allows one mutex for both).
type Session struct {
	AulaID string
	device DeviceBinding

	classMu sync.RWMutex
	claseID string

	frameMu     sync.RWMutex
	latestFrame []byte // JPEG-encoded

	identityMu sync.Mutex
	table      *identity.Table
	aggregator *attendance.Aggregator
	lastFlush  time.Time

	galleryMu sync.RWMutex
	gallery   *identity.Gallery

	deadlineMu      sync.RWMutex
	deadlineSeconds int

	startedAt time.Time
	done      chan struct{}
	closeOnce sync.Once

	worker *Worker
	wg     sync.WaitGroup
}

func newSession(aulaID, claseID string, device DeviceBinding, gallery *identity.Gallery, defaultDeadline int, similarityThreshold float64) *Session {
	return &Session{
		AulaID:          aulaID,
		claseID:         claseID,
		device:          device,
		table:           identity.NewTable(similarityThreshold),
		aggregator:      attendance.NewAggregator(),
		gallery:         gallery,
		deadlineSeconds: defaultDeadline,
		startedAt:       time.Now(),
		done:            make(chan struct{}),
	}
}

// ClaseID returns the current class id under the class lock.
func (s *Session) ClaseID() string {
	s.classMu.RLock()
	defer s.classMu.RUnlock()
	return s.claseID
}

func (s *Session) setClaseID(id string) {
	s.classMu.Lock()
	s.claseID = id
	s.classMu.Unlock()
}

// Device returns the bound device identity.
func (s *Session) Device() DeviceBinding {
	return s.device
}

// Aggregator returns the session's confidence cache, used by a Flusher
// hook to commit it through an attendance.Writer.
func (s *Session) Aggregator() *attendance.Aggregator {
	return s.aggregator
}

// Gallery returns the current immutable gallery snapshot.
func (s *Session) Gallery() *identity.Gallery {
	s.galleryMu.RLock()
	defer s.galleryMu.RUnlock()
	return s.gallery
}

func (s *Session) setGallery(g *identity.Gallery) {
	s.galleryMu.Lock()
	s.gallery = g
	s.galleryMu.Unlock()
}

// DeadlineSeconds returns the current on-time deadline.
func (s *Session) DeadlineSeconds() int {
	s.deadlineMu.RLock()
	defer s.deadlineMu.RUnlock()
	return s.deadlineSeconds
}

// AdjustDeadline sets a new on-time deadline. Only valid while the session
// is at most the admission controller's configured adjust window old (300s
// by default, spec §4.3); callers must check Age() themselves so
// the check and the audit log entry stay in the admission layer.
func (s *Session) AdjustDeadline(seconds int) {
	s.deadlineMu.Lock()
	s.deadlineSeconds = seconds
	s.deadlineMu.Unlock()
}

// Age returns how long the session has been running.
func (s *Session) Age() time.Duration {
	return time.Since(s.startedAt)
}

// StartedAt returns the session's start instant.
func (s *Session) StartedAt() time.Time {
	return s.startedAt
}

// LatestFrame returns a copy-safe read of the latest encoded frame.
// Returns nil if no frame has been produced yet.
func (s *Session) LatestFrame() []byte {
	s.frameMu.RLock()
	defer s.frameMu.RUnlock()
	return s.latestFrame
}

func (s *Session) setLatestFrame(jpeg []byte) {
	s.frameMu.Lock()
	s.latestFrame = jpeg
	s.frameMu.Unlock()
}

// Done returns the one-shot termination signal channel.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// stop broadcasts the termination signal exactly once.
func (s *Session) stop() {
	s.closeOnce.Do(func() { close(s.done) })
}
