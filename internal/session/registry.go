package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aulavision/ingest/internal/identity"
	"github.com/aulavision/ingest/internal/logging"
	"github.com/aulavision/ingest/internal/store"
)

// ErrAlreadyOpenForOtherDevice is returned by Open when a session already
// exists for the aula bound to a different device (spec §4.2, §4.3).
var ErrAlreadyOpenForOtherDevice = errors.New("session: already open for a different device")

// GallerySource loads the enrolled embedding gallery for a class.
type GallerySource interface {
	StudentsByClass(ctx context.Context, classID string) ([]store.Student, error)
}

// Registry is the process-wide mapping id_aula -> Session (spec §4.2).
// Mutation is serialised by a registry-wide mutex; individual Session
// fields use their own locks so registry operations never block on a
// session's internal I/O.
type Registry struct {
	mu       sync.Mutex
	byAula   map[string]*Session
	gallery  GallerySource
	defaultDeadline int
	similarityThreshold float64
	startWorker func(s *Session)
}

// New creates an empty registry. similarityThreshold is the minimum cosine
// similarity (spec §9, config-controlled) every opened session's identity
// table requires to assign a known identity. startWorker is called once
// per opened session (after it's registered) to launch its ingest worker;
// it is a function so tests can substitute a no-op or a fake worker loop.
func New(gallery GallerySource, defaultDeadlineSeconds int, similarityThreshold float64, startWorker func(s *Session)) *Registry {
	return &Registry{
		byAula:              make(map[string]*Session),
		gallery:             gallery,
		defaultDeadline:     defaultDeadlineSeconds,
		similarityThreshold: similarityThreshold,
		startWorker:         startWorker,
	}
}

// Open opens a new Session for aula bound to device and running claseID,
// or returns the existing one after applying the §4.3 "start" semantics:
// unchanged class + same device is idempotent; changed class updates the
// running session; a different device is refused.
func (r *Registry) Open(ctx context.Context, aulaID, claseID string, device DeviceBinding) (*Session, error) {
	r.mu.Lock()
	existing, ok := r.byAula[aulaID]
	r.mu.Unlock()

	if ok {
		if existing.Device().DeviceID != device.DeviceID {
			return nil, ErrAlreadyOpenForOtherDevice
		}
		if existing.ClaseID() != claseID {
			if err := r.UpdateClass(ctx, aulaID, claseID); err != nil {
				return nil, err
			}
		}
		return existing, nil
	}

	gallery, err := r.loadGallery(ctx, claseID)
	if err != nil {
		return nil, fmt.Errorf("load gallery for class %s: %w", claseID, err)
	}

	sess := newSession(aulaID, claseID, device, gallery, r.defaultDeadline, r.similarityThreshold)

	r.mu.Lock()
	// Re-check under lock: another goroutine may have opened it between the
	// unlock above and here.
	if existing, ok := r.byAula[aulaID]; ok {
		r.mu.Unlock()
		if existing.Device().DeviceID != device.DeviceID {
			return nil, ErrAlreadyOpenForOtherDevice
		}
		return existing, nil
	}
	r.byAula[aulaID] = sess
	r.mu.Unlock()

	if r.startWorker != nil {
		r.startWorker(sess)
	}

	log.Info("session opened", logging.KeyAula, aulaID, logging.KeyClase, claseID, logging.KeyDevice, device.DeviceID)
	return sess, nil
}

// UpdateClass rebuilds the identity gallery snapshot for aula's running
// session and switches its class, retaining the same worker and
// termination signal.
func (r *Registry) UpdateClass(ctx context.Context, aulaID, newClaseID string) error {
	sess := r.Lookup(aulaID)
	if sess == nil {
		return fmt.Errorf("session: no session for aula %s", aulaID)
	}

	gallery, err := r.loadGallery(ctx, newClaseID)
	if err != nil {
		return fmt.Errorf("load gallery for class %s: %w", newClaseID, err)
	}

	sess.setGallery(gallery)
	sess.setClaseID(newClaseID)
	log.Info("session class switched", logging.KeyAula, aulaID, logging.KeyClase, newClaseID)
	return nil
}

// Close idempotently stops aula's session: signals the worker and removes
// the registry entry. It does not block waiting for the worker to drain.
// The Session's Done channel is closed by Close itself, before the worker
// has run its final flush, and no drain-completion signal is exposed.
func (r *Registry) Close(aulaID string) {
	r.mu.Lock()
	sess, ok := r.byAula[aulaID]
	if ok {
		delete(r.byAula, aulaID)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	sess.stop()
	log.Info("session closed", logging.KeyAula, aulaID)
}

// Lookup returns the session for an aula, or nil.
func (r *Registry) Lookup(aulaID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byAula[aulaID]
}

// LookupByClass scans for a session currently running the given class.
// There is at most one because a class occupies one aula at a time.
func (r *Registry) LookupByClass(claseID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.byAula {
		if s.ClaseID() == claseID {
			return s
		}
	}
	return nil
}

func (r *Registry) loadGallery(ctx context.Context, claseID string) (*identity.Gallery, error) {
	students, err := r.gallery.StudentsByClass(ctx, claseID)
	if err != nil {
		return nil, err
	}
	return identity.NewGallery(students), nil
}
