// Package admission implements the Admission Controller (spec §4.3): the
// start/status/adjust_deadline operations an edge device (or instructor
// UI) drives against the Session Registry, arbitrated by the Timetable
// Oracle.
package admission

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aulavision/ingest/internal/apierr"
	"github.com/aulavision/ingest/internal/audit"
	"github.com/aulavision/ingest/internal/logging"
	"github.com/aulavision/ingest/internal/session"
	"github.com/aulavision/ingest/internal/store"
)

var log = logging.L("admission")

// TimetableOracle is the schedule-membership surface the controller needs.
type TimetableOracle interface {
	ActiveClass(ctx context.Context, aulaID string, now time.Time) (string, error)
	StillActive(ctx context.Context, classID string, now time.Time) (bool, error)
	LocalDate(now time.Time) string
}

// DeviceDirectory resolves and updates an edge device's aula binding.
type DeviceDirectory interface {
	AulaForDevice(ctx context.Context, deviceID string) (string, error)
	TouchDeviceLastSeen(ctx context.Context, deviceID string, at time.Time) error
}

// ClassRoster loads a class's enrolled students and lazily seeds its
// attendance document, the two store operations Start needs beyond the
// identity gallery (which the Session Registry loads itself).
type ClassRoster interface {
	StudentsByClass(ctx context.Context, classID string) ([]store.Student, error)
	CreateAttendanceDocument(ctx context.Context, claseID, fecha, aulaID string, studentIDs []string) error
}

// SessionRegistry is the subset of *session.Registry the controller drives.
type SessionRegistry interface {
	Open(ctx context.Context, aulaID, claseID string, device session.DeviceBinding) (*session.Session, error)
	Close(aulaID string)
	Lookup(aulaID string) *session.Session
	LookupByClass(claseID string) *session.Session
}

// StartResult is the answer to a start call (spec §6 POST /transmision/iniciar).
type StartResult struct {
	Permitido bool
	ClaseID   string
	Motivo    string
}

// StatusResult is the answer to a status poll (spec §6 POST /transmision/estado).
type StatusResult struct {
	Transmitir bool
	ClaseID    string
	Motivo     string
}

// Controller wires the Admission Controller's three operations together.
type Controller struct {
	oracle   TimetableOracle
	devices  DeviceDirectory
	roster   ClassRoster
	registry SessionRegistry
	audit    *audit.Logger

	httpClient           *http.Client
	stopTransmitTimeout  time.Duration
	deadlineAdjustWindow time.Duration
}

// New builds a Controller. auditLogger may be nil (audit.Logger's methods
// are nil-safe no-ops), letting tests skip wiring one.
func New(oracle TimetableOracle, devices DeviceDirectory, roster ClassRoster, registry SessionRegistry, auditLogger *audit.Logger, stopTransmitTimeout, deadlineAdjustWindow time.Duration) *Controller {
	return &Controller{
		oracle:               oracle,
		devices:              devices,
		roster:               roster,
		registry:             registry,
		audit:                auditLogger,
		httpClient:           &http.Client{},
		stopTransmitTimeout:  stopTransmitTimeout,
		deadlineAdjustWindow: deadlineAdjustWindow,
	}
}

// Start resolves the device's aula and active class, lazily seeds the
// attendance document, and opens (or updates) the aula's session. The
// returned error is non-nil only for genuine infrastructure failures;
// policy refusals come back as StartResult{Permitido: false, Motivo: ...}
// per spec §7's "do not log as error" rule.
func (c *Controller) Start(ctx context.Context, deviceID, sourceIP string, sourcePort int, token string) (StartResult, error) {
	now := time.Now()
	if err := c.devices.TouchDeviceLastSeen(ctx, deviceID, now); err != nil {
		log.Warn("touch device last-seen failed", "device", deviceID, logging.KeyError, err)
	}

	aulaID, err := c.devices.AulaForDevice(ctx, deviceID)
	if err != nil {
		return StartResult{}, fmt.Errorf("resolve device aula: %w", err)
	}
	if aulaID == "" {
		c.audit.Log(audit.EventAdmissionRefused, "", "", map[string]any{"device": deviceID, "reason": "device_not_bound"})
		return StartResult{Permitido: false, Motivo: "Dispositivo no vinculado a ningún aula"}, nil
	}

	claseID, err := c.oracle.ActiveClass(ctx, aulaID, now)
	if err != nil {
		return StartResult{}, fmt.Errorf("resolve active class for aula %s: %w", aulaID, err)
	}
	if claseID == "" {
		c.audit.Log(audit.EventAdmissionRefused, aulaID, "", map[string]any{"device": deviceID, "reason": "no_active_class"})
		return StartResult{Permitido: false, Motivo: "No hay clase activa en este momento"}, nil
	}

	students, err := c.roster.StudentsByClass(ctx, claseID)
	if err != nil {
		return StartResult{}, fmt.Errorf("load roster for class %s: %w", claseID, err)
	}
	studentIDs := make([]string, len(students))
	for i, st := range students {
		studentIDs[i] = st.ID
	}
	fecha := c.oracle.LocalDate(now)
	if err := c.roster.CreateAttendanceDocument(ctx, claseID, fecha, aulaID, studentIDs); err != nil {
		return StartResult{}, fmt.Errorf("seed attendance document for class %s: %w", claseID, err)
	}

	device := session.DeviceBinding{DeviceID: deviceID, IP: sourceIP, Port: sourcePort, Token: token}
	sess, err := c.registry.Open(ctx, aulaID, claseID, device)
	if err != nil {
		if errors.Is(err, session.ErrAlreadyOpenForOtherDevice) {
			c.audit.Log(audit.EventAdmissionRefused, aulaID, claseID, map[string]any{"device": deviceID, "reason": "already_open_for_other_device"})
			return StartResult{Permitido: false, Motivo: "Aula en uso por otro dispositivo"}, nil
		}
		return StartResult{}, fmt.Errorf("open session for aula %s: %w", aulaID, err)
	}

	c.audit.Log(audit.EventSessionOpened, aulaID, claseID, map[string]any{"device": deviceID})
	return StartResult{Permitido: true, ClaseID: sess.ClaseID()}, nil
}

// Status re-evaluates the running session's class against the Timetable
// Oracle. If the class has ended it closes the session, attempts the
// best-effort stop_transmission callback, and reports transmitir=false.
func (c *Controller) Status(ctx context.Context, deviceID string) (StatusResult, error) {
	now := time.Now()
	if err := c.devices.TouchDeviceLastSeen(ctx, deviceID, now); err != nil {
		log.Warn("touch device last-seen failed", "device", deviceID, logging.KeyError, err)
	}

	aulaID, err := c.devices.AulaForDevice(ctx, deviceID)
	if err != nil {
		return StatusResult{}, fmt.Errorf("resolve device aula: %w", err)
	}
	if aulaID == "" {
		return StatusResult{Transmitir: false, Motivo: "Dispositivo no vinculado a ningún aula"}, nil
	}

	sess := c.registry.Lookup(aulaID)
	if sess == nil {
		return StatusResult{Transmitir: false, Motivo: "No hay sesión activa"}, nil
	}

	claseID := sess.ClaseID()
	active, err := c.oracle.StillActive(ctx, claseID, now)
	if err != nil {
		return StatusResult{}, fmt.Errorf("check still_active for class %s: %w", claseID, err)
	}
	if active {
		return StatusResult{Transmitir: true, ClaseID: claseID}, nil
	}

	device := sess.Device()
	c.registry.Close(aulaID)
	c.audit.Log(audit.EventSessionClosed, aulaID, claseID, map[string]any{"device": deviceID, "reason": "class_ended"})
	c.notifyStopTransmission(device)

	return StatusResult{Transmitir: false, Motivo: fmt.Sprintf("Clase %s finalizada o no activa", claseID)}, nil
}

// AdjustDeadline sets the on-time deadline of claseID's running session.
// Accepted only while the session is at most deadlineAdjustWindow old and
// deadlineSeconds is strictly positive (spec §4.3).
func (c *Controller) AdjustDeadline(claseID string, deadlineSeconds int) error {
	if deadlineSeconds <= 0 {
		return apierr.ErrInvalidField
	}

	sess := c.registry.LookupByClass(claseID)
	if sess == nil {
		return apierr.ErrNotFound
	}
	if sess.Age() > c.deadlineAdjustWindow {
		return apierr.ErrInvalidField
	}

	sess.AdjustDeadline(deadlineSeconds)
	c.audit.Log(audit.EventDeadlineAdjusted, sess.AulaID, claseID, map[string]any{"deadline_seconds": deadlineSeconds})
	return nil
}

// notifyStopTransmission issues the best-effort device-side callback (spec
// §6): failures are logged and ignored, never surfaced to the caller.
func (c *Controller) notifyStopTransmission(device session.DeviceBinding) {
	if device.IP == "" {
		return
	}

	url := fmt.Sprintf("http://%s:%d/stop_transmission", device.IP, device.Port)
	ctx, cancel := context.WithTimeout(context.Background(), c.stopTransmitTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		log.Warn("build stop_transmission request failed", "device", device.DeviceID, logging.KeyError, err)
		return
	}
	if device.Token != "" {
		req.Header.Set("Authorization", "Bearer "+device.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Warn("stop_transmission callback failed", "device", device.DeviceID, logging.KeyError, err)
		return
	}
	resp.Body.Close()
}
