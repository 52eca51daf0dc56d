package admission

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/aulavision/ingest/internal/session"
	"github.com/aulavision/ingest/internal/store"
)

// splitHostPort pulls the host and numeric port out of an httptest.Server's
// URL so they can be fed to Start as the device's callback address.
func splitHostPort(rawURL string) (string, int, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", 0, err
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}

type fakeOracle struct {
	activeClass map[string]string // aulaID -> claseID
	stillActive map[string]bool   // claseID -> bool
	localDate   string
}

func (f *fakeOracle) ActiveClass(_ context.Context, aulaID string, _ time.Time) (string, error) {
	return f.activeClass[aulaID], nil
}

func (f *fakeOracle) StillActive(_ context.Context, classID string, _ time.Time) (bool, error) {
	return f.stillActive[classID], nil
}

func (f *fakeOracle) LocalDate(time.Time) string { return f.localDate }

type fakeDirectory struct {
	bindings map[string]string // deviceID -> aulaID
	touched  []string
}

func (f *fakeDirectory) AulaForDevice(_ context.Context, deviceID string) (string, error) {
	return f.bindings[deviceID], nil
}

func (f *fakeDirectory) TouchDeviceLastSeen(_ context.Context, deviceID string, _ time.Time) error {
	f.touched = append(f.touched, deviceID)
	return nil
}

type fakeRoster struct {
	students map[string][]store.Student // claseID -> students
	created  []string                   // claseIDs for which CreateAttendanceDocument was called
}

func (f *fakeRoster) StudentsByClass(_ context.Context, classID string) ([]store.Student, error) {
	return f.students[classID], nil
}

func (f *fakeRoster) CreateAttendanceDocument(_ context.Context, claseID, _, _ string, _ []string) error {
	f.created = append(f.created, claseID)
	return nil
}

type fakeGallerySource struct{}

func (fakeGallerySource) StudentsByClass(_ context.Context, _ string) ([]store.Student, error) {
	return nil, nil
}

func newTestController(oracle *fakeOracle, dir *fakeDirectory, roster *fakeRoster) (*Controller, *session.Registry) {
	reg := session.New(fakeGallerySource{}, 600, 0.5, nil)
	c := New(oracle, dir, roster, reg, nil, 5*time.Second, 300*time.Second)
	return c, reg
}

func TestStartRefusesUnboundDevice(t *testing.T) {
	oracle := &fakeOracle{activeClass: map[string]string{}, localDate: "2026-08-03"}
	dir := &fakeDirectory{bindings: map[string]string{}}
	roster := &fakeRoster{students: map[string][]store.Student{}}
	c, _ := newTestController(oracle, dir, roster)

	res, err := c.Start(context.Background(), "rpi-x", "", 0, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Permitido {
		t.Fatalf("expected refusal for unbound device, got %+v", res)
	}
}

func TestStartRefusesOffHours(t *testing.T) {
	oracle := &fakeOracle{activeClass: map[string]string{}, localDate: "2026-08-03"}
	dir := &fakeDirectory{bindings: map[string]string{"rpi-1": "aula-1"}}
	roster := &fakeRoster{students: map[string][]store.Student{}}
	c, _ := newTestController(oracle, dir, roster)

	res, err := c.Start(context.Background(), "rpi-1", "10.0.0.1", 9000, "tok")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Permitido {
		t.Fatalf("expected refusal off-hours, got %+v", res)
	}
}

func TestStartOpensSessionAndSeedsAttendance(t *testing.T) {
	oracle := &fakeOracle{activeClass: map[string]string{"aula-1": "clase-A"}, localDate: "2026-08-03"}
	dir := &fakeDirectory{bindings: map[string]string{"rpi-1": "aula-1"}}
	roster := &fakeRoster{students: map[string][]store.Student{"clase-A": {{ID: "s1"}, {ID: "s2"}}}}
	c, reg := newTestController(oracle, dir, roster)

	res, err := c.Start(context.Background(), "rpi-1", "10.0.0.1", 9000, "tok")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Permitido || res.ClaseID != "clase-A" {
		t.Fatalf("expected permitido with clase-A, got %+v", res)
	}
	if len(roster.created) != 1 || roster.created[0] != "clase-A" {
		t.Fatalf("expected attendance document seeded for clase-A, got %v", roster.created)
	}
	if reg.Lookup("aula-1") == nil {
		t.Fatal("expected a session opened for aula-1")
	}
}

func TestStartIsIdempotentForSameDeviceSameClass(t *testing.T) {
	oracle := &fakeOracle{activeClass: map[string]string{"aula-1": "clase-A"}, localDate: "2026-08-03"}
	dir := &fakeDirectory{bindings: map[string]string{"rpi-1": "aula-1"}}
	roster := &fakeRoster{students: map[string][]store.Student{"clase-A": {{ID: "s1"}}}}
	c, reg := newTestController(oracle, dir, roster)

	first, err := c.Start(context.Background(), "rpi-1", "10.0.0.1", 9000, "tok")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := c.Start(context.Background(), "rpi-1", "10.0.0.1", 9000, "tok")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.ClaseID != second.ClaseID {
		t.Fatalf("expected the same clase across idempotent starts")
	}
	if reg.Lookup("aula-1") == nil {
		t.Fatal("expected exactly one session for aula-1")
	}
}

func TestStartRefusesDifferentDeviceForSameAula(t *testing.T) {
	oracle := &fakeOracle{activeClass: map[string]string{"aula-1": "clase-A"}, localDate: "2026-08-03"}
	dir := &fakeDirectory{bindings: map[string]string{"rpi-1": "aula-1", "rpi-2": "aula-1"}}
	roster := &fakeRoster{students: map[string][]store.Student{"clase-A": {{ID: "s1"}}}}
	c, _ := newTestController(oracle, dir, roster)

	if _, err := c.Start(context.Background(), "rpi-1", "10.0.0.1", 9000, "tok"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res, err := c.Start(context.Background(), "rpi-2", "10.0.0.2", 9000, "tok2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Permitido {
		t.Fatalf("expected refusal for a different device on the same aula, got %+v", res)
	}
}

func TestStatusClosesSessionWhenClassEnded(t *testing.T) {
	oracle := &fakeOracle{
		activeClass: map[string]string{"aula-1": "clase-A"},
		stillActive: map[string]bool{"clase-A": false},
		localDate:   "2026-08-03",
	}
	dir := &fakeDirectory{bindings: map[string]string{"rpi-1": "aula-1"}}
	roster := &fakeRoster{students: map[string][]store.Student{"clase-A": {{ID: "s1"}}}}
	c, reg := newTestController(oracle, dir, roster)

	if _, err := c.Start(context.Background(), "rpi-1", "10.0.0.1", 9000, "tok"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	res, err := c.Status(context.Background(), "rpi-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Transmitir {
		t.Fatalf("expected transmitir=false after class end, got %+v", res)
	}
	if reg.Lookup("aula-1") != nil {
		t.Fatal("expected session closed after class end")
	}
}

func TestStatusKeepsRunningWhileClassActive(t *testing.T) {
	oracle := &fakeOracle{
		activeClass: map[string]string{"aula-1": "clase-A"},
		stillActive: map[string]bool{"clase-A": true},
		localDate:   "2026-08-03",
	}
	dir := &fakeDirectory{bindings: map[string]string{"rpi-1": "aula-1"}}
	roster := &fakeRoster{students: map[string][]store.Student{"clase-A": {{ID: "s1"}}}}
	c, reg := newTestController(oracle, dir, roster)

	if _, err := c.Start(context.Background(), "rpi-1", "10.0.0.1", 9000, "tok"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	res, err := c.Status(context.Background(), "rpi-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Transmitir || res.ClaseID != "clase-A" {
		t.Fatalf("expected transmitir=true for clase-A, got %+v", res)
	}
	if reg.Lookup("aula-1") == nil {
		t.Fatal("expected session to remain open")
	}
}

func TestStatusCallsStopTransmissionCallback(t *testing.T) {
	called := make(chan *http.Request, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called <- r
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	host, port, err := splitHostPort(srv.URL)
	if err != nil {
		t.Fatalf("parse test server url: %v", err)
	}

	oracle := &fakeOracle{
		activeClass: map[string]string{"aula-1": "clase-A"},
		stillActive: map[string]bool{"clase-A": false},
		localDate:   "2026-08-03",
	}
	dir := &fakeDirectory{bindings: map[string]string{"rpi-1": "aula-1"}}
	roster := &fakeRoster{students: map[string][]store.Student{"clase-A": {{ID: "s1"}}}}
	c, _ := newTestController(oracle, dir, roster)

	if _, err := c.Start(context.Background(), "rpi-1", host, port, "secret-token"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := c.Status(context.Background(), "rpi-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case req := <-called:
		if req.URL.Path != "/stop_transmission" {
			t.Fatalf("expected /stop_transmission, got %s", req.URL.Path)
		}
		if got := req.Header.Get("Authorization"); got != "Bearer secret-token" {
			t.Fatalf("expected bearer token header, got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected stop_transmission callback")
	}
}

func TestAdjustDeadlineRejectsNonPositive(t *testing.T) {
	oracle := &fakeOracle{activeClass: map[string]string{"aula-1": "clase-A"}, localDate: "2026-08-03"}
	dir := &fakeDirectory{bindings: map[string]string{"rpi-1": "aula-1"}}
	roster := &fakeRoster{students: map[string][]store.Student{"clase-A": {{ID: "s1"}}}}
	c, _ := newTestController(oracle, dir, roster)

	if _, err := c.Start(context.Background(), "rpi-1", "10.0.0.1", 9000, "tok"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := c.AdjustDeadline("clase-A", 0); err == nil {
		t.Fatal("expected error for non-positive deadline")
	}
}

func TestAdjustDeadlineRejectsUnknownClass(t *testing.T) {
	oracle := &fakeOracle{activeClass: map[string]string{}, localDate: "2026-08-03"}
	dir := &fakeDirectory{bindings: map[string]string{}}
	roster := &fakeRoster{students: map[string][]store.Student{}}
	c, _ := newTestController(oracle, dir, roster)

	if err := c.AdjustDeadline("clase-nonexistent", 120); err == nil {
		t.Fatal("expected error for a class with no running session")
	}
}

func TestAdjustDeadlineAppliesWithinWindow(t *testing.T) {
	oracle := &fakeOracle{activeClass: map[string]string{"aula-1": "clase-A"}, localDate: "2026-08-03"}
	dir := &fakeDirectory{bindings: map[string]string{"rpi-1": "aula-1"}}
	roster := &fakeRoster{students: map[string][]store.Student{"clase-A": {{ID: "s1"}}}}
	c, reg := newTestController(oracle, dir, roster)

	if _, err := c.Start(context.Background(), "rpi-1", "10.0.0.1", 9000, "tok"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := c.AdjustDeadline("clase-A", 120); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sess := reg.Lookup("aula-1")
	if sess.DeadlineSeconds() != 120 {
		t.Fatalf("DeadlineSeconds = %d, want 120", sess.DeadlineSeconds())
	}
}
