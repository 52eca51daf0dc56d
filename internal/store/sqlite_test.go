package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func writeSeedFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seed.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write seed file: %v", err)
	}
	return path
}

const sampleSeed = `
classrooms:
  - id: aula-1
    name: "Lab 1"
classes:
  - id: clase-A
    subject: "Math"
    instructor_id: "inst-1"
    schedule:
      - day_of_week: lunes
        start: "08:00"
        end: "09:30"
        aula: aula-1
students:
  - id: s1
    name: "Alice"
    classes: [clase-A]
  - id: s2
    name: "Bob"
    classes: [clase-A]
devices:
  - id: rpi-1
    aula: aula-1
`

func TestLoadSeedAndReadBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	path := writeSeedFile(t, sampleSeed)
	if err := s.LoadSeed(ctx, path); err != nil {
		t.Fatalf("LoadSeed: %v", err)
	}

	classes, err := s.ClassesByAula(ctx, "aula-1")
	if err != nil {
		t.Fatalf("ClassesByAula: %v", err)
	}
	if len(classes) != 1 || classes[0].ID != "clase-A" {
		t.Fatalf("ClassesByAula = %+v, want [clase-A]", classes)
	}
	if len(classes[0].Schedule) != 1 {
		t.Fatalf("schedule len = %d, want 1", len(classes[0].Schedule))
	}

	students, err := s.StudentsByClass(ctx, "clase-A")
	if err != nil {
		t.Fatalf("StudentsByClass: %v", err)
	}
	if len(students) != 2 {
		t.Fatalf("StudentsByClass len = %d, want 2", len(students))
	}
}

func TestEmbeddingRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	path := writeSeedFile(t, sampleSeed)
	if err := s.LoadSeed(ctx, path); err != nil {
		t.Fatalf("LoadSeed: %v", err)
	}

	v := make([]float32, embeddingDims)
	v[0] = 1.0
	if err := s.PutEmbedding(ctx, "s1", v); err != nil {
		t.Fatalf("PutEmbedding: %v", err)
	}

	students, err := s.StudentsByClass(ctx, "clase-A")
	if err != nil {
		t.Fatalf("StudentsByClass: %v", err)
	}
	var found bool
	for _, st := range students {
		if st.ID == "s1" {
			found = true
			if len(st.Embeddings) != 1 {
				t.Fatalf("student s1 embeddings = %d, want 1", len(st.Embeddings))
			}
			if st.Embeddings[0][0] != 1.0 {
				t.Fatalf("embedding[0] = %v, want 1.0", st.Embeddings[0][0])
			}
		}
	}
	if !found {
		t.Fatal("student s1 not found")
	}
}

func TestPutEmbeddingRejectsWrongDims(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.PutEmbedding(ctx, "s1", []float32{1, 2, 3}); err == nil {
		t.Fatal("expected error for wrong-dimension embedding")
	}
}

func TestCreateAttendanceDocumentSeedsAusente(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateAttendanceDocument(ctx, "clase-A", "2026-07-30", "aula-1", []string{"s1", "s2"}); err != nil {
		t.Fatalf("CreateAttendanceDocument: %v", err)
	}

	doc, err := s.AttendanceDocument(ctx, "clase-A", "2026-07-30")
	if err != nil {
		t.Fatalf("AttendanceDocument: %v", err)
	}
	if doc == nil {
		t.Fatal("expected document, got nil")
	}
	if len(doc.Registros) != 2 {
		t.Fatalf("registros len = %d, want 2", len(doc.Registros))
	}
	for _, rec := range doc.Registros {
		if rec.Estado != StateAusente {
			t.Fatalf("student %s estado = %q, want ausente", rec.StudentID, rec.Estado)
		}
		if rec.Confianza != nil {
			t.Fatalf("student %s confianza should be nil for ausente", rec.StudentID)
		}
	}
}

func TestCreateAttendanceDocumentIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateAttendanceDocument(ctx, "clase-A", "2026-07-30", "aula-1", []string{"s1"}); err != nil {
		t.Fatalf("CreateAttendanceDocument (1st): %v", err)
	}

	c := 0.9
	err := s.ConditionalUpdateStudentRecord(ctx, "clase-A", "2026-07-30", "aula-1", "s1", func(rec AttendanceRecord) AttendanceRecord {
		rec.Estado = StateConfirmado
		rec.Confianza = &c
		return rec
	})
	if err != nil {
		t.Fatalf("ConditionalUpdateStudentRecord: %v", err)
	}

	// Calling CreateAttendanceDocument again must not clobber the existing record.
	if err := s.CreateAttendanceDocument(ctx, "clase-A", "2026-07-30", "aula-1", []string{"s1"}); err != nil {
		t.Fatalf("CreateAttendanceDocument (2nd): %v", err)
	}

	doc, err := s.AttendanceDocument(ctx, "clase-A", "2026-07-30")
	if err != nil {
		t.Fatalf("AttendanceDocument: %v", err)
	}
	if doc.Registros[0].Estado != StateConfirmado {
		t.Fatalf("estado = %q, want confirmado (should survive re-seed)", doc.Registros[0].Estado)
	}
}

func TestConditionalUpdateStudentRecordDoesNotClobberManualOverrideFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.CreateAttendanceDocument(ctx, "clase-A", "2026-07-30", "aula-1", []string{"s1"}); err != nil {
		t.Fatalf("CreateAttendanceDocument: %v", err)
	}

	// Manual override sets modificado_* fields.
	err := s.ConditionalUpdateStudentRecord(ctx, "clase-A", "2026-07-30", "aula-1", "s1", func(rec AttendanceRecord) AttendanceRecord {
		rec.Estado = StateConfirmado
		rec.ModificadoPorUsuario = "admin-1"
		return rec
	})
	if err != nil {
		t.Fatalf("manual override update: %v", err)
	}

	// A later writer-style update that only touches confianza must keep them.
	c := 0.9
	err = s.ConditionalUpdateStudentRecord(ctx, "clase-A", "2026-07-30", "aula-1", "s1", func(rec AttendanceRecord) AttendanceRecord {
		rec.Confianza = &c
		return rec
	})
	if err != nil {
		t.Fatalf("writer update: %v", err)
	}

	doc, err := s.AttendanceDocument(ctx, "clase-A", "2026-07-30")
	if err != nil {
		t.Fatalf("AttendanceDocument: %v", err)
	}
	if doc.Registros[0].ModificadoPorUsuario != "admin-1" {
		t.Fatalf("modificado_por_usuario = %q, want admin-1", doc.Registros[0].ModificadoPorUsuario)
	}
}

func TestAulaForDeviceResolvesSeededBinding(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	path := writeSeedFile(t, sampleSeed)
	if err := s.LoadSeed(ctx, path); err != nil {
		t.Fatalf("LoadSeed: %v", err)
	}

	aulaID, err := s.AulaForDevice(ctx, "rpi-1")
	if err != nil {
		t.Fatalf("AulaForDevice: %v", err)
	}
	if aulaID != "aula-1" {
		t.Fatalf("aulaID = %q, want aula-1", aulaID)
	}
}

func TestAulaForDeviceUnknownDeviceReturnsEmpty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	aulaID, err := s.AulaForDevice(ctx, "rpi-nonexistent")
	if err != nil {
		t.Fatalf("AulaForDevice: %v", err)
	}
	if aulaID != "" {
		t.Fatalf("aulaID = %q, want empty for unbound device", aulaID)
	}
}

func TestDeviceExistsTrueForSeededDevice(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	path := writeSeedFile(t, sampleSeed)
	if err := s.LoadSeed(ctx, path); err != nil {
		t.Fatalf("LoadSeed: %v", err)
	}

	exists, err := s.DeviceExists(ctx, "rpi-1")
	if err != nil {
		t.Fatalf("DeviceExists: %v", err)
	}
	if !exists {
		t.Fatal("expected rpi-1 to exist")
	}
}

func TestDeviceExistsFalseForUnknownDevice(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	exists, err := s.DeviceExists(ctx, "rpi-nonexistent")
	if err != nil {
		t.Fatalf("DeviceExists: %v", err)
	}
	if exists {
		t.Fatal("expected rpi-nonexistent to not exist")
	}
}

func TestTouchDeviceLastSeenUpdatesTimestamp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	path := writeSeedFile(t, sampleSeed)
	if err := s.LoadSeed(ctx, path); err != nil {
		t.Fatalf("LoadSeed: %v", err)
	}

	if err := s.TouchDeviceLastSeen(ctx, "rpi-1", time.Now()); err != nil {
		t.Fatalf("TouchDeviceLastSeen: %v", err)
	}

	var lastSeen *string
	row := s.db.QueryRowContext(ctx, `SELECT last_seen_at FROM device_bindings WHERE device_id = ?`, "rpi-1")
	if err := row.Scan(&lastSeen); err != nil {
		t.Fatalf("scan last_seen_at: %v", err)
	}
	if lastSeen == nil || *lastSeen == "" {
		t.Fatal("expected last_seen_at to be set after TouchDeviceLastSeen")
	}
}
