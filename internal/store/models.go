// Package store holds the classroom/class/student/schedule data model and
// the durable attendance store that the ingest pipeline reads and writes.
package store

import "time"

// Classroom is a physical aula, identified by a stable id.
type Classroom struct {
	ID   string
	Name string
}

// ScheduleSlot is one weekly recurrence of a class: a day of week and a
// local wall-clock time range, bound to one aula. DayOfWeek uses the
// storage convention of Spanish lowercase names ("lunes".."domingo").
type ScheduleSlot struct {
	DayOfWeek string
	StartHHMM string
	EndHHMM   string
	AulaID    string
}

// Class is a scheduled teaching unit: one subject, one instructor, a list
// of weekly schedule slots. Multiple slots may share an aula on different
// days; the Timetable Oracle does not enforce non-overlap at write time.
type Class struct {
	ID           string
	Subject      string
	InstructorID string
	Schedule     []ScheduleSlot
}

// Student is an enrolled student with a set of class memberships and a
// gallery of unit-norm biometric embeddings, one per enrolled image.
type Student struct {
	ID         string
	Name       string
	ClassIDs   []string
	Embeddings [][]float32 // each row is 512-d, L2-normalised
}

// DeviceBinding is an edge device's optional assignment to an aula, plus
// bookkeeping for when it was last seen by an admission/status call.
// Unbound devices (AulaID == "") are refused admission.
type DeviceBinding struct {
	DeviceID   string
	AulaID     string
	LastSeenAt *time.Time
}

// AttendanceState is the lifecycle state of a per-student attendance record.
type AttendanceState string

const (
	StateAusente    AttendanceState = "ausente"
	StateConfirmado AttendanceState = "confirmado"
	StateTarde      AttendanceState = "tarde"
)

// AttendanceRecord is one student's attendance row within a document for
// (id_clase, fecha_local). Confianza is nil iff Estado is StateAusente.
type AttendanceRecord struct {
	StudentID             string
	Estado                AttendanceState
	Confianza             *float64
	FechaDeteccion        *time.Time
	FechaDeteccionTardia  *time.Time
	ModificadoPorUsuario  string
	ModificadoFecha       *time.Time
}

// AttendanceDocument is keyed by (ClaseID, Fecha) and never deleted once
// created; it is created lazily at session start with one StateAusente
// record per enrolled student of the class.
type AttendanceDocument struct {
	ClaseID  string
	Fecha    string // YYYY-MM-DD local date
	AulaID   string
	Registros []AttendanceRecord
}
