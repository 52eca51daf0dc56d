package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aulavision/ingest/internal/logging"
)

var log = logging.L("store")

// Store is the durable backing for classrooms, classes, students, and
// attendance documents. It realises the Attendance Store abstraction
// (spec §6.3: lookup/create/conditional-update-by-student) over a single
// SQLite database, and additionally serves as the read side for the
// Timetable Oracle's schedule data and the Identity Resolver's gallery.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite database at dsn and ensures
// the schema exists. A bad dsn or unreachable file is a fatal startup
// condition (spec §7's "External dependency"/"Fatal" rows).
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping store: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serialises writers anyway; avoid SQLITE_BUSY churn

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS classrooms (
		id   TEXT PRIMARY KEY,
		name TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS classes (
		id            TEXT PRIMARY KEY,
		subject       TEXT NOT NULL,
		instructor_id TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS schedule_slots (
		class_id    TEXT NOT NULL REFERENCES classes(id),
		day_of_week TEXT NOT NULL,
		start_hhmm  TEXT NOT NULL,
		end_hhmm    TEXT NOT NULL,
		aula_id     TEXT NOT NULL REFERENCES classrooms(id)
	);
	CREATE INDEX IF NOT EXISTS idx_slots_aula_day ON schedule_slots(aula_id, day_of_week);
	CREATE INDEX IF NOT EXISTS idx_slots_class ON schedule_slots(class_id);

	CREATE TABLE IF NOT EXISTS students (
		id   TEXT PRIMARY KEY,
		name TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS student_classes (
		student_id TEXT NOT NULL REFERENCES students(id),
		class_id   TEXT NOT NULL REFERENCES classes(id),
		PRIMARY KEY (student_id, class_id)
	);
	CREATE INDEX IF NOT EXISTS idx_student_classes_class ON student_classes(class_id);

	CREATE TABLE IF NOT EXISTS embeddings (
		student_id TEXT NOT NULL REFERENCES students(id),
		vector     BLOB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_embeddings_student ON embeddings(student_id);

	CREATE TABLE IF NOT EXISTS device_bindings (
		device_id     TEXT PRIMARY KEY,
		aula_id       TEXT NOT NULL,
		last_seen_at  TEXT
	);

	CREATE TABLE IF NOT EXISTS attendance_records (
		clase_id               TEXT NOT NULL,
		fecha                  TEXT NOT NULL,
		aula_id                TEXT NOT NULL,
		student_id             TEXT NOT NULL,
		estado                 TEXT NOT NULL,
		confianza              REAL,
		fecha_deteccion        TEXT,
		fecha_deteccion_tardia TEXT,
		modificado_por_usuario TEXT,
		modificado_fecha       TEXT,
		PRIMARY KEY (clase_id, fecha, student_id)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

const embeddingDims = 512

func encodeEmbedding(v []float32) ([]byte, error) {
	if len(v) != embeddingDims {
		return nil, fmt.Errorf("embedding has %d dims, want %d", len(v), embeddingDims)
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf, nil
}

func decodeEmbedding(buf []byte) ([]float32, error) {
	if len(buf) != embeddingDims*4 {
		return nil, fmt.Errorf("embedding blob has %d bytes, want %d", len(buf), embeddingDims*4)
	}
	v := make([]float32, embeddingDims)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v, nil
}

// ClassByID loads a class with its schedule slots. Returns nil, nil if not found.
func (s *Store) ClassByID(ctx context.Context, id string) (*Class, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, subject, instructor_id FROM classes WHERE id = ?`, id)
	var c Class
	if err := row.Scan(&c.ID, &c.Subject, &c.InstructorID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("query class %s: %w", id, err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT day_of_week, start_hhmm, end_hhmm, aula_id FROM schedule_slots WHERE class_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("query schedule for class %s: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var slot ScheduleSlot
		if err := rows.Scan(&slot.DayOfWeek, &slot.StartHHMM, &slot.EndHHMM, &slot.AulaID); err != nil {
			return nil, fmt.Errorf("scan schedule slot for class %s: %w", id, err)
		}
		c.Schedule = append(c.Schedule, slot)
	}
	return &c, rows.Err()
}

// ClassesByAula returns every class with at least one slot in the given
// aula, used by the Timetable Oracle to find the active class for an aula.
func (s *Store) ClassesByAula(ctx context.Context, aulaID string) ([]Class, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT class_id FROM schedule_slots WHERE aula_id = ?`, aulaID)
	if err != nil {
		return nil, fmt.Errorf("query classes for aula %s: %w", aulaID, err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	classes := make([]Class, 0, len(ids))
	for _, id := range ids {
		c, err := s.ClassByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if c != nil {
			classes = append(classes, *c)
		}
	}
	return classes, nil
}

// StudentsByClass returns every enrolled student of a class, with their
// embedding galleries. Rows with a malformed embedding blob are skipped
// with a warning per spec §7's "Data integrity" policy — they never
// reach the comparison step.
func (s *Store) StudentsByClass(ctx context.Context, classID string) ([]Student, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT st.id, st.name
		FROM students st
		JOIN student_classes sc ON sc.student_id = st.id
		WHERE sc.class_id = ?`, classID)
	if err != nil {
		return nil, fmt.Errorf("query students for class %s: %w", classID, err)
	}
	defer rows.Close()

	var students []Student
	for rows.Next() {
		var st Student
		if err := rows.Scan(&st.ID, &st.Name); err != nil {
			return nil, err
		}
		students = append(students, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range students {
		embRows, err := s.db.QueryContext(ctx, `SELECT vector FROM embeddings WHERE student_id = ?`, students[i].ID)
		if err != nil {
			return nil, fmt.Errorf("query embeddings for student %s: %w", students[i].ID, err)
		}
		for embRows.Next() {
			var blob []byte
			if err := embRows.Scan(&blob); err != nil {
				embRows.Close()
				return nil, err
			}
			v, err := decodeEmbedding(blob)
			if err != nil {
				log.Warn("skipping malformed embedding at load", "student", students[i].ID, "error", err)
				continue
			}
			students[i].Embeddings = append(students[i].Embeddings, v)
		}
		embRows.Close()
		if err := embRows.Err(); err != nil {
			return nil, err
		}
	}
	return students, nil
}

// PutEmbedding stores one embedding row for a student, used by seeding.
func (s *Store) PutEmbedding(ctx context.Context, studentID string, v []float32) error {
	blob, err := encodeEmbedding(v)
	if err != nil {
		return fmt.Errorf("encode embedding for student %s: %w", studentID, err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO embeddings (student_id, vector) VALUES (?, ?)`, studentID, blob)
	return err
}

// AulaForDevice resolves a device's bound aula. Returns ("", nil) if the
// device is unknown or has no binding, which callers treat identically to
// "not bound" (spec §3 "unbound devices are refused admission").
func (s *Store) AulaForDevice(ctx context.Context, deviceID string) (string, error) {
	row := s.db.QueryRowContext(ctx, `SELECT aula_id FROM device_bindings WHERE device_id = ?`, deviceID)
	var aulaID string
	if err := row.Scan(&aulaID); err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("query device binding %s: %w", deviceID, err)
	}
	return aulaID, nil
}

// DeviceExists reports whether deviceID has any binding row at all,
// regardless of whether it's currently bound to an aula. Used by the
// /auth/raspberry handler to distinguish an unknown device (404) from a
// known-but-unbound one (handled later as a policy refusal).
func (s *Store) DeviceExists(ctx context.Context, deviceID string) (bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT 1 FROM device_bindings WHERE device_id = ?`, deviceID)
	var one int
	if err := row.Scan(&one); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("query device existence %s: %w", deviceID, err)
	}
	return true, nil
}

// TouchDeviceLastSeen updates a device's last-seen-at timestamp, called on
// every admission/status call per spec §3.
func (s *Store) TouchDeviceLastSeen(ctx context.Context, deviceID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE device_bindings SET last_seen_at = ? WHERE device_id = ?`, at.UTC().Format(time.RFC3339Nano), deviceID)
	return err
}

// AttendanceDocument loads the attendance document for (claseID, fecha).
// Returns nil, nil if it does not exist yet.
func (s *Store) AttendanceDocument(ctx context.Context, claseID, fecha string) (*AttendanceDocument, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT aula_id, student_id, estado, confianza, fecha_deteccion, fecha_deteccion_tardia, modificado_por_usuario, modificado_fecha
		FROM attendance_records WHERE clase_id = ? AND fecha = ?`, claseID, fecha)
	if err != nil {
		return nil, fmt.Errorf("query attendance %s/%s: %w", claseID, fecha, err)
	}
	defer rows.Close()

	doc := &AttendanceDocument{ClaseID: claseID, Fecha: fecha}
	found := false
	for rows.Next() {
		found = true
		var rec AttendanceRecord
		var estado string
		var confianza sql.NullFloat64
		var fechaDeteccion, fechaTardia, modPor, modFecha sql.NullString
		if err := rows.Scan(&doc.AulaID, &rec.StudentID, &estado, &confianza, &fechaDeteccion, &fechaTardia, &modPor, &modFecha); err != nil {
			return nil, err
		}
		rec.Estado = AttendanceState(estado)
		if confianza.Valid {
			rec.Confianza = &confianza.Float64
		}
		rec.FechaDeteccion = parseNullTime(fechaDeteccion)
		rec.FechaDeteccionTardia = parseNullTime(fechaTardia)
		if modPor.Valid {
			rec.ModificadoPorUsuario = modPor.String
		}
		rec.ModificadoFecha = parseNullTime(modFecha)
		doc.Registros = append(doc.Registros, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return doc, nil
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func timeStr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// CreateAttendanceDocument seeds a new attendance document with one
// StateAusente record per enrolled student. It is a no-op (not an error)
// if the document already exists, so callers can call it unconditionally
// at session start.
func (s *Store) CreateAttendanceDocument(ctx context.Context, claseID, fecha, aulaID string, studentIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, sid := range studentIDs {
		_, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO attendance_records (clase_id, fecha, aula_id, student_id, estado, confianza)
			VALUES (?, ?, ?, ?, ?, NULL)`, claseID, fecha, aulaID, sid, string(StateAusente))
		if err != nil {
			return fmt.Errorf("seed attendance record for student %s: %w", sid, err)
		}
	}
	return tx.Commit()
}

// ConditionalUpdateStudentRecord applies fn to the current record for
// (claseID, fecha, studentID) inside a transaction and persists the
// result, giving the Attendance Writer (spec §4.6) and manual overrides
// a single serialisation point per student row. fn receives a zero-value
// record with Estado=StateAusente if none exists yet (should not happen
// once CreateAttendanceDocument has seeded the document, but is handled
// defensively).
func (s *Store) ConditionalUpdateStudentRecord(ctx context.Context, claseID, fecha, aulaID, studentID string, fn func(rec AttendanceRecord) AttendanceRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT estado, confianza, fecha_deteccion, fecha_deteccion_tardia, modificado_por_usuario, modificado_fecha
		FROM attendance_records WHERE clase_id = ? AND fecha = ? AND student_id = ?`, claseID, fecha, studentID)

	var rec AttendanceRecord
	rec.StudentID = studentID
	var estado string
	var confianza sql.NullFloat64
	var fechaDeteccion, fechaTardia, modPor, modFecha sql.NullString
	err = row.Scan(&estado, &confianza, &fechaDeteccion, &fechaTardia, &modPor, &modFecha)
	switch {
	case err == sql.ErrNoRows:
		rec.Estado = StateAusente
	case err != nil:
		return fmt.Errorf("query record for student %s: %w", studentID, err)
	default:
		rec.Estado = AttendanceState(estado)
		if confianza.Valid {
			rec.Confianza = &confianza.Float64
		}
		rec.FechaDeteccion = parseNullTime(fechaDeteccion)
		rec.FechaDeteccionTardia = parseNullTime(fechaTardia)
		if modPor.Valid {
			rec.ModificadoPorUsuario = modPor.String
		}
		rec.ModificadoFecha = parseNullTime(modFecha)
	}

	updated := fn(rec)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO attendance_records (clase_id, fecha, aula_id, student_id, estado, confianza, fecha_deteccion, fecha_deteccion_tardia, modificado_por_usuario, modificado_fecha)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(clase_id, fecha, student_id) DO UPDATE SET
			estado = excluded.estado,
			confianza = excluded.confianza,
			fecha_deteccion = excluded.fecha_deteccion,
			fecha_deteccion_tardia = excluded.fecha_deteccion_tardia,
			modificado_por_usuario = excluded.modificado_por_usuario,
			modificado_fecha = excluded.modificado_fecha`,
		claseID, fecha, aulaID, studentID, string(updated.Estado), updated.Confianza,
		timeStr(updated.FechaDeteccion), timeStr(updated.FechaDeteccionTardia),
		nullableString(updated.ModificadoPorUsuario), timeStr(updated.ModificadoFecha))
	if err != nil {
		return fmt.Errorf("update record for student %s: %w", studentID, err)
	}

	return tx.Commit()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
