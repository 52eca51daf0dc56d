package store

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// seedFixture is the on-disk shape of a local/dev-mode seed file: static
// classroom/class/student/schedule data loaded once at startup so the
// pipeline has something to match against without a full admin CRUD
// surface in front of it.
type seedFixture struct {
	Classrooms []struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"classrooms"`
	Classes []struct {
		ID           string `yaml:"id"`
		Subject      string `yaml:"subject"`
		InstructorID string `yaml:"instructor_id"`
		Schedule     []struct {
			DayOfWeek string `yaml:"day_of_week"`
			Start     string `yaml:"start"`
			End       string `yaml:"end"`
			Aula      string `yaml:"aula"`
		} `yaml:"schedule"`
	} `yaml:"classes"`
	Students []struct {
		ID       string   `yaml:"id"`
		Name     string   `yaml:"name"`
		ClassIDs []string `yaml:"classes"`
	} `yaml:"students"`
	Devices []struct {
		ID     string `yaml:"id"`
		AulaID string `yaml:"aula"`
	} `yaml:"devices"`
}

// LoadSeed reads a YAML fixture of classrooms/classes/students and
// upserts it into the store. Embeddings are not part of the fixture
// (they come from enrollment, out of scope here); callers that need
// embedding galleries for tests should call PutEmbedding directly.
func (s *Store) LoadSeed(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read seed file %s: %w", path, err)
	}

	var fx seedFixture
	if err := yaml.Unmarshal(data, &fx); err != nil {
		return fmt.Errorf("parse seed file %s: %w", path, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, c := range fx.Classrooms {
		if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO classrooms (id, name) VALUES (?, ?)`, c.ID, c.Name); err != nil {
			return fmt.Errorf("seed classroom %s: %w", c.ID, err)
		}
	}

	for _, c := range fx.Classes {
		if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO classes (id, subject, instructor_id) VALUES (?, ?, ?)`, c.ID, c.Subject, c.InstructorID); err != nil {
			return fmt.Errorf("seed class %s: %w", c.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM schedule_slots WHERE class_id = ?`, c.ID); err != nil {
			return fmt.Errorf("clear schedule for class %s: %w", c.ID, err)
		}
		for _, slot := range c.Schedule {
			if slot.DayOfWeek == "" || slot.Start == "" || slot.End == "" || slot.Aula == "" {
				continue // malformed schedule slot: dropped per the data-integrity policy, never fails the load
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO schedule_slots (class_id, day_of_week, start_hhmm, end_hhmm, aula_id)
				VALUES (?, ?, ?, ?, ?)`, c.ID, slot.DayOfWeek, slot.Start, slot.End, slot.Aula); err != nil {
				return fmt.Errorf("seed schedule slot for class %s: %w", c.ID, err)
			}
		}
	}

	for _, st := range fx.Students {
		if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO students (id, name) VALUES (?, ?)`, st.ID, st.Name); err != nil {
			return fmt.Errorf("seed student %s: %w", st.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM student_classes WHERE student_id = ?`, st.ID); err != nil {
			return fmt.Errorf("clear memberships for student %s: %w", st.ID, err)
		}
		for _, cid := range st.ClassIDs {
			if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO student_classes (student_id, class_id) VALUES (?, ?)`, st.ID, cid); err != nil {
				return fmt.Errorf("enroll student %s in class %s: %w", st.ID, cid, err)
			}
		}
	}

	for _, d := range fx.Devices {
		if d.ID == "" || d.AulaID == "" {
			continue // malformed device binding: dropped per the data-integrity policy
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO device_bindings (device_id, aula_id, last_seen_at) VALUES (?, ?, NULL)`, d.ID, d.AulaID); err != nil {
			return fmt.Errorf("seed device binding %s: %w", d.ID, err)
		}
	}

	return tx.Commit()
}
