package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Schedule is a cron/interval/once trigger bound to a named workflow
// document, persisted so the scheduler survives a restart.
type Schedule struct {
	ID          string     `json:"id"`
	Workflow    string     `json:"workflow"`
	Name        string     `json:"name"`
	TriggerKind string     `json:"triggerKind"` // "cron" | "interval" | "once"
	Expression  string     `json:"expression"`
	Status      string     `json:"status"`
	NextRunAt   *time.Time `json:"nextRunAt,omitempty"`
	LastRunAt   *time.Time `json:"lastRunAt,omitempty"`
	LastStatus  string     `json:"lastStatus,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

func scanSchedule(scanner interface {
	Scan(dest ...any) error
}) (*Schedule, error) {
	sch := &Schedule{}
	var lastStatus, lastError sql.NullString
	err := scanner.Scan(&sch.ID, &sch.Workflow, &sch.Name, &sch.TriggerKind, &sch.Expression, &sch.Status,
		&sch.NextRunAt, &sch.LastRunAt, &lastStatus, &lastError, &sch.CreatedAt)
	if err != nil {
		return nil, err
	}
	sch.LastStatus = lastStatus.String
	sch.LastError = lastError.String
	return sch, nil
}

const scheduleColumns = `id, workflow, name, trigger_kind, expression, status, next_run_at, last_run_at, last_status, last_error, created_at`

func (s *Store) SaveSchedule(sch *Schedule) error {
	_, err := s.db.Exec(`
		INSERT INTO schedules (id, workflow, name, trigger_kind, expression, status, next_run_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			workflow = excluded.workflow,
			name = excluded.name,
			trigger_kind = excluded.trigger_kind,
			expression = excluded.expression,
			status = excluded.status,
			next_run_at = excluded.next_run_at`,
		sch.ID, sch.Workflow, sch.Name, sch.TriggerKind, sch.Expression, sch.Status, sch.NextRunAt)
	if err != nil {
		return fmt.Errorf("save schedule: %w", err)
	}
	return nil
}

func (s *Store) GetSchedule(id string) (*Schedule, error) {
	row := s.db.QueryRow(`SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	sch, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return sch, nil
}

func (s *Store) ListSchedules() ([]Schedule, error) {
	rows, err := s.db.Query(`SELECT ` + scheduleColumns + ` FROM schedules ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		sch, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, *sch)
	}
	return out, rows.Err()
}

func (s *Store) GetDueSchedules(now time.Time) ([]Schedule, error) {
	rows, err := s.db.Query(`
		SELECT `+scheduleColumns+`
		FROM schedules
		WHERE status = 'active' AND next_run_at <= ?
		ORDER BY next_run_at`, now)
	if err != nil {
		return nil, fmt.Errorf("get due schedules: %w", err)
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		sch, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, *sch)
	}
	return out, rows.Err()
}

func (s *Store) UpdateScheduleRun(id, lastStatus, lastError string, nextRunAt *time.Time) error {
	_, err := s.db.Exec(`
		UPDATE schedules
		SET last_run_at = CURRENT_TIMESTAMP, last_status = ?, last_error = ?, next_run_at = ?
		WHERE id = ?`, lastStatus, lastError, nextRunAt, id)
	return err
}

func (s *Store) UpdateScheduleStatus(id, status string) error {
	_, err := s.db.Exec(`UPDATE schedules SET status = ? WHERE id = ?`, status, id)
	return err
}

func (s *Store) DeleteSchedule(id string) error {
	_, err := s.db.Exec(`DELETE FROM schedules WHERE id = ?`, id)
	return err
}
