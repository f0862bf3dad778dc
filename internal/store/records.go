package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Record is one self-describing document: a namespace-scoped id, a kind
// discriminator, an opaque JSON payload, and the handful of denormalized
// columns the Registry needs secondary indexes on.
type Record struct {
	Namespace  string
	ID         string
	Kind       string
	Type       string
	Status     string
	Membership string
	Version    int
	Payload    string // JSON
	Archived   bool
	Tags       []string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func scanRecord(scanner interface {
	Scan(dest ...any) error
}) (*Record, error) {
	r := &Record{}
	var typ, status, membership sql.NullString
	err := scanner.Scan(&r.Namespace, &r.ID, &r.Kind, &typ, &status, &membership,
		&r.Version, &r.Payload, &r.Archived, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Type = typ.String
	r.Status = status.String
	r.Membership = membership.String
	return r, nil
}

const recordColumns = `namespace, id, kind, type, status, membership, version, payload, archived, created_at, updated_at`

// Put upserts a record and rewrites its tag set atomically.
func (s *Store) Put(r *Record) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("put record: begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO records (namespace, id, kind, type, status, membership, version, payload, archived, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(namespace, id) DO UPDATE SET
			kind = excluded.kind,
			type = excluded.type,
			status = excluded.status,
			membership = excluded.membership,
			version = excluded.version,
			payload = excluded.payload,
			archived = excluded.archived,
			updated_at = CURRENT_TIMESTAMP`,
		r.Namespace, r.ID, r.Kind, r.Type, r.Status, r.Membership, r.Version, r.Payload, r.Archived)
	if err != nil {
		return fmt.Errorf("put record: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM record_tags WHERE namespace = ? AND id = ?`, r.Namespace, r.ID); err != nil {
		return fmt.Errorf("put record: clear tags: %w", err)
	}
	for _, tag := range r.Tags {
		if _, err := tx.Exec(`INSERT INTO record_tags (namespace, id, tag) VALUES (?, ?, ?)`, r.Namespace, r.ID, tag); err != nil {
			return fmt.Errorf("put record: tag %q: %w", tag, err)
		}
	}

	return tx.Commit()
}

// Get returns a record by namespace+id, or nil if it doesn't exist.
func (s *Store) Get(namespace, id string) (*Record, error) {
	row := s.db.QueryRow(`SELECT `+recordColumns+` FROM records WHERE namespace = ? AND id = ?`, namespace, id)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	r.Tags, err = s.tagsFor(namespace, id)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Store) tagsFor(namespace, id string) ([]string, error) {
	rows, err := s.db.Query(`SELECT tag FROM record_tags WHERE namespace = ? AND id = ?`, namespace, id)
	if err != nil {
		return nil, fmt.Errorf("tags for record: %w", err)
	}
	defer rows.Close()
	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

// Query filters the namespace's records by the supplied predicates.
// An empty field is treated as "don't filter on this".
type Query struct {
	Type          string
	Status        string
	Membership    string
	Tag           string
	IncludeArchived bool
}

func (s *Store) Query(namespace string, q Query) ([]Record, error) {
	sqlStr := `SELECT DISTINCT ` + recordColumnsAliased() + ` FROM records r`
	args := []any{namespace}
	where := []string{"r.namespace = ?"}

	if q.Tag != "" {
		sqlStr += ` JOIN record_tags t ON t.namespace = r.namespace AND t.id = r.id`
		where = append(where, "t.tag = ?")
		args = append(args, q.Tag)
	}
	if q.Type != "" {
		where = append(where, "r.type = ?")
		args = append(args, q.Type)
	}
	if q.Status != "" {
		where = append(where, "r.status = ?")
		args = append(args, q.Status)
	}
	if q.Membership != "" {
		where = append(where, "r.membership = ?")
		args = append(args, q.Membership)
	}
	if !q.IncludeArchived {
		where = append(where, "r.archived = FALSE")
	}

	sqlStr += " WHERE " + joinAnd(where) + " ORDER BY r.created_at"

	rows, err := s.db.Query(sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		tags, err := s.tagsFor(out[i].Namespace, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Tags = tags
	}
	return out, nil
}

func recordColumnsAliased() string {
	return "r.namespace, r.id, r.kind, r.type, r.status, r.membership, r.version, r.payload, r.archived, r.created_at, r.updated_at"
}

func joinAnd(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += " AND "
		}
		out += p
	}
	return out
}

// Archive flags a record as archived without deleting it, preserving it
// for inspection (§4.5 removeAgent: "archive-preserving").
func (s *Store) Archive(namespace, id string) error {
	_, err := s.db.Exec(`UPDATE records SET archived = TRUE, updated_at = CURRENT_TIMESTAMP WHERE namespace = ? AND id = ?`, namespace, id)
	return err
}

// Delete permanently removes a record and its tags.
func (s *Store) Delete(namespace, id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM record_tags WHERE namespace = ? AND id = ?`, namespace, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM records WHERE namespace = ? AND id = ?`, namespace, id); err != nil {
		return err
	}
	return tx.Commit()
}

// AllNamespace returns every record in a namespace, archived ones included,
// used by Backup to snapshot a full namespace.
func (s *Store) AllNamespace(namespace string) ([]Record, error) {
	return s.Query(namespace, Query{IncludeArchived: true})
}
